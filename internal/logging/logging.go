// Package logging builds the slog loggers shared by the tdl commands.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Environment variables that override the configured level and format.
const (
	EnvLevel  = "TDL_LOG_LEVEL"
	EnvFormat = "TDL_LOG_FORMAT"
)

// NewLogger creates a logger writing to stderr; stdout is reserved for
// command output such as schedules and traces.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return New(os.Stderr, level, format)
}

// New creates a logger writing to w in "text" or "json" format.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if level <= slog.LevelDebug {
		opts.AddSource = true
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// FromEnv applies TDL_LOG_LEVEL and TDL_LOG_FORMAT over the given defaults.
func FromEnv(level, format string) (string, string) {
	if v := os.Getenv(EnvLevel); v != "" {
		level = v
	}
	if v := os.Getenv(EnvFormat); v != "" {
		format = v
	}
	return level, format
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// ParseLevel converts a level name to slog.Level. Unrecognized values map
// to INFO.
func ParseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
