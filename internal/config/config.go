package config

import "time"

// ServerConfig holds configuration for the tdl server.
type ServerConfig struct {
	Addr      string        // Listen address (default ":8080")
	LogLevel  string        // Log level: debug, info, warn, error
	LogFormat string        // Log format: text, json
	DBPath    string        // SQLite database path (default ~/.tdl/tdl.db, ":memory:" for testing)
	MaxUntil  time.Duration // Longest model time one run may simulate
	MaxRuns   int           // Simulations executing at once; 0 means unlimited
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		MaxUntil:  time.Minute,
		MaxRuns:   4,
	}
}

// RunConfig controls one simulation run.
type RunConfig struct {
	Until     time.Duration // Model time to stop at; zero means Periods of the start mode
	Periods   int           // Start-mode periods to run when Until is zero
	RealTime  bool          // Pace model time against the wall clock
	Tolerance time.Duration // Allowed lag of wall clock behind model time for sensor reads
}

// DefaultRunConfig returns sensible defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Periods:   10,
		Tolerance: time.Millisecond,
	}
}

// Horizon returns the model time a run stops at, given the start mode's
// period.
func (c RunConfig) Horizon(period time.Duration) time.Duration {
	if c.Until > 0 {
		return c.Until
	}
	n := c.Periods
	if n <= 0 {
		n = 1
	}
	return time.Duration(n) * period
}
