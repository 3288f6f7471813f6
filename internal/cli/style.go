package cli

import (
	"github.com/fatih/color"

	"github.com/me/tdl/internal/dispatch"
)

var (
	bold    = color.New(color.Bold).SprintFunc()
	dim     = color.New(color.Faint).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	magenta = color.New(color.Bold, color.FgMagenta).SprintFunc()
)

// outcomeStyle colors a dispatch outcome name.
func outcomeStyle(outcome string) string {
	switch outcome {
	case dispatch.Fired.String():
		return green(outcome)
	case dispatch.Skipped.String():
		return dim(outcome)
	case dispatch.Deferred.String(), dispatch.Held.String():
		return yellow(outcome)
	case dispatch.Switched.String():
		return magenta(outcome)
	}
	return outcome
}
