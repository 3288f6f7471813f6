package cli

import (
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/me/tdl/internal/logging"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagNoColor   bool

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the tdl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tdl",
		Short: "tdl: time-triggered schedules for TDL modules",
		Long: `tdl compiles TDL module declarations into a static schedule graph of
sensor reads, task executions, output writes and mode switches, and runs
that schedule against a simulated host.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, format := logging.FromEnv(flagLogLevel, flagLogFormat)
			if flagDebug {
				level = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(level), format)
			if flagNoColor {
				color.NoColor = true
			}
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error) or TDL_LOG_LEVEL")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json) or TDL_LOG_FORMAT")
	root.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newSlotsCmd(),
		newValidateCmd(),
		newGraphCmd(),
		newRunCmd(),
	)
	return root
}
