package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate <module.yaml>",
		Short: "Check a module declaration without building its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			m, warnings, err := loadModule(w, args[0], "")
			if err != nil {
				return err
			}
			printFieldErrors(w, yellow("warning"), warnings)
			if strict && len(warnings) > 0 {
				return fmt.Errorf("%s: %d warnings", args[0], len(warnings))
			}
			fmt.Fprintf(w, "%s %s: %d modes, %d sensors, %d actuators\n",
				green("valid"), bold(m.Name), len(m.Modes), len(m.Sensors), len(m.Actuators))
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	return cmd
}
