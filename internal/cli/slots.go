package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/tdl/internal/periodicity"
	"github.com/me/tdl/internal/slots"
)

func newSlotsCmd() *cobra.Command {
	var frequency int
	var period time.Duration

	cmd := &cobra.Command{
		Use:   "slots <selection>",
		Short: "Expand a slot selection and derive its LET and invocation period",
		Example: `  tdl slots "1*" --frequency 4 --period 100ms
  tdl slots "1-2|3-4" --frequency 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			selection := args[0]

			ivs, err := slots.Parse(selection, frequency)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s %q frequency %d\n", bold("selection"), selection, frequency)
			for i, iv := range ivs {
				fmt.Fprintf(w, "  invocation %d: slots %s\n", i+1, iv)
			}

			tt, err := periodicity.Analyze(ivs, frequency, period)
			if err != nil {
				fmt.Fprintf(w, "%s %v\n", red("not periodic:"), err)
				return fmt.Errorf("selection %q is not periodic", selection)
			}
			fmt.Fprintf(w, "%s %s\n", bold("let:"), tt.LET)
			fmt.Fprintf(w, "%s %s\n", bold("invocation period:"), tt.InvocationPeriod)
			fmt.Fprintf(w, "%s %s\n", bold("offset:"), tt.Offset)
			fmt.Fprintf(w, "%s %v\n", bold("invocations:"), tt.Invocations(period))
			return nil
		},
	}

	cmd.Flags().IntVarP(&frequency, "frequency", "f", 1, "Task frequency (slots per mode period)")
	cmd.Flags().DurationVarP(&period, "period", "p", time.Second, "Mode period")
	return cmd
}
