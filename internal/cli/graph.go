package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/tdl/internal/schedule"
)

func newGraphCmd() *cobra.Command {
	var format string
	var startMode string

	cmd := &cobra.Command{
		Use:   "graph <module.yaml>",
		Short: "Build and print the schedule graph of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			_, g, err := compileModule(cmd.ErrOrStderr(), args[0], startMode)
			if err != nil {
				return err
			}
			switch format {
			case "dot":
				return g.WriteDOT(w)
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(g.Snapshot())
			case "text":
				printGraph(w, g)
				return nil
			default:
				return fmt.Errorf("unknown format %q (want text, dot or json)", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, dot, json")
	cmd.Flags().StringVar(&startMode, "start", "", "Override the module's start mode")
	return cmd
}

// printGraph lists every node per mode with its outgoing edges.
func printGraph(w io.Writer, g *schedule.Graph) {
	fmt.Fprintf(w, "%s %s (start %s, %d nodes)\n", bold("module"), g.Module(), g.StartMode(), g.Len())
	for _, mi := range g.Modes() {
		fmt.Fprintf(w, "\n%s %s period %s entry #%d\n", bold("mode"), cyan(mi.Name), mi.Period, mi.Entry)
		for _, n := range g.Nodes() {
			if n.Action.Mode != mi.Name {
				continue
			}
			var succ []string
			for _, e := range g.Successors(n.ID) {
				s := fmt.Sprintf("#%d", e.To)
				switch {
				case e.Switch:
					s += " " + magenta("switch")
				case e.Delta > 0:
					s += fmt.Sprintf(" +%s", e.Delta)
				}
				succ = append(succ, s)
			}
			line := fmt.Sprintf("  #%-4d %-18s %-20s @%-8s", n.ID, n.Action.Kind, n.Action.Subject, n.Action.Time)
			if n.Guard != "" {
				line += dim(" if " + n.Guard)
			}
			fmt.Fprintf(w, "%s -> %s\n", line, strings.Join(succ, ", "))
		}
	}
}
