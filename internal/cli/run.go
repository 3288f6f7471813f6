package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/me/tdl/internal/config"
	"github.com/me/tdl/internal/sim"
	"github.com/me/tdl/internal/store"
	"github.com/me/tdl/pkg/model"
)

func newRunCmd() *cobra.Command {
	cfg := config.DefaultRunConfig()
	var startMode string
	var dbPath string
	var asJSON bool
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run <module.yaml>",
		Short: "Simulate a module's schedule and print the dispatch trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			m, g, err := compileModule(cmd.ErrOrStderr(), args[0], startMode)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			created := time.Now().UTC()
			res, runErr := sim.NewRunner(g, m, cfg, logger).Run(ctx)

			if dbPath != "" {
				id, err := persistRun(ctx, dbPath, g.Len(), m.Name, cfg, created, res, runErr)
				if err != nil {
					return fmt.Errorf("persist run: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", dim("stored run"), id)
			}
			if runErr != nil {
				return runErr
			}

			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			if !quiet {
				printEvents(w, res.Events)
			}
			printSummary(w, res)
			return nil
		},
	}

	cmd.Flags().DurationVar(&cfg.Until, "until", 0, "Model time to stop at (default: --periods start-mode periods)")
	cmd.Flags().IntVar(&cfg.Periods, "periods", cfg.Periods, "Start-mode periods to run when --until is not set")
	cmd.Flags().BoolVar(&cfg.RealTime, "realtime", false, "Pace the run against the wall clock")
	cmd.Flags().DurationVar(&cfg.Tolerance, "tolerance", cfg.Tolerance, "Allowed wall-clock lag for sensor reads in --realtime mode")
	cmd.Flags().StringVar(&startMode, "start", "", "Override the module's start mode")
	cmd.Flags().StringVar(&dbPath, "db", "", "Record the run in this SQLite database")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the summary")
	return cmd
}

func printEvents(w io.Writer, events []model.Event) {
	fmt.Fprintf(w, "%-10s  %-18s  %-8s  %-20s  %-9s  %s\n", "TIME", "KIND", "MODE", "SUBJECT", "OUTCOME", "VALUE")
	for _, e := range events {
		value := ""
		if e.Value != nil {
			value = fmt.Sprint(e.Value)
		}
		fmt.Fprintf(w, "%-10s  %-18s  %-8s  %-20s  %-9s  %s\n",
			e.Time, e.Kind, e.Mode, e.Subject, outcomeStyle(e.Outcome), value)
	}
}

func printSummary(w io.Writer, res *sim.Result) {
	fmt.Fprintf(w, "\n%s %s -> %s\n", bold("modes:"), res.StartMode, cyan(res.FinalMode))
	fmt.Fprintf(w, "%s %s, %d events, %d firings\n", bold("until:"), res.Until, len(res.Events), res.Fires)
	fmt.Fprintf(w, "%s %d\n", bold("actuator writes:"), len(res.Writes))
	fmt.Fprintf(w, "%s %s\n", bold("trace:"), res.TraceHash)
}

// persistRun records a finished or failed run and its events.
func persistRun(ctx context.Context, dbPath string, nodes int, module string, cfg config.RunConfig, created time.Time, res *sim.Result, runErr error) (string, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return "", err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:          "run_" + uuid.New().String(),
		Module:      module,
		State:       model.RunStateCompleted,
		Until:       model.Duration(cfg.Until),
		RealTime:    cfg.RealTime,
		Nodes:       nodes,
		CreatedAt:   created,
		CompletedAt: &now,
	}
	if res != nil {
		run.StartMode = res.StartMode
		run.FinalMode = res.FinalMode
		run.Until = model.Duration(res.Until)
		run.Events = len(res.Events)
		run.TraceHash = res.TraceHash
	}
	if runErr != nil {
		run.State = model.RunStateFailed
		run.Error = runErr.Error()
	}
	if err := st.CreateRun(ctx, run); err != nil {
		return "", err
	}
	if res != nil {
		if err := st.AppendEvents(ctx, run.ID, res.Events); err != nil {
			return "", err
		}
	}
	return run.ID, nil
}
