package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/tdl/internal/config"
	"github.com/me/tdl/internal/dispatch"
	"github.com/me/tdl/internal/guard"
	"github.com/me/tdl/internal/logging"
	"github.com/me/tdl/internal/schedule"
	"github.com/me/tdl/pkg/model"
)

// Result summarizes a finished run.
type Result struct {
	StartMode string         `json:"start_mode"`
	FinalMode string         `json:"final_mode"`
	Until     time.Duration  `json:"until"`
	Fires     int            `json:"fires"`
	Events    []model.Event  `json:"events"`
	Writes    []Write        `json:"writes"`
	Actuators map[string]any `json:"actuators"`
	TraceHash string         `json:"trace_hash"`
}

// Runner drives a dispatcher with the simulation host's clock.
type Runner struct {
	graph  *schedule.Graph
	host   *Host
	disp   *dispatch.Dispatcher
	trace  *Trace
	config config.RunConfig
	logger *slog.Logger
	fires  int
}

// NewRunner wires a host, trace and dispatcher for g. Extra dispatcher
// options, such as additional observers, are applied after the trace.
func NewRunner(g *schedule.Graph, m *model.Module, cfg config.RunConfig, logger *slog.Logger, opts ...dispatch.Option) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	exprs := guard.New()
	hostOpts := []HostOption{WithHostLogger(logger)}
	if cfg.RealTime {
		hostOpts = append(hostOpts, WithRealTime(cfg.Tolerance))
	}
	host := NewHost(m, exprs, hostOpts...)
	trace := NewTrace(host)

	dopts := append([]dispatch.Option{dispatch.WithLogger(logger), dispatch.WithObserver(trace)}, opts...)
	return &Runner{
		graph:  g,
		host:   host,
		disp:   dispatch.New(g, host, exprs, dopts...),
		trace:  trace,
		config: cfg,
		logger: logger.With("component", "runner"),
	}
}

// Host returns the simulation host.
func (r *Runner) Host() *Host { return r.host }

// Dispatcher returns the dispatcher.
func (r *Runner) Dispatcher() *dispatch.Dispatcher { return r.disp }

// Trace returns the event trace.
func (r *Runner) Trace() *Trace { return r.trace }

// Run initializes the dispatcher and fires it until no firing is requested
// at or before the run horizon.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	until := r.config.Horizon(r.graph.Period(r.graph.StartMode()))
	r.logger.Info("run started", "module", r.graph.Module(), "until", until, "realtime", r.config.RealTime)

	if err := r.disp.Initialize(ctx); err != nil {
		return nil, err
	}
	defer r.disp.Wrapup()

	for {
		ok, err := r.Tick(ctx, until)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}

	res := &Result{
		StartMode: r.graph.StartMode(),
		FinalMode: r.disp.Mode(),
		Until:     until,
		Fires:     r.fires,
		Events:    r.trace.Events(),
		Writes:    r.host.Writes(),
		Actuators: r.host.Actuators(),
		TraceHash: r.trace.Hash(),
	}
	r.logger.Info("run finished", "final_mode", res.FinalMode, "events", len(res.Events), "fires", res.Fires)
	return res, nil
}

// Tick advances the clock to the next requested firing and fires the
// dispatcher once. It reports false when nothing is due at or before until.
func (r *Runner) Tick(ctx context.Context, until time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !r.host.advance(until) {
		return false, nil
	}
	if r.config.RealTime {
		if err := r.pace(ctx); err != nil {
			return false, err
		}
	}
	r.fires++
	if err := r.disp.Fire(ctx); err != nil {
		return false, fmt.Errorf("fire at %s: %w", r.host.now, err)
	}
	return true, nil
}

// pace sleeps until the wall clock reaches the current model time.
func (r *Runner) pace(ctx context.Context) error {
	wait := r.host.epoch.Add(r.host.now).Sub(r.host.wall())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
