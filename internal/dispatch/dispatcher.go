package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/me/tdl/internal/logging"
	"github.com/me/tdl/internal/schedule"
	"github.com/me/tdl/pkg/model"
)

// ErrNotInitialized is returned by Fire before Initialize.
var ErrNotInitialized = errors.New("dispatcher not initialized")

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.With("component", "dispatch") }
}

// WithObserver registers an observer. It may be given more than once.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// Dispatcher fires schedule graph nodes at their model times.
type Dispatcher struct {
	graph     *schedule.Graph
	host      Host
	guards    GuardEvaluator
	logger    *slog.Logger
	observers []Observer

	st        *DispatchState
	state     State
	mode      string
	modeStart time.Duration
	busyUntil time.Duration
}

// New creates a dispatcher for g. It does nothing until Initialize.
func New(g *schedule.Graph, host Host, guards GuardEvaluator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		graph:  g,
		host:   host,
		guards: guards,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Initialize resets all dispatch state and schedules the start mode's
// time-zero chain at the current model time.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	start := d.graph.StartMode()
	head := d.graph.Head(start)
	if head == schedule.NoNode {
		return &model.ScheduleError{Mode: start, Err: fmt.Errorf("start mode has no entry node")}
	}
	now := d.host.ModelTime()
	d.st = newDispatchState()
	d.state = Idle
	d.mode = start
	d.modeStart = now
	d.busyUntil = now
	d.st.schedule(head, now, now)
	d.host.FireAt(now)
	d.logger.Info("dispatcher initialized", "module", d.graph.Module(), "mode", start, "time", now)
	return nil
}

// Wrapup clears all dispatch state.
func (d *Dispatcher) Wrapup() {
	if d.st != nil {
		d.logger.Debug("dispatcher wrapup",
			"pending", len(d.st.PendingFireTimes), "joins", len(d.st.JoinWaitlist))
	}
	d.st = nil
	d.state = Idle
}

// State returns the lifecycle state.
func (d *Dispatcher) State() State { return d.state }

// Mode returns the active mode.
func (d *Dispatcher) Mode() string { return d.mode }

// ScheduleTime returns the current model time relative to the active
// mode's period.
func (d *Dispatcher) ScheduleTime() time.Duration {
	p := d.graph.Period(d.mode)
	if p <= 0 {
		return 0
	}
	return (d.host.ModelTime() - d.modeStart) % p
}

// Snapshot returns a copy of the dispatch state.
func (d *Dispatcher) Snapshot() DispatchState {
	if d.st == nil {
		return *newDispatchState()
	}
	return d.st.clone()
}

// Fire processes every node due at the current model time, in insertion
// order. It returns early, with a refire requested, when a sensor read is
// not yet safe or a task with a WCET has started.
func (d *Dispatcher) Fire(ctx context.Context) error {
	if d.st == nil {
		return ErrNotInitialized
	}
	now := d.host.ModelTime()
	if d.state == AwaitingWCET && now >= d.busyUntil {
		d.st.CurrentWCET = 0
		d.state = Idle
	}
	if d.state == Idle {
		d.state = ExecutingCycle
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, p, ok := d.st.next(now)
		if !ok {
			break
		}
		n := d.graph.Node(id)

		if n.Action.Kind == schedule.ExecuteTask && now < d.busyUntil {
			d.st.postpone(id, d.busyUntil)
			d.notify(Event{Node: n, At: now, Logical: p.Logical, Outcome: Held})
			continue
		}
		if n.Action.Kind == schedule.ReadSensor && !d.host.SafeToProcess(now) {
			d.logger.Debug("sensor read deferred", "sensor", n.Action.Subject, "time", now)
			d.notify(Event{Node: n, At: now, Logical: p.Logical, Outcome: Deferred})
			d.host.FireAt(now)
			return nil
		}
		delete(d.st.PendingFireTimes, id)

		outcome := Skipped
		if !d.entering(n, p) {
			var err error
			if outcome, err = d.execute(n); err != nil {
				return fmt.Errorf("%s: %w", n.Action, err)
			}
		}
		ev := Event{Node: n, At: now, Logical: p.Logical, Outcome: outcome}
		if outcome == Switched {
			ev.Target = n.Target
			d.notify(ev)
			d.takeSwitch(n, now)
			continue
		}
		d.notify(ev)
		d.scheduleEventsAfter(id, p.Logical)

		if outcome == Fired && n.Action.Kind == schedule.ExecuteTask && n.WCET > 0 {
			d.st.CurrentWCET = n.WCET
			d.busyUntil = now + n.WCET
			d.state = AwaitingWCET
			d.requestRefire()
			return nil
		}
	}

	d.requestRefire()
	if d.state != AwaitingWCET {
		d.state = Idle
	}
	return nil
}

// entering reports whether n is a time-zero mode switch of the cycle that
// entered the active mode. Those are not evaluated; the rest of the chain,
// including its sensor reads, fires as usual.
func (d *Dispatcher) entering(n schedule.Node, p Pending) bool {
	return n.Action.Kind == schedule.ModeSwitch && n.Action.Time == 0 &&
		n.Action.Mode == d.mode && p.Logical == d.modeStart
}

func (d *Dispatcher) requestRefire() {
	if at, ok := d.st.earliest(); ok {
		d.host.FireAt(at)
	}
}

func (d *Dispatcher) notify(ev Event) {
	for _, o := range d.observers {
		o.Observe(ev)
	}
}

// execute performs a node's side effects. A false guard skips them.
func (d *Dispatcher) execute(n schedule.Node) (Outcome, error) {
	if n.Guard != "" {
		ok, err := d.guards.Evaluate(n.Guard, d.host.GuardScope(n.Action.Mode))
		if err != nil {
			var ge *model.GuardError
			if !errors.As(err, &ge) {
				err = &model.GuardError{Expr: n.Guard, Err: err}
			}
			return 0, err
		}
		if !ok {
			return Skipped, nil
		}
	}

	switch n.Action.Kind {
	case schedule.ModeSwitch:
		return Switched, nil
	case schedule.ExecuteTask:
		return Fired, d.runActor(n)
	case schedule.AfterModeSwitch, schedule.AfterTaskOutputs:
		return Fired, nil
	default:
		return Fired, d.transfer(n)
	}
}

func (d *Dispatcher) runActor(n schedule.Node) error {
	a, ok := d.host.Actor(n.Action.Mode, n.Action.Subject)
	if !ok {
		return fmt.Errorf("no actor for task %s", n.Action.Subject)
	}
	ready, err := a.Prefire()
	if err != nil {
		return fmt.Errorf("prefire: %w", err)
	}
	if !ready {
		return nil
	}
	if err := a.Iterate(1); err != nil {
		return fmt.Errorf("iterate: %w", err)
	}
	if _, err := a.Postfire(); err != nil {
		return fmt.Errorf("postfire: %w", err)
	}
	return nil
}

func (d *Dispatcher) transfer(n schedule.Node) error {
	for _, t := range n.Transfers {
		if err := d.move(t.From, t.To); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) move(from, to schedule.PortRef) error {
	src, ok := d.host.Port(from)
	if !ok {
		return fmt.Errorf("unknown port %s", from)
	}
	dst, ok := d.host.Port(to)
	if !ok {
		return fmt.Errorf("unknown port %s", to)
	}
	if !src.HasToken() {
		return nil
	}
	v, err := src.Get()
	if err != nil {
		return fmt.Errorf("get %s: %w", from, err)
	}
	if err := dst.Send(v); err != nil {
		return fmt.Errorf("send %s: %w", to, err)
	}
	return nil
}

// scheduleEventsAfter schedules the free successors of a fired node and
// updates the waitlists of the joins it contributes to.
func (d *Dispatcher) scheduleEventsAfter(id schedule.NodeID, lx time.Duration) {
	g := d.graph
	logical := map[schedule.NodeID]time.Duration{id: lx}
	timeFrom := func(target schedule.NodeID) time.Duration {
		for _, p := range g.Predecessors(target) {
			if l, ok := logical[p]; ok {
				delta, _ := g.EdgeDelta(p, target)
				return l + delta
			}
		}
		return lx + g.Node(target).Action.Time - g.Node(id).Action.Time
	}

	for _, f := range g.EventsFollowing(id) {
		logical[f] = timeFrom(f)
		d.enqueue(f, logical[f])
	}

	joins := g.NextJoinNodes(id, id)
	ids := make([]schedule.NodeID, 0, len(joins))
	for j := range joins {
		ids = append(ids, j)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	for _, j := range ids {
		if d.st.merge(j, joins[j]) {
			d.enqueue(j, timeFrom(j))
		}
	}
}

func (d *Dispatcher) enqueue(id schedule.NodeID, logical time.Duration) {
	at := logical
	if now := d.host.ModelTime(); at < now {
		at = now
	}
	if !d.st.schedule(id, at, logical) {
		d.logger.Debug("node already pending", "action", d.graph.Node(id).Action.String())
	}
}

// takeSwitch moves execution into the destination mode of a mode switch.
// Task inputs carry over to same-named tasks, and every pending firing and
// partial join of the left mode is dropped.
func (d *Dispatcher) takeSwitch(n schedule.Node, now time.Duration) {
	from, to := d.mode, n.Target
	if err := d.carryInputs(from, to); err != nil {
		d.logger.Warn("task input carry-over failed", "from", from, "to", to, "error", err)
	}
	pending, joins := d.st.dropMode(d.graph, from)

	d.mode = to
	d.modeStart = now
	d.st.schedule(d.graph.Head(to), now, now)
	d.logger.Info("mode switch", "transition", n.Action.Subject, "from", from, "to", to,
		"time", now, "dropped_pending", pending, "dropped_joins", joins)
}

func (d *Dispatcher) carryInputs(from, to string) error {
	src, _ := d.graph.Mode(from)
	dst, ok := d.graph.Mode(to)
	if !ok {
		return fmt.Errorf("unknown mode %s", to)
	}
	var errs []error
	for task, ports := range src.Inputs {
		targets := make(map[string]bool)
		for _, p := range dst.Inputs[task] {
			targets[p] = true
		}
		for _, p := range ports {
			if !targets[p] {
				continue
			}
			err := d.move(
				schedule.PortRef{Kind: schedule.TaskInput, Mode: from, Owner: task, Name: p},
				schedule.PortRef{Kind: schedule.TaskInput, Mode: to, Owner: task, Name: p},
			)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
