// Package sim is a discrete-event host for running a TDL schedule without
// hardware: sensors are expression signals of model time, tasks evaluate
// their output expressions, and actuator writes are recorded.
package sim

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/me/tdl/internal/dispatch"
	"github.com/me/tdl/internal/guard"
	"github.com/me/tdl/internal/logging"
	"github.com/me/tdl/internal/schedule"
	"github.com/me/tdl/pkg/model"
)

// HostOption configures a Host.
type HostOption func(*Host)

// WithRealTime paces sensor reads against the wall clock: a read at model
// time t is safe only once the wall clock has reached t minus tolerance.
func WithRealTime(tolerance time.Duration) HostOption {
	return func(h *Host) {
		h.realTime = true
		h.tolerance = tolerance
	}
}

// WithClock replaces the wall clock used for real-time pacing.
func WithClock(now func() time.Time) HostOption {
	return func(h *Host) { h.wall = now }
}

// WithHostLogger sets the host's logger.
func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.logger = l.With("component", "sim") }
}

// Host implements dispatch.Host for a module.
type Host struct {
	module *model.Module
	exprs  *guard.Evaluator
	logger *slog.Logger

	now      time.Duration
	requests []time.Duration

	realTime  bool
	tolerance time.Duration
	wall      func() time.Time
	epoch     time.Time

	ports  map[schedule.PortRef]dispatch.Port
	actors map[string]*exprActor
	writes []Write
}

// NewHost creates ports and actors for every declaration of m.
func NewHost(m *model.Module, exprs *guard.Evaluator, opts ...HostOption) *Host {
	h := &Host{
		module: m,
		exprs:  exprs,
		logger: logging.Discard(),
		wall:   time.Now,
		ports:  make(map[schedule.PortRef]dispatch.Port),
		actors: make(map[string]*exprActor),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.epoch = h.wall()

	for _, s := range m.Sensors {
		h.ports[schedule.PortRef{Kind: schedule.SensorSource, Name: s.Name}] = &signalPort{
			host: h, name: s.Name, expr: s.Signal, initial: s.Initial,
		}
		h.ports[schedule.PortRef{Kind: schedule.SensorValue, Name: s.Name}] = NewRegister(s.Initial)
	}
	for _, a := range m.Actuators {
		p := &actuatorPort{host: h, name: a.Name}
		if a.Initial != nil {
			p.Register.Send(a.Initial)
		}
		h.ports[schedule.PortRef{Kind: schedule.ActuatorPort, Name: a.Name}] = p
	}
	for i := range m.Modes {
		mode := &m.Modes[i]
		for j := range mode.Tasks {
			t := &mode.Tasks[j]
			for _, in := range t.Inputs {
				h.ports[schedule.PortRef{Kind: schedule.TaskInput, Mode: mode.Name, Owner: t.Name, Name: in.Name}] = NewRegister(in.Initial)
			}
			for _, out := range t.Outputs {
				h.ports[schedule.PortRef{Kind: schedule.TaskOutput, Mode: mode.Name, Owner: t.Name, Name: out.Name}] = NewRegister(out.Initial)
				ref := schedule.PortRef{Kind: schedule.OutputValue, Owner: t.Name, Name: out.Name}
				if _, ok := h.ports[ref]; !ok {
					h.ports[ref] = NewRegister(out.Initial)
				}
			}
			h.actors[mode.Name+"/"+t.Name] = &exprActor{host: h, mode: mode.Name, task: t}
		}
	}
	return h
}

// ModelTime returns the current model time.
func (h *Host) ModelTime() time.Duration { return h.now }

// FireAt queues a dispatcher firing at t.
func (h *Host) FireAt(t time.Duration) {
	h.requests = append(h.requests, t)
}

// SafeToProcess reports whether sensors may be read at model time t.
func (h *Host) SafeToProcess(t time.Duration) bool {
	if !h.realTime {
		return true
	}
	return h.wall().Sub(h.epoch) >= t-h.tolerance
}

// Actor returns the expression actor of a task.
func (h *Host) Actor(mode, task string) (dispatch.Actor, bool) {
	a, ok := h.actors[mode+"/"+task]
	if !ok {
		return nil, false
	}
	return a, true
}

// Port resolves a port reference.
func (h *Host) Port(ref schedule.PortRef) (dispatch.Port, bool) {
	p, ok := h.ports[ref]
	return p, ok
}

// GuardScope exposes latched sensor values by name, published task outputs
// as task.port objects, the model time in seconds as `time`, and the mode
// name as `mode`.
func (h *Host) GuardScope(mode string) map[string]any {
	scope := map[string]any{
		"time": h.now.Seconds(),
		"mode": mode,
	}
	for _, s := range h.module.Sensors {
		scope[s.Name] = h.peek(schedule.PortRef{Kind: schedule.SensorValue, Name: s.Name})
	}
	for ref, p := range h.ports {
		if ref.Kind != schedule.OutputValue {
			continue
		}
		obj, _ := scope[ref.Owner].(map[string]any)
		if obj == nil {
			obj = make(map[string]any)
			scope[ref.Owner] = obj
		}
		obj[ref.Name] = peekPort(p)
	}
	return scope
}

// Writes returns every actuator write so far.
func (h *Host) Writes() []Write {
	return append([]Write(nil), h.writes...)
}

// Actuators returns the current value of every actuator.
func (h *Host) Actuators() map[string]any {
	out := make(map[string]any)
	for _, a := range h.module.Actuators {
		out[a.Name] = h.peek(schedule.PortRef{Kind: schedule.ActuatorPort, Name: a.Name})
	}
	return out
}

// SensorReads returns how many samples were taken from a sensor.
func (h *Host) SensorReads(name string) int {
	if p, ok := h.ports[schedule.PortRef{Kind: schedule.SensorSource, Name: name}].(*signalPort); ok {
		return p.reads
	}
	return 0
}

func (h *Host) peek(ref schedule.PortRef) any {
	return peekPort(h.ports[ref])
}

func peekPort(p dispatch.Port) any {
	switch p := p.(type) {
	case *Register:
		return p.Peek()
	case *actuatorPort:
		return p.Peek()
	}
	return nil
}

// advance moves the clock to the earliest requested firing and reports
// whether one exists at or before until.
func (h *Host) advance(until time.Duration) bool {
	if len(h.requests) == 0 {
		return false
	}
	sort.Slice(h.requests, func(i, j int) bool { return h.requests[i] < h.requests[j] })
	next := h.requests[0]
	if next > until {
		return false
	}
	i := 0
	for i < len(h.requests) && h.requests[i] == next {
		i++
	}
	h.requests = h.requests[i:]
	if next > h.now {
		h.now = next
	}
	return true
}

// exprActor evaluates a task's output expressions on every iteration.
type exprActor struct {
	host *Host
	mode string
	task *model.Task
}

func (a *exprActor) Prefire() (bool, error) { return true, nil }

func (a *exprActor) Iterate(n int) error {
	for i := 0; i < n; i++ {
		if err := a.step(); err != nil {
			return err
		}
	}
	return nil
}

func (a *exprActor) Postfire() (bool, error) { return true, nil }

func (a *exprActor) step() error {
	h := a.host
	inputs := make(map[string]any, len(a.task.Inputs))
	for _, in := range a.task.Inputs {
		inputs[in.Name] = h.peek(schedule.PortRef{Kind: schedule.TaskInput, Mode: a.mode, Owner: a.task.Name, Name: in.Name})
	}
	outputs := make(map[string]any, len(a.task.Outputs))
	for _, out := range a.task.Outputs {
		outputs[out.Name] = h.peek(a.outputRef(out.Name))
	}
	scope := map[string]any{
		"inputs":  inputs,
		"outputs": outputs,
		"time":    h.now.Seconds(),
	}

	for _, out := range a.task.Outputs {
		if out.Expr == "" {
			continue
		}
		v, err := h.exprs.Value(out.Expr, scope)
		if err != nil {
			return fmt.Errorf("task %s output %s: %w", a.task.Name, out.Name, err)
		}
		if err := h.ports[a.outputRef(out.Name)].Send(v); err != nil {
			return err
		}
	}
	return nil
}

func (a *exprActor) outputRef(port string) schedule.PortRef {
	return schedule.PortRef{Kind: schedule.TaskOutput, Mode: a.mode, Owner: a.task.Name, Name: port}
}
