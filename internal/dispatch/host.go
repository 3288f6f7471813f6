// Package dispatch executes a schedule graph against a host environment.
//
// The Dispatcher is driven by the host clock: the host calls Fire whenever
// model time reaches an instant the dispatcher requested through FireAt.
// All state lives in one DispatchState per dispatcher; the graph itself is
// never mutated.
package dispatch

import (
	"time"

	"github.com/me/tdl/internal/schedule"
)

// Actor is the host object behind a task.
type Actor interface {
	// Prefire reports whether the actor is ready to iterate.
	Prefire() (bool, error)
	// Iterate runs the task body n times.
	Iterate(n int) error
	// Postfire commits the iteration and reports whether the actor wants
	// to keep running.
	Postfire() (bool, error)
}

// Port is a single-value token store.
type Port interface {
	HasToken() bool
	Get() (any, error)
	Send(v any) error
}

// Host is the environment a Dispatcher runs in: clock, actors and ports.
type Host interface {
	// ModelTime returns the current model time.
	ModelTime() time.Duration
	// FireAt asks the host to call Fire again at t.
	FireAt(t time.Duration)
	// SafeToProcess reports whether sensor inputs may be sampled at model
	// time t.
	SafeToProcess(t time.Duration) bool
	// Actor returns the actor implementing a task in a mode.
	Actor(mode, task string) (Actor, bool)
	// Port resolves a port reference.
	Port(ref schedule.PortRef) (Port, bool)
	// GuardScope returns the variables visible to guards in a mode.
	GuardScope(mode string) map[string]any
}

// GuardEvaluator evaluates boolean guard expressions.
type GuardEvaluator interface {
	Evaluate(expr string, scope map[string]any) (bool, error)
}

// GuardFunc adapts a function to GuardEvaluator.
type GuardFunc func(expr string, scope map[string]any) (bool, error)

// Evaluate calls f.
func (f GuardFunc) Evaluate(expr string, scope map[string]any) (bool, error) {
	return f(expr, scope)
}
