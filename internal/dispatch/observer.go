package dispatch

import (
	"time"

	"github.com/me/tdl/internal/schedule"
)

// Outcome describes what happened to a node when it came due.
type Outcome int

const (
	Fired    Outcome = iota // side effects performed
	Skipped                 // guard was false, or a mode switch on mode entry
	Deferred                // sensor read not yet safe
	Held                    // processor held by a running task
	Switched                // mode switch taken
)

var outcomeNames = [...]string{"fired", "skipped", "deferred", "held", "switched"}

func (o Outcome) String() string {
	if int(o) >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// MarshalText lets outcomes appear by name in JSON output.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Event is reported to observers for every node the dispatcher handles.
type Event struct {
	Node    schedule.Node
	At      time.Duration // model time of the firing
	Logical time.Duration // schedule time of the node
	Outcome Outcome
	Target  string // destination mode when Outcome is Switched
}

// Observer receives dispatch events. Observers run synchronously inside
// Fire and must not call back into the dispatcher.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Observe calls f.
func (f ObserverFunc) Observe(ev Event) { f(ev) }
