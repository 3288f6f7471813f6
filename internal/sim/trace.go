package sim

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/me/tdl/internal/dispatch"
	"github.com/me/tdl/internal/schedule"
	"github.com/me/tdl/pkg/model"
)

// Trace records dispatched actions as run events.
type Trace struct {
	host   *Host
	events []model.Event
}

// NewTrace creates a trace that reads transferred values from h.
func NewTrace(h *Host) *Trace {
	return &Trace{host: h}
}

// Observe implements dispatch.Observer.
func (t *Trace) Observe(ev dispatch.Event) {
	e := model.Event{
		Seq:     len(t.events) + 1,
		Time:    model.Duration(ev.At),
		Kind:    ev.Node.Action.Kind.String(),
		Mode:    ev.Node.Action.Mode,
		Subject: ev.Node.Action.Subject,
		Outcome: ev.Outcome.String(),
	}
	switch {
	case ev.Outcome == dispatch.Switched:
		e.Value = ev.Target
	case ev.Outcome == dispatch.Fired && len(ev.Node.Transfers) > 0:
		switch ev.Node.Action.Kind {
		case schedule.ReadSensor, schedule.WriteTaskOutput, schedule.WriteActuator:
			e.Value = t.host.peek(ev.Node.Transfers[0].To)
		}
	}
	t.events = append(t.events, e)
}

// Events returns a copy of the recorded events.
func (t *Trace) Events() []model.Event {
	return append([]model.Event(nil), t.events...)
}

// Len returns the number of recorded events.
func (t *Trace) Len() int { return len(t.events) }

// Canonical encodes the schedule-determined events, one per line. Held and
// deferred events depend on wall-clock pacing and are left out.
func (t *Trace) Canonical() []byte {
	var buf bytes.Buffer
	for _, e := range t.events {
		if e.Outcome == dispatch.Held.String() || e.Outcome == dispatch.Deferred.String() {
			continue
		}
		value, err := json.Marshal(e.Value)
		if err != nil {
			value = []byte(fmt.Sprintf("%q", fmt.Sprint(e.Value)))
		}
		fmt.Fprintf(&buf, "%d|%s|%s|%s|%s|%s\n", int64(e.Time), e.Kind, e.Mode, e.Subject, e.Outcome, value)
	}
	return buf.Bytes()
}

// Hash returns the hex SHA-256 of the canonical encoding, or "" for an
// empty trace.
func (t *Trace) Hash() string {
	return ComputeTraceHash(t.Canonical())
}

// ComputeTraceHash hashes a canonical trace encoding.
func ComputeTraceHash(canonical []byte) string {
	if len(canonical) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
