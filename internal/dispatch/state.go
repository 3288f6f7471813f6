package dispatch

import (
	"sort"
	"time"

	"github.com/me/tdl/internal/schedule"
)

// State is the dispatcher's lifecycle state.
type State int

const (
	Idle           State = iota // no node ready at the current time
	ExecutingCycle              // processing ready nodes
	AwaitingWCET                // a started task holds the processor
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case ExecutingCycle:
		return "EXECUTING_CYCLE"
	case AwaitingWCET:
		return "AWAITING_WCET"
	}
	return "UNKNOWN"
}

// Pending is a scheduled firing of a node. Logical is the node's schedule
// time; At is when it actually fires, later than Logical only while the
// processor is held by another task.
type Pending struct {
	At      time.Duration `json:"at"`
	Logical time.Duration `json:"logical"`
	Seq     uint64        `json:"seq"`
}

// DispatchState is all mutable scheduling state of one running schedule.
type DispatchState struct {
	PendingFireTimes map[schedule.NodeID]Pending
	JoinWaitlist     map[schedule.NodeID][]schedule.Action
	CurrentWCET      time.Duration

	seq uint64
}

func newDispatchState() *DispatchState {
	return &DispatchState{
		PendingFireTimes: make(map[schedule.NodeID]Pending),
		JoinWaitlist:     make(map[schedule.NodeID][]schedule.Action),
	}
}

func (s *DispatchState) schedule(id schedule.NodeID, at, logical time.Duration) bool {
	if _, ok := s.PendingFireTimes[id]; ok {
		return false
	}
	s.seq++
	s.PendingFireTimes[id] = Pending{At: at, Logical: logical, Seq: s.seq}
	return true
}

func (s *DispatchState) postpone(id schedule.NodeID, at time.Duration) {
	p := s.PendingFireTimes[id]
	s.seq++
	p.At, p.Seq = at, s.seq
	s.PendingFireTimes[id] = p
}

// next returns the earliest-inserted node due at or before now.
func (s *DispatchState) next(now time.Duration) (schedule.NodeID, Pending, bool) {
	best := schedule.NoNode
	var bp Pending
	for id, p := range s.PendingFireTimes {
		if p.At > now {
			continue
		}
		if best == schedule.NoNode || p.At < bp.At || (p.At == bp.At && p.Seq < bp.Seq) {
			best, bp = id, p
		}
	}
	return best, bp, best != schedule.NoNode
}

// earliest returns the smallest pending fire time.
func (s *DispatchState) earliest() (time.Duration, bool) {
	var min time.Duration
	found := false
	for _, p := range s.PendingFireTimes {
		if !found || p.At < min {
			min, found = p.At, true
		}
	}
	return min, found
}

// merge folds the outstanding predecessors of a join into the waitlist and
// reports whether nothing remains outstanding.
func (s *DispatchState) merge(id schedule.NodeID, waiting []schedule.Action) bool {
	if prev, ok := s.JoinWaitlist[id]; ok {
		waiting = intersect(prev, waiting)
	}
	if len(waiting) == 0 {
		delete(s.JoinWaitlist, id)
		return true
	}
	s.JoinWaitlist[id] = waiting
	return false
}

// dropMode forgets every pending firing and join of a mode.
func (s *DispatchState) dropMode(g *schedule.Graph, mode string) (pending, joins int) {
	for id := range s.PendingFireTimes {
		if g.Node(id).Action.Mode == mode {
			delete(s.PendingFireTimes, id)
			pending++
		}
	}
	for id := range s.JoinWaitlist {
		if g.Node(id).Action.Mode == mode {
			delete(s.JoinWaitlist, id)
			joins++
		}
	}
	return pending, joins
}

func (s *DispatchState) clone() DispatchState {
	out := DispatchState{
		PendingFireTimes: make(map[schedule.NodeID]Pending, len(s.PendingFireTimes)),
		JoinWaitlist:     make(map[schedule.NodeID][]schedule.Action, len(s.JoinWaitlist)),
		CurrentWCET:      s.CurrentWCET,
	}
	for k, v := range s.PendingFireTimes {
		out.PendingFireTimes[k] = v
	}
	for k, v := range s.JoinWaitlist {
		out.JoinWaitlist[k] = append([]schedule.Action(nil), v...)
	}
	return out
}

// PendingNodes returns the pending node IDs ordered by fire time and
// insertion.
func (s *DispatchState) PendingNodes() []schedule.NodeID {
	ids := make([]schedule.NodeID, 0, len(s.PendingFireTimes))
	for id := range s.PendingFireTimes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.PendingFireTimes[ids[i]], s.PendingFireTimes[ids[j]]
		if a.At != b.At {
			return a.At < b.At
		}
		return a.Seq < b.Seq
	})
	return ids
}

func intersect(a, b []schedule.Action) []schedule.Action {
	out := []schedule.Action{}
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}
