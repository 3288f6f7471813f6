package model

import "time"

// RunState represents the lifecycle state of a simulation Run.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// Run is one execution of a module schedule against the simulation host.
type Run struct {
	ID          string     `json:"id"`
	Module      string     `json:"module"`
	StartMode   string     `json:"start_mode"`
	FinalMode   string     `json:"final_mode,omitempty"`
	State       RunState   `json:"state"`
	Until       Duration   `json:"until"`
	RealTime    bool       `json:"realtime,omitempty"`
	Nodes       int        `json:"nodes"`
	Events      int        `json:"events"`
	TraceHash   string     `json:"trace_hash,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event is one dispatched action recorded during a Run.
type Event struct {
	Seq     int      `json:"seq"`
	Time    Duration `json:"time"`
	Kind    string   `json:"kind"`
	Mode    string   `json:"mode"`
	Subject string   `json:"subject"`
	Outcome string   `json:"outcome"`
	Value   any      `json:"value,omitempty"`
}
