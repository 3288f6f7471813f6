package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	Module string // Optional module name filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 500, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// ScheduleRequest is the body of POST /api/v1/schedules.
type ScheduleRequest struct {
	Module    string `json:"module"`               // YAML module document
	StartMode string `json:"start_mode,omitempty"` // Overrides the module's start mode
}

// RunRequest is the body of POST /api/v1/runs.
type RunRequest struct {
	Module    string `json:"module"`               // YAML module document
	StartMode string `json:"start_mode,omitempty"` // Overrides the module's start mode
	Until     string `json:"until"`                // Duration string, e.g. "2s"
	RealTime  bool   `json:"realtime,omitempty"`   // Pace the run against the wall clock
}
