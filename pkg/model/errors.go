package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation  ErrorCode = "VALIDATION_ERROR"
	ErrSchedule    ErrorCode = "SCHEDULE_ERROR"
	ErrNotFound    ErrorCode = "NOT_FOUND"
	ErrUnavailable ErrorCode = "UNAVAILABLE"
	ErrInternal    ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the schedule API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// ParseError reports a malformed slot-selection string.
type ParseError struct {
	Slots   string
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("slot selection %q: %s at position %d", e.Slots, e.Message, e.Pos)
	}
	return fmt.Sprintf("slot selection %q: %s", e.Slots, e.Message)
}

// NonPeriodicError reports a slot selection that cannot be expressed as a
// single LET and invocation period.
type NonPeriodicError struct {
	Slots     string
	Frequency int
	Reason    string
}

func (e *NonPeriodicError) Error() string {
	if e.Slots != "" {
		return fmt.Sprintf("slot selection %q with frequency %d is not periodic: %s", e.Slots, e.Frequency, e.Reason)
	}
	return fmt.Sprintf("slot selection with frequency %d is not periodic: %s", e.Frequency, e.Reason)
}

// ScheduleError is a fatal schedule synthesis failure. It carries the
// identity of the offending mode and task or transition.
type ScheduleError struct {
	Mode    string
	Subject string
	Err     error
}

func (e *ScheduleError) Error() string {
	switch {
	case e.Mode != "" && e.Subject != "":
		return fmt.Sprintf("schedule computation failed in mode %s for %s: %v", e.Mode, e.Subject, e.Err)
	case e.Mode != "":
		return fmt.Sprintf("schedule computation failed in mode %s: %v", e.Mode, e.Err)
	default:
		return fmt.Sprintf("schedule computation failed: %v", e.Err)
	}
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// GuardError reports a guard expression that failed to parse or evaluate,
// or that did not yield a boolean.
type GuardError struct {
	Expr string
	Err  error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard %q: %v", e.Expr, e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }

// IsScheduleError reports whether err is, or wraps, a schedule synthesis failure.
func IsScheduleError(err error) bool {
	var se *ScheduleError
	var np *NonPeriodicError
	var pe *ParseError
	return errors.As(err, &se) || errors.As(err, &np) || errors.As(err, &pe)
}
