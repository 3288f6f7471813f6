package schedule

import (
	"fmt"
	"time"
)

// Kind identifies what a schedule action does.
type Kind int

const (
	ReadSensor Kind = iota
	ReadTaskInput
	ExecuteTask
	WriteTaskOutput
	AfterTaskOutputs
	WriteActuator
	ModeSwitch
	AfterModeSwitch
)

var kindNames = [...]string{
	ReadSensor:       "READ_SENSOR",
	ReadTaskInput:    "READ_TASK_INPUT",
	ExecuteTask:      "EXECUTE_TASK",
	WriteTaskOutput:  "WRITE_TASK_OUTPUT",
	AfterTaskOutputs: "AFTER_TASK_OUTPUTS",
	WriteActuator:    "WRITE_ACTUATOR",
	ModeSwitch:       "MODE_SWITCH",
	AfterModeSwitch:  "AFTER_MODE_SWITCH",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText lets kinds appear by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Boundary reports whether actions of this kind always wait for their own
// scheduled tick instead of following their predecessor immediately.
func (k Kind) Boundary() bool {
	switch k {
	case ReadSensor, ModeSwitch, ExecuteTask, AfterModeSwitch, WriteTaskOutput:
		return true
	}
	return false
}

// Action is a timestamped step of the schedule. Time is relative to the
// start of the mode period. Subject names the sensor, task, port, actuator
// or transition the action operates on.
type Action struct {
	Kind    Kind          `json:"kind"`
	Time    time.Duration `json:"time"`
	Mode    string        `json:"mode"`
	Subject string        `json:"subject"`
}

// Equal reports whether a and b have the same kind, time and subject.
func (a Action) Equal(b Action) bool {
	return a == b
}

// SameActionAs reports whether a and b are the same action modulo the mode
// period, matching an action against its occurrence in another cycle.
func (a Action) SameActionAs(b Action, modePeriod time.Duration) bool {
	if a.Kind != b.Kind || a.Mode != b.Mode || a.Subject != b.Subject {
		return false
	}
	if modePeriod <= 0 {
		return a.Time == b.Time
	}
	return mod(a.Time, modePeriod) == mod(b.Time, modePeriod)
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s/%s@%s", a.Kind, a.Mode, a.Subject, a.Time)
}

func mod(t, p time.Duration) time.Duration {
	r := t % p
	if r < 0 {
		r += p
	}
	return r
}
