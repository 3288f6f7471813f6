package model

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Module is a TDL module: a set of modes sharing sensors and actuators.
type Module struct {
	Name      string         `yaml:"name" json:"name"`
	Start     string         `yaml:"start" json:"start"`
	Sensors   []Sensor       `yaml:"sensors,omitempty" json:"sensors,omitempty"`
	Actuators []ActuatorDecl `yaml:"actuators,omitempty" json:"actuators,omitempty"`
	Modes     []Mode         `yaml:"modes" json:"modes"`
}

// Mode returns the mode with the given name, or nil.
func (m *Module) Mode(name string) *Mode {
	for i := range m.Modes {
		if m.Modes[i].Name == name {
			return &m.Modes[i]
		}
	}
	return nil
}

// Sensor returns the sensor declaration with the given name, or nil.
func (m *Module) Sensor(name string) *Sensor {
	for i := range m.Sensors {
		if m.Sensors[i].Name == name {
			return &m.Sensors[i]
		}
	}
	return nil
}

// Actuator returns the module-level actuator declaration with the given name, or nil.
func (m *Module) Actuator(name string) *ActuatorDecl {
	for i := range m.Actuators {
		if m.Actuators[i].Name == name {
			return &m.Actuators[i]
		}
	}
	return nil
}

// Sensor is a module input sampled by ReadSensor actions.
type Sensor struct {
	Name    string `yaml:"name" json:"name"`
	Initial any    `yaml:"initial,omitempty" json:"initial,omitempty"`
	// Signal is an optional expression of `time` (seconds) used by the
	// simulation host to produce sensor samples.
	Signal string `yaml:"signal,omitempty" json:"signal,omitempty"`
}

// ActuatorDecl is a module output written by WriteActuator actions.
type ActuatorDecl struct {
	Name    string `yaml:"name" json:"name"`
	Initial any    `yaml:"initial,omitempty" json:"initial,omitempty"`
}

// Mode is a named operating configuration with a fixed period.
type Mode struct {
	Name        string          `yaml:"name" json:"name"`
	Period      Duration        `yaml:"period" json:"period"`
	Tasks       []Task          `yaml:"tasks,omitempty" json:"tasks,omitempty"`
	Actuators   []ActuatorUsage `yaml:"actuators,omitempty" json:"actuators,omitempty"`
	Transitions []Transition    `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// Task returns the task with the given name, or nil.
func (m *Mode) Task(name string) *Task {
	for i := range m.Tasks {
		if m.Tasks[i].Name == name {
			return &m.Tasks[i]
		}
	}
	return nil
}

// Task is a periodic task invocation pattern within one mode.
type Task struct {
	Name      string       `yaml:"name" json:"name"`
	Frequency int          `yaml:"frequency" json:"frequency"`
	Slots     string       `yaml:"slots,omitempty" json:"slots,omitempty"`
	WCET      Duration     `yaml:"wcet,omitempty" json:"wcet,omitempty"`
	Guard     string       `yaml:"guard,omitempty" json:"guard,omitempty"`
	Fast      bool         `yaml:"fast,omitempty" json:"fast,omitempty"`
	Inputs    []TaskInput  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs   []TaskOutput `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Output returns the output port with the given name, or nil.
func (t *Task) Output(name string) *TaskOutput {
	for i := range t.Outputs {
		if t.Outputs[i].Name == name {
			return &t.Outputs[i]
		}
	}
	return nil
}

// TaskInput is a task input port. From names either a sensor or "task.port".
type TaskInput struct {
	Name    string `yaml:"name" json:"name"`
	From    string `yaml:"from,omitempty" json:"from,omitempty"`
	Initial any    `yaml:"initial,omitempty" json:"initial,omitempty"`
}

// TaskOutput is a task output port. Expr is evaluated by the simulation host
// when the task iterates.
type TaskOutput struct {
	Name    string `yaml:"name" json:"name"`
	Initial any    `yaml:"initial,omitempty" json:"initial,omitempty"`
	Expr    string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// ActuatorUsage binds a module actuator to a task output inside one mode.
type ActuatorUsage struct {
	Name      string `yaml:"name" json:"name"`
	From      string `yaml:"from,omitempty" json:"from,omitempty"`
	Frequency int    `yaml:"frequency" json:"frequency"`
	Guard     string `yaml:"guard,omitempty" json:"guard,omitempty"`
}

// Transition is a guarded mode switch evaluated at a fixed frequency.
type Transition struct {
	Name      string   `yaml:"name,omitempty" json:"name,omitempty"`
	To        string   `yaml:"to" json:"to"`
	Frequency int      `yaml:"frequency" json:"frequency"`
	Guard     string   `yaml:"guard" json:"guard"`
	Sensors   []string `yaml:"sensors,omitempty" json:"sensors,omitempty"`
}

// ID returns the transition name, defaulting to "from->to".
func (t *Transition) ID(from string) string {
	if t.Name != "" {
		return t.Name
	}
	return from + "->" + t.To
}

// PortSource splits a connection reference into task and port.
// A reference without a dot names a sensor and returns an empty task.
func PortSource(ref string) (task, port string) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

// Duration is a time.Duration that (un)marshals as a Go duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts "100ms"-style strings or integer nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// MarshalJSON writes the duration as a quoted string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	v, err := ParseDuration(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDuration parses a duration string. Bare integers are nanoseconds.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		return Duration(v), nil
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && fmt.Sprint(n) == s {
		return Duration(n), nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
