package parser

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/me/tdl/internal/guard"
	"github.com/me/tdl/internal/periodicity"
	"github.com/me/tdl/pkg/model"
)

// Validator performs semantic validation on a parsed module.
type Validator struct {
	logger *slog.Logger
	exprs  *guard.Evaluator
}

// NewValidator creates a Validator with the given logger.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		logger: logger.With("component", "validator"),
		exprs:  guard.New(),
	}
}

// Validate checks semantic correctness of a module.
// Returns nil if valid, or an *model.APIError with FieldError details.
func (v *Validator) Validate(m *model.Module) *model.APIError {
	var errs []model.FieldError

	errs = append(errs, v.validateModule(m)...)
	errs = append(errs, v.validateSensors(m)...)
	for i := range m.Modes {
		mode := &m.Modes[i]
		errs = append(errs, v.validateTasks(m, mode)...)
		errs = append(errs, v.validateActuators(m, mode)...)
		errs = append(errs, v.validateTransitions(m, mode)...)
		errs = append(errs, v.validateDAG(mode)...)
	}

	if len(errs) == 0 {
		return nil
	}
	return model.NewValidationError("module validation failed", errs...)
}

// Warnings reports declarations that are legal but probably unintended.
// Each warning is also logged.
func (v *Validator) Warnings(m *model.Module) []model.FieldError {
	var out []model.FieldError
	for i := range m.Modes {
		mode := &m.Modes[i]
		period := mode.Period.Std()
		if period <= 0 {
			continue
		}
		var instants []time.Duration
		for _, tr := range mode.Transitions {
			if tr.Frequency < 1 || period%time.Duration(tr.Frequency) != 0 {
				continue
			}
			step := period / time.Duration(tr.Frequency)
			for k := 0; k < tr.Frequency; k++ {
				instants = append(instants, time.Duration(k)*step)
			}
		}

		for _, t := range mode.Tasks {
			field := fmt.Sprintf("modes.%s.tasks.%s", mode.Name, t.Name)
			timed, err := periodicity.AnalyzeSelection(t.Slots, t.Frequency, period)
			if err != nil || t.Fast {
				continue
			}
			if t.WCET.Std() > timed.LET {
				out = append(out, model.FieldError{
					Field:   field + ".wcet",
					Message: fmt.Sprintf("WCET %s exceeds LET %s", t.WCET, timed.LET),
				})
			}
			if len(t.Outputs) == 0 {
				continue
			}
			for _, at := range timed.Invocations(period) {
				for _, s := range instants {
					if s > at && s < at+timed.LET {
						out = append(out, model.FieldError{
							Field:   field,
							Message: fmt.Sprintf("mode switch at %s falls inside invocation %s-%s; its outputs are dropped if the switch is taken",
								s, at, at+timed.LET),
						})
					}
				}
			}
		}

		sources := make(map[string]int)
		for _, u := range mode.Actuators {
			sources[u.Name]++
		}
		for _, u := range mode.Actuators {
			field := fmt.Sprintf("modes.%s.actuators.%s", mode.Name, u.Name)
			if sources[u.Name] > 1 {
				out = append(out, model.FieldError{Field: field, Message: "actuator fed by several task outputs is skipped"})
				continue
			}
			task, port := model.PortSource(u.From)
			if task == "" || mode.Task(task) == nil || mode.Task(task).Output(port) == nil {
				out = append(out, model.FieldError{Field: field, Message: fmt.Sprintf("no task output %q in this mode; actuator is skipped", u.From)})
			}
		}
	}

	for _, w := range out {
		v.logger.Warn("module warning", "module", m.Name, "field", w.Field, "message", w.Message)
	}
	return out
}

func (v *Validator) validateModule(m *model.Module) []model.FieldError {
	var errs []model.FieldError
	if m.Name == "" {
		errs = append(errs, model.FieldError{Field: "name", Message: "module name is required"})
	}
	if len(m.Modes) == 0 {
		return append(errs, model.FieldError{Field: "modes", Message: "module must declare at least one mode"})
	}
	if m.Start != "" && m.Mode(m.Start) == nil {
		errs = append(errs, model.FieldError{Field: "start", Message: fmt.Sprintf("start mode %q is not declared", m.Start)})
	}

	seen := make(map[string]bool)
	for i, mode := range m.Modes {
		if mode.Name == "" {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("modes[%d].name", i), Message: "mode name is required"})
			continue
		}
		if seen[mode.Name] {
			errs = append(errs, model.FieldError{Field: "modes." + mode.Name, Message: fmt.Sprintf("duplicate mode %q", mode.Name)})
		}
		seen[mode.Name] = true
		if mode.Period.Std() <= 0 {
			errs = append(errs, model.FieldError{Field: "modes." + mode.Name + ".period", Message: "period is required and must be positive"})
		}
	}
	return errs
}

func (v *Validator) validateSensors(m *model.Module) []model.FieldError {
	var errs []model.FieldError
	seen := make(map[string]bool)
	for _, s := range m.Sensors {
		field := "sensors." + s.Name
		if seen[s.Name] {
			errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf("duplicate sensor %q", s.Name)})
		}
		seen[s.Name] = true
		if s.Signal != "" {
			if err := v.exprs.Check(s.Signal); err != nil {
				errs = append(errs, model.FieldError{Field: field + ".signal", Message: err.Error()})
			}
		}
	}
	for _, a := range m.Actuators {
		if m.Sensor(a.Name) != nil {
			errs = append(errs, model.FieldError{Field: "actuators." + a.Name, Message: "name is already used by a sensor"})
		}
	}
	return errs
}

func (v *Validator) validateTasks(m *model.Module, mode *model.Mode) []model.FieldError {
	var errs []model.FieldError
	period := mode.Period.Std()
	seen := make(map[string]bool)

	for _, t := range mode.Tasks {
		field := fmt.Sprintf("modes.%s.tasks.%s", mode.Name, t.Name)
		if seen[t.Name] {
			errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf("duplicate task %q", t.Name)})
		}
		seen[t.Name] = true

		if t.Frequency < 1 {
			errs = append(errs, model.FieldError{Field: field + ".frequency", Message: "frequency is required and must be positive"})
		} else if period > 0 {
			if _, err := periodicity.AnalyzeSelection(t.Slots, t.Frequency, period); err != nil {
				errs = append(errs, model.FieldError{Field: field + ".slots", Message: err.Error()})
			}
		}
		if t.Guard != "" {
			if err := v.exprs.Check(t.Guard); err != nil {
				errs = append(errs, model.FieldError{Field: field + ".guard", Message: err.Error()})
			}
		}
		for _, in := range t.Inputs {
			if msg := sourceError(m, in.From); msg != "" {
				errs = append(errs, model.FieldError{Field: field + ".inputs." + in.Name, Message: msg})
			}
		}
		for _, o := range t.Outputs {
			if o.Expr == "" {
				continue
			}
			if err := v.exprs.Check(o.Expr); err != nil {
				errs = append(errs, model.FieldError{Field: field + ".outputs." + o.Name, Message: err.Error()})
			}
		}
	}
	return errs
}

// sourceError describes why a connection source does not resolve, or
// returns "".
func sourceError(m *model.Module, from string) string {
	if from == "" {
		return "input source is required"
	}
	task, port := model.PortSource(from)
	if task == "" {
		if m.Sensor(port) == nil {
			return fmt.Sprintf("sensor %q is not declared", port)
		}
		return ""
	}
	for i := range m.Modes {
		if t := m.Modes[i].Task(task); t != nil && t.Output(port) != nil {
			return ""
		}
	}
	return fmt.Sprintf("task output %q is not declared", from)
}

func (v *Validator) validateActuators(m *model.Module, mode *model.Mode) []model.FieldError {
	var errs []model.FieldError
	for _, u := range mode.Actuators {
		field := fmt.Sprintf("modes.%s.actuators.%s", mode.Name, u.Name)
		if m.Actuator(u.Name) == nil {
			errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf("actuator %q is not declared", u.Name)})
		}
		errs = append(errs, frequencyErrors(field, u.Frequency, mode.Period.Std())...)
		if u.Guard != "" {
			if err := v.exprs.Check(u.Guard); err != nil {
				errs = append(errs, model.FieldError{Field: field + ".guard", Message: err.Error()})
			}
		}
	}
	return errs
}

func (v *Validator) validateTransitions(m *model.Module, mode *model.Mode) []model.FieldError {
	var errs []model.FieldError
	for _, tr := range mode.Transitions {
		field := fmt.Sprintf("modes.%s.transitions.%s", mode.Name, tr.ID(mode.Name))
		if m.Mode(tr.To) == nil {
			errs = append(errs, model.FieldError{Field: field + ".to", Message: fmt.Sprintf("target mode %q is not declared", tr.To)})
		}
		errs = append(errs, frequencyErrors(field, tr.Frequency, mode.Period.Std())...)
		if tr.Guard == "" {
			errs = append(errs, model.FieldError{Field: field + ".guard", Message: "guard is required"})
		} else if err := v.exprs.Check(tr.Guard); err != nil {
			errs = append(errs, model.FieldError{Field: field + ".guard", Message: err.Error()})
		}
		for _, s := range tr.Sensors {
			if m.Sensor(s) == nil {
				errs = append(errs, model.FieldError{Field: field + ".sensors", Message: fmt.Sprintf("sensor %q is not declared", s)})
			}
		}
	}
	return errs
}

func frequencyErrors(field string, frequency int, period time.Duration) []model.FieldError {
	if frequency < 1 {
		return []model.FieldError{{Field: field + ".frequency", Message: "frequency is required and must be positive"}}
	}
	if period > 0 && period%time.Duration(frequency) != 0 {
		return []model.FieldError{{
			Field:   field + ".frequency",
			Message: fmt.Sprintf("period %s is not divisible by frequency %d", period, frequency),
		}}
	}
	return nil
}

func (v *Validator) validateDAG(mode *model.Mode) []model.FieldError {
	if _, err := BuildDAG(mode); err != nil {
		return []model.FieldError{{
			Field:   fmt.Sprintf("modes.%s.tasks", mode.Name),
			Message: err.Error(),
		}}
	}
	return nil
}
