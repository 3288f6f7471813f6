// Package periodicity derives a task's logical execution time and
// invocation period from its slot intervals.
package periodicity

import (
	"fmt"
	"time"

	"github.com/me/tdl/internal/slots"
	"github.com/me/tdl/pkg/model"
)

// TimedTask is one periodic invocation pattern within a mode period.
type TimedTask struct {
	LET              time.Duration `json:"let"`
	InvocationPeriod time.Duration `json:"invocation_period"`
	Offset           time.Duration `json:"offset"`
}

// Invocations returns every invocation instant inside [0, modePeriod).
func (t TimedTask) Invocations(modePeriod time.Duration) []time.Duration {
	if t.InvocationPeriod <= 0 {
		return nil
	}
	var out []time.Duration
	for at := t.Offset; at < modePeriod; at += t.InvocationPeriod {
		out = append(out, at)
	}
	return out
}

// Analyze checks that intervals describe a uniform periodic pattern and
// converts it to durations. intervals must be in occurrence order. A
// frequency that does not divide modePeriod is a *model.ScheduleError; an
// irregular pattern is a *model.NonPeriodicError.
func Analyze(intervals []slots.Interval, frequency int, modePeriod time.Duration) (TimedTask, error) {
	if frequency < 1 {
		return TimedTask{}, &model.ScheduleError{Err: fmt.Errorf("frequency must be positive, got %d", frequency)}
	}
	if modePeriod <= 0 {
		return TimedTask{}, &model.ScheduleError{Err: fmt.Errorf("mode period must be positive, got %s", modePeriod)}
	}
	if modePeriod%time.Duration(frequency) != 0 {
		return TimedTask{}, &model.ScheduleError{
			Err: fmt.Errorf("mode period %s is not divisible by frequency %d", modePeriod, frequency),
		}
	}
	n := len(intervals)
	if n == 0 {
		return TimedTask{}, &model.NonPeriodicError{Frequency: frequency, Reason: "no invocations"}
	}
	if frequency%n != 0 {
		return TimedTask{}, &model.NonPeriodicError{
			Frequency: frequency,
			Reason:    fmt.Sprintf("%d invocations do not divide frequency %d", n, frequency),
		}
	}

	letSlots := abs(intervals[0].End - intervals[0].Start)
	spacing := -1
	for i, iv := range intervals {
		if l := abs(iv.End - iv.Start); l != letSlots {
			return TimedTask{}, &model.NonPeriodicError{
				Frequency: frequency,
				Reason:    fmt.Sprintf("interval %s spans %d slots, interval %s spans %d", intervals[0], letSlots, iv, l),
			}
		}
		nextStart := intervals[0].Start + frequency
		if i+1 < n {
			nextStart = intervals[i+1].Start
		}
		gap := nextStart - iv.Start
		if gap <= 0 {
			return TimedTask{}, &model.NonPeriodicError{
				Frequency: frequency,
				Reason:    fmt.Sprintf("interval %s does not start after %s", intervalAt(intervals, i+1), iv),
			}
		}
		if spacing < 0 {
			spacing = gap
		} else if gap != spacing {
			return TimedTask{}, &model.NonPeriodicError{
				Frequency: frequency,
				Reason:    fmt.Sprintf("spacing after %s is %d slots, expected %d", iv, gap, spacing),
			}
		}
	}
	if letSlots > spacing {
		return TimedTask{}, &model.NonPeriodicError{
			Frequency: frequency,
			Reason:    fmt.Sprintf("LET of %d slots exceeds invocation spacing of %d", letSlots, spacing),
		}
	}

	slot := modePeriod / time.Duration(frequency)
	return TimedTask{
		LET:              slot * time.Duration(letSlots),
		InvocationPeriod: slot * time.Duration(spacing),
		Offset:           slot * time.Duration(intervals[0].Start-1),
	}, nil
}

// AnalyzeSelection parses a slot selection and analyzes it in one step,
// attaching the selection to any NonPeriodicError.
func AnalyzeSelection(selection string, frequency int, modePeriod time.Duration) (TimedTask, error) {
	ivs, err := slots.Parse(selection, frequency)
	if err != nil {
		return TimedTask{}, err
	}
	tt, err := Analyze(ivs, frequency, modePeriod)
	if np, ok := err.(*model.NonPeriodicError); ok {
		np.Slots = selection
	}
	return tt, err
}

func intervalAt(ivs []slots.Interval, i int) slots.Interval {
	if i < len(ivs) {
		return ivs[i]
	}
	return ivs[0]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
