package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoToken is returned by Get on an empty port.
var ErrNoToken = errors.New("port holds no token")

// Register is a port holding the last value sent to it. Reads do not
// consume the value.
type Register struct {
	mu    sync.Mutex
	value any
	full  bool
}

// NewRegister creates a register, pre-filled when initial is non-nil.
func NewRegister(initial any) *Register {
	return &Register{value: initial, full: initial != nil}
}

func (r *Register) HasToken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.full
}

func (r *Register) Get() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return nil, ErrNoToken
	}
	return r.value, nil
}

func (r *Register) Send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value, r.full = v, true
	return nil
}

// Peek returns the held value, or nil.
func (r *Register) Peek() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// signalPort samples a sensor. With an expression the sample is computed
// from the model time in seconds; otherwise the initial value is returned.
type signalPort struct {
	host    *Host
	name    string
	expr    string
	initial any
	reads   int
}

func (p *signalPort) HasToken() bool { return p.expr != "" || p.initial != nil }

func (p *signalPort) Get() (any, error) {
	p.reads++
	if p.expr == "" {
		if p.initial == nil {
			return nil, ErrNoToken
		}
		return p.initial, nil
	}
	v, err := p.host.exprs.Value(p.expr, map[string]any{"time": p.host.now.Seconds()})
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", p.name, err)
	}
	return v, nil
}

func (p *signalPort) Send(any) error {
	return fmt.Errorf("sensor %s is read-only", p.name)
}

// Write is one value written to an actuator.
type Write struct {
	Time     time.Duration `json:"time"`
	Actuator string        `json:"actuator"`
	Value    any           `json:"value"`
}

// actuatorPort records every value sent to an actuator.
type actuatorPort struct {
	host *Host
	name string
	Register
}

func (p *actuatorPort) Send(v any) error {
	p.host.writes = append(p.host.writes, Write{Time: p.host.now, Actuator: p.name, Value: v})
	return p.Register.Send(v)
}
