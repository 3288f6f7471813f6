package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/tdl/internal/config"
	"github.com/me/tdl/internal/dispatch"
	"github.com/me/tdl/internal/guard"
	"github.com/me/tdl/internal/parser"
	"github.com/me/tdl/internal/schedule"
	"github.com/me/tdl/pkg/model"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func loadCruise(t *testing.T) (*model.Module, *schedule.Graph) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "testdata", "modules", "cruise.yaml"))
	if err != nil {
		t.Fatalf("read testdata: %v", err)
	}
	m, err := parser.New(discard()).Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g, err := schedule.Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m, g
}

func runCruise(t *testing.T, until time.Duration) *Result {
	t.Helper()
	m, g := loadCruise(t)
	cfg := config.DefaultRunConfig()
	cfg.Until = until
	res, err := NewRunner(g, m, cfg, discard()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func buildModule(t *testing.T, doc string) (*model.Module, *schedule.Graph) {
	t.Helper()
	m, err := parser.New(discard()).Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g, err := schedule.Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m, g
}

func runFor(t *testing.T, m *model.Module, g *schedule.Graph, until time.Duration) (*Runner, *Result) {
	t.Helper()
	cfg := config.DefaultRunConfig()
	cfg.Until = until
	r := NewRunner(g, m, cfg, discard())
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return r, res
}

const sharedReadModule = `
name: latch
start: main
sensors:
  - name: s
    initial: -1
    signal: "time * 1000 + 7"
modes:
  - name: main
    period: 100ms
    tasks:
      - name: t
        frequency: 1
        inputs:
          - name: v
            from: s
        outputs:
          - name: o
            initial: -1
            expr: "inputs.v"
    transitions:
      - name: stay
        to: main
        frequency: 1
        guard: "false"
        sensors: [s]
`

func TestRunner_FirstCycleSamplesSwitchSensors(t *testing.T) {
	m, g := buildModule(t, sharedReadModule)
	r, res := runFor(t, m, g, 50*time.Millisecond)

	if got := r.Host().SensorReads("s"); got != 1 {
		t.Errorf("sensor reads = %d, want 1", got)
	}
	out := r.Host().peek(schedule.PortRef{Kind: schedule.TaskOutput, Mode: "main", Owner: "t", Name: "o"})
	if fmt.Sprint(out) != "7" {
		t.Errorf("task output = %v, want 7 from the sampled sensor", out)
	}

	var kinds []string
	for _, e := range res.Events {
		kinds = append(kinds, e.Kind)
	}
	want := []string{"READ_SENSOR", "MODE_SWITCH", "AFTER_MODE_SWITCH", "READ_TASK_INPUT", "EXECUTE_TASK"}
	if strings.Join(kinds, " ") != strings.Join(want, " ") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

const fastChainModule = `
name: chain
start: main
sensors:
  - name: s
    initial: 0
    signal: "Math.round(time * 1000)"
modes:
  - name: main
    period: 100ms
    tasks:
      - name: up
        frequency: 1
        fast: true
        inputs:
          - name: v
            from: s
        outputs:
          - name: o
            initial: 0
            expr: "inputs.v + 1"
      - name: down
        frequency: 1
        fast: true
        inputs:
          - name: x
            from: up.o
        outputs:
          - name: y
            initial: 0
            expr: "inputs.x"
`

func TestRunner_FastChainSameInstant(t *testing.T) {
	m, g := buildModule(t, fastChainModule)
	r, res := runFor(t, m, g, 150*time.Millisecond)

	up := r.Host().peek(schedule.PortRef{Kind: schedule.OutputValue, Owner: "up", Name: "o"})
	down := r.Host().peek(schedule.PortRef{Kind: schedule.OutputValue, Owner: "down", Name: "y"})
	if fmt.Sprint(up) != "101" || fmt.Sprint(down) != "101" {
		t.Errorf("up.o = %v, down.y = %v, want both 101", up, down)
	}

	// In every cycle the producer's write precedes the consumer's read.
	written := make(map[time.Duration]bool)
	reads := 0
	for _, e := range res.Events {
		switch {
		case e.Kind == "WRITE_TASK_OUTPUT" && e.Subject == "up.o":
			written[e.Time.Std()] = true
		case e.Kind == "READ_TASK_INPUT" && e.Subject == "down":
			reads++
			if !written[e.Time.Std()] {
				t.Errorf("down read at %s before up.o was written", e.Time)
			}
		}
	}
	if reads != 2 {
		t.Errorf("down reads = %d, want 2", reads)
	}
}

func TestRunner_ModeSwitchOnBrake(t *testing.T) {
	res := runCruise(t, time.Second)

	if res.StartMode != "normal" || res.FinalMode != "safe" {
		t.Fatalf("modes = %s -> %s, want normal -> safe", res.StartMode, res.FinalMode)
	}
	var switches []model.Event
	for _, e := range res.Events {
		if e.Outcome == dispatch.Switched.String() {
			switches = append(switches, e)
		}
	}
	if len(switches) != 1 {
		t.Fatalf("switches = %d, want 1", len(switches))
	}
	if got := switches[0].Time.Std(); got != 750*time.Millisecond {
		t.Errorf("switch time = %s, want 750ms", got)
	}
	if switches[0].Value != "safe" {
		t.Errorf("switch value = %v, want safe", switches[0].Value)
	}
	for _, e := range res.Events {
		if e.Time.Std() > 750*time.Millisecond && e.Mode == "normal" && e.Outcome == dispatch.Fired.String() {
			t.Errorf("normal-mode event after switch: %+v", e)
		}
	}
}

func TestRunner_ActuatorWrites(t *testing.T) {
	res := runCruise(t, 500*time.Millisecond)

	if len(res.Writes) == 0 {
		t.Fatal("no actuator writes")
	}
	for i, w := range res.Writes {
		if w.Actuator != "throttle" {
			t.Errorf("write %d actuator = %q", i, w.Actuator)
		}
		if i > 0 && w.Time < res.Writes[i-1].Time {
			t.Errorf("write %d at %s before previous at %s", i, w.Time, res.Writes[i-1].Time)
		}
	}
	if _, ok := res.Actuators["throttle"]; !ok {
		t.Error("missing final throttle value")
	}
}

func TestRunner_DeterministicTrace(t *testing.T) {
	a := runCruise(t, time.Second)
	b := runCruise(t, time.Second)

	if a.TraceHash == "" {
		t.Fatal("empty trace hash")
	}
	if a.TraceHash != b.TraceHash {
		t.Errorf("trace hash differs between runs: %s vs %s", a.TraceHash, b.TraceHash)
	}
	if len(a.Events) != len(b.Events) {
		t.Errorf("event counts differ: %d vs %d", len(a.Events), len(b.Events))
	}

	c := runCruise(t, 500*time.Millisecond)
	if c.TraceHash == a.TraceHash {
		t.Error("shorter run produced the same trace hash")
	}
}

func TestRunner_EventsOrdered(t *testing.T) {
	res := runCruise(t, time.Second)
	for i, e := range res.Events {
		if e.Seq != i+1 {
			t.Fatalf("event %d seq = %d", i, e.Seq)
		}
		if i > 0 && e.Time < res.Events[i-1].Time {
			t.Fatalf("event %d at %s before previous at %s", i, e.Time, res.Events[i-1].Time)
		}
	}
}

func TestRunner_Cancelled(t *testing.T) {
	m, g := loadCruise(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(g, m, config.DefaultRunConfig(), discard()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunner_ExtraObserver(t *testing.T) {
	m, g := loadCruise(t)
	cfg := config.DefaultRunConfig()
	cfg.Until = 200 * time.Millisecond

	var seen int
	obs := dispatch.ObserverFunc(func(dispatch.Event) { seen++ })
	r := NewRunner(g, m, cfg, discard(), dispatch.WithObserver(obs))
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen == 0 || seen != r.Trace().Len() {
		t.Errorf("observer saw %d events, trace has %d", seen, r.Trace().Len())
	}
}

func TestHost_RealTimeSafety(t *testing.T) {
	m, _ := loadCruise(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := start
	h := NewHost(m, guard.New(), WithRealTime(time.Millisecond), WithClock(func() time.Time { return wall }))

	tests := []struct {
		elapsed time.Duration
		at      time.Duration
		want    bool
	}{
		{0, 0, true},
		{0, time.Millisecond, true},
		{0, 10 * time.Millisecond, false},
		{8 * time.Millisecond, 10 * time.Millisecond, false},
		{9 * time.Millisecond, 10 * time.Millisecond, true},
		{20 * time.Millisecond, 10 * time.Millisecond, true},
	}
	for _, tt := range tests {
		wall = start.Add(tt.elapsed)
		if got := h.SafeToProcess(tt.at); got != tt.want {
			t.Errorf("SafeToProcess(%s) after %s = %v, want %v", tt.at, tt.elapsed, got, tt.want)
		}
	}
}

func TestHost_Ports(t *testing.T) {
	m, _ := loadCruise(t)
	h := NewHost(m, guard.New())

	src, ok := h.Port(schedule.PortRef{Kind: schedule.SensorSource, Name: "brake"})
	if !ok {
		t.Fatal("missing brake source")
	}
	h.now = 800 * time.Millisecond
	v, err := src.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != true {
		t.Errorf("brake at 0.8s = %v, want true", v)
	}
	if h.SensorReads("brake") != 1 {
		t.Errorf("reads = %d, want 1", h.SensorReads("brake"))
	}
	if err := src.Send(1); err == nil {
		t.Error("expected error writing a sensor")
	}

	act, ok := h.Port(schedule.PortRef{Kind: schedule.ActuatorPort, Name: "throttle"})
	if !ok {
		t.Fatal("missing throttle port")
	}
	if err := act.Send(3); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if w := h.Writes(); len(w) != 1 || w[0].Value != 3 || w[0].Time != 800*time.Millisecond {
		t.Errorf("writes = %+v", w)
	}

	if _, ok := h.Actor("normal", "ctrl"); !ok {
		t.Error("missing actor normal/ctrl")
	}
	if _, ok := h.Actor("normal", "nope"); ok {
		t.Error("unexpected actor normal/nope")
	}
}

func TestHost_GuardScope(t *testing.T) {
	m, _ := loadCruise(t)
	h := NewHost(m, guard.New())
	h.now = 500 * time.Millisecond

	scope := h.GuardScope("normal")
	if scope["mode"] != "normal" || scope["time"] != 0.5 {
		t.Errorf("scope header = %v/%v", scope["mode"], scope["time"])
	}
	if scope["brake"] != false {
		t.Errorf("brake = %v, want initial false", scope["brake"])
	}
	ctrl, ok := scope["ctrl"].(map[string]any)
	if !ok {
		t.Fatalf("ctrl = %T, want object", scope["ctrl"])
	}
	if _, ok := ctrl["out"]; !ok {
		t.Error("missing ctrl.out in scope")
	}
}

func TestHost_Advance(t *testing.T) {
	m, _ := loadCruise(t)
	h := NewHost(m, guard.New())
	h.FireAt(30 * time.Millisecond)
	h.FireAt(10 * time.Millisecond)
	h.FireAt(10 * time.Millisecond)

	if !h.advance(time.Second) || h.ModelTime() != 10*time.Millisecond {
		t.Fatalf("first advance -> %s", h.ModelTime())
	}
	if !h.advance(time.Second) || h.ModelTime() != 30*time.Millisecond {
		t.Fatalf("second advance -> %s", h.ModelTime())
	}
	if h.advance(time.Second) {
		t.Error("advance with no requests should report false")
	}
	h.FireAt(2 * time.Second)
	if h.advance(time.Second) {
		t.Error("advance past horizon should report false")
	}
}

func TestRegister(t *testing.T) {
	r := NewRegister(nil)
	if r.HasToken() {
		t.Error("empty register has token")
	}
	if _, err := r.Get(); !errors.Is(err, ErrNoToken) {
		t.Errorf("Get on empty = %v, want ErrNoToken", err)
	}
	r.Send("x")
	for i := 0; i < 2; i++ {
		if v, err := r.Get(); err != nil || v != "x" {
			t.Errorf("Get #%d = %v, %v", i, v, err)
		}
	}
}

func TestTrace_Hash(t *testing.T) {
	if got := NewTrace(nil).Hash(); got != "" {
		t.Errorf("empty trace hash = %q", got)
	}
	if ComputeTraceHash([]byte("a")) == ComputeTraceHash([]byte("b")) {
		t.Error("distinct inputs hash equal")
	}
	if len(ComputeTraceHash([]byte("a"))) != 64 {
		t.Error("hash is not hex sha256")
	}
}
