package schedule

import (
	"bytes"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/me/tdl/pkg/model"
)

const period = 100 * time.Millisecond

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// controlModule has one task reading one sensor at frequency 2.
func controlModule() *model.Module {
	return &model.Module{
		Name:      "cruise",
		Start:     "main",
		Sensors:   []model.Sensor{{Name: "speed"}},
		Actuators: []model.ActuatorDecl{{Name: "motor"}},
		Modes: []model.Mode{{
			Name:   "main",
			Period: model.Duration(period),
			Tasks: []model.Task{{
				Name:      "ctrl",
				Frequency: 2,
				Inputs:    []model.TaskInput{{Name: "v", From: "speed"}},
				Outputs:   []model.TaskOutput{{Name: "out"}},
			}},
		}},
	}
}

// switchingModule adds a transition that reads the same sensor as the task.
func switchingModule() *model.Module {
	m := controlModule()
	m.Modes[0].Transitions = []model.Transition{{
		To: "safe", Frequency: 2, Guard: "speed > 10", Sensors: []string{"speed"},
	}}
	m.Modes = append(m.Modes, model.Mode{Name: "safe", Period: model.Duration(period)})
	return m
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func mustBuild(t *testing.T, m *model.Module, opts ...BuildOption) *Graph {
	t.Helper()
	g, err := Build(m, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func mustLookup(t *testing.T, g *Graph, k Kind, at time.Duration, mode, subject string) NodeID {
	t.Helper()
	id, ok := g.Lookup(Action{Kind: k, Time: at, Mode: mode, Subject: subject})
	if !ok {
		t.Fatalf("no %s %s/%s@%s in graph", k, mode, subject, at)
	}
	return id
}

func TestBuild_SingleTaskCounts(t *testing.T) {
	g := mustBuild(t, controlModule())

	tests := []struct {
		kind Kind
		want int
	}{
		{ExecuteTask, 2},
		{ReadSensor, 2},
		{ReadTaskInput, 2},
		{WriteTaskOutput, 2},
		{AfterModeSwitch, 1},
		{ModeSwitch, 0},
		{WriteActuator, 0},
	}
	for _, tt := range tests {
		if got := g.CountKind(tt.kind, "main"); got != tt.want {
			t.Errorf("CountKind(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
	if g.Len() != 9 {
		t.Errorf("Len = %d, want 9", g.Len())
	}
}

func TestBuild_EdgeChain(t *testing.T) {
	g := mustBuild(t, controlModule())

	entry := g.Entry("main")
	rs := mustLookup(t, g, ReadSensor, 0, "main", "speed")
	rti := mustLookup(t, g, ReadTaskInput, 0, "main", "ctrl")
	ex := mustLookup(t, g, ExecuteTask, 0, "main", "ctrl")
	wo := mustLookup(t, g, WriteTaskOutput, ms(50), "main", "ctrl.out")

	chain := []struct {
		from, to NodeID
		delta    time.Duration
	}{
		{entry, rs, 0},
		{rs, rti, 0},
		{rti, ex, 0},
		{ex, wo, ms(50)},
	}
	for _, c := range chain {
		d, ok := g.EdgeDelta(c.from, c.to)
		if !ok {
			t.Fatalf("missing edge %s -> %s", g.Node(c.from).Action, g.Node(c.to).Action)
		}
		if d != c.delta {
			t.Errorf("delta %s -> %s = %s, want %s", g.Node(c.from).Action, g.Node(c.to).Action, d, c.delta)
		}
	}

	// Second invocation continues from the first one's output write and
	// the last write wraps back to the period start.
	rs50 := mustLookup(t, g, ReadSensor, ms(50), "main", "speed")
	if _, ok := g.EdgeDelta(wo, rs50); !ok {
		t.Error("second invocation does not follow first output write")
	}
	wo100 := mustLookup(t, g, WriteTaskOutput, ms(100), "main", "ctrl.out")
	if d, ok := g.EdgeDelta(wo100, entry); !ok || d != 0 {
		t.Errorf("wrap edge = (%s, %v), want (0s, true)", d, ok)
	}
	if d, ok := g.EdgeDelta(entry, entry); !ok || d != period {
		t.Errorf("backbone edge = (%s, %v), want (%s, true)", d, ok, period)
	}
}

func TestBuild_SensorReadSharedWithTransition(t *testing.T) {
	g := mustBuild(t, switchingModule())

	if got := g.CountKind(ReadSensor, "main"); got != 2 {
		t.Fatalf("ReadSensor count = %d, want 2", got)
	}
	if got := g.CountKind(ModeSwitch, "main"); got != 2 {
		t.Errorf("ModeSwitch count = %d, want 2", got)
	}

	rs := mustLookup(t, g, ReadSensor, 0, "main", "speed")
	sw := mustLookup(t, g, ModeSwitch, 0, "main", "main->safe")
	entry := g.Entry("main")
	rti := mustLookup(t, g, ReadTaskInput, 0, "main", "ctrl")

	if _, ok := g.EdgeDelta(rs, sw); !ok {
		t.Error("sensor read does not precede mode switch")
	}
	if g.Continuation(sw) != entry {
		t.Errorf("Continuation = %d, want entry %d", g.Continuation(sw), entry)
	}
	if g.SwitchTarget(sw) != g.Entry("safe") {
		t.Errorf("SwitchTarget = %d, want %d", g.SwitchTarget(sw), g.Entry("safe"))
	}
	// Entering a mode starts at its time-zero chain, so the shared read fires.
	if g.Head("main") != rs {
		t.Errorf("Head(main) = %d, want sensor read %d", g.Head("main"), rs)
	}
	if g.Head("safe") != g.Entry("safe") {
		t.Errorf("Head(safe) = %d, want entry %d", g.Head("safe"), g.Entry("safe"))
	}
	// Task reads after the switch test attach to the after-mode-switch node.
	if preds := g.Predecessors(rti); len(preds) != 1 || preds[0] != entry {
		t.Errorf("ReadTaskInput preds = %v, want [%d]", preds, entry)
	}

	// Output written at a switch instant precedes that switch.
	wo := mustLookup(t, g, WriteTaskOutput, ms(50), "main", "ctrl.out")
	rs50 := mustLookup(t, g, ReadSensor, ms(50), "main", "speed")
	if _, ok := g.EdgeDelta(wo, rs50); !ok {
		t.Error("output write at 50ms does not feed the switch chain")
	}
	ams50 := mustLookup(t, g, AfterModeSwitch, ms(50), "main", "main")
	rti50 := mustLookup(t, g, ReadTaskInput, ms(50), "main", "ctrl")
	if preds := g.Predecessors(rti50); len(preds) != 1 || preds[0] != ams50 {
		t.Errorf("second ReadTaskInput preds = %v, want [%d]", preds, ams50)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	for _, m := range []*model.Module{controlModule(), switchingModule()} {
		a := mustBuild(t, m)
		b := mustBuild(t, m)
		if !reflect.DeepEqual(a.Nodes(), b.Nodes()) {
			t.Errorf("%s: node sets differ between builds", m.Name)
		}
		if !reflect.DeepEqual(a.Edges(), b.Edges()) {
			t.Errorf("%s: edge sets differ between builds", m.Name)
		}
	}
}

func TestBuild_MultipleOutputsJoin(t *testing.T) {
	m := controlModule()
	m.Modes[0].Tasks[0].Outputs = append(m.Modes[0].Tasks[0].Outputs, model.TaskOutput{Name: "aux"})
	g := mustBuild(t, m)

	if got := g.CountKind(AfterTaskOutputs, "main"); got != 2 {
		t.Fatalf("AfterTaskOutputs count = %d, want 2", got)
	}
	join := mustLookup(t, g, AfterTaskOutputs, ms(50), "main", "ctrl")
	out := mustLookup(t, g, WriteTaskOutput, ms(50), "main", "ctrl.out")
	aux := mustLookup(t, g, WriteTaskOutput, ms(50), "main", "ctrl.aux")

	if !g.IsJoin(join) {
		t.Error("AfterTaskOutputs with two predecessors is not a join")
	}
	joins := g.NextJoinNodes(out, out)
	waiting, ok := joins[join]
	if !ok {
		t.Fatalf("NextJoinNodes(out) = %v, missing join", joins)
	}
	if len(waiting) != 1 || waiting[0] != g.Node(aux).Action {
		t.Errorf("waiting = %v, want [%s]", waiting, g.Node(aux).Action)
	}
}

func TestBuild_TaskToTaskLink(t *testing.T) {
	m := controlModule()
	m.Modes[0].Tasks = append(m.Modes[0].Tasks, model.Task{
		Name:      "log",
		Frequency: 2,
		Slots:     "2",
		Inputs:    []model.TaskInput{{Name: "in", From: "ctrl.out"}},
	})
	g := mustBuild(t, m)

	read := mustLookup(t, g, ReadTaskInput, ms(50), "main", "log")
	write := mustLookup(t, g, WriteTaskOutput, ms(50), "main", "ctrl.out")
	if d, ok := g.EdgeDelta(write, read); !ok || d != 0 {
		t.Errorf("link edge = (%s, %v), want (0s, true)", d, ok)
	}
	n := g.Node(read)
	if len(n.Transfers) != 1 || n.Transfers[0].From.Kind != OutputValue {
		t.Errorf("transfers = %+v, want one output value transfer", n.Transfers)
	}
}

func TestBuild_FastTaskLinkAtSwitchInstant(t *testing.T) {
	m := switchingModule()
	m.Modes[0].Tasks = []model.Task{
		{
			Name:      "up",
			Frequency: 1,
			Fast:      true,
			Inputs:    []model.TaskInput{{Name: "v", From: "speed"}},
			Outputs:   []model.TaskOutput{{Name: "o"}},
		},
		{
			Name:      "down",
			Frequency: 2,
			Fast:      true,
			Inputs:    []model.TaskInput{{Name: "x", From: "up.o"}},
			Outputs:   []model.TaskOutput{{Name: "y"}},
		},
	}
	g := mustBuild(t, m)

	write := mustLookup(t, g, WriteTaskOutput, 0, "main", "up.o")
	read0 := mustLookup(t, g, ReadTaskInput, 0, "main", "down")
	if d, ok := g.EdgeDelta(write, read0); !ok || d != 0 {
		t.Errorf("link at 0 = (%s, %v), want (0s, true)", d, ok)
	}
	if !g.IsJoin(read0) {
		t.Error("consumer read at 0 does not wait for the producer write")
	}

	// The read at 50ms follows the switch at 50ms; the write at 0 belongs
	// to the previous switch interval.
	read50 := mustLookup(t, g, ReadTaskInput, ms(50), "main", "down")
	if _, ok := g.EdgeDelta(write, read50); ok {
		t.Error("write at 0 linked across the switch at 50ms")
	}
}

func TestBuild_Actuator(t *testing.T) {
	m := controlModule()
	m.Modes[0].Actuators = []model.ActuatorUsage{{Name: "motor", From: "ctrl.out", Frequency: 1}}
	g := mustBuild(t, m)

	wa := mustLookup(t, g, WriteActuator, period, "main", "motor")
	wo := mustLookup(t, g, WriteTaskOutput, period, "main", "ctrl.out")
	entry := g.Entry("main")

	if _, ok := g.EdgeDelta(wo, wa); !ok {
		t.Error("missing edge output write -> actuator write")
	}
	if _, ok := g.EdgeDelta(wo, entry); ok {
		t.Error("output write still wraps directly to period start")
	}
	if d, ok := g.EdgeDelta(wa, entry); !ok || d != 0 {
		t.Errorf("actuator wrap edge = (%s, %v), want (0s, true)", d, ok)
	}

	// The period-end update is the only one; no separate write exists at 0.
	zero := Action{Kind: WriteActuator, Time: 0, Mode: "main", Subject: "motor"}
	if _, ok := g.Lookup(zero); ok {
		t.Error("unexpected actuator write at time 0")
	}
	if !g.Node(wa).Action.SameActionAs(zero, period) {
		t.Error("period-end actuator write is not the next cycle's time-zero write")
	}
	if got := g.CountKind(WriteActuator, "main"); got != 1 {
		t.Errorf("WriteActuator count = %d, want 1", got)
	}
}

func TestBuild_ActuatorSkipped(t *testing.T) {
	tests := []struct {
		name   string
		usages []model.ActuatorUsage
	}{
		{"no source", []model.ActuatorUsage{{Name: "motor", From: "ghost.out", Frequency: 1}}},
		{"two sources", []model.ActuatorUsage{
			{Name: "motor", From: "ctrl.out", Frequency: 1},
			{Name: "motor", From: "ctrl.out", Frequency: 2},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := controlModule()
			m.Modes[0].Actuators = tt.usages
			var buf bytes.Buffer
			g := mustBuild(t, m, WithLogger(testLogger(&buf)))
			if got := g.CountKind(WriteActuator, ""); got != 0 {
				t.Errorf("WriteActuator count = %d, want 0", got)
			}
			if !strings.Contains(buf.String(), "actuator skipped") {
				t.Errorf("log = %q, want skip warning", buf.String())
			}
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *model.Module)
		opts   []BuildOption
		want   string
	}{
		{"no modes", func(m *model.Module) { m.Modes = nil }, nil, "no modes"},
		{"unknown start", nil, []BuildOption{WithStartMode("ghost")}, `start mode "ghost"`},
		{"bad slots", func(m *model.Module) { m.Modes[0].Tasks[0].Slots = "1-x" }, nil, "ctrl"},
		{"non periodic", func(m *model.Module) {
			m.Modes[0].Tasks[0].Frequency = 4
			m.Modes[0].Tasks[0].Slots = "1|3-4"
		}, nil, "not periodic"},
		{"indivisible period", func(m *model.Module) { m.Modes[0].Tasks[0].Frequency = 3 }, nil, "ctrl"},
		{"unknown target", func(m *model.Module) {
			m.Modes[0].Transitions = []model.Transition{{To: "ghost", Frequency: 1}}
		}, nil, `target mode "ghost"`},
		{"unknown sensor", func(m *model.Module) {
			m.Modes[0].Tasks[0].Inputs[0].From = "ghost"
		}, nil, `sensor "ghost"`},
		{"unknown task output", func(m *model.Module) {
			m.Modes[0].Tasks[0].Inputs[0].From = "ghost.out"
		}, nil, `"ghost.out"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := controlModule()
			if tt.mutate != nil {
				tt.mutate(m)
			}
			g, err := Build(m, tt.opts...)
			if err == nil {
				t.Fatal("expected error")
			}
			if g != nil {
				t.Error("partial graph returned with error")
			}
			var se *model.ScheduleError
			if !errors.As(err, &se) {
				t.Fatalf("error %T is not a ScheduleError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want containing %q", err, tt.want)
			}
		})
	}
}

func TestBuild_CrossModeLinks(t *testing.T) {
	g := mustBuild(t, switchingModule())
	safe := g.Entry("safe")

	var links int
	for _, e := range g.Edges() {
		if e.Switch {
			links++
			if e.To != safe {
				t.Errorf("switch edge to %d, want %d", e.To, safe)
			}
		}
	}
	if links != 2 {
		t.Errorf("switch edges = %d, want 2", links)
	}
	if g.StartMode() != "main" {
		t.Errorf("StartMode = %q, want main", g.StartMode())
	}
	info, ok := g.Mode("main")
	if !ok || !reflect.DeepEqual(info.Inputs["ctrl"], []string{"v"}) {
		t.Errorf("mode inputs = %v, want ctrl: [v]", info.Inputs)
	}
}

func TestWriteDOT(t *testing.T) {
	g := mustBuild(t, switchingModule())
	var buf bytes.Buffer
	if err := g.WriteDOT(&buf); err != nil {
		t.Fatalf("WriteDOT: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`digraph "cruise"`, "cluster_0", "cluster_1", "style=dashed", "EXECUTE_TASK"} {
		if !strings.Contains(out, want) {
			t.Errorf("DOT output missing %q", want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	g := mustBuild(t, controlModule())
	s := g.Snapshot()
	if s.Module != "cruise" || s.StartMode != "main" {
		t.Errorf("Snapshot header = %q/%q", s.Module, s.StartMode)
	}
	if len(s.Nodes) != g.Len() || len(s.Edges) != len(g.Edges()) || len(s.Modes) != 1 {
		t.Errorf("Snapshot sizes = %d/%d/%d", len(s.Nodes), len(s.Edges), len(s.Modes))
	}
}
