package schedule

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/me/tdl/internal/logging"
	"github.com/me/tdl/internal/periodicity"
	"github.com/me/tdl/pkg/model"
)

// BuildOption configures Build.
type BuildOption func(*builder)

// WithLogger sets the logger used for build warnings.
func WithLogger(l *slog.Logger) BuildOption {
	return func(b *builder) { b.logger = l.With("component", "schedule") }
}

// WithStartMode overrides the module's declared start mode.
func WithStartMode(mode string) BuildOption {
	return func(b *builder) { b.start = mode }
}

type builder struct {
	module *model.Module
	start  string
	logger *slog.Logger
	g      *Graph

	// outputs declared anywhere in the module, "task.port" -> true
	declaredOutputs map[string]bool
}

// Build synthesizes the schedule graph of every mode in m and links the
// modes through their mode-switch nodes. Any error is a *model.ScheduleError
// and no partial graph is returned.
func Build(m *model.Module, opts ...BuildOption) (*Graph, error) {
	b := &builder{
		module: m,
		start:  m.Start,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

func (b *builder) build() (*Graph, error) {
	m := b.module
	if len(m.Modes) == 0 {
		return nil, &model.ScheduleError{Err: fmt.Errorf("module %q declares no modes", m.Name)}
	}
	if b.start == "" {
		b.start = m.Modes[0].Name
	}
	if m.Mode(b.start) == nil {
		return nil, &model.ScheduleError{Err: fmt.Errorf("start mode %q not declared", b.start)}
	}
	b.g = newGraph(m.Name, b.start)

	b.declaredOutputs = make(map[string]bool)
	seen := make(map[string]bool)
	for _, mode := range m.Modes {
		if seen[mode.Name] {
			return nil, &model.ScheduleError{Mode: mode.Name, Err: fmt.Errorf("duplicate mode")}
		}
		seen[mode.Name] = true
		for _, t := range mode.Tasks {
			for _, o := range t.Outputs {
				b.declaredOutputs[t.Name+"."+o.Name] = true
			}
		}
	}

	// Mode entries first: cross-mode links need every destination.
	for _, mode := range m.Modes {
		if mode.Period.Std() <= 0 {
			return nil, &model.ScheduleError{Mode: mode.Name, Subject: "period", Err: fmt.Errorf("period must be positive")}
		}
		entry, _ := b.g.addNode(Node{Action: Action{Kind: AfterModeSwitch, Time: 0, Mode: mode.Name, Subject: mode.Name}})
		info := ModeInfo{Name: mode.Name, Period: mode.Period.Std(), Entry: entry, Head: entry, Inputs: make(map[string][]string)}
		for _, t := range mode.Tasks {
			ports := make([]string, 0, len(t.Inputs))
			for _, in := range t.Inputs {
				ports = append(ports, in.Name)
			}
			info.Inputs[t.Name] = ports
		}
		b.g.modes = append(b.g.modes, info)
	}

	var switches []NodeID
	for i := range m.Modes {
		mb := &modeBuilder{b: b, mode: &m.Modes[i], entry: b.g.modes[i].Entry}
		if err := mb.build(); err != nil {
			return nil, err
		}
		b.g.modes[i].Head = mb.periodStart
		switches = append(switches, mb.switches...)
	}

	// Cross-mode linking: one edge per mode-switch node.
	for _, id := range switches {
		n := b.g.nodes[id]
		b.g.addSwitchEdge(id, b.g.Entry(n.Target))
	}

	b.logger.Debug("schedule built", "module", m.Name, "nodes", b.g.Len(), "modes", len(m.Modes))
	return b.g, nil
}

// modeBuilder builds one mode's region of the graph.
type modeBuilder struct {
	b      *builder
	mode   *model.Mode
	period time.Duration
	entry  NodeID

	instants    []time.Duration          // sorted mode-switch instants, always containing 0
	ams         map[time.Duration]NodeID // AfterModeSwitch per instant
	first       map[time.Duration]NodeID // first node of the switch chain per instant
	switchReads map[sensorAt]bool        // sensor reads feeding a mode switch
	periodStart NodeID

	writes   map[string][]NodeID // "task.port" -> WriteTaskOutput nodes in time order
	fast     map[NodeID]bool     // writes made at their own invocation instant
	links    []pendingLink
	switches []NodeID
}

type sensorAt struct {
	sensor string
	at     time.Duration
}

// pendingLink is a task-to-task connection resolved after all tasks exist.
type pendingLink struct {
	read   NodeID
	at     time.Duration
	source string // "task.port"
}

func (mb *modeBuilder) fail(subject string, err error) error {
	return &model.ScheduleError{Mode: mb.mode.Name, Subject: subject, Err: err}
}

func (mb *modeBuilder) build() error {
	mb.period = mb.mode.Period.Std()
	mb.ams = make(map[time.Duration]NodeID)
	mb.first = make(map[time.Duration]NodeID)
	mb.switchReads = make(map[sensorAt]bool)
	mb.writes = make(map[string][]NodeID)
	mb.fast = make(map[NodeID]bool)

	if err := mb.buildTransitions(); err != nil {
		return err
	}
	for i := range mb.mode.Tasks {
		if err := mb.buildTask(&mb.mode.Tasks[i]); err != nil {
			return err
		}
	}
	if err := mb.buildActuators(); err != nil {
		return err
	}
	return mb.resolveLinks()
}

func (mb *modeBuilder) divide(subject string, frequency int) (time.Duration, error) {
	if frequency < 1 {
		return 0, mb.fail(subject, fmt.Errorf("frequency must be positive, got %d", frequency))
	}
	if mb.period%time.Duration(frequency) != 0 {
		return 0, mb.fail(subject, fmt.Errorf("period %s is not divisible by frequency %d", mb.period, frequency))
	}
	return mb.period / time.Duration(frequency), nil
}

// buildTransitions creates, per switch instant, the chain
// [sensor reads] -> mode switches -> AfterModeSwitch and the backbone that
// links consecutive instants and wraps around the period.
func (mb *modeBuilder) buildTransitions() error {
	g := mb.b.g
	name := mb.mode.Name
	at := map[time.Duration][]*model.Transition{0: nil}

	for i := range mb.mode.Transitions {
		tr := &mb.mode.Transitions[i]
		subject := "transition " + tr.ID(name)
		if mb.b.module.Mode(tr.To) == nil {
			return mb.fail(subject, fmt.Errorf("target mode %q not declared", tr.To))
		}
		step, err := mb.divide(subject, tr.Frequency)
		if err != nil {
			return err
		}
		for k := 0; k < tr.Frequency; k++ {
			t := time.Duration(k) * step
			at[t] = append(at[t], tr)
		}
	}
	for t := range at {
		mb.instants = append(mb.instants, t)
	}
	sort.Slice(mb.instants, func(i, j int) bool { return mb.instants[i] < mb.instants[j] })

	for _, t := range mb.instants {
		if t == 0 {
			mb.ams[t] = mb.entry
		} else {
			id, err := g.addNode(Node{Action: Action{Kind: AfterModeSwitch, Time: t, Mode: name, Subject: name}})
			if err != nil {
				return mb.fail("mode switch", err)
			}
			mb.ams[t] = id
		}

		trs := at[t]
		if len(trs) == 0 {
			mb.first[t] = mb.ams[t]
			continue
		}

		var chain []NodeID
		for _, tr := range trs {
			for _, s := range tr.Sensors {
				key := sensorAt{s, t}
				if mb.switchReads[key] {
					continue
				}
				if mb.b.module.Sensor(s) == nil {
					return mb.fail("transition "+tr.ID(name), fmt.Errorf("sensor %q not declared", s))
				}
				mb.switchReads[key] = true
				id, _ := mb.sensorRead(s, t)
				chain = append(chain, id)
			}
		}
		for _, tr := range trs {
			id, err := g.addNode(Node{
				Action: Action{Kind: ModeSwitch, Time: t, Mode: name, Subject: tr.ID(name)},
				Guard:  tr.Guard,
				Target: tr.To,
			})
			if err != nil {
				return mb.fail("transition "+tr.ID(name), err)
			}
			chain = append(chain, id)
			mb.switches = append(mb.switches, id)
		}
		for i := 0; i+1 < len(chain); i++ {
			g.addEdge(chain[i], chain[i+1], 0)
		}
		g.addEdge(chain[len(chain)-1], mb.ams[t], 0)
		mb.first[t] = chain[0]
	}

	mb.periodStart = mb.first[0]
	for i := 0; i+1 < len(mb.instants); i++ {
		cur, next := mb.instants[i], mb.instants[i+1]
		g.addEdge(mb.ams[cur], mb.first[next], next-cur)
	}
	last := mb.instants[len(mb.instants)-1]
	g.addEdge(mb.ams[last], mb.periodStart, mb.period-last)
	return nil
}

func (mb *modeBuilder) sensorRead(sensor string, at time.Duration) (NodeID, bool) {
	return mb.b.g.getOrAddNode(Node{
		Action: Action{Kind: ReadSensor, Time: at, Mode: mb.mode.Name, Subject: sensor},
		Transfers: []Transfer{{
			From: PortRef{Kind: SensorSource, Name: sensor},
			To:   PortRef{Kind: SensorValue, Name: sensor},
		}},
	})
}

// instantAtOrBefore returns the latest switch instant <= t.
func (mb *modeBuilder) instantAtOrBefore(t time.Duration) time.Duration {
	i := sort.Search(len(mb.instants), func(i int) bool { return mb.instants[i] > t })
	return mb.instants[i-1]
}

func (mb *modeBuilder) isInstant(t time.Duration) bool {
	_, ok := mb.ams[t]
	return ok
}

// buildTask adds read/execute/write chains for every invocation of a task.
func (mb *modeBuilder) buildTask(task *model.Task) error {
	g := mb.b.g
	name := mb.mode.Name
	subject := "task " + task.Name

	if _, err := mb.divide(subject, task.Frequency); err != nil {
		return err
	}
	timed, err := periodicity.AnalyzeSelection(task.Slots, task.Frequency, mb.period)
	if err != nil {
		return mb.fail(subject, err)
	}
	let := timed.LET
	if task.Fast {
		let = 0
	}

	for _, in := range task.Inputs {
		src, port := model.PortSource(in.From)
		switch {
		case in.From == "":
			return mb.fail(subject, fmt.Errorf("input %q has no source", in.Name))
		case src == "" && mb.b.module.Sensor(port) == nil:
			return mb.fail(subject, fmt.Errorf("input %q: sensor %q not declared", in.Name, port))
		case src != "" && !mb.b.declaredOutputs[in.From]:
			return mb.fail(subject, fmt.Errorf("input %q: task output %q not declared", in.Name, in.From))
		}
	}

	prevEnd := NoNode
	var prevEndTime time.Duration
	prevFeedsSwitch := false
	invocations := timed.Invocations(mb.period)

	for k, at := range invocations {
		tau := mb.instantAtOrBefore(at)
		entry := prevEnd
		if prevEnd == NoNode || tau > prevEndTime || (tau == prevEndTime && prevFeedsSwitch) {
			entry = mb.ams[tau]
		}

		var readPreds []NodeID
		transfers := make([]Transfer, 0, len(task.Inputs))
		for _, in := range task.Inputs {
			src, port := model.PortSource(in.From)
			dst := PortRef{Kind: TaskInput, Mode: name, Owner: task.Name, Name: in.Name}
			if src != "" {
				transfers = append(transfers, Transfer{From: PortRef{Kind: OutputValue, Owner: src, Name: port}, To: dst})
				continue
			}
			transfers = append(transfers, Transfer{From: PortRef{Kind: SensorValue, Name: port}, To: dst})
			if mb.switchReads[sensorAt{port, at}] {
				// Read before the switch at this instant; entry is its AfterModeSwitch.
				continue
			}
			rs, _ := mb.sensorRead(port, at)
			g.addEdge(entry, rs, at-g.nodes[entry].Action.Time)
			readPreds = appendUnique(readPreds, rs)
		}
		if len(readPreds) == 0 {
			readPreds = []NodeID{entry}
		}

		rti, err := g.addNode(Node{
			Action:    Action{Kind: ReadTaskInput, Time: at, Mode: name, Subject: task.Name},
			Transfers: transfers,
		})
		if err != nil {
			return mb.fail(subject, err)
		}
		for _, p := range readPreds {
			g.addEdge(p, rti, at-g.nodes[p].Action.Time)
		}
		for _, in := range task.Inputs {
			if src, _ := model.PortSource(in.From); src != "" {
				mb.links = append(mb.links, pendingLink{read: rti, at: at, source: in.From})
			}
		}

		ex, err := g.addNode(Node{
			Action: Action{Kind: ExecuteTask, Time: at, Mode: name, Subject: task.Name},
			Guard:  task.Guard,
			WCET:   task.WCET.Std(),
		})
		if err != nil {
			return mb.fail(subject, err)
		}
		g.addEdge(rti, ex, 0)

		endTime := at + let
		end := ex
		var outs []NodeID
		for _, o := range task.Outputs {
			ref := task.Name + "." + o.Name
			wo, err := g.addNode(Node{
				Action: Action{Kind: WriteTaskOutput, Time: endTime, Mode: name, Subject: ref},
				Transfers: []Transfer{{
					From: PortRef{Kind: TaskOutput, Mode: name, Owner: task.Name, Name: o.Name},
					To:   PortRef{Kind: OutputValue, Owner: task.Name, Name: o.Name},
				}},
			})
			if err != nil {
				return mb.fail(subject, err)
			}
			g.addEdge(ex, wo, let)
			mb.writes[ref] = append(mb.writes[ref], wo)
			if let == 0 {
				mb.fast[wo] = true
			}
			outs = append(outs, wo)
		}
		switch {
		case len(outs) == 1:
			end = outs[0]
		case len(outs) > 1:
			join, err := g.addNode(Node{Action: Action{Kind: AfterTaskOutputs, Time: endTime, Mode: name, Subject: task.Name}})
			if err != nil {
				return mb.fail(subject, err)
			}
			for _, wo := range outs {
				g.addEdge(wo, join, 0)
			}
			end = join
		}
		if len(outs) == 0 {
			endTime = at
		}

		feedsSwitch := endTime > at && endTime < mb.period && mb.isInstant(endTime)
		switch {
		case feedsSwitch:
			g.addEdge(end, mb.first[endTime], 0)
		case k == len(invocations)-1:
			g.addEdge(end, mb.periodStart, mb.period-endTime)
		}
		prevEnd, prevEndTime, prevFeedsSwitch = end, endTime, feedsSwitch
	}
	return nil
}

// buildActuators inserts WriteActuator nodes after the last output write
// at or before each actuator update instant.
func (mb *modeBuilder) buildActuators() error {
	g := mb.b.g
	name := mb.mode.Name

	sources := make(map[string][]*model.ActuatorUsage)
	var order []string
	for i := range mb.mode.Actuators {
		u := &mb.mode.Actuators[i]
		if _, ok := sources[u.Name]; !ok {
			order = append(order, u.Name)
		}
		sources[u.Name] = append(sources[u.Name], u)
	}

	for _, act := range order {
		subject := "actuator " + act
		if mb.b.module.Actuator(act) == nil {
			return mb.fail(subject, fmt.Errorf("actuator %q not declared", act))
		}
		usages := sources[act]
		if len(usages) != 1 {
			mb.b.logger.Warn("actuator skipped: multiple task outputs connected",
				"mode", name, "actuator", act, "sources", len(usages))
			continue
		}
		usage := usages[0]
		task, port := model.PortSource(usage.From)
		if task == "" || mb.mode.Task(task) == nil || mb.mode.Task(task).Output(port) == nil {
			mb.b.logger.Warn("actuator skipped: no task output connected",
				"mode", name, "actuator", act, "from", usage.From)
			continue
		}
		step, err := mb.divide(subject, usage.Frequency)
		if err != nil {
			return err
		}
		writes := mb.writes[usage.From]

		// Updates fall at the end of each step, so the last one is stamped
		// with the mode period like a LET write ending there. It is the
		// period-end boundary, never a second write at time zero.
		for k := 1; k <= usage.Frequency; k++ {
			u := time.Duration(k) * step
			wa, err := g.addNode(Node{
				Action: Action{Kind: WriteActuator, Time: u, Mode: name, Subject: act},
				Guard:  usage.Guard,
				Transfers: []Transfer{{
					From: PortRef{Kind: OutputValue, Owner: task, Name: port},
					To:   PortRef{Kind: ActuatorPort, Name: act},
				}},
			})
			if err != nil {
				return mb.fail(subject, err)
			}

			w := NoNode
			for _, id := range writes {
				if g.nodes[id].Action.Time <= u {
					w = id
				}
			}
			if w == NoNode {
				g.addEdge(mb.entry, wa, u)
				continue
			}

			wt := g.nodes[w].Action.Time
			for _, e := range append([]Edge(nil), g.out[w]...) {
				if e.Switch || e.Delta < u-wt {
					continue
				}
				g.removeEdge(w, e.To)
				g.addEdge(wa, e.To, e.Delta-(u-wt))
			}
			g.addEdge(w, wa, u-wt)
		}
	}
	return nil
}

// resolveLinks connects each task-input read to the latest upstream output
// write after the most recent switch instant and at or before the read. A
// zero-LET write at the switch instant itself also counts: it runs after
// that instant's switch chain, so nothing else orders it before the read.
func (mb *modeBuilder) resolveLinks() error {
	g := mb.b.g
	for _, l := range mb.links {
		tau := mb.instantAtOrBefore(l.at)
		best := NoNode
		for _, id := range mb.writes[l.source] {
			t := g.nodes[id].Action.Time
			if t > l.at {
				continue
			}
			if t > tau || (t == tau && mb.fast[id]) {
				best = id
			}
		}
		if best == NoNode {
			continue
		}
		g.addEdge(best, l.read, l.at-g.nodes[best].Action.Time)
	}
	return nil
}

func appendUnique(ids []NodeID, id NodeID) []NodeID {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}
