package schedule

import (
	"fmt"
	"sort"
	"time"
)

// NodeID addresses a node in a Graph's arena.
type NodeID int

// NoNode is returned when a lookup finds nothing.
const NoNode NodeID = -1

// PortKind classifies the storage a transfer reads from or writes to.
type PortKind int

const (
	SensorSource PortKind = iota // external sensor input
	SensorValue                  // latched sensor value, shared by all readers
	TaskInput                    // task-local input receiver (per mode)
	TaskOutput                   // task-local output buffer (per mode)
	OutputValue                  // published task output, shared across modes
	ActuatorPort                 // external actuator output
)

var portKindNames = [...]string{"sensor", "sensor_value", "task_input", "task_output", "output_value", "actuator"}

func (k PortKind) String() string {
	if int(k) >= 0 && int(k) < len(portKindNames) {
		return portKindNames[k]
	}
	return fmt.Sprintf("PortKind(%d)", int(k))
}

// MarshalText lets port kinds appear by name in JSON output.
func (k PortKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// PortRef names a port the host resolves at runtime. Mode is only set for
// task-local ports.
type PortRef struct {
	Kind  PortKind `json:"kind"`
	Mode  string   `json:"mode,omitempty"`
	Owner string   `json:"owner,omitempty"`
	Name  string   `json:"name"`
}

func (p PortRef) String() string {
	switch {
	case p.Mode != "":
		return fmt.Sprintf("%s:%s/%s.%s", p.Kind, p.Mode, p.Owner, p.Name)
	case p.Owner != "":
		return fmt.Sprintf("%s:%s.%s", p.Kind, p.Owner, p.Name)
	}
	return fmt.Sprintf("%s:%s", p.Kind, p.Name)
}

// Transfer moves the current token of From into To.
type Transfer struct {
	From PortRef `json:"from"`
	To   PortRef `json:"to"`
}

// Node wraps one Action as a graph vertex together with the static data the
// dispatcher needs to execute it.
type Node struct {
	ID        NodeID        `json:"id"`
	Action    Action        `json:"action"`
	Guard     string        `json:"guard,omitempty"`
	WCET      time.Duration `json:"wcet,omitempty"`
	Target    string        `json:"target,omitempty"` // destination mode of a ModeSwitch
	Transfers []Transfer    `json:"transfers,omitempty"`
}

// Edge is a directed edge. Delta is the time from the source's timestamp to
// the target's, including a full period when the edge wraps around the
// mode period. Switch marks the link from a ModeSwitch to the destination
// mode's entry.
type Edge struct {
	To     NodeID        `json:"to"`
	Delta  time.Duration `json:"delta"`
	Switch bool          `json:"switch,omitempty"`
}

type inEdge struct {
	from NodeID
	sw   bool
}

// ModeInfo describes a mode's region of the graph.
type ModeInfo struct {
	Name   string              `json:"name"`
	Period time.Duration       `json:"period"`
	Entry  NodeID              `json:"entry"`
	Head   NodeID              `json:"head"`             // first node of the time-zero switch chain
	Inputs map[string][]string `json:"inputs,omitempty"` // task -> input port names
}

// Graph is the schedule of all modes of a module. It is immutable once
// Build returns and safe for concurrent readers.
type Graph struct {
	module string
	start  string
	nodes  []Node
	out    [][]Edge
	in     [][]inEdge
	index  map[Action]NodeID
	modes  []ModeInfo
}

func newGraph(module, start string) *Graph {
	return &Graph{
		module: module,
		start:  start,
		index:  make(map[Action]NodeID),
	}
}

// Module returns the name of the module the graph was built from.
func (g *Graph) Module() string { return g.module }

// StartMode returns the mode execution begins in.
func (g *Graph) StartMode() string { return g.start }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the given ID.
func (g *Graph) Node(id NodeID) Node { return g.nodes[id] }

// Nodes returns a copy of all nodes in ID order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Successors returns the outgoing edges of id.
func (g *Graph) Successors(id NodeID) []Edge {
	return g.out[id]
}

// Predecessors returns the sources of id's incoming edges, excluding
// mode-switch links.
func (g *Graph) Predecessors(id NodeID) []NodeID {
	var out []NodeID
	for _, e := range g.in[id] {
		if !e.sw {
			out = append(out, e.from)
		}
	}
	return out
}

// InDegree returns the number of incoming edges of id, including
// mode-switch links.
func (g *Graph) InDegree(id NodeID) int { return len(g.in[id]) }

// Lookup finds the node for an action.
func (g *Graph) Lookup(a Action) (NodeID, bool) {
	id, ok := g.index[a]
	return id, ok
}

// Mode returns the region info of the named mode.
func (g *Graph) Mode(name string) (ModeInfo, bool) {
	for _, m := range g.modes {
		if m.Name == name {
			return m, true
		}
	}
	return ModeInfo{}, false
}

// Modes returns all modes in declaration order.
func (g *Graph) Modes() []ModeInfo {
	out := make([]ModeInfo, len(g.modes))
	copy(out, g.modes)
	return out
}

// Entry returns the time-zero AfterModeSwitch node of a mode.
func (g *Graph) Entry(mode string) NodeID {
	if m, ok := g.Mode(mode); ok {
		return m.Entry
	}
	return NoNode
}

// Head returns the first node of a mode's time-zero chain: its first
// switch-instant sensor read or mode switch, or the entry when the mode has
// no transition at time zero. A mode is entered by firing its head.
func (g *Graph) Head(mode string) NodeID {
	if m, ok := g.Mode(mode); ok {
		return m.Head
	}
	return NoNode
}

// Period returns the period of a mode, or zero if unknown.
func (g *Graph) Period(mode string) time.Duration {
	if m, ok := g.Mode(mode); ok {
		return m.Period
	}
	return 0
}

// SwitchTarget returns the destination entry of a ModeSwitch node.
func (g *Graph) SwitchTarget(id NodeID) NodeID {
	for _, e := range g.out[id] {
		if e.Switch {
			return e.To
		}
	}
	return NoNode
}

// Continuation returns the node that follows a ModeSwitch when its guard
// does not hold.
func (g *Graph) Continuation(id NodeID) NodeID {
	for _, e := range g.out[id] {
		if !e.Switch {
			return e.To
		}
	}
	return NoNode
}

// EdgeDelta returns the delta of the edge from -> to, and whether it exists.
func (g *Graph) EdgeDelta(from, to NodeID) (time.Duration, bool) {
	for _, e := range g.out[from] {
		if e.To == to {
			return e.Delta, true
		}
	}
	return 0, false
}

// CountKind returns the number of nodes of a kind, optionally restricted to
// one mode ("" for all).
func (g *Graph) CountKind(k Kind, mode string) int {
	n := 0
	for _, nd := range g.nodes {
		if nd.Action.Kind == k && (mode == "" || nd.Action.Mode == mode) {
			n++
		}
	}
	return n
}

// --- construction (builder only) ---

func (g *Graph) addNode(n Node) (NodeID, error) {
	if id, ok := g.index[n.Action]; ok {
		return id, fmt.Errorf("duplicate action %s", g.nodes[id].Action)
	}
	n.ID = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	g.index[n.Action] = n.ID
	return n.ID, nil
}

// getOrAddNode returns the existing node for n.Action or adds n.
func (g *Graph) getOrAddNode(n Node) (NodeID, bool) {
	if id, ok := g.index[n.Action]; ok {
		return id, false
	}
	id, _ := g.addNode(n)
	return id, true
}

func (g *Graph) addEdge(from, to NodeID, delta time.Duration) {
	g.link(from, to, delta, false)
}

func (g *Graph) addSwitchEdge(from, to NodeID) {
	g.link(from, to, 0, true)
}

func (g *Graph) link(from, to NodeID, delta time.Duration, sw bool) {
	for _, e := range g.out[from] {
		if e.To == to && e.Switch == sw {
			return
		}
	}
	g.out[from] = append(g.out[from], Edge{To: to, Delta: delta, Switch: sw})
	g.in[to] = append(g.in[to], inEdge{from: from, sw: sw})
}

func (g *Graph) removeEdge(from, to NodeID) {
	out := g.out[from][:0]
	for _, e := range g.out[from] {
		if e.To != to || e.Switch {
			out = append(out, e)
		}
	}
	g.out[from] = out
	in := g.in[to][:0]
	for _, e := range g.in[to] {
		if e.from != from || e.sw {
			in = append(in, e)
		}
	}
	g.in[to] = in
}

// EdgeRecord is a flattened edge for export and comparison.
type EdgeRecord struct {
	From   NodeID        `json:"from"`
	To     NodeID        `json:"to"`
	Delta  time.Duration `json:"delta"`
	Switch bool          `json:"switch,omitempty"`
}

// Edges returns every edge sorted by (From, To).
func (g *Graph) Edges() []EdgeRecord {
	var out []EdgeRecord
	for from, edges := range g.out {
		for _, e := range edges {
			out = append(out, EdgeRecord{From: NodeID(from), To: e.To, Delta: e.Delta, Switch: e.Switch})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
