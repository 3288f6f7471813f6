package schedule

import (
	"bufio"
	"fmt"
	"io"
)

// Snapshot is a serializable view of a Graph.
type Snapshot struct {
	Module    string       `json:"module"`
	StartMode string       `json:"start_mode"`
	Modes     []ModeInfo   `json:"modes"`
	Nodes     []Node       `json:"nodes"`
	Edges     []EdgeRecord `json:"edges"`
}

// Snapshot returns a serializable copy of the graph.
func (g *Graph) Snapshot() Snapshot {
	return Snapshot{
		Module:    g.module,
		StartMode: g.start,
		Modes:     g.Modes(),
		Nodes:     g.Nodes(),
		Edges:     g.Edges(),
	}
}

// WriteDOT writes the graph in Graphviz format, one cluster per mode.
// Mode-switch links are dashed; join nodes are bold.
func (g *Graph) WriteDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "digraph %q {\n", g.module)
	fmt.Fprintln(bw, "  rankdir=LR;")
	fmt.Fprintln(bw, "  node [shape=box, style=rounded];")

	for i, m := range g.modes {
		fmt.Fprintf(bw, "\n  subgraph cluster_%d {\n", i)
		fmt.Fprintf(bw, "    label=%q;\n", fmt.Sprintf("%s (%s)", m.Name, m.Period))
		for _, n := range g.nodes {
			if n.Action.Mode != m.Name {
				continue
			}
			label := fmt.Sprintf("%s\\n%s @%s", n.Action.Kind, n.Action.Subject, n.Action.Time)
			attrs := fmt.Sprintf("label=%q", label)
			if g.IsJoin(n.ID) {
				attrs += `, style="rounded,bold"`
			}
			fmt.Fprintf(bw, "    n%d [%s];\n", n.ID, attrs)
		}
		fmt.Fprintln(bw, "  }")
	}

	fmt.Fprintln(bw)
	for _, e := range g.Edges() {
		switch {
		case e.Switch:
			fmt.Fprintf(bw, "  n%d -> n%d [style=dashed];\n", e.From, e.To)
		case e.Delta > 0:
			fmt.Fprintf(bw, "  n%d -> n%d [label=%q];\n", e.From, e.To, "+"+e.Delta.String())
		default:
			fmt.Fprintf(bw, "  n%d -> n%d;\n", e.From, e.To)
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}
