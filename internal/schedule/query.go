package schedule

// IsJoin reports whether id must be tracked as a join point: a scheduling
// boundary (sensor read, task execution, output write, mode switch or
// after-mode-switch) or a node with more than one incoming edge.
// Every successor of a node is either a join or returned by EventsFollowing.
func (g *Graph) IsJoin(id NodeID) bool {
	return g.nodes[id].Action.Kind.Boundary() || len(g.in[id]) > 1
}

// EventsFollowing returns the nodes reachable from id that depend only on
// their single predecessor and are not scheduling boundaries, in
// depth-first insertion order. Mode-switch links are not followed.
func (g *Graph) EventsFollowing(id NodeID) []NodeID {
	visited := map[NodeID]bool{id: true}
	var out []NodeID
	g.collectFollowing(id, visited, &out)
	return out
}

func (g *Graph) collectFollowing(id NodeID, visited map[NodeID]bool, out *[]NodeID) {
	for _, e := range g.out[id] {
		if e.Switch || visited[e.To] {
			continue
		}
		if g.IsJoin(e.To) {
			continue
		}
		visited[e.To] = true
		*out = append(*out, e.To)
		g.collectFollowing(e.To, visited, out)
	}
}

// NextJoinNodes walks forward from `from` through non-join nodes and returns,
// for every join reached, the predecessor actions still outstanding once
// justFired has completed. Predecessors reached through mode-switch links
// never count: a mode entry is satisfied by the switch alone.
func (g *Graph) NextJoinNodes(justFired, from NodeID) map[NodeID][]Action {
	out := make(map[NodeID][]Action)
	visited := map[NodeID]bool{from: true}
	g.collectJoins(justFired, from, visited, out)
	return out
}

func (g *Graph) collectJoins(justFired, id NodeID, visited map[NodeID]bool, out map[NodeID][]Action) {
	for _, e := range g.out[id] {
		if e.Switch {
			continue
		}
		if g.IsJoin(e.To) {
			if _, seen := out[e.To]; seen {
				continue
			}
			waiting := []Action{}
			for _, p := range g.Predecessors(e.To) {
				if p != justFired {
					waiting = append(waiting, g.nodes[p].Action)
				}
			}
			out[e.To] = waiting
			continue
		}
		if visited[e.To] {
			continue
		}
		visited[e.To] = true
		g.collectJoins(justFired, e.To, visited, out)
	}
}
