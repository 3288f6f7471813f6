package parser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/me/tdl/pkg/model"
)

// DAGResult holds the dependency order of a mode's fast tasks.
type DAGResult struct {
	// Edges maps each fast task to the fast tasks it reads from.
	Edges map[string][]string
	// Order is a topological order of the fast tasks.
	Order []string
}

// BuildDAG orders the fast (zero-LET) tasks of a mode by their task-to-task
// connections using Kahn's algorithm. Fast tasks publish their outputs at
// their invocation instant, so a connection cycle among them can never be
// satisfied and is reported as an error.
//
// Input "filter.out" on task "ctrl" creates an edge filter -> ctrl when both
// are fast. Sensor inputs and connections to LET tasks create no edges.
func BuildDAG(mode *model.Mode) (*DAGResult, error) {
	fast := make(map[string]bool)
	for _, t := range mode.Tasks {
		if t.Fast {
			fast[t.Name] = true
		}
	}

	forward := make(map[string][]string, len(fast))
	deps := make(map[string][]string, len(fast))
	inDegree := make(map[string]int, len(fast))
	for id := range fast {
		inDegree[id] = 0
	}

	for _, t := range mode.Tasks {
		if !fast[t.Name] {
			continue
		}
		seen := make(map[string]bool)
		for _, in := range t.Inputs {
			dep, _ := model.PortSource(in.From)
			if dep == "" || !fast[dep] || seen[dep] {
				continue
			}
			if dep == t.Name {
				return nil, fmt.Errorf("mode %s contains a fast task cycle involving: %s", mode.Name, dep)
			}
			seen[dep] = true
			forward[dep] = append(forward[dep], t.Name)
			deps[t.Name] = append(deps[t.Name], dep)
			inDegree[t.Name]++
		}
	}

	for id := range deps {
		sort.Strings(deps[id])
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		successors := forward[node]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(fast) {
		var cycle []string
		for id, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("mode %s contains a fast task cycle involving: %s",
			mode.Name, strings.Join(cycle, ", "))
	}

	return &DAGResult{Edges: deps, Order: order}, nil
}
