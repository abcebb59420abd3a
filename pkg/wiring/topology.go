package wiring

import (
	"fmt"
	"strings"
)

// Topology is the stage layout of a graph. Stage 0 holds the elements no
// wire feeds; every other element sits one stage after its latest feeder.
// Elements on a feedback loop cannot be staged and are listed in Feedback
// instead.
type Topology struct {
	Stages   [][]ElementKey
	Feedback []ElementKey
	// Cycle is one feedback loop, first element repeated at the end.
	Cycle []ElementKey

	edges []edge
}

type edge struct {
	from, to Endpoint
}

// Topology computes the stage layout of g. Elements keep their first-seen
// order within a stage.
func (g *Graph) Topology() *Topology {
	keys := g.Elements()
	next := make(map[ElementKey][]ElementKey)
	inDegree := make(map[ElementKey]int, len(keys))
	t := &Topology{}

	for _, grp := range g.Groups {
		src := grp.Source.Key()
		for _, dst := range grp.Destinations {
			t.edges = append(t.edges, edge{from: grp.Source, to: dst})
			next[src] = append(next[src], dst.Key())
			inDegree[dst.Key()]++
		}
	}

	remaining := make(map[ElementKey]int, len(inDegree))
	for k, d := range inDegree {
		remaining[k] = d
	}
	var current []ElementKey
	for _, k := range keys {
		if remaining[k] == 0 {
			current = append(current, k)
		}
	}

	staged := make(map[ElementKey]bool, len(keys))
	for len(current) > 0 {
		t.Stages = append(t.Stages, current)
		var following []ElementKey
		for _, k := range current {
			staged[k] = true
			for _, n := range next[k] {
				remaining[n]--
				if remaining[n] == 0 {
					following = append(following, n)
				}
			}
		}
		current = following
	}

	for _, k := range keys {
		if !staged[k] {
			t.Feedback = append(t.Feedback, k)
		}
	}
	if len(t.Feedback) > 0 {
		t.Cycle = findCycle(t.Feedback, next)
	}
	return t
}

// findCycle walks from the first feedback element until it revisits an
// element on the current path.
func findCycle(start []ElementKey, next map[ElementKey][]ElementKey) []ElementKey {
	visited := make(map[ElementKey]bool)
	onPath := make(map[ElementKey]bool)
	var path []ElementKey

	var visit func(k ElementKey) []ElementKey
	visit = func(k ElementKey) []ElementKey {
		visited[k] = true
		onPath[k] = true
		path = append(path, k)
		for _, n := range next[k] {
			if onPath[n] {
				for i, p := range path {
					if p == n {
						cycle := append([]ElementKey{}, path[i:]...)
						return append(cycle, n)
					}
				}
			}
			if !visited[n] {
				if c := visit(n); c != nil {
					return c
				}
			}
		}
		onPath[k] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, k := range start {
		if !visited[k] {
			if c := visit(k); c != nil {
				return c
			}
		}
	}
	return nil
}

// Cyclic reports whether the graph has a feedback loop.
func (t *Topology) Cyclic() bool {
	return len(t.Feedback) > 0
}

// FormatCycle renders the cycle as "a -> b -> a".
func (t *Topology) FormatCycle() string {
	parts := make([]string, len(t.Cycle))
	for i, k := range t.Cycle {
		parts[i] = k.String()
	}
	return strings.Join(parts, " -> ")
}

// DOT renders the topology for Graphviz. label names an element; nil
// uses ElementKey.String.
func (t *Topology) DOT(label func(ElementKey) string) string {
	if label == nil {
		label = ElementKey.String
	}
	var sb strings.Builder

	sb.WriteString("digraph Wiring {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for stage, keys := range t.Stages {
		fmt.Fprintf(&sb, "  subgraph cluster_stage_%d {\n", stage)
		fmt.Fprintf(&sb, "    label=\"Stage %d\";\n", stage)
		sb.WriteString("    style=dashed;\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "    %q [label=%q];\n", k.String(), label(k))
		}
		sb.WriteString("  }\n\n")
	}
	if len(t.Feedback) > 0 {
		sb.WriteString("  subgraph cluster_feedback {\n")
		sb.WriteString("    label=\"Feedback\";\n")
		sb.WriteString("    style=dashed;\n")
		for _, k := range t.Feedback {
			fmt.Fprintf(&sb, "    %q [label=%q, fillcolor=\"lightcoral\", style=\"filled,rounded\"];\n", k.String(), label(k))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range t.edges {
		fmt.Fprintf(&sb, "  %q -> %q [taillabel=\"%d\", headlabel=\"%d\"];\n",
			e.from.Key().String(), e.to.Key().String(), e.from.Port, e.to.Port)
	}

	sb.WriteString("}\n")
	return sb.String()
}
