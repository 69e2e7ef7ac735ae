package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds a directed acyclic graph from identified nodes and their dependencies.
// Ordering is stable: whenever several nodes are ready, the one added first wins.
type DAGBuilder struct {
	// ids holds node IDs in insertion order
	ids []string

	// index maps node IDs to their insertion position
	index map[string]int

	// dependencies maps node IDs to the nodes they depend on
	dependencies map[string][]string

	// dependents maps node IDs to the nodes that depend on them
	dependents map[string][]string
}

// Graph is the result of a successful DAG build.
type Graph struct {
	// Order is a topological order of all nodes.
	Order []string

	// Levels groups nodes that can run concurrently; level 0 has no dependencies.
	Levels [][]string

	// Level maps each node to its level.
	Level map[string]int

	// Edges lists dependency edges as (dependency, dependent) pairs.
	Edges [][2]string
}

// Depth returns the number of levels in the graph.
func (g *Graph) Depth() int {
	return len(g.Levels)
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		ids:          make([]string, 0),
		index:        make(map[string]int),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}
}

// AddNode registers a node and the IDs it depends on.
func (b *DAGBuilder) AddNode(id string, deps ...string) error {
	if id == "" {
		return NewValidationError("graph node has empty ID", nil)
	}
	if _, exists := b.index[id]; exists {
		return NewValidationError(fmt.Sprintf("duplicate graph node ID: %s", id), nil)
	}
	b.index[id] = len(b.ids)
	b.ids = append(b.ids, id)
	b.dependencies[id] = append([]string(nil), deps...)
	return nil
}

// Build validates dependencies, detects cycles and computes a stable order and levels.
func (b *DAGBuilder) Build() (*Graph, error) {
	b.dependents = make(map[string][]string, len(b.ids))
	edges := make([][2]string, 0)
	for _, id := range b.ids {
		for _, dep := range b.dependencies[id] {
			if _, ok := b.index[dep]; !ok {
				return nil, NewValidationError(
					fmt.Sprintf("node %s depends on non-existent node %s", id, dep), nil,
				).WithResource(id)
			}
			b.dependents[dep] = append(b.dependents[dep], id)
			edges = append(edges, [2]string{dep, id})
		}
	}

	if cycle := b.findCycle(); cycle != nil {
		return nil, NewPlanningError(fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)))
	}

	order := b.stableOrder()
	level := make(map[string]int, len(order))
	depth := 0
	for _, id := range order {
		l := 0
		for _, dep := range b.dependencies[id] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[id] = l
		if l+1 > depth {
			depth = l + 1
		}
	}

	levels := make([][]string, depth)
	for _, id := range order {
		levels[level[id]] = append(levels[level[id]], id)
	}

	return &Graph{Order: order, Levels: levels, Level: level, Edges: edges}, nil
}

// findCycle runs a depth-first search in insertion order and returns the first cycle found.
func (b *DAGBuilder) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(b.ids))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		path = append(path, id)
		for _, dep := range b.dependencies[id] {
			switch state[dep] {
			case visiting:
				for i, p := range path {
					if p == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, id := range b.ids {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// stableOrder is Kahn's algorithm picking the lowest insertion index among ready nodes.
func (b *DAGBuilder) stableOrder() []string {
	inDegree := make(map[string]int, len(b.ids))
	for _, id := range b.ids {
		inDegree[id] = len(b.dependencies[id])
	}

	ready := make([]int, 0)
	for _, id := range b.ids {
		if inDegree[id] == 0 {
			ready = append(ready, b.index[id])
		}
	}

	order := make([]string, 0, len(b.ids))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := b.ids[ready[0]]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range b.dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, b.index[dependent])
			}
		}
	}
	return order
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT(name string, label func(id string) string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("digraph %q {\n", name))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box];\n")
	for _, id := range g.Order {
		text := id
		if label != nil {
			text = label(id)
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q];\n", id, text))
	}
	for _, e := range g.Edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", e[0], e[1]))
	}
	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
