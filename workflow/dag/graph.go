// Package dag provides the directed acyclic graph used to order tasks inside a
// workflow state. Nodes are identified by name and keep their insertion order so
// that phasing is deterministic.
package dag

import (
	"errors"
	"fmt"
)

// Graph errors.
var (
	// ErrCycle is returned when the graph contains a cycle.
	ErrCycle = errors.New("graph contains a cycle")

	// ErrUnknownNode is returned when an edge references a node that was never added.
	ErrUnknownNode = errors.New("unknown node")
)

// Graph is a directed graph of named nodes. Edges point from parent to child.
// Graph is not safe for concurrent mutation; definitions are built once and
// then only read.
type Graph struct {
	order    []string
	index    map[string]int
	parents  map[string][]string
	children map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		index:    make(map[string]int),
		parents:  make(map[string][]string),
		children: make(map[string][]string),
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.index[id]; ok {
		return
	}
	g.index[id] = len(g.order)
	g.order = append(g.order, id)
}

// AddEdge adds an edge from parent to child. Both nodes must exist and
// duplicate edges are ignored.
func (g *Graph) AddEdge(parent, child string) error {
	if !g.Has(parent) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, parent)
	}
	if !g.Has(child) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, child)
	}
	if parent == child {
		return fmt.Errorf("%w: %s depends on itself", ErrCycle, child)
	}
	for _, p := range g.parents[child] {
		if p == parent {
			return nil
		}
	}
	g.parents[child] = append(g.parents[child], parent)
	g.children[parent] = append(g.children[parent], child)
	return nil
}

// Has reports whether the node exists.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Parents returns the direct predecessors of id in the order they were added.
func (g *Graph) Parents(id string) []string {
	return append([]string(nil), g.parents[id]...)
}

// Roots returns nodes with no parents, in insertion order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Sinks returns nodes with no children, in insertion order.
func (g *Graph) Sinks() []string {
	var sinks []string
	for _, id := range g.order {
		if len(g.children[id]) == 0 {
			sinks = append(sinks, id)
		}
	}
	return sinks
}

// Validate checks that the graph is acyclic.
func (g *Graph) Validate() error {
	_, err := g.Generations()
	return err
}

// Generations computes the topological generations of the graph using Kahn's
// algorithm: every peel of zero in-degree nodes is one generation. Nodes within
// a generation keep insertion order.
func (g *Graph) Generations() ([][]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.parents[id])
	}

	var current []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var generations [][]string
	processed := 0
	for len(current) > 0 {
		generations = append(generations, current)
		processed += len(current)

		released := make(map[string]bool)
		for _, id := range current {
			for _, child := range g.children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					released[child] = true
				}
			}
		}

		var next []string
		for _, id := range g.order {
			if released[id] {
				next = append(next, id)
			}
		}
		current = next
	}

	if processed != len(g.order) {
		return nil, fmt.Errorf("%w: %d nodes could not be ordered", ErrCycle, len(g.order)-processed)
	}
	return generations, nil
}
