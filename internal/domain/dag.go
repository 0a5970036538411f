package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCyclicDAG is returned by Validate when the edge set contains a cycle.
var ErrCyclicDAG = errors.New("domain: cyclic dependency graph")

// ErrDanglingEdge is returned by Validate when an edge references a node
// that does not exist in the graph.
var ErrDanglingEdge = errors.New("domain: edge references unknown node")

// ErrDuplicateNode is returned by Validate when two nodes share an id.
var ErrDuplicateNode = errors.New("domain: duplicate node id")

// Validate checks that every edge endpoint exists, node ids are unique, and
// the graph is acyclic. It never mutates d.
func (d DAG) Validate() error {
	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range d.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("%w: %s (source)", ErrDanglingEdge, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("%w: %s (target)", ErrDanglingEdge, e.Target)
		}
	}
	return d.checkAcyclic()
}

// color marks a node as unvisited, in-progress, or done during the DFS
// cycle check.
type color int

const (
	white color = iota
	gray
	black
)

// checkAcyclic performs a DFS with three-way coloring, reporting the cycle
// path (as node ids joined by " -> ") when one is found.
func (d DAG) checkAcyclic() error {
	adj := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	colors := make(map[string]color, len(d.Nodes))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		path = append(path, id)
		for _, next := range adj[id] {
			switch colors[next] {
			case gray:
				cyclePath := append(append([]string(nil), path...), next)
				return fmt.Errorf("%w: %s", ErrCyclicDAG, strings.Join(cyclePath, " -> "))
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		colors[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, n := range d.Nodes {
		if colors[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// DependenciesFor returns the ids of nodes that id directly depends on.
func (d DAG) DependenciesFor(id string) []string {
	var deps []string
	for _, e := range d.Edges {
		if e.Target == id {
			deps = append(deps, e.Source)
		}
	}
	return deps
}

// NodeByID returns the node with the given id, if present.
func (d DAG) NodeByID(id string) (Task, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Task{}, false
}

// TopoWaves returns nodes grouped into dependency waves using Kahn's
// algorithm: wave 0 has no dependencies, wave k depends only on waves < k.
// Used wherever an execution order (not just an acyclicity check) is
// needed, distinct from Validate's DFS-based cycle detection.
func (d DAG) TopoWaves() ([][]string, error) {
	indegree := make(map[string]int, len(d.Nodes))
	adj := make(map[string][]string, len(d.Nodes))
	for _, n := range d.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		indegree[e.Target]++
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	var waves [][]string
	remaining := len(d.Nodes)
	current := make([]string, 0)
	for _, n := range d.Nodes {
		if indegree[n.ID] == 0 {
			current = append(current, n.ID)
		}
	}
	for len(current) > 0 {
		waves = append(waves, current)
		remaining -= len(current)
		var next []string
		for _, id := range current {
			for _, dep := range adj[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	if remaining > 0 {
		return nil, ErrCyclicDAG
	}
	return waves, nil
}
