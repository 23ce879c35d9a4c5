// Package graph builds the check dependency graph, rejects cycles and
// unknown dependencies, and groups checks into execution waves.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/visor-run/visor/config"
)

// Validation errors. Both are load-time failures; no checks run.
var (
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
)

// ErrInternal flags an invariant violation inside the planner. The engine
// aborts the run when it surfaces.
var ErrInternal = errors.New("internal graph error")

// Node is one check in the dependency graph.
type Node struct {
	ID         string
	DependsOn  []string
	Dependents []string
	Depth      int
}

// Graph is the built dependency graph with precomputed execution waves.
type Graph struct {
	Nodes map[string]*Node
	// Waves groups check ids by depth: wave i contains every check whose
	// dependencies are satisfied by waves 0..i-1. Ids inside a wave are
	// sorted for determinism.
	Waves [][]string
}

// Build constructs and validates the graph for the given checks.
func Build(checks map[string]*config.CheckSpec) (*Graph, error) {
	g := &Graph{Nodes: map[string]*Node{}}
	for id, spec := range checks {
		g.Nodes[id] = &Node{ID: id, DependsOn: append([]string(nil), spec.DependsOn...)}
	}
	for id, node := range g.Nodes {
		for _, dep := range node.DependsOn {
			parent, ok := g.Nodes[dep]
			if !ok {
				return nil, fmt.Errorf("%w: check %q depends on %q", ErrUnknownDependency, id, dep)
			}
			parent.Dependents = append(parent.Dependents, id)
		}
	}
	for _, node := range g.Nodes {
		sort.Strings(node.Dependents)
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
	}
	if err := g.plan(); err != nil {
		return nil, err
	}
	return g, nil
}

// findCycle runs DFS with a recursion stack and returns the participating
// ids of the first cycle found, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.Nodes[id].DependsOn {
			switch color[dep] {
			case gray:
				// Found the back edge; slice the stack from dep onward.
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
				cycle = []string{dep, id, dep}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// plan assigns depths and groups nodes into waves via Kahn's algorithm.
// Empty waves are impossible on acyclic inputs; encountering one is an
// invariant violation.
func (g *Graph) plan() error {
	indegree := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		indegree[id] = len(node.DependsOn)
	}
	remaining := len(g.Nodes)
	depth := 0
	for remaining > 0 {
		var wave []string
		for id, deg := range indegree {
			if deg == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return fmt.Errorf("%w: empty wave with %d checks remaining", ErrInternal, remaining)
		}
		sort.Strings(wave)
		for _, id := range wave {
			g.Nodes[id].Depth = depth
			delete(indegree, id)
			for _, dep := range g.Nodes[id].Dependents {
				if _, ok := indegree[dep]; ok {
					indegree[dep]--
				}
			}
		}
		g.Waves = append(g.Waves, wave)
		remaining -= len(wave)
		depth++
	}
	return nil
}

// DirectDependents returns the immediate dependents of a check.
func (g *Graph) DirectDependents(id string) []string {
	if node, ok := g.Nodes[id]; ok {
		return append([]string(nil), node.Dependents...)
	}
	return nil
}

// IsAncestor reports whether ancestor is reachable from id by following
// depends_on edges.
func (g *Graph) IsAncestor(ancestor, id string) bool {
	node, ok := g.Nodes[id]
	if !ok {
		return false
	}
	seen := map[string]bool{}
	queue := append([]string(nil), node.DependsOn...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == ancestor {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if n, ok := g.Nodes[cur]; ok {
			queue = append(queue, n.DependsOn...)
		}
	}
	return false
}

// IsDescendant reports whether target is a transitive dependent of id.
func (g *Graph) IsDescendant(target, id string) bool {
	return g.IsAncestor(id, target)
}

// Subgraph returns the ids reachable from roots by following dependents,
// including the roots, in wave order. Used for forward-running after goto.
func (g *Graph) Subgraph(roots []string) []string {
	seen := map[string]bool{}
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, g.DirectDependents(cur)...)
	}
	var out []string
	for _, wave := range g.Waves {
		for _, id := range wave {
			if seen[id] {
				out = append(out, id)
			}
		}
	}
	return out
}
