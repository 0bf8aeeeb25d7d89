// Package graph provides the pure analysis functions the orchestrator runs
// over a workflow graph before and during execution:
//
//   - Cycle detection (three-color depth-first search)
//   - Deterministic topological ordering (Kahn's algorithm)
//   - Dependency map construction for dependency-gated scheduling
//
// All functions are deterministic and side-effect-free.
package graph

import (
	"strings"

	"github.com/weftworks/weft/pkg/domain"
)

// visitation colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current DFS stack
	black        // fully explored
)

// DetectCycles reports whether the graph contains a directed cycle. Every
// component is visited, including nodes disconnected from the rest of the
// graph. Edges that reference unknown nodes are ignored here; ValidateEdges
// rejects them separately.
func DetectCycles(nodes []domain.Node, edges []domain.Edge) bool {
	adjacency := buildAdjacency(nodes, edges)

	colors := make(map[string]int, len(nodes))
	for _, n := range nodes {
		colors[n.ID] = white
	}

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, next := range adjacency[id] {
			switch colors[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for _, n := range nodes {
		if colors[n.ID] == white && visit(n.ID) {
			return true
		}
	}
	return false
}

// TopologicalSort returns the node IDs ordered so that every edge source
// precedes its target, using Kahn's algorithm. Ties are broken by the
// node's position in the input slice, so the result is stable across runs.
// A GraphError is returned when the graph is cyclic or an edge references
// a node that does not exist.
func TopologicalSort(nodes []domain.Node, edges []domain.Edge) ([]string, error) {
	if err := ValidateEdges(nodes, edges); err != nil {
		return nil, err
	}

	adjacency := buildAdjacency(nodes, edges)

	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = 0
	}
	for _, targets := range adjacency {
		for _, target := range targets {
			inDegree[target]++
		}
	}

	// Seed with the roots in input order, then keep the queue ordered by
	// discovery so ties resolve deterministically.
	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	sorted := make([]string, 0, len(nodes))
	position := nodePositions(nodes)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		released := make([]string, 0, len(adjacency[id]))
		for _, next := range adjacency[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				released = append(released, next)
			}
		}
		queue = append(queue, orderByPosition(released, position)...)
	}

	if len(sorted) != len(nodes) {
		return nil, domain.NewGraphError("cyclic graph: ordered %d of %d nodes", len(sorted), len(nodes))
	}
	return sorted, nil
}

// BuildDependencyMap returns, for each node, the distinct source IDs of its
// incoming edges in edge input order. Every node appears as a key, roots
// with an empty list.
func BuildDependencyMap(nodes []domain.Node, edges []domain.Edge) map[string][]string {
	deps := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		deps[n.ID] = []string{}
	}

	seen := make(map[string]map[string]bool, len(nodes))
	for _, e := range edges {
		if _, known := deps[e.Target]; !known {
			continue
		}
		if seen[e.Target] == nil {
			seen[e.Target] = make(map[string]bool)
		}
		if seen[e.Target][e.Source] {
			continue
		}
		seen[e.Target][e.Source] = true
		deps[e.Target] = append(deps[e.Target], e.Source)
	}
	return deps
}

// ValidateEdges rejects edges whose source or target is not a known node.
func ValidateEdges(nodes []domain.Node, edges []domain.Edge) error {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}

	var missing []string
	for _, e := range edges {
		if !known[e.Source] {
			missing = append(missing, e.Source)
		}
		if !known[e.Target] {
			missing = append(missing, e.Target)
		}
	}
	if len(missing) > 0 {
		return domain.NewGraphError("edges reference unknown nodes: %s", strings.Join(missing, ", "))
	}
	return nil
}

// buildAdjacency maps each node to its direct successors in edge input
// order. Duplicate edges are collapsed so in-degree counting stays correct.
func buildAdjacency(nodes []domain.Node, edges []domain.Edge) map[string][]string {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}

	adjacency := make(map[string][]string, len(nodes))
	seen := make(map[domain.Edge]bool, len(edges))
	for _, e := range edges {
		if !known[e.Source] || !known[e.Target] || seen[e] {
			continue
		}
		seen[e] = true
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}
	return adjacency
}

func nodePositions(nodes []domain.Node) map[string]int {
	position := make(map[string]int, len(nodes))
	for i, n := range nodes {
		position[n.ID] = i
	}
	return position
}

// orderByPosition sorts a small batch of released node IDs by their input
// position. Batches are tiny (fan-out of one node) so insertion sort is
// plenty.
func orderByPosition(ids []string, position map[string]int) []string {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && position[ids[j]] < position[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
