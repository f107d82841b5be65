package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/corvid-labs/flume/pkg/schema"
)

// CheckAcyclic verifies the graph contains no directed cycles using a
// depth-first traversal with an explicit recursion stack. On failure the
// error message names the nodes forming the cycle.
func (g *Graph) CheckAcyclic() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)

	color := make(map[string]int, len(g.Nodes))
	parent := make(map[string]string, len(g.Nodes))

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		for _, edge := range g.Out[id] {
			next := edge.Target
			switch color[next] {
			case white:
				parent[next] = id
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case gray:
				// Back edge found; walk parents to reconstruct the cycle.
				cycle := []string{next}
				for cur := id; cur != next; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, next)
				reverse(cycle)
				return cycle
			}
		}
		color[id] = black
		return nil
	}

	// Deterministic iteration order keeps error messages stable.
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] != white {
			continue
		}
		if cycle := visit(id); cycle != nil {
			return schema.NewError(schema.ErrCodeCycleDetected,
				fmt.Sprintf("pipeline contains a cycle: %s", strings.Join(cycle, " -> "))).
				WithDetails(map[string]any{"cycle": cycle})
		}
	}
	return nil
}

// Unreachable returns node IDs that cannot be reached from any trigger node,
// sorted for stable output. A graph with no triggers reports nothing since
// reachability is undefined without an entry point.
func (g *Graph) Unreachable() []string {
	if len(g.Triggers) == 0 {
		return nil
	}

	reached := make(map[string]bool, len(g.Nodes))
	queue := make([]string, 0, len(g.Triggers))
	for _, id := range g.Triggers {
		reached[id] = true
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edge := range g.Out[cur] {
			if !reached[edge.Target] {
				reached[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}

	var orphans []string
	for id := range g.Nodes {
		if !reached[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	return orphans
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
