package pipeline

import "github.com/ripleyk/conclave/internal/model"

// Schedule produces a deterministic topological execution order for the graph
// using Kahn's algorithm. Nodes with equal in-degree come out in the order
// they were discovered (FIFO ready queue), so a fixed node/edge list always
// yields the same schedule.
//
// If the graph contains a cycle, a CycleError naming the unordered nodes is
// returned and no partial order is handed out.
func Schedule(g *model.PipelineDefinition) ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	successors := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		successors[e.Source] = append(successors[e.Source], e.Target)
		inDegree[e.Target]++
	}

	// Seed with zero-in-degree nodes in declaration order.
	var ready []string
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, succ := range successors[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(order) < len(g.Nodes) {
		ordered := make(map[string]bool, len(order))
		for _, id := range order {
			ordered[id] = true
		}
		var remaining []string
		for _, n := range g.Nodes {
			if !ordered[n.ID] {
				remaining = append(remaining, n.ID)
			}
		}
		return nil, &CycleError{Remaining: remaining}
	}

	return order, nil
}
