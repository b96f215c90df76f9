package pipeline

import (
	"fmt"

	"github.com/ripleyk/conclave/internal/catalog"
	"github.com/ripleyk/conclave/internal/model"
)

// Validate checks a pipeline graph for structural problems against the block
// catalog. It runs synchronously at submission time so that invalid graphs
// never reach a worker or cause an external call.
func Validate(g *model.PipelineDefinition, reg *catalog.Registry) error {
	if g == nil || len(g.Nodes) == 0 {
		return &ValidationError{Reason: "graph has no nodes"}
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return &ValidationError{Reason: "node with empty id"}
		}
		if seen[n.ID] {
			return &ValidationError{Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		seen[n.ID] = true

		switch n.Kind {
		case model.NodeInput, model.NodeOutput:
		case model.NodeBlock:
			if n.BlockID == "" {
				return &ValidationError{Reason: fmt.Sprintf("block node %q has no block id", n.ID)}
			}
			if !reg.Has(n.BlockID) {
				return &ValidationError{Reason: fmt.Sprintf("node %q references unknown block %q", n.ID, n.BlockID)}
			}
		default:
			return &ValidationError{Reason: fmt.Sprintf("node %q has unknown kind %q", n.ID, n.Kind)}
		}
	}

	for _, e := range g.Edges {
		if !seen[e.Source] {
			return &ValidationError{Reason: fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.Source)}
		}
		if !seen[e.Target] {
			return &ValidationError{Reason: fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.Target)}
		}
	}

	// A cycle is a validation failure too; Schedule reports which nodes
	// could not be ordered.
	if _, err := Schedule(g); err != nil {
		return err
	}

	return nil
}
