package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/ripleyk/conclave/internal/catalog"
	"github.com/ripleyk/conclave/internal/model"
)

// Dispatcher is the injected submission capability for a single block: it
// sends a circuit id plus gathered inputs to the external network and returns
// the block's named outputs.
type Dispatcher interface {
	Dispatch(ctx context.Context, circuitID string, inputs map[string]any) (map[string]any, error)
}

// Options controls one execution.
type Options struct {
	// Encrypted marks the payload as opaque ciphertext. Per-field seeding is
	// skipped and the whole payload is forwarded to the first block dispatch.
	Encrypted bool
	// Payload is the opaque ciphertext for encrypted executions.
	Payload []byte
}

// Result is what one completed execution produced.
type Result struct {
	Outputs  map[string]any        `json:"outputs"`
	Steps    []model.ExecutionStep `json:"steps"`
	Duration time.Duration         `json:"duration"`
}

// Engine walks a validated schedule and executes each block node against the
// injected dispatcher, resolving every node's effective inputs from its static
// config and its incoming edges.
type Engine struct {
	registry   *catalog.Registry
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewEngine creates an execution engine.
func NewEngine(reg *catalog.Registry, d Dispatcher, logger *slog.Logger) *Engine {
	return &Engine{registry: reg, dispatcher: d, logger: logger}
}

// Execute validates, schedules, and runs the graph. The first block failure
// aborts the remaining schedule; no partial continuation happens after an
// error.
func (e *Engine) Execute(ctx context.Context, g *model.PipelineDefinition, inputs map[string]any, opts Options) (*Result, error) {
	if err := Validate(g, e.registry); err != nil {
		return nil, err
	}
	order, err := Schedule(g)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]model.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.ID] = n
	}
	incoming := make(map[string][]model.Edge)
	for _, edge := range g.Edges {
		incoming[edge.Target] = append(incoming[edge.Target], edge)
	}

	ec := newExecContext()

	// Plaintext mode seeds each input node's external value. Encrypted mode
	// seeds nothing: the ciphertext travels whole to the first block.
	if !opts.Encrypted {
		for _, n := range g.Nodes {
			if n.Kind != model.NodeInput {
				continue
			}
			field := n.FieldName()
			if field == "" {
				continue
			}
			if v, ok := inputs[field]; ok {
				ec.set(n.ID, "value", coerceNumeric(v))
			}
		}
	}

	start := time.Now()
	var steps []model.ExecutionStep
	payloadPending := opts.Encrypted

	for _, id := range order {
		n := nodes[id]
		if n.Kind != model.NodeBlock {
			continue
		}

		desc, err := e.registry.Get(n.BlockID)
		if err != nil {
			// Validate already checked catalog membership; this only fires
			// if the graph mutated underneath us.
			return nil, &BlockExecutionError{NodeID: n.ID, BlockID: n.BlockID, Err: err}
		}

		gathered := e.gatherInputs(n, incoming[n.ID], nodes, ec)
		if payloadPending {
			gathered["ciphertext"] = opts.Payload
			payloadPending = false
		}

		stepStart := time.Now()
		outputs, err := e.dispatcher.Dispatch(ctx, desc.CircuitID, gathered)
		stepDur := int(time.Since(stepStart).Milliseconds())

		if err != nil {
			steps = append(steps, model.ExecutionStep{
				NodeID:     n.ID,
				BlockID:    n.BlockID,
				Inputs:     gathered,
				DurationMS: stepDur,
				Status:     model.StatusFailed,
				Error:      err.Error(),
			})
			e.logger.Error("block dispatch failed",
				"node_id", n.ID,
				"block_id", n.BlockID,
				"circuit_id", desc.CircuitID,
				"error", err,
			)
			return &Result{Steps: steps, Duration: time.Since(start)},
				&BlockExecutionError{NodeID: n.ID, BlockID: n.BlockID, Err: err}
		}

		for name, v := range outputs {
			ec.set(n.ID, name, v)
		}
		steps = append(steps, model.ExecutionStep{
			NodeID:     n.ID,
			BlockID:    n.BlockID,
			Inputs:     gathered,
			Outputs:    outputs,
			DurationMS: stepDur,
			Status:     model.StatusCompleted,
		})
	}

	final := e.collectOutputs(g, nodes, incoming, ec)

	return &Result{
		Outputs:  final,
		Steps:    steps,
		Duration: time.Since(start),
	}, nil
}

// gatherInputs merges a block node's static config (minus reserved builder
// keys) with values pulled from each incoming edge.
func (e *Engine) gatherInputs(n model.Node, edges []model.Edge, nodes map[string]model.Node, ec *execContext) map[string]any {
	gathered := make(map[string]any)
	for k, v := range n.Config {
		if k == model.ConfigKeyLabel || k == model.ConfigKeyBlockID {
			continue
		}
		gathered[k] = coerceNumeric(v)
	}

	for _, edge := range edges {
		src, ok := nodes[edge.Source]
		if !ok {
			continue
		}

		sourceKey := edge.SourceHandle
		if sourceKey == "" {
			if src.Kind == model.NodeInput {
				sourceKey = "value"
			} else {
				sourceKey = "result"
			}
		}

		targetName := edge.TargetHandle
		if targetName == "" {
			if src.Kind == model.NodeInput && src.FieldName() != "" {
				targetName = src.FieldName()
			} else {
				targetName = "value"
			}
		}

		if v, found := ec.get(src.ID, sourceKey); found {
			gathered[targetName] = coerceNumeric(v)
		}
	}

	return gathered
}

// collectOutputs publishes each output node's resolved upstream value under
// its configured field name. Output nodes with no resolvable upstream value
// are omitted rather than failing the run.
func (e *Engine) collectOutputs(g *model.PipelineDefinition, nodes map[string]model.Node, incoming map[string][]model.Edge, ec *execContext) map[string]any {
	final := make(map[string]any)
	for _, n := range g.Nodes {
		if n.Kind != model.NodeOutput {
			continue
		}

		field := n.FieldName()
		if field == "" {
			field = n.ID
		}

		for _, edge := range incoming[n.ID] {
			src, ok := nodes[edge.Source]
			if !ok {
				continue
			}
			sourceKey := edge.SourceHandle
			if sourceKey == "" {
				if src.Kind == model.NodeInput {
					sourceKey = "value"
				} else {
					sourceKey = "result"
				}
			}
			if v, found := ec.get(src.ID, sourceKey); found {
				final[field] = v
				break
			}
		}
	}
	return final
}

var numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// coerceNumeric converts digit-like strings to float64 so that block inputs
// behave the same whether a value arrived from a client form field or from an
// upstream block output. Applied uniformly at every input-gathering site.
func coerceNumeric(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if !numericPattern.MatchString(s) {
		return v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return v
	}
	return f
}

