package pipeline

// outputKey addresses one produced value inside a single execution: the node
// that produced it and the output port it came out of.
type outputKey struct {
	nodeID string
	output string
}

// execContext holds the values produced during one pipeline execution. It is
// created per Execute call and discarded when the call returns; nothing in it
// is persisted.
type execContext struct {
	values map[outputKey]any
}

func newExecContext() *execContext {
	return &execContext{values: make(map[outputKey]any)}
}

func (c *execContext) set(nodeID, output string, v any) {
	c.values[outputKey{nodeID: nodeID, output: output}] = v
}

func (c *execContext) get(nodeID, output string) (any, bool) {
	v, ok := c.values[outputKey{nodeID: nodeID, output: output}]
	return v, ok
}
