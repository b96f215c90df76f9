package model

// Node kind constants.
const (
	NodeInput  = "input"
	NodeOutput = "output"
	NodeBlock  = "block"
)

// Reserved node config keys that carry builder metadata rather than block
// inputs. They are stripped before input gathering.
const (
	ConfigKeyLabel   = "label"
	ConfigKeyBlockID = "blockId"
	ConfigKeyField   = "field"
)

// Position is the builder-canvas placement of a node. The engine ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex of a pipeline graph.
type Node struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	BlockID  string         `json:"block_id,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Position Position       `json:"position"`
}

// FieldName returns the node's configured external field name, if any.
// Input and output nodes use it to bind graph boundaries to payload fields.
func (n Node) FieldName() string {
	if n.Config == nil {
		return ""
	}
	if v, ok := n.Config[ConfigKeyField].(string); ok {
		return v
	}
	return ""
}

// Edge is one directed data-flow connection between two nodes.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
}

// PipelineDefinition is a DAG of input, output, and block nodes.
type PipelineDefinition struct {
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
