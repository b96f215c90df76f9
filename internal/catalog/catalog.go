// Package catalog holds the static registry of computation block descriptors.
// The catalog is loaded once at process start and never mutated; unknown block
// ids surface as typed errors at graph-validation time.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed blocks.yaml
var defaultCatalog []byte

// InputSpec describes one named input port of a block.
type InputSpec struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required" json:"required"`
}

// OutputSpec describes one named output port of a block.
type OutputSpec struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// BlockDescriptor is one immutable catalog entry.
type BlockDescriptor struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Category    string       `yaml:"category" json:"category"`
	CircuitID   string       `yaml:"circuit_id" json:"circuit_id"`
	Inputs      []InputSpec  `yaml:"inputs" json:"inputs"`
	Outputs     []OutputSpec `yaml:"outputs" json:"outputs"`
	CreditCost  int64        `yaml:"credit_cost" json:"credit_cost"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
}

// UnknownBlockError is returned when a pipeline references a block id that is
// not in the catalog.
type UnknownBlockError struct {
	BlockID string
}

func (e *UnknownBlockError) Error() string {
	return fmt.Sprintf("unknown block %q", e.BlockID)
}

// Registry is the immutable block catalog. It is safe for concurrent use
// because it is never written after construction.
type Registry struct {
	byID  map[string]BlockDescriptor
	order []string
}

type catalogFile struct {
	Blocks []BlockDescriptor `yaml:"blocks"`
}

// New builds a registry from raw YAML catalog bytes.
func New(data []byte) (*Registry, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse block catalog: %w", err)
	}
	if len(f.Blocks) == 0 {
		return nil, fmt.Errorf("block catalog is empty")
	}

	r := &Registry{byID: make(map[string]BlockDescriptor, len(f.Blocks))}
	for _, b := range f.Blocks {
		if b.ID == "" {
			return nil, fmt.Errorf("block catalog entry missing id")
		}
		if b.CircuitID == "" {
			return nil, fmt.Errorf("block %q missing circuit_id", b.ID)
		}
		if _, dup := r.byID[b.ID]; dup {
			return nil, fmt.Errorf("duplicate block id %q", b.ID)
		}
		r.byID[b.ID] = b
		r.order = append(r.order, b.ID)
	}
	return r, nil
}

// LoadDefault builds the registry from the embedded catalog.
func LoadDefault() (*Registry, error) {
	return New(defaultCatalog)
}

// LoadFile builds the registry from a catalog file on disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read block catalog: %w", err)
	}
	return New(data)
}

// Get returns the descriptor for the given block id.
func (r *Registry) Get(id string) (BlockDescriptor, error) {
	b, ok := r.byID[id]
	if !ok {
		return BlockDescriptor{}, &UnknownBlockError{BlockID: id}
	}
	return b, nil
}

// Has reports whether a block id exists in the catalog.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// List returns all descriptors in catalog order.
func (r *Registry) List() []BlockDescriptor {
	out := make([]BlockDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
