package catalog

import (
	"errors"
	"testing"
)

func TestLoadDefault(t *testing.T) {
	r, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}

	b, err := r.Get("add")
	if err != nil {
		t.Fatalf("Get(add): %v", err)
	}
	if b.CircuitID == "" {
		t.Error("add block has no circuit id")
	}
	if len(b.Inputs) != 2 {
		t.Errorf("add inputs = %d, want 2", len(b.Inputs))
	}
	if len(b.Outputs) != 1 || b.Outputs[0].Name != "result" {
		t.Errorf("add outputs = %+v, want single 'result'", b.Outputs)
	}
}

func TestGetUnknownBlock(t *testing.T) {
	r, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}

	_, err = r.Get("nope")
	var ub *UnknownBlockError
	if !errors.As(err, &ub) {
		t.Fatalf("Get(nope) error = %v, want UnknownBlockError", err)
	}
	if ub.BlockID != "nope" {
		t.Errorf("BlockID = %q, want %q", ub.BlockID, "nope")
	}
}

func TestListPreservesCatalogOrder(t *testing.T) {
	data := []byte(`
blocks:
  - id: zeta
    name: Zeta
    category: test
    circuit_id: c.zeta
  - id: alpha
    name: Alpha
    category: test
    circuit_id: c.alpha
`)
	r, err := New(data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	list := r.List()
	if len(list) != 2 || list[0].ID != "zeta" || list[1].ID != "alpha" {
		t.Errorf("List() order = %+v, want catalog order", list)
	}
}

func TestNewRejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "blocks: []"},
		{"missing id", "blocks:\n  - name: X\n    circuit_id: c.x"},
		{"missing circuit", "blocks:\n  - id: x\n    name: X"},
		{"duplicate id", "blocks:\n  - id: x\n    circuit_id: c.x\n  - id: x\n    circuit_id: c.y"},
		{"not yaml", ": ::: {"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New([]byte(tt.data)); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}
