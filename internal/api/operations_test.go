package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ripleyk/conclave/internal/model"
)

func TestCreateBlockOperation(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/operations", map[string]any{
		"tenant_id": "t1",
		"name":      "add once",
		"kind":      "block",
		"block_id":  "add",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var op model.Operation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.ID == "" || op.Kind != model.OperationBlock {
		t.Errorf("operation = %+v", op)
	}
}

func TestCreateOperationRejectsUnknownBlock(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/operations", map[string]any{
		"tenant_id": "t1",
		"name":      "mystery",
		"kind":      "block",
		"block_id":  "teleport",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreatePipelineOperationValidatesGraph(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// A two-node cycle is rejected at creation time.
	resp := postJSON(t, ts.URL+"/v1/operations", map[string]any{
		"tenant_id": "t1",
		"name":      "loop",
		"kind":      "pipeline",
		"pipeline": map[string]any{
			"nodes": []map[string]any{
				{"id": "x", "kind": "block", "block_id": "add"},
				{"id": "y", "kind": "block", "block_id": "add"},
			},
			"edges": []map[string]any{
				{"id": "e1", "source": "x", "target": "y"},
				{"id": "e2", "source": "y", "target": "x"},
			},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	valid := postJSON(t, ts.URL+"/v1/operations", map[string]any{
		"tenant_id": "t1",
		"name":      "straight line",
		"kind":      "pipeline",
		"pipeline": map[string]any{
			"nodes": []map[string]any{
				{"id": "in", "kind": "input", "config": map[string]any{"field": "a"}},
				{"id": "blk", "kind": "block", "block_id": "add"},
				{"id": "out", "kind": "output", "config": map[string]any{"field": "sum"}},
			},
			"edges": []map[string]any{
				{"id": "e1", "source": "in", "target": "blk", "target_handle": "a"},
				{"id": "e2", "source": "blk", "target": "out", "source_handle": "result"},
			},
		},
	})
	defer valid.Body.Close()

	if valid.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", valid.StatusCode)
	}
}

func TestCreateAndGetDataset(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/datasets", map[string]any{
		"tenant_id":  "t1",
		"name":       "q3 revenue",
		"object_key": "tenants/t1/q3.enc",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var d model.Dataset
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	got, err := http.Get(ts.URL + "/v1/datasets/" + d.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer got.Body.Close()

	var fetched model.Dataset
	if err := json.NewDecoder(got.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fetched.ObjectKey != "tenants/t1/q3.enc" {
		t.Errorf("ObjectKey = %q", fetched.ObjectKey)
	}
}

func TestCreateDatasetRequiresObjectKey(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/datasets", map[string]any{
		"tenant_id": "t1",
		"name":      "nowhere",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
