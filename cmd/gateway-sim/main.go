// gateway-sim runs a stand-in for the confidential-compute gateway so the
// server can be exercised end to end without network access.
// Usage: go run ./cmd/gateway-sim
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// computation is one accepted submission awaiting finalization.
type computation struct {
	circuitID   string
	acceptedAt  time.Time
	finalizedAt time.Time
	result      json.RawMessage
}

type simulator struct {
	mu     sync.Mutex
	offset atomic.Int64
	comps  map[int64]*computation

	// finalizeAfter is how long a computation stays pending before the
	// status endpoint reports it finalized.
	finalizeAfter time.Duration
}

func newSimulator(finalizeAfter time.Duration) *simulator {
	return &simulator{
		comps:         make(map[int64]*computation),
		finalizeAfter: finalizeAfter,
	}
}

func (s *simulator) accept(circuitID string, result json.RawMessage) (string, int64) {
	off := s.offset.Add(1)
	now := time.Now()
	s.mu.Lock()
	s.comps[off] = &computation{
		circuitID:   circuitID,
		acceptedAt:  now,
		finalizedAt: now.Add(s.finalizeAfter),
		result:      result,
	}
	s.mu.Unlock()
	return fmt.Sprintf("sim-%d", off), off
}

func (s *simulator) lookup(offset int64) *computation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comps[offset]
}

func (s *simulator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CircuitID string `json:"circuit_id"`
		Payload   string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	ref, off := s.accept(req.CircuitID, json.RawMessage(`{"ciphertext":"73696d"}`))
	writeJSON(w, map[string]any{
		"external_ref":       ref,
		"computation_offset": off,
	})
}

func (s *simulator) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CircuitID string         `json:"circuit_id"`
		Inputs    map[string]any `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	outputs := evalCircuit(req.CircuitID, req.Inputs)
	ref, off := s.accept(req.CircuitID, json.RawMessage(`{"ciphertext":"73696d"}`))
	writeJSON(w, map[string]any{
		"outputs":            outputs,
		"external_ref":       ref,
		"computation_offset": off,
	})
}

func (s *simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	off := offsetParam(r)
	c := s.lookup(off)
	if c == nil {
		http.Error(w, `{"error":"unknown offset"}`, http.StatusNotFound)
		return
	}
	if time.Now().Before(c.finalizedAt) {
		writeJSON(w, map[string]any{"finalized": false})
		return
	}
	writeJSON(w, map[string]any{
		"finalized":        true,
		"finalization_ref": fmt.Sprintf("final-%d", off),
	})
}

func (s *simulator) handleResult(w http.ResponseWriter, r *http.Request) {
	c := s.lookup(offsetParam(r))
	if c == nil {
		http.Error(w, `{"error":"unknown offset"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"ciphertext": c.result})
}

// evalCircuit gives plaintext dispatches plausible arithmetic answers so
// pipeline runs produce readable outputs during development.
func evalCircuit(circuitID string, inputs map[string]any) map[string]any {
	num := func(k string) float64 {
		v, _ := inputs[k].(float64)
		return v
	}
	switch circuitID {
	case "circuit.arith.add.v1":
		return map[string]any{"result": num("a") + num("b")}
	case "circuit.arith.sub.v1":
		return map[string]any{"result": num("a") - num("b")}
	case "circuit.arith.mul.v1":
		return map[string]any{"result": num("a") * num("b")}
	case "circuit.cmp.gt.v1":
		res := 0.0
		if num("value") > num("threshold") {
			res = 1.0
		}
		return map[string]any{"result": res}
	default:
		return map[string]any{"result": 0.0}
	}
}

func offsetParam(r *http.Request) int64 {
	var off int64
	fmt.Sscanf(r.URL.Query().Get("offset"), "%d", &off)
	return off
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func main() {
	addr := ":9090"
	if v := os.Getenv("GATEWAY_SIM_ADDR"); v != "" {
		addr = v
	}
	finalizeAfter := 3 * time.Second
	if v := os.Getenv("GATEWAY_SIM_FINALIZE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			finalizeAfter = d
		}
	}

	sim := newSimulator(finalizeAfter)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/computations", sim.handleSubmit)
	mux.HandleFunc("POST /v1/dispatch", sim.handleDispatch)
	mux.HandleFunc("GET /v1/computations/status", sim.handleStatus)
	mux.HandleFunc("GET /v1/computations/result", sim.handleResult)

	log.Printf("gateway-sim listening on %s (finalize after %s)", addr, finalizeAfter)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}
