package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/pipeline"
	"github.com/ripleyk/conclave/internal/store"
)

// createOperationRequest is the JSON body for POST /v1/operations.
type createOperationRequest struct {
	TenantID string                    `json:"tenant_id"`
	Name     string                    `json:"name"`
	Kind     string                    `json:"kind"`
	BlockID  string                    `json:"block_id"`
	Pipeline *model.PipelineDefinition `json:"pipeline"`
}

func (s *Server) handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.TenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	switch req.Kind {
	case model.OperationBlock:
		if !s.registry.Has(req.BlockID) {
			s.writeError(w, http.StatusBadRequest, "unknown block_id")
			return
		}
	case model.OperationPipeline:
		if req.Pipeline == nil {
			s.writeError(w, http.StatusBadRequest, "pipeline is required")
			return
		}
		if err := pipeline.Validate(req.Pipeline, s.registry); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, "kind must be block or pipeline")
		return
	}

	op := &model.Operation{
		ID:        model.NewID(),
		TenantID:  req.TenantID,
		Name:      req.Name,
		Kind:      req.Kind,
		BlockID:   req.BlockID,
		Pipeline:  req.Pipeline,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateOperation(r.Context(), op); err != nil {
		s.logger.Error("create operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create operation")
		return
	}

	s.writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.store.GetOperation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err != nil {
		s.logger.Error("get operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get operation")
		return
	}

	s.writeJSON(w, http.StatusOK, op)
}
