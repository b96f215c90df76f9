package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/store"
)

// createDatasetRequest is the JSON body for POST /v1/datasets.
type createDatasetRequest struct {
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	ObjectKey string `json:"object_key"`
}

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.TenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.ObjectKey == "" {
		s.writeError(w, http.StatusBadRequest, "object_key is required")
		return
	}

	d := &model.Dataset{
		ID:        model.NewID(),
		TenantID:  req.TenantID,
		Name:      req.Name,
		ObjectKey: req.ObjectKey,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateDataset(r.Context(), d); err != nil {
		s.logger.Error("create dataset", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create dataset")
		return
	}

	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.store.GetDataset(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "dataset not found")
		return
	}
	if err != nil {
		s.logger.Error("get dataset", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get dataset")
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}
