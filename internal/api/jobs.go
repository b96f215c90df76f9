package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ripleyk/conclave/internal/jobs"
	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// sourceReq is the input-source portion of a job creation request.
type sourceReq struct {
	Kind        string           `json:"kind"`
	BlobRef     string           `json:"blob_ref"`
	RetainedKey string           `json:"retained_key"`
	Rows        []map[string]any `json:"rows"`
}

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	TenantID    string                   `json:"tenant_id"`
	OperationID string                   `json:"operation_id"`
	DatasetID   string                   `json:"dataset_id"`
	Source      sourceReq                `json:"source"`
	Payload     string                   `json:"payload"`
	Encryption  *model.EncryptionContext `json:"encryption"`
	CallbackURL string                   `json:"callback_url"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.TenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.OperationID == "" {
		s.writeError(w, http.StatusBadRequest, "operation_id is required")
		return
	}
	if _, err := s.store.GetOperation(r.Context(), req.OperationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusBadRequest, "unknown operation")
			return
		}
		s.logger.Error("look up operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	src, err := s.buildSource(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	j := &model.Job{
		ID:          model.NewID(),
		TenantID:    req.TenantID,
		DatasetID:   req.DatasetID,
		OperationID: req.OperationID,
		Source:      src,
		Status:      model.StatusQueued,
		Encryption:  req.Encryption,
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Create(r.Context(), j); err != nil {
		s.logger.Error("create job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}

// buildSource validates the request's source section and stages ephemeral
// payload bytes in the one-shot cache.
func (s *Server) buildSource(req createJobRequest) (model.Source, error) {
	switch req.Source.Kind {
	case model.SourceInline:
		if len(req.Source.Rows) == 0 {
			return model.Source{}, errors.New("inline source requires rows")
		}
		return model.Source{Kind: model.SourceInline, InlineRows: req.Source.Rows}, nil

	case model.SourceEphemeral:
		if req.Payload == "" {
			return model.Source{}, errors.New("ephemeral source requires payload")
		}
		raw, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			return model.Source{}, errors.New("payload must be base64")
		}
		ref := model.NewTaskID()
		s.ephemeral.Put(ref, raw)
		return model.Source{Kind: model.SourceEphemeral, EphemeralRef: ref}, nil

	case model.SourceEncryptedBlob:
		if req.Source.BlobRef == "" {
			return model.Source{}, errors.New("encrypted_blob source requires blob_ref")
		}
		if req.Encryption == nil {
			return model.Source{}, errors.New("encrypted_blob source requires encryption context")
		}
		return model.Source{Kind: model.SourceEncryptedBlob, BlobRef: req.Source.BlobRef}, nil

	case model.SourceRetained:
		if req.Source.RetainedKey == "" && req.DatasetID == "" {
			return model.Source{}, errors.New("retained source requires retained_key or dataset_id")
		}
		return model.Source{Kind: model.SourceRetained, RetainedKey: req.Source.RetainedKey}, nil

	case "":
		return model.Source{}, errors.New("source.kind is required")
	default:
		return model.Source{}, errors.New("unknown source kind")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

// stepsResponse is the JSON response for GET /v1/jobs/:id/steps.
type stepsResponse struct {
	JobID string                `json:"job_id"`
	Steps []model.ExecutionStep `json:"steps"`
}

func (s *Server) handleGetJobSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job steps", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	steps := j.Steps
	if steps == nil {
		steps = []model.ExecutionStep{}
	}
	s.writeJSON(w, http.StatusOK, stepsResponse{JobID: j.ID, Steps: steps})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tenantID := r.URL.Query().Get("tenant_id")
	status := r.URL.Query().Get("status")

	list, total, err := s.repo.List(r.Context(), tenantID, status, limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if list == nil {
		list = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   list,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.repo.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, jobs.ErrAlreadyTerminal):
			s.writeError(w, http.StatusConflict, "job already finished")
		default:
			s.logger.Error("cancel job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
