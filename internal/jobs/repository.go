// Package jobs owns the job record lifecycle. All status mutation funnels
// through Repository.SetStatus, which is also the single broadcast trigger.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ripleyk/conclave/internal/broadcast"
	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/store"
)

// ErrAlreadyTerminal is returned when cancelling a job that already reached a
// terminal status.
var ErrAlreadyTerminal = errors.New("job already in a terminal status")

// Repository mediates every job mutation. Workers never write job fields
// directly; they go through SetStatus so that transitions stay valid and
// every transition is broadcast exactly once.
type Repository struct {
	store  store.Store
	hub    broadcast.Broadcaster
	logger *slog.Logger
}

// New creates a job repository.
func New(s store.Store, hub broadcast.Broadcaster, logger *slog.Logger) *Repository {
	return &Repository{store: s, hub: hub, logger: logger}
}

// Create persists a new queued job and enqueues its submission task.
func (r *Repository) Create(ctx context.Context, j *model.Job) error {
	if err := r.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	task := &model.Task{
		ID:        model.NewTaskID(),
		Kind:      model.TaskSubmit,
		JobID:     j.ID,
		RunAfter:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.EnqueueTask(ctx, task); err != nil {
		return fmt.Errorf("enqueue submit task: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (r *Repository) Get(ctx context.Context, id string) (*model.Job, error) {
	return r.store.GetJob(ctx, id)
}

// List returns a tenant's jobs, optionally filtered by status.
func (r *Repository) List(ctx context.Context, tenantID, status string, limit, offset int) ([]*model.Job, int, error) {
	return r.store.ListJobs(ctx, tenantID, status, limit, offset)
}

// Stats returns aggregate job statistics for a tenant.
func (r *Repository) Stats(ctx context.Context, tenantID string) (*store.JobStats, error) {
	return r.store.GetJobStats(ctx, tenantID)
}

// SetStatus applies a status transition plus patch and broadcasts the result
// to the job's tenant. Exactly one broadcast attempt happens per call;
// delivery is best-effort.
func (r *Repository) SetStatus(ctx context.Context, id, status string, patch *store.JobPatch) (*model.Job, error) {
	j, err := r.store.SetJobStatus(ctx, id, status, patch)
	if err != nil {
		return nil, err
	}

	r.hub.Broadcast(j.TenantID, broadcast.Event{
		Type:      broadcast.EventTypeJobUpdate,
		JobID:     j.ID,
		Status:    j.Status,
		UpdatedAt: j.UpdatedAt,
		Patch:     eventPatch(j),
	})
	return j, nil
}

// eventPatch picks the job fields worth pushing over the live channel for the
// job's current status.
func eventPatch(j *model.Job) map[string]any {
	p := make(map[string]any)
	switch j.Status {
	case model.StatusCompleted:
		if j.Result != nil {
			p["result"] = j.Result
		}
		if j.Attestation != "" {
			p["attestation"] = j.Attestation
		}
		if j.CostCredits != nil {
			p["cost_credits"] = *j.CostCredits
		}
	case model.StatusFailed:
		if j.Error != nil {
			p["error"] = j.Error
		}
	case model.StatusRunning:
		if j.ExternalRef != "" {
			p["external_ref"] = j.ExternalRef
		}
	}
	if len(p) == 0 {
		return nil
	}
	return p
}

// Cancel transitions a non-terminal job toward cancelled. A job still queued
// whose submission task is removable cancels immediately; a job already in a
// worker's hands moves to cancelling and the worker suppresses the next phase.
func (r *Repository) Cancel(ctx context.Context, id string) (*model.Job, error) {
	j, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if model.IsTerminal(j.Status) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, j.Status)
	}

	switch j.Status {
	case model.StatusQueued:
		// Remove the pending submission task if still removable. If a worker
		// claimed it in the meantime, the cancelled status below makes it
		// no-op at its phase-entry check.
		if _, err := r.store.DeletePendingTasks(ctx, id); err != nil {
			return nil, fmt.Errorf("remove pending tasks: %w", err)
		}
		return r.SetStatus(ctx, id, model.StatusCancelled, nil)
	case model.StatusRunning:
		return r.SetStatus(ctx, id, model.StatusCancelling, nil)
	case model.StatusCancelling:
		return j, nil
	default:
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidTransition, j.Status)
	}
}
