package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/usererr"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobPatch carries the mutable fields that may accompany a status change.
// Nil fields are left untouched.
type JobPatch struct {
	ExternalRef       *string
	ComputationOffset *int64
	Encryption        *model.EncryptionContext
	Result            json.RawMessage
	Attestation       *string
	Error             *usererr.Error
	CostCredits       *int64
	Steps             []model.ExecutionStep
}

// JobStats holds aggregate job statistics for one tenant.
type JobStats struct {
	Total             int            `json:"total"`
	CountByStatus     map[string]int `json:"count_by_status"`
	AvgCompletionMS   float64        `json:"avg_completion_ms"`
	TotalCostCredits  int64          `json:"total_cost_credits"`
	CompletedLastHour int            `json:"completed_last_hour"`
}

// Store defines the persistence operations for jobs, operations, datasets,
// and the durable task queue.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, tenantID, status string, limit, offset int) ([]*model.Job, int, error)

	// SetJobStatus is the single mutation point for job state. It validates
	// the transition against the current status inside one transaction,
	// applies the patch, and returns the updated record. Re-applying a
	// terminal status the job already holds is a no-op, not an error.
	SetJobStatus(ctx context.Context, id, status string, patch *JobPatch) (*model.Job, error)

	GetJobStats(ctx context.Context, tenantID string) (*JobStats, error)

	CreateOperation(ctx context.Context, op *model.Operation) error
	GetOperation(ctx context.Context, id string) (*model.Operation, error)

	CreateDataset(ctx context.Context, d *model.Dataset) error
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)

	EnqueueTask(ctx context.Context, t *model.Task) error
	// ClaimTask atomically claims the oldest due task of the given kind.
	// It returns (nil, nil) when nothing is due.
	ClaimTask(ctx context.Context, kind model.TaskKind, now time.Time) (*model.Task, error)
	// ReleaseTask returns a claimed task to the queue with a new run-after
	// time, bumping its attempt counter.
	ReleaseTask(ctx context.Context, id string, runAfter time.Time) error
	DeleteTask(ctx context.Context, id string) error
	// DeletePendingTasks removes all unclaimed tasks for a job and reports
	// how many were removed. Used by cancellation while a job is queued.
	DeletePendingTasks(ctx context.Context, jobID string) (int, error)

	Close() error
}
