package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/usererr"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestJob(tenantID string) *model.Job {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Job{
		ID:          model.NewID(),
		TenantID:    tenantID,
		OperationID: "op-1",
		Source:      model.Source{Kind: model.SourceInline, InlineRows: []map[string]any{{"a": float64(1)}}},
		Status:      model.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("t1")
	j.Encryption = &model.EncryptionContext{Nonce: "n1", ClientPublicKey: "pk1"}
	j.CallbackURL = "https://example.com/cb"

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != j.ID || got.TenantID != "t1" || got.Status != model.StatusQueued {
		t.Errorf("got %+v", got)
	}
	if got.Source.Kind != model.SourceInline || len(got.Source.InlineRows) != 1 {
		t.Errorf("source round-trip failed: %+v", got.Source)
	}
	if got.Encryption == nil || got.Encryption.Nonce != "n1" {
		t.Errorf("encryption round-trip failed: %+v", got.Encryption)
	}
	if got.CallbackURL != "https://example.com/cb" {
		t.Errorf("callback_url = %q", got.CallbackURL)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetJobStatusAppliesPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("t1")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ref := "ref-42"
	offset := int64(1234)
	updated, err := s.SetJobStatus(ctx, j.ID, model.StatusRunning, &JobPatch{
		ExternalRef:       &ref,
		ComputationOffset: &offset,
	})
	if err != nil {
		t.Fatalf("SetJobStatus: %v", err)
	}
	if updated.Status != model.StatusRunning || updated.ExternalRef != "ref-42" {
		t.Errorf("updated = %+v", updated)
	}
	if updated.ComputationOffset == nil || *updated.ComputationOffset != 1234 {
		t.Errorf("offset = %v", updated.ComputationOffset)
	}

	cost := int64(3)
	att := "attest-xyz"
	completed, err := s.SetJobStatus(ctx, j.ID, model.StatusCompleted, &JobPatch{
		Result:      json.RawMessage(`{"sum":30}`),
		Attestation: &att,
		CostCredits: &cost,
		Steps:       []model.ExecutionStep{{NodeID: "b1", BlockID: "add", Status: model.StatusCompleted}},
	})
	if err != nil {
		t.Fatalf("SetJobStatus completed: %v", err)
	}
	if string(completed.Result) != `{"sum":30}` {
		t.Errorf("result = %s", completed.Result)
	}
	if completed.Attestation != "attest-xyz" || completed.CostCredits == nil || *completed.CostCredits != 3 {
		t.Errorf("completed = %+v", completed)
	}
	if len(completed.Steps) != 1 || completed.Steps[0].BlockID != "add" {
		t.Errorf("steps = %+v", completed.Steps)
	}
}

func TestSetJobStatusRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("t1")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := s.SetJobStatus(ctx, j.ID, model.StatusCompleted, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("queued->completed err = %v, want ErrInvalidTransition", err)
	}
}

func TestSetJobStatusTerminalIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob("t1")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := s.SetJobStatus(ctx, j.ID, model.StatusRunning, nil); err != nil {
		t.Fatalf("to running: %v", err)
	}
	first, err := s.SetJobStatus(ctx, j.ID, model.StatusFailed, &JobPatch{
		Error: &usererr.Error{Title: "boom", Details: "it broke"},
	})
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}

	// Second terminal write with a different patch must leave the record
	// unchanged.
	second, err := s.SetJobStatus(ctx, j.ID, model.StatusFailed, &JobPatch{
		Error: &usererr.Error{Title: "different"},
	})
	if err != nil {
		t.Fatalf("repeat failed: %v", err)
	}
	if second.Error == nil || second.Error.Title != "boom" {
		t.Errorf("second write changed record: %+v", second.Error)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("updated_at changed on idempotent write: %v vs %v", second.UpdatedAt, first.UpdatedAt)
	}
}

func TestListJobsFiltersByTenantAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := makeTestJob("t1")
	j2 := makeTestJob("t1")
	j3 := makeTestJob("t2")
	for _, j := range []*model.Job{j1, j2, j3} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if _, err := s.SetJobStatus(ctx, j2.ID, model.StatusRunning, nil); err != nil {
		t.Fatalf("SetJobStatus: %v", err)
	}

	jobs, total, err := s.ListJobs(ctx, "t1", "", 10, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 2 || len(jobs) != 2 {
		t.Errorf("t1 jobs = %d (total %d), want 2", len(jobs), total)
	}

	queued, total, err := s.ListJobs(ctx, "t1", model.StatusQueued, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs filtered: %v", err)
	}
	if total != 1 || len(queued) != 1 || queued[0].ID != j1.ID {
		t.Errorf("filtered = %+v (total %d)", queued, total)
	}
}

func TestOperationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := &model.Operation{
		ID:       model.NewID(),
		TenantID: "t1",
		Name:     "score",
		Kind:     model.OperationPipeline,
		Pipeline: &model.PipelineDefinition{
			Nodes: []model.Node{{ID: "in1", Kind: model.NodeInput}},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Kind != model.OperationPipeline || got.Pipeline == nil || len(got.Pipeline.Nodes) != 1 {
		t.Errorf("got %+v", got)
	}

	if _, err := s.GetOperation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing op err = %v, want ErrNotFound", err)
	}
}

func TestDatasetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &model.Dataset{
		ID:        model.NewID(),
		TenantID:  "t1",
		Name:      "claims-2026",
		ObjectKey: "t1/claims-2026.enc",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateDataset(ctx, d); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	got, err := s.GetDataset(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	if got.ObjectKey != d.ObjectKey {
		t.Errorf("object key = %q", got.ObjectKey)
	}
}

func makeTask(kind model.TaskKind, jobID string, runAfter time.Time) *model.Task {
	return &model.Task{
		ID:        model.NewID(),
		Kind:      kind,
		JobID:     jobID,
		RunAfter:  runAfter,
		CreatedAt: time.Now().UTC(),
	}
}

func TestClaimTaskFiltersKindAndDueTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := makeTask(model.TaskSubmit, "j1", now.Add(-time.Second))
	notDue := makeTask(model.TaskSubmit, "j2", now.Add(time.Hour))
	otherKind := makeTask(model.TaskFinalize, "j3", now.Add(-time.Second))
	for _, task := range []*model.Task{due, notDue, otherKind} {
		if err := s.EnqueueTask(ctx, task); err != nil {
			t.Fatalf("EnqueueTask: %v", err)
		}
	}

	claimed, err := s.ClaimTask(ctx, model.TaskSubmit, now)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if claimed == nil || claimed.ID != due.ID {
		t.Fatalf("claimed = %+v, want %s", claimed, due.ID)
	}

	// The only remaining submit task is not yet due.
	again, err := s.ClaimTask(ctx, model.TaskSubmit, now)
	if err != nil {
		t.Fatalf("ClaimTask again: %v", err)
	}
	if again != nil {
		t.Errorf("claimed = %+v, want nil", again)
	}

	// The finalize task is untouched and claimable by its own kind.
	fin, err := s.ClaimTask(ctx, model.TaskFinalize, now)
	if err != nil {
		t.Fatalf("ClaimTask finalize: %v", err)
	}
	if fin == nil || fin.ID != otherKind.ID {
		t.Errorf("finalize claim = %+v", fin)
	}
}

func TestClaimTaskDoesNotDoubleClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := makeTask(model.TaskSubmit, "j1", now.Add(-time.Second))
	if err := s.EnqueueTask(ctx, task); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	first, err := s.ClaimTask(ctx, model.TaskSubmit, now)
	if err != nil || first == nil {
		t.Fatalf("first claim = %+v, %v", first, err)
	}
	second, err := s.ClaimTask(ctx, model.TaskSubmit, now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Errorf("second claim = %+v, want nil", second)
	}
}

func TestReleaseTaskBumpsAttemptAndDelays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := makeTask(model.TaskFinalize, "j1", now.Add(-time.Second))
	if err := s.EnqueueTask(ctx, task); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	claimed, err := s.ClaimTask(ctx, model.TaskFinalize, now)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v, %v", claimed, err)
	}

	if err := s.ReleaseTask(ctx, claimed.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}

	// Not claimable before the delay elapses.
	if got, _ := s.ClaimTask(ctx, model.TaskFinalize, now); got != nil {
		t.Errorf("claimed before run_after: %+v", got)
	}

	got, err := s.ClaimTask(ctx, model.TaskFinalize, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("claim after delay: %v", err)
	}
	if got == nil || got.Attempt != 1 {
		t.Errorf("reclaimed = %+v, want attempt 1", got)
	}
}

func TestReopenResetsStaleClaims(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	path := filepath.Join(t.TempDir(), "conclave.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	task := makeTask(model.TaskSubmit, "j1", now.Add(-time.Second))
	if err := s.EnqueueTask(ctx, task); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	claimed, err := s.ClaimTask(ctx, model.TaskSubmit, now)
	if err != nil || claimed == nil {
		t.Fatalf("claim = %+v, %v", claimed, err)
	}
	// Close with the task still claimed, as a crashed worker would leave it.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.ClaimTask(ctx, model.TaskSubmit, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ClaimTask after reopen: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Fatalf("reclaimed = %+v, want %s", got, task.ID)
	}
}

func TestDeletePendingTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := makeTask(model.TaskSubmit, "j1", now.Add(time.Minute))
	inFlight := makeTask(model.TaskFinalize, "j1", now.Add(-time.Second))
	if err := s.EnqueueTask(ctx, pending); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if err := s.EnqueueTask(ctx, inFlight); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if claimed, err := s.ClaimTask(ctx, model.TaskFinalize, now); err != nil || claimed == nil {
		t.Fatalf("claim: %+v, %v", claimed, err)
	}

	n, err := s.DeletePendingTasks(ctx, "j1")
	if err != nil {
		t.Fatalf("DeletePendingTasks: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1 (claimed task must survive)", n)
	}
}

func TestGetJobStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := makeTestJob("t1")
	j2 := makeTestJob("t1")
	if err := s.CreateJob(ctx, j1); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, j2); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.SetJobStatus(ctx, j1.ID, model.StatusRunning, nil); err != nil {
		t.Fatalf("SetJobStatus: %v", err)
	}
	cost := int64(5)
	if _, err := s.SetJobStatus(ctx, j1.ID, model.StatusCompleted, &JobPatch{CostCredits: &cost}); err != nil {
		t.Fatalf("SetJobStatus: %v", err)
	}

	stats, err := s.GetJobStats(ctx, "t1")
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 1 || stats.CountByStatus[model.StatusQueued] != 1 {
		t.Errorf("CountByStatus = %+v", stats.CountByStatus)
	}
	if stats.TotalCostCredits != 5 {
		t.Errorf("TotalCostCredits = %d, want 5", stats.TotalCostCredits)
	}
	if stats.CompletedLastHour != 1 {
		t.Errorf("CompletedLastHour = %d, want 1", stats.CompletedLastHour)
	}
}
