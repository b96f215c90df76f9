package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/network"
	"github.com/ripleyk/conclave/internal/pipeline"
	"github.com/ripleyk/conclave/internal/store"
	"github.com/ripleyk/conclave/internal/usererr"
)

// trackingDispatcher adapts a BlockDispatcher into the engine's Dispatcher
// while remembering the most recent dispatch's correlation metadata. The last
// block of a pipeline run is the one the network finalizes.
type trackingDispatcher struct {
	inner network.BlockDispatcher
	last  *network.DispatchResult
}

func (d *trackingDispatcher) Dispatch(ctx context.Context, circuitID string, inputs map[string]any) (map[string]any, error) {
	res, err := d.inner.DispatchBlock(ctx, circuitID, inputs)
	if err != nil {
		return nil, err
	}
	d.last = res
	return res.Outputs, nil
}

// handleSubmit runs the submission phase for one claimed task.
func (s *Supervisor) handleSubmit(ctx context.Context, t *model.Task) {
	j, err := s.repo.Get(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("submit task for unknown job", "job_id", t.JobID)
			s.drop(ctx, t)
			return
		}
		s.release(ctx, t)
		return
	}
	if s.observeCancellation(ctx, t, j) {
		return
	}

	if j.Status == model.StatusQueued {
		if j, err = s.repo.SetStatus(ctx, j.ID, model.StatusRunning, nil); err != nil {
			s.logger.Error("mark job running", "job_id", t.JobID, "error", err)
			s.release(ctx, t)
			return
		}
	}

	op, err := s.store.GetOperation(ctx, j.OperationID)
	if err != nil {
		s.fail(ctx, t, j.ID, fmt.Errorf("look up operation %s: %w", j.OperationID, err), nil)
		return
	}

	switch op.Kind {
	case model.OperationBlock:
		s.submitBlock(ctx, t, j, op)
	case model.OperationPipeline:
		s.submitPipeline(ctx, t, j, op)
	default:
		s.fail(ctx, t, j.ID, fmt.Errorf("operation %s has unknown kind %q", op.ID, op.Kind), nil)
	}
}

// submitBlock sends the job's whole payload to the network as a single
// circuit submission and schedules finalization.
func (s *Supervisor) submitBlock(ctx context.Context, t *model.Task, j *model.Job, op *model.Operation) {
	desc, err := s.registry.Get(op.BlockID)
	if err != nil {
		s.fail(ctx, t, j.ID, err, nil)
		return
	}

	payload, err := s.resolver.Resolve(ctx, j)
	if err != nil {
		s.fail(ctx, t, j.ID, err, nil)
		return
	}

	res, err := s.submitter.Submit(ctx, desc.CircuitID, payload, []string{j.TenantID})
	if err != nil {
		s.retryOrFail(ctx, t, j.ID, err, nil)
		return
	}

	patch := &store.JobPatch{
		ExternalRef:       &res.ExternalRef,
		ComputationOffset: &res.ComputationOffset,
		Encryption:        res.Encryption,
	}
	if _, err := s.repo.SetStatus(ctx, j.ID, model.StatusRunning, patch); err != nil {
		s.logger.Error("record submission", "job_id", j.ID, "error", err)
		s.release(ctx, t)
		return
	}
	s.scheduleFinalize(ctx, t, j.ID)
}

// submitPipeline executes the job's graph block by block, persists the steps
// and plaintext outputs, and schedules finalization keyed to the last
// dispatched block.
func (s *Supervisor) submitPipeline(ctx context.Context, t *model.Task, j *model.Job, op *model.Operation) {
	if op.Pipeline == nil {
		s.fail(ctx, t, j.ID, fmt.Errorf("operation %s has no graph", op.ID), nil)
		return
	}

	var (
		inputs map[string]any
		opts   pipeline.Options
	)
	if j.Source.Kind == model.SourceEncryptedBlob || j.Encryption != nil {
		payload, err := s.resolver.Resolve(ctx, j)
		if err != nil {
			s.fail(ctx, t, j.ID, err, nil)
			return
		}
		opts = pipeline.Options{Encrypted: true, Payload: payload}
	} else {
		var err error
		if inputs, err = plaintextInputs(j); err != nil {
			s.fail(ctx, t, j.ID, err, nil)
			return
		}
	}

	td := &trackingDispatcher{inner: s.dispatcher}
	engine := pipeline.NewEngine(s.registry, td, s.logger)

	res, err := engine.Execute(ctx, op.Pipeline, inputs, opts)
	if err != nil {
		var steps []model.ExecutionStep
		if res != nil {
			steps = res.Steps
		}
		s.retryOrFail(ctx, t, j.ID, err, steps)
		return
	}

	outputs, err := json.Marshal(res.Outputs)
	if err != nil {
		s.fail(ctx, t, j.ID, fmt.Errorf("encode outputs: %w", err), res.Steps)
		return
	}

	patch := &store.JobPatch{Result: outputs, Steps: res.Steps}
	if td.last != nil {
		patch.ExternalRef = &td.last.ExternalRef
		patch.ComputationOffset = &td.last.ComputationOffset
	}

	if td.last == nil {
		// Nothing was dispatched: a pass-through graph of input and output
		// nodes only. There is no network computation to finalize.
		cost := s.pipelineCost(res.Steps)
		patch.CostCredits = &cost
		updated, err := s.repo.SetStatus(ctx, j.ID, model.StatusCompleted, patch)
		if err != nil {
			s.logger.Error("complete pass-through job", "job_id", j.ID, "error", err)
			s.release(ctx, t)
			return
		}
		s.drop(ctx, t)
		tasksTotal.WithLabelValues(string(t.Kind), outcomeCompleted).Inc()
		s.notify(ctx, updated)
		return
	}

	if _, err := s.repo.SetStatus(ctx, j.ID, model.StatusRunning, patch); err != nil {
		s.logger.Error("record pipeline submission", "job_id", j.ID, "error", err)
		s.release(ctx, t)
		return
	}
	s.scheduleFinalize(ctx, t, j.ID)
}

// scheduleFinalize enqueues the finalization task and retires the submit task.
func (s *Supervisor) scheduleFinalize(ctx context.Context, t *model.Task, jobID string) {
	now := time.Now().UTC()
	finalize := &model.Task{
		ID:        model.NewTaskID(),
		Kind:      model.TaskFinalize,
		JobID:     jobID,
		RunAfter:  now.Add(s.cfg.FinalizeDelay),
		CreatedAt: now,
	}
	if err := s.store.EnqueueTask(ctx, finalize); err != nil {
		s.logger.Error("enqueue finalize task", "job_id", jobID, "error", err)
		s.release(ctx, t)
		return
	}
	s.drop(ctx, t)
	tasksTotal.WithLabelValues(string(t.Kind), outcomeCompleted).Inc()
}

// retryOrFail releases a task for another attempt when the error is transient
// and attempts remain, and fails the job otherwise.
func (s *Supervisor) retryOrFail(ctx context.Context, t *model.Task, jobID string, cause error, steps []model.ExecutionStep) {
	max := s.cfg.MaxSubmitAttempts
	if t.Kind == model.TaskFinalize {
		max = s.cfg.MaxFinalizeAttempts
	}
	if retryable(cause) && t.Attempt+1 < max {
		s.logger.Warn("transient failure, retrying",
			"job_id", jobID, "phase", t.Kind, "attempt", t.Attempt+1, "error", cause)
		s.release(ctx, t)
		return
	}
	s.fail(ctx, t, jobID, cause, steps)
}

// retryable reports whether an error is worth another attempt. Submission
// rejections and finalization timeouts are transient; everything else, a bad
// graph or a missing payload, will not improve with time.
func retryable(err error) bool {
	var se *network.SubmissionError
	if errors.As(err, &se) {
		return true
	}
	var fe *network.FinalizationTimeoutError
	return errors.As(err, &fe)
}

// failureOf converts any error into the structured form stored on the job.
func failureOf(err error) *usererr.Error {
	return usererr.FromError(err)
}

// plaintextInputs derives the engine's seed inputs from an inline source. A
// single row maps fields directly onto input node names; multiple rows are
// passed whole under "rows" for aggregate blocks.
func plaintextInputs(j *model.Job) (map[string]any, error) {
	if j.Source.Kind != model.SourceInline {
		return nil, fmt.Errorf("pipeline job %s has unsupported plaintext source %q", j.ID, j.Source.Kind)
	}
	rows := j.Source.InlineRows
	if len(rows) == 0 {
		return nil, fmt.Errorf("pipeline job %s has no inline rows", j.ID)
	}
	if len(rows) == 1 {
		return rows[0], nil
	}
	return map[string]any{"rows": rows}, nil
}
