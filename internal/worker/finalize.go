package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/store"
)

// handleFinalize runs the finalization phase for one claimed task: it waits
// for the network to confirm the job's computation, fetches the ciphertext
// result when the job has no plaintext one, and settles the job.
func (s *Supervisor) handleFinalize(ctx context.Context, t *model.Task) {
	j, err := s.repo.Get(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("finalize task for unknown job", "job_id", t.JobID)
			s.drop(ctx, t)
			return
		}
		s.release(ctx, t)
		return
	}
	if s.observeCancellation(ctx, t, j) {
		return
	}
	if j.ComputationOffset == nil {
		s.fail(ctx, t, j.ID, fmt.Errorf("job %s reached finalization without a computation offset", j.ID), nil)
		return
	}

	ref, err := s.finalizer.AwaitFinalization(ctx, *j.ComputationOffset, s.cfg.FinalizeTimeout)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; leave the task claimed for the next run.
			return
		}
		s.retryOrFail(ctx, t, j.ID, err, nil)
		return
	}
	finalizeAttempts.Observe(float64(t.Attempt + 1))

	// The waiting window is long; the job may have been cancelled under us.
	if j, err = s.repo.Get(ctx, t.JobID); err != nil {
		s.release(ctx, t)
		return
	}
	if s.observeCancellation(ctx, t, j) {
		return
	}

	// Pipeline jobs keep the plaintext outputs recorded at submission.
	// Encrypted jobs and single-block jobs take the ciphertext from the
	// network.
	result := j.Result
	if j.Encryption != nil || len(result) == 0 {
		result, err = s.finalizer.FetchResult(ctx, *j.ComputationOffset)
		if err != nil {
			if t.Attempt+1 < s.cfg.MaxFinalizeAttempts {
				s.release(ctx, t)
				return
			}
			s.fail(ctx, t, j.ID, fmt.Errorf("fetch result: %w", err), nil)
			return
		}
	}

	cost, err := s.jobCost(ctx, j)
	if err != nil {
		s.fail(ctx, t, j.ID, err, nil)
		return
	}

	patch := &store.JobPatch{
		Result:      result,
		Attestation: &ref,
		CostCredits: &cost,
	}
	updated, err := s.repo.SetStatus(ctx, j.ID, model.StatusCompleted, patch)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Raced with a cancellation; settle whatever state we find.
			if j, gerr := s.repo.Get(ctx, t.JobID); gerr == nil && s.observeCancellation(ctx, t, j) {
				return
			}
		}
		s.logger.Error("complete job", "job_id", j.ID, "error", err)
		s.release(ctx, t)
		return
	}

	s.drop(ctx, t)
	tasksTotal.WithLabelValues(string(t.Kind), outcomeCompleted).Inc()
	s.logger.Info("job completed",
		"job_id", updated.ID, "attestation", ref, "cost_credits", cost)

	if s.usage != nil && cost > 0 {
		if err := s.usage.Deduct(ctx, updated.TenantID, cost); err != nil {
			s.logger.Error("deduct usage", "tenant_id", updated.TenantID, "error", err)
		}
	}
	s.notify(ctx, updated)
}

// jobCost prices a finished job: a pipeline sums its executed steps, a single
// block charges its catalog cost.
func (s *Supervisor) jobCost(ctx context.Context, j *model.Job) (int64, error) {
	if len(j.Steps) > 0 {
		return s.pipelineCost(j.Steps), nil
	}
	op, err := s.store.GetOperation(ctx, j.OperationID)
	if err != nil {
		return 0, fmt.Errorf("look up operation %s: %w", j.OperationID, err)
	}
	if op.Kind != model.OperationBlock {
		return 0, nil
	}
	desc, err := s.registry.Get(op.BlockID)
	if err != nil {
		return 0, err
	}
	return desc.CreditCost, nil
}

// notify delivers the terminal-state webhook when the job asked for one.
func (s *Supervisor) notify(ctx context.Context, j *model.Job) {
	if s.webhooks == nil || j.CallbackURL == "" {
		return
	}
	if err := s.webhooks.Send(ctx, j.CallbackURL, j); err != nil {
		s.logger.Error("deliver webhook", "job_id", j.ID, "url", j.CallbackURL, "error", err)
	}
}
