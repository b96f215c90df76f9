// Package worker runs the two asynchronous phases of the submit/finalize
// protocol. A bounded, rate-limited pool per phase claims typed tasks from
// the durable queue; submission always precedes finalization for one job
// because the finalize task only exists after a successful submission.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ripleyk/conclave/internal/catalog"
	"github.com/ripleyk/conclave/internal/dataset"
	"github.com/ripleyk/conclave/internal/jobs"
	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/network"
	"github.com/ripleyk/conclave/internal/store"
	"github.com/ripleyk/conclave/internal/webhook"
)

// Config tunes the per-phase pools. Each phase has an independent concurrency
// bound and rate limit so the external network's throughput is respected.
type Config struct {
	SubmitConcurrency   int
	FinalizeConcurrency int
	SubmitRate          rate.Limit
	SubmitBurst         int
	FinalizeRate        rate.Limit
	FinalizeBurst       int

	// PollInterval is how long an idle worker sleeps between claim attempts.
	PollInterval time.Duration
	// FinalizeDelay spaces the finalize task after a successful submission so
	// the network has registered the computation before we ask about it.
	FinalizeDelay time.Duration
	// FinalizeTimeout bounds one AwaitFinalization call.
	FinalizeTimeout time.Duration

	MaxSubmitAttempts   int
	MaxFinalizeAttempts int
	// RetryBackoff is the base of the exponential backoff between attempts.
	RetryBackoff time.Duration
}

// DefaultConfig returns production-shaped defaults.
func DefaultConfig() Config {
	return Config{
		SubmitConcurrency:   4,
		FinalizeConcurrency: 4,
		SubmitRate:          rate.Limit(10),
		SubmitBurst:         10,
		FinalizeRate:        rate.Limit(10),
		FinalizeBurst:       10,
		PollInterval:        500 * time.Millisecond,
		FinalizeDelay:       5 * time.Second,
		FinalizeTimeout:     5 * time.Minute,
		MaxSubmitAttempts:   3,
		MaxFinalizeAttempts: 5,
		RetryBackoff:        2 * time.Second,
	}
}

// UsageRecorder deducts credits for completed computations. Billing rules
// live outside this core; failures are logged, not fatal to the job.
type UsageRecorder interface {
	Deduct(ctx context.Context, tenantID string, credits int64) error
}

// Supervisor owns both phase pools.
type Supervisor struct {
	cfg        Config
	repo       *jobs.Repository
	store      store.Store
	registry   *catalog.Registry
	resolver   *dataset.Resolver
	submitter  network.Submitter
	dispatcher network.BlockDispatcher
	finalizer  network.Finalizer
	webhooks   *webhook.Sender
	usage      UsageRecorder
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates a supervisor. webhooks and usage may be nil; the corresponding
// steps are skipped.
func New(
	cfg Config,
	repo *jobs.Repository,
	s store.Store,
	reg *catalog.Registry,
	resolver *dataset.Resolver,
	submitter network.Submitter,
	dispatcher network.BlockDispatcher,
	finalizer network.Finalizer,
	webhooks *webhook.Sender,
	usage UsageRecorder,
	logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		repo:       repo,
		store:      s,
		registry:   reg,
		resolver:   resolver,
		submitter:  submitter,
		dispatcher: dispatcher,
		finalizer:  finalizer,
		webhooks:   webhooks,
		usage:      usage,
		logger:     logger,
	}
}

// Start launches both phase pools. Workers stop when ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	submitLimiter := rate.NewLimiter(s.cfg.SubmitRate, s.cfg.SubmitBurst)
	for i := 0; i < s.cfg.SubmitConcurrency; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, model.TaskSubmit, submitLimiter, s.handleSubmit)
		}()
	}

	finalizeLimiter := rate.NewLimiter(s.cfg.FinalizeRate, s.cfg.FinalizeBurst)
	for i := 0; i < s.cfg.FinalizeConcurrency; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, model.TaskFinalize, finalizeLimiter, s.handleFinalize)
		}()
	}
}

// Wait blocks until all workers have exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// runLoop claims tasks of one kind and hands them to the phase handler.
func (s *Supervisor) runLoop(ctx context.Context, kind model.TaskKind, limiter *rate.Limiter, handle func(context.Context, *model.Task)) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := s.store.ClaimTask(ctx, kind, time.Now().UTC())
		if err != nil {
			s.logger.Error("claim task", "kind", kind, "error", err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		// The limit meters tasks actually started, not empty polls, so the
		// wait happens only once a task is in hand.
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		start := time.Now()
		handle(ctx, task)
		phaseDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}
}

// backoff returns the exponential retry delay for the given attempt number.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// release puts a task back on the queue with backoff.
func (s *Supervisor) release(ctx context.Context, t *model.Task) {
	runAfter := time.Now().UTC().Add(s.backoff(t.Attempt))
	if err := s.store.ReleaseTask(ctx, t.ID, runAfter); err != nil {
		s.logger.Error("release task", "task_id", t.ID, "error", err)
	}
	tasksTotal.WithLabelValues(string(t.Kind), outcomeRetried).Inc()
}

// drop removes a finished task from the queue.
func (s *Supervisor) drop(ctx context.Context, t *model.Task) {
	if err := s.store.DeleteTask(ctx, t.ID); err != nil {
		s.logger.Error("delete task", "task_id", t.ID, "error", err)
	}
}

// observeCancellation settles a job the caller found cancelling or already
// settled at phase entry. It reports whether the task should stop.
func (s *Supervisor) observeCancellation(ctx context.Context, t *model.Task, j *model.Job) bool {
	switch {
	case j.Status == model.StatusCancelling:
		if _, err := s.repo.SetStatus(ctx, j.ID, model.StatusCancelled, nil); err != nil {
			s.logger.Error("settle cancelling job", "job_id", j.ID, "error", err)
		}
		s.drop(ctx, t)
		tasksTotal.WithLabelValues(string(t.Kind), outcomeCancelled).Inc()
		return true
	case model.IsTerminal(j.Status):
		// A stale task for an already settled job has nothing left to do.
		s.drop(ctx, t)
		tasksTotal.WithLabelValues(string(t.Kind), outcomeCancelled).Inc()
		return true
	}
	return false
}

// fail marks the job failed with a structured error and drops the task.
func (s *Supervisor) fail(ctx context.Context, t *model.Task, jobID string, cause error, steps []model.ExecutionStep) {
	patch := &store.JobPatch{Error: failureOf(cause)}
	if steps != nil {
		patch.Steps = steps
	}
	if _, err := s.repo.SetStatus(ctx, jobID, model.StatusFailed, patch); err != nil {
		s.logger.Error("mark job failed", "job_id", jobID, "error", err)
	}
	s.drop(ctx, t)
	tasksTotal.WithLabelValues(string(t.Kind), outcomeFailed).Inc()
	s.logger.Error("job failed", "job_id", jobID, "phase", t.Kind, "error", cause)
}

// pipelineCost sums the catalog credit cost of every executed block step.
func (s *Supervisor) pipelineCost(steps []model.ExecutionStep) int64 {
	var total int64
	for _, st := range steps {
		if st.Status != model.StatusCompleted {
			continue
		}
		if desc, err := s.registry.Get(st.BlockID); err == nil {
			total += desc.CreditCost
		}
	}
	return total
}
