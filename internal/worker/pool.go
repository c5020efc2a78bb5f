// Package worker executes queued simulation tasks. Each worker claims a task
// lease, moves the job through its lifecycle with conditional store writes,
// and reports the outcome back to the queue. Duplicate deliveries are
// harmless: the loser of the pending→running claim exits without side
// effects.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitlab/kessler/internal/engine"
	"github.com/orbitlab/kessler/internal/model"
	"github.com/orbitlab/kessler/internal/queue"
	"github.com/orbitlab/kessler/internal/store"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 4

// RetryPolicy controls automatic re-execution after an engine failure.
// Retries happen inside the worker, before the terminal transition, so the
// job state machine never moves backwards.
type RetryPolicy struct {
	AutoRetryOnFailure bool
	MaxRetries         int
}

// Config holds worker pool configuration.
type Config struct {
	Workers int
	Retry   RetryPolicy
}

// Pool runs a set of workers against a shared task queue.
type Pool struct {
	store  store.Store
	queue  queue.TaskQueue
	engine engine.Engine
	sink   engine.ResultSink
	logger *slog.Logger
	cfg    Config
	id     string
}

// NewPool creates a worker pool. The pool id distinguishes this process's
// leases from other worker processes sharing the queue.
func NewPool(s store.Store, q queue.TaskQueue, e engine.Engine, sink engine.ResultSink, logger *slog.Logger, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Pool{
		store:  s,
		queue:  q,
		engine: e,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		id:     uuid.New().String(),
	}
}

// Run starts the workers and blocks until the context is cancelled and all
// in-flight tasks have settled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.id, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		task, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.logger.Error("dequeue failed", "worker_id", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, workerID, task)
	}
}

// process runs one task end-to-end. Terminal writes use a background context
// so a shutdown mid-run never strands the job record.
func (p *Pool) process(ctx context.Context, workerID string, task *queue.Task) {
	var payload queue.Payload
	if err := json.Unmarshal(task.Payload, &payload); err != nil || payload.JobID == "" {
		p.logger.Error("malformed task payload", "task_id", task.ID, "error", err)
		p.report(task.ID, queue.OutcomeFailed, "malformed task payload")
		return
	}

	log := p.logger.With("worker_id", workerID, "task_id", task.ID, "job_id", payload.JobID)

	job, err := p.store.Get(ctx, payload.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// The record was cleared while the task was in flight. Settle the
		// task and move on; this is not an error.
		log.Info("job record gone, settling task")
		p.report(task.ID, queue.OutcomeFailed, "job record deleted")
		return
	}
	if err != nil {
		log.Error("load job failed", "error", err)
		return
	}

	// Claim: only one delivery of this task may move the job to running.
	err = p.store.UpdateStatus(context.Background(), job.ID, model.StatusPending, model.StatusRunning, store.Update{})
	switch {
	case errors.Is(err, store.ErrStaleTransition):
		p.settleDuplicate(task.ID, job.ID, log)
		return
	case errors.Is(err, store.ErrNotFound):
		p.report(task.ID, queue.OutcomeFailed, "job record deleted")
		return
	case err != nil:
		// Store unavailable: leave the task leased so it redelivers.
		log.Error("claim failed", "error", err)
		return
	}

	log.Info("job started", "attempt", task.Attempts)
	start := time.Now()

	result, runErr := p.runWithRetry(ctx, job, log)
	durationS := time.Since(start).Seconds()

	if runErr != nil {
		log.Error("job failed", "error", runErr, "duration_s", durationS)
		p.finish(task.ID, job.ID, model.StatusFailed, store.Update{ErrMsg: runErr.Error()}, log)
		jobsFailedTotal.Inc()
		jobDurationSeconds.Observe(durationS)
		return
	}

	ref, err := p.sink.Save(context.Background(), job.ID, result.Summary)
	if err != nil {
		log.Error("persist result failed", "error", err)
		p.finish(task.ID, job.ID, model.StatusFailed, store.Update{ErrMsg: fmt.Sprintf("persist result: %v", err)}, log)
		jobsFailedTotal.Inc()
		jobDurationSeconds.Observe(durationS)
		return
	}

	log.Info("job completed", "duration_s", durationS, "result_ref", ref)
	p.finish(task.ID, job.ID, model.StatusCompleted, store.Update{ResultRef: ref}, log)
	jobsCompletedTotal.Inc()
	jobDurationSeconds.Observe(durationS)
}

// runWithRetry invokes the engine, guarding against panics and retrying per
// policy. The job stays in running across retries.
func (p *Pool) runWithRetry(ctx context.Context, job *model.SimulationJob, log *slog.Logger) (*engine.Result, error) {
	attempts := 1
	if p.cfg.Retry.AutoRetryOnFailure && p.cfg.Retry.MaxRetries > 0 {
		attempts += p.cfg.Retry.MaxRetries
	}

	progress := func(pct int, stage string) {
		if err := p.store.UpdateProgress(context.Background(), job.ID, pct, stage); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("update progress failed", "error", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := p.runEngine(ctx, job, progress)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < attempts {
			backoff := retryBackoff(attempt)
			log.Warn("engine run failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

// runEngine converts an engine panic into an error so a misbehaving model
// marks the job failed instead of killing the worker process.
func (p *Pool) runEngine(ctx context.Context, job *model.SimulationJob, progress engine.ProgressFunc) (result *engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return p.engine.Run(ctx, job.ScenarioConfig, job.SpeciesConfig, progress)
}

// finish applies the terminal transition and settles the task. A missing
// record (cleared mid-flight) is a no-op; a stale transition means another
// delivery already finished the job.
func (p *Pool) finish(taskID, jobID, status string, upd store.Update, log *slog.Logger) {
	err := p.store.UpdateStatus(context.Background(), jobID, model.StatusRunning, status, upd)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrStaleTransition) {
		// Store unavailable: per the lifecycle contract the job stays in
		// running until the reconciliation sweep flags it.
		log.Error("terminal status update failed", "status", status, "error", err)
		return
	}

	outcome := queue.OutcomeSucceeded
	if status == model.StatusFailed {
		outcome = queue.OutcomeFailed
	}
	p.report(taskID, outcome, upd.ErrMsg)
}

// settleDuplicate handles the losing side of a duplicate delivery: if the
// job already reached a terminal state, settle the task to match; if another
// worker is still running it, leave the lease to expire on its own.
func (p *Pool) settleDuplicate(taskID, jobID string, log *slog.Logger) {
	job, err := p.store.Get(context.Background(), jobID)
	if err != nil {
		log.Error("inspect duplicate delivery failed", "error", err)
		return
	}
	switch job.Status {
	case model.StatusCompleted:
		log.Info("duplicate delivery of completed job, settling task")
		p.report(taskID, queue.OutcomeSucceeded, "")
	case model.StatusFailed:
		log.Info("duplicate delivery of failed job, settling task")
		p.report(taskID, queue.OutcomeFailed, job.Error)
	default:
		log.Info("duplicate delivery while job in progress, backing off")
	}
}

func (p *Pool) report(taskID string, outcome queue.Outcome, message string) {
	if err := p.queue.ReportResult(context.Background(), taskID, outcome, message); err != nil {
		p.logger.Error("report task result failed", "task_id", taskID, "error", err)
	}
}

func retryBackoff(attempt int) time.Duration {
	backoff := time.Second * (1 << (attempt - 1))
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}
