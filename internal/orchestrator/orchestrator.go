// Package orchestrator coordinates the job store and task queue behind the
// public submit/query/clear operations. It owns the single idempotency
// guard: a duplicate job id is rejected at creation and never enqueued.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orbitlab/kessler/internal/model"
	"github.com/orbitlab/kessler/internal/queue"
	"github.com/orbitlab/kessler/internal/store"
)

// ErrValidation marks a submission rejected before any persistence.
var ErrValidation = errors.New("invalid job submission")

var jobsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "kessler_jobs_submitted_total",
	Help: "Total number of simulation jobs accepted for execution.",
})

func init() {
	prometheus.MustRegister(jobsSubmittedTotal)
}

// Orchestrator is the public-facing coordination layer. Dependencies are
// injected at construction; it holds no global state.
type Orchestrator struct {
	store  store.Store
	queue  queue.TaskQueue
	logger *slog.Logger
}

// New creates an orchestrator over the given store and queue.
func New(s store.Store, q queue.TaskQueue, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{store: s, queue: q, logger: logger}
}

// Submit validates and persists a new job, enqueues its task, and returns
// the task handle. A duplicate id fails with store.ErrDuplicateID before
// anything is enqueued, leaving the original record untouched.
func (o *Orchestrator) Submit(ctx context.Context, job *model.SimulationJob) (string, error) {
	if job.ID == "" {
		return "", fmt.Errorf("%w: id is required", ErrValidation)
	}
	if len(job.ScenarioConfig) == 0 {
		return "", fmt.Errorf("%w: scenario_properties is required", ErrValidation)
	}
	if len(job.SpeciesConfig) == 0 {
		return "", fmt.Errorf("%w: species is required", ErrValidation)
	}

	now := time.Now().UTC()
	job.Status = model.StatusPending
	job.Error = ""
	job.ResultRef = ""
	job.TaskID = ""
	job.Progress = 0
	job.Stage = ""
	job.CreatedAt = now
	job.ModifiedAt = now

	if err := o.store.Create(ctx, job); err != nil {
		return "", err
	}

	payload, err := queue.MarshalPayload(job.ID)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	handle, err := o.queue.Enqueue(ctx, payload)
	if err != nil {
		// The record exists but will never execute; mark it failed so it
		// does not sit in pending forever.
		if uerr := o.store.UpdateStatus(ctx, job.ID, model.StatusPending, model.StatusFailed,
			store.Update{ErrMsg: "task enqueue failed"}); uerr != nil {
			o.logger.Error("mark unenqueued job failed", "job_id", job.ID, "error", uerr)
		}
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	if err := o.store.SetTaskID(ctx, job.ID, handle); err != nil {
		o.logger.Error("record task handle", "job_id", job.ID, "task_id", handle, "error", err)
	}
	job.TaskID = handle

	o.logger.Info("job submitted", "job_id", job.ID, "task_id", handle, "owner", job.Owner)
	jobsSubmittedTotal.Inc()
	return handle, nil
}

// Job retrieves a single job record by id.
func (o *Orchestrator) Job(ctx context.Context, id string) (*model.SimulationJob, error) {
	return o.store.Get(ctx, id)
}

// Jobs lists job records matching the filter.
func (o *Orchestrator) Jobs(ctx context.Context, f store.Filter) ([]*model.SimulationJob, error) {
	return o.store.List(ctx, f)
}

// Status resolves ref as a job id first, then as a task handle, and merges
// the store and queue views. The store is authoritative; the queue view only
// distinguishes a task not yet picked up from one the system has never seen.
func (o *Orchestrator) Status(ctx context.Context, ref string) (*StatusView, error) {
	job, err := o.store.Get(ctx, ref)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, store.ErrNotFound) {
		job, err = o.store.GetByTaskID(ctx, ref)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if job != nil {
		queueStatus := queue.StatusUnknown
		if job.TaskID != "" {
			queueStatus, err = o.queue.PollStatus(ctx, job.TaskID)
			if err != nil {
				return nil, err
			}
		}
		return buildView(job, queueStatus), nil
	}

	// Nothing in the store; the queue may still remember the handle.
	queueStatus, err := o.queue.PollStatus(ctx, ref)
	if err != nil {
		return nil, err
	}
	return queueOnlyView(ref, queueStatus), nil
}

// ClearAll deletes every job record. In-flight tasks are not cancelled;
// their eventual status updates against deleted ids are no-ops.
func (o *Orchestrator) ClearAll(ctx context.Context) (int64, error) {
	n, err := o.store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	o.logger.Info("cleared all jobs", "deleted", n)
	return n, nil
}

// Stats returns aggregate job statistics.
func (o *Orchestrator) Stats(ctx context.Context) (*store.Stats, error) {
	return o.store.Stats(ctx)
}
