package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orbitlab/kessler/internal/queue"
	"github.com/orbitlab/kessler/internal/store"
)

// DefaultStaleThreshold is the default maximum time a job may sit in running
// before it is flagged as anomalous.
const DefaultStaleThreshold = 30 * time.Minute

// Reconciler periodically releases expired task leases and flags jobs stuck
// in running past the staleness threshold. Stuck jobs are surfaced to
// operators through logs and metrics; they are never retried or transitioned
// automatically.
type Reconciler struct {
	store     store.Store
	queue     queue.TaskQueue
	logger    *slog.Logger
	threshold time.Duration
	cron      *cron.Cron
}

// NewReconciler creates a reconciler with the given staleness threshold.
func NewReconciler(s store.Store, q queue.TaskQueue, logger *slog.Logger, threshold time.Duration) *Reconciler {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Reconciler{
		store:     s,
		queue:     q,
		logger:    logger,
		threshold: threshold,
		cron:      cron.New(),
	}
}

// Start schedules the sweep with a cron spec such as "@every 1m".
func (r *Reconciler) Start(schedule string) error {
	if _, err := r.cron.AddFunc(schedule, func() {
		r.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule reconcile sweep: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	released, err := r.queue.ReleaseStaleLeases(ctx, 0)
	if err != nil {
		r.logger.Error("release stale leases failed", "error", err)
	} else if released > 0 {
		r.logger.Warn("released stale task leases", "count", released)
	}

	stale, err := r.store.ListStale(ctx, r.threshold)
	if err != nil {
		r.logger.Error("list stale jobs failed", "error", err)
	} else {
		staleRunningJobs.Set(float64(len(stale)))
		for _, job := range stale {
			r.logger.Warn("job stuck in running past staleness threshold",
				"job_id", job.ID,
				"task_id", job.TaskID,
				"modified_at", job.ModifiedAt,
			)
		}
	}

	depth, err := r.queue.Depth(ctx)
	if err != nil {
		r.logger.Error("queue depth failed", "error", err)
		return
	}
	queueDepth.Set(float64(depth))
}
