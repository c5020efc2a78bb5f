package store

import (
	"context"
	"errors"
	"time"

	"github.com/orbitlab/kessler/internal/model"
)

// ErrNotFound is returned when no job exists for the given id.
var ErrNotFound = errors.New("job not found")

// ErrDuplicateID is returned when creating a job whose id already exists.
var ErrDuplicateID = errors.New("job id already exists")

// ErrStaleTransition is returned when a conditional status update finds the
// job in a state other than the expected one. Callers racing on duplicate
// task delivery observe this and must back off without side effects.
var ErrStaleTransition = errors.New("stale status transition")

// Filter selects jobs by exact match on a single field. Zero-value fields
// are ignored.
type Filter struct {
	ID     string
	Owner  string
	Name   string
	Status string
}

// Update carries the optional fields written alongside a status transition.
type Update struct {
	ResultRef string
	ErrMsg    string
}

// Stats holds aggregate job statistics.
type Stats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for simulation jobs. The store is
// the single source of truth for job state; conflicting writes to the same id
// are serialized through the conditional UpdateStatus.
type Store interface {
	// Create inserts a new job record. It fails atomically with
	// ErrDuplicateID if the id already exists.
	Create(ctx context.Context, job *model.SimulationJob) error

	// Get retrieves a job by id.
	Get(ctx context.Context, id string) (*model.SimulationJob, error)

	// GetByTaskID retrieves the job correlated with a task handle.
	GetByTaskID(ctx context.Context, taskID string) (*model.SimulationJob, error)

	// List returns jobs matching the filter, newest first. An empty result
	// is a valid outcome, not an error.
	List(ctx context.Context, f Filter) ([]*model.SimulationJob, error)

	// UpdateStatus transitions a job from one status to another. The write
	// only applies if the current status equals from; otherwise
	// ErrStaleTransition (or ErrNotFound if the record is gone) is returned.
	UpdateStatus(ctx context.Context, id, from, to string, upd Update) error

	// SetTaskID records the queue handle for a job after enqueueing.
	SetTaskID(ctx context.Context, id, taskID string) error

	// UpdateProgress records execution progress for a running job.
	UpdateProgress(ctx context.Context, id string, pct int, stage string) error

	// ListStale returns jobs that have been running longer than olderThan
	// without a terminal transition.
	ListStale(ctx context.Context, olderThan time.Duration) ([]*model.SimulationJob, error)

	// DeleteAll removes every job record and returns the number deleted.
	DeleteAll(ctx context.Context) (int64, error)

	// Stats returns aggregate counts and average duration of terminal jobs.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
