// Package queue carries job-execution requests from submitters to workers
// with at-least-once delivery. A dequeued task holds a lease; if the worker
// dies without reporting, the lease expires and the task becomes eligible
// for redelivery. Idempotent conditional writes on the job store make that
// redelivery safe.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Task status constants. These describe the queue's view of a task, which is
// reconciled with the authoritative job store at read time.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusUnknown   = "unknown"
)

// Outcome is the terminal result a worker reports for a task.
type Outcome string

const (
	OutcomeSucceeded Outcome = StatusSucceeded
	OutcomeFailed    Outcome = StatusFailed
)

// Task is the queue-level unit of work correlated 1:1 with a job.
type Task struct {
	ID       string
	Payload  json.RawMessage
	Attempts int
}

// Payload is the wire body of a task: it references the job by id, the job
// record itself stays in the store.
type Payload struct {
	JobID string `json:"job_id"`
}

// MarshalPayload encodes a task payload referencing the given job.
func MarshalPayload(jobID string) (json.RawMessage, error) {
	return json.Marshal(Payload{JobID: jobID})
}

// TaskQueue defines the delivery channel between submitters and workers.
type TaskQueue interface {
	// Enqueue adds a task and returns its handle.
	Enqueue(ctx context.Context, payload json.RawMessage) (string, error)

	// Dequeue blocks until a task is available or the context is done. The
	// returned task is leased to workerID; delivery counts are tracked in
	// Task.Attempts.
	Dequeue(ctx context.Context, workerID string) (*Task, error)

	// ReportResult settles a leased task with its terminal outcome.
	ReportResult(ctx context.Context, taskID string, outcome Outcome, message string) error

	// Requeue returns a leased task to pending for another delivery.
	Requeue(ctx context.Context, taskID string) error

	// PollStatus reports the queue's view of a task. Unknown or expired
	// handles yield StatusUnknown, not an error.
	PollStatus(ctx context.Context, taskID string) (string, error)

	// ReleaseStaleLeases returns tasks with expired leases to pending and
	// reports how many were released.
	ReleaseStaleLeases(ctx context.Context, grace time.Duration) (int64, error)

	// Depth reports the number of tasks waiting for delivery.
	Depth(ctx context.Context) (int, error)

	Close() error
}
