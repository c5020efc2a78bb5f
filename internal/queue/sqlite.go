package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orbitlab/kessler/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    payload     TEXT NOT NULL,
    status      TEXT NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    locked_by   TEXT NOT NULL DEFAULT '',
    lease_until DATETIME,
    message     TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
)`

const (
	// DefaultLease is how long a worker may hold a task before it becomes
	// eligible for redelivery.
	DefaultLease = 5 * time.Minute

	// DefaultPollInterval is how often Dequeue checks for new tasks.
	DefaultPollInterval = 100 * time.Millisecond
)

// Compile-time interface satisfaction check.
var _ TaskQueue = (*SQLiteQueue)(nil)

// SQLiteQueue implements TaskQueue on SQLite. Claims happen inside a
// transaction so that concurrent workers never lease the same task twice
// within one lease window.
type SQLiteQueue struct {
	db           *sql.DB
	lease        time.Duration
	pollInterval time.Duration
}

// QueueOption configures a SQLiteQueue.
type QueueOption func(*SQLiteQueue)

// WithLease sets the lease duration for dequeued tasks.
func WithLease(d time.Duration) QueueOption {
	return func(q *SQLiteQueue) { q.lease = d }
}

// WithPollInterval sets how often Dequeue polls for work.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *SQLiteQueue) { q.pollInterval = d }
}

// NewSQLiteQueue opens the SQLite database at dbPath and runs migrations.
// The same file may be shared with the job store; WAL mode keeps readers
// and writers from blocking each other.
func NewSQLiteQueue(dbPath string, opts ...QueueOption) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Claim transactions from concurrent workers serialize on a single
	// connection; with ":memory:" every pooled connection would otherwise be
	// its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	q := &SQLiteQueue{
		db:           db,
		lease:        DefaultLease,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Enqueue adds a task and returns its handle.
func (q *SQLiteQueue) Enqueue(ctx context.Context, payload json.RawMessage) (string, error) {
	id := model.NewID()
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(payload), StatusPending, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// Dequeue blocks until a task is claimed or the context is done.
func (q *SQLiteQueue) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		task, err := q.tryClaim(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryClaim leases the oldest deliverable task: pending, or running with an
// expired lease (redelivery after a worker crash).
func (q *SQLiteQueue) tryClaim(ctx context.Context, workerID string) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	task := &Task{}
	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload, attempts FROM tasks
		WHERE status = ? OR (status = ? AND lease_until < ?)
		ORDER BY created_at, id LIMIT 1`,
		StatusPending, StatusRunning, now,
	).Scan(&task.ID, &payload, &task.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable task: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks
		SET status = ?, locked_by = ?, lease_until = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND (status = ? OR (status = ? AND lease_until < ?))`,
		StatusRunning, workerID, now.Add(q.lease), now,
		task.ID, StatusPending, StatusRunning, now,
	)
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		// Lost the claim race; let the caller poll again.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	task.Payload = []byte(payload)
	task.Attempts++
	return task, nil
}

// ReportResult settles a leased task with its terminal outcome.
func (q *SQLiteQueue) ReportResult(ctx context.Context, taskID string, outcome Outcome, message string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, message = ?, locked_by = '', lease_until = NULL, updated_at = ?
		WHERE id = ?`,
		string(outcome), message, time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("report result: %w", err)
	}
	return nil
}

// Requeue returns a leased task to pending for another delivery.
func (q *SQLiteQueue) Requeue(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, locked_by = '', lease_until = NULL, updated_at = ?
		WHERE id = ?`,
		StatusPending, time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// PollStatus reports the queue's view of a task. Unknown handles yield
// StatusUnknown, never an error: callers must be able to distinguish a task
// the queue has forgotten from one that failed.
func (q *SQLiteQueue) PollStatus(ctx context.Context, taskID string) (string, error) {
	var status string
	err := q.db.QueryRowContext(ctx,
		"SELECT status FROM tasks WHERE id = ?", taskID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("poll task status: %w", err)
	}
	return status, nil
}

// ReleaseStaleLeases returns tasks with leases expired for at least grace
// back to pending.
func (q *SQLiteQueue) ReleaseStaleLeases(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, locked_by = '', lease_until = NULL, updated_at = ?
		WHERE status = ? AND lease_until < ?`,
		StatusPending, time.Now().UTC(), StatusRunning, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("release stale leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// Depth reports the number of tasks waiting for delivery.
func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status = ?", StatusPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
