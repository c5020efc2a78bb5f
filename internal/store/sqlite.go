package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orbitlab/kessler/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    owner       TEXT NOT NULL,
    description TEXT NOT NULL,
    scenario    TEXT NOT NULL,
    species     TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    result_ref  TEXT NOT NULL DEFAULT '',
    task_id     TEXT NOT NULL DEFAULT '',
    progress    INTEGER NOT NULL DEFAULT 0,
    stage       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    modified_at DATETIME NOT NULL
)`

const jobColumns = `id, name, owner, description, scenario, species, status,
	error, result_ref, task_id, progress, stage, created_at, modified_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new job record. ON CONFLICT DO NOTHING keeps the insert
// atomic; zero rows affected means the id already exists.
func (s *SQLiteStore) Create(ctx context.Context, job *model.SimulationJob) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, name, owner, description, scenario, species, status,
			error, result_ref, task_id, progress, stage, created_at, modified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		job.ID, job.Name, job.Owner, job.Description,
		string(job.ScenarioConfig), string(job.SpeciesConfig), job.Status,
		job.Error, job.ResultRef, job.TaskID, job.Progress, job.Stage,
		job.CreatedAt, job.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

// Get retrieves a job by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.SimulationJob, error) {
	return s.getWhere(ctx, "id = ?", id)
}

// GetByTaskID retrieves the job correlated with a task handle.
func (s *SQLiteStore) GetByTaskID(ctx context.Context, taskID string) (*model.SimulationJob, error) {
	return s.getWhere(ctx, "task_id = ?", taskID)
}

func (s *SQLiteStore) getWhere(ctx context.Context, cond string, arg any) (*model.SimulationJob, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE "+cond, arg)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*model.SimulationJob, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var conds []string
	var args []any
	if f.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, f.ID)
	}
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, f.Name)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// UpdateStatus transitions a job from one status to another. The WHERE clause
// on the current status makes the write conditional: a concurrent writer that
// already moved the job on sees zero rows affected.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, from, to string, upd Update) error {
	if !model.ValidTransition(from, to) {
		return ErrStaleTransition
	}

	var res sql.Result
	var err error
	if upd.ResultRef != "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error = ?, result_ref = ?, modified_at = ?
			WHERE id = ? AND status = ?`,
			to, upd.ErrMsg, upd.ResultRef, time.Now().UTC(), id, from,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error = ?, modified_at = ?
			WHERE id = ? AND status = ?`,
			to, upd.ErrMsg, time.Now().UTC(), id, from,
		)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

// SetTaskID records the queue handle for a job after enqueueing.
func (s *SQLiteStore) SetTaskID(ctx context.Context, id, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET task_id = ?, modified_at = ? WHERE id = ?",
		taskID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set task id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress records execution progress for a running job.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, pct int, stage string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET progress = ?, stage = ?, modified_at = ? WHERE id = ?",
		pct, stage, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStale returns jobs running longer than olderThan without a terminal
// transition. Progress writes bump modified_at, so a job only shows up here
// once its worker has gone quiet.
func (s *SQLiteStore) ListStale(ctx context.Context, olderThan time.Duration) ([]*model.SimulationJob, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? AND modified_at < ? ORDER BY modified_at",
		model.StatusRunning, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// DeleteAll removes every job record and returns the number deleted.
func (s *SQLiteStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs")
	if err != nil {
		return 0, fmt.Errorf("delete all jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// Stats returns aggregate counts and the average wall-clock duration of
// terminal jobs.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(modified_at) - julianday(created_at)) * 86400000.0)
		FROM jobs WHERE status IN (?, ?)`,
		model.StatusCompleted, model.StatusFailed,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average job duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.SimulationJob, error) {
	job := &model.SimulationJob{}
	var scenario, species string
	err := r.Scan(
		&job.ID, &job.Name, &job.Owner, &job.Description,
		&scenario, &species, &job.Status,
		&job.Error, &job.ResultRef, &job.TaskID, &job.Progress, &job.Stage,
		&job.CreatedAt, &job.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	job.ScenarioConfig = []byte(scenario)
	job.SpeciesConfig = []byte(species)
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]*model.SimulationJob, error) {
	var jobs []*model.SimulationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
