package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orbitlab/kessler/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemStore)(nil)

// MemStore implements Store with an in-process map. It carries the same
// conditional-write semantics as the SQLite store and backs fast tests and
// single-process deployments that do not need durability.
type MemStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.SimulationJob
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*model.SimulationJob)}
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }

func (s *MemStore) Create(_ context.Context, job *model.SimulationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateID
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*model.SimulationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemStore) GetByTaskID(_ context.Context, taskID string) (*model.SimulationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.TaskID == taskID {
			cp := *job
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) List(_ context.Context, f Filter) ([]*model.SimulationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*model.SimulationJob
	for _, job := range s.jobs {
		if f.ID != "" && job.ID != f.ID {
			continue
		}
		if f.Owner != "" && job.Owner != f.Owner {
			continue
		}
		if f.Name != "" && job.Name != f.Name {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *MemStore) UpdateStatus(_ context.Context, id, from, to string, upd Update) error {
	if !model.ValidTransition(from, to) {
		return ErrStaleTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != from {
		return ErrStaleTransition
	}
	job.Status = to
	job.Error = upd.ErrMsg
	if upd.ResultRef != "" {
		job.ResultRef = upd.ResultRef
	}
	job.ModifiedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) SetTaskID(_ context.Context, id, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.TaskID = taskID
	job.ModifiedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) UpdateProgress(_ context.Context, id string, pct int, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Progress = pct
	job.Stage = stage
	job.ModifiedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) ListStale(_ context.Context, olderThan time.Duration) ([]*model.SimulationJob, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*model.SimulationJob
	for _, job := range s.jobs {
		if job.Status == model.StatusRunning && job.ModifiedAt.Before(cutoff) {
			cp := *job
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ModifiedAt.Before(stale[j].ModifiedAt)
	})
	return stale, nil
}

func (s *MemStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.jobs))
	s.jobs = make(map[string]*model.SimulationJob)
	return n, nil
}

func (s *MemStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Stats{CountByStatus: make(map[string]int)}
	var sumMS float64
	var terminal int
	for _, job := range s.jobs {
		stats.CountByStatus[job.Status]++
		stats.Total++
		if model.Terminal(job.Status) {
			sumMS += float64(job.ModifiedAt.Sub(job.CreatedAt).Milliseconds())
			terminal++
		}
	}
	if terminal > 0 {
		stats.AvgDurationMS = sumMS / float64(terminal)
	}
	return stats, nil
}
