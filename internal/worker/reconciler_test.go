package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitlab/kessler/internal/model"
	"github.com/orbitlab/kessler/internal/queue"
	"github.com/orbitlab/kessler/internal/store"
)

func TestSweepReleasesExpiredLeases(t *testing.T) {
	s := store.NewMemStore()
	q, err := queue.NewSQLiteQueue(":memory:",
		queue.WithPollInterval(5*time.Millisecond),
		queue.WithLease(time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	ctx := context.Background()
	payload, err := json.Marshal(queue.Payload{JobID: "j1"})
	require.NoError(t, err)
	handle, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "crashed-worker")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(s, q, logger, time.Minute)
	r.Sweep(ctx)

	status, err := q.PollStatus(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, status, "expired lease must return to pending")
}

func TestSweepFlagsStuckRunningJobs(t *testing.T) {
	s := store.NewMemStore()
	q, err := queue.NewSQLiteQueue(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	job := &model.SimulationJob{
		ID:             "stuck",
		Name:           "stuck",
		Owner:          "tester",
		ScenarioConfig: []byte(`{}`),
		SpeciesConfig:  []byte(`{}`),
		Status:         model.StatusPending,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	require.NoError(t, s.Create(ctx, job))
	require.NoError(t, s.UpdateStatus(ctx, "stuck", model.StatusPending, model.StatusRunning, store.Update{}))

	time.Sleep(5 * time.Millisecond)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(s, q, logger, time.Nanosecond)
	r.Sweep(ctx)

	// The sweep only observes; it never transitions the job.
	got, err := s.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestReconcilerStartStop(t *testing.T) {
	s := store.NewMemStore()
	q, err := queue.NewSQLiteQueue(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(s, q, logger, 0)
	require.NoError(t, r.Start("@every 1h"))
	r.Stop()
}
