package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitlab/kessler/internal/engine"
	"github.com/orbitlab/kessler/internal/model"
	"github.com/orbitlab/kessler/internal/queue"
	"github.com/orbitlab/kessler/internal/store"
)

const testScenario = `{
	"start_date": "2018-01-01",
	"simulation_duration": 10,
	"steps": 3,
	"min_altitude": 200,
	"max_altitude": 1400,
	"n_shells": 5,
	"launch_function": "constant",
	"integrator": "rk4",
	"density_model": "static_exp_dens_func",
	"LC": 0.1,
	"v_imp": 10
}`

const testSpecies = `{"S": {"mass": 1250, "area": 12, "lambda": 40}}`

// fakeEngine fails a configurable number of runs before succeeding, or
// panics on demand.
type fakeEngine struct {
	mu       sync.Mutex
	failures int
	panics   bool
	calls    int
}

func (f *fakeEngine) Run(_ context.Context, _, _ json.RawMessage, progress engine.ProgressFunc) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		panic("numerical instability")
	}
	if f.calls <= f.failures {
		return nil, &engine.Error{Stage: "integration", Err: context.DeadlineExceeded}
	}
	if progress != nil {
		progress(100, "completed")
	}
	return &engine.Result{Summary: []byte(`{"ok":true}`)}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type poolFixture struct {
	store store.Store
	queue *queue.SQLiteQueue
	pool  *Pool
}

func newPoolFixture(t *testing.T, eng engine.Engine, cfg Config) *poolFixture {
	t.Helper()
	s := store.NewMemStore()
	q, err := queue.NewSQLiteQueue(":memory:", queue.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	sink, err := engine.NewFileSink(filepath.Join(t.TempDir(), "results"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &poolFixture{
		store: s,
		queue: q,
		pool:  NewPool(s, q, eng, sink, logger, cfg),
	}
}

func (f *poolFixture) submitJob(t *testing.T, id string) *queue.Task {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := &model.SimulationJob{
		ID:             id,
		Name:           "test",
		Owner:          "tester",
		ScenarioConfig: []byte(testScenario),
		SpeciesConfig:  []byte(testSpecies),
		Status:         model.StatusPending,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	require.NoError(t, f.store.Create(ctx, job))

	payload, err := json.Marshal(queue.Payload{JobID: id})
	require.NoError(t, err)
	handle, err := f.queue.Enqueue(ctx, payload)
	require.NoError(t, err)
	require.NoError(t, f.store.SetTaskID(ctx, id, handle))

	task, err := f.queue.Dequeue(ctx, "test-worker")
	require.NoError(t, err)
	return task
}

func TestProcessCompletesJob(t *testing.T) {
	f := newPoolFixture(t, &fakeEngine{}, Config{})
	task := f.submitJob(t, "s1")

	f.pool.process(context.Background(), "w0", task)

	job, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.NotEmpty(t, job.ResultRef)
	assert.Empty(t, job.Error)

	status, err := f.queue.PollStatus(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, status)
}

func TestProcessEngineFailure(t *testing.T) {
	f := newPoolFixture(t, &fakeEngine{failures: 10}, Config{})
	task := f.submitJob(t, "s2")

	f.pool.process(context.Background(), "w0", task)

	job, err := f.store.Get(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "engine integration")
	assert.Empty(t, job.ResultRef)

	status, err := f.queue.PollStatus(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, status)
}

func TestProcessEnginePanic(t *testing.T) {
	f := newPoolFixture(t, &fakeEngine{panics: true}, Config{})
	task := f.submitJob(t, "s3")

	// Must not propagate the panic.
	f.pool.process(context.Background(), "w0", task)

	job, err := f.store.Get(context.Background(), "s3")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "panic")
}

func TestProcessDuplicateDeliveryInProgress(t *testing.T) {
	f := newPoolFixture(t, &fakeEngine{}, Config{})
	task := f.submitJob(t, "s4")
	ctx := context.Background()

	// Another worker already claimed the job.
	require.NoError(t, f.store.UpdateStatus(ctx, "s4", model.StatusPending, model.StatusRunning, store.Update{}))

	f.pool.process(ctx, "w0", task)

	// The losing delivery produced no side effects.
	job, err := f.store.Get(ctx, "s4")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, job.Status)
	assert.Empty(t, job.ResultRef)

	status, err := f.queue.PollStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, status, "task stays leased until its owner reports")
}

func TestProcessDuplicateDeliveryAfterCompletion(t *testing.T) {
	f := newPoolFixture(t, &fakeEngine{}, Config{})
	task := f.submitJob(t, "s5")
	ctx := context.Background()

	f.pool.process(ctx, "w0", task)
	first, err := f.store.Get(ctx, "s5")
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, first.Status)

	// Redelivery of the settled task: exactly one terminal transition.
	f.pool.process(ctx, "w1", task)

	second, err := f.store.Get(ctx, "s5")
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ResultRef, second.ResultRef)
	assert.Equal(t, first.ModifiedAt, second.ModifiedAt)
}

func TestProcessClearedJobIsNoOp(t *testing.T) {
	f := newPoolFixture(t, &fakeEngine{}, Config{})
	task := f.submitJob(t, "s6")
	ctx := context.Background()

	_, err := f.store.DeleteAll(ctx)
	require.NoError(t, err)

	f.pool.process(ctx, "w0", task)

	status, err := f.queue.PollStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, status)
}

func TestRetryPolicyRecovers(t *testing.T) {
	eng := &fakeEngine{failures: 1}
	f := newPoolFixture(t, eng, Config{Retry: RetryPolicy{AutoRetryOnFailure: true, MaxRetries: 1}})
	task := f.submitJob(t, "s7")

	f.pool.process(context.Background(), "w0", task)

	assert.Equal(t, 2, eng.callCount())
	job, err := f.store.Get(context.Background(), "s7")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
}

func TestRetryDisabledByDefault(t *testing.T) {
	eng := &fakeEngine{failures: 1}
	f := newPoolFixture(t, eng, Config{})
	task := f.submitJob(t, "s8")

	f.pool.process(context.Background(), "w0", task)

	assert.Equal(t, 1, eng.callCount())
	job, err := f.store.Get(context.Background(), "s8")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
}

func TestPoolRunEndToEnd(t *testing.T) {
	eng, err := engine.NewDebrisEngine()
	require.NoError(t, err)
	f := newPoolFixture(t, eng, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()

	now := time.Now().UTC()
	job := &model.SimulationJob{
		ID:             "e2e",
		Name:           "end-to-end",
		Owner:          "tester",
		ScenarioConfig: []byte(testScenario),
		SpeciesConfig:  []byte(testSpecies),
		Status:         model.StatusPending,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	require.NoError(t, f.store.Create(ctx, job))
	payload, err := json.Marshal(queue.Payload{JobID: "e2e"})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), "e2e")
		return err == nil && got.Status == model.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := f.store.Get(context.Background(), "e2e")
	require.NoError(t, err)
	assert.NotEmpty(t, got.ResultRef)
	assert.Equal(t, 100, got.Progress)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
