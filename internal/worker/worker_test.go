package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/storage/memory"
	"github.com/relayq/relayq/internal/task"
)

func newHarness(t *testing.T) (*memory.Store, *task.Registry, *queue.Queue) {
	t.Helper()
	store := memory.New()
	registry := task.NewRegistry()
	return store, registry, queue.New(store, registry)
}

func startWorker(t *testing.T, q *queue.Queue, registry *task.Registry, store *memory.Store, cfg Config) *Worker {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}
	w := New(q, registry, store, cfg)
	go func() {
		_ = w.Run(context.Background())
	}()
	require.Eventually(t, func() bool { return w.State() == StateRunning },
		2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		_ = w.Shutdown(context.Background(), time.Second)
	})
	return w
}

func waitForStatus(t *testing.T, q *queue.Queue, jobID string, want domain.Status) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		got, err := q.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = got
		return got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func TestWorkerExecutesJobToCompletion(t *testing.T) {
	store, registry, q := newHarness(t)

	require.NoError(t, registry.Register("echo", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		return map[string]any{"echo": jc.Kwargs["msg"]}, nil
	}, task.Config{}))

	startWorker(t, q, registry, store, Config{ID: "w1", Capacity: 2})

	id, err := q.Enqueue(context.Background(), queue.EnqueueSpec{
		TaskName: "echo",
		Kwargs:   map[string]any{"msg": "hello"},
	})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, domain.StatusCompleted)
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.Result)
	result, ok := job.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", result["echo"])
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.CompletedAt.Before(*job.StartedAt))
}

func TestWorkerRetriesFlakyHandler(t *testing.T) {
	store, registry, q := newHarness(t)

	var calls atomic.Int32
	require.NoError(t, registry.Register("flaky", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient glitch")
		}
		return "ok", nil
	}, task.Config{
		MaxAttempts: 3,
		Retry:       domain.RetryPolicy{BaseDelay: 20 * time.Millisecond, Factor: 1, Jitter: false, MaxDelay: time.Second},
	}))

	startWorker(t, q, registry, store, Config{ID: "w1", Capacity: 1})

	id, err := q.Enqueue(context.Background(), queue.EnqueueSpec{TaskName: "flaky"})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, domain.StatusCompleted)
	assert.Equal(t, 3, job.Attempt)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWorkerRoutesPanicsToFailure(t *testing.T) {
	store, registry, q := newHarness(t)

	require.NoError(t, registry.Register("bomb", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		panic("kaboom")
	}, task.Config{MaxAttempts: 3}))

	startWorker(t, q, registry, store, Config{ID: "w1", Capacity: 1})

	id, err := q.Enqueue(context.Background(), queue.EnqueueSpec{TaskName: "bomb"})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, domain.StatusFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.ErrKindTaskExecution, job.Error.Kind)
	assert.Contains(t, job.Error.Message, "kaboom")
	assert.NotEmpty(t, job.Error.Stack, "panics record a backtrace")
	assert.Equal(t, 1, job.Attempt, "panics never retry")
}

func TestWorkerTimeoutClassifiedDistinctly(t *testing.T) {
	store, registry, q := newHarness(t)

	require.NoError(t, registry.Register("slow", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, task.Config{MaxAttempts: 1, Timeout: 30 * time.Millisecond}))

	startWorker(t, q, registry, store, Config{ID: "w1", Capacity: 1})

	id, err := q.Enqueue(context.Background(), queue.EnqueueSpec{TaskName: "slow"})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, domain.StatusFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.ErrKindTimeout, job.Error.Kind)
}

func TestWorkerHonorsCooperativeCancellation(t *testing.T) {
	store, registry, q := newHarness(t)

	started := make(chan struct{})
	require.NoError(t, registry.Register("sleepy", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, task.Config{MaxAttempts: 3}))

	startWorker(t, q, registry, store, Config{ID: "w1", Capacity: 1})

	id, err := q.Enqueue(context.Background(), queue.EnqueueSpec{TaskName: "sleepy"})
	require.NoError(t, err)

	<-started
	waitForStatus(t, q, id, domain.StatusRunning)
	require.NoError(t, q.Cancel(context.Background(), id))

	job := waitForStatus(t, q, id, domain.StatusCancelled)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.ErrKindCancelled, job.Error.Kind)
}

func TestWorkerUnknownTaskFailsValidation(t *testing.T) {
	store, registry, q := newHarness(t)

	// Producer-side registry knows the task; this worker does not.
	require.NoError(t, registry.Register("known", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		return nil, nil
	}, task.Config{}))

	id, err := q.Enqueue(context.Background(), queue.EnqueueSpec{TaskName: "known"})
	require.NoError(t, err)

	workerRegistry := task.NewRegistry()
	startWorker(t, q, workerRegistry, store, Config{ID: "w1", Capacity: 1})

	job := waitForStatus(t, q, id, domain.StatusFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.ErrKindValidation, job.Error.Kind)
}

func TestWorkerPriorityFilterSpecialization(t *testing.T) {
	store, registry, q := newHarness(t)

	done := make(chan string, 4)
	require.NoError(t, registry.Register("tagged", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		done <- jc.JobID
		return nil, nil
	}, task.Config{}))

	startWorker(t, q, registry, store, Config{
		ID:         "critical-only",
		Capacity:   1,
		Priorities: []domain.Priority{domain.PriorityCritical},
	})

	low := domain.PriorityLow
	critical := domain.PriorityCritical
	lowID, err := q.Enqueue(context.Background(), queue.EnqueueSpec{TaskName: "tagged", Priority: &low})
	require.NoError(t, err)
	criticalID, err := q.Enqueue(context.Background(), queue.EnqueueSpec{TaskName: "tagged", Priority: &critical})
	require.NoError(t, err)

	waitForStatus(t, q, criticalID, domain.StatusCompleted)

	// The low job stays pending for a specialized fleet.
	job, err := q.Get(context.Background(), lowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)
}

func TestWorkerPauseStopsReserving(t *testing.T) {
	store, registry, q := newHarness(t)

	require.NoError(t, registry.Register("quick", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		return nil, nil
	}, task.Config{}))

	w := startWorker(t, q, registry, store, Config{ID: "w1", Capacity: 1})
	w.Pause()
	require.Equal(t, StatePaused, w.State())

	id, err := q.Enqueue(context.Background(), queue.EnqueueSpec{TaskName: "quick"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status, "paused workers reserve nothing")

	w.Resume()
	waitForStatus(t, q, id, domain.StatusCompleted)
}

func TestWorkerGracefulShutdownDrains(t *testing.T) {
	store, registry, q := newHarness(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, registry.Register("holding", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		close(entered)
		<-release
		return "done", nil
	}, task.Config{}))

	w := startWorker(t, q, registry, store, Config{ID: "w1", Capacity: 1})

	id, err := q.Enqueue(context.Background(), queue.EnqueueSpec{TaskName: "holding"})
	require.NoError(t, err)
	<-entered

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, w.Shutdown(context.Background(), 2*time.Second))

	// The in-flight job finished; nothing is left reserved or running.
	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status)
	assert.Equal(t, StateStopped, w.State())

	// Registration removed on clean exit.
	_, err = store.GetWorker(context.Background(), "w1")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestWorkerHeartbeatRefreshesRegistration(t *testing.T) {
	store, registry, q := newHarness(t)

	require.NoError(t, registry.Register("quick", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		return nil, nil
	}, task.Config{}))

	startWorker(t, q, registry, store, Config{
		ID:                "w1",
		Capacity:          1,
		HeartbeatInterval: 20 * time.Millisecond,
	})

	reg, err := store.GetWorker(context.Background(), "w1")
	require.NoError(t, err)
	initial := reg.LastHeartbeatAt

	require.Eventually(t, func() bool {
		fresh, err := store.GetWorker(context.Background(), "w1")
		return err == nil && fresh.LastHeartbeatAt.After(initial)
	}, 2*time.Second, 10*time.Millisecond, "heartbeat never advanced")
}

func TestWorkerHealthSnapshot(t *testing.T) {
	store, registry, q := newHarness(t)
	w := startWorker(t, q, registry, store, Config{ID: "w1", Capacity: 3, Queues: []string{"default", "emails"}})

	h := w.Health()
	assert.Equal(t, "w1", h.ID)
	assert.Equal(t, StateRunning, h.State)
	assert.Equal(t, 3, h.Capacity)
	assert.Equal(t, 0, h.InFlight)
	assert.Equal(t, []string{"default", "emails"}, h.Queues)
}
