package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/scheduler"
	"github.com/relayq/relayq/internal/storage"
	"github.com/relayq/relayq/internal/storage/memory"
	"github.com/relayq/relayq/internal/task"
	"github.com/relayq/relayq/internal/worker"
)

func newManager(t *testing.T, cfg Config) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	registry := task.NewRegistry()
	require.NoError(t, registry.Register("noop", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		return "ok", nil
	}, task.Config{}))
	return New(store, registry, cfg), store
}

func TestStartStopLifecycle(t *testing.T) {
	mgr, _ := newManager(t, Config{
		Workers: []worker.Config{{
			ID:           "w1",
			Capacity:     1,
			PollInterval: 10 * time.Millisecond,
		}},
		SchedulerEnabled: true,
		Scheduler: scheduler.Config{
			CheckInterval:    50 * time.Millisecond,
			MaxStartupJitter: time.Millisecond,
		},
		ReaperInterval: 50 * time.Millisecond,
		ShutdownGrace:  time.Second,
	})
	ctx := context.Background()

	require.NoError(t, mgr.Start(ctx))
	assert.Error(t, mgr.Start(ctx), "double start must fail")

	id, err := mgr.Enqueue(ctx, queue.EnqueueSpec{TaskName: "noop"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := mgr.GetJob(ctx, id)
		return err == nil && job.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Stop(ctx))

	// After graceful shutdown nothing remains reserved or running.
	// Storage is closed, so assert against the job we tracked.
	assert.NoError(t, mgr.Stop(ctx), "stop is idempotent")
}

func TestReaperRecoversAbandonedReservation(t *testing.T) {
	mgr, store := newManager(t, Config{
		ReaperInterval: 20 * time.Millisecond,
		ShutdownGrace:  time.Second,
	})
	ctx := context.Background()

	id, err := mgr.Enqueue(ctx, queue.EnqueueSpec{TaskName: "noop"})
	require.NoError(t, err)

	// A worker that will never come back reserves the job.
	jobs, err := store.ReserveJobs(ctx, storage.ReserveRequest{
		Queue:    queue.DefaultQueue,
		WorkerID: "crashed",
		Lease:    10 * time.Millisecond,
		Limit:    1,
		Now:      time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, mgr.Start(ctx))
	defer func() { _ = mgr.Stop(ctx) }()

	require.Eventually(t, func() bool {
		job, err := mgr.GetJob(ctx, id)
		if err != nil {
			return false
		}
		return job.Status == domain.StatusRetrying || job.Status == domain.StatusPending
	}, 5*time.Second, 10*time.Millisecond, "reaper never recovered the abandoned job")

	job, err := mgr.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempt, "abandoned reservation charges an attempt")
}

func TestReaperRemovesStaleWorkerRegistrations(t *testing.T) {
	mgr, store := newManager(t, Config{
		ReaperInterval:    20 * time.Millisecond,
		LivenessThreshold: 50 * time.Millisecond,
		ShutdownGrace:     time.Second,
	})
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.UpsertWorker(ctx, &domain.WorkerRegistration{
		ID:              "ghost",
		StartedAt:       stale,
		LastHeartbeatAt: stale,
	}))

	require.NoError(t, mgr.Start(ctx))
	defer func() { _ = mgr.Stop(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.GetWorker(ctx, "ghost")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond, "stale registration never reaped")
}

func TestScheduleAdministration(t *testing.T) {
	mgr, _ := newManager(t, Config{ShutdownGrace: time.Second})
	ctx := context.Background()

	sched, err := mgr.CreateSchedule(ctx, &domain.Schedule{
		Name:     "cleanup",
		TaskName: "noop",
		Queue:    "default",
		Priority: domain.PriorityLow,
		Kind:     domain.KindInterval,
		Interval: time.Hour,
		Enabled:  true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sched.ID)
	require.NotNil(t, sched.NextFireAt)

	// Unknown tasks are rejected.
	_, err = mgr.CreateSchedule(ctx, &domain.Schedule{
		Name:     "bad",
		TaskName: "ghost",
		Kind:     domain.KindInterval,
		Interval: time.Hour,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	require.NoError(t, mgr.SetScheduleEnabled(ctx, sched.ID, false))
	got, err := mgr.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	schedules, err := mgr.ListSchedules(ctx, storage.ScheduleFilter{})
	require.NoError(t, err)
	assert.Len(t, schedules, 1)

	require.NoError(t, mgr.DeleteSchedule(ctx, sched.ID))
	_, err = mgr.GetSchedule(ctx, sched.ID)
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
}

func TestHealthAggregation(t *testing.T) {
	mgr, _ := newManager(t, Config{
		Workers: []worker.Config{{
			ID:           "w1",
			Capacity:     1,
			PollInterval: 10 * time.Millisecond,
		}},
		ShutdownGrace: time.Second,
	})
	ctx := context.Background()

	// Before start the worker has not begun running.
	health := mgr.Health(ctx)
	assert.Equal(t, Degraded, health.Status)

	require.NoError(t, mgr.Start(ctx))
	defer func() { _ = mgr.Stop(ctx) }()

	require.Eventually(t, func() bool {
		return mgr.Health(ctx).Status == Healthy
	}, 2*time.Second, 10*time.Millisecond)

	health = mgr.Health(ctx)
	require.Len(t, health.Components, 2)
	assert.Equal(t, "storage", health.Components[0].Name)
}

func TestPauseResumeQueueThroughManager(t *testing.T) {
	mgr, _ := newManager(t, Config{ShutdownGrace: time.Second})
	ctx := context.Background()

	_, err := mgr.Enqueue(ctx, queue.EnqueueSpec{TaskName: "noop"})
	require.NoError(t, err)

	require.NoError(t, mgr.PauseQueue(ctx, queue.DefaultQueue))
	_, err = mgr.Enqueue(ctx, queue.EnqueueSpec{TaskName: "noop"})
	assert.ErrorIs(t, err, domain.ErrQueuePaused)

	stats, err := mgr.QueueStatistics(ctx, queue.DefaultQueue)
	require.NoError(t, err)
	assert.True(t, stats.Paused)
	assert.Equal(t, int64(1), stats.Length)

	require.NoError(t, mgr.ResumeQueue(ctx, queue.DefaultQueue))
	_, err = mgr.Enqueue(ctx, queue.EnqueueSpec{TaskName: "noop"})
	assert.NoError(t, err)
}
