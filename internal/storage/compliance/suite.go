// Package compliance runs the Storage contract tests every driver must
// pass. Drivers call Run from their own _test.go with a setup function
// returning a fresh store.
package compliance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/storage"
)

// Run executes the contract suite. setup returns a clean Storage and a
// teardown callback.
func Run(t *testing.T, setup func(t *testing.T) (storage.Storage, func())) {
	t.Run("JobInsertAndGet", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		job := newJob("default", domain.PriorityNormal)
		job.Tags = []string{"report"}
		job.Metadata = map[string]any{"tenant": "acme"}
		require.NoError(t, store.InsertJob(ctx, job))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, job.TaskName, got.TaskName)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, []string{"report"}, got.Tags)
		assert.Equal(t, "acme", got.Metadata["tenant"])

		_, err = store.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("DuplicateInsertConflicts", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		job := newJob("default", domain.PriorityNormal)
		require.NoError(t, store.InsertJob(ctx, job))
		assert.ErrorIs(t, store.InsertJob(ctx, job), domain.ErrUniqueConflict)
	})

	t.Run("UniqueKeyBindsOneInFlightJob", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		first := newJob("default", domain.PriorityNormal)
		first.UniqueKey = "user:42"
		require.NoError(t, store.InsertJob(ctx, first))

		second := newJob("default", domain.PriorityNormal)
		second.UniqueKey = "user:42"
		assert.ErrorIs(t, store.InsertJob(ctx, second), domain.ErrUniqueConflict)

		active, err := store.FindActiveByUniqueKey(ctx, "user:42")
		require.NoError(t, err)
		assert.Equal(t, first.ID, active.ID)

		// Terminal jobs release the key.
		done := first.Clone()
		done.Status = domain.StatusCompleted
		done.Result = map[string]any{"ok": true}
		now := time.Now().UTC()
		done.CompletedAt = &now
		require.NoError(t, store.CompareAndUpdateJob(ctx, done, domain.StatusPending, ""))

		require.NoError(t, store.InsertJob(ctx, second))
	})

	t.Run("ReserveOrdering", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		low := newJob("default", domain.PriorityLow)
		low.CreatedAt = now.Add(-3 * time.Minute)
		low.AvailableAt = low.CreatedAt
		critical := newJob("default", domain.PriorityCritical)
		critical.CreatedAt = now.Add(-1 * time.Minute)
		critical.AvailableAt = critical.CreatedAt
		older := newJob("default", domain.PriorityNormal)
		older.CreatedAt = now.Add(-2 * time.Minute)
		older.AvailableAt = older.CreatedAt
		newer := newJob("default", domain.PriorityNormal)
		newer.CreatedAt = now.Add(-1 * time.Minute)
		newer.AvailableAt = older.AvailableAt // FIFO falls through to created_at

		require.NoError(t, store.InsertJobs(ctx, []*domain.Job{low, critical, older, newer}))

		jobs, err := store.ReserveJobs(ctx, storage.ReserveRequest{
			Queue:    "default",
			WorkerID: "w1",
			Lease:    time.Minute,
			Limit:    4,
			Now:      now,
		})
		require.NoError(t, err)
		require.Len(t, jobs, 4)
		assert.Equal(t, critical.ID, jobs[0].ID)
		assert.Equal(t, older.ID, jobs[1].ID)
		assert.Equal(t, newer.ID, jobs[2].ID)
		assert.Equal(t, low.ID, jobs[3].ID)

		for _, job := range jobs {
			assert.Equal(t, domain.StatusReserved, job.Status)
			assert.Equal(t, "w1", job.WorkerID)
			require.NotNil(t, job.LeaseExpiresAt)
		}
	})

	t.Run("ReserveHonorsAvailabilityAndPriorityFilter", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()
		now := time.Now().UTC()

		future := newJob("default", domain.PriorityCritical)
		future.AvailableAt = now.Add(time.Hour)
		low := newJob("default", domain.PriorityLow)
		low.AvailableAt = now.Add(-time.Minute)
		require.NoError(t, store.InsertJobs(ctx, []*domain.Job{future, low}))

		jobs, err := store.ReserveJobs(ctx, storage.ReserveRequest{
			Queue:      "default",
			WorkerID:   "w1",
			Priorities: []domain.Priority{domain.PriorityCritical},
			Lease:      time.Minute,
			Limit:      10,
			Now:        now,
		})
		require.NoError(t, err)
		assert.Empty(t, jobs, "future job not yet available, low job filtered out")

		jobs, err = store.ReserveJobs(ctx, storage.ReserveRequest{
			Queue:      "default",
			WorkerID:   "w1",
			Priorities: []domain.Priority{domain.PriorityLow},
			Lease:      time.Minute,
			Limit:      10,
			Now:        now,
		})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, low.ID, jobs[0].ID)
	})

	t.Run("ConcurrentReserveNeverDoublesOut", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()
		now := time.Now().UTC()

		var jobs []*domain.Job
		for range 20 {
			jobs = append(jobs, newJob("default", domain.PriorityNormal))
		}
		require.NoError(t, store.InsertJobs(ctx, jobs))

		var (
			mu   sync.Mutex
			seen = make(map[string]string)
			wg   sync.WaitGroup
		)
		for i := range 4 {
			workerID := string(rune('a' + i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					batch, err := store.ReserveJobs(ctx, storage.ReserveRequest{
						Queue:    "default",
						WorkerID: workerID,
						Lease:    time.Minute,
						Limit:    3,
						Now:      now,
					})
					require.NoError(t, err)
					if len(batch) == 0 {
						return
					}
					mu.Lock()
					for _, job := range batch {
						prev, dup := seen[job.ID]
						assert.False(t, dup, "job %s reserved by %s and %s", job.ID, prev, workerID)
						seen[job.ID] = workerID
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 20)
	})

	t.Run("CompareAndUpdateGuardsOwnership", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()
		now := time.Now().UTC()

		job := newJob("default", domain.PriorityNormal)
		require.NoError(t, store.InsertJob(ctx, job))

		reserved, err := store.ReserveJobs(ctx, storage.ReserveRequest{
			Queue: "default", WorkerID: "w1", Lease: time.Minute, Limit: 1, Now: now,
		})
		require.NoError(t, err)
		require.Len(t, reserved, 1)

		running := reserved[0].Clone()
		running.Status = domain.StatusRunning
		running.Attempt = 1

		// A stranger cannot take the transition.
		assert.ErrorIs(t,
			store.CompareAndUpdateJob(ctx, running, domain.StatusReserved, "w2"),
			domain.ErrWrongOwner)

		require.NoError(t, store.CompareAndUpdateJob(ctx, running, domain.StatusReserved, "w1"))

		// Replaying the same transition fails: status moved on.
		assert.ErrorIs(t,
			store.CompareAndUpdateJob(ctx, running, domain.StatusReserved, "w1"),
			domain.ErrWrongOwner)

		missing := running.Clone()
		missing.ID = "missing"
		assert.ErrorIs(t,
			store.CompareAndUpdateJob(ctx, missing, domain.StatusRunning, "w1"),
			domain.ErrJobNotFound)
	})

	t.Run("ExpiredLeasesAndDueRetries", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()
		now := time.Now().UTC()

		job := newJob("default", domain.PriorityNormal)
		job.CreatedAt = now.Add(-2 * time.Minute)
		job.AvailableAt = job.CreatedAt
		require.NoError(t, store.InsertJob(ctx, job))
		reserved, err := store.ReserveJobs(ctx, storage.ReserveRequest{
			Queue: "default", WorkerID: "w1", Lease: time.Second, Limit: 1, Now: now.Add(-time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, reserved, 1)

		expired, err := store.ExpiredLeases(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, job.ID, expired[0].ID)

		retrying := newJob("default", domain.PriorityNormal)
		retrying.Status = domain.StatusRetrying
		retrying.AvailableAt = now.Add(-time.Second)
		require.NoError(t, store.InsertJob(ctx, retrying))

		due, err := store.DueRetries(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, retrying.ID, due[0].ID)
	})

	t.Run("ExtendLeases", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		job := newJob("default", domain.PriorityNormal)
		require.NoError(t, store.InsertJob(ctx, job))
		_, err := store.ReserveJobs(ctx, storage.ReserveRequest{
			Queue: "default", WorkerID: "w1", Lease: time.Minute, Limit: 1, Now: now,
		})
		require.NoError(t, err)

		until := now.Add(10 * time.Minute)
		require.NoError(t, store.ExtendLeases(ctx, "w1", []string{job.ID}, until))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LeaseExpiresAt)
		assert.WithinDuration(t, until, *got.LeaseExpiresAt, time.Millisecond)

		// Extension by a non-owner is ignored.
		require.NoError(t, store.ExtendLeases(ctx, "w2", []string{job.ID}, until.Add(time.Hour)))
		got, err = store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, until, *got.LeaseExpiresAt, time.Millisecond)
	})

	t.Run("QueueLifecycle", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		desc, err := store.EnsureQueue(ctx, "emails")
		require.NoError(t, err)
		assert.False(t, desc.Paused)

		desc.Paused = true
		desc.DeadLetterQueue = "emails-dead"
		require.NoError(t, store.SaveQueue(ctx, desc))

		got, err := store.GetQueue(ctx, "emails")
		require.NoError(t, err)
		assert.True(t, got.Paused)
		assert.Equal(t, "emails-dead", got.DeadLetterQueue)

		_, err = store.GetQueue(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrQueueNotFound)
	})

	t.Run("ScheduleCRUDAndVersioning", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		sched := &domain.Schedule{
			ID:        uuid.New().String(),
			Name:      "nightly-report",
			TaskName:  "report.generate",
			Queue:     "default",
			Priority:  domain.PriorityNormal,
			Kind:      domain.KindCron,
			CronExpr:  "0 3 * * *",
			Timezone:  "UTC",
			Enabled:   true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		next := now.Add(time.Hour)
		sched.NextFireAt = &next
		require.NoError(t, store.InsertSchedule(ctx, sched))

		dup := *sched
		dup.ID = uuid.New().String()
		assert.ErrorIs(t, store.InsertSchedule(ctx, &dup), domain.ErrUniqueConflict)

		byName, err := store.GetScheduleByName(ctx, "NIGHTLY-REPORT")
		require.NoError(t, err)
		assert.Equal(t, sched.ID, byName.ID)

		byName.RunCount = 1
		require.NoError(t, store.UpdateSchedule(ctx, byName))

		// Stale version loses.
		stale := *byName
		assert.ErrorIs(t, store.UpdateSchedule(ctx, &stale), domain.ErrVersionConflict)

		fresh, err := store.GetSchedule(ctx, sched.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), fresh.RunCount)
		assert.Equal(t, byName.Version+1, fresh.Version)

		due, err := store.ListSchedules(ctx, storage.ScheduleFilter{
			EnabledOnly: true,
			DueBefore:   &next,
		})
		require.NoError(t, err)
		require.Len(t, due, 1)

		require.NoError(t, store.DeleteSchedule(ctx, sched.ID))
		_, err = store.GetSchedule(ctx, sched.ID)
		assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
	})

	t.Run("WorkerRegistrationAndHeartbeat", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		reg := &domain.WorkerRegistration{
			ID:              "w1",
			Hostname:        "host-a",
			PID:             123,
			Queues:          []string{"default"},
			Capacity:        4,
			StartedAt:       now,
			LastHeartbeatAt: now,
		}
		require.NoError(t, store.UpsertWorker(ctx, reg))

		beat := now.Add(time.Minute)
		require.NoError(t, store.Heartbeat(ctx, "w1", beat, []string{"job-1"}, 7, 1))

		got, err := store.GetWorker(ctx, "w1")
		require.NoError(t, err)
		assert.WithinDuration(t, beat, got.LastHeartbeatAt, time.Millisecond)
		assert.Equal(t, []string{"job-1"}, got.CurrentJobIDs)
		assert.Equal(t, int64(7), got.JobsProcessed)

		assert.ErrorIs(t, store.Heartbeat(ctx, "ghost", beat, nil, 0, 0), domain.ErrWorkerNotFound)

		require.NoError(t, store.DeleteWorker(ctx, "w1"))
		_, err = store.GetWorker(ctx, "w1")
		assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
	})

	t.Run("LockExclusionAndExpiry", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		ok, err := store.AcquireLock(ctx, "tick", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.AcquireLock(ctx, "tick", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "live lock must exclude other holders")

		// Re-entrant for the same holder.
		ok, err = store.AcquireLock(ctx, "tick", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, store.RenewLock(ctx, "tick", "a", time.Minute))
		assert.ErrorIs(t, store.RenewLock(ctx, "tick", "b", time.Minute), domain.ErrLockHeld)

		require.NoError(t, store.ReleaseLock(ctx, "tick", "a"))
		ok, err = store.AcquireLock(ctx, "tick", "b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		// Expired locks are reclaimable.
		ok, err = store.AcquireLock(ctx, "stale", "a", -time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.AcquireLock(ctx, "stale", "b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func newJob(queue string, priority domain.Priority) *domain.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Job{
		ID:          uuid.New().String(),
		TaskName:    "compliance.probe",
		Queue:       queue,
		Priority:    priority,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		AvailableAt: now,
		MaxAttempts: 3,
		Retry:       domain.DefaultRetryPolicy(),
		UpdatedAt:   now,
	}
}
