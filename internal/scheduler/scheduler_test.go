package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/storage"
	"github.com/relayq/relayq/internal/storage/memory"
	"github.com/relayq/relayq/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(t *testing.T) (*Scheduler, *memory.Store, *queue.Queue, *fakeClock) {
	t.Helper()
	store := memory.New()
	registry := task.NewRegistry()
	require.NoError(t, registry.Register("noop", "", func(ctx context.Context, jc *task.JobContext) (any, error) {
		return nil, nil
	}, task.Config{}))

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.New(store, registry, queue.WithNow(clock.Now))
	s := New(store, q, Config{
		InstanceID:      "sched-test",
		CheckInterval:   time.Minute,
		MissedThreshold: time.Minute,
	}, WithNow(clock.Now))
	return s, store, q, clock
}

// createSchedule inserts an enabled cron schedule firing every 5 minutes.
func createSchedule(t *testing.T, store *memory.Store, clock *fakeClock, mutate func(*domain.Schedule)) *domain.Schedule {
	t.Helper()
	now := clock.Now()
	sched := &domain.Schedule{
		ID:        uuid.New().String(),
		Name:      "every-five-" + uuid.New().String()[:8],
		TaskName:  "noop",
		Queue:     "default",
		Priority:  domain.PriorityNormal,
		Kind:      domain.KindCron,
		CronExpr:  "*/5 * * * *",
		Timezone:  "UTC",
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mutate != nil {
		mutate(sched)
	}
	next, err := NextFire(sched, now)
	require.NoError(t, err)
	sched.NextFireAt = next
	require.NoError(t, store.InsertSchedule(context.Background(), sched))
	return sched
}

func scheduleJobs(t *testing.T, store *memory.Store, scheduleID string) []*domain.Job {
	t.Helper()
	jobs, err := store.ListJobs(context.Background(), storage.JobFilter{ScheduleID: scheduleID})
	require.NoError(t, err)
	return jobs
}

func TestTickFiresDueScheduleAndAdvances(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, nil)
	require.NotNil(t, sched.NextFireAt)
	assert.Equal(t, clock.Now().Add(5*time.Minute), *sched.NextFireAt)

	// Nothing due yet.
	require.NoError(t, s.TickOnce(ctx))
	assert.Empty(t, scheduleJobs(t, store, sched.ID))

	// Cross the boundary.
	clock.Advance(5 * time.Minute)
	require.NoError(t, s.TickOnce(ctx))

	jobs := scheduleJobs(t, store, sched.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, sched.ID, jobs[0].Metadata[domain.MetaScheduleID])
	assert.Equal(t, "noop", jobs[0].TaskName)

	fresh, err := store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.LastFireAt)
	require.NotNil(t, fresh.NextFireAt)
	assert.True(t, fresh.NextFireAt.After(*fresh.LastFireAt), "fire bookkeeping advances monotonically")
	assert.Equal(t, int64(1), fresh.RunCount)
	assert.Greater(t, fresh.Version, sched.Version)
}

func TestRapidDoubleTickFiresOnce(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, nil)
	clock.Advance(5 * time.Minute)

	require.NoError(t, s.TickOnce(ctx))
	require.NoError(t, s.TickOnce(ctx))

	assert.Len(t, scheduleJobs(t, store, sched.ID), 1, "no boundary crossed between ticks")
}

func TestLockContentionSkipsTick(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, nil)
	clock.Advance(5 * time.Minute)

	// A peer instance holds the tick lock.
	held, err := store.AcquireLock(ctx, LockName, "peer", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, s.TickOnce(ctx))
	assert.Empty(t, scheduleJobs(t, store, sched.ID))

	require.NoError(t, store.ReleaseLock(ctx, LockName, "peer"))
	require.NoError(t, s.TickOnce(ctx))
	assert.Len(t, scheduleJobs(t, store, sched.ID), 1)
}

func TestUniqueInstanceSuppressesOverlappingFire(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, func(sch *domain.Schedule) {
		sch.UniqueInstance = true
	})

	clock.Advance(5 * time.Minute)
	require.NoError(t, s.TickOnce(ctx))
	require.Len(t, scheduleJobs(t, store, sched.ID), 1, "first fire proceeds")

	// The produced job is still pending at the next boundary.
	clock.Advance(5 * time.Minute)
	require.NoError(t, s.TickOnce(ctx))
	assert.Len(t, scheduleJobs(t, store, sched.ID), 1, "overlapping fire skipped")

	fresh, err := store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fresh.SkippedCount)
}

func TestMissedPolicySkip(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, nil) // default SKIP

	// Sleep through four boundaries plus the threshold.
	clock.Advance(22 * time.Minute)
	require.NoError(t, s.TickOnce(ctx))

	assert.Empty(t, scheduleJobs(t, store, sched.ID), "missed boundaries are skipped")
	fresh, err := store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.NextFireAt)
	assert.True(t, fresh.NextFireAt.After(clock.Now()), "next boundary is after now")
	assert.Equal(t, int64(1), fresh.SkippedCount)
}

func TestMissedPolicyTriggerOnce(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, func(sch *domain.Schedule) {
		sch.MissedPolicy = domain.MissedTriggerOnce
	})

	clock.Advance(22 * time.Minute)
	require.NoError(t, s.TickOnce(ctx))

	assert.Len(t, scheduleJobs(t, store, sched.ID), 1, "exactly one catch-up fire")
}

func TestMissedPolicyTriggerAllBounded(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, func(sch *domain.Schedule) {
		sch.MissedPolicy = domain.MissedTriggerAll
		sch.MaxMissed = 3
	})

	// Eight boundaries pass; the cap holds it to three.
	clock.Advance(40 * time.Minute)
	require.NoError(t, s.TickOnce(ctx))

	assert.Len(t, scheduleJobs(t, store, sched.ID), 3)
}

func TestTriggerNowDoesNotDisturbCadence(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, nil)
	before, err := store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)

	jobID, err := s.TriggerNow(ctx, sched.ID, map[string]any{"reason": "manual"})
	require.NoError(t, err)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	kw, ok := job.Kwargs["reason"]
	require.True(t, ok)
	assert.Equal(t, "manual", kw)

	after, err := store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, before.NextFireAt.UTC(), after.NextFireAt.UTC(), "cadence untouched")
	assert.Equal(t, before.RunCount+1, after.RunCount)
}

func TestTriggerEventFiresMatchingTopic(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	match := createSchedule(t, store, clock, func(sch *domain.Schedule) {
		sch.Kind = domain.KindEvent
		sch.CronExpr = ""
		sch.EventTopic = "orders.created"
	})
	other := createSchedule(t, store, clock, func(sch *domain.Schedule) {
		sch.Kind = domain.KindEvent
		sch.CronExpr = ""
		sch.EventTopic = "orders.refunded"
	})

	jobIDs, err := s.TriggerEvent(ctx, "orders.created", map[string]any{"order_id": "o-1"})
	require.NoError(t, err)
	require.Len(t, jobIDs, 1)

	assert.Len(t, scheduleJobs(t, store, match.ID), 1)
	assert.Empty(t, scheduleJobs(t, store, other.ID))

	job, err := store.GetJob(ctx, jobIDs[0])
	require.NoError(t, err)
	event, ok := job.Kwargs["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "orders.created", event["topic"])
}

func TestNextRunTimesPreview(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, nil)

	times, err := s.NextRunTimes(ctx, sched.ID, 3)
	require.NoError(t, err)
	require.Len(t, times, 3)
	base := clock.Now()
	assert.Equal(t, base.Add(5*time.Minute), times[0])
	assert.Equal(t, base.Add(10*time.Minute), times[1])
	assert.Equal(t, base.Add(15*time.Minute), times[2])

	// Preview mutates nothing.
	fresh, err := store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, sched.NextFireAt.UTC(), fresh.NextFireAt.UTC())
}

func TestDisabledScheduleNeverFires(t *testing.T) {
	s, store, _, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := createSchedule(t, store, clock, func(sch *domain.Schedule) {
		sch.Enabled = false
	})

	clock.Advance(10 * time.Minute)
	require.NoError(t, s.TickOnce(ctx))
	assert.Empty(t, scheduleJobs(t, store, sched.ID))
}
