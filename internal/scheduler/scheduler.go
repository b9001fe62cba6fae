// Package scheduler materializes jobs from recurring schedules. A single
// instance per deployment holds the distributed lock during each tick;
// peers observing the lock simply wait for the next interval, so a crashed
// scheduler is replaced by whichever peer acquires the lock next.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/storage"
)

// LockName is the storage lock serializing scheduler ticks.
const LockName = "scheduler-tick"

// Config holds scheduler construction parameters.
type Config struct {
	// InstanceID identifies this scheduler for lock ownership. Defaults
	// to a random id.
	InstanceID string

	// CheckInterval is the tick period. Default 60s.
	CheckInterval time.Duration

	// LockTTL bounds how long a dead instance blocks its peers. Defaults
	// to twice the check interval.
	LockTTL time.Duration

	// MissedThreshold is how far behind a boundary may be before the
	// missed policy applies. Defaults to the check interval.
	MissedThreshold time.Duration

	// MaxStartupJitter randomizes the first tick to avoid thundering
	// herds on fleet restarts. Zero disables it; the run command's
	// configuration defaults it to 5s.
	MaxStartupJitter time.Duration
}

// Scheduler drives enabled schedules through their fire boundaries.
type Scheduler struct {
	store   storage.Storage
	queue   *queue.Queue
	cfg     Config
	metrics *metrics.Collector
	now     func() time.Time
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics attaches a collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// New builds a scheduler over the shared storage and queue.
func New(store storage.Storage, q *queue.Queue, cfg Config, opts ...Option) *Scheduler {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "scheduler-" + uuid.New().String()[:8]
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.CheckInterval
	}
	if cfg.MissedThreshold <= 0 {
		cfg.MissedThreshold = cfg.CheckInterval
	}
	if cfg.MaxStartupJitter < 0 {
		cfg.MaxStartupJitter = 0
	}

	s := &Scheduler{
		store: store,
		queue: q,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.MaxStartupJitter > 0 {
		jitter := rand.N(s.cfg.MaxStartupJitter)
		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	slog.InfoContext(ctx, "scheduler started",
		"instance_id", s.cfg.InstanceID,
		"check_interval", s.cfg.CheckInterval)

	if err := s.TickOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "scheduler tick failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "scheduler stopping", "instance_id", s.cfg.InstanceID)
			return ctx.Err()
		case <-s.done:
			slog.InfoContext(ctx, "scheduler stopped", "instance_id", s.cfg.InstanceID)
			return nil
		case <-ticker.C:
			if err := s.TickOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "scheduler tick failed", "error", err)
			}
		}
	}
}

// Stop ends the Run loop and releases the lock if held.
func (s *Scheduler) Stop(ctx context.Context) {
	close(s.done)
	_ = s.store.ReleaseLock(ctx, LockName, s.cfg.InstanceID)
}

// TickOnce runs a single scheduling cycle under the distributed lock.
// Ticking twice in rapid succession fires nothing twice: each fire advances
// next_fire_at atomically with its enqueue before the next evaluation.
func (s *Scheduler) TickOnce(ctx context.Context) error {
	acquired, err := s.store.AcquireLock(ctx, LockName, s.cfg.InstanceID, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	if !acquired {
		slog.DebugContext(ctx, "scheduler tick skipped, lock held by peer", "instance_id", s.cfg.InstanceID)
		return nil
	}
	defer func() {
		_ = s.store.ReleaseLock(ctx, LockName, s.cfg.InstanceID)
	}()

	now := s.now()
	due, err := s.store.ListSchedules(ctx, storage.ScheduleFilter{
		EnabledOnly: true,
		DueBefore:   &now,
	})
	if err != nil {
		return fmt.Errorf("failed to list due schedules: %w", err)
	}

	for _, sched := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.fire(ctx, sched, now); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				// An admin update raced this fire; the next tick re-reads.
				slog.DebugContext(ctx, "schedule changed mid-fire", "schedule_id", sched.ID)
				continue
			}
			slog.ErrorContext(ctx, "schedule fire failed",
				"schedule_id", sched.ID,
				"schedule", sched.Name,
				"error", err)
		}
	}
	return nil
}

// fire handles every boundary of sched that is due at now, applying the
// missed policy, and persists the advanced fire bookkeeping.
func (s *Scheduler) fire(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	if sched.NextFireAt == nil {
		return nil
	}

	boundaries, skippedMissed, err := s.dueBoundaries(sched, now)
	if err != nil {
		return err
	}
	sched.SkippedCount += int64(skippedMissed)

	for _, boundary := range boundaries {
		fired, err := s.fireBoundary(ctx, sched, boundary)
		if err != nil {
			sched.ErrorCount++
			s.metrics.ScheduleFired(sched.Name, "error")
			slog.ErrorContext(ctx, "failed to enqueue scheduled job",
				"schedule_id", sched.ID,
				"schedule", sched.Name,
				"boundary", boundary,
				"error", err)
		} else if fired {
			sched.RunCount++
			sched.SuccessCount++
			s.metrics.ScheduleFired(sched.Name, "fired")
		} else {
			sched.SkippedCount++
			s.metrics.ScheduleFired(sched.Name, "skipped")
		}
		b := boundary
		sched.LastFireAt = &b
	}

	next, err := NextFire(sched, now)
	if err != nil {
		return err
	}
	sched.NextFireAt = next

	return s.store.UpdateSchedule(ctx, sched)
}

// dueBoundaries resolves which boundaries fire now. Under the missed
// threshold that is exactly the stored next_fire_at; beyond it the missed
// policy decides. The second return is the number of skipped boundaries.
func (s *Scheduler) dueBoundaries(sched *domain.Schedule, now time.Time) ([]time.Time, int, error) {
	next := *sched.NextFireAt
	lag := now.Sub(next)
	if lag <= s.cfg.MissedThreshold {
		return []time.Time{next}, 0, nil
	}

	policy := sched.MissedPolicy
	if policy == "" {
		policy = domain.MissedSkip
	}

	switch policy {
	case domain.MissedTriggerOnce:
		// One catch-up fire, stamped at the oldest missed boundary.
		return []time.Time{next}, 0, nil

	case domain.MissedTriggerAll:
		maxMissed := sched.MaxMissed
		if maxMissed <= 0 {
			maxMissed = 10
		}
		boundaries := []time.Time{next}
		probe := *sched
		cursor := next
		for len(boundaries) < maxMissed {
			probe.LastFireAt = &cursor
			following, err := NextFire(&probe, cursor)
			if err != nil {
				return nil, 0, err
			}
			if following == nil || following.After(now) {
				break
			}
			boundaries = append(boundaries, *following)
			cursor = *following
		}
		return boundaries, 0, nil

	default: // MissedSkip
		return nil, 1, nil
	}
}

// fireBoundary enqueues one job for the boundary unless unique-instance
// suppresses it. Returns whether a job was produced.
func (s *Scheduler) fireBoundary(ctx context.Context, sched *domain.Schedule, boundary time.Time) (bool, error) {
	if sched.UniqueInstance {
		active, err := s.store.HasActiveJobForSchedule(ctx, sched.ID)
		if err != nil {
			return false, err
		}
		if active {
			slog.InfoContext(ctx, "skipping fire, schedule instance still active",
				"schedule_id", sched.ID,
				"schedule", sched.Name,
				"boundary", boundary)
			return false, nil
		}
	}

	jobID, err := s.queue.Enqueue(ctx, s.jobSpec(sched, nil))
	if err != nil {
		return false, err
	}
	slog.InfoContext(ctx, "schedule fired",
		"schedule_id", sched.ID,
		"schedule", sched.Name,
		"boundary", boundary,
		"job_id", jobID)
	return true, nil
}

// jobSpec builds the enqueue spec from the schedule template, merging any
// per-trigger overrides into the keyword arguments.
func (s *Scheduler) jobSpec(sched *domain.Schedule, extraKwargs map[string]any) queue.EnqueueSpec {
	kwargs := make(map[string]any, len(sched.Kwargs)+len(extraKwargs))
	for k, v := range sched.Kwargs {
		kwargs[k] = v
	}
	for k, v := range extraKwargs {
		kwargs[k] = v
	}
	priority := sched.Priority
	return queue.EnqueueSpec{
		TaskName:    sched.TaskName,
		TaskVersion: sched.TaskVersion,
		Args:        sched.Args,
		Kwargs:      kwargs,
		Queue:       sched.Queue,
		Priority:    &priority,
		Metadata:    sched.Metadata,
		ScheduleID:  sched.ID,
	}
}

// TriggerNow enqueues a job from the schedule template immediately without
// disturbing the regular cadence. Overrides merge into the kwargs.
func (s *Scheduler) TriggerNow(ctx context.Context, scheduleID string, overrides map[string]any) (string, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	jobID, err := s.queue.Enqueue(ctx, s.jobSpec(sched, overrides))
	if err != nil {
		return "", err
	}
	sched.RunCount++
	if err := s.store.UpdateSchedule(ctx, sched); err != nil && !errors.Is(err, domain.ErrVersionConflict) {
		slog.WarnContext(ctx, "failed to record manual trigger", "schedule_id", scheduleID, "error", err)
	}
	slog.InfoContext(ctx, "schedule triggered manually", "schedule_id", scheduleID, "job_id", jobID)
	return jobID, nil
}

// TriggerEvent fires every enabled EVENT schedule subscribed to the topic.
// The payload merges into each template's kwargs under "event".
func (s *Scheduler) TriggerEvent(ctx context.Context, topic string, payload map[string]any) ([]string, error) {
	schedules, err := s.store.ListSchedules(ctx, storage.ScheduleFilter{
		EnabledOnly: true,
		Kind:        domain.KindEvent,
	})
	if err != nil {
		return nil, err
	}

	var jobIDs []string
	for _, sched := range schedules {
		if sched.EventTopic != topic {
			continue
		}
		if sched.UniqueInstance {
			active, err := s.store.HasActiveJobForSchedule(ctx, sched.ID)
			if err != nil {
				return jobIDs, err
			}
			if active {
				continue
			}
		}
		extra := map[string]any{"event": map[string]any{"topic": topic, "payload": payload}}
		jobID, err := s.queue.Enqueue(ctx, s.jobSpec(sched, extra))
		if err != nil {
			slog.ErrorContext(ctx, "event trigger enqueue failed",
				"schedule_id", sched.ID,
				"topic", topic,
				"error", err)
			continue
		}
		now := s.now()
		sched.RunCount++
		sched.SuccessCount++
		sched.LastFireAt = &now
		if err := s.store.UpdateSchedule(ctx, sched); err != nil && !errors.Is(err, domain.ErrVersionConflict) {
			slog.WarnContext(ctx, "failed to record event fire", "schedule_id", sched.ID, "error", err)
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, nil
}

// NextRunTimes previews the next count fire instants without mutating the
// schedule.
func (s *Scheduler) NextRunTimes(ctx context.Context, scheduleID string, count int) ([]time.Time, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	probe := *sched
	cursor := s.now()
	if probe.NextFireAt != nil && probe.NextFireAt.After(cursor) {
		cursor = probe.NextFireAt.Add(-time.Nanosecond)
	}

	var out []time.Time
	for len(out) < count {
		next, err := NextFire(&probe, cursor)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		out = append(out, *next)
		cursor = *next
		n := *next
		probe.LastFireAt = &n
	}
	return out, nil
}
