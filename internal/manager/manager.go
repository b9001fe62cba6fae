// Package manager wires the queue, workers, scheduler and task registry
// together, owns the reaper, and exposes the in-process control plane the
// admin surface calls.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/scheduler"
	"github.com/relayq/relayq/internal/storage"
	"github.com/relayq/relayq/internal/task"
	"github.com/relayq/relayq/internal/worker"
)

// reaperLock serializes compensating sweeps across processes.
const reaperLock = "reaper"

// Config holds manager construction parameters.
type Config struct {
	// InstanceID identifies this process for lock ownership.
	InstanceID string

	Workers   []worker.Config
	Scheduler scheduler.Config

	// SchedulerEnabled turns the tick loop on. Producers that only
	// enqueue run with it off.
	SchedulerEnabled bool

	// ReaperInterval is the sweep period for stuck reservations, due
	// retries, stale workers and prune. Default 30s.
	ReaperInterval time.Duration

	// LivenessThreshold is how stale a worker heartbeat may be before its
	// registration is reaped. Default 5m.
	LivenessThreshold time.Duration

	// SweepLimit bounds each stuck-job sweep. Default 100.
	SweepLimit int

	// PruneRetention is how long terminal jobs are kept. Zero disables
	// pruning.
	PruneRetention time.Duration

	// ShutdownGrace bounds the worker drain during Stop.
	ShutdownGrace time.Duration
}

// Manager owns the subsystems and their lifecycles.
type Manager struct {
	cfg       Config
	store     storage.Storage
	registry  *task.Registry
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	workers   []*worker.Worker
	metrics   *metrics.Collector

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches a collector shared by all subsystems.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// New wires a manager over the given storage. The registry is shared by
// every worker; register tasks before Start.
func New(store storage.Storage, registry *task.Registry, cfg Config, opts ...Option) *Manager {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "relayq-" + uuid.New().String()[:8]
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 30 * time.Second
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = 5 * time.Minute
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 100
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	m := &Manager{cfg: cfg, store: store, registry: registry}
	for _, opt := range opts {
		opt(m)
	}

	m.queue = queue.New(store, registry, queue.WithMetrics(m.metrics))
	if cfg.Scheduler.InstanceID == "" {
		cfg.Scheduler.InstanceID = cfg.InstanceID
	}
	m.scheduler = scheduler.New(store, m.queue, cfg.Scheduler, scheduler.WithMetrics(m.metrics))
	for _, wcfg := range cfg.Workers {
		m.workers = append(m.workers, worker.New(m.queue, registry, store, wcfg, worker.WithMetrics(m.metrics)))
	}
	return m
}

// Queue exposes the queue service for producers.
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Registry exposes the task registry.
func (m *Manager) Registry() *task.Registry { return m.registry }

// Scheduler exposes manual trigger operations.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.scheduler }

// Start launches workers, the scheduler and the reaper. It returns once
// everything is running; Stop performs the ordered shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage unavailable at startup: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for _, w := range m.workers {
		w := w
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(runCtx, "worker exited", "worker_id", w.ID(), "error", err)
			}
		}()
	}

	if m.cfg.SchedulerEnabled {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(runCtx, "scheduler exited", "error", err)
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runReaper(runCtx)
	}()

	slog.InfoContext(ctx, "manager started",
		"instance_id", m.cfg.InstanceID,
		"workers", len(m.workers),
		"scheduler_enabled", m.cfg.SchedulerEnabled)
	return nil
}

// Stop shuts down in dependency order: scheduler first so no new jobs
// materialize, then workers drain, then storage closes. After it returns
// no job remains RESERVED or RUNNING on behalf of this process.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	slog.InfoContext(ctx, "manager stopping", "instance_id", m.cfg.InstanceID)

	m.scheduler.Stop(ctx)

	var drainWG sync.WaitGroup
	for _, w := range m.workers {
		w := w
		drainWG.Add(1)
		go func() {
			defer drainWG.Done()
			if err := w.Shutdown(ctx, m.cfg.ShutdownGrace); err != nil {
				slog.WarnContext(ctx, "worker shutdown error", "worker_id", w.ID(), "error", err)
			}
		}()
	}
	drainWG.Wait()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	slog.InfoContext(ctx, "manager stopped", "instance_id", m.cfg.InstanceID)
	return nil
}

// === Reaper ===

// runReaper periodically compensates for crashed workers: expired leases
// re-enter the retry policy, due retries surface, stale registrations are
// removed and old terminal jobs are pruned. The sweep runs under a storage
// lock so one process compensates at a time.
func (m *Manager) runReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context) {
	acquired, err := m.store.AcquireLock(ctx, reaperLock, m.cfg.InstanceID, m.cfg.ReaperInterval*2)
	if err != nil {
		slog.WarnContext(ctx, "reaper lock acquisition failed", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() { _ = m.store.ReleaseLock(ctx, reaperLock, m.cfg.InstanceID) }()

	if recovered, err := m.queue.RequeueStuck(ctx, m.cfg.SweepLimit); err != nil {
		slog.ErrorContext(ctx, "stuck job sweep failed", "error", err)
	} else if recovered > 0 {
		slog.InfoContext(ctx, "reaper recovered stuck jobs", "count", recovered)
	}

	if err := m.queue.PromoteDueRetries(ctx); err != nil {
		slog.WarnContext(ctx, "retry promotion sweep failed", "error", err)
	}

	m.reapStaleWorkers(ctx)

	if m.cfg.PruneRetention > 0 {
		cutoff := time.Now().UTC().Add(-m.cfg.PruneRetention)
		if _, err := m.queue.Prune(ctx, storage.PruneFilter{CompletedBy: cutoff}); err != nil {
			slog.WarnContext(ctx, "prune failed", "error", err)
		}
	}
}

// reapStaleWorkers removes registrations whose heartbeats went silent and
// whose jobs have already been recovered by the lease sweep.
func (m *Manager) reapStaleWorkers(ctx context.Context) {
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		slog.WarnContext(ctx, "worker listing failed during reap", "error", err)
		return
	}
	cutoff := time.Now().UTC().Add(-m.cfg.LivenessThreshold)
	for _, reg := range workers {
		if reg.LastHeartbeatAt.After(cutoff) {
			continue
		}
		held, err := m.store.ListJobs(ctx, storage.JobFilter{
			WorkerID: reg.ID,
			Statuses: []domain.Status{domain.StatusReserved, domain.StatusRunning},
			Limit:    1,
		})
		if err != nil {
			slog.WarnContext(ctx, "held job check failed during reap", "worker_id", reg.ID, "error", err)
			continue
		}
		if len(held) > 0 {
			// Leases still pending recovery; the next sweep gets them.
			continue
		}
		if err := m.store.DeleteWorker(ctx, reg.ID); err != nil {
			slog.WarnContext(ctx, "failed to remove stale worker", "worker_id", reg.ID, "error", err)
			continue
		}
		slog.WarnContext(ctx, "reaped stale worker registration",
			"worker_id", reg.ID,
			"last_heartbeat", reg.LastHeartbeatAt)
	}
}

// === Admin operations ===

// Enqueue submits a job through the queue.
func (m *Manager) Enqueue(ctx context.Context, spec queue.EnqueueSpec) (string, error) {
	return m.queue.Enqueue(ctx, spec)
}

// CancelJob requests cancellation.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	return m.queue.Cancel(ctx, jobID)
}

// RetryJob re-queues a FAILED or DEAD job.
func (m *Manager) RetryJob(ctx context.Context, jobID string) error {
	return m.queue.Retry(ctx, jobID)
}

// GetJob fetches a job.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return m.queue.Get(ctx, jobID)
}

// ListJobs lists jobs matching the filter.
func (m *Manager) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	return m.queue.List(ctx, filter)
}

// PauseQueue and ResumeQueue toggle a queue.
func (m *Manager) PauseQueue(ctx context.Context, name string) error {
	return m.queue.Pause(ctx, name)
}

func (m *Manager) ResumeQueue(ctx context.Context, name string) error {
	return m.queue.Resume(ctx, name)
}

// QueueStatistics reports a queue's histogram.
func (m *Manager) QueueStatistics(ctx context.Context, name string) (*queue.Stats, error) {
	return m.queue.Statistics(ctx, name)
}

// CreateSchedule validates the schedule, computes its first fire and
// persists it.
func (m *Manager) CreateSchedule(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if !m.registry.Has(s.TaskName) {
		return nil, fmt.Errorf("%w: schedule references unknown task %s", domain.ErrInvalidSpec, s.TaskName)
	}
	now := time.Now().UTC()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	s.Version = 0

	next, err := scheduler.NextFire(s, now)
	if err != nil {
		return nil, err
	}
	s.NextFireAt = next

	if err := m.store.InsertSchedule(ctx, s); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "schedule created",
		"schedule_id", s.ID,
		"schedule", s.Name,
		"kind", string(s.Kind),
		"next_fire_at", s.NextFireAt)
	return s, nil
}

// UpdateSchedule re-validates and recomputes the next fire from now.
func (m *Manager) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	next, err := scheduler.NextFire(s, time.Now().UTC())
	if err != nil {
		return err
	}
	s.NextFireAt = next
	return m.store.UpdateSchedule(ctx, s)
}

// SetScheduleEnabled flips the enabled flag, recomputing the next fire on
// enable so a long-disabled schedule does not replay its backlog.
func (m *Manager) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	s, err := m.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	s.Enabled = enabled
	if enabled {
		next, err := scheduler.NextFire(s, time.Now().UTC())
		if err != nil {
			return err
		}
		s.NextFireAt = next
	}
	return m.store.UpdateSchedule(ctx, s)
}

// DeleteSchedule removes the schedule; already-produced jobs are untouched.
func (m *Manager) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return m.store.DeleteSchedule(ctx, scheduleID)
}

// GetSchedule fetches a schedule.
func (m *Manager) GetSchedule(ctx context.Context, scheduleID string) (*domain.Schedule, error) {
	return m.store.GetSchedule(ctx, scheduleID)
}

// ListSchedules lists schedules.
func (m *Manager) ListSchedules(ctx context.Context, filter storage.ScheduleFilter) ([]*domain.Schedule, error) {
	return m.store.ListSchedules(ctx, filter)
}

// ListWorkers lists live worker registrations.
func (m *Manager) ListWorkers(ctx context.Context) ([]*domain.WorkerRegistration, error) {
	return m.store.ListWorkers(ctx)
}

// === Health ===

// HealthStatus is the aggregate condition grade.
type HealthStatus string

const (
	Healthy   HealthStatus = "HEALTHY"
	Degraded  HealthStatus = "DEGRADED"
	Unhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth is one subsystem's contribution.
type ComponentHealth struct {
	Name    string
	Status  HealthStatus
	Message string
}

// Health reports the hierarchical condition: storage is load-bearing, a
// degraded worker degrades the whole.
type Health struct {
	Status     HealthStatus
	Components []ComponentHealth
}

// Health aggregates per-component status.
func (m *Manager) Health(ctx context.Context) Health {
	var components []ComponentHealth
	overall := Healthy

	if err := m.store.Ping(ctx); err != nil {
		components = append(components, ComponentHealth{
			Name:    "storage",
			Status:  Unhealthy,
			Message: err.Error(),
		})
		overall = Unhealthy
	} else {
		components = append(components, ComponentHealth{Name: "storage", Status: Healthy})
	}

	for _, w := range m.workers {
		h := w.Health()
		status := Healthy
		msg := ""
		switch h.State {
		case worker.StateRunning, worker.StatePaused:
		case worker.StateCreated, worker.StateStarting:
			status = Degraded
			msg = "not yet running"
		default:
			status = Degraded
			msg = fmt.Sprintf("state %s", h.State)
		}
		components = append(components, ComponentHealth{
			Name:    "worker/" + h.ID,
			Status:  status,
			Message: msg,
		})
		if status != Healthy && overall == Healthy {
			overall = Degraded
		}
	}

	return Health{Status: overall, Components: components}
}
