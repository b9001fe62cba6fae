// Package storage defines the persistence contract the queue core depends
// on. Drivers (postgres, sqlite, memory) implement it without changing the
// core; everything durable flows through a Storage.
package storage

import (
	"context"
	"time"

	"github.com/relayq/relayq/internal/domain"
)

// ReserveRequest parameterizes an atomic reservation scan.
type ReserveRequest struct {
	Queue      string
	WorkerID   string
	Priorities []domain.Priority // empty means all levels
	Lease      time.Duration
	Limit      int
	Now        time.Time
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Queue      string
	Statuses   []domain.Status
	TaskName   string
	ScheduleID string
	Tag        string
	WorkerID   string
	Limit      int
	Offset     int
}

// PruneFilter selects terminal jobs for deletion.
type PruneFilter struct {
	Queue       string
	Statuses    []domain.Status
	CompletedBy time.Time // terminal before this instant
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	EnabledOnly bool
	DueBefore   *time.Time // next_fire_at <= DueBefore
	Kind        domain.ScheduleKind
	Limit       int
}

// Storage is the durable persistence contract. All operations are safe for
// concurrent use and honor context cancellation. Reservation correctness
// rests on ReserveJobs and CompareAndUpdateJob being atomic; SQL drivers use
// SKIP LOCKED and guarded updates, the memory driver a mutex.
type Storage interface {
	// InsertJob persists a new pending job. Returns domain.ErrUniqueConflict
	// when the id already exists.
	InsertJob(ctx context.Context, job *domain.Job) error

	// InsertJobs persists a batch atomically: all or none.
	InsertJobs(ctx context.Context, jobs []*domain.Job) error

	// GetJob returns domain.ErrJobNotFound when absent.
	GetJob(ctx context.Context, id string) (*domain.Job, error)

	// ReserveJobs atomically transitions up to Limit eligible jobs from
	// PENDING to RESERVED for req.WorkerID, stamping the lease deadline.
	// Eligibility: available_at <= Now, priority in req.Priorities.
	// Ordering: priority rank, available_at, created_at, id. No two
	// concurrent calls observe the same job.
	ReserveJobs(ctx context.Context, req ReserveRequest) ([]*domain.Job, error)

	// CompareAndUpdateJob writes job only if the stored row still has
	// status from and, when owner is non-empty, is claimed by owner.
	// Returns domain.ErrWrongOwner when the guard fails and
	// domain.ErrJobNotFound when the row is absent.
	CompareAndUpdateJob(ctx context.Context, job *domain.Job, from domain.Status, owner string) error

	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// CountJobs returns the status histogram for a queue.
	CountJobs(ctx context.Context, queue string) (map[domain.Status]int64, error)

	// FindActiveByUniqueKey returns the non-terminal job bound to key, or
	// domain.ErrJobNotFound.
	FindActiveByUniqueKey(ctx context.Context, key string) (*domain.Job, error)

	// ExpiredLeases lists RESERVED/RUNNING jobs whose lease deadline passed.
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	// DueRetries lists RETRYING jobs whose available_at has arrived.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	// HasActiveJobForSchedule reports whether a non-terminal job produced by
	// the schedule exists. Backs unique-instance firing decisions.
	HasActiveJobForSchedule(ctx context.Context, scheduleID string) (bool, error)

	// DeleteJobs removes terminal jobs matching the filter.
	DeleteJobs(ctx context.Context, filter PruneFilter) (int64, error)

	// ExtendLeases pushes the lease deadline for the given jobs, skipping
	// any no longer owned by workerID.
	ExtendLeases(ctx context.Context, workerID string, jobIDs []string, until time.Time) error

	// EnsureQueue returns the descriptor for name, creating it on first
	// reference.
	EnsureQueue(ctx context.Context, name string) (*domain.QueueDescriptor, error)
	GetQueue(ctx context.Context, name string) (*domain.QueueDescriptor, error)
	SaveQueue(ctx context.Context, q *domain.QueueDescriptor) error
	ListQueues(ctx context.Context) ([]*domain.QueueDescriptor, error)

	// InsertSchedule returns domain.ErrUniqueConflict when the name is taken.
	InsertSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	GetScheduleByName(ctx context.Context, name string) (*domain.Schedule, error)

	// UpdateSchedule writes s guarded by s.Version and bumps the stored
	// version. Returns domain.ErrVersionConflict when the guard fails.
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*domain.Schedule, error)

	UpsertWorker(ctx context.Context, w *domain.WorkerRegistration) error
	GetWorker(ctx context.Context, id string) (*domain.WorkerRegistration, error)
	ListWorkers(ctx context.Context) ([]*domain.WorkerRegistration, error)
	DeleteWorker(ctx context.Context, id string) error

	// Heartbeat refreshes last_heartbeat_at and the current job set.
	Heartbeat(ctx context.Context, workerID string, at time.Time, currentJobs []string, processed, failed int64) error

	// AcquireLock takes the named lock for holder until now+ttl. Returns
	// false when another live holder owns it. Re-acquiring an expired lock
	// succeeds.
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	// RenewLock extends the deadline; domain.ErrLockHeld when holder lost it.
	RenewLock(ctx context.Context, name, holder string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, name, holder string) error

	Ping(ctx context.Context) error
	Close() error
}

// Notifier is implemented by drivers that can short-circuit poll sleeps.
// Subscribe returns a channel that receives a tick whenever a job becomes
// pending on the queue; the channel closes when ctx is cancelled.
type Notifier interface {
	NotifyEnqueue(ctx context.Context, queue string) error
	SubscribeEnqueue(ctx context.Context, queue string) (<-chan struct{}, error)
}

// CancellationNotifier is implemented by drivers that can push cancellation
// requests to running workers instead of relying on lease-expiry polling.
type CancellationNotifier interface {
	NotifyCancellation(ctx context.Context, jobID string) error
	SubscribeCancellations(ctx context.Context) (<-chan string, error)
}
