// Package queue implements the durable job queue: enqueue with validation
// and uniqueness, priority-ordered reservation, the owning transitions of
// the job state machine, dead-letter routing and stuck-job recovery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/storage"
	"github.com/relayq/relayq/internal/task"
)

const (
	// DefaultQueue receives jobs whose spec names no queue.
	DefaultQueue = "default"

	// retryPromotionBatch bounds how many due retries a reserve call
	// promotes before scanning for work.
	retryPromotionBatch = 100
)

// EnqueueSpec describes a job submission. Zero values fall back to the
// task's registered configuration.
type EnqueueSpec struct {
	TaskName    string
	TaskVersion string
	Args        []any
	Kwargs      map[string]any

	Queue       string
	Priority    *domain.Priority
	AvailableAt time.Time

	MaxAttempts int
	Retry       *domain.RetryPolicy
	Timeout     time.Duration

	UniqueKey string
	Tags      []string
	Metadata  map[string]any

	ScheduleID string

	// IDNonce switches the job id to a content hash of task+args+nonce,
	// making identical submissions naturally idempotent.
	IDNonce string
}

// Option configures a Queue.
type Option func(*Queue)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMetrics attaches a collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = c }
}

// Queue coordinates all durable job transitions. It owns no state of its
// own; every mutation goes through Storage so multiple processes can share
// one queue.
type Queue struct {
	store    storage.Storage
	registry *task.Registry
	metrics  *metrics.Collector
	now      func() time.Time
}

// New creates a queue service over the given storage and task registry.
func New(store storage.Storage, registry *task.Registry, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// withStorageRetry retries transient storage faults with bounded
// exponential backoff so callers see a single crisp outcome.
func withStorageRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, domain.ErrStorageUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Enqueue validates the spec, applies task defaults, enforces uniqueness
// and pause state, and persists a PENDING job. Returns the job id.
func (q *Queue) Enqueue(ctx context.Context, spec EnqueueSpec) (string, error) {
	if spec.TaskName == "" {
		return "", fmt.Errorf("%w: task name is required", domain.ErrInvalidSpec)
	}
	entry, err := q.registry.Lookup(spec.TaskName, spec.TaskVersion)
	if err != nil {
		return "", fmt.Errorf("%w: unknown task %s: %v", domain.ErrInvalidSpec, spec.TaskName, err)
	}

	now := q.now()
	job := q.buildJob(spec, entry, now)

	desc, err := q.ensureQueue(ctx, job.Queue)
	if err != nil {
		return "", err
	}
	if desc.Paused {
		return "", fmt.Errorf("%w: %s", domain.ErrQueuePaused, job.Queue)
	}
	if !desc.AcceptsPriority(job.Priority) {
		return "", fmt.Errorf("%w: queue %s does not accept priority %s", domain.ErrInvalidSpec, job.Queue, job.Priority)
	}

	if job.UniqueKey != "" {
		_, err := q.store.FindActiveByUniqueKey(ctx, job.UniqueKey)
		if err == nil {
			return "", fmt.Errorf("%w: key %q", domain.ErrUniqueConflict, job.UniqueKey)
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return "", fmt.Errorf("failed to check unique key: %w", err)
		}
	}

	if err := withStorageRetry(ctx, func(ctx context.Context) error {
		return q.store.InsertJob(ctx, job)
	}); err != nil {
		if errors.Is(err, domain.ErrUniqueConflict) {
			return "", err
		}
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	q.metrics.JobEnqueued(job.Queue, job.TaskName, job.Priority)
	slog.InfoContext(ctx, "job enqueued",
		"job_id", job.ID,
		"task", job.TaskName,
		"queue", job.Queue,
		"priority", job.Priority.String(),
		"available_at", job.AvailableAt)

	if notifier, ok := q.store.(storage.Notifier); ok {
		if err := notifier.NotifyEnqueue(ctx, job.Queue); err != nil {
			slog.WarnContext(ctx, "enqueue notification failed", "queue", job.Queue, "error", err)
		}
	}
	return job.ID, nil
}

func (q *Queue) buildJob(spec EnqueueSpec, entry *task.Entry, now time.Time) *domain.Job {
	cfg := entry.Config

	queueName := spec.Queue
	if queueName == "" {
		queueName = cfg.Queue
	}
	if queueName == "" {
		queueName = DefaultQueue
	}

	priority := domain.PriorityNormal
	if cfg.Priority != nil {
		priority = *cfg.Priority
	}
	if spec.Priority != nil {
		priority = *spec.Priority
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}
	retryPolicy := cfg.Retry
	if spec.Retry != nil {
		retryPolicy = *spec.Retry
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}

	uniqueKey := spec.UniqueKey
	if uniqueKey == "" && cfg.UniqueKey != nil {
		uniqueKey = cfg.UniqueKey(spec.Args, spec.Kwargs)
	}

	availableAt := spec.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}

	id := domain.NewJobID()
	if spec.IDNonce != "" {
		id = domain.ContentHashJobID(spec.TaskName, spec.Args, spec.Kwargs, spec.IDNonce)
	}

	metadata := make(map[string]any, len(spec.Metadata)+1)
	for k, v := range spec.Metadata {
		metadata[k] = v
	}
	if spec.ScheduleID != "" {
		metadata[domain.MetaScheduleID] = spec.ScheduleID
	}

	return &domain.Job{
		ID:          id,
		TaskName:    spec.TaskName,
		TaskVersion: spec.TaskVersion,
		Args:        spec.Args,
		Kwargs:      spec.Kwargs,
		Queue:       queueName,
		Priority:    priority,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		AvailableAt: availableAt,
		MaxAttempts: maxAttempts,
		Retry:       retryPolicy,
		Timeout:     timeout,
		UniqueKey:   uniqueKey,
		Metadata:    metadata,
		Tags:        append([]string(nil), spec.Tags...),
		ScheduleID:  spec.ScheduleID,
		UpdatedAt:   now,
	}
}

func (q *Queue) ensureQueue(ctx context.Context, name string) (*domain.QueueDescriptor, error) {
	var desc *domain.QueueDescriptor
	err := withStorageRetry(ctx, func(ctx context.Context) error {
		var err error
		desc, err = q.store.EnsureQueue(ctx, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue %s: %w", name, err)
	}
	return desc, nil
}

// Reserve atomically claims up to batchSize eligible jobs for workerID.
// Due retries are promoted back to PENDING first so their delay is honored
// without a separate sweep. A paused queue yields an empty batch.
func (q *Queue) Reserve(ctx context.Context, queueName, workerID string, priorities []domain.Priority, lease time.Duration, batchSize int) ([]*domain.Job, error) {
	now := q.now()

	desc, err := q.ensureQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if desc.Paused {
		return nil, nil
	}

	if err := q.promoteDueRetries(ctx, now); err != nil {
		slog.WarnContext(ctx, "retry promotion failed", "queue", queueName, "error", err)
	}

	jobs, err := q.store.ReserveJobs(ctx, storage.ReserveRequest{
		Queue:      queueName,
		WorkerID:   workerID,
		Priorities: priorities,
		Lease:      lease,
		Limit:      batchSize,
		Now:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reserve jobs: %w", err)
	}
	for _, job := range jobs {
		q.metrics.ObserveWait(job.Queue, job.TaskName, now.Sub(job.AvailableAt))
	}
	return jobs, nil
}

// PromoteDueRetries moves RETRYING jobs whose delay elapsed back to
// PENDING. Reserve does this inline; the reaper also sweeps so retries on
// idle queues surface without waiting for a reservation attempt.
func (q *Queue) PromoteDueRetries(ctx context.Context) error {
	return q.promoteDueRetries(ctx, q.now())
}

// promoteDueRetries moves RETRYING jobs whose delay elapsed back to PENDING.
func (q *Queue) promoteDueRetries(ctx context.Context, now time.Time) error {
	due, err := q.store.DueRetries(ctx, now, retryPromotionBatch)
	if err != nil {
		return err
	}
	for _, job := range due {
		updated := job.Clone()
		updated.Status = domain.StatusPending
		updated.UpdatedAt = now
		err := q.store.CompareAndUpdateJob(ctx, updated, domain.StatusRetrying, "")
		if err != nil && !errors.Is(err, domain.ErrWrongOwner) {
			return err
		}
	}
	return nil
}

// Start transitions RESERVED -> RUNNING, stamps started_at and counts the
// attempt. Fails with domain.ErrWrongOwner for a stale worker.
func (q *Queue) Start(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	job, err := q.getOwned(ctx, jobID, workerID, domain.StatusReserved)
	if err != nil {
		return nil, err
	}

	now := q.now()
	updated := job.Clone()
	updated.Status = domain.StatusRunning
	updated.Attempt++
	started := now
	updated.StartedAt = &started
	updated.UpdatedAt = now

	if err := q.store.CompareAndUpdateJob(ctx, updated, domain.StatusReserved, workerID); err != nil {
		return nil, q.ownershipErr(ctx, "start", jobID, workerID, err)
	}
	q.metrics.JobStarted(updated.Queue, updated.TaskName)
	return updated, nil
}

// Complete transitions RUNNING -> COMPLETED and stores the result. Only the
// owning worker's first call succeeds; repeats fail with ErrWrongOwner.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result any) error {
	job, err := q.getOwned(ctx, jobID, workerID, domain.StatusRunning)
	if err != nil {
		return err
	}

	now := q.now()
	updated := job.Clone()
	updated.Status = domain.StatusCompleted
	if result == nil {
		result = struct{}{}
	}
	updated.Result = result
	completed := now
	updated.CompletedAt = &completed
	updated.WorkerID = ""
	updated.LeaseExpiresAt = nil
	updated.UpdatedAt = now

	if err := q.store.CompareAndUpdateJob(ctx, updated, domain.StatusRunning, workerID); err != nil {
		return q.ownershipErr(ctx, "complete", jobID, workerID, err)
	}

	if job.StartedAt != nil {
		q.metrics.JobCompleted(updated.Queue, updated.TaskName, now.Sub(*job.StartedAt))
	} else {
		q.metrics.JobCompleted(updated.Queue, updated.TaskName, 0)
	}
	slog.InfoContext(ctx, "job completed", "job_id", jobID, "task", updated.TaskName, "attempt", updated.Attempt)

	q.invokeHook(ctx, updated, func(entry *task.Entry, jc *task.JobContext) {
		if entry.Config.Hooks.OnSuccess != nil {
			entry.Config.Hooks.OnSuccess(ctx, jc, updated.Result)
		}
	})
	return nil
}

// Fail routes a RUNNING job per the retry policy: RETRYING with backoff
// while attempts remain and the error is retryable, otherwise FAILED or,
// when the queue has a dead-letter target, DEAD with a lineage-preserving
// replacement enqueued on the target.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, rec *domain.ErrorRecord, retryable bool) error {
	job, err := q.getOwned(ctx, jobID, workerID, domain.StatusRunning)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = domain.NewErrorRecord(domain.ErrKindTaskExecution, "unspecified failure", "")
	}

	now := q.now()

	if rec.Kind == domain.ErrKindCancelled {
		updated := job.Clone()
		updated.Status = domain.StatusCancelled
		updated.Error = rec
		completed := now
		updated.CompletedAt = &completed
		updated.WorkerID = ""
		updated.LeaseExpiresAt = nil
		updated.UpdatedAt = now
		if err := q.store.CompareAndUpdateJob(ctx, updated, domain.StatusRunning, workerID); err != nil {
			return q.ownershipErr(ctx, "cancel", jobID, workerID, err)
		}
		q.metrics.JobCancelled(updated.Queue, updated.TaskName)
		slog.InfoContext(ctx, "job cancelled by handler", "job_id", jobID, "task", updated.TaskName)
		return nil
	}

	return q.failFrom(ctx, job, domain.StatusRunning, workerID, rec, retryable, now)
}

// failFrom applies the retry/dead-letter decision to a job currently in
// fromStatus. Shared by Fail and the reaper path.
func (q *Queue) failFrom(ctx context.Context, job *domain.Job, fromStatus domain.Status, owner string, rec *domain.ErrorRecord, retryable bool, now time.Time) error {
	updated := job.Clone()
	updated.Error = rec
	updated.WorkerID = ""
	updated.LeaseExpiresAt = nil
	updated.UpdatedAt = now

	if retryable && job.Attempt < job.MaxAttempts {
		delay := job.Retry.NextDelay(job.Attempt)
		updated.Status = domain.StatusRetrying
		updated.AvailableAt = now.Add(delay)
		if err := q.store.CompareAndUpdateJob(ctx, updated, fromStatus, owner); err != nil {
			return q.ownershipErr(ctx, "retry", job.ID, owner, err)
		}
		q.metrics.JobRetried(updated.Queue, updated.TaskName, rec.Kind)
		slog.InfoContext(ctx, "job scheduled for retry",
			"job_id", job.ID,
			"task", job.TaskName,
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts,
			"retry_delay", delay,
			"error_kind", string(rec.Kind),
			"error", rec.Message)
		q.invokeHook(ctx, updated, func(entry *task.Entry, jc *task.JobContext) {
			if entry.Config.Hooks.OnRetry != nil {
				entry.Config.Hooks.OnRetry(ctx, jc, rec, updated.AvailableAt)
			}
		})
		return nil
	}

	// Retries exhausted or error is terminal.
	desc, err := q.ensureQueue(ctx, job.Queue)
	if err != nil {
		return err
	}

	completed := now
	updated.CompletedAt = &completed

	if desc.DeadLetterQueue != "" {
		updated.Status = domain.StatusDead
		updated.DeadLettered = true
		if err := q.store.CompareAndUpdateJob(ctx, updated, fromStatus, owner); err != nil {
			return q.ownershipErr(ctx, "dead-letter", job.ID, owner, err)
		}
		if err := q.enqueueDeadLetter(ctx, updated, desc.DeadLetterQueue, now); err != nil {
			slog.ErrorContext(ctx, "dead-letter enqueue failed",
				"job_id", job.ID,
				"dead_letter_queue", desc.DeadLetterQueue,
				"error", err)
			return err
		}
		q.metrics.JobDead(updated.Queue, updated.TaskName, rec.Kind)
		slog.WarnContext(ctx, "job exhausted retries, routed to dead letter",
			"job_id", job.ID,
			"task", job.TaskName,
			"attempt", job.Attempt,
			"dead_letter_queue", desc.DeadLetterQueue,
			"error", rec.Message)
	} else {
		updated.Status = domain.StatusFailed
		if err := q.store.CompareAndUpdateJob(ctx, updated, fromStatus, owner); err != nil {
			return q.ownershipErr(ctx, "fail", job.ID, owner, err)
		}
		q.metrics.JobFailed(updated.Queue, updated.TaskName, rec.Kind)
		slog.WarnContext(ctx, "job failed",
			"job_id", job.ID,
			"task", job.TaskName,
			"attempt", job.Attempt,
			"error_kind", string(rec.Kind),
			"error", rec.Message)
	}

	q.invokeHook(ctx, updated, func(entry *task.Entry, jc *task.JobContext) {
		if entry.Config.Hooks.OnFailure != nil {
			entry.Config.Hooks.OnFailure(ctx, jc, rec)
		}
	})
	return nil
}

// enqueueDeadLetter inserts the fresh PENDING replacement on the
// dead-letter queue with lineage metadata.
func (q *Queue) enqueueDeadLetter(ctx context.Context, original *domain.Job, target string, now time.Time) error {
	if _, err := q.ensureQueue(ctx, target); err != nil {
		return err
	}

	metadata := make(map[string]any, len(original.Metadata)+2)
	for k, v := range original.Metadata {
		metadata[k] = v
	}
	metadata[domain.MetaOriginJob] = original.ID
	metadata[domain.MetaOriginQueue] = original.Queue

	replacement := &domain.Job{
		ID:          domain.NewJobID(),
		TaskName:    original.TaskName,
		TaskVersion: original.TaskVersion,
		Args:        original.Args,
		Kwargs:      original.Kwargs,
		Queue:       target,
		Priority:    original.Priority,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		AvailableAt: now,
		MaxAttempts: original.MaxAttempts,
		Retry:       original.Retry,
		Timeout:     original.Timeout,
		Metadata:    metadata,
		Tags:        append([]string(nil), original.Tags...),
		ScheduleID:  original.ScheduleID,
		UpdatedAt:   now,
	}
	return withStorageRetry(ctx, func(ctx context.Context) error {
		return q.store.InsertJob(ctx, replacement)
	})
}

// Cancel moves PENDING/RETRYING jobs to CANCELLED immediately. For
// RESERVED/RUNNING jobs it records a cancellation request which the owning
// worker honors cooperatively. Terminal jobs are not cancellable.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	now := q.now()

	switch job.Status {
	case domain.StatusPending, domain.StatusRetrying:
		updated := job.Clone()
		updated.Status = domain.StatusCancelled
		completed := now
		updated.CompletedAt = &completed
		updated.Error = domain.NewErrorRecord(domain.ErrKindCancelled, "cancelled before execution", "")
		updated.UpdatedAt = now
		if err := q.store.CompareAndUpdateJob(ctx, updated, job.Status, ""); err != nil {
			if errors.Is(err, domain.ErrWrongOwner) {
				// Raced with a reservation; fall through to the
				// cooperative path on the next call.
				return fmt.Errorf("%w: job %s changed state", domain.ErrNotCancellable, jobID)
			}
			return err
		}
		q.metrics.JobCancelled(updated.Queue, updated.TaskName)
		slog.InfoContext(ctx, "job cancelled", "job_id", jobID)
		return nil

	case domain.StatusReserved, domain.StatusRunning:
		updated := job.Clone()
		updated.CancelRequested = true
		updated.UpdatedAt = now
		if err := q.store.CompareAndUpdateJob(ctx, updated, job.Status, job.WorkerID); err != nil {
			return q.ownershipErr(ctx, "request-cancel", jobID, job.WorkerID, err)
		}
		if notifier, ok := q.store.(storage.CancellationNotifier); ok {
			if err := notifier.NotifyCancellation(ctx, jobID); err != nil {
				slog.WarnContext(ctx, "cancellation notification failed", "job_id", jobID, "error", err)
			}
		}
		slog.InfoContext(ctx, "cancellation requested", "job_id", jobID, "worker_id", job.WorkerID)
		return nil

	default:
		return fmt.Errorf("%w: job %s is %s", domain.ErrNotCancellable, jobID, job.Status)
	}
}

// Retry is the admin operation moving FAILED or DEAD jobs back to PENDING
// with the attempt counter preserved.
func (q *Queue) Retry(ctx context.Context, jobID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusFailed && job.Status != domain.StatusDead {
		return fmt.Errorf("%w: cannot retry job in status %s", domain.ErrInvalidTransition, job.Status)
	}

	now := q.now()
	updated := job.Clone()
	updated.Status = domain.StatusPending
	updated.AvailableAt = now
	updated.CompletedAt = nil
	updated.DeadLettered = false
	updated.CancelRequested = false
	updated.UpdatedAt = now
	if err := q.store.CompareAndUpdateJob(ctx, updated, job.Status, ""); err != nil {
		return err
	}
	slog.InfoContext(ctx, "job re-queued by admin", "job_id", jobID, "attempt", job.Attempt)
	if notifier, ok := q.store.(storage.Notifier); ok {
		_ = notifier.NotifyEnqueue(ctx, job.Queue)
	}
	return nil
}

// Get fetches a job.
func (q *Queue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := withStorageRetry(ctx, func(ctx context.Context) error {
		var err error
		job, err = q.store.GetJob(ctx, jobID)
		return err
	})
	return job, err
}

// List returns jobs matching the filter.
func (q *Queue) List(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	return q.store.ListJobs(ctx, filter)
}

// Stats reports the status histogram and pending depth of a queue.
type Stats struct {
	Queue    string
	Paused   bool
	Length   int64
	ByStatus map[domain.Status]int64
}

// Statistics aggregates per-queue counts.
func (q *Queue) Statistics(ctx context.Context, queueName string) (*Stats, error) {
	desc, err := q.store.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	counts, err := q.store.CountJobs(ctx, queueName)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Queue:    queueName,
		Paused:   desc.Paused,
		Length:   counts[domain.StatusPending],
		ByStatus: counts,
	}
	q.metrics.SetQueueLength(queueName, stats.Length)
	return stats, nil
}

// Pause stops enqueue and reservation on the queue. In-flight jobs finish.
func (q *Queue) Pause(ctx context.Context, queueName string) error {
	return q.setPaused(ctx, queueName, true)
}

// Resume re-enables the queue.
func (q *Queue) Resume(ctx context.Context, queueName string) error {
	return q.setPaused(ctx, queueName, false)
}

func (q *Queue) setPaused(ctx context.Context, queueName string, paused bool) error {
	desc, err := q.ensureQueue(ctx, queueName)
	if err != nil {
		return err
	}
	desc.Paused = paused
	if err := q.store.SaveQueue(ctx, desc); err != nil {
		return fmt.Errorf("failed to update queue %s: %w", queueName, err)
	}
	slog.InfoContext(ctx, "queue pause state changed", "queue", queueName, "paused", paused)
	return nil
}

// SetDeadLetterTarget routes exhausted jobs from queueName to target.
func (q *Queue) SetDeadLetterTarget(ctx context.Context, queueName, target string) error {
	desc, err := q.ensureQueue(ctx, queueName)
	if err != nil {
		return err
	}
	desc.DeadLetterQueue = target
	return q.store.SaveQueue(ctx, desc)
}

// Prune deletes terminal jobs older than the retention bound.
func (q *Queue) Prune(ctx context.Context, filter storage.PruneFilter) (int64, error) {
	deleted, err := q.store.DeleteJobs(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	if deleted > 0 {
		slog.InfoContext(ctx, "pruned terminal jobs", "deleted", deleted)
	}
	return deleted, nil
}

// RequeueStuck sweeps jobs whose reservation deadline passed and treats
// each as a crashed-worker failure: the attempt is charged when the job
// never started, and the normal retry policy places it. Returns the number
// of jobs recovered.
func (q *Queue) RequeueStuck(ctx context.Context, limit int) (int, error) {
	now := q.now()
	stuck, err := q.store.ExpiredLeases(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired leases: %w", err)
	}

	recovered := 0
	for _, job := range stuck {
		fromStatus := job.Status
		charged := job.Clone()
		if fromStatus == domain.StatusReserved {
			// Never started; charge the lost reservation as an attempt so
			// a permanently crashing fleet cannot loop forever.
			charged.Attempt++
		}
		rec := domain.NewErrorRecord(domain.ErrKindTaskExecution,
			fmt.Sprintf("reservation expired; worker %s presumed dead", job.WorkerID), "")
		if err := q.failFrom(ctx, charged, fromStatus, job.WorkerID, rec, true, now); err != nil {
			if errors.Is(err, domain.ErrWrongOwner) {
				// The worker finished or another reaper got here first.
				continue
			}
			slog.ErrorContext(ctx, "stuck job recovery failed", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
		slog.WarnContext(ctx, "recovered stuck job",
			"job_id", job.ID,
			"task", job.TaskName,
			"worker_id", job.WorkerID,
			"was_status", string(fromStatus))
	}
	return recovered, nil
}

// getOwned loads the job and pre-checks status and ownership so callers
// get precise errors; the CAS re-checks under the storage lock.
func (q *Queue) getOwned(ctx context.Context, jobID, workerID string, want domain.Status) (*domain.Job, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != want || job.WorkerID != workerID {
		return nil, q.ownershipErr(ctx, "check", jobID, workerID, domain.ErrWrongOwner)
	}
	return job, nil
}

func (q *Queue) ownershipErr(ctx context.Context, op, jobID, workerID string, err error) error {
	if errors.Is(err, domain.ErrWrongOwner) {
		slog.WarnContext(ctx, "lost job ownership",
			"op", op,
			"job_id", jobID,
			"worker_id", workerID)
		return fmt.Errorf("%s %s: %w", op, jobID, domain.ErrWrongOwner)
	}
	return err
}

// invokeHook resolves the task entry and runs fn with a JobContext. Hook
// panics are contained; hooks observe, they do not steer.
func (q *Queue) invokeHook(ctx context.Context, job *domain.Job, fn func(entry *task.Entry, jc *task.JobContext)) {
	entry, err := q.registry.Lookup(job.TaskName, job.TaskVersion)
	if err != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "task hook panicked", "job_id", job.ID, "panic", r)
		}
	}()
	fn(entry, JobContextFor(job))
}

// JobContextFor builds the handler-facing view of a job.
func JobContextFor(job *domain.Job) *task.JobContext {
	return &task.JobContext{
		JobID:       job.ID,
		Queue:       job.Queue,
		TaskName:    job.TaskName,
		TaskVersion: job.TaskVersion,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		Args:        job.Args,
		Kwargs:      job.Kwargs,
		Metadata:    job.Metadata,
		ScheduleID:  job.ScheduleID,
	}
}
