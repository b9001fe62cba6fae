// Package worker implements the execution runtime: it reserves jobs,
// dispatches them to registered task handlers under a bounded concurrency
// model, reports outcomes, renews leases through heartbeats and drains
// cleanly on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/storage"
	"github.com/relayq/relayq/internal/task"
)

// Mode selects the concurrency model at construction.
type Mode string

const (
	// ModeInline executes one job at a time in the polling goroutine.
	ModeInline Mode = "inline"
	// ModePool fans reserved jobs out to a goroutine per job, bounded by
	// Capacity.
	ModePool Mode = "pool"
)

// State is the worker lifecycle state.
type State string

const (
	StateCreated  State = "CREATED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateDraining State = "DRAINING"
	StateStopped  State = "STOPPED"
)

// Config holds worker construction parameters.
type Config struct {
	// ID uniquely names this worker across the fleet. Defaults to
	// hostname-pid-uuid.
	ID string

	Queues     []string
	Priorities []domain.Priority

	Mode     Mode
	Capacity int

	// Lease is the reservation duration; heartbeats extend it while jobs
	// run. Defaults to 5 minutes.
	Lease time.Duration

	// PollInterval is the sleep between empty reservation scans, widened
	// by a small random jitter. Defaults to 1s.
	PollInterval time.Duration

	HeartbeatInterval time.Duration

	// Prefetch reserves ahead of free capacity by up to this many jobs.
	// Prefetched jobs sit reserved until a slot frees, at the cost of
	// tying them up if the worker crashes.
	Prefetch int

	// ErrorHandler observes failures and panics for telemetry. It cannot
	// alter state transitions.
	ErrorHandler ErrorHandler
}

// DefaultConfig returns a pool worker on the default queue.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		ID:                fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8]),
		Queues:            []string{queue.DefaultQueue},
		Mode:              ModePool,
		Capacity:          10,
		Lease:             5 * time.Minute,
		PollInterval:      time.Second,
		HeartbeatInterval: time.Minute,
		ErrorHandler:      &LogErrorHandler{},
	}
}

// Worker is the execution engine. Construct with New, drive with Run, stop
// with Shutdown.
type Worker struct {
	cfg      Config
	queue    *queue.Queue
	registry *task.Registry
	store    storage.Storage
	metrics  *metrics.Collector

	mu        sync.Mutex
	state     State
	inFlight  map[string]context.CancelFunc // job id -> hard cancel
	processed int64
	failed    int64
	startedAt time.Time
	lastBeat  time.Time

	wg   sync.WaitGroup
	done chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics attaches a collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(w *Worker) { w.metrics = c }
}

// New builds a worker. Zero config fields fall back to DefaultConfig.
func New(q *queue.Queue, registry *task.Registry, store storage.Storage, cfg Config, opts ...Option) *Worker {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = def.Queues
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Mode == ModeInline {
		cfg.Capacity = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = def.ErrorHandler
	}

	w := &Worker{
		cfg:      cfg,
		queue:    q,
		registry: registry,
		store:    store,
		state:    StateCreated,
		inFlight: make(map[string]context.CancelFunc),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's fleet identity.
func (w *Worker) ID() string { return w.cfg.ID }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run registers the worker and drives the reserve/execute loop until ctx is
// cancelled or Shutdown is called.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateCreated {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already started", w.cfg.ID)
	}
	w.state = StateStarting
	w.startedAt = time.Now().UTC()
	w.mu.Unlock()

	if err := w.register(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	w.state = StateRunning
	w.mu.Unlock()

	slog.InfoContext(ctx, "worker started",
		"worker_id", w.cfg.ID,
		"queues", w.cfg.Queues,
		"mode", string(w.cfg.Mode),
		"capacity", w.cfg.Capacity)

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	var aux sync.WaitGroup
	aux.Add(1)
	go func() {
		defer aux.Done()
		w.runHeartbeat(loopCtx)
	}()

	if notifier, ok := w.store.(storage.CancellationNotifier); ok {
		if ch, err := notifier.SubscribeCancellations(loopCtx); err == nil {
			aux.Add(1)
			go func() {
				defer aux.Done()
				w.watchCancellations(loopCtx, ch)
			}()
		} else {
			slog.WarnContext(ctx, "cancellation subscription unavailable", "worker_id", w.cfg.ID, "error", err)
		}
	}

	wake := w.subscribeEnqueues(loopCtx)

	for {
		select {
		case <-ctx.Done():
			cancelLoop()
			w.drain(context.Background(), 0)
			aux.Wait()
			return ctx.Err()
		case <-w.done:
			cancelLoop()
			aux.Wait()
			return nil
		default:
		}

		if w.State() != StateRunning {
			w.sleep(ctx, wake)
			continue
		}

		free := w.freeSlots()
		if free <= 0 {
			w.sleep(ctx, wake)
			continue
		}

		batch := free
		if w.cfg.Prefetch > 0 {
			batch += w.cfg.Prefetch
		}

		reserved := 0
		for _, queueName := range w.cfg.Queues {
			jobs, err := w.queue.Reserve(ctx, queueName, w.cfg.ID, w.cfg.Priorities, w.cfg.Lease, batch-reserved)
			if err != nil {
				slog.ErrorContext(ctx, "reservation failed",
					"worker_id", w.cfg.ID,
					"queue", queueName,
					"error", err)
				break
			}
			for _, job := range jobs {
				w.dispatch(ctx, job)
			}
			reserved += len(jobs)
			if reserved >= batch {
				break
			}
		}

		if reserved == 0 {
			w.sleep(ctx, wake)
		}
	}
}

// sleep waits a jittered poll interval, returning early on an enqueue hint
// or shutdown.
func (w *Worker) sleep(ctx context.Context, wake <-chan struct{}) {
	interval := w.cfg.PollInterval
	jitter := time.Duration(rand.Int64N(int64(interval)/4 + 1))
	timer := time.NewTimer(interval + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.done:
	case <-wake:
	case <-timer.C:
	}
}

// subscribeEnqueues merges per-queue pending hints into one wake channel.
func (w *Worker) subscribeEnqueues(ctx context.Context) <-chan struct{} {
	notifier, ok := w.store.(storage.Notifier)
	if !ok {
		return nil
	}
	wake := make(chan struct{}, 1)
	for _, queueName := range w.cfg.Queues {
		ch, err := notifier.SubscribeEnqueue(ctx, queueName)
		if err != nil {
			slog.WarnContext(ctx, "enqueue subscription unavailable",
				"worker_id", w.cfg.ID, "queue", queueName, "error", err)
			continue
		}
		go func() {
			for range ch {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}()
	}
	return wake
}

func (w *Worker) freeSlots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.Capacity - len(w.inFlight)
}

// dispatch runs the job in the configured concurrency model.
func (w *Worker) dispatch(ctx context.Context, job *domain.Job) {
	if w.cfg.Mode == ModeInline {
		w.execute(ctx, job)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.execute(ctx, job)
	}()
}

// execute drives one job through start, the middleware chain and the
// terminal queue transition.
func (w *Worker) execute(ctx context.Context, job *domain.Job) {
	started, err := w.queue.Start(ctx, job.ID, w.cfg.ID)
	if err != nil {
		if errors.Is(err, domain.ErrWrongOwner) {
			// Reaped or cancelled between reserve and start.
			slog.WarnContext(ctx, "reservation lost before start", "job_id", job.ID, "worker_id", w.cfg.ID)
			return
		}
		slog.ErrorContext(ctx, "failed to start job", "job_id", job.ID, "error", err)
		return
	}
	job = started

	deadline := w.effectiveDeadline(job)
	jobCtx, cancel := context.WithDeadline(ctx, deadline)

	w.mu.Lock()
	w.inFlight[job.ID] = cancel
	n := len(w.inFlight)
	w.mu.Unlock()
	w.metrics.SetWorkerInFlight(w.cfg.ID, n)

	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.inFlight, job.ID)
		n := len(w.inFlight)
		w.mu.Unlock()
		w.metrics.SetWorkerInFlight(w.cfg.ID, n)
	}()

	entry, err := w.registry.Lookup(job.TaskName, job.TaskVersion)
	if err != nil {
		rec := domain.NewErrorRecord(domain.ErrKindValidation,
			fmt.Sprintf("task %s@%s is not registered on this worker", job.TaskName, job.TaskVersion), "")
		w.report(ctx, job, rec, false)
		return
	}

	jc := queue.JobContextFor(job)
	jc.Deadline = deadline

	result, execErr := w.invoke(jobCtx, entry, jc)
	if execErr == nil {
		if err := w.queue.Complete(ctx, job.ID, w.cfg.ID, result); err != nil {
			slog.ErrorContext(ctx, "failed to record completion",
				"job_id", job.ID, "worker_id", w.cfg.ID, "error", err)
			return
		}
		w.mu.Lock()
		w.processed++
		w.mu.Unlock()
		return
	}

	// The local snapshot predates any cancellation request; refresh it so
	// a cooperative cancel is not mistaken for a transient interruption.
	if errors.Is(execErr, context.Canceled) || jobCtx.Err() != nil {
		if fresh, err := w.queue.Get(ctx, job.ID); err == nil {
			fresh.StartedAt = job.StartedAt
			job = fresh
		}
	}

	rec, retryable := w.classify(jobCtx, job, execErr)
	w.cfg.ErrorHandler.HandleError(ctx, job, execErr)
	w.report(ctx, job, rec, retryable && entry.RetryableError(execErr))
}

// invoke runs the middleware chain with panic containment.
func (w *Worker) invoke(ctx context.Context, entry *task.Entry, jc *task.JobContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			w.cfg.ErrorHandler.HandlePanic(ctx, jc.JobID, r, stack)
			err = domain.PanicError{Value: r, StackTrace: stack}
		}
	}()
	return entry.Invoke(ctx, jc)
}

// classify maps an execution error to its record and retry eligibility.
func (w *Worker) classify(jobCtx context.Context, job *domain.Job, err error) (*domain.ErrorRecord, bool) {
	switch {
	case domain.IsPanic(err):
		var p domain.PanicError
		errors.As(err, &p)
		return domain.NewErrorRecord(domain.ErrKindTaskExecution, p.Error(), p.StackTrace), false

	case job.CancelRequested && (errors.Is(err, context.Canceled) || errors.Is(jobCtx.Err(), context.Canceled)):
		return domain.NewErrorRecord(domain.ErrKindCancelled, "cancelled during execution", ""), false

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return domain.NewErrorRecord(domain.ErrKindTimeout,
			fmt.Sprintf("deadline exceeded on attempt %d", job.Attempt), ""), true

	case errors.Is(err, context.Canceled):
		// Process shutdown, not a job cancellation; the reaper or a later
		// worker picks the attempt back up.
		return domain.NewErrorRecord(domain.ErrKindTaskExecution, "execution interrupted by shutdown", ""), true

	default:
		return domain.NewErrorRecord(domain.ErrKindTaskExecution, err.Error(), ""), true
	}
}

func (w *Worker) report(ctx context.Context, job *domain.Job, rec *domain.ErrorRecord, retryable bool) {
	w.mu.Lock()
	w.failed++
	w.mu.Unlock()
	if err := w.queue.Fail(ctx, job.ID, w.cfg.ID, rec, retryable); err != nil {
		if errors.Is(err, domain.ErrWrongOwner) {
			slog.WarnContext(ctx, "ownership lost while reporting failure",
				"job_id", job.ID, "worker_id", w.cfg.ID)
			return
		}
		slog.ErrorContext(ctx, "failed to record job failure",
			"job_id", job.ID, "worker_id", w.cfg.ID, "error", err)
	}
}

// effectiveDeadline is min(lease expiry, task timeout from now).
func (w *Worker) effectiveDeadline(job *domain.Job) time.Time {
	deadline := time.Now().UTC().Add(w.cfg.Lease)
	if job.LeaseExpiresAt != nil {
		deadline = *job.LeaseExpiresAt
	}
	if job.Timeout > 0 {
		if byTimeout := time.Now().UTC().Add(job.Timeout); byTimeout.Before(deadline) {
			deadline = byTimeout
		}
	}
	return deadline
}

// register publishes the worker registration.
func (w *Worker) register(ctx context.Context) error {
	host, _ := os.Hostname()
	now := time.Now().UTC()
	reg := &domain.WorkerRegistration{
		ID:              w.cfg.ID,
		Hostname:        host,
		PID:             os.Getpid(),
		Queues:          w.cfg.Queues,
		Priorities:      w.cfg.Priorities,
		Capacity:        w.cfg.Capacity,
		StartedAt:       now,
		LastHeartbeatAt: now,
	}
	if err := w.store.UpsertWorker(ctx, reg); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", w.cfg.ID, err)
	}
	return nil
}

// runHeartbeat refreshes the registration and extends leases for running
// jobs. Both renewals are idempotent.
func (w *Worker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	now := time.Now().UTC()
	w.mu.Lock()
	current := make([]string, 0, len(w.inFlight))
	for id := range w.inFlight {
		current = append(current, id)
	}
	processed, failed := w.processed, w.failed
	w.lastBeat = now
	w.mu.Unlock()

	if err := w.store.Heartbeat(ctx, w.cfg.ID, now, current, processed, failed); err != nil {
		slog.WarnContext(ctx, "heartbeat failed", "worker_id", w.cfg.ID, "error", err)
	}
	if len(current) > 0 {
		if err := w.store.ExtendLeases(ctx, w.cfg.ID, current, now.Add(w.cfg.Lease)); err != nil {
			slog.WarnContext(ctx, "lease extension failed", "worker_id", w.cfg.ID, "error", err)
		}
	}
}

// watchCancellations hard-cancels the context of any in-flight job whose
// cancellation is requested. The handler still decides when to return.
func (w *Worker) watchCancellations(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-ch:
			if !ok {
				return
			}
			w.mu.Lock()
			cancel, found := w.inFlight[jobID]
			w.mu.Unlock()
			if found {
				slog.InfoContext(ctx, "cancelling running job", "job_id", jobID, "worker_id", w.cfg.ID)
				cancel()
			}
		}
	}
}

// Pause stops reserving new jobs; current jobs keep executing.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRunning {
		w.state = StatePaused
	}
}

// Resume restarts reservation after Pause.
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StatePaused {
		w.state = StateRunning
	}
}

// Shutdown drains gracefully: reservation stops, in-flight jobs get until
// deadline to finish, then their contexts are cancelled. The registration
// is removed last.
func (w *Worker) Shutdown(ctx context.Context, deadline time.Duration) error {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.state = StateDraining
	w.mu.Unlock()

	w.drain(ctx, deadline)

	close(w.done)
	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()

	if err := w.store.DeleteWorker(ctx, w.cfg.ID); err != nil {
		slog.WarnContext(ctx, "failed to remove worker registration", "worker_id", w.cfg.ID, "error", err)
	}
	slog.InfoContext(ctx, "worker stopped", "worker_id", w.cfg.ID)
	return nil
}

// ShutdownNow cancels in-flight work immediately and stops.
func (w *Worker) ShutdownNow(ctx context.Context) error {
	return w.Shutdown(ctx, 0)
}

func (w *Worker) drain(ctx context.Context, deadline time.Duration) {
	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-finished:
			return
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	// Force-cancel whatever is still running; handlers observe the
	// cancellation and the queue records outcomes as they return.
	w.mu.Lock()
	for id, cancel := range w.inFlight {
		slog.WarnContext(ctx, "force-cancelling job at shutdown", "job_id", id, "worker_id", w.cfg.ID)
		cancel()
	}
	w.mu.Unlock()
	<-finished
}

// Health is the worker's self-reported condition.
type Health struct {
	ID            string
	State         State
	InFlight      int
	Capacity      int
	Queues        []string
	JobsProcessed int64
	JobsFailed    int64
	Uptime        time.Duration
	LastHeartbeat time.Time
}

// Health snapshots the runtime condition.
func (w *Worker) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Health{
		ID:            w.cfg.ID,
		State:         w.state,
		InFlight:      len(w.inFlight),
		Capacity:      w.cfg.Capacity,
		Queues:        w.cfg.Queues,
		JobsProcessed: w.processed,
		JobsFailed:    w.failed,
		Uptime:        time.Since(w.startedAt),
		LastHeartbeat: w.lastBeat,
	}
}
