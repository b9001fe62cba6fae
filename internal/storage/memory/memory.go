// Package memory provides an in-process Storage driver. It backs unit tests
// and single-process embedded deployments; durability ends with the process.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/storage"
)

// Store implements storage.Storage, storage.Notifier and
// storage.CancellationNotifier with a single mutex. Atomicity of the
// reservation scan and conditional updates follows from the lock.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	queues    map[string]*domain.QueueDescriptor
	schedules map[string]*domain.Schedule
	workers   map[string]*domain.WorkerRegistration
	locks     map[string]*domain.Lock

	enqueueSubs map[string][]chan struct{}
	cancelSubs  []chan string
	closed      bool
}

var (
	_ storage.Storage              = (*Store)(nil)
	_ storage.Notifier             = (*Store)(nil)
	_ storage.CancellationNotifier = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*domain.Job),
		queues:      make(map[string]*domain.QueueDescriptor),
		schedules:   make(map[string]*domain.Schedule),
		workers:     make(map[string]*domain.WorkerRegistration),
		locks:       make(map[string]*domain.Lock),
		enqueueSubs: make(map[string][]chan struct{}),
	}
}

// === Jobs ===

// insertLocked enforces id and in-flight unique-key uniqueness, mirroring
// the partial unique index the SQL drivers carry.
func (s *Store) insertLocked(job *domain.Job) error {
	if _, exists := s.jobs[job.ID]; exists {
		return domain.ErrUniqueConflict
	}
	if job.UniqueKey != "" {
		for _, other := range s.jobs {
			if other.UniqueKey == job.UniqueKey && !other.Status.Terminal() {
				return domain.ErrUniqueConflict
			}
		}
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job)
}

func (s *Store) InsertJobs(ctx context.Context, jobs []*domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if err := s.insertLocked(job); err != nil {
			for _, id := range inserted {
				delete(s.jobs, id)
			}
			return err
		}
		inserted = append(inserted, job.ID)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *Store) ReserveJobs(ctx context.Context, req storage.ReserveRequest) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accepts := func(p domain.Priority) bool {
		if len(req.Priorities) == 0 {
			return true
		}
		for _, cand := range req.Priorities {
			if cand == p {
				return true
			}
		}
		return false
	}

	var eligible []*domain.Job
	for _, job := range s.jobs {
		if job.Queue != req.Queue || job.Status != domain.StatusPending {
			continue
		}
		if job.AvailableAt.After(req.Now) || !accepts(job.Priority) {
			continue
		}
		eligible = append(eligible, job)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.AvailableAt.Equal(b.AvailableAt) {
			return a.AvailableAt.Before(b.AvailableAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	limit := req.Limit
	if limit <= 0 || limit > len(eligible) {
		limit = len(eligible)
	}

	deadline := req.Now.Add(req.Lease)
	reserved := make([]*domain.Job, 0, limit)
	for _, job := range eligible[:limit] {
		job.Status = domain.StatusReserved
		job.WorkerID = req.WorkerID
		d := deadline
		job.LeaseExpiresAt = &d
		job.UpdatedAt = req.Now
		reserved = append(reserved, job.Clone())
	}
	return reserved, nil
}

func (s *Store) CompareAndUpdateJob(ctx context.Context, job *domain.Job, from domain.Status, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if stored.Status != from {
		return domain.ErrWrongOwner
	}
	if owner != "" && stored.WorkerID != owner {
		return domain.ErrWrongOwner
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statusMatch := func(st domain.Status) bool {
		if len(filter.Statuses) == 0 {
			return true
		}
		for _, cand := range filter.Statuses {
			if cand == st {
				return true
			}
		}
		return false
	}
	tagMatch := func(tags []string) bool {
		if filter.Tag == "" {
			return true
		}
		for _, t := range tags {
			if t == filter.Tag {
				return true
			}
		}
		return false
	}

	var out []*domain.Job
	for _, job := range s.jobs {
		if filter.Queue != "" && job.Queue != filter.Queue {
			continue
		}
		if filter.TaskName != "" && job.TaskName != filter.TaskName {
			continue
		}
		if filter.ScheduleID != "" && job.ScheduleID != filter.ScheduleID {
			continue
		}
		if filter.WorkerID != "" && job.WorkerID != filter.WorkerID {
			continue
		}
		if !statusMatch(job.Status) || !tagMatch(job.Tags) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CountJobs(ctx context.Context, queue string) (map[domain.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.Status]int64)
	for _, job := range s.jobs {
		if job.Queue == queue {
			counts[job.Status]++
		}
	}
	return counts, nil
}

func (s *Store) FindActiveByUniqueKey(ctx context.Context, key string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.UniqueKey == key && !job.Status.Terminal() {
			return job.Clone(), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, job := range s.jobs {
		if job.Status != domain.StatusReserved && job.Status != domain.StatusRunning {
			continue
		}
		if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
			continue
		}
		out = append(out, job.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, job := range s.jobs {
		if job.Status != domain.StatusRetrying || job.AvailableAt.After(now) {
			continue
		}
		out = append(out, job.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) HasActiveJobForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ScheduleID == scheduleID && !job.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteJobs(ctx context.Context, filter storage.PruneFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	statusMatch := func(st domain.Status) bool {
		if len(filter.Statuses) == 0 {
			return st.Terminal()
		}
		for _, cand := range filter.Statuses {
			if cand == st {
				return true
			}
		}
		return false
	}

	var deleted int64
	for id, job := range s.jobs {
		if !job.Status.Terminal() || !statusMatch(job.Status) {
			continue
		}
		if filter.Queue != "" && job.Queue != filter.Queue {
			continue
		}
		if !filter.CompletedBy.IsZero() {
			stamp := job.UpdatedAt
			if job.CompletedAt != nil {
				stamp = *job.CompletedAt
			}
			if stamp.After(filter.CompletedBy) {
				continue
			}
		}
		delete(s.jobs, id)
		deleted++
	}
	return deleted, nil
}

func (s *Store) ExtendLeases(ctx context.Context, workerID string, jobIDs []string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range jobIDs {
		job, ok := s.jobs[id]
		if !ok || job.WorkerID != workerID {
			continue
		}
		if job.Status != domain.StatusReserved && job.Status != domain.StatusRunning {
			continue
		}
		u := until
		job.LeaseExpiresAt = &u
	}
	return nil
}

// === Queues ===

func (s *Store) EnsureQueue(ctx context.Context, name string) (*domain.QueueDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		now := time.Now().UTC()
		q = &domain.QueueDescriptor{Name: name, CreatedAt: now, UpdatedAt: now}
		s.queues[name] = q
	}
	cp := *q
	return &cp, nil
}

func (s *Store) GetQueue(ctx context.Context, name string) (*domain.QueueDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, domain.ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *Store) SaveQueue(ctx context.Context, q *domain.QueueDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	cp.UpdatedAt = time.Now().UTC()
	s.queues[q.Name] = &cp
	return nil
}

func (s *Store) ListQueues(ctx context.Context) ([]*domain.QueueDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.QueueDescriptor, 0, len(s.queues))
	for _, q := range s.queues {
		cp := *q
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// === Schedules ===

func (s *Store) InsertSchedule(ctx context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sched.ID]; exists {
		return domain.ErrUniqueConflict
	}
	for _, other := range s.schedules {
		if strings.EqualFold(other.Name, sched.Name) {
			return domain.ErrUniqueConflict
		}
	}
	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	cp := *sched
	return &cp, nil
}

func (s *Store) GetScheduleByName(ctx context.Context, name string) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range s.schedules {
		if strings.EqualFold(sched.Name, name) {
			cp := *sched
			return &cp, nil
		}
	}
	return nil, domain.ErrScheduleNotFound
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.schedules[sched.ID]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	if stored.Version != sched.Version {
		return domain.ErrVersionConflict
	}
	cp := *sched
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return domain.ErrScheduleNotFound
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, filter storage.ScheduleFilter) ([]*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Schedule
	for _, sched := range s.schedules {
		if filter.EnabledOnly && !sched.Enabled {
			continue
		}
		if filter.Kind != "" && sched.Kind != filter.Kind {
			continue
		}
		if filter.DueBefore != nil {
			if sched.NextFireAt == nil || sched.NextFireAt.After(*filter.DueBefore) {
				continue
			}
		}
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// === Workers ===

func (s *Store) UpsertWorker(ctx context.Context, w *domain.WorkerRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	cp.Queues = append([]string(nil), w.Queues...)
	cp.CurrentJobIDs = append([]string(nil), w.CurrentJobIDs...)
	s.workers[w.ID] = &cp
	return nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*domain.WorkerRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, domain.ErrWorkerNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]*domain.WorkerRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.WorkerRegistration, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, at time.Time, currentJobs []string, processed, failed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return domain.ErrWorkerNotFound
	}
	w.LastHeartbeatAt = at
	w.CurrentJobIDs = append([]string(nil), currentJobs...)
	w.JobsProcessed = processed
	w.JobsFailed = failed
	return nil
}

// === Locks ===

func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	lock, ok := s.locks[name]
	if ok && lock.HolderID != holder && lock.ExpiresAt.After(now) {
		return false, nil
	}
	s.locks[name] = &domain.Lock{Name: name, HolderID: holder, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) RenewLock(ctx context.Context, name, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok || lock.HolderID != holder {
		return domain.ErrLockHeld
	}
	lock.ExpiresAt = time.Now().UTC().Add(ttl)
	return nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if ok && lock.HolderID == holder {
		delete(s.locks, name)
	}
	return nil
}

// === Notifications ===

// NotifyEnqueue delivers under the lock so a racing unsubscribe cannot
// close a channel mid-send. Sends never block: subscribers behind by more
// than one tick catch up on their next poll.
func (s *Store) NotifyEnqueue(ctx context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.enqueueSubs[queue] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Store) SubscribeEnqueue(ctx context.Context, queue string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.enqueueSubs[queue] = append(s.enqueueSubs[queue], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		subs := s.enqueueSubs[queue]
		for i, cand := range subs {
			if cand == ch {
				s.enqueueSubs[queue] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *Store) NotifyCancellation(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.cancelSubs {
		select {
		case ch <- jobID:
		default:
		}
	}
	return nil
}

func (s *Store) SubscribeCancellations(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 10)
	s.mu.Lock()
	s.cancelSubs = append(s.cancelSubs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, cand := range s.cancelSubs {
			if cand == ch {
				s.cancelSubs = append(s.cancelSubs[:i], s.cancelSubs[i+1:]...)
				break
			}
		}
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// === Health ===

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
