package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/storage"
)

// === Queues ===

func (s *Store) EnsureQueue(ctx context.Context, name string) (*domain.QueueDescriptor, error) {
	now := encTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queues (name, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING`, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure queue %s: %w", name, err)
	}
	return s.GetQueue(ctx, name)
}

func (s *Store) GetQueue(ctx context.Context, name string) (*domain.QueueDescriptor, error) {
	var (
		q                    domain.QueueDescriptor
		priorities           string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, paused, dead_letter_queue, priorities, created_at, updated_at
		FROM queues WHERE name = ?`, name).
		Scan(&q.Name, &q.Paused, &q.DeadLetterQueue, &priorities, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrQueueNotFound
		}
		return nil, fmt.Errorf("failed to get queue %s: %w", name, err)
	}
	q.CreatedAt = decTime(createdAt)
	q.UpdatedAt = decTime(updatedAt)
	if err := json.Unmarshal([]byte(priorities), &q.Priorities); err != nil {
		return nil, fmt.Errorf("failed to decode queue priorities: %w", err)
	}
	return &q, nil
}

func (s *Store) SaveQueue(ctx context.Context, q *domain.QueueDescriptor) error {
	priorities, err := json.Marshal(q.Priorities)
	if err != nil {
		return fmt.Errorf("failed to encode queue priorities: %w", err)
	}
	now := encTime(time.Now().UTC())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queues (name, paused, dead_letter_queue, priorities, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			paused = excluded.paused,
			dead_letter_queue = excluded.dead_letter_queue,
			priorities = excluded.priorities,
			updated_at = excluded.updated_at`,
		q.Name, q.Paused, q.DeadLetterQueue, string(priorities), now, now)
	if err != nil {
		return fmt.Errorf("failed to save queue %s: %w", q.Name, err)
	}
	return nil
}

func (s *Store) ListQueues(ctx context.Context) ([]*domain.QueueDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, paused, dead_letter_queue, priorities, created_at, updated_at
		FROM queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueueDescriptor
	for rows.Next() {
		var (
			q                    domain.QueueDescriptor
			priorities           string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&q.Name, &q.Paused, &q.DeadLetterQueue, &priorities, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		q.CreatedAt = decTime(createdAt)
		q.UpdatedAt = decTime(updatedAt)
		if err := json.Unmarshal([]byte(priorities), &q.Priorities); err != nil {
			return nil, fmt.Errorf("failed to decode queue priorities: %w", err)
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

// === Schedules ===

// scheduleParams mirrors the postgres driver's jsonb bundle.
type scheduleParams struct {
	CronExpr    string   `json:"cron_expr,omitempty"`
	IntervalMS  int64    `json:"interval_ms,omitempty"`
	Anchor      *string  `json:"anchor,omitempty"`
	TimesOfDay  []string `json:"times_of_day,omitempty"`
	DaysOfWeek  []int    `json:"days_of_week,omitempty"`
	DaysOfMonth []int    `json:"days_of_month,omitempty"`
	EventTopic  string   `json:"event_topic,omitempty"`
}

func encodeScheduleParams(sch *domain.Schedule) (string, error) {
	p := scheduleParams{
		CronExpr:    sch.CronExpr,
		IntervalMS:  sch.Interval.Milliseconds(),
		DaysOfMonth: sch.DaysOfMonth,
		EventTopic:  sch.EventTopic,
	}
	if sch.Anchor != nil {
		anchor := sch.Anchor.UTC().Format(time.RFC3339Nano)
		p.Anchor = &anchor
	}
	for _, tod := range sch.TimesOfDay {
		p.TimesOfDay = append(p.TimesOfDay, tod.String())
	}
	for _, d := range sch.DaysOfWeek {
		p.DaysOfWeek = append(p.DaysOfWeek, int(d))
	}
	raw, err := json.Marshal(p)
	return string(raw), err
}

func decodeScheduleParams(raw string, sch *domain.Schedule) error {
	var p scheduleParams
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return err
	}
	sch.CronExpr = p.CronExpr
	sch.Interval = time.Duration(p.IntervalMS) * time.Millisecond
	sch.DaysOfMonth = p.DaysOfMonth
	sch.EventTopic = p.EventTopic
	if p.Anchor != nil {
		anchor, err := time.Parse(time.RFC3339Nano, *p.Anchor)
		if err != nil {
			return fmt.Errorf("invalid anchor: %w", err)
		}
		anchor = anchor.UTC()
		sch.Anchor = &anchor
	}
	for _, rawTod := range p.TimesOfDay {
		tod, err := domain.ParseTimeOfDay(rawTod)
		if err != nil {
			return err
		}
		sch.TimesOfDay = append(sch.TimesOfDay, tod)
	}
	for _, d := range p.DaysOfWeek {
		sch.DaysOfWeek = append(sch.DaysOfWeek, time.Weekday(d))
	}
	return nil
}

const scheduleColumns = `id, name, task_name, task_version, args, kwargs, queue_name, priority,
	metadata, kind, params, timezone, start_at, end_at, enabled, unique_instance,
	missed_policy, max_missed, last_fire_at, next_fire_at,
	run_count, success_count, error_count, skipped_count, version, created_at, updated_at`

func scheduleArgs(sch *domain.Schedule) ([]any, error) {
	args, err := json.Marshal(orEmptySlice(sch.Args))
	if err != nil {
		return nil, fmt.Errorf("failed to encode schedule args: %w", err)
	}
	kwargs, err := json.Marshal(orEmptyMap(sch.Kwargs))
	if err != nil {
		return nil, fmt.Errorf("failed to encode schedule kwargs: %w", err)
	}
	metadata, err := json.Marshal(orEmptyMap(sch.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode schedule metadata: %w", err)
	}
	params, err := encodeScheduleParams(sch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schedule params: %w", err)
	}
	return []any{
		sch.ID, sch.Name, sch.TaskName, sch.TaskVersion, string(args), string(kwargs), sch.Queue, int(sch.Priority),
		string(metadata), string(sch.Kind), params, sch.Timezone,
		encTimePtr(sch.StartAt), encTimePtr(sch.EndAt), sch.Enabled, sch.UniqueInstance,
		string(sch.MissedPolicy), sch.MaxMissed, encTimePtr(sch.LastFireAt), encTimePtr(sch.NextFireAt),
		sch.RunCount, sch.SuccessCount, sch.ErrorCount, sch.SkippedCount, sch.Version,
		encTime(sch.CreatedAt), encTime(sch.UpdatedAt),
	}, nil
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var (
		sch                            domain.Schedule
		args, kwargs, metadata, params string
		kind, missedPolicy             string
		priority                       int
		startAt, endAt                 sql.NullInt64
		lastFire, nextFire             sql.NullInt64
		createdAt, updatedAt           int64
	)
	err := row.Scan(
		&sch.ID, &sch.Name, &sch.TaskName, &sch.TaskVersion, &args, &kwargs, &sch.Queue, &priority,
		&metadata, &kind, &params, &sch.Timezone, &startAt, &endAt, &sch.Enabled, &sch.UniqueInstance,
		&missedPolicy, &sch.MaxMissed, &lastFire, &nextFire,
		&sch.RunCount, &sch.SuccessCount, &sch.ErrorCount, &sch.SkippedCount, &sch.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, err
	}
	sch.Priority = domain.Priority(priority)
	sch.Kind = domain.ScheduleKind(kind)
	sch.MissedPolicy = domain.MissedPolicy(missedPolicy)
	sch.StartAt = decTimePtr(startAt)
	sch.EndAt = decTimePtr(endAt)
	sch.LastFireAt = decTimePtr(lastFire)
	sch.NextFireAt = decTimePtr(nextFire)
	sch.CreatedAt = decTime(createdAt)
	sch.UpdatedAt = decTime(updatedAt)

	if err := json.Unmarshal([]byte(args), &sch.Args); err != nil {
		return nil, fmt.Errorf("failed to decode schedule args: %w", err)
	}
	if err := json.Unmarshal([]byte(kwargs), &sch.Kwargs); err != nil {
		return nil, fmt.Errorf("failed to decode schedule kwargs: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &sch.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode schedule metadata: %w", err)
	}
	if err := decodeScheduleParams(params, &sch); err != nil {
		return nil, fmt.Errorf("failed to decode schedule params: %w", err)
	}
	return &sch, nil
}

func (s *Store) InsertSchedule(ctx context.Context, sch *domain.Schedule) error {
	params, err := scheduleArgs(sch)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO schedules (%s) VALUES (%s)", scheduleColumns, placeholders(len(params)))
	if _, err := s.db.ExecContext(ctx, query, params...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUniqueConflict
		}
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM schedules WHERE id = ?", scheduleColumns), id)
	return scanSchedule(row)
}

func (s *Store) GetScheduleByName(ctx context.Context, name string) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM schedules WHERE lower(name) = lower(?)", scheduleColumns), name)
	return scanSchedule(row)
}

func (s *Store) UpdateSchedule(ctx context.Context, sch *domain.Schedule) error {
	params, err := scheduleArgs(sch)
	if err != nil {
		return err
	}
	// params[0] is id, params[24] is version; both move to the WHERE clause.
	ordered := append(append([]any{}, params[1:24]...), encTime(time.Now().UTC()), sch.ID, sch.Version)
	query := `
		UPDATE schedules SET
			name = ?, task_name = ?, task_version = ?, args = ?, kwargs = ?,
			queue_name = ?, priority = ?, metadata = ?, kind = ?, params = ?,
			timezone = ?, start_at = ?, end_at = ?, enabled = ?, unique_instance = ?,
			missed_policy = ?, max_missed = ?, last_fire_at = ?, next_fire_at = ?,
			run_count = ?, success_count = ?, error_count = ?, skipped_count = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, query, ordered...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUniqueConflict
		}
		return fmt.Errorf("failed to update schedule %s: %w", sch.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM schedules WHERE id = ?)", sch.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check schedule %s: %w", sch.ID, err)
		}
		if !exists {
			return domain.ErrScheduleNotFound
		}
		return domain.ErrVersionConflict
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, filter storage.ScheduleFilter) ([]*domain.Schedule, error) {
	var (
		conds  []string
		params []any
	)
	if filter.EnabledOnly {
		conds = append(conds, "enabled")
	}
	if filter.DueBefore != nil {
		conds, params = append(conds, "next_fire_at IS NOT NULL AND next_fire_at <= ?"), append(params, encTime(*filter.DueBefore))
	}
	if filter.Kind != "" {
		conds, params = append(conds, "kind = ?"), append(params, string(filter.Kind))
	}

	query := fmt.Sprintf("SELECT %s FROM schedules", scheduleColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		params = append(params, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// === Workers ===

const workerColumns = `id, hostname, pid, queue_names, priorities, capacity,
	started_at, last_heartbeat_at, current_job_ids, jobs_processed, jobs_failed`

func (s *Store) UpsertWorker(ctx context.Context, w *domain.WorkerRegistration) error {
	queues, err := json.Marshal(orEmptyStrings(w.Queues))
	if err != nil {
		return fmt.Errorf("failed to encode worker queues: %w", err)
	}
	priorities, err := json.Marshal(w.Priorities)
	if err != nil {
		return fmt.Errorf("failed to encode worker priorities: %w", err)
	}
	jobs, err := json.Marshal(orEmptyStrings(w.CurrentJobIDs))
	if err != nil {
		return fmt.Errorf("failed to encode worker jobs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (id, hostname, pid, queue_names, priorities, capacity,
			started_at, last_heartbeat_at, current_job_ids, jobs_processed, jobs_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			queue_names = excluded.queue_names,
			priorities = excluded.priorities,
			capacity = excluded.capacity,
			started_at = excluded.started_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			current_job_ids = excluded.current_job_ids`,
		w.ID, w.Hostname, w.PID, string(queues), string(priorities), w.Capacity,
		encTime(w.StartedAt), encTime(w.LastHeartbeatAt), string(jobs), w.JobsProcessed, w.JobsFailed)
	if err != nil {
		return fmt.Errorf("failed to upsert worker %s: %w", w.ID, err)
	}
	return nil
}

func scanWorker(row rowScanner) (*domain.WorkerRegistration, error) {
	var (
		w                        domain.WorkerRegistration
		queues, priorities, jobs string
		startedAt, heartbeatAt   int64
	)
	err := row.Scan(&w.ID, &w.Hostname, &w.PID, &queues, &priorities, &w.Capacity,
		&startedAt, &heartbeatAt, &jobs, &w.JobsProcessed, &w.JobsFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, err
	}
	w.StartedAt = decTime(startedAt)
	w.LastHeartbeatAt = decTime(heartbeatAt)
	if err := json.Unmarshal([]byte(queues), &w.Queues); err != nil {
		return nil, fmt.Errorf("failed to decode worker queues: %w", err)
	}
	if err := json.Unmarshal([]byte(priorities), &w.Priorities); err != nil {
		return nil, fmt.Errorf("failed to decode worker priorities: %w", err)
	}
	if err := json.Unmarshal([]byte(jobs), &w.CurrentJobIDs); err != nil {
		return nil, fmt.Errorf("failed to decode worker jobs: %w", err)
	}
	return &w, nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*domain.WorkerRegistration, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM workers WHERE id = ?", workerColumns), id)
	return scanWorker(row)
}

func (s *Store) ListWorkers(ctx context.Context) ([]*domain.WorkerRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM workers ORDER BY id", workerColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var out []*domain.WorkerRegistration
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workers WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", id, err)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, at time.Time, currentJobs []string, processed, failed int64) error {
	jobs, err := json.Marshal(orEmptyStrings(currentJobs))
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat jobs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET last_heartbeat_at = ?, current_job_ids = ?, jobs_processed = ?, jobs_failed = ?
		WHERE id = ?`,
		encTime(at), string(jobs), processed, failed, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker %s: %w", workerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// === Locks ===

func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (name, holder_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET holder_id = excluded.holder_id, expires_at = excluded.expires_at
		WHERE locks.holder_id = excluded.holder_id OR locks.expires_at < ?`,
		name, holder, encTime(now.Add(ttl)), encTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) RenewLock(ctx context.Context, name, holder string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE locks SET expires_at = ? WHERE name = ? AND holder_id = ?",
		encTime(time.Now().UTC().Add(ttl)), name, holder)
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLockHeld
	}
	return nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM locks WHERE name = ? AND holder_id = ?", name, holder); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
