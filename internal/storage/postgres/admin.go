package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/storage"
)

// === Queues ===

func (s *Store) EnsureQueue(ctx context.Context, name string) (*domain.QueueDescriptor, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure queue %s: %w", name, err)
	}
	return s.GetQueue(ctx, name)
}

func (s *Store) GetQueue(ctx context.Context, name string) (*domain.QueueDescriptor, error) {
	var (
		q          domain.QueueDescriptor
		priorities []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT name, paused, dead_letter_queue, priorities, created_at, updated_at
		FROM queues WHERE name = $1`, name).
		Scan(&q.Name, &q.Paused, &q.DeadLetterQueue, &priorities, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQueueNotFound
		}
		return nil, fmt.Errorf("failed to get queue %s: %w", name, err)
	}
	if err := json.Unmarshal(priorities, &q.Priorities); err != nil {
		return nil, fmt.Errorf("failed to decode queue priorities: %w", err)
	}
	return &q, nil
}

func (s *Store) SaveQueue(ctx context.Context, q *domain.QueueDescriptor) error {
	priorities, err := json.Marshal(q.Priorities)
	if err != nil {
		return fmt.Errorf("failed to encode queue priorities: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queues (name, paused, dead_letter_queue, priorities, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (name) DO UPDATE
		SET paused = EXCLUDED.paused,
		    dead_letter_queue = EXCLUDED.dead_letter_queue,
		    priorities = EXCLUDED.priorities,
		    updated_at = now()`,
		q.Name, q.Paused, q.DeadLetterQueue, priorities)
	if err != nil {
		return fmt.Errorf("failed to save queue %s: %w", q.Name, err)
	}
	return nil
}

func (s *Store) ListQueues(ctx context.Context) ([]*domain.QueueDescriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, paused, dead_letter_queue, priorities, created_at, updated_at
		FROM queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueueDescriptor
	for rows.Next() {
		var (
			q          domain.QueueDescriptor
			priorities []byte
		)
		if err := rows.Scan(&q.Name, &q.Paused, &q.DeadLetterQueue, &priorities, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(priorities, &q.Priorities); err != nil {
			return nil, fmt.Errorf("failed to decode queue priorities: %w", err)
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

// === Schedules ===

// scheduleParams is the jsonb bundle of kind-specific fields.
type scheduleParams struct {
	CronExpr    string   `json:"cron_expr,omitempty"`
	IntervalMS  int64    `json:"interval_ms,omitempty"`
	Anchor      *string  `json:"anchor,omitempty"`
	TimesOfDay  []string `json:"times_of_day,omitempty"`
	DaysOfWeek  []int    `json:"days_of_week,omitempty"`
	DaysOfMonth []int    `json:"days_of_month,omitempty"`
	EventTopic  string   `json:"event_topic,omitempty"`
}

func encodeScheduleParams(s *domain.Schedule) ([]byte, error) {
	p := scheduleParams{
		CronExpr:    s.CronExpr,
		IntervalMS:  s.Interval.Milliseconds(),
		DaysOfMonth: s.DaysOfMonth,
		EventTopic:  s.EventTopic,
	}
	if s.Anchor != nil {
		anchor := s.Anchor.UTC().Format(time.RFC3339Nano)
		p.Anchor = &anchor
	}
	for _, tod := range s.TimesOfDay {
		p.TimesOfDay = append(p.TimesOfDay, tod.String())
	}
	for _, d := range s.DaysOfWeek {
		p.DaysOfWeek = append(p.DaysOfWeek, int(d))
	}
	return json.Marshal(p)
}

func decodeScheduleParams(raw []byte, s *domain.Schedule) error {
	var p scheduleParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	s.CronExpr = p.CronExpr
	s.Interval = time.Duration(p.IntervalMS) * time.Millisecond
	s.DaysOfMonth = p.DaysOfMonth
	s.EventTopic = p.EventTopic
	if p.Anchor != nil {
		anchor, err := time.Parse(time.RFC3339Nano, *p.Anchor)
		if err != nil {
			return fmt.Errorf("invalid anchor: %w", err)
		}
		anchor = anchor.UTC()
		s.Anchor = &anchor
	}
	for _, raw := range p.TimesOfDay {
		tod, err := domain.ParseTimeOfDay(raw)
		if err != nil {
			return err
		}
		s.TimesOfDay = append(s.TimesOfDay, tod)
	}
	for _, d := range p.DaysOfWeek {
		s.DaysOfWeek = append(s.DaysOfWeek, time.Weekday(d))
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
		sch.ID, sch.Name, sch.TaskName, sch.TaskVersion, args, kwargs, sch.Queue, int(sch.Priority),
		metadata, string(sch.Kind), params, sch.Timezone, sch.StartAt, sch.EndAt, sch.Enabled, sch.UniqueInstance,
		string(sch.MissedPolicy), sch.MaxMissed, sch.LastFireAt, sch.NextFireAt,
		sch.RunCount, sch.SuccessCount, sch.ErrorCount, sch.SkippedCount, sch.Version, sch.CreatedAt, sch.UpdatedAt,
	}, nil
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var (
		sch                    domain.Schedule
		args, kwargs, metadata []byte
		params                 []byte
		kind, missedPolicy     string
		priority               int
	)
	err := row.Scan(
		&sch.ID, &sch.Name, &sch.TaskName, &sch.TaskVersion, &args, &kwargs, &sch.Queue, &priority,
		&metadata, &kind, &params, &sch.Timezone, &sch.StartAt, &sch.EndAt, &sch.Enabled, &sch.UniqueInstance,
		&missedPolicy, &sch.MaxMissed, &sch.LastFireAt, &sch.NextFireAt,
		&sch.RunCount, &sch.SuccessCount, &sch.ErrorCount, &sch.SkippedCount, &sch.Version, &sch.CreatedAt, &sch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, err
	}
	sch.Priority = domain.Priority(priority)
	sch.Kind = domain.ScheduleKind(kind)
	sch.MissedPolicy = domain.MissedPolicy(missedPolicy)
	if err := json.Unmarshal(args, &sch.Args); err != nil {
		return nil, fmt.Errorf("failed to decode schedule args: %w", err)
	}
	if err := json.Unmarshal(kwargs, &sch.Kwargs); err != nil {
		return nil, fmt.Errorf("failed to decode schedule kwargs: %w", err)
	}
	if err := json.Unmarshal(metadata, &sch.Metadata); err != nil {
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
	if _, err := s.pool.Exec(ctx, query, params...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUniqueConflict
		}
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM schedules WHERE id = $1", scheduleColumns), id)
	return scanSchedule(row)
}

func (s *Store) GetScheduleByName(ctx context.Context, name string) (*domain.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM schedules WHERE lower(name) = lower($1)", scheduleColumns), name)
	return scanSchedule(row)
}

func (s *Store) UpdateSchedule(ctx context.Context, sch *domain.Schedule) error {
	params, err := scheduleArgs(sch)
	if err != nil {
		return err
	}
	// Column order matches scheduleColumns; id is $1 and version is $25.
	query := `
		UPDATE schedules SET
			name = $2, task_name = $3, task_version = $4, args = $5, kwargs = $6,
			queue_name = $7, priority = $8, metadata = $9, kind = $10, params = $11,
			timezone = $12, start_at = $13, end_at = $14, enabled = $15, unique_instance = $16,
			missed_policy = $17, max_missed = $18, last_fire_at = $19, next_fire_at = $20,
			run_count = $21, success_count = $22, error_count = $23, skipped_count = $24,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $25`
	tag, err := s.pool.Exec(ctx, query, params[:25]...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUniqueConflict
		}
		return fmt.Errorf("failed to update schedule %s: %w", sch.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schedules WHERE id = $1)", sch.ID).Scan(&exists); err != nil {
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
	tag, err := s.pool.Exec(ctx, "DELETE FROM schedules WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
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
		params = append(params, *filter.DueBefore)
		conds = append(conds, fmt.Sprintf("next_fire_at IS NOT NULL AND next_fire_at <= $%d", len(params)))
	}
	if filter.Kind != "" {
		params = append(params, string(filter.Kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(params)))
	}

	query := fmt.Sprintf("SELECT %s FROM schedules", scheduleColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		params = append(params, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(params))
	}

	rows, err := s.pool.Query(ctx, query, params...)
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workers (id, hostname, pid, queue_names, priorities, capacity,
			started_at, last_heartbeat_at, current_job_ids, jobs_processed, jobs_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			pid = EXCLUDED.pid,
			queue_names = EXCLUDED.queue_names,
			priorities = EXCLUDED.priorities,
			capacity = EXCLUDED.capacity,
			started_at = EXCLUDED.started_at,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			current_job_ids = EXCLUDED.current_job_ids`,
		w.ID, w.Hostname, w.PID, queues, priorities, w.Capacity,
		w.StartedAt, w.LastHeartbeatAt, jobs, w.JobsProcessed, w.JobsFailed)
	if err != nil {
		return fmt.Errorf("failed to upsert worker %s: %w", w.ID, err)
	}
	return nil
}

func scanWorker(row pgx.Row) (*domain.WorkerRegistration, error) {
	var (
		w                        domain.WorkerRegistration
		queues, priorities, jobs []byte
	)
	err := row.Scan(&w.ID, &w.Hostname, &w.PID, &queues, &priorities, &w.Capacity,
		&w.StartedAt, &w.LastHeartbeatAt, &jobs, &w.JobsProcessed, &w.JobsFailed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(queues, &w.Queues); err != nil {
		return nil, fmt.Errorf("failed to decode worker queues: %w", err)
	}
	if err := json.Unmarshal(priorities, &w.Priorities); err != nil {
		return nil, fmt.Errorf("failed to decode worker priorities: %w", err)
	}
	if err := json.Unmarshal(jobs, &w.CurrentJobIDs); err != nil {
		return nil, fmt.Errorf("failed to decode worker jobs: %w", err)
	}
	return &w, nil
}

const workerColumns = `id, hostname, pid, queue_names, priorities, capacity,
	started_at, last_heartbeat_at, current_job_ids, jobs_processed, jobs_failed`

func (s *Store) GetWorker(ctx context.Context, id string) (*domain.WorkerRegistration, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM workers WHERE id = $1", workerColumns), id)
	return scanWorker(row)
}

func (s *Store) ListWorkers(ctx context.Context) ([]*domain.WorkerRegistration, error) {
	rows, err := s.pool.Query(ctx,
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
	if _, err := s.pool.Exec(ctx, "DELETE FROM workers WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", id, err)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, at time.Time, currentJobs []string, processed, failed int64) error {
	jobs, err := json.Marshal(orEmptyStrings(currentJobs))
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat jobs: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers
		SET last_heartbeat_at = $2, current_job_ids = $3, jobs_processed = $4, jobs_failed = $5
		WHERE id = $1`,
		workerID, at, jobs, processed, failed)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// === Locks ===

func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	expires := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO locks (name, holder_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET holder_id = EXCLUDED.holder_id, expires_at = EXCLUDED.expires_at
		WHERE locks.holder_id = EXCLUDED.holder_id OR locks.expires_at < now()`,
		name, holder, expires)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RenewLock(ctx context.Context, name, holder string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE locks SET expires_at = $3 WHERE name = $1 AND holder_id = $2",
		name, holder, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLockHeld
	}
	return nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM locks WHERE name = $1 AND holder_id = $2", name, holder); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
