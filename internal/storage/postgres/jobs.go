package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/storage"
)

const jobColumns = `id, task_name, task_version, args, kwargs, queue_name, priority, status,
	created_at, available_at, started_at, completed_at, attempt, max_attempts,
	retry_base_ms, retry_factor, retry_jitter, retry_max_ms, timeout_ms, unique_key,
	worker_id, lease_expires_at, result, error, metadata, tags, dead_lettered,
	cancel_requested, schedule_id, updated_at`

// jobArgs flattens a job into the insert/update parameter list matching
// jobColumns.
func jobArgs(j *domain.Job) ([]any, error) {
	args, err := json.Marshal(orEmptySlice(j.Args))
	if err != nil {
		return nil, fmt.Errorf("failed to encode args: %w", err)
	}
	kwargs, err := json.Marshal(orEmptyMap(j.Kwargs))
	if err != nil {
		return nil, fmt.Errorf("failed to encode kwargs: %w", err)
	}
	metadata, err := json.Marshal(orEmptyMap(j.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	tags, err := json.Marshal(orEmptyStrings(j.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}

	var result []byte
	if j.Result != nil {
		if result, err = json.Marshal(j.Result); err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
	}
	var errRec []byte
	if j.Error != nil {
		if errRec, err = json.Marshal(j.Error); err != nil {
			return nil, fmt.Errorf("failed to encode error record: %w", err)
		}
	}

	return []any{
		j.ID, j.TaskName, j.TaskVersion, args, kwargs, j.Queue, int(j.Priority), string(j.Status),
		j.CreatedAt, j.AvailableAt, j.StartedAt, j.CompletedAt, j.Attempt, j.MaxAttempts,
		j.Retry.BaseDelay.Milliseconds(), j.Retry.Factor, j.Retry.Jitter, j.Retry.MaxDelay.Milliseconds(),
		j.Timeout.Milliseconds(), j.UniqueKey,
		j.WorkerID, j.LeaseExpiresAt, result, errRec, metadata, tags, j.DeadLettered,
		j.CancelRequested, j.ScheduleID, j.UpdatedAt,
	}, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j                             domain.Job
		priority                      int
		status                        string
		args, kwargs, metadata, tags  []byte
		result, errRec                []byte
		baseMS, maxMS, timeoutMS      int64
		startedAt, completedAt, lease *time.Time
	)
	err := row.Scan(
		&j.ID, &j.TaskName, &j.TaskVersion, &args, &kwargs, &j.Queue, &priority, &status,
		&j.CreatedAt, &j.AvailableAt, &startedAt, &completedAt, &j.Attempt, &j.MaxAttempts,
		&baseMS, &j.Retry.Factor, &j.Retry.Jitter, &maxMS, &timeoutMS, &j.UniqueKey,
		&j.WorkerID, &lease, &result, &errRec, &metadata, &tags, &j.DeadLettered,
		&j.CancelRequested, &j.ScheduleID, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}

	j.Priority = domain.Priority(priority)
	j.Status = domain.Status(status)
	j.StartedAt = startedAt
	j.CompletedAt = completedAt
	j.LeaseExpiresAt = lease
	j.Retry.BaseDelay = time.Duration(baseMS) * time.Millisecond
	j.Retry.MaxDelay = time.Duration(maxMS) * time.Millisecond
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond

	if err := json.Unmarshal(args, &j.Args); err != nil {
		return nil, fmt.Errorf("failed to decode args for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal(kwargs, &j.Kwargs); err != nil {
		return nil, fmt.Errorf("failed to decode kwargs for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal(tags, &j.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for job %s: %w", j.ID, err)
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result for job %s: %w", j.ID, err)
		}
	}
	if len(errRec) > 0 {
		j.Error = &domain.ErrorRecord{}
		if err := json.Unmarshal(errRec, j.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error record for job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	params, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumns, placeholders(len(params)))
	if _, err := s.pool.Exec(ctx, query, params...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUniqueConflict
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *Store) InsertJobs(ctx context.Context, jobs []*domain.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumns, placeholders(30))
	for _, job := range jobs {
		params, err := jobArgs(job)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, params...); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrUniqueConflict
			}
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM jobs WHERE id = $1", jobColumns), id)
	return scanJob(row)
}

func (s *Store) ReserveJobs(ctx context.Context, req storage.ReserveRequest) ([]*domain.Job, error) {
	// Non-nil so an absent filter encodes as an empty array, not NULL.
	priorities := make([]int, 0, len(req.Priorities))
	for _, p := range req.Priorities {
		priorities = append(priorities, int(p))
	}

	query := fmt.Sprintf(`
		WITH candidates AS (
			SELECT id FROM jobs
			WHERE queue_name = $1
			  AND status = 'PENDING'
			  AND available_at <= $2
			  AND (cardinality($3::int[]) = 0 OR priority = ANY($3::int[]))
			ORDER BY priority, available_at, created_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'RESERVED', worker_id = $5, lease_expires_at = $6, updated_at = $2
		FROM candidates c
		WHERE j.id = c.id
		RETURNING %s`, prefixColumns("j"))

	limit := req.Limit
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, query,
		req.Queue, req.Now, priorities, limit, req.WorkerID, req.Now.Add(req.Lease))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING gives no ordering guarantee; restore reservation order.
	sort.Slice(jobs, func(i, k int) bool {
		a, b := jobs[i], jobs[k]
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
	return jobs, nil
}

func prefixColumns(alias string) string {
	cols := strings.Split(jobColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (s *Store) CompareAndUpdateJob(ctx context.Context, job *domain.Job, from domain.Status, owner string) error {
	params, err := jobArgs(job)
	if err != nil {
		return err
	}
	cols := strings.Split(jobColumns, ",")
	sets := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		name := strings.TrimSpace(c)
		if name == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", name, i+1))
	}

	query := fmt.Sprintf(`
		UPDATE jobs SET %s
		WHERE id = $1 AND status = $%d AND ($%d = '' OR worker_id = $%d)`,
		strings.Join(sets, ", "), len(params)+1, len(params)+2, len(params)+2)
	params = append(params, string(from), owner)

	tag, err := s.pool.Exec(ctx, query, params...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUniqueConflict
		}
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)", job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check job %s: %w", job.ID, err)
		}
		if !exists {
			return domain.ErrJobNotFound
		}
		return domain.ErrWrongOwner
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	var (
		conds  []string
		params []any
	)
	add := func(cond string, val any) {
		params = append(params, val)
		conds = append(conds, fmt.Sprintf(cond, len(params)))
	}

	if filter.Queue != "" {
		add("queue_name = $%d", filter.Queue)
	}
	if filter.TaskName != "" {
		add("task_name = $%d", filter.TaskName)
	}
	if filter.ScheduleID != "" {
		add("schedule_id = $%d", filter.ScheduleID)
	}
	if filter.WorkerID != "" {
		add("worker_id = $%d", filter.WorkerID)
	}
	if filter.Tag != "" {
		add("tags @> to_jsonb(ARRAY[$%d::text])", filter.Tag)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		add("status = ANY($%d)", statuses)
	}

	query := fmt.Sprintf("SELECT %s FROM jobs", jobColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		params = append(params, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(params))
	}
	if filter.Offset > 0 {
		params = append(params, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(params))
	}

	rows, err := s.pool.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) CountJobs(ctx context.Context, queue string) (map[domain.Status]int64, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT status, count(*) FROM jobs WHERE queue_name = $1 GROUP BY status", queue)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) FindActiveByUniqueKey(ctx context.Context, key string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE unique_key = $1
		  AND status IN ('PENDING', 'RESERVED', 'RUNNING', 'RETRYING')
		LIMIT 1`, jobColumns), key)
	return scanJob(row)
}

func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status IN ('RESERVED', 'RUNNING') AND lease_expires_at < $1
		ORDER BY lease_expires_at
		LIMIT $2`, jobColumns), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired leases: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status = 'RETRYING' AND available_at <= $1
		ORDER BY available_at
		LIMIT $2`, jobColumns), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan due retries: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) HasActiveJobForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE schedule_id = $1
			  AND status IN ('PENDING', 'RESERVED', 'RUNNING', 'RETRYING')
		)`, scheduleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check schedule instances: %w", err)
	}
	return exists, nil
}

func (s *Store) DeleteJobs(ctx context.Context, filter storage.PruneFilter) (int64, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusDead, domain.StatusCancelled}
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}

	conds := []string{"status = ANY($1)"}
	params := []any{names}
	if filter.Queue != "" {
		params = append(params, filter.Queue)
		conds = append(conds, fmt.Sprintf("queue_name = $%d", len(params)))
	}
	if !filter.CompletedBy.IsZero() {
		params = append(params, filter.CompletedBy)
		conds = append(conds, fmt.Sprintf("coalesce(completed_at, updated_at) <= $%d", len(params)))
	}

	tag, err := s.pool.Exec(ctx, "DELETE FROM jobs WHERE "+strings.Join(conds, " AND "), params...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ExtendLeases(ctx context.Context, workerID string, jobIDs []string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $1
		WHERE id = ANY($2) AND worker_id = $3 AND status IN ('RESERVED', 'RUNNING')`,
		until, jobIDs, workerID)
	if err != nil {
		return fmt.Errorf("failed to extend leases: %w", err)
	}
	return nil
}

func orEmptySlice(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func orEmptyMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
