// Package sqlite implements the Storage contract on an embedded SQLite
// database through database/sql and the modernc driver. SQLite serializes
// writers, so the SKIP LOCKED semantics of the reservation scan are
// synthesized with a single write transaction that selects and claims in
// one step. Suited to single-node deployments; use the postgres driver for
// multi-host fleets.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store implements storage.Storage on a *sql.DB.
type Store struct {
	db *sql.DB
}

var _ storage.Storage = (*Store)(nil)

// Open connects, applies pragmas for concurrent readers and migrates.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

// === time encoding: unix nanoseconds, NULL for absent ===

func encTime(t time.Time) int64 { return t.UnixNano() }

func encTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func decTime(n int64) time.Time { return time.Unix(0, n).UTC() }

func decTimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := decTime(n.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// === Jobs ===

const jobColumns = `id, task_name, task_version, args, kwargs, queue_name, priority, status,
	created_at, available_at, started_at, completed_at, attempt, max_attempts,
	retry_base_ms, retry_factor, retry_jitter, retry_max_ms, timeout_ms, unique_key,
	worker_id, lease_expires_at, result, error, metadata, tags, dead_lettered,
	cancel_requested, schedule_id, updated_at`

func jobArgs(j *domain.Job) ([]any, error) {
	enc := func(v any) (string, error) {
		raw, err := json.Marshal(v)
		return string(raw), err
	}
	args, err := enc(orEmptySlice(j.Args))
	if err != nil {
		return nil, fmt.Errorf("failed to encode args: %w", err)
	}
	kwargs, err := enc(orEmptyMap(j.Kwargs))
	if err != nil {
		return nil, fmt.Errorf("failed to encode kwargs: %w", err)
	}
	metadata, err := enc(orEmptyMap(j.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	tags, err := enc(orEmptyStrings(j.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}

	var result, errRec any
	if j.Result != nil {
		raw, err := enc(j.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		result = raw
	}
	if j.Error != nil {
		raw, err := enc(j.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to encode error record: %w", err)
		}
		errRec = raw
	}

	return []any{
		j.ID, j.TaskName, j.TaskVersion, args, kwargs, j.Queue, int(j.Priority), string(j.Status),
		encTime(j.CreatedAt), encTime(j.AvailableAt), encTimePtr(j.StartedAt), encTimePtr(j.CompletedAt),
		j.Attempt, j.MaxAttempts,
		j.Retry.BaseDelay.Milliseconds(), j.Retry.Factor, j.Retry.Jitter, j.Retry.MaxDelay.Milliseconds(),
		j.Timeout.Milliseconds(), j.UniqueKey,
		j.WorkerID, encTimePtr(j.LeaseExpiresAt), result, errRec, metadata, tags, j.DeadLettered,
		j.CancelRequested, j.ScheduleID, encTime(j.UpdatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                            domain.Job
		priority                     int
		status                       string
		args, kwargs, metadata, tags string
		result, errRec               sql.NullString
		createdAt, availableAt       int64
		updatedAt                    int64
		startedAt, completedAt       sql.NullInt64
		lease                        sql.NullInt64
		baseMS, maxMS, timeoutMS     int64
	)
	err := row.Scan(
		&j.ID, &j.TaskName, &j.TaskVersion, &args, &kwargs, &j.Queue, &priority, &status,
		&createdAt, &availableAt, &startedAt, &completedAt, &j.Attempt, &j.MaxAttempts,
		&baseMS, &j.Retry.Factor, &j.Retry.Jitter, &maxMS, &timeoutMS, &j.UniqueKey,
		&j.WorkerID, &lease, &result, &errRec, &metadata, &tags, &j.DeadLettered,
		&j.CancelRequested, &j.ScheduleID, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}

	j.Priority = domain.Priority(priority)
	j.Status = domain.Status(status)
	j.CreatedAt = decTime(createdAt)
	j.AvailableAt = decTime(availableAt)
	j.UpdatedAt = decTime(updatedAt)
	j.StartedAt = decTimePtr(startedAt)
	j.CompletedAt = decTimePtr(completedAt)
	j.LeaseExpiresAt = decTimePtr(lease)
	j.Retry.BaseDelay = time.Duration(baseMS) * time.Millisecond
	j.Retry.MaxDelay = time.Duration(maxMS) * time.Millisecond
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond

	if err := json.Unmarshal([]byte(args), &j.Args); err != nil {
		return nil, fmt.Errorf("failed to decode args for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(kwargs), &j.Kwargs); err != nil {
		return nil, fmt.Errorf("failed to decode kwargs for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &j.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &j.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for job %s: %w", j.ID, err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &j.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result for job %s: %w", j.ID, err)
		}
	}
	if errRec.Valid {
		j.Error = &domain.ErrorRecord{}
		if err := json.Unmarshal([]byte(errRec.String), j.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error record for job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	params, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumns, placeholders(len(params)))
	if _, err := s.db.ExecContext(ctx, query, params...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUniqueConflict
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *Store) InsertJobs(ctx context.Context, jobs []*domain.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumns, placeholders(30))
	for _, job := range jobs {
		params, err := jobArgs(job)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, params...); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrUniqueConflict
			}
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM jobs WHERE id = ?", jobColumns), id)
	return scanJob(row)
}

func (s *Store) ReserveJobs(ctx context.Context, req storage.ReserveRequest) ([]*domain.Job, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE queue_name = ? AND status = 'PENDING' AND available_at <= ?`, jobColumns)
	params := []any{req.Queue, encTime(req.Now)}
	if len(req.Priorities) > 0 {
		marks := make([]string, len(req.Priorities))
		for i, p := range req.Priorities {
			marks[i] = "?"
			params = append(params, int(p))
		}
		query += fmt.Sprintf(" AND priority IN (%s)", strings.Join(marks, ", "))
	}
	query += " ORDER BY priority, available_at, created_at, id LIMIT ?"
	params = append(params, limit)

	rows, err := tx.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending jobs: %w", err)
	}
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	deadline := req.Now.Add(req.Lease)
	for _, job := range jobs {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'RESERVED', worker_id = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = 'PENDING'`,
			req.WorkerID, encTime(deadline), encTime(req.Now), job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve job %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			job.Status = domain.StatusReserved
			job.WorkerID = req.WorkerID
			d := deadline
			job.LeaseExpiresAt = &d
			job.UpdatedAt = req.Now
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return jobs, nil
}

func (s *Store) CompareAndUpdateJob(ctx context.Context, job *domain.Job, from domain.Status, owner string) error {
	params, err := jobArgs(job)
	if err != nil {
		return err
	}
	cols := strings.Split(jobColumns, ",")
	sets := make([]string, 0, len(cols)-1)
	ordered := make([]any, 0, len(params)+3)
	for i, c := range cols {
		name := strings.TrimSpace(c)
		if name == "id" {
			continue
		}
		sets = append(sets, name+" = ?")
		ordered = append(ordered, params[i])
	}
	ordered = append(ordered, job.ID, string(from), owner, owner)

	query := fmt.Sprintf(`
		UPDATE jobs SET %s
		WHERE id = ? AND status = ? AND (? = '' OR worker_id = ?)`, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, ordered...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUniqueConflict
		}
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM jobs WHERE id = ?)", job.ID).Scan(&exists); err != nil {
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
	if filter.Queue != "" {
		conds, params = append(conds, "queue_name = ?"), append(params, filter.Queue)
	}
	if filter.TaskName != "" {
		conds, params = append(conds, "task_name = ?"), append(params, filter.TaskName)
	}
	if filter.ScheduleID != "" {
		conds, params = append(conds, "schedule_id = ?"), append(params, filter.ScheduleID)
	}
	if filter.WorkerID != "" {
		conds, params = append(conds, "worker_id = ?"), append(params, filter.WorkerID)
	}
	if filter.Tag != "" {
		// Tags are a JSON array of strings; substring match on the quoted
		// value is exact for tag atoms without quotes.
		conds, params = append(conds, "instr(tags, ?) > 0"), append(params, fmt.Sprintf("%q", filter.Tag))
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			params = append(params, string(st))
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(marks, ", ")))
	}

	query := fmt.Sprintf("SELECT %s FROM jobs", jobColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		params = append(params, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		params = append(params, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
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
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, count(*) FROM jobs WHERE queue_name = ? GROUP BY status", queue)
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
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE unique_key = ?
		  AND status IN ('PENDING', 'RESERVED', 'RUNNING', 'RETRYING')
		LIMIT 1`, jobColumns), key)
	return scanJob(row)
}

func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status IN ('RESERVED', 'RUNNING') AND lease_expires_at < ?
		ORDER BY lease_expires_at LIMIT ?`, jobColumns), encTime(now), limit)
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
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status = 'RETRYING' AND available_at <= ?
		ORDER BY available_at LIMIT ?`, jobColumns), encTime(now), limit)
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
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE schedule_id = ?
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
	marks := make([]string, len(statuses))
	params := make([]any, 0, len(statuses)+2)
	for i, st := range statuses {
		marks[i] = "?"
		params = append(params, string(st))
	}
	conds := []string{fmt.Sprintf("status IN (%s)", strings.Join(marks, ", "))}
	if filter.Queue != "" {
		conds, params = append(conds, "queue_name = ?"), append(params, filter.Queue)
	}
	if !filter.CompletedBy.IsZero() {
		conds, params = append(conds, "coalesce(completed_at, updated_at) <= ?"), append(params, encTime(filter.CompletedBy))
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE "+strings.Join(conds, " AND "), params...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ExtendLeases(ctx context.Context, workerID string, jobIDs []string, until time.Time) error {
	if len(jobIDs) == 0 {
		return nil
	}
	marks := make([]string, len(jobIDs))
	params := []any{encTime(until)}
	for i, id := range jobIDs {
		marks[i] = "?"
		params = append(params, id)
	}
	params = append(params, workerID)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE jobs SET lease_expires_at = ?
		WHERE id IN (%s) AND worker_id = ? AND status IN ('RESERVED', 'RUNNING')`,
		strings.Join(marks, ", ")), params...)
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
