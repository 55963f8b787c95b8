// Package postgres is the canonical Backend implementation: a
// pgxpool.Pool-backed store using FOR UPDATE SKIP LOCKED for
// contention-free batch claims, matching the teacher's worker service
// and the claim pattern found across the retrieved job-queue examples.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
)

// Backend is the postgres-backed queue.Backend implementation.
type Backend struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pool. Run the migrations in
// /migrations before using it.
func New(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

func (b *Backend) Close() { b.pool.Close() }

func (b *Backend) Now(ctx context.Context) time.Time {
	var now time.Time
	if err := b.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Now().UTC()
	}
	return now.UTC()
}

func (b *Backend) AddJob(ctx context.Context, opts queue.JobOptions) (*queue.Job, error) {
	payloadJSON, err := json.Marshal(opts.Payload)
	if err != nil {
		return nil, &queue.PermanentError{Op: "addJob", Err: err}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RunAt.IsZero() {
		opts.RunAt = time.Now().UTC()
	}

	var idemKey *string
	if opts.IdempotencyKey != "" {
		idemKey = &opts.IdempotencyKey
	}

	query := `
		INSERT INTO jobs (
			job_type, payload, status, priority, run_at, max_attempts,
			timeout_ms, force_kill_on_timeout, tags, idempotency_key,
			step_data, created_at, updated_at
		) VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7, $8, $9, '{}', NOW(), NOW())
		RETURNING ` + jobColumns

	row := b.pool.QueryRow(ctx, query,
		opts.JobType, payloadJSON, opts.Priority, opts.RunAt, opts.MaxAttempts,
		opts.TimeoutMs, opts.ForceKillOnTimeout, opts.Tags, idemKey,
	)
	job, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, gerr := b.getJobByIdempotencyKey(ctx, opts.IdempotencyKey)
			if gerr != nil {
				return nil, &queue.TransientError{Op: "addJob", Err: gerr}
			}
			return existing, nil
		}
		return nil, &queue.TransientError{Op: "addJob", Err: err}
	}
	b.RecordJobEvent(ctx, job.ID, queue.EventAdded, nil)
	return job, nil
}

func (b *Backend) getJobByIdempotencyKey(ctx context.Context, key string) (*queue.Job, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	return scanJob(row)
}

func (b *Backend) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrJobNotFound
		}
		return nil, &queue.TransientError{Op: "getJob", Err: err}
	}
	return job, nil
}

// GetNextBatch is the atomic claim: priority desc, runAt asc, id asc,
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other
// on contention, only on genuine double-claim avoidance.
func (b *Backend) GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypeFilter []string) ([]*queue.Job, error) {
	where := "status = 'pending' AND run_at <= NOW()"
	args := []any{workerID, batchSize}
	if len(jobTypeFilter) > 0 {
		where += fmt.Sprintf(" AND job_type = ANY($%d)", len(args)+1)
		args = append(args, jobTypeFilter)
	}

	query := fmt.Sprintf(`
		UPDATE jobs
		SET status = 'processing',
		    attempts = attempts + 1,
		    locked_at = NOW(),
		    locked_by = $1,
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE %s
			ORDER BY priority DESC, run_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, where, jobColumns)

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &queue.TransientError{Op: "getNextBatch", Err: err}
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &queue.TransientError{Op: "getNextBatch", Err: err}
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (b *Backend) CompleteJob(ctx context.Context, id int64, output any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return &queue.PermanentError{Op: "completeJob", Err: err}
	}
	_, err = b.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', output = $2, completed_at = NOW(),
		    locked_at = NULL, locked_by = '', updated_at = NOW()
		WHERE id = $1`, id, outputJSON)
	if err != nil {
		return &queue.TransientError{Op: "completeJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventCompleted, nil)
	return nil
}

// FailJob appends to error_history and either reschedules with
// exponential backoff or marks the job permanently failed, mirroring
// the teacher's processJob attempts-vs-maxAttempts branch.
func (b *Backend) FailJob(ctx context.Context, id int64, errMsg string, reason queue.FailureReason) error {
	entry, _ := json.Marshal(queue.ErrorEntry{Message: errMsg, Timestamp: time.Now().UTC()})

	_, err := b.pool.Exec(ctx, `
		UPDATE jobs
		SET error_history = error_history || $2::jsonb,
		    failure_reason = $3,
		    last_failed_at = NOW(),
		    status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    run_at = CASE WHEN attempts >= max_attempts THEN run_at
		                  ELSE NOW() + (POWER(2, GREATEST(LEAST(attempts - 1, 10), 0)) * INTERVAL '1 minute') END,
		    next_attempt_at = CASE WHEN attempts >= max_attempts THEN NULL
		                  ELSE NOW() + (POWER(2, GREATEST(LEAST(attempts - 1, 10), 0)) * INTERVAL '1 minute') END,
		    locked_at = NULL, locked_by = '', updated_at = NOW()
		WHERE id = $1`, id, string(entry), reason)
	if err != nil {
		return &queue.TransientError{Op: "failJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventFailed, map[string]any{"reason": string(reason)})
	return nil
}

func (b *Backend) ProlongJob(ctx context.Context, id int64) error {
	_, err := b.pool.Exec(ctx, `UPDATE jobs SET locked_at = NOW(), updated_at = NOW() WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return &queue.TransientError{Op: "prolongJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventProlonged, nil)
	return nil
}

func (b *Backend) RetryJob(ctx context.Context, id int64) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', run_at = NOW(), last_retried_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return &queue.TransientError{Op: "retryJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventRetried, nil)
	return nil
}

func (b *Backend) CancelJob(ctx context.Context, id int64) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', failure_reason = 'cancelled', last_cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return &queue.TransientError{Op: "cancelJob", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrNotPending
	}
	b.RecordJobEvent(ctx, id, queue.EventCancelled, nil)
	return nil
}

func (b *Backend) CancelAllUpcomingJobs(ctx context.Context, filter queue.JobFilter) (int, error) {
	where, args := filterClause(filter, []any{})
	query := fmt.Sprintf(`
		UPDATE jobs
		SET status = 'cancelled', failure_reason = 'cancelled', last_cancelled_at = NOW(), updated_at = NOW()
		WHERE status = 'pending' AND %s
		RETURNING id`, where)
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, &queue.TransientError{Op: "cancelAllUpcomingJobs", Err: err}
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, &queue.TransientError{Op: "cancelAllUpcomingJobs", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, &queue.TransientError{Op: "cancelAllUpcomingJobs", Err: err}
	}
	for _, id := range ids {
		b.RecordJobEvent(ctx, id, queue.EventCancelled, nil)
	}
	return len(ids), nil
}

func (b *Backend) EditJob(ctx context.Context, id int64, updates queue.EditJobOptions) (*queue.Job, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}

	if updates.Payload != nil {
		payloadJSON, err := json.Marshal(updates.Payload)
		if err != nil {
			return nil, &queue.PermanentError{Op: "editJob", Err: err}
		}
		args = append(args, payloadJSON)
		sets = append(sets, fmt.Sprintf("payload = $%d", len(args)))
	}
	if updates.Priority != nil {
		args = append(args, *updates.Priority)
		sets = append(sets, fmt.Sprintf("priority = $%d", len(args)))
	}
	if updates.Tags != nil {
		args = append(args, updates.Tags)
		sets = append(sets, fmt.Sprintf("tags = $%d", len(args)))
	}
	if updates.RunAt != nil {
		args = append(args, *updates.RunAt)
		sets = append(sets, fmt.Sprintf("run_at = $%d", len(args)))
	}
	if updates.TimeoutMs != nil {
		args = append(args, *updates.TimeoutMs)
		sets = append(sets, fmt.Sprintf("timeout_ms = $%d", len(args)))
	}
	if updates.MaxAttempts != nil {
		args = append(args, *updates.MaxAttempts)
		sets = append(sets, fmt.Sprintf("max_attempts = $%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND status = 'pending' RETURNING %s`, strings.Join(sets, ", "), jobColumns)
	row := b.pool.QueryRow(ctx, query, args...)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrNotPending
		}
		return nil, &queue.TransientError{Op: "editJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventEdited, nil)
	return job, nil
}

func (b *Backend) EditAllPendingJobs(ctx context.Context, filter queue.JobFilter, updates queue.EditJobOptions) (int, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{}

	if updates.Payload != nil {
		payloadJSON, err := json.Marshal(updates.Payload)
		if err != nil {
			return 0, &queue.PermanentError{Op: "editAllPendingJobs", Err: err}
		}
		args = append(args, payloadJSON)
		sets = append(sets, fmt.Sprintf("payload = $%d", len(args)))
	}
	if updates.Tags != nil {
		args = append(args, updates.Tags)
		sets = append(sets, fmt.Sprintf("tags = $%d", len(args)))
	}
	if updates.Priority != nil {
		args = append(args, *updates.Priority)
		sets = append(sets, fmt.Sprintf("priority = $%d", len(args)))
	}
	if updates.RunAt != nil {
		args = append(args, *updates.RunAt)
		sets = append(sets, fmt.Sprintf("run_at = $%d", len(args)))
	}
	if updates.TimeoutMs != nil {
		args = append(args, *updates.TimeoutMs)
		sets = append(sets, fmt.Sprintf("timeout_ms = $%d", len(args)))
	}
	if updates.MaxAttempts != nil {
		args = append(args, *updates.MaxAttempts)
		sets = append(sets, fmt.Sprintf("max_attempts = $%d", len(args)))
	}

	where, args := filterClause(filter, args)
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE status = 'pending' AND %s`, strings.Join(sets, ", "), where)
	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, &queue.TransientError{Op: "editAllPendingJobs", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) SetPendingReason(ctx context.Context, jobType string, reason string) error {
	_, err := b.pool.Exec(ctx, `UPDATE jobs SET pending_reason = $2, updated_at = NOW() WHERE job_type = $1 AND status = 'pending'`, jobType, reason)
	if err != nil {
		return &queue.TransientError{Op: "setPendingReason", Err: err}
	}
	return nil
}

func (b *Backend) SetProgress(ctx context.Context, id int64, progress int) error {
	_, err := b.pool.Exec(ctx, `UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1`, id, progress)
	if err != nil {
		return &queue.TransientError{Op: "setProgress", Err: err}
	}
	return nil
}

// ReclaimStuckJobs recovers jobs a worker claimed but never finished
// (crashed, OOM-killed, network partition) — the postgres analogue of
// RescheduleStale in the retrieved reference repo.
func (b *Backend) ReclaimStuckJobs(ctx context.Context, maxAgeMinutes int64) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', locked_at = NULL, locked_by = '', updated_at = NOW()
		WHERE status = 'processing' AND locked_at < NOW() - ($1 * INTERVAL '1 minute')`, maxAgeMinutes)
	if err != nil {
		return 0, &queue.TransientError{Op: "reclaimStuckJobs", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) CleanupOldJobs(ctx context.Context, days int, batchSize int) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND updated_at < NOW() - ($1 * INTERVAL '1 day')
			LIMIT $2
		)`, days, batchSize)
	if err != nil {
		return 0, &queue.TransientError{Op: "cleanupOldJobs", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) CleanupOldJobEvents(ctx context.Context, days int, batchSize int) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM job_events
		WHERE id IN (
			SELECT id FROM job_events WHERE created_at < NOW() - ($1 * INTERVAL '1 day') LIMIT $2
		)`, days, batchSize)
	if err != nil {
		return 0, &queue.TransientError{Op: "cleanupOldJobEvents", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) WakeDueTimeWaits(ctx context.Context) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', run_at = NOW(), wait_until = NULL, updated_at = NOW()
		WHERE status = 'waiting' AND wait_token_id = '' AND wait_until IS NOT NULL AND wait_until <= NOW()`)
	if err != nil {
		return 0, &queue.TransientError{Op: "wakeDueTimeWaits", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) GetJobs(ctx context.Context, opts queue.ListOptions) (*queue.ListResult, error) {
	return b.listJobs(ctx, "TRUE", nil, opts)
}

func (b *Backend) GetJobsByStatus(ctx context.Context, status queue.JobStatus, opts queue.ListOptions) (*queue.ListResult, error) {
	return b.listJobs(ctx, "status = $1", []any{status}, opts)
}

func (b *Backend) GetJobsByTags(ctx context.Context, tags []string, mode queue.TagQueryMode, opts queue.ListOptions) (*queue.ListResult, error) {
	switch mode {
	case queue.TagModeAll:
		return b.listJobs(ctx, "tags @> $1", []any{tags}, opts)
	case queue.TagModeNone:
		return b.listJobs(ctx, "NOT (tags && $1)", []any{tags}, opts)
	case queue.TagModeExact:
		return b.listJobs(ctx, "tags = $1", []any{tags}, opts)
	default: // any
		return b.listJobs(ctx, "tags && $1", []any{tags}, opts)
	}
}

func (b *Backend) listJobs(ctx context.Context, where string, whereArgs []any, opts queue.ListOptions) (*queue.ListResult, error) {
	args := append([]any{}, whereArgs...)
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	if opts.Cursor != nil {
		args = append(args, *opts.Cursor)
		where = fmt.Sprintf("(%s) AND id < $%d", where, len(args))
	}
	args = append(args, limit+1)

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY id DESC LIMIT $%d`, jobColumns, where, len(args))
	if opts.Cursor == nil && opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &queue.TransientError{Op: "listJobs", Err: err}
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &queue.TransientError{Op: "listJobs", Err: err}
		}
		jobs = append(jobs, job)
	}

	result := &queue.ListResult{Jobs: jobs}
	if len(jobs) > limit {
		next := jobs[limit-1].ID
		result.Jobs = jobs[:limit]
		result.NextCursor = &next
	}
	return result, rows.Err()
}

func (b *Backend) WaitJob(ctx context.Context, id int64, waitUntil *time.Time, waitTokenID string, stepData queue.StepData) error {
	stepJSON, err := json.Marshal(stepData)
	if err != nil {
		return &queue.PermanentError{Op: "waitJob", Err: err}
	}
	_, err = b.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'waiting', wait_until = $2, wait_token_id = $3, step_data = $4, updated_at = NOW()
		WHERE id = $1`, id, waitUntil, waitTokenID, stepJSON)
	if err != nil {
		return &queue.TransientError{Op: "waitJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventWaiting, nil)
	return nil
}

func (b *Backend) UpdateStepData(ctx context.Context, id int64, stepData queue.StepData) {
	stepJSON, err := json.Marshal(stepData)
	if err != nil {
		return
	}
	_, _ = b.pool.Exec(ctx, `UPDATE jobs SET step_data = $2, updated_at = NOW() WHERE id = $1`, id, stepJSON)
}

func (b *Backend) CreateWaitpoint(ctx context.Context, jobID *int64, opts queue.CreateTokenOptions) (*queue.Waitpoint, error) {
	var timeoutAt *time.Time
	if opts.Timeout != "" {
		d, err := time.ParseDuration(normalizeTimeout(opts.Timeout))
		if err == nil {
			at := time.Now().UTC().Add(d)
			timeoutAt = &at
		}
	}
	row := b.pool.QueryRow(ctx, `
		INSERT INTO waitpoints (job_id, status, timeout_at, tags, created_at, updated_at)
		VALUES ($1, 'pending', $2, $3, NOW(), NOW())
		RETURNING id, job_id, status, timeout_at, data, tags, created_at, updated_at`,
		jobID, timeoutAt, opts.Tags)
	return scanWaitpoint(row)
}

func (b *Backend) GetWaitpoint(ctx context.Context, id string) (*queue.Waitpoint, error) {
	row := b.pool.QueryRow(ctx, `SELECT id, job_id, status, timeout_at, data, tags, created_at, updated_at FROM waitpoints WHERE id = $1`, id)
	wp, err := scanWaitpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrWaitpointNotFound
		}
		return nil, &queue.TransientError{Op: "getWaitpoint", Err: err}
	}
	return wp, nil
}

func (b *Backend) CompleteWaitpoint(ctx context.Context, id string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return &queue.PermanentError{Op: "completeWaitpoint", Err: err}
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return &queue.TransientError{Op: "completeWaitpoint", Err: err}
	}
	defer tx.Rollback(ctx)

	var jobID *int64
	err = tx.QueryRow(ctx, `
		UPDATE waitpoints SET status = 'completed', data = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' RETURNING job_id`, id, dataJSON).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Unknown token: ErrWaitpointNotFound. Token that exists but is
			// no longer pending: a no-op, as in the other backends.
			if _, gerr := b.GetWaitpoint(ctx, id); gerr != nil {
				return gerr
			}
			return nil
		}
		return &queue.TransientError{Op: "completeWaitpoint", Err: err}
	}

	if jobID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = 'pending', run_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'waiting'`, *jobID)
		if err != nil {
			return &queue.TransientError{Op: "completeWaitpoint", Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &queue.TransientError{Op: "completeWaitpoint", Err: err}
	}
	if jobID != nil {
		b.RecordJobEvent(ctx, *jobID, queue.EventTokenCompleted, map[string]any{"tokenId": id})
	}
	return nil
}

func (b *Backend) ExpireTimedOutWaitpoints(ctx context.Context) (int, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, &queue.TransientError{Op: "expireTimedOutWaitpoints", Err: err}
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE waitpoints SET status = 'expired', updated_at = NOW()
		WHERE status = 'pending' AND timeout_at IS NOT NULL AND timeout_at <= NOW()
		RETURNING job_id`)
	if err != nil {
		return 0, &queue.TransientError{Op: "expireTimedOutWaitpoints", Err: err}
	}
	var jobIDs []int64
	for rows.Next() {
		var jobID *int64
		if err := rows.Scan(&jobID); err != nil {
			rows.Close()
			return 0, &queue.TransientError{Op: "expireTimedOutWaitpoints", Err: err}
		}
		if jobID != nil {
			jobIDs = append(jobIDs, *jobID)
		}
	}
	rows.Close()

	if len(jobIDs) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = 'pending', run_at = NOW(), updated_at = NOW()
			WHERE id = ANY($1) AND status = 'waiting'`, jobIDs)
		if err != nil {
			return 0, &queue.TransientError{Op: "expireTimedOutWaitpoints", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &queue.TransientError{Op: "expireTimedOutWaitpoints", Err: err}
	}
	return len(jobIDs), nil
}

func (b *Backend) RecordJobEvent(ctx context.Context, jobID int64, eventType queue.EventType, metadata map[string]any) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return
	}
	_, _ = b.pool.Exec(ctx, `
		INSERT INTO job_events (id, job_id, event_type, metadata, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, NOW())`, jobID, eventType, metaJSON)
}

func (b *Backend) GetJobEvents(ctx context.Context, jobID int64, opts queue.ListOptions) ([]*queue.JobEvent, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.pool.Query(ctx, `
		SELECT id, job_id, event_type, metadata, created_at
		FROM job_events WHERE job_id = $1 ORDER BY created_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, &queue.TransientError{Op: "getJobEvents", Err: err}
	}
	defer rows.Close()

	var events []*queue.JobEvent
	for rows.Next() {
		var ev queue.JobEvent
		var metaJSON []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.EventType, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, &queue.TransientError{Op: "getJobEvents", Err: err}
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &ev.Metadata)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (b *Backend) AddCronSchedule(ctx context.Context, opts queue.CronScheduleOptions, nextRunAt time.Time) (*queue.CronSchedule, error) {
	payloadJSON, err := json.Marshal(opts.Payload)
	if err != nil {
		return nil, &queue.PermanentError{Op: "addCronSchedule", Err: err}
	}
	row := b.pool.QueryRow(ctx, `
		INSERT INTO cron_schedules (
			schedule_name, cron_expression, timezone, job_type, payload, priority,
			max_attempts, timeout_ms, force_kill_on_timeout, tags, allow_overlap,
			status, next_run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'active', $12)
		RETURNING `+cronColumns,
		opts.ScheduleName, opts.CronExpression, opts.Timezone, opts.JobType, payloadJSON,
		opts.Priority, opts.MaxAttempts, opts.TimeoutMs, opts.ForceKillOnTimeout, opts.Tags,
		opts.AllowOverlap, nextRunAt)

	sched, err := scanCronSchedule(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, queue.ErrDuplicateSchedule
		}
		return nil, &queue.TransientError{Op: "addCronSchedule", Err: err}
	}
	return sched, nil
}

func (b *Backend) GetCronSchedule(ctx context.Context, id int64) (*queue.CronSchedule, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+cronColumns+` FROM cron_schedules WHERE id = $1`, id)
	sched, err := scanCronSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrScheduleNotFound
		}
		return nil, &queue.TransientError{Op: "getCronSchedule", Err: err}
	}
	return sched, nil
}

func (b *Backend) GetCronScheduleByName(ctx context.Context, name string) (*queue.CronSchedule, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+cronColumns+` FROM cron_schedules WHERE schedule_name = $1`, name)
	sched, err := scanCronSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrScheduleNotFound
		}
		return nil, &queue.TransientError{Op: "getCronScheduleByName", Err: err}
	}
	return sched, nil
}

func (b *Backend) ListCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	rows, err := b.pool.Query(ctx, `SELECT `+cronColumns+` FROM cron_schedules ORDER BY id ASC`)
	if err != nil {
		return nil, &queue.TransientError{Op: "listCronSchedules", Err: err}
	}
	defer rows.Close()

	var out []*queue.CronSchedule
	for rows.Next() {
		sched, err := scanCronSchedule(rows)
		if err != nil {
			return nil, &queue.TransientError{Op: "listCronSchedules", Err: err}
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (b *Backend) PauseCronSchedule(ctx context.Context, id int64) error {
	tag, err := b.pool.Exec(ctx, `UPDATE cron_schedules SET status = 'paused' WHERE id = $1`, id)
	if err != nil {
		return &queue.TransientError{Op: "pauseCronSchedule", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrScheduleNotFound
	}
	return nil
}

func (b *Backend) ResumeCronSchedule(ctx context.Context, id int64) error {
	tag, err := b.pool.Exec(ctx, `UPDATE cron_schedules SET status = 'active' WHERE id = $1`, id)
	if err != nil {
		return &queue.TransientError{Op: "resumeCronSchedule", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrScheduleNotFound
	}
	return nil
}

func (b *Backend) EditCronSchedule(ctx context.Context, id int64, opts queue.CronScheduleOptions, nextRunAt *time.Time) (*queue.CronSchedule, error) {
	payloadJSON, err := json.Marshal(opts.Payload)
	if err != nil {
		return nil, &queue.PermanentError{Op: "editCronSchedule", Err: err}
	}

	query := `
		UPDATE cron_schedules SET
			cron_expression = $2, timezone = $3, job_type = $4, payload = $5,
			priority = $6, max_attempts = $7, timeout_ms = $8, force_kill_on_timeout = $9,
			tags = $10, allow_overlap = $11` + nextRunSetClause(nextRunAt) + `
		WHERE id = $1 RETURNING ` + cronColumns

	args := []any{id, opts.CronExpression, opts.Timezone, opts.JobType, payloadJSON,
		opts.Priority, opts.MaxAttempts, opts.TimeoutMs, opts.ForceKillOnTimeout, opts.Tags, opts.AllowOverlap}
	if nextRunAt != nil {
		args = append(args, *nextRunAt)
	}

	row := b.pool.QueryRow(ctx, query, args...)
	sched, err := scanCronSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrScheduleNotFound
		}
		return nil, &queue.TransientError{Op: "editCronSchedule", Err: err}
	}
	return sched, nil
}

func nextRunSetClause(nextRunAt *time.Time) string {
	if nextRunAt == nil {
		return ""
	}
	return ", next_run_at = $12"
}

func (b *Backend) RemoveCronSchedule(ctx context.Context, id int64) error {
	tag, err := b.pool.Exec(ctx, `DELETE FROM cron_schedules WHERE id = $1`, id)
	if err != nil {
		return &queue.TransientError{Op: "removeCronSchedule", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrScheduleNotFound
	}
	return nil
}

func (b *Backend) GetDueCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	rows, err := b.pool.Query(ctx, `SELECT `+cronColumns+` FROM cron_schedules WHERE status = 'active' AND next_run_at <= NOW()`)
	if err != nil {
		return nil, &queue.TransientError{Op: "getDueCronSchedules", Err: err}
	}
	defer rows.Close()

	var out []*queue.CronSchedule
	for rows.Next() {
		sched, err := scanCronSchedule(rows)
		if err != nil {
			return nil, &queue.TransientError{Op: "getDueCronSchedules", Err: err}
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (b *Backend) UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, lastEnqueuedAt time.Time, lastJobID int64, nextRunAt time.Time) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE cron_schedules SET last_enqueued_at = $2, last_job_id = $3, next_run_at = $4 WHERE id = $1`,
		id, lastEnqueuedAt, lastJobID, nextRunAt)
	if err != nil {
		return &queue.TransientError{Op: "updateCronScheduleAfterEnqueue", Err: err}
	}
	return nil
}

func normalizeTimeout(s string) string {
	if s == "" {
		return "0s"
	}
	unit := s[len(s)-1]
	if unit == 'd' {
		n := s[:len(s)-1]
		return n + "h"
	}
	return s
}

func filterClause(filter queue.JobFilter, args []any) (string, []any) {
	conds := []string{"TRUE"}
	if len(filter.JobTypes) > 0 {
		args = append(args, filter.JobTypes)
		conds = append(conds, fmt.Sprintf("job_type = ANY($%d)", len(args)))
	}
	if len(filter.Tags) > 0 {
		args = append(args, filter.Tags)
		switch filter.TagMode {
		case queue.TagModeAll:
			conds = append(conds, fmt.Sprintf("tags @> $%d", len(args)))
		case queue.TagModeNone:
			conds = append(conds, fmt.Sprintf("NOT (tags && $%d)", len(args)))
		case queue.TagModeExact:
			conds = append(conds, fmt.Sprintf("tags = $%d", len(args)))
		default:
			conds = append(conds, fmt.Sprintf("tags && $%d", len(args)))
		}
	}
	return strings.Join(conds, " AND "), args
}
