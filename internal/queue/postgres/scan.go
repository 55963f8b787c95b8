package postgres

import (
	"encoding/json"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
)

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `
	id, job_type, payload, status, priority, run_at, attempts, max_attempts,
	next_attempt_at, locked_at, locked_by, timeout_ms, force_kill_on_timeout,
	tags, idempotency_key, error_history, failure_reason, pending_reason,
	wait_until, wait_token_id, step_data, progress, output,
	created_at, updated_at, started_at, completed_at, last_retried_at,
	last_failed_at, last_cancelled_at`

func scanJob(row rowScanner) (*queue.Job, error) {
	var j queue.Job
	var payloadJSON, outputJSON, stepJSON, errHistJSON []byte
	var idemKey *string
	var lockedBy, pendingReason *string
	var waitTokenID *string

	err := row.Scan(
		&j.ID, &j.JobType, &payloadJSON, &j.Status, &j.Priority, &j.RunAt, &j.Attempts, &j.MaxAttempts,
		&j.NextAttemptAt, &j.LockedAt, &lockedBy, &j.TimeoutMs, &j.ForceKillOnTimeout,
		&j.Tags, &idemKey, &errHistJSON, &j.FailureReason, &pendingReason,
		&j.WaitUntil, &waitTokenID, &stepJSON, &j.Progress, &outputJSON,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.LastRetriedAt,
		&j.LastFailedAt, &j.LastCancelledAt,
	)
	if err != nil {
		return nil, err
	}

	if lockedBy != nil {
		j.LockedBy = *lockedBy
	}
	if pendingReason != nil {
		j.PendingReason = *pendingReason
	}
	if waitTokenID != nil {
		j.WaitTokenID = *waitTokenID
	}
	if idemKey != nil {
		j.IdempotencyKey = *idemKey
	}
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &j.Payload)
	}
	if len(outputJSON) > 0 {
		_ = json.Unmarshal(outputJSON, &j.Output)
	}
	if len(stepJSON) > 0 {
		_ = json.Unmarshal(stepJSON, &j.StepData)
	}
	if len(errHistJSON) > 0 {
		_ = json.Unmarshal(errHistJSON, &j.ErrorHistory)
	}
	return &j, nil
}

func scanWaitpoint(row rowScanner) (*queue.Waitpoint, error) {
	var wp queue.Waitpoint
	var dataJSON []byte
	err := row.Scan(&wp.ID, &wp.JobID, &wp.Status, &wp.TimeoutAt, &dataJSON, &wp.Tags, &wp.CreatedAt, &wp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(dataJSON) > 0 {
		_ = json.Unmarshal(dataJSON, &wp.Data)
	}
	return &wp, nil
}

const cronColumns = `
	id, schedule_name, cron_expression, timezone, job_type, payload, priority,
	max_attempts, timeout_ms, force_kill_on_timeout, tags, allow_overlap,
	status, next_run_at, last_enqueued_at, last_job_id`

func scanCronSchedule(row rowScanner) (*queue.CronSchedule, error) {
	var s queue.CronSchedule
	var payloadJSON []byte
	err := row.Scan(
		&s.ID, &s.ScheduleName, &s.CronExpression, &s.Timezone, &s.JobType, &payloadJSON, &s.Priority,
		&s.MaxAttempts, &s.TimeoutMs, &s.ForceKillOnTimeout, &s.Tags, &s.AllowOverlap,
		&s.Status, &s.NextRunAt, &s.LastEnqueuedAt, &s.LastJobID,
	)
	if err != nil {
		return nil, err
	}
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &s.Payload)
	}
	return &s, nil
}
