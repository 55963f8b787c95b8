package kv

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
)

// pipeliner is satisfied by both redis.Client and redis.Pipeliner, so
// the hset* helpers work whether called standalone or inside a
// TxPipeline.
type pipeliner interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

func hsetJob(ctx context.Context, p pipeliner, key string, j *queue.Job) error {
	payloadJSON, err := json.Marshal(j.Payload)
	if err != nil {
		return err
	}
	stepJSON, err := json.Marshal(j.StepData)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(j.Tags)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"job_type":              j.JobType,
		"payload":               string(payloadJSON),
		"status":                string(j.Status),
		"priority":              j.Priority,
		"run_at":                j.RunAt.Unix(),
		"attempts":              j.Attempts,
		"max_attempts":          j.MaxAttempts,
		"timeout_ms":            j.TimeoutMs,
		"force_kill_on_timeout": j.ForceKillOnTimeout,
		"tags":                  string(tagsJSON),
		"idempotency_key":       j.IdempotencyKey,
		"step_data":             string(stepJSON),
		"progress":              j.Progress,
		"created_at":            j.CreatedAt.Unix(),
		"updated_at":            j.UpdatedAt.Unix(),
	}
	p.HSet(ctx, key, fields)
	return nil
}

func jobFromMap(id int64, m map[string]string) (*queue.Job, error) {
	j := &queue.Job{ID: id}
	j.JobType = m["job_type"]
	j.Status = queue.JobStatus(m["status"])
	j.Priority = atoiDefault(m["priority"], 0)
	j.RunAt = unixTime(m["run_at"])
	j.Attempts = atoiDefault(m["attempts"], 0)
	j.MaxAttempts = atoiDefault(m["max_attempts"], 3)
	j.TimeoutMs = int64(atoiDefault(m["timeout_ms"], 0))
	j.ForceKillOnTimeout = m["force_kill_on_timeout"] == "1"
	j.IdempotencyKey = m["idempotency_key"]
	j.FailureReason = queue.FailureReason(m["failure_reason"])
	j.WaitTokenID = m["wait_token_id"]
	j.Progress = atoiDefault(m["progress"], 0)
	j.LockedBy = m["locked_by"]
	j.CreatedAt = unixTime(m["created_at"])
	j.UpdatedAt = unixTime(m["updated_at"])

	if v := m["payload"]; v != "" {
		_ = json.Unmarshal([]byte(v), &j.Payload)
	}
	if v := m["output"]; v != "" {
		_ = json.Unmarshal([]byte(v), &j.Output)
	}
	if v := m["tags"]; v != "" {
		_ = json.Unmarshal([]byte(v), &j.Tags)
	}
	if v := m["step_data"]; v != "" {
		_ = json.Unmarshal([]byte(v), &j.StepData)
	}
	if v := m["error_history"]; v != "" {
		_ = json.Unmarshal([]byte(v), &j.ErrorHistory)
	}
	if v := m["locked_at"]; v != "" {
		t := unixTime(v)
		j.LockedAt = &t
	}
	if v := m["wait_until"]; v != "" {
		t := unixTime(v)
		j.WaitUntil = &t
	}
	if v := m["next_attempt_at"]; v != "" {
		t := unixTime(v)
		j.NextAttemptAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t := unixTime(v)
		j.CompletedAt = &t
	}
	if v := m["last_failed_at"]; v != "" {
		t := unixTime(v)
		j.LastFailedAt = &t
	}
	if v := m["last_retried_at"]; v != "" {
		t := unixTime(v)
		j.LastRetriedAt = &t
	}
	if v := m["last_cancelled_at"]; v != "" {
		t := unixTime(v)
		j.LastCancelledAt = &t
	}
	return j, nil
}

func waitpointFromMap(id string, m map[string]string) (*queue.Waitpoint, error) {
	wp := &queue.Waitpoint{ID: id}
	wp.Status = queue.WaitpointStatus(m["status"])
	wp.CreatedAt = unixTime(m["created_at"])
	wp.UpdatedAt = unixTime(m["updated_at"])
	if v := m["job_id"]; v != "" {
		id := mustParseID(v)
		wp.JobID = &id
	}
	if v := m["timeout_at"]; v != "" {
		t := unixTime(v)
		wp.TimeoutAt = &t
	}
	if v := m["data"]; v != "" {
		_ = json.Unmarshal([]byte(v), &wp.Data)
	}
	if v := m["tags"]; v != "" {
		_ = json.Unmarshal([]byte(v), &wp.Tags)
	}
	return wp, nil
}

func hsetSchedule(ctx context.Context, p pipeliner, key string, s *queue.CronSchedule) error {
	payloadJSON, err := json.Marshal(s.Payload)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(s.Tags)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"schedule_name":         s.ScheduleName,
		"cron_expression":       s.CronExpression,
		"timezone":              s.Timezone,
		"job_type":              s.JobType,
		"payload":               string(payloadJSON),
		"priority":              s.Priority,
		"max_attempts":          s.MaxAttempts,
		"timeout_ms":            s.TimeoutMs,
		"force_kill_on_timeout": s.ForceKillOnTimeout,
		"tags":                  string(tagsJSON),
		"allow_overlap":         s.AllowOverlap,
		"status":                string(s.Status),
		"next_run_at":           s.NextRunAt.Unix(),
	}
	p.HSet(ctx, key, fields)
	return nil
}

func scheduleFromMap(id int64, m map[string]string) (*queue.CronSchedule, error) {
	s := &queue.CronSchedule{ID: id}
	s.ScheduleName = m["schedule_name"]
	s.CronExpression = m["cron_expression"]
	s.Timezone = m["timezone"]
	s.JobType = m["job_type"]
	s.Priority = atoiDefault(m["priority"], 0)
	s.MaxAttempts = atoiDefault(m["max_attempts"], 3)
	s.TimeoutMs = int64(atoiDefault(m["timeout_ms"], 0))
	s.ForceKillOnTimeout = m["force_kill_on_timeout"] == "1"
	s.AllowOverlap = m["allow_overlap"] == "1"
	s.Status = queue.CronStatus(m["status"])
	s.NextRunAt = unixTime(m["next_run_at"])
	if v := m["payload"]; v != "" {
		_ = json.Unmarshal([]byte(v), &s.Payload)
	}
	if v := m["tags"]; v != "" {
		_ = json.Unmarshal([]byte(v), &s.Tags)
	}
	if v := m["last_enqueued_at"]; v != "" {
		t := unixTime(v)
		s.LastEnqueuedAt = &t
	}
	if v := m["last_job_id"]; v != "" {
		id := mustParseID(v)
		s.LastJobID = &id
	}
	return s, nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func unixTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
