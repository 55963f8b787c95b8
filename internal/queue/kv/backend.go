// Package kv is a Redis-backed queue.Backend: a parallel implementation
// of the same contract the postgres package satisfies, for deployments
// that already run Redis and would rather not stand up Postgres just
// for job state. Atomicity on the claim path comes from a Lua script
// (go-redis's Eval), the idiomatic substitute for FOR UPDATE SKIP
// LOCKED when there is no relational engine underneath.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
)

// Backend is the Redis-backed queue.Backend implementation.
type Backend struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an already-configured client. prefix namespaces every key
// this backend touches, so one Redis instance can host several queues.
func New(rdb *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "dataqueue"
	}
	return &Backend{rdb: rdb, prefix: prefix}
}

func (b *Backend) key(parts ...string) string {
	return b.prefix + ":" + strings.Join(parts, ":")
}

func (b *Backend) Close() { _ = b.rdb.Close() }

func (b *Backend) Now(ctx context.Context) time.Time { return time.Now().UTC() }

// claimScript atomically pops up to ARGV[1] members from the pending
// ZSET whose score (encoded runAt) is <= ARGV[2], skipping any whose
// job_type is not in the allowed set (ARGV[4], comma-separated, empty =
// all), locking each for the worker id in ARGV[3], and moves
// each to the processing set. It is the Redis analogue of SKIP LOCKED:
// only one caller can ever win a given member because ZREM is atomic
// inside the script.
const claimScript = `
local pendingKey = KEYS[1]
local processingKey = KEYS[2]
local jobKeyPrefix = KEYS[3]
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local workerID = ARGV[3]
local allowedCSV = ARGV[4]

local allowed = {}
local filterActive = false
if allowedCSV ~= "" then
  filterActive = true
  for t in string.gmatch(allowedCSV, "([^,]+)") do
    allowed[t] = true
  end
end

local claimed = {}
local candidates = redis.call("ZRANGEBYSCORE", pendingKey, "-inf", now, "LIMIT", 0, 500)
for _, id in ipairs(candidates) do
  if #claimed >= limit then break end
  local jobType = redis.call("HGET", jobKeyPrefix .. id, "job_type")
  if (not filterActive) or allowed[jobType] then
    redis.call("ZREM", pendingKey, id)
    redis.call("ZADD", processingKey, now, id)
    redis.call("HSET", jobKeyPrefix .. id, "status", "processing", "locked_at", now, "locked_by", workerID)
    redis.call("HINCRBY", jobKeyPrefix .. id, "attempts", 1)
    table.insert(claimed, id)
  end
end
return claimed
`

func (b *Backend) AddJob(ctx context.Context, opts queue.JobOptions) (*queue.Job, error) {
	if opts.IdempotencyKey != "" {
		existingID, err := b.rdb.Get(ctx, b.key("idem", opts.IdempotencyKey)).Result()
		if err == nil {
			return b.GetJob(ctx, mustParseID(existingID))
		}
		if err != redis.Nil {
			return nil, &queue.TransientError{Op: "addJob", Err: err}
		}
	}

	id, err := b.rdb.Incr(ctx, b.key("next_id")).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "addJob", Err: err}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RunAt.IsZero() {
		opts.RunAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	job := &queue.Job{
		ID:                 id,
		JobType:            opts.JobType,
		Payload:            opts.Payload,
		Status:             queue.StatusPending,
		Priority:           opts.Priority,
		RunAt:              opts.RunAt,
		MaxAttempts:        opts.MaxAttempts,
		TimeoutMs:          opts.TimeoutMs,
		ForceKillOnTimeout: opts.ForceKillOnTimeout,
		Tags:               opts.Tags,
		IdempotencyKey:     opts.IdempotencyKey,
		StepData:           queue.StepData{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	pipe := b.rdb.TxPipeline()
	if err := hsetJob(ctx, pipe, b.jobKey(id), job); err != nil {
		return nil, &queue.PermanentError{Op: "addJob", Err: err}
	}
	pipe.ZAdd(ctx, b.key("pending"), redis.Z{Score: float64(opts.RunAt.Unix()), Member: strconv.FormatInt(id, 10)})
	pipe.SAdd(ctx, b.key("by_status", string(queue.StatusPending)), id)
	for _, tag := range opts.Tags {
		pipe.SAdd(ctx, b.key("by_tag", tag), id)
	}
	if opts.IdempotencyKey != "" {
		pipe.Set(ctx, b.key("idem", opts.IdempotencyKey), id, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &queue.TransientError{Op: "addJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventAdded, nil)
	return job, nil
}

func (b *Backend) jobKey(id int64) string { return b.key("job", strconv.FormatInt(id, 10)) }

func (b *Backend) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	m, err := b.rdb.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "getJob", Err: err}
	}
	if len(m) == 0 {
		return nil, queue.ErrJobNotFound
	}
	return jobFromMap(id, m)
}

func (b *Backend) GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypeFilter []string) ([]*queue.Job, error) {
	now := time.Now().UTC().Unix()
	res, err := b.rdb.Eval(ctx, claimScript,
		[]string{b.key("pending"), b.key("processing"), b.key("job") + ":"},
		batchSize, now, workerID, strings.Join(jobTypeFilter, ","),
	).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "getNextBatch", Err: err}
	}

	ids, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}

	jobs := make([]*queue.Job, 0, len(ids))
	for _, raw := range ids {
		idStr, _ := raw.(string)
		id := mustParseID(idStr)
		job, err := b.GetJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		if !jobs[i].RunAt.Equal(jobs[j].RunAt) {
			return jobs[i].RunAt.Before(jobs[j].RunAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

func (b *Backend) CompleteJob(ctx context.Context, id int64, output any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return &queue.PermanentError{Op: "completeJob", Err: err}
	}
	now := time.Now().UTC()
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), "status", string(queue.StatusCompleted), "output", string(outputJSON),
		"completed_at", now.Unix(), "locked_at", "", "locked_by", "", "updated_at", now.Unix())
	pipe.ZRem(ctx, b.key("processing"), strconv.FormatInt(id, 10))
	pipe.SRem(ctx, b.key("by_status", string(queue.StatusProcessing)), id)
	pipe.SAdd(ctx, b.key("by_status", string(queue.StatusCompleted)), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &queue.TransientError{Op: "completeJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventCompleted, nil)
	return nil
}

func (b *Backend) FailJob(ctx context.Context, id int64, errMsg string, reason queue.FailureReason) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.ErrorHistory = append(job.ErrorHistory, queue.ErrorEntry{Message: errMsg, Timestamp: now})
	errHistJSON, _ := json.Marshal(job.ErrorHistory)

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.key("processing"), strconv.FormatInt(id, 10))
	pipe.SRem(ctx, b.key("by_status", string(queue.StatusProcessing)), id)

	if job.Attempts >= job.MaxAttempts {
		pipe.HSet(ctx, b.jobKey(id), "status", string(queue.StatusFailed), "error_history", string(errHistJSON),
			"failure_reason", string(reason), "last_failed_at", now.Unix(), "locked_at", "", "locked_by", "", "updated_at", now.Unix())
		pipe.SAdd(ctx, b.key("by_status", string(queue.StatusFailed)), id)
	} else {
		next := now.Add(queue.RetryBackoff(job.Attempts))
		pipe.HSet(ctx, b.jobKey(id), "status", string(queue.StatusPending), "error_history", string(errHistJSON),
			"failure_reason", string(reason), "last_failed_at", now.Unix(), "run_at", next.Unix(),
			"next_attempt_at", next.Unix(), "locked_at", "", "locked_by", "", "updated_at", now.Unix())
		pipe.ZAdd(ctx, b.key("pending"), redis.Z{Score: float64(next.Unix()), Member: strconv.FormatInt(id, 10)})
		pipe.SAdd(ctx, b.key("by_status", string(queue.StatusPending)), id)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return &queue.TransientError{Op: "failJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventFailed, map[string]any{"reason": string(reason)})
	return nil
}

func (b *Backend) ProlongJob(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), "locked_at", now.Unix(), "updated_at", now.Unix())
	pipe.ZAdd(ctx, b.key("processing"), redis.Z{Score: float64(now.Unix()), Member: strconv.FormatInt(id, 10)})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return &queue.TransientError{Op: "prolongJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventProlonged, nil)
	return nil
}

func (b *Backend) RetryJob(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), "status", string(queue.StatusPending), "run_at", now.Unix(), "last_retried_at", now.Unix(), "updated_at", now.Unix())
	pipe.ZAdd(ctx, b.key("pending"), redis.Z{Score: float64(now.Unix()), Member: strconv.FormatInt(id, 10)})
	pipe.SAdd(ctx, b.key("by_status", string(queue.StatusPending)), id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return &queue.TransientError{Op: "retryJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventRetried, nil)
	return nil
}

func (b *Backend) CancelJob(ctx context.Context, id int64) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusPending {
		return queue.ErrNotPending
	}
	now := time.Now().UTC()
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), "status", string(queue.StatusCancelled), "failure_reason", string(queue.ReasonCancelled),
		"last_cancelled_at", now.Unix(), "updated_at", now.Unix())
	pipe.ZRem(ctx, b.key("pending"), strconv.FormatInt(id, 10))
	pipe.SRem(ctx, b.key("by_status", string(job.Status)), id)
	pipe.SAdd(ctx, b.key("by_status", string(queue.StatusCancelled)), id)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return &queue.TransientError{Op: "cancelJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventCancelled, nil)
	return nil
}

func (b *Backend) CancelAllUpcomingJobs(ctx context.Context, filter queue.JobFilter) (int, error) {
	ids, err := b.rdb.SMembers(ctx, b.key("by_status", string(queue.StatusPending))).Result()
	if err != nil {
		return 0, &queue.TransientError{Op: "cancelAllUpcomingJobs", Err: err}
	}
	count := 0
	for _, idStr := range ids {
		id := mustParseID(idStr)
		job, err := b.GetJob(ctx, id)
		if err != nil || !matchesFilter(job, filter) {
			continue
		}
		if err := b.CancelJob(ctx, id); err == nil {
			count++
		}
	}
	return count, nil
}

func (b *Backend) EditJob(ctx context.Context, id int64, updates queue.EditJobOptions) (*queue.Job, error) {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != queue.StatusPending {
		return nil, queue.ErrNotPending
	}

	fields := map[string]interface{}{"updated_at": time.Now().UTC().Unix()}
	if updates.Payload != nil {
		payloadJSON, _ := json.Marshal(updates.Payload)
		fields["payload"] = string(payloadJSON)
	}
	if updates.Priority != nil {
		fields["priority"] = *updates.Priority
	}
	if updates.Tags != nil {
		tagsJSON, _ := json.Marshal(updates.Tags)
		fields["tags"] = string(tagsJSON)
	}
	if updates.RunAt != nil {
		fields["run_at"] = updates.RunAt.Unix()
		b.rdb.ZAdd(ctx, b.key("pending"), redis.Z{Score: float64(updates.RunAt.Unix()), Member: strconv.FormatInt(id, 10)})
	}
	if updates.TimeoutMs != nil {
		fields["timeout_ms"] = *updates.TimeoutMs
	}
	if updates.MaxAttempts != nil {
		fields["max_attempts"] = *updates.MaxAttempts
	}
	if err := b.rdb.HSet(ctx, b.jobKey(id), fields).Err(); err != nil {
		return nil, &queue.TransientError{Op: "editJob", Err: err}
	}
	b.RecordJobEvent(ctx, id, queue.EventEdited, nil)
	return b.GetJob(ctx, id)
}

func (b *Backend) EditAllPendingJobs(ctx context.Context, filter queue.JobFilter, updates queue.EditJobOptions) (int, error) {
	ids, err := b.rdb.SMembers(ctx, b.key("by_status", string(queue.StatusPending))).Result()
	if err != nil {
		return 0, &queue.TransientError{Op: "editAllPendingJobs", Err: err}
	}
	count := 0
	for _, idStr := range ids {
		id := mustParseID(idStr)
		job, err := b.GetJob(ctx, id)
		if err != nil || !matchesFilter(job, filter) {
			continue
		}
		if _, err := b.EditJob(ctx, id, updates); err == nil {
			count++
		}
	}
	return count, nil
}

func (b *Backend) SetPendingReason(ctx context.Context, jobType string, reason string) error {
	return nil
}

func (b *Backend) SetProgress(ctx context.Context, id int64, progress int) error {
	err := b.rdb.HSet(ctx, b.jobKey(id), "progress", progress, "updated_at", time.Now().UTC().Unix()).Err()
	if err != nil {
		return &queue.TransientError{Op: "setProgress", Err: err}
	}
	return nil
}

func (b *Backend) ReclaimStuckJobs(ctx context.Context, maxAgeMinutes int64) (int, error) {
	cutoff := float64(time.Now().UTC().Add(-time.Duration(maxAgeMinutes) * time.Minute).Unix())
	stuck, err := b.rdb.ZRangeByScore(ctx, b.key("processing"), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", cutoff)}).Result()
	if err != nil {
		return 0, &queue.TransientError{Op: "reclaimStuckJobs", Err: err}
	}
	now := time.Now().UTC()
	for _, idStr := range stuck {
		id := mustParseID(idStr)
		pipe := b.rdb.TxPipeline()
		pipe.HSet(ctx, b.jobKey(id), "status", string(queue.StatusPending), "locked_at", "", "locked_by", "", "updated_at", now.Unix())
		pipe.ZRem(ctx, b.key("processing"), idStr)
		pipe.ZAdd(ctx, b.key("pending"), redis.Z{Score: float64(now.Unix()), Member: idStr})
		pipe.SRem(ctx, b.key("by_status", string(queue.StatusProcessing)), id)
		pipe.SAdd(ctx, b.key("by_status", string(queue.StatusPending)), id)
		_, _ = pipe.Exec(ctx)
	}
	return len(stuck), nil
}

func (b *Backend) CleanupOldJobs(ctx context.Context, days int, batchSize int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Unix()
	count := 0
	for _, status := range []queue.JobStatus{queue.StatusCompleted, queue.StatusFailed, queue.StatusCancelled} {
		ids, err := b.rdb.SMembers(ctx, b.key("by_status", string(status))).Result()
		if err != nil {
			continue
		}
		for _, idStr := range ids {
			if count >= batchSize {
				return count, nil
			}
			id := mustParseID(idStr)
			updatedAt, err := b.rdb.HGet(ctx, b.jobKey(id), "updated_at").Int64()
			if err != nil || updatedAt > cutoff {
				continue
			}
			pipe := b.rdb.TxPipeline()
			pipe.Del(ctx, b.jobKey(id))
			pipe.SRem(ctx, b.key("by_status", string(status)), id)
			pipe.Del(ctx, b.key("events", idStr))
			_, _ = pipe.Exec(ctx)
			count++
		}
	}
	return count, nil
}

func (b *Backend) CleanupOldJobEvents(ctx context.Context, days int, batchSize int) (int, error) {
	// Event lists are trimmed to a bounded length on write (see
	// RecordJobEvent); there is no separate sweep needed in Redis since
	// unbounded retention was never possible the way it is in Postgres.
	return 0, nil
}

func (b *Backend) WakeDueTimeWaits(ctx context.Context) (int, error) {
	waiting, err := b.rdb.SMembers(ctx, b.key("waiting_time")).Result()
	if err != nil {
		return 0, &queue.TransientError{Op: "wakeDueTimeWaits", Err: err}
	}
	now := time.Now().UTC()
	count := 0
	for _, idStr := range waiting {
		id := mustParseID(idStr)
		job, err := b.GetJob(ctx, id)
		if err != nil || job.Status != queue.StatusWaiting || job.WaitTokenID != "" {
			b.rdb.SRem(ctx, b.key("waiting_time"), idStr)
			continue
		}
		if job.WaitUntil == nil || job.WaitUntil.After(now) {
			continue
		}
		pipe := b.rdb.TxPipeline()
		pipe.HSet(ctx, b.jobKey(id), "status", string(queue.StatusPending), "run_at", now.Unix(), "wait_until", "", "updated_at", now.Unix())
		pipe.ZAdd(ctx, b.key("pending"), redis.Z{Score: float64(now.Unix()), Member: idStr})
		pipe.SRem(ctx, b.key("waiting_time"), idStr)
		pipe.SRem(ctx, b.key("by_status", string(queue.StatusWaiting)), id)
		pipe.SAdd(ctx, b.key("by_status", string(queue.StatusPending)), id)
		if _, err := pipe.Exec(ctx); err == nil {
			count++
		}
	}
	return count, nil
}

func (b *Backend) GetJobs(ctx context.Context, opts queue.ListOptions) (*queue.ListResult, error) {
	ids, err := b.rdb.Keys(ctx, b.key("job")+":*").Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "getJobs", Err: err}
	}
	jobs := make([]*queue.Job, 0, len(ids))
	for _, k := range ids {
		idStr := strings.TrimPrefix(k, b.key("job")+":")
		job, err := b.GetJob(ctx, mustParseID(idStr))
		if err == nil {
			jobs = append(jobs, job)
		}
	}
	return paginate(jobs, opts), nil
}

func (b *Backend) GetJobsByStatus(ctx context.Context, status queue.JobStatus, opts queue.ListOptions) (*queue.ListResult, error) {
	ids, err := b.rdb.SMembers(ctx, b.key("by_status", string(status))).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "getJobsByStatus", Err: err}
	}
	jobs := make([]*queue.Job, 0, len(ids))
	for _, idStr := range ids {
		job, err := b.GetJob(ctx, mustParseID(idStr))
		if err == nil {
			jobs = append(jobs, job)
		}
	}
	return paginate(jobs, opts), nil
}

func (b *Backend) GetJobsByTags(ctx context.Context, tags []string, mode queue.TagQueryMode, opts queue.ListOptions) (*queue.ListResult, error) {
	if len(tags) == 0 {
		return b.GetJobs(ctx, opts)
	}
	keys := make([]string, len(tags))
	for i, t := range tags {
		keys[i] = b.key("by_tag", t)
	}

	var ids []string
	var err error
	switch mode {
	case queue.TagModeAll, queue.TagModeExact:
		ids, err = b.rdb.SInter(ctx, keys...).Result()
	case queue.TagModeNone:
		allIDs, aerr := b.rdb.Keys(ctx, b.key("job")+":*").Result()
		if aerr != nil {
			return nil, &queue.TransientError{Op: "getJobsByTags", Err: aerr}
		}
		excluded, uerr := b.rdb.SUnion(ctx, keys...).Result()
		if uerr != nil {
			return nil, &queue.TransientError{Op: "getJobsByTags", Err: uerr}
		}
		excludedSet := toSet(excluded)
		for _, k := range allIDs {
			idStr := strings.TrimPrefix(k, b.key("job")+":")
			if !excludedSet[idStr] {
				ids = append(ids, idStr)
			}
		}
	default: // any
		ids, err = b.rdb.SUnion(ctx, keys...).Result()
	}
	if err != nil {
		return nil, &queue.TransientError{Op: "getJobsByTags", Err: err}
	}

	jobs := make([]*queue.Job, 0, len(ids))
	for _, idStr := range ids {
		job, err := b.GetJob(ctx, mustParseID(idStr))
		if err != nil {
			continue
		}
		if mode == queue.TagModeExact && len(job.Tags) != len(tags) {
			continue
		}
		jobs = append(jobs, job)
	}
	return paginate(jobs, opts), nil
}

func (b *Backend) WaitJob(ctx context.Context, id int64, waitUntil *time.Time, waitTokenID string, stepData queue.StepData) error {
	stepJSON, err := json.Marshal(stepData)
	if err != nil {
		return &queue.PermanentError{Op: "waitJob", Err: err}
	}
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"status": string(queue.StatusWaiting), "wait_token_id": waitTokenID,
		"step_data": string(stepJSON), "updated_at": time.Now().UTC().Unix(),
	}
	if waitUntil != nil {
		fields["wait_until"] = waitUntil.Unix()
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), fields)
	pipe.ZRem(ctx, b.key("processing"), strconv.FormatInt(id, 10))
	pipe.SRem(ctx, b.key("by_status", string(job.Status)), id)
	pipe.SAdd(ctx, b.key("by_status", string(queue.StatusWaiting)), id)
	if waitTokenID == "" {
		pipe.SAdd(ctx, b.key("waiting_time"), id)
	}
	_, err = pipe.Exec(ctx)
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
	b.rdb.HSet(ctx, b.jobKey(id), "step_data", string(stepJSON), "updated_at", time.Now().UTC().Unix())
}

func (b *Backend) CreateWaitpoint(ctx context.Context, jobID *int64, opts queue.CreateTokenOptions) (*queue.Waitpoint, error) {
	now := time.Now().UTC()
	wp := &queue.Waitpoint{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Status:    queue.WaitpointPending,
		Tags:      opts.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Timeout != "" {
		if d, err := parseTimeout(opts.Timeout); err == nil {
			at := now.Add(d)
			wp.TimeoutAt = &at
		}
	}

	fields := map[string]interface{}{
		"status": string(wp.Status), "created_at": now.Unix(), "updated_at": now.Unix(),
	}
	if jobID != nil {
		fields["job_id"] = *jobID
	}
	if wp.TimeoutAt != nil {
		fields["timeout_at"] = wp.TimeoutAt.Unix()
	}
	tagsJSON, _ := json.Marshal(opts.Tags)
	fields["tags"] = string(tagsJSON)

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.key("waitpoint", wp.ID), fields)
	if wp.TimeoutAt != nil {
		pipe.SAdd(ctx, b.key("waitpoints_pending"), wp.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &queue.TransientError{Op: "createWaitpoint", Err: err}
	}
	return wp, nil
}

func (b *Backend) GetWaitpoint(ctx context.Context, id string) (*queue.Waitpoint, error) {
	m, err := b.rdb.HGetAll(ctx, b.key("waitpoint", id)).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "getWaitpoint", Err: err}
	}
	if len(m) == 0 {
		return nil, queue.ErrWaitpointNotFound
	}
	return waitpointFromMap(id, m)
}

func (b *Backend) CompleteWaitpoint(ctx context.Context, id string, data any) error {
	wp, err := b.GetWaitpoint(ctx, id)
	if err != nil {
		return err
	}
	if wp.Status != queue.WaitpointPending {
		return nil
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return &queue.PermanentError{Op: "completeWaitpoint", Err: err}
	}
	now := time.Now().UTC()

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.key("waitpoint", id), "status", string(queue.WaitpointCompleted), "data", string(dataJSON), "updated_at", now.Unix())
	pipe.SRem(ctx, b.key("waitpoints_pending"), id)
	if wp.JobID != nil {
		pipe.HSet(ctx, b.jobKey(*wp.JobID), "status", string(queue.StatusPending), "run_at", now.Unix(), "updated_at", now.Unix())
		pipe.ZAdd(ctx, b.key("pending"), redis.Z{Score: float64(now.Unix()), Member: strconv.FormatInt(*wp.JobID, 10)})
		pipe.SRem(ctx, b.key("by_status", string(queue.StatusWaiting)), *wp.JobID)
		pipe.SAdd(ctx, b.key("by_status", string(queue.StatusPending)), *wp.JobID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return &queue.TransientError{Op: "completeWaitpoint", Err: err}
	}
	if wp.JobID != nil {
		b.RecordJobEvent(ctx, *wp.JobID, queue.EventTokenCompleted, map[string]any{"tokenId": id})
	}
	return nil
}

func (b *Backend) ExpireTimedOutWaitpoints(ctx context.Context) (int, error) {
	ids, err := b.rdb.SMembers(ctx, b.key("waitpoints_pending")).Result()
	if err != nil {
		return 0, &queue.TransientError{Op: "expireTimedOutWaitpoints", Err: err}
	}
	now := time.Now().UTC()
	count := 0
	for _, id := range ids {
		wp, err := b.GetWaitpoint(ctx, id)
		if err != nil || wp.TimeoutAt == nil || wp.TimeoutAt.After(now) {
			continue
		}
		pipe := b.rdb.TxPipeline()
		pipe.HSet(ctx, b.key("waitpoint", id), "status", string(queue.WaitpointExpired), "updated_at", now.Unix())
		pipe.SRem(ctx, b.key("waitpoints_pending"), id)
		if wp.JobID != nil {
			pipe.HSet(ctx, b.jobKey(*wp.JobID), "status", string(queue.StatusPending), "run_at", now.Unix(), "updated_at", now.Unix())
			pipe.ZAdd(ctx, b.key("pending"), redis.Z{Score: float64(now.Unix()), Member: strconv.FormatInt(*wp.JobID, 10)})
			pipe.SRem(ctx, b.key("by_status", string(queue.StatusWaiting)), *wp.JobID)
			pipe.SAdd(ctx, b.key("by_status", string(queue.StatusPending)), *wp.JobID)
		}
		if _, err := pipe.Exec(ctx); err == nil {
			count++
		}
	}
	return count, nil
}

// RecordJobEvent appends to a capped list rather than an unbounded
// table, since Redis has no equivalent of a cheap periodic DELETE sweep.
func (b *Backend) RecordJobEvent(ctx context.Context, jobID int64, eventType queue.EventType, metadata map[string]any) {
	ev := queue.JobEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		EventType: eventType,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	key := b.key("events", strconv.FormatInt(jobID, 10))
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, 999)
	_, _ = pipe.Exec(ctx)
}

func (b *Backend) GetJobEvents(ctx context.Context, jobID int64, opts queue.ListOptions) ([]*queue.JobEvent, error) {
	limit := int64(opts.Limit)
	if limit <= 0 {
		limit = 100
	}
	raws, err := b.rdb.LRange(ctx, b.key("events", strconv.FormatInt(jobID, 10)), 0, limit-1).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "getJobEvents", Err: err}
	}
	events := make([]*queue.JobEvent, 0, len(raws))
	for _, raw := range raws {
		var ev queue.JobEvent
		if json.Unmarshal([]byte(raw), &ev) == nil {
			events = append(events, &ev)
		}
	}
	return events, nil
}

func (b *Backend) AddCronSchedule(ctx context.Context, opts queue.CronScheduleOptions, nextRunAt time.Time) (*queue.CronSchedule, error) {
	exists, err := b.rdb.HExists(ctx, b.key("cron_by_name"), opts.ScheduleName).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "addCronSchedule", Err: err}
	}
	if exists {
		return nil, queue.ErrDuplicateSchedule
	}

	id, err := b.rdb.Incr(ctx, b.key("next_cron_id")).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "addCronSchedule", Err: err}
	}
	sched := &queue.CronSchedule{
		ID: id, ScheduleName: opts.ScheduleName, CronExpression: opts.CronExpression, Timezone: opts.Timezone,
		JobType: opts.JobType, Payload: opts.Payload, Priority: opts.Priority, MaxAttempts: opts.MaxAttempts,
		TimeoutMs: opts.TimeoutMs, ForceKillOnTimeout: opts.ForceKillOnTimeout, Tags: opts.Tags,
		AllowOverlap: opts.AllowOverlap, Status: queue.CronActive, NextRunAt: nextRunAt,
	}

	pipe := b.rdb.TxPipeline()
	if err := hsetSchedule(ctx, pipe, b.key("cron", strconv.FormatInt(id, 10)), sched); err != nil {
		return nil, &queue.PermanentError{Op: "addCronSchedule", Err: err}
	}
	pipe.HSet(ctx, b.key("cron_by_name"), opts.ScheduleName, id)
	pipe.SAdd(ctx, b.key("cron_ids"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &queue.TransientError{Op: "addCronSchedule", Err: err}
	}
	return sched, nil
}

func (b *Backend) GetCronSchedule(ctx context.Context, id int64) (*queue.CronSchedule, error) {
	m, err := b.rdb.HGetAll(ctx, b.key("cron", strconv.FormatInt(id, 10))).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "getCronSchedule", Err: err}
	}
	if len(m) == 0 {
		return nil, queue.ErrScheduleNotFound
	}
	return scheduleFromMap(id, m)
}

func (b *Backend) GetCronScheduleByName(ctx context.Context, name string) (*queue.CronSchedule, error) {
	idStr, err := b.rdb.HGet(ctx, b.key("cron_by_name"), name).Result()
	if err != nil {
		return nil, queue.ErrScheduleNotFound
	}
	return b.GetCronSchedule(ctx, mustParseID(idStr))
}

func (b *Backend) ListCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	ids, err := b.rdb.SMembers(ctx, b.key("cron_ids")).Result()
	if err != nil {
		return nil, &queue.TransientError{Op: "listCronSchedules", Err: err}
	}
	out := make([]*queue.CronSchedule, 0, len(ids))
	for _, idStr := range ids {
		sched, err := b.GetCronSchedule(ctx, mustParseID(idStr))
		if err == nil {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) PauseCronSchedule(ctx context.Context, id int64) error {
	return b.setCronStatus(ctx, id, queue.CronPaused)
}

func (b *Backend) ResumeCronSchedule(ctx context.Context, id int64) error {
	return b.setCronStatus(ctx, id, queue.CronActive)
}

func (b *Backend) setCronStatus(ctx context.Context, id int64, status queue.CronStatus) error {
	exists, err := b.rdb.Exists(ctx, b.key("cron", strconv.FormatInt(id, 10))).Result()
	if err != nil {
		return &queue.TransientError{Op: "setCronStatus", Err: err}
	}
	if exists == 0 {
		return queue.ErrScheduleNotFound
	}
	return b.rdb.HSet(ctx, b.key("cron", strconv.FormatInt(id, 10)), "status", string(status)).Err()
}

func (b *Backend) EditCronSchedule(ctx context.Context, id int64, opts queue.CronScheduleOptions, nextRunAt *time.Time) (*queue.CronSchedule, error) {
	existing, err := b.GetCronSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	existing.CronExpression = opts.CronExpression
	existing.Timezone = opts.Timezone
	existing.JobType = opts.JobType
	existing.Payload = opts.Payload
	existing.Priority = opts.Priority
	existing.MaxAttempts = opts.MaxAttempts
	existing.TimeoutMs = opts.TimeoutMs
	existing.ForceKillOnTimeout = opts.ForceKillOnTimeout
	existing.Tags = opts.Tags
	existing.AllowOverlap = opts.AllowOverlap
	if nextRunAt != nil {
		existing.NextRunAt = *nextRunAt
	}
	if err := hsetSchedule(ctx, b.rdb, b.key("cron", strconv.FormatInt(id, 10)), existing); err != nil {
		return nil, &queue.TransientError{Op: "editCronSchedule", Err: err}
	}
	return existing, nil
}

func (b *Backend) RemoveCronSchedule(ctx context.Context, id int64) error {
	sched, err := b.GetCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, b.key("cron", strconv.FormatInt(id, 10)))
	pipe.HDel(ctx, b.key("cron_by_name"), sched.ScheduleName)
	pipe.SRem(ctx, b.key("cron_ids"), id)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return &queue.TransientError{Op: "removeCronSchedule", Err: err}
	}
	return nil
}

func (b *Backend) GetDueCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	all, err := b.ListCronSchedules(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var due []*queue.CronSchedule
	for _, s := range all {
		if s.Status == queue.CronActive && !s.NextRunAt.After(now) {
			due = append(due, s)
		}
	}
	return due, nil
}

func (b *Backend) UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, lastEnqueuedAt time.Time, lastJobID int64, nextRunAt time.Time) error {
	err := b.rdb.HSet(ctx, b.key("cron", strconv.FormatInt(id, 10)),
		"last_enqueued_at", lastEnqueuedAt.Unix(), "last_job_id", lastJobID, "next_run_at", nextRunAt.Unix()).Err()
	if err != nil {
		return &queue.TransientError{Op: "updateCronScheduleAfterEnqueue", Err: err}
	}
	return nil
}

func mustParseID(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, err
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func matchesFilter(job *queue.Job, filter queue.JobFilter) bool {
	if len(filter.JobTypes) > 0 {
		found := false
		for _, t := range filter.JobTypes {
			if job.JobType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func paginate(all []*queue.Job, opts queue.ListOptions) *queue.ListResult {
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var filtered []*queue.Job
	if opts.Cursor != nil {
		for _, j := range all {
			if j.ID < *opts.Cursor {
				filtered = append(filtered, j)
			}
		}
	} else {
		start := opts.Offset
		if start > len(all) {
			start = len(all)
		}
		filtered = all[start:]
	}

	result := &queue.ListResult{}
	if len(filtered) > limit {
		result.Jobs = filtered[:limit]
		next := result.Jobs[len(result.Jobs)-1].ID
		result.NextCursor = &next
	} else {
		result.Jobs = filtered
	}
	return result
}
