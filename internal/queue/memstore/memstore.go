// Package memstore is an in-process Backend implementation: no network,
// no persistence across restarts. It exists for fast unit and
// conformance tests that would otherwise need a live Postgres or Redis
// instance. The postgres and kv backends have no tests of their own in
// this repository.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
)

// Backend is a mutex-guarded, map-based store satisfying queue.Backend.
type Backend struct {
	mu sync.Mutex

	jobs   map[int64]*queue.Job
	nextID int64

	events   map[int64][]*queue.JobEvent
	eventSeq int64

	waitpoints map[string]*queue.Waitpoint
	idemIndex  map[string]int64

	schedules map[int64]*queue.CronSchedule
	nextSchedID int64
}

// New constructs an empty memstore Backend.
func New() *Backend {
	return &Backend{
		jobs:       make(map[int64]*queue.Job),
		events:     make(map[int64][]*queue.JobEvent),
		waitpoints: make(map[string]*queue.Waitpoint),
		idemIndex:  make(map[string]int64),
		schedules:  make(map[int64]*queue.CronSchedule),
	}
}

func (b *Backend) Now(ctx context.Context) time.Time { return time.Now().UTC() }

func (b *Backend) Close() {}

func (b *Backend) AddJob(ctx context.Context, opts queue.JobOptions) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.IdempotencyKey != "" {
		if id, ok := b.idemIndex[opts.IdempotencyKey]; ok {
			return cloneJob(b.jobs[id]), nil
		}
	}

	b.nextID++
	now := time.Now().UTC()
	job := &queue.Job{
		ID:             b.nextID,
		JobType:        opts.JobType,
		Payload:        opts.Payload,
		Status:         queue.StatusPending,
		Priority:       opts.Priority,
		RunAt:          opts.RunAt,
		MaxAttempts:    opts.MaxAttempts,
		TimeoutMs:      opts.TimeoutMs,
		ForceKillOnTimeout: opts.ForceKillOnTimeout,
		Tags:           append([]string{}, opts.Tags...),
		IdempotencyKey: opts.IdempotencyKey,
		StepData:       queue.StepData{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	b.jobs[job.ID] = job
	if opts.IdempotencyKey != "" {
		b.idemIndex[opts.IdempotencyKey] = job.ID
	}
	b.recordEventLocked(job.ID, queue.EventAdded, nil)
	return cloneJob(job), nil
}

func (b *Backend) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// GetNextBatch claims up to batchSize pending, due jobs ordered by
// priority desc, runAt asc, id asc — the same ordering the postgres
// backend enforces via ORDER BY in its claim query.
func (b *Backend) GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypeFilter []string) ([]*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	allowed := toSet(jobTypeFilter)

	var candidates []*queue.Job
	for _, job := range b.jobs {
		if job.Status != queue.StatusPending {
			continue
		}
		if job.RunAt.After(now) {
			continue
		}
		if len(allowed) > 0 && !allowed[job.JobType] {
			continue
		}
		candidates = append(candidates, job)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].RunAt.Equal(candidates[j].RunAt) {
			return candidates[i].RunAt.Before(candidates[j].RunAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	out := make([]*queue.Job, 0, len(candidates))
	for _, job := range candidates {
		job.Status = queue.StatusProcessing
		job.Attempts++
		job.LockedAt = &now
		job.LockedBy = workerID
		job.UpdatedAt = now
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func (b *Backend) CompleteJob(ctx context.Context, id int64, output any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return queue.ErrJobNotFound
	}
	now := time.Now().UTC()
	job.Status = queue.StatusCompleted
	job.Output = output
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.LockedAt = nil
	job.LockedBy = ""
	b.recordEventLocked(id, queue.EventCompleted, nil)
	return nil
}

func (b *Backend) FailJob(ctx context.Context, id int64, errMsg string, reason queue.FailureReason) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return queue.ErrJobNotFound
	}
	now := time.Now().UTC()
	job.ErrorHistory = append(job.ErrorHistory, queue.ErrorEntry{Message: errMsg, Timestamp: now})
	job.FailureReason = reason
	job.LastFailedAt = &now
	job.UpdatedAt = now
	job.LockedAt = nil
	job.LockedBy = ""

	if job.Attempts >= job.MaxAttempts {
		job.Status = queue.StatusFailed
		b.recordEventLocked(id, queue.EventFailed, map[string]any{"reason": string(reason)})
		return nil
	}

	next := now.Add(queue.RetryBackoff(job.Attempts))
	job.Status = queue.StatusPending
	job.RunAt = next
	job.NextAttemptAt = &next
	b.recordEventLocked(id, queue.EventFailed, map[string]any{"reason": string(reason), "nextAttemptAt": next})
	return nil
}

func (b *Backend) ProlongJob(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return queue.ErrJobNotFound
	}
	now := time.Now().UTC()
	job.LockedAt = &now
	job.UpdatedAt = now
	b.recordEventLocked(id, queue.EventProlonged, nil)
	return nil
}

func (b *Backend) RetryJob(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return queue.ErrJobNotFound
	}
	now := time.Now().UTC()
	job.Status = queue.StatusPending
	job.RunAt = now
	job.LastRetriedAt = &now
	job.UpdatedAt = now
	b.recordEventLocked(id, queue.EventRetried, nil)
	return nil
}

func (b *Backend) CancelJob(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return queue.ErrJobNotFound
	}
	if job.Status != queue.StatusPending {
		return queue.ErrNotPending
	}
	now := time.Now().UTC()
	job.Status = queue.StatusCancelled
	job.FailureReason = queue.ReasonCancelled
	job.LastCancelledAt = &now
	job.UpdatedAt = now
	b.recordEventLocked(id, queue.EventCancelled, nil)
	return nil
}

func (b *Backend) CancelAllUpcomingJobs(ctx context.Context, filter queue.JobFilter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, job := range b.jobs {
		if job.Status != queue.StatusPending {
			continue
		}
		if !matchesFilter(job, filter) {
			continue
		}
		job.Status = queue.StatusCancelled
		job.FailureReason = queue.ReasonCancelled
		job.LastCancelledAt = &now
		job.UpdatedAt = now
		b.recordEventLocked(job.ID, queue.EventCancelled, nil)
		count++
	}
	return count, nil
}

func (b *Backend) EditJob(ctx context.Context, id int64, updates queue.EditJobOptions) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	if job.Status != queue.StatusPending {
		return nil, queue.ErrNotPending
	}
	applyEdit(job, updates)
	job.UpdatedAt = time.Now().UTC()
	b.recordEventLocked(id, queue.EventEdited, nil)
	return cloneJob(job), nil
}

func (b *Backend) EditAllPendingJobs(ctx context.Context, filter queue.JobFilter, updates queue.EditJobOptions) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	now := time.Now().UTC()
	for _, job := range b.jobs {
		if job.Status != queue.StatusPending {
			continue
		}
		if !matchesFilter(job, filter) {
			continue
		}
		applyEdit(job, updates)
		job.UpdatedAt = now
		count++
	}
	return count, nil
}

func (b *Backend) SetPendingReason(ctx context.Context, jobType string, reason string) error {
	return nil
}

func (b *Backend) SetProgress(ctx context.Context, id int64, progress int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return queue.ErrJobNotFound
	}
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Backend) ReclaimStuckJobs(ctx context.Context, maxAgeMinutes int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeMinutes) * time.Minute)
	count := 0
	for _, job := range b.jobs {
		if job.Status == queue.StatusProcessing && job.LockedAt != nil && job.LockedAt.Before(cutoff) {
			job.Status = queue.StatusPending
			job.LockedAt = nil
			job.LockedBy = ""
			job.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

func (b *Backend) CleanupOldJobs(ctx context.Context, days int, batchSize int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	count := 0
	for id, job := range b.jobs {
		if count >= batchSize {
			break
		}
		if !isTerminal(job.Status) {
			continue
		}
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		delete(b.jobs, id)
		delete(b.events, id)
		count++
	}
	return count, nil
}

func (b *Backend) CleanupOldJobEvents(ctx context.Context, days int, batchSize int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	count := 0
	for jobID, evs := range b.events {
		kept := evs[:0:0]
		for _, ev := range evs {
			if ev.CreatedAt.Before(cutoff) && count < batchSize {
				count++
				continue
			}
			kept = append(kept, ev)
		}
		b.events[jobID] = kept
	}
	return count, nil
}

func (b *Backend) WakeDueTimeWaits(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, job := range b.jobs {
		if job.Status != queue.StatusWaiting {
			continue
		}
		if job.WaitTokenID != "" {
			continue
		}
		if job.WaitUntil == nil || job.WaitUntil.After(now) {
			continue
		}
		job.Status = queue.StatusPending
		job.RunAt = now
		job.WaitUntil = nil
		job.UpdatedAt = now
		count++
	}
	return count, nil
}

func (b *Backend) GetJobs(ctx context.Context, opts queue.ListOptions) (*queue.ListResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return paginate(allJobs(b.jobs), opts), nil
}

func (b *Backend) GetJobsByStatus(ctx context.Context, status queue.JobStatus, opts queue.ListOptions) (*queue.ListResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var filtered []*queue.Job
	for _, job := range b.jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	sortByID(filtered)
	return paginate(filtered, opts), nil
}

func (b *Backend) GetJobsByTags(ctx context.Context, tags []string, mode queue.TagQueryMode, opts queue.ListOptions) (*queue.ListResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var filtered []*queue.Job
	for _, job := range b.jobs {
		if tagsMatch(job.Tags, tags, mode) {
			filtered = append(filtered, job)
		}
	}
	sortByID(filtered)
	return paginate(filtered, opts), nil
}

func (b *Backend) WaitJob(ctx context.Context, id int64, waitUntil *time.Time, waitTokenID string, stepData queue.StepData) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return queue.ErrJobNotFound
	}
	job.Status = queue.StatusWaiting
	job.WaitUntil = waitUntil
	job.WaitTokenID = waitTokenID
	job.StepData = stepData
	job.UpdatedAt = time.Now().UTC()
	if waitTokenID != "" {
		if wp, ok := b.waitpoints[waitTokenID]; ok {
			wp.JobID = &id
		}
	}
	b.recordEventLocked(id, queue.EventWaiting, nil)
	return nil
}

func (b *Backend) UpdateStepData(ctx context.Context, id int64, stepData queue.StepData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if job, ok := b.jobs[id]; ok {
		job.StepData = stepData
		job.UpdatedAt = time.Now().UTC()
	}
}

func (b *Backend) CreateWaitpoint(ctx context.Context, jobID *int64, opts queue.CreateTokenOptions) (*queue.Waitpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	wp := &queue.Waitpoint{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Status:    queue.WaitpointPending,
		Tags:      append([]string{}, opts.Tags...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Timeout != "" {
		if d, err := parseTimeout(opts.Timeout); err == nil {
			at := now.Add(d)
			wp.TimeoutAt = &at
		}
	}
	b.waitpoints[wp.ID] = wp
	return cloneWaitpoint(wp), nil
}

func (b *Backend) GetWaitpoint(ctx context.Context, id string) (*queue.Waitpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wp, ok := b.waitpoints[id]
	if !ok {
		return nil, queue.ErrWaitpointNotFound
	}
	return cloneWaitpoint(wp), nil
}

func (b *Backend) CompleteWaitpoint(ctx context.Context, id string, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wp, ok := b.waitpoints[id]
	if !ok {
		return queue.ErrWaitpointNotFound
	}
	if wp.Status != queue.WaitpointPending {
		return nil
	}
	wp.Status = queue.WaitpointCompleted
	wp.Data = data
	wp.UpdatedAt = time.Now().UTC()

	if wp.JobID != nil {
		if job, ok := b.jobs[*wp.JobID]; ok && job.Status == queue.StatusWaiting {
			job.Status = queue.StatusPending
			job.RunAt = wp.UpdatedAt
			job.UpdatedAt = wp.UpdatedAt
			b.recordEventLocked(job.ID, queue.EventTokenCompleted, map[string]any{"tokenId": id})
		}
	}
	return nil
}

func (b *Backend) ExpireTimedOutWaitpoints(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, wp := range b.waitpoints {
		if wp.Status != queue.WaitpointPending || wp.TimeoutAt == nil || wp.TimeoutAt.After(now) {
			continue
		}
		wp.Status = queue.WaitpointExpired
		wp.UpdatedAt = now
		count++

		if wp.JobID != nil {
			if job, ok := b.jobs[*wp.JobID]; ok && job.Status == queue.StatusWaiting {
				job.Status = queue.StatusPending
				job.RunAt = now
				job.UpdatedAt = now
			}
		}
	}
	return count, nil
}

func (b *Backend) RecordJobEvent(ctx context.Context, jobID int64, eventType queue.EventType, metadata map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordEventLocked(jobID, eventType, metadata)
}

// recordEventLocked appends a JobEvent without acquiring b.mu; callers
// that already hold the lock (every state-transition method below) use
// this instead of RecordJobEvent to avoid deadlocking on themselves.
func (b *Backend) recordEventLocked(jobID int64, eventType queue.EventType, metadata map[string]any) {
	b.eventSeq++
	b.events[jobID] = append(b.events[jobID], &queue.JobEvent{
		ID:        strconv.FormatInt(b.eventSeq, 10),
		JobID:     jobID,
		EventType: eventType,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	})
}

func (b *Backend) GetJobEvents(ctx context.Context, jobID int64, opts queue.ListOptions) ([]*queue.JobEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	evs := b.events[jobID]
	if opts.Limit > 0 && len(evs) > opts.Limit {
		evs = evs[len(evs)-opts.Limit:]
	}
	out := make([]*queue.JobEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (b *Backend) AddCronSchedule(ctx context.Context, opts queue.CronScheduleOptions, nextRunAt time.Time) (*queue.CronSchedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.schedules {
		if s.ScheduleName == opts.ScheduleName {
			return nil, queue.ErrDuplicateSchedule
		}
	}
	b.nextSchedID++
	sched := &queue.CronSchedule{
		ID:                 b.nextSchedID,
		ScheduleName:       opts.ScheduleName,
		CronExpression:     opts.CronExpression,
		Timezone:           opts.Timezone,
		JobType:            opts.JobType,
		Payload:            opts.Payload,
		Priority:           opts.Priority,
		MaxAttempts:        opts.MaxAttempts,
		TimeoutMs:          opts.TimeoutMs,
		ForceKillOnTimeout: opts.ForceKillOnTimeout,
		Tags:               append([]string{}, opts.Tags...),
		AllowOverlap:       opts.AllowOverlap,
		Status:             queue.CronActive,
		NextRunAt:          nextRunAt,
	}
	b.schedules[sched.ID] = sched
	return cloneSchedule(sched), nil
}

func (b *Backend) GetCronSchedule(ctx context.Context, id int64) (*queue.CronSchedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.schedules[id]
	if !ok {
		return nil, queue.ErrScheduleNotFound
	}
	return cloneSchedule(s), nil
}

func (b *Backend) GetCronScheduleByName(ctx context.Context, name string) (*queue.CronSchedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.schedules {
		if s.ScheduleName == name {
			return cloneSchedule(s), nil
		}
	}
	return nil, queue.ErrScheduleNotFound
}

func (b *Backend) ListCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*queue.CronSchedule, 0, len(b.schedules))
	for _, s := range b.schedules {
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) PauseCronSchedule(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.schedules[id]
	if !ok {
		return queue.ErrScheduleNotFound
	}
	s.Status = queue.CronPaused
	return nil
}

func (b *Backend) ResumeCronSchedule(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.schedules[id]
	if !ok {
		return queue.ErrScheduleNotFound
	}
	s.Status = queue.CronActive
	return nil
}

func (b *Backend) EditCronSchedule(ctx context.Context, id int64, opts queue.CronScheduleOptions, nextRunAt *time.Time) (*queue.CronSchedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.schedules[id]
	if !ok {
		return nil, queue.ErrScheduleNotFound
	}
	s.CronExpression = opts.CronExpression
	s.Timezone = opts.Timezone
	s.JobType = opts.JobType
	s.Payload = opts.Payload
	s.Priority = opts.Priority
	s.MaxAttempts = opts.MaxAttempts
	s.TimeoutMs = opts.TimeoutMs
	s.ForceKillOnTimeout = opts.ForceKillOnTimeout
	s.Tags = append([]string{}, opts.Tags...)
	s.AllowOverlap = opts.AllowOverlap
	if nextRunAt != nil {
		s.NextRunAt = *nextRunAt
	}
	return cloneSchedule(s), nil
}

func (b *Backend) RemoveCronSchedule(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.schedules[id]; !ok {
		return queue.ErrScheduleNotFound
	}
	delete(b.schedules, id)
	return nil
}

func (b *Backend) GetDueCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	var due []*queue.CronSchedule
	for _, s := range b.schedules {
		if s.Status == queue.CronActive && !s.NextRunAt.After(now) {
			due = append(due, cloneSchedule(s))
		}
	}
	return due, nil
}

func (b *Backend) UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, lastEnqueuedAt time.Time, lastJobID int64, nextRunAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.schedules[id]
	if !ok {
		return queue.ErrScheduleNotFound
	}
	s.LastEnqueuedAt = &lastEnqueuedAt
	s.LastJobID = &lastJobID
	s.NextRunAt = nextRunAt
	return nil
}

// --- helpers ---

func cloneJob(j *queue.Job) *queue.Job {
	cp := *j
	cp.Tags = append([]string{}, j.Tags...)
	cp.ErrorHistory = append([]queue.ErrorEntry{}, j.ErrorHistory...)
	sd := queue.StepData{}
	for k, v := range j.StepData {
		sd[k] = v
	}
	cp.StepData = sd
	return &cp
}

func cloneWaitpoint(w *queue.Waitpoint) *queue.Waitpoint {
	cp := *w
	cp.Tags = append([]string{}, w.Tags...)
	return &cp
}

func cloneSchedule(s *queue.CronSchedule) *queue.CronSchedule {
	cp := *s
	cp.Tags = append([]string{}, s.Tags...)
	return &cp
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func isTerminal(s queue.JobStatus) bool {
	return s == queue.StatusCompleted || s == queue.StatusFailed || s == queue.StatusCancelled
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
	if len(filter.Tags) > 0 && !tagsMatch(job.Tags, filter.Tags, filter.TagMode) {
		return false
	}
	return true
}

func tagsMatch(jobTags []string, query []string, mode queue.TagQueryMode) bool {
	set := toSet(jobTags)
	switch mode {
	case queue.TagModeAll:
		for _, t := range query {
			if !set[t] {
				return false
			}
		}
		return true
	case queue.TagModeNone:
		for _, t := range query {
			if set[t] {
				return false
			}
		}
		return true
	case queue.TagModeExact:
		if len(jobTags) != len(query) {
			return false
		}
		for _, t := range query {
			if !set[t] {
				return false
			}
		}
		return true
	default: // TagModeAny
		for _, t := range query {
			if set[t] {
				return true
			}
		}
		return len(query) == 0
	}
}

func applyEdit(job *queue.Job, updates queue.EditJobOptions) {
	if updates.Payload != nil {
		job.Payload = updates.Payload
	}
	if updates.Priority != nil {
		job.Priority = *updates.Priority
	}
	if updates.Tags != nil {
		job.Tags = append([]string{}, updates.Tags...)
	}
	if updates.RunAt != nil {
		job.RunAt = *updates.RunAt
	}
	if updates.TimeoutMs != nil {
		job.TimeoutMs = *updates.TimeoutMs
	}
	if updates.MaxAttempts != nil {
		job.MaxAttempts = *updates.MaxAttempts
	}
}

func allJobs(m map[int64]*queue.Job) []*queue.Job {
	out := make([]*queue.Job, 0, len(m))
	for _, j := range m {
		out = append(out, j)
	}
	sortByID(out)
	return out
}

func sortByID(jobs []*queue.Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
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

	var page []*queue.Job
	if len(filtered) > limit {
		page = make([]*queue.Job, limit)
		copy(page, filtered[:limit])
	} else {
		page = append([]*queue.Job{}, filtered...)
	}

	out := make([]*queue.Job, len(page))
	for i, j := range page {
		out[i] = cloneJob(j)
	}

	result := &queue.ListResult{Jobs: out}
	if len(filtered) > limit {
		next := page[len(page)-1].ID
		result.NextCursor = &next
	}
	return result
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
