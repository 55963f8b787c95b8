package queue

import (
	"context"
	"time"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue/cronexpr"
	"github.com/BillyRonksGlobal/dataqueue/pkg/logger"
)

// Queue is the public entry point: it owns a Backend and an Emitter and
// hands out Processor/Supervisor instances that share them. Callers
// never touch a Backend directly.
type Queue struct {
	backend Backend
	emitter *Emitter
	log     *logger.Logger
}

// New wraps an existing Backend (postgres, kv, or memstore) as a Queue.
func New(backend Backend, log *logger.Logger) *Queue {
	return &Queue{
		backend: backend,
		emitter: NewEmitter(),
		log:     log,
	}
}

// Close releases the underlying backend's resources (pool, client, etc).
func (q *Queue) Close() { q.backend.Close() }

// On registers an event listener. See Emitter.On.
func (q *Queue) On(eventType EventType, l Listener) { q.emitter.On(eventType, l) }

// CreateProcessor builds a Processor bound to this queue's backend and
// emitter. Callers start it with Start/StartInBackground.
func (q *Queue) CreateProcessor(opts ProcessorOptions) *Processor {
	return NewProcessor(q.backend, q.emitter, q.log, opts)
}

// CreateSupervisor builds a Supervisor bound to this queue's backend and
// emitter.
func (q *Queue) CreateSupervisor(opts SupervisorOptions) *Supervisor {
	return NewSupervisor(q.backend, q.emitter, q.log, opts)
}

// AddJob enqueues a new job. If opts.IdempotencyKey is set and a job
// already carries that key, the existing job is returned unchanged —
// addJob never revives a job already in a terminal state, matching or not.
func (q *Queue) AddJob(ctx context.Context, opts JobOptions) (*Job, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RunAt.IsZero() {
		opts.RunAt = q.backend.Now(ctx)
	}
	job, err := q.backend.AddJob(ctx, opts)
	if err != nil {
		return nil, err
	}
	q.emitter.Emit(Event{Type: EventAdded, Job: job})
	return job, nil
}

// EnqueueBatch adds several jobs; a failure on one entry does not abort
// the rest, mirroring the teacher's batch-enqueue behavior. Both returned
// slices have one element per entry of batch: jobs[i] and errs[i] are the
// outcome of batch[i], and jobs[i] is nil exactly when errs[i] is not.
func (q *Queue) EnqueueBatch(ctx context.Context, batch []JobOptions) ([]*Job, []error) {
	jobs := make([]*Job, len(batch))
	errs := make([]error, len(batch))
	for i, opts := range batch {
		jobs[i], errs[i] = q.AddJob(ctx, opts)
	}
	return jobs, errs
}

func (q *Queue) GetJob(ctx context.Context, id int64) (*Job, error) {
	return q.backend.GetJob(ctx, id)
}

func (q *Queue) GetJobs(ctx context.Context, opts ListOptions) (*ListResult, error) {
	return q.backend.GetJobs(ctx, opts)
}

func (q *Queue) GetJobsByStatus(ctx context.Context, status JobStatus, opts ListOptions) (*ListResult, error) {
	return q.backend.GetJobsByStatus(ctx, status, opts)
}

func (q *Queue) GetJobsByTags(ctx context.Context, tags []string, mode TagQueryMode, opts ListOptions) (*ListResult, error) {
	if mode == "" {
		mode = TagModeAny
	}
	return q.backend.GetJobsByTags(ctx, tags, mode, opts)
}

// GetAllJobs pages through every job regardless of status. When
// opts.Cursor is set it pages by id keyset; otherwise it uses opts.Offset.
func (q *Queue) GetAllJobs(ctx context.Context, opts ListOptions) (*ListResult, error) {
	return q.backend.GetJobs(ctx, opts)
}

// RetryJob resets a failed job back to pending for immediate reattempt,
// regardless of whether it has exhausted MaxAttempts.
func (q *Queue) RetryJob(ctx context.Context, id int64) error {
	if err := q.backend.RetryJob(ctx, id); err != nil {
		return err
	}
	job, err := q.backend.GetJob(ctx, id)
	if err == nil {
		q.emitter.Emit(Event{Type: EventRetried, Job: job})
	}
	return nil
}

// CancelJob cancels a single pending job. It returns ErrNotPending
// against a job that is waiting, processing, or already terminal.
func (q *Queue) CancelJob(ctx context.Context, id int64) error {
	if err := q.backend.CancelJob(ctx, id); err != nil {
		return err
	}
	job, err := q.backend.GetJob(ctx, id)
	if err == nil {
		q.emitter.Emit(Event{Type: EventCancelled, Job: job})
	}
	return nil
}

// CancelAllUpcomingJobs cancels every job matched by filter that is
// still pending. Jobs already processing, waiting, or terminal are left
// untouched — "upcoming" means not yet started.
func (q *Queue) CancelAllUpcomingJobs(ctx context.Context, filter JobFilter) (int, error) {
	filter.Status = StatusPending
	return q.backend.CancelAllUpcomingJobs(ctx, filter)
}

// EditJob updates mutable fields of a single pending job. Editing a
// waiting job's RunAt has no effect on its resume time unless the edit
// explicitly targets the wait itself, which this surface does not
// expose; see DESIGN.md.
func (q *Queue) EditJob(ctx context.Context, id int64, updates EditJobOptions) (*Job, error) {
	job, err := q.backend.EditJob(ctx, id, updates)
	if err != nil {
		return nil, err
	}
	q.emitter.Emit(Event{Type: EventEdited, Job: job})
	return job, nil
}

// EditAllPendingJobs bulk-edits every pending job matched by filter.
func (q *Queue) EditAllPendingJobs(ctx context.Context, filter JobFilter, updates EditJobOptions) (int, error) {
	filter.Status = StatusPending
	return q.backend.EditAllPendingJobs(ctx, filter, updates)
}

func (q *Queue) CleanupOldJobs(ctx context.Context, days int, batchSize int) (int, error) {
	return q.backend.CleanupOldJobs(ctx, days, batchSize)
}

func (q *Queue) CleanupOldJobEvents(ctx context.Context, days int, batchSize int) (int, error) {
	return q.backend.CleanupOldJobEvents(ctx, days, batchSize)
}

func (q *Queue) ReclaimStuckJobs(ctx context.Context, maxAgeMinutes int64) (int, error) {
	n, err := q.backend.ReclaimStuckJobs(ctx, maxAgeMinutes)
	if err != nil || n == 0 {
		return n, err
	}
	q.emitter.Emit(Event{Type: EventReclaimed, Meta: map[string]any{"count": n}})
	return n, nil
}

func (q *Queue) RecordJobEvent(ctx context.Context, jobID int64, eventType EventType, metadata map[string]any) {
	q.backend.RecordJobEvent(ctx, jobID, eventType, metadata)
}

func (q *Queue) GetJobEvents(ctx context.Context, jobID int64, opts ListOptions) ([]*JobEvent, error) {
	return q.backend.GetJobEvents(ctx, jobID, opts)
}

// CreateToken creates a standalone waitpoint not bound to any job (e.g.
// one a human approval UI will complete out-of-band).
func (q *Queue) CreateToken(ctx context.Context, opts CreateTokenOptions) (*Waitpoint, error) {
	return q.backend.CreateWaitpoint(ctx, nil, opts)
}

// CompleteToken resolves a pending waitpoint with data, unblocking any
// job waiting on it so the next supervisor/processor pass resumes it.
func (q *Queue) CompleteToken(ctx context.Context, id string, data any) error {
	if err := q.backend.CompleteWaitpoint(ctx, id, data); err != nil {
		return err
	}
	wp, err := q.backend.GetWaitpoint(ctx, id)
	if err == nil && wp.JobID != nil {
		job, jerr := q.backend.GetJob(ctx, *wp.JobID)
		if jerr == nil {
			q.emitter.Emit(Event{Type: EventTokenCompleted, Job: job, Meta: map[string]any{"tokenId": id}})
		}
	}
	return nil
}

func (q *Queue) GetToken(ctx context.Context, id string) (*Waitpoint, error) {
	return q.backend.GetWaitpoint(ctx, id)
}

func (q *Queue) ExpireTimedOutTokens(ctx context.Context) (int, error) {
	return q.backend.ExpireTimedOutWaitpoints(ctx)
}

// AddCronJob registers a new recurring schedule. opts.Timezone defaults
// to UTC; the expression is validated up front so a typo surfaces at
// registration time, not on the first missed tick.
func (q *Queue) AddCronJob(ctx context.Context, opts CronScheduleOptions) (*CronSchedule, error) {
	if opts.Timezone == "" {
		opts.Timezone = "UTC"
	}
	if !cronexpr.Validate(opts.CronExpression) {
		return nil, ErrInvalidCron
	}
	next, err := cronexpr.NextOccurrence(opts.CronExpression, opts.Timezone, q.backend.Now(ctx))
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, ErrInvalidCron
	}
	return q.backend.AddCronSchedule(ctx, opts, *next)
}

func (q *Queue) ListCronJobs(ctx context.Context) ([]*CronSchedule, error) {
	return q.backend.ListCronSchedules(ctx)
}

func (q *Queue) PauseCronJob(ctx context.Context, id int64) error {
	return q.backend.PauseCronSchedule(ctx, id)
}

func (q *Queue) ResumeCronJob(ctx context.Context, id int64) error {
	return q.backend.ResumeCronSchedule(ctx, id)
}

// EditCronJob updates a schedule's definition, recomputing its next run
// time whenever the expression or timezone changed.
func (q *Queue) EditCronJob(ctx context.Context, id int64, opts CronScheduleOptions) (*CronSchedule, error) {
	existing, err := q.backend.GetCronSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	var nextRunAt *time.Time
	if opts.CronExpression != existing.CronExpression || opts.Timezone != existing.Timezone {
		if !cronexpr.Validate(opts.CronExpression) {
			return nil, ErrInvalidCron
		}
		next, err := cronexpr.NextOccurrence(opts.CronExpression, opts.Timezone, q.backend.Now(ctx))
		if err != nil {
			return nil, err
		}
		nextRunAt = next
	}
	return q.backend.EditCronSchedule(ctx, id, opts, nextRunAt)
}

func (q *Queue) RemoveCronJob(ctx context.Context, id int64) error {
	return q.backend.RemoveCronSchedule(ctx, id)
}

// EnqueueDueCronJobs is exposed for callers that want to drive cron
// enqueue themselves instead of running a Supervisor. It shares
// enqueueDueSchedule with the Supervisor's own tick so the two paths
// never disagree on overlap handling.
func (q *Queue) EnqueueDueCronJobs(ctx context.Context) (int, error) {
	due, err := q.backend.GetDueCronSchedules(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sched := range due {
		enqueued, err := enqueueDueSchedule(ctx, q.backend, sched)
		if err != nil {
			continue
		}
		if enqueued {
			count++
		}
	}
	return count, nil
}

// enqueueDueSchedule enqueues one job for sched if it is due, skipping
// the enqueue (but still advancing nextRunAt) when the schedule
// forbids overlap and its last job has not reached a terminal state.
// Shared by Queue.EnqueueDueCronJobs and Supervisor's tick.
func enqueueDueSchedule(ctx context.Context, backend Backend, sched *CronSchedule) (bool, error) {
	if !sched.AllowOverlap && sched.LastJobID != nil {
		prior, err := backend.GetJob(ctx, *sched.LastJobID)
		if err == nil && prior != nil && !isTerminal(prior.Status) {
			next, nerr := cronexpr.NextOccurrence(sched.CronExpression, sched.Timezone, backend.Now(ctx))
			if nerr == nil && next != nil {
				_ = backend.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, timeOrZero(sched.LastEnqueuedAt), valueOr(sched.LastJobID, 0), *next)
			}
			return false, nil
		}
	}

	job, err := backend.AddJob(ctx, JobOptions{
		JobType:            sched.JobType,
		Payload:            sched.Payload,
		Priority:           sched.Priority,
		MaxAttempts:        sched.MaxAttempts,
		RunAt:              backend.Now(ctx),
		TimeoutMs:          sched.TimeoutMs,
		ForceKillOnTimeout: sched.ForceKillOnTimeout,
		Tags:               sched.Tags,
	})
	if err != nil {
		return false, err
	}

	now := backend.Now(ctx)
	next, err := cronexpr.NextOccurrence(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		return false, err
	}
	nextRunAt := now.AddDate(100, 0, 0)
	if next != nil {
		nextRunAt = *next
	}

	if err := backend.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, now, job.ID, nextRunAt); err != nil {
		return false, err
	}
	return true, nil
}
