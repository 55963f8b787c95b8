package queue

import (
	"context"
	"time"
)

// Backend is the sole storage abstraction between the engine and its
// persistence layer. The postgres package is the canonical
// implementation; the kv package is a Redis-backed variant, and the
// memstore package is an in-process one. All three implement the same
// observable contract; only memstore has tests in this repository
// (memstore_test.go), since the other two need a live Postgres or Redis.
type Backend interface {
	// Jobs

	AddJob(ctx context.Context, opts JobOptions) (*Job, error)
	GetJob(ctx context.Context, id int64) (*Job, error)
	GetNextBatch(ctx context.Context, workerID string, batchSize int, jobTypeFilter []string) ([]*Job, error)
	CompleteJob(ctx context.Context, id int64, output any) error
	FailJob(ctx context.Context, id int64, errMsg string, reason FailureReason) error
	ProlongJob(ctx context.Context, id int64) error
	RetryJob(ctx context.Context, id int64) error
	CancelJob(ctx context.Context, id int64) error
	CancelAllUpcomingJobs(ctx context.Context, filter JobFilter) (int, error)
	EditJob(ctx context.Context, id int64, updates EditJobOptions) (*Job, error)
	EditAllPendingJobs(ctx context.Context, filter JobFilter, updates EditJobOptions) (int, error)
	SetPendingReason(ctx context.Context, jobType string, reason string) error
	SetProgress(ctx context.Context, id int64, progress int) error

	ReclaimStuckJobs(ctx context.Context, maxAge int64) (int, error) // maxAge in minutes
	CleanupOldJobs(ctx context.Context, days int, batchSize int) (int, error)
	CleanupOldJobEvents(ctx context.Context, days int, batchSize int) (int, error)
	// WakeDueTimeWaits transitions waiting jobs whose waitUntil has
	// elapsed (and that are not also waiting on a token) back to
	// pending, so they can be claimed by getNextBatch again. Not named
	// in the distilled spec's storage contract but required for
	// ctx.waitFor/waitUntil to ever resume; see DESIGN.md.
	WakeDueTimeWaits(ctx context.Context) (int, error)

	GetJobs(ctx context.Context, opts ListOptions) (*ListResult, error)
	GetJobsByStatus(ctx context.Context, status JobStatus, opts ListOptions) (*ListResult, error)
	GetJobsByTags(ctx context.Context, tags []string, mode TagQueryMode, opts ListOptions) (*ListResult, error)

	WaitJob(ctx context.Context, id int64, waitUntil *time.Time, waitTokenID string, stepData StepData) error
	UpdateStepData(ctx context.Context, id int64, stepData StepData)

	// Waitpoints

	CreateWaitpoint(ctx context.Context, jobID *int64, opts CreateTokenOptions) (*Waitpoint, error)
	GetWaitpoint(ctx context.Context, id string) (*Waitpoint, error)
	CompleteWaitpoint(ctx context.Context, id string, data any) error
	ExpireTimedOutWaitpoints(ctx context.Context) (int, error)

	// Events

	RecordJobEvent(ctx context.Context, jobID int64, eventType EventType, metadata map[string]any)
	GetJobEvents(ctx context.Context, jobID int64, opts ListOptions) ([]*JobEvent, error)

	// Cron

	AddCronSchedule(ctx context.Context, opts CronScheduleOptions, nextRunAt time.Time) (*CronSchedule, error)
	GetCronSchedule(ctx context.Context, id int64) (*CronSchedule, error)
	GetCronScheduleByName(ctx context.Context, name string) (*CronSchedule, error)
	ListCronSchedules(ctx context.Context) ([]*CronSchedule, error)
	PauseCronSchedule(ctx context.Context, id int64) error
	ResumeCronSchedule(ctx context.Context, id int64) error
	EditCronSchedule(ctx context.Context, id int64, opts CronScheduleOptions, nextRunAt *time.Time) (*CronSchedule, error)
	RemoveCronSchedule(ctx context.Context, id int64) error
	GetDueCronSchedules(ctx context.Context) ([]*CronSchedule, error)
	UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, lastEnqueuedAt time.Time, lastJobID int64, nextRunAt time.Time) error

	// Now returns the backend's notion of the current time. All
	// comparisons (runAt, timeoutAt, nextRunAt) are made against this
	// clock so storage and engine never disagree about "now".
	Now(ctx context.Context) time.Time

	Close()
}
