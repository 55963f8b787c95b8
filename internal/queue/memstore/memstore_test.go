package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
)

func TestAddJobAndGetJob(t *testing.T) {
	b := New()
	ctx := context.Background()

	job, err := b.AddJob(ctx, queue.JobOptions{JobType: "send_email", Payload: map[string]any{"to": "a@b.com"}})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, "send_email", job.JobType)

	fetched, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, fetched.ID)
}

func TestGetJobNotFound(t *testing.T) {
	b := New()
	_, err := b.GetJob(context.Background(), 999)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestAddJobIdempotencyKeyReturnsExistingJob(t *testing.T) {
	b := New()
	ctx := context.Background()

	first, err := b.AddJob(ctx, queue.JobOptions{JobType: "charge_card", IdempotencyKey: "order-123"})
	require.NoError(t, err)

	second, err := b.AddJob(ctx, queue.JobOptions{JobType: "charge_card", IdempotencyKey: "order-123"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "a repeated idempotency key must resolve to the same job, never a new one")
}

func TestAddJobIdempotencyKeyOnFailedJobDoesNotRevive(t *testing.T) {
	b := New()
	ctx := context.Background()

	job, err := b.AddJob(ctx, queue.JobOptions{JobType: "charge_card", MaxAttempts: 1, IdempotencyKey: "order-9"})
	require.NoError(t, err)

	_, err = b.GetNextBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)
	require.NoError(t, b.FailJob(ctx, job.ID, "card declined", queue.ReasonHandlerError))

	failed, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, failed.Status)

	again, err := b.AddJob(ctx, queue.JobOptions{JobType: "charge_card", IdempotencyKey: "order-9"})
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, queue.StatusFailed, again.Status, "a duplicate enqueue must not revive a failed job")
}

func TestGetNextBatchOrdersByPriorityThenRunAtThenID(t *testing.T) {
	b := New()
	ctx := context.Background()
	now := time.Now().UTC()

	low, _ := b.AddJob(ctx, queue.JobOptions{JobType: "t", Priority: 0, RunAt: now})
	high, _ := b.AddJob(ctx, queue.JobOptions{JobType: "t", Priority: 10, RunAt: now})
	mid, _ := b.AddJob(ctx, queue.JobOptions{JobType: "t", Priority: 5, RunAt: now})

	batch, err := b.GetNextBatch(ctx, "worker-1", 10, nil)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, high.ID, batch[0].ID)
	assert.Equal(t, mid.ID, batch[1].ID)
	assert.Equal(t, low.ID, batch[2].ID)
}

func TestGetNextBatchSkipsNotYetDueJobs(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.AddJob(ctx, queue.JobOptions{JobType: "t", RunAt: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)

	batch, err := b.GetNextBatch(ctx, "worker-1", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestGetNextBatchFiltersByJobType(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.AddJob(ctx, queue.JobOptions{JobType: "send_email"})
	require.NoError(t, err)
	wanted, err := b.AddJob(ctx, queue.JobOptions{JobType: "send_sms"})
	require.NoError(t, err)

	batch, err := b.GetNextBatch(ctx, "worker-1", 10, []string{"send_sms"})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, wanted.ID, batch[0].ID)
}

func TestGetNextBatchClaimsAndIncrementsAttempts(t *testing.T) {
	b := New()
	ctx := context.Background()
	job, err := b.AddJob(ctx, queue.JobOptions{JobType: "t"})
	require.NoError(t, err)

	batch, err := b.GetNextBatch(ctx, "worker-7", 10, nil)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, queue.StatusProcessing, batch[0].Status)
	assert.Equal(t, 1, batch[0].Attempts)
	assert.Equal(t, "worker-7", batch[0].LockedBy)
	assert.NotNil(t, batch[0].StartedAt)

	again, err := b.GetNextBatch(ctx, "worker-8", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, again, "a job already claimed must not be claimed again")
	_ = job
}

func TestFailJobRetriesWithBackoffUnderMaxAttempts(t *testing.T) {
	b := New()
	ctx := context.Background()
	job, err := b.AddJob(ctx, queue.JobOptions{JobType: "t", MaxAttempts: 5})
	require.NoError(t, err)

	_, err = b.GetNextBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, b.FailJob(ctx, job.ID, "boom", queue.ReasonHandlerError))

	failed, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, failed.Status, "a job under MaxAttempts must return to pending for retry")
	require.Len(t, failed.ErrorHistory, 1)
	assert.Equal(t, "boom", failed.ErrorHistory[0].Message)
	assert.True(t, failed.RunAt.After(before), "the retried run time must be pushed out by backoff")
	assert.Equal(t, queue.RetryBackoff(1).Round(time.Second), failed.RunAt.Sub(before).Round(time.Second))
}

func TestFailJobTerminatesAtMaxAttempts(t *testing.T) {
	b := New()
	ctx := context.Background()
	job, err := b.AddJob(ctx, queue.JobOptions{JobType: "t", MaxAttempts: 1})
	require.NoError(t, err)

	_, err = b.GetNextBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)
	require.NoError(t, b.FailJob(ctx, job.ID, "fatal", queue.ReasonHandlerError))

	failed, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, failed.Status)
	assert.Equal(t, queue.ReasonHandlerError, failed.FailureReason)
}

func TestCompleteJobStoresOutput(t *testing.T) {
	b := New()
	ctx := context.Background()
	job, err := b.AddJob(ctx, queue.JobOptions{JobType: "t"})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)

	require.NoError(t, b.CompleteJob(ctx, job.ID, map[string]any{"result": "ok"}))

	done, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "ok", done.Output.(map[string]any)["result"])
}

func TestCancelJobOnlyValidFromPending(t *testing.T) {
	b := New()
	ctx := context.Background()
	job, err := b.AddJob(ctx, queue.JobOptions{JobType: "t"})
	require.NoError(t, err)

	require.NoError(t, b.CancelJob(ctx, job.ID))
	cancelled, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, cancelled.Status)

	err = b.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrNotPending, "cancelling an already-terminal job must fail")
}

func TestCancelAllUpcomingJobsOnlyAffectsPending(t *testing.T) {
	b := New()
	ctx := context.Background()

	pending, err := b.AddJob(ctx, queue.JobOptions{JobType: "cleanup", Tags: []string{"batch-1"}})
	require.NoError(t, err)
	running, err := b.AddJob(ctx, queue.JobOptions{JobType: "cleanup", Tags: []string{"batch-1"}})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)

	n, err := b.CancelAllUpcomingJobs(ctx, queue.JobFilter{JobTypes: []string{"cleanup"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the pending job should be cancelled, not the one already claimed")

	p, _ := b.GetJob(ctx, pending.ID)
	r, _ := b.GetJob(ctx, running.ID)
	assert.Equal(t, queue.StatusCancelled, p.Status)
	assert.Equal(t, queue.StatusProcessing, r.Status)
}

func TestReclaimStuckJobsResetsLongLockedJobs(t *testing.T) {
	b := New()
	ctx := context.Background()
	job, err := b.AddJob(ctx, queue.JobOptions{JobType: "t", MaxAttempts: 3})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, "w1", 10, nil)
	require.NoError(t, err)

	stuck := b.jobs[job.ID]
	old := time.Now().UTC().Add(-time.Hour)
	stuck.LockedAt = &old

	n, err := b.ReclaimStuckJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, reclaimed.Status)
}

func TestCronScheduleLifecycle(t *testing.T) {
	b := New()
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Minute)

	sched, err := b.AddCronSchedule(ctx, queue.CronScheduleOptions{
		ScheduleName:   "nightly-digest",
		CronExpression: "0 0 * * *",
		JobType:        "send_digest",
		Timezone:       "UTC",
		MaxAttempts:    3,
	}, next)
	require.NoError(t, err)
	assert.Equal(t, queue.CronActive, sched.Status)

	require.NoError(t, b.PauseCronSchedule(ctx, sched.ID))
	paused, err := b.GetCronSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.CronPaused, paused.Status)

	require.NoError(t, b.ResumeCronSchedule(ctx, sched.ID))
	resumed, err := b.GetCronSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.CronActive, resumed.Status)

	require.NoError(t, b.RemoveCronSchedule(ctx, sched.ID))
	_, err = b.GetCronSchedule(ctx, sched.ID)
	assert.ErrorIs(t, err, queue.ErrScheduleNotFound)
}

func TestWaitpointCreateAndComplete(t *testing.T) {
	b := New()
	ctx := context.Background()
	job, err := b.AddJob(ctx, queue.JobOptions{JobType: "t"})
	require.NoError(t, err)

	wp, err := b.CreateWaitpoint(ctx, &job.ID, queue.CreateTokenOptions{Tags: []string{"approval"}})
	require.NoError(t, err)
	assert.Equal(t, queue.WaitpointPending, wp.Status)

	require.NoError(t, b.CompleteWaitpoint(ctx, wp.ID, map[string]any{"approved": true}))

	completed, err := b.GetWaitpoint(ctx, wp.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.WaitpointCompleted, completed.Status)
	assert.Equal(t, true, completed.Data.(map[string]any)["approved"])
}
