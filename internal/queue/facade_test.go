package queue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BillyRonksGlobal/dataqueue/internal/queue"
	"github.com/BillyRonksGlobal/dataqueue/internal/queue/memstore"
	"github.com/BillyRonksGlobal/dataqueue/pkg/logger"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, _ := newTestQueueWithBackend(t)
	return q
}

func newTestQueueWithBackend(t *testing.T) (*queue.Queue, *memstore.Backend) {
	t.Helper()
	backend := memstore.New()
	return queue.New(backend, logger.Default()), backend
}

func TestQueueAddJobAndGetJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.AddJob(ctx, queue.JobOptions{JobType: "send_email", Priority: 1})
	require.NoError(t, err)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, queue.StatusPending, got.Status)
}

func TestQueueEnqueueBatchReportsPerItemErrors(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	results, errs := q.EnqueueBatch(ctx, []queue.JobOptions{
		{JobType: "a"},
		{JobType: "b"},
	})
	require.Len(t, results, 2)
	require.Len(t, errs, 2)
	for i, err := range errs {
		assert.NoError(t, err)
		assert.NotNil(t, results[i])
	}
}

func TestQueueProcessorCompletesJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.AddJob(ctx, queue.JobOptions{JobType: "greet", Payload: "world"})
	require.NoError(t, err)

	proc := q.CreateProcessor(queue.ProcessorOptions{
		BatchSize:   5,
		Concurrency: 2,
		Handlers: map[string]queue.Handler{
			"greet": func(payload any, cancel <-chan struct{}, hctx *queue.HandlerContext) (any, error) {
				return "hello, " + payload.(string), nil
			},
		},
	})

	n, err := proc.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.Equal(t, "hello, world", done.Output)
}

func TestQueueProcessorFailsJobWithoutHandler(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.AddJob(ctx, queue.JobOptions{JobType: "unregistered", MaxAttempts: 1})
	require.NoError(t, err)

	proc := q.CreateProcessor(queue.ProcessorOptions{Handlers: map[string]queue.Handler{}})
	_, err = proc.Start(ctx)
	require.NoError(t, err)

	failed, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, failed.Status)
	assert.Equal(t, queue.ReasonNoHandler, failed.FailureReason)
}

func TestQueueProcessorRetriesOnHandlerError(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.AddJob(ctx, queue.JobOptions{JobType: "flaky", MaxAttempts: 3})
	require.NoError(t, err)

	var calls atomic.Int32
	proc := q.CreateProcessor(queue.ProcessorOptions{
		Handlers: map[string]queue.Handler{
			"flaky": func(payload any, cancel <-chan struct{}, hctx *queue.HandlerContext) (any, error) {
				calls.Add(1)
				return nil, assertErr("transient failure")
			},
		},
	})

	_, err = proc.Start(ctx)
	require.NoError(t, err)

	retried, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, retried.Status, "a handler error under MaxAttempts must leave the job pending for retry")
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueueHandlerContextStepMemoizationAcrossResume(t *testing.T) {
	q, backend := newTestQueueWithBackend(t)
	ctx := context.Background()

	_, err := q.AddJob(ctx, queue.JobOptions{JobType: "onboarding"})
	require.NoError(t, err)

	var stepCalls atomic.Int32
	handler := func(payload any, cancel <-chan struct{}, hctx *queue.HandlerContext) (any, error) {
		v, err := hctx.Run("create-account", func() (any, error) {
			stepCalls.Add(1)
			return "account-1", nil
		})
		if err != nil {
			return nil, err
		}
		hctx.WaitUntil(time.Now().Add(-time.Second)) // already due, resumes immediately
		return v, nil
	}

	proc := q.CreateProcessor(queue.ProcessorOptions{
		Handlers: map[string]queue.Handler{"onboarding": handler},
	})

	// First pass: runs the step, then suspends on the wait.
	_, err = proc.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stepCalls.Load())

	// Wake the due wait so the job is eligible again.
	woken, err := backend.WakeDueTimeWaits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, woken)

	// Second pass: the step must not run again.
	n, err := proc.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), stepCalls.Load(), "a memoized step must not re-run on replay after resume")
}

func TestQueueCreateTokenAndCompleteTokenResumesJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.AddJob(ctx, queue.JobOptions{JobType: "approval"})
	require.NoError(t, err)

	tokenCh := make(chan string, 1)
	handler := func(payload any, cancel <-chan struct{}, hctx *queue.HandlerContext) (any, error) {
		wp, err := hctx.CreateToken(queue.CreateTokenOptions{})
		if err != nil {
			return nil, err
		}
		select {
		case tokenCh <- wp.ID:
		default:
		}
		res := hctx.WaitForToken(wp.ID)
		return res.Data, nil
	}

	proc := q.CreateProcessor(queue.ProcessorOptions{
		Handlers: map[string]queue.Handler{"approval": handler},
	})

	_, err = proc.Start(ctx)
	require.NoError(t, err)

	var tokenID string
	select {
	case tokenID = <-tokenCh:
	case <-time.After(time.Second):
		t.Fatal("handler never created a token")
	}

	require.NoError(t, q.CompleteToken(ctx, tokenID, "approved"))

	n, err := proc.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the job must be claimable again once its token resolves")
}

func TestQueueCancelJobRejectsTerminalJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.AddJob(ctx, queue.JobOptions{JobType: "t"})
	require.NoError(t, err)
	require.NoError(t, q.CancelJob(ctx, job.ID))

	err = q.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrNotPending)
}

func TestQueueCronJobLifecycleAndDueEnqueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	sched, err := q.AddCronJob(ctx, queue.CronScheduleOptions{
		ScheduleName:   "hourly-sync",
		CronExpression: "* * * * *",
		JobType:        "sync",
		Timezone:       "UTC",
		MaxAttempts:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, queue.CronActive, sched.Status)

	require.NoError(t, q.PauseCronJob(ctx, sched.ID))
	n, err := q.EnqueueDueCronJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a paused schedule must never enqueue")

	require.NoError(t, q.ResumeCronJob(ctx, sched.ID))
}

func TestQueueRecordsJobEventsAcrossLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.AddJob(ctx, queue.JobOptions{JobType: "send_email", MaxAttempts: 1})
	require.NoError(t, err)

	proc := q.CreateProcessor(queue.ProcessorOptions{
		Handlers: map[string]queue.Handler{
			"send_email": func(payload any, cancel <-chan struct{}, hctx *queue.HandlerContext) (any, error) {
				return "sent", nil
			},
		},
	})
	_, err = proc.Start(ctx)
	require.NoError(t, err)

	events, err := q.GetJobEvents(ctx, job.ID, queue.ListOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, events, "a completed job must have a recorded history")

	var types []queue.EventType
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, queue.EventAdded)
	assert.Contains(t, types, queue.EventCompleted)
}

func TestQueueRecordsFailedJobEvent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.AddJob(ctx, queue.JobOptions{JobType: "unregistered", MaxAttempts: 1})
	require.NoError(t, err)

	proc := q.CreateProcessor(queue.ProcessorOptions{Handlers: map[string]queue.Handler{}})
	_, err = proc.Start(ctx)
	require.NoError(t, err)

	events, err := q.GetJobEvents(ctx, job.ID, queue.ListOptions{})
	require.NoError(t, err)

	var types []queue.EventType
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, queue.EventAdded)
	assert.Contains(t, types, queue.EventFailed)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
