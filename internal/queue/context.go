package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/BillyRonksGlobal/dataqueue/pkg/logger"
)

// WaitDuration is the argument to HandlerContext.WaitFor: the sum of its
// fields is the delay before the job becomes eligible again.
type WaitDuration struct {
	Seconds int
	Minutes int
	Hours   int
	Days    int
}

func (w WaitDuration) duration() time.Duration {
	return time.Duration(w.Seconds)*time.Second +
		time.Duration(w.Minutes)*time.Minute +
		time.Duration(w.Hours)*time.Hour +
		time.Duration(w.Days)*24*time.Hour
}

// WaitForTokenResult is what HandlerContext.WaitForToken resolves to once
// the token is no longer pending.
type WaitForTokenResult struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// HandlerContext is passed to every handler invocation alongside the job
// payload and a cancellation signal. It is the only way a handler
// touches durable state: steps, waits, tokens, progress, and output all
// flow through it so the processor can observe and persist every
// decision the handler makes.
type HandlerContext struct {
	ctx     context.Context
	backend Backend
	job     *Job
	emitter *Emitter
	log     *logger.Logger

	stepNames map[string]bool
	waitSeq   int
}

func newHandlerContext(ctx context.Context, backend Backend, job *Job, emitter *Emitter, log *logger.Logger) *HandlerContext {
	if job.StepData == nil {
		job.StepData = StepData{}
	}
	return &HandlerContext{
		ctx:       ctx,
		backend:   backend,
		job:       job,
		emitter:   emitter,
		log:       log,
		stepNames: make(map[string]bool),
	}
}

// Context returns the underlying context.Context, cancelled when the
// job's timeout fires or when the context passed to Processor.Start is
// cancelled. Handlers performing their own I/O should pass it through.
func (c *HandlerContext) Context() context.Context { return c.ctx }

// Run memoizes a named step: on the first invocation that reaches this
// step, fn is executed and its return value persisted into the job's
// step data before the next step begins; on every later invocation
// (i.e. after a retry or a resume from a wait) the cached value is
// returned and fn is never called. Step names must be unique within a
// single job; reusing one panics with ErrDuplicateStep, since a
// duplicate name means the handler is no longer deterministic across
// replays.
func (c *HandlerContext) Run(name string, fn func() (any, error)) (any, error) {
	if c.stepNames[name] {
		panic(fmt.Errorf("%w: %s", ErrDuplicateStep, name))
	}
	c.stepNames[name] = true

	if v, ok := c.job.StepData[name]; ok {
		return v, nil
	}

	v, err := fn()
	if err != nil {
		return nil, err
	}
	c.job.StepData[name] = v
	c.backend.UpdateStepData(c.ctx, c.job.ID, c.job.StepData)
	return v, nil
}

// nextWaitKey hands out a stable, call-order-derived key for the
// implicit wait/token sites (waitFor, waitUntil, createToken,
// waitForToken have no user-supplied name in their surface, unlike
// Run). Determinism relies on the handler reaching these call sites in
// the same order on every replay, exactly as it must for Run's cache to
// line up.
func (c *HandlerContext) nextWaitKey(kind string) string {
	c.waitSeq++
	return fmt.Sprintf("__%s_%d", kind, c.waitSeq)
}

// WaitFor suspends the job until now+duration, persisting current step
// data first. On resume the handler is re-invoked from the top; this
// call site, once its wait has already been recorded, becomes a no-op
// and execution continues past it.
func (c *HandlerContext) WaitFor(d WaitDuration) {
	c.WaitUntil(time.Now().Add(d.duration()))
}

// WaitUntil is WaitFor with an absolute time.
func (c *HandlerContext) WaitUntil(at time.Time) {
	key := c.nextWaitKey("wait")
	if _, ok := c.job.StepData[key]; ok {
		return
	}
	c.job.StepData[key] = true
	until := at
	if err := c.backend.WaitJob(c.ctx, c.job.ID, &until, "", c.job.StepData); err != nil {
		panic(fmt.Errorf("waitUntil: %w", err))
	}
	c.emitter.Emit(Event{Type: EventWaiting, Job: c.job, Meta: map[string]any{"waitUntil": until}})
	panic(suspendSignal{})
}

// CreateToken creates a waitpoint bound to this job. The created token's
// id is memoized so a replay does not mint a second, orphaned token.
func (c *HandlerContext) CreateToken(opts CreateTokenOptions) (*Waitpoint, error) {
	key := c.nextWaitKey("token")
	if v, ok := c.job.StepData[key]; ok {
		if id, ok := v.(string); ok {
			return c.backend.GetWaitpoint(c.ctx, id)
		}
	}
	wp, err := c.backend.CreateWaitpoint(c.ctx, &c.job.ID, opts)
	if err != nil {
		return nil, err
	}
	c.job.StepData[key] = wp.ID
	c.backend.UpdateStepData(c.ctx, c.job.ID, c.job.StepData)
	return wp, nil
}

// WaitForToken suspends until the token is completed or expired. It
// checks the token's live status on every invocation (rather than
// caching an outcome) because the token row, not step data, is the
// durable record of whether it resolved.
func (c *HandlerContext) WaitForToken(tokenID string) WaitForTokenResult {
	wp, err := c.backend.GetWaitpoint(c.ctx, tokenID)
	if err != nil {
		panic(fmt.Errorf("waitForToken: %w", err))
	}

	switch wp.Status {
	case WaitpointCompleted:
		return WaitForTokenResult{OK: true, Data: wp.Data}
	case WaitpointExpired:
		return WaitForTokenResult{OK: false, Error: "timeout"}
	}

	if err := c.backend.WaitJob(c.ctx, c.job.ID, nil, tokenID, c.job.StepData); err != nil {
		panic(fmt.Errorf("waitForToken: %w", err))
	}
	c.emitter.Emit(Event{Type: EventWaiting, Job: c.job, Meta: map[string]any{"waitTokenId": tokenID}})
	panic(suspendSignal{})
}

// Prolong heartbeats the job's lock so the supervisor does not reclaim
// it while a long-running handler is still making progress.
func (c *HandlerContext) Prolong() error {
	return c.backend.ProlongJob(c.ctx, c.job.ID)
}

// SetProgress records 0-100 progress on the job, emitting a progress
// event when the value actually changes.
func (c *HandlerContext) SetProgress(n int) error {
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	if n == c.job.Progress {
		return nil
	}
	c.job.Progress = n
	if err := c.backend.SetProgress(c.ctx, c.job.ID, n); err != nil {
		return err
	}
	c.emitter.Emit(Event{Type: EventProgress, Job: c.job, Meta: map[string]any{"progress": n}})
	return nil
}

// SetOutput stores the handler's result on the job row; it is persisted
// when the job completes. A non-nil value returned by the handler takes
// precedence over it.
func (c *HandlerContext) SetOutput(v any) { c.job.Output = v }

// Log writes a structured log line tagged with this job's id and type.
func (c *HandlerContext) Log(msg string, fields ...any) {
	l := c.log.WithField("job_id", c.job.ID).WithField("job_type", c.job.JobType)
	l.Infof("%s %v", msg, fields)
}
