package queue

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BillyRonksGlobal/dataqueue/pkg/logger"
)

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	WorkerID         string
	BatchSize        int
	Concurrency      int
	PollInterval     time.Duration
	JobType          []string
	Handlers         map[string]Handler
	Verbose          bool
	OnError          func(error)
	DefaultTimeoutMs int64
}

func (o *ProcessorOptions) applyDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.Concurrency > o.BatchSize {
		o.Concurrency = o.BatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.OnError == nil {
		o.OnError = func(error) {}
	}
}

// Processor claims batches of ready jobs and dispatches them to
// registered handlers with bounded concurrency, per-job timeouts, and
// optional hard-kill isolation.
type Processor struct {
	backend Backend
	emitter *Emitter
	opts    ProcessorOptions
	log     *logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	inFlight sync.WaitGroup
	draining atomic.Bool
}

// NewProcessor constructs a Processor. Handlers registered with
// ForceKillOnTimeout jobs in mind must be plain package-level functions
// (not closures) — see validateForceKillable.
func NewProcessor(backend Backend, emitter *Emitter, log *logger.Logger, opts ProcessorOptions) *Processor {
	opts.applyDefaults()
	return &Processor{
		backend: backend,
		emitter: emitter,
		opts:    opts,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Start claims one batch and processes it to completion, returning the
// number of jobs processed.
func (p *Processor) Start(ctx context.Context) (int, error) {
	batch, err := p.backend.GetNextBatch(ctx, p.opts.WorkerID, p.opts.BatchSize, p.opts.JobType)
	if err != nil {
		if !IsTransient(err) && !IsPermanent(err) {
			err = &TransientError{Op: "getNextBatch", Err: err}
		}
		p.opts.OnError(err)
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for _, job := range batch {
		job := job
		p.inFlight.Add(1)
		g.Go(func() error {
			defer p.inFlight.Done()
			p.runJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return len(batch), nil
}

// StartInBackground repeatedly calls Start, sleeping PollInterval
// between drains unless the last claim returned a full batch (in which
// case it re-fires immediately, since more work is likely waiting).
func (p *Processor) StartInBackground(ctx context.Context) {
	go func() {
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			n, err := p.Start(ctx)
			if err != nil && p.opts.Verbose {
				p.log.WithError(err).Warn("processor batch failed")
			}

			if n >= p.opts.BatchSize {
				continue
			}

			select {
			case <-time.After(p.opts.PollInterval):
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the background loop to exit after its current batch.
// It does not wait for in-flight handlers; use StopAndDrain for that.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// StopAndDrain stops accepting new batches and waits up to timeout for
// in-flight handlers to finish.
func (p *Processor) StopAndDrain(timeout time.Duration) {
	p.draining.Store(true)
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Warn("processor drain timed out with handlers still in flight")
	}
}

func (p *Processor) runJob(ctx context.Context, job *Job) {
	handler, ok := p.opts.Handlers[job.JobType]
	if !ok {
		_ = p.backend.SetPendingReason(ctx, job.JobType, "no handler registered")
		_ = p.backend.FailJob(ctx, job.ID, "no handler registered for job type "+job.JobType, ReasonNoHandler)
		p.emitter.Emit(Event{Type: EventFailed, Job: job, Meta: map[string]any{"reason": ReasonNoHandler}})
		return
	}

	if job.ForceKillOnTimeout {
		if err := validateForceKillable(handler); err != nil {
			_ = p.backend.FailJob(ctx, job.ID, err.Error(), ReasonHandlerError)
			p.emitter.Emit(Event{Type: EventFailed, Job: job, Meta: map[string]any{"reason": ReasonHandlerError}})
			return
		}
	}

	p.emitter.Emit(Event{Type: EventProcessing, Job: job})

	timeoutMs := job.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = p.opts.DefaultTimeoutMs
	}

	jobCtx, cancelJobCtx := context.WithCancel(ctx)
	defer cancelJobCtx()

	cancelCh := make(chan struct{})
	var timedOut atomic.Bool
	var timer *time.Timer
	if timeoutMs > 0 {
		timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
			timedOut.Store(true)
			close(cancelCh)
			cancelJobCtx()
		})
		defer timer.Stop()
	}

	hctx := newHandlerContext(jobCtx, p.backend, job, p.emitter, p.log)

	type result struct {
		output any
		err    error
		suspended bool
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(suspendSignal); ok {
					resultCh <- result{suspended: true}
					return
				}
				if err, ok := r.(error); ok {
					resultCh <- result{err: err}
					return
				}
				resultCh <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := handler(job.Payload, cancelCh, hctx)
		resultCh <- result{output: out, err: err}
	}()

	var res result
	if job.ForceKillOnTimeout && timer != nil {
		// Hard-kill isolation: the processor does not wait for the
		// handler goroutine past the deadline. Go cannot terminate a
		// running goroutine; the isolation boundary here is that the
		// row is freed immediately for reclaim rather than held open
		// for however long the runaway handler keeps running.
		select {
		case res = <-resultCh:
		case <-cancelCh:
			res = result{err: fmt.Errorf("job exceeded timeout of %dms", timeoutMs)}
		}
	} else {
		res = <-resultCh
	}

	if res.suspended {
		return
	}

	if res.err != nil {
		reason := ReasonHandlerError
		if timedOut.Load() {
			reason = ReasonTimeout
		}
		_ = p.backend.FailJob(ctx, job.ID, res.err.Error(), reason)
		p.emitter.Emit(Event{Type: EventFailed, Job: job, Meta: map[string]any{"reason": reason, "error": res.err.Error()}})
		return
	}

	if res.output != nil {
		job.Output = res.output
	}
	if err := p.backend.CompleteJob(ctx, job.ID, job.Output); err != nil {
		p.opts.OnError(err)
		return
	}
	p.emitter.Emit(Event{Type: EventCompleted, Job: job})
}

// validateForceKillable rejects handlers that are anonymous closures,
// since those are likely to capture mutable outer state that a hard
// kill could leave half-mutated. Named, package-level functions are the
// only ones accepted for ForceKillOnTimeout jobs.
func validateForceKillable(h Handler) error {
	name := runtime.FuncForPC(reflect.ValueOf(h).Pointer()).Name()
	if strings.Contains(name, ".func") {
		return fmt.Errorf("dataqueue: handler %q looks like a closure; forceKillOnTimeout requires a named, self-contained function", name)
	}
	return nil
}
