package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BillyRonksGlobal/dataqueue/pkg/logger"
)

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	IntervalMs              int64
	StuckJobsTimeoutMinutes int64
	CleanupJobsDaysToKeep   int
	CleanupEventsDaysToKeep int
	CleanupBatchSize        int
	ReclaimStuckJobs        bool
	ExpireTimedOutTokens    bool
	OnError                 func(error)
	Verbose                 bool
}

func (o *SupervisorOptions) applyDefaults() {
	if o.IntervalMs <= 0 {
		o.IntervalMs = 60000
	}
	if o.StuckJobsTimeoutMinutes <= 0 {
		o.StuckJobsTimeoutMinutes = 10
	}
	if o.CleanupJobsDaysToKeep <= 0 {
		o.CleanupJobsDaysToKeep = 30
	}
	if o.CleanupEventsDaysToKeep <= 0 {
		o.CleanupEventsDaysToKeep = 30
	}
	if o.CleanupBatchSize <= 0 {
		o.CleanupBatchSize = 1000
	}
	if o.OnError == nil {
		o.OnError = func(error) {}
	}
}

// Supervisor runs periodic maintenance: reclaiming stuck jobs, expiring
// waitpoints, waking time-based waits, deleting old terminal jobs/events,
// and enqueuing due cron schedules.
type Supervisor struct {
	backend Backend
	emitter *Emitter
	opts    SupervisorOptions
	log     *logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
}

// NewSupervisor constructs a Supervisor.
func NewSupervisor(backend Backend, emitter *Emitter, log *logger.Logger, opts SupervisorOptions) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		backend: backend,
		emitter: emitter,
		opts:    opts,
		log:     log,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// IsRunning reports whether the background loop is active.
func (s *Supervisor) IsRunning() bool { return s.running.Load() }

// Start runs a single maintenance tick.
func (s *Supervisor) Start(ctx context.Context) {
	s.tick(ctx)
}

// StartInBackground runs Start on a fixed interval until Stop.
func (s *Supervisor) StartInBackground(ctx context.Context) {
	s.running.Store(true)
	go func() {
		defer close(s.done)
		defer s.running.Store(false)

		ticker := time.NewTicker(time.Duration(s.opts.IntervalMs) * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop signals the background loop to exit.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// StopAndDrain stops the loop and waits up to timeout for the current
// tick to finish.
func (s *Supervisor) StopAndDrain(timeout time.Duration) {
	s.Stop()
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.log.Warn("supervisor drain timed out")
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.runTask(func() error { return s.reclaim(ctx) })
	s.runTask(func() error { return s.cleanupJobs(ctx) })
	s.runTask(func() error { return s.cleanupEvents(ctx) })
	s.runTask(func() error { return s.wakeTimeWaits(ctx) })
	s.runTask(func() error { return s.expireWaitpoints(ctx) })
	s.runTask(func() error { return s.enqueueDueCron(ctx) })
}

// runTask isolates one maintenance task: a panic or error never stops
// the remaining tasks in the tick.
func (s *Supervisor) runTask(fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.OnError(&TransientError{Op: "supervisor task", Err: panicAsError(r)})
		}
	}()
	if err := fn(); err != nil {
		s.opts.OnError(err)
	}
}

func (s *Supervisor) reclaim(ctx context.Context) error {
	if !s.opts.ReclaimStuckJobs {
		return nil
	}
	n, err := s.backend.ReclaimStuckJobs(ctx, s.opts.StuckJobsTimeoutMinutes)
	if err != nil {
		return err
	}
	if n > 0 && s.opts.Verbose {
		s.log.Infof("reclaimed %d stuck jobs", n)
	}
	return nil
}

func (s *Supervisor) cleanupJobs(ctx context.Context) error {
	n, err := s.backend.CleanupOldJobs(ctx, s.opts.CleanupJobsDaysToKeep, s.opts.CleanupBatchSize)
	if err != nil {
		return err
	}
	if n > 0 && s.opts.Verbose {
		s.log.Infof("cleaned up %d old jobs", n)
	}
	return nil
}

func (s *Supervisor) cleanupEvents(ctx context.Context) error {
	n, err := s.backend.CleanupOldJobEvents(ctx, s.opts.CleanupEventsDaysToKeep, s.opts.CleanupBatchSize)
	if err != nil {
		return err
	}
	if n > 0 && s.opts.Verbose {
		s.log.Infof("cleaned up %d old job events", n)
	}
	return nil
}

func (s *Supervisor) wakeTimeWaits(ctx context.Context) error {
	n, err := s.backend.WakeDueTimeWaits(ctx)
	if err != nil {
		return err
	}
	if n > 0 && s.opts.Verbose {
		s.log.Infof("woke %d time-based waits", n)
	}
	return nil
}

func (s *Supervisor) expireWaitpoints(ctx context.Context) error {
	if !s.opts.ExpireTimedOutTokens {
		return nil
	}
	n, err := s.backend.ExpireTimedOutWaitpoints(ctx)
	if err != nil {
		return err
	}
	if n > 0 && s.opts.Verbose {
		s.log.Infof("expired %d timed-out waitpoints", n)
	}
	return nil
}

func (s *Supervisor) enqueueDueCron(ctx context.Context) error {
	due, err := s.backend.GetDueCronSchedules(ctx)
	if err != nil {
		return err
	}

	for _, sched := range due {
		if err := s.enqueueOneCron(ctx, sched); err != nil {
			s.opts.OnError(err)
		}
	}
	return nil
}

func (s *Supervisor) enqueueOneCron(ctx context.Context, sched *CronSchedule) error {
	_, err := enqueueDueSchedule(ctx, s.backend, sched)
	return err
}

func isTerminal(s JobStatus) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func valueOr(p *int64, def int64) int64 {
	if p == nil {
		return def
	}
	return *p
}

func panicAsError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &PermanentError{Op: "panic", Err: errPanic{r}}
}

type errPanic struct{ v any }

func (e errPanic) Error() string { return "recovered panic" }
