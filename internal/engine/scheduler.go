package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lewta/admit/internal/clock"
	"github.com/lewta/admit/internal/config"
	"github.com/lewta/admit/internal/driver"
	"github.com/lewta/admit/internal/metrics"
	"github.com/lewta/admit/internal/ratelimit"
	"github.com/lewta/admit/internal/task"
)

// ErrNotDispatched wraps the caller's context error for a request whose
// context ended before its turn came. The request was never sent.
var ErrNotDispatched = errors.New("request not dispatched")

// errStopped is returned by pause when Stop interrupts a wait.
var errStopped = errors.New("scheduler stopped")

// SchedulerConfig controls the admission loop's fixed delays and sizing.
type SchedulerConfig struct {
	Scope          string
	InterRequest   time.Duration
	InterBatch     time.Duration
	Idle           time.Duration
	DiscoveryBatch int     // batch size while the scope has no known rule
	MaxRPS         float64 // local ceiling; 0 disables it
}

// SchedulerConfigFrom converts the YAML scheduler section.
func SchedulerConfigFrom(c config.SchedulerConfig) SchedulerConfig {
	return SchedulerConfig{
		Scope:          c.Scope,
		InterRequest:   time.Duration(c.InterRequestMs) * time.Millisecond,
		InterBatch:     time.Duration(c.InterBatchMs) * time.Millisecond,
		Idle:           time.Duration(c.IdleMs) * time.Millisecond,
		DiscoveryBatch: c.DiscoveryBatch,
		MaxRPS:         c.MaxRPS,
	}
}

type pending struct {
	ctx    context.Context
	task   task.Task
	result chan task.Result
}

// Scheduler drains a FIFO queue of tasks through a Driver without exceeding
// any rate-limit rule known to the registry for its scope. A single loop
// goroutine is the only consumer of the queue; Enqueue may be called from
// any goroutine.
type Scheduler struct {
	reg     *ratelimit.Registry
	drv     driver.Driver
	clk     clockwork.Clock
	cfg     SchedulerConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics

	mu      sync.Mutex
	queue   []*pending
	running bool
	stop    chan struct{}
	done    chan struct{}

	enqueued chan struct{}
	batches  int // owned by the loop goroutine
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(reg *ratelimit.Registry, drv driver.Driver, clk clockwork.Clock, cfg SchedulerConfig, m *metrics.Metrics) *Scheduler {
	if cfg.DiscoveryBatch <= 0 {
		cfg.DiscoveryBatch = 1
	}
	if m == nil {
		m = metrics.Noop()
	}
	s := &Scheduler{
		reg:      reg,
		drv:      drv,
		clk:      clk,
		cfg:      cfg,
		metrics:  m,
		enqueued: make(chan struct{}, 1),
	}
	if cfg.MaxRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}
	return s
}

// Enqueue appends t to the tail of the queue. The returned channel receives
// exactly one Result once t has been dispatched, or rejected because ctx
// ended before its turn came.
func (s *Scheduler) Enqueue(ctx context.Context, t task.Task) <-chan task.Result {
	p := &pending{ctx: ctx, task: t, result: make(chan task.Result, 1)}

	s.mu.Lock()
	s.queue = append(s.queue, p)
	n := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(n)
	select {
	case s.enqueued <- struct{}{}:
	default:
	}
	return p.result
}

// Do enqueues t and waits for its result. If ctx ends first the request
// stays queued and is rejected with ctx's error when its turn comes.
func (s *Scheduler) Do(ctx context.Context, t task.Task) task.Result {
	ch := s.Enqueue(ctx, t)
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return task.Result{Task: t, Error: ctx.Err()}
	}
}

// Len returns the number of queued, undispatched requests.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running reports whether the admission loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start begins the admission loop. It is a no-op if the loop is already
// running. The loop ends when Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	prev := s.done
	stop := make(chan struct{})
	done := make(chan struct{})
	s.running = true
	s.stop, s.done = stop, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		// A loop stopped a moment ago may still be finishing a dispatch.
		if prev != nil {
			<-prev
		}
		s.loop(ctx, stop)
	}()
}

// Stop asks the loop to exit at its next check point. An in-flight
// dispatch completes; queued requests stay queued for a later Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
}

// Wait blocks until the most recently started loop has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.stop == stop {
			s.running = false
		}
		s.mu.Unlock()
		log.Debug().Str("scope", s.cfg.Scope).Msg("scheduler loop exited")
	}()

	log.Debug().Str("scope", s.cfg.Scope).Msg("scheduler loop started")

	for {
		if stopped(ctx, stop) {
			return
		}

		if s.Len() == 0 {
			if err := s.pause(ctx, stop, s.cfg.Idle, s.enqueued); err != nil {
				return
			}
			continue
		}

		waited, err := s.awaitReachable(ctx, stop)
		if err != nil {
			return
		}

		batch := s.take(s.batchSize(s.clk.Now()))
		if len(batch) == 0 {
			continue
		}
		s.batches++
		log.Debug().Str("scope", s.cfg.Scope).Int("batch", s.batches).Int("size", len(batch)).Int("queued", s.Len()).Msg("admitting batch")
		s.metrics.ObserveBatch(len(batch))

		if err := s.runBatch(ctx, stop, batch, waited); err != nil {
			return
		}
		if err := s.pause(ctx, stop, s.cfg.InterBatch, nil); err != nil {
			return
		}
	}
}

// runBatch dispatches batch sequentially. On stop or cancellation the
// undispatched remainder is put back at the head of the queue. waited is
// the unreachable time spent before the batch was taken; it is charged to
// the batch's first request.
func (s *Scheduler) runBatch(ctx context.Context, stop chan struct{}, batch []*pending, waited time.Duration) error {
	for i, p := range batch {
		if i > 0 {
			waited = 0
			if err := s.pause(ctx, stop, s.cfg.InterRequest, nil); err != nil {
				s.requeue(batch[i:])
				return err
			}
		}
		// An earlier response in this batch may have shrunk the allowance.
		w, err := s.awaitReachable(ctx, stop)
		if err != nil {
			s.requeue(batch[i:])
			return err
		}
		if err := s.awaitLimiter(ctx, stop); err != nil {
			s.requeue(batch[i:])
			return err
		}
		s.dispatch(ctx, p, task.Admission{
			Scope:     s.cfg.Scope,
			Batch:     s.batches,
			BatchSize: len(batch),
			Position:  i + 1,
			Waited:    waited + w,
		})
	}
	return nil
}

// awaitReachable suspends until the scope is reachable, waking early when
// the registry changes. It reports how long the scope held the queue back.
func (s *Scheduler) awaitReachable(ctx context.Context, stop chan struct{}) (time.Duration, error) {
	var held time.Duration
	for {
		changed := s.reg.Changed()
		now := s.clk.Now()
		if s.reg.IsReachable(s.cfg.Scope, now) {
			return held, nil
		}
		wait := s.reg.WaitTime(s.cfg.Scope, now)
		log.Debug().Str("scope", s.cfg.Scope).Dur("wait", wait).Int("queued", s.Len()).Msg("scope unreachable, waiting")
		s.metrics.ObserveWait(s.cfg.Scope, wait)
		err := s.pause(ctx, stop, wait, changed)
		held += s.clk.Since(now)
		if err != nil {
			return held, err
		}
	}
}

func (s *Scheduler) awaitLimiter(ctx context.Context, stop chan struct{}) error {
	if s.limiter == nil {
		return nil
	}
	now := s.clk.Now()
	r := s.limiter.ReserveN(now, 1)
	if err := s.pause(ctx, stop, r.DelayFrom(now), nil); err != nil {
		r.CancelAt(s.clk.Now())
		return err
	}
	return nil
}

// batchSize is the most restrictive rule's remaining allowance, or the
// discovery batch while the scope has no known rule.
func (s *Scheduler) batchSize(now time.Time) int {
	n := s.reg.AvailableHits(s.cfg.Scope, now)
	if n == ratelimit.Unbounded {
		return s.cfg.DiscoveryBatch
	}
	return n
}

func (s *Scheduler) take(n int) []*pending {
	s.mu.Lock()
	if n > len(s.queue) {
		n = len(s.queue)
	}
	if n <= 0 {
		s.mu.Unlock()
		return nil
	}
	batch := make([]*pending, n)
	copy(batch, s.queue)
	s.queue = s.queue[n:]
	left := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(left)
	return batch
}

func (s *Scheduler) requeue(rest []*pending) {
	if len(rest) == 0 {
		return
	}
	s.mu.Lock()
	q := make([]*pending, 0, len(rest)+len(s.queue))
	q = append(q, rest...)
	s.queue = append(q, s.queue...)
	n := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(n)
}

// dispatch executes p, feeds any response headers to the registry, then
// delivers the result stamped with adm. Failures only affect p.
func (s *Scheduler) dispatch(ctx context.Context, p *pending, adm task.Admission) {
	if err := p.ctx.Err(); err != nil {
		p.result <- task.Result{Task: p.task, Error: fmt.Errorf("%w: %w", ErrNotDispatched, err)}
		return
	}

	log.Debug().Str("method", p.task.Method).Str("url", p.task.URL).Int("batch", adm.Batch).Int("position", adm.Position).Msg("dispatching request")
	adm.At = s.clk.Now()
	res := s.drv.Execute(p.ctx, p.task)

	if res.Response != nil {
		s.reg.Ingest(ctx, res.Response.Header)
	}
	adm.Available = s.reg.AvailableHits(s.cfg.Scope, s.clk.Now())
	res.Admission = &adm
	s.metrics.Record(res)

	if res.Error != nil {
		log.Warn().
			Str("url", p.task.URL).
			Int("status", res.StatusCode()).
			Str("outcome", metrics.Outcome(res)).
			Err(res.Error).
			Msg("request failed")
	} else {
		log.Debug().
			Str("url", p.task.URL).
			Int("status", res.StatusCode()).
			Dur("duration", res.Duration).
			Msg("request complete")
	}
	p.result <- res
}

// pause sleeps for d on the scheduler's clock, returning early when wake
// fires. It reports errStopped if Stop was called and ctx's error if ctx
// ended.
func (s *Scheduler) pause(ctx context.Context, stop chan struct{}, d time.Duration, wake <-chan struct{}) error {
	if err := clock.Sleep(ctx, s.clk, d, stop, wake); err != nil {
		return err
	}
	if stopped(ctx, stop) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errStopped
	}
	return nil
}

func stopped(ctx context.Context, stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
