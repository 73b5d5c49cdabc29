package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lewta/admit/internal/clock"
	"github.com/lewta/admit/internal/config"
	"github.com/lewta/admit/internal/driver"
	"github.com/lewta/admit/internal/metrics"
	"github.com/lewta/admit/internal/output"
	"github.com/lewta/admit/internal/ratelimit"
	"github.com/lewta/admit/internal/store"
	"github.com/lewta/admit/internal/task"
)

// Engine wires configuration, the rate-limit registry, the scheduler, and
// the optional store, output, and dispatch windows.
type Engine struct {
	cfg       *config.Config
	clk       clockwork.Clock
	registry  *ratelimit.Registry
	scheduler *Scheduler
	selector  *task.Selector
	metrics   *metrics.Metrics
	store     *store.Store
	writer    *output.Writer
	windows   *Windows
}

// Summary counts the outcomes of one Run.
type Summary struct {
	Dispatched int
	Failed     int
	Rejected   int           // never sent: the run ended first
	Batches    int           // admission batches the scheduler formed
	Waited     time.Duration // total time requests were held back by an unreachable scope
}

// New creates an Engine wired with all dependencies.
func New(cfg *config.Config, m *metrics.Metrics) (*Engine, error) {
	drv, err := driver.NewHTTPDriver(cfg.API)
	if err != nil {
		return nil, err
	}
	return newEngine(cfg, m, drv, clockwork.NewRealClock())
}

func newEngine(cfg *config.Config, m *metrics.Metrics, drv driver.Driver, clk clockwork.Clock) (*Engine, error) {
	if m == nil {
		m = metrics.Noop()
	}

	sel, err := task.NewSelector(cfg.Targets)
	if err != nil {
		return nil, err
	}

	reg, err := NewRegistry(cfg, clk, ratelimit.WithObserver(m))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		clk:       clk,
		registry:  reg,
		scheduler: NewScheduler(reg, drv, clk, SchedulerConfigFrom(cfg.Scheduler), m),
		selector:  sel,
		metrics:   m,
	}

	if len(cfg.Scheduler.Windows) > 0 {
		e.windows = NewWindows(cfg.Scheduler.Windows, e.scheduler)
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(context.Background(), cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		e.store = st
	}

	if cfg.Output.Enabled {
		w, err := output.New(cfg.Output)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("creating output writer: %w", err)
		}
		e.writer = w
	}

	return e, nil
}

// NewRegistry builds a registry seeded with the configured rules.
func NewRegistry(cfg *config.Config, clk clockwork.Clock, opts ...ratelimit.Option) (*ratelimit.Registry, error) {
	scopes, rules, err := cfg.SeedRules()
	if err != nil {
		return nil, err
	}
	reg := ratelimit.NewRegistry(clk, opts...)
	for _, scope := range scopes {
		if err := reg.Register(scope, rules[scope]...); err != nil {
			return nil, fmt.Errorf("seeding %s: %w", scope, err)
		}
	}
	return reg, nil
}

// Registry exposes the engine's rule registry for read-only queries.
func (e *Engine) Registry() *ratelimit.Registry { return e.registry }

// Run restores persisted rule state, enqueues the configured targets, and
// blocks until every result is in or ctx is cancelled. Rule state is
// persisted before it returns.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	defer e.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.restore(ctx); err != nil {
		return Summary{}, err
	}

	persistCtx, stopPersist := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if e.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.persist(persistCtx, time.Duration(e.cfg.Store.FlushMs)*time.Millisecond)
		}()
	}

	plan := e.selector.Plan(e.cfg.Requests)
	log.Info().
		Str("scope", e.cfg.Scheduler.Scope).
		Int("requests", len(plan)).
		Int("rules", len(e.registry.Rules(e.cfg.Scheduler.Scope))).
		Bool("windows", e.windows != nil).
		Msg("engine started")

	// The whole plan is queued before the loop starts so the first batch
	// can use the full allowance.
	pending := make([]<-chan task.Result, len(plan))
	for i, t := range plan {
		pending[i] = e.scheduler.Enqueue(ctx, t)
	}

	if e.windows != nil {
		if err := e.windows.Start(ctx); err != nil {
			stopPersist()
			wg.Wait()
			return Summary{}, err
		}
	} else {
		e.scheduler.Start(ctx)
	}

	sum := e.collect(ctx, pending)

	// Closes cron windows before the loop is stopped for good.
	cancel()
	e.scheduler.Stop()
	e.scheduler.Wait()
	stopPersist()
	wg.Wait()
	e.flush(context.Background())

	log.Info().
		Int("dispatched", sum.Dispatched).
		Int("failed", sum.Failed).
		Int("rejected", sum.Rejected).
		Int("batches", sum.Batches).
		Dur("waited", sum.Waited).
		Msg("engine stopped")
	return sum, nil
}

func (e *Engine) collect(ctx context.Context, pending []<-chan task.Result) Summary {
	var sum Summary
	for i, ch := range pending {
		var res task.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			sum.Rejected += len(pending) - i
			return sum
		}

		if e.writer != nil {
			e.writer.Send(res)
		}
		if a := res.Admission; a != nil {
			sum.Batches = max(sum.Batches, a.Batch)
			sum.Waited += a.Waited
		}
		switch {
		case errors.Is(res.Error, ErrNotDispatched):
			sum.Rejected++
		case res.Error != nil:
			sum.Dispatched++
			sum.Failed++
		default:
			sum.Dispatched++
			log.Info().
				Str("method", res.Task.Method).
				Str("url", res.Task.URL).
				Int("status", res.StatusCode()).
				Dur("duration", res.Duration).
				Msg("request complete")
		}
	}
	return sum
}

// restore reconciles persisted rule state into the registry.
func (e *Engine) restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	saved, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted rules: %w", err)
	}
	scopes := make([]string, 0, len(saved))
	for scope := range saved {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		if err := e.registry.Restore(scope, saved[scope]); err != nil {
			return fmt.Errorf("restoring %s: %w", scope, err)
		}
		log.Debug().Str("scope", scope).Int("rules", len(saved[scope])).Msg("restored persisted rules")
	}
	return nil
}

// persist flushes rule state to the store at most once per interval after
// each change.
func (e *Engine) persist(ctx context.Context, every time.Duration) {
	for {
		changed := e.registry.Changed()
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
		if err := clock.Sleep(ctx, e.clk, every); err != nil {
			return
		}
		e.flush(ctx)
	}
}

func (e *Engine) flush(ctx context.Context) {
	if e.store == nil {
		return
	}
	for _, scope := range e.registry.Scopes() {
		if err := e.store.SaveScope(ctx, scope, e.registry.Rules(scope)); err != nil {
			log.Warn().Err(err).Str("scope", scope).Msg("persisting rule state failed")
		}
	}
}

func (e *Engine) close() {
	if e.writer != nil {
		e.writer.Close()
		e.writer = nil
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Warn().Err(err).Msg("closing store")
		}
		e.store = nil
	}
}
