package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lewta/admit/internal/clock"
)

// Unbounded is returned by AvailableHits for a scope with no known rules.
const Unbounded = -1

// Observer is notified after every header ingestion that named a scope.
// err is nil on success; rules is the scope's state after the ingestion.
type Observer interface {
	ObserveIngest(scope string, rules []RuleState, err error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers o to receive ingestion outcomes.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry owns, per scope, the ordered set of rules the provider enforces.
type Registry struct {
	clk      clockwork.Clock
	observer Observer

	mu      sync.RWMutex
	scopes  map[string][]*Rule
	order   []string
	changed chan struct{}
}

// NewRegistry creates an empty Registry reading time from clk.
func NewRegistry(clk clockwork.Clock, opts ...Option) *Registry {
	r := &Registry{
		clk:     clk,
		scopes:  make(map[string][]*Rule),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register appends rules to scope. Registering a rule whose identity is
// already present in the scope is a ConfigError.
func (r *Registry) Register(scope string, rules ...*Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.scopes[scope]
	for _, rule := range rules {
		if _, ok := find(existing, rule.Identity()); ok {
			return &ConfigError{Field: "rule", Reason: "duplicate " + rule.Identity().String() + " in scope " + scope}
		}
		existing = append(existing, rule)
	}
	r.setLocked(scope, existing)
	r.notifyLocked()
	return nil
}

// Rules returns a snapshot of scope's rules in discovery order. An unknown
// scope yields an empty slice.
func (r *Registry) Rules(scope string) []RuleState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return states(r.scopes[scope])
}

// Scopes returns every known scope in discovery order.
func (r *Registry) Scopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// IsReachable reports whether every rule of scope is reachable at now. A
// scope with no rules is reachable.
func (r *Registry) IsReachable(scope string, now time.Time) bool {
	for _, s := range r.Rules(scope) {
		if !s.IsReachable(now) {
			return false
		}
	}
	return true
}

// AvailableHits returns the smallest allowance across scope's rules, or
// Unbounded if the scope has none.
func (r *Registry) AvailableHits(scope string, now time.Time) int {
	rules := r.Rules(scope)
	if len(rules) == 0 {
		return Unbounded
	}
	n := rules[0].AvailableHits(now)
	for _, s := range rules[1:] {
		n = min(n, s.AvailableHits(now))
	}
	return n
}

// WaitTime returns the longest wait across scope's rules. It is zero iff
// the scope is reachable.
func (r *Registry) WaitTime(scope string, now time.Time) time.Duration {
	var d time.Duration
	for _, s := range r.Rules(scope) {
		d = max(d, s.WaitTime(now))
	}
	return d
}

// Changed returns a channel that is closed the next time any rule state
// changes.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

// Ingest reconciles the rate-limit headers of a completed response. A
// positive Retry-After suspends the call for that long before the new state
// becomes visible. Malformed headers are logged and leave state untouched.
func (r *Registry) Ingest(ctx context.Context, h http.Header) {
	scope, err := r.ingest(ctx, h)
	if err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("rate-limit headers ignored")
	}
	if scope != "" && r.observer != nil {
		r.observer.ObserveIngest(scope, r.Rules(scope), err)
	}
}

func (r *Registry) ingest(ctx context.Context, h http.Header) (string, error) {
	if wait := RetryAfter(h, r.clk.Now()); wait > 0 {
		log.Debug().Dur("retry_after", wait).Msg("provider requested cooldown, suspending ingestion")
		if err := clock.Sleep(ctx, r.clk, wait); err != nil {
			return "", err
		}
	}

	scope, obs, err := parseHeaders(h, r.clk.Now())
	if err != nil || scope == "" {
		return scope, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcileLocked(scope, obs)
	return scope, nil
}

// Restore reconciles previously persisted rule states into scope.
func (r *Registry) Restore(scope string, rules []RuleState) error {
	obs := make([]observation, 0, len(rules))
	for _, s := range rules {
		if s.MaxHits <= 0 {
			return &ConfigError{Field: "max_hits", Reason: "must be > 0 in restored rule " + s.Identity.String()}
		}
		if s.Hits < 0 || s.Snapshot.Period < 0 || s.Cooldown < 0 {
			return &ConfigError{Field: "snapshot", Reason: "negative counter in restored rule " + s.Identity.String()}
		}
		obs = append(obs, observation{id: s.Identity, snap: s.Snapshot})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcileLocked(scope, obs)
	return nil
}

// reconcileLocked updates the rule matching each observation's identity in
// place, or appends a new rule for an identity not seen before.
func (r *Registry) reconcileLocked(scope string, obs []observation) {
	rules := r.scopes[scope]
	for _, o := range obs {
		rule, ok := find(rules, o.id)
		if !ok {
			rule = &Rule{id: o.id}
			rules = append(rules, rule)
			log.Info().Str("scope", scope).Str("rule", o.id.String()).Msg("discovered rate-limit rule")
		}
		rule.Update(o.snap.ObservedAt, o.snap.Hits, o.snap.Period, o.snap.Cooldown)
	}
	r.setLocked(scope, rules)
	r.notifyLocked()
}

func (r *Registry) setLocked(scope string, rules []*Rule) {
	if _, ok := r.scopes[scope]; !ok {
		r.order = append(r.order, scope)
	}
	r.scopes[scope] = rules
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func find(rules []*Rule, id Identity) (*Rule, bool) {
	for _, rule := range rules {
		if rule.id == id {
			return rule, true
		}
	}
	return nil, false
}

func states(rules []*Rule) []RuleState {
	out := make([]RuleState, len(rules))
	for i, rule := range rules {
		out[i] = rule.State()
	}
	return out
}
