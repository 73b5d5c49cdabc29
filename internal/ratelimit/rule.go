// Package ratelimit tracks provider-reported rate-limit windows and answers
// admission queries against them.
package ratelimit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// SoftThreshold is the fraction of a window's maximum hits the client allows
// itself to consume. The remaining headroom keeps the provider's own
// enforcement from ever triggering.
const SoftThreshold = 0.8

// Identity is the comparable key of a rule: two rules with the same
// identity are the same window regardless of their live counters.
type Identity struct {
	MaxHits    int
	Period     time.Duration
	Restricted time.Duration
}

// String renders the identity in the provider's max:period:restricted form.
func (id Identity) String() string {
	return fmt.Sprintf("%d:%d:%d", id.MaxHits, int64(id.Period/time.Second), int64(id.Restricted/time.Second))
}

// Snapshot is the live state of a window as last reported by the provider.
type Snapshot struct {
	ObservedAt time.Time
	Hits       int
	Period     time.Duration
	Cooldown   time.Duration
}

// RuleState is an immutable copy of a rule for display and persistence.
type RuleState struct {
	Identity
	Snapshot
}

// Rule is a single enforced window with an optional cooldown.
type Rule struct {
	id   Identity
	snap atomic.Pointer[Snapshot]
}

// NewRule validates the window definition and returns a rule with an empty
// snapshot, which is reachable at any time.
func NewRule(maxHits int, period, restricted time.Duration) (*Rule, error) {
	if maxHits <= 0 {
		return nil, &ConfigError{Field: "max_hits", Reason: fmt.Sprintf("must be > 0, got %d", maxHits)}
	}
	if period <= 0 {
		return nil, &ConfigError{Field: "period", Reason: fmt.Sprintf("must be > 0, got %v", period)}
	}
	if restricted < 0 {
		return nil, &ConfigError{Field: "restricted", Reason: fmt.Sprintf("must be >= 0, got %v", restricted)}
	}
	r := &Rule{id: Identity{MaxHits: maxHits, Period: period, Restricted: restricted}}
	r.snap.Store(&Snapshot{})
	return r, nil
}

// ParseRule parses a "max:period:restricted" triplet with durations in seconds.
func ParseRule(s string) (*Rule, error) {
	v, err := parseTriplet(s)
	if err != nil {
		return nil, &ConfigError{Field: "rule", Reason: fmt.Sprintf("%q: %v", s, err)}
	}
	return NewRule(v[0], seconds(v[1]), seconds(v[2]))
}

// Identity returns the rule's reconciliation key.
func (r *Rule) Identity() Identity { return r.id }

// Snapshot returns the current live state.
func (r *Rule) Snapshot() Snapshot { return *r.snap.Load() }

// State returns an immutable copy of the rule.
func (r *Rule) State() RuleState {
	return RuleState{Identity: r.id, Snapshot: r.Snapshot()}
}

// Update replaces the live state wholesale. observedAt becomes the reference
// instant for every window-relative computation. Values are stored as given;
// header parsing rejects negative fields before they reach a rule.
func (r *Rule) Update(observedAt time.Time, hits int, period, cooldown time.Duration) {
	r.snap.Store(&Snapshot{
		ObservedAt: observedAt,
		Hits:       hits,
		Period:     period,
		Cooldown:   cooldown,
	})
}

// IsReachable reports whether a request may be sent at now without
// violating this window.
func (r *Rule) IsReachable(now time.Time) bool {
	return r.id.reachable(r.Snapshot(), now)
}

// AvailableHits returns how many requests this window still admits at now.
func (r *Rule) AvailableHits(now time.Time) int {
	return r.id.available(r.Snapshot(), now)
}

// WaitTime returns how long until the window becomes reachable again, or 0
// if it is reachable at now.
func (r *Rule) WaitTime(now time.Time) time.Duration {
	return r.id.wait(r.Snapshot(), now)
}

// The helpers below evaluate one loaded snapshot, so a concurrent Update
// cannot interleave between the checks.

func (id Identity) softLimit() float64 {
	return float64(id.MaxHits) * SoftThreshold
}

func (id Identity) overSoftLimit(s Snapshot) bool {
	return float64(s.Hits) >= id.softLimit()
}

func (id Identity) reachable(s Snapshot, now time.Time) bool {
	elapsed := now.Sub(s.ObservedAt)
	if elapsed < s.Cooldown {
		return false
	}
	if elapsed < s.Period && id.overSoftLimit(s) {
		return false
	}
	return true
}

func (id Identity) available(s Snapshot, now time.Time) int {
	if !id.reachable(s, now) {
		return 0
	}
	ceiling := int(math.Ceil(id.softLimit()))
	if now.Sub(s.ObservedAt) >= s.Period {
		return ceiling
	}
	return ceiling - s.Hits
}

func (id Identity) wait(s Snapshot, now time.Time) time.Duration {
	elapsed := now.Sub(s.ObservedAt)
	var d time.Duration
	if elapsed < s.Cooldown {
		d = s.Cooldown - elapsed
	}
	if elapsed < s.Period && id.overSoftLimit(s) {
		d = max(d, s.Period-elapsed)
	}
	return d
}

// Evaluation helpers for callers holding a RuleState.

// IsReachable evaluates the stored snapshot at now.
func (s RuleState) IsReachable(now time.Time) bool { return s.Identity.reachable(s.Snapshot, now) }

// AvailableHits evaluates the stored snapshot at now.
func (s RuleState) AvailableHits(now time.Time) int { return s.Identity.available(s.Snapshot, now) }

// WaitTime evaluates the stored snapshot at now.
func (s RuleState) WaitTime(now time.Time) time.Duration { return s.Identity.wait(s.Snapshot, now) }

func parseTriplet(s string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return out, fmt.Errorf("expected 3 colon-separated fields, got %d", len(parts))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, fmt.Errorf("field %d: %w", i+1, err)
		}
		if n < 0 {
			return out, fmt.Errorf("field %d: must be >= 0, got %d", i+1, n)
		}
		out[i] = n
	}
	return out, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
