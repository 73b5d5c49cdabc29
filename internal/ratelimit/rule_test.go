package ratelimit

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustRule(t *testing.T, maxHits int, period, restricted time.Duration) *Rule {
	t.Helper()
	r, err := NewRule(maxHits, period, restricted)
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	return r
}

func TestNewRule_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		maxHits    int
		period     time.Duration
		restricted time.Duration
	}{
		{"zero max", 0, 10 * time.Second, 0},
		{"negative max", -1, 10 * time.Second, 0},
		{"zero period", 5, 0, 0},
		{"negative period", 5, -time.Second, 0},
		{"negative restricted", 5, time.Second, -time.Second},
	}
	for _, tc := range tests {
		_, err := NewRule(tc.maxHits, tc.period, tc.restricted)
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: error = %v, want *ConfigError", tc.name, err)
		}
	}
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("15:60:600")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	want := Identity{MaxHits: 15, Period: time.Minute, Restricted: 10 * time.Minute}
	if r.Identity() != want {
		t.Errorf("Identity() = %+v, want %+v", r.Identity(), want)
	}
	if got := r.Identity().String(); got != "15:60:600" {
		t.Errorf("String() = %q, want 15:60:600", got)
	}

	for _, bad := range []string{"", "5:10", "5:10:x", "0:10:60", "5:0:60", "5:-1:60", "1:2:3:4"} {
		if _, err := ParseRule(bad); err == nil {
			t.Errorf("ParseRule(%q): expected error, got nil", bad)
		}
	}
}

func TestRule_FreshIsReachable(t *testing.T) {
	r := mustRule(t, 5, 10*time.Second, 60*time.Second)
	if !r.IsReachable(t0) {
		t.Error("fresh rule should be reachable")
	}
	if got := r.AvailableHits(t0); got != 4 {
		t.Errorf("AvailableHits = %d, want 4", got)
	}
	if got := r.WaitTime(t0); got != 0 {
		t.Errorf("WaitTime = %v, want 0", got)
	}
}

// 4 hits of 5 sits exactly on the soft threshold, so nothing is admitted.
func TestRule_AtSoftThreshold(t *testing.T) {
	r := mustRule(t, 5, 10*time.Second, 60*time.Second)
	r.Update(t0, 4, 10*time.Second, 0)

	if r.IsReachable(t0) {
		t.Error("IsReachable = true, want false (4 >= 5*0.8)")
	}
	if got := r.AvailableHits(t0); got != 0 {
		t.Errorf("AvailableHits = %d, want 0", got)
	}
	if got := r.WaitTime(t0); got != 10*time.Second {
		t.Errorf("WaitTime = %v, want 10s", got)
	}
	if got := r.WaitTime(t0.Add(3 * time.Second)); got != 7*time.Second {
		t.Errorf("WaitTime(+3s) = %v, want 7s", got)
	}
}

// 2 hits of 5 leaves the soft ceiling ceil(4) minus the hits already spent.
func TestRule_BelowSoftThreshold(t *testing.T) {
	r := mustRule(t, 5, 10*time.Second, 60*time.Second)
	r.Update(t0, 2, 10*time.Second, 0)

	if !r.IsReachable(t0) {
		t.Error("IsReachable = false, want true")
	}
	if got := r.AvailableHits(t0); got != 2 {
		t.Errorf("AvailableHits = %d, want 2", got)
	}
}

// Once the reported window has passed, stale counters stop mattering.
func TestRule_WindowReset(t *testing.T) {
	r := mustRule(t, 5, 10*time.Second, 60*time.Second)
	r.Update(t0, 5, 10*time.Second, 0)

	at := t0.Add(11 * time.Second)
	if !r.IsReachable(at) {
		t.Error("IsReachable after window = false, want true")
	}
	if got := r.AvailableHits(at); got != 4 {
		t.Errorf("AvailableHits after window = %d, want full ceiling 4", got)
	}
}

func TestRule_SoftCeilingRoundsUp(t *testing.T) {
	r := mustRule(t, 7, time.Minute, 0)
	if got := r.AvailableHits(t0); got != 6 {
		t.Errorf("AvailableHits = %d, want ceil(5.6) = 6", got)
	}
	r.Update(t0, 5, time.Minute, 0)
	if got := r.AvailableHits(t0); got != 1 {
		t.Errorf("AvailableHits = %d, want 1", got)
	}
}

// A reported cooldown holds the rule even after the window itself has reset:
// here the 10s window ends at +10s but the 60s cooldown keeps it unreachable
// until +60s. Checking the cooldown only inside the window would let requests
// through between +10s and +60s while the provider is still restricting.
func TestRule_Cooldown(t *testing.T) {
	r := mustRule(t, 5, 10*time.Second, 60*time.Second)
	r.Update(t0, 0, 10*time.Second, 60*time.Second)

	if r.IsReachable(t0.Add(30 * time.Second)) {
		t.Error("IsReachable during cooldown = true, want false")
	}
	if got := r.WaitTime(t0.Add(30 * time.Second)); got != 30*time.Second {
		t.Errorf("WaitTime during cooldown = %v, want 30s", got)
	}
	if got := r.AvailableHits(t0.Add(30 * time.Second)); got != 0 {
		t.Errorf("AvailableHits during cooldown = %d, want 0", got)
	}
	if !r.IsReachable(t0.Add(60 * time.Second)) {
		t.Error("IsReachable once cooldown elapsed = false, want true")
	}
}

// WaitTime is the time until the rule is reachable again, so it takes the
// longer of the remaining cooldown and the remaining window rather than
// reporting the cooldown alone.
func TestRule_WaitTakesLongerOfCooldownAndWindow(t *testing.T) {
	r := mustRule(t, 5, 60*time.Second, 30*time.Second)
	r.Update(t0, 5, 60*time.Second, 10*time.Second)

	if got := r.WaitTime(t0); got != 60*time.Second {
		t.Errorf("WaitTime = %v, want 60s", got)
	}
}

func TestRule_UnreachableUntilWaitElapses(t *testing.T) {
	snapshots := []Snapshot{
		{ObservedAt: t0, Hits: 4, Period: 10 * time.Second},
		{ObservedAt: t0, Hits: 0, Period: 10 * time.Second, Cooldown: 60 * time.Second},
		{ObservedAt: t0, Hits: 12, Period: 60 * time.Second, Cooldown: 5 * time.Second},
	}
	for i, s := range snapshots {
		r := mustRule(t, 5, 10*time.Second, 60*time.Second)
		r.Update(s.ObservedAt, s.Hits, s.Period, s.Cooldown)

		at := t0.Add(time.Second)
		wait := r.WaitTime(at)
		if wait <= 0 {
			t.Fatalf("case %d: WaitTime = %v, want > 0", i, wait)
		}
		for step := time.Duration(0); step < wait; step += wait / 8 {
			if r.IsReachable(at.Add(step)) {
				t.Errorf("case %d: reachable at +%v, before wait %v elapsed", i, step, wait)
			}
		}
		if !r.IsReachable(at.Add(wait)) {
			t.Errorf("case %d: not reachable once wait %v elapsed", i, wait)
		}
	}
}

func TestRule_UpdateIsIdempotent(t *testing.T) {
	a := mustRule(t, 15, time.Minute, 10*time.Minute)
	b := mustRule(t, 15, time.Minute, 10*time.Minute)
	a.Update(t0, 9, time.Minute, 0)
	b.Update(t0, 9, time.Minute, 0)
	b.Update(t0, 9, time.Minute, 0)

	for _, d := range []time.Duration{0, 10 * time.Second, time.Minute, 2 * time.Minute} {
		at := t0.Add(d)
		if a.IsReachable(at) != b.IsReachable(at) ||
			a.AvailableHits(at) != b.AvailableHits(at) ||
			a.WaitTime(at) != b.WaitTime(at) {
			t.Errorf("results diverge at +%v", d)
		}
	}
}

func TestRule_UpdateReplacesSnapshot(t *testing.T) {
	r := mustRule(t, 5, 10*time.Second, 60*time.Second)
	r.Update(t0, 3, 10*time.Second, 60*time.Second)
	r.Update(t0.Add(time.Second), 1, 8*time.Second, 0)

	want := Snapshot{ObservedAt: t0.Add(time.Second), Hits: 1, Period: 8 * time.Second}
	if got := r.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestRule_UpdateStoresValuesVerbatim(t *testing.T) {
	r := mustRule(t, 5, 10*time.Second, 60*time.Second)
	r.Update(t0, 7, 12*time.Second, 3*time.Second)

	want := Snapshot{ObservedAt: t0, Hits: 7, Period: 12 * time.Second, Cooldown: 3 * time.Second}
	if got := r.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestRuleState_MatchesRule(t *testing.T) {
	r := mustRule(t, 30, 5*time.Minute, 30*time.Minute)
	r.Update(t0, 24, 5*time.Minute, 0)
	s := r.State()

	at := t0.Add(time.Minute)
	if s.IsReachable(at) != r.IsReachable(at) {
		t.Error("IsReachable differs between RuleState and Rule")
	}
	if s.WaitTime(at) != r.WaitTime(at) {
		t.Errorf("WaitTime = %v, want %v", s.WaitTime(at), r.WaitTime(at))
	}
}
