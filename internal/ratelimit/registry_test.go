package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// blockUntil waits until at least n timers are pending on clk.
func blockUntil(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d pending timers: %v", n, err)
	}
}

func poeHeaders(policy, state string) http.Header {
	h := http.Header{}
	h.Set(HeaderRules, "Ip")
	h.Set(PolicyHeader("Ip"), policy)
	h.Set(StateHeader("Ip"), state)
	return h
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []error
}

func (o *recordingObserver) ObserveIngest(scope string, rules []RuleState, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, err)
}

func TestRegistry_UnknownScope(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	if got := reg.Rules("Ip"); len(got) != 0 {
		t.Errorf("Rules(unknown) len = %d, want 0", len(got))
	}
	if !reg.IsReachable("Ip", t0) {
		t.Error("scope with no rules should be reachable")
	}
	if got := reg.AvailableHits("Ip", t0); got != Unbounded {
		t.Errorf("AvailableHits = %d, want Unbounded", got)
	}
	if got := reg.WaitTime("Ip", t0); got != 0 {
		t.Errorf("WaitTime = %v, want 0", got)
	}
}

func TestRegistry_RegisterRejectsDuplicate(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	if err := reg.Register("Ip", mustRule(t, 5, 10*time.Second, 60*time.Second)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := reg.Register("Ip", mustRule(t, 5, 10*time.Second, 60*time.Second))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("duplicate Register error = %v, want *ConfigError", err)
	}
	if got := len(reg.Rules("Ip")); got != 1 {
		t.Errorf("Rules len = %d, want 1", got)
	}
}

func TestRegistry_AggregatesMostRestrictive(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	short := mustRule(t, 5, 10*time.Second, 60*time.Second)
	mid := mustRule(t, 15, 60*time.Second, 600*time.Second)
	long := mustRule(t, 30, 300*time.Second, 1800*time.Second)
	if err := reg.Register("Ip", short, mid, long); err != nil {
		t.Fatalf("Register: %v", err)
	}

	short.Update(t0, 1, 10*time.Second, 0) // 4-1 = 3
	mid.Update(t0, 10, 60*time.Second, 0)  // 12-10 = 2
	long.Update(t0, 5, 300*time.Second, 0) // 24-5 = 19

	if got := reg.AvailableHits("Ip", t0); got != 2 {
		t.Errorf("AvailableHits = %d, want min 2", got)
	}
	if !reg.IsReachable("Ip", t0) {
		t.Error("IsReachable = false, want true")
	}

	short.Update(t0, 4, 10*time.Second, 0)
	mid.Update(t0, 12, 60*time.Second, 0)
	at := t0.Add(5 * time.Second)
	if reg.IsReachable("Ip", at) {
		t.Error("IsReachable = true, want false")
	}
	if got := reg.WaitTime("Ip", at); got != 55*time.Second {
		t.Errorf("WaitTime = %v, want max 55s", got)
	}
	if got := reg.AvailableHits("Ip", at); got != 0 {
		t.Errorf("AvailableHits = %d, want 0", got)
	}

	// The shorter window clears first but the scope stays blocked.
	at = t0.Add(15 * time.Second)
	if reg.IsReachable("Ip", at) {
		t.Error("scope reachable while the 60s window is still saturated")
	}
	if got := reg.WaitTime("Ip", at); got != 45*time.Second {
		t.Errorf("WaitTime = %v, want 45s", got)
	}
}

func TestRegistry_WaitTimeZeroIffReachable(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	a := mustRule(t, 5, 10*time.Second, 60*time.Second)
	b := mustRule(t, 15, 60*time.Second, 600*time.Second)
	if err := reg.Register("Ip", a, b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	a.Update(t0, 4, 10*time.Second, 0)
	b.Update(t0, 3, 60*time.Second, 20*time.Second)

	for d := time.Duration(0); d <= 70*time.Second; d += 500 * time.Millisecond {
		at := t0.Add(d)
		reachable := reg.IsReachable("Ip", at)
		wait := reg.WaitTime("Ip", at)
		if reachable != (wait == 0) {
			t.Fatalf("+%v: reachable=%v wait=%v", d, reachable, wait)
		}
	}
}

func TestRegistry_IngestUpdatesInPlace(t *testing.T) {
	clk := clockwork.NewFakeClockAt(t0)
	reg := NewRegistry(clk)
	if err := reg.Register("Ip", mustRule(t, 5, 10*time.Second, 60*time.Second)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reg.Ingest(context.Background(), poeHeaders("5:10:60", "3:10:0"))

	rules := reg.Rules("Ip")
	if len(rules) != 1 {
		t.Fatalf("Rules len = %d, want 1 (no duplicate)", len(rules))
	}
	if rules[0].Hits != 3 || rules[0].Snapshot.Period != 10*time.Second {
		t.Errorf("snapshot = %+v, want hits=3 period=10s", rules[0].Snapshot)
	}
	if !rules[0].ObservedAt.Equal(t0) {
		t.Errorf("ObservedAt = %v, want local clock %v", rules[0].ObservedAt, t0)
	}
}

func TestRegistry_IngestAppendsUnseenRules(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	if err := reg.Register("Ip", mustRule(t, 5, 10*time.Second, 60*time.Second)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reg.Ingest(context.Background(), poeHeaders("5:10:60,15:60:120,30:300:1800", "1:10:0,2:60:0,3:300:0"))
	reg.Ingest(context.Background(), poeHeaders("5:10:60,15:60:120,30:300:1800", "2:10:0,3:60:0,4:300:0"))

	rules := reg.Rules("Ip")
	want := []string{"5:10:60", "15:60:120", "30:300:1800"}
	if len(rules) != len(want) {
		t.Fatalf("Rules len = %d, want %d", len(rules), len(want))
	}
	for i, id := range want {
		if got := rules[i].Identity.String(); got != id {
			t.Errorf("rules[%d] = %s, want %s", i, got, id)
		}
		if rules[i].Hits != i+2 {
			t.Errorf("rules[%d].Hits = %d, want %d", i, rules[i].Hits, i+2)
		}
	}
}

func TestRegistry_IngestNewScope(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	h := http.Header{}
	h.Set(HeaderRules, "Account")
	h.Set(PolicyHeader("Account"), "3:5:10")
	h.Set(StateHeader("Account"), "1:5:0")

	reg.Ingest(context.Background(), h)

	if got := reg.Scopes(); len(got) != 1 || got[0] != "Account" {
		t.Errorf("Scopes() = %v, want [Account]", got)
	}
	if got := len(reg.Rules("Account")); got != 1 {
		t.Errorf("Rules(Account) len = %d, want 1", got)
	}
}

func TestRegistry_IngestUsesDateHeader(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	h := poeHeaders("5:10:60", "4:10:0")
	served := t0.Add(-7 * time.Second)
	h.Set(HeaderDate, served.Format(http.TimeFormat))

	reg.Ingest(context.Background(), h)

	rules := reg.Rules("Ip")
	if !rules[0].ObservedAt.Equal(served) {
		t.Errorf("ObservedAt = %v, want %v", rules[0].ObservedAt, served)
	}
	if got := reg.WaitTime("Ip", t0); got != 3*time.Second {
		t.Errorf("WaitTime = %v, want 3s", got)
	}
}

func TestRegistry_IngestWithoutRulesHeaderIsNoop(t *testing.T) {
	obs := &recordingObserver{}
	reg := NewRegistry(clockwork.NewFakeClockAt(t0), WithObserver(obs))
	h := http.Header{}
	h.Set(PolicyHeader("Ip"), "5:10:60")
	h.Set(StateHeader("Ip"), "1:10:0")

	reg.Ingest(context.Background(), h)

	if len(reg.Scopes()) != 0 {
		t.Errorf("Scopes() = %v, want none", reg.Scopes())
	}
	if len(obs.calls) != 0 {
		t.Errorf("observer called %d times, want 0", len(obs.calls))
	}
}

func TestRegistry_IngestMalformedLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
	}{
		{"missing state", func() http.Header {
			h := poeHeaders("5:10:60", "")
			h.Del(StateHeader("Ip"))
			return h
		}()},
		{"missing policy", func() http.Header {
			h := poeHeaders("", "1:10:0")
			h.Del(PolicyHeader("Ip"))
			return h
		}()},
		{"length mismatch", poeHeaders("5:10:60,15:60:600", "1:10:0")},
		{"bad number", poeHeaders("5:10:60,15:x:600", "1:10:0,1:60:0")},
		{"zero max", poeHeaders("5:10:60,0:60:600", "1:10:0,1:60:0")},
		{"short state", poeHeaders("5:10:60", "1:10")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			obs := &recordingObserver{}
			reg := NewRegistry(clockwork.NewFakeClockAt(t0), WithObserver(obs))
			rule := mustRule(t, 5, 10*time.Second, 60*time.Second)
			rule.Update(t0, 2, 10*time.Second, 0)
			if err := reg.Register("Ip", rule); err != nil {
				t.Fatalf("Register: %v", err)
			}
			before := reg.Rules("Ip")

			_, err := reg.ingest(context.Background(), tc.header)
			var malformed *MalformedHeaderError
			if !errors.As(err, &malformed) {
				t.Fatalf("ingest error = %v, want *MalformedHeaderError", err)
			}

			reg.Ingest(context.Background(), tc.header) // must not panic or return
			after := reg.Rules("Ip")
			if len(after) != len(before) || after[0] != before[0] {
				t.Errorf("state changed: before %+v, after %+v", before, after)
			}
			if len(obs.calls) != 1 || obs.calls[0] == nil {
				t.Errorf("observer calls = %v, want one error", obs.calls)
			}
		})
	}
}

// A positive Retry-After keeps the new state hidden from every reader until
// the suspension has elapsed.
func TestRegistry_IngestRetryAfterDelaysVisibility(t *testing.T) {
	clk := clockwork.NewFakeClockAt(t0)
	reg := NewRegistry(clk)
	h := poeHeaders("5:10:60", "6:10:60")
	h.Set(HeaderRetryAfter, "3")

	done := make(chan struct{})
	go func() {
		reg.Ingest(context.Background(), h)
		close(done)
	}()

	blockUntil(t, clk, 1)
	if got := len(reg.Rules("Ip")); got != 0 {
		t.Fatalf("rules visible during Retry-After: %d", got)
	}
	clk.Advance(2 * time.Second)
	select {
	case <-done:
		t.Fatal("Ingest returned before Retry-After elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Ingest did not return after Retry-After elapsed")
	}

	rules := reg.Rules("Ip")
	if len(rules) != 1 {
		t.Fatalf("Rules len = %d, want 1", len(rules))
	}
	if !rules[0].ObservedAt.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("ObservedAt = %v, want ingestion time %v", rules[0].ObservedAt, t0.Add(3*time.Second))
	}
}

func TestRegistry_IngestRetryAfterCancelled(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	h := poeHeaders("5:10:60", "1:10:0")
	h.Set(HeaderRetryAfter, "30")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := reg.ingest(ctx, h); !errors.Is(err, context.Canceled) {
		t.Fatalf("ingest error = %v, want context.Canceled", err)
	}
	if got := len(reg.Rules("Ip")); got != 0 {
		t.Errorf("Rules len = %d, want 0 after cancelled ingestion", got)
	}
}

func TestRegistry_ChangedClosesOnIngest(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	ch := reg.Changed()

	reg.Ingest(context.Background(), poeHeaders("5:10:60", "1:10:0"))

	select {
	case <-ch:
	default:
		t.Fatal("Changed() channel not closed after ingestion")
	}
	select {
	case <-reg.Changed():
		t.Fatal("fresh Changed() channel is already closed")
	default:
	}
}

func TestRegistry_Restore(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClockAt(t0))
	if err := reg.Register("Ip", mustRule(t, 5, 10*time.Second, 60*time.Second)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	saved := []RuleState{
		{Identity: Identity{MaxHits: 5, Period: 10 * time.Second, Restricted: time.Minute},
			Snapshot: Snapshot{ObservedAt: t0, Hits: 0, Period: 10 * time.Second, Cooldown: time.Minute}},
		{Identity: Identity{MaxHits: 15, Period: time.Minute, Restricted: 10 * time.Minute},
			Snapshot: Snapshot{ObservedAt: t0, Hits: 3, Period: time.Minute}},
	}
	if err := reg.Restore("Ip", saved); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	rules := reg.Rules("Ip")
	if len(rules) != 2 {
		t.Fatalf("Rules len = %d, want 2", len(rules))
	}
	if rules[0] != saved[0] || rules[1] != saved[1] {
		t.Errorf("Rules = %+v, want %+v", rules, saved)
	}
	if reg.IsReachable("Ip", t0.Add(30*time.Second)) {
		t.Error("restored cooldown not honoured")
	}

	err := reg.Restore("Ip", []RuleState{{}})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Restore(zero rule) error = %v, want *ConfigError", err)
	}

	negative := RuleState{
		Identity: Identity{MaxHits: 5, Period: 10 * time.Second, Restricted: time.Minute},
		Snapshot: Snapshot{ObservedAt: t0, Hits: -1, Period: 10 * time.Second},
	}
	if err := reg.Restore("Ip", []RuleState{negative}); !errors.As(err, &cfgErr) {
		t.Errorf("Restore(negative hits) error = %v, want *ConfigError", err)
	}
	if got := reg.Rules("Ip")[0].Hits; got != 0 {
		t.Errorf("Hits after rejected restore = %d, want 0", got)
	}
}

func TestRegistry_ConcurrentReadsDuringIngest(t *testing.T) {
	reg := NewRegistry(clockwork.NewRealClock())
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				now := time.Now()
				reg.IsReachable("Ip", now)
				reg.AvailableHits("Ip", now)
				reg.WaitTime("Ip", now)
				reg.Rules("Ip")
			}
		}()
	}

	for i := 0; i < 200; i++ {
		reg.Ingest(context.Background(), poeHeaders("5:10:60,15:60:600", "1:10:0,2:60:0"))
	}
	close(stop)
	wg.Wait()

	if got := len(reg.Rules("Ip")); got != 2 {
		t.Errorf("Rules len = %d, want 2", got)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"soon", 0},
		{t0.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{t0.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tc := range tests {
		h := http.Header{}
		if tc.value != "" {
			h.Set(HeaderRetryAfter, tc.value)
		}
		if got := RetryAfter(h, t0); got != tc.want {
			t.Errorf("RetryAfter(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestPolicyAndStateHeaderNames(t *testing.T) {
	if got := http.CanonicalHeaderKey(PolicyHeader("Ip")); got != "X-Rate-Limit-Ip" {
		t.Errorf("PolicyHeader = %q", got)
	}
	if got := http.CanonicalHeaderKey(StateHeader("Ip")); got != "X-Rate-Limit-Ip-State" {
		t.Errorf("StateHeader = %q", got)
	}
}
