package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response headers published by the provider.
const (
	HeaderRetryAfter = "Retry-After"
	HeaderRules      = "X-Rate-Limit-Rules"
	HeaderDate       = "Date"
)

// PolicyHeader returns the header carrying the max:period:restricted
// triplets for scope.
func PolicyHeader(scope string) string {
	return "X-Rate-Limit-" + strings.ToLower(scope)
}

// StateHeader returns the header carrying the hits:period:cooldown
// triplets for scope.
func StateHeader(scope string) string {
	return PolicyHeader(scope) + "-State"
}

// observation is one parsed policy/state pair.
type observation struct {
	id   Identity
	snap Snapshot
}

// parseHeaders extracts the scope and its rule observations from h. It
// returns an empty scope if the response carries no rate-limit rules.
// observedAt is used when the response has no parseable Date header.
func parseHeaders(h http.Header, observedAt time.Time) (string, []observation, error) {
	scope := strings.TrimSpace(h.Get(HeaderRules))
	if scope == "" {
		return "", nil, nil
	}

	// The rules header may name several scopes; the first one governs.
	if i := strings.IndexByte(scope, ','); i >= 0 {
		scope = strings.TrimSpace(scope[:i])
	}

	policyName, stateName := PolicyHeader(scope), StateHeader(scope)
	policy := h.Get(policyName)
	if policy == "" {
		return scope, nil, &MalformedHeaderError{Scope: scope, Header: policyName, Reason: "missing"}
	}
	state := h.Get(stateName)
	if state == "" {
		return scope, nil, &MalformedHeaderError{Scope: scope, Header: stateName, Reason: "missing"}
	}

	policies := strings.Split(policy, ",")
	states := strings.Split(state, ",")
	if len(policies) != len(states) {
		return scope, nil, &MalformedHeaderError{
			Scope:  scope,
			Header: stateName,
			Reason: "has " + strconv.Itoa(len(states)) + " entries, policy has " + strconv.Itoa(len(policies)),
		}
	}

	if d := h.Get(HeaderDate); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			observedAt = t
		}
	}

	out := make([]observation, 0, len(policies))
	for i := range policies {
		p, err := parseTriplet(policies[i])
		if err != nil {
			return scope, nil, &MalformedHeaderError{Scope: scope, Header: policyName, Reason: "entry " + strconv.Itoa(i) + ": " + err.Error()}
		}
		if p[0] <= 0 {
			return scope, nil, &MalformedHeaderError{Scope: scope, Header: policyName, Reason: "entry " + strconv.Itoa(i) + ": max hits must be > 0"}
		}
		s, err := parseTriplet(states[i])
		if err != nil {
			return scope, nil, &MalformedHeaderError{Scope: scope, Header: stateName, Reason: "entry " + strconv.Itoa(i) + ": " + err.Error()}
		}
		out = append(out, observation{
			id: Identity{MaxHits: p[0], Period: seconds(p[1]), Restricted: seconds(p[2])},
			snap: Snapshot{
				ObservedAt: observedAt,
				Hits:       s[0],
				Period:     seconds(s[1]),
				Cooldown:   seconds(s[2]),
			},
		})
	}
	return scope, out, nil
}

// RetryAfter parses the Retry-After header as integer seconds or an
// HTTP-date relative to now. It returns 0 when absent or not positive.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0
		}
		return seconds(n)
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
