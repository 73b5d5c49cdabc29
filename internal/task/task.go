package task

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"time"

	"github.com/lewta/admit/internal/config"
)

// Task describes one request to send through the admission queue.
type Task struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// FromTarget builds a Task from a configured target.
func FromTarget(t config.TargetConfig) Task {
	method := t.Method
	if method == "" {
		method = http.MethodGet
	}
	return Task{
		Method:  method,
		URL:     t.URL,
		Headers: t.Headers,
		Body:    t.Body,
	}
}

// Response is what the transport returned for a Task.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Admission describes how the scheduler let a Task through to the transport.
type Admission struct {
	Scope     string
	Batch     int // 1-based sequence number of the admitting batch
	BatchSize int
	Position  int           // 1-based position within the batch
	Waited    time.Duration // time the scope held this request back as unreachable
	Available int           // scope allowance after ingesting the response; -1 with no known rule
	At        time.Time     // dispatch instant on the scheduler's clock
}

// Result is the outcome delivered to the caller that enqueued a Task.
// Exactly one of Response and Error is meaningful unless the transport
// reported a failed status, in which case both are set. Admission is nil
// for a request that was never dispatched.
type Result struct {
	Task      Task
	Response  *Response
	Duration  time.Duration
	Error     error
	Admission *Admission
}

// StatusCode returns the response status, or 0 if there was no response.
func (r Result) StatusCode() int {
	if r.Response == nil {
		return 0
	}
	return r.Response.StatusCode
}

// Selector picks targets with probability proportional to their weight.
type Selector struct {
	targets    []config.TargetConfig
	cumulative []int
	total      int
}

// NewSelector builds the cumulative weight table for targets.
func NewSelector(targets []config.TargetConfig) (*Selector, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("selector requires at least one target")
	}

	cumulative := make([]int, len(targets))
	total := 0
	for i, t := range targets {
		if t.Weight > 0 {
			total += t.Weight
		}
		cumulative[i] = total
	}
	if total <= 0 {
		return nil, fmt.Errorf("total weight must be > 0")
	}

	return &Selector{targets: targets, cumulative: cumulative, total: total}, nil
}

// Pick selects a target and returns it as a Task.
func (s *Selector) Pick() Task {
	n := rand.IntN(s.total) //nolint:gosec
	i := sort.SearchInts(s.cumulative, n+1)
	return FromTarget(s.targets[i])
}

// Plan returns n picks, or every target once in order when n is 0.
func (s *Selector) Plan(n int) []Task {
	if n <= 0 {
		out := make([]Task, len(s.targets))
		for i, t := range s.targets {
			out[i] = FromTarget(t)
		}
		return out
	}
	out := make([]Task, n)
	for i := range out {
		out[i] = s.Pick()
	}
	return out
}
