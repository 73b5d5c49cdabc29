package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/lewta/admit/internal/ratelimit"
	"github.com/lewta/admit/internal/task"
)

// Metrics holds Prometheus instruments for the scheduler and registry.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	batchSize       prometheus.Histogram
	waitSeconds     *prometheus.GaugeVec
	ingestTotal     *prometheus.CounterVec
	ruleHits        *prometheus.GaugeVec
	ruleCooldown    *prometheus.GaugeVec
}

// New creates and registers a Metrics instance on an isolated registry,
// preventing double-registration panics when multiple instances are created
// (e.g. in tests).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := build("admit")
	m.registry = reg

	reg.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.durationSeconds,
		m.queueDepth,
		m.batchSize,
		m.waitSeconds,
		m.ingestTotal,
		m.ruleHits,
		m.ruleCooldown,
	)
	return m
}

// Noop returns a Metrics instance that does nothing (used when metrics disabled).
func Noop() *Metrics {
	return build("noop")
}

func build(ns string) *Metrics {
	return &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Total number of requests dispatched, by method and status code.",
		}, []string{"method", "status_code"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Total number of failed requests, by outcome.",
		}, []string{"outcome"}),

		durationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "Transport duration in seconds, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "queue_depth",
			Help:      "Number of requests waiting for admission.",
		}),

		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "batch_size",
			Help:      "Number of requests admitted per batch.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}),

		waitSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "scope_wait_seconds",
			Help:      "Most recent wait imposed on a scope before it became reachable.",
		}, []string{"scope"}),

		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "header_ingest_total",
			Help:      "Rate-limit header ingestions, by scope and outcome.",
		}, []string{"scope", "outcome"}),

		ruleHits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "rule_hits",
			Help:      "Hits reported by the provider for each rule's current window.",
		}, []string{"scope", "rule"}),

		ruleCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "rule_cooldown_seconds",
			Help:      "Cooldown reported by the provider for each rule.",
		}, []string{"scope", "rule"}),
	}
}

// Record observes the result of a dispatched task.
func (m *Metrics) Record(r task.Result) {
	method := r.Task.Method
	m.durationSeconds.WithLabelValues(method).Observe(r.Duration.Seconds())

	if code := r.StatusCode(); code > 0 {
		m.requestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	}

	if r.Error != nil {
		m.errorsTotal.WithLabelValues(Outcome(r)).Inc()
	}
}

// Outcome labels a dispatch result for the errors counter and the
// scheduler's failure log. A cancelled context wins over any status the
// provider managed to return; the scheduler never retries on its own.
func Outcome(r task.Result) string {
	if errors.Is(r.Error, context.Canceled) || errors.Is(r.Error, context.DeadlineExceeded) {
		return "cancelled"
	}
	code := r.StatusCode()
	switch {
	case code == 0 && r.Error != nil:
		return "network"
	case code == http.StatusTooManyRequests:
		return "throttled"
	case code >= 500:
		return "server"
	case code >= 300:
		return "client"
	case r.Error != nil:
		return "error"
	default:
		return "ok"
	}
}

// SetQueueDepth reports the number of queued requests.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// ObserveBatch records the size of an admitted batch.
func (m *Metrics) ObserveBatch(n int) {
	m.batchSize.Observe(float64(n))
}

// ObserveWait records how long a scope held the queue back.
func (m *Metrics) ObserveWait(scope string, d time.Duration) {
	m.waitSeconds.WithLabelValues(scope).Set(d.Seconds())
}

// ObserveIngest implements ratelimit.Observer.
func (m *Metrics) ObserveIngest(scope string, rules []ratelimit.RuleState, err error) {
	m.ingestTotal.WithLabelValues(scope, ingestOutcome(err)).Inc()
	if err != nil {
		return
	}
	for _, r := range rules {
		id := r.Identity.String()
		m.ruleHits.WithLabelValues(scope, id).Set(float64(r.Hits))
		m.ruleCooldown.WithLabelValues(scope, id).Set(r.Cooldown.Seconds())
	}
}

func ingestOutcome(err error) string {
	var mh *ratelimit.MalformedHeaderError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &mh):
		return "malformed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// ServeHTTP starts the Prometheus metrics HTTP endpoint and shuts it down
// gracefully when ctx is cancelled. Call in a goroutine.
func (m *Metrics) ServeHTTP(ctx context.Context, port int) {
	if m.registry == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", srv.Addr).Msg("prometheus metrics endpoint listening")

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server error")
	}
}

// Handler exposes the metrics registry for embedding in another server.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
