// Package metrics wraps a Prometheus registry with the simulator's domain
// counters, grounded on the teacher's MetricsRegistry (lib/metrics/prometheus.go):
// one *prometheus.Registry, one constructor that builds and registers every
// metric, and a ServeHTTP-style exposition handler. The core engine never
// imports this package directly (spec.md §1 lists Prometheus plumbing as
// out-of-core) — it calls the Hooks interface, which this package implements.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coder/llmsimulator/internal/engine"
)

// Hooks is the seam spec.md §1 describes: "the core exposes hooks [metrics]
// rely on". Transport calls these; neither dispatch nor anything in
// internal/engine imports this package.
type Hooks interface {
	RequestStarted(family engine.Family, operation engine.Operation)
	RequestCompleted(family engine.Family, operation engine.Operation, status string, duration time.Duration)
	ChaosInjected(family engine.Family, ruleName string, kind engine.ErrorKind)
	BreakerTransition(family engine.Family, toState string)
	TokensGenerated(family engine.Family, promptTokens, completionTokens int)
	AdmissionRejected()
}

// Registry wraps a Prometheus registry with the simulator's domain metrics.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestsInFlight   prometheus.Gauge
	chaosInjectedTotal *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	promptTokensTotal  *prometheus.CounterVec
	completionTokens   *prometheus.CounterVec
	admissionRejected  prometheus.Counter
}

// New builds and registers every domain metric.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_requests_total",
		Help: "Total requests by vendor family, operation, and terminal status.",
	}, []string{"family", "operation", "status"})

	r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simulator_request_duration_seconds",
		Help:    "Request latency in seconds by vendor family and operation.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"family", "operation", "status"})

	r.requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_requests_in_flight",
		Help: "Requests currently holding an admission slot.",
	})

	r.chaosInjectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_chaos_injected_total",
		Help: "Chaos rule firings by vendor family, rule name, and injected error kind.",
	}, []string{"family", "rule", "kind"})

	r.breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions by vendor family and destination state.",
	}, []string{"family", "state"})

	r.promptTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_prompt_tokens_total",
		Help: "Prompt tokens accounted, by vendor family.",
	}, []string{"family"})

	r.completionTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_completion_tokens_total",
		Help: "Completion tokens emitted, by vendor family.",
	}, []string{"family"})

	r.admissionRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simulator_admission_rejected_total",
		Help: "Requests rejected at admission because max_concurrent_requests was exhausted.",
	})

	r.reg.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.requestsInFlight,
		r.chaosInjectedTotal,
		r.breakerTransitions,
		r.promptTokensTotal,
		r.completionTokens,
		r.admissionRejected,
	)

	return r
}

// Handler returns the /metrics exposition handler (§6).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) RequestStarted(family engine.Family, operation engine.Operation) {
	r.requestsInFlight.Inc()
}

func (r *Registry) RequestCompleted(family engine.Family, operation engine.Operation, status string, duration time.Duration) {
	r.requestsInFlight.Dec()
	r.requestsTotal.WithLabelValues(string(family), string(operation), status).Inc()
	r.requestDuration.WithLabelValues(string(family), string(operation), status).Observe(duration.Seconds())
}

func (r *Registry) ChaosInjected(family engine.Family, ruleName string, kind engine.ErrorKind) {
	r.chaosInjectedTotal.WithLabelValues(string(family), ruleName, string(kind)).Inc()
}

func (r *Registry) BreakerTransition(family engine.Family, toState string) {
	r.breakerTransitions.WithLabelValues(string(family), toState).Inc()
}

func (r *Registry) TokensGenerated(family engine.Family, promptTokens, completionTokens int) {
	r.promptTokensTotal.WithLabelValues(string(family)).Add(float64(promptTokens))
	r.completionTokens.WithLabelValues(string(family)).Add(float64(completionTokens))
}

func (r *Registry) AdmissionRejected() {
	r.admissionRejected.Inc()
}

var _ Hooks = (*Registry)(nil)
