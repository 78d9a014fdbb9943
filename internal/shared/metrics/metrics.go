package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ollama_gateway"

// Metrics holds all Prometheus metrics for the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Admission metrics
	AdmissionsTotal *prometheus.CounterVec
	InFlight        prometheus.Gauge

	// Backend metrics
	BackendRequestsTotal *prometheus.CounterVec
	BackendDuration      *prometheus.HistogramVec
	BreakerState         prometheus.Gauge

	// Ledger metrics
	UsageEventsTotal *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// backend calls routinely take tens of seconds
var backendBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}

var httpBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// New creates and registers all metrics on reg (the default registerer if nil)
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "admissions_total",
				Help:      "Admission decisions by result (admitted or rejection kind)",
			},
			[]string{"result"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "in_flight_requests",
				Help:      "Requests admitted and not yet released",
			},
		),
		BackendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "requests_total",
				Help:      "Backend calls by outcome",
			},
			[]string{"outcome"},
		),
		BackendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "duration_seconds",
				Help:      "Duration of backend calls in seconds",
				Buckets:   backendBuckets,
			},
			[]string{"outcome"},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "breaker_state",
				Help:      "Backend circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
		UsageEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "usage_events_total",
				Help:      "Usage event writes by result",
			},
			[]string{"result"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "tokens_total",
				Help:      "Tokens processed by direction",
			},
			[]string{"direction"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   httpBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordAdmission counts an admission decision
func (m *Metrics) RecordAdmission(result string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(result).Inc()
}

// IncInFlight tracks a newly admitted request
func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

// DecInFlight tracks a released request
func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

// RecordBackendCall records the outcome and duration of a backend call
func (m *Metrics) RecordBackendCall(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(outcome).Inc()
	m.BackendDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetBreakerState records the breaker state (0=closed, 1=half-open, 2=open)
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(state))
}

// RecordUsageEvent counts a usage write
func (m *Metrics) RecordUsageEvent(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.UsageEventsTotal.WithLabelValues(result).Inc()
}

// RecordTokens adds token counts
func (m *Metrics) RecordTokens(input, output int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input").Add(float64(input))
	m.TokensTotal.WithLabelValues("output").Add(float64(output))
}

// RecordHTTPRequest records one served HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
