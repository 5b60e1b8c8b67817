package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records runtime counters. All methods are safe for concurrent
// use; a nil *Metrics is a no-op so callers never guard.
type Metrics struct {
	requests           *prometheus.CounterVec
	requestDuration    prometheus.Histogram
	roleOutcomes       *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	inFlight           prometheus.Gauge
}

// NewMetrics creates and registers the runtime metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "requests_total",
			Help:      "Requests by terminal outcome.",
		}, []string{"outcome", "tier"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ensemble",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		roleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "role_outcomes_total",
			Help:      "Fan-out task outcomes by model and status.",
		}, []string{"model", "status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result layer (or miss).",
		}, []string{"layer"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"model", "to"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ensemble",
			Name:      "queue_depth",
			Help:      "Admission queue depth.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ensemble",
			Name:      "requests_in_flight",
			Help:      "Requests currently dispatched.",
		}),
	}
	reg.MustRegister(
		m.requests, m.requestDuration, m.roleOutcomes,
		m.cacheLookups, m.breakerTransitions, m.queueDepth, m.inFlight,
	)
	return m
}

// RequestDone counts a finished request.
func (m *Metrics) RequestDone(outcome, tier string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome, tier).Inc()
	m.requestDuration.Observe(seconds)
}

// RoleOutcome counts one fan-out task result.
func (m *Metrics) RoleOutcome(model, status string) {
	if m == nil {
		return
	}
	m.roleOutcomes.WithLabelValues(model, status).Inc()
}

// CacheLookup counts a cache probe result; layer is "miss" on miss.
func (m *Metrics) CacheLookup(layer string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(layer).Inc()
}

// BreakerTransition counts a breaker state change.
func (m *Metrics) BreakerTransition(model, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(model, to).Inc()
}

// QueueDepth reports the admission queue depth.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// InFlight reports the dispatched request count.
func (m *Metrics) InFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}
