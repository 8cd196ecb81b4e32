// Package metrics provides Prometheus metrics for the authorization engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	RequestsSubmitted   *prometheus.CounterVec
	DecisionsRecorded   *prometheus.CounterVec
	DecisionsRejected   prometheus.Counter
	TokensIssued        prometheus.Counter
	DispenseOutcomes    *prometheus.CounterVec
	DecisionDuration    prometheus.Histogram
	VerifyDuration      prometheus.Histogram
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		RequestsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authorization_requests_submitted_total",
			Help: "Prescription requests submitted, by triage category",
		}, []string{"category"}),
		DecisionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "review_decisions_total",
			Help: "Review decisions recorded, by role and action",
		}, []string{"role", "action"}),
		DecisionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "review_decisions_rejected_total",
			Help: "Decision attempts rejected (wrong role, wrong state, missing reason)",
		}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authorization_tokens_issued_total",
			Help: "Authorization tokens issued",
		}),
		DispenseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispense_outcomes_total",
			Help: "Dispense verification outcomes, by result",
		}, []string{"outcome"}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "review_decision_duration_seconds",
			Help:    "Review decision processing duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		VerifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispense_verify_duration_seconds",
			Help:    "Token verification duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_outbox_pending",
			Help: "Pending notification outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.RequestsSubmitted,
		m.DecisionsRecorded,
		m.DecisionsRejected,
		m.TokensIssued,
		m.DispenseOutcomes,
		m.DecisionDuration,
		m.VerifyDuration,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
