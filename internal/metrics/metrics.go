// Package metrics exposes governance counters in the Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "concord"

type Metrics struct {
	registry *prometheus.Registry

	sessionsOpened    prometheus.Counter
	sessionsClosed    *prometheus.CounterVec
	votes             *prometheus.CounterVec
	revocations       *prometheus.CounterVec
	operationErrors   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// New builds a Metrics with its own registry, so tests can create many.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voting_sessions_opened_total",
			Help:      "Voting sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voting_sessions_closed_total",
			Help:      "Voting sessions closed, by final result.",
		}, []string{"result"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Accepted ballots, by choice and whether they replaced an earlier vote.",
		}, []string{"choice", "changed"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_revocations_total",
			Help:      "Role revocation attempts, by outcome.",
		}, []string{"outcome"}),
		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Rejected engine operations, by operation and error code.",
		}, []string{"operation", "code"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	reg.MustRegister(
		m.sessionsOpened, m.sessionsClosed, m.votes, m.revocations, m.operationErrors, m.operationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

func (m *Metrics) SessionClosed(result string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(result).Inc()
}

func (m *Metrics) VoteRecorded(choice string, changed bool) {
	if m == nil {
		return
	}
	label := "false"
	if changed {
		label = "true"
	}
	m.votes.WithLabelValues(choice, label).Inc()
}

// Revocation records "revoked" or "blocked".
func (m *Metrics) Revocation(outcome string) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OperationError(op, code string) {
	if m == nil {
		return
	}
	m.operationErrors.WithLabelValues(op, code).Inc()
}

func (m *Metrics) ObserveOperation(op string, seconds float64) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(op).Observe(seconds)
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
