package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TenantMetrics captures the tenant onboarding and rent payment flow.
type TenantMetrics struct {
	transitions      *prometheus.CounterVec
	payments         *prometheus.CounterVec
	reconciles       *prometheus.CounterVec
	reconcileLatency prometheus.Histogram
	polls            prometheus.Counter
}

var (
	tenantMetricsOnce sync.Once
	tenantRegistry    *TenantMetrics
)

// Tenant returns the lazily-initialised tenant metrics registered on the
// default prometheus registry.
func Tenant() *TenantMetrics {
	tenantMetricsOnce.Do(func() {
		tenantRegistry = NewTenantMetrics(prometheus.DefaultRegisterer)
	})
	return tenantRegistry
}

// NewTenantMetrics builds a TenantMetrics registered on reg. A nil reg leaves
// the collectors unregistered, which tests use to avoid duplicate
// registration.
func NewTenantMetrics(reg prometheus.Registerer) *TenantMetrics {
	m := &TenantMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustlord",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Scan session state transitions segmented by source state, target state and event.",
		}, []string{"from", "to", "event"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustlord",
			Subsystem: "payments",
			Name:      "attempts_total",
			Help:      "Rent payment attempts segmented by method and outcome code.",
		}, []string{"method", "outcome"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustlord",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Payment reconciliations segmented by source and outcome code.",
		}, []string{"source", "outcome"}),
		reconcileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trustlord",
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Time from the first status poll to a settled lease record.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustlord",
			Subsystem: "reconcile",
			Name:      "status_polls_total",
			Help:      "Gateway status queries issued while waiting for settlement.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.payments, m.reconciles, m.reconcileLatency, m.polls)
	}
	return m
}

// RecordTransition counts a session state change.
func (m *TenantMetrics) RecordTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(from), label(to), label(event)).Inc()
}

// RecordPayment counts a payment attempt. outcome is "ok" or an error code.
func (m *TenantMetrics) RecordPayment(method, outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(label(method), label(outcome)).Inc()
}

// RecordStatusPoll counts one gateway status query.
func (m *TenantMetrics) RecordStatusPoll() {
	if m == nil {
		return
	}
	m.polls.Inc()
}

// ObserveReconcile records a reconciliation attempt and its duration.
func (m *TenantMetrics) ObserveReconcile(source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(label(source), label(outcome)).Inc()
	if duration > 0 {
		m.reconcileLatency.Observe(duration.Seconds())
	}
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
