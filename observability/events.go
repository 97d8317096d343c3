package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics tracks the payment simulator server.
type SimulatorMetrics struct {
	intents     *prometheus.CounterVec
	settlements *prometheus.CounterVec
	replays     prometheus.Counter
}

// NewSimulatorMetrics builds SimulatorMetrics registered on reg, or
// unregistered when reg is nil.
func NewSimulatorMetrics(reg prometheus.Registerer) *SimulatorMetrics {
	m := &SimulatorMetrics{
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustlord",
			Subsystem: "simulator",
			Name:      "intents_total",
			Help:      "Payment initiations handled by the simulator segmented by crypto asset and outcome code.",
		}, []string{"asset", "outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustlord",
			Subsystem: "simulator",
			Name:      "settlements_total",
			Help:      "Intents that reached a terminal status segmented by status.",
		}, []string{"status"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustlord",
			Subsystem: "simulator",
			Name:      "idempotent_replays_total",
			Help:      "Initiations answered from the idempotency store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.intents, m.settlements, m.replays)
	}
	return m
}

// RecordIntent counts an initiation for the supplied asset ticker.
func (m *SimulatorMetrics) RecordIntent(asset, outcome string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.intents.WithLabelValues(normalized, label(outcome)).Inc()
}

// RecordSettlement counts an intent reaching status.
func (m *SimulatorMetrics) RecordSettlement(status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(label(status)).Inc()
}

// RecordReplay counts an idempotent replay.
func (m *SimulatorMetrics) RecordReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}
