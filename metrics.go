package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the sync core's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	stateTransitions *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	events           *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	rollbacks        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "hub_state_transitions_total",
			Help:      "Push-connection state transitions by hub and target state.",
		}, []string{"hub", "state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "hub_reconnect_attempts_total",
			Help:      "Reconnect attempts by hub and kind (transport or manual).",
		}, []string{"hub", "kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "push_events_total",
			Help:      "Push events received by hub and event name.",
		}, []string{"hub", "event"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicate_events_total",
			Help:      "Push events absorbed by id-based deduplication.",
		}, []string{"kind"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "optimistic_rollbacks_total",
			Help:      "Optimistic cache writes rolled back after a failed mutation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.stateTransitions, m.reconnects, m.events, m.duplicates, m.rollbacks)
	}
	return m
}

func (m *Metrics) stateChanged(hub string, s ConnectionState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(hub, string(s)).Inc()
}

func (m *Metrics) reconnect(hub, kind string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(hub, kind).Inc()
}

func (m *Metrics) event(hub, name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(hub, name).Inc()
}

func (m *Metrics) duplicate(kind string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(kind).Inc()
}

func (m *Metrics) rollback(op string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(op).Inc()
}
