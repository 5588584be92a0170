package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects hub, alert and client metrics. Every method is safe on a
// nil receiver so components can run without metrics in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.EventPublished("order.validated", 3, time.Since(start))
type Metrics struct {
	// Connections tracks live connections.
	// Labels: role
	Connections *prometheus.GaugeVec

	// ConnectedUsers tracks users with at least one live connection.
	ConnectedUsers prometheus.Gauge

	// AuthFailures counts rejected handshakes.
	// Labels: reason (invalid_credential|account_inactive|missing_credential|verifier_error)
	AuthFailures *prometheus.CounterVec

	// Disconnects counts closed connections.
	// Labels: reason
	Disconnects *prometheus.CounterVec

	// EventsPublished counts published domain events.
	// Labels: kind
	EventsPublished *prometheus.CounterVec

	// Deliveries counts per-connection frame writes during fan-out.
	// Labels: result (delivered|failed)
	Deliveries *prometheus.CounterVec

	// PublishDuration measures the time spent routing one event.
	// Buckets: 0.0005s to 0.5s
	PublishDuration prometheus.Histogram

	// RoomJoins counts join decisions.
	// Labels: result (allowed|denied)
	RoomJoins *prometheus.CounterVec

	// HeartbeatEvictions counts connections closed for missing heartbeats.
	HeartbeatEvictions prometheus.Counter

	// ReplayedEvents counts events resent by catch-up requests.
	ReplayedEvents prometheus.Counter

	// Alerts counts alert ingestion outcomes.
	// Labels: category, outcome (created|merged|duplicate|resolved_by_event)
	Alerts *prometheus.CounterVec

	// AlertTransitions counts alert state changes.
	// Labels: category, status
	AlertTransitions *prometheus.CounterVec

	// AlertEscalations counts escalation attempts.
	// Labels: category, result (ok|failed)
	AlertEscalations *prometheus.CounterVec

	// OpenAlerts tracks unresolved alerts.
	// Labels: category
	OpenAlerts *prometheus.GaugeVec

	// ClientReconnects counts client state machine outcomes.
	// Labels: outcome (opened|retry_scheduled|auth_failed|gave_up)
	ClientReconnects *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_connections",
				Help: "Live websocket connections by role",
			},
			[]string{"role"},
		),
		ConnectedUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_connected_users",
				Help: "Users with at least one live connection",
			},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_auth_failures_total",
				Help: "Rejected websocket handshakes by reason",
			},
			[]string{"reason"},
		),
		Disconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_disconnects_total",
				Help: "Closed connections by reason",
			},
			[]string{"reason"},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_published_total",
				Help: "Published domain events by kind",
			},
			[]string{"kind"},
		),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_event_deliveries_total",
				Help: "Per-connection deliveries during fan-out by result",
			},
			[]string{"result"},
		),
		PublishDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_publish_duration_seconds",
				Help:    "Time spent routing one event",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
		RoomJoins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_room_joins_total",
				Help: "Room join decisions by result",
			},
			[]string{"result"},
		),
		HeartbeatEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_heartbeat_evictions_total",
				Help: "Connections closed for missing heartbeats",
			},
		),
		ReplayedEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_replayed_events_total",
				Help: "Events resent by catch-up requests",
			},
		),
		Alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_alerts_total",
				Help: "Alert ingestion outcomes by category",
			},
			[]string{"category", "outcome"},
		),
		AlertTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_alert_transitions_total",
				Help: "Alert state transitions by category and new status",
			},
			[]string{"category", "status"},
		),
		AlertEscalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_alert_escalations_total",
				Help: "Alert escalation attempts by category and result",
			},
			[]string{"category", "result"},
		),
		OpenAlerts: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_alerts_open",
				Help: "Unresolved alerts by category",
			},
			[]string{"category"},
		),
		ClientReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_client_reconnects_total",
				Help: "Client connection outcomes",
			},
			[]string{"outcome"},
		),
	}
}

// ConnectionOpened records a registered connection.
func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(role).Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed(role, reason string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(role).Dec()
	m.Disconnects.WithLabelValues(reason).Inc()
}

// SetConnectedUsers updates the connected users gauge.
func (m *Metrics) SetConnectedUsers(n int) {
	if m == nil {
		return
	}
	m.ConnectedUsers.Set(float64(n))
}

// AuthFailed records a rejected handshake.
func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// EventPublished records one routed event.
func (m *Metrics) EventPublished(kind string, delivered, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
	m.Deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.Deliveries.WithLabelValues("failed").Add(float64(failed))
	m.PublishDuration.Observe(elapsed.Seconds())
}

// RoomJoin implements rooms.JoinObserver.
func (m *Metrics) RoomJoin(_ string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.RoomJoins.WithLabelValues(result).Inc()
}

// HeartbeatEvicted records a heartbeat eviction.
func (m *Metrics) HeartbeatEvicted() {
	if m == nil {
		return
	}
	m.HeartbeatEvictions.Inc()
}

// EventsReplayed records catch-up events.
func (m *Metrics) EventsReplayed(n int) {
	if m == nil {
		return
	}
	m.ReplayedEvents.Add(float64(n))
}

// AlertIngested records an alert ingestion outcome.
func (m *Metrics) AlertIngested(category, outcome string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(category, outcome).Inc()
}

// AlertTransition records a state change.
func (m *Metrics) AlertTransition(category, status string) {
	if m == nil {
		return
	}
	m.AlertTransitions.WithLabelValues(category, status).Inc()
}

// AlertEscalation records an escalation attempt.
func (m *Metrics) AlertEscalation(category string, ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.AlertEscalations.WithLabelValues(category, result).Inc()
}

// SetOpenAlerts updates the open alerts gauge for category.
func (m *Metrics) SetOpenAlerts(category string, n int) {
	if m == nil {
		return
	}
	m.OpenAlerts.WithLabelValues(category).Set(float64(n))
}

// ClientOutcome records a client state machine outcome.
func (m *Metrics) ClientOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ClientReconnects.WithLabelValues(outcome).Inc()
}
