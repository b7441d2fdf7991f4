package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error categories reported back to clients and counted in metrics
const (
	ErrorAuth       = "auth"
	ErrorAddressing = "addressing"
	ErrorState      = "state"
	ErrorTransport  = "transport"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Session metrics
	activeSessions prometheus.Gauge
	connections    prometheus.Gauge

	// Auth metrics
	loginAttempts *prometheus.CounterVec // by result

	// Command metrics
	commandsReceived *prometheus.CounterVec // by command
	commandErrors    *prometheus.CounterVec // by category

	// Delivery metrics
	directDelivered prometheus.Counter
	groupDelivered  prometheus.Counter
	groupFanout     prometheus.Histogram

	// P2P metrics
	handshakes *prometheus.CounterVec // by result
}

// NewMetrics creates a new metrics instance registered with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessenger_active_sessions",
				Help: "Current number of authenticated users",
			},
		),
		connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tessenger_connections",
				Help: "Current number of open control connections",
			},
		),
		loginAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessenger_login_attempts_total",
				Help: "Login attempts by result",
			},
			[]string{"result"},
		),
		commandsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessenger_commands_received_total",
				Help: "Total number of commands received from clients by command",
			},
			[]string{"command"},
		),
		commandErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessenger_command_errors_total",
				Help: "Error replies sent to clients by category",
			},
			[]string{"category"},
		),
		directDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tessenger_direct_messages_delivered_total",
				Help: "Total number of direct messages delivered",
			},
		),
		groupDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tessenger_group_messages_delivered_total",
				Help: "Total number of group message deliveries (one per recipient)",
			},
		),
		groupFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tessenger_group_fanout",
				Help:    "Number of online members that received each group message",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tessenger_p2p_handshakes_total",
				Help: "P2P endpoint requests by result",
			},
			[]string{"result"},
		),
	}
}

// RecordActiveSessions updates the authenticated user count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordConnections updates the open connection count
func (m *Metrics) RecordConnections(count int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(count))
}

// RecordLogin increments the login counter for a result
func (m *Metrics) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(result).Inc()
}

// RecordCommand increments the command counter
func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.commandsReceived.WithLabelValues(command).Inc()
}

// RecordError increments the error reply counter for a category
func (m *Metrics) RecordError(category string) {
	if m == nil {
		return
	}
	m.commandErrors.WithLabelValues(category).Inc()
}

// RecordDirectDelivered increments the direct delivery counter
func (m *Metrics) RecordDirectDelivered() {
	if m == nil {
		return
	}
	m.directDelivered.Inc()
}

// RecordGroupDelivered records one group post reaching recipientCount members
func (m *Metrics) RecordGroupDelivered(recipientCount int) {
	if m == nil {
		return
	}
	m.groupDelivered.Add(float64(recipientCount))
	m.groupFanout.Observe(float64(recipientCount))
}

// RecordHandshake increments the p2p handshake counter for a result
func (m *Metrics) RecordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}
