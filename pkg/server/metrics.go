package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Broadcast metrics
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram
	messagesBroadcast prometheus.Counter
	privateMessages   *prometheus.CounterVec // by outcome
	deliveryFailures  prometheus.Counter
	messagesDropped   *prometheus.CounterVec // by reason

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	handshakeFailures    *prometheus.CounterVec // by reason
	connectionsRejected  prometheus.Counter

	// Transport metrics
	connectionsAccepted *prometheus.CounterVec // by transport
	listenQueueOverflow prometheus.Counter
}

// NewMetrics creates a metrics instance registered with reg. A nil reg uses
// the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lanchat_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast message",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		broadcastDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lanchat_broadcast_duration_seconds",
				Help:    "Time taken to deliver a broadcast to every registered session",
				Buckets: prometheus.DefBuckets,
			},
		),
		messagesBroadcast: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lanchat_messages_broadcast_total",
				Help: "Total number of messages broadcast (unique messages, not deliveries)",
			},
		),
		privateMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_private_messages_total",
				Help: "Total number of private messages by outcome",
			},
			[]string{"outcome"}, // "delivered", "not_found", "failed"
		),
		deliveryFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lanchat_delivery_failures_total",
				Help: "Total number of sends to a peer that failed and removed the peer",
			},
		),
		messagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_messages_dropped_total",
				Help: "Total number of inbound messages dropped without delivery by reason",
			},
			[]string{"reason"}, // "malformed", "oversize"
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lanchat_active_sessions",
				Help: "Current number of registered sessions",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lanchat_sessions_created_total",
				Help: "Total number of sessions that completed the handshake",
			},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lanchat_sessions_disconnected_total",
				Help: "Total number of registered sessions removed",
			},
		),
		handshakeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_handshake_failures_total",
				Help: "Total number of failed handshakes by reason",
			},
			[]string{"reason"},
		),
		connectionsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lanchat_connections_rejected_total",
				Help: "Total number of connections closed because the server was full",
			},
		),
		connectionsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_connections_accepted_total",
				Help: "Total number of accepted connections by transport",
			},
			[]string{"transport"},
		),
		listenQueueOverflow: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lanchat_listen_queue_overflows_total",
				Help: "Kernel-reported listen queue overflows (Linux only)",
			},
		),
	}
}

// RecordBroadcast records one broadcast with its fan-out and duration
func (m *Metrics) RecordBroadcast(recipientCount int, durationSeconds float64) {
	m.messagesBroadcast.Inc()
	m.broadcastFanout.Observe(float64(recipientCount))
	m.broadcastDuration.Observe(durationSeconds)
}

// RecordPrivateMessage increments the private message counter for an outcome
func (m *Metrics) RecordPrivateMessage(outcome string) {
	m.privateMessages.WithLabelValues(outcome).Inc()
}

// RecordDeliveryFailure increments the failed delivery counter
func (m *Metrics) RecordDeliveryFailure() {
	m.deliveryFailures.Inc()
}

// RecordDroppedMessage increments the dropped message counter for a reason
func (m *Metrics) RecordDroppedMessage(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordHandshakeFailure increments the handshake failure counter
func (m *Metrics) RecordHandshakeFailure(reason string) {
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

// RecordConnectionRejected increments the full-server rejection counter
func (m *Metrics) RecordConnectionRejected() {
	m.connectionsRejected.Inc()
}

// RecordConnectionAccepted increments the accepted connection counter
func (m *Metrics) RecordConnectionAccepted(transport string) {
	m.connectionsAccepted.WithLabelValues(transport).Inc()
}

// RecordListenQueueOverflow adds to the listen queue overflow counter
func (m *Metrics) RecordListenQueueOverflow(n uint64) {
	m.listenQueueOverflow.Add(float64(n))
}
