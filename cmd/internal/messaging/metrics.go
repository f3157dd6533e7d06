package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the messaging core's instrumentation.
// All methods are nil-receiver safe so tests can run without a registry.
type Metrics struct {
	connections prometheus.Gauge
	onlineUsers prometheus.Gauge

	messagesSent      prometheus.Counter
	broadcastsDropped prometheus.Counter

	fanoutPublished prometheus.Counter
	fanoutReceived  prometheus.Counter
	fanoutErrors    prometheus.Counter
}

// NewMetrics registers the messaging collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plume",
			Name:      "connected_clients",
			Help:      "Live websocket connections on this process.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plume",
			Name:      "online_users",
			Help:      "Distinct users with at least one live connection on this process.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plume",
			Name:      "messages_sent_total",
			Help:      "Private messages persisted and broadcast.",
		}),
		broadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plume",
			Name:      "broadcasts_dropped_total",
			Help:      "Room broadcast deliveries dropped under backpressure.",
		}),
		fanoutPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "fanout",
			Name:      "published_total",
			Help:      "Broadcast frames published to the cluster broker.",
		}),
		fanoutReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "fanout",
			Name:      "received_total",
			Help:      "Broadcast frames received from other processes.",
		}),
		fanoutErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "fanout",
			Name:      "errors_total",
			Help:      "Broker publish/subscribe failures (delivery degraded to local-only).",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connections,
			m.onlineUsers,
			m.messagesSent,
			m.broadcastsDropped,
			m.fanoutPublished,
			m.fanoutReceived,
			m.fanoutErrors,
		)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) userOnline() {
	if m != nil {
		m.onlineUsers.Inc()
	}
}

func (m *Metrics) userOffline() {
	if m != nil {
		m.onlineUsers.Dec()
	}
}

func (m *Metrics) messageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) broadcastDropped() {
	if m != nil {
		m.broadcastsDropped.Inc()
	}
}

func (m *Metrics) fanoutPublish() {
	if m != nil {
		m.fanoutPublished.Inc()
	}
}

func (m *Metrics) fanoutReceive() {
	if m != nil {
		m.fanoutReceived.Inc()
	}
}

func (m *Metrics) fanoutError() {
	if m != nil {
		m.fanoutErrors.Inc()
	}
}
