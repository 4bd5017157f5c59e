// Package metrics provides the gateway's Prometheus collectors.
package metrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "sessiongate"
	subsystem = "gateway"
)

var (
	instanceLabel string
	once          sync.Once
)

// GetInstanceLabel returns the instance label (pod name or hostname), used
// to distinguish replicas in dashboards.
func GetInstanceLabel() string {
	once.Do(func() {
		instanceLabel = os.Getenv("POD_NAME")
		if instanceLabel == "" {
			instanceLabel = os.Getenv("HOSTNAME")
		}
		if instanceLabel == "" {
			if hostname, err := os.Hostname(); err == nil {
				instanceLabel = hostname
			} else {
				instanceLabel = "unknown"
			}
		}
	})
	return instanceLabel
}

// Metrics holds every collector the gateway reports to Prometheus.
type Metrics struct {
	SocketsActive      *prometheus.GaugeVec
	SocketsTotal       *prometheus.CounterVec
	SocketsClosedTotal *prometheus.CounterVec
	MessagesSentTotal  *prometheus.CounterVec
	MessagesRecvTotal  *prometheus.CounterVec

	BatcherPending         prometheus.Gauge
	ConnectionsEvictedTotal prometheus.Counter

	instance string
}

var globalMetrics *Metrics

// New creates and registers the gateway's metrics.
func New() *Metrics {
	instance := GetInstanceLabel()

	m := &Metrics{
		instance: instance,

		SocketsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sockets_active",
				Help:      "Number of currently active WebSocket sockets on this replica",
			},
			[]string{"instance"},
		),

		SocketsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sockets_total",
				Help:      "Total number of WebSocket sockets accepted",
			},
			[]string{"instance"},
		),

		SocketsClosedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sockets_closed_total",
				Help:      "Total number of WebSocket sockets closed, by terminal state",
			},
			[]string{"instance", "reason"},
		),

		MessagesSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_sent_total",
				Help:      "Total number of successful reply frames sent to client messages, by reply type",
			},
			[]string{"instance", "type"},
		),

		MessagesRecvTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_received_total",
				Help:      "Total number of inbound frames received from clients",
			},
			[]string{"instance", "type"},
		),

		BatcherPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "batcher",
				Name:      "pending_writes",
				Help:      "Number of coalesced store writes waiting on the next flush",
			},
		),

		ConnectionsEvictedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connections",
				Name:      "evicted_total",
				Help:      "Total number of stale connection records evicted by this replica's sweeper",
			},
		),
	}

	globalMetrics = m
	return m
}

// Get returns the global metrics instance, creating it if needed.
func Get() *Metrics {
	if globalMetrics == nil {
		return New()
	}
	return globalMetrics
}

// SocketOpened records a newly accepted socket. Satisfies websocket.Metrics.
func (m *Metrics) SocketOpened() {
	m.SocketsActive.WithLabelValues(m.instance).Inc()
	m.SocketsTotal.WithLabelValues(m.instance).Inc()
}

// SocketClosed records a socket reaching its terminal state. Satisfies
// websocket.Metrics.
func (m *Metrics) SocketClosed(reason string) {
	m.SocketsActive.WithLabelValues(m.instance).Dec()
	m.SocketsClosedTotal.WithLabelValues(m.instance, reason).Inc()
}

// MessageReceived records an inbound frame. Satisfies websocket.Metrics.
func (m *Metrics) MessageReceived(msgType string) {
	m.MessagesRecvTotal.WithLabelValues(m.instance, msgType).Inc()
}

// MessageSent records an outbound frame. Satisfies websocket.Metrics.
func (m *Metrics) MessageSent(msgType string) {
	m.MessagesSentTotal.WithLabelValues(m.instance, msgType).Inc()
}

// SetBatcherPending syncs the pending-writes gauge with the Batcher's own
// count, the way the teacher's SetActiveConnections syncs a gauge from hub
// stats.
func (m *Metrics) SetBatcherPending(count int) {
	m.BatcherPending.Set(float64(count))
}

// ConnectionEvicted records the replica-failure sweeper removing one stale
// connection record.
func (m *Metrics) ConnectionEvicted() {
	m.ConnectionsEvictedTotal.Inc()
}
