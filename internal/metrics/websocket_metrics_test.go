package metrics

import (
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetInstanceLabel(t *testing.T) {
	t.Run("with POD_NAME", func(t *testing.T) {
		once = sync.Once{}
		instanceLabel = ""
		os.Setenv("POD_NAME", "test-pod-123")
		defer os.Unsetenv("POD_NAME")

		assert.Equal(t, "test-pod-123", GetInstanceLabel())
	})

	t.Run("with HOSTNAME fallback", func(t *testing.T) {
		once = sync.Once{}
		instanceLabel = ""
		os.Unsetenv("POD_NAME")
		os.Setenv("HOSTNAME", "test-hostname")
		defer os.Unsetenv("HOSTNAME")

		assert.Equal(t, "test-hostname", GetInstanceLabel())
	})
}

// newTestMetrics builds a Metrics struct with unregistered collectors, so
// tests can exercise the recording methods without panicking on duplicate
// registration against the default Prometheus registry.
func newTestMetrics() *Metrics {
	return &Metrics{
		instance: "test-pod",
		SocketsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "sockets_active"}, []string{"instance"}),
		SocketsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sockets_total"}, []string{"instance"}),
		SocketsClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sockets_closed_total"}, []string{"instance", "reason"}),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "messages_sent_total"}, []string{"instance", "type"}),
		MessagesRecvTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "messages_received_total"}, []string{"instance", "type"}),
		BatcherPending:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "pending_writes"}),
		ConnectionsEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "evicted_total"}),
	}
}

func TestSocketOpenedAndClosed(t *testing.T) {
	m := newTestMetrics()

	m.SocketOpened()
	m.SocketOpened()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SocketsActive.WithLabelValues(m.instance)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SocketsTotal.WithLabelValues(m.instance)))

	m.SocketClosed("inactivity timeout")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SocketsActive.WithLabelValues(m.instance)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SocketsClosedTotal.WithLabelValues(m.instance, "inactivity timeout")))
}

func TestMessageReceivedAndSent(t *testing.T) {
	m := newTestMetrics()

	m.MessageReceived("ping")
	m.MessageReceived("ping")
	m.MessageSent("pong")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.MessagesRecvTotal.WithLabelValues(m.instance, "ping")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues(m.instance, "pong")))
}

func TestSetBatcherPending(t *testing.T) {
	m := newTestMetrics()

	m.SetBatcherPending(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(m.BatcherPending))

	m.SetBatcherPending(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.BatcherPending))
}

func TestConnectionEvicted(t *testing.T) {
	m := newTestMetrics()

	m.ConnectionEvicted()
	m.ConnectionEvicted()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConnectionsEvictedTotal))
}
