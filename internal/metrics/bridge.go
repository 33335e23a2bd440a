package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the bridge and its transport.
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamvis_bridge_active_connections",
		Help: "The number of active WebSocket connections",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamvis_bridge_active_subscriptions",
		Help: "The number of live (stream, connection) subscriptions",
	})

	RegisteredStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamvis_bridge_registered_streams",
		Help: "The number of registered streams",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamvis_bridge_messages_received_total",
		Help: "The total number of inbound client messages",
	})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamvis_bridge_messages_dropped_total",
		Help: "The total number of inbound messages dropped as malformed or misdirected",
	})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamvis_bridge_frames_sent_total",
		Help: "The total number of outbound frames by type",
	}, []string{"type"})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamvis_bridge_send_failures_total",
		Help: "The total number of outbound sends that failed or were dropped on a closed connection",
	})

	CatalogBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamvis_bridge_catalog_broadcasts_total",
		Help: "The total number of streams-list broadcasts",
	})

	HTTPRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamvis_bridge_http_requests_total",
		Help: "The total number of HTTP requests",
	})
)

// Atomic mirrors of the collectors above. Prometheus metrics cannot be
// read back, so the stats API reads these instead.
var (
	activeConnectionsCount int64
	activeSubscrCount      int64
	messagesReceivedCount  int64
	framesSentCount        int64
)

func IncrementActiveConnections() {
	ActiveConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

func DecrementActiveConnections() {
	ActiveConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

func IncrementActiveSubscriptions() {
	ActiveSubscriptions.Inc()
	atomic.AddInt64(&activeSubscrCount, 1)
}

func DecrementActiveSubscriptions() {
	ActiveSubscriptions.Dec()
	atomic.AddInt64(&activeSubscrCount, -1)
}

func GetActiveSubscriptionsCount() int64 {
	return atomic.LoadInt64(&activeSubscrCount)
}

func IncrementMessagesReceived() {
	MessagesReceived.Inc()
	atomic.AddInt64(&messagesReceivedCount, 1)
}

func GetMessagesReceivedCount() int64 {
	return atomic.LoadInt64(&messagesReceivedCount)
}

// IncrementFramesSent records one outbound frame of the given type.
func IncrementFramesSent(frameType string) {
	FramesSent.WithLabelValues(frameType).Inc()
	atomic.AddInt64(&framesSentCount, 1)
}

func GetFramesSentCount() int64 {
	return atomic.LoadInt64(&framesSentCount)
}

// RegisterMetrics pre-registers label values so the series exist before
// the first event.
func RegisterMetrics() {
	frameTypes := []string{
		"stream-info", "next", "error", "complete", "streams-list",
	}
	for _, t := range frameTypes {
		FramesSent.WithLabelValues(t)
	}
}
