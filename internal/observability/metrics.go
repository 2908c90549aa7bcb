package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	sessionsActive        prometheus.Gauge
	messagesReceivedTotal prometheus.Counter
	messagesSentTotal     *prometheus.CounterVec
	tokenRefreshTotal     *prometheus.CounterVec
	cacheOperationsTotal  *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the chat client.
func RegisterMetrics() {
	registerOnce.Do(func() {
		sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of chat sessions with an open socket.",
		})

		messagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_received_total",
			Help: "Total number of chat messages received over room sockets.",
		})

		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of frames written to room sockets.",
		}, []string{"kind"})

		tokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_token_refresh_total",
			Help: "Outcome of access token refresh attempts.",
		}, []string{"result"})

		cacheOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_cache_operations_total",
			Help: "Session cache operations by outcome.",
		}, []string{"op", "result"})

		prometheus.MustRegister(sessionsActive, messagesReceivedTotal, messagesSentTotal, tokenRefreshTotal, cacheOperationsTotal)
	})
}

// SessionsActive exposes the gauge of open chat sessions.
func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActive
}

// MessagesReceived exposes the counter of inbound chat messages.
func MessagesReceived() prometheus.Counter {
	RegisterMetrics()
	return messagesReceivedTotal
}

// MessagesSent exposes the counter of outbound frames, labelled by kind.
func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

// TokenRefreshes exposes the counter of refresh attempts, labelled by result.
func TokenRefreshes() *prometheus.CounterVec {
	RegisterMetrics()
	return tokenRefreshTotal
}

// CacheOperations exposes the counter of cache reads and writes.
func CacheOperations() *prometheus.CounterVec {
	RegisterMetrics()
	return cacheOperationsTotal
}
