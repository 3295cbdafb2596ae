// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Realtime connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockethub_connections_active",
		Help: "The current number of open realtime connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockethub_connections_total",
		Help: "The total number of realtime connections accepted.",
	})
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockethub_events_emitted_total",
		Help: "The total number of events written to clients.",
	}, []string{"event"})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockethub_events_dropped_total",
		Help: "Events discarded because the target session was not reachable.",
	}, []string{"event"})
	SlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockethub_slow_consumer_disconnects_total",
		Help: "Connections closed because their send queue was full.",
	})

	// Auth
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockethub_auth_success_total",
		Help: "The total number of successful handshakes.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockethub_auth_failures_total",
		Help: "The total number of rejected handshakes.",
	}, []string{"reason"})

	// Bridge
	BridgeMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockethub_bridge_published_total",
		Help: "Envelopes published to the pub/sub bridge.",
	}, []string{"kind"})
	BridgeMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockethub_bridge_received_total",
		Help: "Envelopes received from other instances over the bridge.",
	}, []string{"kind"})

	// Cache
	CacheNetworked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockethub_cache_networked",
		Help: "1 while the key-value cache is served by the network store, 0 while file-backed.",
	})
	CacheModeChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockethub_cache_mode_changes_total",
		Help: "Cache mode transitions, by the mode entered.",
	}, []string{"mode"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
