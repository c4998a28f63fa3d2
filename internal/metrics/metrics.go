// Package metrics declares the Prometheus instrumentation surface for the
// sync server. Metrics are kept close to business logic (room, session,
// bus) and exposed through a single promauto registry, rather than having
// each subpackage own a registry of its own.
//
// Naming convention: namespace_subsystem_name
//   - namespace: epicenter (application-level grouping)
//   - subsystem: websocket, room, session, bus, rate_limit, circuit_breaker
//   - name: specific metric (connections_active, evictions_total, etc.)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWebSocketConnections tracks the current number of open sync sessions.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "epicenter",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active sync WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms held open by the manager.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "epicenter",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of connected sessions in each room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "epicenter",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of connected sessions in each room",
	}, []string{"room_id"})

	// RoomEvictionsTotal counts eviction timers that fired and removed a room.
	RoomEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "epicenter",
		Subsystem: "room",
		Name:      "evictions_total",
		Help:      "Total number of rooms removed by the eviction timer",
	})

	// RoomEvictionsCancelledTotal counts eviction timers cancelled by a rejoin.
	RoomEvictionsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "epicenter",
		Subsystem: "room",
		Name:      "evictions_cancelled_total",
		Help:      "Total number of pending room evictions cancelled by a rejoin",
	})

	// WireMessagesTotal tracks wire frames processed, by type and direction.
	WireMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epicenter",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Total wire frames processed",
	}, []string{"message_type", "direction", "status"})

	// MessageProcessingDuration tracks time spent handling an inbound wire frame.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "epicenter",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing an inbound wire frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"message_type"})

	// HandshakeDuration tracks time from connection accept to first SyncStep2.
	HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "epicenter",
		Subsystem: "session",
		Name:      "handshake_duration_seconds",
		Help:      "Time from session accept to first SyncStep2 reply",
		Buckets:   prometheus.DefBuckets,
	})

	// HeartbeatRoundTrip tracks SYNC_STATUS echo latency observed client-side.
	HeartbeatRoundTrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "epicenter",
		Subsystem: "session",
		Name:      "heartbeat_round_trip_seconds",
		Help:      "Observed SYNC_STATUS echo round trip time",
		Buckets:   prometheus.DefBuckets,
	})

	// CircuitBreakerState mirrors the teacher's redis circuit breaker gauge.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "epicenter",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by an open circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epicenter",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded counts requests rejected by the WebSocket upgrade limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epicenter",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RedisOperationsTotal counts bus operations, by kind and outcome.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epicenter",
		Subsystem: "bus",
		Name:      "operations_total",
		Help:      "Total number of bus operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks bus operation latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "epicenter",
		Subsystem: "bus",
		Name:      "operation_duration_seconds",
		Help:      "Duration of bus operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
