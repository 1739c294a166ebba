package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocket connection metrics
	WSConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "match_websocket_connections_total",
			Help: "Total number of WebSocket connections accepted",
		},
	)

	WSActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "match_websocket_active_connections",
			Help: "Number of currently connected WebSocket clients",
		},
	)

	// Matchmaking metrics
	MatchTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_ticks_total",
			Help: "Pairing engine ticks executed, by session type",
		},
		[]string{"type"},
	)

	MatchesFormedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_matches_formed_total",
			Help: "Sessions created by the pairing engine, by session type",
		},
		[]string{"type"},
	)

	QueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "match_queue_size",
			Help: "Current waiting queue size, by session type",
		},
		[]string{"type"},
	)

	QueueEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "match_queue_evictions_total",
			Help: "Queue entries evicted for staleness",
		},
	)

	SessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_sessions_ended_total",
			Help: "Sessions ended, by end reason",
		},
		[]string{"reason"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "match_active_sessions",
			Help: "Currently active sessions",
		},
	)

	lockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "match_lock_contention_total",
			Help: "Matching lock acquisitions that lost to another instance",
		},
	)

	lockContentionCount atomic.Int64
)

// IncLockContention counts a lost lock acquisition. Mirrored in an atomic so
// the ops endpoint can report the current value without scraping.
func IncLockContention() {
	lockContentionTotal.Inc()
	lockContentionCount.Add(1)
}

// LockContentionCount returns lost lock acquisitions since process start.
func LockContentionCount() int64 {
	return lockContentionCount.Load()
}
