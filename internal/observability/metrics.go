package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by command.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_redis_errors_total",
		Help: "Total number of Redis errors by command",
	}, []string{"command"})

	// CacheLookups counts cache lookups by tier and result (hit, miss, expired).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_cache_lookups_total",
		Help: "Cache lookups by tier and result",
	}, []string{"tier", "result"})

	// BatchFlushes counts batch commits by outcome.
	BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_batch_flushes_total",
		Help: "Batch writer chunk commits by outcome",
	}, []string{"outcome"})

	// BatchWrites counts individual writes committed through the batch writer.
	BatchWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_batch_writes_total",
		Help: "Writes committed through the batch writer",
	})

	// BatchPending tracks the batch writer queue length.
	BatchPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hearth_batch_pending",
		Help: "Writes waiting in the batch writer queue",
	})

	// RealtimeOps counts realtime tree operations by kind.
	RealtimeOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_realtime_ops_total",
		Help: "Realtime tree operations by kind",
	}, []string{"op"})

	// RealtimeTxRetries counts optimistic transaction retries.
	RealtimeTxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_realtime_tx_retries_total",
		Help: "Realtime transaction retries caused by concurrent writers",
	})

	// MediaUploads counts media uploads by storage tier.
	MediaUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_media_uploads_total",
		Help: "Media uploads by tier and cache outcome",
	}, []string{"tier", "cached"})

	// CDNBreakerState reports the CDN breaker state (0 closed, 1 half-open, 2 open).
	CDNBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hearth_cdn_breaker_state",
		Help: "CDN circuit breaker state",
	}, []string{"provider"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hearth_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// SecondaryFailures counts side effects that failed without failing their operation.
	SecondaryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_secondary_failures_total",
		Help: "Failed secondary effects (counters, notifications, mirrors)",
	}, []string{"operation"})
)
