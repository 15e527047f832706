// Package metrics exposes the gateway's Prometheus instrumentation (C12).
// Every pipeline stage emits its own metric; the terminal stage records
// duration and final status.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts every pipeline-terminal outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total gateway requests by terminal status",
		},
		[]string{"network", "method", "consumer", "status"},
	)

	// CUConsumedTotal sums compute units charged per consumer.
	CUConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cu_consumed_total",
			Help: "Compute units consumed",
		},
		[]string{"network", "consumer"},
	)

	// RateLimitExceededTotal counts sliding-window rejections.
	RateLimitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_exceeded_total",
			Help: "Requests rejected by the per-second rate limiter",
		},
		[]string{"consumer", "limit_type"},
	)

	// QuotaExceededTotal counts monthly quota rejections.
	QuotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_exceeded_total",
			Help: "Requests rejected by the monthly quota enforcer",
		},
		[]string{"consumer"},
	)

	// RedisOperationsTotal counts every Redis call the core makes.
	RedisOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Redis operations performed by the core",
		},
		[]string{"op", "status"},
	)

	// WhitelistRejectionsTotal counts C3 rejections.
	WhitelistRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whitelist_rejections_total",
			Help: "Requests rejected by the whitelist evaluator",
		},
		[]string{"network", "method"},
	)

	// GuardBlocksTotal counts C11 rejections by block type.
	GuardBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_blocks_total",
			Help: "Requests rejected by the guard block list",
		},
		[]string{"type"},
	)

	// WebSocketConnectionsTotal counts upgraded WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "WebSocket connections proxied",
		},
		[]string{"network", "status"},
	)

	// WebSocketMessagesTotal counts individual frames processed per direction.
	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_total",
			Help: "WebSocket frames forwarded or rejected",
		},
		[]string{"direction", "status"},
	)

	// RedisCircuitBreakerState is 0=closed, 1=open, 2=half_open per endpoint.
	RedisCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redis_circuit_breaker_state",
			Help: "Circuit breaker state per Redis endpoint (0=closed, 1=open, 2=half_open)",
		},
		[]string{"endpoint"},
	)

	// ConsumerMonthlyQuota and ConsumerMonthlyUsed track the latest known
	// monthly quota/used values per consumer for dashboards.
	ConsumerMonthlyQuota = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_monthly_quota",
			Help: "Configured monthly CU quota per consumer",
		},
		[]string{"consumer"},
	)
	ConsumerMonthlyUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_monthly_used",
			Help: "CU consumed this billing cycle per consumer",
		},
		[]string{"consumer"},
	)

	// RequestDurationSeconds is the terminal-stage latency histogram.
	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "End-to-end pipeline duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"network", "method"},
	)
)

// BreakerStateValue maps the circuit breaker's named state to the gauge
// value RedisCircuitBreakerState uses: 0=closed, 1=open, 2=half_open.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}
