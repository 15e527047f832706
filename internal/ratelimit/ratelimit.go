// Package ratelimit implements the sliding-window-over-CU limiter (C6): a
// single atomic Redis script against a ZSET (request id -> timestamp) and
// HASH (request id -> CU) pair, wrapped by the Redis circuit breaker so a
// struggling Redis endpoint degrades predictably instead of stalling every
// request.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sprintgateway/rpc-gateway/internal/circuitbreaker"
	"github.com/sprintgateway/rpc-gateway/internal/metrics"
	"github.com/sprintgateway/rpc-gateway/internal/rdb"
)

// ErrRateLimitExceeded is the business-class error the pipeline maps to
// JSON-RPC code -32000 and HTTP 429.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrServiceUnavailable is the gateway-class error returned when Redis is
// unavailable and fail-open is disabled for this consumer/route.
var ErrServiceUnavailable = errors.New("rate limiting service unavailable")

const defaultWindow = time.Second

// slidingWindowScript implements the atomic ZSET+HASH sliding window
// described in the core's rate-limit contract. KEYS: zset_key, hash_key.
// ARGV: now_ms, window_ms, limit, request_cu, request_id.
const slidingWindowScript = `
local zset_key = KEYS[1]
local hash_key = KEYS[2]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local request_cu = tonumber(ARGV[4])
local request_id = ARGV[5]

local cutoff = now_ms - window_ms
local expired = redis.call('ZRANGEBYSCORE', zset_key, 0, cutoff)
for _, member in ipairs(expired) do
    redis.call('HDEL', hash_key, member)
end
redis.call('ZREMRANGEBYSCORE', zset_key, 0, cutoff)

local members = redis.call('ZRANGE', zset_key, 0, -1)
local current_cu = 0
if #members > 0 then
    local values = redis.call('HMGET', hash_key, unpack(members))
    for _, v in ipairs(values) do
        if v then
            current_cu = current_cu + tonumber(v)
        end
    end
end

if redis.call('ZSCORE', zset_key, request_id) then
    -- retry of an already-admitted submission: current_cu includes its CU
    local remaining = limit - current_cu
    if remaining < 0 then remaining = 0 end
    return {1, current_cu, remaining}
end

if current_cu + request_cu > limit then
    local remaining = limit - current_cu
    if remaining < 0 then remaining = 0 end
    return {0, current_cu, remaining}
end

redis.call('ZADD', zset_key, now_ms, request_id)
redis.call('HSET', hash_key, request_id, request_cu)
local ttl = math.floor(window_ms / 1000) + 10
redis.call('EXPIRE', zset_key, ttl)
redis.call('EXPIRE', hash_key, ttl)

local newCu = current_cu + request_cu
local remaining = limit - newCu
if remaining < 0 then remaining = 0 end
return {1, newCu, remaining}
`

// Result is the outcome of one sliding-window check.
type Result struct {
	Allowed    bool
	CUInWindow int64
	Remaining  int64
	Window     time.Duration
	Degraded   bool // true when Redis was unavailable and the request was fail-opened
}

// Limiter evaluates the sliding-window CU limit for one consumer.
type Limiter struct {
	redis   *rdb.Client
	breaker *circuitbreaker.Manager
	script  *redis.Script
	logger  *zap.Logger
	window  time.Duration
}

// New builds a Limiter. window <= 0 uses the default 1-second window.
func New(r *rdb.Client, breaker *circuitbreaker.Manager, window time.Duration, logger *zap.Logger) *Limiter {
	if window <= 0 {
		window = defaultWindow
	}
	return &Limiter{redis: r, breaker: breaker, script: redis.NewScript(slidingWindowScript), logger: logger, window: window}
}

// Check evaluates whether requestCU may be admitted for consumer right
// now. secondsQuota <= 0 means the limiter is a no-op for this consumer
// (always allowed). requestID must be unique per submission (a
// connection-scoped nonce); retried submissions with the same id are
// idempotent.
func (l *Limiter) Check(ctx context.Context, consumer string, secondsQuota int, requestCU int, requestID string, failOpen bool) (Result, error) {
	if secondsQuota <= 0 {
		return Result{Allowed: true, Window: l.window}, nil
	}

	zsetKey := fmt.Sprintf("ratelimit:cu:sliding:%s", consumer)
	hashKey := fmt.Sprintf("ratelimit:cu:sliding:%s:values", consumer)
	nowMs := time.Now().UnixMilli()
	windowMs := l.window.Milliseconds()

	callCtx, cancel := l.redis.WithCallTimeout(ctx)
	defer cancel()

	raw, err, blocked := l.breaker.Execute(l.redis.Endpoint(), func() (interface{}, error) {
		return l.script.Run(callCtx, l.redis.Raw, []string{zsetKey, hashKey}, nowMs, windowMs, secondsQuota, requestCU, requestID).Result()
	})

	if blocked || err != nil {
		status := "error"
		if blocked {
			status = "blocked"
		}
		metrics.RedisOperationsTotal.WithLabelValues("eval", status).Inc()
		if l.logger != nil {
			l.logger.Warn("rate limiter redis unavailable",
				zap.String("consumer", consumer), zap.Bool("blocked", blocked), zap.Error(err))
		}
		if !failOpen {
			return Result{}, ErrServiceUnavailable
		}
		return Result{Allowed: true, Window: l.window, Degraded: true, Remaining: int64(secondsQuota)}, nil
	}
	metrics.RedisOperationsTotal.WithLabelValues("eval", "ok").Inc()

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result shape")
	}

	allowed := toInt64(values[0]) == 1
	cuInWindow := toInt64(values[1])
	remaining := toInt64(values[2])

	result := Result{Allowed: allowed, CUInWindow: cuInWindow, Remaining: remaining, Window: l.window}
	if !allowed {
		return result, ErrRateLimitExceeded
	}
	return result, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
