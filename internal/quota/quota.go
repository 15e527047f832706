// Package quota implements the monthly CU quota enforcer (C7): an atomic
// check-and-increment against a per-consumer, per-billing-cycle Redis
// string key. Unlike the rate limiter, this stage is fail-closed by
// default — quota is revenue-critical, so unbounded degradation on a
// Redis outage is not acceptable.
package quota

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

// ErrQuotaExceeded maps to JSON-RPC code -32001 and HTTP 429.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrServiceUnavailable maps to JSON-RPC code -32603 and HTTP 503.
var ErrServiceUnavailable = errors.New("monthly quota service unavailable")

// checkAndIncrementScript implements the atomic check-then-increment
// against a billing-cycle key, applying the absolute EXPIREAT on every
// call so the key always expires precisely at cycle end even if the first
// write to it was late in the cycle.
const checkAndIncrementScript = `
local quota_key = KEYS[1]
local monthly_limit = tonumber(ARGV[1])
local request_cu = tonumber(ARGV[2])
local cycle_end_ts = tonumber(ARGV[3])

local current = tonumber(redis.call('GET', quota_key)) or 0
if current + request_cu > monthly_limit then
    local remaining = monthly_limit - current
    if remaining < 0 then remaining = 0 end
    return {0, current, remaining}
end

local new_value = redis.call('INCRBY', quota_key, request_cu)
redis.call('EXPIREAT', quota_key, cycle_end_ts)
local remaining = monthly_limit - new_value
if remaining < 0 then remaining = 0 end
return {1, new_value, remaining}
`

// Result is the outcome of one monthly quota check.
type Result struct {
	Allowed   bool
	Used      int64
	Remaining int64
}

// Enforcer evaluates and updates the monthly quota for one consumer.
type Enforcer struct {
	redis   *rdb.Client
	breaker *circuitbreaker.Manager
	script  *redis.Script
	logger  *zap.Logger
}

// New builds an Enforcer.
func New(r *rdb.Client, breaker *circuitbreaker.Manager, logger *zap.Logger) *Enforcer {
	return &Enforcer{redis: r, breaker: breaker, script: redis.NewScript(checkAndIncrementScript), logger: logger}
}

// BillingCycleID returns the calendar month in UTC as YYYYMM for t.
func BillingCycleID(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d%02d", t.Year(), t.Month())
}

// cycleEnd returns the Unix timestamp of the instant the given cycle ends
// (the first moment of the following month, UTC).
func cycleEnd(t time.Time) int64 {
	t = t.UTC()
	firstOfNextMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNextMonth.Unix()
}

// QuotaKey returns the Redis key for consumer's current billing cycle.
func QuotaKey(consumer string, cycleID string) string {
	return fmt.Sprintf("quota:monthly:%s:%s", consumer, cycleID)
}

// CheckAndIncrement evaluates and, if permitted, commits requestCU against
// consumer's monthly quota. monthlyLimit <= 0 means the stage is a no-op
// (always allowed). Fail-closed: a Redis error or open circuit breaker
// rejects the request with ErrServiceUnavailable.
func (e *Enforcer) CheckAndIncrement(ctx context.Context, consumer string, monthlyLimit int, requestCU int, now time.Time) (Result, error) {
	if monthlyLimit <= 0 {
		return Result{Allowed: true}, nil
	}

	cycleID := BillingCycleID(now)
	key := QuotaKey(consumer, cycleID)
	cycleEndTs := cycleEnd(now)

	callCtx, cancel := e.redis.WithCallTimeout(ctx)
	defer cancel()

	raw, err, blocked := e.breaker.Execute(e.redis.Endpoint(), func() (interface{}, error) {
		return e.script.Run(callCtx, e.redis.Raw, []string{key}, monthlyLimit, requestCU, cycleEndTs).Result()
	})

	if blocked || err != nil {
		status := "error"
		if blocked {
			status = "blocked"
		}
		metrics.RedisOperationsTotal.WithLabelValues("eval", status).Inc()
		if e.logger != nil {
			e.logger.Warn("monthly quota redis unavailable",
				zap.String("consumer", consumer), zap.Bool("blocked", blocked), zap.Error(err))
		}
		return Result{}, ErrServiceUnavailable
	}
	metrics.RedisOperationsTotal.WithLabelValues("eval", "ok").Inc()

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("quota: unexpected script result shape")
	}

	allowed := toInt64(values[0]) == 1
	used := toInt64(values[1])
	remaining := toInt64(values[2])

	result := Result{Allowed: allowed, Used: used, Remaining: remaining}
	if !allowed {
		return result, ErrQuotaExceeded
	}
	return result, nil
}

// decrementScript refunds CU from a quota key without letting it go
// negative, re-applying the absolute cycle-end expiry.
const decrementScript = `
local quota_key = KEYS[1]
local amount = tonumber(ARGV[1])
local cycle_end_ts = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', quota_key)) or 0
if current <= 0 then
    return 0
end
if amount > current then
    amount = current
end
local new_value = redis.call('DECRBY', quota_key, amount)
redis.call('EXPIREAT', quota_key, cycle_end_ts)
return new_value
`

// Decrement refunds amount CU from consumer's current billing-cycle
// counter, flooring at zero. The primary pipeline never calls this — a
// rate-limit rejection does not refund the monthly CU it already committed
// — but it is the hook a reconciliation job would use.
func (e *Enforcer) Decrement(ctx context.Context, consumer string, amount int, now time.Time) error {
	if amount <= 0 || consumer == "" {
		return nil
	}

	key := QuotaKey(consumer, BillingCycleID(now))
	cycleEndTs := cycleEnd(now)

	callCtx, cancel := e.redis.WithCallTimeout(ctx)
	defer cancel()

	script := redis.NewScript(decrementScript)
	_, err, blocked := e.breaker.Execute(e.redis.Endpoint(), func() (interface{}, error) {
		return script.Run(callCtx, e.redis.Raw, []string{key}, amount, cycleEndTs).Result()
	})
	if blocked || err != nil {
		return ErrServiceUnavailable
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
