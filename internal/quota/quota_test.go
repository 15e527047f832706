package quota

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sprintgateway/rpc-gateway/internal/circuitbreaker"
	"github.com/sprintgateway/rpc-gateway/internal/rdb"
)

func newTestEnforcer(t *testing.T) (*Enforcer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := &rdb.Client{Raw: raw, CallTimeout: time.Second}
	breaker := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), nil)
	return New(client, breaker, nil), mr
}

func TestQuotaAllowsWithinLimit(t *testing.T) {
	e, _ := newTestEnforcer(t)
	res, err := e.CheckAndIncrement(context.Background(), "alice", 10000, 1, time.Now())
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.Used)
	require.Equal(t, int64(9999), res.Remaining)
}

func TestQuotaRejectsOverLimit(t *testing.T) {
	e, _ := newTestEnforcer(t)
	ctx := context.Background()
	now := time.Now()
	_, err := e.CheckAndIncrement(ctx, "alice", 10, 8, now)
	require.NoError(t, err)
	_, err = e.CheckAndIncrement(ctx, "alice", 10, 5, now)
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestQuotaMonotonicityUnderConcurrency(t *testing.T) {
	e, _ := newTestEnforcer(t)
	ctx := context.Background()
	now := time.Now()

	type outcome struct {
		allowed bool
	}
	results := make(chan outcome, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			_, err := e.CheckAndIncrement(ctx, "alice", 10, 1, now)
			results <- outcome{allowed: err == nil}
		}(i)
	}
	granted := 0
	for i := 0; i < 20; i++ {
		o := <-results
		if o.allowed {
			granted++
		}
	}
	require.Equal(t, 10, granted)

	final, err := e.CheckAndIncrement(ctx, "alice", 10, 1, now)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.Equal(t, int64(10), final.Used)
}

func TestQuotaSkippedWhenNoLimit(t *testing.T) {
	e, _ := newTestEnforcer(t)
	res, err := e.CheckAndIncrement(context.Background(), "alice", 0, 1, time.Now())
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestQuotaFailClosedWhenRedisDown(t *testing.T) {
	e, mr := newTestEnforcer(t)
	mr.Close()
	_, err := e.CheckAndIncrement(context.Background(), "alice", 100, 1, time.Now())
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestDecrementRefundsAndFloorsAtZero(t *testing.T) {
	e, mr := newTestEnforcer(t)
	ctx := context.Background()
	now := time.Now()

	_, err := e.CheckAndIncrement(ctx, "alice", 100, 5, now)
	require.NoError(t, err)

	require.NoError(t, e.Decrement(ctx, "alice", 3, now))
	val, err := mr.Get(QuotaKey("alice", BillingCycleID(now)))
	require.NoError(t, err)
	require.Equal(t, "2", val)

	// refunding more than remains floors at zero rather than going negative
	require.NoError(t, e.Decrement(ctx, "alice", 10, now))
	val, err = mr.Get(QuotaKey("alice", BillingCycleID(now)))
	require.NoError(t, err)
	require.Equal(t, "0", val)
}

func TestBillingCycleID(t *testing.T) {
	require.Equal(t, "202603", BillingCycleID(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)))
}

func TestQuotaKey(t *testing.T) {
	require.Equal(t, fmt.Sprintf("quota:monthly:alice:202603"), QuotaKey("alice", "202603"))
}
