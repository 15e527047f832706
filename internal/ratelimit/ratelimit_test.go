package ratelimit

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

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := &rdb.Client{Raw: raw, CallTimeout: time.Second}
	breaker := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), nil)
	return New(client, breaker, time.Second, nil), mr
}

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	res, err := l.Check(context.Background(), "alice", 100, 1, "req-1", true)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(99), res.Remaining)
}

func TestRateLimiterRejectsOverBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Check(ctx, "alice", 5, 1, fmt.Sprintf("req-%d", i), true)
		require.NoError(t, err)
	}
	_, err := l.Check(ctx, "alice", 5, 1, "req-over", true)
	require.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestRateLimiterSkippedWhenNoSecondsQuota(t *testing.T) {
	l, _ := newTestLimiter(t)
	res, err := l.Check(context.Background(), "alice", 0, 1, "req-1", true)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestRateLimiterBurstAcceptsExactlyLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	accepted := 0
	for i := 0; i < 20; i++ {
		_, err := l.Check(ctx, "alice", 10, 1, fmt.Sprintf("burst-%d", i), true)
		if err == nil {
			accepted++
		}
	}
	require.Equal(t, 10, accepted)
}

func TestRateLimiterIdempotentRequestID(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	res1, err := l.Check(ctx, "alice", 10, 3, "same-id", true)
	require.NoError(t, err)
	res2, err := l.Check(ctx, "alice", 10, 3, "same-id", true)
	require.NoError(t, err)
	require.Equal(t, res1.CUInWindow, res2.CUInWindow)
}

func TestRateLimiterFailClosedWhenRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()
	_, err := l.Check(context.Background(), "alice", 10, 1, "req-1", false)
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestRateLimiterFailOpenWhenRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()
	res, err := l.Check(context.Background(), "alice", 10, 1, "req-1", true)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.True(t, res.Degraded)
}
