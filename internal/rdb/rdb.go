// Package rdb wraps the Redis client used by the circuit breaker, rate
// limiter and monthly quota stages (C5-C7). It owns connection pooling and
// per-call timeouts; it carries no business logic of its own.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Config mirrors the pool/timeout knobs the core's concurrency model
// requires: target idle timeout 10s, pool cap 100 per worker, hard
// per-call timeout default 1000ms.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	CallTimeout  time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the defaults described in the concurrency model.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     100,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		CallTimeout:  1000 * time.Millisecond,
		IdleTimeout:  10 * time.Second,
	}
}

// Client is a thin handle around *redis.Client plus the call timeout every
// caller must apply.
type Client struct {
	Raw         *redis.Client
	CallTimeout time.Duration
}

// New connects to Redis and verifies reachability with a bounded ping.
func New(cfg Config) (*Client, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 1000 * time.Millisecond
	}
	rc := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ConnMaxIdleTime: cfg.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	b := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), 3)
	ping := func() error { return rc.Ping(ctx).Err() }
	if err := backoff.Retry(ping, b); err != nil {
		return nil, fmt.Errorf("rdb: connect: %w", err)
	}

	return &Client{Raw: rc, CallTimeout: cfg.CallTimeout}, nil
}

// WithCallTimeout returns a context bounded by the configured per-call
// timeout, matching the concurrency model's "hard per-call timeout" rule.
func (c *Client) WithCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.CallTimeout)
}

// Endpoint returns the "host:port" identity used to key circuit breaker
// state, per the data model's CircuitBreakerState.
func (c *Client) Endpoint() string {
	return c.Raw.Options().Addr
}

// Close releases pooled connections.
func (c *Client) Close() error {
	return c.Raw.Close()
}
