// Package circuitbreaker wraps Redis calls with a per-endpoint breaker
// (closed/open/half-open) so a struggling Redis instance cannot pile up
// latency across every in-flight request. One Manager instance is shared
// by the rate limiter (C6) and monthly quota (C7) stages; each Redis
// endpoint gets its own breaker, created lazily on first use.
package circuitbreaker

import (
	"errors"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sprintgateway/rpc-gateway/internal/metrics"
)

// ErrOpen is returned by Execute when the breaker for an endpoint is open
// or half-open with its concurrent-trial budget exhausted. Callers (the
// rate limiter, the monthly quota stage) decide what "blocked" means for
// them: fail-open (proceed without Redis, degrade) or fail-closed (reject
// the request) is the caller's policy, not the breaker's — the breaker
// only ever reports "don't bother trying".
var ErrOpen = errors.New("circuit breaker open")

// Manager owns one circuit breaker per Redis endpoint ("host:port").
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewManager creates a Manager. A zero Config uses DefaultConfig.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

func (m *Manager) breakerFor(endpoint string) *gobreaker.TwoStepCircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[endpoint]; ok {
		return b
	}

	// gobreaker has a single MaxRequests knob covering both the half-open
	// concurrent-trial cap and the consecutive-success count needed to
	// close again; it cannot express those as two independent thresholds.
	// We bind it to HalfOpenMaxCalls (the trial cap is the tighter
	// production concern); SuccessThreshold has no separate effect.
	// FailureThreshold drives the ReadyToTrip callback below.
	b := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: m.cfg.HalfOpenMaxCalls,
		Interval:    m.cfg.FailureWindow,
		Timeout:     m.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Interval clears counts periodically while closed, so
			// TotalFailures is "failures within the failure window",
			// the closed->open trigger.
			return counts.TotalFailures >= m.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			state := translateState(to)
			metrics.RedisCircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(state.String()))
			if m.logger != nil {
				m.logger.Info("circuit breaker state change",
					zap.String("endpoint", name),
					zap.String("from", translateState(from).String()),
					zap.String("to", state.String()),
				)
			}
		},
	})
	m.breakers[endpoint] = b
	return b
}

func translateState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateOpen
	}
}

// Execute runs op under the breaker for endpoint. Return value `blocked`
// is true when the breaker itself refused to attempt op (open, or
// half-open with no trial slots free) — in that case err is ErrOpen and
// result is nil. Otherwise op ran: a non-nil error records a failure, a
// nil error records a success, and result/err are op's own return values.
// Mutation of breaker state happens under gobreaker's own locking, which
// is per-breaker, i.e. effectively per-endpoint.
func (m *Manager) Execute(endpoint string, op func() (interface{}, error)) (result interface{}, err error, blocked bool) {
	b := m.breakerFor(endpoint)

	done, allowErr := b.Allow()
	if allowErr != nil {
		return nil, ErrOpen, true
	}

	result, err = op()
	done(err == nil)
	return result, err, false
}

// State returns the current state of the breaker for endpoint. An
// endpoint never seen before reports closed, matching "an uninitialised
// endpoint behaves as closed".
func (m *Manager) State(endpoint string) State {
	m.mu.Lock()
	b, ok := m.breakers[endpoint]
	m.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return translateState(b.State())
}

// Snapshot returns the state of every endpoint seen so far, for the
// circuit breaker introspection endpoint.
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.breakers))
	for endpoint, b := range m.breakers {
		out[endpoint] = translateState(b.State())
	}
	return out
}
