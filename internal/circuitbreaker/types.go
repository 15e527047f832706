package circuitbreaker

import "time"

// State mirrors gobreaker.State under the closed/open/half_open names so
// callers outside this package never need to import gobreaker directly.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the per-endpoint breaker thresholds.
type Config struct {
	FailureThreshold uint32
	FailureWindow    time.Duration
	SuccessThreshold uint32
	Timeout          time.Duration
	HalfOpenMaxCalls uint32
}

// DefaultConfig returns failure_threshold=5, success_threshold=2,
// timeout=30s, failure_window=60s, half_open_max_calls=3.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}
