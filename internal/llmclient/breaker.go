package llmclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"llmrelay/internal/core"
)

// ErrCircuitOpen is wrapped by errors returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before allowing a probe
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open
	MaxRequests uint32
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// Breaker guards one backend. Only transport failures and 5xx responses
// count against it; rate limits and caller errors do not.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker named after the provider it protects.
func NewBreaker(name string, cfg CircuitBreakerConfig) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"provider", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return !IsBreakerFailure(err)
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(st)}
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &core.Error{
			Kind:       core.KindBackendHTTP,
			Message:    "circuit breaker is open - provider temporarily unavailable",
			StatusCode: http.StatusServiceUnavailable,
			Provider:   b.name,
			Err:        fmt.Errorf("%w: %w", ErrCircuitOpen, err),
		}
	}
	return err
}

// State returns the breaker state as "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsBreakerFailure reports whether err should count against a breaker.
func IsBreakerFailure(err error) bool {
	if err == nil || core.IsCancellation(err) {
		return false
	}
	var e *core.Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case core.KindNetwork:
		return true
	case core.KindBackendHTTP:
		return !e.RateLimited && e.StatusCode >= 500
	}
	return false
}
