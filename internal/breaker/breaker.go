// Package breaker builds the circuit breakers that guard health probes and
// health sinks.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultTrip    = 3
	defaultTimeout = 30 * time.Second
)

// Option tunes a breaker.
type Option func(*gobreaker.Settings)

// WithTimeout sets how long the breaker stays open before a trial request.
func WithTimeout(d time.Duration) Option {
	return func(s *gobreaker.Settings) { s.Timeout = d }
}

// WithTripAfter sets the consecutive-failure count that opens the breaker.
func WithTripAfter(n uint32) Option {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n
		}
	}
}

// New returns a gobreaker that trips after 3 consecutive failures and resets
// after 30 seconds in the open state.
func New(name string, opts ...Option) *gobreaker.CircuitBreaker {
	s := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     defaultTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultTrip
		},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return gobreaker.NewCircuitBreaker(s)
}

// IsOpen reports whether err was returned because the breaker rejected the
// call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
