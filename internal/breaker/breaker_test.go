package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestNew_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := New("probe")
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (any, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (any, error) { return nil, nil })
	assert.True(t, IsOpen(err))
}

func TestNew_Options(t *testing.T) {
	t.Parallel()

	cb := New("probe", WithTripAfter(1), WithTimeout(10*time.Millisecond))
	_, _ = cb.Execute(func() (any, error) { return nil, errors.New("x") })
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	assert.Eventually(t, func() bool {
		return cb.State() == gobreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)
}

func TestIsOpen(t *testing.T) {
	t.Parallel()

	assert.True(t, IsOpen(gobreaker.ErrOpenState))
	assert.True(t, IsOpen(gobreaker.ErrTooManyRequests))
	assert.False(t, IsOpen(errors.New("other")))
	assert.False(t, IsOpen(nil))
}
