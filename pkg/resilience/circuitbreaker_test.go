package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	var changes []State
	b := NewBreaker("match-cache", BreakerConfig{
		Threshold: 2,
		Cooldown:  time.Minute,
		OnStateChange: func(_ string, _, to State) {
			changes = append(changes, to)
		},
	})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errDown }), errDown)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []State{StateOpen}, changes)
}

func TestBreakerTrialCallClosesAfterCooldown(t *testing.T) {
	now := time.Now()
	b := NewBreaker("match-cache", BreakerConfig{Threshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	_ = b.Do(func() error { return errDown })
	require.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Second)
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker("match-cache", BreakerConfig{Threshold: 3, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errDown })
	}
	now = now.Add(2 * time.Second)
	_ = b.Do(func() error { return errDown })
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrCircuitOpen)
}

func TestBreakerIgnoresUncountedErrors(t *testing.T) {
	miss := errors.New("miss")
	b := NewBreaker("match-cache", BreakerConfig{
		Threshold: 1,
		Counts:    func(err error) bool { return !errors.Is(err, miss) },
	})
	_ = b.Do(func() error { return miss })
	assert.Equal(t, StateClosed, b.State())

	defaults := NewBreaker("events", BreakerConfig{Threshold: 1})
	_ = defaults.Do(func() error { return context.Canceled })
	assert.Equal(t, StateClosed, defaults.State())
}
