package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowIsPerKey(t *testing.T) {
	l := New(60, 2)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("r1"))
	assert.True(t, l.Allow("r1"))
	assert.False(t, l.Allow("r1"), "burst spent")
	assert.True(t, l.Allow("r2"), "other reviewers keep their own bucket")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("r1"), "one token refills per second at 60/min")
	assert.Equal(t, time.Second, l.RetryAfter())
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("r1"))
	}
	assert.Zero(t, l.RetryAfter())
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l := New(60, 1)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.Allow("old")
	now = now.Add(11 * time.Minute)
	l.Allow("fresh")

	l.sweep()
	assert.Equal(t, 1, l.Len())
	l.Reset("fresh")
	assert.Equal(t, 0, l.Len())
}
