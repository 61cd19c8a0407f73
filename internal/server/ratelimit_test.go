package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newClockedLimiter(rps float64, burst int) (*RateLimiter, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(rps, burst)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_Allow(t *testing.T) {
	t.Parallel()

	rl, now := newClockedLimiter(1, 2)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, rl.Allow("10.0.0.2"), "clients have separate buckets")

	*now = now.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"), "bucket refills")
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiter_MinimumBurst(t *testing.T) {
	t.Parallel()

	rl, _ := newClockedLimiter(1, 0)

	assert.True(t, rl.Allow("client"))
	assert.False(t, rl.Allow("client"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	t.Parallel()

	rl, now := newClockedLimiter(1, 1)
	rl.Allow("idle")

	*now = now.Add(DefaultClientTTL / 2)
	rl.Allow("active")

	*now = now.Add(DefaultClientTTL/2 + time.Second)
	rl.cleanup()

	assert.Equal(t, 1, rl.Len())
	rl.mu.Lock()
	_, ok := rl.clients["active"]
	rl.mu.Unlock()
	assert.True(t, ok)
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 1)
	rl.StartCleanup(time.Millisecond)

	assert.NotPanics(t, func() {
		rl.Stop()
		rl.Stop()
	})
}
