package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/custodia-io/custodia/internal/domain/models"
)

func TestLocalCounterCeiling(t *testing.T) {
	pool := newLocalCounterPool()
	limit := models.RateLimit{Requests: 3, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	for i := 0; i < 3; i++ {
		res := pool.Allow("k", limit, now)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}
	res := pool.Allow("k", limit, now)
	assert.False(t, res.Allowed)
	assert.Equal(t, now.Truncate(time.Minute).Add(time.Minute), res.ResetAt)
}

func TestLocalCounterWindowRollover(t *testing.T) {
	pool := newLocalCounterPool()
	limit := models.RateLimit{Requests: 1, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 59, 0, time.UTC)

	assert.True(t, pool.Allow("k", limit, now).Allowed)
	assert.False(t, pool.Allow("k", limit, now).Allowed)

	next := now.Add(time.Second)
	assert.True(t, pool.Allow("k", limit, next).Allowed)
}

func TestLocalCounterCleanup(t *testing.T) {
	pool := newLocalCounterPool()
	limit := models.RateLimit{Requests: 1, Window: time.Minute}
	now := time.Now()

	pool.Allow("stale", limit, now.Add(-time.Hour))
	pool.Allow("fresh", limit, now)

	removed := pool.Cleanup(30*time.Minute, now)
	assert.Equal(t, 1, removed)

	// The fresh window survives: its counter is still exhausted.
	assert.False(t, pool.Allow("fresh", limit, now).Allowed)
}
