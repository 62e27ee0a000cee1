package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirk1998/classroom-access/pkg/errors"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.CheckLimit("STU001", t0))
	}
	require.ErrorIs(t, rl.CheckLimit("stu001", t0), errors.ErrRateLimitExceeded)

	// Another identity has its own bucket.
	require.NoError(t, rl.CheckLimit("STU002", t0))

	require.NoError(t, rl.CheckLimit("STU001", t0.Add(time.Second)))
}

func TestRateLimiter_DisabledAllowsEverything(t *testing.T) {
	rl := NewRateLimiter(0, 10)
	assert.Nil(t, rl)

	for i := 0; i < 100; i++ {
		assert.True(t, rl.AllowAt("STU001", t0))
	}
	assert.Zero(t, rl.Cleanup(t0))
}

func TestRateLimiter_CleanupDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.AllowAt("STU001", t0)
	rl.AllowAt("STU002", t0.Add(9*time.Minute))

	assert.Equal(t, 1, rl.Cleanup(t0.Add(11*time.Minute)))
	assert.Len(t, rl.limiters, 1)
	_, ok := rl.limiters["stu002"]
	assert.True(t, ok)
}
