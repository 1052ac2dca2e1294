package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratapipe/strata/pkg/errors"
)

func TestRateLimiter_BurstDefaultsToCeilRate(t *testing.T) {
	rl := NewRateLimiter(2.5, 0)
	assert.Equal(t, 3, rl.GetStats().Burst)
}

func TestRateLimiter_AllowConsumesTokens(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	stats := rl.GetStats()
	assert.Equal(t, int64(2), stats.AllowedRequests)
	assert.Equal(t, int64(1), stats.BlockedRequests)
}

func TestRateLimiter_AcquireWaitsForRefill(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	ctx := context.Background()

	// 10 consume the burst instantly; 10 more wait for refill at 10/s
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, rl.Acquire(ctx, 1))
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestRateLimiter_AcquireObservesCancellation(t *testing.T) {
	rl := NewRateLimiter(0.5, 1)
	require.NoError(t, rl.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_AcquireRejectsRequestsOverBurst(t *testing.T) {
	rl := NewRateLimiter(10, 5)

	// Refill caps at burst, so 6 tokens could never accumulate; reject
	// immediately instead of blocking until cancellation
	start := time.Now()
	err := rl.Acquire(context.Background(), 6)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, rl.Acquire(context.Background(), 5))
}

func TestRateLimiter_SetBurstCapsTokens(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	rl.SetBurst(2)
	assert.LessOrEqual(t, rl.GetStats().CurrentTokens, 2.0)
}
