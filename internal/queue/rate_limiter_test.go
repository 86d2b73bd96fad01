package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(2, 200*time.Millisecond)

	_, ok := rl.tryAcquire()
	require.True(t, ok)
	_, ok = rl.tryAcquire()
	require.True(t, ok)

	wait, ok := rl.tryAcquire()
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 200*time.Millisecond)

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)
}

func TestRateLimiterPerSecond(t *testing.T) {
	rl := NewRateLimiterPerSecond(2.5)
	assert.Equal(t, 3, rl.maxTokens)
	assert.Equal(t, 400*time.Millisecond, rl.refillRate)
}

func TestRateLimiterSubNanosecondRefill(t *testing.T) {
	rl := NewRateLimiterPerSecond(1e12)
	assert.Equal(t, time.Nanosecond, rl.refillRate)

	rl = NewRateLimiter(1, 0)
	require.NotPanics(t, func() {
		for i := 0; i < 3; i++ {
			rl.tryAcquire()
		}
	})
	require.NoError(t, rl.Wait(context.Background()))
}
