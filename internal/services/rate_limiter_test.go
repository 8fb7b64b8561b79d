package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"mailflow/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances instantly on Sleep and records every requested wait.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) recordedSleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func TestRateLimiterMinuteCeilingDefersUntilRollover(t *testing.T) {
	clock := newFakeClock()
	limiter := NewRateLimiter(config.RateLimitConfig{
		RequestsPerMinute: 3,
		RequestsPerHour:   1000,
		MaxConcurrent:     10,
	}, clock)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Acquire(ctx))
		limiter.Release()
	}
	assert.Empty(t, clock.recordedSleeps())

	minuteCount, _ := limiter.Snapshot()
	assert.Equal(t, 3, minuteCount)

	// The fourth request must wait for the minute window to roll over
	require.NoError(t, limiter.Acquire(ctx))
	limiter.Release()

	sleeps := clock.recordedSleeps()
	require.Len(t, sleeps, 1)
	assert.LessOrEqual(t, sleeps[0], time.Minute)

	minuteCount, _ = limiter.Snapshot()
	assert.Equal(t, 1, minuteCount)
}

func TestRateLimiterHourCeiling(t *testing.T) {
	clock := newFakeClock()
	limiter := NewRateLimiter(config.RateLimitConfig{
		RequestsPerHour: 2,
		MaxConcurrent:   10,
	}, clock)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, limiter.Acquire(ctx))
		limiter.Release()
	}
	require.NoError(t, limiter.Acquire(ctx))
	limiter.Release()

	sleeps := clock.recordedSleeps()
	require.Len(t, sleeps, 1)
	assert.LessOrEqual(t, sleeps[0], time.Hour)
	assert.Greater(t, sleeps[0], 59*time.Minute)
}

func TestRateLimiterConcurrencyGate(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{
		RequestsPerMinute: 1000,
		MaxConcurrent:     1,
	}, nil)

	ctx := context.Background()
	require.NoError(t, limiter.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		if err := limiter.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the slot is held")
	case <-time.After(100 * time.Millisecond):
	}

	limiter.Release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
	limiter.Release()
}

func TestRateLimiterAcquireHonorsCancellation(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{
		RequestsPerMinute: 1000,
		MaxConcurrent:     1,
	}, newFakeClock())

	require.NoError(t, limiter.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := limiter.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The failed acquire must give back its window reservation
	minuteCount, hourCount := limiter.Snapshot()
	assert.Equal(t, 1, minuteCount)
	assert.Equal(t, 1, hourCount)
}

func TestRateLimiterBackoffGrowsAndResets(t *testing.T) {
	clock := newFakeClock()
	limiter := NewRateLimiter(config.RateLimitConfig{
		BackoffMultiplier: 2,
		MaxBackoff:        4 * time.Second,
	}, clock)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.BackoffAfterThrottle(ctx))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second,
	}, clock.recordedSleeps())

	limiter.ResetBackoff()
	require.NoError(t, limiter.BackoffAfterThrottle(ctx))
	sleeps := clock.recordedSleeps()
	assert.Equal(t, time.Second, sleeps[len(sleeps)-1])
}
