package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_NeverExceedsPermitsInRollingWindow(t *testing.T) {
	const (
		permits = 5
		window  = time.Second
		callers = 8
		perCall = 3
	)

	var granted []time.Time

	l := New(permits, window)
	// onGrant runs under the limiter lock.
	l.onGrant = func(at time.Time) {
		granted = append(granted, at)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perCall; j++ {
				assert.NoError(t, l.Acquire(ctx))
			}
		}()
	}
	wg.Wait()

	require.Len(t, granted, callers*perCall)
	sort.Slice(granted, func(i, j int) bool { return granted[i].Before(granted[j]) })

	// Any permits+1 consecutive grants must span at least one full window.
	for i := 0; i+permits < len(granted); i++ {
		span := granted[i+permits].Sub(granted[i])
		assert.GreaterOrEqual(t, span, window, "grants %d..%d within %v", i, i+permits, span)
	}
}

func TestLimiter_BurstUpToPermits(t *testing.T) {
	l := New(3, time.Hour)

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire(), "grant %d", i)
	}
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 3, l.InWindow())
}

func TestLimiter_PermitsReplenish(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Acquire(ctx))
	}

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_AcquireHonoursCancellation(t *testing.T) {
	l := New(1, time.Hour)
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLimiter_Unlimited(t *testing.T) {
	l := Unlimited()
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Equal(t, 0, l.InWindow())

	var nilLimiter *Limiter
	assert.NoError(t, nilLimiter.Acquire(context.Background()))
}

func TestLimiter_WaitObserver(t *testing.T) {
	var waits []time.Duration
	l := New(1, 30*time.Millisecond, WithWaitObserver(func(d time.Duration) {
		waits = append(waits, d)
	}))

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))

	require.Len(t, waits, 2)
	assert.Less(t, waits[0], 10*time.Millisecond)
	assert.GreaterOrEqual(t, waits[1], 20*time.Millisecond)
}
