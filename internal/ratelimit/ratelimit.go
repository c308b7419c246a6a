// Package ratelimit throttles outbound requests to the media service.
//
// The limiter keeps a log of the most recent grants and admits a caller only
// when fewer than Permits grants fall inside the trailing Window. Unlike a
// refilling token bucket this never admits more than Permits requests in any
// rolling window, including right after an idle period.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding-window permit limiter shared by all transfer workers.
type Limiter struct {
	mu      sync.Mutex
	permits int
	window  time.Duration
	grants  []time.Time // oldest first, at most permits entries

	observe func(waited time.Duration)
	onGrant func(at time.Time)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWaitObserver registers a callback receiving the time each Acquire spent
// blocked. Used to feed the rate-limit wait histogram.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(l *Limiter) {
		l.observe = fn
	}
}

// New creates a limiter allowing permits grants per window.
// permits <= 0 disables limiting.
func New(permits int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		permits: permits,
		window:  window,
	}
	if permits > 0 {
		l.grants = make([]time.Time, 0, permits)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Unlimited returns a limiter that never blocks.
func Unlimited() *Limiter {
	return New(0, 0)
}

// Permits returns the configured number of grants per window.
func (l *Limiter) Permits() int {
	return l.permits
}

// Window returns the configured rolling window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Acquire blocks until a permit is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.permits <= 0 || l.window <= 0 {
		return ctx.Err()
	}

	start := time.Now()
	for {
		wait, ok := l.tryGrant()
		if ok {
			if l.observe != nil {
				l.observe(time.Since(start))
			}
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire grants a permit only if one is available right now.
func (l *Limiter) TryAcquire() bool {
	if l == nil || l.permits <= 0 || l.window <= 0 {
		return true
	}
	_, ok := l.tryGrant()
	return ok
}

// tryGrant records a grant if the window has room; otherwise it returns how
// long until the oldest grant leaves the window.
func (l *Limiter) tryGrant() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.expire(now)

	if len(l.grants) < l.permits {
		l.grants = append(l.grants, now)
		if l.onGrant != nil {
			l.onGrant(now)
		}
		return 0, true
	}

	wait := l.grants[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// expire drops grants that no longer fall inside the window ending at now.
func (l *Limiter) expire(now time.Time) {
	cutoff := now.Add(-l.window)
	n := 0
	for n < len(l.grants) && !l.grants[n].After(cutoff) {
		n++
	}
	if n == 0 {
		return
	}
	remaining := copy(l.grants, l.grants[n:])
	l.grants = l.grants[:remaining]
}

// InWindow returns the number of grants currently inside the window.
func (l *Limiter) InWindow() int {
	if l == nil || l.permits <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(time.Now())
	return len(l.grants)
}
