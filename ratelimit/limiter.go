// Package ratelimit paces work against shared backends.
//
// LocalLimiter is a token bucket for a single process. RedisLimiter and
// SlidingWindowLimiter share their budget across every process using the
// same Redis key. All of them satisfy Limiter and can be wrapped with
// NewMetricsLimiter.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrLimitExceeded is returned by Wait when the limiter can never admit
// the event, for example a zero limit.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Limiter admits events at a bounded rate.
type Limiter interface {
	// Allow reports whether an event may happen now and consumes a slot if so.
	Allow(ctx context.Context) bool

	// Wait blocks until an event is admitted or ctx is done.
	Wait(ctx context.Context) error

	// Reserve claims a slot and reports how long the caller must wait
	// before using it.
	Reserve(ctx context.Context) Reservation
}

// Reservation is a claimed slot.
type Reservation interface {
	// OK reports whether a slot was claimed. When false, Delay is a hint
	// for when to try again.
	OK() bool

	// Delay is how long to wait before acting on the slot.
	Delay() time.Duration

	// Cancel returns the slot when the caller decides not to act.
	Cancel()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
