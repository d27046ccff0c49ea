package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process token bucket.
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter allows perSecond events per second with bursts of burst.
// A burst below one is raised to one.
func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Unlimited returns a LocalLimiter that admits everything.
func Unlimited() *LocalLimiter {
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
}

// Allow reports whether an event may happen now.
func (l *LocalLimiter) Allow(ctx context.Context) bool {
	return l.limiter.Allow()
}

// Wait blocks until an event is admitted or ctx is done.
func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Reserve claims the next token.
func (l *LocalLimiter) Reserve(ctx context.Context) Reservation {
	return localReservation{r: l.limiter.Reserve()}
}

type localReservation struct {
	r *rate.Reservation
}

func (r localReservation) OK() bool             { return r.r.OK() }
func (r localReservation) Delay() time.Duration { return r.r.Delay() }
func (r localReservation) Cancel()              { r.r.Cancel() }

// Compile-time check
var _ Limiter = (*LocalLimiter)(nil)
