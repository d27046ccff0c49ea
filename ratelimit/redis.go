package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces limiter keys.
const DefaultKeyPrefix = "ratelimit:"

// minRetry bounds how fast Wait polls Redis when the key has no TTL yet.
const minRetry = 10 * time.Millisecond

var fixedWindowScript = redis.NewScript(`
	local count = redis.call("incr", KEYS[1])
	if count == 1 then
		redis.call("pexpire", KEYS[1], ARGV[1])
	end
	local ttl = redis.call("pttl", KEYS[1])
	return {count, ttl}
`)

// RedisLimiter admits limit events per fixed window, shared by every
// process using the same key.
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a fixed-window limiter on DefaultKeyPrefix+name.
func NewRedisLimiter(client redis.Cmdable, name string, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		key:    DefaultKeyPrefix + name,
		limit:  limit,
		window: window,
	}
}

// take consumes a slot and reports whether it fit in the window and how
// long until the window resets.
func (r *RedisLimiter) take(ctx context.Context) (bool, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.key}, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit %s: %w", r.key, err)
	}
	return res[0] <= r.limit, time.Duration(res[1]) * time.Millisecond, nil
}

// Allow reports whether an event may happen now. Redis errors deny.
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	ok, _, err := r.take(ctx)
	return err == nil && ok
}

// Wait blocks until the window admits an event or ctx is done.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	if r.limit <= 0 {
		return ErrLimitExceeded
	}
	for {
		ok, retry, err := r.take(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleep(ctx, max(retry, minRetry)); err != nil {
			return err
		}
	}
}

// Reserve claims a slot in the current window if one is free.
func (r *RedisLimiter) Reserve(ctx context.Context) Reservation {
	ok, retry, err := r.take(ctx)
	if err != nil || !ok {
		return redisReservation{delay: max(retry, minRetry)}
	}
	return redisReservation{ok: true, cancel: func() {
		r.client.Decr(context.WithoutCancel(ctx), r.key)
	}}
}

// Remaining returns the slots left in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context) (int64, error) {
	used, err := r.client.Get(ctx, r.key).Int64()
	if errors.Is(err, redis.Nil) {
		return r.limit, nil
	}
	if err != nil {
		return 0, err
	}
	return max(r.limit-used, 0), nil
}

var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call("zremrangebyscore", key, "-inf", window_start)
	local count = redis.call("zcard", key)

	if count < limit then
		redis.call("zadd", key, now, ARGV[5])
		redis.call("pexpire", key, window_ms)
		return {1, limit - count - 1, 0}
	end

	local retry = window_ms
	local oldest = redis.call("zrange", key, 0, 0, "WITHSCORES")
	if oldest[2] then
		retry = tonumber(oldest[2]) + window_ms - now
	end
	return {0, 0, retry}
`)

// SlidingWindowLimiter admits at most limit events in any window-long
// interval, shared by every process using the same key.
type SlidingWindowLimiter struct {
	client redis.Cmdable
	key    string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindowLimiter creates a sliding-window limiter on
// DefaultKeyPrefix+name.
func NewSlidingWindowLimiter(client redis.Cmdable, name string, limit int64, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		client: client,
		key:    DefaultKeyPrefix + name,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (s *SlidingWindowLimiter) take(ctx context.Context) (bool, string, time.Duration, error) {
	now := s.now().UnixMilli()
	member := uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.key},
		now, now-s.window.Milliseconds(), s.limit, s.window.Milliseconds(), member,
	).Int64Slice()
	if err != nil {
		return false, "", 0, fmt.Errorf("ratelimit %s: %w", s.key, err)
	}
	return res[0] == 1, member, time.Duration(res[2]) * time.Millisecond, nil
}

// Allow reports whether an event may happen now. Redis errors deny.
func (s *SlidingWindowLimiter) Allow(ctx context.Context) bool {
	ok, _, _, err := s.take(ctx)
	return err == nil && ok
}

// Wait blocks until the window admits an event or ctx is done.
func (s *SlidingWindowLimiter) Wait(ctx context.Context) error {
	if s.limit <= 0 {
		return ErrLimitExceeded
	}
	for {
		ok, _, retry, err := s.take(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleep(ctx, max(retry, minRetry)); err != nil {
			return err
		}
	}
}

// Reserve claims a slot in the window if one is free.
func (s *SlidingWindowLimiter) Reserve(ctx context.Context) Reservation {
	ok, member, retry, err := s.take(ctx)
	if err != nil || !ok {
		return redisReservation{delay: max(retry, minRetry)}
	}
	return redisReservation{ok: true, cancel: func() {
		s.client.ZRem(context.WithoutCancel(ctx), s.key, member)
	}}
}

// Remaining returns the slots left in the window ending now.
func (s *SlidingWindowLimiter) Remaining(ctx context.Context) (int64, error) {
	windowStart := s.now().UnixMilli() - s.window.Milliseconds()
	used, err := s.client.ZCount(ctx, s.key, fmt.Sprintf("(%d", windowStart), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return max(s.limit-used, 0), nil
}

type redisReservation struct {
	ok     bool
	delay  time.Duration
	cancel func()
}

func (r redisReservation) OK() bool             { return r.ok }
func (r redisReservation) Delay() time.Duration { return r.delay }

func (r redisReservation) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Compile-time checks
var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*SlidingWindowLimiter)(nil)
)
