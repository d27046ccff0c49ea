package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// extendScript pushes the expiry only while the key still holds our token.
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLeaser is a Leaser shared by every process talking to the same Redis.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	leaser := lease.NewRedisLeaser(rdb).WithKeyPrefix("missiond:")
//	l, err := leaser.Acquire(ctx, lease.Key("mission:complete", id), 30*time.Second)
//	if errors.Is(err, lease.ErrHeld) {
//	    // someone else is completing this instance
//	}
//	defer l.Release(context.WithoutCancel(ctx))
type RedisLeaser struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLeaser creates a Redis-backed leaser.
func NewRedisLeaser(client redis.Cmdable) *RedisLeaser {
	return &RedisLeaser{
		client: client,
		prefix: "lease:",
	}
}

// WithKeyPrefix sets a custom key prefix.
//
// Returns the leaser for method chaining.
func (r *RedisLeaser) WithKeyPrefix(prefix string) *RedisLeaser {
	r.prefix = prefix
	return r
}

// Acquire takes the lease with SET NX PX.
func (r *RedisLeaser) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("lease key is required")
	}

	token := newToken()
	fullKey := r.prefix + key

	ok, err := r.client.SetNX(ctx, fullKey, token, normalizeTTL(ttl)).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return &RedisLease{client: r.client, key: key, fullKey: fullKey, token: token}, nil
}

// Health verifies Redis connectivity.
func (r *RedisLeaser) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("redis ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"prefix": r.prefix,
		},
	}
}

// RedisLease is a lease held in Redis.
type RedisLease struct {
	client  redis.Cmdable
	key     string
	fullKey string
	token   string
}

// Key returns the leased key without the store prefix.
func (l *RedisLease) Key() string {
	return l.key
}

// Release deletes the key if it still holds this lease's token.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.fullKey}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Extend pushes the expiry to ttl from now if the key still holds this
// lease's token. Returns ErrLost otherwise.
func (l *RedisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.fullKey}, l.token, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n != 1 {
		return fmt.Errorf("extend %s: %w", l.key, ErrLost)
	}
	return nil
}

// Compile-time checks
var (
	_ Leaser         = (*RedisLeaser)(nil)
	_ Lease          = (*RedisLease)(nil)
	_ health.Checker = (*RedisLeaser)(nil)
)
