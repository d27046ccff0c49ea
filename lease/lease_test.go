package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newRedisLeaser(t *testing.T) (*RedisLeaser, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLeaser(client).WithKeyPrefix("test:"), mr, client
}

// leaserContract runs the behaviour every Leaser must share.
func leaserContract(t *testing.T, newLeaser func(t *testing.T) Leaser) {
	ctx := context.Background()

	t.Run("second acquire fails fast", func(t *testing.T) {
		leaser := newLeaser(t)

		l, err := leaser.Acquire(ctx, "mission:complete:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "mission:complete:1", l.Key())

		_, err = leaser.Acquire(ctx, "mission:complete:1", time.Minute)
		assert.ErrorIs(t, err, ErrHeld)

		other, err := leaser.Acquire(ctx, "mission:complete:2", time.Minute)
		require.NoError(t, err)
		require.NoError(t, other.Release(ctx))
	})

	t.Run("release frees the key", func(t *testing.T) {
		leaser := newLeaser(t)

		l, err := leaser.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx))

		again, err := leaser.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)
		require.NoError(t, again.Release(ctx))
	})

	t.Run("double release is harmless", func(t *testing.T) {
		leaser := newLeaser(t)

		l, err := leaser.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx))
		require.NoError(t, l.Release(ctx))
	})

	t.Run("extend needs a held lease", func(t *testing.T) {
		leaser := newLeaser(t)

		l, err := leaser.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)
		require.NoError(t, l.Extend(ctx, time.Minute))

		require.NoError(t, l.Release(ctx))
		assert.ErrorIs(t, l.Extend(ctx, time.Minute), ErrLost)
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		leaser := newLeaser(t)
		_, err := leaser.Acquire(ctx, "", time.Minute)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrHeld))
	})

	t.Run("exactly one concurrent acquirer wins", func(t *testing.T) {
		leaser := newLeaser(t)

		var wins atomic.Int32
		var held atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := leaser.Acquire(ctx, "contended", time.Minute)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrHeld):
					held.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(15), held.Load())
	})
}

func TestMemoryLeaser(t *testing.T) {
	defer goleak.VerifyNone(t)

	leaserContract(t, func(t *testing.T) Leaser { return NewMemoryLeaser() })

	t.Run("expired lease is taken over and old release is ignored", func(t *testing.T) {
		ctx := context.Background()
		leaser := NewMemoryLeaser()
		now := time.Now()
		leaser.now = func() time.Time { return now }

		first, err := leaser.Acquire(ctx, "k", time.Second)
		require.NoError(t, err)

		now = now.Add(2 * time.Second)
		assert.False(t, leaser.Held("k"))

		second, err := leaser.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)

		// The stale holder must not free the new holder's lease.
		require.NoError(t, first.Release(ctx))
		assert.True(t, leaser.Held("k"))

		require.NoError(t, second.Release(ctx))
		assert.False(t, leaser.Held("k"))
	})

	t.Run("extend pushes the expiry and fails once taken over", func(t *testing.T) {
		ctx := context.Background()
		leaser := NewMemoryLeaser()
		now := time.Now()
		leaser.now = func() time.Time { return now }

		first, err := leaser.Acquire(ctx, "k", time.Second)
		require.NoError(t, err)

		now = now.Add(800 * time.Millisecond)
		require.NoError(t, first.Extend(ctx, time.Second))
		now = now.Add(800 * time.Millisecond)
		assert.True(t, leaser.Held("k"))

		now = now.Add(time.Second)
		second, err := leaser.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.ErrorIs(t, first.Extend(ctx, time.Minute), ErrLost)

		require.NoError(t, second.Release(ctx))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewMemoryLeaser().Acquire(ctx, "k", time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("health counts live leases", func(t *testing.T) {
		ctx := context.Background()
		leaser := NewMemoryLeaser()
		_, err := leaser.Acquire(ctx, "a", time.Minute)
		require.NoError(t, err)

		result := leaser.Health(ctx)
		assert.Equal(t, health.StatusHealthy, result.Status)
		assert.Equal(t, 1, result.Details["active_leases"])
	})
}

func TestRedisLeaser(t *testing.T) {
	leaserContract(t, func(t *testing.T) Leaser {
		leaser, _, _ := newRedisLeaser(t)
		return leaser
	})

	ctx := context.Background()

	t.Run("key is prefixed and expires", func(t *testing.T) {
		leaser, mr, _ := newRedisLeaser(t)

		_, err := leaser.Acquire(ctx, "mission:complete:9", time.Second)
		require.NoError(t, err)
		assert.True(t, mr.Exists("test:mission:complete:9"))

		mr.FastForward(2 * time.Second)
		assert.False(t, mr.Exists("test:mission:complete:9"))

		l, err := leaser.Acquire(ctx, "mission:complete:9", time.Second)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx))
	})

	t.Run("release never deletes another holder's token", func(t *testing.T) {
		leaser, mr, _ := newRedisLeaser(t)

		stale, err := leaser.Acquire(ctx, "k", time.Second)
		require.NoError(t, err)

		mr.FastForward(2 * time.Second)
		fresh, err := leaser.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)

		require.NoError(t, stale.Release(ctx))
		assert.True(t, mr.Exists("test:k"))

		_, err = leaser.Acquire(ctx, "k", time.Minute)
		assert.ErrorIs(t, err, ErrHeld)

		require.NoError(t, fresh.Release(ctx))
		assert.False(t, mr.Exists("test:k"))
	})

	t.Run("extend keeps a held lease alive", func(t *testing.T) {
		leaser, mr, _ := newRedisLeaser(t)

		l, err := leaser.Acquire(ctx, "k", time.Second)
		require.NoError(t, err)

		require.NoError(t, l.Extend(ctx, time.Minute))

		mr.FastForward(5 * time.Second)
		assert.True(t, mr.Exists("test:k"))

		require.NoError(t, l.Release(ctx))
		assert.ErrorIs(t, l.Extend(ctx, time.Minute), ErrLost)
	})

	t.Run("extend fails after another holder takes the key", func(t *testing.T) {
		leaser, mr, _ := newRedisLeaser(t)

		stale, err := leaser.Acquire(ctx, "k", time.Second)
		require.NoError(t, err)

		mr.FastForward(2 * time.Second)
		fresh, err := leaser.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, stale.Extend(ctx, time.Hour), ErrLost)
		assert.Equal(t, time.Minute, mr.TTL("test:k"))
		require.NoError(t, fresh.Release(ctx))
	})

	t.Run("backend errors are not reported as held", func(t *testing.T) {
		leaser, mr, _ := newRedisLeaser(t)
		mr.Close()

		_, err := leaser.Acquire(ctx, "k", time.Second)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrHeld))

		result := leaser.Health(ctx)
		assert.Equal(t, health.StatusUnhealthy, result.Status)
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "mission:complete:abc", Key("mission:complete", "abc"))
}
