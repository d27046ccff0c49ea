// Package lease provides short-lived exclusive leases keyed by resource id.
//
// A lease guards a resource (for example a mission instance) against two
// concurrent writers. Acquire fails fast with ErrHeld when another holder
// owns the key; it never waits. Every lease carries a random token and
// Release only removes the key while it still holds that token, so a lease
// that expired and was re-acquired by someone else is never released by the
// previous holder.
//
// Holders doing work longer than one TTL call Extend between units of work
// and stop when it reports ErrLost.
//
// Implementations:
//   - MemoryLeaser: single process, for tests and local runs
//   - RedisLeaser: shared across replicas (SET NX PX + compare-and-delete)
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by Acquire when another holder owns the key.
var ErrHeld = errors.New("lease is held")

// ErrLost is returned by Extend when the lease expired or was taken over.
var ErrLost = errors.New("lease was lost")

// DefaultTTL bounds how long a crashed holder can block a key.
const DefaultTTL = 30 * time.Second

// Leaser hands out exclusive leases.
//
// Implementations must be safe for concurrent use.
type Leaser interface {
	// Acquire takes the lease on key for ttl.
	// Returns ErrHeld if the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lease.
type Lease interface {
	// Key returns the leased key.
	Key() string

	// Extend pushes the expiry to ttl from now. Returns ErrLost once the
	// lease expired or another holder took the key.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release gives the lease back. Releasing an expired or already
	// released lease is not an error.
	Release(ctx context.Context) error
}

// Key builds the conventional lease key for a resource.
//
//	lease.Key("mission:complete", instanceID) // "mission:complete:<id>"
func Key(scope, id string) string {
	return scope + ":" + id
}

func newToken() string {
	return uuid.NewString()
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
