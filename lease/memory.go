package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// MemoryLeaser is an in-process Leaser.
type MemoryLeaser struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLeaser creates a new in-memory leaser.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{
		held: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

// Acquire takes the lease on key for ttl. Expired entries are taken over.
func (m *MemoryLeaser) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("lease key is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.held[key]; ok && now.Before(entry.expires) {
		return nil, ErrHeld
	}

	token := newToken()
	m.held[key] = memoryEntry{
		token:   token,
		expires: now.Add(normalizeTTL(ttl)),
	}

	return &memoryLease{leaser: m, key: key, token: token}, nil
}

// Held reports whether key is currently leased.
func (m *MemoryLeaser) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.held[key]
	return ok && m.now().Before(entry.expires)
}

func (m *MemoryLeaser) release(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.held[key]; ok && entry.token == token {
		delete(m.held, key)
	}
}

func (m *MemoryLeaser) extend(key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entry, ok := m.held[key]
	if !ok || entry.token != token || !now.Before(entry.expires) {
		return ErrLost
	}
	entry.expires = now.Add(normalizeTTL(ttl))
	m.held[key] = entry
	return nil
}

// Health reports the number of live leases.
func (m *MemoryLeaser) Health(ctx context.Context) *health.Result {
	m.mu.Lock()
	now := m.now()
	active := 0
	for _, entry := range m.held {
		if now.Before(entry.expires) {
			active++
		}
	}
	m.mu.Unlock()

	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: now,
		Details: map[string]any{
			"active_leases": active,
		},
	}
}

type memoryLease struct {
	leaser *MemoryLeaser
	key    string
	token  string
}

func (l *memoryLease) Key() string {
	return l.key
}

func (l *memoryLease) Extend(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.leaser.extend(l.key, l.token, ttl)
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.leaser.release(l.key, l.token)
	return nil
}

// Compile-time checks
var (
	_ Leaser         = (*MemoryLeaser)(nil)
	_ health.Checker = (*MemoryLeaser)(nil)
)
