package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// MemoryStore is an in-memory saga journal for tests and single-process use.
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*State
}

// NewMemoryStore creates a new in-memory saga store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: make(map[string]*State),
	}
}

// Create creates a new saga record
func (s *MemoryStore) Create(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if state.ID == "" {
		return fmt.Errorf("state ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[state.ID]; exists {
		return fmt.Errorf("saga already exists: %s", state.ID)
	}

	s.sagas[state.ID] = cloneState(state)

	return nil
}

// Get retrieves saga state by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sagas[id]
	if !ok {
		return nil, notFound(id)
	}

	return cloneState(state), nil
}

// Update updates saga state with optimistic locking.
//
// If the stored version doesn't match state.Version, ErrVersionConflict is
// returned. On success the state's Version is incremented.
func (s *MemoryStore) Update(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if state.ID == "" {
		return fmt.Errorf("state ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sagas[state.ID]
	if !exists {
		return notFound(state.ID)
	}

	if existing.Version != state.Version {
		return ErrVersionConflict
	}

	state.Version++
	s.sagas[state.ID] = cloneState(state)

	return nil
}

// List lists sagas matching the filter, newest first
func (s *MemoryStore) List(ctx context.Context, filter StoreFilter) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*State

	for _, state := range s.sagas {
		if filter.Name != "" && state.Name != filter.Name {
			continue
		}
		if !statusMatches(filter.Status, state.Status) {
			continue
		}
		results = append(results, cloneState(state))
	}

	sortNewestFirst(results)

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}

	return results, nil
}

// Delete removes a saga by ID.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sagas[id]; !ok {
		return notFound(id)
	}

	delete(s.sagas, id)
	return nil
}

// Cleanup removes finished sagas older than the specified age.
// Executions still waiting for reconciliation (StatusFailed) are kept.
func (s *MemoryStore) Cleanup(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	deleted := 0

	for id, state := range s.sagas {
		if state.Status == StatusFailed {
			continue
		}
		if state.CompletedAt != nil && state.CompletedAt.Before(cutoff) {
			delete(s.sagas, id)
			deleted++
		}
	}

	return deleted
}

// DeleteOlderThan is Cleanup for callers that expect a Pruner.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return int64(s.Cleanup(age)), nil
}

// Health performs a health check on the memory store.
func (s *MemoryStore) Health(ctx context.Context) *health.Result {
	s.mu.RLock()
	count := len(s.sagas)
	failed := 0
	for _, state := range s.sagas {
		if state.Status == StatusFailed {
			failed++
		}
	}
	s.mu.RUnlock()

	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"sagas_count":  count,
			"failed_sagas": failed,
		},
	}
}

func cloneState(state *State) *State {
	c := *state
	if state.CompletedSteps != nil {
		c.CompletedSteps = append([]string(nil), state.CompletedSteps...)
	}
	if state.FailedCompensations != nil {
		c.FailedCompensations = append([]string(nil), state.FailedCompensations...)
	}
	if state.CompletedAt != nil {
		t := *state.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func statusMatches(want []Status, got Status) bool {
	if len(want) == 0 {
		return true
	}
	for _, status := range want {
		if status == got {
			return true
		}
	}
	return false
}

func sortNewestFirst(states []*State) {
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})
}

// Compile-time checks
var (
	_ Store          = (*MemoryStore)(nil)
	_ Pruner         = (*MemoryStore)(nil)
	_ health.Checker = (*MemoryStore)(nil)
)
