package mission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/mission-saga/lease"
	"github.com/rbaliyan/mission-saga/saga"
)

// Compensator replays compensations that failed during a completion, from
// the execution's journal entry.
type Compensator struct {
	steps     map[string]saga.Step[CompletionContext]
	instances InstanceStore
	leaser    lease.Leaser
	leaseTTL  time.Duration
	logger    *slog.Logger
}

// NewCompensator builds a compensator over the same collaborators and
// leaser the completion saga uses.
func NewCompensator(instances InstanceStore, gamification GamificationGateway, feeds FeedGateway, leaser lease.Leaser, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	s := &stepSet{
		instances:    instances,
		gamification: gamification,
		feeds:        feeds,
		reward:       StaticReward,
		leaseTTL:     lease.DefaultTTL,
		now:          time.Now,
	}
	return &Compensator{
		steps:     s.all(),
		instances: instances,
		leaser:    leaser,
		leaseTTL:  lease.DefaultTTL,
		logger:    logger,
	}
}

// WithLeaseTTL sets the TTL of the instance lease held while replaying.
//
// Returns the compensator for method chaining.
func (c *Compensator) WithLeaseTTL(ttl time.Duration) *Compensator {
	if ttl > 0 {
		c.leaseTTL = ttl
		for _, step := range c.steps {
			if ls, ok := step.(*leasedStep); ok {
				ls.ttl = ttl
			}
		}
	}
	return c
}

// SagaName returns the journal name this compensator understands.
func (c *Compensator) SagaName() string {
	return SagaName
}

// Replay runs the compensations listed in state.FailedCompensations, in the
// order they were recorded (reverse forward order). It returns the names that
// still fail. Markers in the journaled context guard every call, so replaying
// an already repaired step is a no-op.
//
// Replay holds the instance lease like a completion does and returns an
// error matching lease.ErrHeld while a completion is running. When a later
// execution has completed the instance since, the leftover effects were
// absorbed by that completion as duplicates of the same source; they are
// kept and the entry is closed without replaying anything.
func (c *Compensator) Replay(ctx context.Context, state *saga.State) ([]string, error) {
	cc, err := DecodeContext(state.Data)
	if err != nil {
		return state.FailedCompensations, err
	}
	for _, name := range state.FailedCompensations {
		if _, ok := c.steps[name]; !ok {
			return state.FailedCompensations, fmt.Errorf("unknown step %q in saga %s", name, state.ID)
		}
	}

	logger := c.logger.With(
		"saga_id", state.ID,
		"instance_id", cc.Request.ID,
		"user_id", cc.Request.UserID)

	held, err := c.leaser.Acquire(ctx, lease.Key(LeaseScope, cc.Request.ID), c.leaseTTL)
	if err != nil {
		return state.FailedCompensations, fmt.Errorf("replay %s: %w", state.ID, err)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release replay lease", "error", err)
		}
	}()
	cc.held = held

	superseded, err := c.completedElsewhere(ctx, cc)
	if err != nil {
		return state.FailedCompensations, err
	}
	if superseded {
		logger.Warn("instance completed by a later execution, closing entry without replay; review for manual correction",
			"failed_compensations", state.FailedCompensations)
		state.Data = cc
		return nil, nil
	}

	var stillFailing []string
	for _, name := range state.FailedCompensations {
		if err := c.steps[name].Compensate(ctx, cc); err != nil {
			logger.Warn("compensation replay failed", "step", name, "error", err)
			stillFailing = append(stillFailing, name)
			continue
		}
		logger.Info("compensation replayed", "step", name)
	}

	state.Data = cc
	return stillFailing, nil
}

// completedElsewhere reports whether the instance is COMPLETED by an
// execution other than the journaled one. A missing instance has nothing
// to protect.
func (c *Compensator) completedElsewhere(ctx context.Context, cc *CompletionContext) (bool, error) {
	inst, err := c.instances.LoadForCompletion(ctx, cc.Request.ID, cc.Request.UserID)
	if errors.Is(err, ErrInstanceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reload instance %s: %w", cc.Request.ID, err)
	}
	return inst.Status == StatusCompleted && !cc.InstanceMarkedComplete, nil
}

// DecodeContext converts journaled saga data back into a CompletionContext.
// Journals hand data back either as the original pointer (memory) or as
// decoded JSON (Redis, PostgreSQL, MongoDB).
func DecodeContext(data any) (*CompletionContext, error) {
	switch v := data.(type) {
	case *CompletionContext:
		if v == nil {
			return nil, fmt.Errorf("journaled completion context is nil")
		}
		return v, nil
	case nil:
		return nil, fmt.Errorf("journaled completion context is missing")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal journaled data: %w", err)
	}
	var cc CompletionContext
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode completion context: %w", err)
	}
	if cc.Request.ID == "" {
		return nil, fmt.Errorf("journaled completion context has no request id")
	}
	return &cc, nil
}
