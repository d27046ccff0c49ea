package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/mission-saga/lease"
	"github.com/rbaliyan/mission-saga/saga"
)

// Step names, in forward order. They appear in results, logs and the journal.
const (
	StepLock                = "lock"
	StepValidate            = "validate"
	StepComputeReward       = "computeReward"
	StepParticipantProgress = "participantProgress"
	StepGrantExperience     = "grantExperience"
	StepRecordStats         = "recordStats"
	StepCheckAchievements   = "checkAchievements"
	StepMarkCompleted       = "markCompleted"
	StepFeed                = "feed"
)

// stepSet builds the completion steps over one set of collaborators.
// It holds no per-execution state.
type stepSet struct {
	instances    InstanceStore
	gamification GamificationGateway
	feeds        FeedGateway
	reward       RewardPolicy
	leaseTTL     time.Duration
	now          func() time.Time
}

// sequence returns the forward step list for one request variant.
func (s *stepSet) sequence(pinned, shareToFeed bool) []saga.Step[CompletionContext] {
	steps := []saga.Step[CompletionContext]{
		s.validate(),
		s.computeReward(),
	}
	if !pinned {
		steps = append(steps, s.participantProgress())
	}
	steps = append(steps,
		s.grantExperience(),
		s.recordStats(),
		s.checkAchievements(),
		s.markCompleted(),
	)
	if shareToFeed {
		steps = append(steps, s.feed())
	}
	for i, step := range steps {
		steps[i] = &leasedStep{Step: step, ttl: s.leaseTTL}
	}
	return steps
}

// all returns every step keyed by name, for replaying compensations.
func (s *stepSet) all() map[string]saga.Step[CompletionContext] {
	steps := s.sequence(false, true)
	byName := make(map[string]saga.Step[CompletionContext], len(steps))
	for _, step := range steps {
		byName[step.Name()] = step
	}
	return byName
}

func (s *stepSet) validate() saga.Step[CompletionContext] {
	return saga.NewStep(StepValidate, func(ctx context.Context, c *CompletionContext) error {
		inst, err := s.instances.LoadForCompletion(ctx, c.Request.ID, c.Request.UserID)
		if err != nil {
			return err
		}
		if inst.UserID != c.Request.UserID {
			return ErrNotOwner
		}
		if inst.Status != StatusInProgress {
			return fmt.Errorf("%w: status is %s", ErrNotInProgress, inst.Status)
		}
		c.Instance = inst
		c.MissionID = inst.MissionID
		return nil
	}, nil)
}

func (s *stepSet) computeReward() saga.Step[CompletionContext] {
	return saga.NewStep(StepComputeReward, func(ctx context.Context, c *CompletionContext) error {
		exp, err := s.reward.ExpFor(c.Instance)
		if err != nil {
			return err
		}
		c.ExpToGrant = exp
		return nil
	}, nil)
}

func (s *stepSet) participantProgress() saga.Step[CompletionContext] {
	return saga.NewStep(StepParticipantProgress,
		func(ctx context.Context, c *CompletionContext) error {
			if err := s.instances.AdvanceParticipantProgress(ctx, c.Request.ID); err != nil {
				return err
			}
			c.ProgressUpdated = true
			return nil
		},
		func(ctx context.Context, c *CompletionContext) error {
			if !c.ProgressUpdated {
				return nil
			}
			if err := s.instances.RevertParticipantProgress(ctx, c.Request.ID); err != nil {
				return err
			}
			c.ProgressUpdated = false
			return nil
		},
	)
}

func (s *stepSet) grantExperience() saga.Step[CompletionContext] {
	return saga.NewStep(StepGrantExperience,
		func(ctx context.Context, c *CompletionContext) error {
			retried := c.grantCalled
			c.grantCalled = true
			res, err := s.gamification.GrantExperience(ctx, ExpGrant{
				UserID:        c.Request.UserID,
				Amount:        c.ExpToGrant,
				SourceType:    c.Request.SourceType(),
				SourceID:      c.Request.ID,
				Note:          c.Request.Note,
				CategoryLabel: c.Instance.CategoryLabel,
			})
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					c.GrantUncertain = true
					return saga.Partial(err)
				}
				return err
			}
			c.ExpEarned = c.ExpToGrant
			c.Level = res.Level
			// A duplicate left by an earlier execution belongs to that
			// execution's journal entry, never to this one.
			if res.Duplicate && !retried {
				return nil
			}
			granted := c.ExpToGrant
			c.ExpAwarded = &granted
			return nil
		},
		func(ctx context.Context, c *CompletionContext) error {
			amount := c.ExpToGrant
			switch {
			case c.ExpAwarded != nil:
				amount = *c.ExpAwarded
			case !c.GrantUncertain:
				return nil
			}
			err := s.gamification.ReverseExperience(ctx, c.Request.UserID, amount, c.Request.SourceType(), c.Request.ID)
			if err != nil {
				return err
			}
			c.ExpAwarded = nil
			c.ExpEarned = 0
			c.GrantUncertain = false
			return nil
		},
	)
}

// recordStats counts the completion once per source. A timed out call may
// have been counted, so it is reverted like a counted one; the revert is
// keyed by source and leaves an uncounted source alone.
func (s *stepSet) recordStats() saga.Step[CompletionContext] {
	return saga.NewStep(StepRecordStats,
		func(ctx context.Context, c *CompletionContext) error {
			retried := c.statsCalled
			c.statsCalled = true
			recorded, err := s.gamification.RecordMissionCompletion(ctx, stat(c))
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					c.StatsUpdated = true
					return saga.Partial(err)
				}
				return err
			}
			if !recorded && !retried {
				return nil
			}
			c.StatsUpdated = true
			return nil
		},
		func(ctx context.Context, c *CompletionContext) error {
			if !c.StatsUpdated {
				return nil
			}
			if err := s.gamification.RevertMissionCompletion(ctx, stat(c)); err != nil {
				return err
			}
			c.StatsUpdated = false
			return nil
		},
	)
}

// checkAchievements has no compensation: achievements already surfaced to
// the user are not revoked. It runs after every other reward step so its
// own failure never leaves a half-granted achievement behind.
func (s *stepSet) checkAchievements() saga.Step[CompletionContext] {
	return saga.NewStep(StepCheckAchievements, func(ctx context.Context, c *CompletionContext) error {
		if err := s.gamification.CheckAchievementsByDataSource(ctx, c.Request.UserID, DataSourceUserStats); err != nil {
			return err
		}
		c.AchievementsChecked = true
		return nil
	}, nil)
}

func (s *stepSet) markCompleted() saga.Step[CompletionContext] {
	return saga.NewStep(StepMarkCompleted,
		func(ctx context.Context, c *CompletionContext) error {
			completedAt := s.now().UTC()
			if err := s.instances.MarkCompleted(ctx, c.Request.ID, completedAt, awarded(c)); err != nil {
				return err
			}
			c.CompletedAt = &completedAt
			c.InstanceMarkedComplete = true
			return nil
		},
		func(ctx context.Context, c *CompletionContext) error {
			if !c.InstanceMarkedComplete {
				return nil
			}
			if err := s.instances.RevertToInProgress(ctx, c.Request.ID); err != nil {
				return err
			}
			c.InstanceMarkedComplete = false
			c.CompletedAt = nil
			return nil
		},
	)
}

func (s *stepSet) feed() saga.Step[CompletionContext] {
	return saga.NewStep(StepFeed,
		func(ctx context.Context, c *CompletionContext) error {
			payload := FeedPayload{
				UserID:      c.Request.UserID,
				SourceType:  c.Request.SourceType(),
				SourceID:    c.Request.ID,
				MissionID:   c.MissionID,
				Note:        c.Request.Note,
				ExpEarned:   awarded(c),
				CompletedAt: s.now().UTC(),
			}
			if c.Instance != nil {
				payload.Title = c.Instance.Title
				payload.CategoryLabel = c.Instance.CategoryLabel
			}
			if c.CompletedAt != nil {
				payload.CompletedAt = *c.CompletedAt
			}
			feedID, err := s.feeds.CreateMissionFeed(ctx, payload)
			if err != nil {
				return err
			}
			c.FeedID = &feedID
			return nil
		},
		func(ctx context.Context, c *CompletionContext) error {
			if c.FeedID == nil {
				return nil
			}
			if err := s.feeds.DeleteFeed(ctx, *c.FeedID); err != nil {
				return err
			}
			c.FeedID = nil
			return nil
		},
	)
}

func awarded(c *CompletionContext) int {
	return c.ExpEarned
}

func stat(c *CompletionContext) CompletionStat {
	return CompletionStat{
		UserID:     c.Request.UserID,
		IsGuild:    c.Instance != nil && c.Instance.IsGuild,
		SourceType: c.Request.SourceType(),
		SourceID:   c.Request.ID,
	}
}

// leasedStep renews the execution's instance lease before each attempt of
// the wrapped step and before its compensation. A lost lease fails the call
// without touching any collaborator; failed compensations are left to the
// reconciler, which takes the lease again before replaying them.
type leasedStep struct {
	saga.Step[CompletionContext]
	ttl time.Duration
}

func (s *leasedStep) Execute(ctx context.Context, c *CompletionContext) error {
	if err := c.renewLease(ctx, s.ttl); err != nil {
		return err
	}
	return s.Step.Execute(ctx, c)
}

func (s *leasedStep) Compensate(ctx context.Context, c *CompletionContext) error {
	if err := c.renewLease(ctx, s.ttl); err != nil {
		return err
	}
	return s.Step.Compensate(ctx, c)
}

func (s *leasedStep) Compensable() bool {
	if c, ok := s.Step.(saga.Compensable); ok {
		return c.Compensable()
	}
	return true
}

func (c *CompletionContext) renewLease(ctx context.Context, ttl time.Duration) error {
	if c.held == nil {
		return nil
	}
	if err := c.held.Extend(ctx, ttl); err != nil {
		if errors.Is(err, lease.ErrLost) {
			return fmt.Errorf("%s: %w", c.held.Key(), err)
		}
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}
