package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/mission-saga/saga"
)

// Validation errors. All of them match saga.ErrValidation.
var (
	ErrInstanceNotFound = fmt.Errorf("%w: mission instance not found", saga.ErrValidation)
	ErrNotOwner         = fmt.Errorf("%w: mission instance belongs to another user", saga.ErrValidation)
	ErrNotInProgress    = fmt.Errorf("%w: mission instance is not in progress", saga.ErrValidation)
	ErrInvalidReward    = fmt.Errorf("%w: invalid experience reward", saga.ErrValidation)
)

// ErrStatusChanged is returned by MarkCompleted when the instance left
// IN_PROGRESS after validation.
var ErrStatusChanged = errors.New("mission instance status changed")

// InstanceStore persists mission executions and daily instances.
//
// Every write is atomic on its own and idempotent for the same id.
type InstanceStore interface {
	// LoadForCompletion returns the instance if it exists and belongs to userID.
	// Returns ErrInstanceNotFound or ErrNotOwner otherwise.
	LoadForCompletion(ctx context.Context, id, userID string) (*Instance, error)

	AdvanceParticipantProgress(ctx context.Context, id string) error
	RevertParticipantProgress(ctx context.Context, id string) error

	// MarkCompleted moves the instance from IN_PROGRESS to COMPLETED.
	MarkCompleted(ctx context.Context, id string, completedAt time.Time, expEarned int) error
	RevertToInProgress(ctx context.Context, id string) error
}

// GamificationGateway owns experience, stats and achievements.
//
// Grants, stats and their reversals are idempotent per (sourceType, sourceID).
type GamificationGateway interface {
	GrantExperience(ctx context.Context, grant ExpGrant) (*ExpResult, error)
	ReverseExperience(ctx context.Context, userID string, amount int, sourceType, sourceID string) error

	// RecordMissionCompletion counts stat once per source. It returns false
	// when the source was already counted and nothing changed.
	RecordMissionCompletion(ctx context.Context, stat CompletionStat) (bool, error)

	// RevertMissionCompletion uncounts the source. A source that is not
	// counted is left alone.
	RevertMissionCompletion(ctx context.Context, stat CompletionStat) error
	CheckAchievementsByDataSource(ctx context.Context, userID, dataSource string) error
}

// FeedGateway publishes completion posts to the social feed.
type FeedGateway interface {
	CreateMissionFeed(ctx context.Context, payload FeedPayload) (string, error)

	// DeleteFeed removes a post. Deleting a missing post is not an error.
	DeleteFeed(ctx context.Context, feedID string) error
}

// RewardPolicy derives the experience for completing an instance.
type RewardPolicy interface {
	ExpFor(inst *Instance) (int, error)
}

// RewardPolicyFunc adapts a function to RewardPolicy.
type RewardPolicyFunc func(inst *Instance) (int, error)

// ExpFor calls f.
func (f RewardPolicyFunc) ExpFor(inst *Instance) (int, error) {
	return f(inst)
}

// StaticReward grants the reward recorded on the mission definition.
var StaticReward RewardPolicy = RewardPolicyFunc(func(inst *Instance) (int, error) {
	if inst.ExpReward < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidReward, inst.ExpReward)
	}
	return inst.ExpReward, nil
})
