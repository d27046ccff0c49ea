package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/mission-saga/mission"
)

type memInstances struct {
	mu        sync.Mutex
	instances map[string]*mission.Instance
}

func newMemInstances(instances ...*mission.Instance) *memInstances {
	m := &memInstances{instances: make(map[string]*mission.Instance)}
	for _, inst := range instances {
		m.instances[inst.ID] = inst
	}
	return m
}

func (m *memInstances) LoadForCompletion(ctx context.Context, id, userID string) (*mission.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mission.ErrInstanceNotFound, id)
	}
	if inst.UserID != userID {
		return nil, mission.ErrNotOwner
	}
	cp := *inst
	return &cp, nil
}

func (m *memInstances) AdvanceParticipantProgress(ctx context.Context, id string) error { return nil }
func (m *memInstances) RevertParticipantProgress(ctx context.Context, id string) error  { return nil }

func (m *memInstances) MarkCompleted(ctx context.Context, id string, completedAt time.Time, expEarned int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[id]
	inst.Status = mission.StatusCompleted
	inst.CompletedAt = &completedAt
	inst.ExpEarned = &expEarned
	return nil
}

func (m *memInstances) RevertToInProgress(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[id]
	inst.Status = mission.StatusInProgress
	inst.CompletedAt = nil
	inst.ExpEarned = nil
	return nil
}

func (m *memInstances) status(id string) mission.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[id].Status
}

type memGamification struct {
	grantErr error
}

func (g *memGamification) GrantExperience(ctx context.Context, grant mission.ExpGrant) (*mission.ExpResult, error) {
	if g.grantErr != nil {
		return nil, g.grantErr
	}
	return &mission.ExpResult{Granted: grant.Amount, TotalExp: int64(grant.Amount), Level: 2, LeveledUp: true}, nil
}

func (g *memGamification) ReverseExperience(ctx context.Context, userID string, amount int, sourceType, sourceID string) error {
	return nil
}

func (g *memGamification) RecordMissionCompletion(ctx context.Context, stat mission.CompletionStat) (bool, error) {
	return true, nil
}

func (g *memGamification) RevertMissionCompletion(ctx context.Context, stat mission.CompletionStat) error {
	return nil
}

func (g *memGamification) CheckAchievementsByDataSource(ctx context.Context, userID, dataSource string) error {
	return nil
}

type memFeeds struct{}

func (memFeeds) CreateMissionFeed(ctx context.Context, payload mission.FeedPayload) (string, error) {
	return "feed-" + payload.SourceID, nil
}

func (memFeeds) DeleteFeed(ctx context.Context, feedID string) error { return nil }

var errGamificationDown = errors.New("gamification unavailable")
