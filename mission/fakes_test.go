package mission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// world is an in-memory instance store, gamification service and feed at
// once. It records every call and lets tests inject failures per method.
type world struct {
	mu sync.Mutex

	calls     []string
	instances map[string]*Instance
	progress  map[string]int

	exp      map[string]int64
	ledger   map[string]int
	grants   int
	reversed []int
	counted  map[string]bool
	stats    map[string]int
	checks   int

	feeds       map[string]FeedPayload
	feedSources map[string]string
	nextID      int

	failOn     map[string]error
	failCompOn map[string]error

	// failAfterOn errors are returned once, after the call took effect.
	failAfterOn map[string]error

	// hooks run at the start of a call, outside the world lock.
	hooks map[string]func()

	// grantGate, when set, blocks GrantExperience until it is closed or
	// the call's context ends. grantEntered is signalled on entry.
	grantGate    chan struct{}
	grantEntered chan struct{}
}

func newWorld() *world {
	return &world{
		instances:   make(map[string]*Instance),
		progress:    make(map[string]int),
		exp:         make(map[string]int64),
		ledger:      make(map[string]int),
		counted:     make(map[string]bool),
		stats:       make(map[string]int),
		feeds:       make(map[string]FeedPayload),
		feedSources: make(map[string]string),
		failOn:      make(map[string]error),
		failCompOn:  make(map[string]error),
		failAfterOn: make(map[string]error),
		hooks:       make(map[string]func()),
	}
}

func (w *world) addInstance(id, userID string, expReward int, guild bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instances[id] = &Instance{
		ID:            id,
		MissionID:     "mission-" + id,
		UserID:        userID,
		ParticipantID: "participant-" + id,
		Title:         "Morning run",
		CategoryLabel: "health",
		Status:        StatusInProgress,
		IsGuild:       guild,
		ExpReward:     expReward,
	}
}

func (w *world) fail(method string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failOn[method] = err
}

func (w *world) failCompensation(method string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failCompOn[method] = err
}

func (w *world) failAfterApply(method string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failAfterOn[method] = err
}

func (w *world) onCall(method string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks[method] = fn
}

// preGrant leaves a grant and a counted completion behind for a source, as
// an earlier execution whose reversal failed would.
func (w *world) preGrant(userID, sourceType, sourceID string, amount int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := sourceType + "/" + sourceID
	w.ledger[key] = amount
	w.exp[userID] += int64(amount)
	w.counted[key] = true
	w.stats[userID]++
}

func (w *world) runHook(method string) {
	w.mu.Lock()
	fn := w.hooks[method]
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// appliedErr returns, and forgets, the error injected after method applied.
func (w *world) appliedErr(method string) error {
	err := w.failAfterOn[method]
	delete(w.failAfterOn, method)
	return err
}

func (w *world) heal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failOn = make(map[string]error)
	w.failCompOn = make(map[string]error)
}

// record logs the call and returns the injected error, if any.
func (w *world) record(method string, compensation bool) error {
	w.calls = append(w.calls, method)
	if compensation {
		return w.failCompOn[method]
	}
	return w.failOn[method]
}

func (w *world) callLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *world) count(method string) int {
	n := 0
	for _, c := range w.callLog() {
		if c == method {
			n++
		}
	}
	return n
}

func (w *world) status(id string) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.instances[id].Status
}

func (w *world) totalExp(userID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exp[userID]
}

func (w *world) completions(userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats[userID]
}

func (w *world) feedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.feeds)
}

func (w *world) participantProgress(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress[id]
}

// InstanceStore

func (w *world) LoadForCompletion(ctx context.Context, id, userID string) (*Instance, error) {
	w.runHook("LoadForCompletion")
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("LoadForCompletion", false); err != nil {
		return nil, err
	}
	inst, ok := w.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if inst.UserID != userID {
		return nil, ErrNotOwner
	}
	c := *inst
	return &c, nil
}

func (w *world) AdvanceParticipantProgress(ctx context.Context, id string) error {
	w.runHook("AdvanceParticipantProgress")
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("AdvanceParticipantProgress", false); err != nil {
		return err
	}
	w.progress[id]++
	return nil
}

func (w *world) RevertParticipantProgress(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("RevertParticipantProgress", true); err != nil {
		return err
	}
	if w.progress[id] > 0 {
		w.progress[id]--
	}
	return nil
}

func (w *world) MarkCompleted(ctx context.Context, id string, completedAt time.Time, expEarned int) error {
	w.runHook("MarkCompleted")
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("MarkCompleted", false); err != nil {
		return err
	}
	inst := w.instances[id]
	if inst.Status != StatusInProgress {
		return fmt.Errorf("%w: %s", ErrStatusChanged, id)
	}
	inst.Status = StatusCompleted
	inst.CompletedAt = &completedAt
	inst.ExpEarned = &expEarned
	return nil
}

func (w *world) RevertToInProgress(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("RevertToInProgress", true); err != nil {
		return err
	}
	inst := w.instances[id]
	inst.Status = StatusInProgress
	inst.CompletedAt = nil
	inst.ExpEarned = nil
	return nil
}

// GamificationGateway

func (w *world) GrantExperience(ctx context.Context, grant ExpGrant) (*ExpResult, error) {
	w.mu.Lock()
	gate, entered := w.grantGate, w.grantEntered
	w.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			w.mu.Lock()
			w.calls = append(w.calls, "GrantExperience")
			w.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("GrantExperience", false); err != nil {
		return nil, err
	}
	key := grant.SourceType + "/" + grant.SourceID
	if _, ok := w.ledger[key]; ok {
		return &ExpResult{TotalExp: w.exp[grant.UserID], Level: level(w.exp[grant.UserID]), Duplicate: true}, nil
	}
	w.ledger[key] = grant.Amount
	w.grants++
	before := level(w.exp[grant.UserID])
	w.exp[grant.UserID] += int64(grant.Amount)
	after := level(w.exp[grant.UserID])
	return &ExpResult{
		Granted:   grant.Amount,
		TotalExp:  w.exp[grant.UserID],
		Level:     after,
		LeveledUp: after > before,
	}, nil
}

func (w *world) ReverseExperience(ctx context.Context, userID string, amount int, sourceType, sourceID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("ReverseExperience", true); err != nil {
		return err
	}
	w.reversed = append(w.reversed, amount)
	key := sourceType + "/" + sourceID
	if granted, ok := w.ledger[key]; ok {
		delete(w.ledger, key)
		w.exp[userID] -= int64(granted)
	}
	return nil
}

func (w *world) RecordMissionCompletion(ctx context.Context, stat CompletionStat) (bool, error) {
	w.runHook("RecordMissionCompletion")
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("RecordMissionCompletion", false); err != nil {
		return false, err
	}
	key := stat.SourceType + "/" + stat.SourceID
	if w.counted[key] {
		return false, nil
	}
	w.counted[key] = true
	w.stats[stat.UserID]++
	if err := w.appliedErr("RecordMissionCompletion"); err != nil {
		return false, err
	}
	return true, nil
}

func (w *world) RevertMissionCompletion(ctx context.Context, stat CompletionStat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("RevertMissionCompletion", true); err != nil {
		return err
	}
	key := stat.SourceType + "/" + stat.SourceID
	if w.counted[key] {
		delete(w.counted, key)
		w.stats[stat.UserID]--
	}
	return nil
}

func (w *world) CheckAchievementsByDataSource(ctx context.Context, userID, dataSource string) error {
	w.runHook("CheckAchievementsByDataSource")
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("CheckAchievementsByDataSource", false); err != nil {
		return err
	}
	if dataSource != DataSourceUserStats {
		return errors.New("unexpected data source " + dataSource)
	}
	w.checks++
	return nil
}

// FeedGateway

func (w *world) CreateMissionFeed(ctx context.Context, payload FeedPayload) (string, error) {
	w.runHook("CreateMissionFeed")
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("CreateMissionFeed", false); err != nil {
		return "", err
	}
	source := payload.SourceType + "/" + payload.SourceID
	if id, ok := w.feedSources[source]; ok {
		return id, nil
	}
	w.nextID++
	id := "feed-" + strconv.Itoa(w.nextID)
	w.feeds[id] = payload
	w.feedSources[source] = id
	return id, nil
}

func (w *world) DeleteFeed(ctx context.Context, feedID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.record("DeleteFeed", true); err != nil {
		return err
	}
	if payload, ok := w.feeds[feedID]; ok {
		delete(w.feedSources, payload.SourceType+"/"+payload.SourceID)
		delete(w.feeds, feedID)
	}
	return nil
}

func level(total int64) int {
	return 1 + int(total/1000)
}

var (
	_ InstanceStore       = (*world)(nil)
	_ GamificationGateway = (*world)(nil)
	_ FeedGateway         = (*world)(nil)
)
