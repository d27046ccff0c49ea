package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mission-saga/lease"
	"github.com/rbaliyan/mission-saga/saga"
)

// SagaName names completion executions in logs, metrics and the journal.
const SagaName = "mission-completion"

// LeaseScope prefixes per-instance lease keys ("mission:complete:<id>").
const LeaseScope = "mission:complete"

// MsgInProgress is the message returned when another completion holds the lease.
const MsgInProgress = "completion already in progress"

// Option configures a CompletionSaga.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	journal     saga.Store
	metrics     *saga.MetricsRecorder
	stepTimeout time.Duration
	maxRetries  int
	backoff     saga.BackoffStrategy
	leaseTTL    time.Duration
	reward      RewardPolicy
	now         func() time.Time
	newID       func() string
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithJournal persists every execution to store for monitoring and
// reconciliation of failed compensations.
func WithJournal(store saga.Store) Option {
	return func(o *options) {
		o.journal = store
	}
}

// WithMetrics records saga and lease metrics.
func WithMetrics(recorder *saga.MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = recorder
	}
}

// WithStepTimeout bounds every collaborator call.
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) {
		o.stepTimeout = d
	}
}

// WithRetries retries failed collaborator calls up to max times, waiting
// per strategy between attempts. Validation errors are never retried.
func WithRetries(max int, strategy saga.BackoffStrategy) Option {
	return func(o *options) {
		o.maxRetries = max
		o.backoff = strategy
	}
}

// WithLeaseTTL sets how long a crashed holder can block an instance. The
// lease is renewed before every step attempt and compensation, so the TTL
// must exceed the longest single attempt (the step timeout) plus the retry
// backoff.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

// WithRewardPolicy replaces StaticReward.
func WithRewardPolicy(policy RewardPolicy) Option {
	return func(o *options) {
		if policy != nil {
			o.reward = policy
		}
	}
}

// WithClock sets the time source for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator sets how saga execution ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		if newID != nil {
			o.newID = newID
		}
	}
}

type variant struct {
	pinned      bool
	shareToFeed bool
}

// CompletionSaga completes mission instances.
//
// It is safe for concurrent use; every call gets its own CompletionContext.
type CompletionSaga struct {
	leaser   lease.Leaser
	leaseTTL time.Duration
	logger   *slog.Logger
	metrics  *saga.MetricsRecorder
	newID    func() string
	sagas    map[variant]*saga.Saga[CompletionContext]
}

// NewCompletionSaga wires the completion saga to its collaborators.
func NewCompletionSaga(instances InstanceStore, gamification GamificationGateway, feeds FeedGateway, leaser lease.Leaser, opts ...Option) (*CompletionSaga, error) {
	if instances == nil || gamification == nil || feeds == nil {
		return nil, fmt.Errorf("instance store, gamification and feed gateways are required")
	}
	if leaser == nil {
		return nil, fmt.Errorf("leaser is required")
	}

	o := &options{
		logger:   slog.Default(),
		leaseTTL: lease.DefaultTTL,
		reward:   StaticReward,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}

	steps := &stepSet{
		instances:    instances,
		gamification: gamification,
		feeds:        feeds,
		reward:       o.reward,
		leaseTTL:     o.leaseTTL,
		now:          o.now,
	}

	sagaOpts := []saga.Option{
		saga.WithLogger(o.logger),
		saga.WithMetrics(o.metrics),
		saga.WithStepTimeout(o.stepTimeout),
	}
	if o.journal != nil {
		sagaOpts = append(sagaOpts, saga.WithStore(o.journal))
	}
	if o.maxRetries > 0 {
		sagaOpts = append(sagaOpts, saga.WithMaxRetries(o.maxRetries))
		if o.backoff != nil {
			sagaOpts = append(sagaOpts, saga.WithBackoff(o.backoff))
		}
	}

	c := &CompletionSaga{
		leaser:   leaser,
		leaseTTL: o.leaseTTL,
		logger:   o.logger,
		metrics:  o.metrics,
		newID:    o.newID,
		sagas:    make(map[variant]*saga.Saga[CompletionContext], 4),
	}
	for _, v := range []variant{{false, false}, {false, true}, {true, false}, {true, true}} {
		s, err := saga.New(SagaName, steps.sequence(v.pinned, v.shareToFeed), sagaOpts...)
		if err != nil {
			return nil, fmt.Errorf("build %s saga: %w", SagaName, err)
		}
		c.sagas[v] = s
	}

	return c, nil
}

// ExecuteRegular completes a one-shot mission execution without a feed post.
func (c *CompletionSaga) ExecuteRegular(ctx context.Context, executionID, userID, note string) *saga.Result[CompletionContext] {
	return c.Execute(ctx, Request{ID: executionID, UserID: userID, Note: note})
}

// ExecutePinned completes a daily mission instance.
func (c *CompletionSaga) ExecutePinned(ctx context.Context, instanceID, userID, note string, shareToFeed bool) *saga.Result[CompletionContext] {
	return c.Execute(ctx, Request{ID: instanceID, UserID: userID, Note: note, ShareToFeed: shareToFeed, Pinned: true})
}

// Execute runs one completion attempt under the instance lease.
//
// A held lease fails fast with FailedStep "lock" and no step runs. The lease
// is renewed before every step; losing it fails the running step and
// compensation. The lease is released after compensation finishes, even if
// ctx was cancelled.
func (c *CompletionSaga) Execute(ctx context.Context, req Request) *saga.Result[CompletionContext] {
	if req.ID == "" || req.UserID == "" {
		return saga.Failed[CompletionContext](nil, StepValidate, saga.OutcomeValidation, "mission instance id and user id are required")
	}

	ctx = saga.WithLogAttrs(ctx, "instance_id", req.ID, "user_id", req.UserID, "pinned", req.Pinned)
	logger := c.logger.With("saga", SagaName, "instance_id", req.ID, "user_id", req.UserID)

	held, err := c.leaser.Acquire(ctx, lease.Key(LeaseScope, req.ID), c.leaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			c.metrics.RecordConflict(ctx, SagaName)
			logger.Info("completion rejected, lease held")
			return saga.Conflict[CompletionContext](StepLock, MsgInProgress)
		}
		logger.Error("failed to acquire completion lease", "error", err)
		return saga.Failed[CompletionContext](nil, StepLock, saga.OutcomeStepFailed, err.Error())
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release completion lease", "error", err)
		}
	}()

	s := c.sagas[variant{pinned: req.Pinned, shareToFeed: req.ShareToFeed}]
	result := s.Execute(ctx, c.newID(), &CompletionContext{Request: req, held: held})

	if result.NeedsReconciliation() {
		logger.Error("completion left effects that need reconciliation",
			"failed_step", result.FailedStep,
			"failed_compensations", result.CompensationFailures)
	}

	return result
}
