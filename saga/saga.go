// Package saga provides saga orchestration for writes that span several
// independently transactional stores.
//
// Sagas coordinate multiple steps with compensation for rollback on failure.
// This gives all-or-nothing visibility without two-phase commit:
//   - Execute steps strictly in order, one at a time
//   - On failure, optionally retry with backoff before compensating
//   - On persistent failure, compensate succeeded steps in reverse order
//   - Report a uniform Result that never carries store-specific errors
//
// # Overview
//
// A saga is defined once with an ordered list of typed steps. Every step
// receives the same execution-scoped data pointer; a step records what it did
// on that data so later steps (and its own compensation) can use it. The data
// is owned by exactly one Execute call and must never be shared between
// concurrent executions.
//
// # Basic Usage
//
//	grant := saga.NewStep("grant-experience",
//	    func(ctx context.Context, c *Completion) error {
//	        res, err := gamification.Grant(ctx, c.UserID, c.Amount)
//	        if err != nil {
//	            return err
//	        }
//	        c.Granted = &res.Amount
//	        return nil
//	    },
//	    func(ctx context.Context, c *Completion) error {
//	        return gamification.Reverse(ctx, c.UserID, *c.Granted)
//	    },
//	)
//
//	s, err := saga.New("mission-completion", []saga.Step[Completion]{load, grant, mark})
//	if err != nil {
//	    return err
//	}
//	result := s.Execute(ctx, executionID, &Completion{UserID: userID})
//	if !result.Success {
//	    // compensations already ran; result.FailedStep names the culprit
//	}
//
// # Compensation Behavior
//
// When a step fails (after retries if configured):
//  1. The saga stops executing forward
//  2. Compensations run in reverse order (LIFO) over the succeeded steps
//  3. A failed step is compensated too when its error is wrapped with Partial
//  4. Compensation errors are logged and recorded, and never stop the others
//  5. The journal status becomes "compensated", or "failed" when at least one
//     compensation failed and needs reconciliation
//
// Validation failures (errors matching ErrValidation) are never retried.
//
// # Journal
//
// With WithStore, a snapshot of every execution is persisted after each step.
// The journal is for visibility and reconciliation only: journal write errors
// are logged and never fail the saga.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/backoff"
	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Step is a single named unit of work with a compensating action.
//
// Steps are stateless: everything a step needs from earlier steps, and
// everything its compensation needs to undo it, lives in the data pointer.
//
// Guidelines for implementing steps:
//   - Make Execute idempotent where the downstream API allows it
//   - Make Compensate idempotent (reconciliation may call it again)
//   - Return Partial(err) from Execute when an effect was applied before failing
type Step[T any] interface {
	// Name returns the step name for logging, results and the journal.
	Name() string

	// Execute performs the forward action.
	// Returns nil on success, error on failure (triggers compensation).
	Execute(ctx context.Context, data *T) error

	// Compensate undoes the forward action on rollback.
	Compensate(ctx context.Context, data *T) error
}

// Compensable is implemented by steps that can report whether they have a
// compensating action at all. Steps reporting false are skipped during
// rollback instead of being counted as compensated.
type Compensable interface {
	Compensable() bool
}

// State is the journaled snapshot of one saga execution.
type State struct {
	ID                  string     // Saga execution ID
	Name                string     // Saga definition name (e.g., "mission-completion")
	Status              Status     // Current status
	CurrentStep         int        // Index of current/failed step
	CompletedSteps      []string   // Names of completed steps
	FailedStep          string     // Name of the step that failed, if any
	FailedCompensations []string   // Steps whose compensation failed
	Data                any        // Saga data passed to steps
	Error               string     // Error message if failed
	StartedAt           time.Time  // When saga started
	CompletedAt         *time.Time // When saga completed/failed (nil if running)
	LastUpdatedAt       time.Time  // Last state update
	Version             int64      // Version for optimistic locking (incremented on each update)
}

// ErrVersionConflict is returned when a journal update fails due to a version mismatch.
//
// This is an alias to the shared event errors package for ecosystem consistency.
var ErrVersionConflict = eventerrors.ErrVersionConflict

// NewVersionConflictError creates a detailed version conflict error for a saga state.
func NewVersionConflictError(sagaID string, expected, actual int64) error {
	return eventerrors.NewVersionConflictError("saga state", sagaID, expected, actual)
}

// Status represents saga status.
//
// State transitions:
//
//	pending -> running -> completed
//	                   \
//	                compensating -> compensated
//	                            \
//	                            failed
type Status string

const (
	// StatusPending indicates saga is created but not started.
	StatusPending Status = "pending"

	// StatusRunning indicates saga is executing steps.
	StatusRunning Status = "running"

	// StatusCompleted indicates all steps succeeded.
	StatusCompleted Status = "completed"

	// StatusFailed indicates a step failed and at least one compensation failed too.
	StatusFailed Status = "failed"

	// StatusCompensating indicates saga is running compensations.
	StatusCompensating Status = "compensating"

	// StatusCompensated indicates saga failed but compensations succeeded.
	StatusCompensated Status = "compensated"
)

// Store persists saga execution snapshots.
//
// Implementations must be safe for concurrent use.
//
// Implementations:
//   - MemoryStore: for tests and single-process deployments (see store.go)
//   - RedisStore: for distributed deployments (see redis.go)
//   - MongoStore: for MongoDB (see mongodb.go)
//   - PostgresStore: for PostgreSQL (see postgres.go)
type Store interface {
	// Create creates a new saga execution record.
	// Returns error if a record with this ID already exists.
	Create(ctx context.Context, state *State) error

	// Get retrieves saga state by ID.
	// Returns an error matching ErrNotFound if missing.
	Get(ctx context.Context, id string) (*State, error)

	// Update updates saga state.
	// Called after each step to persist progress.
	Update(ctx context.Context, state *State) error

	// List lists sagas matching the filter.
	// Returns empty slice if no matches.
	List(ctx context.Context, filter StoreFilter) ([]*State, error)
}

// Pruner deletes journal entries started before now minus age. Entries in
// StatusFailed are kept until reconciliation closes them.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// StoreFilter specifies criteria for listing sagas.
//
// All fields are optional. Empty filter returns all sagas.
//
// Example:
//
//	// Find executions whose compensation needs repair
//	filter := saga.StoreFilter{
//	    Name:   "mission-completion",
//	    Status: []saga.Status{saga.StatusFailed},
//	    Limit:  100,
//	}
//	sagas, err := store.List(ctx, filter)
type StoreFilter struct {
	Name   string   // Filter by saga name (empty = all names)
	Status []Status // Filter by status (empty = all statuses)
	Limit  int      // Maximum results (0 = no limit)
}

// BackoffStrategy is an alias for backoff.Strategy from the main event library.
// All implementations from github.com/rbaliyan/event/v3/backoff can be used directly.
//
// Implementations must be stateless and safe for concurrent use.
type BackoffStrategy = backoff.Strategy

// Option configures a Saga.
type Option func(*sagaOptions)

type sagaOptions struct {
	store       Store
	logger      *slog.Logger
	metrics     *MetricsRecorder
	backoff     BackoffStrategy
	maxRetries  int
	stepTimeout time.Duration
}

// WithStore sets the journal store.
//
// Using a store enables:
//   - A snapshot of the execution after each step
//   - A record of failed compensations for reconciliation
//   - Visibility into saga state for monitoring
func WithStore(store Store) Option {
	return func(o *sagaOptions) {
		o.store = store
	}
}

// WithLogger sets a custom logger.
//
// The logger is used to log step execution, failures, and compensations.
// If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *sagaOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics collection for the saga.
//
// When enabled, the following metrics are recorded:
//   - saga_executions_total: Counter of saga executions by status
//   - saga_step_executions_total: Counter of step executions by step name and result
//   - saga_compensation_steps_total: Counter of compensations by step name and result
//   - saga_execution_duration_seconds: Histogram of saga execution duration
//   - saga_step_duration_seconds: Histogram of step execution duration
//   - saga_active_count: Gauge of currently running sagas
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(o *sagaOptions) {
		o.metrics = recorder
	}
}

// WithBackoff sets a backoff strategy for step retries.
//
// Combined with WithMaxRetries, this enables automatic retry of transient
// failures before triggering compensation. Validation failures are never
// retried.
//
// Example:
//
//	s, err := saga.New("mission-completion", steps,
//	    saga.WithBackoff(&backoff.Exponential{
//	        Initial:    50 * time.Millisecond,
//	        Multiplier: 2.0,
//	        Max:        time.Second,
//	        Jitter:     0.1,
//	    }),
//	    saga.WithMaxRetries(2),
//	)
func WithBackoff(strategy BackoffStrategy) Option {
	return func(o *sagaOptions) {
		o.backoff = strategy
	}
}

// WithMaxRetries sets the maximum number of retry attempts for failed steps.
//
// If set to 0 (default), steps are not retried and compensation begins
// immediately on failure.
func WithMaxRetries(max int) Option {
	return func(o *sagaOptions) {
		if max >= 0 {
			o.maxRetries = max
		}
	}
}

// WithStepTimeout bounds every forward and compensating call.
//
// A timed out call is an ordinary step failure and triggers compensation.
// There is no saga-level deadline beyond the sum of step budgets.
// Zero (default) leaves the caller's context untouched.
func WithStepTimeout(d time.Duration) Option {
	return func(o *sagaOptions) {
		if d >= 0 {
			o.stepTimeout = d
		}
	}
}

// Saga orchestrates a sequence of typed steps with compensation.
//
// A Saga is a reusable definition; it is safe for concurrent use as long as
// every Execute call receives its own data pointer.
type Saga[T any] struct {
	name        string
	steps       []Step[T]
	store       Store
	logger      *slog.Logger
	metrics     *MetricsRecorder
	backoff     BackoffStrategy
	maxRetries  int
	stepTimeout time.Duration
}

// New creates a new saga definition.
//
// The name should be descriptive and consistent across deployments as it's
// used for filtering and logging. Steps are executed in order.
//
// Returns an error if name is empty, no steps are provided, or two steps
// share a name.
func New[T any](name string, steps []Step[T], opts ...Option) (*Saga[T], error) {
	if name == "" {
		return nil, fmt.Errorf("saga name is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("at least one step is required")
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("step %d is nil", i)
		}
		if _, dup := seen[step.Name()]; dup {
			return nil, fmt.Errorf("duplicate step name: %s", step.Name())
		}
		seen[step.Name()] = struct{}{}
	}

	o := &sagaOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	return &Saga[T]{
		name:        name,
		steps:       steps,
		store:       o.store,
		logger:      o.logger.With("saga", name),
		metrics:     o.metrics,
		backoff:     o.backoff,
		maxRetries:  o.maxRetries,
		stepTimeout: o.stepTimeout,
	}, nil
}

// log returns the configured logger enriched with the attributes carried by ctx.
func (s *Saga[T]) log(ctx context.Context) *slog.Logger {
	if attrs := logAttrs(ctx); len(attrs) > 0 {
		return s.logger.With(attrs...)
	}
	return s.logger
}

// Name returns the saga name.
func (s *Saga[T]) Name() string {
	return s.name
}

// Steps returns a copy of the saga steps.
func (s *Saga[T]) Steps() []Step[T] {
	steps := make([]Step[T], len(s.steps))
	copy(steps, s.steps)
	return steps
}

// StepNames returns the step names in execution order.
func (s *Saga[T]) StepNames() []string {
	names := make([]string, len(s.steps))
	for i, step := range s.steps {
		names[i] = step.Name()
	}
	return names
}

// Execute runs the saga with the given execution ID and data.
//
// Execution proceeds as follows:
//  1. Journal the initial state (if a store is configured)
//  2. Execute each step in order
//  3. On success: mark the execution completed
//  4. On failure: compensate succeeded steps in reverse order
//
// Execute never returns an error: every outcome is reported through the
// Result. data must not be nil and must not be shared with another
// concurrent Execute call.
func (s *Saga[T]) Execute(ctx context.Context, id string, data *T) *Result[T] {
	if data == nil {
		return Failed[T](nil, "", OutcomeValidation, "saga data is nil")
	}

	sagaStart := time.Now()
	s.metrics.RecordSagaStart(ctx, s.name)

	state := &State{
		ID:            id,
		Name:          s.name,
		Status:        StatusRunning,
		Data:          data,
		StartedAt:     sagaStart,
		LastUpdatedAt: sagaStart,
	}

	journaled := false
	if s.store != nil {
		if err := s.store.Create(ctx, state); err != nil {
			s.log(ctx).Error("failed to create saga state",
				"saga_id", id,
				"error", err)
		} else {
			journaled = true
		}
	}

	return s.runSteps(ctx, id, state, data, sagaStart, journaled)
}

// runSteps executes the steps and handles compensation on failure.
func (s *Saga[T]) runSteps(ctx context.Context, id string, state *State, data *T, sagaStart time.Time, journaled bool) *Result[T] {
	succeeded := make([]Step[T], 0, len(s.steps))

	for i, step := range s.steps {
		state.CurrentStep = i

		s.log(ctx).Debug("executing step",
			"saga_id", id,
			"step", step.Name(),
			"step_index", i)

		err := s.executeStep(ctx, id, step, data)
		if err != nil {
			// A step that registered partial effects before failing is
			// compensated along with the ones that fully succeeded.
			if IsPartial(err) {
				succeeded = append(succeeded, step)
			}
			return s.fail(ctx, id, state, step, err, succeeded, data, sagaStart, journaled)
		}

		succeeded = append(succeeded, step)
		state.CompletedSteps = append(state.CompletedSteps, step.Name())
		if journaled {
			s.updateState(ctx, state)
		}

		s.log(ctx).Debug("step completed",
			"saga_id", id,
			"step", step.Name())
	}

	state.Status = StatusCompleted
	now := time.Now()
	state.CompletedAt = &now
	if journaled {
		s.updateState(ctx, state)
	}

	s.metrics.RecordSagaEnd(ctx, s.name, StatusCompleted, time.Since(sagaStart))

	s.log(ctx).Info("saga completed",
		"saga_id", id,
		"steps", len(s.steps))

	return Succeeded(data)
}

// executeStep runs a forward action with the configured retry policy.
func (s *Saga[T]) executeStep(ctx context.Context, id string, step Step[T], data *T) error {
	var err error
	maxAttempts := s.maxRetries + 1 // +1 for the initial attempt

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && s.backoff != nil {
			backoffDelay := s.backoff.NextDelay(attempt - 1)
			s.log(ctx).Info("retrying step after backoff",
				"saga_id", id,
				"step", step.Name(),
				"attempt", attempt+1,
				"backoff_delay", backoffDelay)

			timer := time.NewTimer(backoffDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &StepError{Step: step.Name(), Err: ctx.Err()}
			case <-timer.C:
			}
		}

		stepStart := time.Now()
		err = s.call(ctx, func(callCtx context.Context) error {
			return step.Execute(callCtx, data)
		})
		stepDuration := time.Since(stepStart)

		result := "success"
		if err != nil {
			result = "failure"
		}
		s.metrics.RecordStepExecution(ctx, s.name, step.Name(), result, stepDuration)

		if err == nil {
			return nil
		}

		// Validation failures and partial effects are not safe to repeat,
		// and a dead caller context will not come back.
		if errors.Is(err, ErrValidation) || IsPartial(err) || ctx.Err() != nil {
			break
		}

		if attempt < maxAttempts-1 {
			s.log(ctx).Warn("step failed, will retry",
				"saga_id", id,
				"step", step.Name(),
				"attempt", attempt+1,
				"max_attempts", maxAttempts,
				"error", err)
		}
	}

	return &StepError{Step: step.Name(), Err: err}
}

// fail compensates and builds the failure result.
func (s *Saga[T]) fail(ctx context.Context, id string, state *State, step Step[T], err error, succeeded []Step[T], data *T, sagaStart time.Time, journaled bool) *Result[T] {
	outcome := OutcomeStepFailed
	if errors.Is(err, ErrValidation) {
		outcome = OutcomeValidation
		s.log(ctx).Info("saga rejected",
			"saga_id", id,
			"step", step.Name(),
			"error", err)
	} else {
		s.log(ctx).Error("step failed",
			"saga_id", id,
			"step", step.Name(),
			"error", err)
	}

	// Compensation must run even when the caller gave up on the request.
	compCtx := context.WithoutCancel(ctx)

	state.Status = StatusCompensating
	state.FailedStep = step.Name()
	state.Error = err.Error()
	if journaled {
		s.updateState(compCtx, state)
	}

	failures := s.compensate(compCtx, id, succeeded, data)
	if len(failures) > 0 {
		state.Status = StatusFailed
		state.FailedCompensations = failures
	} else {
		state.Status = StatusCompensated
	}

	now := time.Now()
	state.CompletedAt = &now
	if journaled {
		s.updateState(compCtx, state)
	}

	s.metrics.RecordSagaEnd(compCtx, s.name, state.Status, time.Since(sagaStart))

	result := Failed(data, step.Name(), outcome, message(err))
	result.CompensationFailures = failures
	return result
}

// compensate runs compensations in reverse order and returns the names of
// the steps whose compensation failed.
func (s *Saga[T]) compensate(ctx context.Context, id string, succeeded []Step[T], data *T) []string {
	if len(succeeded) == 0 {
		return nil
	}

	s.log(ctx).Info("starting compensation",
		"saga_id", id,
		"steps_to_compensate", len(succeeded))

	var failures []string

	for i := len(succeeded) - 1; i >= 0; i-- {
		step := succeeded[i]
		if c, ok := step.(Compensable); ok && !c.Compensable() {
			continue
		}

		s.log(ctx).Info("compensating step",
			"saga_id", id,
			"step", step.Name())

		stepStart := time.Now()
		err := s.call(ctx, func(callCtx context.Context) error {
			return step.Compensate(callCtx, data)
		})
		stepDuration := time.Since(stepStart)

		result := "success"
		if err != nil {
			result = "failure"
		}
		s.metrics.RecordCompensation(ctx, s.name, step.Name(), result, stepDuration)

		if err != nil {
			cerr := &CompensationError{Step: step.Name(), Err: err}
			s.log(ctx).Error("compensation failed",
				"saga_id", id,
				"step", step.Name(),
				"error", cerr)
			failures = append(failures, step.Name())
			// Continue compensating other steps
		}
	}

	if len(failures) == 0 {
		s.log(ctx).Info("compensation completed",
			"saga_id", id)
	}

	return failures
}

// call invokes fn with the per-step timeout applied.
func (s *Saga[T]) call(ctx context.Context, fn func(context.Context) error) error {
	if s.stepTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()
	return fn(callCtx)
}

// updateState updates saga state in the store.
func (s *Saga[T]) updateState(ctx context.Context, state *State) {
	state.LastUpdatedAt = time.Now()

	if err := s.store.Update(ctx, state); err != nil {
		s.log(ctx).Error("failed to update saga state",
			"saga_id", state.ID,
			"error", err)
	}
}

// message unwraps the StepError envelope so callers see the collaborator's
// own description.
func message(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) && stepErr.Err != nil {
		return stepErr.Err.Error()
	}
	return err.Error()
}

// FuncStep is a Step built from plain functions.
//
// Example:
//
//	step := saga.NewStep("record-stats",
//	    func(ctx context.Context, c *Completion) error {
//	        if err := stats.Increment(ctx, c.UserID); err != nil {
//	            return err
//	        }
//	        c.StatsUpdated = true
//	        return nil
//	    },
//	    func(ctx context.Context, c *Completion) error {
//	        return stats.Decrement(ctx, c.UserID)
//	    },
//	)
type FuncStep[T any] struct {
	name       string
	execute    func(ctx context.Context, data *T) error
	compensate func(ctx context.Context, data *T) error
}

// NewStep creates a step from an execute and an optional compensate function.
// A nil compensate marks the step as having no compensating action.
func NewStep[T any](name string, execute, compensate func(ctx context.Context, data *T) error) *FuncStep[T] {
	return &FuncStep[T]{
		name:       name,
		execute:    execute,
		compensate: compensate,
	}
}

// Name returns the step name.
func (s *FuncStep[T]) Name() string {
	return s.name
}

// Execute performs the step action.
func (s *FuncStep[T]) Execute(ctx context.Context, data *T) error {
	if s.execute == nil {
		return nil
	}
	return s.execute(ctx, data)
}

// Compensate undoes the step action. It is a no-op without a compensate function.
func (s *FuncStep[T]) Compensate(ctx context.Context, data *T) error {
	if s.compensate == nil {
		return nil
	}
	return s.compensate(ctx, data)
}

// Compensable reports whether a compensate function was provided.
func (s *FuncStep[T]) Compensable() bool {
	return s.compensate != nil
}

// Compile-time checks
var (
	_ Step[struct{}] = (*FuncStep[struct{}])(nil)
	_ Compensable    = (*FuncStep[struct{}])(nil)
)
