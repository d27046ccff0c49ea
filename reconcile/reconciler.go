// Package reconcile repairs executions whose compensation failed.
//
// The saga engine records every compensation it could not run in the
// journal entry and leaves the entry in saga.StatusFailed. A Reconciler
// scans those entries and asks a Compensator to replay the recorded
// compensations until the entry can be closed as compensated.
//
// Example:
//
//	r := reconcile.New(journal, mission.NewCompensator(instances, gamification, feeds, leaser, logger),
//	    reconcile.WithLimiter(ratelimit.NewLocalLimiter(5, 1)),
//	    reconcile.WithInterval(time.Minute),
//	)
//	go r.Run(ctx)
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/backoff"
	"github.com/rbaliyan/mission-saga/lease"
	"github.com/rbaliyan/mission-saga/ratelimit"
	"github.com/rbaliyan/mission-saga/saga"
)

// Compensator replays the failed compensations of one journal entry.
type Compensator interface {
	// SagaName is the journal name whose entries this compensator understands.
	SagaName() string

	// Replay runs state.FailedCompensations and returns the names that still
	// fail. It may update state.Data with the repaired context. An error
	// matching lease.ErrHeld means the resource is busy and the entry is
	// retried on a later pass.
	Replay(ctx context.Context, state *saga.State) ([]string, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	Scanned      int // entries read from the journal
	Repaired     int // entries closed as compensated
	StillFailing int // entries with compensations left to replay
	Skipped      int // entries busy or changed by someone else during the pass
	Errors       int // entries that could not be replayed or saved
}

// Reconciler replays failed compensations recorded in a saga journal.
type Reconciler struct {
	store       saga.Store
	compensator Compensator
	limiter     ratelimit.Limiter
	backoff     backoff.Strategy
	interval    time.Duration
	batch       int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLimiter paces replays; each journal entry consumes one slot.
// Defaults to ratelimit.Unlimited().
func WithLimiter(l ratelimit.Limiter) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.limiter = l
		}
	}
}

// WithBackoff sets the delay strategy applied after passes that hit errors.
func WithBackoff(b backoff.Strategy) Option {
	return func(r *Reconciler) {
		if b != nil {
			r.backoff = b
		}
	}
}

// WithInterval sets the pause between clean passes (default 30s).
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize caps the entries read per pass (default 100).
func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Reconciler over store.
func New(store saga.Store, compensator Compensator, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		compensator: compensator,
		limiter:     ratelimit.Unlimited(),
		backoff: &backoff.Exponential{
			Initial:    time.Second,
			Multiplier: 2.0,
			Max:        5 * time.Minute,
			Jitter:     0.1,
		},
		interval: 30 * time.Second,
		batch:    100,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("saga", compensator.SagaName(), "component", "reconciler")
	return r
}

// RunOnce performs a single pass over the failed entries.
//
// Entry-level failures are counted in the report and logged; the returned
// error is reserved for failures that stop the pass (listing the journal,
// context cancellation).
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	states, err := r.store.List(ctx, saga.StoreFilter{
		Name:   r.compensator.SagaName(),
		Status: []saga.Status{saga.StatusFailed},
		Limit:  r.batch,
	})
	if err != nil {
		return report, fmt.Errorf("list failed executions: %w", err)
	}

	for _, state := range states {
		report.Scanned++

		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}

		r.reconcile(ctx, state, &report)
	}

	r.logger.Info("reconciliation pass finished",
		"scanned", report.Scanned,
		"repaired", report.Repaired,
		"still_failing", report.StillFailing,
		"skipped", report.Skipped,
		"errors", report.Errors)
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, state *saga.State, report *Report) {
	logger := r.logger.With("saga_id", state.ID)

	var remaining []string
	if len(state.FailedCompensations) > 0 {
		var err error
		remaining, err = r.compensator.Replay(ctx, state)
		if errors.Is(err, lease.ErrHeld) {
			report.Skipped++
			logger.Info("execution busy, replay deferred")
			return
		}
		if err != nil {
			report.Errors++
			logger.Error("replay failed", "error", err)
			return
		}
	}

	now := r.now()
	state.LastUpdatedAt = now
	state.FailedCompensations = remaining
	if len(remaining) == 0 {
		state.Status = saga.StatusCompensated
		if state.CompletedAt == nil {
			state.CompletedAt = &now
		}
	}

	if err := r.store.Update(ctx, state); err != nil {
		if saga.IsVersionConflict(err) || saga.IsNotFound(err) {
			report.Skipped++
			logger.Warn("journal entry changed during reconciliation", "error", err)
			return
		}
		report.Errors++
		logger.Error("failed to save reconciled entry", "error", err)
		return
	}

	if len(remaining) == 0 {
		report.Repaired++
		logger.Info("execution compensated")
		return
	}
	report.StillFailing++
	logger.Warn("compensations still failing", "steps", remaining)
}

// Run repeats RunOnce until ctx is done. Clean passes are followed by the
// configured interval; passes with errors back off.
func (r *Reconciler) Run(ctx context.Context) error {
	attempt := 0
	for {
		report, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := r.interval
		if err != nil || report.Errors > 0 {
			if err != nil {
				r.logger.Error("reconciliation pass failed", "error", err)
			}
			delay = r.backoff.NextDelay(attempt)
			attempt++
		} else {
			attempt = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsStopped reports whether err is the normal result of Run's context ending.
func IsStopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
