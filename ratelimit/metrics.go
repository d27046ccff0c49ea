package ratelimit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Decisions recorded by Metrics.
const (
	DecisionAllowed   = "allowed"
	DecisionRejected  = "rejected"
	DecisionCancelled = "cancelled"
)

// Metrics records limiter decisions with OpenTelemetry.
//
// All methods are nil-safe; calling methods on a nil *Metrics is a no-op.
//
// Available metrics:
//   - ratelimit_decisions_total: Counter of decisions, by limiter and decision
//   - ratelimit_wait_duration_seconds: Histogram of time spent in Wait, by
//     limiter and whether the wait was admitted
//
// Example:
//
//	metrics, _ := ratelimit.NewMetrics(ratelimit.WithMetricsNamespace("missiond"))
//	limiter := ratelimit.NewMetricsLimiter(ratelimit.NewLocalLimiter(5, 1), "reconcile", metrics)
type Metrics struct {
	decisions metric.Int64Counter
	waits     metric.Float64Histogram
}

type metricsOptions struct {
	meterProvider metric.MeterProvider
	namespace     string
}

// MetricsOption configures Metrics.
type MetricsOption func(*metricsOptions)

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithMetricsNamespace prefixes metric names, e.g. "missiond_ratelimit_decisions_total".
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		o.namespace = namespace
	}
}

// NewMetrics creates the limiter instruments.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(o)
	}

	prefix := ""
	if o.namespace != "" {
		prefix = o.namespace + "_"
	}

	meter := o.meterProvider.Meter("github.com/rbaliyan/mission-saga/ratelimit")

	decisions, err := meter.Int64Counter(
		prefix+"ratelimit_decisions_total",
		metric.WithDescription("Limiter decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	waits, err := meter.Float64Histogram(
		prefix+"ratelimit_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for a slot"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{decisions: decisions, waits: waits}, nil
}

// RecordDecision counts one decision of the named limiter.
func (m *Metrics) RecordDecision(ctx context.Context, limiterName, decision string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter", limiterName),
		attribute.String("decision", decision),
	))
}

// RecordWait records time spent in Wait.
func (m *Metrics) RecordWait(ctx context.Context, limiterName string, d time.Duration, admitted bool) {
	if m == nil {
		return
	}
	m.waits.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("limiter", limiterName),
		attribute.Bool("admitted", admitted),
	))
}

// MetricsLimiter wraps a Limiter and records its decisions.
type MetricsLimiter struct {
	limiter Limiter
	name    string
	metrics *Metrics
}

// NewMetricsLimiter wraps limiter. name labels every metric; metrics may be nil.
func NewMetricsLimiter(limiter Limiter, name string, metrics *Metrics) *MetricsLimiter {
	return &MetricsLimiter{
		limiter: limiter,
		name:    name,
		metrics: metrics,
	}
}

func (m *MetricsLimiter) record(ctx context.Context, admitted bool) {
	if admitted {
		m.metrics.RecordDecision(ctx, m.name, DecisionAllowed)
	} else {
		m.metrics.RecordDecision(ctx, m.name, DecisionRejected)
	}
}

// Allow calls the wrapped limiter.
func (m *MetricsLimiter) Allow(ctx context.Context) bool {
	allowed := m.limiter.Allow(ctx)
	m.record(ctx, allowed)
	return allowed
}

// Wait calls the wrapped limiter. A cancelled or expired wait counts as rejected.
func (m *MetricsLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	err := m.limiter.Wait(ctx)
	// ctx may already be done; the measurement still belongs to this call.
	rctx := context.WithoutCancel(ctx)
	m.metrics.RecordWait(rctx, m.name, time.Since(start), err == nil)
	m.record(rctx, err == nil)
	return err
}

// Reserve calls the wrapped limiter. Cancelling a claimed slot is recorded
// as a separate decision.
func (m *MetricsLimiter) Reserve(ctx context.Context) Reservation {
	r := m.limiter.Reserve(ctx)
	m.record(ctx, r.OK())
	if !r.OK() {
		return r
	}
	return &meteredReservation{Reservation: r, ctx: context.WithoutCancel(ctx), parent: m}
}

// Unwrap returns the underlying limiter.
func (m *MetricsLimiter) Unwrap() Limiter {
	return m.limiter
}

type meteredReservation struct {
	Reservation
	ctx    context.Context
	parent *MetricsLimiter
}

func (r *meteredReservation) Cancel() {
	r.Reservation.Cancel()
	r.parent.metrics.RecordDecision(r.ctx, r.parent.name, DecisionCancelled)
}

var _ Limiter = (*MetricsLimiter)(nil)
