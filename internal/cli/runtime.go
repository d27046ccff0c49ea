package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "github.com/lib/pq"
	"github.com/rbaliyan/event/v3/backoff"
	"github.com/rbaliyan/event/v3/health"
	"github.com/rbaliyan/mission-saga/config"
	"github.com/rbaliyan/mission-saga/feed"
	"github.com/rbaliyan/mission-saga/gamification"
	"github.com/rbaliyan/mission-saga/lease"
	"github.com/rbaliyan/mission-saga/mission"
	"github.com/rbaliyan/mission-saga/ratelimit"
	"github.com/rbaliyan/mission-saga/saga"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MeterName names the OpenTelemetry meter and metric namespace.
const MeterName = "missiond"

// Check is a named health check.
type Check struct {
	Name    string
	Checker health.Checker
}

// Runtime holds the opened backends and the components built on them.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	Journal      saga.Store
	Leaser       lease.Leaser
	Instances    mission.InstanceStore
	Gamification mission.GamificationGateway
	Feeds        mission.FeedGateway

	// Redis is nil unless a Redis backend is configured.
	Redis redis.Cmdable

	Checks     []Check
	Migrations []func(ctx context.Context) error

	closers []func(ctx context.Context) error
}

// OpenRuntime connects to every backend cfg names. Instances and experience
// live in PostgreSQL and the feed in MongoDB; the journal and lease backends
// are selectable.
func OpenRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	rt.onClose(func(context.Context) error { return db.Close() })

	client, err := mongo.Connect(mongoopts.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	rt.onClose(client.Disconnect)
	mdb := client.Database(cfg.Mongo.Database)

	var rdb *redis.Client
	if cfg.Journal.Backend == config.BackendRedis || cfg.Lease.Backend == config.BackendRedis || cfg.Reconcile.Shared {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.onClose(func(context.Context) error { return rdb.Close() })
		rt.Redis = rdb
	}

	instances := mission.NewPostgresInstanceStore(db,
		mission.WithInstanceTable(cfg.Postgres.InstanceTable),
		mission.WithParticipantTable(cfg.Postgres.ParticipantTable),
	)
	gw := gamification.NewPostgresGateway(db, gamification.WithLogger(logger))
	feeds := feed.NewMongoGateway(mdb, feed.WithCollection(cfg.Mongo.FeedCollection))

	rt.Instances = instances
	rt.Gamification = gw
	rt.Feeds = feeds
	rt.addCheck("instances", instances)
	rt.addCheck("gamification", gw)
	rt.addCheck("feed", feeds)
	rt.Migrations = append(rt.Migrations, instances.EnsureSchema, gw.EnsureSchema, feeds.EnsureIndexes)

	switch cfg.Journal.Backend {
	case config.BackendMemory:
		store := saga.NewMemoryStore()
		rt.Journal = store
		rt.addCheck("journal", store)
	case config.BackendRedis:
		store := saga.NewRedisStore(rdb).WithKeyPrefix(cfg.Journal.KeyPrefix)
		rt.Journal = store
		rt.addCheck("journal", store)
	case config.BackendPostgres:
		store := saga.NewPostgresStore(db, saga.WithTable(cfg.Postgres.JournalTable))
		rt.Journal = store
		rt.addCheck("journal", store)
		rt.Migrations = append(rt.Migrations, store.EnsureSchema)
	case config.BackendMongo:
		store := saga.NewMongoStore(mdb, saga.WithCollection(cfg.Mongo.SagaCollection))
		rt.Journal = store
		rt.addCheck("journal", store)
		rt.Migrations = append(rt.Migrations, store.EnsureIndexes)
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.Journal.Backend)
	}

	switch cfg.Lease.Backend {
	case config.BackendMemory:
		leaser := lease.NewMemoryLeaser()
		rt.Leaser = leaser
		rt.addCheck("lease", leaser)
	case config.BackendRedis:
		leaser := lease.NewRedisLeaser(rdb).WithKeyPrefix(cfg.Lease.KeyPrefix)
		rt.Leaser = leaser
		rt.addCheck("lease", leaser)
	default:
		return nil, fmt.Errorf("unknown lease backend %q", cfg.Lease.Backend)
	}

	return rt, nil
}

func (r *Runtime) addCheck(name string, c health.Checker) {
	r.Checks = append(r.Checks, Check{Name: name, Checker: c})
}

func (r *Runtime) onClose(fn func(ctx context.Context) error) {
	r.closers = append(r.closers, fn)
}

// Close releases every backend in reverse order of opening.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// CompletionSaga builds the completion saga over the runtime's backends.
func (r *Runtime) CompletionSaga() (*mission.CompletionSaga, error) {
	opts := []mission.Option{
		mission.WithLogger(r.Logger),
		mission.WithJournal(r.Journal),
		mission.WithMetrics(saga.NewMetricsRecorder(MeterName)),
		mission.WithStepTimeout(r.Config.Saga.StepTimeout),
		mission.WithLeaseTTL(r.Config.Lease.TTL),
	}
	if r.Config.Saga.MaxRetries > 0 {
		opts = append(opts, mission.WithRetries(r.Config.Saga.MaxRetries, &backoff.Exponential{
			Initial:    50 * time.Millisecond,
			Multiplier: 2.0,
			Max:        config.RetryBackoffMax,
			Jitter:     0.1,
		}))
	}
	return mission.NewCompletionSaga(r.Instances, r.Gamification, r.Feeds, r.Leaser, opts...)
}

// ReplayLimiter paces reconciliation replays. A shared limiter keeps the
// budget across every missiond process through Redis: whole rates use a
// one-second sliding window, fractional rates a fixed window of one slot.
func (r *Runtime) ReplayLimiter() (ratelimit.Limiter, error) {
	rc := r.Config.Reconcile

	var limiter ratelimit.Limiter
	switch {
	case !rc.Shared:
		limiter = ratelimit.NewLocalLimiter(rc.PerSecond, rc.Burst)
	case r.Redis == nil:
		return nil, errors.New("shared reconcile limiter needs redis")
	case rc.PerSecond >= 1:
		limiter = ratelimit.NewSlidingWindowLimiter(r.Redis, "reconcile", int64(math.Floor(rc.PerSecond)), time.Second)
	default:
		window := time.Duration(float64(time.Second) / rc.PerSecond)
		limiter = ratelimit.NewRedisLimiter(r.Redis, "reconcile", 1, window)
	}

	metrics, err := ratelimit.NewMetrics(ratelimit.WithMetricsNamespace(MeterName))
	if err != nil {
		return nil, fmt.Errorf("ratelimit metrics: %w", err)
	}
	wrapped := ratelimit.NewMetricsLimiter(limiter, "reconcile", metrics)
	r.addCheck("reconcile_limiter", wrapped)
	return wrapped, nil
}
