// Package config loads missiond configuration from a YAML file, MISSIOND_
// environment variables and command-line flags.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. MISSIOND_REDIS_ADDR.
const EnvPrefix = "MISSIOND"

// RetryBackoffMax caps the wait between retries of a failed step.
const RetryBackoffMax = time.Second

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config is the service configuration.
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Saga      SagaConfig      `mapstructure:"saga"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	DSN              string `mapstructure:"dsn"`
	InstanceTable    string `mapstructure:"instance_table"`
	ParticipantTable string `mapstructure:"participant_table"`
	JournalTable     string `mapstructure:"journal_table"`
}

type MongoConfig struct {
	URI            string `mapstructure:"uri"`
	Database       string `mapstructure:"database"`
	FeedCollection string `mapstructure:"feed_collection"`
	SagaCollection string `mapstructure:"saga_collection"`
}

// JournalConfig selects where saga executions are journaled.
type JournalConfig struct {
	Backend   string `mapstructure:"backend"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LeaseConfig selects the per-instance lease implementation.
type LeaseConfig struct {
	Backend   string        `mapstructure:"backend"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type SagaConfig struct {
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// StepBudget is the longest one step can run: every attempt hitting the
// step timeout, with the longest backoff between attempts.
func (c SagaConfig) StepBudget() time.Duration {
	retries := max(c.MaxRetries, 0)
	return time.Duration(retries+1)*c.StepTimeout + time.Duration(retries)*RetryBackoffMax
}

// ReconcileConfig tunes the out-of-band reconciler. When Shared is set the
// replay budget is enforced across processes through Redis.
type ReconcileConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	PerSecond float64       `mapstructure:"per_second"`
	Burst     int           `mapstructure:"burst"`
	Shared    bool          `mapstructure:"shared"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key with its default value. Keys must be
// known to viper for environment variables to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "postgres://localhost:5432/missions?sslmode=disable")
	v.SetDefault("postgres.instance_table", "mission_instances")
	v.SetDefault("postgres.participant_table", "mission_participants")
	v.SetDefault("postgres.journal_table", "sagas")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "missions")
	v.SetDefault("mongo.feed_collection", "feeds")
	v.SetDefault("mongo.saga_collection", "sagas")

	v.SetDefault("journal.backend", BackendPostgres)
	v.SetDefault("journal.key_prefix", "saga:")

	v.SetDefault("lease.backend", BackendRedis)
	v.SetDefault("lease.key_prefix", "lease:")
	v.SetDefault("lease.ttl", 30*time.Second)

	v.SetDefault("saga.step_timeout", 5*time.Second)
	v.SetDefault("saga.max_retries", 2)

	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.per_second", 5.0)
	v.SetDefault("reconcile.burst", 1)
	v.SetDefault("reconcile.shared", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. Precedence follows viper: explicit Set,
// flags bound to v, MISSIOND_ environment variables, the file at path (if
// not empty), then defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	validation.ErrorTag = "mapstructure"

	needsRedis := c.Journal.Backend == BackendRedis || c.Lease.Backend == BackendRedis || c.Reconcile.Shared

	return validation.ValidateStruct(c,
		validation.Field(&c.Redis, validation.When(needsRedis, validation.By(func(any) error { return c.Redis.check() }))),
		validation.Field(&c.Postgres),
		validation.Field(&c.Mongo),
		validation.Field(&c.Journal),
		validation.Field(&c.Lease, validation.By(c.leaseCoversStep)),
		validation.Field(&c.Saga),
		validation.Field(&c.Reconcile),
		validation.Field(&c.Log),
	)
}

// leaseCoversStep rejects lease TTLs a single step can outlive. The
// completion lease is renewed between steps, never during one.
func (c *Config) leaseCoversStep(any) error {
	if budget := c.Saga.StepBudget(); c.Lease.TTL < budget {
		return fmt.Errorf("lease ttl %s is shorter than the step budget %s", c.Lease.TTL, budget)
	}
	return nil
}

// check validates the Redis settings. Redis is optional, so RedisConfig
// does not implement validation.Validatable.
func (c RedisConfig) check() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.DB, validation.Min(0)),
	)
}

// Validate checks the PostgreSQL settings. Instances and experience always
// live in PostgreSQL.
func (c PostgresConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.InstanceTable, validation.Required),
		validation.Field(&c.ParticipantTable, validation.Required),
		validation.Field(&c.JournalTable, validation.Required),
	)
}

// Validate checks the MongoDB settings. The feed always lives in MongoDB.
func (c MongoConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.URI, validation.Required),
		validation.Field(&c.Database, validation.Required),
		validation.Field(&c.FeedCollection, validation.Required),
		validation.Field(&c.SagaCollection, validation.Required),
	)
}

func (c JournalConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendMemory, BackendRedis, BackendPostgres, BackendMongo)),
	)
}

func (c LeaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendMemory, BackendRedis)),
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Second)),
	)
}

func (c SagaConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.StepTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxRetries, validation.Min(0), validation.Max(10)),
	)
}

func (c ReconcileConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.PerSecond, validation.Required, validation.Min(0.0)),
		validation.Field(&c.Burst, validation.Min(0)),
	)
}

func (c LogConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Format, validation.In("text", "json")),
	)
}

// NewLogger builds the slog logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
