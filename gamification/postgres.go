// Package gamification stores experience, completion stats and pending
// achievement checks in PostgreSQL.
//
// Experience and completion stats are credited through ledgers keyed by
// (source_type, source_id), so crediting twice for the same source is a
// no-op and reversing a source that was never credited is a no-op too.
package gamification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3/health"
	"github.com/rbaliyan/mission-saga/mission"
)

/*
PostgreSQL Schema:

CREATE TABLE exp_ledger (
    source_type    VARCHAR(64) NOT NULL,
    source_id      VARCHAR(64) NOT NULL,
    user_id        VARCHAR(64) NOT NULL,
    amount         INT NOT NULL,
    note           TEXT,
    category_label VARCHAR(255),
    reversed       BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMP NOT NULL DEFAULT NOW(),
    PRIMARY KEY (source_type, source_id)
);

CREATE TABLE user_experience (
    user_id   VARCHAR(64) PRIMARY KEY,
    total_exp BIGINT NOT NULL DEFAULT 0,
    level     INT NOT NULL DEFAULT 1
);

CREATE TABLE user_stats (
    user_id                  VARCHAR(64) PRIMARY KEY,
    missions_completed       INT NOT NULL DEFAULT 0,
    guild_missions_completed INT NOT NULL DEFAULT 0
);

CREATE TABLE completion_ledger (
    source_type VARCHAR(64) NOT NULL,
    source_id   VARCHAR(64) NOT NULL,
    user_id     VARCHAR(64) NOT NULL,
    is_guild    BOOLEAN NOT NULL DEFAULT FALSE,
    reversed    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMP NOT NULL DEFAULT NOW(),
    PRIMARY KEY (source_type, source_id)
);

CREATE TABLE achievement_checks (
    id          VARCHAR(64) PRIMARY KEY,
    user_id     VARCHAR(64) NOT NULL,
    data_source VARCHAR(64) NOT NULL,
    status      VARCHAR(20) NOT NULL DEFAULT 'queued',
    created_at  TIMESTAMP NOT NULL DEFAULT NOW()
);
*/

const schema = `
CREATE TABLE IF NOT EXISTS exp_ledger (
    source_type    VARCHAR(64) NOT NULL,
    source_id      VARCHAR(64) NOT NULL,
    user_id        VARCHAR(64) NOT NULL,
    amount         INT NOT NULL,
    note           TEXT,
    category_label VARCHAR(255),
    reversed       BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMP NOT NULL DEFAULT NOW(),
    PRIMARY KEY (source_type, source_id)
);
CREATE INDEX IF NOT EXISTS idx_exp_ledger_user_id ON exp_ledger(user_id);
CREATE TABLE IF NOT EXISTS user_experience (
    user_id   VARCHAR(64) PRIMARY KEY,
    total_exp BIGINT NOT NULL DEFAULT 0,
    level     INT NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS user_stats (
    user_id                  VARCHAR(64) PRIMARY KEY,
    missions_completed       INT NOT NULL DEFAULT 0,
    guild_missions_completed INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS completion_ledger (
    source_type VARCHAR(64) NOT NULL,
    source_id   VARCHAR(64) NOT NULL,
    user_id     VARCHAR(64) NOT NULL,
    is_guild    BOOLEAN NOT NULL DEFAULT FALSE,
    reversed    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMP NOT NULL DEFAULT NOW(),
    PRIMARY KEY (source_type, source_id)
);
CREATE TABLE IF NOT EXISTS achievement_checks (
    id          VARCHAR(64) PRIMARY KEY,
    user_id     VARCHAR(64) NOT NULL,
    data_source VARCHAR(64) NOT NULL,
    status      VARCHAR(20) NOT NULL DEFAULT 'queued',
    created_at  TIMESTAMP NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_achievement_checks_queued
    ON achievement_checks(user_id, data_source) WHERE status = 'queued';
`

// LevelFunc maps total experience to a level.
type LevelFunc func(totalExp int64) int

// DefaultLevel is one level per thousand experience, starting at 1.
func DefaultLevel(totalExp int64) int {
	if totalExp < 0 {
		totalExp = 0
	}
	return 1 + int(totalExp/1000)
}

// PostgresGateway implements mission.GamificationGateway on PostgreSQL.
type PostgresGateway struct {
	db     *sql.DB
	level  LevelFunc
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a PostgresGateway.
type Option func(*PostgresGateway)

// WithLevelFunc sets the experience curve.
func WithLevelFunc(fn LevelFunc) Option {
	return func(g *PostgresGateway) {
		if fn != nil {
			g.level = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *PostgresGateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewPostgresGateway creates a gateway backed by db.
func NewPostgresGateway(db *sql.DB, opts ...Option) *PostgresGateway {
	g := &PostgresGateway{
		db:     db,
		level:  DefaultLevel,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gamification")
	return g
}

// EnsureSchema creates the gamification tables if missing.
func (g *PostgresGateway) EnsureSchema(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// GrantExperience credits grant.Amount once per (SourceType, SourceID).
// A source that was granted and later reversed can be granted again.
func (g *PostgresGateway) GrantExperience(ctx context.Context, grant mission.ExpGrant) (*mission.ExpResult, error) {
	if grant.UserID == "" || grant.SourceType == "" || grant.SourceID == "" {
		return nil, errors.New("grant requires user, source type and source id")
	}
	if grant.Amount < 0 {
		return nil, fmt.Errorf("%w: %d", mission.ErrInvalidReward, grant.Amount)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	credit := `
		INSERT INTO exp_ledger (source_type, source_id, user_id, amount, note, category_label, reversed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (source_type, source_id) DO UPDATE
		SET user_id = EXCLUDED.user_id, amount = EXCLUDED.amount, reversed = FALSE, created_at = EXCLUDED.created_at
		WHERE exp_ledger.reversed
	`
	result, err := tx.ExecContext(ctx, credit,
		grant.SourceType, grant.SourceID, grant.UserID, grant.Amount,
		nullString(grant.Note), nullString(grant.CategoryLabel), g.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		total, level, err := g.current(ctx, tx, grant.UserID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		g.logger.Debug("duplicate experience grant",
			"user_id", grant.UserID, "source_type", grant.SourceType, "source_id", grant.SourceID)
		return &mission.ExpResult{TotalExp: total, Level: level, Duplicate: true}, nil
	}

	total, err := g.adjust(ctx, tx, grant.UserID, int64(grant.Amount))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	before := g.level(total - int64(grant.Amount))
	after := g.level(total)
	return &mission.ExpResult{
		Granted:   grant.Amount,
		TotalExp:  total,
		Level:     after,
		LeveledUp: after > before,
	}, nil
}

// ReverseExperience undoes the grant recorded for (sourceType, sourceID).
// The ledger amount is authoritative; amount is only cross-checked.
func (g *PostgresGateway) ReverseExperience(ctx context.Context, userID string, amount int, sourceType, sourceID string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var granted int64
	reverse := `
		UPDATE exp_ledger SET reversed = TRUE
		WHERE source_type = $1 AND source_id = $2 AND user_id = $3 AND NOT reversed
		RETURNING amount
	`
	err = tx.QueryRowContext(ctx, reverse, sourceType, sourceID, userID).Scan(&granted)
	if errors.Is(err, sql.ErrNoRows) {
		// Never granted or already reversed.
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("reverse ledger entry: %w", err)
	}
	if granted != int64(amount) {
		g.logger.Warn("reversal amount differs from ledger",
			"user_id", userID, "source_type", sourceType, "source_id", sourceID,
			"requested", amount, "ledger", granted)
	}

	if _, err := g.adjust(ctx, tx, userID, -granted); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// adjust applies delta to the user's total, clamped at zero, and refreshes
// the level. Returns the new total.
func (g *PostgresGateway) adjust(ctx context.Context, tx *sql.Tx, userID string, delta int64) (int64, error) {
	var total int64
	upsert := `
		INSERT INTO user_experience (user_id, total_exp, level)
		VALUES ($1, GREATEST($2::BIGINT, 0), 1)
		ON CONFLICT (user_id) DO UPDATE
		SET total_exp = GREATEST(user_experience.total_exp + $2::BIGINT, 0)
		RETURNING total_exp
	`
	if err := tx.QueryRowContext(ctx, upsert, userID, delta).Scan(&total); err != nil {
		return 0, fmt.Errorf("update experience: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE user_experience SET level = $2 WHERE user_id = $1", userID, g.level(total)); err != nil {
		return 0, fmt.Errorf("update level: %w", err)
	}
	return total, nil
}

func (g *PostgresGateway) current(ctx context.Context, tx *sql.Tx, userID string) (int64, int, error) {
	var total int64
	var level int
	err := tx.QueryRowContext(ctx, "SELECT total_exp, level FROM user_experience WHERE user_id = $1", userID).Scan(&total, &level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, g.level(0), nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("query experience: %w", err)
	}
	return total, level, nil
}

// RecordMissionCompletion counts the completion once per (SourceType,
// SourceID). Returns false when the source was already counted.
func (g *PostgresGateway) RecordMissionCompletion(ctx context.Context, stat mission.CompletionStat) (bool, error) {
	if stat.UserID == "" || stat.SourceType == "" || stat.SourceID == "" {
		return false, errors.New("completion stat requires user, source type and source id")
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count := `
		INSERT INTO completion_ledger (source_type, source_id, user_id, is_guild, reversed, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (source_type, source_id) DO UPDATE
		SET user_id = EXCLUDED.user_id, is_guild = EXCLUDED.is_guild, reversed = FALSE, created_at = EXCLUDED.created_at
		WHERE completion_ledger.reversed
	`
	result, err := tx.ExecContext(ctx, count, stat.SourceType, stat.SourceID, stat.UserID, stat.IsGuild, g.now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert completion entry: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit: %w", err)
		}
		g.logger.Debug("duplicate mission completion",
			"user_id", stat.UserID, "source_type", stat.SourceType, "source_id", stat.SourceID)
		return false, nil
	}

	query := `
		INSERT INTO user_stats (user_id, missions_completed, guild_missions_completed)
		VALUES ($1, 1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET missions_completed = user_stats.missions_completed + 1,
		    guild_missions_completed = user_stats.guild_missions_completed + EXCLUDED.guild_missions_completed
	`
	if _, err := tx.ExecContext(ctx, query, stat.UserID, guildDelta(stat.IsGuild)); err != nil {
		return false, fmt.Errorf("record completion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// RevertMissionCompletion uncounts the source recorded for (SourceType,
// SourceID). The ledger's guild flag is authoritative. Sources never
// counted or already reverted are left alone.
func (g *PostgresGateway) RevertMissionCompletion(ctx context.Context, stat mission.CompletionStat) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var guild bool
	reverse := `
		UPDATE completion_ledger SET reversed = TRUE
		WHERE source_type = $1 AND source_id = $2 AND user_id = $3 AND NOT reversed
		RETURNING is_guild
	`
	err = tx.QueryRowContext(ctx, reverse, stat.SourceType, stat.SourceID, stat.UserID).Scan(&guild)
	if errors.Is(err, sql.ErrNoRows) {
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("reverse completion entry: %w", err)
	}

	query := `
		UPDATE user_stats
		SET missions_completed = GREATEST(missions_completed - 1, 0),
		    guild_missions_completed = GREATEST(guild_missions_completed - $2, 0)
		WHERE user_id = $1
	`
	if _, err := tx.ExecContext(ctx, query, stat.UserID, guildDelta(guild)); err != nil {
		return fmt.Errorf("revert completion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CheckAchievementsByDataSource queues an achievement evaluation for the
// user. A check already queued for the same data source absorbs the request.
func (g *PostgresGateway) CheckAchievementsByDataSource(ctx context.Context, userID, dataSource string) error {
	query := `
		INSERT INTO achievement_checks (id, user_id, data_source, status, created_at)
		VALUES ($1, $2, $3, 'queued', $4)
		ON CONFLICT (user_id, data_source) WHERE status = 'queued' DO NOTHING
	`
	if _, err := g.db.ExecContext(ctx, query, g.newID(), userID, dataSource, g.now().UTC()); err != nil {
		return fmt.Errorf("queue achievement check: %w", err)
	}
	return nil
}

// Health performs a health check on the gateway's database.
func (g *PostgresGateway) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := g.db.PingContext(ctx); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("postgres ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var queued int64
	if err := g.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM achievement_checks WHERE status = 'queued'").Scan(&queued); err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count achievement checks: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"queued_achievement_checks": queued,
		},
	}
}

func guildDelta(isGuild bool) int {
	if isGuild {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time checks
var (
	_ mission.GamificationGateway = (*PostgresGateway)(nil)
	_ health.Checker              = (*PostgresGateway)(nil)
)
