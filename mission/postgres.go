package mission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

/*
PostgreSQL Schema:

CREATE TABLE mission_instances (
    id               VARCHAR(64) PRIMARY KEY,
    mission_id       VARCHAR(64) NOT NULL,
    user_id          VARCHAR(64) NOT NULL,
    participant_id   VARCHAR(64),
    title            VARCHAR(255) NOT NULL,
    category_label   VARCHAR(255),
    status           VARCHAR(20) NOT NULL DEFAULT 'IN_PROGRESS',
    is_guild         BOOLEAN NOT NULL DEFAULT FALSE,
    exp_reward       INT NOT NULL DEFAULT 0,
    completed_at     TIMESTAMP,
    exp_earned       INT,
    progress_applied BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE mission_participants (
    id              VARCHAR(64) PRIMARY KEY,
    completed_count INT NOT NULL DEFAULT 0
);
*/

const instanceSchemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id               VARCHAR(64) PRIMARY KEY,
    mission_id       VARCHAR(64) NOT NULL,
    user_id          VARCHAR(64) NOT NULL,
    participant_id   VARCHAR(64),
    title            VARCHAR(255) NOT NULL,
    category_label   VARCHAR(255),
    status           VARCHAR(20) NOT NULL DEFAULT 'IN_PROGRESS',
    is_guild         BOOLEAN NOT NULL DEFAULT FALSE,
    exp_reward       INT NOT NULL DEFAULT 0,
    completed_at     TIMESTAMP,
    exp_earned       INT,
    progress_applied BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_user_id ON %[1]s(user_id);
CREATE TABLE IF NOT EXISTS %[2]s (
    id              VARCHAR(64) PRIMARY KEY,
    completed_count INT NOT NULL DEFAULT 0
);
`

// PostgresInstanceStore is a PostgreSQL-backed InstanceStore.
type PostgresInstanceStore struct {
	db           *sql.DB
	table        string
	participants string
}

// PostgresInstanceOption configures a PostgresInstanceStore.
type PostgresInstanceOption func(*PostgresInstanceStore)

// WithInstanceTable sets the instance table name (default "mission_instances").
func WithInstanceTable(table string) PostgresInstanceOption {
	return func(s *PostgresInstanceStore) {
		if table != "" {
			s.table = table
		}
	}
}

// WithParticipantTable sets the participant table name (default "mission_participants").
func WithParticipantTable(table string) PostgresInstanceOption {
	return func(s *PostgresInstanceStore) {
		if table != "" {
			s.participants = table
		}
	}
}

// NewPostgresInstanceStore creates a new PostgreSQL instance store.
func NewPostgresInstanceStore(db *sql.DB, opts ...PostgresInstanceOption) *PostgresInstanceStore {
	s := &PostgresInstanceStore{
		db:           db,
		table:        "mission_instances",
		participants: "mission_participants",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the instance and participant tables if missing.
func (s *PostgresInstanceStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(instanceSchemaTemplate, s.table, s.participants)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadForCompletion loads the instance and checks ownership.
func (s *PostgresInstanceStore) LoadForCompletion(ctx context.Context, id, userID string) (*Instance, error) {
	query := fmt.Sprintf(`
		SELECT id, mission_id, user_id, participant_id, title, category_label, status, is_guild, exp_reward, completed_at, exp_earned
		FROM %s
		WHERE id = $1
	`, s.table)

	var inst Instance
	var participantID, categoryLabel sql.NullString
	var completedAt sql.NullTime
	var expEarned sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&inst.ID,
		&inst.MissionID,
		&inst.UserID,
		&participantID,
		&inst.Title,
		&categoryLabel,
		&inst.Status,
		&inst.IsGuild,
		&inst.ExpReward,
		&completedAt,
		&expEarned,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query instance: %w", err)
	}

	if inst.UserID != userID {
		return nil, ErrNotOwner
	}

	inst.ParticipantID = participantID.String
	inst.CategoryLabel = categoryLabel.String
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	if expEarned.Valid {
		earned := int(expEarned.Int64)
		inst.ExpEarned = &earned
	}

	return &inst, nil
}

// AdvanceParticipantProgress counts the completion on the participant once
// per instance.
func (s *PostgresInstanceStore) AdvanceParticipantProgress(ctx context.Context, id string) error {
	return s.applyProgress(ctx, id, true)
}

// RevertParticipantProgress undoes AdvanceParticipantProgress. It is a no-op
// if the progress was never applied.
func (s *PostgresInstanceStore) RevertParticipantProgress(ctx context.Context, id string) error {
	return s.applyProgress(ctx, id, false)
}

func (s *PostgresInstanceStore) applyProgress(ctx context.Context, id string, advance bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	flag := fmt.Sprintf("UPDATE %s SET progress_applied = $2 WHERE id = $1 AND progress_applied = $3", s.table)
	result, err := tx.ExecContext(ctx, flag, id, advance, !advance)
	if err != nil {
		return fmt.Errorf("update progress flag: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Already in the requested state.
		return tx.Commit()
	}

	counter := "completed_count + 1"
	if !advance {
		counter = "GREATEST(completed_count - 1, 0)"
	}
	update := fmt.Sprintf(`
		UPDATE %s SET completed_count = %s
		WHERE id = (SELECT participant_id FROM %s WHERE id = $1)
	`, s.participants, counter, s.table)
	if _, err := tx.ExecContext(ctx, update, id); err != nil {
		return fmt.Errorf("update participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkCompleted moves the instance to COMPLETED. Repeating the call for an
// instance already completed with the same timestamp is a no-op.
func (s *PostgresInstanceStore) MarkCompleted(ctx context.Context, id string, completedAt time.Time, expEarned int) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, completed_at = $3, exp_earned = $4
		WHERE id = $1 AND status = $5
	`, s.table)

	result, err := s.db.ExecContext(ctx, query, id, StatusCompleted, completedAt, expEarned, StatusInProgress)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var status Status
		var current sql.NullTime
		check := fmt.Sprintf("SELECT status, completed_at FROM %s WHERE id = $1", s.table)
		if err := s.db.QueryRowContext(ctx, check, id).Scan(&status, &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
			}
			return fmt.Errorf("check status: %w", err)
		}
		if status == StatusCompleted && current.Valid && current.Time.Equal(completedAt) {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrStatusChanged, id, status)
	}
	return nil
}

// RevertToInProgress undoes MarkCompleted.
func (s *PostgresInstanceStore) RevertToInProgress(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, completed_at = NULL, exp_earned = NULL
		WHERE id = $1
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query, id, StatusInProgress); err != nil {
		return fmt.Errorf("revert to in progress: %w", err)
	}
	return nil
}

// Health performs a health check on the instance store.
func (s *PostgresInstanceStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.db.PingContext(ctx); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("postgres ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var inProgress int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = $1", s.table)
	if err := s.db.QueryRowContext(ctx, query, StatusInProgress).Scan(&inProgress); err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count instances: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"in_progress": inProgress,
			"table":       s.table,
		},
	}
}

// Compile-time checks
var (
	_ InstanceStore  = (*PostgresInstanceStore)(nil)
	_ health.Checker = (*PostgresInstanceStore)(nil)
)
