package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rbaliyan/event/v3/health"
)

/*
PostgreSQL Schema:

CREATE TABLE sagas (
    id                   VARCHAR(64) PRIMARY KEY,
    name                 VARCHAR(255) NOT NULL,
    status               VARCHAR(50) NOT NULL,
    current_step         INT NOT NULL DEFAULT 0,
    completed_steps      TEXT[],
    failed_step          VARCHAR(255),
    failed_compensations TEXT[],
    data                 JSONB,
    error                TEXT,
    started_at           TIMESTAMP NOT NULL,
    completed_at         TIMESTAMP,
    last_updated_at      TIMESTAMP NOT NULL,
    version              BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX idx_sagas_name ON sagas(name);
CREATE INDEX idx_sagas_status ON sagas(status);
CREATE INDEX idx_sagas_started_at ON sagas(started_at);
*/

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id                   VARCHAR(64) PRIMARY KEY,
    name                 VARCHAR(255) NOT NULL,
    status               VARCHAR(50) NOT NULL,
    current_step         INT NOT NULL DEFAULT 0,
    completed_steps      TEXT[],
    failed_step          VARCHAR(255),
    failed_compensations TEXT[],
    data                 JSONB,
    error                TEXT,
    started_at           TIMESTAMP NOT NULL,
    completed_at         TIMESTAMP,
    last_updated_at      TIMESTAMP NOT NULL,
    version              BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_name ON %[1]s(name);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status);
CREATE INDEX IF NOT EXISTS idx_%[1]s_started_at ON %[1]s(started_at);
`

const selectColumns = "id, name, status, current_step, completed_steps, failed_step, failed_compensations, data, error, started_at, completed_at, last_updated_at, version"

// PostgresStore is a PostgreSQL-based saga journal
type PostgresStore struct {
	db    *sql.DB
	table string
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*postgresStoreOptions)

type postgresStoreOptions struct {
	table string
}

// WithTable sets a custom table name for the PostgreSQL saga store.
func WithTable(table string) PostgresStoreOption {
	return func(o *postgresStoreOptions) {
		if table != "" {
			o.table = table
		}
	}
}

// NewPostgresStore creates a new PostgreSQL saga store.
//
// The default table name is "sagas".
func NewPostgresStore(db *sql.DB, opts ...PostgresStoreOption) *PostgresStore {
	o := &postgresStoreOptions{
		table: "sagas",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &PostgresStore{
		db:    db,
		table: o.table,
	}
}

// EnsureSchema creates the journal table and its indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaTemplate, s.table)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Create creates a new saga record
func (s *PostgresStore) Create(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if state.ID == "" {
		return fmt.Errorf("state ID is required")
	}

	data, err := json.Marshal(state.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, status, current_step, completed_steps, failed_step, failed_compensations, data, error, started_at, completed_at, last_updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		state.ID,
		state.Name,
		state.Status,
		state.CurrentStep,
		pq.Array(state.CompletedSteps),
		state.FailedStep,
		pq.Array(state.FailedCompensations),
		data,
		state.Error,
		state.StartedAt,
		state.CompletedAt,
		state.LastUpdatedAt,
		state.Version,
	)

	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

// Get retrieves saga state by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*State, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = $1
	`, selectColumns, s.table)

	state, err := scanState(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	return state, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanState reads one row selected with selectColumns.
func scanState(row rowScanner) (*State, error) {
	var state State
	var data []byte
	var completedSteps, failedCompensations []string
	var completedAt sql.NullTime
	var errorStr, failedStep sql.NullString

	err := row.Scan(
		&state.ID,
		&state.Name,
		&state.Status,
		&state.CurrentStep,
		pq.Array(&completedSteps),
		&failedStep,
		pq.Array(&failedCompensations),
		&data,
		&errorStr,
		&state.StartedAt,
		&completedAt,
		&state.LastUpdatedAt,
		&state.Version,
	)
	if err != nil {
		return nil, err
	}

	state.CompletedSteps = completedSteps
	state.FailedCompensations = failedCompensations

	if len(data) > 0 {
		if err := json.Unmarshal(data, &state.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}

	if completedAt.Valid {
		state.CompletedAt = &completedAt.Time
	}
	if errorStr.Valid {
		state.Error = errorStr.String
	}
	if failedStep.Valid {
		state.FailedStep = failedStep.String
	}

	return &state, nil
}

// Update updates saga state with optimistic locking.
//
// The update uses the Version field for optimistic locking. If the version
// in PostgreSQL doesn't match the expected version, ErrVersionConflict is returned.
// On successful update, the state's Version is incremented.
func (s *PostgresStore) Update(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if state.ID == "" {
		return fmt.Errorf("state ID is required")
	}

	data, err := json.Marshal(state.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	newVersion := state.Version + 1

	// Use optimistic locking: only update if version matches
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, current_step = $2, completed_steps = $3, failed_step = $4, failed_compensations = $5, data = $6, error = $7, completed_at = $8, last_updated_at = $9, version = $10
		WHERE id = $11 AND version = $12
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		state.Status,
		state.CurrentStep,
		pq.Array(state.CompletedSteps),
		state.FailedStep,
		pq.Array(state.FailedCompensations),
		data,
		state.Error,
		state.CompletedAt,
		state.LastUpdatedAt,
		newVersion,
		state.ID,
		state.Version,
	)

	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Check if saga exists to distinguish between not found and version conflict
		var exists bool
		checkQuery := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)", s.table)
		_ = s.db.QueryRowContext(ctx, checkQuery, state.ID).Scan(&exists)
		if exists {
			return ErrVersionConflict
		}
		return notFound(state.ID)
	}

	// Update local version on success
	state.Version = newVersion
	return nil
}

// List lists sagas matching the filter, newest first
func (s *PostgresStore) List(ctx context.Context, filter StoreFilter) ([]*State, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE 1=1
	`, selectColumns, s.table)

	var args []any
	argIndex := 1

	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argIndex)
		args = append(args, filter.Name)
		argIndex++
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, status)
			argIndex++
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ", "))
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		results = append(results, state)
	}

	return results, rows.Err()
}

// DeleteOlderThan removes finished sagas older than the specified age.
// Entries waiting for reconciliation are kept.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE started_at < $1 AND status <> $2", s.table)

	result, err := s.db.ExecContext(ctx, query, time.Now().Add(-age), StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	return result.RowsAffected()
}

// Health performs a health check on the PostgreSQL saga store.
func (s *PostgresStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	// Ping PostgreSQL
	if err := s.db.PingContext(ctx); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("postgres ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	// Count total sagas
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count sagas: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	// Count by status
	var running, compensating, failed int64
	statusQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = $1", s.table)
	_ = s.db.QueryRowContext(ctx, statusQuery, StatusRunning).Scan(&running)
	_ = s.db.QueryRowContext(ctx, statusQuery, StatusCompensating).Scan(&compensating)
	_ = s.db.QueryRowContext(ctx, statusQuery, StatusFailed).Scan(&failed)

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"total_sagas":        count,
			"running_sagas":      running,
			"compensating_sagas": compensating,
			"failed_sagas":       failed,
			"table":              s.table,
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*PostgresStore)(nil)
	_ Pruner         = (*PostgresStore)(nil)
	_ health.Checker = (*PostgresStore)(nil)
)
