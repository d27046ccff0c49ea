package saga

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, WithTable("mission_sagas")), mock
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ctx := context.Background()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "name", "status", "current_step", "completed_steps", "failed_step",
		"failed_compensations", "data", "error", "started_at", "completed_at",
		"last_updated_at", "version",
	}).AddRow(
		"saga-1", "mission-completion", "failed", 7, "{validate,grantExperience}", "feed",
		"{grantExperience}", []byte(`{"instance_id":"inst-1"}`), "feed down", now, now,
		now, int64(3),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM mission_sagas")).
		WithArgs("saga-1").
		WillReturnRows(rows)

	state, err := store.Get(ctx, "saga-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if state.Status != StatusFailed || state.FailedStep != "feed" || state.Version != 3 {
		t.Errorf("unexpected state %+v", state)
	}
	if len(state.CompletedSteps) != 2 || state.CompletedSteps[1] != "grantExperience" {
		t.Errorf("unexpected completed steps %v", state.CompletedSteps)
	}
	if len(state.FailedCompensations) != 1 {
		t.Errorf("unexpected failed compensations %v", state.FailedCompensations)
	}
	if state.CompletedAt == nil {
		t.Error("expected completed_at")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM mission_sagas")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "missing"); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestPostgresStore_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("success bumps version", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE mission_sagas")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		state := &State{ID: "saga-1", Status: StatusCompleted, Version: 2}
		if err := store.Update(ctx, state); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if state.Version != 3 {
			t.Errorf("expected version 3, got %d", state.Version)
		}
	})

	t.Run("stale version is a conflict", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE mission_sagas")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WithArgs("saga-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		state := &State{ID: "saga-1", Status: StatusCompleted}
		if err := store.Update(ctx, state); !IsVersionConflict(err) {
			t.Errorf("expected version conflict, got %v", err)
		}
		if state.Version != 0 {
			t.Errorf("version should be unchanged, got %d", state.Version)
		}
	})

	t.Run("missing row is not found", func(t *testing.T) {
		store, mock := newMockPostgresStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE mission_sagas")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WithArgs("saga-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		if err := store.Update(ctx, &State{ID: "saga-1"}); !IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestPostgresStore_Create(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mission_sagas")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), &State{
		ID:            "saga-1",
		Name:          "mission-completion",
		Status:        StatusRunning,
		StartedAt:     now,
		LastUpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}

	if err := store.Create(context.Background(), &State{}); err == nil {
		t.Error("expected error for missing ID")
	}
}
