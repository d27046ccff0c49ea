//go:build integration

package saga

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// getMongoClient creates a MongoDB client for integration tests.
// Set MONGO_URI environment variable to override the default connection string.
func getMongoClient(t *testing.T) *mongo.Client {
	t.Helper()

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		t.Skipf("MongoDB not available: %v", err)
	}

	t.Cleanup(func() {
		client.Disconnect(context.Background())
	})

	return client
}

// getPostgresDB creates a PostgreSQL connection for integration tests.
// Set POSTGRES_URI environment variable to override the default connection string.
func getPostgresDB(t *testing.T) *sql.DB {
	t.Helper()

	uri := os.Getenv("POSTGRES_URI")
	if uri == "" {
		uri = "postgres://localhost:5432/test?sslmode=disable"
	}

	db, err := sql.Open("postgres", uri)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("PostgreSQL not available: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// getRedisClient creates a Redis client for integration tests.
// Set REDIS_ADDR environment variable to override the default address.
func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

// uniqueSuffix keeps concurrent runs against shared servers apart.
func uniqueSuffix() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

func TestMongoStoreIntegration(t *testing.T) {
	client := getMongoClient(t)
	ctx := context.Background()

	db := client.Database("saga_journal_" + uniqueSuffix())
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	store := NewMongoStore(db, WithCollection("sagas"))
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	runJournalTests(t, store)
	runMongoSpecificTests(t, store)
}

func TestPostgresStoreIntegration(t *testing.T) {
	db := getPostgresDB(t)
	ctx := context.Background()

	table := "sagas_" + uniqueSuffix()
	store := NewPostgresStore(db, WithTable(table))
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	t.Cleanup(func() { _, _ = db.Exec("DROP TABLE IF EXISTS " + table) })

	runJournalTests(t, store)
}

func TestRedisStoreIntegration(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()

	prefix := "saga:it:" + uniqueSuffix() + ":"
	store := NewRedisStore(client).WithKeyPrefix(prefix)
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})

	runJournalTests(t, store)
}

type journal interface {
	Store
	Pruner
}

// runJournalTests follows mission completions through the journal the way
// the engine and the reconciler use it.
func runJournalTests(t *testing.T, store journal) {
	ctx := context.Background()
	started := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	t.Run("completion lifecycle", func(t *testing.T) {
		state := &State{
			ID:            "exec-ok",
			Name:          "mission-completion",
			Status:        StatusRunning,
			Data:          map[string]any{"request": map[string]any{"id": "I1", "user_id": "U1"}},
			StartedAt:     started,
			LastUpdatedAt: started,
		}
		if err := store.Create(ctx, state); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.Create(ctx, state); err == nil {
			t.Fatal("expected duplicate Create to fail")
		}

		for _, step := range []string{"validate", "computeReward", "grantExperience"} {
			state.CompletedSteps = append(state.CompletedSteps, step)
			state.CurrentStep = len(state.CompletedSteps)
			state.LastUpdatedAt = time.Now()
			if err := store.Update(ctx, state); err != nil {
				t.Fatalf("Update after %s failed: %v", step, err)
			}
		}

		done := time.Now().Truncate(time.Millisecond)
		state.Status = StatusCompleted
		state.CompletedAt = &done
		if err := store.Update(ctx, state); err != nil {
			t.Fatalf("final Update failed: %v", err)
		}

		got, err := store.Get(ctx, "exec-ok")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != StatusCompleted || got.CompletedAt == nil {
			t.Errorf("expected completed entry, got %s (completed_at %v)", got.Status, got.CompletedAt)
		}
		if got.Version != 4 {
			t.Errorf("expected version 4, got %d", got.Version)
		}
		if len(got.CompletedSteps) != 3 || got.CompletedSteps[2] != "grantExperience" {
			t.Errorf("unexpected completed steps %v", got.CompletedSteps)
		}
		data, ok := got.Data.(map[string]any)
		if !ok {
			t.Fatalf("expected map data, got %T", got.Data)
		}
		if req, _ := data["request"].(map[string]any); req["id"] != "I1" {
			t.Errorf("unexpected data %#v", got.Data)
		}
	})

	t.Run("missing entry", func(t *testing.T) {
		if _, err := store.Get(ctx, "exec-missing"); !IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("stale writer loses", func(t *testing.T) {
		state := &State{ID: "exec-race", Name: "mission-completion", Status: StatusRunning, StartedAt: started, LastUpdatedAt: started}
		if err := store.Create(ctx, state); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		engine, err := store.Get(ctx, "exec-race")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		reconciler, err := store.Get(ctx, "exec-race")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		engine.Status = StatusCompensating
		if err := store.Update(ctx, engine); err != nil {
			t.Fatalf("first Update failed: %v", err)
		}
		reconciler.Status = StatusCompensated
		if err := store.Update(ctx, reconciler); !IsVersionConflict(err) {
			t.Errorf("expected version conflict, got %v", err)
		}
	})

	t.Run("failed compensations survive a round trip", func(t *testing.T) {
		state := &State{
			ID:                  "exec-broken",
			Name:                "mission-completion",
			Status:              StatusFailed,
			CompletedSteps:      []string{"validate", "grantExperience", "markCompleted"},
			FailedStep:          "feed",
			FailedCompensations: []string{"markCompleted", "grantExperience"},
			Error:               "feed: timeout",
			StartedAt:           started,
			LastUpdatedAt:       started,
		}
		if err := store.Create(ctx, state); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.Get(ctx, "exec-broken")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.FailedStep != "feed" {
			t.Errorf("expected failed step feed, got %q", got.FailedStep)
		}
		if len(got.FailedCompensations) != 2 || got.FailedCompensations[0] != "markCompleted" {
			t.Errorf("unexpected failed compensations %v", got.FailedCompensations)
		}
	})

	t.Run("reconciler listing", func(t *testing.T) {
		failed, err := store.List(ctx, StoreFilter{Name: "mission-completion", Status: []Status{StatusFailed}, Limit: 10})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(failed) != 1 || failed[0].ID != "exec-broken" {
			t.Errorf("expected only exec-broken, got %d entries", len(failed))
		}

		limited, err := store.List(ctx, StoreFilter{Limit: 2})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("expected 2 entries, got %d", len(limited))
		}

		other, err := store.List(ctx, StoreFilter{Name: "another-saga"})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(other) != 0 {
			t.Errorf("expected no entries, got %d", len(other))
		}
	})

	t.Run("pruning keeps entries awaiting reconciliation", func(t *testing.T) {
		if _, err := store.DeleteOlderThan(ctx, time.Second); err != nil {
			t.Fatalf("DeleteOlderThan failed: %v", err)
		}
		if _, err := store.Get(ctx, "exec-broken"); err != nil {
			t.Errorf("failed entry was pruned: %v", err)
		}
		if _, err := store.Get(ctx, "exec-ok"); !IsNotFound(err) {
			t.Errorf("expected completed entry to be pruned, got %v", err)
		}
	})

	t.Run("health", func(t *testing.T) {
		checker, ok := store.(interface {
			Health(context.Context) *health.Result
		})
		if !ok {
			t.Skip("store has no health check")
		}
		if result := checker.Health(ctx); result.Status == health.StatusUnhealthy {
			t.Errorf("expected reachable store, got %s: %s", result.Status, result.Message)
		}
	})
}

func runMongoSpecificTests(t *testing.T, store *MongoStore) {
	ctx := context.Background()

	t.Run("stats group by name and status", func(t *testing.T) {
		stats, err := store.GetStats(ctx)
		if err != nil {
			t.Fatalf("GetStats failed: %v", err)
		}
		if stats.ByStatus[StatusFailed] != 1 {
			t.Errorf("expected 1 failed entry, got %d", stats.ByStatus[StatusFailed])
		}
		if stats.ByName["mission-completion"] != stats.Total {
			t.Errorf("expected every entry under mission-completion, got %v of %d", stats.ByName, stats.Total)
		}
		if stats.OldestActive != nil {
			t.Errorf("expected no active entry, got %v", stats.OldestActive)
		}
	})

	t.Run("failed entries degrade health", func(t *testing.T) {
		result := store.Health(ctx)
		if result.Status != health.StatusDegraded {
			t.Errorf("expected degraded, got %s", result.Status)
		}
		if result.Details["failed_sagas"] != int64(1) {
			t.Errorf("unexpected details %v", result.Details)
		}
	})

	t.Run("count and delete", func(t *testing.T) {
		if n, err := store.Count(ctx, StatusFailed); err != nil || n != 1 {
			t.Fatalf("expected 1 failed, got %d (%v)", n, err)
		}
		if err := store.Delete(ctx, "exec-broken"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := store.Delete(ctx, "exec-broken"); !IsNotFound(err) {
			t.Errorf("expected not found on second delete, got %v", err)
		}
	})
}
