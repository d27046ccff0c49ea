//go:build integration

package feed

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/rbaliyan/mission-saga/mission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// newTestGateway connects to MONGO_URI (default localhost) and returns a
// gateway on a fresh collection.
func newTestGateway(t *testing.T) *MongoGateway {
	t.Helper()

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		t.Skipf("MongoDB not available: %v", err)
	}

	db := client.Database("mission_saga_test")
	name := "feeds_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	g := NewMongoGateway(db, WithCollection(name))
	require.NoError(t, g.EnsureIndexes(ctx))

	t.Cleanup(func() {
		_ = g.Collection().Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return g
}

func TestMongoGateway(t *testing.T) {
	ctx := context.Background()
	payload := mission.FeedPayload{
		UserID:        "U1",
		SourceType:    mission.SourceDailyMissionInstance,
		SourceID:      "I1",
		MissionID:     "M1",
		Title:         "Morning run",
		CategoryLabel: "health",
		Note:          "felt great",
		ExpEarned:     120,
		CompletedAt:   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}

	t.Run("create is idempotent per source", func(t *testing.T) {
		g := newTestGateway(t)

		id, err := g.CreateMissionFeed(ctx, payload)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		again, err := g.CreateMissionFeed(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, id, again)

		post, err := g.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, KindMissionCompleted, post.Kind)
		assert.Equal(t, "Morning run", post.Title)
		assert.Equal(t, 120, post.ExpEarned)
		assert.True(t, post.CompletedAt.Equal(payload.CompletedAt))
	})

	t.Run("concurrent creates converge on one post", func(t *testing.T) {
		g := newTestGateway(t)

		ids := make([]string, 8)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := g.CreateMissionFeed(ctx, payload)
				assert.NoError(t, err)
				ids[i] = id
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		count, err := g.Collection().CountDocuments(ctx, sourceFilter(payload.SourceType, payload.SourceID))
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("delete tolerates missing posts", func(t *testing.T) {
		g := newTestGateway(t)

		id, err := g.CreateMissionFeed(ctx, payload)
		require.NoError(t, err)
		require.NoError(t, g.DeleteFeed(ctx, id))
		require.NoError(t, g.DeleteFeed(ctx, id))

		_, err = g.Get(ctx, id)
		assert.Error(t, err)

		// A deleted source can be posted again.
		fresh, err := g.CreateMissionFeed(ctx, payload)
		require.NoError(t, err)
		assert.NotEqual(t, id, fresh)
	})

	t.Run("health", func(t *testing.T) {
		g := newTestGateway(t)
		result := g.Health(ctx)
		assert.Equal(t, health.StatusHealthy, result.Status)
	})
}
