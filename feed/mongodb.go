// Package feed publishes mission completion posts to a MongoDB-backed
// social feed.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3/health"
	"github.com/rbaliyan/mission-saga/mission"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

/*
MongoDB Schema:

Collection: feeds

Document structure:
{
    "_id": string (feed ID),
    "user_id": string,
    "kind": "MISSION_COMPLETED",
    "source_type": string,
    "source_id": string,
    "mission_id": string,
    "title": string,
    "category_label": string (optional),
    "note": string (optional),
    "exp_earned": int,
    "completed_at": ISODate,
    "created_at": ISODate
}

Indexes:
db.feeds.createIndex({ "source_type": 1, "source_id": 1 }, { unique: true })
db.feeds.createIndex({ "user_id": 1, "created_at": -1 })
*/

// KindMissionCompleted is the feed post kind written for completions.
const KindMissionCompleted = "MISSION_COMPLETED"

// Post is the feed document.
type Post struct {
	ID            string    `bson:"_id"`
	UserID        string    `bson:"user_id"`
	Kind          string    `bson:"kind"`
	SourceType    string    `bson:"source_type"`
	SourceID      string    `bson:"source_id"`
	MissionID     string    `bson:"mission_id"`
	Title         string    `bson:"title"`
	CategoryLabel string    `bson:"category_label,omitempty"`
	Note          string    `bson:"note,omitempty"`
	ExpEarned     int       `bson:"exp_earned"`
	CompletedAt   time.Time `bson:"completed_at"`
	CreatedAt     time.Time `bson:"created_at"`
}

// MongoGateway implements mission.FeedGateway.
type MongoGateway struct {
	collection *mongo.Collection
	newID      func() string
	now        func() time.Time
}

// Option configures a MongoGateway.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	collection string
}

// WithCollection sets the feed collection name (default "feeds").
func WithCollection(name string) Option {
	return func(o *gatewayOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// NewMongoGateway creates a feed gateway on db.
func NewMongoGateway(db *mongo.Database, opts ...Option) *MongoGateway {
	o := &gatewayOptions{collection: "feeds"}
	for _, opt := range opts {
		opt(o)
	}
	return &MongoGateway{
		collection: db.Collection(o.collection),
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Collection returns the underlying MongoDB collection.
func (g *MongoGateway) Collection() *mongo.Collection {
	return g.collection
}

// Indexes returns the indexes the gateway relies on. The unique source
// index is what makes CreateMissionFeed idempotent.
func (g *MongoGateway) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "source_type", Value: 1},
				{Key: "source_id", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
	}
}

// EnsureIndexes creates the required indexes.
func (g *MongoGateway) EnsureIndexes(ctx context.Context) error {
	_, err := g.collection.Indexes().CreateMany(ctx, g.Indexes())
	return err
}

// CreateMissionFeed inserts the completion post and returns its id. A post
// already present for the same source is returned unchanged.
func (g *MongoGateway) CreateMissionFeed(ctx context.Context, payload mission.FeedPayload) (string, error) {
	if payload.SourceType == "" || payload.SourceID == "" {
		return "", errors.New("feed payload requires source type and source id")
	}

	filter := sourceFilter(payload.SourceType, payload.SourceID)
	update := bson.M{
		"$setOnInsert": Post{
			ID:            g.newID(),
			UserID:        payload.UserID,
			Kind:          KindMissionCompleted,
			SourceType:    payload.SourceType,
			SourceID:      payload.SourceID,
			MissionID:     payload.MissionID,
			Title:         payload.Title,
			CategoryLabel: payload.CategoryLabel,
			Note:          payload.Note,
			ExpEarned:     payload.ExpEarned,
			CompletedAt:   payload.CompletedAt.UTC(),
			CreatedAt:     g.now().UTC(),
		},
	}
	opts := mongoopts.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(mongoopts.After).
		SetProjection(bson.M{"_id": 1})

	var post struct {
		ID string `bson:"_id"`
	}
	err := g.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&post)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		// Lost an upsert race; the winner's post is the one to report.
		err = g.collection.FindOne(ctx, filter, mongoopts.FindOne().SetProjection(bson.M{"_id": 1})).Decode(&post)
	}
	if err != nil {
		return "", fmt.Errorf("upsert feed: %w", err)
	}
	return post.ID, nil
}

// DeleteFeed removes a post. A missing post is not an error.
func (g *MongoGateway) DeleteFeed(ctx context.Context, feedID string) error {
	if _, err := g.collection.DeleteOne(ctx, bson.M{"_id": feedID}); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return nil
}

// Get returns the post with the given id.
func (g *MongoGateway) Get(ctx context.Context, feedID string) (*Post, error) {
	var post Post
	if err := g.collection.FindOne(ctx, bson.M{"_id": feedID}).Decode(&post); err != nil {
		return nil, fmt.Errorf("find feed: %w", err)
	}
	return &post, nil
}

// Health performs a health check on the feed collection.
func (g *MongoGateway) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := g.collection.Database().Client().Ping(ctx, nil); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("mongodb ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	posts, err := g.collection.EstimatedDocumentCount(ctx)
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count posts: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"collection": g.collection.Name(),
			"posts":      posts,
		},
	}
}

func sourceFilter(sourceType, sourceID string) bson.D {
	return bson.D{
		{Key: "source_type", Value: sourceType},
		{Key: "source_id", Value: sourceID},
	}
}

// Compile-time checks
var (
	_ mission.FeedGateway = (*MongoGateway)(nil)
	_ health.Checker      = (*MongoGateway)(nil)
)
