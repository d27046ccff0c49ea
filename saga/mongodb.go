package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

/*
MongoDB Schema:

Collection: sagas

Document structure:
{
    "_id": string (saga ID),
    "name": string,
    "status": string,
    "current_step": int,
    "completed_steps": [string],
    "failed_step": string (optional),
    "failed_compensations": [string] (optional),
    "data": binary (JSON encoded saga data),
    "error": string (optional),
    "started_at": ISODate,
    "completed_at": ISODate (optional),
    "last_updated_at": ISODate
}

Indexes:
db.sagas.createIndex({ "name": 1 })
db.sagas.createIndex({ "status": 1 })
db.sagas.createIndex({ "started_at": 1 })
db.sagas.createIndex({ "name": 1, "status": 1 })
*/

// MongoState represents the saga state document in MongoDB.
//
// Data is stored as JSON so it decodes into the same shape the Redis and
// PostgreSQL journals produce.
type MongoState struct {
	ID                  string     `bson:"_id"`
	Name                string     `bson:"name"`
	Status              Status     `bson:"status"`
	CurrentStep         int        `bson:"current_step"`
	CompletedSteps      []string   `bson:"completed_steps,omitempty"`
	FailedStep          string     `bson:"failed_step,omitempty"`
	FailedCompensations []string   `bson:"failed_compensations,omitempty"`
	Data                []byte     `bson:"data,omitempty"`
	Error               string     `bson:"error,omitempty"`
	StartedAt           time.Time  `bson:"started_at"`
	CompletedAt         *time.Time `bson:"completed_at,omitempty"`
	LastUpdatedAt       time.Time  `bson:"last_updated_at"`
	Version             int64      `bson:"version"`
}

// ToState converts MongoState to State
func (m *MongoState) ToState() (*State, error) {
	state := &State{
		ID:                  m.ID,
		Name:                m.Name,
		Status:              m.Status,
		CurrentStep:         m.CurrentStep,
		CompletedSteps:      m.CompletedSteps,
		FailedStep:          m.FailedStep,
		FailedCompensations: m.FailedCompensations,
		Error:               m.Error,
		StartedAt:           m.StartedAt,
		CompletedAt:         m.CompletedAt,
		LastUpdatedAt:       m.LastUpdatedAt,
		Version:             m.Version,
	}
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &state.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return state, nil
}

// FromState creates a MongoState from State
func FromState(s *State) (*MongoState, error) {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return &MongoState{
		ID:                  s.ID,
		Name:                s.Name,
		Status:              s.Status,
		CurrentStep:         s.CurrentStep,
		CompletedSteps:      s.CompletedSteps,
		FailedStep:          s.FailedStep,
		FailedCompensations: s.FailedCompensations,
		Data:                data,
		Error:               s.Error,
		StartedAt:           s.StartedAt,
		CompletedAt:         s.CompletedAt,
		LastUpdatedAt:       s.LastUpdatedAt,
		Version:             s.Version,
	}, nil
}

// MongoStore is a MongoDB-based saga journal
type MongoStore struct {
	collection *mongo.Collection
}

// MongoStoreOption configures a MongoStore.
type MongoStoreOption func(*mongoStoreOptions)

type mongoStoreOptions struct {
	collection string
}

// WithCollection sets a custom collection name for the MongoDB saga store.
func WithCollection(name string) MongoStoreOption {
	return func(o *mongoStoreOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// NewMongoStore creates a new MongoDB saga store.
//
// The default collection name is "sagas".
func NewMongoStore(db *mongo.Database, opts ...MongoStoreOption) *MongoStore {
	o := &mongoStoreOptions{
		collection: "sagas",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &MongoStore{
		collection: db.Collection(o.collection),
	}
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// Indexes returns the required indexes for the saga collection.
// Users can use this to create indexes manually or merge with their own indexes.
//
// Example:
//
//	indexes := store.Indexes()
//	_, err := collection.Indexes().CreateMany(ctx, indexes)
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "name", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "started_at", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "name", Value: 1},
				{Key: "status", Value: 1},
			},
		},
	}
}

// EnsureIndexes creates the required indexes for the saga collection
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Create creates a new saga record
func (s *MongoStore) Create(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if state.ID == "" {
		return fmt.Errorf("state ID is required")
	}

	mongoState, err := FromState(state)
	if err != nil {
		return err
	}

	_, err = s.collection.InsertOne(ctx, mongoState)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("saga already exists: %s", state.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

// Get retrieves saga state by ID
func (s *MongoStore) Get(ctx context.Context, id string) (*State, error) {
	filter := bson.M{"_id": id}

	var mongoState MongoState
	err := s.collection.FindOne(ctx, filter).Decode(&mongoState)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("find: %w", err)
	}

	return mongoState.ToState()
}

// Update updates saga state with optimistic locking.
//
// The update uses the Version field for optimistic locking. If the version
// in the database doesn't match the expected version, ErrVersionConflict is returned.
// On successful update, the state's Version is incremented.
func (s *MongoStore) Update(ctx context.Context, state *State) error {
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

	// Use optimistic locking: only update if version matches
	filter := bson.M{
		"_id":     state.ID,
		"version": state.Version,
	}
	newVersion := state.Version + 1
	update := bson.M{
		"$set": bson.M{
			"status":               state.Status,
			"current_step":         state.CurrentStep,
			"completed_steps":      state.CompletedSteps,
			"failed_step":          state.FailedStep,
			"failed_compensations": state.FailedCompensations,
			"data":                 data,
			"error":                state.Error,
			"completed_at":         state.CompletedAt,
			"last_updated_at":      state.LastUpdatedAt,
			"version":              newVersion,
		},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	if result.MatchedCount == 0 {
		// Check if saga exists to distinguish between not found and version conflict
		exists, _ := s.collection.CountDocuments(ctx, bson.M{"_id": state.ID})
		if exists > 0 {
			return ErrVersionConflict
		}
		return notFound(state.ID)
	}

	// Update local version on success
	state.Version = newVersion
	return nil
}

// List lists sagas matching the filter
func (s *MongoStore) List(ctx context.Context, filter StoreFilter) ([]*State, error) {
	mongoFilter := bson.M{}

	if filter.Name != "" {
		mongoFilter["name"] = filter.Name
	}

	if len(filter.Status) > 0 {
		mongoFilter["status"] = bson.M{"$in": filter.Status}
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var results []*State
	for cursor.Next(ctx) {
		var mongoState MongoState
		if err := cursor.Decode(&mongoState); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		state, err := mongoState.ToState()
		if err != nil {
			return nil, err
		}
		results = append(results, state)
	}

	return results, cursor.Err()
}

// Delete removes a saga by ID
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	filter := bson.M{"_id": id}

	result, err := s.collection.DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	if result.DeletedCount == 0 {
		return notFound(id)
	}

	return nil
}

// DeleteOlderThan removes finished sagas older than the specified age.
// Entries waiting for reconciliation are kept.
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	filter := bson.M{
		"started_at": bson.M{"$lt": cutoff},
		"status":     bson.M{"$ne": StatusFailed},
	}

	result, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	return result.DeletedCount, nil
}

// Count returns the number of journal entries with status.
func (s *MongoStore) Count(ctx context.Context, status Status) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{"status": status})
}

// Stats summarizes the journal.
type Stats struct {
	Total        int64            `json:"total"`
	ByStatus     map[Status]int64 `json:"by_status"`
	ByName       map[string]int64 `json:"by_name"`
	OldestActive *time.Time       `json:"oldest_active,omitempty"`
}

// GetStats summarizes the journal with a single aggregation.
func (s *MongoStore) GetStats(ctx context.Context) (*Stats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":          bson.M{"name": "$name", "status": "$status"},
			"count":        bson.M{"$sum": 1},
			"oldest_start": bson.M{"$min": "$started_at"},
		}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	stats := &Stats{
		ByStatus: make(map[Status]int64),
		ByName:   make(map[string]int64),
	}
	for cursor.Next(ctx) {
		var group struct {
			Key struct {
				Name   string `bson:"name"`
				Status Status `bson:"status"`
			} `bson:"_id"`
			Count       int64     `bson:"count"`
			OldestStart time.Time `bson:"oldest_start"`
		}
		if err := cursor.Decode(&group); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}

		stats.Total += group.Count
		stats.ByStatus[group.Key.Status] += group.Count
		stats.ByName[group.Key.Name] += group.Count

		if isActive(group.Key.Status) && (stats.OldestActive == nil || group.OldestStart.Before(*stats.OldestActive)) {
			oldest := group.OldestStart
			stats.OldestActive = &oldest
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}

	return stats, nil
}

func isActive(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompensating:
		return true
	}
	return false
}

// Health pings MongoDB and reports journal counts. Entries awaiting
// reconciliation degrade the result.
func (s *MongoStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.collection.Database().Client().Ping(ctx, nil); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("mongodb ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to summarize journal: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	status, message := health.StatusHealthy, ""
	if failed := stats.ByStatus[StatusFailed]; failed > 0 {
		status = health.StatusDegraded
		message = fmt.Sprintf("%d executions awaiting reconciliation", failed)
	}

	details := map[string]any{
		"total_sagas":        stats.Total,
		"running_sagas":      stats.ByStatus[StatusRunning],
		"compensating_sagas": stats.ByStatus[StatusCompensating],
		"failed_sagas":       stats.ByStatus[StatusFailed],
		"collection":         s.collection.Name(),
	}
	if stats.OldestActive != nil {
		details["oldest_active"] = stats.OldestActive
	}

	return &health.Result{
		Status:    status,
		Message:   message,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details:   details,
	}
}

// Compile-time checks
var (
	_ Store          = (*MongoStore)(nil)
	_ Pruner         = (*MongoStore)(nil)
	_ health.Checker = (*MongoStore)(nil)
)
