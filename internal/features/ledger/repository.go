package ledger

import (
	"context"
	"errors"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"
	"go-crmsync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// LedgerRepository stores ledger entries (insert only) and the entity map
type LedgerRepository interface {
	Insert(ctx context.Context, entry *Entry) error
	Stats(ctx context.Context, filter StatsFilter) ([]Stat, error)
	Recent(ctx context.Context, filter StatsFilter, limit int64) ([]Entry, error)

	UpsertMapping(ctx context.Context, m *EntityMapping) error
	FindMapping(ctx context.Context, integrationID string, entityType models.EntityType, localID string) (*EntityMapping, error)
	FindByRemote(ctx context.Context, integrationID string, entityType models.EntityType, remoteID string) (*EntityMapping, error)
	MappedLocalIDs(ctx context.Context, integrationID string, entityType models.EntityType, localIDs []string) (map[string]string, error)

	EnsureSchema(ctx context.Context) error
}

// NewLedgerRepository picks the backend configured by LEDGER_BACKEND
func NewLedgerRepository(cfg *config.Config, mongodb *database.MongodbDB, pg *database.PostgresDB) LedgerRepository {
	if cfg.LedgerBackend == "postgres" && pg != nil && pg.DB != nil {
		return NewPostgresLedgerRepository(pg.DB)
	}
	return NewMongoLedgerRepository(mongodb)
}

type MongoLedgerRepository struct {
	entries  *mongo.Collection
	mappings *mongo.Collection
}

func NewMongoLedgerRepository(db *database.MongodbDB) *MongoLedgerRepository {
	return &MongoLedgerRepository{
		entries:  db.DB.Collection("crm_sync_ledger"),
		mappings: db.DB.Collection("crm_entity_map"),
	}
}

func (r *MongoLedgerRepository) Insert(ctx context.Context, entry *Entry) error {
	_, err := r.entries.InsertOne(ctx, entry)
	return err
}

func (r *MongoLedgerRepository) Stats(ctx context.Context, filter StatsFilter) ([]Stat, error) {
	cursor, err := r.entries.Aggregate(ctx, statsPipeline(filter))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID    Stat  `bson:"_id"`
		Count int64 `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	stats := make([]Stat, 0, len(rows))
	for _, row := range rows {
		s := row.ID
		s.Count = row.Count
		stats = append(stats, s)
	}
	return stats, nil
}

func statsPipeline(filter StatsFilter) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: entryFilter(filter)}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{
				"entity_type": "$entity_type",
				"action":      "$action",
				"status":      "$status",
			},
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "_id.entity_type", Value: 1},
			{Key: "_id.action", Value: 1},
			{Key: "_id.status", Value: 1},
		}}},
	}
}

func entryFilter(filter StatsFilter) bson.M {
	query := bson.M{}
	if filter.IntegrationID != "" {
		query["integration_id"] = filter.IntegrationID
	}
	created := bson.M{}
	if !filter.Range.From.IsZero() {
		created["$gte"] = filter.Range.From
	}
	if !filter.Range.To.IsZero() {
		created["$lt"] = filter.Range.To
	}
	if len(created) > 0 {
		query["created_at"] = created
	}
	return query
}

func (r *MongoLedgerRepository) Recent(ctx context.Context, filter StatsFilter, limit int64) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cursor, err := r.entries.Find(ctx, entryFilter(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *MongoLedgerRepository) UpsertMapping(ctx context.Context, m *EntityMapping) error {
	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = time.Now()
	}

	_, err := r.mappings.UpdateOne(ctx,
		bson.M{"integration_id": m.IntegrationID, "entity_type": m.EntityType, "local_id": m.LocalID},
		bson.M{"$set": bson.M{
			"remote_id":      m.RemoteID,
			"last_synced_at": m.LastSyncedAt,
			"snapshot":       m.Snapshot,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *MongoLedgerRepository) FindMapping(ctx context.Context, integrationID string, entityType models.EntityType, localID string) (*EntityMapping, error) {
	return r.findOne(ctx, bson.M{"integration_id": integrationID, "entity_type": entityType, "local_id": localID})
}

func (r *MongoLedgerRepository) FindByRemote(ctx context.Context, integrationID string, entityType models.EntityType, remoteID string) (*EntityMapping, error) {
	return r.findOne(ctx, bson.M{"integration_id": integrationID, "entity_type": entityType, "remote_id": remoteID})
}

func (r *MongoLedgerRepository) findOne(ctx context.Context, filter bson.M) (*EntityMapping, error) {
	var m EntityMapping
	if err := r.mappings.FindOne(ctx, filter).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrMappingNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *MongoLedgerRepository) MappedLocalIDs(ctx context.Context, integrationID string, entityType models.EntityType, localIDs []string) (map[string]string, error) {
	out := map[string]string{}
	if len(localIDs) == 0 {
		return out, nil
	}

	cursor, err := r.mappings.Find(ctx, bson.M{
		"integration_id": integrationID,
		"entity_type":    entityType,
		"local_id":       bson.M{"$in": localIDs},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var list []EntityMapping
	if err := cursor.All(ctx, &list); err != nil {
		return nil, err
	}
	for _, m := range list {
		out[m.LocalID] = m.RemoteID
	}
	return out, nil
}

func (r *MongoLedgerRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.mappings.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "integration_id", Value: 1},
				{Key: "entity_type", Value: 1},
				{Key: "local_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{
			{Key: "integration_id", Value: 1},
			{Key: "entity_type", Value: 1},
			{Key: "remote_id", Value: 1},
		}},
	}); err != nil {
		return err
	}

	_, err := r.entries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "integration_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
	})
	return err
}
