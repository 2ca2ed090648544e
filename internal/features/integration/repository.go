package integration

import (
	"context"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type IntegrationRepository interface {
	Create(ctx context.Context, in *Integration) error
	Get(ctx context.Context, id string) (*Integration, error)
	List(ctx context.Context, tenantID string) ([]Integration, error)
	ListActiveByProvider(ctx context.Context, provider models.ProviderType) ([]Integration, error)
	SetCredentials(ctx context.Context, id string, sealed string) error
	MergeSettings(ctx context.Context, id string, values map[string]interface{}) error
	SetSyncStatus(ctx context.Context, id string, status models.SyncStatus, syncErr string, at time.Time) error
	Deactivate(ctx context.Context, id string, reason string) (bool, error)
	Activate(ctx context.Context, id string) error
	EnsureIndexes(ctx context.Context) error
}

type BindingRepository interface {
	Create(ctx context.Context, b *BotBinding) error
	ListByBot(ctx context.Context, botID string) ([]BotBinding, error)
	ListByIntegration(ctx context.Context, integrationID string) ([]BotBinding, error)
	EnsureIndexes(ctx context.Context) error
}

type IntegrationRepositoryImpl struct {
	collection *mongo.Collection
}

func NewIntegrationRepository(db *database.MongodbDB) IntegrationRepository {
	return &IntegrationRepositoryImpl{
		collection: db.DB.Collection("integrations"),
	}
}

func (r *IntegrationRepositoryImpl) Create(ctx context.Context, in *Integration) error {
	if in.ID.IsZero() {
		in.ID = primitive.NewObjectID()
	}
	if in.Settings == nil {
		in.Settings = map[string]interface{}{}
	}
	in.CreatedAt = time.Now()
	in.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, in)
	return err
}

func (r *IntegrationRepositoryImpl) Get(ctx context.Context, id string) (*Integration, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var in Integration
	if err := r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (r *IntegrationRepositoryImpl) List(ctx context.Context, tenantID string) ([]Integration, error) {
	filter := bson.M{}
	if tenantID != "" {
		filter["tenant_id"] = tenantID
	}
	return r.find(ctx, filter)
}

func (r *IntegrationRepositoryImpl) ListActiveByProvider(ctx context.Context, provider models.ProviderType) ([]Integration, error) {
	return r.find(ctx, bson.M{"provider": provider, "is_active": true})
}

func (r *IntegrationRepositoryImpl) find(ctx context.Context, filter bson.M) ([]Integration, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var list []Integration
	if err = cursor.All(ctx, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *IntegrationRepositoryImpl) SetCredentials(ctx context.Context, id string, sealed string) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{
		"credentials": sealed,
		"updated_at":  time.Now(),
	}})
}

// MergeSettings sets individual settings keys; nil values remove the key
func (r *IntegrationRepositoryImpl) MergeSettings(ctx context.Context, id string, values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}

	set := bson.M{"updated_at": time.Now()}
	unset := bson.M{}
	for k, v := range values {
		if v == nil {
			unset["settings."+k] = ""
			continue
		}
		set["settings."+k] = v
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return r.update(ctx, id, update)
}

func (r *IntegrationRepositoryImpl) SetSyncStatus(ctx context.Context, id string, status models.SyncStatus, syncErr string, at time.Time) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{
		"last_sync_at":     at,
		"last_sync_status": status,
		"last_sync_error":  syncErr,
		"updated_at":       time.Now(),
	}})
}

// Deactivate flips an active integration off and reports whether it did
func (r *IntegrationRepositoryImpl) Deactivate(ctx context.Context, id string, reason string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, err
	}

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": oid, "is_active": true},
		bson.M{"$set": bson.M{
			"is_active":          false,
			"deactivated_reason": reason,
			"updated_at":         time.Now(),
		}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (r *IntegrationRepositoryImpl) Activate(ctx context.Context, id string) error {
	return r.update(ctx, id, bson.M{
		"$set":   bson.M{"is_active": true, "updated_at": time.Now()},
		"$unset": bson.M{"deactivated_reason": ""},
	})
}

func (r *IntegrationRepositoryImpl) update(ctx context.Context, id string, update bson.M) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

func (r *IntegrationRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "is_active", Value: 1}}},
	})
	return err
}

type BindingRepositoryImpl struct {
	collection *mongo.Collection
}

func NewBindingRepository(db *database.MongodbDB) BindingRepository {
	return &BindingRepositoryImpl{
		collection: db.DB.Collection("integration_bots"),
	}
}

func (r *BindingRepositoryImpl) Create(ctx context.Context, b *BotBinding) error {
	if b.ID.IsZero() {
		b.ID = primitive.NewObjectID()
	}
	b.CreatedAt = time.Now()
	b.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, b)
	return err
}

func (r *BindingRepositoryImpl) ListByBot(ctx context.Context, botID string) ([]BotBinding, error) {
	return r.find(ctx, bson.M{"bot_id": botID, "is_active": true})
}

func (r *BindingRepositoryImpl) ListByIntegration(ctx context.Context, integrationID string) ([]BotBinding, error) {
	oid, err := primitive.ObjectIDFromHex(integrationID)
	if err != nil {
		return nil, err
	}
	return r.find(ctx, bson.M{"integration_id": oid})
}

func (r *BindingRepositoryImpl) find(ctx context.Context, filter bson.M) ([]BotBinding, error) {
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var list []BotBinding
	if err = cursor.All(ctx, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *BindingRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "integration_id", Value: 1}, {Key: "bot_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "bot_id", Value: 1}, {Key: "is_active", Value: 1}}},
	})
	return err
}
