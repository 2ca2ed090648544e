package webhook

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

type DeliveryRepository interface {
	Create(ctx context.Context, d *Delivery) error
	List(ctx context.Context, provider models.ProviderType, integrationID string, limit int64) ([]Delivery, error)
	EnsureIndexes(ctx context.Context) error
}

type DeliveryRepositoryImpl struct {
	collection *mongo.Collection
}

func NewDeliveryRepository(db *database.MongodbDB) DeliveryRepository {
	return &DeliveryRepositoryImpl{
		collection: db.DB.Collection("crm_webhook_deliveries"),
	}
}

func (r *DeliveryRepositoryImpl) Create(ctx context.Context, d *Delivery) error {
	if d.ID.IsZero() {
		d.ID = primitive.NewObjectID()
	}
	d.CreatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, d)
	return err
}

func (r *DeliveryRepositoryImpl) List(ctx context.Context, provider models.ProviderType, integrationID string, limit int64) ([]Delivery, error) {
	filter := bson.M{}
	if provider != "" {
		filter["provider"] = provider
	}
	if integrationID != "" {
		filter["integration_id"] = integrationID
	}
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var deliveries []Delivery
	if err = cursor.All(ctx, &deliveries); err != nil {
		return nil, err
	}

	return deliveries, nil
}

// EnsureIndexes expires delivery records after 30 days
func (r *DeliveryRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "integration_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(30 * 24 * 3600),
		},
	})
	return err
}
