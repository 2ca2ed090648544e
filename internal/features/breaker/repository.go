package breaker

import (
	"context"
	"time"

	"go-crmsync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AlertRepository interface {
	Create(ctx context.Context, alert *Alert) error
	List(ctx context.Context, limit int64) ([]Alert, error)
}

type AlertRepositoryImpl struct {
	collection *mongo.Collection
}

func NewAlertRepository(db *database.MongodbDB) AlertRepository {
	return &AlertRepositoryImpl{
		collection: db.DB.Collection("crm_alerts"),
	}
}

func (r *AlertRepositoryImpl) Create(ctx context.Context, alert *Alert) error {
	if alert.ID.IsZero() {
		alert.ID = primitive.NewObjectID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	_, err := r.collection.InsertOne(ctx, alert)
	return err
}

func (r *AlertRepositoryImpl) List(ctx context.Context, limit int64) ([]Alert, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var alerts []Alert
	if err = cursor.All(ctx, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}
