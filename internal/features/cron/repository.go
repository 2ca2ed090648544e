package cron_feature

import (
	"context"
	"time"

	"go-crmsync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type RunRepository interface {
	CreateRun(ctx context.Context, run *ExportRun) error
	UpdateRun(ctx context.Context, run *ExportRun) error
	ListRuns(ctx context.Context, integrationID string, limit int) ([]ExportRun, error)
	EnsureIndexes(ctx context.Context) error
}

type RunRepositoryImpl struct {
	collection *mongo.Collection
}

func NewRunRepository(db *database.MongodbDB) RunRepository {
	return &RunRepositoryImpl{
		collection: db.DB.Collection("crm_export_runs"),
	}
}

func (r *RunRepositoryImpl) CreateRun(ctx context.Context, run *ExportRun) error {
	run.ID = primitive.NewObjectID()
	run.CreatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, run)
	return err
}

func (r *RunRepositoryImpl) UpdateRun(ctx context.Context, run *ExportRun) error {
	update := bson.M{
		"$set": bson.M{
			"end_time": run.EndTime,
			"status":   run.Status,
			"report":   run.Report,
			"error":    run.Error,
		},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": run.ID}, update)
	return err
}

func (r *RunRepositoryImpl) ListRuns(ctx context.Context, integrationID string, limit int) ([]ExportRun, error) {
	filter := bson.M{}
	if integrationID != "" {
		filter["integration_id"] = integrationID
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "start_time", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var runs []ExportRun
	if err = cursor.All(ctx, &runs); err != nil {
		return nil, err
	}

	if runs == nil {
		runs = []ExportRun{}
	}

	return runs, nil
}

func (r *RunRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "integration_id", Value: 1}, {Key: "start_time", Value: -1}},
	})
	return err
}
