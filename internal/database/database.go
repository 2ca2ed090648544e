package database

import (
	"context"
	"log"
	"time"

	"go-crmsync/internal/config"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/fx"
)

// MongodbDB is the platform database shared with the bot runtime.
type MongodbDB struct {
	DB *mongo.Database
}

// NewDatabase creates a new MongoDB database connection with lifecycle management
func NewDatabase(lc fx.Lifecycle, cfg *config.Config) (*MongodbDB, error) {
	db, disconnect, err := Connect(cfg)
	if err != nil {
		return nil, err
	}

	// Register lifecycle hooks
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Println("Disconnecting from MongoDB...")
			return disconnect(ctx)
		},
	})

	return db, nil
}

// Connect opens and pings a MongoDB connection outside of an fx graph.
func Connect(cfg *config.Config) (*MongodbDB, func(context.Context) error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, err
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, err
	}

	log.Println("Connected to MongoDB!")

	return &MongodbDB{DB: client.Database(cfg.DBName)}, client.Disconnect, nil
}

// Ping checks the primary is reachable
func (m *MongodbDB) Ping(ctx context.Context) error {
	return m.DB.Client().Ping(ctx, nil)
}
