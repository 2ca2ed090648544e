package logger

import (
	"context"
	"fmt"
	"time"

	"go-crmsync/internal/config"
	"go-crmsync/internal/database"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap/zapcore"
)

// LogEntry holds the data passed from Zap to our worker
type LogEntry struct {
	Level          zapcore.Level
	Message        string
	Caller         string // Function name
	Time           time.Time
	IntegrationID  string
	ConversationID string
	Provider       string
	Context        map[string]interface{}
}

// LogRecord is the persisted shape of a log line.
type LogRecord struct {
	AppID          string                 `bson:"app_id" json:"app_id"`
	Level          string                 `bson:"level" json:"level"`
	LevelID        int                    `bson:"level_id" json:"level_id"`
	Message        string                 `bson:"message" json:"message"`
	Caller         string                 `bson:"caller,omitempty" json:"caller,omitempty"`
	IntegrationID  string                 `bson:"integration_id,omitempty" json:"integration_id,omitempty"`
	ConversationID string                 `bson:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	Provider       string                 `bson:"provider,omitempty" json:"provider,omitempty"`
	Context        map[string]interface{} `bson:"context,omitempty" json:"context,omitempty"`
	CreatedOnUtc   time.Time              `bson:"created_on_utc" json:"created_on_utc"`
}

// DBLogWriter handles the async writing
type DBLogWriter struct {
	db      *mongo.Database
	logChan chan LogEntry
	appId   string
}

// NewDBLogWriter initializes the worker
func NewDBLogWriter(mongodb *database.MongodbDB, cfg *config.Config) *DBLogWriter {
	writer := &DBLogWriter{
		db:      mongodb.DB,
		logChan: make(chan LogEntry, 1000), // Buffer 1000 logs
		appId:   cfg.AppId,
	}

	// Start the background worker immediately
	go writer.processLogs()

	return writer
}

// AddLog is called by our Zap hook
func (w *DBLogWriter) AddLog(entry LogEntry) {
	select {
	case w.logChan <- entry:
	default:
		// Channel full: drop the log rather than block a sync worker
		fmt.Println("DB Log Channel Full! Dropping log:", entry.Message)
	}
}

func (w *DBLogWriter) processLogs() {
	for entry := range w.logChan {
		record := toRecord(w.appId, entry)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		// Insert errors are ignored to keep the app running
		_, _ = w.db.Collection("logs").InsertOne(ctx, record)
		cancel()
	}
}

func toRecord(appID string, entry LogEntry) LogRecord {
	created := entry.Time.UTC()
	if entry.Time.IsZero() {
		created = time.Now().UTC()
	}
	if len(entry.Context) == 0 {
		entry.Context = nil
	}

	return LogRecord{
		AppID:          appID,
		Level:          entry.Level.String(),
		LevelID:        mapLevelToInt(entry.Level),
		Message:        entry.Message,
		Caller:         entry.Caller,
		IntegrationID:  entry.IntegrationID,
		ConversationID: entry.ConversationID,
		Provider:       entry.Provider,
		Context:        entry.Context,
		CreatedOnUtc:   created,
	}
}

func mapLevelToInt(l zapcore.Level) int {
	switch l {
	case zapcore.DebugLevel:
		return 10
	case zapcore.InfoLevel:
		return 20
	case zapcore.WarnLevel:
		return 30
	case zapcore.ErrorLevel:
		return 40
	case zapcore.FatalLevel:
		return 50
	default:
		return 20
	}
}
