package logger

import (
	"go-crmsync/internal/config"
	"go-crmsync/internal/database" // Import to get DB connection

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field keys the engine attaches to sync related log lines. The DB core lifts them
// into dedicated columns so operators can filter persisted logs per integration.
const (
	FieldIntegrationID  = "integration_id"
	FieldConversationID = "conversation_id"
	FieldProvider       = "provider"
	FieldAction         = "action"
	FieldJobID          = "job_id"
)

// NewLogger now requires Database to pass to the DB Writer
func NewLogger(cfg *config.Config, mongodb *database.MongodbDB) (*zap.Logger, error) {
	baseLogger, err := NewConsoleLogger(cfg)
	if err != nil {
		return nil, err
	}

	// Only warnings and above reach the database; info traffic stays on the console.
	dbWriter := NewDBLogWriter(mongodb, cfg)
	finalCore := NewDBCore(baseLogger.Core(), dbWriter, zapcore.WarnLevel)

	return zap.New(finalCore, zap.AddCaller()), nil
}

// NewConsoleLogger builds the plain console logger used by the CLI and as the base core of the service.
func NewConsoleLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Environment == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	// Important: Enable Caller to get Function Name
	zapConfig.EncoderConfig.FunctionKey = "func"

	return zapConfig.Build()
}
