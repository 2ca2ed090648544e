package cron_feature

import (
	"time"

	sync_feature "go-crmsync/internal/features/sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Integration settings read by the export scheduler
const (
	SettingExportSchedule   = "export_schedule"
	SettingExportWindow     = "export_window"
	SettingExportSkipSynced = "export_skip_synced"
	SettingExportBots       = "export_bot_ids"
)

const defaultExportWindow = 24 * time.Hour

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "success"
	RunFailed    RunStatus = "failed"
)

// Schedule is a registered periodic export of one integration
type Schedule struct {
	IntegrationID string        `json:"integration_id"`
	Spec          string        `json:"spec"`
	Window        time.Duration `json:"window"`
	SkipSynced    bool          `json:"skip_synced"`
	BotIDs        []string      `json:"bot_ids,omitempty"`
	NextRun       *time.Time    `json:"next_run,omitempty"`
	LastRun       *time.Time    `json:"last_run,omitempty"`
}

// ExportRun represents a single execution of a scheduled export
type ExportRun struct {
	ID            primitive.ObjectID         `json:"id" bson:"_id,omitempty"`
	IntegrationID string                     `json:"integration_id" bson:"integration_id"`
	Trigger       string                     `json:"trigger" bson:"trigger"` // "schedule" or "manual"
	StartTime     time.Time                  `json:"start_time" bson:"start_time"`
	EndTime       *time.Time                 `json:"end_time,omitempty" bson:"end_time,omitempty"`
	Status        RunStatus                  `json:"status" bson:"status"`
	From          time.Time                  `json:"from" bson:"from"`
	To            time.Time                  `json:"to" bson:"to"`
	Report        *sync_feature.ExportReport `json:"report,omitempty" bson:"report,omitempty"`
	Error         string                     `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt     time.Time                  `json:"created_at" bson:"created_at"`
}
