package job

import (
	"time"

	"go-crmsync/internal/common/models"
	sync_feature "go-crmsync/internal/features/sync"
)

type State string

const (
	StatePending         State = "pending"
	StateLocked          State = "locked"
	StateRunning         State = "running"
	StateSucceeded       State = "succeeded"
	StateSkipped         State = "skipped"
	StateFailedRetryable State = "failed_retryable"
	StateFailedTerminal  State = "failed_terminal"
)

// Job is one queued orchestrator action. Attempt starts at 1.
type Job struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Action         models.SyncAction      `json:"action"`
	IntegrationIDs []string               `json:"integration_ids,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
	Attempt        int                    `json:"attempt"`
	EnqueuedAt     time.Time              `json:"enqueued_at"`
}

func (j Job) options() sync_feature.Options {
	return sync_feature.Options{
		IntegrationIDs: j.IntegrationIDs,
		Params:         j.Params,
		Fields:         j.Fields,
	}
}

func (j Job) lockKey() string {
	return sync_feature.LockKey(j.ConversationID, j.Action)
}

// Outcome is the final state of one job execution
type Outcome struct {
	Job     Job                   `json:"job"`
	State   State                 `json:"state"`
	Results *sync_feature.Results `json:"results,omitempty"`
	Error   string                `json:"error,omitempty"`
	// RetryAt is set when a follow-up attempt was queued
	RetryAt *time.Time `json:"retry_at,omitempty"`
}
