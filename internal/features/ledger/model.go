package ledger

import (
	"errors"
	"time"

	"go-crmsync/internal/common/models"
)

var ErrMappingNotFound = errors.New("entity mapping not found")

// Entry is one immutable record of a sync attempt in either direction
type Entry struct {
	ID             string              `json:"id" bson:"_id" db:"id"`
	Direction      models.Direction    `json:"direction" bson:"direction" db:"direction"`
	EntityType     models.EntityType   `json:"entity_type" bson:"entity_type" db:"entity_type"`
	Action         models.SyncAction   `json:"action" bson:"action" db:"action"`
	IntegrationID  string              `json:"integration_id" bson:"integration_id" db:"integration_id"`
	Provider       models.ProviderType `json:"provider" bson:"provider" db:"provider"`
	ConversationID string              `json:"conversation_id,omitempty" bson:"conversation_id,omitempty" db:"conversation_id"`
	RemoteID       string              `json:"remote_id,omitempty" bson:"remote_id,omitempty" db:"remote_id"`
	Request        interface{}         `json:"request,omitempty" bson:"request,omitempty" db:"-"`
	Response       interface{}         `json:"response,omitempty" bson:"response,omitempty" db:"-"`
	Status         models.SyncStatus   `json:"status" bson:"status" db:"status"`
	Error          string              `json:"error,omitempty" bson:"error,omitempty" db:"error"`
	ErrorKind      string              `json:"error_kind,omitempty" bson:"error_kind,omitempty" db:"error_kind"`
	CreatedAt      time.Time           `json:"created_at" bson:"created_at" db:"created_at"`
}

// EntityMapping links a local entity to its remote counterpart in one integration
type EntityMapping struct {
	IntegrationID string                 `json:"integration_id" bson:"integration_id"`
	EntityType    models.EntityType      `json:"entity_type" bson:"entity_type"`
	LocalID       string                 `json:"local_id" bson:"local_id"`
	RemoteID      string                 `json:"remote_id" bson:"remote_id"`
	LastSyncedAt  time.Time              `json:"last_synced_at" bson:"last_synced_at"`
	Snapshot      map[string]interface{} `json:"snapshot,omitempty" bson:"snapshot,omitempty"`
}

type StatsFilter struct {
	IntegrationID string
	Range         models.DateRange
}

// Stat is the number of ledger entries in one (entity type, action, status) bucket
type Stat struct {
	EntityType models.EntityType `json:"entity_type" bson:"entity_type" db:"entity_type"`
	Action     models.SyncAction `json:"action" bson:"action" db:"action"`
	Status     models.SyncStatus `json:"status" bson:"status" db:"status"`
	Count      int64             `json:"count" bson:"count" db:"count"`
}
