package integration

import (
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/features/mapping"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Integration is a configured connection to one external CRM account
type Integration struct {
	ID       primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	TenantID string              `json:"tenant_id" bson:"tenant_id"`
	Provider models.ProviderType `json:"provider" bson:"provider"`
	Name     string              `json:"name" bson:"name"`
	BaseURL  string              `json:"base_url,omitempty" bson:"base_url,omitempty"`

	// Credentials is the sealed credential blob; it never leaves the service in plaintext
	Credentials string `json:"-" bson:"credentials"`

	Settings      map[string]interface{} `json:"settings" bson:"settings"`
	FieldMappings []mapping.Rule         `json:"field_mappings" bson:"field_mappings"`

	IsActive          bool              `json:"is_active" bson:"is_active"`
	DeactivatedReason string            `json:"deactivated_reason,omitempty" bson:"deactivated_reason,omitempty"`
	LastSyncAt        *time.Time        `json:"last_sync_at,omitempty" bson:"last_sync_at,omitempty"`
	LastSyncStatus    models.SyncStatus `json:"last_sync_status,omitempty" bson:"last_sync_status,omitempty"`
	LastSyncError     string            `json:"last_sync_error,omitempty" bson:"last_sync_error,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// BotBinding holds the per-bot settings of an integration
type BotBinding struct {
	ID            primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	IntegrationID primitive.ObjectID `json:"integration_id" bson:"integration_id"`
	BotID         string             `json:"bot_id" bson:"bot_id"`
	TenantID      string             `json:"tenant_id" bson:"tenant_id"`

	SyncContacts      bool `json:"sync_contacts" bson:"sync_contacts"`
	SyncConversations bool `json:"sync_conversations" bson:"sync_conversations"`
	CreateLeads       bool `json:"create_leads" bson:"create_leads"`
	CreateDeals       bool `json:"create_deals" bson:"create_deals"`

	LeadSource        string                 `json:"lead_source,omitempty" bson:"lead_source,omitempty"`
	ResponsibleUserID string                 `json:"responsible_user_id,omitempty" bson:"responsible_user_id,omitempty"`
	PipelineID        string                 `json:"pipeline_id,omitempty" bson:"pipeline_id,omitempty"`
	StageID           string                 `json:"stage_id,omitempty" bson:"stage_id,omitempty"`
	ConnectorSettings map[string]interface{} `json:"connector_settings,omitempty" bson:"connector_settings,omitempty"`

	IsActive  bool      `json:"is_active" bson:"is_active"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Allows reports whether the binding enables action
func (b *BotBinding) Allows(action models.SyncAction) bool {
	switch action {
	case models.ActionCreateLead:
		return b.CreateLeads
	case models.ActionCreateDeal:
		return b.CreateDeals
	case models.ActionSyncConversation, models.ActionRelayMessage:
		return b.SyncConversations
	case models.ActionExport:
		return b.SyncConversations || b.CreateLeads
	}
	return true
}

// Eligible is an active binding paired with its active integration
type Eligible struct {
	Integration Integration
	Binding     BotBinding
}

// RetryPolicy is the effective job retry configuration of an integration
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}
