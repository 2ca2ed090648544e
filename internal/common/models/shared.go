package models

import (
	"time"
)

type ContextKey string

const (
	TenantIDKey ContextKey = "tenant_id"
)

// ProviderType is the closed set of CRM providers the engine can talk to.
type ProviderType string

const (
	ProviderBitrix24 ProviderType = "bitrix24"
	ProviderAmoCRM   ProviderType = "amocrm"
	ProviderAvito    ProviderType = "avito"
)

// ProviderTypes lists every supported provider.
func ProviderTypes() []ProviderType {
	return []ProviderType{ProviderBitrix24, ProviderAmoCRM, ProviderAvito}
}

// Valid reports whether p is one of the supported providers.
func (p ProviderType) Valid() bool {
	for _, known := range ProviderTypes() {
		if p == known {
			return true
		}
	}
	return false
}

type SyncAction string

const (
	ActionSyncConversation  SyncAction = "sync_conversation"
	ActionCreateLead        SyncAction = "create_lead"
	ActionCreateDeal        SyncAction = "create_deal"
	ActionExport            SyncAction = "export"
	ActionRelayMessage      SyncAction = "relay_message"
	ActionRegisterConnector SyncAction = "register_connector"
	ActionOperatorMessage   SyncAction = "operator_message"
	ActionLifecycle         SyncAction = "lifecycle"
	ActionTokenUpdate       SyncAction = "token_update"
	ActionStatusUpdate      SyncAction = "status_update"
)

// JobActions are the actions a sync job may be dispatched for.
func JobActions() []SyncAction {
	return []SyncAction{ActionSyncConversation, ActionCreateLead, ActionCreateDeal}
}

func (a SyncAction) IsJobAction() bool {
	for _, known := range JobActions() {
		if a == known {
			return true
		}
	}
	return false
}

type EntityType string

const (
	EntityLead         EntityType = "lead"
	EntityDeal         EntityType = "deal"
	EntityContact      EntityType = "contact"
	EntityMessage      EntityType = "message"
	EntityConversation EntityType = "conversation"
	EntityConnector    EntityType = "connector"
	EntityIntegration  EntityType = "integration"
)

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// DateRange is an inclusive-exclusive [From, To) interval. Zero values are open ends.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls within the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}
