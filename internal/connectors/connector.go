package connectors

import (
	"context"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/secrets"

	"go.uber.org/zap"
)

// Conversation is the adapter-facing view of a bot conversation
type Conversation struct {
	ID             string
	TenantID       string
	BotID          string
	Channel        string
	Status         string
	UserName       string
	UserEmail      string
	UserPhone      string
	ExternalChatID string
	CRMLeadID      string
	CRMDealID      string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

// Message is one conversation message handed to an adapter
type Message struct {
	ID         string
	Role       string
	Content    string
	AuthorName string
	CreatedAt  time.Time
}

// RemoteRef identifies an entity created in the remote CRM
type RemoteRef struct {
	ID  string
	Raw interface{}
}

// DeliveredMessage pairs a local message with the id the provider assigned to it
type DeliveredMessage struct {
	LocalID  string
	RemoteID string
}

// SyncResult describes what SyncConversation pushed to the provider
type SyncResult struct {
	// LeadID is set when the adapter had to create a lead to attach the conversation to
	LeadID    string
	Delivered []DeliveredMessage
	Skipped   bool
	Raw       interface{}
}

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Active bool   `json:"active"`
}

type Pipeline struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	IsDefault bool    `json:"is_default"`
	Stages    []Stage `json:"stages,omitempty"`
}

type Stage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Sort int    `json:"sort"`
}

// FieldInfo represents remote field metadata
type FieldInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Label      string `json:"label"`
	IsRequired bool   `json:"is_required"`
	IsMultiple bool   `json:"is_multiple"`
}

// InboundKind classifies a parsed webhook event
type InboundKind string

const (
	InboundOperatorMessage InboundKind = "operator_message"
	InboundLifecycle       InboundKind = "lifecycle"
	InboundTokenUpdate     InboundKind = "token_update"
	InboundStatusUpdate    InboundKind = "status_update"
	InboundIgnored         InboundKind = "ignored"
)

// InboundEvent is a provider webhook payload translated into engine terms
type InboundEvent struct {
	Kind  InboundKind
	Event string

	// Operator message resolution: by local conversation id, else by the provider chat id.
	ConversationID    string
	ExternalChatID    string
	ExternalMessageID string
	Text              string
	AuthorName        string

	// Lifecycle names the registration that went away (app, line or connector)
	Lifecycle string
	LineID    string

	Credentials *secrets.Credentials

	RemoteID string
	Status   string

	// Delivery carries whatever the provider needs echoed back on ConfirmDelivery
	Delivery map[string]interface{}
	Raw      interface{}
}

// OutboundMessage is a user or bot message relayed into a chat-style CRM
type OutboundMessage struct {
	Conversation Conversation
	Message      Message
}

// WebhookRequest is the transport-level envelope of an inbound webhook
type WebhookRequest struct {
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

// BindingSettings carries the per-bot options of the binding the adapter works for
type BindingSettings struct {
	BotID             string
	LineID            string
	PipelineID        string
	StageID           string
	ResponsibleUserID string
	LeadSource        string
}

// Connection is everything an adapter needs to talk to one integration
type Connection struct {
	IntegrationID string
	TenantID      string
	Provider      models.ProviderType
	BaseURL       string
	Settings      map[string]interface{}
	Credentials   secrets.Credentials
	Binding       BindingSettings
}

// ConnectorRegistration describes a chat connector to register for a bot
type ConnectorRegistration struct {
	BotID   string
	LineID  string
	Name    string
	IconURL string
	URL     string
}

// RegistrationResult reports which registration steps ran
type RegistrationResult struct {
	ConnectorID string   `json:"connector_id"`
	LineID      string   `json:"line_id"`
	Completed   []string `json:"completed"`
	Skipped     []string `json:"skipped"`
}

// Adapter is the capability set every CRM provider implements
type Adapter interface {
	Provider() models.ProviderType

	// TestConnection verifies the credentials against the provider
	TestConnection(ctx context.Context) error

	CreateLead(ctx context.Context, conv Conversation, fields map[string]interface{}) (*RemoteRef, error)
	CreateDeal(ctx context.Context, conv Conversation, fields map[string]interface{}) (*RemoteRef, error)
	SyncConversation(ctx context.Context, conv Conversation, msgs []Message) (*SyncResult, error)

	GetUsers(ctx context.Context) ([]User, error)
	GetPipelines(ctx context.Context) ([]Pipeline, error)
	GetPipelineStages(ctx context.Context, pipelineID string) ([]Stage, error)
	GetFields(ctx context.Context, entityType string) ([]FieldInfo, error)

	// HandleWebhook parses a verified payload into events; it performs no side effects
	HandleWebhook(ctx context.Context, payload []byte) ([]InboundEvent, error)

	CreateLeadFromFieldMapping(ctx context.Context, flat map[string]interface{}) (*RemoteRef, error)
}

// MessageRelay is implemented by chat-style providers
type MessageRelay interface {
	SendMessage(ctx context.Context, msg OutboundMessage) (*RemoteRef, error)
	ConfirmDelivery(ctx context.Context, ev InboundEvent) error
}

// WebhookVerifier authenticates an inbound webhook against this integration's secret
type WebhookVerifier interface {
	VerifyWebhook(req WebhookRequest) error
}

type ConnectorRegistrar interface {
	RegisterConnector(ctx context.Context, reg ConnectorRegistration) (*RegistrationResult, error)
}

// MultiValueSchema lists remote fields that hold [{VALUE, VALUE_TYPE}] entries, with their default type
type MultiValueSchema interface {
	MultiValueFields() map[string]string
}

// CredentialSource loads and stores the live credentials of an integration
type CredentialSource interface {
	LoadCredentials(ctx context.Context, integrationID string) (secrets.Credentials, error)
	SaveCredentials(ctx context.Context, integrationID string, creds secrets.Credentials) error
}

// SettingsSink persists provider-level settings changes such as registration progress
type SettingsSink interface {
	MergeSettings(ctx context.Context, integrationID string, values map[string]interface{}) error
}

// Deps are the collaborators shared by all adapters
type Deps struct {
	Credentials CredentialSource
	Settings    SettingsSink
	HTTP        *HTTPClient
	Logger      *zap.Logger
	Now         func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
