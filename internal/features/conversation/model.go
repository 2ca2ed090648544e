package conversation

import (
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/connectors"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	StatusBot      = "bot"
	StatusOperator = "operator"
	StatusClosed   = "closed"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleOperator  = "operator"
	RoleSystem    = "system"
)

// SourceBot marks messages produced inside the platform
const SourceBot = "bot"

// Conversation is the platform-owned chat session. The engine only writes the
// crm ids, the bot/operator status and crm metadata.
type Conversation struct {
	ID             primitive.ObjectID     `json:"id" bson:"_id,omitempty"`
	TenantID       string                 `json:"tenant_id" bson:"tenant_id"`
	BotID          string                 `json:"bot_id" bson:"bot_id"`
	Channel        string                 `json:"channel" bson:"channel"`
	Status         string                 `json:"status" bson:"status"`
	UserName       string                 `json:"user_name,omitempty" bson:"user_name,omitempty"`
	UserEmail      string                 `json:"user_email,omitempty" bson:"user_email,omitempty"`
	UserPhone      string                 `json:"user_phone,omitempty" bson:"user_phone,omitempty"`
	ExternalChatID string                 `json:"external_chat_id,omitempty" bson:"external_chat_id,omitempty"`
	CRMLeadID      *string                `json:"crm_lead_id,omitempty" bson:"crm_lead_id,omitempty"`
	CRMDealID      *string                `json:"crm_deal_id,omitempty" bson:"crm_deal_id,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" bson:"updated_at"`
}

// LeadID returns the linked CRM lead id, empty when none
func (c *Conversation) LeadID() string {
	if c.CRMLeadID == nil {
		return ""
	}
	return *c.CRMLeadID
}

// DealID returns the linked CRM deal id, empty when none
func (c *Conversation) DealID() string {
	if c.CRMDealID == nil {
		return ""
	}
	return *c.CRMDealID
}

// HasRemote reports whether the create action already produced its entity
func (c *Conversation) HasRemote(action models.SyncAction) bool {
	switch action {
	case models.ActionCreateLead:
		return c.LeadID() != ""
	case models.ActionCreateDeal:
		return c.DealID() != ""
	}
	return false
}

func (c *Conversation) ToConnector() connectors.Conversation {
	return connectors.Conversation{
		ID:             c.ID.Hex(),
		TenantID:       c.TenantID,
		BotID:          c.BotID,
		Channel:        c.Channel,
		Status:         c.Status,
		UserName:       c.UserName,
		UserEmail:      c.UserEmail,
		UserPhone:      c.UserPhone,
		ExternalChatID: c.ExternalChatID,
		CRMLeadID:      c.LeadID(),
		CRMDealID:      c.DealID(),
		Metadata:       c.Metadata,
		CreatedAt:      c.CreatedAt,
	}
}

type Message struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ConversationID primitive.ObjectID `json:"conversation_id" bson:"conversation_id"`
	Role           string             `json:"role" bson:"role"`
	Content        string             `json:"content" bson:"content"`
	AuthorName     string             `json:"author_name,omitempty" bson:"author_name,omitempty"`
	// Source is the origin of the message: SourceBot or a provider type
	Source     string    `json:"source" bson:"source"`
	ExternalID string    `json:"external_id,omitempty" bson:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

func (m *Message) ToConnector() connectors.Message {
	return connectors.Message{
		ID:         m.ID.Hex(),
		Role:       m.Role,
		Content:    m.Content,
		AuthorName: m.AuthorName,
		CreatedAt:  m.CreatedAt,
	}
}

// Filter selects conversations for exports
type Filter struct {
	TenantID string
	BotIDs   []string
	Range    models.DateRange
	Limit    int64
}
