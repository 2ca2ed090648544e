package conversation

import (
	"context"
	"fmt"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type ConversationService interface {
	Get(ctx context.Context, id string) (*Conversation, error)
	FindByExternalChatID(ctx context.Context, chatID string) (*Conversation, error)
	List(ctx context.Context, filter Filter) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	// LinkRemote stores the lead or deal id produced by action unless one is already set
	LinkRemote(ctx context.Context, id string, action models.SyncAction, remoteID string) (bool, error)
	AddOperatorMessage(ctx context.Context, id string, provider models.ProviderType, externalID, text, author string) (bool, error)
	TransitionToOperator(ctx context.Context, id string) (bool, error)
	FlagSyncFailure(ctx context.Context, id string, action models.SyncAction, syncErr error) error
	SetCRMStatus(ctx context.Context, id string, provider models.ProviderType, status string) error
}

type ConversationServiceImpl struct {
	Repo     ConversationRepository
	Messages MessageRepository
	Logger   *zap.Logger
}

func NewConversationService(repo ConversationRepository, messages MessageRepository, log *zap.Logger) ConversationService {
	return &ConversationServiceImpl{
		Repo:     repo,
		Messages: messages,
		Logger:   log,
	}
}

func (s *ConversationServiceImpl) Get(ctx context.Context, id string) (*Conversation, error) {
	return s.Repo.Get(ctx, id)
}

func (s *ConversationServiceImpl) FindByExternalChatID(ctx context.Context, chatID string) (*Conversation, error) {
	return s.Repo.FindByExternalChatID(ctx, chatID)
}

func (s *ConversationServiceImpl) List(ctx context.Context, filter Filter) ([]Conversation, error) {
	return s.Repo.List(ctx, filter)
}

func (s *ConversationServiceImpl) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.Messages.ListByConversation(ctx, conversationID)
}

func (s *ConversationServiceImpl) LinkRemote(ctx context.Context, id string, action models.SyncAction, remoteID string) (bool, error) {
	var field string
	switch action {
	case models.ActionCreateLead:
		field = "crm_lead_id"
	case models.ActionCreateDeal:
		field = "crm_deal_id"
	default:
		return false, fmt.Errorf("action %q does not link a remote entity", action)
	}

	linked, err := s.Repo.SetRemoteID(ctx, id, field, remoteID)
	if err != nil {
		return false, err
	}
	if !linked {
		s.Logger.Debug("Conversation already linked",
			zap.String(logger.FieldConversationID, id),
			zap.String(logger.FieldAction, string(action)),
		)
	}
	return linked, nil
}

// AddOperatorMessage persists an operator reply delivered by provider.
// Re-delivered messages are reported as not added.
func (s *ConversationServiceImpl) AddOperatorMessage(ctx context.Context, id string, provider models.ProviderType, externalID, text, author string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, err
	}

	return s.Messages.Insert(ctx, &Message{
		ConversationID: oid,
		Role:           RoleOperator,
		Content:        text,
		AuthorName:     author,
		Source:         string(provider),
		ExternalID:     externalID,
		CreatedAt:      time.Now(),
	})
}

func (s *ConversationServiceImpl) TransitionToOperator(ctx context.Context, id string) (bool, error) {
	return s.Repo.TransitionStatus(ctx, id, StatusBot, StatusOperator)
}

func (s *ConversationServiceImpl) FlagSyncFailure(ctx context.Context, id string, action models.SyncAction, syncErr error) error {
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}

	s.Logger.Warn("CRM sync failed permanently",
		zap.String(logger.FieldConversationID, id),
		zap.String(logger.FieldAction, string(action)),
		zap.String("error", msg),
	)

	return s.Repo.SetMetadata(ctx, id, map[string]interface{}{
		"crm_sync_failed":        true,
		"crm_sync_failed_action": string(action),
		"crm_sync_failed_error":  msg,
		"crm_sync_failed_at":     time.Now(),
	})
}

func (s *ConversationServiceImpl) SetCRMStatus(ctx context.Context, id string, provider models.ProviderType, status string) error {
	return s.Repo.SetMetadata(ctx, id, map[string]interface{}{
		"crm_status":            status,
		"crm_status_provider":   string(provider),
		"crm_status_updated_at": time.Now(),
	})
}
