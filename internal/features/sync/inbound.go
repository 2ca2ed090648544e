package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/features/conversation"
	"go-crmsync/internal/features/integration"
	"go-crmsync/internal/features/ledger"
	"go-crmsync/internal/logger"
	"go-crmsync/internal/metrics"

	"go.uber.org/zap"
)

// WebhookDelivery is an authenticated webhook paired with the integration it belongs to
type WebhookDelivery struct {
	Integration integration.Integration
	Adapter     connectors.Adapter
	Request     connectors.WebhookRequest
}

// AuthenticateWebhook finds the active integration of provider whose secret
// verifies req
func (s *SyncServiceImpl) AuthenticateWebhook(ctx context.Context, provider models.ProviderType, req connectors.WebhookRequest) (*WebhookDelivery, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	candidates, err := s.Integrations.ListActiveByProvider(ctx, provider)
	if err != nil {
		return nil, err
	}

	for _, in := range candidates {
		adapter, _, err := s.adapterFor(ctx, target{integration: in})
		if err != nil {
			s.Logger.Debug("Skipping integration for webhook",
				zap.String(logger.FieldIntegrationID, in.ID.Hex()),
				zap.Error(err),
			)
			continue
		}
		verifier, ok := adapter.(connectors.WebhookVerifier)
		if !ok {
			continue
		}
		if err := verifier.VerifyWebhook(req); err != nil {
			continue
		}
		return &WebhookDelivery{Integration: in, Adapter: adapter, Request: req}, nil
	}

	return nil, ErrWebhookUnauthorized
}

// HandleWebhook authenticates and applies a delivery in one call
func (s *SyncServiceImpl) HandleWebhook(ctx context.Context, provider models.ProviderType, req connectors.WebhookRequest) (*WebhookReport, error) {
	delivery, err := s.AuthenticateWebhook(ctx, provider, req)
	if err != nil {
		return nil, err
	}
	return s.ProcessWebhook(ctx, delivery)
}

// ProcessWebhook parses a delivery into events and applies each one. A failed
// event does not stop the others.
func (s *SyncServiceImpl) ProcessWebhook(ctx context.Context, d *WebhookDelivery) (*WebhookReport, error) {
	integrationID := d.Integration.ID.Hex()
	report := &WebhookReport{IntegrationID: integrationID}
	log := s.Logger.With(
		zap.String(logger.FieldIntegrationID, integrationID),
		zap.String(logger.FieldProvider, string(d.Integration.Provider)),
	)

	events, err := d.Adapter.HandleWebhook(ctx, d.Request.Body)
	if err != nil {
		log.Warn("Failed to parse webhook payload", zap.Error(err))
		return nil, err
	}

	for _, ev := range events {
		metrics.WebhookEventsTotal.WithLabelValues(string(d.Integration.Provider), string(ev.Kind)).Inc()

		if ev.Kind == connectors.InboundIgnored {
			report.Ignored++
			continue
		}

		applied, err := s.applyEvent(ctx, d, ev)
		entry := ledger.Entry{
			Direction:      models.DirectionInbound,
			EntityType:     inboundEntity(ev.Kind),
			Action:         inboundAction(ev.Kind),
			IntegrationID:  integrationID,
			Provider:       d.Integration.Provider,
			ConversationID: ev.ConversationID,
			RemoteID:       ev.RemoteID,
			Request:        ev.Raw,
			Status:         models.SyncStatusSuccess,
		}

		switch {
		case err != nil:
			report.Failed++
			entry.Status = models.SyncStatusError
			entry.Error = err.Error()
			entry.ErrorKind = string(connectors.KindOf(err))
			log.Warn("Failed to apply webhook event", zap.String("kind", string(ev.Kind)), zap.String("event", ev.Event), zap.Error(err))
		case applied:
			report.Applied++
		default:
			report.Duplicates++
			entry.Response = map[string]interface{}{"duplicate": true}
		}

		if err := s.Ledger.Record(ctx, entry); err != nil {
			log.Warn("Failed to record ledger entry", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}

	return report, nil
}

// applyEvent performs the side effects of one inbound event; false means it was already applied
func (s *SyncServiceImpl) applyEvent(ctx context.Context, d *WebhookDelivery, ev connectors.InboundEvent) (bool, error) {
	switch ev.Kind {
	case connectors.InboundOperatorMessage:
		return s.applyOperatorMessage(ctx, d, ev)
	case connectors.InboundLifecycle:
		return true, s.applyLifecycle(ctx, d, ev)
	case connectors.InboundTokenUpdate:
		return true, s.applyTokenUpdate(ctx, d, ev)
	case connectors.InboundStatusUpdate:
		return s.applyStatusUpdate(ctx, d, ev)
	}
	return false, fmt.Errorf("unhandled inbound event kind %q", ev.Kind)
}

func (s *SyncServiceImpl) resolveConversation(ctx context.Context, ev connectors.InboundEvent) (*conversation.Conversation, error) {
	if ev.ConversationID != "" {
		conv, err := s.Conversations.Get(ctx, ev.ConversationID)
		if err == nil {
			return conv, nil
		}
		if ev.ExternalChatID == "" {
			return nil, err
		}
	}
	if ev.ExternalChatID == "" {
		return nil, errors.New("operator message names no conversation")
	}
	return s.Conversations.FindByExternalChatID(ctx, ev.ExternalChatID)
}

func (s *SyncServiceImpl) applyOperatorMessage(ctx context.Context, d *WebhookDelivery, ev connectors.InboundEvent) (bool, error) {
	conv, err := s.resolveConversation(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("resolve conversation: %w", err)
	}
	convID := conv.ID.Hex()

	externalID := ev.ExternalMessageID
	if externalID == "" {
		externalID = contentID(convID, ev)
	}
	inserted, err := s.Conversations.AddOperatorMessage(ctx, convID, d.Integration.Provider, externalID, ev.Text, ev.AuthorName)
	if err != nil {
		return false, err
	}

	// a re-delivery retries the steps after the insert; both are idempotent
	if relay, ok := d.Adapter.(connectors.MessageRelay); ok {
		if err := relay.ConfirmDelivery(ctx, ev); err != nil {
			s.Logger.Warn("Failed to confirm delivery to provider",
				zap.String(logger.FieldIntegrationID, d.Integration.ID.Hex()),
				zap.String(logger.FieldConversationID, convID),
				zap.Error(err),
			)
		}
	}

	if _, err := s.Conversations.TransitionToOperator(ctx, convID); err != nil {
		return inserted, err
	}
	if !inserted {
		return false, nil
	}

	if s.Publisher != nil {
		event := RelayEvent{
			ConversationID: convID,
			BotID:          conv.BotID,
			Channel:        conv.Channel,
			ExternalChatID: conv.ExternalChatID,
			Provider:       d.Integration.Provider,
			AuthorName:     ev.AuthorName,
			Text:           ev.Text,
		}
		if err := s.Publisher.PublishJSON(ctx, RelayChannel(conv.BotID), event); err != nil {
			s.Logger.Error("Failed to publish operator message to bot",
				zap.String(logger.FieldConversationID, convID),
				zap.Error(err),
			)
		}
	}
	return true, nil
}

// contentID stands in for a missing provider message id so re-deliveries of
// the same reply still collapse
func contentID(convID string, ev connectors.InboundEvent) string {
	sum := sha256.Sum256([]byte(convID + "\x00" + ev.AuthorName + "\x00" + ev.Text))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// applyLifecycle forgets the connector registration state so the next
// registration starts over
func (s *SyncServiceImpl) applyLifecycle(ctx context.Context, d *WebhookDelivery, ev connectors.InboundEvent) error {
	integrationID := d.Integration.ID.Hex()

	in, err := s.Integrations.Get(ctx, integrationID)
	if err != nil {
		return err
	}
	reset := map[string]interface{}{}
	for k := range in.Settings {
		if strings.HasPrefix(k, "connector:") {
			reset[k] = nil
		}
	}

	s.Logger.Info("Provider reported registration removed",
		zap.String(logger.FieldIntegrationID, integrationID),
		zap.String("lifecycle", ev.Lifecycle),
		zap.Int("cleared", len(reset)),
	)
	return s.Integrations.MergeSettings(ctx, integrationID, reset)
}

func (s *SyncServiceImpl) applyTokenUpdate(ctx context.Context, d *WebhookDelivery, ev connectors.InboundEvent) error {
	if ev.Credentials == nil {
		return nil
	}
	integrationID := d.Integration.ID.Hex()

	creds, err := s.Integrations.LoadCredentials(ctx, integrationID)
	if err != nil {
		return err
	}
	return s.Integrations.SaveCredentials(ctx, integrationID, creds.Merge(*ev.Credentials))
}

func (s *SyncServiceImpl) applyStatusUpdate(ctx context.Context, d *WebhookDelivery, ev connectors.InboundEvent) (bool, error) {
	m, err := s.Ledger.FindByRemote(ctx, d.Integration.ID.Hex(), models.EntityLead, ev.RemoteID)
	if errors.Is(err, ledger.ErrMappingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.Conversations.SetCRMStatus(ctx, m.LocalID, d.Integration.Provider, ev.Status)
}

func inboundEntity(kind connectors.InboundKind) models.EntityType {
	switch kind {
	case connectors.InboundOperatorMessage:
		return models.EntityMessage
	case connectors.InboundLifecycle:
		return models.EntityConnector
	case connectors.InboundStatusUpdate:
		return models.EntityLead
	}
	return models.EntityIntegration
}

func inboundAction(kind connectors.InboundKind) models.SyncAction {
	switch kind {
	case connectors.InboundOperatorMessage:
		return models.ActionOperatorMessage
	case connectors.InboundLifecycle:
		return models.ActionLifecycle
	case connectors.InboundTokenUpdate:
		return models.ActionTokenUpdate
	}
	return models.ActionStatusUpdate
}
