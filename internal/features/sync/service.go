package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/features/breaker"
	"go-crmsync/internal/features/conversation"
	"go-crmsync/internal/features/integration"
	"go-crmsync/internal/features/ledger"
	"go-crmsync/internal/features/mapping"
	"go-crmsync/internal/logger"
	crmredis "go-crmsync/internal/redis"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IntegrationStore is the part of the integration service the orchestrator uses
type IntegrationStore interface {
	connectors.CredentialSource
	connectors.SettingsSink

	Get(ctx context.Context, id string) (*integration.Integration, error)
	ListActiveByProvider(ctx context.Context, provider models.ProviderType) ([]integration.Integration, error)
	ListBindings(ctx context.Context, integrationID string) ([]integration.BotBinding, error)
	EligibleBindings(ctx context.Context, botID string) ([]integration.Eligible, error)
	Connection(ctx context.Context, in *integration.Integration, binding *integration.BotBinding) (connectors.Connection, error)
	RecordSyncStatus(ctx context.Context, id string, status models.SyncStatus, syncErr error) error
}

// ConversationStore is the part of the conversation service the orchestrator uses
type ConversationStore interface {
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	FindByExternalChatID(ctx context.Context, chatID string) (*conversation.Conversation, error)
	List(ctx context.Context, filter conversation.Filter) ([]conversation.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error)
	LinkRemote(ctx context.Context, id string, action models.SyncAction, remoteID string) (bool, error)
	AddOperatorMessage(ctx context.Context, id string, provider models.ProviderType, externalID, text, author string) (bool, error)
	TransitionToOperator(ctx context.Context, id string) (bool, error)
	SetCRMStatus(ctx context.Context, id string, provider models.ProviderType, status string) error
}

type FailureRecorder interface {
	RecordFailure(ctx context.Context, integrationID string, provider models.ProviderType) (bool, error)
}

type Publisher interface {
	PublishJSON(ctx context.Context, channel string, v interface{}) error
}

// AdapterFactory builds the adapter of a connection
type AdapterFactory func(conn connectors.Connection, deps connectors.Deps) (connectors.Adapter, error)

type SyncService interface {
	Run(ctx context.Context, action models.SyncAction, conversationID string, opts Options) (*Results, error)
	SyncConversation(ctx context.Context, conversationID string, opts Options) (*Results, error)
	CreateLead(ctx context.Context, conversationID string, opts Options) (*Results, error)
	CreateDeal(ctx context.Context, conversationID string, opts Options) (*Results, error)
	RelayMessage(ctx context.Context, conversationID, messageID string) (*Results, error)
	BulkSync(ctx context.Context, conversationIDs []string, opts Options) []BulkItem
	ExportConversations(ctx context.Context, integrationID string, filter ExportFilter) (*ExportReport, error)

	AuthenticateWebhook(ctx context.Context, provider models.ProviderType, req connectors.WebhookRequest) (*WebhookDelivery, error)
	ProcessWebhook(ctx context.Context, delivery *WebhookDelivery) (*WebhookReport, error)
	HandleWebhook(ctx context.Context, provider models.ProviderType, req connectors.WebhookRequest) (*WebhookReport, error)

	RegisterConnector(ctx context.Context, integrationID, botID string) (*connectors.RegistrationResult, error)
	TestIntegration(ctx context.Context, integrationID string) (*TestReport, error)
	Introspect(ctx context.Context, integrationID, kind, arg string) (interface{}, error)
}

type SyncServiceImpl struct {
	Integrations  IntegrationStore
	Conversations ConversationStore
	Ledger        ledger.LedgerService
	Breaker       FailureRecorder
	Resolver      *mapping.Resolver
	Publisher     Publisher
	HTTP          *connectors.HTTPClient
	NewAdapter    AdapterFactory
	// Locker serializes the exports and bulk syncs that run outside the job coordinator
	Locker      Locker
	LockTTL     time.Duration
	PublicURL   string
	Concurrency int
	Logger      *zap.Logger
}

func NewSyncService(
	integrations integration.IntegrationService,
	conversations conversation.ConversationService,
	ledgerService ledger.LedgerService,
	breakerService breaker.BreakerService,
	resolver *mapping.Resolver,
	relay *crmredis.Client,
	locker Locker,
	httpClient *connectors.HTTPClient,
	cfg *config.Config,
	log *zap.Logger,
) SyncService {
	return &SyncServiceImpl{
		Integrations:  integrations,
		Conversations: conversations,
		Ledger:        ledgerService,
		Breaker:       breakerService,
		Resolver:      resolver,
		Publisher:     relay,
		HTTP:          httpClient,
		NewAdapter:    connectors.New,
		Locker:        locker,
		LockTTL:       cfg.LockTTL,
		PublicURL:     cfg.PublicURL,
		Concurrency:   cfg.WorkerCount,
		Logger:        log,
	}
}

// target is one integration selected for an action, with the binding it runs under
type target struct {
	integration integration.Integration
	binding     *integration.BotBinding
}

// attempt is what an action callback reports back for the ledger
type attempt struct {
	RemoteID string
	Request  interface{}
	Response interface{}
	// Skipped means no provider call was needed
	Skipped bool
}

type actionFunc func(ctx context.Context, t target, adapter connectors.Adapter) (*attempt, error)

func (s *SyncServiceImpl) deps() connectors.Deps {
	return connectors.Deps{
		Credentials: s.Integrations,
		Settings:    s.Integrations,
		HTTP:        s.HTTP,
		Logger:      s.Logger,
	}
}

func (s *SyncServiceImpl) concurrency() int {
	if s.Concurrency < 1 {
		return 4
	}
	return s.Concurrency
}

func (s *SyncServiceImpl) adapterFor(ctx context.Context, t target) (connectors.Adapter, connectors.Connection, error) {
	conn, err := s.Integrations.Connection(ctx, &t.integration, t.binding)
	if err != nil {
		return nil, conn, err
	}

	factory := s.NewAdapter
	if factory == nil {
		factory = connectors.New
	}
	adapter, err := factory(conn, s.deps())
	if err != nil {
		return nil, conn, err
	}
	return adapter, conn, nil
}

// Run dispatches one of the job actions
func (s *SyncServiceImpl) Run(ctx context.Context, action models.SyncAction, conversationID string, opts Options) (*Results, error) {
	switch action {
	case models.ActionCreateLead:
		return s.CreateLead(ctx, conversationID, opts)
	case models.ActionCreateDeal:
		return s.CreateDeal(ctx, conversationID, opts)
	case models.ActionSyncConversation:
		return s.SyncConversation(ctx, conversationID, opts)
	}
	return nil, fmt.Errorf("%w %q", ErrUnsupportedAction, action)
}

// targets returns the eligible integrations of the conversation's bot for action
func (s *SyncServiceImpl) targets(ctx context.Context, conv *conversation.Conversation, action models.SyncAction, opts Options) ([]target, error) {
	eligible, err := s.Integrations.EligibleBindings(ctx, conv.BotID)
	if err != nil {
		return nil, err
	}

	var out []target
	for _, e := range eligible {
		if !e.Binding.Allows(action) || !opts.targets(e.Integration.ID.Hex()) {
			continue
		}
		binding := e.Binding
		out = append(out, target{integration: e.Integration, binding: &binding})
	}
	return out, nil
}

// fanOut runs fn against every target concurrently. Failures and panics are
// isolated per integration and reported in the results.
func (s *SyncServiceImpl) fanOut(ctx context.Context, conversationID string, action models.SyncAction, targets []target, fn actionFunc) *Results {
	results := newResults()
	var mu gosync.Mutex

	var g errgroup.Group
	g.SetLimit(s.concurrency())
	for _, t := range targets {
		t := t
		g.Go(func() error {
			res := s.attempt(ctx, conversationID, action, t, fn)
			mu.Lock()
			results.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *SyncServiceImpl) attempt(ctx context.Context, conversationID string, action models.SyncAction, t target, fn actionFunc) (res ProviderResult) {
	integrationID := t.integration.ID.Hex()
	res = ProviderResult{IntegrationID: integrationID, Provider: t.integration.Provider}
	log := s.Logger.With(
		zap.String(logger.FieldIntegrationID, integrationID),
		zap.String(logger.FieldProvider, string(t.integration.Provider)),
		zap.String(logger.FieldAction, string(action)),
		zap.String(logger.FieldConversationID, conversationID),
	)

	defer func() {
		if p := recover(); p != nil {
			log.Error("Provider adapter panicked", zap.Any("panic", p))
			res = s.fail(ctx, log, res, conversationID, action, nil, fmt.Errorf("adapter panic: %v", p))
		}
	}()

	adapter, _, err := s.adapterFor(ctx, t)
	if err != nil {
		log.Warn("Skipping integration", zap.Error(err))
		return skipped(res, err)
	}

	out, err := fn(ctx, t, adapter)
	if err != nil {
		if errors.Is(err, connectors.ErrUnsupported) {
			log.Debug("Action not supported by provider")
			return skipped(res, err)
		}
		return s.fail(ctx, log, res, conversationID, action, out, err)
	}

	res.RemoteID = out.RemoteID
	if out.Skipped {
		res.Outcome = OutcomeSkipped
		return res
	}

	res.Outcome = OutcomeSuccess
	if err := s.Ledger.Record(ctx, ledger.Entry{
		Direction:      models.DirectionOutbound,
		EntityType:     entityFor(action),
		Action:         action,
		IntegrationID:  integrationID,
		Provider:       t.integration.Provider,
		ConversationID: conversationID,
		RemoteID:       out.RemoteID,
		Request:        out.Request,
		Response:       out.Response,
		Status:         models.SyncStatusSuccess,
	}); err != nil {
		log.Warn("Failed to record ledger entry", zap.Error(err))
	}
	if err := s.Integrations.RecordSyncStatus(ctx, integrationID, models.SyncStatusSuccess, nil); err != nil {
		log.Warn("Failed to record sync status", zap.Error(err))
	}
	return res
}

func skipped(res ProviderResult, err error) ProviderResult {
	res.Outcome = OutcomeSkipped
	res.Kind = connectors.KindOf(err)
	res.Err = err
	res.Error = err.Error()
	return res
}

// fail records a failed attempt in the ledger and the failure breaker
func (s *SyncServiceImpl) fail(ctx context.Context, log *zap.Logger, res ProviderResult, conversationID string, action models.SyncAction, out *attempt, err error) ProviderResult {
	kind := connectors.KindOf(err)
	res.Outcome = OutcomeFailed
	res.Kind = kind
	res.Err = err
	res.Error = err.Error()

	log.Warn("CRM sync attempt failed", zap.String("kind", string(kind)), zap.Error(err))

	entry := ledger.Entry{
		Direction:      models.DirectionOutbound,
		EntityType:     entityFor(action),
		Action:         action,
		IntegrationID:  res.IntegrationID,
		Provider:       res.Provider,
		ConversationID: conversationID,
		Status:         models.SyncStatusError,
		Error:          err.Error(),
		ErrorKind:      string(kind),
	}
	if out != nil {
		entry.Request = out.Request
		entry.Response = out.Response
	}
	if lerr := s.Ledger.Record(ctx, entry); lerr != nil {
		log.Warn("Failed to record ledger entry", zap.Error(lerr))
	}

	if serr := s.Integrations.RecordSyncStatus(ctx, res.IntegrationID, models.SyncStatusError, err); serr != nil {
		log.Warn("Failed to record sync status", zap.Error(serr))
	}

	if s.Breaker != nil {
		tripped, berr := s.Breaker.RecordFailure(ctx, res.IntegrationID, res.Provider)
		if berr != nil {
			log.Error("Failed to record failure for breaker", zap.Error(berr))
		} else if tripped {
			log.Warn("Integration disabled by failure breaker")
		}
	}
	return res
}

func (s *SyncServiceImpl) CreateLead(ctx context.Context, conversationID string, opts Options) (*Results, error) {
	return s.createEntity(ctx, conversationID, models.ActionCreateLead, opts)
}

func (s *SyncServiceImpl) CreateDeal(ctx context.Context, conversationID string, opts Options) (*Results, error) {
	return s.createEntity(ctx, conversationID, models.ActionCreateDeal, opts)
}

// createEntity creates a lead or deal in every selected integration that does
// not have one for this conversation yet
func (s *SyncServiceImpl) createEntity(ctx context.Context, conversationID string, action models.SyncAction, opts Options) (*Results, error) {
	conv, err := s.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	if len(opts.IntegrationIDs) == 0 && conv.HasRemote(action) {
		results := newResults()
		results.AlreadyLinked = true
		return results, nil
	}

	targets, err := s.targets(ctx, conv, action, opts)
	if err != nil {
		return nil, err
	}

	entity := entityFor(action)
	base := conv.ToConnector()

	results := s.fanOut(ctx, conversationID, action, targets, func(ctx context.Context, t target, adapter connectors.Adapter) (*attempt, error) {
		integrationID := t.integration.ID.Hex()

		existing, err := s.remoteID(ctx, t, entity, conversationID)
		if err != nil {
			return nil, err
		}
		if existing != "" {
			return &attempt{RemoteID: existing, Skipped: true}, nil
		}

		conv := base
		if action == models.ActionCreateDeal {
			if conv.CRMLeadID, err = s.remoteID(ctx, t, models.EntityLead, conversationID); err != nil {
				return nil, err
			}
		}
		fields := s.fields(ctx, t, adapter, conv, opts)

		var ref *connectors.RemoteRef
		switch {
		case action == models.ActionCreateDeal:
			ref, err = adapter.CreateDeal(ctx, conv, fields)
		case connectors.SettingBool(t.integration.Settings, "lead_from_mapping_only"):
			ref, err = adapter.CreateLeadFromFieldMapping(ctx, fields)
		default:
			ref, err = adapter.CreateLead(ctx, conv, fields)
		}
		if err != nil {
			return &attempt{Request: fields}, err
		}

		if err := s.Ledger.Link(ctx, ledger.EntityMapping{
			IntegrationID: integrationID,
			EntityType:    entity,
			LocalID:       conversationID,
			RemoteID:      ref.ID,
			Snapshot:      snapshot(ref.Raw),
		}); err != nil {
			s.Logger.Error("Failed to store entity mapping",
				zap.String(logger.FieldIntegrationID, integrationID),
				zap.String(logger.FieldConversationID, conversationID),
				zap.Error(err),
			)
		}
		return &attempt{RemoteID: ref.ID, Request: fields, Response: ref.Raw}, nil
	})

	s.linkFirst(ctx, conversationID, action, results)
	return results, nil
}

// remoteID returns the mapped remote id of a local entity in t's integration, empty when unmapped
func (s *SyncServiceImpl) remoteID(ctx context.Context, t target, entity models.EntityType, localID string) (string, error) {
	m, err := s.Ledger.FindMapping(ctx, t.integration.ID.Hex(), entity, localID)
	if errors.Is(err, ledger.ErrMappingNotFound) {
		return "", nil
	}
	if err != nil {
		return "", connectors.TransientError(t.integration.Provider, "entity_map", err)
	}
	return m.RemoteID, nil
}

// linkFirst writes the first remote id onto the conversation. The write only
// succeeds while the conversation has none.
func (s *SyncServiceImpl) linkFirst(ctx context.Context, conversationID string, action models.SyncAction, results *Results) {
	ids := make([]string, 0, len(results.ByIntegration))
	for id := range results.ByIntegration {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := results.ByIntegration[id]
		if res.RemoteID == "" || res.Outcome == OutcomeFailed {
			continue
		}
		if _, err := s.Conversations.LinkRemote(ctx, conversationID, action, res.RemoteID); err != nil {
			s.Logger.Error("Failed to link conversation to remote entity",
				zap.String(logger.FieldConversationID, conversationID),
				zap.String(logger.FieldAction, string(action)),
				zap.Error(err),
			)
		}
		return
	}
}

func (s *SyncServiceImpl) fields(ctx context.Context, t target, adapter connectors.Adapter, conv connectors.Conversation, opts Options) map[string]interface{} {
	var multiValue map[string]string
	if schema, ok := adapter.(connectors.MultiValueSchema); ok {
		multiValue = schema.MultiValueFields()
	}

	fields := s.Resolver.Resolve(ctx, t.integration.FieldMappings, mapping.Input{
		Params:       opts.Params,
		Conversation: &conv,
	}, multiValue)
	for k, v := range opts.Fields {
		fields[k] = v
	}
	return fields
}

func snapshot(raw interface{}) map[string]interface{} {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v
	default:
		return map[string]interface{}{"raw": v}
	}
}

// SyncConversation pushes the messages each integration has not received yet
func (s *SyncServiceImpl) SyncConversation(ctx context.Context, conversationID string, opts Options) (*Results, error) {
	conv, err := s.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	msgs, err := s.Conversations.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("messages of %s: %w", conversationID, err)
	}
	targets, err := s.targets(ctx, conv, models.ActionSyncConversation, opts)
	if err != nil {
		return nil, err
	}

	localIDs := make([]string, len(msgs))
	for i := range msgs {
		localIDs[i] = msgs[i].ID.Hex()
	}
	base := conv.ToConnector()

	results := s.fanOut(ctx, conversationID, models.ActionSyncConversation, targets, func(ctx context.Context, t target, adapter connectors.Adapter) (*attempt, error) {
		integrationID := t.integration.ID.Hex()

		synced, err := s.Ledger.MappedLocalIDs(ctx, integrationID, models.EntityMessage, localIDs)
		if err != nil {
			return nil, connectors.TransientError(t.integration.Provider, "entity_map", err)
		}
		var pending []connectors.Message
		for i := range msgs {
			if _, done := synced[localIDs[i]]; !done {
				pending = append(pending, msgs[i].ToConnector())
			}
		}
		if len(pending) == 0 {
			return &attempt{Skipped: true}, nil
		}

		conv := base
		if conv.CRMLeadID, err = s.remoteID(ctx, t, models.EntityLead, conversationID); err != nil {
			return nil, err
		}

		request := map[string]interface{}{"messages": len(pending)}
		res, err := adapter.SyncConversation(ctx, conv, pending)
		if res != nil {
			s.linkMessages(ctx, integrationID, res.Delivered)
		}
		if err != nil {
			return &attempt{Request: request}, err
		}

		if res.LeadID != "" {
			if lerr := s.Ledger.Link(ctx, ledger.EntityMapping{
				IntegrationID: integrationID,
				EntityType:    models.EntityLead,
				LocalID:       conversationID,
				RemoteID:      res.LeadID,
			}); lerr != nil {
				s.Logger.Error("Failed to store entity mapping", zap.String(logger.FieldIntegrationID, integrationID), zap.Error(lerr))
			}
			if _, lerr := s.Conversations.LinkRemote(ctx, conversationID, models.ActionCreateLead, res.LeadID); lerr != nil {
				s.Logger.Error("Failed to link conversation to lead", zap.String(logger.FieldConversationID, conversationID), zap.Error(lerr))
			}
		}
		if res.Skipped {
			return &attempt{Skipped: true}, nil
		}
		return &attempt{RemoteID: res.LeadID, Request: request, Response: res.Raw}, nil
	})
	return results, nil
}

func (s *SyncServiceImpl) linkMessages(ctx context.Context, integrationID string, delivered []connectors.DeliveredMessage) {
	for _, d := range delivered {
		if err := s.Ledger.Link(ctx, ledger.EntityMapping{
			IntegrationID: integrationID,
			EntityType:    models.EntityMessage,
			LocalID:       d.LocalID,
			RemoteID:      d.RemoteID,
		}); err != nil {
			s.Logger.Error("Failed to store message mapping", zap.String(logger.FieldIntegrationID, integrationID), zap.Error(err))
		}
	}
}

// RelayMessage sends one platform message to every chat-style integration of the bot
func (s *SyncServiceImpl) RelayMessage(ctx context.Context, conversationID, messageID string) (*Results, error) {
	conv, err := s.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	msgs, err := s.Conversations.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var msg *connectors.Message
	for i := range msgs {
		if msgs[i].ID.Hex() == messageID {
			m := msgs[i].ToConnector()
			msg = &m
			break
		}
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s in conversation %s", ErrMessageNotFound, messageID, conversationID)
	}

	targets, err := s.targets(ctx, conv, models.ActionRelayMessage, Options{})
	if err != nil {
		return nil, err
	}
	base := conv.ToConnector()

	results := s.fanOut(ctx, conversationID, models.ActionRelayMessage, targets, func(ctx context.Context, t target, adapter connectors.Adapter) (*attempt, error) {
		relay, ok := adapter.(connectors.MessageRelay)
		if !ok {
			return nil, connectors.ConfigError(t.integration.Provider, "send_message", connectors.ErrUnsupported)
		}

		existing, err := s.remoteID(ctx, t, models.EntityMessage, messageID)
		if err != nil {
			return nil, err
		}
		if existing != "" {
			return &attempt{RemoteID: existing, Skipped: true}, nil
		}

		ref, err := relay.SendMessage(ctx, connectors.OutboundMessage{Conversation: base, Message: *msg})
		if err != nil {
			return &attempt{Request: msg}, err
		}
		s.linkMessages(ctx, t.integration.ID.Hex(), []connectors.DeliveredMessage{{LocalID: messageID, RemoteID: ref.ID}})
		return &attempt{RemoteID: ref.ID, Request: msg, Response: ref.Raw}, nil
	})
	return results, nil
}

// BulkSync syncs many conversations with bounded parallelism; items keep the input order
func (s *SyncServiceImpl) BulkSync(ctx context.Context, conversationIDs []string, opts Options) []BulkItem {
	items := make([]BulkItem, len(conversationIDs))

	var g errgroup.Group
	g.SetLimit(s.concurrency())
	for i, id := range conversationIDs {
		i, id := i, id
		g.Go(func() error {
			items[i].ConversationID = id
			res, err := s.withLock(ctx, id, models.ActionSyncConversation, func() (*Results, error) {
				return s.SyncConversation(ctx, id, opts)
			})
			if errors.Is(err, ErrLocked) {
				items[i].Skipped = true
				return nil
			}
			if err != nil {
				items[i].Error = err.Error()
				return nil
			}
			items[i].Results = res
			return nil
		})
	}
	_ = g.Wait()

	return items
}
