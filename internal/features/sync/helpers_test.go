package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/features/conversation"
	"go-crmsync/internal/features/integration"
	"go-crmsync/internal/features/ledger"
	"go-crmsync/internal/features/mapping"
	"go-crmsync/internal/secrets"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type MockIntegrations struct {
	mu           gosync.Mutex
	Integrations map[string]*integration.Integration
	Bindings     []integration.BotBinding
	Credentials  map[string]secrets.Credentials
	Settings     map[string]map[string]interface{}
	Statuses     map[string]models.SyncStatus
}

func newMockIntegrations() *MockIntegrations {
	return &MockIntegrations{
		Integrations: map[string]*integration.Integration{},
		Credentials:  map[string]secrets.Credentials{},
		Settings:     map[string]map[string]interface{}{},
		Statuses:     map[string]models.SyncStatus{},
	}
}

// add registers an active integration bound to botID with every action enabled
func (m *MockIntegrations) add(provider models.ProviderType, botID string) *integration.Integration {
	in := &integration.Integration{
		ID:       primitive.NewObjectID(),
		TenantID: "t1",
		Provider: provider,
		Settings: map[string]interface{}{},
		IsActive: true,
	}
	m.Integrations[in.ID.Hex()] = in
	m.Bindings = append(m.Bindings, integration.BotBinding{
		ID:                primitive.NewObjectID(),
		IntegrationID:     in.ID,
		BotID:             botID,
		TenantID:          "t1",
		SyncConversations: true,
		CreateLeads:       true,
		CreateDeals:       true,
		IsActive:          true,
	})
	return in
}

func (m *MockIntegrations) LoadCredentials(ctx context.Context, id string) (secrets.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Credentials[id], nil
}
func (m *MockIntegrations) SaveCredentials(ctx context.Context, id string, creds secrets.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Credentials[id] = creds
	return nil
}
func (m *MockIntegrations) MergeSettings(ctx context.Context, id string, values map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.Integrations[id]
	if !ok {
		return mongo.ErrNoDocuments
	}
	for k, v := range values {
		if v == nil {
			delete(in.Settings, k)
			continue
		}
		in.Settings[k] = v
	}
	return nil
}
func (m *MockIntegrations) Get(ctx context.Context, id string) (*integration.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.Integrations[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	cp := *in
	return &cp, nil
}
func (m *MockIntegrations) ListActiveByProvider(ctx context.Context, provider models.ProviderType) ([]integration.Integration, error) {
	var out []integration.Integration
	for _, in := range m.Integrations {
		if in.Provider == provider && in.IsActive {
			out = append(out, *in)
		}
	}
	return out, nil
}
func (m *MockIntegrations) ListBindings(ctx context.Context, integrationID string) ([]integration.BotBinding, error) {
	var out []integration.BotBinding
	for _, b := range m.Bindings {
		if b.IntegrationID.Hex() == integrationID {
			out = append(out, b)
		}
	}
	return out, nil
}
func (m *MockIntegrations) EligibleBindings(ctx context.Context, botID string) ([]integration.Eligible, error) {
	var out []integration.Eligible
	for _, b := range m.Bindings {
		in := m.Integrations[b.IntegrationID.Hex()]
		if b.BotID == botID && b.IsActive && in.IsActive {
			out = append(out, integration.Eligible{Integration: *in, Binding: b})
		}
	}
	return out, nil
}
func (m *MockIntegrations) Connection(ctx context.Context, in *integration.Integration, binding *integration.BotBinding) (connectors.Connection, error) {
	return connectors.Connection{
		IntegrationID: in.ID.Hex(),
		TenantID:      in.TenantID,
		Provider:      in.Provider,
		Settings:      in.Settings,
	}, nil
}
func (m *MockIntegrations) RecordSyncStatus(ctx context.Context, id string, status models.SyncStatus, syncErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses[id] = status
	return nil
}

type MockConversations struct {
	mu            gosync.Mutex
	Conversations map[string]*conversation.Conversation
	Messages      map[string][]conversation.Message
	Transitions   int
	TransitionErr error
	CRMStatus     map[string]string
}

func newMockConversations() *MockConversations {
	return &MockConversations{
		Conversations: map[string]*conversation.Conversation{},
		Messages:      map[string][]conversation.Message{},
		CRMStatus:     map[string]string{},
	}
}

func (m *MockConversations) add(botID string, texts ...string) *conversation.Conversation {
	conv := &conversation.Conversation{
		ID:             primitive.NewObjectID(),
		TenantID:       "t1",
		BotID:          botID,
		Channel:        "telegram",
		Status:         conversation.StatusBot,
		UserName:       "Ivan",
		ExternalChatID: "chat-" + botID,
	}
	m.Conversations[conv.ID.Hex()] = conv
	for _, text := range texts {
		m.Messages[conv.ID.Hex()] = append(m.Messages[conv.ID.Hex()], conversation.Message{
			ID:             primitive.NewObjectID(),
			ConversationID: conv.ID,
			Role:           conversation.RoleUser,
			Content:        text,
			Source:         conversation.SourceBot,
		})
	}
	return conv
}

func (m *MockConversations) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.Conversations[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	cp := *conv
	return &cp, nil
}
func (m *MockConversations) FindByExternalChatID(ctx context.Context, chatID string) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conv := range m.Conversations {
		if conv.ExternalChatID == chatID {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}
func (m *MockConversations) List(ctx context.Context, filter conversation.Filter) ([]conversation.Conversation, error) {
	wanted := map[string]bool{}
	for _, id := range filter.BotIDs {
		wanted[id] = true
	}
	var out []conversation.Conversation
	for _, conv := range m.Conversations {
		if wanted[conv.BotID] {
			out = append(out, *conv)
		}
	}
	return out, nil
}
func (m *MockConversations) ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conversation.Message(nil), m.Messages[conversationID]...), nil
}
func (m *MockConversations) LinkRemote(ctx context.Context, id string, action models.SyncAction, remoteID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.Conversations[id]
	switch action {
	case models.ActionCreateLead:
		if conv.LeadID() != "" {
			return false, nil
		}
		conv.CRMLeadID = &remoteID
	case models.ActionCreateDeal:
		if conv.DealID() != "" {
			return false, nil
		}
		conv.CRMDealID = &remoteID
	default:
		return false, fmt.Errorf("no remote field for %s", action)
	}
	return true, nil
}
func (m *MockConversations) AddOperatorMessage(ctx context.Context, id string, provider models.ProviderType, externalID, text, author string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages[id] {
		if msg.Source == string(provider) && msg.ExternalID == externalID {
			return false, nil
		}
	}
	oid, _ := primitive.ObjectIDFromHex(id)
	m.Messages[id] = append(m.Messages[id], conversation.Message{
		ID:             primitive.NewObjectID(),
		ConversationID: oid,
		Role:           conversation.RoleOperator,
		Content:        text,
		AuthorName:     author,
		Source:         string(provider),
		ExternalID:     externalID,
	})
	return true, nil
}
func (m *MockConversations) TransitionToOperator(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TransitionErr != nil {
		return false, m.TransitionErr
	}
	conv := m.Conversations[id]
	if conv.Status != conversation.StatusBot {
		return false, nil
	}
	conv.Status = conversation.StatusOperator
	m.Transitions++
	return true, nil
}
func (m *MockConversations) SetCRMStatus(ctx context.Context, id string, provider models.ProviderType, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CRMStatus[id] = status
	return nil
}

type MockBreaker struct {
	mu       gosync.Mutex
	Failures map[string]int
}

func (m *MockBreaker) RecordFailure(ctx context.Context, integrationID string, provider models.ProviderType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Failures == nil {
		m.Failures = map[string]int{}
	}
	m.Failures[integrationID]++
	return false, nil
}

type MockPublisher struct {
	mu        gosync.Mutex
	Published []RelayEvent
	Channels  []string
}

func (m *MockPublisher) PublishJSON(ctx context.Context, channel string, v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Channels = append(m.Channels, channel)
	m.Published = append(m.Published, v.(RelayEvent))
	return nil
}

// MockAdapter records calls and returns scripted results
type MockAdapter struct {
	provider models.ProviderType

	mu        gosync.Mutex
	Leads     int
	Deals     int
	Synced    []connectors.Message
	Sent      []connectors.OutboundMessage
	Confirmed int

	Err       error
	Panic     bool
	Events    []connectors.InboundEvent
	VerifyErr error
}

func (a *MockAdapter) Provider() models.ProviderType            { return a.provider }
func (a *MockAdapter) TestConnection(ctx context.Context) error { return a.Err }

func (a *MockAdapter) CreateLead(ctx context.Context, conv connectors.Conversation, fields map[string]interface{}) (*connectors.RemoteRef, error) {
	if a.Panic {
		panic("boom")
	}
	if a.Err != nil {
		return nil, a.Err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Leads++
	return &connectors.RemoteRef{ID: fmt.Sprintf("%s-lead-%d", a.provider, a.Leads)}, nil
}
func (a *MockAdapter) CreateDeal(ctx context.Context, conv connectors.Conversation, fields map[string]interface{}) (*connectors.RemoteRef, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Deals++
	return &connectors.RemoteRef{ID: fmt.Sprintf("%s-deal-%d|%s", a.provider, a.Deals, conv.CRMLeadID)}, nil
}
func (a *MockAdapter) SyncConversation(ctx context.Context, conv connectors.Conversation, msgs []connectors.Message) (*connectors.SyncResult, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	res := &connectors.SyncResult{}
	for _, msg := range msgs {
		a.Synced = append(a.Synced, msg)
		res.Delivered = append(res.Delivered, connectors.DeliveredMessage{LocalID: msg.ID, RemoteID: "r-" + msg.ID})
	}
	return res, nil
}
func (a *MockAdapter) GetUsers(ctx context.Context) ([]connectors.User, error) {
	return []connectors.User{{ID: "1"}, {ID: "2"}}, nil
}
func (a *MockAdapter) GetPipelines(ctx context.Context) ([]connectors.Pipeline, error) {
	return nil, connectors.ErrUnsupported
}
func (a *MockAdapter) GetPipelineStages(ctx context.Context, pipelineID string) ([]connectors.Stage, error) {
	return nil, connectors.ErrUnsupported
}
func (a *MockAdapter) GetFields(ctx context.Context, entityType string) ([]connectors.FieldInfo, error) {
	return []connectors.FieldInfo{{Name: "TITLE"}}, nil
}
func (a *MockAdapter) HandleWebhook(ctx context.Context, payload []byte) ([]connectors.InboundEvent, error) {
	return a.Events, nil
}
func (a *MockAdapter) CreateLeadFromFieldMapping(ctx context.Context, flat map[string]interface{}) (*connectors.RemoteRef, error) {
	return a.CreateLead(ctx, connectors.Conversation{}, flat)
}
func (a *MockAdapter) SendMessage(ctx context.Context, msg connectors.OutboundMessage) (*connectors.RemoteRef, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sent = append(a.Sent, msg)
	return &connectors.RemoteRef{ID: "sent-" + msg.Message.ID}, nil
}
func (a *MockAdapter) ConfirmDelivery(ctx context.Context, ev connectors.InboundEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Confirmed++
	return nil
}
func (a *MockAdapter) VerifyWebhook(req connectors.WebhookRequest) error {
	return a.VerifyErr
}

// MockLocker grants a key to one holder at a time
type MockLocker struct {
	mu       gosync.Mutex
	held     map[string]bool
	Acquired []string
}

func newMockLocker() *MockLocker {
	return &MockLocker{held: map[string]bool{}}
}

type mockLock struct {
	locker *MockLocker
	key    string
}

func (l *MockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLocked
	}
	l.held[key] = true
	l.Acquired = append(l.Acquired, key)
	return &mockLock{locker: l, key: key}, nil
}

func (m *mockLock) Release(ctx context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	delete(m.locker.held, m.key)
	return nil
}

func (l *MockLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

type fixture struct {
	svc           *SyncServiceImpl
	locker        *MockLocker
	integrations  *MockIntegrations
	conversations *MockConversations
	ledger        *ledger.MemoryRepository
	breaker       *MockBreaker
	publisher     *MockPublisher
	adapters      map[string]*MockAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		integrations:  newMockIntegrations(),
		conversations: newMockConversations(),
		ledger:        ledger.NewMemoryRepository(),
		breaker:       &MockBreaker{},
		publisher:     &MockPublisher{},
		adapters:      map[string]*MockAdapter{},
		locker:        newMockLocker(),
	}
	log := zap.NewNop()
	f.svc = &SyncServiceImpl{
		Integrations:  f.integrations,
		Conversations: f.conversations,
		Ledger:        ledger.NewLedgerService(f.ledger, log),
		Breaker:       f.breaker,
		Resolver:      mapping.NewResolver(log),
		Publisher:     f.publisher,
		NewAdapter: func(conn connectors.Connection, deps connectors.Deps) (connectors.Adapter, error) {
			a, ok := f.adapters[conn.IntegrationID]
			if !ok {
				return nil, connectors.ConfigError(conn.Provider, "new", connectors.ErrAdapterConstruction)
			}
			return a, nil
		},
		Locker:      f.locker,
		PublicURL:   "https://bots.example.com",
		Concurrency: 4,
		Logger:      log,
	}
	return f
}

// integration adds an integration bound to botID with a scripted adapter
func (f *fixture) integration(provider models.ProviderType, botID string) (*integration.Integration, *MockAdapter) {
	in := f.integrations.add(provider, botID)
	a := &MockAdapter{provider: provider}
	f.adapters[in.ID.Hex()] = a
	return in, a
}

var errTimeout = connectors.TransientError(models.ProviderAmoCRM, "create_lead", errors.New("gateway timeout"))
