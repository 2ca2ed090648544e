package conversation

import (
	"context"
	"errors"
	"testing"

	"go-crmsync/internal/common/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type MockConversationRepo struct {
	CapturedField    string
	CapturedRemoteID string
	CapturedFrom     string
	CapturedTo       string
	CapturedMetadata map[string]interface{}
	Linked           bool
}

func (m *MockConversationRepo) Get(ctx context.Context, id string) (*Conversation, error) {
	return &Conversation{}, nil
}
func (m *MockConversationRepo) FindByExternalChatID(ctx context.Context, chatID string) (*Conversation, error) {
	return &Conversation{ExternalChatID: chatID}, nil
}
func (m *MockConversationRepo) List(ctx context.Context, filter Filter) ([]Conversation, error) {
	return nil, nil
}
func (m *MockConversationRepo) SetRemoteID(ctx context.Context, id string, field string, remoteID string) (bool, error) {
	m.CapturedField, m.CapturedRemoteID = field, remoteID
	return m.Linked, nil
}
func (m *MockConversationRepo) TransitionStatus(ctx context.Context, id string, from, to string) (bool, error) {
	m.CapturedFrom, m.CapturedTo = from, to
	return true, nil
}
func (m *MockConversationRepo) SetMetadata(ctx context.Context, id string, values map[string]interface{}) error {
	m.CapturedMetadata = values
	return nil
}

type MockMessageRepo struct {
	Inserted []Message
	seen     map[string]bool
}

func (m *MockMessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	return m.Inserted, nil
}
func (m *MockMessageRepo) Insert(ctx context.Context, msg *Message) (bool, error) {
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	key := msg.ConversationID.Hex() + msg.Source + msg.ExternalID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	m.Inserted = append(m.Inserted, *msg)
	return true, nil
}
func (m *MockMessageRepo) EnsureIndexes(ctx context.Context) error { return nil }

func TestLinkRemoteChoosesField(t *testing.T) {
	repo := &MockConversationRepo{Linked: true}
	svc := NewConversationService(repo, &MockMessageRepo{}, zap.NewNop())
	id := primitive.NewObjectID().Hex()

	linked, err := svc.LinkRemote(context.Background(), id, models.ActionCreateDeal, "D-1")
	require.NoError(t, err)
	assert.True(t, linked)
	assert.Equal(t, "crm_deal_id", repo.CapturedField)
	assert.Equal(t, "D-1", repo.CapturedRemoteID)

	_, err = svc.LinkRemote(context.Background(), id, models.ActionSyncConversation, "x")
	assert.Error(t, err)
}

func TestAddOperatorMessageDedupes(t *testing.T) {
	messages := &MockMessageRepo{}
	svc := NewConversationService(&MockConversationRepo{}, messages, zap.NewNop())
	id := primitive.NewObjectID().Hex()

	added, err := svc.AddOperatorMessage(context.Background(), id, models.ProviderBitrix24, "m-1", "Hello", "Anna")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = svc.AddOperatorMessage(context.Background(), id, models.ProviderBitrix24, "m-1", "Hello", "Anna")
	require.NoError(t, err)
	assert.False(t, added)

	require.Len(t, messages.Inserted, 1)
	assert.Equal(t, RoleOperator, messages.Inserted[0].Role)
	assert.Equal(t, "bitrix24", messages.Inserted[0].Source)
}

func TestTransitionToOperator(t *testing.T) {
	repo := &MockConversationRepo{}
	svc := NewConversationService(repo, &MockMessageRepo{}, zap.NewNop())

	_, err := svc.TransitionToOperator(context.Background(), primitive.NewObjectID().Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusBot, repo.CapturedFrom)
	assert.Equal(t, StatusOperator, repo.CapturedTo)
}

func TestFlagSyncFailure(t *testing.T) {
	repo := &MockConversationRepo{}
	svc := NewConversationService(repo, &MockMessageRepo{}, zap.NewNop())

	err := svc.FlagSyncFailure(context.Background(), primitive.NewObjectID().Hex(), models.ActionCreateLead, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, true, repo.CapturedMetadata["crm_sync_failed"])
	assert.Equal(t, "create_lead", repo.CapturedMetadata["crm_sync_failed_action"])
	assert.Equal(t, "boom", repo.CapturedMetadata["crm_sync_failed_error"])
}
