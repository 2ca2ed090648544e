package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/secrets"

	"go.uber.org/zap"
)

const (
	avitoDefaultBaseURL   = "https://api.avito.ru"
	avitoSignatureHeader  = "X-Hook-Signature"
	avitoAccountSettingID = "user_id"
)

type avito struct {
	conn Connection
	deps Deps
	s    *session
	base string

	accountMu sync.Mutex
	accountID string
}

func newAvito(conn Connection, deps Deps) (*avito, error) {
	creds := conn.Credentials
	if creds.AccessToken == "" && (creds.ClientID == "" || creds.ClientSecret == "") {
		return nil, constructionError(models.ProviderAvito, "client id and secret are required")
	}

	base := strings.TrimRight(conn.BaseURL, "/")
	if base == "" {
		base = avitoDefaultBaseURL
	}

	var refresh refreshFunc
	if creds.ClientID != "" && creds.ClientSecret != "" {
		refresh = clientCredentialsGrant(deps.HTTP, base+"/token")
	}

	accountID := SettingString(conn.Settings, avitoAccountSettingID)
	if accountID == "" {
		accountID = creds.Extra[avitoAccountSettingID]
	}

	return &avito{
		conn:      conn,
		deps:      deps,
		s:         newSession(conn, deps, refresh, 5),
		base:      base,
		accountID: accountID,
	}, nil
}

func (a *avito) Provider() models.ProviderType {
	return models.ProviderAvito
}

func (a *avito) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	return a.s.call(ctx, op, func(ctx context.Context, creds secrets.Credentials) error {
		_, err := a.deps.HTTP.Do(ctx, Request{
			Provider: models.ProviderAvito,
			Op:       op,
			Method:   method,
			URL:      a.base + path,
			Body:     body,
			Bearer:   creds.AccessToken,
		}, out)
		return err
	})
}

type avitoAccount struct {
	ID    interface{} `json:"id"`
	Name  string      `json:"name"`
	Email string      `json:"email"`
}

func (a *avito) self(ctx context.Context) (*avitoAccount, error) {
	var acc avitoAccount
	if err := a.do(ctx, "accounts.self", http.MethodGet, "/core/v1/accounts/self", nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// account returns the messenger account id, resolving and recording it on first use
func (a *avito) account(ctx context.Context) (string, error) {
	a.accountMu.Lock()
	defer a.accountMu.Unlock()

	if a.accountID != "" {
		return a.accountID, nil
	}
	acc, err := a.self(ctx)
	if err != nil {
		return "", err
	}
	a.accountID = stringify(acc.ID)
	if err := a.s.recordSettings(ctx, map[string]interface{}{avitoAccountSettingID: a.accountID}); err != nil {
		a.s.logger.Warn("Failed to record avito account id", zap.Error(err))
	}
	return a.accountID, nil
}

func (a *avito) TestConnection(ctx context.Context) error {
	_, err := a.self(ctx)
	return err
}

func (a *avito) unsupported(op string) error {
	return ConfigError(models.ProviderAvito, op, ErrUnsupported)
}

func (a *avito) CreateLead(ctx context.Context, conv Conversation, fields map[string]interface{}) (*RemoteRef, error) {
	return nil, a.unsupported("create_lead")
}

func (a *avito) CreateDeal(ctx context.Context, conv Conversation, fields map[string]interface{}) (*RemoteRef, error) {
	return nil, a.unsupported("create_deal")
}

func (a *avito) CreateLeadFromFieldMapping(ctx context.Context, flat map[string]interface{}) (*RemoteRef, error) {
	return nil, a.unsupported("create_lead")
}

// SyncConversation pushes the bot's replies into the Avito chat the conversation came from
func (a *avito) SyncConversation(ctx context.Context, conv Conversation, msgs []Message) (*SyncResult, error) {
	if conv.ExternalChatID == "" {
		return &SyncResult{Skipped: true}, nil
	}

	result := &SyncResult{}
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		ref, err := a.SendMessage(ctx, OutboundMessage{Conversation: conv, Message: m})
		if err != nil {
			return result, err
		}
		result.Delivered = append(result.Delivered, DeliveredMessage{LocalID: m.ID, RemoteID: ref.ID})
	}
	return result, nil
}

func (a *avito) GetUsers(ctx context.Context) ([]User, error) {
	acc, err := a.self(ctx)
	if err != nil {
		return nil, err
	}
	return []User{{ID: stringify(acc.ID), Name: acc.Name, Email: acc.Email, Active: true}}, nil
}

// Avito has no sales pipelines or custom fields
func (a *avito) GetPipelines(ctx context.Context) ([]Pipeline, error) {
	return []Pipeline{}, nil
}

func (a *avito) GetPipelineStages(ctx context.Context, pipelineID string) ([]Stage, error) {
	return []Stage{}, nil
}

func (a *avito) GetFields(ctx context.Context, entityType string) ([]FieldInfo, error) {
	return []FieldInfo{}, nil
}

func (a *avito) SendMessage(ctx context.Context, msg OutboundMessage) (*RemoteRef, error) {
	const op = "messenger.send"

	chatID := msg.Conversation.ExternalChatID
	if chatID == "" {
		return nil, ConfigError(models.ProviderAvito, op, fmt.Errorf("%w: conversation has no avito chat", ErrLineNotBound))
	}
	account, err := a.account(ctx)
	if err != nil {
		return nil, err
	}

	var sent struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
	}
	body := map[string]interface{}{
		"message": map[string]string{"text": msg.Message.Content},
		"type":    "text",
	}
	path := fmt.Sprintf("/messenger/v1/accounts/%s/chats/%s/messages", account, chatID)
	if err := a.do(ctx, op, http.MethodPost, path, body, &sent); err != nil {
		return nil, err
	}
	return &RemoteRef{ID: sent.ID, Raw: sent}, nil
}

// ConfirmDelivery marks the chat read, which is how Avito acknowledges operator messages
func (a *avito) ConfirmDelivery(ctx context.Context, ev InboundEvent) error {
	if ev.ExternalChatID == "" {
		return nil
	}
	account, err := a.account(ctx)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/messenger/v1/accounts/%s/chats/%s/read", account, ev.ExternalChatID)
	return a.do(ctx, "messenger.read", http.MethodPost, path, nil, nil)
}

type avitoWebhook struct {
	ID      string `json:"id"`
	Payload struct {
		Type  string `json:"type"`
		Value struct {
			ID       string      `json:"id"`
			ChatID   string      `json:"chat_id"`
			UserID   interface{} `json:"user_id"`
			AuthorID interface{} `json:"author_id"`
			Type     string      `json:"type"`
			Content  struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"value"`
	} `json:"payload"`
}

// HandleWebhook reports messages written by the account owner as operator messages
func (a *avito) HandleWebhook(ctx context.Context, payload []byte) ([]InboundEvent, error) {
	var hook avitoWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, newError(KindTerminal, models.ProviderAvito, "webhook", fmt.Errorf("invalid payload: %w", err))
	}

	v := hook.Payload.Value
	if hook.Payload.Type != "message" || v.Type != "text" {
		return []InboundEvent{{Kind: InboundIgnored, Event: hook.Payload.Type}}, nil
	}

	owner := stringify(v.UserID)
	if owner == "" || stringify(v.AuthorID) != owner {
		return []InboundEvent{{Kind: InboundIgnored, Event: "message.customer"}}, nil
	}

	return []InboundEvent{{
		Kind:              InboundOperatorMessage,
		Event:             "message",
		ExternalChatID:    v.ChatID,
		ExternalMessageID: v.ID,
		Text:              v.Content.Text,
		Raw:               hook,
	}}, nil
}

// VerifyWebhook checks the hex HMAC-SHA256 of the body against the signature header
func (a *avito) VerifyWebhook(req WebhookRequest) error {
	secret := a.s.current().WebhookSecret
	if secret == "" {
		return ErrNoWebhookSecret
	}

	signature := headerValue(req.Headers, avitoSignatureHeader)
	if signature == "" {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(SignAvitoPayload(secret, req.Body))) {
		return ErrInvalidSignature
	}
	return nil
}

// SignAvitoPayload computes the signature header value for body
func SignAvitoPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
