package connectors

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/secrets"
)

const bitrixDefaultTokenURL = "https://oauth.bitrix.info/oauth/token/"

// Bitrix24 REST error codes
var (
	bitrixAuthErrors      = []string{"expired_token", "invalid_token", "NO_AUTH_FOUND", "WRONG_AUTH_TYPE", "INVALID_CREDENTIALS"}
	bitrixTransientErrors = []string{"QUERY_LIMIT_EXCEEDED", "OPERATION_TIME_LIMIT", "INTERNAL_SERVER_ERROR"}
)

type bitrix24 struct {
	conn Connection
	deps Deps
	s    *session
}

func newBitrix24(conn Connection, deps Deps) (*bitrix24, error) {
	creds := conn.Credentials
	if creds.WebhookURL == "" && creds.AccessToken == "" {
		return nil, constructionError(models.ProviderBitrix24, "either a webhook url or an access token is required")
	}
	if creds.WebhookURL == "" && conn.BaseURL == "" && creds.Domain == "" {
		return nil, constructionError(models.ProviderBitrix24, "portal domain is required for OAuth access")
	}

	var refresh refreshFunc
	if creds.WebhookURL == "" && creds.HasOAuth() {
		tokenURL := SettingString(conn.Settings, "oauth_url")
		if tokenURL == "" {
			tokenURL = bitrixDefaultTokenURL
		}
		refresh = refreshTokenGrant(deps.HTTP, tokenURL)
	}

	return &bitrix24{
		conn: conn,
		deps: deps,
		s:    newSession(conn, deps, refresh, 2),
	}, nil
}

func (b *bitrix24) Provider() models.ProviderType {
	return models.ProviderBitrix24
}

type bitrixEnvelope struct {
	Result json.RawMessage `json:"result"`
	Total  int             `json:"total"`
	Next   int             `json:"next"`
}

type bitrixFailure struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// classifyBitrix reads the REST error envelope, which Bitrix24 returns with 200 and 4xx alike
func classifyBitrix(status int, body []byte) *Error {
	var f bitrixFailure
	if err := json.Unmarshal(body, &f); err != nil || f.Error == "" {
		return nil
	}

	kind := KindTerminal
	switch {
	case containsString(bitrixAuthErrors, f.Error):
		kind = KindAuthentication
	case containsString(bitrixTransientErrors, f.Error):
		kind = KindTransient
	default:
		if k, failed := ClassifyStatus(status); failed {
			kind = k
		}
	}

	msg := f.ErrorDescription
	if msg == "" {
		msg = f.Error
	}
	return &Error{Kind: kind, Code: f.Error, Err: errors.New(msg)}
}

func (b *bitrix24) endpoint(creds secrets.Credentials, method string) (string, url.Values) {
	if creds.WebhookURL != "" {
		return strings.TrimRight(creds.WebhookURL, "/") + "/" + method + ".json", nil
	}
	base := b.conn.BaseURL
	if base == "" {
		base = "https://" + creds.Domain
	}
	return strings.TrimRight(base, "/") + "/rest/" + method + ".json", url.Values{"auth": {creds.AccessToken}}
}

// method calls one REST method and decodes its "result" into out
func (b *bitrix24) method(ctx context.Context, method string, params interface{}, out interface{}) error {
	return b.s.call(ctx, method, func(ctx context.Context, creds secrets.Credentials) error {
		target, query := b.endpoint(creds, method)

		var env bitrixEnvelope
		_, err := b.deps.HTTP.Do(ctx, Request{
			Provider: models.ProviderBitrix24,
			Op:       method,
			Method:   http.MethodPost,
			URL:      target,
			Query:    query,
			Body:     params,
			Classify: classifyBitrix,
		}, &env)
		if err != nil {
			return err
		}

		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return newError(KindTerminal, models.ProviderBitrix24, method, fmt.Errorf("unexpected result: %w", err))
			}
		}
		return nil
	})
}

func (b *bitrix24) TestConnection(ctx context.Context) error {
	var profile map[string]interface{}
	return b.method(ctx, "profile", nil, &profile)
}

func (b *bitrix24) MultiValueFields() map[string]string {
	return map[string]string{
		"PHONE": "WORK",
		"EMAIL": "WORK",
		"IM":    "OPENLINE",
		"WEB":   "WORK",
	}
}

func multiValue(value, valueType string) []map[string]interface{} {
	return []map[string]interface{}{{"VALUE": value, "VALUE_TYPE": valueType}}
}

func (b *bitrix24) leadDefaults(conv Conversation) map[string]interface{} {
	fields := map[string]interface{}{
		"ORIGINATOR_ID": "botplatform",
		"ORIGIN_ID":     conv.ID,
	}
	if conv.UserName != "" {
		fields["TITLE"] = "Chat: " + conv.UserName
		fields["NAME"] = conv.UserName
	} else {
		fields["TITLE"] = "Conversation " + conv.ID
	}
	if conv.UserPhone != "" {
		fields["PHONE"] = multiValue(conv.UserPhone, "WORK")
	}
	if conv.UserEmail != "" {
		fields["EMAIL"] = multiValue(conv.UserEmail, "WORK")
	}
	b.applyBinding(fields)
	return fields
}

func (b *bitrix24) applyBinding(fields map[string]interface{}) {
	if b.conn.Binding.LeadSource != "" {
		if _, ok := fields["SOURCE_ID"]; !ok {
			fields["SOURCE_ID"] = b.conn.Binding.LeadSource
		}
	}
	if b.conn.Binding.ResponsibleUserID != "" {
		if _, ok := fields["ASSIGNED_BY_ID"]; !ok {
			fields["ASSIGNED_BY_ID"] = b.conn.Binding.ResponsibleUserID
		}
	}
}

func (b *bitrix24) addEntity(ctx context.Context, method string, fields map[string]interface{}) (*RemoteRef, error) {
	params := map[string]interface{}{
		"fields": fields,
		"params": map[string]interface{}{"REGISTER_SONET_EVENT": "Y"},
	}

	var id interface{}
	if err := b.method(ctx, method, params, &id); err != nil {
		return nil, err
	}
	remoteID := stringify(id)
	if remoteID == "" || remoteID == "0" {
		return nil, newError(KindTerminal, models.ProviderBitrix24, method, errors.New("no id returned"))
	}
	return &RemoteRef{ID: remoteID, Raw: id}, nil
}

func (b *bitrix24) CreateLead(ctx context.Context, conv Conversation, fields map[string]interface{}) (*RemoteRef, error) {
	payload := b.leadDefaults(conv)
	for k, v := range fields {
		payload[k] = v
	}
	return b.addEntity(ctx, "crm.lead.add", payload)
}

func (b *bitrix24) CreateDeal(ctx context.Context, conv Conversation, fields map[string]interface{}) (*RemoteRef, error) {
	payload := map[string]interface{}{
		"ORIGINATOR_ID": "botplatform",
		"ORIGIN_ID":     conv.ID,
	}
	if conv.UserName != "" {
		payload["TITLE"] = "Deal: " + conv.UserName
	} else {
		payload["TITLE"] = "Conversation " + conv.ID
	}
	if b.conn.Binding.PipelineID != "" {
		payload["CATEGORY_ID"] = b.conn.Binding.PipelineID
	}
	if b.conn.Binding.StageID != "" {
		payload["STAGE_ID"] = b.conn.Binding.StageID
	}
	if conv.CRMLeadID != "" {
		payload["LEAD_ID"] = conv.CRMLeadID
	}
	b.applyBinding(payload)

	for k, v := range fields {
		payload[k] = v
	}
	return b.addEntity(ctx, "crm.deal.add", payload)
}

func (b *bitrix24) CreateLeadFromFieldMapping(ctx context.Context, flat map[string]interface{}) (*RemoteRef, error) {
	payload := make(map[string]interface{}, len(flat)+2)
	for k, v := range flat {
		payload[k] = v
	}
	if _, ok := payload["TITLE"]; !ok {
		payload["TITLE"] = "Lead from bot"
	}
	b.applyBinding(payload)
	return b.addEntity(ctx, "crm.lead.add", payload)
}

// SyncConversation relays messages through the open line when one is bound,
// otherwise attaches a transcript to the conversation's lead.
func (b *bitrix24) SyncConversation(ctx context.Context, conv Conversation, msgs []Message) (*SyncResult, error) {
	if b.lineID() != "" {
		result := &SyncResult{}
		for _, m := range msgs {
			if m.Role != "user" && m.Role != "assistant" {
				continue
			}
			ref, err := b.SendMessage(ctx, OutboundMessage{Conversation: conv, Message: m})
			if err != nil {
				return result, err
			}
			result.Delivered = append(result.Delivered, DeliveredMessage{LocalID: m.ID, RemoteID: ref.ID})
		}
		return result, nil
	}

	if conv.CRMLeadID == "" || len(msgs) == 0 {
		return &SyncResult{Skipped: true}, nil
	}

	var commentID interface{}
	err := b.method(ctx, "crm.timeline.comment.add", map[string]interface{}{
		"fields": map[string]interface{}{
			"ENTITY_ID":   conv.CRMLeadID,
			"ENTITY_TYPE": "lead",
			"COMMENT":     transcript(msgs),
		},
	}, &commentID)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Raw: commentID}
	for _, m := range msgs {
		result.Delivered = append(result.Delivered, DeliveredMessage{LocalID: m.ID, RemoteID: stringify(commentID)})
	}
	return result, nil
}

func transcript(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		author := m.AuthorName
		if author == "" {
			author = m.Role
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04"), author, m.Content)
	}
	return sb.String()
}

func (b *bitrix24) GetUsers(ctx context.Context) ([]User, error) {
	var raw []struct {
		ID       string `json:"ID"`
		Name     string `json:"NAME"`
		LastName string `json:"LAST_NAME"`
		Email    string `json:"EMAIL"`
		Active   bool   `json:"ACTIVE"`
	}
	if err := b.method(ctx, "user.get", map[string]interface{}{"FILTER": map[string]interface{}{"ACTIVE": true}}, &raw); err != nil {
		return nil, err
	}

	users := make([]User, 0, len(raw))
	for _, u := range raw {
		users = append(users, User{
			ID:     u.ID,
			Name:   strings.TrimSpace(u.Name + " " + u.LastName),
			Email:  u.Email,
			Active: u.Active,
		})
	}
	return users, nil
}

func (b *bitrix24) GetPipelines(ctx context.Context) ([]Pipeline, error) {
	var raw struct {
		Categories []struct {
			ID        interface{} `json:"id"`
			Name      string      `json:"name"`
			IsDefault string      `json:"isDefault"`
		} `json:"categories"`
	}
	if err := b.method(ctx, "crm.category.list", map[string]interface{}{"entityTypeId": 2}, &raw); err != nil {
		return nil, err
	}

	pipelines := make([]Pipeline, 0, len(raw.Categories)+1)
	hasDefault := false
	for _, c := range raw.Categories {
		p := Pipeline{ID: stringify(c.ID), Name: c.Name, IsDefault: c.IsDefault == "Y"}
		hasDefault = hasDefault || p.ID == "0"
		pipelines = append(pipelines, p)
	}
	if !hasDefault {
		pipelines = append([]Pipeline{{ID: "0", Name: "General", IsDefault: true}}, pipelines...)
	}
	return pipelines, nil
}

func (b *bitrix24) GetPipelineStages(ctx context.Context, pipelineID string) ([]Stage, error) {
	entity := "DEAL_STAGE"
	if pipelineID != "" && pipelineID != "0" {
		entity = "DEAL_STAGE_" + pipelineID
	}

	var raw []struct {
		StatusID string      `json:"STATUS_ID"`
		Name     string      `json:"NAME"`
		Sort     interface{} `json:"SORT"`
	}
	params := map[string]interface{}{
		"order":  map[string]string{"SORT": "ASC"},
		"filter": map[string]string{"ENTITY_ID": entity},
	}
	if err := b.method(ctx, "crm.status.list", params, &raw); err != nil {
		return nil, err
	}

	stages := make([]Stage, 0, len(raw))
	for _, s := range raw {
		sortOrder, _ := strconv.Atoi(stringify(s.Sort))
		stages = append(stages, Stage{ID: s.StatusID, Name: s.Name, Sort: sortOrder})
	}
	return stages, nil
}

func (b *bitrix24) GetFields(ctx context.Context, entityType string) ([]FieldInfo, error) {
	var method string
	switch models.EntityType(entityType) {
	case models.EntityLead:
		method = "crm.lead.fields"
	case models.EntityDeal:
		method = "crm.deal.fields"
	case models.EntityContact:
		method = "crm.contact.fields"
	default:
		return nil, ConfigError(models.ProviderBitrix24, "fields", fmt.Errorf("%w: entity %q", ErrUnsupported, entityType))
	}

	var raw map[string]struct {
		Type       string `json:"type"`
		IsRequired bool   `json:"isRequired"`
		IsMultiple bool   `json:"isMultiple"`
		Title      string `json:"title"`
		FormLabel  string `json:"formLabel"`
	}
	if err := b.method(ctx, method, nil, &raw); err != nil {
		return nil, err
	}

	fields := make([]FieldInfo, 0, len(raw))
	for name, f := range raw {
		label := f.FormLabel
		if label == "" {
			label = f.Title
		}
		fields = append(fields, FieldInfo{
			Name:       name,
			Type:       f.Type,
			Label:      label,
			IsRequired: f.IsRequired,
			IsMultiple: f.IsMultiple,
		})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields, nil
}

type bitrixAuth struct {
	AccessToken      string      `json:"access_token"`
	RefreshToken     string      `json:"refresh_token"`
	ExpiresIn        interface{} `json:"expires_in"`
	Domain           string      `json:"domain"`
	ApplicationToken string      `json:"application_token"`
}

type bitrixInboundMessage struct {
	IM      map[string]interface{} `json:"im"`
	Message struct {
		ID     interface{} `json:"id"`
		Text   string      `json:"text"`
		UserID interface{} `json:"user_id"`
	} `json:"message"`
	Chat struct {
		ID interface{} `json:"id"`
	} `json:"chat"`
	User struct {
		Name string `json:"name"`
	} `json:"user"`
}

type bitrixWebhook struct {
	Event string `json:"event"`
	Data  struct {
		Connector string                 `json:"CONNECTOR"`
		Line      interface{}            `json:"LINE"`
		Messages  []bitrixInboundMessage `json:"MESSAGES"`
	} `json:"data"`
	Auth bitrixAuth `json:"auth"`
}

func (b *bitrix24) HandleWebhook(ctx context.Context, payload []byte) ([]InboundEvent, error) {
	var hook bitrixWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, newError(KindTerminal, models.ProviderBitrix24, "webhook", fmt.Errorf("invalid payload: %w", err))
	}

	event := strings.ToUpper(hook.Event)
	line := stringify(hook.Data.Line)

	switch event {
	case "ONIMCONNECTORMESSAGEADD":
		events := make([]InboundEvent, 0, len(hook.Data.Messages))
		for _, m := range hook.Data.Messages {
			chatID := stringify(m.Chat.ID)
			msgID := firstID(m.Message.ID)
			events = append(events, InboundEvent{
				Kind:              InboundOperatorMessage,
				Event:             event,
				ConversationID:    chatID,
				ExternalChatID:    chatID,
				ExternalMessageID: msgID,
				Text:              m.Message.Text,
				AuthorName:        m.User.Name,
				LineID:            line,
				Delivery: map[string]interface{}{
					"connector": hook.Data.Connector,
					"im":        m.IM,
				},
				Raw: m,
			})
		}
		return events, nil

	case "ONAPPUNINSTALL":
		return []InboundEvent{{Kind: InboundLifecycle, Event: event, Lifecycle: "app"}}, nil

	case "ONIMCONNECTORLINEDELETE":
		return []InboundEvent{{Kind: InboundLifecycle, Event: event, Lifecycle: "line", LineID: line,
			Delivery: map[string]interface{}{"connector": hook.Data.Connector}}}, nil

	case "ONIMCONNECTORSTATUSDELETE":
		return []InboundEvent{{Kind: InboundLifecycle, Event: event, Lifecycle: "connector", LineID: line,
			Delivery: map[string]interface{}{"connector": hook.Data.Connector}}}, nil

	case "ONAPPINSTALL", "ONAPPUPDATE":
		if hook.Auth.AccessToken == "" {
			return []InboundEvent{{Kind: InboundIgnored, Event: event}}, nil
		}
		creds := &secrets.Credentials{
			AccessToken:      hook.Auth.AccessToken,
			RefreshToken:     hook.Auth.RefreshToken,
			Domain:           hook.Auth.Domain,
			ApplicationToken: hook.Auth.ApplicationToken,
		}
		if secs, err := strconv.Atoi(stringify(hook.Auth.ExpiresIn)); err == nil && secs > 0 {
			creds.ExpiresAt = b.deps.now().Add(time.Duration(secs) * time.Second)
		}
		return []InboundEvent{{Kind: InboundTokenUpdate, Event: event, Credentials: creds}}, nil
	}

	return []InboundEvent{{Kind: InboundIgnored, Event: event}}, nil
}

// VerifyWebhook compares auth.application_token with the token stored at install time
func (b *bitrix24) VerifyWebhook(req WebhookRequest) error {
	stored := b.s.current()
	if stored.ApplicationToken == "" {
		return ErrNoWebhookSecret
	}

	var hook struct {
		Auth bitrixAuth `json:"auth"`
	}
	if err := json.Unmarshal(req.Body, &hook); err != nil {
		return ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(hook.Auth.ApplicationToken), []byte(stored.ApplicationToken)) != 1 {
		return ErrInvalidSignature
	}
	if stored.Domain != "" && hook.Auth.Domain != "" && !strings.EqualFold(stored.Domain, hook.Auth.Domain) {
		return ErrInvalidSignature
	}
	return nil
}

func firstID(v interface{}) string {
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return ""
		}
		return stringify(list[0])
	}
	return stringify(v)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
