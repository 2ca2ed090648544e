package connectors

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/secrets"
)

// amoLeadFields are the lead attributes amoCRM accepts at the top level
var amoLeadFields = map[string]bool{
	"name":                true,
	"price":               true,
	"pipeline_id":         true,
	"status_id":           true,
	"responsible_user_id": true,
}

type amoCRM struct {
	conn Connection
	deps Deps
	s    *session
	base string
}

func newAmoCRM(conn Connection, deps Deps) (*amoCRM, error) {
	creds := conn.Credentials
	if creds.AccessToken == "" && !creds.HasOAuth() {
		return nil, constructionError(models.ProviderAmoCRM, "an access token or an OAuth grant is required")
	}

	base := conn.BaseURL
	if base == "" && creds.Domain != "" {
		base = "https://" + creds.Domain
	}
	if base == "" {
		return nil, constructionError(models.ProviderAmoCRM, "account domain is required")
	}
	base = strings.TrimRight(base, "/")

	var refresh refreshFunc
	if creds.HasOAuth() {
		refresh = refreshTokenGrant(deps.HTTP, base+"/oauth2/access_token")
	}

	return &amoCRM{
		conn: conn,
		deps: deps,
		s:    newSession(conn, deps, refresh, 7),
		base: base,
	}, nil
}

func (a *amoCRM) Provider() models.ProviderType {
	return models.ProviderAmoCRM
}

func (a *amoCRM) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	return a.s.call(ctx, op, func(ctx context.Context, creds secrets.Credentials) error {
		_, err := a.deps.HTTP.Do(ctx, Request{
			Provider: models.ProviderAmoCRM,
			Op:       op,
			Method:   method,
			URL:      a.base + path,
			Body:     body,
			Bearer:   creds.AccessToken,
		}, out)
		return err
	})
}

func (a *amoCRM) TestConnection(ctx context.Context) error {
	var account map[string]interface{}
	return a.do(ctx, "account", http.MethodGet, "/api/v4/account", nil, &account)
}

func (a *amoCRM) MultiValueFields() map[string]string {
	return map[string]string{
		"PHONE": "WORK",
		"EMAIL": "WORK",
	}
}

// numericID sends ids as numbers when they look like numbers
func numericID(v interface{}) interface{} {
	s := stringify(v)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return v
}

// buildLead splits generic mapped fields into the lead body and its embedded contact
func (a *amoCRM) buildLead(conv *Conversation, fields map[string]interface{}) map[string]interface{} {
	lead := map[string]interface{}{}
	var leadCustom, contactCustom []map[string]interface{}
	contactName := ""

	if conv != nil {
		if conv.UserName != "" {
			lead["name"] = "Chat: " + conv.UserName
			contactName = conv.UserName
		} else {
			lead["name"] = "Conversation " + conv.ID
		}
		if conv.UserPhone != "" {
			contactCustom = append(contactCustom, amoMultiValue("PHONE", conv.UserPhone, "WORK"))
		}
		if conv.UserEmail != "" {
			contactCustom = append(contactCustom, amoMultiValue("EMAIL", conv.UserEmail, "WORK"))
		}
	}
	if a.conn.Binding.PipelineID != "" {
		lead["pipeline_id"] = numericID(a.conn.Binding.PipelineID)
	}
	if a.conn.Binding.StageID != "" {
		lead["status_id"] = numericID(a.conn.Binding.StageID)
	}
	if a.conn.Binding.ResponsibleUserID != "" {
		lead["responsible_user_id"] = numericID(a.conn.Binding.ResponsibleUserID)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fields[k]
		switch {
		case amoLeadFields[k]:
			if k == "name" {
				lead[k] = v
			} else {
				lead[k] = numericID(v)
			}
		case k == "contact_name":
			contactName = stringify(v)
		case k == "PHONE" || k == "EMAIL":
			contactCustom = replaceCode(contactCustom, k, amoValues(k, v))
		default:
			entry := map[string]interface{}{"values": []map[string]interface{}{{"value": v}}}
			if id, err := strconv.ParseInt(k, 10, 64); err == nil {
				entry["field_id"] = id
			} else {
				entry["field_code"] = k
			}
			leadCustom = append(leadCustom, entry)
		}
	}

	if len(leadCustom) > 0 {
		lead["custom_fields_values"] = leadCustom
	}

	embedded := map[string]interface{}{}
	if contactName != "" || len(contactCustom) > 0 {
		contact := map[string]interface{}{"name": contactName}
		if len(contactCustom) > 0 {
			contact["custom_fields_values"] = contactCustom
		}
		embedded["contacts"] = []map[string]interface{}{contact}
	}
	if a.conn.Binding.LeadSource != "" {
		embedded["tags"] = []map[string]interface{}{{"name": a.conn.Binding.LeadSource}}
	}
	if len(embedded) > 0 {
		lead["_embedded"] = embedded
	}
	return lead
}

func amoMultiValue(code, value, enum string) map[string]interface{} {
	return map[string]interface{}{
		"field_code": code,
		"values":     []map[string]interface{}{{"value": value, "enum_code": enum}},
	}
}

// amoValues converts [{VALUE, VALUE_TYPE}] entries into a contact multi-value field
func amoValues(code string, v interface{}) map[string]interface{} {
	var values []map[string]interface{}
	appendEntry := func(entry map[string]interface{}) {
		enum := stringify(entry["VALUE_TYPE"])
		if enum == "" {
			enum = "WORK"
		}
		values = append(values, map[string]interface{}{"value": entry["VALUE"], "enum_code": enum})
	}

	switch t := v.(type) {
	case []map[string]interface{}:
		for _, e := range t {
			appendEntry(e)
		}
	case []interface{}:
		for _, e := range t {
			if m, ok := e.(map[string]interface{}); ok {
				appendEntry(m)
			}
		}
	default:
		values = append(values, map[string]interface{}{"value": stringify(v), "enum_code": "WORK"})
	}
	return map[string]interface{}{"field_code": code, "values": values}
}

func replaceCode(list []map[string]interface{}, code string, entry map[string]interface{}) []map[string]interface{} {
	for i, e := range list {
		if e["field_code"] == code {
			list[i] = entry
			return list
		}
	}
	return append(list, entry)
}

func (a *amoCRM) CreateLead(ctx context.Context, conv Conversation, fields map[string]interface{}) (*RemoteRef, error) {
	return a.createComplex(ctx, a.buildLead(&conv, fields))
}

func (a *amoCRM) CreateLeadFromFieldMapping(ctx context.Context, flat map[string]interface{}) (*RemoteRef, error) {
	lead := a.buildLead(nil, flat)
	if _, ok := lead["name"]; !ok {
		lead["name"] = "Lead from bot"
	}
	return a.createComplex(ctx, lead)
}

func (a *amoCRM) createComplex(ctx context.Context, lead map[string]interface{}) (*RemoteRef, error) {
	var created []struct {
		ID        interface{} `json:"id"`
		ContactID interface{} `json:"contact_id"`
	}
	if err := a.do(ctx, "leads.complex", http.MethodPost, "/api/v4/leads/complex", []interface{}{lead}, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 || stringify(created[0].ID) == "" {
		return nil, newError(KindTerminal, models.ProviderAmoCRM, "leads.complex", errors.New("no id returned"))
	}
	return &RemoteRef{ID: stringify(created[0].ID), Raw: created[0]}, nil
}

// CreateDeal places a lead into the bound pipeline stage; amoCRM models deals as leads in a pipeline
func (a *amoCRM) CreateDeal(ctx context.Context, conv Conversation, fields map[string]interface{}) (*RemoteRef, error) {
	lead := a.buildLead(&conv, fields)
	if conv.UserName != "" {
		lead["name"] = "Deal: " + conv.UserName
	}
	delete(lead, "_embedded")

	var created struct {
		Embedded struct {
			Leads []struct {
				ID interface{} `json:"id"`
			} `json:"leads"`
		} `json:"_embedded"`
	}
	if err := a.do(ctx, "leads.add", http.MethodPost, "/api/v4/leads", []interface{}{lead}, &created); err != nil {
		return nil, err
	}
	if len(created.Embedded.Leads) == 0 {
		return nil, newError(KindTerminal, models.ProviderAmoCRM, "leads.add", errors.New("no id returned"))
	}
	return &RemoteRef{ID: stringify(created.Embedded.Leads[0].ID), Raw: created}, nil
}

// SyncConversation attaches messages as notes on the conversation's lead, creating the lead first when needed
func (a *amoCRM) SyncConversation(ctx context.Context, conv Conversation, msgs []Message) (*SyncResult, error) {
	result := &SyncResult{}

	leadID := conv.CRMLeadID
	if leadID == "" {
		ref, err := a.CreateLead(ctx, conv, nil)
		if err != nil {
			return nil, err
		}
		leadID = ref.ID
		result.LeadID = ref.ID
	}
	if len(msgs) == 0 {
		return result, nil
	}

	notes := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		author := m.AuthorName
		if author == "" {
			author = m.Role
		}
		notes = append(notes, map[string]interface{}{
			"note_type": "common",
			"params":    map[string]interface{}{"text": fmt.Sprintf("%s: %s", author, m.Content)},
		})
	}

	var created struct {
		Embedded struct {
			Notes []struct {
				ID interface{} `json:"id"`
			} `json:"notes"`
		} `json:"_embedded"`
	}
	if err := a.do(ctx, "notes.add", http.MethodPost, "/api/v4/leads/"+leadID+"/notes", notes, &created); err != nil {
		return result, err
	}

	for i, m := range msgs {
		remote := ""
		if i < len(created.Embedded.Notes) {
			remote = stringify(created.Embedded.Notes[i].ID)
		}
		result.Delivered = append(result.Delivered, DeliveredMessage{LocalID: m.ID, RemoteID: remote})
	}
	result.Raw = created
	return result, nil
}

func (a *amoCRM) GetUsers(ctx context.Context) ([]User, error) {
	var raw struct {
		Embedded struct {
			Users []struct {
				ID     interface{} `json:"id"`
				Name   string      `json:"name"`
				Email  string      `json:"email"`
				Rights struct {
					IsActive *bool `json:"is_active"`
				} `json:"rights"`
			} `json:"users"`
		} `json:"_embedded"`
	}
	if err := a.do(ctx, "users", http.MethodGet, "/api/v4/users", nil, &raw); err != nil {
		return nil, err
	}

	users := make([]User, 0, len(raw.Embedded.Users))
	for _, u := range raw.Embedded.Users {
		active := u.Rights.IsActive == nil || *u.Rights.IsActive
		users = append(users, User{ID: stringify(u.ID), Name: u.Name, Email: u.Email, Active: active})
	}
	return users, nil
}

type amoStatus struct {
	ID   interface{} `json:"id"`
	Name string      `json:"name"`
	Sort int         `json:"sort"`
}

func toStages(raw []amoStatus) []Stage {
	stages := make([]Stage, 0, len(raw))
	for _, s := range raw {
		stages = append(stages, Stage{ID: stringify(s.ID), Name: s.Name, Sort: s.Sort})
	}
	return stages
}

func (a *amoCRM) GetPipelines(ctx context.Context) ([]Pipeline, error) {
	var raw struct {
		Embedded struct {
			Pipelines []struct {
				ID       interface{} `json:"id"`
				Name     string      `json:"name"`
				IsMain   bool        `json:"is_main"`
				Embedded struct {
					Statuses []amoStatus `json:"statuses"`
				} `json:"_embedded"`
			} `json:"pipelines"`
		} `json:"_embedded"`
	}
	if err := a.do(ctx, "pipelines", http.MethodGet, "/api/v4/leads/pipelines", nil, &raw); err != nil {
		return nil, err
	}

	pipelines := make([]Pipeline, 0, len(raw.Embedded.Pipelines))
	for _, p := range raw.Embedded.Pipelines {
		pipelines = append(pipelines, Pipeline{
			ID:        stringify(p.ID),
			Name:      p.Name,
			IsDefault: p.IsMain,
			Stages:    toStages(p.Embedded.Statuses),
		})
	}
	return pipelines, nil
}

func (a *amoCRM) GetPipelineStages(ctx context.Context, pipelineID string) ([]Stage, error) {
	if pipelineID == "" {
		return nil, ConfigError(models.ProviderAmoCRM, "statuses", errors.New("pipeline id is required"))
	}
	var raw struct {
		Embedded struct {
			Statuses []amoStatus `json:"statuses"`
		} `json:"_embedded"`
	}
	if err := a.do(ctx, "statuses", http.MethodGet, "/api/v4/leads/pipelines/"+pipelineID+"/statuses", nil, &raw); err != nil {
		return nil, err
	}
	return toStages(raw.Embedded.Statuses), nil
}

func (a *amoCRM) GetFields(ctx context.Context, entityType string) ([]FieldInfo, error) {
	var path string
	switch models.EntityType(entityType) {
	case models.EntityLead, models.EntityDeal:
		path = "/api/v4/leads/custom_fields"
	case models.EntityContact:
		path = "/api/v4/contacts/custom_fields"
	default:
		return nil, ConfigError(models.ProviderAmoCRM, "custom_fields", fmt.Errorf("%w: entity %q", ErrUnsupported, entityType))
	}

	var raw struct {
		Embedded struct {
			Fields []struct {
				ID         interface{} `json:"id"`
				Name       string      `json:"name"`
				Code       string      `json:"code"`
				Type       string      `json:"type"`
				IsRequired bool        `json:"is_required"`
			} `json:"custom_fields"`
		} `json:"_embedded"`
	}
	if err := a.do(ctx, "custom_fields", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	fields := make([]FieldInfo, 0, len(raw.Embedded.Fields))
	for _, f := range raw.Embedded.Fields {
		name := f.Code
		if name == "" {
			name = stringify(f.ID)
		}
		fields = append(fields, FieldInfo{
			Name:       name,
			Type:       f.Type,
			Label:      f.Name,
			IsRequired: f.IsRequired,
			IsMultiple: f.Type == "multitext" || f.Type == "multiselect",
		})
	}
	return fields, nil
}

type amoWebhook struct {
	Leads map[string][]map[string]interface{} `json:"leads"`
}

// HandleWebhook turns lead status notifications into status updates
func (a *amoCRM) HandleWebhook(ctx context.Context, payload []byte) ([]InboundEvent, error) {
	var hook amoWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, newError(KindTerminal, models.ProviderAmoCRM, "webhook", fmt.Errorf("invalid payload: %w", err))
	}

	var events []InboundEvent
	for _, kind := range []string{"add", "status", "update", "delete"} {
		for _, lead := range hook.Leads[kind] {
			ev := InboundEvent{
				Event:    "leads." + kind,
				RemoteID: stringify(lead["id"]),
				Status:   stringify(lead["status_id"]),
				Raw:      lead,
			}
			switch kind {
			case "status", "update":
				ev.Kind = InboundStatusUpdate
			case "delete":
				ev.Kind = InboundStatusUpdate
				ev.Status = "deleted"
			default:
				ev.Kind = InboundIgnored
			}
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		events = append(events, InboundEvent{Kind: InboundIgnored})
	}
	return events, nil
}

// VerifyWebhook checks the per-integration token carried in the hook URL query
func (a *amoCRM) VerifyWebhook(req WebhookRequest) error {
	secret := a.s.current().WebhookSecret
	if secret == "" {
		return ErrNoWebhookSecret
	}
	if subtle.ConstantTimeCompare([]byte(req.Query["token"]), []byte(secret)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
