package sync

import (
	"errors"
	"sort"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/connectors"
)

var (
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrWebhookUnauthorized  = errors.New("webhook signature rejected")
	ErrNotBound             = errors.New("bot is not bound to this integration")
	ErrUnknownIntrospection = errors.New("unknown introspection kind")
	ErrUnsupportedAction    = errors.New("unsupported sync action")
	ErrMessageNotFound      = errors.New("message not found")
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ProviderResult is the outcome of one action against one integration
type ProviderResult struct {
	IntegrationID string               `json:"integration_id"`
	Provider      models.ProviderType  `json:"provider"`
	Outcome       Outcome              `json:"outcome"`
	RemoteID      string               `json:"remote_id,omitempty"`
	Error         string               `json:"error,omitempty"`
	Kind          connectors.ErrorKind `json:"kind,omitempty"`
	Err           error                `json:"-"`
}

func (r ProviderResult) Success() bool { return r.Outcome == OutcomeSuccess }

// Retryable reports whether the job layer should try this integration again
func (r ProviderResult) Retryable() bool {
	return r.Outcome == OutcomeFailed && connectors.IsRetryable(r.Err)
}

// Results aggregates one action across every selected integration
type Results struct {
	// ByProvider summarizes each provider type by its most severe result.
	// ByIntegration is authoritative when integrations share a provider.
	ByProvider    map[models.ProviderType]ProviderResult `json:"by_provider"`
	ByIntegration map[string]ProviderResult              `json:"by_integration"`
	// AlreadyLinked is set when a create action found its entity on the conversation
	AlreadyLinked bool `json:"already_linked,omitempty"`
}

func newResults() *Results {
	return &Results{
		ByProvider:    map[models.ProviderType]ProviderResult{},
		ByIntegration: map[string]ProviderResult{},
	}
}

func (r *Results) add(res ProviderResult) {
	r.ByIntegration[res.IntegrationID] = res
	if cur, ok := r.ByProvider[res.Provider]; !ok || res.outranks(cur) {
		r.ByProvider[res.Provider] = res
	}
}

// outranks orders results failed > success > skipped, then by integration id
func (r ProviderResult) outranks(other ProviderResult) bool {
	if a, b := severity[r.Outcome], severity[other.Outcome]; a != b {
		return a > b
	}
	return r.IntegrationID < other.IntegrationID
}

var severity = map[Outcome]int{
	OutcomeSkipped: 0,
	OutcomeSuccess: 1,
	OutcomeFailed:  2,
}

// Failed returns the failed results ordered by integration id
func (r *Results) Failed() []ProviderResult {
	var out []ProviderResult
	for _, res := range r.ByIntegration {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntegrationID < out[j].IntegrationID })
	return out
}

// RetryableIntegrations lists the integrations whose failure may succeed on retry
func (r *Results) RetryableIntegrations() []string {
	var ids []string
	for _, res := range r.Failed() {
		if res.Retryable() {
			ids = append(ids, res.IntegrationID)
		}
	}
	return ids
}

func (r *Results) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.ByIntegration {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Options narrow and parameterize an orchestrator action
type Options struct {
	// IntegrationIDs limits the action to these integrations; empty means every eligible one
	IntegrationIDs []string
	// Params are the values captured by the bot, available to field mapping rules
	Params map[string]interface{}
	// Fields are set on the remote entity as is, after mapped fields
	Fields map[string]interface{}
}

func (o Options) targets(id string) bool {
	if len(o.IntegrationIDs) == 0 {
		return true
	}
	for _, t := range o.IntegrationIDs {
		if t == id {
			return true
		}
	}
	return false
}

type BulkItem struct {
	ConversationID string   `json:"conversation_id"`
	Results        *Results `json:"results,omitempty"`
	// Skipped means another worker was syncing the conversation
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ExportFilter struct {
	BotIDs     []string
	Range      models.DateRange
	Limit      int64
	SkipSynced bool
	// Progress is called after each conversation with the running count
	Progress func(done, total int)
}

type ExportReport struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

type TestReport struct {
	IntegrationID string              `json:"integration_id"`
	Provider      models.ProviderType `json:"provider"`
	Users         int                 `json:"users"`
	Pipelines     int                 `json:"pipelines"`
}

// RelayEvent is published to the owning bot when an operator answers from the CRM
type RelayEvent struct {
	ConversationID string              `json:"conversation_id"`
	BotID          string              `json:"bot_id"`
	Channel        string              `json:"channel"`
	ExternalChatID string              `json:"external_chat_id,omitempty"`
	Provider       models.ProviderType `json:"provider"`
	AuthorName     string              `json:"author_name,omitempty"`
	Text           string              `json:"text"`
}

// RelayChannel is the pub/sub channel a bot listens on for operator replies
func RelayChannel(botID string) string {
	return "crmsync:relay:" + botID
}

// WebhookReport tallies the events applied from one delivery
type WebhookReport struct {
	IntegrationID string `json:"integration_id"`
	Applied       int    `json:"applied"`
	Duplicates    int    `json:"duplicates"`
	Ignored       int    `json:"ignored"`
	Failed        int    `json:"failed"`
}

// entityFor is the ledger entity type written for action
func entityFor(action models.SyncAction) models.EntityType {
	switch action {
	case models.ActionCreateLead:
		return models.EntityLead
	case models.ActionCreateDeal:
		return models.EntityDeal
	case models.ActionSyncConversation:
		return models.EntityConversation
	case models.ActionRelayMessage, models.ActionOperatorMessage:
		return models.EntityMessage
	case models.ActionRegisterConnector, models.ActionLifecycle:
		return models.EntityConnector
	}
	return models.EntityIntegration
}
