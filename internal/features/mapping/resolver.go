package mapping

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go-crmsync/internal/connectors"

	"github.com/d5/tengo/v2"
	"github.com/jmespath/go-jmespath"
	"go.uber.org/zap"
)

const scriptTimeout = 2 * time.Second

var (
	placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)
	dottedPath         = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// templateConversationFields are the conversation attributes usable as {conversation.x}
var templateConversationFields = map[string]bool{
	"id":         true,
	"user_name":  true,
	"user_email": true,
	"user_phone": true,
	"bot_id":     true,
	"channel":    true,
}

// Input is everything a rule may draw values from
type Input struct {
	Params       map[string]interface{}
	Conversation *connectors.Conversation
}

// Resolver turns mapping rules into a flat CRM payload
type Resolver struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*jmespath.JMESPath
}

func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]*jmespath.JMESPath),
	}
}

// Resolve evaluates rules in order. Rules resolving to nothing are left out of
// the payload; multiValue names remote fields that take [{VALUE, VALUE_TYPE}]
// entries and their default type.
func (r *Resolver) Resolve(ctx context.Context, rules []Rule, in Input, multiValue map[string]string) map[string]interface{} {
	payload := make(map[string]interface{}, len(rules))
	view := conversationView(in.Conversation)

	for _, rule := range rules {
		if rule.CRMField == "" {
			continue
		}

		value, err := r.resolveRule(ctx, rule, in, view)
		if err != nil {
			r.logger.Warn("Mapping rule could not be resolved",
				zap.String("crm_field", rule.CRMField),
				zap.String("source_type", string(rule.SourceType)),
				zap.Error(err),
			)
			continue
		}
		if isEmpty(value) {
			continue
		}

		if valueType, ok := multiValue[rule.CRMField]; ok {
			value = wrapMultiValue(value, valueType)
		}
		payload[rule.CRMField] = value
	}
	return payload
}

func (r *Resolver) resolveRule(ctx context.Context, rule Rule, in Input, view map[string]interface{}) (interface{}, error) {
	switch rule.SourceType {
	case SourceStatic:
		return rule.Value, nil
	case SourceParameter:
		name := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(rule.Value), "{"), "}")
		return in.Params[name], nil
	case SourceDynamic:
		return r.Render(rule.Value, in), nil
	case SourceConversation:
		return r.lookup(rule.Value, view)
	case SourceScript:
		return r.runScript(ctx, rule.Value, in.Params, view)
	default:
		return nil, fmt.Errorf("unknown source type %q", rule.SourceType)
	}
}

// Render substitutes {name}, {conversation.x} and {system.x} placeholders.
// Unknown placeholders render as empty strings.
func (r *Resolver) Render(template string, in Input) string {
	now := r.now()
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]

		switch {
		case strings.HasPrefix(name, "conversation."):
			field := strings.TrimPrefix(name, "conversation.")
			if in.Conversation == nil || !templateConversationFields[field] {
				return ""
			}
			return toString(conversationView(in.Conversation)[field])

		case strings.HasPrefix(name, "system."):
			switch strings.TrimPrefix(name, "system.") {
			case "date":
				return now.Format("2006-01-02")
			case "time":
				return now.Format("15:04:05")
			case "datetime":
				return now.Format("2006-01-02 15:04:05")
			case "timestamp":
				return strconv.FormatInt(now.Unix(), 10)
			}
			return ""
		}

		return toString(in.Params[name])
	})
}

// lookup evaluates a dotted path over the whitelisted conversation view
func (r *Resolver) lookup(path string, view map[string]interface{}) (interface{}, error) {
	if view == nil {
		return nil, nil
	}
	path = strings.TrimPrefix(strings.TrimSpace(path), "conversation.")
	if !dottedPath.MatchString(path) {
		return nil, fmt.Errorf("invalid conversation path %q", path)
	}

	compiled, err := r.compile(path)
	if err != nil {
		return nil, err
	}
	return compiled.Search(view)
}

func (r *Resolver) compile(expression string) (*jmespath.JMESPath, error) {
	r.mu.RLock()
	if compiled, ok := r.cache[expression]; ok {
		r.mu.RUnlock()
		return compiled, nil
	}
	r.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[expression] = compiled
	r.mu.Unlock()
	return compiled, nil
}

// runScript executes a tengo script that reads params and conversation and assigns result
func (r *Resolver) runScript(ctx context.Context, src string, params map[string]interface{}, view map[string]interface{}) (interface{}, error) {
	script := tengo.NewScript([]byte(src))

	if params == nil {
		params = map[string]interface{}{}
	}
	if view == nil {
		view = map[string]interface{}{}
	}
	if err := script.Add("params", params); err != nil {
		return nil, err
	}
	if err := script.Add("conversation", view); err != nil {
		return nil, err
	}
	if err := script.Add("result", nil); err != nil {
		return nil, err
	}

	compiled, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	if err := compiled.RunContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}
	return compiled.Get("result").Value(), nil
}

// conversationView is the only conversation data rules can see
func conversationView(conv *connectors.Conversation) map[string]interface{} {
	if conv == nil {
		return nil
	}
	view := map[string]interface{}{
		"id":               conv.ID,
		"bot_id":           conv.BotID,
		"channel":          conv.Channel,
		"status":           conv.Status,
		"user_name":        conv.UserName,
		"user_email":       conv.UserEmail,
		"user_phone":       conv.UserPhone,
		"external_chat_id": conv.ExternalChatID,
		"metadata":         map[string]interface{}{},
	}
	if !conv.CreatedAt.IsZero() {
		view["created_at"] = conv.CreatedAt.UTC().Format(time.RFC3339)
	}
	if conv.Metadata != nil {
		view["metadata"] = conv.Metadata
	}
	return view
}

func wrapMultiValue(value interface{}, valueType string) interface{} {
	switch v := value.(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		entries := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if s := toString(item); s != "" {
				entries = append(entries, map[string]interface{}{"VALUE": s, "VALUE_TYPE": valueType})
			}
		}
		return entries
	default:
		return []map[string]interface{}{{"VALUE": toString(v), "VALUE_TYPE": valueType}}
	}
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
