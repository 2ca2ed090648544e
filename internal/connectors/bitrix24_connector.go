package connectors

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go-crmsync/internal/common/models"
)

// ConnectorID derives the open-line connector id of a bot. It is stable across
// re-registrations so the portal never gets a second connector for the same bot.
func ConnectorID(tenantID, botID string) string {
	sum := sha1.Sum([]byte(tenantID + ":" + botID))
	return "botplatform_" + hex.EncodeToString(sum[:])[:12]
}

// ConnectorSettingKey is the integration settings key recording a registration step of a bot
func ConnectorSettingKey(botID, step string) string {
	return "connector:" + botID + ":" + step
}

func (b *bitrix24) lineID() string {
	if b.conn.Binding.LineID != "" {
		return b.conn.Binding.LineID
	}
	return SettingString(b.conn.Settings, "line_id")
}

func (b *bitrix24) SendMessage(ctx context.Context, msg OutboundMessage) (*RemoteRef, error) {
	const op = "imconnector.send.messages"

	line := b.lineID()
	if line == "" {
		return nil, ConfigError(models.ProviderBitrix24, op, ErrLineNotBound)
	}

	conv := msg.Conversation
	botID := conv.BotID
	if botID == "" {
		botID = b.conn.Binding.BotID
	}

	userID := conv.ExternalChatID
	if userID == "" {
		userID = conv.ID
	}
	text := msg.Message.Content
	if msg.Message.Role == "assistant" {
		text = "[b]Bot:[/b] " + text
	}

	chatName := conv.UserName
	if chatName == "" {
		chatName = "Conversation " + conv.ID
	}

	params := map[string]interface{}{
		"CONNECTOR": ConnectorID(conv.TenantID, botID),
		"LINE":      line,
		"MESSAGES": []map[string]interface{}{{
			"user": map[string]interface{}{
				"id":    userID,
				"name":  conv.UserName,
				"phone": conv.UserPhone,
				"email": conv.UserEmail,
			},
			"message": map[string]interface{}{
				"id":   msg.Message.ID,
				"date": msg.Message.CreatedAt.Unix(),
				"text": text,
			},
			"chat": map[string]interface{}{
				"id":   conv.ID,
				"name": chatName,
			},
		}},
	}

	var result struct {
		Success bool `json:"SUCCESS"`
		Data    struct {
			Result []struct {
				Message struct {
					ID interface{} `json:"id"`
				} `json:"message"`
			} `json:"RESULT"`
		} `json:"DATA"`
	}
	if err := b.method(ctx, op, params, &result); err != nil {
		return nil, err
	}

	ref := &RemoteRef{Raw: result}
	if len(result.Data.Result) > 0 {
		ref.ID = firstID(result.Data.Result[0].Message.ID)
	}
	return ref, nil
}

func (b *bitrix24) ConfirmDelivery(ctx context.Context, ev InboundEvent) error {
	connector, _ := ev.Delivery["connector"].(string)
	if connector == "" {
		connector = ConnectorID(b.conn.TenantID, b.conn.Binding.BotID)
	}
	line := ev.LineID
	if line == "" {
		line = b.lineID()
	}
	chatID := ev.ExternalChatID
	if chatID == "" {
		chatID = ev.ConversationID
	}

	params := map[string]interface{}{
		"CONNECTOR": connector,
		"LINE":      line,
		"MESSAGES": []map[string]interface{}{{
			"im":      ev.Delivery["im"],
			"message": map[string]interface{}{"id": []string{ev.ExternalMessageID}},
			"chat":    map[string]interface{}{"id": chatID},
		}},
	}
	return b.method(ctx, "imconnector.send.status.delivery", params, nil)
}

// RegisterConnector runs register, activate and data.set for the bot's connector.
// Each finished step is recorded in the integration settings and skipped on later runs.
func (b *bitrix24) RegisterConnector(ctx context.Context, reg ConnectorRegistration) (*RegistrationResult, error) {
	if reg.BotID == "" {
		return nil, ConfigError(models.ProviderBitrix24, "imconnector.register", fmt.Errorf("bot id is required"))
	}
	line := reg.LineID
	if line == "" {
		line = b.lineID()
	}
	if line == "" {
		return nil, ConfigError(models.ProviderBitrix24, "imconnector.activate", ErrLineNotBound)
	}

	id := ConnectorID(b.conn.TenantID, reg.BotID)
	name := reg.Name
	if name == "" {
		name = "Bot " + reg.BotID
	}
	key := func(step string) string { return ConnectorSettingKey(reg.BotID, step) }

	result := &RegistrationResult{ConnectorID: id, LineID: line}

	steps := []struct {
		name   string
		done   bool
		run    func() error
		record map[string]interface{}
	}{
		{
			name: "register",
			done: SettingString(b.conn.Settings, key("id")) == id && SettingBool(b.conn.Settings, key("registered")),
			run: func() error {
				err := b.method(ctx, "imconnector.register", map[string]interface{}{
					"ID":                id,
					"NAME":              name,
					"ICON":              map[string]interface{}{"DATA_IMAGE": reg.IconURL},
					"PLACEMENT_HANDLER": reg.URL,
				}, nil)
				if alreadyRegistered(err) {
					return nil
				}
				return err
			},
			record: map[string]interface{}{key("id"): id, key("registered"): true},
		},
		{
			name: "activate",
			done: SettingString(b.conn.Settings, key("activated_line")) == line,
			run: func() error {
				return b.method(ctx, "imconnector.activate", map[string]interface{}{
					"CONNECTOR": id,
					"LINE":      line,
					"ACTIVE":    1,
				}, nil)
			},
			record: map[string]interface{}{key("activated_line"): line},
		},
		{
			name: "data",
			done: SettingString(b.conn.Settings, key("data_line")) == line,
			run: func() error {
				return b.method(ctx, "imconnector.connector.data.set", map[string]interface{}{
					"CONNECTOR": id,
					"LINE":      line,
					"DATA": map[string]interface{}{
						"id":     id + "_line_" + line,
						"url":    reg.URL,
						"url_im": reg.URL,
						"name":   name,
					},
				}, nil)
			},
			record: map[string]interface{}{key("data_line"): line},
		},
	}

	for _, step := range steps {
		if step.done {
			result.Skipped = append(result.Skipped, step.name)
			continue
		}
		if err := step.run(); err != nil {
			return result, err
		}
		if err := b.s.recordSettings(ctx, step.record); err != nil {
			return result, fmt.Errorf("failed to record %s step: %w", step.name, err)
		}
		result.Completed = append(result.Completed, step.name)
	}
	return result, nil
}

func alreadyRegistered(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && strings.Contains(strings.ToUpper(pe.Code), "ALREADY")
}
