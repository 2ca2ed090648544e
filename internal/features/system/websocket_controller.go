package system

import (
	"context"

	sync_feature "go-crmsync/internal/features/sync"
	"go-crmsync/internal/logger"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

// Subscriber streams raw pub/sub payloads of a channel until ctx is done
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// WebSocketController streams operator replies to a connected bot runtime
type WebSocketController struct {
	Subscriber Subscriber
	Logger     *zap.Logger
}

func NewWebSocketController(subscriber Subscriber, log *zap.Logger) *WebSocketController {
	return &WebSocketController{
		Subscriber: subscriber,
		Logger:     log,
	}
}

func (h *WebSocketController) HandleRelayStream(c *websocket.Conn) {
	botID := c.Params("botId")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := h.Subscriber.Subscribe(ctx, sync_feature.RelayChannel(botID))
	if err != nil {
		h.Logger.Error("Failed to subscribe relay stream", zap.String("bot_id", botID), zap.Error(err))
		return
	}

	// the client only ever closes; any read error ends the stream
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = pump(ctx, messages, func(payload []byte) error {
		return c.WriteMessage(websocket.TextMessage, payload)
	})
	if err != nil {
		h.Logger.Debug("Relay stream closed", zap.String("bot_id", botID), zap.String(logger.FieldAction, "relay"), zap.Error(err))
	}
}

// pump forwards payloads until the source closes, ctx ends or write fails
func pump(ctx context.Context, messages <-chan []byte, write func([]byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-messages:
			if !ok {
				return nil
			}
			if err := write(payload); err != nil {
				return err
			}
		}
	}
}
