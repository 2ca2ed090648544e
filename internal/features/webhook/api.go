package webhook

import (
	"go-crmsync/internal/common/api"
	"go-crmsync/internal/config"
	"go-crmsync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type WebhookApi struct {
	controller *WebhookController
	config     *config.Config
}

func NewWebhookApi(controller *WebhookController, config *config.Config) api.Route {
	return &WebhookApi{
		controller: controller,
		config:     config,
	}
}

func (h *WebhookApi) Setup(app *fiber.App) {
	// CRM callbacks authenticate through the provider's own signature scheme
	app.Post("/webhooks/crm/:provider", h.controller.Receive)

	app.Get("/api/crm/webhooks/deliveries",
		middleware.AuthMiddleware(h.config.SkipAuth),
		middleware.AdminMiddleware(),
		h.controller.ListDeliveries,
	)
}
