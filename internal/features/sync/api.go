package sync

import (
	"go-crmsync/internal/common/api"
	"go-crmsync/internal/config"
	"go-crmsync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type SyncApi struct {
	controller *SyncController
	config     *config.Config
}

func NewSyncApi(controller *SyncController, config *config.Config) api.Route {
	return &SyncApi{
		controller: controller,
		config:     config,
	}
}

// Setup registers all sync routes
func (h *SyncApi) Setup(app *fiber.App) {
	conversations := app.Group("/api/crm/conversations", middleware.AuthMiddleware(h.config.SkipAuth))

	conversations.Post("/:id/sync", h.controller.SyncConversation)
	conversations.Post("/:id/lead", h.controller.CreateLead)
	conversations.Post("/:id/deal", h.controller.CreateDeal)
	conversations.Post("/:id/messages/:messageId/relay", h.controller.RelayMessage)

	crm := app.Group("/api/crm", middleware.AuthMiddleware(h.config.SkipAuth))

	crm.Post("/bulk-sync", middleware.AdminMiddleware(), h.controller.BulkSync)
	crm.Post("/integrations/:id/export", middleware.AdminMiddleware(), h.controller.ExportConversations)
	crm.Post("/integrations/:id/test", middleware.AdminMiddleware(), h.controller.TestIntegration)
	crm.Get("/integrations/:id/introspect/:kind", middleware.AdminMiddleware(), h.controller.Introspect)
	crm.Post("/integrations/:id/bots/:botId/register", middleware.AdminMiddleware(), h.controller.RegisterConnector)
}
