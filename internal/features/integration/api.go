package integration

import (
	"go-crmsync/internal/common/api"
	"go-crmsync/internal/config"
	"go-crmsync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type IntegrationApi struct {
	controller *IntegrationController
	config     *config.Config
}

func NewIntegrationApi(controller *IntegrationController, config *config.Config) api.Route {
	return &IntegrationApi{
		controller: controller,
		config:     config,
	}
}

// Setup registers all integration routes
func (h *IntegrationApi) Setup(app *fiber.App) {
	group := app.Group("/api/crm/integrations", middleware.AuthMiddleware(h.config.SkipAuth))

	group.Post("/", middleware.AdminMiddleware(), h.controller.CreateIntegration)
	group.Get("/", h.controller.ListIntegrations)
	group.Get("/:id", h.controller.GetIntegration)
	group.Post("/:id/bindings", middleware.AdminMiddleware(), h.controller.CreateBinding)
	group.Get("/:id/bindings", h.controller.ListBindings)
	group.Post("/:id/activate", middleware.AdminMiddleware(), h.controller.ActivateIntegration)
}
