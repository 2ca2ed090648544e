package system

import (
	"go-crmsync/internal/common/api"
	"go-crmsync/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
)

type SwaggerApi struct {
	config *config.Config
}

func NewSwaggerApi(cfg *config.Config) api.Route {
	return &SwaggerApi{config: cfg}
}

// Setup serves the API description outside production
func (h *SwaggerApi) Setup(app *fiber.App) {
	if h.config.Environment == "production" {
		return
	}
	app.Get("/swagger/*", swagger.HandlerDefault)
}
