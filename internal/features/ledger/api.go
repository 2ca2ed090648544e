package ledger

import (
	"go-crmsync/internal/common/api"
	"go-crmsync/internal/config"
	"go-crmsync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type LedgerApi struct {
	controller *LedgerController
	config     *config.Config
}

func NewLedgerApi(controller *LedgerController, config *config.Config) api.Route {
	return &LedgerApi{
		controller: controller,
		config:     config,
	}
}

// Setup registers the ledger reporting routes
func (h *LedgerApi) Setup(app *fiber.App) {
	group := app.Group("/api/crm", middleware.AuthMiddleware(h.config.SkipAuth))

	group.Get("/stats", h.controller.GetStats)
	group.Get("/stats.xlsx", h.controller.ExportStats)
	group.Get("/ledger", h.controller.ListEntries)
}
