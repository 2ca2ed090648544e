package cron_feature

import (
	"go-crmsync/internal/common/api"
	"go-crmsync/internal/config"
	"go-crmsync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type CronApi struct {
	cronController *CronController
	config         *config.Config
}

func NewCronApi(cronController *CronController, config *config.Config) api.Route {
	return &CronApi{
		cronController: cronController,
		config:         config,
	}
}

func (h *CronApi) Setup(app *fiber.App) {
	auth := middleware.AuthMiddleware(h.config.SkipAuth)
	admin := middleware.AdminMiddleware()

	app.Get("/api/crm/schedules", auth, admin, h.cronController.ListSchedules)
	app.Post("/api/crm/schedules/reload", auth, admin, h.cronController.ReloadSchedules)
	app.Get("/api/crm/integrations/:id/export-runs", auth, admin, h.cronController.GetRuns)
	app.Post("/api/crm/integrations/:id/export-runs", auth, admin, h.cronController.ExecuteExport)
}
