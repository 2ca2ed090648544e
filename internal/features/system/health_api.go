package system

import (
	"go-crmsync/internal/common/api"
	"go-crmsync/internal/database"
	crmredis "go-crmsync/internal/redis"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HealthApi struct {
	controller *HealthController
}

func NewHealthApi(db *database.MongodbDB, redis *crmredis.Client) api.Route {
	return &HealthApi{
		controller: NewHealthController(map[string]Pinger{
			"mongodb": db,
			"redis":   redis,
		}),
	}
}

func (h *HealthApi) Setup(app *fiber.App) {
	app.Get("/health", h.controller.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}
