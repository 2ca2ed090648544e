package cron_feature

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/mongo"
)

type CronController struct {
	Service CronService
}

func NewCronController(service CronService) *CronController {
	return &CronController{
		Service: service,
	}
}

// ListSchedules godoc
// @Summary List export schedules
// @Description List the registered periodic exports with their next run
// @Tags cron
// @Produce json
// @Success 200 {array} Schedule
// @Router /api/crm/schedules [get]
func (c *CronController) ListSchedules(ctx *fiber.Ctx) error {
	return ctx.JSON(fiber.Map{"data": c.Service.Schedules()})
}

// ReloadSchedules godoc
// @Summary Reload export schedules
// @Description Re-read integration settings and reconcile the scheduler
// @Tags cron
// @Produce json
// @Success 200 {array} Schedule
// @Failure 500 {object} map[string]interface{}
// @Router /api/crm/schedules/reload [post]
func (c *CronController) ReloadSchedules(ctx *fiber.Ctx) error {
	if err := c.Service.Reload(ctx.UserContext()); err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return ctx.JSON(fiber.Map{"data": c.Service.Schedules()})
}

// ExecuteExport godoc
// @Summary Run scheduled export now
// @Description Run the scheduled export of an integration immediately, using its configured window
// @Tags cron
// @Produce json
// @Param id path string true "Integration ID"
// @Success 200 {object} ExportRun
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Failure 422 {object} map[string]interface{}
// @Router /api/crm/integrations/{id}/export-runs [post]
func (c *CronController) ExecuteExport(ctx *fiber.Ctx) error {
	run, err := c.Service.Execute(ctx.UserContext(), ctx.Params("id"))
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ctx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Integration not found"})
	case errors.Is(err, ErrExportRunning):
		return ctx.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrNoSchedule), errors.Is(err, ErrInvalidWindow):
		return ctx.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case err != nil && run == nil:
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return ctx.JSON(fiber.Map{"data": run})
}

// GetRuns godoc
// @Summary Get export runs
// @Description Get execution history of scheduled exports for an integration
// @Tags cron
// @Produce json
// @Param id path string true "Integration ID"
// @Param limit query int false "Max runs to return"
// @Success 200 {array} ExportRun
// @Failure 500 {object} map[string]interface{}
// @Router /api/crm/integrations/{id}/export-runs [get]
func (c *CronController) GetRuns(ctx *fiber.Ctx) error {
	runs, err := c.Service.GetRuns(ctx.UserContext(), ctx.Params("id"), ctx.QueryInt("limit", 50))
	if err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return ctx.JSON(fiber.Map{"data": runs})
}
