package ledger

import (
	"time"

	"go-crmsync/internal/common/models"

	"github.com/gofiber/fiber/v2"
)

type LedgerController struct {
	Service LedgerService
}

func NewLedgerController(service LedgerService) *LedgerController {
	return &LedgerController{
		Service: service,
	}
}

// GetStats godoc
// @Summary Aggregated sync ledger counts
// @Tags crm
// @Produce json
// @Param from query string false "RFC3339 or YYYY-MM-DD"
// @Param to query string false "RFC3339 or YYYY-MM-DD"
// @Router /api/crm/stats [get]
func (ctrl *LedgerController) GetStats(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	stats, err := ctrl.Service.Stats(c.UserContext(), filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"data":   stats,
		"totals": Totals(stats),
	})
}

// ListEntries godoc
// @Summary Most recent sync ledger entries
// @Tags crm
// @Produce json
// @Router /api/crm/ledger [get]
func (ctrl *LedgerController) ListEntries(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	entries, err := ctrl.Service.Recent(c.UserContext(), filter, int64(c.QueryInt("limit", 50)))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"data": entries,
	})
}

// ExportStats godoc
// @Summary Sync ledger stats and recent entries as a spreadsheet
// @Tags crm
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param from query string false "RFC3339 or YYYY-MM-DD"
// @Param to query string false "RFC3339 or YYYY-MM-DD"
// @Router /api/crm/stats.xlsx [get]
func (ctrl *LedgerController) ExportStats(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	stats, err := ctrl.Service.Stats(c.UserContext(), filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	SortStats(stats)

	entries, err := ctrl.Service.Recent(c.UserContext(), filter, int64(c.QueryInt("limit", 1000)))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	data, err := ExportXLSX(stats, entries)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="crm-sync-stats.xlsx"`)
	return c.Send(data)
}

func parseFilter(c *fiber.Ctx) (StatsFilter, error) {
	var filter StatsFilter
	filter.IntegrationID = c.Query("integration_id")

	var err error
	if filter.Range.From, err = ParseTime(c.Query("from")); err != nil {
		return filter, err
	}
	if filter.Range.To, err = ParseTime(c.Query("to")); err != nil {
		return filter, err
	}
	return filter, nil
}

// ParseTime accepts RFC3339 timestamps and plain dates; empty input is the zero time
func ParseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, value)
}

// ParseRange builds a DateRange from two ParseTime inputs
func ParseRange(from, to string) (models.DateRange, error) {
	var r models.DateRange
	var err error
	if r.From, err = ParseTime(from); err != nil {
		return r, err
	}
	if r.To, err = ParseTime(to); err != nil {
		return r, err
	}
	return r, nil
}
