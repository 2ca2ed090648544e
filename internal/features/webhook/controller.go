package webhook

import (
	"errors"
	"strconv"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/connectors"
	sync_feature "go-crmsync/internal/features/sync"
	"go-crmsync/internal/logger"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type WebhookController struct {
	Service IngressService
	Logger  *zap.Logger
}

func NewWebhookController(service IngressService, log *zap.Logger) *WebhookController {
	return &WebhookController{
		Service: service,
		Logger:  log,
	}
}

// Receive godoc
// @Summary Receive CRM webhook
// @Description Accept an inbound CRM event. Processing continues after the response is sent
// @Tags webhooks
// @Accept json
// @Produce json
// @Param provider path string true "Provider"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 401 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /webhooks/crm/{provider} [post]
func (ctrl *WebhookController) Receive(c *fiber.Ctx) error {
	provider := models.ProviderType(c.Params("provider"))
	if !provider.Valid() {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown provider",
		})
	}

	body, err := NormalizeBody(string(c.Request().Header.ContentType()), c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Malformed request body",
		})
	}

	req := connectors.WebhookRequest{
		Headers: map[string]string{},
		Query:   map[string]string{},
		Body:    body,
	}
	c.Request().Header.VisitAll(func(key, value []byte) {
		req.Headers[string(key)] = string(value)
	})
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		req.Query[string(key)] = string(value)
	})

	err = ctrl.Service.Accept(c.UserContext(), provider, req)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"status": "accepted"})
	case errors.Is(err, sync_feature.ErrUnknownProvider):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown provider",
		})
	case errors.Is(err, sync_feature.ErrWebhookUnauthorized):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unauthorized",
		})
	default:
		// internal failures are never reported back to the provider
		ctrl.Logger.Error("Failed to accept CRM webhook", zap.String(logger.FieldProvider, string(provider)), zap.Error(err))
		return c.JSON(fiber.Map{"status": "accepted"})
	}
}

// ListDeliveries godoc
// @Summary List webhook deliveries
// @Description Recent inbound CRM webhook deliveries, newest first
// @Tags webhooks
// @Produce json
// @Param provider query string false "Provider"
// @Param integration_id query string false "Integration ID"
// @Param limit query int false "Limit"
// @Success 200 {array} Delivery
// @Failure 500 {object} map[string]interface{}
// @Router /api/crm/webhooks/deliveries [get]
func (ctrl *WebhookController) ListDeliveries(c *fiber.Ctx) error {
	limit, _ := strconv.ParseInt(c.Query("limit", "50"), 10, 64)

	deliveries, err := ctrl.Service.Deliveries(c.UserContext(), models.ProviderType(c.Query("provider")), c.Query("integration_id"), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"data": deliveries,
	})
}
