package sync

import (
	"context"
	"errors"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/features/ledger"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/mongo"
)

// JobSubmitter queues an action for the coordinator and returns the job id
type JobSubmitter interface {
	Submit(ctx context.Context, action models.SyncAction, conversationID string, opts Options) (string, error)
}

type TriggerRequest struct {
	IntegrationIDs []string               `json:"integration_ids" validate:"dive,mongodb"`
	Params         map[string]interface{} `json:"params"`
	Fields         map[string]interface{} `json:"fields"`
}

func (r TriggerRequest) options() Options {
	return Options{IntegrationIDs: r.IntegrationIDs, Params: r.Params, Fields: r.Fields}
}

type BulkSyncRequest struct {
	ConversationIDs []string `json:"conversation_ids" validate:"required,min=1,max=500,dive,mongodb"`
	IntegrationIDs  []string `json:"integration_ids" validate:"dive,mongodb"`
}

type ExportRequest struct {
	BotIDs     []string `json:"bot_ids"`
	From       string   `json:"from"`
	To         string   `json:"to"`
	Limit      int64    `json:"limit" validate:"gte=0"`
	SkipSynced bool     `json:"skip_synced"`
}

type SyncController struct {
	Service  SyncService
	Jobs     JobSubmitter
	validate *validator.Validate
}

func NewSyncController(service SyncService, jobs JobSubmitter) *SyncController {
	return &SyncController{
		Service:  service,
		Jobs:     jobs,
		validate: validator.New(),
	}
}

// errorStatus maps orchestrator errors onto HTTP statuses
func errorStatus(err error) int {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments), errors.Is(err, ErrNotBound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrUnknownIntrospection):
		return fiber.StatusBadRequest
	case errors.Is(err, connectors.ErrUnsupported):
		return fiber.StatusUnprocessableEntity
	}
	switch connectors.KindOf(err) {
	case connectors.KindConfiguration:
		return fiber.StatusUnprocessableEntity
	case connectors.KindAuthentication, connectors.KindTransient:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func (ctrl *SyncController) trigger(action models.SyncAction) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req TriggerRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid request body",
				})
			}
		}
		if err := ctrl.validate.Struct(req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		jobID, err := ctrl.Jobs.Submit(c.UserContext(), action, c.Params("id"), req.options())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"message": "Sync job queued",
			"data":    fiber.Map{"job_id": jobID, "action": action},
		})
	}
}

// SyncConversation godoc
// @Summary Queue a conversation sync
// @Tags crm
// @Router /api/crm/conversations/{id}/sync [post]
func (ctrl *SyncController) SyncConversation(c *fiber.Ctx) error {
	return ctrl.trigger(models.ActionSyncConversation)(c)
}

// CreateLead godoc
// @Summary Queue lead creation for a conversation
// @Tags crm
// @Router /api/crm/conversations/{id}/lead [post]
func (ctrl *SyncController) CreateLead(c *fiber.Ctx) error {
	return ctrl.trigger(models.ActionCreateLead)(c)
}

// CreateDeal godoc
// @Summary Queue deal creation for a conversation
// @Tags crm
// @Router /api/crm/conversations/{id}/deal [post]
func (ctrl *SyncController) CreateDeal(c *fiber.Ctx) error {
	return ctrl.trigger(models.ActionCreateDeal)(c)
}

// RelayMessage godoc
// @Summary Push one message into chat-style CRMs
// @Tags crm
// @Router /api/crm/conversations/{id}/messages/{messageId}/relay [post]
func (ctrl *SyncController) RelayMessage(c *fiber.Ctx) error {
	results, err := ctrl.Service.RelayMessage(c.UserContext(), c.Params("id"), c.Params("messageId"))
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"data": results,
	})
}

// BulkSync godoc
// @Summary Sync many conversations
// @Tags crm
// @Router /api/crm/bulk-sync [post]
func (ctrl *SyncController) BulkSync(c *fiber.Ctx) error {
	var req BulkSyncRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := ctrl.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	items := ctrl.Service.BulkSync(c.UserContext(), req.ConversationIDs, Options{IntegrationIDs: req.IntegrationIDs})
	return c.JSON(fiber.Map{
		"data": items,
	})
}

// ExportConversations godoc
// @Summary Export past conversations into one integration
// @Tags crm
// @Router /api/crm/integrations/{id}/export [post]
func (ctrl *SyncController) ExportConversations(c *fiber.Ctx) error {
	var req ExportRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if err := ctrl.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	dateRange, err := ledger.ParseRange(req.From, req.To)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	report, err := ctrl.Service.ExportConversations(c.UserContext(), c.Params("id"), ExportFilter{
		BotIDs:     req.BotIDs,
		Range:      dateRange,
		Limit:      req.Limit,
		SkipSynced: req.SkipSynced,
	})
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"data": report,
	})
}

// RegisterConnector godoc
// @Summary Register the chat connector of a bot
// @Tags crm
// @Router /api/crm/integrations/{id}/bots/{botId}/register [post]
func (ctrl *SyncController) RegisterConnector(c *fiber.Ctx) error {
	res, err := ctrl.Service.RegisterConnector(c.UserContext(), c.Params("id"), c.Params("botId"))
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
			"data":  res,
		})
	}
	return c.JSON(fiber.Map{
		"data": res,
	})
}

// TestIntegration godoc
// @Summary Check integration credentials
// @Tags crm
// @Router /api/crm/integrations/{id}/test [post]
func (ctrl *SyncController) TestIntegration(c *fiber.Ctx) error {
	report, err := ctrl.Service.TestIntegration(c.UserContext(), c.Params("id"))
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
			"kind":  connectors.KindOf(err),
		})
	}
	return c.JSON(fiber.Map{
		"data": report,
	})
}

// Introspect godoc
// @Summary List remote users, pipelines, stages or fields
// @Tags crm
// @Router /api/crm/integrations/{id}/introspect/{kind} [get]
func (ctrl *SyncController) Introspect(c *fiber.Ctx) error {
	data, err := ctrl.Service.Introspect(c.UserContext(), c.Params("id"), c.Params("kind"), c.Query("arg"))
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"data": data,
	})
}
