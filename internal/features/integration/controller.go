package integration

import (
	"context"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/features/mapping"
	"go-crmsync/internal/middleware"
	"go-crmsync/internal/secrets"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Reactivator resets failure tracking and turns an integration back on
type Reactivator interface {
	Reactivate(ctx context.Context, integrationID string) error
}

type CreateIntegrationRequest struct {
	TenantID      string                 `json:"tenant_id" validate:"required"`
	Provider      models.ProviderType    `json:"provider" validate:"required,oneof=bitrix24 amocrm avito"`
	Name          string                 `json:"name" validate:"required"`
	BaseURL       string                 `json:"base_url" validate:"omitempty,url"`
	Settings      map[string]interface{} `json:"settings"`
	FieldMappings []mapping.Rule         `json:"field_mappings" validate:"dive"`
	Credentials   secrets.Credentials    `json:"credentials"`
}

type CreateBindingRequest struct {
	BotID             string                 `json:"bot_id" validate:"required"`
	SyncContacts      bool                   `json:"sync_contacts"`
	SyncConversations bool                   `json:"sync_conversations"`
	CreateLeads       bool                   `json:"create_leads"`
	CreateDeals       bool                   `json:"create_deals"`
	LeadSource        string                 `json:"lead_source"`
	ResponsibleUserID string                 `json:"responsible_user_id"`
	PipelineID        string                 `json:"pipeline_id"`
	StageID           string                 `json:"stage_id"`
	ConnectorSettings map[string]interface{} `json:"connector_settings"`
}

type IntegrationController struct {
	Service     IntegrationService
	Reactivator Reactivator
	validate    *validator.Validate
}

func NewIntegrationController(service IntegrationService, reactivator Reactivator) *IntegrationController {
	return &IntegrationController{
		Service:     service,
		Reactivator: reactivator,
		validate:    validator.New(),
	}
}

// CreateIntegration godoc
// @Summary Create CRM integration
// @Tags crm
// @Accept json
// @Produce json
// @Router /api/crm/integrations [post]
func (ctrl *IntegrationController) CreateIntegration(c *fiber.Ctx) error {
	var req CreateIntegrationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if tenant := middleware.TenantID(c); tenant != "" {
		req.TenantID = tenant
	}
	if err := ctrl.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	in := &Integration{
		TenantID:      req.TenantID,
		Provider:      req.Provider,
		Name:          req.Name,
		BaseURL:       req.BaseURL,
		Settings:      req.Settings,
		FieldMappings: req.FieldMappings,
	}
	if err := ctrl.Service.Create(c.UserContext(), in, req.Credentials); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Integration created successfully",
		"data":    in,
	})
}

// ListIntegrations godoc
// @Summary List CRM integrations of the caller's tenant
// @Tags crm
// @Produce json
// @Router /api/crm/integrations [get]
func (ctrl *IntegrationController) ListIntegrations(c *fiber.Ctx) error {
	tenant := middleware.TenantID(c)
	if tenant == "" {
		tenant = c.Query("tenant_id")
	}

	list, err := ctrl.Service.List(c.UserContext(), tenant)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"data": list,
	})
}

// GetIntegration godoc
// @Summary Get CRM integration
// @Tags crm
// @Produce json
// @Router /api/crm/integrations/{id} [get]
func (ctrl *IntegrationController) GetIntegration(c *fiber.Ctx) error {
	in, err := ctrl.owned(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"data": in,
	})
}

// CreateBinding godoc
// @Summary Bind a bot to a CRM integration
// @Tags crm
// @Accept json
// @Produce json
// @Router /api/crm/integrations/{id}/bindings [post]
func (ctrl *IntegrationController) CreateBinding(c *fiber.Ctx) error {
	in, err := ctrl.owned(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var req CreateBindingRequest
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

	b := &BotBinding{
		IntegrationID:     in.ID,
		BotID:             req.BotID,
		TenantID:          in.TenantID,
		SyncContacts:      req.SyncContacts,
		SyncConversations: req.SyncConversations,
		CreateLeads:       req.CreateLeads,
		CreateDeals:       req.CreateDeals,
		LeadSource:        req.LeadSource,
		ResponsibleUserID: req.ResponsibleUserID,
		PipelineID:        req.PipelineID,
		StageID:           req.StageID,
		ConnectorSettings: req.ConnectorSettings,
		IsActive:          true,
	}
	if err := ctrl.Service.CreateBinding(c.UserContext(), b); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Binding created successfully",
		"data":    b,
	})
}

// ListBindings godoc
// @Summary List bot bindings of a CRM integration
// @Tags crm
// @Produce json
// @Router /api/crm/integrations/{id}/bindings [get]
func (ctrl *IntegrationController) ListBindings(c *fiber.Ctx) error {
	in, err := ctrl.owned(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	bindings, err := ctrl.Service.ListBindings(c.UserContext(), in.ID.Hex())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"data": bindings,
	})
}

// ActivateIntegration godoc
// @Summary Reactivate an integration disabled by the failure breaker
// @Tags crm
// @Produce json
// @Router /api/crm/integrations/{id}/activate [post]
func (ctrl *IntegrationController) ActivateIntegration(c *fiber.Ctx) error {
	in, err := ctrl.owned(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := ctrl.Reactivator.Reactivate(c.UserContext(), in.ID.Hex()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "Integration activated successfully",
	})
}

// owned loads the :id integration, hiding integrations of other tenants
func (ctrl *IntegrationController) owned(c *fiber.Ctx) (*Integration, error) {
	id := c.Params("id")
	if _, err := primitive.ObjectIDFromHex(id); err != nil {
		return nil, fiber.ErrNotFound
	}

	in, err := ctrl.Service.Get(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if tenant := middleware.TenantID(c); tenant != "" && tenant != in.TenantID {
		return nil, fiber.ErrNotFound
	}
	return in, nil
}
