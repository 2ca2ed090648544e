package webhook

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/features/integration"
	sync_feature "go-crmsync/internal/features/sync"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type MockProcessor struct {
	mu        gosync.Mutex
	AuthErr   error
	ProcErr   error
	Report    sync_feature.WebhookReport
	Requests  []connectors.WebhookRequest
	Processed int
}

func (m *MockProcessor) AuthenticateWebhook(ctx context.Context, provider models.ProviderType, req connectors.WebhookRequest) (*sync_feature.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.AuthErr != nil {
		return nil, m.AuthErr
	}
	return &sync_feature.WebhookDelivery{
		Integration: integration.Integration{ID: primitive.NewObjectID(), Provider: provider, IsActive: true},
		Request:     req,
	}, nil
}

func (m *MockProcessor) ProcessWebhook(ctx context.Context, delivery *sync_feature.WebhookDelivery) (*sync_feature.WebhookReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Processed++
	if m.ProcErr != nil {
		return nil, m.ProcErr
	}
	report := m.Report
	return &report, nil
}

type MockDeliveries struct {
	mu         gosync.Mutex
	Deliveries []Delivery
}

func (m *MockDeliveries) Create(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = primitive.NewObjectID()
	d.CreatedAt = time.Now()
	m.Deliveries = append(m.Deliveries, *d)
	return nil
}

func (m *MockDeliveries) List(ctx context.Context, provider models.ProviderType, integrationID string, limit int64) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for _, d := range m.Deliveries {
		if provider != "" && d.Provider != provider {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MockDeliveries) EnsureIndexes(ctx context.Context) error { return nil }

func (m *MockDeliveries) all() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.Deliveries...)
}

func setupIngress(t *testing.T) (*fiber.App, *IngressServiceImpl, *MockProcessor, *MockDeliveries) {
	t.Helper()
	processor := &MockProcessor{}
	deliveries := &MockDeliveries{}
	svc := &IngressServiceImpl{
		Processor: processor,
		Repo:      deliveries,
		Timeout:   time.Second,
		Logger:    zap.NewNop(),
	}

	app := fiber.New()
	NewWebhookApi(NewWebhookController(svc, zap.NewNop()), &config.Config{SkipAuth: true}).Setup(app)
	return app, svc, processor, deliveries
}

func post(t *testing.T, app *fiber.App, path, contentType, body string) int {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	return resp.StatusCode
}

func waitIdle(t *testing.T, svc *IngressServiceImpl) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(ctx))
}

func TestReceiveStatusCodes(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		authErr     error
		wantStatus  int
	}{
		{"unknown provider", "/webhooks/crm/salesforce", "application/json", `{}`, nil, fiber.StatusNotFound},
		{"malformed json", "/webhooks/crm/amocrm", "application/json", `{"leads":`, nil, fiber.StatusBadRequest},
		{"empty body", "/webhooks/crm/amocrm", "application/json", ``, nil, fiber.StatusBadRequest},
		{"bad signature", "/webhooks/crm/avito", "application/json", `{"id":"1"}`, sync_feature.ErrWebhookUnauthorized, fiber.StatusUnauthorized},
		{"store unavailable", "/webhooks/crm/avito", "application/json", `{"id":"1"}`, errors.New("mongo down"), fiber.StatusOK},
		{"accepted", "/webhooks/crm/bitrix24", "application/x-www-form-urlencoded", "event=ONIMBOTMESSAGEADD&auth[application_token]=abc", nil, fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, svc, processor, _ := setupIngress(t)
			processor.AuthErr = tt.authErr

			assert.Equal(t, tt.wantStatus, post(t, app, tt.path, tt.contentType, tt.body))
			waitIdle(t, svc)
		})
	}
}

func TestReceivePassesNormalizedRequest(t *testing.T) {
	app, svc, processor, deliveries := setupIngress(t)
	processor.Report = sync_feature.WebhookReport{Applied: 1, Ignored: 2}

	status := post(t, app, "/webhooks/crm/amocrm?token=secret", "application/json", `{"leads":{"status":[{"id":"7"}]}}`)
	require.Equal(t, fiber.StatusOK, status)
	waitIdle(t, svc)

	require.Len(t, processor.Requests, 1)
	req := processor.Requests[0]
	assert.Equal(t, "secret", req.Query["token"])
	assert.JSONEq(t, `{"leads":{"status":[{"id":"7"}]}}`, string(req.Body))
	assert.Equal(t, 1, processor.Processed)

	recorded := deliveries.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, DeliveryProcessed, recorded[0].Status)
	assert.Equal(t, models.ProviderAmoCRM, recorded[0].Provider)
	assert.Equal(t, 1, recorded[0].Applied)
	assert.Equal(t, 2, recorded[0].Ignored)
	assert.NotEmpty(t, recorded[0].IntegrationID)
}

func TestReceiveRecordsUnauthorizedDelivery(t *testing.T) {
	app, svc, processor, deliveries := setupIngress(t)
	processor.AuthErr = sync_feature.ErrWebhookUnauthorized

	require.Equal(t, fiber.StatusUnauthorized, post(t, app, "/webhooks/crm/avito", "application/json", `{}`))
	waitIdle(t, svc)

	assert.Equal(t, 0, processor.Processed)
	recorded := deliveries.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, DeliveryUnauthorized, recorded[0].Status)
	assert.Empty(t, recorded[0].IntegrationID)
}

func TestStoreOutageStillAcknowledged(t *testing.T) {
	app, svc, processor, deliveries := setupIngress(t)
	processor.AuthErr = errors.New("server selection timeout")

	require.Equal(t, fiber.StatusOK, post(t, app, "/webhooks/crm/avito", "application/json", `{"id":"1"}`))
	waitIdle(t, svc)

	assert.Equal(t, 0, processor.Processed)
	recorded := deliveries.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, DeliveryFailed, recorded[0].Status)
	assert.Equal(t, models.ProviderAvito, recorded[0].Provider)
	assert.Equal(t, "server selection timeout", recorded[0].Error)
}

func TestProcessingFailureIsRecorded(t *testing.T) {
	app, svc, processor, deliveries := setupIngress(t)
	processor.ProcErr = errors.New("adapter failed")

	// the provider still gets a 200, the failure only shows up in the delivery log
	require.Equal(t, fiber.StatusOK, post(t, app, "/webhooks/crm/avito", "application/json", `{"id":"1"}`))
	waitIdle(t, svc)

	recorded := deliveries.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, DeliveryFailed, recorded[0].Status)
	assert.Equal(t, "adapter failed", recorded[0].Error)
}

func TestListDeliveries(t *testing.T) {
	app, svc, _, deliveries := setupIngress(t)
	require.NoError(t, deliveries.Create(context.Background(), &Delivery{Provider: models.ProviderAvito, Status: DeliveryProcessed}))
	require.NoError(t, deliveries.Create(context.Background(), &Delivery{Provider: models.ProviderBitrix24, Status: DeliveryFailed}))
	waitIdle(t, svc)

	req := httptest.NewRequest("GET", "/api/crm/webhooks/deliveries?provider=avito", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"provider":"avito"`)
	assert.NotContains(t, string(body), `"provider":"bitrix24"`)
}

func TestNormalizeBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
		wantErr     bool
	}{
		{
			name:        "json passes through",
			contentType: "application/json; charset=utf-8",
			body:        `{"a": 1}`,
			want:        `{"a": 1}`,
		},
		{
			name:        "bitrix form",
			contentType: "application/x-www-form-urlencoded",
			body:        "event=ONIMCONNECTORMESSAGEADD&data[CONNECTOR]=crmsync&data[MESSAGES][0][message][text]=hi&data[MESSAGES][1][message][text]=there&auth[application_token]=tok",
			want:        `{"auth":{"application_token":"tok"},"data":{"CONNECTOR":"crmsync","MESSAGES":[{"message":{"text":"hi"}},{"message":{"text":"there"}}]},"event":"ONIMCONNECTORMESSAGEADD"}`,
		},
		{
			name:        "sparse indexes stay an object",
			contentType: "application/x-www-form-urlencoded",
			body:        "ids[0]=a&ids[2]=c",
			want:        `{"ids":{"0":"a","2":"c"}}`,
		},
		{
			name:        "conflicting scalar and object",
			contentType: "application/x-www-form-urlencoded",
			body:        "a=1&a[b]=2",
			wantErr:     true,
		},
		{
			name:        "unclosed bracket",
			contentType: "application/x-www-form-urlencoded",
			body:        "a[b=1",
			wantErr:     true,
		},
		{
			name:        "not json",
			contentType: "text/plain",
			body:        "hello",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBody(tt.contentType, []byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedBody)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
