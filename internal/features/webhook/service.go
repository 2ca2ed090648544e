package webhook

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"
	"go-crmsync/internal/connectors"
	sync_feature "go-crmsync/internal/features/sync"
	"go-crmsync/internal/logger"

	"go.uber.org/zap"
)

// Processor authenticates and applies CRM webhook deliveries
type Processor interface {
	AuthenticateWebhook(ctx context.Context, provider models.ProviderType, req connectors.WebhookRequest) (*sync_feature.WebhookDelivery, error)
	ProcessWebhook(ctx context.Context, delivery *sync_feature.WebhookDelivery) (*sync_feature.WebhookReport, error)
}

type IngressService interface {
	// Accept authenticates req and applies it in the background
	Accept(ctx context.Context, provider models.ProviderType, req connectors.WebhookRequest) error
	Deliveries(ctx context.Context, provider models.ProviderType, integrationID string, limit int64) ([]Delivery, error)
	// Wait blocks until background processing finished or ctx is done
	Wait(ctx context.Context) error
}

type IngressServiceImpl struct {
	Processor Processor
	Repo      DeliveryRepository
	Timeout   time.Duration
	Logger    *zap.Logger

	wg gosync.WaitGroup
}

func NewIngressService(processor sync_feature.SyncService, repo DeliveryRepository, cfg *config.Config, log *zap.Logger) IngressService {
	return &IngressServiceImpl{
		Processor: processor,
		Repo:      repo,
		Timeout:   cfg.WebhookTimeout,
		Logger:    log,
	}
}

func (s *IngressServiceImpl) Accept(ctx context.Context, provider models.ProviderType, req connectors.WebhookRequest) error {
	started := time.Now()

	delivery, err := s.Processor.AuthenticateWebhook(ctx, provider, req)
	if err != nil {
		if errors.Is(err, sync_feature.ErrWebhookUnauthorized) {
			s.Logger.Warn("Rejected unauthenticated CRM webhook", zap.String(logger.FieldProvider, string(provider)))
			s.record(ctx, &Delivery{
				Provider: provider,
				Status:   DeliveryUnauthorized,
				Duration: time.Since(started).Milliseconds(),
			})
		} else if !errors.Is(err, sync_feature.ErrUnknownProvider) {
			s.record(ctx, &Delivery{
				Provider: provider,
				Status:   DeliveryFailed,
				Error:    err.Error(),
				Duration: time.Since(started).Milliseconds(),
			})
		}
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(delivery, started)
	}()
	return nil
}

// process runs detached from the request with its own deadline
func (s *IngressServiceImpl) process(delivery *sync_feature.WebhookDelivery, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()

	integrationID := delivery.Integration.ID.Hex()
	record := &Delivery{
		Provider:      delivery.Integration.Provider,
		IntegrationID: integrationID,
		Status:        DeliveryProcessed,
	}

	defer func() {
		if p := recover(); p != nil {
			s.Logger.Error("CRM webhook processing panicked",
				zap.String(logger.FieldIntegrationID, integrationID),
				zap.Any("panic", p),
			)
			record.Status = DeliveryFailed
			record.Error = "panic"
		}
		record.Duration = time.Since(started).Milliseconds()
		s.record(ctx, record)
	}()

	report, err := s.Processor.ProcessWebhook(ctx, delivery)
	if err != nil {
		s.Logger.Error("Failed to process CRM webhook",
			zap.String(logger.FieldIntegrationID, integrationID),
			zap.String(logger.FieldProvider, string(delivery.Integration.Provider)),
			zap.Error(err),
		)
		record.Status = DeliveryFailed
		record.Error = err.Error()
		return
	}

	record.Applied = report.Applied
	record.Duplicates = report.Duplicates
	record.Ignored = report.Ignored
	record.Failed = report.Failed
	if report.Failed > 0 {
		record.Status = DeliveryFailed
	}
	s.Logger.Debug("CRM webhook processed",
		zap.String(logger.FieldIntegrationID, integrationID),
		zap.Int("applied", report.Applied),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("ignored", report.Ignored),
		zap.Int("failed", report.Failed),
	)
}

func (s *IngressServiceImpl) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 30 * time.Second
	}
	return s.Timeout
}

func (s *IngressServiceImpl) record(ctx context.Context, d *Delivery) {
	if s.Repo == nil {
		return
	}
	if err := s.Repo.Create(context.WithoutCancel(ctx), d); err != nil {
		s.Logger.Warn("Failed to record webhook delivery", zap.Error(err))
	}
}

func (s *IngressServiceImpl) Deliveries(ctx context.Context, provider models.ProviderType, integrationID string, limit int64) ([]Delivery, error) {
	return s.Repo.List(ctx, provider, integrationID, limit)
}

func (s *IngressServiceImpl) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
