package breaker

import (
	"context"
	"fmt"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"
	"go-crmsync/internal/logger"
	"go-crmsync/internal/metrics"

	"go.uber.org/zap"
)

// Deactivator switches integrations on and off
type Deactivator interface {
	Deactivate(ctx context.Context, id string, reason string) (bool, error)
	Activate(ctx context.Context, id string) error
}

type BreakerService interface {
	// RecordFailure counts one failed attempt and reports whether it tripped the breaker
	RecordFailure(ctx context.Context, integrationID string, provider models.ProviderType) (bool, error)
	Reactivate(ctx context.Context, integrationID string) error
}

type BreakerServiceImpl struct {
	Window       Window
	Integrations Deactivator
	Alerts       AlertRepository
	Threshold    int64
	Period       time.Duration
	Logger       *zap.Logger
	now          func() time.Time
}

func NewBreakerService(window Window, integrations Deactivator, alerts AlertRepository, cfg *config.Config, log *zap.Logger) BreakerService {
	return &BreakerServiceImpl{
		Window:       window,
		Integrations: integrations,
		Alerts:       alerts,
		Threshold:    int64(cfg.BreakerThreshold),
		Period:       cfg.BreakerWindow,
		Logger:       log,
		now:          time.Now,
	}
}

func (s *BreakerServiceImpl) RecordFailure(ctx context.Context, integrationID string, provider models.ProviderType) (bool, error) {
	count, err := s.Window.Add(ctx, integrationID, s.now(), s.Period)
	if err != nil {
		return false, fmt.Errorf("failed to record failure: %w", err)
	}
	if count <= s.Threshold {
		return false, nil
	}

	reason := fmt.Sprintf("%d failures within %s", count, s.Period)
	changed, err := s.Integrations.Deactivate(ctx, integrationID, reason)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate integration: %w", err)
	}
	if !changed {
		return false, nil
	}

	metrics.BreakerTripsTotal.WithLabelValues(string(provider)).Inc()
	s.Logger.Error("Integration deactivated after repeated failures",
		zap.String(logger.FieldIntegrationID, integrationID),
		zap.String(logger.FieldProvider, string(provider)),
		zap.Int64("failures", count),
		zap.Duration("window", s.Period),
	)

	if s.Alerts != nil {
		alert := &Alert{
			IntegrationID: integrationID,
			Provider:      provider,
			Reason:        reason,
			Failures:      count,
			Window:        s.Period.String(),
			CreatedAt:     s.now(),
		}
		if err := s.Alerts.Create(ctx, alert); err != nil {
			s.Logger.Warn("Failed to store breaker alert", zap.String(logger.FieldIntegrationID, integrationID), zap.Error(err))
		}
	}
	return true, nil
}

// Reactivate clears the failure window and turns the integration back on
func (s *BreakerServiceImpl) Reactivate(ctx context.Context, integrationID string) error {
	if err := s.Window.Reset(ctx, integrationID); err != nil {
		return err
	}
	return s.Integrations.Activate(ctx, integrationID)
}
