package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/config"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/logger"
	"go-crmsync/internal/secrets"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type IntegrationService interface {
	connectors.CredentialSource
	connectors.SettingsSink

	Create(ctx context.Context, in *Integration, creds secrets.Credentials) error
	CreateBinding(ctx context.Context, b *BotBinding) error
	Get(ctx context.Context, id string) (*Integration, error)
	List(ctx context.Context, tenantID string) ([]Integration, error)
	ListActiveByProvider(ctx context.Context, provider models.ProviderType) ([]Integration, error)
	ListBindings(ctx context.Context, integrationID string) ([]BotBinding, error)
	EligibleBindings(ctx context.Context, botID string) ([]Eligible, error)

	Connection(ctx context.Context, in *Integration, binding *BotBinding) (connectors.Connection, error)
	RetryPolicy(in *Integration) RetryPolicy

	RecordSyncStatus(ctx context.Context, id string, status models.SyncStatus, syncErr error) error
	Deactivate(ctx context.Context, id string, reason string) (bool, error)
	Activate(ctx context.Context, id string) error
}

type IntegrationServiceImpl struct {
	Repo     IntegrationRepository
	Bindings BindingRepository
	Cipher   *secrets.Cipher
	Config   *config.Config
	Logger   *zap.Logger
}

func NewIntegrationService(repo IntegrationRepository, bindings BindingRepository, cipher *secrets.Cipher, cfg *config.Config, log *zap.Logger) IntegrationService {
	return &IntegrationServiceImpl{
		Repo:     repo,
		Bindings: bindings,
		Cipher:   cipher,
		Config:   cfg,
		Logger:   log,
	}
}

// Create seals creds bound to the new integration id and stores the integration
func (s *IntegrationServiceImpl) Create(ctx context.Context, in *Integration, creds secrets.Credentials) error {
	if !in.Provider.Valid() {
		return fmt.Errorf("%w: %q", connectors.ErrProviderNotConfigured, in.Provider)
	}
	if in.ID.IsZero() {
		in.ID = primitive.NewObjectID()
	}

	sealed, err := s.Cipher.Seal(creds, in.ID.Hex())
	if err != nil {
		return err
	}
	in.Credentials = sealed
	in.IsActive = true

	return s.Repo.Create(ctx, in)
}

func (s *IntegrationServiceImpl) CreateBinding(ctx context.Context, b *BotBinding) error {
	if _, err := s.Repo.Get(ctx, b.IntegrationID.Hex()); err != nil {
		return fmt.Errorf("integration %s: %w", b.IntegrationID.Hex(), err)
	}
	return s.Bindings.Create(ctx, b)
}

func (s *IntegrationServiceImpl) Get(ctx context.Context, id string) (*Integration, error) {
	return s.Repo.Get(ctx, id)
}

func (s *IntegrationServiceImpl) List(ctx context.Context, tenantID string) ([]Integration, error) {
	return s.Repo.List(ctx, tenantID)
}

func (s *IntegrationServiceImpl) ListActiveByProvider(ctx context.Context, provider models.ProviderType) ([]Integration, error) {
	return s.Repo.ListActiveByProvider(ctx, provider)
}

func (s *IntegrationServiceImpl) ListBindings(ctx context.Context, integrationID string) ([]BotBinding, error) {
	return s.Bindings.ListByIntegration(ctx, integrationID)
}

// EligibleBindings returns the active bindings of botID whose integration is active too
func (s *IntegrationServiceImpl) EligibleBindings(ctx context.Context, botID string) ([]Eligible, error) {
	bindings, err := s.Bindings.ListByBot(ctx, botID)
	if err != nil {
		return nil, err
	}

	var out []Eligible
	for _, b := range bindings {
		if !b.IsActive {
			continue
		}
		in, err := s.Repo.Get(ctx, b.IntegrationID.Hex())
		if errors.Is(err, mongo.ErrNoDocuments) {
			s.Logger.Warn("Binding references a missing integration",
				zap.String(logger.FieldIntegrationID, b.IntegrationID.Hex()),
				zap.String("bot_id", botID),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("integration %s: %w", b.IntegrationID.Hex(), err)
		}
		if !in.IsActive {
			continue
		}
		out = append(out, Eligible{Integration: *in, Binding: b})
	}
	return out, nil
}

// LoadCredentials returns the decrypted credentials currently stored for id
func (s *IntegrationServiceImpl) LoadCredentials(ctx context.Context, id string) (secrets.Credentials, error) {
	in, err := s.Repo.Get(ctx, id)
	if err != nil {
		return secrets.Credentials{}, err
	}
	return s.reveal(in)
}

func (s *IntegrationServiceImpl) reveal(in *Integration) (secrets.Credentials, error) {
	if in.Credentials == "" {
		return secrets.Credentials{}, nil
	}
	return s.Cipher.Open(in.Credentials, in.ID.Hex())
}

func (s *IntegrationServiceImpl) SaveCredentials(ctx context.Context, id string, creds secrets.Credentials) error {
	sealed, err := s.Cipher.Seal(creds, id)
	if err != nil {
		return err
	}
	return s.Repo.SetCredentials(ctx, id, sealed)
}

func (s *IntegrationServiceImpl) MergeSettings(ctx context.Context, id string, values map[string]interface{}) error {
	return s.Repo.MergeSettings(ctx, id, values)
}

// Connection builds the adapter view of an integration. Unreadable credentials
// are a configuration error.
func (s *IntegrationServiceImpl) Connection(ctx context.Context, in *Integration, binding *BotBinding) (connectors.Connection, error) {
	creds, err := s.reveal(in)
	if err != nil {
		return connectors.Connection{}, connectors.ConfigError(in.Provider, "credentials", err)
	}

	settings := make(map[string]interface{}, len(in.Settings))
	for k, v := range in.Settings {
		settings[k] = v
	}

	conn := connectors.Connection{
		IntegrationID: in.ID.Hex(),
		TenantID:      in.TenantID,
		Provider:      in.Provider,
		BaseURL:       in.BaseURL,
		Settings:      settings,
		Credentials:   creds,
	}
	if binding != nil {
		conn.Binding = connectors.BindingSettings{
			BotID:             binding.BotID,
			LineID:            connectors.SettingString(binding.ConnectorSettings, "line_id"),
			PipelineID:        binding.PipelineID,
			StageID:           binding.StageID,
			ResponsibleUserID: binding.ResponsibleUserID,
			LeadSource:        binding.LeadSource,
		}
	}
	return conn, nil
}

// RetryPolicy applies the per-integration overrides in settings to the global defaults
func (s *IntegrationServiceImpl) RetryPolicy(in *Integration) RetryPolicy {
	policy := RetryPolicy{
		BaseDelay:   s.Config.RetryBaseDelay,
		MaxAttempts: s.Config.MaxAttempts,
	}
	if in == nil {
		return policy
	}
	if secs := connectors.SettingFloat(in.Settings, "retry_base_delay_seconds"); secs > 0 {
		policy.BaseDelay = time.Duration(secs * float64(time.Second))
	}
	if n := int(connectors.SettingFloat(in.Settings, "max_attempts")); n > 0 {
		policy.MaxAttempts = n
	}
	return policy
}

func (s *IntegrationServiceImpl) RecordSyncStatus(ctx context.Context, id string, status models.SyncStatus, syncErr error) error {
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	return s.Repo.SetSyncStatus(ctx, id, status, msg, time.Now())
}

func (s *IntegrationServiceImpl) Deactivate(ctx context.Context, id string, reason string) (bool, error) {
	changed, err := s.Repo.Deactivate(ctx, id, reason)
	if err != nil {
		return false, err
	}
	if changed {
		s.Logger.Warn("Integration deactivated",
			zap.String(logger.FieldIntegrationID, id),
			zap.String("reason", reason),
		)
	}
	return changed, nil
}

func (s *IntegrationServiceImpl) Activate(ctx context.Context, id string) error {
	if err := s.Repo.Activate(ctx, id); err != nil {
		return err
	}
	s.Logger.Info("Integration activated", zap.String(logger.FieldIntegrationID, id))
	return nil
}
