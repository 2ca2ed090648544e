package ledger

import (
	"context"
	"sort"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/logger"
	"go-crmsync/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type LedgerService interface {
	Record(ctx context.Context, entry Entry) error
	Stats(ctx context.Context, filter StatsFilter) ([]Stat, error)
	Recent(ctx context.Context, filter StatsFilter, limit int64) ([]Entry, error)

	Link(ctx context.Context, m EntityMapping) error
	FindMapping(ctx context.Context, integrationID string, entityType models.EntityType, localID string) (*EntityMapping, error)
	FindByRemote(ctx context.Context, integrationID string, entityType models.EntityType, remoteID string) (*EntityMapping, error)
	MappedLocalIDs(ctx context.Context, integrationID string, entityType models.EntityType, localIDs []string) (map[string]string, error)

	EnsureSchema(ctx context.Context) error
}

type LedgerServiceImpl struct {
	Repo   LedgerRepository
	Logger *zap.Logger
}

func NewLedgerService(repo LedgerRepository, log *zap.Logger) LedgerService {
	return &LedgerServiceImpl{
		Repo:   repo,
		Logger: log,
	}
}

// Record appends one attempt to the ledger
func (s *LedgerServiceImpl) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Direction == "" {
		entry.Direction = models.DirectionOutbound
	}

	metrics.SyncAttemptsTotal.WithLabelValues(string(entry.Provider), string(entry.Action), string(entry.Status)).Inc()

	if err := s.Repo.Insert(ctx, &entry); err != nil {
		s.Logger.Error("Failed to write ledger entry",
			zap.String(logger.FieldIntegrationID, entry.IntegrationID),
			zap.String(logger.FieldConversationID, entry.ConversationID),
			zap.String(logger.FieldAction, string(entry.Action)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *LedgerServiceImpl) Stats(ctx context.Context, filter StatsFilter) ([]Stat, error) {
	return s.Repo.Stats(ctx, filter)
}

func (s *LedgerServiceImpl) Recent(ctx context.Context, filter StatsFilter, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.Repo.Recent(ctx, filter, limit)
}

func (s *LedgerServiceImpl) Link(ctx context.Context, m EntityMapping) error {
	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = time.Now()
	}
	return s.Repo.UpsertMapping(ctx, &m)
}

func (s *LedgerServiceImpl) FindMapping(ctx context.Context, integrationID string, entityType models.EntityType, localID string) (*EntityMapping, error) {
	return s.Repo.FindMapping(ctx, integrationID, entityType, localID)
}

func (s *LedgerServiceImpl) FindByRemote(ctx context.Context, integrationID string, entityType models.EntityType, remoteID string) (*EntityMapping, error) {
	return s.Repo.FindByRemote(ctx, integrationID, entityType, remoteID)
}

func (s *LedgerServiceImpl) MappedLocalIDs(ctx context.Context, integrationID string, entityType models.EntityType, localIDs []string) (map[string]string, error) {
	return s.Repo.MappedLocalIDs(ctx, integrationID, entityType, localIDs)
}

func (s *LedgerServiceImpl) EnsureSchema(ctx context.Context) error {
	return s.Repo.EnsureSchema(ctx)
}

// Totals sums stats per status
func Totals(stats []Stat) map[models.SyncStatus]int64 {
	out := map[models.SyncStatus]int64{}
	for _, s := range stats {
		out[s.Status] += s.Count
	}
	return out
}

// SortStats orders stats by entity type, action and status
func SortStats(stats []Stat) {
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		return a.Status < b.Status
	})
}
