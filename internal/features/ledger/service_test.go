package ledger

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"go-crmsync/internal/common/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

func TestRecordFillsDefaults(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewLedgerService(repo, zap.NewNop())

	require.NoError(t, svc.Record(context.Background(), Entry{
		EntityType:    models.EntityLead,
		Action:        models.ActionCreateLead,
		IntegrationID: "i1",
		Provider:      models.ProviderBitrix24,
		Status:        models.SyncStatusSuccess,
	}))

	entries := repo.Entries()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].CreatedAt.IsZero())
	assert.Equal(t, models.DirectionOutbound, entries[0].Direction)
}

func TestStatsAggregates(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewLedgerService(repo, zap.NewNop())
	ctx := context.Background()
	day := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	record := func(integrationID string, action models.SyncAction, status models.SyncStatus, at time.Time) {
		require.NoError(t, svc.Record(ctx, Entry{
			EntityType:    models.EntityLead,
			Action:        action,
			IntegrationID: integrationID,
			Status:        status,
			CreatedAt:     at,
		}))
	}
	record("i1", models.ActionCreateLead, models.SyncStatusSuccess, day)
	record("i1", models.ActionCreateLead, models.SyncStatusSuccess, day)
	record("i1", models.ActionCreateLead, models.SyncStatusError, day)
	record("i2", models.ActionCreateLead, models.SyncStatusSuccess, day)
	record("i1", models.ActionCreateLead, models.SyncStatusSuccess, day.AddDate(0, 0, -10))

	stats, err := svc.Stats(ctx, StatsFilter{
		IntegrationID: "i1",
		Range:         models.DateRange{From: day.Add(-time.Hour), To: day.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, models.SyncStatusError, stats[0].Status)
	assert.Equal(t, int64(1), stats[0].Count)
	assert.Equal(t, int64(2), stats[1].Count)

	totals := Totals(stats)
	assert.Equal(t, int64(2), totals[models.SyncStatusSuccess])
	assert.Equal(t, int64(1), totals[models.SyncStatusError])
}

func TestEntityMapLookups(t *testing.T) {
	svc := NewLedgerService(NewMemoryRepository(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, svc.Link(ctx, EntityMapping{IntegrationID: "i1", EntityType: models.EntityLead, LocalID: "c1", RemoteID: "L-1"}))
	require.NoError(t, svc.Link(ctx, EntityMapping{IntegrationID: "i1", EntityType: models.EntityLead, LocalID: "c1", RemoteID: "L-2"}))

	m, err := svc.FindMapping(ctx, "i1", models.EntityLead, "c1")
	require.NoError(t, err)
	assert.Equal(t, "L-2", m.RemoteID)

	m, err = svc.FindByRemote(ctx, "i1", models.EntityLead, "L-2")
	require.NoError(t, err)
	assert.Equal(t, "c1", m.LocalID)

	_, err = svc.FindMapping(ctx, "i2", models.EntityLead, "c1")
	assert.ErrorIs(t, err, ErrMappingNotFound)

	ids, err := svc.MappedLocalIDs(ctx, "i1", models.EntityLead, []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c1": "L-2"}, ids)
}

func TestEntryFilter(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter StatsFilter
		want   bson.M
	}{
		{"Empty", StatsFilter{}, bson.M{}},
		{"Integration", StatsFilter{IntegrationID: "i1"}, bson.M{"integration_id": "i1"}},
		{"From only", StatsFilter{Range: models.DateRange{From: from}}, bson.M{"created_at": bson.M{"$gte": from}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, entryFilter(tt.filter))
		})
	}
}

func TestStatsQuery(t *testing.T) {
	query, args := statsQuery(StatsFilter{IntegrationID: "i1"})

	assert.Contains(t, query, "COUNT(*) AS count")
	assert.Contains(t, query, "integration_id = $1")
	assert.Contains(t, query, "GROUP BY entity_type, action, status")
	assert.Equal(t, []interface{}{"i1"}, args)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2025-03-14", time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), false},
		{"2025-03-14T10:00:00Z", time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got))
		})
	}
}

func TestGetStatsEndpoint(t *testing.T) {
	svc := NewLedgerService(NewMemoryRepository(), zap.NewNop())
	ctrl := NewLedgerController(svc)
	app := fiber.New()
	app.Get("/stats", ctrl.GetStats)

	resp, err := app.Test(httptest.NewRequest("GET", "/stats?from=2025-01-01", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/stats?from=soon", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
