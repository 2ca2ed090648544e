package cron_feature

import (
	"context"
	"errors"
	"net/http/httptest"
	gosync "sync"
	"testing"
	"time"

	"go-crmsync/internal/config"
	"go-crmsync/internal/features/integration"
	"go-crmsync/internal/features/job"
	sync_feature "go-crmsync/internal/features/sync"

	"github.com/gofiber/fiber/v2"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type MockIntegrations struct {
	Integrations []integration.Integration
}

func (m *MockIntegrations) List(ctx context.Context, tenantID string) ([]integration.Integration, error) {
	return m.Integrations, nil
}

func (m *MockIntegrations) Get(ctx context.Context, id string) (*integration.Integration, error) {
	for i := range m.Integrations {
		if m.Integrations[i].ID.Hex() == id {
			in := m.Integrations[i]
			return &in, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

func (m *MockIntegrations) add(active bool, settings map[string]interface{}) string {
	in := integration.Integration{ID: primitive.NewObjectID(), IsActive: active, Settings: settings}
	m.Integrations = append(m.Integrations, in)
	return in.ID.Hex()
}

type MockExporter struct {
	mu      gosync.Mutex
	Filters []sync_feature.ExportFilter
	Report  sync_feature.ExportReport
	Err     error
}

func (m *MockExporter) ExportConversations(ctx context.Context, integrationID string, filter sync_feature.ExportFilter) (*sync_feature.ExportReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Filters = append(m.Filters, filter)
	if m.Err != nil {
		return nil, m.Err
	}
	report := m.Report
	return &report, nil
}

type MockRuns struct {
	mu   gosync.Mutex
	Runs map[primitive.ObjectID]ExportRun
}

func (m *MockRuns) CreateRun(ctx context.Context, run *ExportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = primitive.NewObjectID()
	m.Runs[run.ID] = *run
	return nil
}

func (m *MockRuns) UpdateRun(ctx context.Context, run *ExportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Runs[run.ID] = *run
	return nil
}

func (m *MockRuns) ListRuns(ctx context.Context, integrationID string, limit int) ([]ExportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExportRun
	for _, r := range m.Runs {
		if r.IntegrationID == integrationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockRuns) EnsureIndexes(ctx context.Context) error { return nil }

type cronFixture struct {
	svc          *CronServiceImpl
	integrations *MockIntegrations
	exporter     *MockExporter
	runs         *MockRuns
	locker       *job.MemoryLocker
	now          time.Time
}

func newCronFixture(t *testing.T) *cronFixture {
	t.Helper()
	f := &cronFixture{
		integrations: &MockIntegrations{},
		exporter:     &MockExporter{},
		runs:         &MockRuns{Runs: map[primitive.ObjectID]ExportRun{}},
		locker:       job.NewMemoryLocker(),
		now:          time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC),
	}
	f.svc = newCronService(f.integrations, f.exporter, f.runs, f.locker, zap.NewNop())
	f.svc.now = func() time.Time { return f.now }
	f.svc.scheduler = cron.New()
	return f
}

func TestScheduleFor(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]interface{}
		wantErr  error
		want     Schedule
	}{
		{
			name:     "no schedule",
			settings: map[string]interface{}{},
			wantErr:  ErrNoSchedule,
		},
		{
			name:     "defaults",
			settings: map[string]interface{}{SettingExportSchedule: "0 3 * * *"},
			want:     Schedule{Spec: "0 3 * * *", Window: 24 * time.Hour, SkipSynced: true},
		},
		{
			name: "explicit options",
			settings: map[string]interface{}{
				SettingExportSchedule:   "*/30 * * * *",
				SettingExportWindow:     "2h",
				SettingExportSkipSynced: false,
				SettingExportBots:       "bot-1, bot-2",
			},
			want: Schedule{Spec: "*/30 * * * *", Window: 2 * time.Hour, BotIDs: []string{"bot-1", "bot-2"}},
		},
		{
			name: "bot ids from stored array",
			settings: map[string]interface{}{
				SettingExportSchedule: "@daily",
				SettingExportBots:     primitive.A{"bot-9"},
			},
			want: Schedule{Spec: "@daily", Window: 24 * time.Hour, SkipSynced: true, BotIDs: []string{"bot-9"}},
		},
		{
			name: "bad window",
			settings: map[string]interface{}{
				SettingExportSchedule: "@daily",
				SettingExportWindow:   "yesterday",
			},
			wantErr: ErrInvalidWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &integration.Integration{ID: primitive.NewObjectID(), Settings: tt.settings}
			got, err := scheduleFor(in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.want.IntegrationID = in.ID.Hex()
			assert.Equal(t, tt.want, *got)
		})
	}

	_, err := scheduleFor(&integration.Integration{Settings: map[string]interface{}{SettingExportSchedule: "every tuesday"}})
	assert.Error(t, err)
}

func TestReloadReconcilesSchedules(t *testing.T) {
	f := newCronFixture(t)
	daily := f.integrations.add(true, map[string]interface{}{SettingExportSchedule: "0 3 * * *"})
	f.integrations.add(false, map[string]interface{}{SettingExportSchedule: "0 3 * * *"})
	f.integrations.add(true, map[string]interface{}{SettingExportSchedule: "not a cron spec"})
	f.integrations.add(true, map[string]interface{}{})

	require.NoError(t, f.svc.Reload(context.Background()))
	schedules := f.svc.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, daily, schedules[0].IntegrationID)
	firstEntry := f.svc.entries[daily].id

	// unchanged settings keep the registered entry
	require.NoError(t, f.svc.Reload(context.Background()))
	assert.Equal(t, firstEntry, f.svc.entries[daily].id)

	f.integrations.Integrations[0].Settings[SettingExportSchedule] = "0 4 * * *"
	require.NoError(t, f.svc.Reload(context.Background()))
	assert.NotEqual(t, firstEntry, f.svc.entries[daily].id)
	assert.Equal(t, "0 4 * * *", f.svc.Schedules()[0].Spec)

	f.integrations.Integrations[0].IsActive = false
	require.NoError(t, f.svc.Reload(context.Background()))
	assert.Empty(t, f.svc.Schedules())
	assert.Len(t, f.svc.scheduler.Entries(), 0)
}

func TestExecuteUsesConfiguredWindow(t *testing.T) {
	f := newCronFixture(t)
	id := f.integrations.add(true, map[string]interface{}{
		SettingExportSchedule: "@hourly",
		SettingExportWindow:   "6h",
		SettingExportBots:     "bot-1",
	})
	f.exporter.Report = sync_feature.ExportReport{Total: 3, Succeeded: 3}

	run, err := f.svc.Execute(context.Background(), id)
	require.NoError(t, err)

	require.Len(t, f.exporter.Filters, 1)
	filter := f.exporter.Filters[0]
	assert.Equal(t, f.now.Add(-6*time.Hour), filter.Range.From)
	assert.Equal(t, f.now, filter.Range.To)
	assert.True(t, filter.SkipSynced)
	assert.Equal(t, []string{"bot-1"}, filter.BotIDs)

	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, "manual", run.Trigger)
	stored := f.runs.Runs[run.ID]
	assert.Equal(t, RunSucceeded, stored.Status)
	assert.Equal(t, 3, stored.Report.Succeeded)
	assert.False(t, f.locker.Held("export:"+id))
}

func TestExecuteFailures(t *testing.T) {
	t.Run("partial failure marks the run failed", func(t *testing.T) {
		f := newCronFixture(t)
		id := f.integrations.add(true, map[string]interface{}{SettingExportSchedule: "@hourly"})
		f.exporter.Report = sync_feature.ExportReport{Total: 4, Succeeded: 3, Failed: 1}

		run, err := f.svc.Execute(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, RunFailed, run.Status)
		assert.Equal(t, "1 of 4 conversations failed", run.Error)
	})

	t.Run("exporter error is returned and recorded", func(t *testing.T) {
		f := newCronFixture(t)
		id := f.integrations.add(true, map[string]interface{}{SettingExportSchedule: "@hourly"})
		f.exporter.Err = errors.New("integration inactive")

		run, err := f.svc.Execute(context.Background(), id)
		assert.Error(t, err)
		require.NotNil(t, run)
		assert.Equal(t, RunFailed, f.runs.Runs[run.ID].Status)
	})

	t.Run("concurrent export is refused", func(t *testing.T) {
		f := newCronFixture(t)
		id := f.integrations.add(true, map[string]interface{}{SettingExportSchedule: "@hourly"})
		lock, err := f.locker.Acquire(context.Background(), "export:"+id, time.Minute)
		require.NoError(t, err)
		defer lock.Release(context.Background())

		_, err = f.svc.Execute(context.Background(), id)
		assert.ErrorIs(t, err, ErrExportRunning)
		assert.Empty(t, f.exporter.Filters)
	})

	t.Run("no schedule", func(t *testing.T) {
		f := newCronFixture(t)
		id := f.integrations.add(true, map[string]interface{}{})

		_, err := f.svc.Execute(context.Background(), id)
		assert.ErrorIs(t, err, ErrNoSchedule)
	})
}

func TestExecuteExportEndpoint(t *testing.T) {
	f := newCronFixture(t)
	id := f.integrations.add(true, map[string]interface{}{SettingExportSchedule: "@hourly"})
	unscheduled := f.integrations.add(true, map[string]interface{}{})

	app := fiber.New()
	NewCronApi(NewCronController(f.svc), &config.Config{SkipAuth: true}).Setup(app)

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"runs", id, fiber.StatusOK},
		{"not scheduled", unscheduled, fiber.StatusUnprocessableEntity},
		{"unknown integration", primitive.NewObjectID().Hex(), fiber.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("POST", "/api/crm/integrations/"+tt.id+"/export-runs", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
