package cron_feature

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/features/integration"
	"go-crmsync/internal/features/job"
	sync_feature "go-crmsync/internal/features/sync"
	"go-crmsync/internal/logger"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

var (
	ErrNoSchedule     = errors.New("integration has no export schedule")
	ErrExportRunning  = errors.New("export already running")
	ErrInvalidWindow  = errors.New("invalid export window")
	errNotInitialized = errors.New("scheduler not initialized")
)

const (
	exportLockTTL  = time.Hour
	reloadInterval = "@every 5m"
)

// IntegrationLister is the slice of the integration service the scheduler reads
type IntegrationLister interface {
	List(ctx context.Context, tenantID string) ([]integration.Integration, error)
	Get(ctx context.Context, id string) (*integration.Integration, error)
}

type Exporter interface {
	ExportConversations(ctx context.Context, integrationID string, filter sync_feature.ExportFilter) (*sync_feature.ExportReport, error)
}

type CronService interface {
	InitializeScheduler(ctx context.Context) error
	StopScheduler() error
	// Reload re-reads integration settings and reconciles registered schedules
	Reload(ctx context.Context) error
	Schedules() []Schedule
	Execute(ctx context.Context, integrationID string) (*ExportRun, error)
	GetRuns(ctx context.Context, integrationID string, limit int) ([]ExportRun, error)
}

type entry struct {
	id       cron.EntryID
	schedule Schedule
}

type CronServiceImpl struct {
	Integrations IntegrationLister
	Exporter     Exporter
	Runs         RunRepository
	Locker       job.Locker
	Logger       *zap.Logger

	now       func() time.Time
	scheduler *cron.Cron
	entries   map[string]entry
	lastRun   map[string]time.Time
	mu        gosync.RWMutex
}

func NewCronService(
	integrations integration.IntegrationService,
	exporter sync_feature.SyncService,
	runs RunRepository,
	locker job.Locker,
	log *zap.Logger,
) CronService {
	return newCronService(integrations, exporter, runs, locker, log)
}

func newCronService(integrations IntegrationLister, exporter Exporter, runs RunRepository, locker job.Locker, log *zap.Logger) *CronServiceImpl {
	return &CronServiceImpl{
		Integrations: integrations,
		Exporter:     exporter,
		Runs:         runs,
		Locker:       locker,
		Logger:       log,
		now:          time.Now,
		entries:      make(map[string]entry),
		lastRun:      make(map[string]time.Time),
	}
}

func (s *CronServiceImpl) InitializeScheduler(ctx context.Context) error {
	s.Logger.Info("Initializing export scheduler")

	s.mu.Lock()
	s.scheduler = cron.New()
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load export schedules: %w", err)
	}

	if _, err := s.scheduler.AddFunc(reloadInterval, func() {
		if err := s.Reload(context.Background()); err != nil {
			s.Logger.Warn("Failed to reload export schedules", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	s.scheduler.Start()
	return nil
}

func (s *CronServiceImpl) StopScheduler() error {
	s.mu.RLock()
	scheduler := s.scheduler
	s.mu.RUnlock()

	if scheduler != nil {
		ctx := scheduler.Stop()
		<-ctx.Done()
	}
	return nil
}

func (s *CronServiceImpl) Reload(ctx context.Context) error {
	integrations, err := s.Integrations.List(ctx, "")
	if err != nil {
		return err
	}

	wanted := make(map[string]Schedule)
	for i := range integrations {
		in := &integrations[i]
		if !in.IsActive {
			continue
		}
		schedule, err := scheduleFor(in)
		if errors.Is(err, ErrNoSchedule) {
			continue
		}
		if err != nil {
			s.Logger.Warn("Ignoring invalid export schedule",
				zap.String(logger.FieldIntegrationID, in.ID.Hex()),
				zap.Error(err),
			)
			continue
		}
		wanted[schedule.IntegrationID] = *schedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler == nil {
		return errNotInitialized
	}

	for id, existing := range s.entries {
		schedule, keep := wanted[id]
		if keep && sameSchedule(existing.schedule, schedule) {
			delete(wanted, id)
			continue
		}
		s.scheduler.Remove(existing.id)
		delete(s.entries, id)
	}

	for id, schedule := range wanted {
		integrationID := id
		entryID, err := s.scheduler.AddFunc(schedule.Spec, func() {
			if _, err := s.run(context.Background(), integrationID, "schedule"); err != nil && !errors.Is(err, ErrExportRunning) {
				s.Logger.Error("Scheduled export failed",
					zap.String(logger.FieldIntegrationID, integrationID),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			s.Logger.Warn("Failed to register export schedule",
				zap.String(logger.FieldIntegrationID, integrationID),
				zap.Error(err),
			)
			continue
		}
		s.entries[integrationID] = entry{id: entryID, schedule: schedule}
	}

	return nil
}

// Schedules lists registered exports ordered by integration ID
func (s *CronServiceImpl) Schedules() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Schedule, 0, len(s.entries))
	for id, e := range s.entries {
		schedule := e.schedule
		if s.scheduler != nil {
			if next := s.scheduler.Entry(e.id).Next; !next.IsZero() {
				schedule.NextRun = &next
			}
		}
		if last, ok := s.lastRun[id]; ok {
			schedule.LastRun = &last
		}
		out = append(out, schedule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntegrationID < out[j].IntegrationID })
	return out
}

// Execute runs the export of integrationID immediately
func (s *CronServiceImpl) Execute(ctx context.Context, integrationID string) (*ExportRun, error) {
	return s.run(ctx, integrationID, "manual")
}

func (s *CronServiceImpl) run(ctx context.Context, integrationID, trigger string) (*ExportRun, error) {
	in, err := s.Integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	schedule, err := scheduleFor(in)
	if err != nil {
		return nil, err
	}

	lock, err := s.Locker.Acquire(ctx, "export:"+integrationID, exportLockTTL)
	if errors.Is(err, job.ErrLocked) {
		return nil, ErrExportRunning
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Warn("Failed to release export lock", zap.String(logger.FieldIntegrationID, integrationID), zap.Error(err))
		}
	}()

	startTime := s.now()
	run := &ExportRun{
		IntegrationID: integrationID,
		Trigger:       trigger,
		StartTime:     startTime,
		Status:        RunRunning,
		From:          startTime.Add(-schedule.Window),
		To:            startTime,
	}

	if err := s.Runs.CreateRun(ctx, run); err != nil {
		s.Logger.Warn("Failed to create export run", zap.String(logger.FieldIntegrationID, integrationID), zap.Error(err))
	}

	report, execErr := s.Exporter.ExportConversations(ctx, integrationID, sync_feature.ExportFilter{
		BotIDs:     schedule.BotIDs,
		Range:      models.DateRange{From: run.From, To: run.To},
		SkipSynced: schedule.SkipSynced,
	})

	endTime := s.now()
	run.EndTime = &endTime
	run.Report = report
	run.Status = RunSucceeded
	if execErr != nil {
		run.Status = RunFailed
		run.Error = execErr.Error()
	} else if report != nil && report.Failed > 0 {
		run.Status = RunFailed
		run.Error = fmt.Sprintf("%d of %d conversations failed", report.Failed, report.Total)
	}

	if err := s.Runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		s.Logger.Warn("Failed to update export run", zap.String(logger.FieldIntegrationID, integrationID), zap.Error(err))
	}

	s.mu.Lock()
	s.lastRun[integrationID] = startTime
	s.mu.Unlock()

	s.Logger.Info("Export finished",
		zap.String(logger.FieldIntegrationID, integrationID),
		zap.String("trigger", trigger),
		zap.String("status", string(run.Status)),
	)

	return run, execErr
}

func (s *CronServiceImpl) GetRuns(ctx context.Context, integrationID string, limit int) ([]ExportRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.Runs.ListRuns(ctx, integrationID, limit)
}

// scheduleFor reads the export settings of in
func scheduleFor(in *integration.Integration) (*Schedule, error) {
	spec := strings.TrimSpace(connectors.SettingString(in.Settings, SettingExportSchedule))
	if spec == "" {
		return nil, ErrNoSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	window := defaultExportWindow
	if raw := connectors.SettingString(in.Settings, SettingExportWindow); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidWindow, raw)
		}
		window = parsed
	}

	skipSynced := true
	if _, ok := in.Settings[SettingExportSkipSynced]; ok {
		skipSynced = connectors.SettingBool(in.Settings, SettingExportSkipSynced)
	}

	return &Schedule{
		IntegrationID: in.ID.Hex(),
		Spec:          spec,
		Window:        window,
		SkipSynced:    skipSynced,
		BotIDs:        botIDs(in.Settings[SettingExportBots]),
	}, nil
}

func botIDs(v interface{}) []string {
	var out []string
	switch t := v.(type) {
	case string:
		for _, id := range strings.Split(t, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	case []string:
		out = append(out, t...)
	case primitive.A:
		return botIDs([]interface{}(t))
	case []interface{}:
		for _, id := range t {
			if s, ok := id.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func sameSchedule(a, b Schedule) bool {
	if a.Spec != b.Spec || a.Window != b.Window || a.SkipSynced != b.SkipSynced || len(a.BotIDs) != len(b.BotIDs) {
		return false
	}
	for i := range a.BotIDs {
		if a.BotIDs[i] != b.BotIDs[i] {
			return false
		}
	}
	return true
}
