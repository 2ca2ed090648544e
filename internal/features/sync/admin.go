package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/connectors"
	"go-crmsync/internal/features/conversation"
	"go-crmsync/internal/features/integration"
	"go-crmsync/internal/features/ledger"
	"go-crmsync/internal/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxReportedErrors = 20

// ExportConversations replays the matching conversations of the integration's
// bots into that integration only
func (s *SyncServiceImpl) ExportConversations(ctx context.Context, integrationID string, filter ExportFilter) (*ExportReport, error) {
	in, err := s.Integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("integration %s: %w", integrationID, err)
	}
	if !in.IsActive {
		return nil, fmt.Errorf("integration %s is not active", integrationID)
	}

	bindings, err := s.Integrations.ListBindings(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	byBot := exportBindings(bindings, filter.BotIDs)
	if len(byBot) == 0 {
		return &ExportReport{}, nil
	}

	botIDs := make([]string, 0, len(byBot))
	for id := range byBot {
		botIDs = append(botIDs, id)
	}
	convs, err := s.Conversations.List(ctx, conversation.Filter{
		TenantID: in.TenantID,
		BotIDs:   botIDs,
		Range:    filter.Range,
		Limit:    filter.Limit,
	})
	if err != nil {
		return nil, err
	}

	report := &ExportReport{Total: len(convs)}
	opts := Options{IntegrationIDs: []string{integrationID}}
	var mu gosync.Mutex
	done := 0

	var g errgroup.Group
	g.SetLimit(s.concurrency())
	for i := range convs {
		conv := convs[i]
		g.Go(func() error {
			outcome, errMsg := s.exportOne(ctx, in, byBot[conv.BotID], &conv, opts, filter.SkipSynced)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeSuccess:
				report.Succeeded++
			case OutcomeSkipped:
				report.Skipped++
			default:
				report.Failed++
				if len(report.Errors) < maxReportedErrors {
					report.Errors = append(report.Errors, conv.ID.Hex()+": "+errMsg)
				}
			}
			done++
			if filter.Progress != nil {
				filter.Progress(done, report.Total)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.Logger.Info("Export finished",
		zap.String(logger.FieldIntegrationID, integrationID),
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func exportBindings(bindings []integration.BotBinding, botIDs []string) map[string]integration.BotBinding {
	wanted := map[string]bool{}
	for _, id := range botIDs {
		wanted[id] = true
	}

	out := map[string]integration.BotBinding{}
	for _, b := range bindings {
		if !b.IsActive || !b.Allows(models.ActionExport) {
			continue
		}
		if len(wanted) > 0 && !wanted[b.BotID] {
			continue
		}
		out[b.BotID] = b
	}
	return out
}

func (s *SyncServiceImpl) exportOne(ctx context.Context, in *integration.Integration, binding integration.BotBinding, conv *conversation.Conversation, opts Options, skipSynced bool) (Outcome, string) {
	convID := conv.ID.Hex()

	if skipSynced {
		_, err := s.Ledger.FindMapping(ctx, in.ID.Hex(), models.EntityLead, convID)
		if err == nil {
			return OutcomeSkipped, ""
		}
		if !errors.Is(err, ledger.ErrMappingNotFound) {
			return OutcomeFailed, err.Error()
		}
	}

	outcome := OutcomeSkipped
	var errs []string
	collect := func(res *Results, err error) {
		if errors.Is(err, ErrLocked) {
			return
		}
		if err != nil {
			errs = append(errs, err.Error())
			return
		}
		for _, r := range res.ByIntegration {
			switch r.Outcome {
			case OutcomeFailed:
				errs = append(errs, r.Error)
			case OutcomeSuccess:
				outcome = OutcomeSuccess
			}
		}
	}

	if binding.CreateLeads {
		collect(s.withLock(ctx, convID, models.ActionCreateLead, func() (*Results, error) {
			return s.CreateLead(ctx, convID, opts)
		}))
	}
	if binding.SyncConversations {
		collect(s.withLock(ctx, convID, models.ActionSyncConversation, func() (*Results, error) {
			return s.SyncConversation(ctx, convID, opts)
		}))
	}

	if len(errs) > 0 {
		return OutcomeFailed, strings.Join(errs, "; ")
	}
	return outcome, ""
}

// bindingFor returns the binding of botID to integrationID
func (s *SyncServiceImpl) bindingFor(ctx context.Context, integrationID, botID string) (*integration.BotBinding, error) {
	bindings, err := s.Integrations.ListBindings(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	for i := range bindings {
		if bindings[i].BotID == botID {
			return &bindings[i], nil
		}
	}
	return nil, ErrNotBound
}

// RegisterConnector registers the bot's chat connector in a chat-style CRM.
// Steps that already succeeded are skipped.
func (s *SyncServiceImpl) RegisterConnector(ctx context.Context, integrationID, botID string) (*connectors.RegistrationResult, error) {
	in, err := s.Integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("integration %s: %w", integrationID, err)
	}
	binding, err := s.bindingFor(ctx, integrationID, botID)
	if err != nil {
		return nil, err
	}

	adapter, conn, err := s.adapterFor(ctx, target{integration: *in, binding: binding})
	if err != nil {
		return nil, err
	}
	registrar, ok := adapter.(connectors.ConnectorRegistrar)
	if !ok {
		return nil, connectors.ConfigError(in.Provider, "register_connector", connectors.ErrUnsupported)
	}

	name := connectors.SettingString(binding.ConnectorSettings, "name")
	if name == "" {
		name = "Bot " + botID
	}
	reg := connectors.ConnectorRegistration{
		BotID:   botID,
		LineID:  conn.Binding.LineID,
		Name:    name,
		IconURL: connectors.SettingString(in.Settings, "connector_icon_url"),
		URL:     strings.TrimRight(s.PublicURL, "/") + "/webhooks/crm/" + string(in.Provider),
	}

	res, err := registrar.RegisterConnector(ctx, reg)
	entry := ledger.Entry{
		EntityType:    models.EntityConnector,
		Action:        models.ActionRegisterConnector,
		IntegrationID: integrationID,
		Provider:      in.Provider,
		Request:       reg,
		Response:      res,
		Status:        models.SyncStatusSuccess,
	}
	if res != nil {
		entry.RemoteID = res.ConnectorID
	}
	if err != nil {
		entry.Status = models.SyncStatusError
		entry.Error = err.Error()
		entry.ErrorKind = string(connectors.KindOf(err))
	}
	if lerr := s.Ledger.Record(ctx, entry); lerr != nil {
		s.Logger.Warn("Failed to record ledger entry", zap.String(logger.FieldIntegrationID, integrationID), zap.Error(lerr))
	}

	if err != nil {
		return res, err
	}
	s.Logger.Info("Connector registered",
		zap.String(logger.FieldIntegrationID, integrationID),
		zap.String("bot_id", botID),
		zap.Strings("completed", res.Completed),
		zap.Strings("skipped", res.Skipped),
	)
	return res, nil
}

// TestIntegration checks the credentials and counts what the account exposes
func (s *SyncServiceImpl) TestIntegration(ctx context.Context, integrationID string) (*TestReport, error) {
	in, err := s.Integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("integration %s: %w", integrationID, err)
	}
	adapter, _, err := s.adapterFor(ctx, target{integration: *in})
	if err != nil {
		return nil, err
	}

	if err := adapter.TestConnection(ctx); err != nil {
		return nil, err
	}

	report := &TestReport{IntegrationID: integrationID, Provider: in.Provider}
	if users, err := adapter.GetUsers(ctx); err == nil {
		report.Users = len(users)
	} else if !errors.Is(err, connectors.ErrUnsupported) {
		return report, err
	}
	if pipelines, err := adapter.GetPipelines(ctx); err == nil {
		report.Pipelines = len(pipelines)
	} else if !errors.Is(err, connectors.ErrUnsupported) {
		return report, err
	}
	return report, nil
}

// Introspect lists remote metadata: users, pipelines, stages of pipeline arg,
// or fields of entity type arg
func (s *SyncServiceImpl) Introspect(ctx context.Context, integrationID, kind, arg string) (interface{}, error) {
	in, err := s.Integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("integration %s: %w", integrationID, err)
	}
	adapter, _, err := s.adapterFor(ctx, target{integration: *in})
	if err != nil {
		return nil, err
	}

	switch kind {
	case "users":
		return adapter.GetUsers(ctx)
	case "pipelines":
		return adapter.GetPipelines(ctx)
	case "stages":
		return adapter.GetPipelineStages(ctx, arg)
	case "fields":
		if arg == "" {
			arg = string(models.EntityLead)
		}
		return adapter.GetFields(ctx, arg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownIntrospection, kind)
}
