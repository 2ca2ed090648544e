package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"go-crmsync/internal/common/models"
	"go-crmsync/internal/features/conversation"
	"go-crmsync/internal/features/job"
	"go-crmsync/internal/features/ledger"
	sync_feature "go-crmsync/internal/features/sync"

	"github.com/spf13/cobra"
)

func runTest(cmd *cobra.Command, integrationID string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	report, err := env.sync.TestIntegration(cmd.Context(), integrationID)
	if err != nil {
		return fmt.Errorf("integration %s failed: %w", integrationID, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Integration %s (%s) is reachable\n", report.IntegrationID, report.Provider)
	fmt.Fprintf(out, "  users:     %d\n", report.Users)
	fmt.Fprintf(out, "  pipelines: %d\n", report.Pipelines)
	return nil
}

// syncSelection picks conversations by filter when no ids are given
type syncSelection struct {
	Bots   []string
	Tenant string
	From   string
	To     string
	Limit  int64
}

func (sel syncSelection) empty() bool {
	return len(sel.Bots) == 0 && sel.Tenant == "" && sel.From == "" && sel.To == ""
}

type conversationLister interface {
	List(ctx context.Context, filter conversation.Filter) ([]conversation.Conversation, error)
}

// selectConversations returns ids as given, or the ids of the conversations matching sel
func selectConversations(ctx context.Context, lister conversationLister, ids []string, sel syncSelection) ([]string, error) {
	if len(ids) > 0 {
		if !sel.empty() {
			return nil, errors.New("conversation ids cannot be combined with --bot, --tenant, --from or --to")
		}
		return ids, nil
	}
	if sel.empty() {
		return nil, errors.New("name conversation ids or select them with --bot, --tenant, --from or --to")
	}

	dateRange, err := ledger.ParseRange(sel.From, sel.To)
	if err != nil {
		return nil, fmt.Errorf("invalid range: %w", err)
	}
	convs, err := lister.List(ctx, conversation.Filter{
		TenantID: sel.Tenant,
		BotIDs:   sel.Bots,
		Range:    dateRange,
		Limit:    sel.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.ID.Hex())
	}
	return out, nil
}

// jobProgress prints how many of total jobs reached a final state
func jobProgress(w io.Writer, total int) func(job.Outcome) {
	finished := map[string]bool{}
	return func(o job.Outcome) {
		if o.State == job.StateFailedRetryable {
			return
		}
		finished[o.Job.ID] = true
		fmt.Fprintf(w, "\rsynced %d/%d", len(finished), total)
	}
}

func runSync(cmd *cobra.Command, conversationIDs []string, sel syncSelection, action string, integrationIDs []string, wait bool) error {
	syncAction := models.SyncAction(action)
	if !syncAction.IsJobAction() {
		return fmt.Errorf("unknown action %q", action)
	}
	if len(conversationIDs) == 0 && sel.empty() {
		return errors.New("name conversation ids or select them with --bot, --tenant, --from or --to")
	}

	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	ctx := cmd.Context()
	ids, err := selectConversations(ctx, env.conversations, conversationIDs, sel)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no conversations matched")
		return nil
	}

	for _, id := range ids {
		if _, err := env.coordinator.Submit(ctx, syncAction, id, sync_feature.Options{IntegrationIDs: integrationIDs}); err != nil {
			return fmt.Errorf("failed to queue %s: %w", id, err)
		}
	}

	progress := cmd.ErrOrStderr()
	outcomes := env.coordinator.Drain(ctx, wait, jobProgress(progress, len(ids)))
	fmt.Fprintln(progress)
	final := finalOutcomes(outcomes)
	printOutcomes(cmd.OutOrStdout(), final)

	failed := 0
	for _, o := range final {
		if o.State == job.StateFailedTerminal || o.State == job.StateFailedRetryable {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(final))
	}
	return nil
}

// finalOutcomes keeps the latest outcome per job in submission order
func finalOutcomes(outcomes []job.Outcome) []job.Outcome {
	index := map[string]int{}
	var final []job.Outcome
	for _, o := range outcomes {
		if i, ok := index[o.Job.ID]; ok {
			final[i] = o
			continue
		}
		index[o.Job.ID] = len(final)
		final = append(final, o)
	}
	return final
}

func printOutcomes(out io.Writer, outcomes []job.Outcome) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tACTION\tSTATE\tATTEMPT\tDETAIL")
	for _, o := range outcomes {
		detail := o.Error
		if detail == "" && o.Results != nil {
			detail = summarizeResults(o.Results)
		}
		if o.RetryAt != nil {
			detail = fmt.Sprintf("retry at %s; %s", o.RetryAt.Format("15:04:05"), detail)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", o.Job.ConversationID, o.Job.Action, o.State, o.Job.Attempt, detail)
	}
	w.Flush()
}

func summarizeResults(results *sync_feature.Results) string {
	if results.AlreadyLinked {
		return "already linked"
	}
	ids := make([]string, 0, len(results.ByIntegration))
	for id := range results.ByIntegration {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summary := ""
	for _, id := range ids {
		r := results.ByIntegration[id]
		if summary != "" {
			summary += ", "
		}
		summary += fmt.Sprintf("%s:%s", r.Provider, r.Outcome)
		if r.Error != "" {
			summary += " (" + r.Error + ")"
		}
	}
	return summary
}

func runExport(cmd *cobra.Command, integrationID string, bots []string, from, to string, limit int64, skipSynced bool, showErrors int) error {
	dateRange, err := ledger.ParseRange(from, to)
	if err != nil {
		return fmt.Errorf("invalid range: %w", err)
	}

	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	progress := cmd.ErrOrStderr()
	report, err := env.sync.ExportConversations(cmd.Context(), integrationID, sync_feature.ExportFilter{
		BotIDs:     bots,
		Range:      dateRange,
		Limit:      limit,
		SkipSynced: skipSynced,
		Progress: func(done, total int) {
			fmt.Fprintf(progress, "\rexported %d/%d", done, total)
		},
	})
	fmt.Fprintln(progress)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "total %d, succeeded %d, skipped %d, failed %d\n", report.Total, report.Succeeded, report.Skipped, report.Failed)
	for i, msg := range report.Errors {
		if i >= showErrors {
			fmt.Fprintf(out, "  ... %d more\n", len(report.Errors)-showErrors)
			break
		}
		fmt.Fprintf(out, "  %s\n", msg)
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d conversations failed to export", report.Failed)
	}
	return nil
}

func runStats(cmd *cobra.Command, integrationID, from, to, xlsxPath string) error {
	dateRange, err := ledger.ParseRange(from, to)
	if err != nil {
		return fmt.Errorf("invalid range: %w", err)
	}

	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	filter := ledger.StatsFilter{IntegrationID: integrationID, Range: dateRange}
	stats, err := env.ledger.Stats(cmd.Context(), filter)
	if err != nil {
		return err
	}
	ledger.SortStats(stats)

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tACTION\tSTATUS\tCOUNT")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.EntityType, s.Action, s.Status, s.Count)
	}
	w.Flush()

	totals := ledger.Totals(stats)
	fmt.Fprintf(out, "\nsuccess %d, error %d\n", totals[models.SyncStatusSuccess], totals[models.SyncStatusError])

	if xlsxPath == "" {
		return nil
	}

	entries, err := env.ledger.Recent(cmd.Context(), filter, 1000)
	if err != nil {
		return err
	}
	data, err := ledger.ExportXLSX(stats, entries)
	if err != nil {
		return err
	}
	if err := os.WriteFile(xlsxPath, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", xlsxPath)
	return nil
}

func runRegister(cmd *cobra.Command, integrationID, botID string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	result, err := env.sync.RegisterConnector(cmd.Context(), integrationID, botID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "connector %s bound to line %s\n", result.ConnectorID, result.LineID)
	for _, step := range result.Completed {
		fmt.Fprintf(out, "  done     %s\n", step)
	}
	for _, step := range result.Skipped {
		fmt.Fprintf(out, "  skipped  %s\n", step)
	}
	return nil
}

func runActivate(cmd *cobra.Command, integrationID string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.breaker.Reactivate(cmd.Context(), integrationID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "integration %s activated\n", integrationID)
	return nil
}

func runIntrospect(cmd *cobra.Command, integrationID, kind, arg string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	result, err := env.sync.Introspect(cmd.Context(), integrationID, kind, arg)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
