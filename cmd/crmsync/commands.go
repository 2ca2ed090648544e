package main

import (
	"github.com/spf13/cobra"
)

func buildTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <integration-id>",
		Short: "Check credentials and connectivity of an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd, args[0])
		},
	}
}

func buildSyncCmd() *cobra.Command {
	var (
		action       string
		integrations []string
		wait         bool
		bots         []string
		tenant       string
		from         string
		to           string
		limit        int64
	)
	cmd := &cobra.Command{
		Use:   "sync [conversation-id]...",
		Short: "Run sync jobs for conversations",
		Long: `Queue one job per conversation and run them in this process.

Conversations are named by id or selected with --bot and a date range.
Jobs take the same per-conversation lock as the API workers, so a
conversation being processed elsewhere is reported as skipped.`,
		Example: `  # Push new messages of one conversation
  crmsync sync 65f1c2...

  # Create leads in a single integration and wait for retries
  crmsync sync 65f1c2... 65f1c3... --action create_lead --integration 65a0... --wait

  # Sync every conversation a bot had in March
  crmsync sync --bot support-bot --from 2024-03-01 --to 2024-04-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args, syncSelection{
				Bots:   bots,
				Tenant: tenant,
				From:   from,
				To:     to,
				Limit:  limit,
			}, action, integrations, wait)
		},
	}
	cmd.Flags().StringVar(&action, "action", "sync_conversation", "Action (sync_conversation, create_lead, create_deal)")
	cmd.Flags().StringSliceVar(&integrations, "integration", nil, "Limit to these integration IDs")
	cmd.Flags().BoolVar(&wait, "wait", false, "Keep running until queued retries finish")
	cmd.Flags().StringSliceVar(&bots, "bot", nil, "Select the conversations of these bots")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Only select conversations of this tenant")
	cmd.Flags().StringVar(&from, "from", "", "Start of the range (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "End of the range, exclusive (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().Int64Var(&limit, "limit", 0, "Maximum number of selected conversations (0 for all)")
	return cmd
}

func buildExportCmd() *cobra.Command {
	var (
		bots       []string
		from       string
		to         string
		limit      int64
		skipSynced bool
		showErrors int
	)
	cmd := &cobra.Command{
		Use:   "export <integration-id>",
		Short: "Export historical conversations to an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, args[0], bots, from, to, limit, skipSynced, showErrors)
		},
	}
	cmd.Flags().StringSliceVar(&bots, "bot", nil, "Only export conversations of these bots")
	cmd.Flags().StringVar(&from, "from", "", "Start of the range (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "End of the range, exclusive (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().Int64Var(&limit, "limit", 0, "Maximum number of conversations (0 for all)")
	cmd.Flags().BoolVar(&skipSynced, "skip-synced", true, "Skip conversations that already have a lead")
	cmd.Flags().IntVar(&showErrors, "show-errors", 10, "Number of failures to print")
	return cmd
}

func buildStatsCmd() *cobra.Command {
	var (
		integrationID string
		from          string
		to            string
		xlsxPath      string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show sync ledger statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, integrationID, from, to, xlsxPath)
		},
	}
	cmd.Flags().StringVar(&integrationID, "integration", "", "Only count entries of this integration")
	cmd.Flags().StringVar(&from, "from", "", "Start of the range (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "End of the range, exclusive (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Also write stats and recent entries to this spreadsheet")
	return cmd
}

func buildRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <integration-id> <bot-id>",
		Short: "Register a bot as a chat connector in the CRM",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(cmd, args[0], args[1])
		},
	}
}

func buildActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <integration-id>",
		Short: "Reactivate an integration disabled by the failure breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActivate(cmd, args[0])
		},
	}
}

func buildIntrospectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "introspect <integration-id> <users|pipelines|stages|fields> [arg]",
		Short: "List remote CRM objects used to configure mappings",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 3 {
				arg = args[2]
			}
			return runIntrospect(cmd, args[0], args[1], arg)
		},
	}
}
