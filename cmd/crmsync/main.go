// Command crmsync runs CRM synchronization operations against the platform
// database without the HTTP server.
//
//	crmsync test <integration-id>
//	crmsync sync <conversation-id>... --action create_lead
//	crmsync export <integration-id> --from 2026-01-01 --skip-synced
//	crmsync stats --xlsx stats.xlsx
//	crmsync register <integration-id> <bot-id>
//	crmsync activate <integration-id>
//
// Configuration comes from the same environment variables (or .env) as the API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crmsync",
		Short: "CRM synchronization engine operations",
		Long: `Run CRM synchronization operations from the command line.

Supported providers: Bitrix24, amoCRM, Avito`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildTestCmd(),
		buildSyncCmd(),
		buildExportCmd(),
		buildStatsCmd(),
		buildRegisterCmd(),
		buildActivateCmd(),
		buildIntrospectCmd(),
	)

	return rootCmd
}
