package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kriegcloud/kgforge/cmd/kgforge/commands"
	"github.com/kriegcloud/kgforge/logger"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "kgforge",
	Short: "kgforge - Document batches in, knowledge graphs out",
	Long: `kgforge - Batch document extraction into ontology-grounded knowledge graphs.

kgforge turns document batches into validated triples: an LLM extraction
pipeline feeds a cross-batch entity resolver and a triple store, driven
by a durable workflow engine that survives restarts.

Available commands:
  batch    - Submit and manage batch extraction workflows
  registry - Inspect the canonical entity registry
  db       - Manage kgforge database operations
  serve    - Start the daemon (workers + REST + WebSocket)
  version  - Show version information

Examples:
  kgforge batch submit manifest.yaml   # Submit a batch for extraction
  kgforge batch ls                     # List batch executions
  kgforge registry stats               # Show canonical entity statistics
  kgforge db stats                     # Show database statistics
  kgforge serve                        # Start the daemon`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize global logger before any command runs
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit JSON logs instead of console output")

	// Add commands
	rootCmd.AddCommand(commands.BatchCmd)
	rootCmd.AddCommand(commands.RegistryCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
