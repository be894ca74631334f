package commands

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/events"
	"github.com/kriegcloud/kgforge/logger"
	"github.com/kriegcloud/kgforge/store"
)

// BatchCmd represents the batch command - extraction workflow operations
var BatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage batch extraction workflows",
	Long: `Batch extraction - submit document batches and manage their workflows.

A batch is described by a manifest: the ontology to extract against, the
target namespace for minted IRIs, and the documents to process. Each
submission becomes a durable workflow execution that survives restarts.

Workflow commands:
  kgforge batch submit <manifest>   # Submit a batch manifest
  kgforge batch ls                  # List batch executions
  kgforge batch status <id>         # Show execution details
  kgforge batch pause <id>          # Suspend a running execution
  kgforge batch resume <id>         # Resume a suspended execution
  kgforge batch cancel <id>         # Cancel an execution`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// BatchSubmitCmd submits a batch manifest
var BatchSubmitCmd = &cobra.Command{
	Use:   "submit <manifest.yaml>",
	Short: "Submit a batch manifest for extraction",
	Long: `Validate a batch manifest and enqueue its extraction workflow.

Submission is idempotent: resubmitting the same manifest content under
the same batch ID lands on the existing execution instead of creating a
duplicate. A suspended execution is resumed.

By default the workflow is enqueued for a running 'kgforge serve'
daemon. With --wait the batch runs in-process and the command blocks
until the workflow settles.

Examples:
  kgforge batch submit manifest.yaml                   # Enqueue for the daemon
  kgforge batch submit manifest.yaml --wait            # Run in-process
  kgforge batch submit manifest.yaml --batch-id b_q3   # Pin the batch ID`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchID, _ := cmd.Flags().GetString("batch-id")
		wait, _ := cmd.Flags().GetBool("wait")
		return runBatchSubmit(args[0], batchID, wait)
	},
}

// BatchLsCmd lists batch executions
var BatchLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List batch executions",
	Long: `List batch executions, optionally filtered by status.

Status filters:
  queued    - Executions waiting for a worker
  running   - Executions currently being processed
  suspended - Executions paused by an operator or awaiting input
  completed - Successfully completed executions
  failed    - Executions that exhausted their retry budget
  cancelled - Executions cancelled by an operator

Examples:
  kgforge batch ls                    # List all executions
  kgforge batch ls --status running   # List only running executions
  kgforge batch ls --limit 50         # Show up to 50 executions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runBatchLs(statusFilter, limit)
	},
}

// BatchStatusCmd shows the status of a batch execution
var BatchStatusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show status of a batch execution",
	Long: `Display detailed status information for a batch execution:
- Execution ID, batch ID, and queue status
- Current stage and per-document progress
- Extracted entity, relation, claim, and triple counts
- Timestamps (created, started, completed)

Example:
  kgforge batch status ex_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatchStatus(args[0])
	},
}

// BatchPauseCmd suspends a batch execution
var BatchPauseCmd = &cobra.Command{
	Use:   "pause <execution-id>",
	Short: "Suspend a queued or running batch execution",
	Long: `Suspend a batch execution. Can be resumed later with 'kgforge batch resume'.

The workflow parks at its next stage boundary and keeps its journal, so
resuming continues from the last completed stage rather than starting
over.

Example:
  kgforge batch pause ex_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatchPause(args[0])
	},
}

// BatchResumeCmd resumes a suspended batch execution
var BatchResumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Resume a suspended batch execution",
	Long: `Resume a suspended batch execution. Processing continues from the last
completed stage.

Example:
  kgforge batch resume ex_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatchResume(args[0])
	},
}

// BatchCancelCmd cancels a batch execution
var BatchCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a batch execution",
	Long: `Cancel a batch execution. Terminal executions cannot be cancelled.

Cancellation is cooperative: a running workflow stops at its next stage
boundary. Already-ingested graphs for the batch are left in place.

Example:
  kgforge batch cancel ex_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatchCancel(args[0])
	},
}

func init() {
	BatchSubmitCmd.Flags().String("batch-id", "", "Batch ID to submit under (generated when empty)")
	BatchSubmitCmd.Flags().Bool("wait", false, "Run the workflow in-process and wait for it to settle")

	BatchLsCmd.Flags().String("status", "", "Filter by status (queued, running, suspended, completed, failed, cancelled)")
	BatchLsCmd.Flags().Int("limit", 20, "Maximum number of executions to display")

	BatchCmd.AddCommand(BatchSubmitCmd)
	BatchCmd.AddCommand(BatchLsCmd)
	BatchCmd.AddCommand(BatchStatusCmd)
	BatchCmd.AddCommand(BatchPauseCmd)
	BatchCmd.AddCommand(BatchResumeCmd)
	BatchCmd.AddCommand(BatchCancelCmd)
}

// newBatchService builds the batch service over an open database.
func newBatchService(database *sql.DB) (*batch.Service, *engine.Queue) {
	queue := engine.NewQueue(database)
	publisher := batch.NewStatePublisher(store.NewSQLiteStore(database), events.NewLogPublisher(logger.Logger), logger.Logger)
	return batch.NewService(queue, publisher, logger.Logger), queue
}

// runBatchSubmit validates the manifest and enqueues its workflow
func runBatchSubmit(manifestPath, batchID string, wait bool) error {
	m, err := batch.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if wait {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return runBatchInProcess(cfg, database, m, batchID)
	}

	svc, _ := newBatchService(database)
	executionID, err := svc.Start(context.Background(), m, batchID)
	if err != nil {
		return fmt.Errorf("failed to submit batch: %w", err)
	}

	pterm.Success.Printf("Batch submitted: %s\n", executionID)
	pterm.Info.Printf("%d document(s), ontology %s %s\n", len(m.Documents), m.Ontology.URI, m.Ontology.Version)
	fmt.Printf("\nTrack progress with:\n  kgforge batch status %s\n", executionID)
	return nil
}

// runBatchInProcess runs the workflow with a local worker pool and
// renders progress until the execution settles.
func runBatchInProcess(cfg *config.Config, database *sql.DB, m *batch.BatchManifest, batchID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlers := engine.NewHandlerRegistry()
	pool := engine.NewWorkerPoolWithRegistry(ctx, database, engine.PoolConfigFromEngine(cfg.Engine), logger.Logger, handlers, nil)
	queue := pool.GetQueue()

	sink := events.NewLogPublisher(logger.Logger)
	publisher := batch.NewStatePublisher(store.NewSQLiteStore(database), sink, logger.Logger)

	workflow, err := wireWorkflow(ctx, cfg, database, queue, publisher, sink)
	if err != nil {
		return err
	}
	handlers.Register(workflow)

	svc := batch.NewService(queue, publisher, logger.Logger)
	executionID, err := svc.Start(ctx, m, batchID)
	if err != nil {
		return fmt.Errorf("failed to submit batch: %w", err)
	}
	pterm.Info.Printf("Batch submitted: %s (%d documents)\n", executionID, len(m.Documents))

	spinner, _ := pterm.DefaultSpinner.Start("Waiting for a worker...")

	updates := queue.Subscribe()
	go func() {
		for e := range updates {
			if e.ID != executionID {
				continue
			}
			spinner.UpdateText(progressLabel(e))
		}
	}()

	pool.Start()
	defer pool.Stop()

	state, waitErr := svc.Wait(ctx, executionID)

	// Stop rendering before printing the outcome
	queue.Unsubscribe(updates)
	close(updates)

	if waitErr != nil {
		spinner.Fail(fmt.Sprintf("Batch did not complete: %v", waitErr))
		return waitErr
	}

	spinner.Success("Batch complete")
	printBatchStats(state)
	return nil
}

// progressLabel renders a one-line progress description for the spinner
func progressLabel(e *engine.Execution) string {
	stage := e.Stage
	if stage == "" {
		stage = string(e.Status)
	}
	if e.Progress.Total > 0 {
		return fmt.Sprintf("%s: %d/%d (%.0f%%)",
			stage, e.Progress.Current, e.Progress.Total, e.Progress.Percentage())
	}
	return stage
}

func printBatchStats(state *batch.BatchState) {
	if state == nil || state.Stats == nil {
		return
	}
	st := state.Stats
	fmt.Printf("\n")
	pterm.Printf("  Documents: %d processed, %d succeeded, %d failed\n",
		st.DocumentsProcessed, st.DocumentsSucceeded, st.DocumentsFailed)
	pterm.Printf("  Extracted: %d entities, %d relations, %d claims\n",
		st.EntitiesExtracted, st.RelationsExtracted, st.ClaimsExtracted)
	pterm.Printf("  Resolved:  %d canonical clusters\n", st.ClustersResolved)
	pterm.Printf("  Ingested:  %d triples in %s\n", st.TriplesIngested, st.Duration.Round(time.Millisecond))
}

// runBatchLs lists batch executions
func runBatchLs(statusFilter string, limit int) error {
	database, err := openDatabase("")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	queue := engine.NewQueue(database)

	// Convert status filter to pointer (empty string = nil = all)
	var status *engine.Status
	if statusFilter != "" {
		s := engine.Status(statusFilter)
		status = &s
	}

	execs, err := queue.ListExecutions(status, limit)
	if err != nil {
		return fmt.Errorf("failed to list executions: %w", err)
	}

	if len(execs) == 0 {
		fmt.Println("No batch executions found")
		return nil
	}

	// Print table header
	fmt.Printf("%-18s %-18s %-11s %-12s %-15s %s\n", "EXECUTION ID", "BATCH", "STATUS", "STAGE", "PROGRESS", "CREATED")
	fmt.Printf("%-18s %-18s %-11s %-12s %-15s %s\n", "------------", "-----", "------", "-----", "--------", "-------")

	listed := 0
	for _, e := range execs {
		if e.Workflow != batch.WorkflowName {
			continue
		}
		progress := fmt.Sprintf("%d/%d (%.0f%%)",
			e.Progress.Current, e.Progress.Total, e.Progress.Percentage())

		fmt.Printf("%-18s %-18s %-11s %-12s %-15s %s\n",
			truncate(e.ID, 18),
			truncate(e.BatchID, 18),
			e.Status,
			truncate(e.Stage, 12),
			progress,
			e.CreatedAt.Format("2006-01-02 15:04"))
		listed++
	}

	fmt.Printf("\nTotal: %d execution(s)\n", listed)
	return nil
}

// runBatchStatus displays detailed status for an execution
func runBatchStatus(executionID string) error {
	database, err := openDatabase("")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	svc, _ := newBatchService(database)
	summary, err := svc.Get(context.Background(), executionID)
	if err != nil {
		return fmt.Errorf("failed to get execution: %w", err)
	}

	e := summary.Execution
	fmt.Printf("Execution: %s\n", e.ID)
	fmt.Printf("  Batch:  %s\n", e.BatchID)
	fmt.Printf("  Status: %s\n", e.Status)
	if e.Stage != "" {
		fmt.Printf("  Stage:  %s\n", e.Stage)
	}
	if e.SuspendReason != "" {
		fmt.Printf("  Suspended: %s\n", e.SuspendReason)
	}
	if e.Error != "" {
		fmt.Printf("  Error: %s\n", e.Error)
	}
	fmt.Printf("\n")

	// Progress
	fmt.Printf("Progress: %d/%d (%.1f%%)\n",
		e.Progress.Current, e.Progress.Total, e.Progress.Percentage())
	if e.Attempts > 0 {
		fmt.Printf("Attempts: %d\n", e.Attempts)
	}
	if e.NextAttemptAt != nil {
		fmt.Printf("Next attempt: %s\n", e.NextAttemptAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("\n")

	if st := summary.State; st != nil {
		printStateCounts(st)
		printDocuments(st.Documents)
	}

	// Timestamps
	fmt.Printf("Created: %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"))

	if e.StartedAt != nil {
		fmt.Printf("Started: %s\n", e.StartedAt.Format("2006-01-02 15:04:05"))
	}

	if e.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", e.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func printStateCounts(st *batch.BatchState) {
	if st.EntityCount > 0 || st.RelationCount > 0 || st.ClaimCount > 0 {
		fmt.Printf("Extracted: %d entities, %d relations, %d claims\n",
			st.EntityCount, st.RelationCount, st.ClaimCount)
	}
	if st.TripleCount > 0 {
		fmt.Printf("Triples: %d ingested", st.TripleCount)
		if st.InferredCount > 0 {
			fmt.Printf(" (%d inferred)", st.InferredCount)
		}
		fmt.Printf("\n")
	}
	if st.FailedInStage != "" {
		fmt.Printf("Failed in: %s", st.FailedInStage)
		if st.LastSuccessfulStage != "" {
			fmt.Printf(" (last successful stage: %s)", st.LastSuccessfulStage)
		}
		fmt.Printf("\n")
	}
	if st.EntityCount > 0 || st.TripleCount > 0 || st.FailedInStage != "" {
		fmt.Printf("\n")
	}
}

func printDocuments(docs []batch.DocumentStatus) {
	if len(docs) == 0 {
		return
	}
	fmt.Printf("%-24s %-11s %-9s %-10s %-7s %s\n", "DOCUMENT", "STATUS", "ENTITIES", "RELATIONS", "CLAIMS", "ERROR")
	for _, d := range docs {
		errMsg := d.ErrorCode
		if errMsg == "" && d.ErrorMessage != "" {
			errMsg = d.ErrorMessage
		}
		fmt.Printf("%-24s %-11s %-9d %-10d %-7d %s\n",
			truncate(d.DocumentID, 24),
			d.Status,
			d.EntityCount,
			d.RelationCount,
			d.ClaimCount,
			truncate(errMsg, 30))
	}
	fmt.Printf("\n")
}

// runBatchPause suspends an execution
func runBatchPause(executionID string) error {
	database, err := openDatabase("")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	svc, _ := newBatchService(database)
	if err := svc.Pause(context.Background(), executionID); err != nil {
		return fmt.Errorf("failed to pause execution: %w", err)
	}

	pterm.Success.Printf("Execution %s paused\n", executionID)
	return nil
}

// runBatchResume resumes a suspended execution
func runBatchResume(executionID string) error {
	database, err := openDatabase("")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	svc, _ := newBatchService(database)
	if err := svc.Resume(context.Background(), executionID); err != nil {
		return fmt.Errorf("failed to resume execution: %w", err)
	}

	pterm.Success.Printf("Execution %s resumed\n", executionID)
	return nil
}

// runBatchCancel cancels an execution
func runBatchCancel(executionID string) error {
	database, err := openDatabase("")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	svc, _ := newBatchService(database)
	if err := svc.Interrupt(context.Background(), executionID); err != nil {
		return fmt.Errorf("failed to cancel execution: %w", err)
	}

	pterm.Success.Printf("Execution %s cancelled\n", executionID)
	return nil
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
