package commands

import (
	"database/sql"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage kgforge database",
	Long: `db - Manage kgforge database operations

Manage database operations including schema migrations and statistics.

Examples:
  kgforge db migrate              # Apply pending schema migrations
  kgforge db stats                # Show database statistics`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  "Open the database and apply any pending schema migrations. Safe to run repeatedly; already-applied migrations are skipped.",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display database statistics including execution counts by status, entity registry size, and triple store totals",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase runs migrations as part of opening
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	var applied int
	var latest sql.NullString
	err = database.QueryRow(`SELECT COUNT(*), MAX(version) FROM schema_migrations`).Scan(&applied, &latest)
	if err != nil {
		return fmt.Errorf("failed to query migration state: %w", err)
	}

	pterm.Success.Printf("Database is up to date: %d migration(s) applied\n", applied)
	if latest.Valid {
		pterm.Info.Printf("Latest migration: %s\n", latest.String)
	}
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	// Load configuration for the path shown in the header
	dbPath := dbPathFlag
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		dbPath = path
	}

	// Open and migrate database
	database, err := openDatabase(dbPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	fmt.Printf("Database Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path: %s\n\n", dbPath)

	// Executions by status
	rows, err := database.Query(`
		SELECT status, COUNT(*)
		FROM executions
		GROUP BY status
		ORDER BY status
	`)
	if err != nil {
		return fmt.Errorf("failed to query execution stats: %w", err)
	}
	defer rows.Close()

	var totalExecutions int
	fmt.Printf("Executions:\n")
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return fmt.Errorf("failed to scan execution stats: %w", err)
		}
		totalExecutions += count
		fmt.Printf("  %-12s %d\n", status, count)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate execution stats: %w", err)
	}
	if totalExecutions == 0 {
		fmt.Printf("  none recorded yet\n")
	} else {
		fmt.Printf("  %-12s %d\n", "total", totalExecutions)
	}
	fmt.Println()

	// Registry
	var entities, scopes, aliases, tokens int
	err = database.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT scope) FROM canonical_entities
	`).Scan(&entities, &scopes)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query registry stats: %w", err)
	}
	if err := database.QueryRow(`SELECT COUNT(*) FROM entity_aliases`).Scan(&aliases); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query alias stats: %w", err)
	}
	if err := database.QueryRow(`SELECT COUNT(*) FROM blocking_tokens`).Scan(&tokens); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query token stats: %w", err)
	}

	fmt.Printf("Entity Registry:\n")
	fmt.Printf("  Canonical Entities: %d (across %d scopes)\n", entities, scopes)
	fmt.Printf("  Aliases:            %d\n", aliases)
	fmt.Printf("  Blocking Tokens:    %d\n", tokens)
	fmt.Println()

	// Graph store
	var triples, graphs, claims, objects int
	err = database.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT graph_iri) FROM triples
	`).Scan(&triples, &graphs)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query triple stats: %w", err)
	}
	if err := database.QueryRow(`SELECT COUNT(*) FROM claims`).Scan(&claims); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query claim stats: %w", err)
	}
	if err := database.QueryRow(`SELECT COUNT(*) FROM objects`).Scan(&objects); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query object stats: %w", err)
	}

	fmt.Printf("Graph Store:\n")
	fmt.Printf("  Triples:        %d (in %d named graphs)\n", triples, graphs)
	fmt.Printf("  Claims:         %d\n", claims)
	fmt.Printf("  Stored Objects: %d\n", objects)

	return nil
}
