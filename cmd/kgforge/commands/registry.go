package commands

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/logger"
	"github.com/kriegcloud/kgforge/registry"
	"github.com/kriegcloud/kgforge/resolve"
)

// RegistryCmd represents the registry command - canonical entity inspection
var RegistryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the canonical entity registry",
	Long: `Registry - inspect canonical entities resolved across batches.

The registry holds one canonical entity per real-world thing within an
ontology scope. Each batch either merges its mentions into existing
canonicals or mints new ones.

Inspection commands:
  kgforge registry stats                  # Statistics per scope
  kgforge registry search "Acme Corp"     # Find candidate canonicals`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var registryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show canonical entity statistics",
	Long: `Display registry statistics: canonical entity counts, merge totals,
alias and blocking token counts, and average resolution confidence.

Without --scope, statistics are shown for every scope in the registry.

Examples:
  kgforge registry stats
  kgforge registry stats --scope https://kg.example.com/ontology/core`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		return runRegistryStats(scope)
	},
}

var registrySearchCmd = &cobra.Command{
	Use:   "search <mention>",
	Short: "Search canonical entities by mention",
	Long: `Search the registry for canonical entities matching a mention, using
the same blocking-token index the resolver uses. Candidates are ranked
by the number of shared tokens.

Examples:
  kgforge registry search "Acme Corporation"
  kgforge registry search acme --limit 5
  kgforge registry search acme --scope https://kg.example.com/ontology/core`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		limit, _ := cmd.Flags().GetInt("limit")
		return runRegistrySearch(strings.Join(args, " "), scope, limit)
	},
}

func init() {
	registryStatsCmd.Flags().String("scope", "", "Ontology scope (defaults to all scopes)")

	registrySearchCmd.Flags().String("scope", "", "Ontology scope (defaults to the sole scope in the registry)")
	registrySearchCmd.Flags().Int("limit", 10, "Maximum number of candidates to display")

	RegistryCmd.AddCommand(registryStatsCmd)
	RegistryCmd.AddCommand(registrySearchCmd)
}

// listScopes returns the distinct ontology scopes in the registry
func listScopes(ctx context.Context, database *sql.DB) ([]string, error) {
	rows, err := database.QueryContext(ctx, `SELECT DISTINCT scope FROM canonical_entities ORDER BY scope`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list registry scopes")
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, "failed to scan scope")
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// resolveScope defaults to the sole scope in the registry when none is
// given. With multiple scopes the caller has to choose.
func resolveScope(ctx context.Context, database *sql.DB, scope string) (string, error) {
	if scope != "" {
		return scope, nil
	}

	scopes, err := listScopes(ctx, database)
	if err != nil {
		return "", err
	}

	switch len(scopes) {
	case 0:
		return "", errors.New("registry is empty: no canonical entities recorded yet")
	case 1:
		return scopes[0], nil
	default:
		return "", fmt.Errorf("registry has %d scopes, pass --scope to choose one:\n  %s",
			len(scopes), strings.Join(scopes, "\n  "))
	}
}

// runRegistryStats prints statistics for one or all scopes
func runRegistryStats(scope string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	ctx := context.Background()
	reg := registry.New(database, cfg.Embeddings.Dimensions, logger.Logger)

	scopes := []string{scope}
	if scope == "" {
		scopes, err = listScopes(ctx, database)
		if err != nil {
			return err
		}
		if len(scopes) == 0 {
			fmt.Println("Registry is empty: no canonical entities recorded yet")
			return nil
		}
	}

	for i, s := range scopes {
		stats, err := reg.ComputeStats(ctx, s)
		if err != nil {
			return fmt.Errorf("failed to compute stats for scope %s: %w", s, err)
		}
		if i > 0 {
			fmt.Println()
		}
		printScopeStats(stats)
	}

	return nil
}

func printScopeStats(stats registry.Stats) {
	fmt.Printf("Scope: %s\n", stats.Scope)
	fmt.Printf("  Canonical Entities: %d\n", stats.EntityCount)
	fmt.Printf("  Total Merges:       %d\n", stats.TotalMerges)
	fmt.Printf("  Aliases:            %d\n", stats.AliasCount)
	fmt.Printf("  Blocking Tokens:    %d\n", stats.TokenCount)
	fmt.Printf("  Avg Confidence:     %.3f\n", stats.AvgConfidence)
	if !stats.LastSeenAt.IsZero() {
		fmt.Printf("  Last Seen:          %s\n", stats.LastSeenAt.Format("2006-01-02 15:04:05"))
	}
}

// runRegistrySearch looks up candidates by blocking tokens
func runRegistrySearch(mention, scope string, limit int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	ctx := context.Background()

	scope, err = resolveScope(ctx, database, scope)
	if err != nil {
		return err
	}

	tokens := resolve.BlockingTokens(mention)
	if len(tokens) == 0 {
		return errors.Newf("no searchable tokens in %q", mention)
	}

	reg := registry.New(database, cfg.Embeddings.Dimensions, logger.Logger)
	candidates, err := reg.CandidatesByTokens(ctx, scope, tokens, limit)
	if err != nil {
		return fmt.Errorf("failed to search registry: %w", err)
	}

	if len(candidates) == 0 {
		fmt.Printf("No canonical entities match %q in scope %s\n", mention, scope)
		return nil
	}

	fmt.Printf("%-40s %-25s %-7s %s\n", "IRI", "MENTION", "MERGES", "ALIASES")
	fmt.Printf("%-40s %-25s %-7s %s\n", "---", "-------", "------", "-------")

	for _, c := range candidates {
		aliases, err := reg.AliasesFor(ctx, c.EntityID)
		if err != nil {
			logger.Warnw("Failed to load aliases", "entity_id", c.EntityID, logger.FieldError, err)
		}

		fmt.Printf("%-40s %-25s %-7d %s\n",
			truncate(c.IRI, 40),
			truncate(c.Mention, 25),
			c.MergeCount,
			truncate(strings.Join(aliases, ", "), 40))
	}

	fmt.Printf("\nTotal: %d candidate(s)\n", len(candidates))
	return nil
}
