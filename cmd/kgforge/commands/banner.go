package commands

import (
	"fmt"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(cfg *config.Config, dbPath string, port int) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	magenta := "\033[35m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║        ██   ██   ██████                           ║\n")
	fmt.Printf("   ║        ██  ██   ██                                ║\n")
	fmt.Printf("   ║        █████    ██  ███                           ║\n")
	fmt.Printf("   ║        ██  ██   ██   ██                           ║\n")
	fmt.Printf("   ║        ██   ██   ██████                           ║\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║             F  O  R  G  E                         ║\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║   %s▣%s Extract  %s⟐%s Resolve  %s◈%s Infer  %s◎%s Ingest       ║\n",
		blue, reset+cyan+bold, yellow, reset+cyan+bold, green, reset+cyan+bold, magenta, reset+cyan+bold)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ kgforge Info ──────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	if dbPath != "" {
		fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	}
	fmt.Printf("%s│%s Graph:     %s\n", green, reset, graphBackendName(cfg))
	fmt.Printf("%s│%s Registry:  %s\n", green, reset, registryStateName(cfg))
	fmt.Printf("%s│%s Workers:   %d\n", green, reset, cfg.Engine.Workers)
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ REST at http://localhost:%d/api, live updates at /ws%s\n", yellow, bold, port, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}

func graphBackendName(cfg *config.Config) string {
	switch cfg.GraphStore.Backend {
	case "", "sqlite":
		return "sqlite"
	case "neo4j":
		return fmt.Sprintf("neo4j (%s)", cfg.GraphStore.Neo4j.URI)
	default:
		return cfg.GraphStore.Backend
	}
}

func registryStateName(cfg *config.Config) string {
	if !cfg.Registry.Enabled {
		return "disabled (batch-local IRIs only)"
	}
	return fmt.Sprintf("enabled (threshold %.2f)", cfg.Registry.ResolutionThreshold)
}
