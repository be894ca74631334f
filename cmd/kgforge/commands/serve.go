package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/events"
	"github.com/kriegcloud/kgforge/logger"
	"github.com/kriegcloud/kgforge/registry"
	"github.com/kriegcloud/kgforge/server"
	"github.com/kriegcloud/kgforge/store"
)

// ServeCmd starts the kgforge daemon
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the kgforge daemon: workers, REST API, and live updates",
	Long: `Launch the kgforge daemon. A worker pool drains the execution queue
while the status server exposes batches over REST, streams execution
updates and pipeline events over WebSocket, and serves Prometheus
metrics when enabled.`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	port := servePort
	if port == 0 {
		port = cfg.GetServerPort()
	}

	// Open and migrate database
	database, err := openDatabase(serveDBPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	// Resolve the actual path for the banner (openDatabase resolved it)
	dbPath := serveDBPath
	if dbPath == "" {
		if resolved, err := config.GetDatabasePath(); err == nil {
			dbPath = resolved
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Worker pool with the extraction workflow registered
	handlers := engine.NewHandlerRegistry()
	pool := engine.NewWorkerPoolWithRegistry(ctx, database, engine.PoolConfigFromEngine(cfg.Engine), logger.Logger, handlers, nil)
	queue := pool.GetQueue()

	// Events fan out to the log immediately and to WebSocket clients
	// once the server exists
	sink := events.NewFanout(events.NewLogPublisher(logger.Logger))
	publisher := batch.NewStatePublisher(store.NewSQLiteStore(database), sink, logger.Logger)

	workflow, err := wireWorkflow(ctx, cfg, database, queue, publisher, sink)
	if err != nil {
		return err
	}
	handlers.Register(workflow)

	svc := batch.NewService(queue, publisher, logger.Logger)

	// Registry stats are exposed only when resolution is enabled
	var stats *registry.StatsCache
	if cfg.Registry.Enabled {
		reg := registry.New(database, cfg.Embeddings.Dimensions, logger.Logger)
		stats = registry.NewStatsCache(reg, time.Duration(cfg.Registry.StatsTTLSeconds)*time.Second)
	}

	srv := server.New(database, cfg, pool, svc, stats, logger.Logger)
	sink.Attach(srv)

	// Print startup banner
	printStartupBanner(cfg, dbPath, port)

	pool.Start()
	defer pool.Stop()

	// Start server in background
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	// Wait for shutdown signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		// Server failed to start or stopped unexpectedly
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		// First Ctrl+C - graceful shutdown
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		// Start graceful shutdown in background
		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		// Wait for either shutdown completion or second Ctrl+C
		select {
		case err := <-shutdownDone:
			// Graceful shutdown completed
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			// Second Ctrl+C - force immediate exit
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
