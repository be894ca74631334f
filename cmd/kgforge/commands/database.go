package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/db"
	"github.com/kriegcloud/kgforge/embed"
	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/events"
	"github.com/kriegcloud/kgforge/graphstore"
	"github.com/kriegcloud/kgforge/internal/httpclient"
	"github.com/kriegcloud/kgforge/llm"
	"github.com/kriegcloud/kgforge/logger"
	"github.com/kriegcloud/kgforge/pipeline"
	"github.com/kriegcloud/kgforge/registry"
	"github.com/kriegcloud/kgforge/resolve"
	"github.com/kriegcloud/kgforge/store"
)

const fetchTimeout = 60 * time.Second

// openDatabase opens the kgforge database and runs migrations.
// If dbPath is empty, uses the configured path.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return database, nil
}

// openGraphStore selects the triple store backend from config. SQLite
// shares the main database file; Neo4j dials the configured server.
func openGraphStore(cfg *config.Config, database *sql.DB) (graphstore.Store, error) {
	log := logger.Logger

	switch cfg.GraphStore.Backend {
	case "", "sqlite":
		return graphstore.NewSQLiteStore(database, log), nil
	case "neo4j":
		return graphstore.NewNeo4jStore(cfg.GraphStore.Neo4j, log)
	default:
		return nil, errors.NewInvalidRequestError("unknown graph store backend: %s", cfg.GraphStore.Backend)
	}
}

// wireWorkflow assembles the batch extraction workflow against the
// given queue and event sink. The resolver is attached only when the
// registry is enabled; without it entities get batch-local IRIs.
func wireWorkflow(ctx context.Context, cfg *config.Config, database *sql.DB, queue *engine.Queue, publisher *batch.StatePublisher, sink events.Publisher) (*batch.Workflow, error) {
	log := logger.Logger

	triples, err := openGraphStore(cfg, database)
	if err != nil {
		return nil, err
	}

	acts, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Chatter: llm.NewClient(cfg.LLM, log),
		Objects: store.NewSQLiteStore(database),
		Fetch:   httpclient.NewSaferClient(fetchTimeout),
		Triples: triples,
		Claims:  graphstore.NewClaimStore(database, log),
		Logger:  log,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build pipeline")
	}

	var resolver batch.EntityResolver
	if cfg.Registry.Enabled {
		reg := registry.New(database, cfg.Embeddings.Dimensions, log)
		if err := reg.EnsureVectorIndex(ctx); err != nil {
			return nil, errors.Wrap(err, "failed to prepare vector index")
		}
		provider, err := embed.NewOpenAIProvider(cfg.Embeddings, log)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build embedding provider")
		}
		resolver = resolve.New(reg, provider, resolve.OptionsFromConfig(cfg.Registry), log)
	}

	return batch.NewWorkflow(batch.WorkflowDeps{
		Queue:      queue,
		Objects:    store.NewSQLiteStore(database),
		Publisher:  publisher,
		Activities: *acts,
		Resolver:   resolver,
		Events:     sink,
		Pipeline:   cfg.Pipeline,
		Logger:     log,
	}), nil
}
