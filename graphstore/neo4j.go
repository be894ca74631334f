package graphstore

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/graph"
)

// Neo4jStore writes triples into Neo4j as (:Resource)-[:CLAIM]->(:Resource)
// or (:Resource)-[:CLAIM]->(:Literal) relationships tagged with the named
// graph IRI. MERGE keeps re-ingestion idempotent.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.SugaredLogger
}

// NewNeo4jStore builds a store from config without dialing; call Ping to
// verify connectivity before first use.
func NewNeo4jStore(cfg config.Neo4jConfig, log *zap.SugaredLogger) (*Neo4jStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("neo4j URI is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create neo4j driver for %s", cfg.URI)
	}

	return &Neo4jStore{
		driver:   driver,
		database: cfg.Database,
		logger:   log.Named("neo4j"),
	}, nil
}

// Ping verifies the server is reachable with the configured credentials.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return errors.Wrap(err, "neo4j connectivity check failed")
	}
	return nil
}

func (s *Neo4jStore) run(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	var opts []neo4j.ExecuteQueryConfigurationOption
	if s.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(s.database))
	}
	return neo4j.ExecuteQuery(ctx, s.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
}

const ingestIRICypher = `
UNWIND $rows AS row
MERGE (s:Resource {iri: row.subject})
MERGE (o:Resource {iri: row.object})
MERGE (s)-[r:CLAIM {predicate: row.predicate, graph: $graph}]->(o)
ON CREATE SET r.batch_id = $batch`

const ingestLiteralCypher = `
UNWIND $rows AS row
MERGE (s:Resource {iri: row.subject})
MERGE (o:Literal {value: row.object})
MERGE (s)-[r:CLAIM {predicate: row.predicate, graph: $graph}]->(o)
ON CREATE SET r.batch_id = $batch`

// IngestTriples merges triples into the named graph. The new-triple count
// comes from counting the graph before and after: MERGE gives no direct
// created-vs-matched signal through the query API.
func (s *Neo4jStore) IngestTriples(ctx context.Context, graphIRI, batchID string, triples []graph.Triple) (int, error) {
	if graphIRI == "" {
		return 0, errors.New("graph IRI is required")
	}
	if len(triples) == 0 {
		return 0, nil
	}

	before, err := s.CountTriples(ctx, graphIRI)
	if err != nil {
		return 0, err
	}

	var iriRows, literalRows []map[string]any
	for _, t := range triples {
		row := map[string]any{
			"subject":   t.Subject,
			"predicate": t.Predicate,
			"object":    t.Object,
		}
		if t.IsLiteral {
			literalRows = append(literalRows, row)
		} else {
			iriRows = append(iriRows, row)
		}
	}

	params := func(rows []map[string]any) map[string]any {
		return map[string]any{"rows": rows, "graph": graphIRI, "batch": batchID}
	}
	if len(iriRows) > 0 {
		if _, err := s.run(ctx, ingestIRICypher, params(iriRows)); err != nil {
			return 0, errors.Wrap(err, "failed to ingest IRI triples")
		}
	}
	if len(literalRows) > 0 {
		if _, err := s.run(ctx, ingestLiteralCypher, params(literalRows)); err != nil {
			return 0, errors.Wrap(err, "failed to ingest literal triples")
		}
	}

	after, err := s.CountTriples(ctx, graphIRI)
	if err != nil {
		return 0, err
	}

	s.logger.Debugw("Ingested triples",
		"graph_iri", graphIRI,
		"total", len(triples),
		"new", after-before)
	return after - before, nil
}

// CountTriples returns the CLAIM relationship count in one named graph.
func (s *Neo4jStore) CountTriples(ctx context.Context, graphIRI string) (int, error) {
	res, err := s.run(ctx,
		"MATCH ()-[r:CLAIM {graph: $graph}]->() RETURN count(r) AS n",
		map[string]any{"graph": graphIRI})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count triples in %s", graphIRI)
	}
	if len(res.Records) == 0 {
		return 0, errors.New("count query returned no records")
	}
	n, ok := res.Records[0].Get("n")
	if !ok {
		return 0, errors.New("count query returned no n column")
	}
	count, ok := n.(int64)
	if !ok {
		return 0, errors.Newf("unexpected count type %T", n)
	}
	return int(count), nil
}

// DeleteGraph removes the graph's relationships. Resource and Literal
// nodes shared with other graphs survive; fully orphaned nodes are
// cleaned up separately.
func (s *Neo4jStore) DeleteGraph(ctx context.Context, graphIRI string) error {
	if _, err := s.run(ctx,
		"MATCH ()-[r:CLAIM {graph: $graph}]->() DELETE r",
		map[string]any{"graph": graphIRI}); err != nil {
		return errors.Wrapf(err, "failed to delete graph %s", graphIRI)
	}
	return nil
}

// Close shuts the driver down.
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}
