// Package graphstore is the canonical triple store the ingestion stage
// writes to. Two backends exist: SQLite (default, shares the pipeline
// database) and Neo4j for deployments that query the graph natively.
package graphstore

import (
	"context"

	"github.com/kriegcloud/kgforge/graph"
)

// Store writes validated triples into named graphs. Implementations must
// be idempotent per (graph, subject, predicate, object): re-ingesting a
// batch after a crash may replay the same triples.
type Store interface {
	// IngestTriples writes triples into the named graph and returns how
	// many were newly added. Triples carry their own GraphIRI from
	// compilation; the store writes them under graphIRI regardless, so a
	// stale compile cannot leak triples into another batch's graph.
	IngestTriples(ctx context.Context, graphIRI, batchID string, triples []graph.Triple) (int, error)

	// CountTriples returns the triple count in one named graph.
	CountTriples(ctx context.Context, graphIRI string) (int, error)

	// DeleteGraph removes a named graph and everything in it.
	DeleteGraph(ctx context.Context, graphIRI string) error

	// Close releases backend resources.
	Close() error
}

const (
	objectKindIRI     = "iri"
	objectKindLiteral = "literal"
)

func objectKind(t graph.Triple) string {
	if t.IsLiteral {
		return objectKindLiteral
	}
	return objectKindIRI
}
