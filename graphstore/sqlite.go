package graphstore

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/graph"
	"github.com/kriegcloud/kgforge/logger"
)

// SQLiteStore keeps triples in the pipeline database. The unique index on
// (graph_iri, subject, predicate, object) plus INSERT OR IGNORE makes
// re-ingestion a no-op for triples already present.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLiteStore creates a triple store over the given database. The
// triples table comes from the db package migrations.
func NewSQLiteStore(db *sql.DB, log *zap.SugaredLogger) *SQLiteStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SQLiteStore{db: db, logger: log.Named("graphstore")}
}

// IngestTriples writes triples under graphIRI in one transaction and
// returns the number of new rows.
func (s *SQLiteStore) IngestTriples(ctx context.Context, graphIRI, batchID string, triples []graph.Triple) (int, error) {
	if graphIRI == "" {
		return 0, errors.New("graph IRI is required")
	}
	if len(triples) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin ingest transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO triples (graph_iri, subject, predicate, object, object_kind, batch_id)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prepare ingest statement")
	}
	defer stmt.Close()

	inserted := 0
	for _, t := range triples {
		res, err := stmt.ExecContext(ctx, graphIRI, t.Subject, t.Predicate, t.Object, objectKind(t), batchID)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to insert triple %s %s", t.Subject, t.Predicate)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, "failed to read rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit ingest transaction")
	}

	s.logger.Debugw("Ingested triples",
		logger.FieldBatchID, batchID,
		"graph_iri", graphIRI,
		"total", len(triples),
		"new", inserted)
	return inserted, nil
}

// CountTriples returns how many triples the named graph holds.
func (s *SQLiteStore) CountTriples(ctx context.Context, graphIRI string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM triples WHERE graph_iri = ?", graphIRI).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count triples in %s", graphIRI)
	}
	return n, nil
}

// DeleteGraph drops every triple in the named graph.
func (s *SQLiteStore) DeleteGraph(ctx context.Context, graphIRI string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM triples WHERE graph_iri = ?", graphIRI)
	if err != nil {
		return errors.Wrapf(err, "failed to delete graph %s", graphIRI)
	}
	return nil
}

// Graphs returns each named graph with its triple count, largest first.
// Used by the db stats command.
func (s *SQLiteStore) Graphs(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT graph_iri, COUNT(*) FROM triples GROUP BY graph_iri")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list graphs")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var iri string
		var n int
		if err := rows.Scan(&iri, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan graph row")
		}
		out[iri] = n
	}
	return out, rows.Err()
}

// Close is a no-op; the database connection belongs to the caller.
func (s *SQLiteStore) Close() error { return nil }
