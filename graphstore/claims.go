package graphstore

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/graph"
	"github.com/kriegcloud/kgforge/logger"
)

// ClaimStore persists extracted claims ahead of ingestion. Claims land
// with status extracted and are promoted to ingested once the triple
// store accepts them, so an ingestion crash leaves an auditable trail of
// what was validated but never made it into the graph.
type ClaimStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewClaimStore creates a claim store over the given database.
func NewClaimStore(db *sql.DB, log *zap.SugaredLogger) *ClaimStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ClaimStore{db: db, logger: log.Named("claims")}
}

// SaveClaims upserts claims keyed by id. Replays overwrite the row but
// never demote status: a claim already marked ingested stays ingested.
func (s *ClaimStore) SaveClaims(ctx context.Context, claims []graph.Claim) (int, error) {
	if len(claims) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin claims transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO claims (id, batch_id, document_id, subject, predicate, object, object_kind, confidence, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			predicate = excluded.predicate,
			object = excluded.object,
			object_kind = excluded.object_kind,
			confidence = excluded.confidence,
			status = CASE WHEN claims.status = 'ingested' THEN claims.status ELSE excluded.status END`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prepare claims statement")
	}
	defer stmt.Close()

	for _, c := range claims {
		if c.ID == "" {
			return 0, errors.New("claim without id")
		}
		status := c.Status
		if status == "" {
			status = graph.ClaimExtracted
		}
		_, err := stmt.ExecContext(ctx,
			c.ID, c.BatchID, c.DocumentID,
			c.Subject, c.Predicate, c.Object, string(c.ObjectKind),
			c.Confidence, string(status))
		if err != nil {
			return 0, errors.Wrapf(err, "failed to save claim %s", c.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit claims transaction")
	}

	s.logger.Debugw("Saved claims",
		logger.FieldBatchID, claims[0].BatchID,
		logger.FieldCount, len(claims))
	return len(claims), nil
}

// MarkIngested promotes a batch's extracted claims to ingested and
// returns how many rows moved.
func (s *ClaimStore) MarkIngested(ctx context.Context, batchID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE claims SET status = ? WHERE batch_id = ? AND status = ?",
		string(graph.ClaimIngested), batchID, string(graph.ClaimExtracted))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to mark claims ingested for batch %s", batchID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(n), nil
}

// ClaimsByBatch returns a batch's claims ordered by document then id.
func (s *ClaimStore) ClaimsByBatch(ctx context.Context, batchID string) ([]graph.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, document_id, subject, predicate, object, object_kind, confidence, status, created_at
		FROM claims WHERE batch_id = ? ORDER BY document_id, id`, batchID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query claims for batch %s", batchID)
	}
	defer rows.Close()

	var claims []graph.Claim
	for rows.Next() {
		var c graph.Claim
		var kind, status string
		if err := rows.Scan(&c.ID, &c.BatchID, &c.DocumentID,
			&c.Subject, &c.Predicate, &c.Object, &kind,
			&c.Confidence, &status, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan claim row")
		}
		c.ObjectKind = graph.ObjectKind(kind)
		c.Status = graph.ClaimStatus(status)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// CountByStatus returns claim counts per status across all batches.
func (s *ClaimStore) CountByStatus(ctx context.Context) (map[graph.ClaimStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM claims GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(err, "failed to count claims")
	}
	defer rows.Close()

	out := make(map[graph.ClaimStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan claim count")
		}
		out[graph.ClaimStatus(status)] = n
	}
	return out, rows.Err()
}
