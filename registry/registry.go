// Package registry is the cross-batch canonical entity store. Each
// canonical entity lives in an ontology scope and carries its minted IRI,
// the mention it was first seen under, an embedding for ANN candidate
// search, and an inverted index of blocking tokens for lexical candidate
// search. Resolution reads candidates from here and writes back merges
// and newly minted canonicals.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/embed"
	"github.com/kriegcloud/kgforge/errors"
)

// CanonicalEntity is a stored registry row.
type CanonicalEntity struct {
	ID            int64     `json:"id"`
	Scope         string    `json:"scope"`
	IRI           string    `json:"iri"`
	Mention       string    `json:"mention"`
	EntityTypes   []string  `json:"entity_types"`
	Embedding     []float32 `json:"-"`
	MergeCount    int       `json:"merge_count"`
	AvgConfidence float64   `json:"avg_confidence"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Candidate is a registry entity surfaced for matching, with the
// similarity the candidate search assigned it. Token-blocked candidates
// start at 0; ANN candidates carry the index similarity.
type Candidate struct {
	EntityID   int64
	IRI        string
	Mention    string
	MergeCount int
	Embedding  []float32
	Similarity float64
}

// Registry provides database operations for canonical entities.
type Registry struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	dims   int
}

// New creates a registry over db. EnsureVectorIndex must run before any
// vector operation.
func New(db *sql.DB, dims int, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		db:     db,
		logger: logger.Named("registry"),
		dims:   dims,
	}
}

// EnsureVectorIndex creates the vec0 virtual table for ANN search. It
// lives outside the migration set because the embedding dimension comes
// from configuration; CREATE VIRTUAL TABLE IF NOT EXISTS makes this
// idempotent. The scope partition key keeps KNN queries within one
// ontology scope, and cosine distance aligns the index with the
// matcher's similarity scale.
func (r *Registry) EnsureVectorIndex(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_canonical_entities USING vec0(
    entity_id INTEGER PRIMARY KEY,
    scope TEXT partition key,
    embedding float[%d] distance_metric=cosine
)`, r.dims)

	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "failed to create vector index (dims=%d)", r.dims)
	}
	return nil
}

// Insert adds a newly minted canonical with mergeCount 1 and indexes its
// blocking tokens. The IRI is deterministic in (scope, mention), so a
// concurrent batch may have minted the same canonical first; in that case
// the existing row wins and is touched instead of duplicated.
func (r *Registry) Insert(ctx context.Context, e *CanonicalEntity, tokens []string) (int64, error) {
	if e == nil {
		return 0, errors.New("entity is nil")
	}
	if e.Scope == "" || e.IRI == "" {
		return 0, errors.New("entity scope and IRI are required")
	}

	typesJSON, err := json.Marshal(e.EntityTypes)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal entity types")
	}
	if e.EntityTypes == nil {
		typesJSON = []byte("[]")
	}

	var blob []byte
	if len(e.Embedding) > 0 {
		blob, err = embed.Serialize(e.Embedding)
		if err != nil {
			return 0, errors.Wrap(err, "failed to serialize embedding")
		}
	}

	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO canonical_entities (
			scope, iri, mention, entity_types, embedding,
			merge_count, avg_confidence, last_seen_at, created_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(scope, iri) DO NOTHING`,
		e.Scope, e.IRI, e.Mention, string(typesJSON), blob,
		e.AvgConfidence, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to insert canonical %s", e.IRI)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	if affected == 0 {
		// Lost the race to another batch minting the same canonical.
		if err := tx.Commit(); err != nil {
			return 0, errors.Wrap(err, "failed to commit no-op insert")
		}
		existing, err := r.GetByIRI(ctx, e.Scope, e.IRI)
		if err != nil {
			return 0, err
		}
		if existing == nil {
			return 0, errors.Newf("canonical %s conflicted but cannot be loaded", e.IRI)
		}
		if err := r.Touch(ctx, existing.ID, e.Mention, e.AvgConfidence); err != nil {
			return 0, err
		}
		return existing.ID, nil
	}

	entityID, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read inserted id")
	}

	if len(blob) > 0 {
		// Virtual tables don't support UPSERT, so delete then insert.
		_, _ = tx.ExecContext(ctx, `DELETE FROM vec_canonical_entities WHERE entity_id = ?`, entityID)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vec_canonical_entities (entity_id, scope, embedding) VALUES (?, ?, ?)`,
			entityID, e.Scope, blob); err != nil {
			return 0, errors.Wrapf(err, "failed to index embedding for canonical %d", entityID)
		}
	}

	if err := indexTokens(ctx, tx, e.Scope, entityID, tokens); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit canonical insert")
	}

	e.ID = entityID
	r.logger.Debugw("Inserted canonical entity",
		"entity_id", entityID,
		"scope", e.Scope,
		"iri", e.IRI,
		"tokens", len(tokens))
	return entityID, nil
}

// Touch records a merge into an existing canonical: merge count goes up,
// the average confidence folds in the new observation, and last-seen
// moves forward. The alias table picks up the mention when it differs
// from the canonical surface form.
func (r *Registry) Touch(ctx context.Context, entityID int64, mention string, confidence float64) error {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE canonical_entities
		SET avg_confidence = (avg_confidence * merge_count + ?) / (merge_count + 1),
		    merge_count = merge_count + 1,
		    last_seen_at = ?
		WHERE id = ?`,
		confidence, now.Format(time.RFC3339), entityID)
	if err != nil {
		return errors.Wrapf(err, "failed to touch canonical %d", entityID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("canonical entity %d", entityID)
	}

	if mention != "" {
		if err := r.RecordAlias(ctx, entityID, mention); err != nil {
			// Alias recording is best effort; the merge itself stands.
			r.logger.Warnw("Failed to record alias",
				"entity_id", entityID,
				"alias", mention,
				"error", err.Error())
		}
	}
	return nil
}

// GetByIRI loads a canonical by scope and IRI. Returns nil when absent.
func (r *Registry) GetByIRI(ctx context.Context, scope, iri string) (*CanonicalEntity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, scope, iri, mention, entity_types, embedding,
		       merge_count, avg_confidence, last_seen_at, created_at
		FROM canonical_entities
		WHERE scope = ? AND iri = ?`, scope, iri)
	return scanCanonical(row)
}

// GetByID loads a canonical by its row id. Returns nil when absent.
func (r *Registry) GetByID(ctx context.Context, entityID int64) (*CanonicalEntity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, scope, iri, mention, entity_types, embedding,
		       merge_count, avg_confidence, last_seen_at, created_at
		FROM canonical_entities
		WHERE id = ?`, entityID)
	return scanCanonical(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCanonical(row rowScanner) (*CanonicalEntity, error) {
	var e CanonicalEntity
	var typesJSON string
	var blob []byte
	var lastSeen, created string

	err := row.Scan(&e.ID, &e.Scope, &e.IRI, &e.Mention, &typesJSON, &blob,
		&e.MergeCount, &e.AvgConfidence, &lastSeen, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan canonical entity")
	}

	if err := json.Unmarshal([]byte(typesJSON), &e.EntityTypes); err != nil {
		return nil, errors.Wrapf(err, "corrupt entity_types for canonical %d", e.ID)
	}
	if len(blob) > 0 {
		e.Embedding, err = embed.Deserialize(blob)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt embedding for canonical %d", e.ID)
		}
	}
	e.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
	e.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &e, nil
}

// CandidatesByTokens returns canonicals sharing at least one blocking
// token with the query, most-shared first, capped at limit. Similarity
// is left at 0; the matcher scores these against the query embedding.
func (r *Registry) CandidatesByTokens(ctx context.Context, scope string, tokens []string, limit int) ([]Candidate, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT c.id, c.iri, c.mention, c.merge_count, c.embedding, COUNT(*) AS shared
		FROM blocking_tokens b
		JOIN canonical_entities c ON c.id = b.entity_id
		WHERE b.scope = ? AND b.token IN (` + placeholders(len(tokens)) + `)
		GROUP BY c.id
		ORDER BY shared DESC, c.iri
		LIMIT ?`

	args := make([]any, 0, len(tokens)+2)
	args = append(args, scope)
	for _, t := range tokens {
		args = append(args, t)
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed token candidate query (tokens=%d)", len(tokens))
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var blob []byte
		var shared int
		if err := rows.Scan(&c.EntityID, &c.IRI, &c.Mention, &c.MergeCount, &blob, &shared); err != nil {
			return nil, errors.Wrap(err, "failed to scan token candidate")
		}
		if len(blob) > 0 {
			if c.Embedding, err = embed.Deserialize(blob); err != nil {
				return nil, errors.Wrapf(err, "corrupt embedding for candidate %d", c.EntityID)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CandidatesByVector returns the k nearest canonicals to the query vector
// within scope, keeping only those at or above threshold. The vec0 index
// uses cosine distance, so similarity is 1 - distance. A non-empty types
// list keeps only candidates sharing at least one entity type; candidates
// with no recorded types always pass, since extraction type tags are too
// noisy to hide a canonical behind.
func (r *Registry) CandidatesByVector(ctx context.Context, scope string, vector []float32, k int, threshold float64, types []string) ([]Candidate, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 20
	}

	blob, err := embed.Serialize(vector)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize query vector")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT v.entity_id, v.distance, c.iri, c.mention, c.merge_count, c.embedding, c.entity_types
		FROM vec_canonical_entities v
		JOIN canonical_entities c ON c.id = v.entity_id
		WHERE v.embedding MATCH ? AND k = ? AND v.scope = ?
		ORDER BY v.distance`,
		blob, k, scope)
	if err != nil {
		return nil, errors.Wrapf(err, "failed vector candidate query (k=%d)", k)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var distance float64
		var embBlob []byte
		var typesJSON string
		if err := rows.Scan(&c.EntityID, &distance, &c.IRI, &c.Mention, &c.MergeCount, &embBlob, &typesJSON); err != nil {
			return nil, errors.Wrap(err, "failed to scan vector candidate")
		}
		c.Similarity = 1.0 - distance
		if c.Similarity < threshold {
			continue
		}
		if len(types) > 0 {
			var stored []string
			if err := json.Unmarshal([]byte(typesJSON), &stored); err != nil {
				return nil, errors.Wrapf(err, "corrupt entity_types for candidate %d", c.EntityID)
			}
			if len(stored) > 0 && !typesOverlap(stored, types) {
				continue
			}
		}
		if len(embBlob) > 0 {
			if c.Embedding, err = embed.Deserialize(embBlob); err != nil {
				return nil, errors.Wrapf(err, "corrupt embedding for candidate %d", c.EntityID)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func typesOverlap(stored, want []string) bool {
	for _, s := range stored {
		for _, w := range want {
			if s == w {
				return true
			}
		}
	}
	return false
}

// IndexTokens adds blocking tokens for an existing canonical outside of
// Insert, used when a merge surfaces new surface forms worth indexing.
func (r *Registry) IndexTokens(ctx context.Context, scope string, entityID int64, tokens []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := indexTokens(ctx, tx, scope, entityID, tokens); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit token index")
}

func indexTokens(ctx context.Context, tx *sql.Tx, scope string, entityID int64, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO blocking_tokens (scope, token, entity_id) VALUES (?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare token insert")
	}
	defer stmt.Close()

	for _, token := range tokens {
		if _, err := stmt.ExecContext(ctx, scope, token, entityID); err != nil {
			return errors.Wrapf(err, "failed to index token %q for canonical %d", token, entityID)
		}
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}
	return string(buf)
}
