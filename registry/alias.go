package registry

import (
	"context"
	"strings"

	"github.com/kriegcloud/kgforge/errors"
)

// RecordAlias stores an alternate surface form for a canonical entity.
// Aliases preserve their original casing; lookups are case-insensitive
// via COLLATE NOCASE. Recording the canonical's own mention is a no-op.
func (r *Registry) RecordAlias(ctx context.Context, entityID int64, alias string) error {
	if alias == "" {
		return errors.New("alias cannot be empty")
	}

	entity, err := r.GetByID(ctx, entityID)
	if err != nil {
		return err
	}
	if entity == nil {
		return errors.NewNotFoundError("canonical entity %d", entityID)
	}
	if strings.EqualFold(alias, entity.Mention) {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_aliases (alias, entity_id)
		VALUES (?, ?)`,
		alias, entityID)
	if err != nil {
		return errors.Wrapf(err, "failed to record alias %q for canonical %d", alias, entityID)
	}
	return nil
}

// AliasesFor returns recorded aliases for a canonical, sorted.
func (r *Registry) AliasesFor(ctx context.Context, entityID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT alias FROM entity_aliases WHERE entity_id = ? ORDER BY alias`, entityID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load aliases for canonical %d", entityID)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, errors.Wrap(err, "failed to scan alias")
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// FindByAlias returns canonicals whose alias or primary mention matches,
// case-insensitively.
func (r *Registry) FindByAlias(ctx context.Context, scope, name string) ([]*CanonicalEntity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT c.id, c.scope, c.iri, c.mention, c.entity_types, c.embedding,
		       c.merge_count, c.avg_confidence, c.last_seen_at, c.created_at
		FROM canonical_entities c
		LEFT JOIN entity_aliases a ON a.entity_id = c.id
		WHERE c.scope = ?
		  AND (c.mention = ? COLLATE NOCASE OR a.alias = ? COLLATE NOCASE)
		ORDER BY c.iri`,
		scope, name, name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed alias lookup for %q", name)
	}
	defer rows.Close()

	var out []*CanonicalEntity
	for rows.Next() {
		e, err := scanCanonical(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
