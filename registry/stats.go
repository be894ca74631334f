package registry

import (
	"context"
	"sync"
	"time"

	"github.com/kriegcloud/kgforge/errors"
)

// Stats summarizes one ontology scope of the registry.
type Stats struct {
	Scope         string    `json:"scope"`
	EntityCount   int64     `json:"entity_count"`
	TotalMerges   int64     `json:"total_merges"`
	AliasCount    int64     `json:"alias_count"`
	TokenCount    int64     `json:"token_count"`
	AvgConfidence float64   `json:"avg_confidence"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	ComputedAt    time.Time `json:"computed_at"`
}

// StatsCache memoizes per-scope registry stats for a TTL. The aggregate
// queries walk every row, so dashboards and the stats endpoint read
// through this instead of hitting the tables on each poll.
type StatsCache struct {
	registry *Registry
	ttl      time.Duration

	mu      sync.Mutex
	byScope map[string]cachedStats
	timeNow func() time.Time // Injectable for testing
}

type cachedStats struct {
	stats    Stats
	cachedAt time.Time
}

// NewStatsCache creates a stats cache with real time.
func NewStatsCache(registry *Registry, ttl time.Duration) *StatsCache {
	return NewStatsCacheWithClock(registry, ttl, time.Now)
}

// NewStatsCacheWithClock creates a stats cache with injectable clock (for testing).
func NewStatsCacheWithClock(registry *Registry, ttl time.Duration, timeNow func() time.Time) *StatsCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &StatsCache{
		registry: registry,
		ttl:      ttl,
		byScope:  make(map[string]cachedStats),
		timeNow:  timeNow,
	}
}

// Get returns stats for scope, recomputing when the cached entry is
// older than the TTL. An entry exactly at the TTL boundary is stale.
func (c *StatsCache) Get(ctx context.Context, scope string) (Stats, error) {
	c.mu.Lock()
	if entry, ok := c.byScope[scope]; ok {
		age := c.timeNow().Sub(entry.cachedAt)
		if age < c.ttl {
			c.mu.Unlock()
			return entry.stats, nil
		}
	}
	c.mu.Unlock()

	stats, err := c.registry.ComputeStats(ctx, scope)
	if err != nil {
		return Stats{}, err
	}

	c.mu.Lock()
	c.byScope[scope] = cachedStats{stats: stats, cachedAt: c.timeNow()}
	c.mu.Unlock()
	return stats, nil
}

// Invalidate drops the cached entry for scope so the next Get recomputes.
func (c *StatsCache) Invalidate(scope string) {
	c.mu.Lock()
	delete(c.byScope, scope)
	c.mu.Unlock()
}

// ComputeStats aggregates registry stats for one scope directly from the
// tables. Most callers want StatsCache.Get instead.
func (r *Registry) ComputeStats(ctx context.Context, scope string) (Stats, error) {
	stats := Stats{Scope: scope, ComputedAt: time.Now().UTC()}

	var lastSeen *string
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(merge_count), 0),
		       COALESCE(AVG(avg_confidence), 0), MAX(last_seen_at)
		FROM canonical_entities WHERE scope = ?`, scope).
		Scan(&stats.EntityCount, &stats.TotalMerges, &stats.AvgConfidence, &lastSeen)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "failed to aggregate canonicals for scope %s", scope)
	}
	if lastSeen != nil {
		stats.LastSeenAt, _ = time.Parse(time.RFC3339, *lastSeen)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entity_aliases a
		JOIN canonical_entities c ON c.id = a.entity_id
		WHERE c.scope = ?`, scope).Scan(&stats.AliasCount)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "failed to count aliases for scope %s", scope)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocking_tokens WHERE scope = ?`, scope).Scan(&stats.TokenCount)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "failed to count tokens for scope %s", scope)
	}

	return stats, nil
}
