package resolve

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/embed"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/graph"
	"github.com/kriegcloud/kgforge/registry"
)

const defaultCandidateConcurrency = 10

// Options tunes candidate loading and matching.
type Options struct {
	// Namespace is the IRI prefix for newly minted canonicals.
	Namespace string
	// ResolutionThreshold is the inclusive similarity bar for a merge.
	ResolutionThreshold float64
	// CandidateThreshold filters ANN candidates before matching.
	CandidateThreshold float64
	// MaxCandidatesPerEntity caps the ANN candidate list per mention.
	MaxCandidatesPerEntity int
	// MaxBlockingCandidates caps the token-blocked candidate list per mention.
	MaxBlockingCandidates int
	// Concurrency bounds parallel candidate loading.
	Concurrency int
}

// OptionsFromConfig maps registry configuration onto resolver options.
func OptionsFromConfig(cfg config.RegistryConfig) Options {
	return Options{
		Namespace:              cfg.Namespace,
		ResolutionThreshold:    cfg.ResolutionThreshold,
		CandidateThreshold:     cfg.CandidateThreshold,
		MaxCandidatesPerEntity: cfg.MaxCandidatesPerEntity,
		MaxBlockingCandidates:  cfg.MaxBlockingCandidates,
		Concurrency:            defaultCandidateConcurrency,
	}
}

func (o *Options) applyDefaults() {
	if o.ResolutionThreshold <= 0 {
		o.ResolutionThreshold = 0.8
	}
	if o.CandidateThreshold <= 0 {
		o.CandidateThreshold = 0.6
	}
	if o.MaxCandidatesPerEntity <= 0 {
		o.MaxCandidatesPerEntity = 20
	}
	if o.MaxBlockingCandidates <= 0 {
		o.MaxBlockingCandidates = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultCandidateConcurrency
	}
}

// NewCanonical records a canonical entity the pass minted.
type NewCanonical struct {
	IRI     string `json:"iri"`
	Mention string `json:"mention"`
}

// MergedEntity records a mention the pass linked to an existing canonical.
type MergedEntity struct {
	Mention     string  `json:"mention"`
	CanonicalID int64   `json:"canonical_id"`
	IRI         string  `json:"iri"`
	Similarity  float64 `json:"similarity"`
}

// Stats counts what a resolution pass looked at and decided.
type Stats struct {
	TotalEntities       int `json:"total_entities"`
	MatchedToExisting   int `json:"matched_to_existing"`
	CreatedNew          int `json:"created_new"`
	CandidatesEvaluated int `json:"candidates_evaluated"`
}

// Resolution maps extracted entities to canonical IRIs and records what
// the pass did to the registry.
type Resolution struct {
	CanonicalByEntityID map[string]string `json:"canonical_by_entity_id"`
	NewCanonicals       []NewCanonical    `json:"new_canonicals,omitempty"`
	MergedEntities      []MergedEntity    `json:"merged_entities,omitempty"`
	Stats               Stats             `json:"stats"`
	Duration            time.Duration     `json:"duration_ns"`
}

// WithinBatch assigns one deterministic IRI per unique normalized mention
// without consulting the registry. This is the identity pass every batch
// gets; cross-batch resolution refines it when the registry is enabled.
func WithinBatch(namespace, scope string, entities []graph.Entity) map[string]string {
	canonical := make(map[string]string, len(entities))
	for _, grp := range groupByMention(entities) {
		iri := graph.MintIRI(namespace, scope, grp.mention)
		for _, id := range grp.entityIDs {
			canonical[id] = iri
		}
	}
	return canonical
}

// Resolver runs the three-phase resolution pass against the registry.
type Resolver struct {
	registry *registry.Registry
	provider embed.Provider
	opts     Options
	logger   *zap.SugaredLogger
}

// New creates a resolver.
func New(reg *registry.Registry, provider embed.Provider, opts Options, logger *zap.SugaredLogger) *Resolver {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Resolver{
		registry: reg,
		provider: provider,
		opts:     opts,
		logger:   logger.Named("resolve"),
	}
}

// mentionGroup is one unique mention with every entity id that used it.
type mentionGroup struct {
	mention    string
	tokens     []string
	entityIDs  []string
	types      []string
	confidence float64
	vector     []float32
	candidates []registry.Candidate
}

// ResolveBatch links each entity to a canonical IRI within scope. The
// batch id is carried for log and alias provenance only; resolution
// decisions depend on scope and mentions alone.
//
// Phase 1 loads candidates per unique mention with bounded concurrency:
// lexical blocking over the token index plus ANN search over stored
// embeddings, merged by canonical id with the higher pre-score winning.
// Phase 2 is a pure similarity decision per mention. Phase 3 writes:
// matched mentions touch their canonical, unresolved mentions mint a
// deterministic IRI and index their blocking tokens.
//
// An empty entity list returns an empty resolution without touching the
// provider or the registry.
func (r *Resolver) ResolveBatch(ctx context.Context, scope string, entities []graph.Entity, batchID string) (*Resolution, error) {
	started := time.Now()
	result := &Resolution{CanonicalByEntityID: make(map[string]string)}
	result.Stats.TotalEntities = len(entities)
	if len(entities) == 0 {
		return result, nil
	}

	groups := groupByMention(entities)

	// One provider call embeds every unique mention; vectors come back in
	// input order.
	texts := make([]string, len(groups))
	for i, g := range groups {
		texts[i] = g.mention
	}
	vectors, err := r.provider.EmbedBatch(ctx, texts, embed.TaskClustering)
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed mentions")
	}
	if len(vectors) != len(groups) {
		return nil, errors.Newf("embedding count mismatch: got %d, want %d", len(vectors), len(groups))
	}
	for i := range groups {
		groups[i].vector = vectors[i]
	}

	// Phase 1: candidate loading.
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i := range groups {
		g.Go(func() error {
			return r.loadCandidates(gCtx, scope, &groups[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "candidate loading failed")
	}

	// Phases 2 and 3: match, then touch or mint.
	for i := range groups {
		grp := &groups[i]
		result.Stats.CandidatesEvaluated += len(grp.candidates)
		match := BestMatch(grp.vector, grp.candidates, r.opts.ResolutionThreshold)

		var iri string
		if match.Matched {
			if err := r.registry.Touch(ctx, match.EntityID, grp.mention, grp.confidence); err != nil {
				return nil, errors.Wrapf(err, "failed to merge mention %q", grp.mention)
			}
			// Index the merged surface form so future batches block on it.
			if err := r.registry.IndexTokens(ctx, scope, match.EntityID, grp.tokens); err != nil {
				return nil, errors.Wrapf(err, "failed to index tokens for mention %q", grp.mention)
			}
			iri = match.IRI
			result.Stats.MatchedToExisting++
			result.MergedEntities = append(result.MergedEntities, MergedEntity{
				Mention:     grp.mention,
				CanonicalID: match.EntityID,
				IRI:         iri,
				Similarity:  match.Similarity,
			})
			r.logger.Debugw("Merged mention into canonical",
				"mention", grp.mention,
				"iri", iri,
				"similarity", match.Similarity)
		} else {
			iri = graph.MintIRI(r.opts.Namespace, scope, grp.mention)
			entity := &registry.CanonicalEntity{
				Scope:         scope,
				IRI:           iri,
				Mention:       grp.mention,
				EntityTypes:   grp.types,
				Embedding:     grp.vector,
				AvgConfidence: grp.confidence,
			}
			if _, err := r.registry.Insert(ctx, entity, grp.tokens); err != nil {
				return nil, errors.Wrapf(err, "failed to mint canonical for mention %q", grp.mention)
			}
			result.Stats.CreatedNew++
			result.NewCanonicals = append(result.NewCanonicals, NewCanonical{
				IRI:     iri,
				Mention: grp.mention,
			})
			r.logger.Debugw("Minted canonical entity",
				"mention", grp.mention,
				"iri", iri,
				"best_similarity", match.Similarity)
		}

		for _, entityID := range grp.entityIDs {
			result.CanonicalByEntityID[entityID] = iri
		}
	}

	result.Duration = time.Since(started)
	r.logger.Infow("Resolved batch entities",
		"scope", scope,
		"batch_id", batchID,
		"mentions", len(groups),
		"matched", result.Stats.MatchedToExisting,
		"created", result.Stats.CreatedNew,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

func (r *Resolver) loadCandidates(ctx context.Context, scope string, grp *mentionGroup) error {
	tokenCands, err := r.registry.CandidatesByTokens(ctx, scope, grp.tokens, r.opts.MaxBlockingCandidates)
	if err != nil {
		return errors.Wrapf(err, "token candidates for mention %q", grp.mention)
	}

	annCands, err := r.registry.CandidatesByVector(ctx, scope, grp.vector,
		r.opts.MaxCandidatesPerEntity, r.opts.CandidateThreshold, grp.types)
	if err != nil {
		return errors.Wrapf(err, "vector candidates for mention %q", grp.mention)
	}

	grp.candidates = MergeCandidates(tokenCands, annCands)
	return nil
}

// groupByMention collapses entities that share a normalized mention into
// one group, keeping input order of first appearance. The group carries
// the union of entity types and the highest confidence seen.
func groupByMention(entities []graph.Entity) []mentionGroup {
	index := make(map[string]int)
	groups := make([]mentionGroup, 0, len(entities))

	for _, e := range entities {
		key := normalizeMention(e.Mention)
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			index[key] = len(groups)
			groups = append(groups, mentionGroup{
				mention:    e.Mention,
				tokens:     BlockingTokens(e.Mention),
				confidence: e.Confidence,
			})
			i = len(groups) - 1
		}
		grp := &groups[i]
		grp.entityIDs = append(grp.entityIDs, e.ID)
		if e.Confidence > grp.confidence {
			grp.confidence = e.Confidence
		}
		grp.types = unionTypes(grp.types, e.Types)
	}
	return groups
}

func unionTypes(existing, added []string) []string {
	for _, t := range added {
		found := false
		for _, have := range existing {
			if have == t {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, t)
		}
	}
	return existing
}
