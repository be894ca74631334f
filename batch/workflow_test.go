package batch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/events"
	"github.com/kriegcloud/kgforge/graph"
	kgforgetest "github.com/kriegcloud/kgforge/internal/testing"
	"github.com/kriegcloud/kgforge/resolve"
	"github.com/kriegcloud/kgforge/store"
)

// Function adapters so tests can wire activities from closures.

type preprocessFunc func(ctx context.Context, in PreprocessInput) (*PreprocessOutput, error)

func (f preprocessFunc) Execute(ctx context.Context, in PreprocessInput) (*PreprocessOutput, error) {
	return f(ctx, in)
}

type extractFunc func(ctx context.Context, in ExtractInput) (*ExtractOutput, error)

func (f extractFunc) Execute(ctx context.Context, in ExtractInput) (*ExtractOutput, error) {
	return f(ctx, in)
}

type inferFunc func(ctx context.Context, in InferInput) (*InferOutput, error)

func (f inferFunc) Execute(ctx context.Context, in InferInput) (*InferOutput, error) {
	return f(ctx, in)
}

type validateFunc func(ctx context.Context, in ValidateInput) (*ValidateOutput, error)

func (f validateFunc) Execute(ctx context.Context, in ValidateInput) (*ValidateOutput, error) {
	return f(ctx, in)
}

type persistFunc func(ctx context.Context, in PersistClaimsInput) (*PersistClaimsOutput, error)

func (f persistFunc) Execute(ctx context.Context, in PersistClaimsInput) (*PersistClaimsOutput, error) {
	return f(ctx, in)
}

type ingestFunc func(ctx context.Context, in IngestInput) (*IngestOutput, error)

func (f ingestFunc) Execute(ctx context.Context, in IngestInput) (*IngestOutput, error) {
	return f(ctx, in)
}

// docGraph builds a small extraction graph for one document. Every
// document mentions the same organization and person, so within-batch
// resolution collapses them to two clusters.
func docGraph(docID string) *graph.ExtractionGraph {
	return &graph.ExtractionGraph{
		Entities: []graph.Entity{
			{ID: docID + "#e0", Mention: "Acme Corporation", Types: []string{"Organization"}, Confidence: 0.9, DocumentID: docID},
			{ID: docID + "#e1", Mention: "Jane Smith", Types: []string{"Person"}, Confidence: 0.8, DocumentID: docID},
		},
		Relations: []graph.Relation{
			{ID: docID + "#r0", SubjectID: docID + "#e1", Predicate: "worksFor", ObjectID: docID + "#e0", Confidence: 0.8, DocumentID: docID},
		},
		Claims: []graph.Claim{
			{ID: docID + "#c0", DocumentID: docID, Subject: docID + "#e1", Predicate: "https://kg.example.com/ontology/worksFor", Object: docID + "#e0", ObjectKind: graph.ObjectIRI, Confidence: 0.8},
			{ID: docID + "#c1", DocumentID: docID, Subject: docID + "#e0", Predicate: "https://kg.example.com/ontology/name", Object: "Acme Corporation", ObjectKind: graph.ObjectLiteral, Confidence: 0.9},
		},
	}
}

// activityCalls counts invocations across the fake activities.
type activityCalls struct {
	mu         sync.Mutex
	preprocess int
	extract    int
	infer      int
	validate   int
	persist    int
	ingest     int

	lastIngest  IngestInput
	lastPersist PersistClaimsInput
	extractIn   []ExtractInput
}

func (c *activityCalls) bump(field *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*field++
}

type harness struct {
	t        *testing.T
	queue    *engine.Queue
	objects  store.Store
	sink     *captureEvents
	pub      *StatePublisher
	manifest *BatchManifest
	calls    *activityCalls
	acts     Activities
	pipeline config.PipelineConfig
	resolver EntityResolver
	batchID  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		queue:   engine.NewQueue(kgforgetest.CreateTestDB(t)),
		objects: store.NewMemoryStore(),
		sink:    &captureEvents{},
		calls:   &activityCalls{},
		batchID: "batch_wf",
		manifest: &BatchManifest{
			Ontology:        OntologyRef{URI: "https://kg.example.com/ontology/f", Version: "1.0.0"},
			TargetNamespace: "https://kg.example.com/entity/",
			SHACLURI:        "https://kg.example.com/shapes.ttl",
			Documents: []DocumentRef{
				{ID: "doc-a", Source: "s3://docs/a", ContentType: "text/html"},
				{ID: "doc-b", Source: "s3://docs/b"},
				{ID: "doc-c", Source: "s3://docs/c"},
			},
		},
	}
	h.pub = NewStatePublisher(h.objects, h.sink, nil)

	c := h.calls
	h.acts = Activities{
		Preprocess: preprocessFunc(func(_ context.Context, in PreprocessInput) (*PreprocessOutput, error) {
			c.bump(&c.preprocess)
			out := &PreprocessOutput{Documents: make([]PreprocessedDocument, len(in.Documents))}
			for i, d := range in.Documents {
				out.Documents[i] = PreprocessedDocument{Document: d, Complexity: 0.7, EstimatedTokens: 1200, ContentType: "text/plain"}
			}
			return out, nil
		}),
		Extract: extractFunc(func(_ context.Context, in ExtractInput) (*ExtractOutput, error) {
			c.bump(&c.extract)
			c.mu.Lock()
			c.extractIn = append(c.extractIn, in)
			c.mu.Unlock()
			return &ExtractOutput{Graph: docGraph(in.Document.Document.ID)}, nil
		}),
		Infer: inferFunc(func(_ context.Context, in InferInput) (*InferOutput, error) {
			c.bump(&c.infer)
			return &InferOutput{}, nil
		}),
		Validate: validateFunc(func(_ context.Context, in ValidateInput) (*ValidateOutput, error) {
			c.bump(&c.validate)
			return &ValidateOutput{Conforms: true, Checked: len(in.Graph.Triples)}, nil
		}),
		PersistClaims: persistFunc(func(_ context.Context, in PersistClaimsInput) (*PersistClaimsOutput, error) {
			c.bump(&c.persist)
			c.mu.Lock()
			c.lastPersist = in
			c.mu.Unlock()
			return &PersistClaimsOutput{Persisted: len(in.Claims)}, nil
		}),
		Ingest: ingestFunc(func(_ context.Context, in IngestInput) (*IngestOutput, error) {
			c.bump(&c.ingest)
			c.mu.Lock()
			c.lastIngest = in
			c.mu.Unlock()
			return &IngestOutput{TriplesIngested: len(in.Triples)}, nil
		}),
	}
	return h
}

func (h *harness) workflow() *Workflow {
	return NewWorkflow(WorkflowDeps{
		Queue:      h.queue,
		Objects:    h.objects,
		Publisher:  h.pub,
		Activities: h.acts,
		Resolver:   h.resolver,
		Events:     h.sink,
		Pipeline:   h.pipeline,
	})
}

// start enqueues the batch the way the service does and dequeues it the
// way a worker does, returning the running execution.
func (h *harness) start() *engine.Execution {
	h.t.Helper()
	executionID := DeriveExecutionID(h.batchID, h.manifest)
	j := NewJournal(h.batchID, executionID, h.manifest)
	payload, err := EncodeJournal(j)
	require.NoError(h.t, err)

	e, err := engine.NewExecutionWithID(executionID, WorkflowName, h.batchID, payload, len(h.manifest.Documents))
	require.NoError(h.t, err)
	require.NoError(h.t, h.queue.Enqueue(e))
	require.NoError(h.t, h.pub.EmitState(context.Background(), j.State))

	running, err := h.queue.Dequeue()
	require.NoError(h.t, err)
	require.NotNil(h.t, running)
	require.Equal(h.t, executionID, running.ID)
	return running
}

func (h *harness) loadFinalState(executionID string) *BatchState {
	h.t.Helper()
	state, found, err := h.pub.LoadState(context.Background(), executionID)
	require.NoError(h.t, err)
	require.True(h.t, found)
	return state
}

func TestWorkflow_AllDocumentsSucceed(t *testing.T) {
	h := newHarness(t)
	e := h.start()

	require.NoError(t, h.workflow().Execute(context.Background(), e))

	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageComplete, state.Stage)
	assert.Equal(t, 3, state.SucceededCount())
	assert.Equal(t, 0, state.FailedCount())

	require.NotNil(t, state.Stats)
	assert.Equal(t, 3, state.Stats.DocumentsProcessed)
	assert.Equal(t, 3, state.Stats.DocumentsSucceeded)
	assert.Equal(t, 0, state.Stats.DocumentsFailed)
	assert.Equal(t, 6, state.Stats.EntitiesExtracted)
	assert.Equal(t, 3, state.Stats.RelationsExtracted)
	assert.Equal(t, 6, state.Stats.ClaimsExtracted)
	assert.Equal(t, 2, state.Stats.ClustersResolved, "one cluster per unique mention")
	assert.Equal(t, 6, state.Stats.TriplesIngested)
	assert.Positive(t, state.Stats.Duration)

	for _, d := range state.Documents {
		assert.Equal(t, DocSuccess, d.Status)
		assert.NotEmpty(t, d.GraphRef)
		assert.Equal(t, 2, d.EntityCount)
	}

	// The ingest activity saw the batch graph IRI and one triple per claim.
	wantIRI := graph.BatchGraphIRI(h.manifest.TargetNamespace, h.batchID)
	assert.Equal(t, wantIRI, h.calls.lastIngest.GraphIRI)
	assert.Len(t, h.calls.lastIngest.Triples, 6)

	// Claims were persisted before ingestion, stamped with the batch id.
	require.Len(t, h.calls.lastPersist.Claims, 6)
	for _, c := range h.calls.lastPersist.Claims {
		assert.Equal(t, h.batchID, c.BatchID)
		assert.Equal(t, graph.ClaimExtracted, c.Status)
	}

	assert.Equal(t, 1, h.calls.preprocess)
	assert.Equal(t, 3, h.calls.extract)
	assert.Equal(t, 0, h.calls.infer, "inference disabled by default")
	assert.Equal(t, 1, h.calls.validate)
	assert.Equal(t, 1, h.calls.persist)
	assert.Equal(t, 1, h.calls.ingest)

	started := h.sink.ofType(events.TypeStageStarted)
	require.Len(t, started, 5)
	assert.Len(t, h.sink.ofType(events.TypeBatchCompleted), 1)
	assert.Empty(t, h.sink.ofType(events.TypeBatchFailed))

	// Mid-stage extraction progress was observable: pending snapshot, one
	// per stage entry, and one per document at minimum.
	assert.GreaterOrEqual(t, len(h.sink.ofType(events.TypeBatchState)), 9)
}

func TestWorkflow_ResolutionRewritesClaims(t *testing.T) {
	h := newHarness(t)
	e := h.start()

	require.NoError(t, h.workflow().Execute(context.Background(), e))

	raw, found, err := h.objects.Get(context.Background(), BatchGraphKey(e.ID))
	require.NoError(t, err)
	require.True(t, found)
	var merged graph.ExtractionGraph
	require.NoError(t, json.Unmarshal(raw, &merged))

	wantAcme := graph.MintIRI(h.manifest.TargetNamespace, h.manifest.Ontology.URI, "Acme Corporation")
	wantJane := graph.MintIRI(h.manifest.TargetNamespace, h.manifest.Ontology.URI, "Jane Smith")

	for _, ent := range merged.Entities {
		switch ent.Mention {
		case "Acme Corporation":
			assert.Equal(t, wantAcme, ent.CanonicalIRI)
		case "Jane Smith":
			assert.Equal(t, wantJane, ent.CanonicalIRI)
		}
	}

	// IRI-kind claim references were rewritten to canonicals; literals kept.
	for _, c := range merged.Claims {
		if strings.HasSuffix(c.Predicate, "worksFor") {
			assert.Equal(t, wantJane, c.Subject)
			assert.Equal(t, wantAcme, c.Object)
		} else {
			assert.Equal(t, wantAcme, c.Subject)
			assert.Equal(t, "Acme Corporation", c.Object)
		}
	}
}

func TestWorkflow_PartialFailureCompletes(t *testing.T) {
	h := newHarness(t)
	inner := h.acts.Extract
	h.acts.Extract = extractFunc(func(ctx context.Context, in ExtractInput) (*ExtractOutput, error) {
		if in.Document.Document.ID == "doc-b" {
			return nil, errors.New("model produced unparseable output")
		}
		return inner.Execute(ctx, in)
	})
	e := h.start()

	require.NoError(t, h.workflow().Execute(context.Background(), e),
		"partial success is a success path")

	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageComplete, state.Stage)
	assert.Equal(t, 2, state.SucceededCount())
	assert.Equal(t, 1, state.FailedCount())

	failed := state.DocumentByID("doc-b")
	require.NotNil(t, failed)
	assert.Equal(t, DocFailed, failed.Status)
	assert.Equal(t, CodeExtractionFailed, failed.ErrorCode)
	assert.Contains(t, failed.ErrorMessage, "unparseable")

	assert.Equal(t, 2, state.Stats.DocumentsSucceeded)
	assert.Equal(t, 1, state.Stats.DocumentsFailed)
	assert.Equal(t, 4, state.Stats.EntitiesExtracted, "failed document contributes nothing")
}

func TestWorkflow_AllDocumentsFailedFailsBatch(t *testing.T) {
	h := newHarness(t)
	h.acts.Extract = extractFunc(func(_ context.Context, in ExtractInput) (*ExtractOutput, error) {
		return nil, errors.Newf("extractor down for %s", in.Document.Document.ID)
	})
	e := h.start()

	err := h.workflow().Execute(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 documents failed extraction")
	assert.Contains(t, err.Error(), "extractor down")

	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageFailed, state.Stage)
	assert.Equal(t, StageExtracting, state.FailedInStage)
	assert.Equal(t, StagePreprocessing, state.LastSuccessfulStage)
	assert.Equal(t, 3, state.FailedCount())

	assert.Len(t, h.sink.ofType(events.TypeBatchFailed), 1)
	assert.Empty(t, h.sink.ofType(events.TypeBatchCompleted))
}

func TestWorkflow_PreprocessFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.acts.Preprocess = preprocessFunc(func(_ context.Context, in PreprocessInput) (*PreprocessOutput, error) {
		return nil, errors.New("classifier offline")
	})
	e := h.start()

	require.NoError(t, h.workflow().Execute(context.Background(), e),
		"preprocessing failure is never batch-fatal")

	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageComplete, state.Stage)

	warnings := h.sink.ofType(events.TypeStageWarning)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0].Data["warning"], "classifier offline")

	// Extraction saw the fallback metadata, not enriched documents.
	require.Len(t, h.calls.extractIn, 3)
	for _, in := range h.calls.extractIn {
		assert.Equal(t, fallbackComplexity, in.Document.Complexity)
		assert.Zero(t, in.Document.EstimatedTokens)
	}
}

func TestWorkflow_SkipPreprocessing(t *testing.T) {
	h := newHarness(t)
	h.pipeline.SkipPreprocessing = true
	e := h.start()

	require.NoError(t, h.workflow().Execute(context.Background(), e))

	assert.Equal(t, 0, h.calls.preprocess, "skipped stage never runs its activity")
	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageComplete, state.Stage)

	for _, ev := range h.sink.ofType(events.TypeStageStarted) {
		assert.NotEqual(t, string(StagePreprocessing), ev.Data["stage"])
	}
}

func TestWorkflow_ValidationPolicyFailsBatch(t *testing.T) {
	h := newHarness(t)
	h.acts.Validate = validateFunc(func(_ context.Context, in ValidateInput) (*ValidateOutput, error) {
		report := &ValidateOutput{
			Conforms: false,
			Checked:  len(in.Graph.Triples),
			Violations: []Violation{
				{Severity: "violation", Focus: "ex:acme", Message: "missing required name"},
			},
		}
		return report, errors.New("validation policy: 1 violation")
	})
	e := h.start()

	err := h.workflow().Execute(context.Background(), e)
	require.Error(t, err)

	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageFailed, state.Stage)
	assert.Equal(t, StageValidating, state.FailedInStage)
	assert.Equal(t, StageResolving, state.LastSuccessfulStage)

	vf := h.sink.ofType(events.TypeValidationFailed)
	require.Len(t, vf, 1, "policy failure still publishes the report")
	assert.Equal(t, false, vf[0].Data["conforms"])
}

func TestWorkflow_NonConformingButPolicyPasses(t *testing.T) {
	h := newHarness(t)
	h.acts.Validate = validateFunc(func(_ context.Context, in ValidateInput) (*ValidateOutput, error) {
		return &ValidateOutput{
			Conforms:   false,
			Checked:    len(in.Graph.Triples),
			Violations: []Violation{{Severity: "warning", Message: "label missing language tag"}},
		}, nil
	})
	e := h.start()

	require.NoError(t, h.workflow().Execute(context.Background(), e))

	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageComplete, state.Stage, "policy left the batch alive")
	require.Len(t, h.sink.ofType(events.TypeValidationFailed), 1,
		"non-conformance is announced even when policy passes")
}

func TestWorkflow_InferenceAddsTriples(t *testing.T) {
	h := newHarness(t)
	h.pipeline.Inference.Enabled = true
	h.acts.Infer = inferFunc(func(_ context.Context, in InferInput) (*InferOutput, error) {
		h.calls.bump(&h.calls.infer)
		return &InferOutput{
			RulesApplied: 2,
			NewTriples: []graph.Triple{
				{GraphIRI: in.GraphIRI, Subject: "ex:jane", Predicate: "rdf:type", Object: "ex:Agent"},
				{GraphIRI: in.GraphIRI, Subject: "ex:acme", Predicate: "rdf:type", Object: "ex:Agent"},
			},
		}, nil
	})
	e := h.start()

	require.NoError(t, h.workflow().Execute(context.Background(), e))

	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageComplete, state.Stage)
	assert.Equal(t, 2, state.InferredCount)
	assert.Equal(t, 8, state.TripleCount, "six claim triples plus two inferred")
	assert.Len(t, h.calls.lastIngest.Triples, 8, "ingestion carries the inferred triples")
	assert.Equal(t, 8, state.Stats.TriplesIngested)
}

func TestWorkflow_ReplaySkipsCompletedStages(t *testing.T) {
	h := newHarness(t)
	flaky := true
	h.acts.Validate = validateFunc(func(_ context.Context, in ValidateInput) (*ValidateOutput, error) {
		h.calls.bump(&h.calls.validate)
		if flaky {
			return nil, errors.New("shapes endpoint timeout")
		}
		return &ValidateOutput{Conforms: true, Checked: len(in.Graph.Triples)}, nil
	})
	e := h.start()
	wf := h.workflow()

	err := wf.Execute(context.Background(), e)
	require.Error(t, err)
	assert.Equal(t, StageFailed, h.loadFinalState(e.ID).Stage)

	// The engine would re-dispatch with the checkpointed payload. The
	// replay must not redo extraction or resolution.
	flaky = false
	require.NoError(t, wf.Execute(context.Background(), e))

	assert.Equal(t, StageComplete, h.loadFinalState(e.ID).Stage)
	assert.Equal(t, 1, h.calls.preprocess, "preprocessing ran once across both attempts")
	assert.Equal(t, 3, h.calls.extract, "extraction not replayed")
	assert.Equal(t, 2, h.calls.validate, "only the failed stage reran")
	assert.Equal(t, 1, h.calls.ingest)
}

func TestWorkflow_CancelObservedAtStageBoundary(t *testing.T) {
	h := newHarness(t)
	e := h.start()
	require.NoError(t, h.queue.CancelExecution(e.ID, "interrupted"))

	err := h.workflow().Execute(context.Background(), e)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	state := h.loadFinalState(e.ID)
	assert.NotEqual(t, StageFailed, state.Stage, "cancellation does not fail the batch state")
	assert.Equal(t, 0, h.calls.extract, "no stage ran past the gate")
}

func TestWorkflow_SuspendObservedAtStageBoundary(t *testing.T) {
	h := newHarness(t)
	e := h.start()
	require.NoError(t, h.queue.SuspendExecution(e.ID, "paused by operator"))

	err := h.workflow().Execute(context.Background(), e)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSuspended))

	state := h.loadFinalState(e.ID)
	assert.NotEqual(t, StageFailed, state.Stage, "suspension preserves the checkpointed state")
}

// failingSetStore fails writes under a key prefix.
type failingSetStore struct {
	store.Store
	failPrefix string
}

func (s *failingSetStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, s.failPrefix) {
		return errors.Newf("disk full writing %s", key)
	}
	return s.Store.Set(ctx, key, value)
}

func TestWorkflow_StorageFailureDuringResolvingIsFatal(t *testing.T) {
	h := newHarness(t)
	h.objects = &failingSetStore{Store: h.objects, failPrefix: batchGraphPrefix}
	h.pub = NewStatePublisher(h.objects, h.sink, nil)
	e := h.start()

	err := h.workflow().Execute(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageFailed, state.Stage)
	assert.Equal(t, StageResolving, state.FailedInStage)
	assert.Equal(t, StageExtracting, state.LastSuccessfulStage)
}

// stubResolver returns a canned resolution or error.
type stubResolver struct {
	res   *resolve.Resolution
	err   error
	calls int
	seen  []graph.Entity
}

func (r *stubResolver) ResolveBatch(_ context.Context, _ string, entities []graph.Entity, _ string) (*resolve.Resolution, error) {
	r.calls++
	r.seen = entities
	if r.err != nil {
		return nil, r.err
	}
	return r.res, nil
}

func TestWorkflow_ResolverRefinesIdentities(t *testing.T) {
	h := newHarness(t)
	registryIRI := "https://kg.example.com/entity/acme-corporation-zzz"
	rs := &stubResolver{res: &resolve.Resolution{
		CanonicalByEntityID: map[string]string{
			"doc-a#e0": registryIRI,
			"doc-b#e0": registryIRI,
			"doc-c#e0": registryIRI,
		},
		Stats: resolve.Stats{TotalEntities: 6, MatchedToExisting: 1, CreatedNew: 1},
	}}
	h.resolver = rs
	e := h.start()

	require.NoError(t, h.workflow().Execute(context.Background(), e))
	assert.Equal(t, 1, rs.calls)
	assert.Len(t, rs.seen, 6, "resolver sees the full merged entity set")

	raw, _, err := h.objects.Get(context.Background(), BatchGraphKey(e.ID))
	require.NoError(t, err)
	var merged graph.ExtractionGraph
	require.NoError(t, json.Unmarshal(raw, &merged))
	for _, ent := range merged.Entities {
		if ent.Mention == "Acme Corporation" {
			assert.Equal(t, registryIRI, ent.CanonicalIRI, "registry identity wins over within-batch mint")
		}
	}
}

func TestWorkflow_ResolverFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	rs := &stubResolver{err: errors.New("registry database is locked")}
	h.resolver = rs
	e := h.start()

	require.NoError(t, h.workflow().Execute(context.Background(), e),
		"resolver trouble downgrades to a warning")

	state := h.loadFinalState(e.ID)
	assert.Equal(t, StageComplete, state.Stage)
	assert.Equal(t, 2, state.Stats.ClustersResolved, "within-batch identities survive")

	warnings := h.sink.ofType(events.TypeStageWarning)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0].Data["warning"], "cross-batch resolution failed")
}

func TestJournal_StageDone(t *testing.T) {
	j := &Journal{}
	assert.False(t, j.stageDone(StagePreprocessing))

	j.LastCompleted = StageResolving
	assert.True(t, j.stageDone(StagePreprocessing))
	assert.True(t, j.stageDone(StageResolving))
	assert.False(t, j.stageDone(StageValidating))
	assert.False(t, j.stageDone(StageIngesting))
}

func TestDecodeJournal_Rejects(t *testing.T) {
	_, err := DecodeJournal(nil)
	assert.Error(t, err)

	_, err = DecodeJournal([]byte("{"))
	assert.Error(t, err)

	_, err = DecodeJournal([]byte(`{"batch_id":"b"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing manifest or state")
}
