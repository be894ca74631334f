package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/events"
	"github.com/kriegcloud/kgforge/graph"
	"github.com/kriegcloud/kgforge/logger"
	"github.com/kriegcloud/kgforge/resolve"
	"github.com/kriegcloud/kgforge/store"
)

// WorkflowName is the handler name batch executions are enqueued under.
const WorkflowName = "batch.extract"

// extractConcurrency bounds the per-document extraction fan-out.
const extractConcurrency = 5

// Object-store key prefixes for graph artifacts.
const (
	docGraphPrefix   = "docgraph/"
	batchGraphPrefix = "batchgraph/"
)

// DocumentGraphKey is where one document's extraction graph is stored.
func DocumentGraphKey(executionID, documentID string) string {
	return docGraphPrefix + executionID + "/" + documentID
}

// BatchGraphKey is where the merged, resolved batch graph is stored.
func BatchGraphKey(executionID string) string {
	return batchGraphPrefix + executionID
}

// Journal is the durable workflow payload: everything a re-dispatched
// execution needs to resume. It is re-encoded into the execution row
// only at stage boundaries, so a crash mid-stage replays that stage from
// its beginning.
type Journal struct {
	BatchID  string         `json:"batch_id"`
	Manifest *BatchManifest `json:"manifest"`
	State    *BatchState    `json:"state"`

	// LastCompleted is the highest pipeline stage that finished cleanly.
	// Re-entry skips stages at or below it.
	LastCompleted Stage `json:"last_completed,omitempty"`

	Preprocessed     []PreprocessedDocument `json:"preprocessed,omitempty"`
	GraphKey         string                 `json:"graph_key,omitempty"`
	ClustersResolved int                    `json:"clusters_resolved,omitempty"`
	TriplesIngested  int                    `json:"triples_ingested,omitempty"`
}

// NewJournal creates the initial journal for a batch submission.
func NewJournal(batchID, executionID string, m *BatchManifest) *Journal {
	return &Journal{
		BatchID:  batchID,
		Manifest: m,
		State:    NewBatchState(batchID, executionID, m.Documents),
	}
}

// EncodeJournal serializes a journal for the execution payload.
func EncodeJournal(j *Journal) (json.RawMessage, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode journal")
	}
	return data, nil
}

// DecodeJournal deserializes an execution payload.
func DecodeJournal(raw json.RawMessage) (*Journal, error) {
	if len(raw) == 0 {
		return nil, errors.New("execution has no journal payload")
	}
	var j Journal
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, errors.Wrap(err, "failed to decode journal")
	}
	if j.Manifest == nil || j.State == nil {
		return nil, errors.New("journal missing manifest or state")
	}
	return &j, nil
}

// stageDone reports whether the journal has already completed the stage.
func (j *Journal) stageDone(s Stage) bool {
	done := j.LastCompleted.ordinal()
	return done >= 0 && done >= s.ordinal()
}

// buildStats aggregates the terminal statistics for a completed batch.
func (j *Journal) buildStats() *graph.Stats {
	return &graph.Stats{
		DocumentsProcessed: len(j.State.Documents),
		DocumentsSucceeded: j.State.SucceededCount(),
		DocumentsFailed:    j.State.FailedCount(),
		EntitiesExtracted:  j.State.EntityCount,
		RelationsExtracted: j.State.RelationCount,
		ClaimsExtracted:    j.State.ClaimCount,
		ClustersResolved:   j.ClustersResolved,
		TriplesIngested:    j.TriplesIngested,
		Duration:           time.Since(j.State.StartedAt),
	}
}

// WorkflowDeps wires the orchestrator to its collaborators. Queue,
// Objects, Publisher, and the required activities must be set; Resolver
// nil disables cross-batch resolution, Events nil disables fan-out, and
// Logger nil falls back to nop.
type WorkflowDeps struct {
	Queue      *engine.Queue
	Objects    store.Store
	Publisher  *StatePublisher
	Activities Activities
	Resolver   EntityResolver
	Events     events.Publisher
	Pipeline   config.PipelineConfig
	Logger     *zap.SugaredLogger
}

// Workflow is the batch extraction orchestrator: the engine handler that
// drives a journaled batch through the stage pipeline.
type Workflow struct {
	deps   WorkflowDeps
	logger *zap.SugaredLogger
}

// NewWorkflow creates the orchestrator handler.
func NewWorkflow(deps WorkflowDeps) *Workflow {
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &Workflow{
		deps:   deps,
		logger: deps.Logger.Named("batch.workflow"),
	}
}

// Name implements engine.WorkflowHandler.
func (w *Workflow) Name() string { return WorkflowName }

// Execute implements engine.WorkflowHandler. Any error escaping the
// stage pipeline, including a panic, finalizes the batch state as Failed
// before the error re-raises to the engine's retry policy. Cancellation
// and suspension pass through without failing the batch: the journal
// checkpoint lets a resumed execution pick up at the next stage.
func (w *Workflow) Execute(ctx context.Context, e *engine.Execution) (err error) {
	j, derr := DecodeJournal(e.Payload)
	if derr != nil {
		return derr
	}
	log := w.logger.With(
		logger.FieldBatchID, j.BatchID,
		logger.FieldExecutionID, e.ID)

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("workflow panic: %v", r)
		}
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, errors.ErrSuspended) {
			return
		}
		w.failBatch(j, e, err, log)
	}()

	return w.run(ctx, j, e, log)
}

type stageFn func(ctx context.Context, j *Journal, e *engine.Execution, log *zap.SugaredLogger) error

func (w *Workflow) run(ctx context.Context, j *Journal, e *engine.Execution, log *zap.SugaredLogger) error {
	steps := []struct {
		stage Stage
		fn    stageFn
	}{
		{StagePreprocessing, w.runPreprocessing},
		{StageExtracting, w.runExtracting},
		{StageResolving, w.runResolving},
		{StageValidating, w.runValidating},
		{StageIngesting, w.runIngesting},
	}

	for _, step := range steps {
		if j.stageDone(step.stage) {
			log.Infow("Skipping completed stage", logger.FieldStage, string(step.stage))
			continue
		}
		if err := w.gate(ctx, e); err != nil {
			return err
		}

		if step.stage == StagePreprocessing && w.deps.Pipeline.SkipPreprocessing {
			j.Preprocessed = FallbackPreprocessed(j.Manifest.Documents)
			j.LastCompleted = StagePreprocessing
			w.checkpoint(j, e, log)
			log.Infow("Preprocessing skipped by config")
			continue
		}

		e.SetStage(string(step.stage))
		j.State.Advance(step.stage)
		if err := w.deps.Publisher.EmitState(ctx, j.State); err != nil {
			return err
		}
		w.emitStage(ctx, events.TypeStageStarted, j, e, step.stage)

		if err := step.fn(ctx, j, e, log); err != nil {
			return errors.Wrapf(err, "%s stage", string(step.stage))
		}

		j.LastCompleted = step.stage
		w.checkpoint(j, e, log)
		w.emitStage(ctx, events.TypeStageCompleted, j, e, step.stage)
	}

	return w.finalize(ctx, j, e, log)
}

// gate refuses to enter the next stage when the execution was cancelled
// or suspended from outside. The queue row is the source of truth; the
// worker pool has no per-execution cancel handle.
func (w *Workflow) gate(ctx context.Context, e *engine.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := w.deps.Queue.GetExecution(e.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to reload execution %s", e.ID)
	}
	switch current.Status {
	case engine.StatusCancelled:
		return errors.Wrapf(context.Canceled, "execution %s cancelled", e.ID)
	case engine.StatusSuspended:
		return errors.Wrapf(errors.ErrSuspended, "execution %s suspended", e.ID)
	}
	return nil
}

// checkpoint re-encodes the journal into the execution payload. This is
// the only place the payload bytes change; mid-stage UpdateExecution
// calls persist progress counters against the previous checkpoint, so a
// crash replays from the last completed stage.
func (w *Workflow) checkpoint(j *Journal, e *engine.Execution, log *zap.SugaredLogger) {
	raw, err := EncodeJournal(j)
	if err != nil {
		log.Errorw("Failed to encode journal checkpoint", logger.FieldError, err.Error())
		return
	}
	e.Payload = raw
	if err := w.deps.Queue.UpdateExecution(e); err != nil {
		log.Warnw("Failed to persist checkpoint",
			logger.FieldStage, e.Stage,
			logger.FieldError, err.Error())
	}
}

// runPreprocessing enriches the manifest documents. Activity failures
// fall back to default metadata with a warning; this stage is never
// batch-fatal.
func (w *Workflow) runPreprocessing(ctx context.Context, j *Journal, e *engine.Execution, log *zap.SugaredLogger) error {
	act := w.deps.Activities.Preprocess
	if act == nil {
		log.Warnw("Preprocess activity not configured, using fallback metadata")
		w.emitWarning(ctx, j, e, StagePreprocessing, "preprocess activity not configured")
		j.Preprocessed = FallbackPreprocessed(j.Manifest.Documents)
		return nil
	}

	out, err := act.Execute(ctx, PreprocessInput{BatchID: j.BatchID, Documents: j.Manifest.Documents})
	switch {
	case err != nil:
		log.Warnw("Preprocessing failed, falling back to manifest documents",
			logger.FieldError, err.Error())
		w.emitWarning(ctx, j, e, StagePreprocessing, "preprocessing failed: "+err.Error())
		j.Preprocessed = FallbackPreprocessed(j.Manifest.Documents)
	case len(out.Documents) != len(j.Manifest.Documents):
		log.Warnw("Preprocessing returned wrong document count, falling back",
			"got", len(out.Documents),
			"want", len(j.Manifest.Documents))
		w.emitWarning(ctx, j, e, StagePreprocessing, "preprocessing returned wrong document count")
		j.Preprocessed = FallbackPreprocessed(j.Manifest.Documents)
	default:
		j.Preprocessed = out.Documents
	}
	return nil
}

// runExtracting fans extraction out over the documents with bounded
// concurrency. One document's failure is recorded on its status and
// never aborts siblings; the stage fails only when every document does.
// Progress republishes after each document so mid-stage state is
// observable.
func (w *Workflow) runExtracting(ctx context.Context, j *Journal, e *engine.Execution, log *zap.SugaredLogger) error {
	docs := j.Preprocessed
	if len(docs) == 0 {
		docs = FallbackPreprocessed(j.Manifest.Documents)
	}

	// mu serializes state mutation, progress persistence, and publishes;
	// snapshots must not interleave or UpdatedAt ordering breaks.
	var (
		mu        sync.Mutex
		completed int
		firstErr  error
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(extractConcurrency)

	for i := range docs {
		doc := docs[i]
		g.Go(func() error {
			status := j.State.DocumentByID(doc.Document.ID)
			if status == nil {
				return errors.Newf("no status record for document %s", doc.Document.ID)
			}

			mu.Lock()
			if status.Status != DocPending {
				// Already settled by an earlier pass over this stage.
				mu.Unlock()
				return nil
			}
			if err := status.MarkProcessing(); err != nil {
				mu.Unlock()
				return err
			}
			j.State.Touch()
			mu.Unlock()

			out, execErr := w.deps.Activities.Extract.Execute(gCtx, ExtractInput{
				BatchID:         j.BatchID,
				Document:        doc,
				Ontology:        j.Manifest.Ontology,
				TargetNamespace: j.Manifest.TargetNamespace,
			})
			if execErr == nil && (out == nil || out.Graph == nil) {
				execErr = errors.Newf("extraction returned no graph for document %s", doc.Document.ID)
			}

			failCode := CodeExtractionFailed
			var graphRef string
			if execErr == nil {
				graphRef = DocumentGraphKey(j.State.ExecutionID, doc.Document.ID)
				if data, merr := json.Marshal(out.Graph); merr != nil {
					execErr = errors.Wrap(merr, "failed to encode document graph")
					failCode = CodeStorageFailed
				} else if serr := w.deps.Objects.Set(gCtx, graphRef, data); serr != nil {
					execErr = errors.Wrapf(serr, "failed to store graph for document %s", doc.Document.ID)
					failCode = CodeStorageFailed
				}
			}

			mu.Lock()
			defer mu.Unlock()

			var markErr error
			if execErr != nil {
				log.Warnw("Document extraction failed",
					logger.FieldDocumentID, doc.Document.ID,
					logger.FieldErrorCode, failCode,
					logger.FieldError, execErr.Error())
				if firstErr == nil {
					firstErr = execErr
				}
				markErr = status.MarkFailed(failCode, execErr.Error())
			} else {
				markErr = status.MarkSuccess(graphRef,
					out.Graph.EntityCount(), out.Graph.RelationCount(), out.Graph.ClaimCount())
			}
			if markErr != nil {
				return markErr
			}

			completed++
			e.UpdateProgress(completed)
			j.State.Touch()
			if err := w.deps.Publisher.EmitState(gCtx, j.State); err != nil {
				log.Warnw("Mid-stage state publish failed", logger.FieldError, err.Error())
			}
			if err := w.deps.Queue.UpdateExecution(e); err != nil {
				log.Warnw("Failed to persist extraction progress", logger.FieldError, err.Error())
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	succeeded := j.State.SucceededCount()
	failed := j.State.FailedCount()
	log.Infow("Extraction finished", "succeeded", succeeded, "failed", failed)

	if succeeded == 0 {
		return errors.Newf("all %d documents failed extraction: first error: %v", len(docs), firstErr)
	}

	j.State.Touch()
	return w.deps.Publisher.EmitState(ctx, j.State)
}

// runResolving merges the per-document graphs, assigns within-batch
// canonical IRIs, and refines them through the cross-batch resolver when
// one is wired. Resolver failure downgrades to a warning; the batch
// proceeds on within-batch identities. Object store failures are fatal:
// without the merged graph nothing downstream can run.
func (w *Workflow) runResolving(ctx context.Context, j *Journal, e *engine.Execution, log *zap.SugaredLogger) error {
	graphs := make([]*graph.ExtractionGraph, 0, len(j.State.Documents))
	for i := range j.State.Documents {
		doc := &j.State.Documents[i]
		if doc.Status != DocSuccess {
			continue
		}
		g, err := w.loadGraph(ctx, doc.GraphRef)
		if err != nil {
			return errors.Wrapf(err, "document %s", doc.DocumentID)
		}
		graphs = append(graphs, g)
	}

	merged := graph.Merge(graphs)
	scope := j.Manifest.Ontology.URI

	canonical := resolve.WithinBatch(j.Manifest.TargetNamespace, scope, merged.Entities)
	j.ClustersResolved = countDistinct(canonical)

	if w.deps.Resolver != nil && len(merged.Entities) > 0 {
		res, err := w.deps.Resolver.ResolveBatch(ctx, scope, merged.Entities, j.BatchID)
		if err != nil {
			log.Warnw("Cross-batch resolution failed, keeping within-batch identities",
				logger.FieldScope, scope,
				logger.FieldError, err.Error())
			w.emitWarning(ctx, j, e, StageResolving, "cross-batch resolution failed: "+err.Error())
		} else {
			for id, iri := range res.CanonicalByEntityID {
				canonical[id] = iri
			}
			j.ClustersResolved = countDistinct(canonical)
			log.Infow("Cross-batch resolution finished",
				"matched", res.Stats.MatchedToExisting,
				"created", res.Stats.CreatedNew,
				"candidates_evaluated", res.Stats.CandidatesEvaluated)
		}
	}

	merged.ApplyResolution(canonical)
	merged.ResolveClaimRefs()

	key := BatchGraphKey(j.State.ExecutionID)
	if err := w.saveGraph(ctx, key, merged); err != nil {
		return err
	}
	j.GraphKey = key

	j.State.EntityCount = len(merged.Entities)
	j.State.RelationCount = len(merged.Relations)
	j.State.ClaimCount = len(merged.Claims)
	j.State.Touch()
	return w.deps.Publisher.EmitState(ctx, j.State)
}

// runValidating compiles the batch graph's triples, runs the optional
// inference pass, and validates the result. Non-conformance always
// publishes a validation event; whether it fails the batch is the
// validation activity's call, driven by the effective policy.
func (w *Workflow) runValidating(ctx context.Context, j *Journal, e *engine.Execution, log *zap.SugaredLogger) error {
	g, err := w.loadGraph(ctx, j.GraphKey)
	if err != nil {
		return err
	}

	graphIRI := graph.BatchGraphIRI(j.Manifest.TargetNamespace, j.BatchID)
	if len(g.Triples) == 0 {
		g.Triples = graph.ClaimsToTriples(graphIRI, g.Claims)
	}

	if w.deps.Pipeline.Inference.Enabled && w.deps.Activities.Infer != nil {
		out, inferErr := w.deps.Activities.Infer.Execute(ctx, InferInput{
			BatchID:  j.BatchID,
			GraphIRI: graphIRI,
			Graph:    g,
		})
		if inferErr != nil {
			return errors.Wrap(inferErr, "inference failed")
		}
		if len(out.NewTriples) > 0 {
			g.Triples = append(g.Triples, out.NewTriples...)
			j.State.InferredCount = len(out.NewTriples)
		}
		log.Infow("Inference finished",
			"rules_applied", out.RulesApplied,
			"new_triples", len(out.NewTriples))
	}

	policy := j.Manifest.EffectivePolicy(w.deps.Pipeline.Validation)
	report, vErr := w.deps.Activities.Validate.Execute(ctx, ValidateInput{
		BatchID:  j.BatchID,
		GraphIRI: graphIRI,
		ShaclURI: j.Manifest.SHACLURI,
		Graph:    g,
		Policy:   policy,
	})
	if report != nil && !report.Conforms {
		// Published regardless of policy outcome: observers see every
		// non-conforming batch, even ones the policy lets through.
		w.emitValidationFailed(ctx, j, e, report)
	}
	if vErr != nil {
		return errors.Wrap(vErr, "validation failed")
	}

	// Persist the graph with its compiled and inferred triples so an
	// Ingesting replay reads them back instead of recomputing.
	if err := w.saveGraph(ctx, j.GraphKey, g); err != nil {
		return err
	}

	j.State.TripleCount = len(g.Triples)
	j.State.Touch()
	return w.deps.Publisher.EmitState(ctx, j.State)
}

// runIngesting persists claims, then writes the validated triples to the
// canonical store. Claims land first so an ingestion crash leaves an
// auditable record; the ingest activity promotes them once the triples
// are in.
func (w *Workflow) runIngesting(ctx context.Context, j *Journal, e *engine.Execution, log *zap.SugaredLogger) error {
	g, err := w.loadGraph(ctx, j.GraphKey)
	if err != nil {
		return err
	}

	graphIRI := graph.BatchGraphIRI(j.Manifest.TargetNamespace, j.BatchID)

	if len(g.Claims) > 0 {
		claims := make([]graph.Claim, len(g.Claims))
		copy(claims, g.Claims)
		for i := range claims {
			claims[i].BatchID = j.BatchID
			claims[i].Status = graph.ClaimExtracted
		}
		out, persistErr := w.deps.Activities.PersistClaims.Execute(ctx, PersistClaimsInput{
			BatchID: j.BatchID,
			Claims:  claims,
		})
		if persistErr != nil {
			return errors.Wrap(persistErr, "claim persistence failed")
		}
		log.Infow("Claims persisted", logger.FieldCount, out.Persisted)
	}

	out, ingestErr := w.deps.Activities.Ingest.Execute(ctx, IngestInput{
		BatchID:  j.BatchID,
		GraphIRI: graphIRI,
		Triples:  g.Triples,
	})
	if ingestErr != nil {
		return errors.Wrap(ingestErr, "ingestion failed")
	}
	j.TriplesIngested = out.TriplesIngested

	j.State.Touch()
	return w.deps.Publisher.EmitState(ctx, j.State)
}

// finalize publishes the terminal Complete state with aggregate stats.
func (w *Workflow) finalize(ctx context.Context, j *Journal, e *engine.Execution, log *zap.SugaredLogger) error {
	stats := j.buildStats()
	j.State.CompleteWith(stats)
	if err := w.deps.Publisher.EmitState(ctx, j.State); err != nil {
		return err
	}

	e.SetStage(string(StageComplete))
	w.checkpoint(j, e, log)

	log.Infow("Batch complete",
		"documents_succeeded", stats.DocumentsSucceeded,
		"documents_failed", stats.DocumentsFailed,
		"entities", stats.EntitiesExtracted,
		"clusters_resolved", stats.ClustersResolved,
		"triples_ingested", stats.TriplesIngested,
		logger.FieldDurationMS, stats.Duration.Milliseconds())
	return nil
}

// failBatch finalizes the state as Failed before the error re-raises to
// the engine. The workflow context may already be dead, so publication
// runs on a short detached context.
func (w *Workflow) failBatch(j *Journal, e *engine.Execution, cause error, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	failedIn := j.State.Stage
	j.State.FailWith(cause.Error(), failedIn, j.LastCompleted)
	if err := w.deps.Publisher.EmitState(ctx, j.State); err != nil {
		log.Errorw("Failed to publish failure state", logger.FieldError, err.Error())
	}
	e.SetStage(string(StageFailed))
	w.checkpoint(j, e, log)

	log.Errorw("Batch failed",
		logger.FieldStage, string(failedIn),
		logger.FieldError, cause.Error())
}

func (w *Workflow) emitStage(ctx context.Context, t events.Type, j *Journal, e *engine.Execution, stage Stage) {
	w.deps.Events.Publish(ctx, events.New(t, j.BatchID, e.ID, map[string]interface{}{
		"stage": string(stage),
	}))
}

func (w *Workflow) emitWarning(ctx context.Context, j *Journal, e *engine.Execution, stage Stage, msg string) {
	w.deps.Events.Publish(ctx, events.New(events.TypeStageWarning, j.BatchID, e.ID, map[string]interface{}{
		"stage":   string(stage),
		"warning": msg,
	}))
}

func (w *Workflow) emitValidationFailed(ctx context.Context, j *Journal, e *engine.Execution, report *ValidateOutput) {
	violations := make([]map[string]interface{}, 0, len(report.Violations))
	for _, v := range report.Violations {
		violations = append(violations, map[string]interface{}{
			"severity": v.Severity,
			"focus":    v.Focus,
			"path":     v.Path,
			"message":  v.Message,
		})
	}
	w.deps.Events.Publish(ctx, events.New(events.TypeValidationFailed, j.BatchID, e.ID, map[string]interface{}{
		"conforms":   report.Conforms,
		"checked":    report.Checked,
		"violations": violations,
	}))
}

func (w *Workflow) saveGraph(ctx context.Context, key string, g *graph.ExtractionGraph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return errors.Wrap(err, "failed to encode graph")
	}
	if err := w.deps.Objects.Set(ctx, key, data); err != nil {
		return errors.Wrapf(err, "failed to store graph at %s", key)
	}
	return nil
}

func (w *Workflow) loadGraph(ctx context.Context, key string) (*graph.ExtractionGraph, error) {
	raw, found, err := w.deps.Objects.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load graph at %s", key)
	}
	if !found {
		return nil, errors.NewNotFoundError("graph %s", key)
	}
	var g graph.ExtractionGraph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, errors.Wrapf(err, "corrupt graph at %s", key)
	}
	return &g, nil
}

// countDistinct counts unique canonical IRIs in an entity-to-IRI map.
func countDistinct(m map[string]string) int {
	seen := make(map[string]struct{}, len(m))
	for _, iri := range m {
		seen[iri] = struct{}{}
	}
	return len(seen)
}
