package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/graph"
	"github.com/kriegcloud/kgforge/llm"
	"github.com/kriegcloud/kgforge/logger"
	"github.com/kriegcloud/kgforge/store"
)

// maxPromptRunes caps how much document text goes into one extraction
// prompt. Longer documents are truncated; chunked extraction is a
// deliberate non-feature until someone needs it.
const maxPromptRunes = 24000

const extractionSystemPrompt = `You are a knowledge-graph extraction engine. Extract entities, relations, and claims from the document you are given.

Respond with a single JSON object in exactly this shape:
{
  "entities":  [{"id": "e1", "mention": "...", "types": ["..."], "confidence": 0.9}],
  "relations": [{"subject_id": "e1", "predicate": "worksFor", "object_id": "e2", "confidence": 0.8}],
  "claims":    [{"subject_id": "e1", "predicate": "worksFor", "object_id": "e2", "confidence": 0.8},
                {"subject_id": "e1", "predicate": "name", "value": "a literal", "confidence": 0.9}]
}

Rules:
- Entity ids are local to this document: "e1", "e2", and so on.
- Use predicate and type names from the ontology context when they fit.
- A claim has either "object_id" (another entity) or "value" (a literal), never both.
- Confidence is your calibrated belief in [0, 1].
- Extract only what the document states. Never use outside knowledge.
- If the document contains nothing extractable, return empty arrays.`

// Extractor turns one document into an extraction graph by prompting
// the configured model and normalizing its JSON reply.
type Extractor struct {
	chatter llm.Chatter
	loader  *Loader
	objects store.Store
	logger  *zap.SugaredLogger
}

// NewExtractor creates the extraction activity.
func NewExtractor(chatter llm.Chatter, loader *Loader, objects store.Store, log *zap.SugaredLogger) *Extractor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Extractor{chatter: chatter, loader: loader, objects: objects, logger: log.Named("pipeline.extract")}
}

// Execute extracts one document. Errors here fail that document, not
// the batch; the orchestrator aggregates per-document outcomes.
func (e *Extractor) Execute(ctx context.Context, in batch.ExtractInput) (*batch.ExtractOutput, error) {
	docID := in.Document.Document.ID

	text, err := e.documentText(ctx, in.Document)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.Newf("document %s is empty", docID)
	}
	text = truncateRunes(text, maxPromptRunes)

	resp, err := e.chatter.ChatJSON(ctx, llm.ChatRequest{
		SystemPrompt: extractionSystemPrompt,
		UserPrompt:   extractionUserPrompt(in, text),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "model extraction failed for document %s", docID)
	}

	var wire wireGraph
	if err := json.Unmarshal([]byte(resp.Content), &wire); err != nil {
		return nil, errors.Wrapf(err, "model returned unparseable extraction for document %s", docID)
	}

	g := e.buildGraph(docID, in.Ontology.URI, &wire)
	e.logger.Infow("Extracted document",
		logger.FieldDocumentID, docID,
		"entities", len(g.Entities),
		"relations", len(g.Relations),
		"claims", len(g.Claims),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return &batch.ExtractOutput{Graph: g}, nil
}

// documentText prefers the reduced text preprocessing stored; documents
// without one (preprocessing skipped or fell back) read their original
// source.
func (e *Extractor) documentText(ctx context.Context, doc batch.PreprocessedDocument) (string, error) {
	if doc.TextKey != "" {
		value, found, err := e.objects.Get(ctx, doc.TextKey)
		if err != nil {
			return "", errors.Wrapf(err, "failed to load reduced text for document %s", doc.Document.ID)
		}
		if found {
			return string(value), nil
		}
		e.logger.Warnw("Reduced text missing, reading original source",
			logger.FieldDocumentID, doc.Document.ID,
			"text_key", doc.TextKey)
	}

	content, _, err := e.loader.Load(ctx, doc.Document)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func extractionUserPrompt(in batch.ExtractInput, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ontology: %s (version %s)\n", in.Ontology.URI, in.Ontology.Version)
	fmt.Fprintf(&b, "Target namespace: %s\n\n", in.TargetNamespace)
	fmt.Fprintf(&b, "Document %s:\n%s", in.Document.Document.ID, text)
	return b.String()
}

// wireGraph is the JSON shape the model replies with.
type wireGraph struct {
	Entities  []wireEntity   `json:"entities"`
	Relations []wireRelation `json:"relations"`
	Claims    []wireClaim    `json:"claims"`
}

type wireEntity struct {
	ID         string   `json:"id"`
	Mention    string   `json:"mention"`
	Types      []string `json:"types"`
	Confidence float64  `json:"confidence"`
}

type wireRelation struct {
	SubjectID  string  `json:"subject_id"`
	Predicate  string  `json:"predicate"`
	ObjectID   string  `json:"object_id"`
	Confidence float64 `json:"confidence"`
}

type wireClaim struct {
	SubjectID  string  `json:"subject_id"`
	Predicate  string  `json:"predicate"`
	ObjectID   string  `json:"object_id"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// buildGraph normalizes the model's reply into a document graph:
// document-scoped ids, qualified claim predicates, clamped confidences.
// Entries referencing unknown entities are dropped with a warning
// rather than poisoning the batch.
func (e *Extractor) buildGraph(docID, ontologyURI string, wire *wireGraph) *graph.ExtractionGraph {
	g := graph.NewExtractionGraph()
	idMap := make(map[string]string, len(wire.Entities))

	for _, we := range wire.Entities {
		mention := strings.TrimSpace(we.Mention)
		if mention == "" {
			e.logger.Warnw("Dropping entity without mention", logger.FieldDocumentID, docID)
			continue
		}
		if we.ID != "" {
			if _, dup := idMap[we.ID]; dup {
				e.logger.Warnw("Dropping entity with duplicate id",
					logger.FieldDocumentID, docID, "entity_id", we.ID)
				continue
			}
		}
		fullID := fmt.Sprintf("%s#e%d", docID, len(g.Entities))
		if we.ID != "" {
			idMap[we.ID] = fullID
		}
		g.Entities = append(g.Entities, graph.Entity{
			ID:         fullID,
			Mention:    mention,
			Types:      we.Types,
			Confidence: clampConfidence(we.Confidence),
			DocumentID: docID,
		})
	}

	for _, wr := range wire.Relations {
		subj, okS := idMap[wr.SubjectID]
		obj, okO := idMap[wr.ObjectID]
		if !okS || !okO || wr.Predicate == "" {
			e.logger.Warnw("Dropping relation with unknown reference",
				logger.FieldDocumentID, docID,
				logger.FieldSubject, wr.SubjectID,
				logger.FieldPredicate, wr.Predicate,
				"object_id", wr.ObjectID)
			continue
		}
		g.Relations = append(g.Relations, graph.Relation{
			ID:         fmt.Sprintf("%s#r%d", docID, len(g.Relations)),
			SubjectID:  subj,
			Predicate:  wr.Predicate,
			ObjectID:   obj,
			Confidence: clampConfidence(wr.Confidence),
			DocumentID: docID,
		})
	}

	for _, wc := range wire.Claims {
		subj, okS := idMap[wc.SubjectID]
		if !okS || wc.Predicate == "" {
			e.logger.Warnw("Dropping claim with unknown subject",
				logger.FieldDocumentID, docID,
				logger.FieldSubject, wc.SubjectID,
				logger.FieldPredicate, wc.Predicate)
			continue
		}

		var object string
		var kind graph.ObjectKind
		switch {
		case wc.ObjectID != "" && wc.Value != "":
			e.logger.Warnw("Dropping claim with both object and value",
				logger.FieldDocumentID, docID, logger.FieldPredicate, wc.Predicate)
			continue
		case wc.ObjectID != "":
			obj, okO := idMap[wc.ObjectID]
			if !okO {
				e.logger.Warnw("Dropping claim with unknown object",
					logger.FieldDocumentID, docID, "object_id", wc.ObjectID)
				continue
			}
			object, kind = obj, graph.ObjectIRI
		case wc.Value != "":
			object, kind = wc.Value, graph.ObjectLiteral
		default:
			e.logger.Warnw("Dropping claim with no object",
				logger.FieldDocumentID, docID, logger.FieldPredicate, wc.Predicate)
			continue
		}

		g.Claims = append(g.Claims, graph.Claim{
			ID:         fmt.Sprintf("%s#c%d", docID, len(g.Claims)),
			DocumentID: docID,
			Subject:    subj,
			Predicate:  qualifyIRI(wc.Predicate, ontologyURI),
			Object:     object,
			ObjectKind: kind,
			Confidence: clampConfidence(wc.Confidence),
		})
	}

	return g
}

// qualifyIRI resolves a bare vocabulary name against the ontology IRI.
// Absolute IRIs pass through untouched.
func qualifyIRI(name, base string) string {
	if strings.Contains(name, "://") || base == "" {
		return name
	}
	if strings.HasSuffix(base, "/") || strings.HasSuffix(base, "#") {
		return base + name
	}
	return base + "/" + name
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// truncateRunes cuts text after limit runes without splitting one.
func truncateRunes(text string, limit int) string {
	count := 0
	for i := range text {
		if count == limit {
			return text[:i]
		}
		count++
	}
	return text
}
