package pipeline

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/graph"
	"github.com/kriegcloud/kgforge/logger"
)

const (
	severityViolation = "violation"
	severityWarning   = "warning"

	// maxLiteralBytes is the size past which a literal draws a warning.
	// Nothing breaks above it, but a literal that large usually means
	// the extractor swallowed a document fragment.
	maxLiteralBytes = 64 << 10
)

// Validator checks the batch graph's structural well-formedness before
// ingestion: every triple must be a grounded RDF statement with
// absolute IRIs in subject, predicate, and IRI-object position. A
// mention-scoped id surviving to this point means resolution missed it,
// and ingesting it would poison the canonical store.
//
// The SHACL shapes document named by the manifest travels in the report
// for provenance; constraint evaluation beyond well-formedness is the
// shapes engine's job and out of scope here.
type Validator struct {
	logger *zap.SugaredLogger
}

// NewValidator creates the validation activity.
func NewValidator(log *zap.SugaredLogger) *Validator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Validator{logger: log.Named("pipeline.validate")}
}

// Execute validates the graph and applies the policy. The report is
// returned alongside a non-nil error when the policy fails the batch,
// so callers still see what did not conform.
func (v *Validator) Execute(ctx context.Context, in batch.ValidateInput) (*batch.ValidateOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Graph == nil {
		return nil, errors.New("validation requires a graph")
	}

	report := &batch.ValidateOutput{Conforms: true}
	violations, warnings := 0, 0
	record := func(severity, focus, path, message string) {
		report.Violations = append(report.Violations, batch.Violation{
			Severity: severity,
			Focus:    focus,
			Path:     path,
			Message:  message,
		})
		if severity == severityViolation {
			violations++
		} else {
			warnings++
		}
	}

	for _, t := range in.Graph.Triples {
		v.checkTriple(t, record)
	}
	report.Checked = len(in.Graph.Triples)

	entityIDs := make(map[string]struct{}, len(in.Graph.Entities))
	for _, e := range in.Graph.Entities {
		entityIDs[e.ID] = struct{}{}
	}
	for _, r := range in.Graph.Relations {
		if _, ok := entityIDs[r.SubjectID]; !ok {
			record(severityWarning, r.ID, r.Predicate, "relation subject references unknown entity "+r.SubjectID)
		}
		if _, ok := entityIDs[r.ObjectID]; !ok {
			record(severityWarning, r.ID, r.Predicate, "relation object references unknown entity "+r.ObjectID)
		}
	}
	report.Checked += len(in.Graph.Relations)

	report.Conforms = len(report.Violations) == 0
	v.logger.Infow("Validated graph",
		logger.FieldBatchID, in.BatchID,
		logger.FieldIRI, in.GraphIRI,
		"shacl_uri", in.ShaclURI,
		"checked", report.Checked,
		"conforms", report.Conforms,
		"violations", violations,
		"warnings", warnings)

	if in.Policy.FailOnViolation && violations > 0 {
		return report, errors.Newf("graph does not conform: %d violations, %d warnings", violations, warnings)
	}
	if in.Policy.FailOnWarning && warnings > 0 {
		return report, errors.Newf("graph does not conform to warning policy: %d warnings", warnings)
	}
	return report, nil
}

func (v *Validator) checkTriple(t graph.Triple, record func(severity, focus, path, message string)) {
	switch {
	case t.Subject == "":
		record(severityViolation, "", t.Predicate, "triple subject is empty")
	case !isAbsoluteIRI(t.Subject):
		record(severityViolation, t.Subject, t.Predicate, "triple subject is not an absolute IRI")
	}

	if t.Predicate == "" {
		record(severityViolation, t.Subject, "", "triple predicate is empty")
	} else if !isAbsoluteIRI(t.Predicate) {
		record(severityViolation, t.Subject, t.Predicate, "triple predicate is not an absolute IRI")
	}

	switch {
	case t.IsLiteral:
		if t.Object == "" {
			record(severityWarning, t.Subject, t.Predicate, "literal object is empty")
		} else if len(t.Object) > maxLiteralBytes {
			record(severityWarning, t.Subject, t.Predicate, "literal object exceeds 64KiB")
		}
	case t.Object == "":
		record(severityViolation, t.Subject, t.Predicate, "triple object is empty")
	case !isAbsoluteIRI(t.Object):
		record(severityViolation, t.Subject, t.Predicate, "triple object is not an absolute IRI")
	}
}

// isAbsoluteIRI reports whether s parses as a URI with a scheme. The
// mention-scoped ids extraction mints ("doc#e0") deliberately fail
// this.
func isAbsoluteIRI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != ""
}
