package batch

import (
	"crypto/sha256"
	"sort"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// NewBatchID mints a batch id for submissions that don't bring their own.
func NewBatchID() string {
	u := uuid.New()
	return "batch_" + base58.Encode(u[:])
}

// IdempotencyKey hashes the manifest content that identifies a batch:
// ontology version and URI, target namespace, SHACL URI, and the sorted
// document id set. Document order does not affect the key.
func (m *BatchManifest) IdempotencyKey() string {
	ids := make([]string, len(m.Documents))
	for i, d := range m.Documents {
		ids[i] = d.ID
	}
	sort.Strings(ids)

	h := sha256.New()
	field := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	field(m.Ontology.Version)
	field(m.Ontology.URI)
	field(m.TargetNamespace)
	field(m.SHACLURI)
	for _, id := range ids {
		field(id)
	}
	return base58.Encode(h.Sum(nil))
}

// DeriveExecutionID derives the deterministic execution id for a batch
// and manifest. Resubmitting identical manifest content under the same
// batch id lands on the existing execution instead of creating a second
// one.
func DeriveExecutionID(batchID string, m *BatchManifest) string {
	h := sha256.New()
	h.Write([]byte(batchID))
	h.Write([]byte{0})
	h.Write([]byte(m.IdempotencyKey()))
	sum := h.Sum(nil)
	return "ex_" + base58.Encode(sum[:16])
}
