package graph

import (
	"crypto/sha256"
	"strings"
	"unicode"

	"github.com/mr-tron/base58"
)

// MintIRI derives a canonical IRI for a new entity under the configured
// namespace. The IRI is deterministic in (namespace, scope, mention):
// minting the same mention twice in the same scope yields the same IRI,
// so re-runs of a batch cannot fork canonicals.
//
// Shape: <namespace><slug>-<hash> where slug is a lowercase hyphenated
// form of the mention and hash is a base58 digest over scope and the
// normalized mention.
func MintIRI(namespace, scope, mention string) string {
	slug := slugify(mention)
	if slug == "" {
		slug = "entity"
	}

	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(mention))))
	digest := h.Sum(nil)
	short := base58.Encode(digest[:8])

	var b strings.Builder
	b.WriteString(namespace)
	b.WriteString(slug)
	b.WriteByte('-')
	b.WriteString(short)
	return b.String()
}

// BatchGraphIRI names the per-batch RDF graph that ingestion targets.
func BatchGraphIRI(namespace, batchID string) string {
	return strings.TrimSuffix(namespace, "/") + "/graph/" + slugify(batchID)
}

// slugify lowercases and hyphenates a mention for use in an IRI path
// segment. Runs of non-alphanumeric characters collapse to a single
// hyphen; leading and trailing hyphens are trimmed. Long slugs are
// truncated so the hash carries the distinguishing weight.
func slugify(s string) string {
	const maxSlugLen = 48

	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
