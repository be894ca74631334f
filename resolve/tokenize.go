// Package resolve links extracted entity mentions to canonical registry
// entities. Candidate loading blends lexical blocking with ANN search,
// matching is a pure similarity decision, and unresolved mentions mint
// new canonicals with deterministic IRIs.
package resolve

import (
	"sort"
	"strings"
	"unicode"
)

// stopWords are function words that carry no blocking signal.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {},
	"this": {}, "that": {}, "are": {}, "was": {}, "were": {},
	"has": {}, "have": {}, "had": {}, "not": {}, "its": {},
	"his": {}, "her": {}, "their": {}, "our": {}, "your": {},
}

// corporateSuffixes are legal-form tokens that appear on most company
// names and would otherwise block every organization against every other.
var corporateSuffixes = map[string]struct{}{
	"inc": {}, "incorporated": {}, "llc": {}, "llp": {}, "pllc": {},
	"ltd": {}, "limited": {}, "corp": {}, "corporation": {},
	"company": {}, "gmbh": {}, "plc": {}, "sarl": {}, "srl": {},
}

// BlockingTokens derives the lexical blocking key set for a mention:
// lowercase, split on whitespace and punctuation, then drop short tokens
// (two characters or fewer), stop words, and corporate suffixes. The
// result is sorted and duplicate-free; it may be empty.
func BlockingTokens(mention string) []string {
	fields := strings.FieldsFunc(strings.ToLower(mention), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	for _, tok := range fields {
		if len(tok) <= 2 {
			continue
		}
		if _, ok := stopWords[tok]; ok {
			continue
		}
		if _, ok := corporateSuffixes[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
	}

	tokens := make([]string, 0, len(seen))
	for tok := range seen {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return tokens
}

// normalizeMention is the dedupe key for mentions within a batch: two
// mentions differing only in case or surrounding space resolve once.
func normalizeMention(mention string) string {
	return strings.ToLower(strings.TrimSpace(mention))
}
