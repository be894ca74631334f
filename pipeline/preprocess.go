package pipeline

import (
	"bytes"
	"context"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/logger"
	"github.com/kriegcloud/kgforge/store"
)

const (
	docTextPrefix = "doctext/"

	// charsPerToken is the usual English-text approximation for model
	// token counts.
	charsPerToken = 4

	// wordsAtFullLength is the word count at which the length component
	// of the complexity score saturates.
	wordsAtFullLength = 5000.0
)

// TextKey is the object-store key preprocessing writes reduced document
// text under. Extraction prefers this text over the raw source.
func TextKey(batchID, documentID string) string {
	return docTextPrefix + batchID + "/" + documentID
}

// Preprocessor enriches manifest documents before extraction: content
// type detection, HTML-to-text reduction, complexity scoring, and token
// estimation.
//
// A document that cannot be loaded gets fallback metadata instead of
// failing the activity; extraction reports the load failure per
// document, where it belongs. Object-store write failures are
// infrastructure and do fail the activity.
type Preprocessor struct {
	loader  *Loader
	objects store.Store
	logger  *zap.SugaredLogger
}

// NewPreprocessor creates the preprocessing activity.
func NewPreprocessor(loader *Loader, objects store.Store, log *zap.SugaredLogger) *Preprocessor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Preprocessor{loader: loader, objects: objects, logger: log.Named("pipeline.preprocess")}
}

// Execute enriches every manifest document, in input order.
func (p *Preprocessor) Execute(ctx context.Context, in batch.PreprocessInput) (*batch.PreprocessOutput, error) {
	out := &batch.PreprocessOutput{Documents: make([]batch.PreprocessedDocument, 0, len(in.Documents))}
	for _, ref := range in.Documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := p.enrich(ctx, in.BatchID, ref)
		if err != nil {
			return nil, err
		}
		out.Documents = append(out.Documents, doc)
	}
	return out, nil
}

func (p *Preprocessor) enrich(ctx context.Context, batchID string, ref batch.DocumentRef) (batch.PreprocessedDocument, error) {
	content, headerType, err := p.loader.Load(ctx, ref)
	if err != nil {
		p.logger.Warnw("Document load failed, using fallback metadata",
			logger.FieldDocumentID, ref.ID,
			logger.FieldError, err)
		return batch.FallbackPreprocessed([]batch.DocumentRef{ref})[0], nil
	}

	contentType := detectContentType(headerType, ref.ContentType, content)
	text := string(content)
	textKey := ""

	if isHTMLType(contentType) {
		reduced, rErr := reduceHTML(content, ref.Source)
		if rErr != nil {
			p.logger.Warnw("Readability reduction failed, scoring raw content",
				logger.FieldDocumentID, ref.ID,
				logger.FieldError, rErr)
		} else {
			textKey = TextKey(batchID, ref.ID)
			if sErr := p.objects.Set(ctx, textKey, []byte(reduced)); sErr != nil {
				return batch.PreprocessedDocument{}, errors.Wrapf(sErr, "failed to store reduced text for document %s", ref.ID)
			}
			text = reduced
			contentType = "text/plain"
		}
	}

	doc := batch.PreprocessedDocument{
		Document:        ref,
		Complexity:      complexityScore(text),
		EstimatedTokens: estimateTokens(text),
		ContentType:     contentType,
		TextKey:         textKey,
	}
	p.logger.Debugw("Preprocessed document",
		logger.FieldDocumentID, ref.ID,
		"content_type", contentType,
		"complexity", doc.Complexity,
		"estimated_tokens", doc.EstimatedTokens)
	return doc, nil
}

// detectContentType normalizes the media type from the transport header,
// the manifest hint, or content sniffing, in that order.
func detectContentType(header, hint string, content []byte) string {
	for _, candidate := range []string{header, hint} {
		if candidate == "" {
			continue
		}
		if mt, _, err := mime.ParseMediaType(candidate); err == nil {
			return mt
		}
	}
	mt, _, err := mime.ParseMediaType(http.DetectContentType(content))
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}

func isHTMLType(contentType string) bool {
	return contentType == "text/html" || contentType == "application/xhtml+xml"
}

// reduceHTML strips boilerplate from an HTML document and returns its
// readable text. Object-store sources get a placeholder base URL since
// readability only uses it to resolve relative links.
func reduceHTML(content []byte, source string) (string, error) {
	pageURL, err := url.Parse(source)
	if err != nil || !pageURL.IsAbs() {
		pageURL = &url.URL{Scheme: "https", Host: "kgforge.invalid", Path: "/" + source}
	}
	article, err := readability.FromReader(bytes.NewReader(content), pageURL)
	if err != nil {
		return "", errors.Wrap(err, "readability parse failed")
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", errors.New("readability produced no text")
	}
	return text, nil
}

// complexityScore rates extraction difficulty in [0.1, 1.0]. Length,
// sentence structure, and vocabulary density each contribute; short
// plain documents land near 0.2, long dense ones approach 1.
func complexityScore(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0.1
	}

	score := 0.2
	score += math.Min(0.4, float64(len(words))/wordsAtFullLength*0.4)

	if avg := float64(len(words)) / float64(sentenceCount(text)); avg > 25 {
		score += 0.2
	} else if avg > 15 {
		score += 0.1
	}

	if r := uniqueWordRatio(words); r > 0.6 {
		score += 0.2
	} else if r > 0.4 {
		score += 0.1
	}

	return math.Min(1.0, score)
}

func sentenceCount(text string) int {
	n := strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?")
	if n == 0 {
		return 1
	}
	return n
}

func uniqueWordRatio(words []string) float64 {
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[strings.ToLower(strings.Trim(w, ".,;:!?\"'()"))] = struct{}{}
	}
	return float64(len(seen)) / float64(len(words))
}

// estimateTokens approximates the model token count of text.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / charsPerToken
}
