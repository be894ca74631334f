package pipeline

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/batch"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/internal/httpclient"
	"github.com/kriegcloud/kgforge/logger"
	"github.com/kriegcloud/kgforge/store"
)

// maxDocumentBytes caps how much of one source document is read into
// memory. Sources larger than this fail loading rather than degrade the
// worker.
const maxDocumentBytes = 10 << 20

// Loader reads raw document content. HTTP and HTTPS sources go through
// the SSRF-guarded client; every other source string is treated as an
// object-store key.
type Loader struct {
	objects store.Store
	client  *httpclient.SaferClient
	logger  *zap.SugaredLogger
}

// NewLoader creates a document loader. A nil client disables URL
// sources; object-store keys still work.
func NewLoader(objects store.Store, client *httpclient.SaferClient, log *zap.SugaredLogger) *Loader {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Loader{objects: objects, client: client, logger: log.Named("pipeline.loader")}
}

// Load returns a document's raw bytes and its content type. The type is
// the transport's Content-Type header for fetched sources, falling back
// to the manifest hint; object-store sources only have the hint.
func (l *Loader) Load(ctx context.Context, ref batch.DocumentRef) ([]byte, string, error) {
	if isURLSource(ref.Source) {
		return l.fetch(ctx, ref)
	}

	value, found, err := l.objects.Get(ctx, ref.Source)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to load document %s", ref.ID)
	}
	if !found {
		return nil, "", errors.NewNotFoundError("document %s source %q not in object store", ref.ID, ref.Source)
	}
	if len(value) > maxDocumentBytes {
		return nil, "", errors.Newf("document %s exceeds %d bytes", ref.ID, maxDocumentBytes)
	}
	return value, ref.ContentType, nil
}

func (l *Loader) fetch(ctx context.Context, ref batch.DocumentRef) ([]byte, string, error) {
	if l.client == nil {
		return nil, "", errors.Newf("document %s has URL source but no fetch client is configured", ref.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.Source, nil)
	if err != nil {
		return nil, "", errors.Wrapf(err, "invalid source URL for document %s", ref.ID)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to fetch document %s", ref.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", errors.Newf("document %s fetch returned status %d", ref.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to read document %s body", ref.ID)
	}
	if len(body) > maxDocumentBytes {
		return nil, "", errors.Newf("document %s exceeds %d bytes", ref.ID, maxDocumentBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ref.ContentType
	}
	l.logger.Debugw("Fetched document",
		logger.FieldDocumentID, ref.ID,
		logger.FieldSize, len(body))
	return body, contentType, nil
}

func isURLSource(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}
