package embed

import (
	"context"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/errors"
)

const embedMaxRetries = 3

// OpenAIProvider generates embeddings through an OpenAI-compatible API.
// Requests are paced by a token-bucket limiter so large candidate-loading
// fanouts cannot trip backend rate limits.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	dims    int
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewOpenAIProvider builds a provider from config. The API key is required;
// base URL falls back to the library default when empty.
func NewOpenAIProvider(cfg config.EmbeddingsConfig, logger *zap.SugaredLogger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embeddings API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embeddings model is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, errors.Newf("invalid embedding dimensions: %d", cfg.Dimensions)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.Named("embed"),
	}, nil
}

// Dimensions returns the configured vector width.
func (p *OpenAIProvider) Dimensions() int { return p.dims }

// EmbedBatch returns one vector per input text, in input order. The task
// hint is accepted for interface compatibility; the OpenAI embeddings API
// has no task parameter, so it is not transmitted.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errors.Newf("text at index %d is empty", i)
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "embedding rate limit wait")
	}

	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dims,
	}

	var resp openai.EmbeddingResponse
	var err error
	start := time.Now()
	for attempt := 1; attempt <= embedMaxRetries; attempt++ {
		resp, err = p.client.CreateEmbeddings(ctx, req)
		if err == nil {
			break
		}
		if !isRetryableEmbedError(err) || attempt == embedMaxRetries {
			return nil, errors.Wrapf(err, "embedding request failed after %d attempts", attempt)
		}
		p.logger.Warnw("Embedding request failed, retrying",
			"attempt", attempt,
			"error", err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	if len(resp.Data) != len(texts) {
		return nil, errors.Newf("embedding count mismatch: got %d, want %d", len(resp.Data), len(texts))
	}

	// The API may reorder results; Index maps each vector back to its input.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, errors.Newf("embedding index out of range: %d", d.Index)
		}
		if len(d.Embedding) != p.dims {
			return nil, errors.Newf("embedding dimension mismatch: got %d, want %d", len(d.Embedding), p.dims)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, errors.Newf("no embedding returned for index %d", i)
		}
	}

	p.logger.Debugw("Generated embeddings",
		"count", len(texts),
		"task", string(task),
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

func isRetryableEmbedError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}
