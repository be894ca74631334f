// Package llm wraps an OpenAI-compatible chat completions API for the
// extraction and inference prompts. The wrapper owns retry, call-rate
// pacing, and cleanup of model output that should be JSON but arrives
// wrapped in markdown fences or prose.
package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/config"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/internal/httpclient"
)

const (
	// DefaultModel is used when the config names none.
	DefaultModel = "gpt-4o-mini"

	defaultTemperature = 0.2
	defaultMaxTokens   = 4000
	defaultTimeout     = 120 * time.Second
	chatMaxRetries     = 3
)

// Client is a chat completion client with retry and rate pacing.
type Client struct {
	api         *openai.Client
	model       string
	temperature float64
	maxTokens   int
	configured  bool
	limiter     *CallLimiter
	logger      *zap.SugaredLogger
}

// NewClient builds a client from config. A missing API key is allowed at
// construction so offline commands can still boot; Chat fails fast on it.
func NewClient(cfg config.LLMConfig, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	temperature := defaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	maxTokens := defaultMaxTokens
	if cfg.MaxTokens != nil {
		maxTokens = *cfg.MaxTokens
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = modelHTTPClient(cfg.BaseURL, timeout)

	var limiter *CallLimiter
	if cfg.MaxCallsPerMinute > 0 {
		limiter = NewCallLimiter(cfg.MaxCallsPerMinute)
	}

	return &Client{
		api:         openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		configured:  cfg.APIKey != "",
		limiter:     limiter,
		logger:      logger.Named("llm"),
	}
}

// modelHTTPClient picks the transport. The default endpoint is public, so
// full SSRF protection applies. An explicit base URL is operator config and
// may legitimately point at a model server on the local network; those
// requests keep the scheme and redirect checks but skip private IP blocking.
func modelHTTPClient(baseURL string, timeout time.Duration) *httpclient.SaferClient {
	if baseURL == "" {
		return httpclient.NewSaferClient(timeout)
	}
	allowPrivate := false
	return httpclient.NewSaferClientWithOptions(timeout, httpclient.SaferClientOptions{
		BlockPrivateIP: &allowPrivate,
	})
}

// Model returns the default model this client sends.
func (c *Client) Model() string { return c.model }

// IsConfigured reports whether an API key is present.
func (c *Client) IsConfigured() bool { return c.configured }

// ChatRequest is one prompt exchange. Overrides beat client defaults.
type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64
	MaxTokens    *int
	Model        string // empty = client default
	JSONOnly     bool   // request a json_object response format
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the assistant's reply with usage accounting.
type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// Chat sends one completion request, retrying transient failures with a
// linear backoff. Deterministic API errors (bad request, auth) fail
// immediately.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if !c.configured {
		return nil, errors.New("LLM API key not configured")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "model call rate limit wait")
		}
	}

	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := c.maxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(temperature),
		MaxTokens:   maxTokens,
	}
	if req.JSONOnly {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	c.logger.Debugw("Model request",
		"model", model,
		"temperature", temperature,
		"max_tokens", maxTokens,
		"json_only", req.JSONOnly)

	var resp openai.ChatCompletionResponse
	var err error
	start := time.Now()
	for attempt := 1; attempt <= chatMaxRetries; attempt++ {
		resp, err = c.api.CreateChatCompletion(ctx, apiReq)
		if err == nil {
			if attempt > 1 {
				c.logger.Infow("Model request succeeded after retries",
					"attempts", attempt, "model", model)
			}
			break
		}
		if !isRetryableChatError(err) || attempt == chatMaxRetries {
			return nil, errors.Wrapf(err, "model request failed after %d attempts", attempt)
		}
		c.logger.Warnw("Model request failed, retrying",
			"attempt", attempt,
			"model", model,
			"error", err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)

	c.logger.Debugw("Model response",
		"model", resp.Model,
		"content_length", len(content),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds())

	return &ChatResponse{
		Content: content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatJSON sends a completion that must return JSON and cleans the reply.
func (c *Client) ChatJSON(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.JSONOnly = true
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Content = CleanJSONResponse(resp.Content)
	if resp.Content == "" {
		return nil, errors.New("model reply contained no JSON")
	}
	return resp, nil
}

// CleanJSONResponse strips markdown code fences and surrounding prose
// from a reply that should be a single JSON document. Models that ignore
// the response-format hint tend to wrap JSON in ```json fences or preface
// it with a sentence.
func CleanJSONResponse(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```json")
			s = strings.TrimPrefix(s, "```")
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return s
	}

	// Prose before or after the document: keep the outermost object/array.
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		first := strings.Index(s, pair[0])
		last := strings.LastIndex(s, pair[1])
		if first >= 0 && last > first {
			return strings.TrimSpace(s[first : last+1])
		}
	}
	return s
}

func isRetryableChatError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests ||
			reqErr.HTTPStatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "network is unreachable")
}
