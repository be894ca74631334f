package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriegcloud/kgforge/config"
)

type capturedRequest struct {
	authorization string
	body          map[string]interface{}
}

// newChatServer fakes the completions endpoint. statusFirst returns that
// status for the first n requests before succeeding with content.
func newChatServer(t *testing.T, content string, statusFirst int, failCount int) (*httptest.Server, *int32, *capturedRequest) {
	t.Helper()
	var calls int32
	captured := &capturedRequest{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/chat/completions", r.URL.Path)

		captured.authorization = r.Header.Get("Authorization")
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		captured.body = body

		if failCount > 0 && int(n) <= failCount {
			w.WriteHeader(statusFirst)
			w.Write([]byte(`{"error":{"message":"upstream trouble","type":"server_error"}}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	return srv, &calls, captured
}

func testClient(baseURL string) *Client {
	return NewClient(config.LLMConfig{
		BaseURL: baseURL + "/v1",
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, nil)
}

func TestChat_Success(t *testing.T) {
	srv, calls, captured := newChatServer(t, "  The answer.  ", 0, 0)
	defer srv.Close()

	resp, err := testClient(srv.URL).Chat(context.Background(), ChatRequest{
		SystemPrompt: "You are terse.",
		UserPrompt:   "Say something.",
	})
	require.NoError(t, err)
	assert.Equal(t, "The answer.", resp.Content, "reply is trimmed")
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	assert.Equal(t, int32(1), *calls)

	assert.Equal(t, "Bearer test-key", captured.authorization)
	msgs := captured.body["messages"].([]interface{})
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]interface{})
	assert.Equal(t, "system", first["role"])
}

func TestChat_RetriesServerError(t *testing.T) {
	srv, calls, _ := newChatServer(t, "recovered", http.StatusInternalServerError, 1)
	defer srv.Close()

	resp, err := testClient(srv.URL).Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(2), *calls, "one failure, one retry")
}

func TestChat_BadRequestNotRetried(t *testing.T) {
	srv, calls, _ := newChatServer(t, "", http.StatusBadRequest, 99)
	defer srv.Close()

	_, err := testClient(srv.URL).Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(1), *calls, "deterministic errors fail fast")
}

func TestChat_NoAPIKey(t *testing.T) {
	c := NewClient(config.LLMConfig{}, nil)
	assert.False(t, c.IsConfigured())

	_, err := c.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestChatJSON_SetsResponseFormatAndCleans(t *testing.T) {
	srv, _, captured := newChatServer(t, "```json\n{\"entities\":[]}\n```", 0, 0)
	defer srv.Close()

	resp, err := testClient(srv.URL).ChatJSON(context.Background(), ChatRequest{UserPrompt: "extract"})
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, resp.Content)

	rf, ok := captured.body["response_format"].(map[string]interface{})
	require.True(t, ok, "request carries a response_format")
	assert.Equal(t, "json_object", rf["type"])
}

func TestCleanJSONResponse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"bare array", `[1,2]`, `[1,2]`},
		{"fenced with language", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced without language", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"leading prose", "Here is the graph:\n{\"a\":1}", `{"a":1}`},
		{"trailing prose", "{\"a\":1}\nLet me know if you need more.", "{\"a\":1}\nLet me know if you need more."},
		{"prose both sides", "Sure!\n{\"a\":1}\nDone.", `{"a":1}`},
		{"whitespace", "   {\"a\":1}  ", `{"a":1}`},
		{"no json at all", "I cannot help with that.", "I cannot help with that."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSONResponse(tt.in))
		})
	}
}

func TestFakeChatter(t *testing.T) {
	f := &FakeChatter{Responses: []string{"one", "```json\n{\"x\":1}\n```"}}

	r1, err := f.Chat(context.Background(), ChatRequest{UserPrompt: "a"})
	require.NoError(t, err)
	assert.Equal(t, "one", r1.Content)

	r2, err := f.ChatJSON(context.Background(), ChatRequest{UserPrompt: "b"})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, r2.Content)

	// Script exhausted: the last response repeats.
	r3, err := f.Chat(context.Background(), ChatRequest{UserPrompt: "c"})
	require.NoError(t, err)
	assert.Contains(t, r3.Content, "{\"x\":1}")

	assert.Equal(t, 3, f.CallCount())
	assert.True(t, f.Requests[1].JSONOnly)
}

func TestCallLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := NewCallLimiterWithClock(2, clock)

	require.NoError(t, l.Allow())
	now = now.Add(10 * time.Second)
	require.NoError(t, l.Allow())
	require.Error(t, l.Allow(), "third call inside the window is rejected")

	inWindow, remaining := l.Stats()
	assert.Equal(t, 2, inWindow)
	assert.Equal(t, 0, remaining)

	// 30s in, both calls still occupy the window.
	now = now.Add(20 * time.Second)
	require.Error(t, l.Allow())

	// 61s after the first call it expires; the second is only 51s old.
	now = now.Add(31 * time.Second)
	require.NoError(t, l.Allow())
	require.Error(t, l.Allow(), "only the expired call freed capacity")
}

func TestCallLimiter_WaitHonorsContext(t *testing.T) {
	l := NewCallLimiter(1)
	require.NoError(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
