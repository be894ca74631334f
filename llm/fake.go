package llm

import (
	"context"
	"sync"

	"github.com/kriegcloud/kgforge/errors"
)

// Chatter is the surface activities depend on, satisfied by Client and
// FakeChatter.
type Chatter interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatJSON(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// FakeChatter replays scripted responses for tests and offline runs.
// Responses are consumed in order; when the script runs out the last
// entry repeats. Err, when set, is returned for every call.
type FakeChatter struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Requests  []ChatRequest
	next      int
}

// Chat records the request and replays the next scripted response.
func (f *FakeChatter) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Responses) == 0 {
		return nil, errors.New("fake chatter has no scripted responses")
	}

	idx := f.next
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	f.next++

	content := f.Responses[idx]
	return &ChatResponse{
		Content: content,
		Model:   "fake",
		Usage:   Usage{PromptTokens: len(req.UserPrompt) / 4, CompletionTokens: len(content) / 4},
	}, nil
}

// ChatJSON replays like Chat and applies the same JSON cleanup the real
// client does.
func (f *FakeChatter) ChatJSON(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.JSONOnly = true
	resp, err := f.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Content = CleanJSONResponse(resp.Content)
	return resp, nil
}

// CallCount returns how many requests the fake has served.
func (f *FakeChatter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
