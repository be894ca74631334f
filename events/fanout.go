package events

import (
	"context"
	"sync"
)

// Fanout publishes each event to every attached publisher. Publishers
// can be attached after construction, so the server can join a running
// engine's event stream.
type Fanout struct {
	mu         sync.RWMutex
	publishers []Publisher
}

// NewFanout creates a fanout over the given publishers.
func NewFanout(publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers}
}

// Attach adds a publisher to the fanout.
func (f *Fanout) Attach(p Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishers = append(f.publishers, p)
}

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.publishers {
		p.Publish(ctx, ev)
	}
}
