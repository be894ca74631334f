package llm

import (
	"context"
	"sync"
	"time"

	"github.com/kriegcloud/kgforge/errors"
)

// CallLimiter caps model calls per minute with a sliding window. Unlike a
// token bucket it never lets a burst borrow against the future: the cap
// holds over every trailing sixty seconds, which is how provider quotas
// are enforced on their side.
type CallLimiter struct {
	maxPerMinute int
	window       time.Duration
	mu           sync.Mutex
	callTimes    []time.Time
	timeNow      func() time.Time
}

// NewCallLimiter creates a limiter with real time.
func NewCallLimiter(maxPerMinute int) *CallLimiter {
	return NewCallLimiterWithClock(maxPerMinute, time.Now)
}

// NewCallLimiterWithClock creates a limiter with an injectable clock.
func NewCallLimiterWithClock(maxPerMinute int, timeNow func() time.Time) *CallLimiter {
	return &CallLimiter{
		maxPerMinute: maxPerMinute,
		window:       time.Minute,
		callTimes:    make([]time.Time, 0, maxPerMinute),
		timeNow:      timeNow,
	}
}

// Allow records a call if the window has room, or returns an error.
func (l *CallLimiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.expire(now)

	if len(l.callTimes) >= l.maxPerMinute {
		return errors.Newf("model call limit exceeded: %d calls in the last minute (limit: %d)",
			len(l.callTimes), l.maxPerMinute)
	}

	l.callTimes = append(l.callTimes, now)
	return nil
}

// Wait blocks until a call slot opens or the context ends.
func (l *CallLimiter) Wait(ctx context.Context) error {
	for {
		if err := l.Allow(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Stats returns calls inside the current window and remaining headroom.
func (l *CallLimiter) Stats() (inWindow int, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expire(l.timeNow())
	inWindow = len(l.callTimes)
	remaining = l.maxPerMinute - inWindow
	if remaining < 0 {
		remaining = 0
	}
	return inWindow, remaining
}

// expire drops timestamps older than the window. Caller holds the lock;
// timestamps are appended in order, so the prefix is the expired part.
func (l *CallLimiter) expire(now time.Time) {
	cutoff := now.Add(-l.window)
	drop := 0
	for _, t := range l.callTimes {
		if t.After(cutoff) {
			break
		}
		drop++
	}
	l.callTimes = l.callTimes[drop:]
}
