package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kriegcloud/kgforge/errors"
)

// DispatchLimiter caps how many executions the worker pool may start per
// minute, using a sliding window. Workflows fan out into provider calls,
// so capping dispatch keeps downstream spend bounded even when the queue
// is deep.
type DispatchLimiter struct {
	maxStartsPerMinute int
	window             time.Duration
	mu                 sync.Mutex
	startTimes         []time.Time
	timeNow            func() time.Time // Injectable for testing
}

// NewDispatchLimiter creates a dispatch limiter with real time.
func NewDispatchLimiter(maxStartsPerMinute int) *DispatchLimiter {
	return NewDispatchLimiterWithClock(maxStartsPerMinute, time.Now)
}

// NewDispatchLimiterWithClock creates a dispatch limiter with injectable
// clock (for testing).
func NewDispatchLimiterWithClock(maxStartsPerMinute int, timeNow func() time.Time) *DispatchLimiter {
	return &DispatchLimiter{
		maxStartsPerMinute: maxStartsPerMinute,
		window:             60 * time.Second, // 1 minute window
		startTimes:         make([]time.Time, 0, maxStartsPerMinute),
		timeNow:            timeNow,
	}
}

// Allow checks if another execution may start under the dispatch limit.
// Returns an error if the limit is exceeded.
func (r *DispatchLimiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()

	// Remove expired start timestamps (outside the window)
	r.removeExpiredStarts(now)

	// Check if we're at the limit
	if len(r.startTimes) >= r.maxStartsPerMinute {
		err := errors.Newf("dispatch limit exceeded: %d starts per minute (limit: %d)",
			len(r.startTimes), r.maxStartsPerMinute)
		err = errors.WithDetail(err, fmt.Sprintf("Current starts in window: %d", len(r.startTimes)))
		err = errors.WithDetail(err, fmt.Sprintf("Max starts per minute: %d", r.maxStartsPerMinute))
		return err
	}

	// Record this start
	r.startTimes = append(r.startTimes, now)

	return nil
}

// Wait blocks until another execution may start.
// Returns an error if the context is cancelled.
func (r *DispatchLimiter) Wait(ctx context.Context) error {
	for {
		if err := r.Allow(); err == nil {
			return nil
		}

		// Check if context is cancelled
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			// Retry after short delay
		}
	}
}

// removeExpiredStarts removes start timestamps that are outside the
// sliding window. Must be called with lock held.
func (r *DispatchLimiter) removeExpiredStarts(now time.Time) {
	cutoff := now.Add(-r.window)

	// Count expired starts from front (timestamps are ordered)
	expired := 0
	for _, startTime := range r.startTimes {
		if !startTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	r.startTimes = r.startTimes[expired:]
}

// Reset clears the dispatch limiter state.
func (r *DispatchLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.startTimes = r.startTimes[:0]
}

// Stats returns current dispatch limiter statistics.
func (r *DispatchLimiter) Stats() (startsInWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.removeExpiredStarts(now)

	startsInWindow = len(r.startTimes)
	remaining = r.maxStartsPerMinute - startsInWindow
	if remaining < 0 {
		remaining = 0
	}

	return startsInWindow, remaining
}
