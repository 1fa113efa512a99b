// Package throttle spaces outgoing HTTP calls per upstream domain.
//
// Public quote endpoints ban clients that poll too fast. Every fetcher
// routes through a shared Throttle, which enforces a minimum interval
// between calls to the same domain and owns the retry budget for
// transient failures.
package throttle

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the minimum spacing between calls to one domain.
const DefaultInterval = 250 * time.Millisecond

// DefaultRetries is the retry budget for transient failures.
const DefaultRetries = 2

// Throttle tracks the last call time per domain. Callers block in Wait
// until their domain's next slot or the context is cancelled.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	retries  int
	last     map[string]time.Time
	nowFn    func() time.Time
}

// New creates a throttle. Non-positive arguments fall back to the
// package defaults.
func New(interval time.Duration, retries int) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retries < 0 {
		retries = DefaultRetries
	}
	return &Throttle{
		interval: interval,
		retries:  retries,
		last:     make(map[string]time.Time),
		nowFn:    time.Now,
	}
}

// Wait blocks until domain's next slot is due or ctx is cancelled. The
// slot is claimed before sleeping so concurrent callers space out rather
// than stampede when the wait ends.
func (t *Throttle) Wait(ctx context.Context, domain string) error {
	t.mu.Lock()
	now := t.nowFn()
	next := t.last[domain].Add(t.interval)
	if next.Before(now) {
		next = now
	}
	t.last[domain] = next
	wait := next.Sub(now)
	t.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn with throttling and linear-backoff retries: attempt k waits
// k times the throttle interval before retrying. The last error is
// returned when the budget is exhausted.
func (t *Throttle) Do(ctx context.Context, domain string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * t.interval
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err = t.Wait(ctx, domain); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
