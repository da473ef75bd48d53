package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/calmirror/calmirror/internal/event"
)

var (
	// ErrFetch is a transient fetch failure; callers retry with bounded
	// attempts before giving up on the mapping's cycle.
	ErrFetch = errors.New("source fetch failed")

	// ErrCalendarNotFound is fatal to the requesting mapping's cycle only.
	ErrCalendarNotFound = errors.New("source calendar not found")
)

// Selector names the source calendars a mapping reads from. Empty means all
// calendars visible to the account.
type Selector struct {
	Calendars []string
}

// Lister enumerates source events inside a date window.
type Lister interface {
	ListEvents(ctx context.Context, sel Selector, from, to time.Time) ([]event.SourceEvent, error)
}

// RetryingLister wraps a Lister with bounded retries for transient errors.
// Calendar-not-found is never retried.
type RetryingLister struct {
	inner    Lister
	attempts int
	backoff  time.Duration
}

// NewRetryingLister bounds retries at attempts (minimum 1).
func NewRetryingLister(inner Lister, attempts int) *RetryingLister {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingLister{inner: inner, attempts: attempts, backoff: 2 * time.Second}
}

// ListEvents retries transient failures up to the configured bound.
func (r *RetryingLister) ListEvents(ctx context.Context, sel Selector, from, to time.Time) ([]event.SourceEvent, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		events, err := r.inner.ListEvents(ctx, sel, from, to)
		if err == nil {
			return events, nil
		}
		if errors.Is(err, ErrCalendarNotFound) {
			return nil, err
		}
		lastErr = err
		if attempt < r.attempts {
			log.Printf("Source fetch attempt %d/%d failed, retrying: %v", attempt, r.attempts, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.backoff):
			}
		}
	}
	return nil, fmt.Errorf("%w: %d attempts exhausted: %w", ErrFetch, r.attempts, lastErr)
}
