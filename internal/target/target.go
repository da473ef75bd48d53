package target

import (
	"context"
	"errors"

	"github.com/calmirror/calmirror/internal/event"
)

var (
	// ErrMutation is a failed create or delete on the target. It affects only
	// the event it was reported for; the cycle continues.
	ErrMutation = errors.New("target mutation failed")

	// ErrCalendarUnavailable means the target calendar cannot be reached at
	// all (not enabled in the calendar application, automation denied).
	ErrCalendarUnavailable = errors.New("target calendar unavailable")
)

// Client mutates one target calendar. Operations are not transactional; the
// engine tolerates duplicate creates and records only confirmed results.
type Client interface {
	// ListEvents returns the live target listing, each event carrying
	// whatever sync marker its description holds.
	ListEvents(ctx context.Context) ([]event.TargetEvent, error)

	// CreateEvent creates an event and returns the target-side identifier.
	CreateEvent(ctx context.Context, ev *event.SourceEvent) (string, error)

	// DeleteEvent removes the event with the given target identifier.
	DeleteEvent(ctx context.Context, targetID string) error

	// ClearAll removes every event in the calendar. Used by force resync.
	ClearAll(ctx context.Context) error
}

// Factory builds a client bound to a named target calendar. The orchestrator
// resolves one client per mapping.
type Factory func(calendarName string) Client
