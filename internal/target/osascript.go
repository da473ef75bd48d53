package target

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/calmirror/calmirror/internal/event"
)

const (
	scriptTimeout  = 60 * time.Second
	fieldSep       = "|"
	recordSep      = "|||"
	eventsPrefix   = "EVENTS:"
	errorPrefix    = "Error:"
	listFieldCount = 6
)

// Runner executes an AppleScript and returns its output. Factored out so the
// client can be driven in tests without Calendar.app.
type Runner interface {
	Run(ctx context.Context, script string) (string, error)
}

type osascriptRunner struct{}

func (osascriptRunner) Run(ctx context.Context, script string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "osascript", "-e", script).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CalendarClient drives one macOS Calendar.app calendar through osascript.
// The automation channel is slow and throttle-prone, so every call goes
// through a shared rate limiter.
type CalendarClient struct {
	calendar string
	runner   Runner
	limiter  *rate.Limiter
}

// NewCalendarClient returns a client for the named calendar. The limiter is
// shared across all calendars because the automation channel is global.
func NewCalendarClient(calendarName string, limiter *rate.Limiter) *CalendarClient {
	return &CalendarClient{
		calendar: calendarName,
		runner:   osascriptRunner{},
		limiter:  limiter,
	}
}

// NewFactory returns a Factory producing rate-limited clients that share one
// limiter.
func NewFactory(mutationsPerSecond float64) Factory {
	if mutationsPerSecond <= 0 {
		mutationsPerSecond = 0.5
	}
	limiter := rate.NewLimiter(rate.Limit(mutationsPerSecond), 1)
	return func(calendarName string) Client {
		return NewCalendarClient(calendarName, limiter)
	}
}

func (c *CalendarClient) run(ctx context.Context, script string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	out, err := c.runner.Run(ctx, script)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(out, errorPrefix) {
		if strings.Contains(out, "doesn't understand") || strings.Contains(out, "can't get calendar") {
			return "", fmt.Errorf("%w: %q: %s", ErrCalendarUnavailable, c.calendar, out)
		}
		return "", fmt.Errorf("%w: %s", ErrMutation, out)
	}
	return out, nil
}

// EnsureCalendar creates the target calendar when it does not exist yet.
func (c *CalendarClient) EnsureCalendar(ctx context.Context) error {
	script := fmt.Sprintf(`tell application "Calendar"
	try
		set found to false
		repeat with cal in calendars
			if name of cal is %[1]s then
				set found to true
				exit repeat
			end if
		end repeat
		if not found then
			make new calendar with properties {name:%[1]s}
		end if
		return "OK"
	on error errMsg
		return "Error: " & errMsg
	end try
end tell`, quote(c.calendar))

	_, err := c.run(ctx, script)
	return err
}

// ListEvents returns the live listing for the calendar. Records are
// pipe-delimited: uid|summary|description|location|start|end, joined by a
// triple-pipe separator.
func (c *CalendarClient) ListEvents(ctx context.Context) ([]event.TargetEvent, error) {
	script := fmt.Sprintf(`tell application "Calendar"
	try
		set targetCalendar to calendar %s
		set eventList to ""
		repeat with evt in events of targetCalendar
			set row to (uid of evt) & "|" & (summary of evt) & "|" & (description of evt) & "|" & (location of evt) & "|" & ((start date of evt) as string) & "|" & ((end date of evt) as string)
			if eventList is "" then
				set eventList to row
			else
				set eventList to eventList & "|||" & row
			end if
		end repeat
		return "EVENTS:" & eventList
	on error errMsg
		return "Error: " & errMsg
	end try
end tell`, quote(c.calendar))

	out, err := c.run(ctx, script)
	if err != nil {
		return nil, err
	}
	return ParseListing(out)
}

// ParseListing decodes the AppleScript listing payload.
func ParseListing(out string) ([]event.TargetEvent, error) {
	if !strings.HasPrefix(out, eventsPrefix) {
		return nil, fmt.Errorf("%w: unexpected listing payload %q", ErrMutation, truncate(out, 80))
	}
	body := strings.TrimPrefix(out, eventsPrefix)
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}

	var events []event.TargetEvent
	for _, record := range strings.Split(body, recordSep) {
		parts := strings.SplitN(record, fieldSep, listFieldCount)
		if len(parts) < listFieldCount {
			log.Printf("Skipping malformed target listing record %q", truncate(record, 80))
			continue
		}
		events = append(events, event.TargetEvent{
			ID:          strings.TrimSpace(parts[0]),
			Summary:     strings.TrimSpace(parts[1]),
			Description: strings.TrimSpace(parts[2]),
			Location:    strings.TrimSpace(parts[3]),
			Start:       strings.TrimSpace(parts[4]),
			End:         strings.TrimSpace(parts[5]),
		})
	}
	return events, nil
}

// CreateEvent creates the event and returns the new target identifier. The
// sync marker is embedded in the description here, at the wire boundary.
// Any stale copy carrying the same marker is removed first, so a retried
// create never leaves duplicates behind.
func (c *CalendarClient) CreateEvent(ctx context.Context, ev *event.SourceEvent) (string, error) {
	start, end := appleScriptDates(ev)
	marker := event.SyncMarker(ev.Key())
	description := event.WithSyncMarker(ev.Description, ev.Key())

	script := fmt.Sprintf(`tell application "Calendar"
	try
		tell calendar %s
			set stale to (every event whose description contains %s)
			repeat with evt in stale
				delete evt
			end repeat
			set newEvent to make new event with properties {summary:%s, description:%s, location:%s, start date:%s, end date:%s}
		end tell
		return uid of newEvent
	on error errMsg
		return "Error: " & errMsg
	end try
end tell`, quote(c.calendar), quote(marker), quote(ev.Summary), quote(description), quote(ev.Location), start, end)

	out, err := c.run(ctx, script)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("%w: create returned no identifier", ErrMutation)
	}
	return out, nil
}

// DeleteEvent removes the event with the given identifier. A missing event is
// treated as already deleted.
func (c *CalendarClient) DeleteEvent(ctx context.Context, targetID string) error {
	script := fmt.Sprintf(`tell application "Calendar"
	try
		tell calendar %s
			set victims to (every event whose uid is %s)
			repeat with evt in victims
				delete evt
			end repeat
		end tell
		return "OK"
	on error errMsg
		return "Error: " & errMsg
	end try
end tell`, quote(c.calendar), quote(targetID))

	_, err := c.run(ctx, script)
	return err
}

// ClearAll deletes every event in the calendar.
func (c *CalendarClient) ClearAll(ctx context.Context) error {
	script := fmt.Sprintf(`tell application "Calendar"
	try
		tell calendar %s
			delete every event
		end tell
		return "OK"
	on error errMsg
		return "Error: " & errMsg
	end try
end tell`, quote(c.calendar))

	_, err := c.run(ctx, script)
	return err
}

// appleScriptDates renders start/end in the local-time form Calendar.app
// accepts. All-day events span midnight to the following midnight.
func appleScriptDates(ev *event.SourceEvent) (string, string) {
	start, end := ev.Start, ev.End
	if ev.AllDay {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.Local)
		if end.IsZero() || !end.After(start) {
			end = start.Add(24 * time.Hour)
		}
	} else {
		start = start.Local()
		if end.IsZero() {
			end = start.Add(time.Hour)
		} else {
			end = end.Local()
		}
	}
	const layout = "2006-01-02 15:04:05"
	return fmt.Sprintf("date %q", start.Format(layout)), fmt.Sprintf("date %q", end.Format(layout))
}

// quote escapes a string for interpolation into AppleScript source.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	return `"` + s + `"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
