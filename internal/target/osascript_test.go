package target

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/calmirror/calmirror/internal/event"
)

type fakeRunner struct {
	scripts []string
	output  string
	err     error
}

func (f *fakeRunner) Run(_ context.Context, script string) (string, error) {
	f.scripts = append(f.scripts, script)
	return f.output, f.err
}

func newTestClient(runner *fakeRunner) *CalendarClient {
	return &CalendarClient{calendar: "Mirror", runner: runner}
}

func TestParseListing(t *testing.T) {
	t.Run("decodes records", func(t *testing.T) {
		out := "EVENTS:" +
			"id-1|Standup|notes [SYNC_UID:a]|Room 4|Monday, March 2, 2026 at 9:00|Monday, March 2, 2026 at 9:30" +
			"|||id-2|Review|[SYNC_UID:b]||Tuesday|Tuesday"
		events, err := ParseListing(out)
		if err != nil {
			t.Fatalf("ParseListing: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if events[0].ID != "id-1" || events[0].Summary != "Standup" {
			t.Errorf("unexpected first record %+v", events[0])
		}
		if events[1].Description != "[SYNC_UID:b]" {
			t.Errorf("unexpected description %q", events[1].Description)
		}
	})

	t.Run("empty listing", func(t *testing.T) {
		events, err := ParseListing("EVENTS:")
		if err != nil {
			t.Fatalf("ParseListing: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("expected no events, got %d", len(events))
		}
	})

	t.Run("malformed records are skipped", func(t *testing.T) {
		events, err := ParseListing("EVENTS:short|record|||id-3|S|D|L|start|end")
		if err != nil {
			t.Fatalf("ParseListing: %v", err)
		}
		if len(events) != 1 || events[0].ID != "id-3" {
			t.Errorf("unexpected events %+v", events)
		}
	})

	t.Run("unexpected payload is an error", func(t *testing.T) {
		if _, err := ParseListing("garbage"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestCreateEvent(t *testing.T) {
	runner := &fakeRunner{output: "NEW-UID-1"}
	client := newTestClient(runner)

	ev := &event.SourceEvent{
		UID:         "src-1",
		Summary:     `Budget "Q2" review`,
		Description: "Figures attached",
		Start:       time.Date(2026, 4, 7, 14, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 4, 7, 15, 0, 0, 0, time.UTC),
	}

	id, err := client.CreateEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if id != "NEW-UID-1" {
		t.Errorf("expected returned uid, got %q", id)
	}

	script := runner.scripts[0]
	if !strings.Contains(script, `[SYNC_UID:src-1]`) {
		t.Error("sync marker missing from pushed description")
	}
	if !strings.Contains(script, `\"Q2\"`) {
		t.Error("quotes not escaped for AppleScript")
	}
	if !strings.Contains(script, `whose description contains "[SYNC_UID:src-1]"`) {
		t.Error("create must sweep stale copies of the same key first")
	}
}

func TestCreateEventErrorMapping(t *testing.T) {
	runner := &fakeRunner{output: "Error: event could not be created"}
	client := newTestClient(runner)

	_, err := client.CreateEvent(context.Background(), &event.SourceEvent{UID: "x", Start: time.Now()})
	if !errors.Is(err, ErrMutation) {
		t.Fatalf("expected ErrMutation, got %v", err)
	}
}

func TestCalendarUnavailable(t *testing.T) {
	runner := &fakeRunner{output: `Error: can't get calendar "Mirror"`}
	client := newTestClient(runner)

	_, err := client.ListEvents(context.Background())
	if !errors.Is(err, ErrCalendarUnavailable) {
		t.Fatalf("expected ErrCalendarUnavailable, got %v", err)
	}
}

func TestDeleteEventTargetsUID(t *testing.T) {
	runner := &fakeRunner{output: "OK"}
	client := newTestClient(runner)

	if err := client.DeleteEvent(context.Background(), "uid-9"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if !strings.Contains(runner.scripts[0], `whose uid is "uid-9"`) {
		t.Error("delete script must select by target uid")
	}
}

func TestAppleScriptDatesAllDay(t *testing.T) {
	ev := &event.SourceEvent{
		AllDay: true,
		Start:  time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	start, end := appleScriptDates(ev)
	if !strings.Contains(start, "00:00:00") {
		t.Errorf("all-day start should be midnight: %s", start)
	}
	if start == end {
		t.Error("all-day end must differ from start")
	}
}
