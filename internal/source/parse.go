package source

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/calmirror/calmirror/internal/event"
)

var errMissingUID = errors.New("event has no UID")

// ParseEvent converts a VEVENT into a normalized SourceEvent. Volatile
// metadata (SEQUENCE, DTSTAMP, LAST-MODIFIED) is deliberately not carried.
func ParseEvent(ve *ical.Event, calendarName string) (*event.SourceEvent, error) {
	uid, err := ve.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return nil, errMissingUID
	}

	out := &event.SourceEvent{
		UID:            uid,
		SourceCalendar: calendarName,
	}

	if summary, err := ve.Props.Text(ical.PropSummary); err == nil {
		out.Summary = event.NormalizeText(summary)
	}
	if desc, err := ve.Props.Text(ical.PropDescription); err == nil {
		out.Description = event.NormalizeText(desc)
	}
	if loc, err := ve.Props.Text(ical.PropLocation); err == nil {
		out.Location = event.NormalizeText(loc)
	}

	dtstart := ve.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("event %s has no DTSTART", uid)
	}
	out.AllDay = dtstart.ValueType() == ical.ValueDate

	start, err := dtstart.DateTime(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("event %s: bad DTSTART: %w", uid, err)
	}
	out.Start = start
	out.End = deriveEnd(ve, start, out.AllDay)

	if rrule := ve.Props.Get(ical.PropRecurrenceRule); rrule != nil {
		out.RRule = event.NormalizeRRule(rrule.Value)
	}
	out.ExDates = parseExDates(ve)

	if rid := ve.Props.Get(ical.PropRecurrenceID); rid != nil {
		t, err := rid.DateTime(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("event %s: bad RECURRENCE-ID: %w", uid, err)
		}
		out.RecurrenceID = event.UTCString(t, rid.ValueType() == ical.ValueDate)
	}

	return out, nil
}

// deriveEnd returns DTEND when present, otherwise the original's fallback:
// end of day for all-day events, start plus one hour for timed ones.
func deriveEnd(ve *ical.Event, start time.Time, allDay bool) time.Time {
	if dtend := ve.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		if t, err := dtend.DateTime(time.UTC); err == nil {
			return t
		}
	}
	if allDay {
		return start.Add(24 * time.Hour)
	}
	return start.Add(time.Hour)
}

// parseExDates collects EXDATE values across all EXDATE properties. Each
// property may carry a comma-separated list.
func parseExDates(ve *ical.Event) []time.Time {
	props := ve.Props.Values(ical.PropExceptionDates)
	if len(props) == 0 {
		return nil
	}

	var out []time.Time
	for _, prop := range props {
		for _, raw := range strings.Split(prop.Value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if t, ok := parseICalTime(raw); ok {
				out = append(out, t)
			}
		}
	}
	return out
}

func parseICalTime(raw string) (time.Time, bool) {
	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
