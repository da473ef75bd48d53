package event

import (
	"crypto/md5" //nolint:gosec // fingerprint for change detection, not security
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SourceEvent is the normalized representation of one event (or one expanded
// recurring instance) fetched from the source calendar.
type SourceEvent struct {
	UID          string    `json:"uid"`
	RecurrenceID string    `json:"recurrence_id,omitempty"`
	Summary      string    `json:"summary"`
	Description  string    `json:"description"`
	Location     string    `json:"location"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	AllDay       bool      `json:"all_day"`

	// RRule is the normalized recurrence rule. Empty when the event is a
	// single occurrence or an expanded instance.
	RRule   string      `json:"rrule,omitempty"`
	ExDates []time.Time `json:"exdates,omitempty"`

	// SourceCalendar is the name of the calendar the event came from.
	SourceCalendar string `json:"source_calendar,omitempty"`
}

// TargetEvent is an event as reported by the target calendar. The ID is an
// opaque target-side identifier; the sync key is recovered from the
// description marker, never from target-native identifiers.
type TargetEvent struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

// Key returns the stable identity for the event: the UID alone, or
// UID "#" RECURRENCE-ID for an expanded recurring instance.
func (e *SourceEvent) Key() string {
	if e.RecurrenceID != "" {
		return e.UID + "#" + e.RecurrenceID
	}
	return e.UID
}

// IsRecurringInstance reports whether the event is one expanded instance of a
// recurring series.
func (e *SourceEvent) IsRecurringInstance() bool {
	return e.RecurrenceID != ""
}

// Hash returns the content fingerprint over the semantically relevant fields.
// Volatile metadata (SEQUENCE, LAST-MODIFIED, DTSTAMP) never participates, so
// re-fetching an unmodified event hashes identically.
func (e *SourceEvent) Hash() string {
	fields := []string{
		e.Key(),
		NormalizeText(e.Summary),
		NormalizeText(e.Description),
		NormalizeText(e.Location),
		e.RRule,
		normalizeExDates(e.ExDates, e.AllDay),
		UTCString(e.Start, e.AllDay),
		UTCString(e.End, e.AllDay),
	}
	if e.RecurrenceID != "" {
		fields = append(fields, e.RecurrenceID)
	}

	// Double separator avoids field-boundary ambiguity.
	sum := md5.Sum([]byte(strings.Join(fields, "||"))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// NormalizeText collapses all whitespace runs (including newlines) into
// single spaces and trims the result.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// UTCString serializes a time for hashing. All-day events carry a date-only
// form with an ALLDAY tag so they can never compare equal to a timed event at
// midnight.
func UTCString(t time.Time, allDay bool) string {
	if t.IsZero() {
		return ""
	}
	if allDay {
		return t.Format("2006-01-02") + "|ALLDAY"
	}
	return t.UTC().Format(time.RFC3339)
}

// NormalizeRRule produces a stable serialization of an RRULE value: parts are
// split on ";", trimmed, and sorted so VENDOR ordering differences do not
// change the hash.
func NormalizeRRule(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, ";")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ";")
}

func normalizeExDates(exdates []time.Time, allDay bool) string {
	if len(exdates) == 0 {
		return ""
	}
	vals := make([]string, 0, len(exdates))
	for _, d := range exdates {
		vals = append(vals, UTCString(d, allDay))
	}
	sort.Strings(vals)
	return strings.Join(vals, ",")
}

// syncMarkerRe matches the marker embedded in target-side descriptions.
var syncMarkerRe = regexp.MustCompile(`\[SYNC_UID:([^\]]+)\]`)

// SyncMarker returns the marker text encoding a sync key.
func SyncMarker(key string) string {
	return "[SYNC_UID:" + key + "]"
}

// WithSyncMarker returns the description with the event's sync marker
// appended, leaving it unchanged when the marker is already present.
func WithSyncMarker(description, key string) string {
	marker := SyncMarker(key)
	description = NormalizeText(description)
	if strings.Contains(description, marker) {
		return description
	}
	if description == "" {
		return marker
	}
	return description + " " + marker
}

// ExtractSyncKey recovers the sync key from a target event description.
// Returns "" when no marker is present (an event not managed by this tool).
func ExtractSyncKey(description string) string {
	m := syncMarkerRe.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractSyncKeys collects the set of sync keys present in a target listing.
func ExtractSyncKeys(events []TargetEvent) map[string]bool {
	keys := make(map[string]bool)
	for _, ev := range events {
		for _, m := range syncMarkerRe.FindAllStringSubmatch(ev.Description, -1) {
			keys[m[1]] = true
		}
	}
	return keys
}
