package source

import (
	"fmt"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/calmirror/calmirror/internal/event"
)

// maxInstancesPerEvent caps expansion so a malformed rule cannot explode the
// diff set.
const maxInstancesPerEvent = 5000

// ExpandInstances expands a recurring series event into per-instance
// SourceEvents inside [from, to]. Each instance carries its own
// RECURRENCE-ID-derived key; EXDATEs are honored.
func ExpandInstances(series *event.SourceEvent, ve *ical.Event, from, to time.Time) ([]event.SourceEvent, error) {
	set, err := recurrenceSet(series, ve)
	if err != nil {
		return nil, err
	}

	occurrences := set.Between(from, to, true)
	if len(occurrences) > maxInstancesPerEvent {
		occurrences = occurrences[:maxInstancesPerEvent]
	}

	duration := series.End.Sub(series.Start)
	out := make([]event.SourceEvent, 0, len(occurrences))
	for _, occ := range occurrences {
		inst := *series
		inst.RRule = ""
		inst.ExDates = nil
		inst.Start = occ
		if series.AllDay {
			day := time.Date(occ.Year(), occ.Month(), occ.Day(), 0, 0, 0, 0, occ.Location())
			inst.Start = day
			inst.End = day.Add(24 * time.Hour)
		} else {
			inst.End = occ.Add(duration)
		}
		inst.RecurrenceID = event.UTCString(inst.Start, series.AllDay)
		out = append(out, inst)
	}
	return out, nil
}

// recurrenceSet prefers the library's own VEVENT recurrence handling and
// falls back to assembling the set from the normalized rule and EXDATEs.
func recurrenceSet(series *event.SourceEvent, ve *ical.Event) (*rrule.Set, error) {
	if ve != nil {
		if set, err := ve.RecurrenceSet(time.UTC); err == nil && set != nil {
			return set, nil
		}
	}

	r, err := rrule.StrToRRule(series.RRule)
	if err != nil {
		return nil, fmt.Errorf("bad RRULE %q: %w", series.RRule, err)
	}
	r.DTStart(series.Start)

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range series.ExDates {
		set.ExDate(ex)
	}
	return set, nil
}
