package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"

	"github.com/calmirror/calmirror/internal/event"
	"github.com/calmirror/calmirror/internal/source"
)

const (
	filePrefix = "backup-"
	fileSuffix = ".ics"
	timeLayout = "20060102T150405Z"
)

// Manager writes periodic ICS snapshots of the source window and rotates
// old snapshots. Backups are best effort; a failed snapshot is logged and
// never blocks the sync loop.
type Manager struct {
	dir       string
	retention int
	interval  time.Duration

	lister    source.Lister
	calendars []string

	mu         sync.Mutex
	lastBackup time.Time
}

func New(dir string, retention int, interval time.Duration, lister source.Lister, calendars []string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	m := &Manager{
		dir:       dir,
		retention: retention,
		interval:  interval,
		lister:    lister,
		calendars: calendars,
	}
	m.lastBackup = m.newestSnapshotTime()
	return m, nil
}

// Due reports whether the backup interval has elapsed since the last
// snapshot, including snapshots from previous runs found on disk.
func (m *Manager) Due() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastBackup) >= m.interval
}

// Run fetches the source window, writes one snapshot file, and rotates old
// snapshots. Returns the path of the new snapshot.
func (m *Manager) Run(ctx context.Context, from, to time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events, err := m.lister.ListEvents(ctx, source.Selector{Calendars: m.calendars}, from, to)
	if err != nil {
		return "", fmt.Errorf("fetching events for backup: %w", err)
	}

	cal := buildCalendar(events)
	path := filepath.Join(m.dir, filePrefix+time.Now().UTC().Format(timeLayout)+fileSuffix)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("creating snapshot file: %w", err)
	}
	if err := ical.NewEncoder(f).Encode(cal); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing snapshot file: %w", err)
	}

	m.lastBackup = time.Now()
	log.Printf("[INFO] backup: wrote %d events to %s", len(events), path)

	if err := m.rotate(); err != nil {
		log.Printf("[WARN] backup rotation: %v", err)
	}
	return path, nil
}

// rotate keeps the newest retention snapshots and removes the rest.
func (m *Manager) rotate() error {
	snapshots, err := m.listSnapshots()
	if err != nil {
		return err
	}
	if m.retention <= 0 || len(snapshots) <= m.retention {
		return nil
	}
	for _, name := range snapshots[:len(snapshots)-m.retention] {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return fmt.Errorf("removing old snapshot %s: %w", name, err)
		}
		log.Printf("[INFO] backup: removed old snapshot %s", name)
	}
	return nil
}

// listSnapshots returns snapshot file names sorted oldest first. The UTC
// timestamp in the name sorts lexicographically.
func (m *Manager) listSnapshots() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) newestSnapshotTime() time.Time {
	snapshots, err := m.listSnapshots()
	if err != nil || len(snapshots) == 0 {
		return time.Time{}
	}
	name := snapshots[len(snapshots)-1]
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// buildCalendar assembles one VCALENDAR holding every fetched event.
func buildCalendar(events []event.SourceEvent) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//calmirror//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")

	now := time.Now().UTC()
	for i := range events {
		cal.Children = append(cal.Children, buildEvent(&events[i], now).Component)
	}
	return cal
}

func buildEvent(ev *event.SourceEvent, stamp time.Time) *ical.Event {
	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, ev.UID)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	ve.Props.SetText(ical.PropSummary, ev.Summary)
	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}

	if ev.AllDay {
		setDate(ve, ical.PropDateTimeStart, ev.Start)
		setDate(ve, ical.PropDateTimeEnd, ev.End)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	}

	if ev.RRule != "" {
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = ev.RRule
		ve.Props.Set(p)
	}
	if ev.RecurrenceID != "" {
		if p := recurrenceIDProp(ev.RecurrenceID); p != nil {
			ve.Props.Set(p)
		}
	}
	return ve
}

// recurrenceIDProp converts the normalized instance identifier back to an
// iCalendar RECURRENCE-ID value. Unparseable identifiers are skipped.
func recurrenceIDProp(id string) *ical.Prop {
	p := ical.NewProp(ical.PropRecurrenceID)
	if day, ok := strings.CutSuffix(id, "|ALLDAY"); ok {
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil
		}
		p.SetValueType(ical.ValueDate)
		p.Value = t.Format("20060102")
		return p
	}
	t, err := time.Parse(time.RFC3339, id)
	if err != nil {
		return nil
	}
	p.Value = t.UTC().Format("20060102T150405Z")
	return p
}

func setDate(ve *ical.Event, name string, t time.Time) {
	p := ical.NewProp(name)
	p.SetValueType(ical.ValueDate)
	p.Value = t.Format("20060102")
	ve.Props.Set(p)
}
