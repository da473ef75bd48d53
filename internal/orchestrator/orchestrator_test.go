package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/db"
	"github.com/calmirror/calmirror/internal/engine"
	"github.com/calmirror/calmirror/internal/event"
	"github.com/calmirror/calmirror/internal/notify"
	"github.com/calmirror/calmirror/internal/source"
	"github.com/calmirror/calmirror/internal/state"
	"github.com/calmirror/calmirror/internal/target"
)

// calendarLister serves a fixed event set per source calendar and can be
// scripted to fail specific calendars.
type calendarLister struct {
	byCalendar map[string][]event.SourceEvent
	failFor    map[string]bool
}

func (l *calendarLister) ListEvents(ctx context.Context, sel source.Selector, from, to time.Time) ([]event.SourceEvent, error) {
	var out []event.SourceEvent
	for _, name := range sel.Calendars {
		if l.failFor[name] {
			return nil, fmt.Errorf("%w: calendar %s unreachable", source.ErrFetch, name)
		}
		out = append(out, l.byCalendar[name]...)
	}
	return out, nil
}

type memoryTarget struct {
	events map[string]event.TargetEvent
	nextID int
}

func newMemoryTarget() *memoryTarget {
	return &memoryTarget{events: make(map[string]event.TargetEvent)}
}

func (m *memoryTarget) ListEvents(ctx context.Context) ([]event.TargetEvent, error) {
	out := make([]event.TargetEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	return out, nil
}

func (m *memoryTarget) CreateEvent(ctx context.Context, ev *event.SourceEvent) (string, error) {
	m.nextID++
	id := fmt.Sprintf("mem-%d", m.nextID)
	m.events[id] = event.TargetEvent{
		ID:          id,
		Summary:     ev.Summary,
		Description: event.WithSyncMarker(ev.Description, ev.Key()),
	}
	return id, nil
}

func (m *memoryTarget) DeleteEvent(ctx context.Context, targetID string) error {
	delete(m.events, targetID)
	return nil
}

func (m *memoryTarget) ClearAll(ctx context.Context) error {
	m.events = make(map[string]event.TargetEvent)
	return nil
}

func calendarEvent(uid, calendar, summary string) event.SourceEvent {
	start := time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)
	return event.SourceEvent{
		UID:            uid,
		Summary:        summary,
		Start:          start,
		End:            start.Add(time.Hour),
		SourceCalendar: calendar,
	}
}

// recordingAlerter captures the alerts a batch emits.
type recordingAlerter struct {
	failures []capturedAlert
}

type capturedAlert struct {
	alertType notify.AlertType
	mappingID string
}

func (a *recordingAlerter) SendFailureAlert(ctx context.Context, alertType notify.AlertType, mappingID, message, details string) bool {
	a.failures = append(a.failures, capturedAlert{alertType: alertType, mappingID: mappingID})
	return true
}

func (a *recordingAlerter) SendRecoveryAlert(ctx context.Context, mappingID string) bool {
	return false
}

func testOrchestrator(t *testing.T, lister source.Lister, mappings []config.Mapping) (*Orchestrator, map[string]*memoryTarget, *db.DB) {
	t.Helper()
	orch, targets, history, _ := testOrchestratorAt(t, lister, mappings, t.TempDir(), nil)
	return orch, targets, history
}

func testOrchestratorAt(t *testing.T, lister source.Lister, mappings []config.Mapping, stateDir string, alerter Alerter) (*Orchestrator, map[string]*memoryTarget, *db.DB, *state.Store) {
	t.Helper()

	store, err := state.NewStore(stateDir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	history, err := db.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	targets := make(map[string]*memoryTarget)
	factory := func(name string) target.Client {
		if _, ok := targets[name]; !ok {
			targets[name] = newMemoryTarget()
		}
		return targets[name]
	}

	opts := engine.Options{
		PastDays:                30,
		FutureDays:              90,
		SafetyThreshold:         0.5,
		SafetyEnabled:           true,
		OverrideTargetDeletions: true,
		VerifyThreshold:         0.9,
	}
	eng := engine.New(lister, factory, store, opts)
	return New(eng, mappings, history, alerter), targets, history, store
}

func twoMappings() []config.Mapping {
	return []config.Mapping{
		{ID: "work", SourceCalendars: []string{"Work"}, TargetCalendar: "Work Mirror"},
		{ID: "home", SourceCalendars: []string{"Home"}, TargetCalendar: "Home Mirror"},
	}
}

func TestRunBatchAllMappings(t *testing.T) {
	lister := &calendarLister{byCalendar: map[string][]event.SourceEvent{
		"Work": {calendarEvent("w1@x", "Work", "Standup"), calendarEvent("w2@x", "Work", "Review")},
		"Home": {calendarEvent("h1@x", "Home", "Dentist")},
	}}
	orch, targets, history := testOrchestrator(t, lister, twoMappings())

	batch := orch.RunBatch(context.Background(), Options{})
	if len(batch.Outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(batch.Outcomes))
	}
	if batch.Failed != 0 {
		t.Fatalf("failed = %d, want 0", batch.Failed)
	}
	for _, outcome := range batch.Outcomes {
		if outcome.Status != db.CycleStatusSuccess {
			t.Errorf("mapping %s status = %s, want success", outcome.MappingID, outcome.Status)
		}
	}
	if n := len(targets["Work Mirror"].events); n != 2 {
		t.Errorf("work mirror holds %d events, want 2", n)
	}
	if n := len(targets["Home Mirror"].events); n != 1 {
		t.Errorf("home mirror holds %d events, want 1", n)
	}

	logs, err := history.ListRecentCycles(10)
	if err != nil {
		t.Fatalf("ListRecentCycles: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("recorded %d cycle logs, want 2", len(logs))
	}
}

func TestRunBatchIsolatesMappingFailure(t *testing.T) {
	lister := &calendarLister{
		byCalendar: map[string][]event.SourceEvent{
			"Home": {calendarEvent("h1@x", "Home", "Dentist")},
		},
		failFor: map[string]bool{"Work": true},
	}
	orch, targets, history := testOrchestrator(t, lister, twoMappings())

	batch := orch.RunBatch(context.Background(), Options{})
	if len(batch.Outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(batch.Outcomes))
	}
	if batch.Failed != 1 {
		t.Errorf("failed = %d, want 1", batch.Failed)
	}
	if batch.Outcomes[0].Status != db.CycleStatusError {
		t.Errorf("work status = %s, want error", batch.Outcomes[0].Status)
	}
	if batch.Outcomes[1].Status != db.CycleStatusSuccess {
		t.Errorf("home status = %s, want success (failure must not cascade)", batch.Outcomes[1].Status)
	}
	if n := len(targets["Home Mirror"].events); n != 1 {
		t.Errorf("home mirror holds %d events, want 1", n)
	}

	last, err := history.LastCycle("work")
	if err != nil {
		t.Fatalf("LastCycle: %v", err)
	}
	if last.Status != db.CycleStatusError || last.Message == "" {
		t.Errorf("work cycle log = %s %q, want error with message", last.Status, last.Message)
	}
}

func TestRunBatchCalendarSelection(t *testing.T) {
	lister := &calendarLister{byCalendar: map[string][]event.SourceEvent{
		"Work": {calendarEvent("w1@x", "Work", "Standup")},
		"Home": {calendarEvent("h1@x", "Home", "Dentist")},
	}}
	orch, targets, _ := testOrchestrator(t, lister, twoMappings())

	batch := orch.RunBatch(context.Background(), Options{Calendars: []string{"Home"}})
	if len(batch.Outcomes) != 1 {
		t.Fatalf("got %d outcomes, want only the selected mapping", len(batch.Outcomes))
	}
	if batch.Outcomes[0].MappingID != "home" {
		t.Errorf("ran mapping %s, want home", batch.Outcomes[0].MappingID)
	}
	if _, ok := targets["Work Mirror"]; ok {
		t.Error("unselected mapping touched its target")
	}
}

func TestRunBatchForceResync(t *testing.T) {
	lister := &calendarLister{byCalendar: map[string][]event.SourceEvent{
		"Work": {calendarEvent("w1@x", "Work", "Standup"), calendarEvent("w2@x", "Work", "Review")},
	}}
	mappings := twoMappings()[:1]
	orch, targets, _ := testOrchestrator(t, lister, mappings)

	if batch := orch.RunBatch(context.Background(), Options{}); batch.Failed != 0 {
		t.Fatalf("seed batch failed: %+v", batch)
	}

	// Drop one source event; force resync bypasses the incremental diff.
	lister.byCalendar["Work"] = lister.byCalendar["Work"][:1]
	batch := orch.RunBatch(context.Background(), Options{ForceResync: true})
	if batch.Failed != 0 {
		t.Fatalf("force resync failed: %+v", batch)
	}
	outcome := batch.Outcomes[0]
	if outcome.Result.Deleted != 2 || outcome.Result.Created != 1 {
		t.Errorf("resync = deleted %d created %d, want 2/1", outcome.Result.Deleted, outcome.Result.Created)
	}
	if n := len(targets["Work Mirror"].events); n != 1 {
		t.Errorf("work mirror holds %d events, want 1", n)
	}
}

func TestRunBatchCorruptStateAbortsMappingOnly(t *testing.T) {
	lister := &calendarLister{byCalendar: map[string][]event.SourceEvent{
		"Work": {calendarEvent("w1@x", "Work", "Standup")},
		"Home": {calendarEvent("h1@x", "Home", "Dentist")},
	}}
	stateDir := t.TempDir()
	alerter := &recordingAlerter{}
	orch, targets, history, _ := testOrchestratorAt(t, lister, twoMappings(), stateDir, alerter)

	path := filepath.Join(stateDir, "sync_state_work.json")
	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatalf("writing corrupt state: %v", err)
	}

	batch := orch.RunBatch(context.Background(), Options{})
	if len(batch.Outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(batch.Outcomes))
	}
	work := batch.Outcomes[0]
	if work.Status != db.CycleStatusError || work.Error == "" {
		t.Errorf("work outcome = %s %q, want error with message", work.Status, work.Error)
	}
	if batch.Outcomes[1].Status != db.CycleStatusSuccess {
		t.Errorf("home status = %s, want success", batch.Outcomes[1].Status)
	}

	// The corrupt mapping must not have touched its target calendar.
	if tgt, ok := targets["Work Mirror"]; ok && len(tgt.events) != 0 {
		t.Errorf("work mirror holds %d events despite corrupt state, want 0", len(tgt.events))
	}
	if n := len(targets["Home Mirror"].events); n != 1 {
		t.Errorf("home mirror holds %d events, want 1", n)
	}

	last, err := history.LastCycle("work")
	if err != nil {
		t.Fatalf("LastCycle: %v", err)
	}
	if last.Status != db.CycleStatusError || last.Message == "" {
		t.Errorf("work cycle log = %s %q, want error with message", last.Status, last.Message)
	}

	if len(alerter.failures) != 1 {
		t.Fatalf("sent %d failure alerts, want 1", len(alerter.failures))
	}
	if got := alerter.failures[0]; got.alertType != notify.AlertTypeStateCorrupt || got.mappingID != "work" {
		t.Errorf("alert = %s for %s, want %s for work",
			got.alertType, got.mappingID, notify.AlertTypeStateCorrupt)
	}
}

func TestRunBatchStopsOnCancel(t *testing.T) {
	lister := &calendarLister{byCalendar: map[string][]event.SourceEvent{}}
	orch, _, _ := testOrchestrator(t, lister, twoMappings())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch := orch.RunBatch(ctx, Options{})
	if len(batch.Outcomes) != 0 {
		t.Errorf("cancelled batch ran %d mappings, want 0", len(batch.Outcomes))
	}
}
