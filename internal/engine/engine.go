package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/event"
	"github.com/calmirror/calmirror/internal/source"
	"github.com/calmirror/calmirror/internal/state"
	"github.com/calmirror/calmirror/internal/target"
)

// Options tune a single mapping cycle.
type Options struct {
	PastDays   int
	FutureDays int

	SafetyThreshold float64
	SafetyEnabled   bool

	// OverrideTargetDeletions re-creates events that were manually removed
	// from the target calendar while still present in the source.
	OverrideTargetDeletions bool

	// VerifyThreshold is the minimum fraction of source events that must be
	// visible in the target after a cycle before the result counts as clean.
	VerifyThreshold float64
}

// Result summarizes one mapping cycle.
type Result struct {
	MappingID string        `json:"mapping_id"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Deleted   int           `json:"deleted"`
	Recovered int           `json:"recovered"`
	Errors    []string      `json:"errors,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// HasErrors reports whether any per-event operation failed.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *Result) addError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[ERROR] %s", msg)
	r.Errors = append(r.Errors, msg)
}

// Engine reconciles one source window into one target calendar. All decisions
// run off the persisted belief-state; the live target listing is consulted
// only for the deletion-override and verification passes.
type Engine struct {
	lister  source.Lister
	targets target.Factory
	store   *state.Store
	opts    Options
}

func New(lister source.Lister, targets target.Factory, store *state.Store, opts Options) *Engine {
	return &Engine{lister: lister, targets: targets, store: store, opts: opts}
}

// RunCycle performs one full reconciliation for the mapping. The returned
// error is mapping-fatal (fetch exhausted, corrupt state, safety abort);
// per-event failures accumulate in Result.Errors and leave the matching
// state entries untouched so the next cycle retries them.
func (e *Engine) RunCycle(ctx context.Context, mapping config.Mapping) (*Result, error) {
	started := time.Now()
	result := &Result{MappingID: mapping.ID}
	defer func() { result.Duration = time.Since(started) }()

	st, err := e.store.Load(mapping.ID)
	if err != nil {
		return result, fmt.Errorf("loading state for %s: %w", mapping.ID, err)
	}

	from := time.Now().AddDate(0, 0, -e.opts.PastDays)
	to := time.Now().AddDate(0, 0, e.opts.FutureDays)
	events, err := e.lister.ListEvents(ctx, source.Selector{Calendars: mapping.SourceCalendars}, from, to)
	if err != nil {
		return result, fmt.Errorf("fetching source events for %s: %w", mapping.ID, err)
	}
	log.Printf("[INFO] mapping %s: fetched %d source events (%d tracked)", mapping.ID, len(events), len(st.Entries))

	plan := Diff(events, st)

	gate := SafetyGate{Threshold: e.opts.SafetyThreshold, Enabled: e.opts.SafetyEnabled}
	if err := gate.Check(len(plan.Deletes), len(st.Entries)); err != nil {
		return result, fmt.Errorf("mapping %s: %w", mapping.ID, err)
	}

	tc := e.targets(mapping.TargetCalendar)

	liveKeys, listErr := e.listLiveKeys(ctx, tc)
	if listErr != nil {
		// Override and verification degrade gracefully when the target
		// cannot be listed; the diff itself does not depend on it.
		log.Printf("[WARN] mapping %s: target listing unavailable: %v", mapping.ID, listErr)
	} else if e.opts.OverrideTargetDeletions {
		plan.AddRecoveries(events, st, liveKeys)
	}

	// A cancelled apply still persists the entries for the operations that
	// were confirmed, so the next cycle picks up where this one stopped
	// instead of re-issuing them.
	applyErr := e.apply(ctx, tc, &plan, st, result)
	if applyErr != nil {
		if saveErr := e.store.Save(st); saveErr != nil {
			log.Printf("[ERROR] mapping %s: saving partial state: %v", mapping.ID, saveErr)
		}
		return result, applyErr
	}

	if listErr == nil && len(events) > 0 {
		e.verify(ctx, tc, events, result)
	}

	st.LastSyncTime = time.Now().UTC()
	st.LastDuration = time.Since(started)
	if err := e.store.Save(st); err != nil {
		return result, fmt.Errorf("saving state for %s: %w", mapping.ID, err)
	}

	log.Printf("[INFO] mapping %s: cycle done in %s (created=%d updated=%d deleted=%d recovered=%d errors=%d)",
		mapping.ID, time.Since(started).Round(time.Millisecond),
		result.Created, result.Updated, result.Deleted, result.Recovered, len(result.Errors))
	return result, nil
}

func (e *Engine) apply(ctx context.Context, tc target.Client, plan *Plan, st *state.MappingState, result *Result) error {
	for i := range plan.Creates {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := &plan.Creates[i]
		id, err := tc.CreateEvent(ctx, ev)
		if err != nil {
			result.addError("create %s (%s): %v", ev.Key(), ev.Summary, err)
			continue
		}
		st.Entries[ev.Key()] = newEntry(ev, id)
		result.Created++
	}

	for i := range plan.Updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := &plan.Updates[i]
		key := ev.Key()
		if err := tc.DeleteEvent(ctx, st.Entries[key].TargetID); err != nil {
			result.addError("update %s: removing stale copy: %v", key, err)
			continue
		}
		id, err := tc.CreateEvent(ctx, ev)
		if err != nil {
			// The stale copy is gone but the entry stays, so the next
			// cycle sees a hash mismatch and retries the whole update.
			result.addError("update %s: recreating: %v", key, err)
			continue
		}
		st.Entries[key] = newEntry(ev, id)
		result.Updated++
	}

	for _, cand := range plan.Deletes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tc.DeleteEvent(ctx, cand.Entry.TargetID); err != nil {
			result.addError("delete %s (%s): %v", cand.Key, cand.Entry.Summary, err)
			continue
		}
		delete(st.Entries, cand.Key)
		result.Deleted++
	}

	for i := range plan.Recoveries {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := &plan.Recoveries[i]
		id, err := tc.CreateEvent(ctx, ev)
		if err != nil {
			result.addError("recover %s (%s): %v", ev.Key(), ev.Summary, err)
			continue
		}
		st.Entries[ev.Key()] = newEntry(ev, id)
		log.Printf("[INFO] restored manually deleted event %s (%s)", ev.Key(), ev.Summary)
		result.Recovered++
	}

	return nil
}

// verify re-lists the target and compares coverage against the source set.
// Incomplete coverage marks the cycle degraded but never fails it.
func (e *Engine) verify(ctx context.Context, tc target.Client, events []event.SourceEvent, result *Result) {
	liveKeys, err := e.listLiveKeys(ctx, tc)
	if err != nil {
		log.Printf("[WARN] mapping %s: verification listing failed: %v", result.MappingID, err)
		return
	}
	found := 0
	for i := range events {
		if liveKeys[events[i].Key()] {
			found++
		}
	}
	coverage := float64(found) / float64(len(events))
	if coverage < e.opts.VerifyThreshold {
		log.Printf("[WARN] mapping %s: verification coverage %.2f below %.2f (%d/%d)",
			result.MappingID, coverage, e.opts.VerifyThreshold, found, len(events))
		result.Degraded = true
	}
}

// ForceResync discards the belief-state, clears the target calendar, and
// rebuilds it from a fresh source fetch. Use after the state file and the
// target have drifted beyond repair.
func (e *Engine) ForceResync(ctx context.Context, mapping config.Mapping) (*Result, error) {
	started := time.Now()
	result := &Result{MappingID: mapping.ID}
	defer func() { result.Duration = time.Since(started) }()

	from := time.Now().AddDate(0, 0, -e.opts.PastDays)
	to := time.Now().AddDate(0, 0, e.opts.FutureDays)
	events, err := e.lister.ListEvents(ctx, source.Selector{Calendars: mapping.SourceCalendars}, from, to)
	if err != nil {
		return result, fmt.Errorf("fetching source events for %s: %w", mapping.ID, err)
	}

	tc := e.targets(mapping.TargetCalendar)

	existing, err := tc.ListEvents(ctx)
	if err != nil {
		return result, fmt.Errorf("listing target for %s: %w", mapping.ID, err)
	}

	// The discard hits disk before the target is cleared. A crash between
	// the two then leaves an empty state facing an empty target, never a
	// state claiming entries the target no longer holds.
	st := state.NewMappingState(mapping.ID)
	if err := e.store.Save(st); err != nil {
		return result, fmt.Errorf("saving state for %s: %w", mapping.ID, err)
	}

	if err := tc.ClearAll(ctx); err != nil {
		return result, fmt.Errorf("clearing target for %s: %w", mapping.ID, err)
	}
	result.Deleted = len(existing)
	log.Printf("[INFO] mapping %s: force resync cleared %d target events", mapping.ID, len(existing))

	for i := range events {
		if err := ctx.Err(); err != nil {
			if saveErr := e.store.Save(st); saveErr != nil {
				log.Printf("[ERROR] mapping %s: saving partial state: %v", mapping.ID, saveErr)
			}
			return result, err
		}
		ev := &events[i]
		id, err := tc.CreateEvent(ctx, ev)
		if err != nil {
			result.addError("create %s (%s): %v", ev.Key(), ev.Summary, err)
			continue
		}
		st.Entries[ev.Key()] = newEntry(ev, id)
		result.Created++
	}

	st.LastSyncTime = time.Now().UTC()
	st.LastDuration = time.Since(started)
	if err := e.store.Save(st); err != nil {
		return result, fmt.Errorf("saving state for %s: %w", mapping.ID, err)
	}

	log.Printf("[INFO] mapping %s: force resync rebuilt %d events", mapping.ID, result.Created)
	return result, nil
}

// listLiveKeys maps the target listing back to sync keys via the embedded
// description markers. Target events without a marker were created by hand
// and are invisible to reconciliation.
func (e *Engine) listLiveKeys(ctx context.Context, tc target.Client) (map[string]bool, error) {
	listed, err := tc.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	return event.ExtractSyncKeys(listed), nil
}

func newEntry(ev *event.SourceEvent, targetID string) state.Entry {
	return state.Entry{
		Hash:     ev.Hash(),
		TargetID: targetID,
		UID:      ev.UID,
		Summary:  ev.Summary,
		LastSeen: time.Now().UTC(),
	}
}
