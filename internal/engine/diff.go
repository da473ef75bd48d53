package engine

import (
	"github.com/calmirror/calmirror/internal/event"
	"github.com/calmirror/calmirror/internal/state"
)

// DeleteCandidate is a state entry whose key vanished from the source.
type DeleteCandidate struct {
	Key   string
	Entry state.Entry
}

// Plan is the ordered operation set for one cycle: creates, then updates,
// then deletes (subject to the safety gate), then recoveries.
type Plan struct {
	Creates    []event.SourceEvent
	Updates    []event.SourceEvent
	Deletes    []DeleteCandidate
	Recoveries []event.SourceEvent
}

// Empty reports whether the plan contains no operations.
func (p *Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0 && len(p.Recoveries) == 0
}

// Diff compares the fetched source events against the persisted belief-state.
//
//   - key absent from state            -> create
//   - key in both, hash differs       -> update
//   - key in state, absent from source -> delete candidate
func Diff(events []event.SourceEvent, st *state.MappingState) Plan {
	var plan Plan

	sourceKeys := make(map[string]bool, len(events))
	for i := range events {
		ev := &events[i]
		key := ev.Key()
		sourceKeys[key] = true

		entry, known := st.Entries[key]
		switch {
		case !known:
			plan.Creates = append(plan.Creates, *ev)
		case entry.Hash != ev.Hash():
			plan.Updates = append(plan.Updates, *ev)
		}
	}

	for key, entry := range st.Entries {
		if !sourceKeys[key] {
			plan.Deletes = append(plan.Deletes, DeleteCandidate{Key: key, Entry: entry})
		}
	}

	return plan
}

// AddRecoveries marks source events for re-creation when the live target
// listing no longer shows a key the state says was synced. This implements
// the deletion-override policy: the source is the single source of truth,
// and a manual deletion in the target is treated as accidental. Keys
// already planned as creates or updates are skipped; those operations
// write the current content anyway.
func (p *Plan) AddRecoveries(events []event.SourceEvent, st *state.MappingState, liveKeys map[string]bool) {
	updating := make(map[string]bool, len(p.Updates))
	for i := range p.Updates {
		updating[p.Updates[i].Key()] = true
	}

	for i := range events {
		ev := &events[i]
		key := ev.Key()
		if _, known := st.Entries[key]; !known {
			continue
		}
		if updating[key] {
			continue
		}
		if !liveKeys[key] {
			p.Recoveries = append(p.Recoveries, *ev)
		}
	}
}
