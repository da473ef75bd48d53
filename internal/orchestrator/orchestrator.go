package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/db"
	"github.com/calmirror/calmirror/internal/engine"
	"github.com/calmirror/calmirror/internal/notify"
	"github.com/calmirror/calmirror/internal/state"
)

// Options control one batch run.
type Options struct {
	// ForceResync wipes each target calendar and rebuilds it from source.
	ForceResync bool

	// Calendars restricts the run to mappings whose source selection
	// intersects this list. Empty means all mappings.
	Calendars []string
}

// MappingOutcome pairs an engine result with its recorded status.
type MappingOutcome struct {
	MappingID string         `json:"mapping_id"`
	Status    db.CycleStatus `json:"status"`
	Result    *engine.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// BatchResult summarizes one pass over all mappings.
type BatchResult struct {
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Outcomes  []MappingOutcome `json:"outcomes"`
	Failed    int              `json:"failed"`
}

// Alerter is the notification surface the orchestrator needs; satisfied by
// *notify.Notifier.
type Alerter interface {
	SendFailureAlert(ctx context.Context, alertType notify.AlertType, mappingID, message, details string) bool
	SendRecoveryAlert(ctx context.Context, mappingID string) bool
}

// Orchestrator runs the configured mappings strictly in sequence. A failure
// in one mapping is recorded and never stops the remaining mappings.
type Orchestrator struct {
	engine   *engine.Engine
	mappings []config.Mapping
	history  *db.DB
	notifier Alerter
}

func New(eng *engine.Engine, mappings []config.Mapping, history *db.DB, notifier Alerter) *Orchestrator {
	return &Orchestrator{engine: eng, mappings: mappings, history: history, notifier: notifier}
}

// RunBatch executes one cycle per selected mapping and returns the summary.
// Context cancellation stops the batch between mappings, never mid-mapping.
func (o *Orchestrator) RunBatch(ctx context.Context, opts Options) *BatchResult {
	batch := &BatchResult{StartedAt: time.Now().UTC()}
	defer func() { batch.Duration = time.Since(batch.StartedAt) }()

	for _, mapping := range o.selectMappings(opts.Calendars) {
		if err := ctx.Err(); err != nil {
			log.Printf("[WARN] batch stopped early: %v", err)
			break
		}

		outcome := o.runMapping(ctx, mapping, opts.ForceResync)
		batch.Outcomes = append(batch.Outcomes, outcome)
		if outcome.Status == db.CycleStatusError || outcome.Status == db.CycleStatusAborted {
			batch.Failed++
		}
	}

	log.Printf("[INFO] batch done in %s: %d mappings, %d failed",
		time.Since(batch.StartedAt).Round(time.Millisecond), len(batch.Outcomes), batch.Failed)
	return batch
}

func (o *Orchestrator) runMapping(ctx context.Context, mapping config.Mapping, force bool) MappingOutcome {
	var (
		result *engine.Result
		err    error
	)
	if force {
		result, err = o.engine.ForceResync(ctx, mapping)
	} else {
		result, err = o.engine.RunCycle(ctx, mapping)
	}

	outcome := MappingOutcome{MappingID: mapping.ID, Result: result}
	outcome.Status = classify(result, err)
	if err != nil {
		outcome.Error = err.Error()
		log.Printf("[ERROR] mapping %s failed: %v", mapping.ID, err)
		o.alertFailure(ctx, mapping.ID, err)
	} else if o.notifier != nil && outcome.Status == db.CycleStatusSuccess {
		o.notifier.SendRecoveryAlert(ctx, mapping.ID)
	}

	o.record(mapping.ID, outcome, result)
	return outcome
}

func classify(result *engine.Result, err error) db.CycleStatus {
	switch {
	case errors.Is(err, engine.ErrSafetyAbort):
		return db.CycleStatusAborted
	case err != nil:
		return db.CycleStatusError
	case result.Degraded:
		return db.CycleStatusDegraded
	case result.HasErrors():
		return db.CycleStatusPartial
	default:
		return db.CycleStatusSuccess
	}
}

func (o *Orchestrator) alertFailure(ctx context.Context, mappingID string, err error) {
	if o.notifier == nil {
		return
	}
	alertType := notify.AlertTypeCycleError
	switch {
	case errors.Is(err, engine.ErrSafetyAbort):
		alertType = notify.AlertTypeSafetyAbort
	case errors.Is(err, state.ErrStateCorrupt):
		alertType = notify.AlertTypeStateCorrupt
	}
	o.notifier.SendFailureAlert(ctx, alertType, mappingID,
		fmt.Sprintf("Sync cycle failed for mapping '%s'", mappingID), err.Error())
}

func (o *Orchestrator) record(mappingID string, outcome MappingOutcome, result *engine.Result) {
	if o.history == nil {
		return
	}
	cl := &db.CycleLog{
		MappingID: mappingID,
		Status:    outcome.Status,
		Message:   outcome.Error,
	}
	if result != nil {
		cl.EventsCreated = result.Created
		cl.EventsUpdated = result.Updated
		cl.EventsDeleted = result.Deleted
		cl.EventsRecovered = result.Recovered
		cl.ErrorCount = len(result.Errors)
		cl.Degraded = result.Degraded
		cl.Duration = result.Duration
		if cl.Message == "" && len(result.Errors) > 0 {
			cl.Message = strings.Join(result.Errors, "; ")
		}
	}
	if err := o.history.CreateCycleLog(cl); err != nil {
		log.Printf("[WARN] recording cycle for %s: %v", mappingID, err)
	}
}

// selectMappings applies the calendar restriction at mapping granularity:
// a mapping runs in full when any of its source calendars is requested.
// Narrowing the selection inside a mapping would make events from the
// unselected calendars look deleted, so whole mappings run or are skipped.
func (o *Orchestrator) selectMappings(calendars []string) []config.Mapping {
	if len(calendars) == 0 {
		return o.mappings
	}

	wanted := make(map[string]bool, len(calendars))
	for _, name := range calendars {
		wanted[name] = true
	}

	var selected []config.Mapping
	for _, mapping := range o.mappings {
		for _, name := range mapping.SourceCalendars {
			if wanted[name] {
				selected = append(selected, mapping)
				break
			}
		}
	}
	return selected
}
