package batch

import (
	"context"
	"time"

	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/telemetry"
)

// Recorder persists run and entry transitions. Calls for one entry arrive
// in transition order; calls for different entries may be concurrent.
type Recorder interface {
	RecordRun(ctx context.Context, info RunInfo) error
	RecordEntry(ctx context.Context, runID string, entry Entry) error
}

const recordTimeout = 5 * time.Second

func (o *Orchestrator) recordRun(info RunInfo) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := o.recorder.RecordRun(ctx, info); err != nil {
		_ = o.logger.Error(logging.CategoryStorage, "record_run_failed", err.Error(), map[string]any{
			"run_id": info.ID,
			"status": string(info.Status),
		})
	}
}

func (o *Orchestrator) recordEntry(runID string, entry Entry) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := o.recorder.RecordEntry(ctx, runID, entry); err != nil {
		_ = o.logger.Error(logging.CategoryStorage, "record_entry_failed", err.Error(), map[string]any{
			"run_id":     runID,
			"entry_id":   entry.ID,
			"persona_id": entry.PersonaID,
			"status":     string(entry.Status),
		})
	}
}

// ProgressOf extracts the progress snapshot carried by progress, pause and
// resume events.
func ProgressOf(ev telemetry.Event) (Progress, bool) {
	p, ok := ev.Payload.(Progress)
	return p, ok
}

// EntryOf extracts the entry copy carried by entry events.
func EntryOf(ev telemetry.Event) (Entry, bool) {
	e, ok := ev.Payload.(Entry)
	return e, ok
}

// ResultOf extracts the result carried by terminal run events.
func ResultOf(ev telemetry.Event) (*RunResult, bool) {
	r, ok := ev.Payload.(*RunResult)
	return r, ok && r != nil
}
