// Package batch runs a question set against a persona set with bounded
// concurrency, per-entry retries, pause/resume and cancellation.
package batch

import (
	"time"

	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/survey"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusPreparing RunStatus = "preparing"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Active reports whether a run in this state still owns the orchestrator.
func (s RunStatus) Active() bool {
	return s == StatusPreparing || s == StatusRunning || s == StatusPaused
}

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// EntryStatus is the lifecycle state of one persona's interview.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryRunning   EntryStatus = "running"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// Terminal reports whether the entry will not change again.
func (s EntryStatus) Terminal() bool {
	return s == EntryCompleted || s == EntryFailed
}

// Entry is the unit of work for one persona and its outcome.
type Entry struct {
	ID          string                `json:"id"`
	PersonaID   string                `json:"personaId"`
	PersonaName string                `json:"personaName,omitempty"`
	Status      EntryStatus           `json:"status"`
	Answers     []survey.SurveyAnswer `json:"answers,omitempty"`
	RawResponse string                `json:"rawResponse,omitempty"`
	Error       string                `json:"error,omitempty"`
	Attempts    int                   `json:"attempts"`
	Provider    string                `json:"provider,omitempty"`
	Model       string                `json:"model,omitempty"`
	Usage       *model.Usage          `json:"usage,omitempty"`
	Issues      []survey.Issue        `json:"issues,omitempty"`
	StartTime   time.Time             `json:"startTime,omitzero"`
	EndTime     time.Time             `json:"endTime,omitzero"`
}

// Duration is the wall time between start and end, or zero while unset.
func (e Entry) Duration() time.Duration {
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

func (e Entry) clone() Entry {
	out := e
	if e.Answers != nil {
		out.Answers = append([]survey.SurveyAnswer(nil), e.Answers...)
	}
	if e.Issues != nil {
		out.Issues = append([]survey.Issue(nil), e.Issues...)
	}
	if e.Usage != nil {
		u := *e.Usage
		out.Usage = &u
	}
	return out
}

// Progress is derived from the live entry collection each time it is read.
// EstimatedRemaining is meaningful only when HasEstimate is set.
type Progress struct {
	RunID              string        `json:"runId,omitempty"`
	Status             RunStatus     `json:"status"`
	Total              int           `json:"total"`
	Completed          int           `json:"completed"`
	Failed             int           `json:"failed"`
	Running            int           `json:"running"`
	Pending            int           `json:"pending"`
	Percent            float64       `json:"percent"`
	AverageDuration    time.Duration `json:"averageDuration"`
	EstimatedRemaining time.Duration `json:"estimatedRemaining"`
	HasEstimate        bool          `json:"hasEstimate"`
	Usage              model.Usage   `json:"usage"`
}

// Finished counts entries in a terminal state.
func (p Progress) Finished() int {
	return p.Completed + p.Failed
}

// RunInfo describes a run without its entries.
type RunInfo struct {
	ID           string            `json:"id"`
	Status       RunStatus         `json:"status"`
	Options      Options           `json:"options"`
	Questions    []survey.Question `json:"questions"`
	PersonaCount int               `json:"personaCount"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    time.Time         `json:"startedAt,omitzero"`
	FinishedAt   time.Time         `json:"finishedAt,omitzero"`
	Error        string            `json:"error,omitempty"`
}

// RunResult is the full outcome of a finished run.
type RunResult struct {
	RunInfo
	Entries  []Entry  `json:"entries"`
	Progress Progress `json:"progress"`
}

// CompletedEntries returns the entries that produced answers.
func (r *RunResult) CompletedEntries() []Entry {
	return r.filter(EntryCompleted)
}

// FailedEntries returns the entries whose personas need re-running.
func (r *RunResult) FailedEntries() []Entry {
	return r.filter(EntryFailed)
}

func (r *RunResult) filter(status EntryStatus) []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}
