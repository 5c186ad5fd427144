package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	cerrors "github.com/odvcencio/cohort/pkg/errors"
	"github.com/odvcencio/cohort/pkg/interview"
	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/survey"
	"github.com/odvcencio/cohort/pkg/telemetry"
)

const (
	msgNoRun       = "no run is active"
	msgRunFinished = "the previous run has finished; reset before starting another"
	msgCancelled   = "cancelled before completion"
)

var (
	// ErrRunActive matches any rejection caused by a run already in flight.
	ErrRunActive = &cerrors.Error{Code: cerrors.ErrCodeRunActive}
	// ErrNoActiveRun is returned by control calls when nothing is running.
	ErrNoActiveRun = &cerrors.Error{Code: cerrors.ErrCodeRunInvalid, Message: msgNoRun}
	// ErrRunFinished is returned by Start while a finished run is held.
	ErrRunFinished = &cerrors.Error{Code: cerrors.ErrCodeRunInvalid, Message: msgRunFinished}
)

// Interviewer performs one persona interview. *interview.Invoker satisfies it.
type Interviewer interface {
	Interview(ctx context.Context, persona survey.Persona, questions []survey.Question, opts interview.Options) (*interview.Result, error)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithRecorder persists run and entry transitions.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithHub replaces the orchestrator's own event hub.
func WithHub(h *telemetry.Hub) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.hub = h
		}
	}
}

// WithFallbackProvider names the provider used by alternating retries.
func WithFallbackProvider(name string) Option {
	return func(o *Orchestrator) { o.fallback = name }
}

// Orchestrator owns at most one run at a time. All entry and status
// mutation happens under mu, and events are published while it is held so
// subscribers observe transitions in the order they happened.
type Orchestrator struct {
	interviewer Interviewer
	hub         *telemetry.Hub
	logger      *logging.Logger
	recorder    Recorder
	fallback    string

	mu     sync.Mutex
	status RunStatus
	run    *runState
	result *RunResult
}

type runState struct {
	info      RunInfo
	personas  []survey.Persona
	entries   []Entry
	durations []time.Duration
	usage     model.Usage

	cancel          context.CancelFunc
	cancelRequested bool
	err             error
	resume          chan struct{} // non-nil while paused
	done            chan struct{}
}

// New builds an idle orchestrator.
func New(interviewer Interviewer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		interviewer: interviewer,
		hub:         telemetry.NewHub(),
		status:      StatusIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs personas through questions and blocks until the run is
// terminal. A run whose entries failed individually still completes with a
// nil error; a cancelled run returns its partial result and a nil error.
// If ctx ends first the run is cancelled and its partial result returned.
// Zero-valued retry fields in opts mean no retries; callers wanting the
// default policy start from DefaultOptions.
func (o *Orchestrator) Execute(ctx context.Context, personas []survey.Persona, questions []survey.Question, opts Options) (*RunResult, error) {
	id, err := o.Start(ctx, personas, questions, opts)
	if id == "" {
		return nil, err
	}
	res, err := o.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		_ = o.Cancel()
		return o.Wait(context.Background())
	}
	return res, err
}

// Start begins a run in the background and returns its id. The run does not
// inherit ctx's cancellation; use Cancel. A non-empty id with a non-nil
// error means the run was created and failed validation.
func (o *Orchestrator) Start(ctx context.Context, personas []survey.Persona, questions []survey.Question, opts Options) (string, error) {
	o.mu.Lock()
	switch {
	case o.status.Active():
		err := cerrors.Newf(cerrors.ErrCodeRunActive, "run %s is %s", o.run.info.ID, o.status)
		o.mu.Unlock()
		return "", err
	case o.status.Terminal():
		o.mu.Unlock()
		return "", cerrors.New(cerrors.ErrCodeRunInvalid, msgRunFinished)
	}

	opts = opts.withDefaults()
	run := &runState{
		info: RunInfo{
			ID:           ulid.Make().String(),
			Options:      opts,
			Questions:    append([]survey.Question(nil), questions...),
			PersonaCount: len(personas),
			CreatedAt:    time.Now(),
		},
		personas: append([]survey.Persona(nil), personas...),
		done:     make(chan struct{}),
	}
	o.run = run
	o.result = nil
	o.setStatusLocked(StatusPreparing)

	if err := validateRun(personas, questions, opts); err != nil {
		o.mu.Unlock()
		_ = o.logger.Error(logging.CategoryRun, "run_invalid", err.Error(), map[string]any{"run_id": run.info.ID})
		o.finalize(run, StatusFailed, err)
		return run.info.ID, err
	}

	run.entries = make([]Entry, len(personas))
	for i, p := range personas {
		run.entries[i] = Entry{ID: uuid.NewString(), PersonaID: p.ID, PersonaName: p.Name, Status: EntryPending}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run.cancel = cancel
	run.info.StartedAt = time.Now()
	o.setStatusLocked(StatusRunning)
	o.emitLocked(run, telemetry.EventRunStarted, "", "", run.info)
	o.emitLocked(run, telemetry.EventRunProgress, "", "", o.progressLocked())
	info := run.info
	pending := cloneEntries(run.entries)
	o.mu.Unlock()

	_ = o.logger.Info(logging.CategoryRun, "run_started", "run started", map[string]any{
		"run_id":         info.ID,
		"personas":       len(personas),
		"questions":      len(questions),
		"concurrency":    opts.Concurrency,
		"retry_attempts": opts.RetryAttempts,
	})

	go o.schedule(runCtx, run, info, pending)
	return info.ID, nil
}

func validateRun(personas []survey.Persona, questions []survey.Question, opts Options) error {
	if err := survey.ValidatePersonas(personas); err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeRunInvalid, "invalid personas")
	}
	if err := survey.ValidateQuestions(questions); err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeRunInvalid, "invalid questions")
	}
	return opts.Validate()
}

// Wait blocks until the current run is terminal and returns its result,
// along with the run-level error when it failed.
func (o *Orchestrator) Wait(ctx context.Context) (*RunResult, error) {
	o.mu.Lock()
	run := o.run
	o.mu.Unlock()
	if run == nil {
		return nil, cerrors.New(cerrors.ErrCodeRunInvalid, msgNoRun)
	}

	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != run || o.result == nil {
		return nil, cerrors.Newf(cerrors.ErrCodeRunInvalid, "run %s was reset", run.info.ID)
	}
	return o.result, run.err
}

func (o *Orchestrator) schedule(ctx context.Context, run *runState, info RunInfo, pending []Entry) {
	ctx, span := telemetry.StartSpan(ctx, "batch.run",
		telemetry.AttrRunID.String(info.ID),
		telemetry.AttrConcurrency.Int(info.Options.Concurrency),
	)

	o.recordRun(info)
	for _, e := range pending {
		o.recordEntry(info.ID, e)
	}

	sem := semaphore.NewWeighted(int64(info.Options.Concurrency))
	var wg sync.WaitGroup

admission:
	for i := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		for {
			entry, resume, ok := o.admit(run, i)
			if ok {
				o.recordEntry(info.ID, entry)
				break
			}
			if resume == nil {
				sem.Release(1)
				break admission
			}
			select {
			case <-resume:
			case <-ctx.Done():
				sem.Release(1)
				break admission
			}
		}
		wg.Go(func() {
			defer sem.Release(1)
			o.runEntry(ctx, run, i)
		})
	}
	wg.Wait()

	o.mu.Lock()
	status, err := StatusCompleted, run.err
	switch {
	case err != nil:
		status = StatusFailed
	case run.cancelRequested:
		status = StatusCancelled
	}
	o.mu.Unlock()

	o.finalize(run, status, err)
	telemetry.EndSpan(span, err)
}

// admit moves entry i to running unless the run is paused or stopping. A
// paused run yields the channel that closes on resume; a stopping run
// yields nil.
func (o *Orchestrator) admit(run *runState, i int) (Entry, <-chan struct{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run.cancelRequested || run.err != nil {
		return Entry{}, nil, false
	}
	if run.resume != nil {
		return Entry{}, run.resume, false
	}

	e := &run.entries[i]
	e.Status = EntryRunning
	e.StartTime = time.Now()
	recordEntryStarted()
	snapshot := e.clone()
	o.emitLocked(run, telemetry.EventEntryStarted, e.ID, e.PersonaID, snapshot)
	o.emitLocked(run, telemetry.EventRunProgress, "", "", o.progressLocked())
	return snapshot, nil, true
}

func (o *Orchestrator) runEntry(ctx context.Context, run *runState, i int) {
	persona := run.personas[i]
	opts := run.info.Options

	var (
		lastErr error
		lastRaw string
	)
	for attempt := 1; attempt <= opts.RetryAttempts+1; attempt++ {
		if attempt > 1 {
			recordRetry()
			if err := sleepContext(ctx, opts.RetryDelay*time.Duration(attempt-1)); err != nil {
				break
			}
		}
		o.setAttempts(run, i, attempt)

		res, err := o.attempt(ctx, run, persona, attempt)
		if err == nil {
			o.completeEntry(run, i, res)
			return
		}
		lastErr = err
		var perr *interview.ParseError
		if errors.As(err, &perr) {
			lastRaw = perr.RawResponse
		}
		if ctx.Err() != nil {
			break
		}
		if model.IsConfigError(err) {
			o.abort(run, err)
			break
		}
		_ = o.logger.Warn(logging.CategoryEntry, "attempt_failed", err.Error(), map[string]any{
			"run_id":     run.info.ID,
			"persona_id": persona.ID,
			"attempt":    attempt,
			"retryable":  attempt <= opts.RetryAttempts,
		})
	}
	o.failEntry(run, i, lastErr, lastRaw)
}

func (o *Orchestrator) attempt(ctx context.Context, run *runState, persona survey.Persona, n int) (*interview.Result, error) {
	opts := run.info.Options
	provider := opts.Provider
	if provider == "" && opts.AlternateProviders && o.fallback != "" && n%2 == 0 {
		provider = o.fallback
	}

	actx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	actx, span := telemetry.StartSpan(actx, "batch.interview",
		telemetry.AttrRunID.String(run.info.ID),
		telemetry.AttrPersonaID.String(persona.ID),
		telemetry.AttrAttempt.Int(n),
		telemetry.AttrProvider.String(provider),
	)

	res, err := o.interviewer.Interview(actx, persona, run.info.Questions, interview.Options{
		Provider:    provider,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		RunID:       run.info.ID,
		Attempt:     n,
	})
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) &&
		!cerrors.IsCode(err, cerrors.ErrCodeBackendTimeout) {
		err = cerrors.Wrap(err, cerrors.ErrCodeBackendTimeout, fmt.Sprintf("interview exceeded %s", opts.Timeout)).WithRetryable(true)
	}
	telemetry.EndSpan(span, err)
	return res, err
}

func (o *Orchestrator) setAttempts(run *runState, i, n int) {
	o.mu.Lock()
	run.entries[i].Attempts = n
	o.mu.Unlock()
}

func (o *Orchestrator) completeEntry(run *runState, i int, res *interview.Result) {
	o.mu.Lock()
	e := &run.entries[i]
	e.Status = EntryCompleted
	e.EndTime = time.Now()
	e.Answers = res.Answers
	e.RawResponse = res.RawResponse
	e.Provider = res.Provider
	e.Model = res.Model
	e.Usage = res.Usage
	e.Error = ""
	e.Issues = survey.CheckAnswers(run.info.Questions, res.Answers)
	elapsed := e.Duration()
	run.durations = append(run.durations, elapsed)
	run.usage.Add(res.Usage)
	snapshot := e.clone()
	o.emitLocked(run, telemetry.EventEntryCompleted, e.ID, e.PersonaID, snapshot)
	o.emitLocked(run, telemetry.EventRunProgress, "", "", o.progressLocked())
	o.mu.Unlock()

	recordEntryFinished(EntryCompleted, elapsed)
	_ = o.logger.Info(logging.CategoryEntry, "entry_completed", "interview completed", map[string]any{
		"run_id":      run.info.ID,
		"persona_id":  snapshot.PersonaID,
		"attempts":    snapshot.Attempts,
		"provider":    snapshot.Provider,
		"duration_ms": elapsed.Milliseconds(),
		"issues":      len(snapshot.Issues),
	})
	o.recordEntry(run.info.ID, snapshot)
}

func (o *Orchestrator) failEntry(run *runState, i int, err error, raw string) {
	o.mu.Lock()
	e := &run.entries[i]
	e.Status = EntryFailed
	e.EndTime = time.Now()
	e.RawResponse = raw
	switch {
	case run.cancelRequested:
		e.Error = msgCancelled
	case run.err != nil && !errors.Is(err, run.err):
		e.Error = "run aborted: " + run.err.Error()
	case err != nil:
		e.Error = err.Error()
	default:
		e.Error = "interview did not complete"
	}
	elapsed := e.Duration()
	snapshot := e.clone()
	o.emitLocked(run, telemetry.EventEntryFailed, e.ID, e.PersonaID, snapshot)
	o.emitLocked(run, telemetry.EventRunProgress, "", "", o.progressLocked())
	o.mu.Unlock()

	recordEntryFinished(EntryFailed, elapsed)
	_ = o.logger.Warn(logging.CategoryEntry, "entry_failed", snapshot.Error, map[string]any{
		"run_id":     run.info.ID,
		"persona_id": snapshot.PersonaID,
		"attempts":   snapshot.Attempts,
	})
	o.recordEntry(run.info.ID, snapshot)
}

// abort stops admission and in-flight work after a run-level error.
func (o *Orchestrator) abort(run *runState, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run.err != nil {
		return
	}
	run.err = err
	if run.resume != nil {
		close(run.resume)
		run.resume = nil
	}
	if run.cancel != nil {
		run.cancel()
	}
}

func (o *Orchestrator) finalize(run *runState, status RunStatus, err error) {
	o.mu.Lock()
	if err != nil {
		run.err = err
		run.info.Error = err.Error()
	}
	run.info.FinishedAt = time.Now()
	o.setStatusLocked(status)
	result := o.resultLocked(run)
	o.result = result
	info := run.info
	o.mu.Unlock()

	if run.cancel != nil {
		run.cancel()
	}
	recordRunFinished(status)
	_ = o.logger.Info(logging.CategoryRun, "run_"+string(status), "run finished", map[string]any{
		"run_id":    info.ID,
		"status":    string(status),
		"completed": result.Progress.Completed,
		"failed":    result.Progress.Failed,
		"pending":   result.Progress.Pending,
		"duration":  info.FinishedAt.Sub(info.CreatedAt).String(),
	})
	o.recordRun(info)

	o.hub.Publish(telemetry.Event{Type: terminalEvent(status), RunID: info.ID, Payload: result})
	close(run.done)
}

func terminalEvent(status RunStatus) telemetry.EventType {
	switch status {
	case StatusCancelled:
		return telemetry.EventRunCancelled
	case StatusFailed:
		return telemetry.EventRunFailed
	default:
		return telemetry.EventRunCompleted
	}
}

// Pause stops admitting entries. Interviews already running finish.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusRunning || o.run.cancelRequested || o.run.err != nil {
		return o.stateErrorLocked("pause")
	}
	o.run.resume = make(chan struct{})
	o.setStatusLocked(StatusPaused)
	o.emitLocked(o.run, telemetry.EventRunPaused, "", "", o.progressLocked())
	_ = o.logger.Info(logging.CategoryRun, "run_paused", "run paused", map[string]any{"run_id": o.run.info.ID})
	return nil
}

// Resume re-opens admission after Pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusPaused || o.run.resume == nil {
		return o.stateErrorLocked("resume")
	}
	close(o.run.resume)
	o.run.resume = nil
	o.setStatusLocked(StatusRunning)
	o.emitLocked(o.run, telemetry.EventRunResumed, "", "", o.progressLocked())
	_ = o.logger.Info(logging.CategoryRun, "run_resumed", "run resumed", map[string]any{"run_id": o.run.info.ID})
	return nil
}

// Cancel aborts the active run. In-flight interviews are signalled through
// their context; entries not yet admitted stay pending. The run becomes
// cancelled once in-flight work has unwound.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.status.Active() {
		return o.stateErrorLocked("cancel")
	}
	run := o.run
	if run.cancelRequested {
		return nil
	}
	run.cancelRequested = true
	if run.resume != nil {
		close(run.resume)
		run.resume = nil
	}
	if run.cancel != nil {
		run.cancel()
	}
	_ = o.logger.Info(logging.CategoryRun, "run_cancel_requested", "cancel requested", map[string]any{"run_id": run.info.ID})
	return nil
}

// Reset cancels any active run, waits for it to unwind and discards all run
// state. It is safe in every state.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	run := o.run
	if run != nil && o.status.Active() {
		run.cancelRequested = true
		if run.resume != nil {
			close(run.resume)
			run.resume = nil
		}
		if run.cancel != nil {
			run.cancel()
		}
	}
	o.mu.Unlock()

	var id string
	if run != nil {
		<-run.done
		id = run.info.ID
	}

	o.mu.Lock()
	if o.run == run {
		o.run = nil
		o.result = nil
		o.status = StatusIdle
	}
	o.mu.Unlock()
	o.hub.Publish(telemetry.Event{Type: telemetry.EventRunReset, RunID: id})
}

// Status reports the run state.
func (o *Orchestrator) Status() RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// RunID returns the current run's id, or "" when idle.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return ""
	}
	return o.run.info.ID
}

// Info describes the current run.
func (o *Orchestrator) Info() (RunInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return RunInfo{Status: o.status}, false
	}
	return o.run.info, true
}

// Progress recomputes counts and the ETA from the live entries.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progressLocked()
}

// Snapshot copies the entries in persona order.
func (o *Orchestrator) Snapshot() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return nil
	}
	return cloneEntries(o.run.entries)
}

// Result returns the finished run's result.
func (o *Orchestrator) Result() (*RunResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.result != nil
}

// Subscribe returns future events and a disposer.
func (o *Orchestrator) Subscribe() (<-chan telemetry.Event, func()) {
	return o.hub.Subscribe()
}

// Hub exposes the event hub for forwarding.
func (o *Orchestrator) Hub() *telemetry.Hub {
	return o.hub
}

func (o *Orchestrator) progressLocked() Progress {
	p := Progress{Status: o.status}
	run := o.run
	if run == nil {
		return p
	}
	p.RunID = run.info.ID
	p.Total = len(run.entries)
	for _, e := range run.entries {
		switch e.Status {
		case EntryCompleted:
			p.Completed++
		case EntryFailed:
			p.Failed++
		case EntryRunning:
			p.Running++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Finished()) / float64(p.Total) * 100
	}
	if n := len(run.durations); n > 0 {
		var sum time.Duration
		for _, d := range run.durations {
			sum += d
		}
		p.AverageDuration = sum / time.Duration(n)
		p.EstimatedRemaining = p.AverageDuration * time.Duration(p.Pending+p.Running)
		p.HasEstimate = true
	}
	p.Usage = run.usage
	return p
}

func (o *Orchestrator) resultLocked(run *runState) *RunResult {
	return &RunResult{
		RunInfo:  run.info,
		Entries:  cloneEntries(run.entries),
		Progress: o.progressLocked(),
	}
}

func (o *Orchestrator) setStatusLocked(status RunStatus) {
	o.status = status
	if o.run != nil {
		o.run.info.Status = status
	}
}

func (o *Orchestrator) emitLocked(run *runState, t telemetry.EventType, entryID, personaID string, payload any) {
	o.hub.Publish(telemetry.Event{
		Type:      t,
		RunID:     run.info.ID,
		EntryID:   entryID,
		PersonaID: personaID,
		Payload:   payload,
	})
}

func (o *Orchestrator) stateErrorLocked(action string) error {
	if o.run == nil || !o.status.Active() {
		return cerrors.New(cerrors.ErrCodeRunInvalid, msgNoRun).WithContext("action", action)
	}
	return cerrors.Newf(cerrors.ErrCodeRunInvalid, "cannot %s a %s run", action, o.status)
}

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.clone()
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
