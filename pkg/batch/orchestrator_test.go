package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/odvcencio/cohort/pkg/errors"
	"github.com/odvcencio/cohort/pkg/interview"
	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/survey"
	"github.com/odvcencio/cohort/pkg/telemetry"
)

var buyQuestions = []survey.Question{
	{ID: "q1", Kind: survey.KindSingleChoice, Text: "Would you buy it?", Options: []string{"Yes", "No"}},
}

type interviewFunc func(ctx context.Context, p survey.Persona, opts interview.Options) (*interview.Result, error)

type fakeInterviewer struct {
	fn interviewFunc

	mu    sync.Mutex
	calls map[string][]interview.Options

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeInterviewer) Interview(ctx context.Context, p survey.Persona, _ []survey.Question, opts interview.Options) (*interview.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string][]interview.Options)
	}
	f.calls[p.ID] = append(f.calls[p.ID], opts)
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.peak.Load()
		if n <= cur || f.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	return f.fn(ctx, p, opts)
}

func (f *fakeInterviewer) callsFor(id string) []interview.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interview.Options(nil), f.calls[id]...)
}

func answered(p survey.Persona) *interview.Result {
	return &interview.Result{
		PersonaID: p.ID,
		Answers: []survey.SurveyAnswer{
			{QuestionID: "q1", Answer: survey.ChoiceAnswer("Yes"), Reasoning: "fits my budget", Confidence: 0.8},
		},
		RawResponse: `{"answers":[]}`,
		Provider:    "openai",
		Model:       "gpt-test",
		Usage:       &model.Usage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10},
	}
}

func succeedAfter(d time.Duration) interviewFunc {
	return func(ctx context.Context, p survey.Persona, _ interview.Options) (*interview.Result, error) {
		select {
		case <-time.After(d):
			return answered(p), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func blockUntilDone(ctx context.Context, _ survey.Persona, _ interview.Options) (*interview.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func makePersonas(n int) []survey.Persona {
	out := make([]survey.Persona, n)
	for i := range out {
		out[i] = survey.Persona{ID: fmt.Sprintf("p-%d", i), Name: fmt.Sprintf("Persona %d", i)}
	}
	return out
}

func fastOptions(concurrency, retries int) Options {
	opts := DefaultOptions()
	opts.Concurrency = concurrency
	opts.RetryAttempts = retries
	opts.RetryDelay = time.Millisecond
	opts.Timeout = 2 * time.Second
	return opts
}

func newTestOrchestrator(iv Interviewer, opts ...Option) *Orchestrator {
	opts = append([]Option{WithHub(telemetry.NewHubWithBuffer(4096))}, opts...)
	return New(iv, opts...)
}

// nextEvent waits for the next event of type t, failing the test on timeout.
func nextEvent(t *testing.T, events <-chan telemetry.Event, want telemetry.EventType) telemetry.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed while waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestExecute_ConcurrencyBoundAndCompleteness(t *testing.T) {
	iv := &fakeInterviewer{fn: succeedAfter(15 * time.Millisecond)}
	o := newTestOrchestrator(iv)
	events, dispose := o.Subscribe()
	defer dispose()

	personas := makePersonas(12)
	res, err := o.Execute(context.Background(), personas, buyQuestions, fastOptions(3, 0))
	require.NoError(t, err)

	assert.LessOrEqual(t, iv.peak.Load(), int32(3))
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, StatusCompleted, o.Status())
	require.Len(t, res.Entries, len(personas))

	seen := make(map[string]bool)
	for i, e := range res.Entries {
		assert.Equal(t, personas[i].ID, e.PersonaID, "entries keep persona order")
		assert.Equal(t, EntryCompleted, e.Status)
		assert.Equal(t, 1, e.Attempts)
		assert.False(t, e.EndTime.Before(e.StartTime))
		assert.Empty(t, e.Issues)
		assert.False(t, seen[e.PersonaID], "one entry per persona")
		seen[e.PersonaID] = true
	}
	assert.Equal(t, 12, res.Progress.Completed)
	assert.Equal(t, 120, res.Progress.Usage.TotalTokens)
	assert.Equal(t, 100.0, res.Progress.Percent)

	for {
		ev := <-events
		if p, ok := ProgressOf(ev); ok {
			assert.LessOrEqual(t, p.Running, 3)
		}
		if ev.Type.Terminal() {
			assert.Equal(t, telemetry.EventRunCompleted, ev.Type)
			r, ok := ResultOf(ev)
			require.True(t, ok)
			assert.Equal(t, res.ID, r.ID)
			break
		}
	}
}

func TestExecute_RetryCeiling(t *testing.T) {
	backendErr := cerrors.New(cerrors.ErrCodeBackend, "upstream 502").WithRetryable(true)
	iv := &fakeInterviewer{fn: func(context.Context, survey.Persona, interview.Options) (*interview.Result, error) {
		return nil, backendErr
	}}
	o := newTestOrchestrator(iv)

	res, err := o.Execute(context.Background(), makePersonas(1), buyQuestions, fastOptions(1, 2))
	require.NoError(t, err, "entry failures do not fail the run")
	assert.Equal(t, StatusCompleted, res.Status)

	require.Len(t, res.Entries, 1)
	e := res.Entries[0]
	assert.Equal(t, EntryFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.Contains(t, e.Error, "upstream 502")
	assert.Len(t, iv.callsFor("p-0"), 3)
	assert.Len(t, res.FailedEntries(), 1)
	assert.Empty(t, res.CompletedEntries())
}

func TestExecute_OneTimeoutAmongTen(t *testing.T) {
	iv := &fakeInterviewer{fn: func(ctx context.Context, p survey.Persona, opts interview.Options) (*interview.Result, error) {
		if p.ID == "p-4" {
			return blockUntilDone(ctx, p, opts)
		}
		return succeedAfter(5*time.Millisecond)(ctx, p, opts)
	}}
	o := newTestOrchestrator(iv)

	opts := fastOptions(3, 2)
	opts.Timeout = 40 * time.Millisecond
	res, err := o.Execute(context.Background(), makePersonas(10), buyQuestions, opts)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.CompletedEntries(), 9)
	failed := res.FailedEntries()
	require.Len(t, failed, 1)
	assert.Equal(t, "p-4", failed[0].PersonaID)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].Error, string(cerrors.ErrCodeBackendTimeout))
	assert.Len(t, iv.callsFor("p-4"), 3)
	assert.LessOrEqual(t, iv.peak.Load(), int32(3))
}

func TestExecute_ParseFailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	iv := &fakeInterviewer{fn: func(_ context.Context, p survey.Persona, _ interview.Options) (*interview.Result, error) {
		if calls.Add(1) == 1 {
			return nil, &interview.ParseError{RawResponse: "sorry, no", Provider: "openai", Err: interview.ErrParse}
		}
		return answered(p), nil
	}}
	o := newTestOrchestrator(iv)

	res, err := o.Execute(context.Background(), makePersonas(1), buyQuestions, fastOptions(1, 2))
	require.NoError(t, err)
	e := res.Entries[0]
	assert.Equal(t, EntryCompleted, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, `{"answers":[]}`, e.RawResponse)
}

func TestExecute_FlagsDataQualityIssues(t *testing.T) {
	iv := &fakeInterviewer{fn: func(_ context.Context, p survey.Persona, _ interview.Options) (*interview.Result, error) {
		res := answered(p)
		res.Answers = append(res.Answers, survey.SurveyAnswer{QuestionID: "q9", Answer: survey.TextAnswer("extra")})
		return res, nil
	}}
	o := newTestOrchestrator(iv)

	res, err := o.Execute(context.Background(), makePersonas(1), buyQuestions, fastOptions(1, 0))
	require.NoError(t, err)
	e := res.Entries[0]
	assert.Equal(t, EntryCompleted, e.Status)
	require.Len(t, e.Issues, 1)
	assert.Equal(t, survey.IssueUnknownQuestion, e.Issues[0].Kind)
}

func TestPause_HaltsAdmission(t *testing.T) {
	gate := make(chan struct{})
	iv := &fakeInterviewer{fn: func(ctx context.Context, p survey.Persona, _ interview.Options) (*interview.Result, error) {
		select {
		case <-gate:
			return answered(p), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	o := newTestOrchestrator(iv)
	events, dispose := o.Subscribe()
	defer dispose()

	_, err := o.Start(context.Background(), makePersonas(3), buyQuestions, fastOptions(1, 0))
	require.NoError(t, err)
	nextEvent(t, events, telemetry.EventEntryStarted)

	require.NoError(t, o.Pause())
	assert.Equal(t, StatusPaused, o.Status())
	assert.Error(t, o.Pause(), "pausing twice is rejected")

	gate <- struct{}{}
	done := nextEvent(t, events, telemetry.EventEntryCompleted)
	assert.Equal(t, "p-0", done.PersonaID)

	quiet := time.After(60 * time.Millisecond)
wait:
	for {
		select {
		case ev := <-events:
			assert.NotEqual(t, telemetry.EventEntryStarted, ev.Type, "no admission while paused")
		case <-quiet:
			break wait
		}
	}
	p := o.Progress()
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 0, p.Running)
	assert.Equal(t, 2, p.Pending)

	require.NoError(t, o.Resume())
	assert.Error(t, o.Resume())
	go func() {
		gate <- struct{}{}
		gate <- struct{}{}
	}()

	res, err := o.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.CompletedEntries(), 3)
}

func TestCancel_StopsAdmissionAndInFlight(t *testing.T) {
	iv := &fakeInterviewer{fn: blockUntilDone}
	o := newTestOrchestrator(iv)
	events, dispose := o.Subscribe()
	defer dispose()

	_, err := o.Start(context.Background(), makePersonas(6), buyQuestions, fastOptions(2, 3))
	require.NoError(t, err)
	nextEvent(t, events, telemetry.EventEntryStarted)
	nextEvent(t, events, telemetry.EventEntryStarted)

	require.NoError(t, o.Cancel())
	require.NoError(t, o.Cancel(), "cancel is idempotent while unwinding")

	res, err := o.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)

	var failed, pending int
	for _, e := range res.Entries {
		switch e.Status {
		case EntryFailed:
			failed++
			assert.Equal(t, msgCancelled, e.Error)
			assert.Equal(t, 1, e.Attempts, "cancellation ends retries")
		case EntryPending:
			pending++
			assert.True(t, e.StartTime.IsZero())
		default:
			t.Fatalf("unexpected entry status %s", e.Status)
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 4, pending)

	for {
		ev := <-events
		assert.NotEqual(t, telemetry.EventEntryStarted, ev.Type)
		if ev.Type.Terminal() {
			assert.Equal(t, telemetry.EventRunCancelled, ev.Type)
			break
		}
	}
	err = o.Cancel()
	assert.ErrorIs(t, err, ErrNoActiveRun)
	assert.NotErrorIs(t, err, ErrRunFinished)
}

func TestExecute_ContextCancellationCancelsRun(t *testing.T) {
	o := newTestOrchestrator(&fakeInterviewer{fn: blockUntilDone})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := o.Execute(ctx, makePersonas(3), buyQuestions, fastOptions(1, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestProgress_MonotonicWithEstimate(t *testing.T) {
	iv := &fakeInterviewer{fn: func(ctx context.Context, p survey.Persona, opts interview.Options) (*interview.Result, error) {
		if p.ID == "p-2" || p.ID == "p-5" {
			return nil, errors.New("connection reset")
		}
		return succeedAfter(3*time.Millisecond)(ctx, p, opts)
	}}
	o := newTestOrchestrator(iv)
	events, dispose := o.Subscribe()
	defer dispose()

	assert.False(t, o.Progress().HasEstimate)

	res, err := o.Execute(context.Background(), makePersonas(8), buyQuestions, fastOptions(4, 1))
	require.NoError(t, err)

	last := -1
	sawEstimate := false
	for {
		ev := <-events
		if p, ok := ProgressOf(ev); ok {
			assert.GreaterOrEqual(t, p.Finished(), last, "finished count never decreases")
			last = p.Finished()
			assert.Equal(t, p.Total, p.Completed+p.Failed+p.Running+p.Pending)
			if p.Completed == 0 {
				assert.False(t, p.HasEstimate)
			}
			if p.HasEstimate {
				sawEstimate = true
				assert.Equal(t, p.AverageDuration*time.Duration(p.Pending+p.Running), p.EstimatedRemaining)
			}
		}
		if ev.Type.Terminal() {
			break
		}
	}
	assert.True(t, sawEstimate)
	assert.Equal(t, 8, last)
	assert.Equal(t, 6, res.Progress.Completed)
	assert.Equal(t, 2, res.Progress.Failed)
}

func TestStart_RejectsReentry(t *testing.T) {
	o := newTestOrchestrator(&fakeInterviewer{fn: blockUntilDone})

	id, err := o.Start(context.Background(), makePersonas(2), buyQuestions, fastOptions(1, 0))
	require.NoError(t, err)

	_, err = o.Start(context.Background(), makePersonas(2), buyQuestions, fastOptions(1, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunActive)
	assert.True(t, cerrors.IsCode(err, cerrors.ErrCodeRunActive))
	assert.Equal(t, id, o.RunID(), "rejected start leaves the active run alone")
	assert.Equal(t, StatusRunning, o.Status())

	require.NoError(t, o.Cancel())
	_, err = o.Wait(context.Background())
	require.NoError(t, err)

	_, err = o.Start(context.Background(), makePersonas(2), buyQuestions, fastOptions(1, 0))
	assert.ErrorIs(t, err, ErrRunFinished)
	assert.NotErrorIs(t, err, ErrNoActiveRun)
	assert.NotErrorIs(t, err, ErrRunActive)

	o.Reset()
	assert.Equal(t, StatusIdle, o.Status())
	assert.Empty(t, o.RunID())
	assert.Nil(t, o.Snapshot())
}

func TestReset_FromRunning(t *testing.T) {
	o := newTestOrchestrator(&fakeInterviewer{fn: blockUntilDone})
	events, dispose := o.Subscribe()
	defer dispose()

	_, err := o.Start(context.Background(), makePersonas(3), buyQuestions, fastOptions(3, 0))
	require.NoError(t, err)
	nextEvent(t, events, telemetry.EventEntryStarted)

	o.Reset()
	assert.Equal(t, StatusIdle, o.Status())
	nextEvent(t, events, telemetry.EventRunCancelled)
	nextEvent(t, events, telemetry.EventRunReset)

	o.Reset()
	assert.Equal(t, StatusIdle, o.Status())
	assert.Equal(t, Progress{Status: StatusIdle}, o.Progress())
}

func TestExecute_InvalidInputFailsRun(t *testing.T) {
	tests := []struct {
		name      string
		personas  []survey.Persona
		questions []survey.Question
		opts      Options
	}{
		{"no personas", nil, buyQuestions, fastOptions(1, 0)},
		{"no questions", makePersonas(1), nil, fastOptions(1, 0)},
		{"duplicate personas", []survey.Persona{{ID: "a"}, {ID: "a"}}, buyQuestions, fastOptions(1, 0)},
		{"negative retries", makePersonas(1), buyQuestions, fastOptions(1, -1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(&fakeInterviewer{fn: succeedAfter(0)})
			res, err := o.Execute(context.Background(), tt.personas, tt.questions, tt.opts)
			require.Error(t, err)
			assert.True(t, cerrors.IsCode(err, cerrors.ErrCodeRunInvalid))
			require.NotNil(t, res)
			assert.Equal(t, StatusFailed, res.Status)
			assert.NotEmpty(t, res.Error)
			assert.Equal(t, StatusFailed, o.Status())
		})
	}
}

func TestExecute_ConfigErrorAbortsRun(t *testing.T) {
	iv := &fakeInterviewer{fn: func(context.Context, survey.Persona, interview.Options) (*interview.Result, error) {
		return nil, fmt.Errorf("chat: %w", model.ErrProviderNotConfigured)
	}}
	o := newTestOrchestrator(iv)

	res, err := o.Execute(context.Background(), makePersonas(4), buyQuestions, fastOptions(1, 2))
	require.Error(t, err)
	assert.True(t, model.IsConfigError(err))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Len(t, iv.callsFor("p-0"), 1, "configuration errors are not retried")
	assert.Empty(t, iv.callsFor("p-1"))
}

func TestAlternateProviders(t *testing.T) {
	iv := &fakeInterviewer{fn: func(context.Context, survey.Persona, interview.Options) (*interview.Result, error) {
		return nil, errors.New("overloaded")
	}}
	o := newTestOrchestrator(iv, WithFallbackProvider("anthropic"))

	opts := fastOptions(1, 3)
	opts.AlternateProviders = true
	_, err := o.Execute(context.Background(), makePersonas(1), buyQuestions, opts)
	require.NoError(t, err)

	calls := iv.callsFor("p-0")
	require.Len(t, calls, 4)
	var providers []string
	for i, c := range calls {
		providers = append(providers, c.Provider)
		assert.Equal(t, i+1, c.Attempt)
	}
	assert.Equal(t, []string{"", "anthropic", "", "anthropic"}, providers)

	o.Reset()
	opts.AlternateProviders = false
	_, err = o.Execute(context.Background(), []survey.Persona{{ID: "solo"}}, buyQuestions, opts)
	require.NoError(t, err)
	for _, c := range iv.callsFor("solo") {
		assert.Empty(t, c.Provider)
	}
}

type memRecorder struct {
	mu      sync.Mutex
	runs    []RunInfo
	entries map[string][]Entry
}

func (r *memRecorder) RecordRun(_ context.Context, info RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, info)
	return nil
}

func (r *memRecorder) RecordEntry(_ context.Context, _ string, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string][]Entry)
	}
	r.entries[e.ID] = append(r.entries[e.ID], e)
	return nil
}

func TestRecorder_ReceivesTransitions(t *testing.T) {
	rec := &memRecorder{}
	o := newTestOrchestrator(&fakeInterviewer{fn: succeedAfter(time.Millisecond)}, WithRecorder(rec))

	res, err := o.Execute(context.Background(), makePersonas(3), buyQuestions, fastOptions(2, 0))
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.runs)
	assert.Equal(t, StatusRunning, rec.runs[0].Status)
	assert.Equal(t, StatusCompleted, rec.runs[len(rec.runs)-1].Status)
	require.Len(t, rec.entries, 3)
	for _, e := range res.Entries {
		history := rec.entries[e.ID]
		require.Len(t, history, 3)
		assert.Equal(t, []EntryStatus{EntryPending, EntryRunning, EntryCompleted},
			[]EntryStatus{history[0].Status, history[1].Status, history[2].Status})
	}
}

func TestExecute_ZeroOptionsUseDefaultTemperature(t *testing.T) {
	iv := &fakeInterviewer{fn: succeedAfter(0)}
	o := newTestOrchestrator(iv)

	res, err := o.Execute(context.Background(), makePersonas(1), buyQuestions, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, DefaultConcurrency, res.Options.Concurrency)

	calls := iv.callsFor("p-0")
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Temperature)
	assert.Equal(t, DefaultTemperature, *calls[0].Temperature)
}

func TestOptions(t *testing.T) {
	d := DefaultOptions()
	assert.Equal(t, 5, d.Concurrency)
	assert.Equal(t, 2, d.RetryAttempts)
	assert.Equal(t, 2*time.Second, d.RetryDelay)
	assert.Equal(t, 60*time.Second, d.Timeout)
	require.NotNil(t, d.Temperature)
	assert.Equal(t, 0.7, *d.Temperature)
	assert.NoError(t, d.Validate())

	filled := Options{RetryAttempts: 1}.withDefaults()
	assert.Equal(t, DefaultConcurrency, filled.Concurrency)
	assert.Equal(t, DefaultTimeout, filled.Timeout)
	require.NotNil(t, filled.Temperature)
	assert.Equal(t, DefaultTemperature, *filled.Temperature)
	assert.Equal(t, 1, filled.RetryAttempts)
	assert.Zero(t, filled.RetryDelay)

	cold := 0.0
	kept := Options{Temperature: &cold}.withDefaults()
	assert.Same(t, &cold, kept.Temperature)

	hot := 2.5
	bad := Options{Concurrency: -1, RetryAttempts: -1, Timeout: time.Second, Temperature: &hot}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")
	assert.Contains(t, err.Error(), "retry attempts")
	assert.Contains(t, err.Error(), "temperature")
}
