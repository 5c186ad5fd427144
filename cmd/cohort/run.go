package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/cohort/pkg/batch"
	"github.com/odvcencio/cohort/pkg/survey"
	"github.com/odvcencio/cohort/pkg/telemetry"
)

type runFlags struct {
	out         string
	concurrency int
	retries     int
	retryDelay  time.Duration
	timeout     time.Duration
	provider    string
	model       string
	temperature float64
	maxTokens   int
	alternate   bool
	noHistory   bool
	quiet       bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run FILE...",
		Short: "Interview every persona in the given files",
		Long: `Run loads personas and questions from one or more YAML or JSON files
(a file may hold either list or both), interviews every persona and writes
the results as JSON. Progress goes to stderr. Interrupting cancels the run
and still writes the partial results.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, root, cmd, f, args)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.out, "out", "o", "-", "write results JSON here (- for stdout)")
	fs.IntVarP(&f.concurrency, "concurrency", "c", 0, "interviews in flight (default: execution.concurrency)")
	fs.IntVar(&f.retries, "retries", 0, "retries per persona after the first attempt")
	fs.DurationVar(&f.retryDelay, "retry-delay", 0, "base delay between retries; grows linearly")
	fs.DurationVar(&f.timeout, "timeout", 0, "per-attempt timeout")
	fs.StringVar(&f.provider, "provider", "", "provider to use instead of the configured primary")
	fs.StringVar(&f.model, "model", "", "model override")
	fs.Float64Var(&f.temperature, "temperature", 0, "sampling temperature [0, 2]")
	fs.IntVar(&f.maxTokens, "max-tokens", 0, "completion token limit")
	fs.BoolVar(&f.alternate, "alternate-providers", false, "send odd retries to the fallback provider")
	fs.BoolVar(&f.noHistory, "no-history", false, "do not persist the run")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "no progress output")
	return cmd
}

func (f *runFlags) apply(cmd *cobra.Command, opts batch.Options) batch.Options {
	changed := cmd.Flags().Changed
	if changed("concurrency") {
		opts.Concurrency = f.concurrency
	}
	if changed("retries") {
		opts.RetryAttempts = f.retries
	}
	if changed("retry-delay") {
		opts.RetryDelay = f.retryDelay
	}
	if changed("timeout") {
		opts.Timeout = f.timeout
	}
	if changed("provider") {
		opts.Provider = f.provider
	}
	if changed("model") {
		opts.Model = f.model
	}
	if changed("temperature") {
		t := f.temperature
		opts.Temperature = &t
	}
	if changed("max-tokens") {
		opts.MaxTokens = f.maxTokens
	}
	if changed("alternate-providers") {
		opts.AlternateProviders = f.alternate
	}
	return opts
}

func loadDocuments(paths []string) (*survey.Document, error) {
	doc := &survey.Document{}
	for _, p := range paths {
		d, err := survey.LoadFile(p)
		if err != nil {
			return nil, err
		}
		doc.Merge(d)
	}
	return doc, nil
}

func runBatch(ctx context.Context, root *rootOptions, cmd *cobra.Command, f *runFlags, paths []string) error {
	doc, err := loadDocuments(paths)
	if err != nil {
		return withExitCode(err, exitConfig)
	}

	a, err := newApp(root, cmd.ErrOrStderr(), appOptions{instance: "run", store: !f.noHistory})
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.gateway.Describe().Configured && f.provider == "" {
		return withExitCode(fmt.Errorf("no language model provider configured; set OPENAI_API_KEY or ANTHROPIC_API_KEY"), exitConfig)
	}

	hub := telemetry.NewHub()
	defer hub.Close()
	orch := a.orchestrator(hub)

	if !f.quiet {
		stopProgress := printProgress(hub, cmd.ErrOrStderr())
		defer stopProgress()
	}

	opts := f.apply(cmd, batch.OptionsFromConfig(a.cfg))
	res, err := orch.Execute(ctx, doc.Personas, doc.Questions, opts)
	if res == nil {
		if err == nil {
			err = fmt.Errorf("run produced no result")
		}
		return err
	}

	if werr := writeResult(cmd.OutOrStdout(), f.out, res); werr != nil {
		return werr
	}

	switch res.Status {
	case batch.StatusCancelled:
		return withExitCode(fmt.Errorf("run %s cancelled: %d of %d interviews finished", res.ID, res.Progress.Finished(), res.Progress.Total), exitInterrupted)
	case batch.StatusFailed:
		if err == nil {
			err = fmt.Errorf("%s", res.Error)
		}
		return withExitCode(fmt.Errorf("run %s failed: %w", res.ID, err), exitFailure)
	}
	if n := len(res.FailedEntries()); n > 0 {
		return withExitCode(fmt.Errorf("run %s completed with %d of %d interviews failed", res.ID, n, res.Progress.Total), exitPartial)
	}
	return nil
}

func writeResult(stdout io.Writer, path string, res *batch.RunResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// printProgress writes one line per finished interview until stopped.
func printProgress(hub *telemetry.Hub, w io.Writer) func() {
	events, dispose := hub.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			switch ev.Type {
			case telemetry.EventEntryFailed:
				if e, ok := batch.EntryOf(ev); ok {
					fmt.Fprintf(w, "  ! %s failed after %d attempt(s): %s\n", e.PersonaID, e.Attempts, e.Error)
				}
			case telemetry.EventRunProgress:
				if p, ok := batch.ProgressOf(ev); ok && p.Finished() > 0 {
					fmt.Fprintln(w, progressLine(p))
				}
			case telemetry.EventRunPaused, telemetry.EventRunResumed:
				fmt.Fprintf(w, "  run %s\n", ev.Type)
			}
			if ev.Type.Terminal() {
				if r, ok := batch.ResultOf(ev); ok {
					fmt.Fprintf(w, "run %s %s: %d completed, %d failed, %d tokens\n",
						r.ID, r.Status, r.Progress.Completed, r.Progress.Failed, r.Progress.Usage.TotalTokens)
				}
			}
		}
	}()
	return func() {
		dispose()
		<-done
	}
}

func progressLine(p batch.Progress) string {
	line := fmt.Sprintf("[%*d/%d] %5.1f%%  ok=%d failed=%d running=%d",
		len(fmt.Sprint(p.Total)), p.Finished(), p.Total, p.Percent, p.Completed, p.Failed, p.Running)
	if p.HasEstimate && p.EstimatedRemaining > 0 {
		line += "  eta=" + p.EstimatedRemaining.Round(time.Second).String()
	}
	return line
}
