package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/cohort/pkg/api"
	"github.com/odvcencio/cohort/pkg/batch"
	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/telemetry"
)

const shutdownGrace = 10 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	var noHistory bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, cmd, addr, !noHistory)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.address)")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not persist runs")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, cmd *cobra.Command, addr string, history bool) error {
	a, err := newApp(root, cmd.ErrOrStderr(), appOptions{instance: "serve", store: history})
	if err != nil {
		return err
	}
	defer a.Close()

	if addr == "" {
		addr = a.cfg.Server.Address
	}

	hub := telemetry.NewHub()
	defer hub.Close()
	orch := a.orchestrator(hub)

	b, err := a.bus()
	if err != nil {
		return err
	}
	prefix := a.cfg.Events.SubjectPrefix
	stopForward := telemetry.Forward(ctx, hub, b, prefix)
	defer stopForward()
	if _, err := api.ServeBusControl(ctx, b, prefix, orch); err != nil {
		return err
	}

	cfg := api.ServerConfig{
		Address:      addr,
		Gateway:      a.gateway,
		Interviewer:  a.invoker,
		Orchestrator: orch,
		Defaults:     batch.OptionsFromConfig(a.cfg),
		Logger:       a.logger,
	}
	if a.store != nil {
		cfg.History = a.store
	}
	srv := api.NewServer(cfg)

	desc := a.gateway.Describe()
	_ = a.logger.Info(logging.CategoryHTTP, "serve_start", "starting api", map[string]any{
		"address":    addr,
		"configured": desc.Configured,
		"primary":    desc.Primary,
		"history":    a.store != nil,
		"bus":        a.cfg.Events.NATSURL != "",
	})
	cmd.Printf("cohort %s listening on %s\n", version, addr)
	if !desc.Configured {
		cmd.PrintErrln("warning: no language model provider configured; interview endpoints will return 503")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		// Let an active run stop cleanly before the listener goes away.
		if orch.Status().Active() {
			_ = orch.Cancel()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if orch.RunID() != "" {
			if _, err := orch.Wait(shutdownCtx); err != nil {
				_ = a.logger.Warn(logging.CategoryRun, "shutdown_wait", err.Error(), nil)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	_ = a.logger.Info(logging.CategoryHTTP, "serve_stop", "api stopped", nil)
	return err
}
