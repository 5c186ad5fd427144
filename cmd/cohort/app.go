package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/cohort/pkg/batch"
	"github.com/odvcencio/cohort/pkg/bus"
	"github.com/odvcencio/cohort/pkg/config"
	"github.com/odvcencio/cohort/pkg/interview"
	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/storage"
	"github.com/odvcencio/cohort/pkg/telemetry"
)

var loadConfigFn = func(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Load()
	}
	return config.LoadFromPath(path)
}

// app holds the wiring shared by every command. Fields are nil when the
// feature is disabled by configuration.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	replies  *logging.ReplyLogger
	gateway  *model.Gateway
	invoker  *interview.Invoker
	store    *storage.Store
	tracer   *telemetry.TracerProvider
	closers  []func() error
	stderr   io.Writer
	instance string
}

type appOptions struct {
	instance string
	store    bool
}

func newApp(root *rootOptions, stderr io.Writer, opts appOptions) (*app, error) {
	cfg, err := loadConfigFn(root.configPath)
	if err != nil {
		return nil, withExitCode(fmt.Errorf("failed to load config: %w", err), exitConfig)
	}
	if root.logLevel != "" {
		cfg.Logging.Level = root.logLevel
	}

	a := &app{cfg: cfg, stderr: stderr, instance: opts.instance}

	a.logger, err = logging.NewLogger(cfg.Logging.Dir, opts.instance)
	if err != nil {
		fmt.Fprintf(stderr, "warning: file logging disabled: %v\n", err)
		a.logger = logging.NewWriterLogger(stderr, opts.instance)
	}
	a.logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))
	a.closers = append(a.closers, a.logger.Close)

	if cfg.Logging.Replies {
		a.replies, err = logging.NewReplyLogger(filepath.Join(cfg.Logging.Dir, "replies"))
		if err != nil {
			_ = a.logger.Warn(logging.CategoryRun, "reply_log_disabled", err.Error(), nil)
		} else {
			a.closers = append(a.closers, a.replies.Close)
		}
	}

	if cfg.Telemetry.Tracing {
		a.tracer, err = telemetry.NewTracerProvider(cfg.Telemetry.ServiceName, version, stderr)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.tracer.Shutdown(ctx)
		})
	}

	a.gateway, err = model.NewGatewayFromConfig(cfg, a.logger)
	if err != nil {
		a.Close()
		return nil, withExitCode(err, exitConfig)
	}
	a.invoker = interview.NewInvoker(a.gateway, a.logger, a.replies)

	if opts.store && strings.TrimSpace(cfg.Storage.Path) != "" {
		a.store, err = storage.New(cfg.Storage.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open run history: %w", err)
		}
		a.closers = append(a.closers, a.store.Close)
	}
	return a, nil
}

func (a *app) orchestrator(hub *telemetry.Hub) *batch.Orchestrator {
	opts := []batch.Option{
		batch.WithLogger(a.logger),
		batch.WithHub(hub),
		batch.WithFallbackProvider(a.gateway.Fallback()),
	}
	if a.store != nil {
		opts = append(opts, batch.WithRecorder(a.store))
	}
	return batch.New(a.invoker, opts...)
}

func (a *app) bus() (bus.MessageBus, error) {
	cfg := bus.DefaultConfig()
	cfg.URL = a.cfg.Events.NATSURL
	cfg.Name = "cohort-" + a.instance
	b, err := bus.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	a.closers = append(a.closers, b.Close)
	return b, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
