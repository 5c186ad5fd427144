package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"time"

	"golang.org/x/time/rate"

	cerrors "github.com/odvcencio/cohort/pkg/errors"
	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/telemetry"
)

// ErrProviderNotConfigured is matched with errors.Is when the requested or
// primary provider has no backend. It is never retried.
var ErrProviderNotConfigured = errors.New("language model provider not configured")

// IsConfigError reports whether err stems from missing provider configuration.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrProviderNotConfigured)
}

// Options configures a Gateway.
type Options struct {
	Primary         string
	Fallback        string
	FallbackEnabled bool

	// MaxRetries is the number of retries after the first failed call on the
	// selected provider. The fallback gets a single call.
	MaxRetries int
	RetryDelay time.Duration

	// RateLimit is requests per second per provider; zero disables limiting.
	RateLimit float64
	RateBurst int

	// Breaker enables a circuit breaker per provider. An open breaker fails
	// the call immediately so the fallback is reached sooner.
	Breaker *CircuitBreakerConfig

	Logger *logging.Logger
}

// Gateway routes chat requests to a primary backend with bounded retry and a
// one-shot fallback. It holds no per-request state.
type Gateway struct {
	opts      Options
	providers map[string]Provider
	names     []string
	limiters  map[string]*rate.Limiter
	breakers  map[string]*CircuitBreaker
	logger    *logging.Logger
}

// NewGateway builds a gateway over providers, keyed by Provider.ID. When no
// primary is named the first provider becomes primary.
func NewGateway(opts Options, providers ...Provider) *Gateway {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}

	g := &Gateway{
		providers: make(map[string]Provider, len(providers)),
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*CircuitBreaker),
		logger:    opts.Logger,
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		id := p.ID()
		if _, dup := g.providers[id]; !dup {
			g.names = append(g.names, id)
		}
		g.providers[id] = p

		if opts.RateLimit > 0 {
			burst := opts.RateBurst
			if burst <= 0 {
				burst = int(math.Max(1, math.Ceil(opts.RateLimit)))
			}
			g.limiters[id] = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
		}
		if opts.Breaker != nil {
			cfg := *opts.Breaker
			cfg.OnStateChange = g.breakerLogger(id)
			g.breakers[id] = NewCircuitBreaker(cfg)
		}
	}
	if opts.Primary == "" && len(g.names) > 0 {
		opts.Primary = g.names[0]
	}
	g.opts = opts
	return g
}

// Primary returns the configured primary provider name.
func (g *Gateway) Primary() string { return g.opts.Primary }

// Fallback returns the fallback provider name, or "" when fallback is off.
func (g *Gateway) Fallback() string {
	if !g.fallbackActive() {
		return ""
	}
	return g.opts.Fallback
}

// Configured reports whether the primary provider has a backend.
func (g *Gateway) Configured() bool {
	_, ok := g.providers[g.opts.Primary]
	return ok
}

// Providers lists configured provider names in registration order.
func (g *Gateway) Providers() []string {
	return append([]string(nil), g.names...)
}

func (g *Gateway) fallbackActive() bool {
	if !g.opts.FallbackEnabled || g.opts.Fallback == "" || g.opts.Fallback == g.opts.Primary {
		return false
	}
	_, ok := g.providers[g.opts.Fallback]
	return ok
}

func (g *Gateway) lookup(name string) (Provider, error) {
	if p, ok := g.providers[name]; ok {
		return p, nil
	}
	msg := "no language model provider configured"
	if name != "" {
		msg = fmt.Sprintf("provider %q is not configured", name)
	}
	return nil, cerrors.Wrap(ErrProviderNotConfigured, cerrors.ErrCodeProviderNotConfigured, msg).
		WithContext("provider", name).
		WithUserMessage("No language model backend is configured")
}

// Chat sends req to the named provider, or to the primary with fallback when
// req.Provider is empty.
func (g *Gateway) Chat(ctx context.Context, req Request) (res *Result, err error) {
	if len(req.Messages) == 0 {
		return nil, cerrors.New(cerrors.ErrCodeInvalidInput, "chat request has no messages")
	}

	explicit := req.Provider != ""
	name := req.Provider
	if !explicit {
		name = g.opts.Primary
	}
	p, err := g.lookup(name)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "gateway.chat", telemetry.AttrProvider.String(name))
	attempts := 0
	defer func() {
		span.SetAttributes(telemetry.AttrAttempt.Int(attempts))
		telemetry.EndSpan(span, err)
	}()

	res, err = g.callWithRetry(ctx, p, req, req.Model, &attempts)
	if err == nil {
		return res, nil
	}
	if explicit || !g.fallbackActive() || ctx.Err() != nil || IsConfigError(err) ||
		cerrors.IsCode(err, cerrors.ErrCodeInvalidInput) {
		return nil, err
	}

	fb := g.providers[g.opts.Fallback]
	recordFallback(name, fb.ID())
	span.SetAttributes(telemetry.AttrFallback.String(fb.ID()))
	_ = g.logger.Warn(logging.CategoryGateway, "fallback", "primary exhausted, trying fallback", map[string]any{
		"primary":  name,
		"fallback": fb.ID(),
		"attempts": attempts,
		"error":    err.Error(),
	})

	attempts++
	// The fallback's own default model applies; a model name chosen for the
	// primary rarely exists on another backend.
	res, err = g.call(ctx, fb, req, "")
	if err != nil {
		return nil, err
	}
	res.Attempts = attempts
	return res, nil
}

func (g *Gateway) callWithRetry(ctx context.Context, p Provider, req Request, model string, attempts *int) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := g.retryDelay(attempt, lastErr)
			recordRetry(p.ID())
			_ = g.logger.Debug(logging.CategoryGateway, "retry", "retrying provider", map[string]any{
				"provider": p.ID(),
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			})
			if err := sleepContext(ctx, delay); err != nil {
				return nil, contextError(err)
			}
		}

		*attempts++
		res, err := g.call(ctx, p, req, model)
		if err == nil {
			res.Attempts = *attempts
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || !cerrors.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

// retryDelay is RetryDelay × attempt, stretched to honour a backend's
// Retry-After up to maxRetryDelay.
func (g *Gateway) retryDelay(attempt int, lastErr error) time.Duration {
	delay := g.opts.RetryDelay * time.Duration(attempt)
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return delay
}

// call performs exactly one backend call.
func (g *Gateway) call(ctx context.Context, p Provider, req Request, model string) (*Result, error) {
	id := p.ID()
	if lim := g.limiters[id]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, contextError(ctx.Err())
			}
			// the limiter refuses waits that would outlive the deadline
			return nil, cerrors.Wrap(err, cerrors.ErrCodeBackendTimeout, "rate limit wait for "+id)
		}
	}

	if model == "" {
		model = p.DefaultModel()
	}
	creq := ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var resp *ChatResponse
	invoke := func() error {
		var err error
		resp, err = p.ChatCompletion(ctx, creq)
		return err
	}

	start := time.Now()
	var err error
	if br := g.breakers[id]; br != nil {
		err = br.Call(invoke)
	} else {
		err = invoke()
	}
	recordCall(id, time.Since(start), err)
	if err != nil {
		return nil, classify(ctx, id, err)
	}
	if resp == nil {
		return nil, cerrors.Newf(cerrors.ErrCodeBackend, "provider %s returned no response", id).WithRetryable(true)
	}

	usage := resp.Usage
	if usage == nil || usage.TotalTokens == 0 {
		usage = EstimateUsage(creq.Messages, resp.Content())
	}
	recordUsage(id, usage)

	used := resp.Model
	if used == "" {
		used = model
	}
	return &Result{
		Content:      resp.Content(),
		ModelUsed:    used,
		ProviderUsed: id,
		Usage:        usage,
	}, nil
}

// classify wraps a backend failure with a code and a retry verdict.
func classify(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return contextError(ctx.Err())
	}

	var apiErr *APIError
	switch {
	case cerrors.IsCode(err, cerrors.ErrCodeInvalidInput):
		// rejected before reaching the backend
		return err
	case errors.As(err, &apiErr):
		return cerrors.Wrap(err, cerrors.ErrCodeBackend, "provider "+provider).
			WithContext("status", apiErr.StatusCode).
			WithRetryable(apiErr.Retryable)
	case errors.Is(err, ErrCircuitOpen):
		return cerrors.Wrap(err, cerrors.ErrCodeBackend, "provider "+provider).WithRetryable(false)
	case isTimeout(err):
		return cerrors.Wrap(err, cerrors.ErrCodeBackendTimeout, "provider "+provider).WithRetryable(true)
	default:
		return cerrors.Wrap(err, cerrors.ErrCodeBackend, "provider "+provider).WithRetryable(true)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return cerrors.Wrap(err, cerrors.ErrCodeBackendTimeout, "request deadline exceeded")
	}
	return cerrors.Wrap(err, cerrors.ErrCodeCancelled, "request cancelled")
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

// Probe sends a one-token request straight to the named provider (primary
// when empty), bypassing retry and fallback.
func (g *Gateway) Probe(ctx context.Context, provider string) (*Result, error) {
	if provider == "" {
		provider = g.opts.Primary
	}
	p, err := g.lookup(provider)
	if err != nil {
		return nil, err
	}
	res, err := g.call(ctx, p, Request{
		Messages:  []Message{{Role: "user", Content: "Reply with OK."}},
		MaxTokens: 1,
	}, "")
	if err != nil {
		return nil, err
	}
	res.Attempts = 1
	return res, nil
}

// Available reports whether provider answers a probe. For status displays
// only; it spends a real request.
func (g *Gateway) Available(ctx context.Context, provider string) bool {
	_, err := g.Probe(ctx, provider)
	return err == nil
}

// ProviderInfo describes one backend without credentials.
type ProviderInfo struct {
	Name         string `json:"name"`
	DefaultModel string `json:"defaultModel"`
	Breaker      string `json:"breaker,omitempty"`
}

// Description is the gateway's public configuration view.
type Description struct {
	Configured      bool           `json:"configured"`
	DefaultModel    string         `json:"defaultModel"`
	Primary         string         `json:"primary"`
	Fallback        string         `json:"fallback,omitempty"`
	FallbackEnabled bool           `json:"fallbackEnabled"`
	Providers       []ProviderInfo `json:"providers"`
}

// Describe reports configuration state for status endpoints.
func (g *Gateway) Describe() Description {
	d := Description{
		Primary:         g.opts.Primary,
		Fallback:        g.opts.Fallback,
		FallbackEnabled: g.fallbackActive(),
		Providers:       make([]ProviderInfo, 0, len(g.names)),
	}
	if p, ok := g.providers[g.opts.Primary]; ok {
		d.Configured = true
		d.DefaultModel = p.DefaultModel()
	}

	names := append([]string(nil), g.names...)
	sort.Strings(names)
	for _, name := range names {
		info := ProviderInfo{Name: name, DefaultModel: g.providers[name].DefaultModel()}
		if br := g.breakers[name]; br != nil {
			info.Breaker = br.State().String()
		}
		d.Providers = append(d.Providers, info)
	}
	return d
}

func (g *Gateway) breakerLogger(provider string) func(from, to CircuitState) {
	return func(from, to CircuitState) {
		level := g.logger.Info
		if to == CircuitOpen {
			level = g.logger.Warn
		}
		_ = level(logging.CategoryGateway, "circuit_state", fmt.Sprintf("circuit %s: %s -> %s", provider, from, to), map[string]any{
			"provider": provider,
			"from":     from.String(),
			"to":       to.String(),
		})
	}
}
