package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/cohort/pkg/config"
	"github.com/odvcencio/cohort/pkg/logging"
)

// Provider is one language-model backend.
//
//go:generate mockgen -package=model -destination=mock_provider_test.go github.com/odvcencio/cohort/pkg/model Provider
type Provider interface {
	ID() string
	DefaultModel() string
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

const (
	defaultTimeout = 60 * time.Second
	maxRetryDelay  = 30 * time.Second
	maxErrorBody   = 2000
)

// DefaultTransport returns an http.Transport tuned for many concurrent
// interviews against a handful of hosts.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// HTTPOptions controls the client each provider is built with.
type HTTPOptions struct {
	Timeout       time.Duration
	NetworkLogs   bool
	NetworkLogDir string
}

func (o HTTPOptions) client() *http.Client {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var rt http.RoundTripper = DefaultTransport()
	if o.NetworkLogs {
		rt = NewLoggingTransport(rt, o.NetworkLogDir)
	}
	return &http.Client{Timeout: timeout, Transport: rt}
}

// NewProvider builds the backend described by pc under the given name.
func NewProvider(name string, pc config.ProviderConfig, opts HTTPOptions) (Provider, error) {
	if strings.TrimSpace(pc.APIKey) == "" {
		return nil, fmt.Errorf("provider %s: api key is empty", name)
	}
	switch pc.KindOrDefault(name) {
	case config.ProviderKindOpenAI:
		return NewOpenAIProvider(name, pc.APIKey, pc.BaseURL, pc.Model, opts.client()), nil
	case config.ProviderKindAnthropic:
		return NewAnthropicProvider(name, pc.APIKey, pc.BaseURL, pc.Model, opts.client()), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", name, pc.Kind)
	}
}

// providerFactory builds every enabled provider with a credential.
func providerFactory(cfg *config.Config) ([]Provider, error) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := HTTPOptions{
		Timeout:       cfg.Gateway.RequestTimeout,
		NetworkLogs:   cfg.Gateway.NetworkLogs,
		NetworkLogDir: cfg.Logging.Dir,
	}

	var providers []Provider
	for _, name := range names {
		pc := cfg.Providers[name]
		if !pc.Enabled || strings.TrimSpace(pc.APIKey) == "" {
			continue
		}
		p, err := NewProvider(name, pc, opts)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// NewGatewayFromConfig builds providers and the gateway from configuration.
// A gateway with no usable providers is still returned so status endpoints
// can report it as unconfigured.
func NewGatewayFromConfig(cfg *config.Config, logger *logging.Logger) (*Gateway, error) {
	providers, err := providerFactory(cfg)
	if err != nil {
		return nil, err
	}
	opts := Options{
		Primary:         cfg.Gateway.Primary,
		Fallback:        cfg.Gateway.Fallback,
		FallbackEnabled: cfg.Gateway.FallbackEnabled,
		MaxRetries:      cfg.Gateway.MaxRetries,
		RetryDelay:      cfg.Gateway.RetryDelay,
		RateLimit:       cfg.Gateway.RateLimit,
		RateBurst:       cfg.Gateway.RateBurst,
		Logger:          logger,
	}
	if cfg.Gateway.CircuitBreaker.MaxFailures > 0 {
		opts.Breaker = &CircuitBreakerConfig{
			MaxFailures:  uint32(cfg.Gateway.CircuitBreaker.MaxFailures),
			ResetTimeout: cfg.Gateway.CircuitBreaker.ResetTimeout,
		}
	}
	return NewGateway(opts, providers...), nil
}

// parseError turns a non-2xx response into an *APIError.
func parseError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	raw := string(body)
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody] + "..."
	}

	apiErr := &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
		Body:       raw,
		Retryable:  retryableStatus(resp.StatusCode),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
	}
	return apiErr
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}
