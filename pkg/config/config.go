package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/odvcencio/cohort/pkg/errors"
	"github.com/odvcencio/cohort/pkg/logging"
)

// Provider kinds understood by the gateway.
const (
	ProviderKindOpenAI    = "openai"
	ProviderKindAnthropic = "anthropic"
)

// Config is the complete cohort configuration.
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Gateway   GatewayConfig             `yaml:"gateway"`
	Execution ExecutionConfig           `yaml:"execution"`
	Server    ServerConfig              `yaml:"server"`
	Storage   StorageConfig             `yaml:"storage"`
	Events    EventsConfig              `yaml:"events"`
	Logging   LoggingConfig             `yaml:"logging"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
}

// ProviderConfig describes one backend. Kind defaults from the provider
// name: "anthropic" selects the Messages API, anything else is treated as
// OpenAI-compatible.
type ProviderConfig struct {
	Kind    string `yaml:"kind"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Enabled bool   `yaml:"enabled"`
}

// KindOrDefault resolves the provider kind for the entry registered as name.
func (p ProviderConfig) KindOrDefault(name string) string {
	if kind := strings.ToLower(strings.TrimSpace(p.Kind)); kind != "" {
		return kind
	}
	if strings.EqualFold(name, ProviderKindAnthropic) {
		return ProviderKindAnthropic
	}
	return ProviderKindOpenAI
}

// Ready reports whether the provider can be instantiated.
func (p ProviderConfig) Ready() bool {
	return p.Enabled && strings.TrimSpace(p.APIKey) != ""
}

// GatewayConfig controls backend selection and backend-level retry.
type GatewayConfig struct {
	Primary         string               `yaml:"primary"`
	Fallback        string               `yaml:"fallback"`
	FallbackEnabled bool                 `yaml:"fallback_enabled"`
	MaxRetries      int                  `yaml:"max_retries"`
	RetryDelay      time.Duration        `yaml:"retry_delay"`
	RequestTimeout  time.Duration        `yaml:"request_timeout"`
	RateLimit       float64              `yaml:"rate_limit"`
	RateBurst       int                  `yaml:"rate_burst"`
	NetworkLogs     bool                 `yaml:"network_logs"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig enables per-provider breakers when MaxFailures > 0.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ExecutionConfig holds run defaults; callers may override them per run.
type ExecutionConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Timeout       time.Duration `yaml:"timeout"`
	Temperature   float64       `yaml:"temperature"`

	// MaxAttemptsPerPersona caps the backend calls one persona can cost once
	// gateway and interview retries compound. Zero disables the check.
	MaxAttemptsPerPersona int `yaml:"max_attempts_per_persona"`

	// AlternateProviders makes odd-numbered interview retries go straight to
	// the fallback provider.
	AlternateProviders bool `yaml:"alternate_providers"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig locates the run history database. Empty disables history.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig configures bus forwarding. An empty NATSURL keeps events
// in-process.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig configures the JSONL event logs.
type LoggingConfig struct {
	Dir     string `yaml:"dir"`
	Level   string `yaml:"level"`
	Replies bool   `yaml:"replies"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			ProviderKindOpenAI:    {Kind: ProviderKindOpenAI, Enabled: true},
			ProviderKindAnthropic: {Kind: ProviderKindAnthropic, Enabled: true},
		},
		Gateway: GatewayConfig{
			Primary:        ProviderKindOpenAI,
			MaxRetries:     3,
			RetryDelay:     time.Second,
			RequestTimeout: 60 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				ResetTimeout: 30 * time.Second,
			},
		},
		Execution: ExecutionConfig{
			Concurrency:           5,
			RetryAttempts:         2,
			RetryDelay:            2 * time.Second,
			Timeout:               60 * time.Second,
			Temperature:           0.7,
			MaxAttemptsPerPersona: 24,
		},
		Server: ServerConfig{
			Address: "127.0.0.1:8080",
		},
		Storage: StorageConfig{
			Path: filepath.Join("~", ".cohort", "cohort.db"),
		},
		Events: EventsConfig{
			SubjectPrefix: "cohort",
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join("~", ".cohort", "logs"),
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "cohort",
		},
	}
}

// Load reads ~/.cohort/config.yaml, then ./.cohort/config.yaml, then the
// environment, each layer overriding the previous one.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if dir := userConfigDir(); dir != "" {
		if err := loadAndMerge(cfg, filepath.Join(dir, "config.yaml")); err != nil && !os.IsNotExist(err) {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "loading user config")
		}
	}

	projectConfigPath := filepath.Join(".", ".cohort", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "loading project config")
	}

	return finish(cfg, configEnv)
}

// LoadFromPath loads defaults, the file at path, then the environment.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "loading config from "+path)
	}

	return finish(cfg, configEnv)
}

func finish(cfg *Config, configEnv map[string]string) (*Config, error) {
	applyEnvOverrides(cfg, configEnv)
	cfg.alignPrimaryWithProviders()
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers process environment, then ~/.cohort/config.env,
// over file configuration.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	getenv := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(configEnv[key])
	}

	for _, name := range []string{ProviderKindOpenAI, ProviderKindAnthropic} {
		prefix := strings.ToUpper(name)
		pc := cfg.Providers[name]
		if pc.Kind == "" {
			pc.Kind = name
		}
		if v := getenv(prefix + "_API_KEY"); v != "" {
			pc.APIKey = v
			pc.Enabled = true
		}
		if v := getenv(prefix + "_BASE_URL"); v != "" {
			pc.BaseURL = v
		}
		if v := getenv(prefix + "_MODEL"); v != "" {
			pc.Model = v
		}
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderConfig)
		}
		cfg.Providers[name] = pc
	}

	if v := getenv("COHORT_PRIMARY_PROVIDER"); v != "" {
		cfg.Gateway.Primary = v
	}
	if v := getenv("COHORT_FALLBACK_PROVIDER"); v != "" {
		cfg.Gateway.Fallback = v
		cfg.Gateway.FallbackEnabled = true
	}
	if val, ok := envBool(getenv("COHORT_FALLBACK_ENABLED")); ok {
		cfg.Gateway.FallbackEnabled = val
	}
	if n, err := strconv.Atoi(getenv("COHORT_CONCURRENCY")); err == nil {
		cfg.Execution.Concurrency = n
	}
	if v := getenv("COHORT_SERVER_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := getenv("COHORT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := getenv("COHORT_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := getenv("COHORT_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := getenv("COHORT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if val, ok := envBool(getenv("COHORT_TRACING")); ok {
		cfg.Telemetry.Tracing = val
	}
	if val, ok := envBool(getenv("COHORT_NETWORK_LOGS")); ok {
		cfg.Gateway.NetworkLogs = val
	}
}

// ApplyEnvOverridesForTest exposes env override logic without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg, nil)
	cfg.alignPrimaryWithProviders()
}

func envBool(val string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// ReadyProviders lists providers with credentials: openai, anthropic, then
// the rest alphabetically.
func (c *Config) ReadyProviders() []string {
	var ready, extra []string
	for _, name := range []string{ProviderKindOpenAI, ProviderKindAnthropic} {
		if c.Providers[name].Ready() {
			ready = append(ready, name)
		}
	}
	for name, pc := range c.Providers {
		if name == ProviderKindOpenAI || name == ProviderKindAnthropic || !pc.Ready() {
			continue
		}
		extra = append(extra, name)
	}
	sort.Strings(extra)
	return append(ready, extra...)
}

// alignPrimaryWithProviders moves the default primary to a provider that
// actually has a key, so a lone ANTHROPIC_API_KEY works out of the box.
func (c *Config) alignPrimaryWithProviders() {
	if c.Gateway.Primary != ProviderKindOpenAI || c.Providers[ProviderKindOpenAI].Ready() {
		return
	}
	ready := c.ReadyProviders()
	if len(ready) == 0 {
		return
	}
	c.Gateway.Primary = ready[0]
	if c.Gateway.Fallback == c.Gateway.Primary {
		c.Gateway.FallbackEnabled = false
	}
}

func (c *Config) expandPaths() {
	c.Storage.Path = expandHomeDir(c.Storage.Path)
	c.Logging.Dir = expandHomeDir(c.Logging.Dir)
}

// WorstCaseAttempts is the most backend calls a single persona can trigger:
// every interview attempt may exhaust the gateway's retries and fallback.
func (c *Config) WorstCaseAttempts() int {
	perInterview := c.Gateway.MaxRetries + 1
	if c.Gateway.FallbackEnabled && c.Gateway.Fallback != "" && c.Gateway.Fallback != c.Gateway.Primary {
		perInterview++
	}
	return (c.Execution.RetryAttempts + 1) * perInterview
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for name, pc := range c.Providers {
		switch pc.KindOrDefault(name) {
		case ProviderKindOpenAI, ProviderKindAnthropic:
		default:
			add("provider %s: unknown kind %q", name, pc.Kind)
		}
	}

	g := c.Gateway
	if strings.TrimSpace(g.Primary) == "" {
		add("gateway.primary must be set")
	}
	if g.FallbackEnabled {
		if g.Fallback == "" {
			add("gateway.fallback must be set when fallback is enabled")
		} else if g.Fallback == g.Primary {
			add("gateway.fallback must differ from gateway.primary")
		}
	}
	if g.MaxRetries < 0 {
		add("gateway.max_retries must be >= 0")
	}
	if g.RetryDelay < 0 {
		add("gateway.retry_delay must be >= 0")
	}
	if g.RequestTimeout < 0 {
		add("gateway.request_timeout must be >= 0")
	}
	if g.RateLimit < 0 {
		add("gateway.rate_limit must be >= 0")
	}
	if g.CircuitBreaker.MaxFailures < 0 {
		add("gateway.circuit_breaker.max_failures must be >= 0")
	}

	e := c.Execution
	if e.Concurrency < 1 {
		add("execution.concurrency must be >= 1")
	}
	if e.RetryAttempts < 0 {
		add("execution.retry_attempts must be >= 0")
	}
	if e.RetryDelay < 0 {
		add("execution.retry_delay must be >= 0")
	}
	if e.Timeout <= 0 {
		add("execution.timeout must be > 0")
	}
	if e.Temperature < 0 || e.Temperature > 2 {
		add("execution.temperature must be within [0, 2]")
	}
	if e.MaxAttemptsPerPersona < 0 {
		add("execution.max_attempts_per_persona must be >= 0")
	} else if e.MaxAttemptsPerPersona > 0 && c.WorstCaseAttempts() > e.MaxAttemptsPerPersona {
		add("retry policy allows %d backend calls per persona ((retry_attempts+1) x gateway attempts), above max_attempts_per_persona %d",
			c.WorstCaseAttempts(), e.MaxAttemptsPerPersona)
	}

	if strings.TrimSpace(c.Server.Address) == "" {
		add("server.address must be set")
	}
	switch logging.Level(strings.ToLower(strings.TrimSpace(c.Logging.Level))) {
	case "", logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return cerrors.New(cerrors.ErrCodeConfigInvalid, "invalid configuration: "+strings.Join(problems, "; ")).
		WithContext("problems", len(problems))
}
