package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/cohort/pkg/config"
	cerrors "github.com/odvcencio/cohort/pkg/errors"
)

// isolate clears provider env vars and points HOME at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
		"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "ANTHROPIC_MODEL",
		"COHORT_PRIMARY_PROVIDER", "COHORT_FALLBACK_PROVIDER", "COHORT_FALLBACK_ENABLED",
		"COHORT_CONCURRENCY", "COHORT_LOG_LEVEL", "COHORT_STORAGE_PATH", "COHORT_NATS_URL",
	} {
		t.Setenv(key, "")
	}
	return home
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	e := cfg.Execution
	if e.Concurrency != 5 || e.RetryAttempts != 2 || e.RetryDelay != 2*time.Second || e.Timeout != 60*time.Second || e.Temperature != 0.7 {
		t.Fatalf("unexpected execution defaults: %+v", e)
	}
	if cfg.Gateway.Primary != "openai" || cfg.Gateway.FallbackEnabled {
		t.Fatalf("unexpected gateway defaults: %+v", cfg.Gateway)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadHierarchy(t *testing.T) {
	home := isolate(t)
	project := t.TempDir()

	writeFile(t, filepath.Join(home, ".cohort", "config.yaml"), `
providers:
  deepseek:
    base_url: https://api.deepseek.com/v1
    api_key: user-key
    model: deepseek-chat
gateway:
  max_retries: 1
  retry_delay: 500ms
execution:
  concurrency: 8
`)
	writeFile(t, filepath.Join(project, ".cohort", "config.yaml"), `
execution:
  concurrency: 3
  retry_attempts: 0
logging:
  level: debug
`)

	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldWD) })
	if err := os.Chdir(project); err != nil {
		t.Fatalf("chdir project: %v", err)
	}

	t.Setenv("COHORT_PRIMARY_PROVIDER", "deepseek")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}

	if cfg.Execution.Concurrency != 3 {
		t.Fatalf("expected project concurrency override, got %d", cfg.Execution.Concurrency)
	}
	if cfg.Execution.RetryAttempts != 0 {
		t.Fatalf("explicit zero retry_attempts should win, got %d", cfg.Execution.RetryAttempts)
	}
	if cfg.Gateway.MaxRetries != 1 || cfg.Gateway.RetryDelay != 500*time.Millisecond {
		t.Fatalf("expected user gateway settings, got %+v", cfg.Gateway)
	}
	if cfg.Gateway.Primary != "deepseek" {
		t.Fatalf("expected env primary, got %s", cfg.Gateway.Primary)
	}
	ds := cfg.Providers["deepseek"]
	if !ds.Ready() || ds.KindOrDefault("deepseek") != config.ProviderKindOpenAI {
		t.Fatalf("deepseek should be a ready openai-compatible provider: %+v", ds)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected project log level, got %s", cfg.Logging.Level)
	}
	if strings.HasPrefix(cfg.Storage.Path, "~") {
		t.Fatalf("storage path should be expanded, got %s", cfg.Storage.Path)
	}
}

func TestEnvOverridesProviders(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "https://dashscope.example/v1")
	t.Setenv("OPENAI_MODEL", "qwen-plus")
	t.Setenv("ANTHROPIC_API_KEY", "ak-test")
	t.Setenv("COHORT_FALLBACK_PROVIDER", "anthropic")

	cfg := config.DefaultConfig()
	config.ApplyEnvOverridesForTest(cfg)

	oa := cfg.Providers["openai"]
	if oa.APIKey != "sk-test" || oa.BaseURL != "https://dashscope.example/v1" || oa.Model != "qwen-plus" {
		t.Fatalf("openai overrides not applied: %+v", oa)
	}
	if !cfg.Gateway.FallbackEnabled || cfg.Gateway.Fallback != "anthropic" {
		t.Fatalf("fallback env should enable fallback: %+v", cfg.Gateway)
	}
	if got := cfg.ReadyProviders(); len(got) != 2 || got[0] != "openai" || got[1] != "anthropic" {
		t.Fatalf("unexpected ready providers: %v", got)
	}
}

func TestFallbackEnabledEnvCanDisable(t *testing.T) {
	isolate(t)
	t.Setenv("COHORT_FALLBACK_PROVIDER", "anthropic")
	t.Setenv("COHORT_FALLBACK_ENABLED", "false")

	cfg := config.DefaultConfig()
	config.ApplyEnvOverridesForTest(cfg)
	if cfg.Gateway.FallbackEnabled {
		t.Fatal("COHORT_FALLBACK_ENABLED=false should win")
	}
}

func TestPrimaryFollowsOnlyAvailableKey(t *testing.T) {
	isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "ak-test")

	cfg := config.DefaultConfig()
	config.ApplyEnvOverridesForTest(cfg)
	if cfg.Gateway.Primary != "anthropic" {
		t.Fatalf("expected primary to move to anthropic, got %s", cfg.Gateway.Primary)
	}
}

func TestConfigEnvFile(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".cohort", "config.env"), "# keys\nexport OPENAI_API_KEY=\"from-file\"\n")
	cfgPath := filepath.Join(t.TempDir(), "cohort.yaml")
	writeFile(t, cfgPath, "server:\n  address: 0.0.0.0:9090\n")

	cfg, err := config.LoadFromPath(cfgPath)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Providers["openai"].APIKey != "from-file" {
		t.Fatalf("config.env key not applied: %+v", cfg.Providers["openai"])
	}
	if cfg.Server.Address != "0.0.0.0:9090" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	isolate(t)
	_, err := config.LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if !cerrors.IsCode(err, cerrors.ErrCodeConfigLoad) {
		t.Fatalf("expected CONFIG_LOAD error, got %v", err)
	}
}

func TestProviderCanBeDisabled(t *testing.T) {
	isolate(t)
	cfgPath := filepath.Join(t.TempDir(), "cohort.yaml")
	writeFile(t, cfgPath, "providers:\n  anthropic:\n    api_key: k\n    enabled: false\n")

	cfg, err := config.LoadFromPath(cfgPath)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Providers["anthropic"].Ready() {
		t.Fatal("explicitly disabled provider should not be ready")
	}
}

func TestValidateRejectsCompoundedRetries(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.MaxRetries = 5
	cfg.Gateway.Fallback = "anthropic"
	cfg.Gateway.FallbackEnabled = true
	cfg.Execution.RetryAttempts = 3

	if got := cfg.WorstCaseAttempts(); got != 28 {
		t.Fatalf("WorstCaseAttempts = %d, want 28", got)
	}
	err := cfg.Validate()
	if !cerrors.IsCode(err, cerrors.ErrCodeConfigInvalid) {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
	if !strings.Contains(err.Error(), "max_attempts_per_persona") {
		t.Fatalf("error should name the bound: %v", err)
	}

	cfg.Execution.MaxAttemptsPerPersona = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero bound disables the check: %v", err)
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero concurrency", func(c *config.Config) { c.Execution.Concurrency = 0 }},
		{"negative retries", func(c *config.Config) { c.Execution.RetryAttempts = -1 }},
		{"zero timeout", func(c *config.Config) { c.Execution.Timeout = 0 }},
		{"temperature", func(c *config.Config) { c.Execution.Temperature = 2.5 }},
		{"fallback equals primary", func(c *config.Config) {
			c.Gateway.Fallback = c.Gateway.Primary
			c.Gateway.FallbackEnabled = true
		}},
		{"fallback missing", func(c *config.Config) { c.Gateway.FallbackEnabled = true }},
		{"unknown kind", func(c *config.Config) { c.Providers["x"] = config.ProviderConfig{Kind: "grpc"} }},
		{"log level", func(c *config.Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
