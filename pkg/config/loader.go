package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs copies every field the override file set onto base.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	for name, pc := range override.Providers {
		if base.Providers == nil {
			base.Providers = make(map[string]ProviderConfig)
		}
		cur, existed := base.Providers[name]
		setString(&cur.Kind, pc.Kind)
		setString(&cur.APIKey, pc.APIKey)
		setString(&cur.BaseURL, pc.BaseURL)
		setString(&cur.Model, pc.Model)
		switch {
		case fieldSet(raw, "providers", name, "enabled"):
			cur.Enabled = pc.Enabled
		case !existed:
			// a newly declared provider is on unless it says otherwise
			cur.Enabled = true
		}
		base.Providers[name] = cur
	}

	g, og := &base.Gateway, override.Gateway
	setString(&g.Primary, og.Primary)
	setString(&g.Fallback, og.Fallback)
	if fieldSet(raw, "gateway", "fallback_enabled") {
		g.FallbackEnabled = og.FallbackEnabled
	}
	if fieldSet(raw, "gateway", "max_retries") {
		g.MaxRetries = og.MaxRetries
	}
	setNonZero(&g.RetryDelay, og.RetryDelay)
	setNonZero(&g.RequestTimeout, og.RequestTimeout)
	setNonZero(&g.RateLimit, og.RateLimit)
	setNonZero(&g.RateBurst, og.RateBurst)
	if fieldSet(raw, "gateway", "network_logs") {
		g.NetworkLogs = og.NetworkLogs
	}
	setNonZero(&g.CircuitBreaker.MaxFailures, og.CircuitBreaker.MaxFailures)
	setNonZero(&g.CircuitBreaker.ResetTimeout, og.CircuitBreaker.ResetTimeout)

	e, oe := &base.Execution, override.Execution
	setNonZero(&e.Concurrency, oe.Concurrency)
	if fieldSet(raw, "execution", "retry_attempts") {
		e.RetryAttempts = oe.RetryAttempts
	}
	setNonZero(&e.RetryDelay, oe.RetryDelay)
	setNonZero(&e.Timeout, oe.Timeout)
	if fieldSet(raw, "execution", "temperature") {
		e.Temperature = oe.Temperature
	}
	if fieldSet(raw, "execution", "max_attempts_per_persona") {
		e.MaxAttemptsPerPersona = oe.MaxAttemptsPerPersona
	}
	if fieldSet(raw, "execution", "alternate_providers") {
		e.AlternateProviders = oe.AlternateProviders
	}

	setString(&base.Server.Address, override.Server.Address)
	if fieldSet(raw, "storage", "path") {
		base.Storage.Path = override.Storage.Path
	}
	setString(&base.Events.NATSURL, override.Events.NATSURL)
	setString(&base.Events.SubjectPrefix, override.Events.SubjectPrefix)
	setString(&base.Logging.Dir, override.Logging.Dir)
	setString(&base.Logging.Level, override.Logging.Level)
	if fieldSet(raw, "logging", "replies") {
		base.Logging.Replies = override.Logging.Replies
	}
	if fieldSet(raw, "telemetry", "tracing") {
		base.Telemetry.Tracing = override.Telemetry.Tracing
	}
	setString(&base.Telemetry.ServiceName, override.Telemetry.ServiceName)
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setNonZero[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

// fieldSet reports whether the raw document contains the key path, so
// explicit zero values and false can be told apart from omission.
func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

func userConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.Getenv("HOME")
	}
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".cohort")
}

// loadConfigEnvVars reads KEY=VALUE lines from ~/.cohort/config.env.
func loadConfigEnvVars() map[string]string {
	dir := userConfigDir()
	if dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.env"))
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return vars
}

// expandHomeDir resolves a leading ~ against the user's home directory.
func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
