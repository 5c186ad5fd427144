package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/cohort/pkg/config"
	cerrors "github.com/odvcencio/cohort/pkg/errors"
)

const (
	DefaultConcurrency   = 5
	DefaultRetryAttempts = 2
	DefaultRetryDelay    = 2 * time.Second
	DefaultTimeout       = 60 * time.Second
	DefaultTemperature   = 0.7
)

// Options configure one run.
type Options struct {
	// Concurrency caps simultaneous interviews.
	Concurrency int `json:"concurrency"`
	// RetryAttempts is the number of retries after a failed first attempt.
	RetryAttempts int `json:"retryAttempts"`
	// RetryDelay is multiplied by the failed attempt's number.
	RetryDelay time.Duration `json:"retryDelay"`
	// Timeout bounds each attempt independently of the run.
	Timeout time.Duration `json:"timeout"`

	Temperature *float64 `json:"temperature,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`

	// AlternateProviders sends odd-numbered retries to the fallback provider
	// by name. It has no effect when Provider is set or no fallback exists.
	AlternateProviders bool `json:"alternateProviders,omitempty"`
}

// DefaultOptions returns the built-in run defaults.
func DefaultOptions() Options {
	temp := DefaultTemperature
	return Options{
		Concurrency:   DefaultConcurrency,
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
		Timeout:       DefaultTimeout,
		Temperature:   &temp,
	}
}

// OptionsFromConfig returns run defaults taken from the execution section.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	e := cfg.Execution
	if e.Concurrency > 0 {
		opts.Concurrency = e.Concurrency
	}
	if e.RetryAttempts >= 0 {
		opts.RetryAttempts = e.RetryAttempts
	}
	if e.RetryDelay > 0 {
		opts.RetryDelay = e.RetryDelay
	}
	if e.Timeout > 0 {
		opts.Timeout = e.Timeout
	}
	temp := e.Temperature
	opts.Temperature = &temp
	opts.AlternateProviders = e.AlternateProviders
	return opts
}

// withDefaults fills zero Concurrency and Timeout and a nil Temperature.
// Zero RetryAttempts and RetryDelay are honoured as given; start from
// DefaultOptions or OptionsFromConfig to get the default retry policy.
func (o Options) withDefaults() Options {
	if o.Concurrency == 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Temperature == nil {
		temp := DefaultTemperature
		o.Temperature = &temp
	}
	return o
}

// Validate rejects options the scheduler cannot honor.
func (o Options) Validate() error {
	var problems []string
	if o.Concurrency < 1 {
		problems = append(problems, fmt.Sprintf("concurrency must be at least 1, got %d", o.Concurrency))
	}
	if o.RetryAttempts < 0 {
		problems = append(problems, fmt.Sprintf("retry attempts must not be negative, got %d", o.RetryAttempts))
	}
	if o.RetryDelay < 0 {
		problems = append(problems, "retry delay must not be negative")
	}
	if o.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		problems = append(problems, fmt.Sprintf("temperature %.2f is outside [0, 2]", *o.Temperature))
	}
	if o.MaxTokens < 0 {
		problems = append(problems, "max tokens must not be negative")
	}
	if len(problems) > 0 {
		return cerrors.New(cerrors.ErrCodeRunInvalid, "invalid run options: "+strings.Join(problems, "; "))
	}
	return nil
}
