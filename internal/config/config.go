// Package config provides configuration management for promptpilot.
// Settings come from a YAML file layered with PROMPTPILOT_* environment
// variables; the automation rules live in a separate ruleset file.
package config

import (
	"time"

	"promptpilot/internal/detect"
	"promptpilot/internal/dispatch"
	"promptpilot/internal/quarantine"
)

// Config is the root configuration structure.
type Config struct {
	Rules            string `mapstructure:"rules" yaml:"rules"`                           // Ruleset file path
	LogDir           string `mapstructure:"log_dir" yaml:"log_dir"`                       // Log, journal directory
	LogLevel         string `mapstructure:"log_level" yaml:"log_level"`                   // debug | info | warn | error
	LogRetentionDays int    `mapstructure:"log_retention_days" yaml:"log_retention_days"` // Days to keep logs (0 = forever)

	Dispatch   DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	Quarantine QuarantineConfig `mapstructure:"quarantine" yaml:"quarantine"`
	Journal    JournalConfig    `mapstructure:"journal" yaml:"journal"`
	Wrap       WrapConfig       `mapstructure:"wrap" yaml:"wrap"`
	Notify     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// DispatchConfig controls where scans run and how the execution unit is supervised.
type DispatchConfig struct {
	Mode             string         `mapstructure:"mode" yaml:"mode"` // "sync" or "concurrent"
	MaxRestarts      int            `mapstructure:"max_restarts" yaml:"max_restarts"`
	RequestTimeoutMS int            `mapstructure:"request_timeout_ms" yaml:"request_timeout_ms"` // 0 = no timeout
	Debounce         DebounceConfig `mapstructure:"debounce" yaml:"debounce"`
}

// DebounceConfig holds the trailing delay per pattern kind.
type DebounceConfig struct {
	DefaultMS      int `mapstructure:"default_ms" yaml:"default_ms"`
	CompletionMS   int `mapstructure:"completion_ms" yaml:"completion_ms"`
	PromptMS       int `mapstructure:"prompt_ms" yaml:"prompt_ms"`
	ConfirmationMS int `mapstructure:"confirmation_ms" yaml:"confirmation_ms"`
}

// QuarantineConfig controls per-pattern error isolation.
type QuarantineConfig struct {
	ErrorThreshold int `mapstructure:"error_threshold" yaml:"error_threshold"`
	ExcerptBytes   int `mapstructure:"excerpt_bytes" yaml:"excerpt_bytes"`
	RecentErrors   int `mapstructure:"recent_errors" yaml:"recent_errors"`
}

// JournalConfig enables the JSON-lines match and error journals.
type JournalConfig struct {
	Matches bool  `mapstructure:"matches" yaml:"matches"`
	Errors  bool  `mapstructure:"errors" yaml:"errors"`
	MaxSize int64 `mapstructure:"max_size" yaml:"max_size"` // Bytes before rotation
}

// WrapConfig controls the PTY wrapper.
type WrapConfig struct {
	BufferLines        int     `mapstructure:"buffer_lines" yaml:"buffer_lines"`
	KeystrokeDelayMS   int     `mapstructure:"keystroke_delay_ms" yaml:"keystroke_delay_ms"`
	ResponsesPerSecond float64 `mapstructure:"responses_per_second" yaml:"responses_per_second"`
	ProcessTracking    bool    `mapstructure:"process_tracking" yaml:"process_tracking"`
	IdleCPUPercent     float64 `mapstructure:"idle_cpu_percent" yaml:"idle_cpu_percent"`
	IdleSeconds        int     `mapstructure:"idle_seconds" yaml:"idle_seconds"`
	PollIntervalMS     int     `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// NotifyConfig defines notification destination and settings.
type NotifyConfig struct {
	Type     string          `mapstructure:"type" yaml:"type"` // "stdout", "webhook" or "none"
	Webhooks []WebhookConfig `mapstructure:"webhooks" yaml:"webhooks,omitempty"`
}

// WebhookConfig defines a webhook endpoint for notifications.
type WebhookConfig struct {
	URL      string            `mapstructure:"url" yaml:"url"`
	Patterns []string          `mapstructure:"patterns" yaml:"patterns,omitempty"` // Pattern ids to send (empty = all)
	Headers  map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`   // Custom HTTP headers
	Timeout  int               `mapstructure:"timeout" yaml:"timeout,omitempty"`   // Timeout in seconds (default: 10)
}

// MetricsConfig exposes prometheus metrics over HTTP when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Rules:            "~/.promptpilot/rules.yaml",
		LogDir:           "~/.promptpilot/logs",
		LogLevel:         "info",
		LogRetentionDays: 7,
		Dispatch: DispatchConfig{
			Mode:        string(dispatch.ModeConcurrent),
			MaxRestarts: dispatch.DefaultMaxRestarts,
			Debounce: DebounceConfig{
				DefaultMS:      100,
				CompletionMS:   50,
				PromptMS:       150,
				ConfirmationMS: 150,
			},
		},
		Quarantine: QuarantineConfig{
			ErrorThreshold: quarantine.DefaultErrorThreshold,
			ExcerptBytes:   detect.DefaultExcerptBytes,
			RecentErrors:   quarantine.DefaultRecentErrors,
		},
		Journal: JournalConfig{
			Matches: false,
			Errors:  true,
			MaxSize: 10 * 1024 * 1024, // 10MB
		},
		Wrap: WrapConfig{
			BufferLines:        200,
			KeystrokeDelayMS:   30,
			ResponsesPerSecond: 2,
			ProcessTracking:    true,
			IdleCPUPercent:     2.0,
			IdleSeconds:        3,
			PollIntervalMS:     800,
		},
		Notify: NotifyConfig{
			Type: "stdout",
		},
	}
}

// PollInterval returns the configured process poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Wrap.PollIntervalMS) * time.Millisecond
}

// IdleDuration returns how long the child must stay quiet before an idle rescan.
func (c *Config) IdleDuration() time.Duration {
	return time.Duration(c.Wrap.IdleSeconds) * time.Second
}

// KeystrokeDelay returns the pause between typed entries of a list response.
func (c *Config) KeystrokeDelay() time.Duration {
	return time.Duration(c.Wrap.KeystrokeDelayMS) * time.Millisecond
}

// RulesPath returns the ruleset path with ~ expanded.
func (c *Config) RulesPath() string {
	return ExpandPath(c.Rules)
}

// LogPath returns the log directory with ~ expanded.
func (c *Config) LogPath() string {
	return ExpandPath(c.LogDir)
}

// DispatcherConfig converts the dispatch and quarantine sections.
func (c *Config) DispatcherConfig() dispatch.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return dispatch.Config{
		Mode:           dispatch.Mode(c.Dispatch.Mode),
		MaxRestarts:    c.Dispatch.MaxRestarts,
		RequestTimeout: ms(c.Dispatch.RequestTimeoutMS),
		ExcerptBytes:   c.Quarantine.ExcerptBytes,
		Debounce: dispatch.DebounceConfig{
			Delays: map[detect.Kind]time.Duration{
				detect.KindCompletion:   ms(c.Dispatch.Debounce.CompletionMS),
				detect.KindPrompt:       ms(c.Dispatch.Debounce.PromptMS),
				detect.KindConfirmation: ms(c.Dispatch.Debounce.ConfirmationMS),
			},
			Default: ms(c.Dispatch.Debounce.DefaultMS),
		},
		Quarantine: quarantine.Config{
			ErrorThreshold: c.Quarantine.ErrorThreshold,
			RecentErrors:   c.Quarantine.RecentErrors,
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if _, err := dispatch.ParseMode(c.Dispatch.Mode); err != nil {
		return &ValidationError{Field: "dispatch.mode", Message: "must be 'sync' or 'concurrent'"}
	}
	if c.Dispatch.MaxRestarts < 0 {
		return &ValidationError{Field: "dispatch.max_restarts", Message: "cannot be negative"}
	}
	if c.Dispatch.RequestTimeoutMS < 0 {
		return &ValidationError{Field: "dispatch.request_timeout_ms", Message: "cannot be negative"}
	}
	d := c.Dispatch.Debounce
	if d.DefaultMS < 0 || d.CompletionMS < 0 || d.PromptMS < 0 || d.ConfirmationMS < 0 {
		return &ValidationError{Field: "dispatch.debounce", Message: "delays cannot be negative"}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return &ValidationError{Field: "log_level", Message: "must be 'debug', 'info', 'warn' or 'error'"}
	}
	if c.LogRetentionDays < 0 {
		return &ValidationError{Field: "log_retention_days", Message: "cannot be negative"}
	}

	if c.Quarantine.ErrorThreshold < 1 {
		return &ValidationError{Field: "quarantine.error_threshold", Message: "must be at least 1"}
	}
	if c.Quarantine.ExcerptBytes < 1 {
		return &ValidationError{Field: "quarantine.excerpt_bytes", Message: "must be at least 1"}
	}
	if c.Quarantine.RecentErrors < 1 {
		return &ValidationError{Field: "quarantine.recent_errors", Message: "must be at least 1"}
	}

	if c.Wrap.BufferLines < 1 {
		return &ValidationError{Field: "wrap.buffer_lines", Message: "must be at least 1"}
	}
	if c.Wrap.KeystrokeDelayMS < 0 {
		return &ValidationError{Field: "wrap.keystroke_delay_ms", Message: "cannot be negative"}
	}
	if c.Wrap.ResponsesPerSecond <= 0 {
		return &ValidationError{Field: "wrap.responses_per_second", Message: "must be positive"}
	}
	if c.Wrap.PollIntervalMS < 100 {
		return &ValidationError{Field: "wrap.poll_interval_ms", Message: "must be at least 100ms"}
	}
	if c.Wrap.IdleSeconds < 0 {
		return &ValidationError{Field: "wrap.idle_seconds", Message: "cannot be negative"}
	}

	switch c.Notify.Type {
	case "stdout", "none":
	case "webhook":
		if len(c.Notify.Webhooks) == 0 {
			return &ValidationError{Field: "notify.webhooks", Message: "at least one webhook is required when type is 'webhook'"}
		}
	default:
		return &ValidationError{Field: "notify.type", Message: "must be 'stdout', 'webhook' or 'none'"}
	}
	for _, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return &ValidationError{Field: "notify.webhooks.url", Message: "cannot be empty"}
		}
	}

	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config validation error: " + e.Field + ": " + e.Message
}
