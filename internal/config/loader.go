package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. PROMPTPILOT_DISPATCH_MODE.
const EnvPrefix = "PROMPTPILOT"

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".promptpilot")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Load reads the configuration at path layered over defaults and environment.
// If path is empty the default path is used; a missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper returns a viper instance seeded with DefaultConfig and bound to the environment.
func newViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault("rules", d.Rules)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_retention_days", d.LogRetentionDays)

	v.SetDefault("dispatch.mode", d.Dispatch.Mode)
	v.SetDefault("dispatch.max_restarts", d.Dispatch.MaxRestarts)
	v.SetDefault("dispatch.request_timeout_ms", d.Dispatch.RequestTimeoutMS)
	v.SetDefault("dispatch.debounce.default_ms", d.Dispatch.Debounce.DefaultMS)
	v.SetDefault("dispatch.debounce.completion_ms", d.Dispatch.Debounce.CompletionMS)
	v.SetDefault("dispatch.debounce.prompt_ms", d.Dispatch.Debounce.PromptMS)
	v.SetDefault("dispatch.debounce.confirmation_ms", d.Dispatch.Debounce.ConfirmationMS)

	v.SetDefault("quarantine.error_threshold", d.Quarantine.ErrorThreshold)
	v.SetDefault("quarantine.excerpt_bytes", d.Quarantine.ExcerptBytes)
	v.SetDefault("quarantine.recent_errors", d.Quarantine.RecentErrors)

	v.SetDefault("journal.matches", d.Journal.Matches)
	v.SetDefault("journal.errors", d.Journal.Errors)
	v.SetDefault("journal.max_size", d.Journal.MaxSize)

	v.SetDefault("wrap.buffer_lines", d.Wrap.BufferLines)
	v.SetDefault("wrap.keystroke_delay_ms", d.Wrap.KeystrokeDelayMS)
	v.SetDefault("wrap.responses_per_second", d.Wrap.ResponsesPerSecond)
	v.SetDefault("wrap.process_tracking", d.Wrap.ProcessTracking)
	v.SetDefault("wrap.idle_cpu_percent", d.Wrap.IdleCPUPercent)
	v.SetDefault("wrap.idle_seconds", d.Wrap.IdleSeconds)
	v.SetDefault("wrap.poll_interval_ms", d.Wrap.PollIntervalMS)

	v.SetDefault("notify.type", d.Notify.Type)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Save writes the configuration to the specified path in YAML format.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Webhook headers may carry tokens.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
