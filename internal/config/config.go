// Package config handles configuration loading, defaults, and validation
// for undeleterd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Database configuration for the monitored message store.
	Database DatabaseConfig `toml:"database" yaml:"database"`

	// State configuration for snapshot/cursor persistence.
	State StateConfig `toml:"state" yaml:"state"`

	// Outputs configuration for event sinks.
	Outputs OutputsConfig `toml:"outputs" yaml:"outputs"`

	// Race configuration for checkpoint race handling.
	Race RaceConfig `toml:"race" yaml:"race"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
}

// DatabaseConfig identifies the monitored database and the polling cadence.
type DatabaseConfig struct {
	// Path is the main database file; the WAL is Path + "-wal".
	Path string `toml:"path" yaml:"path"`

	// PollIntervalMs spaces monitor ticks, in milliseconds.
	PollIntervalMs int `toml:"poll_interval_ms" yaml:"poll_interval_ms"`

	// TargetContacts, when non-empty, restricts dispatched events to
	// messages whose sender matches one of these contact identifiers.
	// Decoding is never filtered, only dispatch.
	TargetContacts []string `toml:"target_contacts" yaml:"target_contacts"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	// Path is the state file holding the serialized snapshot and cursor.
	Path string `toml:"path" yaml:"path"`
}

// OutputsConfig enables and parameterizes the event sinks.
type OutputsConfig struct {
	// JSONPath enables the JSON appender when non-empty.
	JSONPath string `toml:"json_path" yaml:"json_path"`

	// JSONPretty indents the appended objects.
	JSONPretty bool `toml:"json_pretty" yaml:"json_pretty"`

	// SQLitePath enables the archive writer when non-empty.
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path"`

	// RetentionDays prunes archived events older than this at startup.
	// Zero keeps everything.
	RetentionDays int `toml:"retention_days" yaml:"retention_days"`

	// Terminal enables the terminal printer.
	Terminal bool `toml:"terminal" yaml:"terminal"`

	// TerminalVerbose prints full before/after rows.
	TerminalVerbose bool `toml:"terminal_verbose" yaml:"terminal_verbose"`

	// Notify enables desktop notifications over D-Bus.
	Notify bool `toml:"notify" yaml:"notify"`

	// WebhookURL enables the webhook sink when non-empty; each event is
	// POSTed to this endpoint as JSON.
	WebhookURL string `toml:"webhook_url" yaml:"webhook_url"`

	// WebhookToken, when non-empty, is sent as a bearer token with each
	// webhook request.
	WebhookToken string `toml:"webhook_token" yaml:"webhook_token"`

	// DispatchTimeoutMs bounds each sink's work per event.
	DispatchTimeoutMs int `toml:"dispatch_timeout_ms" yaml:"dispatch_timeout_ms"`
}

// RaceConfig tunes the checkpoint race handler.
type RaceConfig struct {
	// MaxRetries bounds the Racing state's observation retries.
	MaxRetries int `toml:"max_retries" yaml:"max_retries"`

	// BackoffMs is the first retry delay; each retry doubles it.
	BackoffMs int `toml:"backoff_ms" yaml:"backoff_ms"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" yaml:"format"`

	// File, when non-empty, duplicates logs to a file.
	File string `toml:"file" yaml:"file"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Database: DatabaseConfig{
			Path:           filepath.Join(home, "Library", "Messages", "chat.db"),
			PollIntervalMs: 1000,
		},
		State: StateConfig{
			Path: filepath.Join(stateDir(), "state.json"),
		},
		Outputs: OutputsConfig{
			Terminal:          true,
			RetentionDays:     30,
			DispatchTimeoutMs: 5000,
		},
		Race: RaceConfig{
			MaxRetries: 5,
			BackoffMs:  50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// stateDir returns the platform default directory for persisted state.
func stateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "undeleterd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "undeleterd")
}

// Load reads configuration from path, layered over the defaults. The
// format follows the extension: .toml, or .yaml/.yml.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the ranges the core depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.PollIntervalMs <= 0 {
		errs = append(errs, errors.New("database.poll_interval_ms must be > 0"))
	}
	if c.Race.MaxRetries < 0 {
		errs = append(errs, errors.New("race.max_retries must be >= 0"))
	}
	if c.Race.BackoffMs < 0 {
		errs = append(errs, errors.New("race.backoff_ms must be >= 0"))
	}
	if c.Outputs.RetentionDays < 0 {
		errs = append(errs, errors.New("outputs.retention_days must be >= 0"))
	}
	if c.Outputs.DispatchTimeoutMs < 0 {
		errs = append(errs, errors.New("outputs.dispatch_timeout_ms must be >= 0"))
	}
	return errors.Join(errs...)
}

// WALPath returns the monitored WAL file path.
func (c *Config) WALPath() string {
	return c.Database.Path + "-wal"
}

// PollInterval returns the tick spacing as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Database.PollIntervalMs) * time.Millisecond
}

// DispatchTimeout returns the per-sink delivery bound.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Outputs.DispatchTimeoutMs) * time.Millisecond
}

// Backoff returns the initial race retry delay.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Race.BackoffMs) * time.Millisecond
}

// Retention returns the archive retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Outputs.RetentionDays) * 24 * time.Hour
}
