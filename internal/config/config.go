// Package config loads the pr-copilot configuration file. Every field has a
// default, so a missing file yields a fully usable configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunable knobs of the monitor. Obtain one via Default,
// Load, or Resolve.
type Config struct {
	// CIBotLogins are review and comment authors treated as CI machinery
	// and dropped during classification.
	CIBotLogins []string `yaml:"ci_bot_logins"`

	// KeepReviewerLogins are logins that would otherwise match a bot
	// entry but whose reviews must be kept.
	KeepReviewerLogins []string `yaml:"keep_reviewer_logins"`

	// NoiseCheckPatterns are doublestar patterns (matched case-insensitively
	// against check names) for pipeline-internal steps to drop.
	NoiseCheckPatterns []string `yaml:"noise_check_patterns"`

	AfterHours AfterHoursConfig `yaml:"after_hours"`
	Poll       PollConfig       `yaml:"poll"`

	// HeartbeatSeconds is the cadence of progress messages while a
	// next_step call is in flight.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`

	// SettleDelayMS is how long the trigger watcher waits after a
	// filesystem event before reading the trigger file.
	SettleDelayMS int `yaml:"settle_delay_ms"`

	// ViewerCommand launches the dashboard binary; empty disables the
	// best-effort launch on start.
	ViewerCommand string `yaml:"viewer_command"`
}

// AfterHoursConfig defines the working-hours window. Outside it the poll
// worker sleeps until the next weekday StartHour unless extended.
type AfterHoursConfig struct {
	StartHour int `yaml:"start_hour"`
	EndHour   int `yaml:"end_hour"`
}

// PollConfig holds the adaptive poll intervals, in seconds.
type PollConfig struct {
	// PendingSeconds applies while any check is pending or queued.
	PendingSeconds int `yaml:"pending_seconds"`
	// EmptySeconds applies when no checks have been observed at all.
	EmptySeconds int `yaml:"empty_seconds"`
	// CompleteSeconds applies when all checks are finished.
	CompleteSeconds int `yaml:"complete_seconds"`
}

// PendingInterval is the sleep while checks are pending or queued.
func (p PollConfig) PendingInterval() time.Duration {
	return time.Duration(p.PendingSeconds) * time.Second
}

// EmptyInterval is the sleep when no checks have been observed.
func (p PollConfig) EmptyInterval() time.Duration {
	return time.Duration(p.EmptySeconds) * time.Second
}

// CompleteInterval is the sleep when all checks are finished.
func (p PollConfig) CompleteInterval() time.Duration {
	return time.Duration(p.CompleteSeconds) * time.Second
}

// HeartbeatInterval is the progress-message cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// SettleDelay is the wait between a trigger-file event and its read.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CIBotLogins: []string{
			"github-actions[bot]",
			"azure-pipelines[bot]",
			"dependabot[bot]",
			"codecov[bot]",
			"azure-sdk",
		},
		KeepReviewerLogins: []string{
			"copilot-pull-request-reviewer[bot]",
		},
		NoiseCheckPatterns: []string{
			"*generation*",
			"*analyze*",
			"prepare*",
			"initialize*",
			"finalize*",
		},
		AfterHours:       AfterHoursConfig{StartHour: 9, EndHour: 18},
		Poll:             PollConfig{PendingSeconds: 60, EmptySeconds: 30, CompleteSeconds: 120},
		HeartbeatSeconds: 30,
		SettleDelayMS:    50,
		ViewerCommand:    "pr-copilot-viewer",
	}
}

// Load reads and parses a config file, layering it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve loads the explicit path when given. Otherwise it tries
// ~/.pr-copilot/config.yaml and falls back to the defaults when the file
// does not exist.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Default(), nil
	}
	path := filepath.Join(home, ".pr-copilot", "config.yaml")
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	if c.AfterHours.StartHour < 0 || c.AfterHours.StartHour > 23 ||
		c.AfterHours.EndHour < 0 || c.AfterHours.EndHour > 24 {
		return fmt.Errorf("after_hours hours out of range")
	}
	if c.AfterHours.StartHour >= c.AfterHours.EndHour {
		return fmt.Errorf("after_hours start_hour must be before end_hour")
	}
	if c.Poll.PendingSeconds <= 0 || c.Poll.EmptySeconds <= 0 || c.Poll.CompleteSeconds <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.HeartbeatSeconds <= 0 {
		return fmt.Errorf("heartbeat_seconds must be positive")
	}
	if c.SettleDelayMS < 0 {
		return fmt.Errorf("settle_delay_ms must not be negative")
	}
	return nil
}
