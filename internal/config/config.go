// Package config loads and watches the bot's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the full on-disk configuration. All durations are Go duration
// strings (e.g. "30s", "5m"); Validate rejects anything unparseable so a bad
// file never half-applies.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Poll     PollConfig     `yaml:"poll"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via the
	// LIVEBOT_TELEGRAM_TOKEN environment variable instead.
	Token       string `yaml:"token"`
	PollTimeout string `yaml:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string        `yaml:"level"`
	Console bool          `yaml:"console"`
	File    LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StorageConfig selects the persistence driver: "file", "sqlite", or
// ""/"none" to run memory-only.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

type PollConfig struct {
	StatusInterval string `yaml:"status_interval"`
	FeedInterval   string `yaml:"feed_interval"`
	FetchTimeout   string `yaml:"fetch_timeout"`
}

type NotifyConfig struct {
	RatePerSec int `yaml:"rate_per_sec"`
}

const tokenEnv = "LIVEBOT_TELEGRAM_TOKEN"

// Parse reads and strictly decodes the file at path. Unknown keys are
// errors; typos in a config should fail loudly, not silently default.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv(tokenEnv)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", tokenEnv)
	}
	for _, d := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"poll.status_interval", c.Poll.StatusInterval},
		{"poll.feed_interval", c.Poll.FeedInterval},
		{"poll.fetch_timeout", c.Poll.FetchTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationField parses an optional duration string; empty means 0
// (caller applies its default).
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration returns the parsed value of a field Validate has already
// accepted, or def when the field is empty.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
