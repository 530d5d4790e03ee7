// Package config loads the helpdesk server configuration from an optional
// YAML file. Secrets are not expected in the file; cmd/server fills them in
// from flags and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	Listen string      `yaml:"listen"`
	Store  StoreConfig `yaml:"store"`
	Slack  SlackConfig `yaml:"slack"`
	Relay  RelayConfig `yaml:"relay"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	Table         string        `yaml:"table"`
	Region        string        `yaml:"region"`
}

type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
	Channel  string `yaml:"channel"`
	APIURL   string `yaml:"api_url"`
}

type RelayConfig struct {
	GatewayTimeout     time.Duration `yaml:"gateway_timeout"`
	NameMaxLen         int           `yaml:"name_max_len"`
	TextMaxLen         int           `yaml:"text_max_len"`
	MirrorUserMessages bool          `yaml:"mirror_user_messages"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Listen: ":8000",
		Store: StoreConfig{
			Backend:       BackendMemory,
			TTL:           time.Hour,
			SweepSchedule: "@every 1m",
		},
		Relay: RelayConfig{
			GatewayTimeout: 10 * time.Second,
			NameMaxLen:     32,
			TextMaxLen:     4000,
		},
	}
}

// Load reads configuration from the given path.
// If path is empty, returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for fields left empty in the file.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.TTL == 0 {
		c.Store.TTL = defaults.Store.TTL
	}
	if c.Store.SweepSchedule == "" {
		c.Store.SweepSchedule = defaults.Store.SweepSchedule
	}
	if c.Relay.GatewayTimeout == 0 {
		c.Relay.GatewayTimeout = defaults.Relay.GatewayTimeout
	}
	if c.Relay.NameMaxLen == 0 {
		c.Relay.NameMaxLen = defaults.Relay.NameMaxLen
	}
	if c.Relay.TextMaxLen == 0 {
		c.Relay.TextMaxLen = defaults.Relay.TextMaxLen
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
		if _, err := cron.ParseStandard(c.Store.SweepSchedule); err != nil {
			return fmt.Errorf("store.sweep_schedule %q: %w", c.Store.SweepSchedule, err)
		}
	case BackendDynamoDB:
		if c.Store.Table == "" {
			return fmt.Errorf("store.table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendDynamoDB, c.Store.Backend)
	}

	if c.Store.TTL < 0 {
		return fmt.Errorf("store.ttl must be positive")
	}
	if c.Relay.GatewayTimeout < 0 {
		return fmt.Errorf("relay.gateway_timeout must be positive")
	}
	if c.Relay.NameMaxLen < 1 {
		return fmt.Errorf("relay.name_max_len must be at least 1")
	}
	if c.Relay.TextMaxLen < 1 {
		return fmt.Errorf("relay.text_max_len must be at least 1")
	}

	return nil
}

// ValidateSlack checks the credentials needed to talk to Slack. It runs after
// flags and environment have been merged in.
func (c *Config) ValidateSlack() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack bot token is required (SLACK_BOT_TOKEN)")
	}
	if c.Slack.AppToken == "" {
		return fmt.Errorf("slack app token is required (SLACK_APP_TOKEN)")
	}
	if c.Slack.Channel == "" {
		return fmt.Errorf("slack channel is required (SLACK_CHANNEL)")
	}
	return nil
}
