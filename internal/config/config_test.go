package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
store:
  backend: dynamodb
  table: helpdesk
  ttl: 30m
relay:
  gateway_timeout: 3s
  mirror_user_messages: true
slack:
  channel: C123
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, BackendDynamoDB, cfg.Store.Backend)
	assert.Equal(t, "helpdesk", cfg.Store.Table)
	assert.Equal(t, 30*time.Minute, cfg.Store.TTL)
	assert.Equal(t, 3*time.Second, cfg.Relay.GatewayTimeout)
	assert.True(t, cfg.Relay.MirrorUserMessages)
	assert.Equal(t, "C123", cfg.Slack.Channel)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, "@every 1m", cfg.Store.SweepSchedule)
	assert.Equal(t, 32, cfg.Relay.NameMaxLen)
	assert.Equal(t, 4000, cfg.Relay.TextMaxLen)
}

func TestLoad_ZeroValuesGetDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ""
store:
  ttl: 0s
relay:
  name_max_len: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, time.Hour, cfg.Store.TTL)
	assert.Equal(t, 32, cfg.Relay.NameMaxLen)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config file")
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "store: [unterminated"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse config file")
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Load(writeConfig(t, "store:\n  backend: redis\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "redis" },
			wantErr: "store.backend",
		},
		{
			name:    "dynamodb without table",
			mutate:  func(c *Config) { c.Store.Backend = BackendDynamoDB },
			wantErr: "store.table",
		},
		{
			name:    "bad sweep schedule",
			mutate:  func(c *Config) { c.Store.SweepSchedule = "every minute" },
			wantErr: "store.sweep_schedule",
		},
		{
			name:    "negative ttl",
			mutate:  func(c *Config) { c.Store.TTL = -time.Second },
			wantErr: "store.ttl",
		},
		{
			name:    "text limit",
			mutate:  func(c *Config) { c.Relay.TextMaxLen = -1 },
			wantErr: "relay.text_max_len",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSlack(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.ValidateSlack())

	cfg.Slack = SlackConfig{BotToken: "xoxb-1", AppToken: "xapp-1", Channel: "C123"}
	assert.NoError(t, cfg.ValidateSlack())

	cfg.Slack.Channel = ""
	err := cfg.ValidateSlack()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SLACK_CHANNEL")
}
