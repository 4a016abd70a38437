package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bbsbot.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/var/lib/bbsbot"

[logging]
level = "debug"

[swarm]
max_bots = 50
bot_timeout = "90s"

[session]
read_timeout = "20s"

[[bots]]
id = "trader-1"
host = "bbs.example.net"
port = 23
game = "T"
strategy = "profitable_pairs"
goal = "profit"
max_turns = 150
params = { min_margin = "12" }
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/bbsbot", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.Swarm.MaxBots)
	assert.Equal(t, 90*time.Second, cfg.Swarm.BotTimeout.Duration)
	assert.Equal(t, 20*time.Second, cfg.Session.ReadTimeout.Duration)

	// Untouched sections keep their defaults.
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Swarm.RestartBase.Duration)
	assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.Model)

	require.Len(t, cfg.Bots, 1)
	assert.Equal(t, "trader-1", cfg.Bots[0].ID)
	assert.Equal(t, "bbs.example.net", cfg.Bots[0].Host)
	assert.Equal(t, "12", cfg.Bots[0].Params["min_margin"])
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[swarm]
max_bots = 10
`)

	t.Setenv("BBSBOT_SWARM_MAX_BOTS", "35")
	t.Setenv("BBSBOT_LLM_API_KEY", "sk-ant-test")
	t.Setenv("BBSBOT_SERVER_CORS_ORIGINS", "https://ops.example.com, https://dash.example.com")
	t.Setenv("BBSBOT_SESSION_READ_TIMEOUT", "12s")
	t.Setenv("BBSBOT_BUS_TLS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 35, cfg.Swarm.MaxBots, "env wins over the file")
	assert.Equal(t, "sk-ant-test", cfg.LLM.APIKey)
	assert.Equal(t, []string{"https://ops.example.com", "https://dash.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 12*time.Second, cfg.Session.ReadTimeout.Duration)
	assert.True(t, cfg.Bus.TLSEnabled)
}

func TestLoadRejectsFilePasswords(t *testing.T) {
	path := writeConfig(t, `
[[accounts.entries]]
name = "alpha-1"
username = "trader_one"
password = "hunter2"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `entry "alpha-1"`)
	assert.Contains(t, err.Error(), "BBSBOT_ACCOUNT_ALPHA_1_PASSWORD")
}

func TestLoadAllowsFilePasswordsWhenOptedOut(t *testing.T) {
	path := writeConfig(t, `
[accounts]
require_env_secrets = false

[[accounts.entries]]
name = "alpha-1"
username = "trader_one"
password = "hunter2"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "hunter2", cfg.Accounts.Entries[0].Password)
}

func TestAccountPasswordFromEnv(t *testing.T) {
	path := writeConfig(t, `
[[accounts.entries]]
name = "alpha-1"
username = "trader_one"
`)

	t.Setenv("BBSBOT_ACCOUNT_ALPHA_1_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "s3cret", cfg.Accounts.Entries[0].Password)
}

func TestEnvName(t *testing.T) {
	cases := map[string]string{
		"alpha-1":    "ALPHA_1",
		"Trader.Joe": "TRADER_JOE",
		"x9":         "X9",
		"a b c":      "A_B_C",
	}
	for in, want := range cases {
		assert.Equal(t, want, envName(in), in)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Logging.Level = "verbose"
	cfg.Swarm.MaxBots = 0
	cfg.Swarm.BotTimeout = duration{time.Second}
	cfg.Bus.Enabled = true
	cfg.Bus.Addr = ""
	cfg.Notify.Events = append(cfg.Notify.Events, "coffee_ready")
	cfg.Bots = []BotConfig{{ID: "b1", Host: "", Port: 99999, Strategy: "martingale"}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "config validation failed")
	assert.Contains(t, msg, `unknown level "verbose"`)
	assert.Contains(t, msg, "max_bots must be >= 1")
	assert.Contains(t, msg, "bot_timeout must exceed status_broadcast_interval")
	assert.Contains(t, msg, "bus: addr must not be empty")
	assert.Contains(t, msg, `unknown event "coffee_ready"`)
	assert.Contains(t, msg, "b1: host must not be empty")
	assert.Contains(t, msg, "port must be 1-65535, got 99999")
	assert.Contains(t, msg, `unknown strategy "martingale"`)
}

func TestValidateBotAccountPinning(t *testing.T) {
	cfg := Defaults()
	cfg.Accounts.Entries = []AccountEntry{{Name: "alpha-1", Username: "trader_one"}}
	cfg.Bots = []BotConfig{{ID: "b1", Host: "bbs.example.net", Port: 23, Account: "ghost"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `account "ghost" is not declared`)

	// A vault may hold accounts the file never lists, so the check stands
	// down when one is configured.
	cfg.Accounts.VaultFile = "vault/accounts.enc"
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Server.AuthToken = "bearer-secret"
	cfg.Swarm.UplinkToken = "uplink-secret"
	cfg.LLM.APIKey = "sk-ant-live"
	cfg.Accounts.VaultPassphrase = "open sesame"
	cfg.Accounts.Entries = []AccountEntry{{Name: "alpha-1", Username: "trader_one", Password: "s3cret", Tags: []string{"fast"}}}
	cfg.Bus.Password = "redis-pw"
	cfg.Store.Password = "pg-pw"
	cfg.Store.DSN = "postgres://u:pw@localhost/bbsbot"
	cfg.Archive.AccessKey = "AKIA123"
	cfg.Archive.SecretKey = "shhh"
	cfg.Notify.TelegramToken = "123:abc"
	cfg.Notify.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Server.AuthToken)
	assert.Equal(t, "***", red.Swarm.UplinkToken)
	assert.Equal(t, "***", red.LLM.APIKey)
	assert.Equal(t, "***", red.Accounts.VaultPassphrase)
	assert.Equal(t, "***", red.Accounts.Entries[0].Password)
	assert.Equal(t, "***", red.Bus.Password)
	assert.Equal(t, "***", red.Store.Password)
	assert.Equal(t, "***", red.Store.DSN)
	assert.Equal(t, "***", red.Archive.AccessKey)
	assert.Equal(t, "***", red.Archive.SecretKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Equal(t, "***", red.Notify.SlackWebhookURL)

	// Non-secrets survive untouched, and the original keeps its values.
	assert.Equal(t, "trader_one", red.Accounts.Entries[0].Username)
	assert.Equal(t, "s3cret", cfg.Accounts.Entries[0].Password)

	// The copy is isolated: mutating it leaves the original alone.
	red.Server.CORSOrigins[0] = "http://evil.example"
	red.Accounts.Entries[0].Tags[0] = "slow"
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "fast", cfg.Accounts.Entries[0].Tags[0])
}
