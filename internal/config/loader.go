package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BBSBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.path = abs
	}

	// Passwords seen at this point came from the file; remember them so
	// Validate can reject them under require_env_secrets.
	for _, e := range cfg.Accounts.Entries {
		if e.Password != "" {
			cfg.filePasswords = append(cfg.filePasswords, e.Name)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BBSBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.DataDir, "BBSBOT_DATA_DIR")

	// ── Logging ──
	setStr(&cfg.Logging.Level, "BBSBOT_LOG_LEVEL")
	setStr(&cfg.Logging.Format, "BBSBOT_LOG_FORMAT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BBSBOT_SERVER_ENABLED")
	setStr(&cfg.Server.Host, "BBSBOT_SERVER_HOST")
	setInt(&cfg.Server.Port, "BBSBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BBSBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AuthToken, "BBSBOT_SERVER_AUTH_TOKEN")

	// ── Swarm ──
	setInt(&cfg.Swarm.MaxBots, "BBSBOT_SWARM_MAX_BOTS")
	setStr(&cfg.Swarm.StateFile, "BBSBOT_SWARM_STATE_FILE")
	setStr(&cfg.Swarm.WorkerLogDir, "BBSBOT_SWARM_WORKER_LOG_DIR")
	setStr(&cfg.Swarm.ManagerURL, "BBSBOT_SWARM_MANAGER_URL")
	setDuration(&cfg.Swarm.HealthCheckInterval, "BBSBOT_SWARM_HEALTH_CHECK_INTERVAL")
	setDuration(&cfg.Swarm.StatusInterval, "BBSBOT_SWARM_STATUS_INTERVAL")
	setDuration(&cfg.Swarm.PersistInterval, "BBSBOT_SWARM_PERSIST_INTERVAL")
	setDuration(&cfg.Swarm.BotTimeout, "BBSBOT_SWARM_BOT_TIMEOUT")
	setDuration(&cfg.Swarm.DrainTimeout, "BBSBOT_SWARM_DRAIN_TIMEOUT")
	setInt(&cfg.Swarm.RestartMax, "BBSBOT_SWARM_RESTART_MAX")
	setDuration(&cfg.Swarm.RestartBase, "BBSBOT_SWARM_RESTART_BASE")
	setDuration(&cfg.Swarm.RestartCap, "BBSBOT_SWARM_RESTART_CAP")
	setBool(&cfg.Swarm.RestartOnDisconnect, "BBSBOT_SWARM_RESTART_ON_DISCONNECT")
	setInt(&cfg.Swarm.GroupSize, "BBSBOT_SWARM_GROUP_SIZE")
	setDuration(&cfg.Swarm.GroupDelay, "BBSBOT_SWARM_GROUP_DELAY")
	setStr(&cfg.Swarm.UplinkToken, "BBSBOT_SWARM_UPLINK_TOKEN")

	// ── Session ──
	setStr(&cfg.Session.TermName, "BBSBOT_SESSION_TERM_NAME")
	setInt(&cfg.Session.Cols, "BBSBOT_SESSION_COLS")
	setInt(&cfg.Session.Rows, "BBSBOT_SESSION_ROWS")
	setDuration(&cfg.Session.ReadTimeout, "BBSBOT_SESSION_READ_TIMEOUT")
	setDuration(&cfg.Session.Keepalive, "BBSBOT_SESSION_KEEPALIVE")
	setStr(&cfg.Session.KeepaliveKeys, "BBSBOT_SESSION_KEEPALIVE_KEYS")
	setInt(&cfg.Session.MaxPerHost, "BBSBOT_SESSION_MAX_PER_HOST")
	setStr(&cfg.Session.LogDir, "BBSBOT_SESSION_LOG_DIR")

	// ── LLM ──
	setStr(&cfg.LLM.Provider, "BBSBOT_LLM_PROVIDER")
	setStr(&cfg.LLM.Model, "BBSBOT_LLM_MODEL")
	setStr(&cfg.LLM.BaseURL, "BBSBOT_LLM_BASE_URL")
	setDuration(&cfg.LLM.Timeout, "BBSBOT_LLM_TIMEOUT")
	setInt(&cfg.LLM.MaxRetries, "BBSBOT_LLM_MAX_RETRIES")
	setInt(&cfg.LLM.TokensPerHour, "BBSBOT_LLM_TOKENS_PER_HOUR")
	setInt(&cfg.LLM.CallsPerHour, "BBSBOT_LLM_CALLS_PER_HOUR")
	setFloat64(&cfg.LLM.InputPerMTok, "BBSBOT_LLM_INPUT_PER_MTOK")
	setFloat64(&cfg.LLM.OutputPerMTok, "BBSBOT_LLM_OUTPUT_PER_MTOK")
	setInt(&cfg.LLM.FeedbackInterval, "BBSBOT_LLM_FEEDBACK_INTERVAL_TURNS")
	setStr(&cfg.LLM.APIKey, "BBSBOT_LLM_API_KEY")

	// ── Accounts ──
	setBool(&cfg.Accounts.RequireEnvSecrets, "BBSBOT_ACCOUNTS_REQUIRE_ENV_SECRETS")
	setStr(&cfg.Accounts.VaultFile, "BBSBOT_ACCOUNTS_VAULT_FILE")
	setDuration(&cfg.Accounts.SoftFailCooldown, "BBSBOT_ACCOUNTS_SOFT_FAIL_COOLDOWN")
	setDuration(&cfg.Accounts.AuthFailCooldown, "BBSBOT_ACCOUNTS_AUTH_FAIL_COOLDOWN")
	setDuration(&cfg.Accounts.LeaseDuration, "BBSBOT_ACCOUNTS_LEASE_DURATION")
	setBool(&cfg.Accounts.AllowGenerate, "BBSBOT_ACCOUNTS_ALLOW_GENERATE")
	setStr(&cfg.Accounts.GenerateHost, "BBSBOT_ACCOUNTS_GENERATE_HOST")
	setInt(&cfg.Accounts.MaxGenerated, "BBSBOT_ACCOUNTS_MAX_GENERATED")
	setStr(&cfg.Accounts.VaultPassphrase, "BBSBOT_VAULT_PASSPHRASE")
	for i := range cfg.Accounts.Entries {
		e := &cfg.Accounts.Entries[i]
		key := envName(e.Name)
		setStr(&e.Username, "BBSBOT_ACCOUNT_"+key+"_USERNAME")
		setStr(&e.Password, "BBSBOT_ACCOUNT_"+key+"_PASSWORD")
	}

	// ── Intervention ──
	setBool(&cfg.Intervention.Enabled, "BBSBOT_INTERVENTION_ENABLED")
	setBool(&cfg.Intervention.AutoApply, "BBSBOT_INTERVENTION_AUTO_APPLY")
	setStr(&cfg.Intervention.MaxSeverityAuto, "BBSBOT_INTERVENTION_MAX_SEVERITY_AUTO")

	// ── Telemetry ──
	setInt(&cfg.Telemetry.RingSize, "BBSBOT_TELEMETRY_RING_SIZE")
	setDuration(&cfg.Telemetry.RollupEvery, "BBSBOT_TELEMETRY_ROLLUP_EVERY")
	setDuration(&cfg.Telemetry.FleetEvery, "BBSBOT_TELEMETRY_FLEET_EVERY")

	// ── Bus ──
	setBool(&cfg.Bus.Enabled, "BBSBOT_BUS_ENABLED")
	setStr(&cfg.Bus.Addr, "BBSBOT_BUS_ADDR")
	setInt(&cfg.Bus.DB, "BBSBOT_BUS_DB")
	setInt(&cfg.Bus.PoolSize, "BBSBOT_BUS_POOL_SIZE")
	setInt(&cfg.Bus.MaxRetries, "BBSBOT_BUS_MAX_RETRIES")
	setBool(&cfg.Bus.TLSEnabled, "BBSBOT_BUS_TLS_ENABLED")
	setStr(&cfg.Bus.Password, "BBSBOT_BUS_PASSWORD")

	// ── Store ──
	setBool(&cfg.Store.Enabled, "BBSBOT_STORE_ENABLED")
	setStr(&cfg.Store.Host, "BBSBOT_STORE_HOST")
	setInt(&cfg.Store.Port, "BBSBOT_STORE_PORT")
	setStr(&cfg.Store.Database, "BBSBOT_STORE_DATABASE")
	setStr(&cfg.Store.User, "BBSBOT_STORE_USER")
	setStr(&cfg.Store.SSLMode, "BBSBOT_STORE_SSL_MODE")
	setInt(&cfg.Store.PoolMaxConns, "BBSBOT_STORE_POOL_MAX_CONNS")
	setInt(&cfg.Store.PoolMinConns, "BBSBOT_STORE_POOL_MIN_CONNS")
	setBool(&cfg.Store.RunMigrations, "BBSBOT_STORE_RUN_MIGRATIONS")
	setStr(&cfg.Store.DSN, "BBSBOT_STORE_DSN")
	setStr(&cfg.Store.Password, "BBSBOT_STORE_PASSWORD")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BBSBOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "BBSBOT_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "BBSBOT_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "BBSBOT_ARCHIVE_BUCKET")
	setBool(&cfg.Archive.UseSSL, "BBSBOT_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "BBSBOT_ARCHIVE_FORCE_PATH_STYLE")
	setStr(&cfg.Archive.Prefix, "BBSBOT_ARCHIVE_PREFIX")
	setDuration(&cfg.Archive.MinAge, "BBSBOT_ARCHIVE_MIN_AGE")
	setDuration(&cfg.Archive.Retention, "BBSBOT_ARCHIVE_RETENTION")
	setStr(&cfg.Archive.Cron, "BBSBOT_ARCHIVE_CRON")
	setStr(&cfg.Archive.AccessKey, "BBSBOT_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "BBSBOT_ARCHIVE_SECRET_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramChatID, "BBSBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStringSlice(&cfg.Notify.Events, "BBSBOT_NOTIFY_EVENTS")
	setStr(&cfg.Notify.TelegramToken, "BBSBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.SlackWebhookURL, "BBSBOT_NOTIFY_SLACK_WEBHOOK_URL")
}

// envName mangles an account name into the middle segment of its
// environment variable: uppercased, with every non-alphanumeric rune
// collapsed to an underscore. "alpha-1" becomes "ALPHA_1".
func envName(name string) string {
	mangled := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return mangled
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
