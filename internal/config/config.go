// Package config defines the top-level configuration for the bot swarm
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BBSBOT_* environment variables.
// Secrets (account passwords, vault passphrase, API keys, tokens) are
// environment-only: they have no TOML tag and never round-trip through the
// file.
type Config struct {
	// DataDir is the root for everything the swarm persists: the state
	// file, session logs, the account vault, and telemetry snapshots.
	// Relative paths elsewhere in the config resolve against it.
	DataDir string `toml:"data_dir"`

	Logging      LoggingConfig      `toml:"logging"`
	Server       ServerConfig       `toml:"server"`
	Swarm        SwarmConfig        `toml:"swarm"`
	Session      SessionConfig      `toml:"session"`
	LLM          LLMConfig          `toml:"llm"`
	Accounts     AccountsConfig     `toml:"accounts"`
	Intervention InterventionConfig `toml:"intervention"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Bus          BusConfig          `toml:"bus"`
	Store        StoreConfig        `toml:"store"`
	Archive      ArchiveConfig      `toml:"archive"`
	Notify       NotifyConfig       `toml:"notify"`

	// Bots are the templates the manager boots at startup. A template
	// with count > 1 expands into numbered clones.
	Bots []BotConfig `toml:"bots"`

	// filePasswords records account entries whose password arrived from
	// the TOML file rather than the environment, captured at decode time
	// so Validate can reject them under require_env_secrets.
	filePasswords []string

	// path is the absolute location this config was loaded from. Spawned
	// workers are pointed back at it so the fleet shares one file.
	path string
}

// Path returns the absolute path of the file this config was loaded
// from, or "" for a config built in code.
func (c *Config) Path() string { return c.path }

// LoggingConfig controls the slog handler built at startup.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// ServerConfig holds HTTP/WS API parameters. The bearer token comes from
// BBSBOT_SERVER_AUTH_TOKEN; an empty token disables auth.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	AuthToken   string   `toml:"-"`
}

// SwarmConfig holds the manager's supervision policy: capacity, restart
// backoff, watchdog timing, and batch spawn pacing. The uplink token
// workers authenticate with comes from BBSBOT_SWARM_UPLINK_TOKEN.
type SwarmConfig struct {
	MaxBots int `toml:"max_bots"`
	// StateFile is the crash-recovery snapshot, relative to data_dir
	// unless absolute. Empty disables persistence.
	StateFile string `toml:"state_file"`
	// WorkerLogDir receives per-worker stderr capture. Empty discards.
	WorkerLogDir string `toml:"worker_log_dir"`
	// ManagerURL is the uplink URL advertised to spawned workers. Empty
	// derives ws://<server host>:<server port>/api/uplink.
	ManagerURL          string   `toml:"manager_url"`
	HealthCheckInterval duration `toml:"health_check_interval"`
	StatusInterval      duration `toml:"status_broadcast_interval"`
	PersistInterval     duration `toml:"persist_interval"`
	BotTimeout          duration `toml:"bot_timeout"`
	DrainTimeout        duration `toml:"drain_timeout"`
	RestartMax          int      `toml:"restart_max"`
	RestartBase         duration `toml:"restart_base"`
	RestartCap          duration `toml:"restart_cap"`
	RestartOnDisconnect bool     `toml:"restart_on_disconnect"`
	GroupSize           int      `toml:"group_size"`
	GroupDelay          duration `toml:"group_delay"`
	UplinkToken         string   `toml:"-"`
}

// SessionConfig tunes the telnet/terminal layer shared by every bot.
type SessionConfig struct {
	TermName    string   `toml:"term_name"` // reported terminal type
	Cols        int      `toml:"cols"`
	Rows        int      `toml:"rows"`
	ReadTimeout duration `toml:"read_timeout"`
	// Keepalive is the telnet NOP interval; 0 disables.
	Keepalive duration `toml:"keepalive"`
	// KeepaliveKeys, when set, are typed at the board after Keepalive of
	// silence in either direction, on top of the protocol-level NOP.
	KeepaliveKeys string `toml:"keepalive_keys"`
	// MaxPerHost caps concurrent sessions against one BBS host.
	MaxPerHost int `toml:"max_per_host"`
	// LogDir holds per-bot JSONL session logs, relative to data_dir
	// unless absolute.
	LogDir string `toml:"log_dir"`
}

// LLMConfig holds the advisory model settings. The API key comes from
// BBSBOT_LLM_API_KEY only; bots degrade to heuristic strategies when it
// is absent.
type LLMConfig struct {
	Provider   string   `toml:"provider"`
	Model      string   `toml:"model"`
	BaseURL    string   `toml:"base_url"`
	Timeout    duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
	// TokensPerHour and CallsPerHour cap spend per bot; 0 means no cap.
	TokensPerHour int     `toml:"tokens_per_hour"`
	CallsPerHour  int     `toml:"calls_per_hour"`
	InputPerMTok  float64 `toml:"input_per_mtok"`
	OutputPerMTok float64 `toml:"output_per_mtok"`
	// FeedbackInterval is how many turns pass between free-text play
	// reviews; 0 disables them.
	FeedbackInterval  int    `toml:"feedback_interval_turns"`
	FeedbackLookback  int    `toml:"feedback_lookback_turns"`
	FeedbackMaxTokens int    `toml:"feedback_max_tokens"`
	APIKey            string `toml:"-"`
}

// AccountsConfig declares the BBS account sources for the lease pool.
// Passwords come from BBSBOT_ACCOUNT_<NAME>_PASSWORD variables or the
// encrypted vault; the vault passphrase from BBSBOT_VAULT_PASSPHRASE.
type AccountsConfig struct {
	// RequireEnvSecrets rejects passwords found in the TOML file. Turn
	// it off only for throwaway local setups.
	RequireEnvSecrets bool `toml:"require_env_secrets"`
	// VaultFile is an AES-encrypted account store, relative to data_dir
	// unless absolute. Empty disables the vault source.
	VaultFile        string         `toml:"vault_file"`
	SoftFailCooldown duration       `toml:"soft_fail_cooldown"`
	AuthFailCooldown duration       `toml:"auth_fail_cooldown"`
	LeaseDuration    duration       `toml:"lease_duration"`
	AllowGenerate    bool           `toml:"allow_generate"`
	GenerateHost     string         `toml:"generate_host"`
	MaxGenerated     int            `toml:"max_generated"`
	Entries          []AccountEntry `toml:"entries"`
	VaultPassphrase  string         `toml:"-"`
}

// AccountEntry is one declared BBS account. The password field exists so
// the decoder can detect and reject file-borne passwords; the real value
// is injected from the environment after decode.
type AccountEntry struct {
	Name     string   `toml:"name"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	Host     string   `toml:"host"` // optional restriction, "" means any
	Tags     []string `toml:"tags"`
}

// InterventionConfig tunes the behavioral monitor that watches each bot
// for loops, stagnation, and missed opportunities.
type InterventionConfig struct {
	Enabled         bool    `toml:"enabled"`
	LoopActionMin   int     `toml:"loop_action_threshold"`
	LoopSectorMin   int     `toml:"loop_sector_threshold"`
	StagnationTurns int     `toml:"stagnation_turns"`
	StagnationPct   float64 `toml:"stagnation_pct"`
	DeclineRatio    float64 `toml:"profit_decline_ratio"`
	WasteThreshold  float64 `toml:"turn_waste_threshold"`
	HoldUnderuse    float64 `toml:"hold_underuse"`
	HighValueMin    int64   `toml:"high_value_trade_min"`
	CombatFighters  int     `toml:"combat_ready_fighters"`
	CombatShields   int     `toml:"combat_ready_shields"`
	AuthFailMax     int     `toml:"auth_fail_max"`
	AutoApply       bool    `toml:"auto_apply"`
	MaxSeverityAuto string  `toml:"max_severity_auto"` // info, warn, critical
	CooldownTurns   int     `toml:"cooldown_turns"`
	MaxPerSession   int     `toml:"max_per_session"`
}

// TelemetryConfig sizes the in-memory turn history and rollup cadence.
type TelemetryConfig struct {
	RingSize    int      `toml:"ring_size"`
	RollupEvery duration `toml:"rollup_every"`
	FleetEvery  duration `toml:"fleet_every"`
}

// BusConfig holds Redis event-bus parameters. The password comes from
// BBSBOT_BUS_PASSWORD.
type BusConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Password   string `toml:"-"`
}

// StoreConfig holds Postgres parameters for turn history and the audit
// trail. Credentials come from BBSBOT_STORE_PASSWORD or a full
// BBSBOT_STORE_DSN.
type StoreConfig struct {
	Enabled       bool   `toml:"enabled"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	DSN           string `toml:"-"`
	Password      string `toml:"-"`
}

// ArchiveConfig holds the S3 log-archiver settings. Access keys come
// from BBSBOT_ARCHIVE_ACCESS_KEY and BBSBOT_ARCHIVE_SECRET_KEY.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Prefix         string   `toml:"prefix"`
	MinAge         duration `toml:"min_age"`
	Retention      duration `toml:"retention"`
	Cron           string   `toml:"cron"`
	AccessKey      string   `toml:"-"`
	SecretKey      string   `toml:"-"`
}

// NotifyConfig holds operator alert channels. The Telegram token comes
// from BBSBOT_NOTIFY_TELEGRAM_TOKEN, the Slack webhook from
// BBSBOT_NOTIFY_SLACK_WEBHOOK_URL.
type NotifyConfig struct {
	TelegramChatID  string   `toml:"telegram_chat_id"`
	Events          []string `toml:"events"`
	TelegramToken   string   `toml:"-"`
	SlackWebhookURL string   `toml:"-"`
}

// BotConfig is one bot template from a [[bots]] block.
type BotConfig struct {
	ID       string `toml:"id"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Game     string `toml:"game"` // BBS menu selection, e.g. "T"
	Strategy string `toml:"strategy"`
	Goal     string `toml:"goal"`
	// Account pins a named pool entry; empty leases any available one.
	Account   string `toml:"account"`
	RulesFile string `toml:"rules_file"`
	MaxTurns  int    `toml:"max_turns"`
	// Count expands the template into numbered clones (id-1, id-2, ...).
	Count  int               `toml:"count"`
	Params map[string]string `toml:"params"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with sensible defaults for every tunable.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		DataDir: "data",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Enabled:     true,
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Swarm: SwarmConfig{
			MaxBots:             20,
			StateFile:           "swarm_state.json",
			WorkerLogDir:        "workers",
			HealthCheckInterval: duration{10 * time.Second},
			StatusInterval:      duration{5 * time.Second},
			PersistInterval:     duration{10 * time.Second},
			BotTimeout:          duration{60 * time.Second},
			DrainTimeout:        duration{30 * time.Second},
			RestartMax:          3,
			RestartBase:         duration{2 * time.Second},
			RestartCap:          duration{2 * time.Minute},
			RestartOnDisconnect: false,
			GroupSize:           5,
			GroupDelay:          duration{5 * time.Second},
		},
		Session: SessionConfig{
			TermName:    "ANSI",
			Cols:        80,
			Rows:        25,
			ReadTimeout: duration{45 * time.Second},
			Keepalive:   duration{60 * time.Second},
			MaxPerHost:  4,
			LogDir:      "logs",
		},
		LLM: LLMConfig{
			Provider:      "anthropic",
			Model:         "claude-sonnet-4-5",
			Timeout:       duration{30 * time.Second},
			MaxRetries:    3,
			TokensPerHour: 100_000,
			CallsPerHour:  60,
			InputPerMTok:  3.0,
			OutputPerMTok: 15.0,
			// reviews off by default; set an interval to turn them on
			FeedbackLookback:  10,
			FeedbackMaxTokens: 400,
		},
		Accounts: AccountsConfig{
			RequireEnvSecrets: true,
			VaultFile:         "",
			SoftFailCooldown:  duration{15 * time.Minute},
			AuthFailCooldown:  duration{2 * time.Hour},
			LeaseDuration:     duration{8 * time.Hour},
			AllowGenerate:     false,
			MaxGenerated:      20,
		},
		Intervention: InterventionConfig{
			Enabled:         true,
			LoopActionMin:   3,
			LoopSectorMin:   4,
			StagnationTurns: 15,
			StagnationPct:   0.05,
			DeclineRatio:    0.5,
			WasteThreshold:  0.3,
			HoldUnderuse:    0.5,
			HighValueMin:    5000,
			CombatFighters:  50,
			CombatShields:   100,
			AuthFailMax:     3,
			AutoApply:       true,
			MaxSeverityAuto: "warn",
			CooldownTurns:   5,
			MaxPerSession:   20,
		},
		Telemetry: TelemetryConfig{
			RingSize:    2000,
			RollupEvery: duration{time.Minute},
			FleetEvery:  duration{15 * time.Minute},
		},
		Bus: BusConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Store: StoreConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "bbsbot",
			User:          "bbsbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bbsbot-logs",
			UseSSL:         false,
			ForcePathStyle: true,
			Prefix:         "archive/logs",
			MinAge:         duration{time.Hour},
			Retention:      duration{72 * time.Hour},
			Cron:           "0 * * * *",
		},
		Notify: NotifyConfig{
			Events: []string{"bot_error", "intervention_queued", "swarm_degraded", "archive_failed"},
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

var validStrategies = map[string]bool{
	"profitable_pairs": true,
	"opportunistic":    true,
	"twerk_optimized":  true,
	"ai_strategy":      true,
}

var validGoals = map[string]bool{
	"profit":      true,
	"combat":      true,
	"exploration": true,
	"banking":     true,
}

var validSeverities = map[string]bool{
	"info":     true,
	"warn":     true,
	"critical": true,
}

var validNotifyEvents = map[string]bool{
	"bot_error":           true,
	"intervention_queued": true,
	"swarm_degraded":      true,
	"archive_failed":      true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Logging
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("logging: unknown level %q (valid: debug, info, warn, error)", c.Logging.Level))
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("logging: unknown format %q (valid: text, json)", c.Logging.Format))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Swarm
	if c.Swarm.MaxBots < 1 {
		errs = append(errs, "swarm: max_bots must be >= 1")
	}
	if c.Swarm.RestartMax < 0 {
		errs = append(errs, "swarm: restart_max must be >= 0")
	}
	if c.Swarm.GroupSize < 1 {
		errs = append(errs, "swarm: group_size must be >= 1")
	}
	if c.Swarm.ManagerURL != "" && !strings.HasPrefix(c.Swarm.ManagerURL, "ws://") && !strings.HasPrefix(c.Swarm.ManagerURL, "wss://") {
		errs = append(errs, fmt.Sprintf("swarm: manager_url must start with ws:// or wss://, got %q", c.Swarm.ManagerURL))
	}
	if c.Swarm.BotTimeout.Duration <= c.Swarm.StatusInterval.Duration {
		errs = append(errs, "swarm: bot_timeout must exceed status_broadcast_interval or every healthy worker looks blocked")
	}

	// Session
	if c.Session.Cols < 1 || c.Session.Rows < 1 {
		errs = append(errs, fmt.Sprintf("session: cols and rows must be positive, got %dx%d", c.Session.Cols, c.Session.Rows))
	}
	if c.Session.ReadTimeout.Duration <= 0 {
		errs = append(errs, "session: read_timeout must be > 0")
	}

	// LLM
	if c.LLM.Provider != "anthropic" {
		errs = append(errs, fmt.Sprintf("llm: unknown provider %q (valid: anthropic)", c.LLM.Provider))
	}
	if c.LLM.Timeout.Duration <= 0 {
		errs = append(errs, "llm: timeout must be > 0")
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, "llm: max_retries must be >= 0")
	}
	if c.LLM.TokensPerHour < 0 || c.LLM.CallsPerHour < 0 {
		errs = append(errs, "llm: tokens_per_hour and calls_per_hour must be >= 0 (0 disables the cap)")
	}
	if c.LLM.InputPerMTok < 0 || c.LLM.OutputPerMTok < 0 {
		errs = append(errs, "llm: token prices must be >= 0")
	}
	if c.LLM.FeedbackInterval < 0 || c.LLM.FeedbackLookback < 0 || c.LLM.FeedbackMaxTokens < 0 {
		errs = append(errs, "llm: feedback settings must be >= 0 (interval 0 disables reviews)")
	}

	// Accounts
	if c.Accounts.LeaseDuration.Duration <= 0 {
		errs = append(errs, "accounts: lease_duration must be > 0")
	}
	if c.Accounts.AllowGenerate {
		if c.Accounts.GenerateHost == "" {
			errs = append(errs, "accounts: generate_host is required when allow_generate is set")
		}
		if c.Accounts.MaxGenerated < 1 {
			errs = append(errs, "accounts: max_generated must be >= 1 when allow_generate is set")
		}
	}
	seenAccounts := make(map[string]bool, len(c.Accounts.Entries))
	for i, e := range c.Accounts.Entries {
		if e.Name == "" {
			errs = append(errs, fmt.Sprintf("accounts: entry %d: name must not be empty", i))
			continue
		}
		if seenAccounts[e.Name] {
			errs = append(errs, fmt.Sprintf("accounts: duplicate entry name %q", e.Name))
		}
		seenAccounts[e.Name] = true
		if e.Username == "" {
			errs = append(errs, fmt.Sprintf("accounts: entry %q: username must not be empty", e.Name))
		}
	}
	if c.Accounts.RequireEnvSecrets {
		for _, name := range c.filePasswords {
			errs = append(errs, fmt.Sprintf("accounts: entry %q: password belongs in BBSBOT_ACCOUNT_%s_PASSWORD, not the config file (require_env_secrets is set)", name, envName(name)))
		}
	}

	// Intervention
	if c.Intervention.Enabled {
		if c.Intervention.LoopActionMin < 1 || c.Intervention.LoopSectorMin < 1 {
			errs = append(errs, "intervention: loop thresholds must be >= 1")
		}
		if c.Intervention.StagnationPct < 0 || c.Intervention.StagnationPct > 1 {
			errs = append(errs, fmt.Sprintf("intervention: stagnation_pct must be 0-1, got %v", c.Intervention.StagnationPct))
		}
		if c.Intervention.DeclineRatio < 0 || c.Intervention.DeclineRatio > 1 {
			errs = append(errs, fmt.Sprintf("intervention: profit_decline_ratio must be 0-1, got %v", c.Intervention.DeclineRatio))
		}
		if c.Intervention.WasteThreshold < 0 || c.Intervention.WasteThreshold > 1 {
			errs = append(errs, fmt.Sprintf("intervention: turn_waste_threshold must be 0-1, got %v", c.Intervention.WasteThreshold))
		}
		if c.Intervention.HoldUnderuse < 0 || c.Intervention.HoldUnderuse > 1 {
			errs = append(errs, fmt.Sprintf("intervention: hold_underuse must be 0-1, got %v", c.Intervention.HoldUnderuse))
		}
		if !validSeverities[strings.ToLower(c.Intervention.MaxSeverityAuto)] {
			errs = append(errs, fmt.Sprintf("intervention: unknown max_severity_auto %q (valid: info, warn, critical)", c.Intervention.MaxSeverityAuto))
		}
		if c.Intervention.MaxPerSession < 1 {
			errs = append(errs, "intervention: max_per_session must be >= 1")
		}
	}

	// Telemetry
	if c.Telemetry.RingSize < 1 {
		errs = append(errs, "telemetry: ring_size must be >= 1")
	}
	if c.Telemetry.RollupEvery.Duration <= 0 || c.Telemetry.FleetEvery.Duration <= 0 {
		errs = append(errs, "telemetry: rollup_every and fleet_every must be > 0")
	}

	// Bus
	if c.Bus.Enabled {
		if c.Bus.Addr == "" {
			errs = append(errs, "bus: addr must not be empty when enabled")
		}
		if c.Bus.PoolSize < 1 {
			errs = append(errs, "bus: pool_size must be >= 1")
		}
	}

	// Store
	if c.Store.Enabled {
		if strings.TrimSpace(c.Store.DSN) == "" {
			if c.Store.Host == "" {
				errs = append(errs, "store: host must not be empty (or set BBSBOT_STORE_DSN)")
			}
			if c.Store.Port <= 0 || c.Store.Port > 65535 {
				errs = append(errs, fmt.Sprintf("store: port must be 1-65535, got %d", c.Store.Port))
			}
			if c.Store.Database == "" {
				errs = append(errs, "store: database must not be empty")
			}
		}
		if c.Store.PoolMaxConns < 1 {
			errs = append(errs, "store: pool_max_conns must be >= 1")
		}
		if c.Store.PoolMinConns < 0 {
			errs = append(errs, "store: pool_min_conns must be >= 0")
		}
		if c.Store.PoolMinConns > c.Store.PoolMaxConns {
			errs = append(errs, "store: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive: endpoint must not be empty when enabled")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		}
	}

	// Notify
	for _, e := range c.Notify.Events {
		if !validNotifyEvents[strings.TrimSpace(e)] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q (valid: bot_error, intervention_queued, swarm_degraded, archive_failed)", e))
		}
	}

	// Bots
	seenBots := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		label := b.ID
		if label == "" {
			label = fmt.Sprintf("bots[%d]", i)
		}
		if b.ID != "" {
			if seenBots[b.ID] {
				errs = append(errs, fmt.Sprintf("%s: duplicate bot id", label))
			}
			seenBots[b.ID] = true
		}
		if b.Host == "" {
			errs = append(errs, label+": host must not be empty")
		}
		if b.Port <= 0 || b.Port > 65535 {
			errs = append(errs, fmt.Sprintf("%s: port must be 1-65535, got %d", label, b.Port))
		}
		if b.Strategy != "" && !validStrategies[b.Strategy] {
			errs = append(errs, fmt.Sprintf("%s: unknown strategy %q (valid: profitable_pairs, opportunistic, twerk_optimized, ai_strategy)", label, b.Strategy))
		}
		if b.Goal != "" && !validGoals[b.Goal] {
			errs = append(errs, fmt.Sprintf("%s: unknown goal %q (valid: profit, combat, exploration, banking)", label, b.Goal))
		}
		if b.MaxTurns < 0 {
			errs = append(errs, label+": max_turns must be >= 0")
		}
		if b.Count < 0 {
			errs = append(errs, label+": count must be >= 0")
		}
		// Pinned accounts may also live in the vault, so the check only
		// fires when the file entries are the sole source.
		if b.Account != "" && c.Accounts.VaultFile == "" && !c.Accounts.AllowGenerate && !seenAccounts[b.Account] {
			errs = append(errs, fmt.Sprintf("%s: account %q is not declared under [accounts]", label, b.Account))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
