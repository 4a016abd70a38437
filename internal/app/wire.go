package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/telewarp/bbsbot/internal/accounts"
	s3blob "github.com/telewarp/bbsbot/internal/blob/s3"
	"github.com/telewarp/bbsbot/internal/bus"
	"github.com/telewarp/bbsbot/internal/config"
	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/notify"
	"github.com/telewarp/bbsbot/internal/store/postgres"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// Mode selects which subsystems Wire builds.
type Mode string

const (
	ModeManager Mode = "manager"
	ModeBot     Mode = "bot"
)

// needsArchive returns true for modes that own log archiving. Workers
// never archive; the manager sweeps the shared log dir for the fleet.
func needsArchive(mode Mode) bool { return mode == ModeManager }

// needsNotify returns true for modes that send operator notifications.
func needsNotify(mode Mode) bool { return mode == ModeManager }

// Dependencies bundles the shared infrastructure both modes build on.
// It is constructed by Wire and torn down by the returned cleanup
// function. Everything except Pool may be nil, depending on the mode
// and on which backends the configuration enables.
type Dependencies struct {
	Pool     *accounts.Pool
	Bus      *bus.Bus
	History  domain.HistoryStore
	Audit    domain.AuditStore
	Archiver *s3blob.LogArchiver
	Notifier *notify.Notifier

	// TelemetrySinks are the durable fan-out targets for turn records
	// and rollups. Each mode appends its own sinks (manager metrics,
	// worker uplink) before constructing its telemetry store.
	TelemetrySinks []telemetry.Sink
}

// Wire constructs all concrete dependency implementations from the
// given configuration and returns them together with a cleanup function
// that should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, mode Mode) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Account pool ---
	pool := accounts.NewPool(accounts.Config{
		SoftFailCooldown: cfg.Accounts.SoftFailCooldown.Duration,
		AuthFailCooldown: cfg.Accounts.AuthFailCooldown.Duration,
		LeaseDuration:    cfg.Accounts.LeaseDuration.Duration,
		AllowGenerate:    cfg.Accounts.AllowGenerate,
		GenerateHost:     cfg.Accounts.GenerateHost,
		MaxGenerated:     cfg.Accounts.MaxGenerated,
	}, logger)

	if n := pool.Add(accounts.SourceConfig, configAccounts(cfg)...); n > 0 {
		logger.Info("accounts loaded from config", slog.Int("count", n))
	}
	if path := resolve(cfg.DataDir, cfg.Accounts.VaultFile); path != "" {
		n, err := pool.LoadVaultFile(path, cfg.Accounts.VaultPassphrase)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: account vault %s: %w", path, err)
		}
		logger.Info("accounts loaded from vault", slog.String("path", path), slog.Int("count", n))
	}
	deps.Pool = pool

	// --- PostgreSQL history ---
	if cfg.Store.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Store.DSN,
			Host:     cfg.Store.Host,
			Port:     cfg.Store.Port,
			Database: cfg.Store.Database,
			User:     cfg.Store.User,
			Password: cfg.Store.Password,
			SSLMode:  cfg.Store.SSLMode,
			MaxConns: cfg.Store.PoolMaxConns,
			MinConns: cfg.Store.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Store.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		history := postgres.NewHistoryStore(pgClient.Pool())
		deps.History = history
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
		deps.TelemetrySinks = append(deps.TelemetrySinks, postgres.NewHistorySink(history))
	}

	// --- Redis event bus ---
	if cfg.Bus.Enabled {
		b, err := bus.New(ctx, bus.Config{
			Addr:       cfg.Bus.Addr,
			Password:   cfg.Bus.Password,
			DB:         cfg.Bus.DB,
			PoolSize:   cfg.Bus.PoolSize,
			MaxRetries: cfg.Bus.MaxRetries,
			TLSEnabled: cfg.Bus.TLSEnabled,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: bus: %w", err)
		}
		closers = append(closers, func() { _ = b.Close() })

		deps.Bus = b
		deps.TelemetrySinks = append(deps.TelemetrySinks, bus.NewTelemetrySink(b))
	}

	// --- S3 log archive ---
	if cfg.Archive.Enabled && needsArchive(mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3 bucket %s: %w", cfg.Archive.Bucket, err)
		}

		deps.Archiver = s3blob.NewLogArchiver(s3blob.ArchiverConfig{
			LogDir:    resolve(cfg.DataDir, cfg.Session.LogDir),
			Prefix:    cfg.Archive.Prefix,
			MinAge:    cfg.Archive.MinAge.Duration,
			Retention: cfg.Archive.Retention.Duration,
		}, s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), logger)
	}

	// --- Notifications ---
	if needsNotify(mode) {
		var senders []notify.Sender
		if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
			senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
		}
		if cfg.Notify.SlackWebhookURL != "" {
			senders = append(senders, notify.NewSlackSender(cfg.Notify.SlackWebhookURL))
		}
		events := cfg.Notify.Events
		if len(events) == 0 {
			events = notify.DefaultEvents()
		}
		deps.Notifier = notify.NewNotifier(senders, events, logger)
	}

	return deps, cleanup, nil
}

// configAccounts converts the [[accounts.entries]] blocks into pool
// accounts. Entries without a password are skipped here; Validate has
// already flagged them when require_env_secrets is on.
func configAccounts(cfg *config.Config) []domain.Account {
	out := make([]domain.Account, 0, len(cfg.Accounts.Entries))
	for _, e := range cfg.Accounts.Entries {
		if e.Username == "" || e.Password == "" {
			continue
		}
		out = append(out, domain.Account{
			Name:     e.Name,
			Username: e.Username,
			Password: e.Password,
			Host:     e.Host,
			Tags:     e.Tags,
		})
	}
	return out
}
