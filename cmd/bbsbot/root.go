package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/telewarp/bbsbot/internal/config"
)

// Version is set at build time via -ldflags "-X main.Version=v1.2.3".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bbsbot",
	Short: "Bot swarm for telnet BBS door games",
	Long: `bbsbot runs scripted and LLM-advised bots against telnet BBS door
games. "manager" supervises a fleet of worker processes and serves the
operator HTTP/WS API, "tw2002 bot" runs a single Trade Wars 2002 bot in
the foreground, and "serve" exposes the session and game tooling to an
MCP client over stdio.

Exit codes: 0 ok, 2 bad configuration, 3 startup or connection failure,
4 runtime fatal.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.toml", "path to the TOML config file")
	rootCmd.AddCommand(managerCmd(), serveCmd(), tw2002Cmd(), versionCmd())
}

// mustConfig loads and validates the configuration, exiting 2 when
// either step fails. The returned logger honors [logging] and always
// writes to stderr so stdout stays clean for serve's MCP channel.
func mustConfig() (*config.Config, *slog.Logger) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		boot := slog.New(slog.NewTextHandler(os.Stderr, nil))
		boot.Error("failed to load config",
			slog.String("path", cfgFile),
			slog.String("error", err.Error()),
		)
		os.Exit(2)
	}

	logger := newLogger(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config",
			slog.String("path", cfgFile),
			slog.String("error", err.Error()),
		)
		os.Exit(2)
	}
	return cfg, logger
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// resolvePath anchors a relative path under the data dir, matching how
// the app layer resolves [session] and [swarm] paths.
func resolvePath(dataDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}
