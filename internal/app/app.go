// Package app provides the top-level application lifecycle for the bot
// swarm. It wires together shared infrastructure (account pool, event
// bus, history store, log archiver, notifications) and runs either the
// swarm manager or a single bot process on top of it.
package app

import (
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/telewarp/bbsbot/internal/config"
)

// ErrStartup marks failures that happen before the manager's run loop
// begins, so callers can tell a broken deployment (backends unreachable,
// state file unreadable) from a crash mid-flight.
var ErrStartup = errors.New("startup failed")

// App is the root application object. It owns the configuration, logger,
// and a list of cleanup functions that run in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger, version string) *App {
	return &App{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "app")),
		version: version,
	}
}

// Close tears down all resources in reverse registration order. It is
// safe to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// resolve anchors a relative path under the data dir. Absolute paths and
// empty strings pass through untouched.
func resolve(dataDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}
