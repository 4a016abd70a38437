package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telewarp/bbsbot/internal/config"
	"github.com/telewarp/bbsbot/internal/mcptools"
	"github.com/telewarp/bbsbot/internal/session"
	"github.com/telewarp/bbsbot/internal/telnet"
)

func serveCmd() *cobra.Command {
	var tools string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tool surface over stdio",
		Long: `Expose the bbs_, tw2002_ and swarm_ tool namespaces to an MCP
client over stdio. Logs go to stderr; stdout carries the protocol.
The swarm_ tools proxy to a running manager and need [server] enabled
(or an explicit manager URL) plus its auth token.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			cfg, logger := mustConfig()

			sessions := session.NewManager(session.ManagerConfig{
				LogDir:        resolvePath(cfg.DataDir, cfg.Session.LogDir),
				MaxPerHost:    cfg.Session.MaxPerHost,
				ReadTimeout:   cfg.Session.ReadTimeout.Duration,
				KeepAlive:     cfg.Session.Keepalive.Duration,
				KeepAliveKeys: cfg.Session.KeepaliveKeys,
				Dial: func(ctx context.Context, addr string) (session.Transport, error) {
					return telnet.Dial(ctx, addr, telnet.Config{
						KeepAlive: cfg.Session.Keepalive.Duration,
						TermType:  cfg.Session.TermName,
						Width:     cfg.Session.Cols,
						Height:    cfg.Session.Rows,
					}, logger)
				},
			}, logger)

			srv, err := mcptools.New(mcptools.Config{
				Version:     Version,
				Prefixes:    splitTools(tools),
				ManagerURL:  managerBaseURL(cfg),
				AuthToken:   cfg.Server.AuthToken,
				ReadTimeout: cfg.Session.ReadTimeout.Duration,
			}, sessions, logger)
			if err != nil {
				logger.Error("building mcp server", slog.String("error", err.Error()))
				os.Exit(2)
			}
			defer srv.Close()

			logger.Info("mcp tools ready",
				slog.String("version", Version),
				slog.Int("tools", len(srv.Tools())),
			)
			if err := srv.Serve(); err != nil {
				logger.Error("mcp serve", slog.String("error", err.Error()))
				os.Exit(4)
			}
		},
	}
	cmd.Flags().StringVar(&tools, "tools", "", "comma-separated namespaces to expose (bbs,tw2002,swarm); empty exposes all available")
	return cmd
}

func splitTools(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// managerBaseURL derives the manager API base from [server], preferring
// an explicit swarm manager_url. Empty disables the swarm_ namespace.
func managerBaseURL(cfg *config.Config) string {
	if u := cfg.Swarm.ManagerURL; u != "" {
		u = strings.Replace(u, "ws://", "http://", 1)
		u = strings.Replace(u, "wss://", "https://", 1)
		return strings.TrimSuffix(u, "/api/uplink")
	}
	if !cfg.Server.Enabled {
		return ""
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}
