package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telewarp/bbsbot/internal/app"
	"github.com/telewarp/bbsbot/internal/rules"
	"github.com/telewarp/bbsbot/internal/swarm"
	"github.com/telewarp/bbsbot/internal/telnet"
)

func tw2002Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tw2002",
		Short: "Trade Wars 2002 bot commands",
	}
	cmd.AddCommand(tw2002CheckCmd(), tw2002BotCmd())
	return cmd
}

func tw2002CheckCmd() *cobra.Command {
	var (
		host      string
		port      int
		rulesFile string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate rules and probe the game host",
		Long: `Compile the prompt rules (the built-in Trade Wars 2002 set plus
the overlay given with --rules), then dial the game host once to prove
the board answers. The host comes from --host or the first [[bots]]
entry. Exits 2 on invalid rules, 3 when the host is unreachable.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			cfg, logger := mustConfig()

			set, err := rules.Load(rulesFile)
			if err != nil {
				logger.Error("rules invalid", slog.String("error", err.Error()))
				fmt.Fprintf(os.Stderr, "rules: %v\n", err)
				os.Exit(2)
			}
			fmt.Printf("rules ok: game=%s version=%d rules=%d\n", set.Game, set.Version, set.Len())

			if host == "" && len(cfg.Bots) > 0 {
				host = cfg.Bots[0].Host
				if cfg.Bots[0].Port > 0 {
					port = cfg.Bots[0].Port
				}
			}
			if host == "" {
				fmt.Println("no host to probe (use --host or a [[bots]] entry)")
				return
			}

			addr := net.JoinHostPort(host, strconv.Itoa(port))
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			conn, err := telnet.Dial(ctx, addr, telnet.Config{
				KeepAlive: cfg.Session.Keepalive.Duration,
				TermType:  cfg.Session.TermName,
				Width:     cfg.Session.Cols,
				Height:    cfg.Session.Rows,
			}, logger)
			if err != nil {
				logger.Error("probe failed",
					slog.String("addr", addr),
					slog.String("error", err.Error()),
				)
				fmt.Fprintf(os.Stderr, "connect %s: %v\n", addr, err)
				os.Exit(3)
			}
			conn.Close()
			fmt.Printf("connect ok: %s\n", addr)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "game host to probe; empty takes the first [[bots]] entry")
	cmd.Flags().IntVar(&port, "port", 23, "telnet port")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "rules overlay file to validate")
	return cmd
}

func tw2002BotCmd() *cobra.Command {
	var (
		botID   string
		spawned bool
	)
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run a single Trade Wars 2002 bot",
		Long: `Run one bot in this process until it completes its goal, hits its
turn limit, or dies. With --spawned the spec, account, and uplink
coordinates come from the environment a manager set; otherwise the bot
comes from the [[bots]] config (--bot picks by id, default the first)
and leases its own account from the pool.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			cfg, logger := mustConfig()

			var opts app.BotOptions
			if spawned {
				env, ok, err := swarm.ReadWorkerEnv()
				if err != nil {
					logger.Error("bad worker environment", slog.String("error", err.Error()))
					os.Exit(2)
				}
				if !ok {
					logger.Error("--spawned outside a manager spawn", slog.String("missing", swarm.EnvBotID))
					os.Exit(2)
				}
				opts.Worker = &env
			} else {
				spec, err := app.SelectBot(cfg, botID)
				if err != nil {
					logger.Error("selecting bot", slog.String("error", err.Error()))
					os.Exit(2)
				}
				opts.Spec = spec
			}

			application := app.New(cfg, logger, Version)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := application.RunBot(ctx, opts)
			application.Close()
			if code := app.ExitCode(err); code != 0 {
				logger.Error("bot failed", slog.String("error", err.Error()))
				fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
				os.Exit(code)
			}
		},
	}
	cmd.Flags().StringVar(&botID, "bot", "", "bot id from [[bots]]; empty takes the first")
	cmd.Flags().BoolVar(&spawned, "spawned", false, "run as a manager-spawned worker (spec from environment)")
	return cmd
}
