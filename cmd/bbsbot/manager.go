package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telewarp/bbsbot/internal/app"
)

func managerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manager",
		Short: "Run the swarm manager and operator API",
		Long: `Start the swarm manager. It boots the [[bots]] fleet as worker
processes, supervises restarts and account leases, aggregates telemetry
over the worker uplink, and serves the operator HTTP/WS API.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			cfg, logger := mustConfig()
			application := app.New(cfg, logger, Version)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := application.RunManager(ctx)
			application.Close()
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}

			logger.Error("manager failed", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			if errors.Is(err, app.ErrStartup) {
				os.Exit(3)
			}
			os.Exit(4)
		},
	}
}
