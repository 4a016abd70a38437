package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telewarp/bbsbot/internal/bus"
	"github.com/telewarp/bbsbot/internal/config"
	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/server"
	"github.com/telewarp/bbsbot/internal/server/handler"
	"github.com/telewarp/bbsbot/internal/server/middleware"
	"github.com/telewarp/bbsbot/internal/server/ws"
	"github.com/telewarp/bbsbot/internal/swarm"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// API rate limiting when the bus is wired. Operator dashboards poll at
// a few requests per second; 300/min leaves headroom without letting a
// runaway script hammer the manager.
const (
	apiRateLimit  = 300
	apiRateWindow = time.Minute
)

// RunManager starts the swarm manager: fleet supervision, the worker
// uplink, the operator HTTP/WebSocket API, and Prometheus metrics. It
// blocks until the context is cancelled or a subsystem fails.
func (a *App) RunManager(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting manager",
		slog.String("version", a.version),
		slog.Int("max_bots", a.cfg.Swarm.MaxBots),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger, ModeManager)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %v: %w", err, ErrStartup)
	}
	a.closers = append(a.closers, cleanup)

	launcher, err := swarm.NewExecLauncher()
	if err != nil {
		return fmt.Errorf("app: %v: %w", err, ErrStartup)
	}
	// Workers re-exec this binary; point them at the same config file
	// when the manager was started with one.
	if p := a.cfg.Path(); p != "" {
		launcher.Args = []string{"tw2002", "bot", "--spawned", "--config", p}
	}

	metrics := server.NewMetrics()

	sinks := append([]telemetry.Sink{metrics}, deps.TelemetrySinks...)
	telem := telemetry.NewStore(telemetry.Config{
		RingSize:    a.cfg.Telemetry.RingSize,
		RollupEvery: a.cfg.Telemetry.RollupEvery.Duration,
		FleetEvery:  a.cfg.Telemetry.FleetEvery.Duration,
	}, a.logger, sinks...)
	telem.Start()
	a.closers = append(a.closers, telem.Stop)

	var events swarm.EventSink
	if deps.Bus != nil {
		events = deps.Bus
	}
	var archiver swarm.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}

	mgr, err := swarm.NewManager(swarm.Config{
		MaxBots:             a.cfg.Swarm.MaxBots,
		StateFile:           resolve(a.cfg.DataDir, a.cfg.Swarm.StateFile),
		LogDir:              resolve(a.cfg.DataDir, a.cfg.Swarm.WorkerLogDir),
		ManagerURL:          a.uplinkURL(),
		UplinkToken:         a.cfg.Swarm.UplinkToken,
		HealthCheckInterval: a.cfg.Swarm.HealthCheckInterval.Duration,
		StatusInterval:      a.cfg.Swarm.StatusInterval.Duration,
		PersistInterval:     a.cfg.Swarm.PersistInterval.Duration,
		BotTimeout:          a.cfg.Swarm.BotTimeout.Duration,
		DrainTimeout:        a.cfg.Swarm.DrainTimeout.Duration,
		RestartMax:          a.cfg.Swarm.RestartMax,
		RestartBase:         a.cfg.Swarm.RestartBase.Duration,
		RestartCap:          a.cfg.Swarm.RestartCap.Duration,
		RestartOnDisconnect: a.cfg.Swarm.RestartOnDisconnect,
		GroupSize:           a.cfg.Swarm.GroupSize,
		GroupDelay:          a.cfg.Swarm.GroupDelay.Duration,
		ArchiveCron:         a.cfg.Archive.Cron,
	}, swarm.Deps{
		Pool:      deps.Pool,
		Launcher:  launcher,
		Telemetry: telem,
		Events:    events,
		Notifier:  deps.Notifier,
		Archiver:  archiver,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("app: swarm manager: %v: %w", err, ErrStartup)
	}

	hub := ws.NewHub(mgr, a.logger, ws.Config{AllowedOrigins: a.cfg.Server.CORSOrigins})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	a.watchMetrics(ctx, g, mgr, hub, metrics)

	if a.cfg.Server.Enabled {
		a.startAPIServer(ctx, g, deps, mgr, hub, telem)
	}

	// The [[bots]] blocks are the declarative fleet: the first is also
	// the template for scale-ups and MCP spawns without explicit specs.
	if specs := expandBots(a.cfg.Bots); len(specs) > 0 {
		mgr.SetTemplate(specs[0])
		g.Go(func() error {
			plan, err := mgr.SpawnBatch(ctx, specs, a.cfg.Swarm.GroupSize, a.cfg.Swarm.GroupDelay.Duration)
			if err != nil {
				return fmt.Errorf("app: initial spawn: %w", err)
			}
			a.logger.InfoContext(ctx, "initial fleet spawning",
				slog.Int("bots", plan.TotalBots),
				slog.Int("groups", plan.TotalGroups),
			)
			return nil
		})
	}

	return g.Wait()
}

// startAPIServer adds the operator HTTP server to the errgroup, with a
// graceful shutdown goroutine bound to the context.
func (a *App) startAPIServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	mgr *swarm.Manager,
	hub *ws.Hub,
	telem *telemetry.Store,
) {
	var limiter middleware.RateLimiter
	rateLimit := 0
	if deps.Bus != nil {
		limiter = bus.NewRateLimiter(deps.Bus)
		rateLimit = apiRateLimit
	}

	srv := server.NewServer(server.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AuthToken:   a.cfg.Server.AuthToken,
		RateLimit:   rateLimit,
		RateWindow:  apiRateWindow,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(a.version, a.logger),
		Status:   handler.NewStatusHandler(mgr, deps.Pool, telem, deps.Audit, a.logger),
		Bots:     handler.NewBotsHandler(mgr, deps.Audit, a.logger),
		Control:  handler.NewControlHandler(mgr, deps.Audit, a.logger),
		History:  handler.NewHistoryHandler(telem, deps.History, a.logger),
		Accounts: handler.NewAccountsHandler(deps.Pool, a.logger),
		Uplink:   mgr.UplinkHandler(),
	}, hub, limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// watchMetrics feeds the Prometheus collectors from the manager's live
// feeds. Turn and rollup counters arrive through the telemetry sink;
// everything gauge-shaped comes from here.
func (a *App) watchMetrics(ctx context.Context, g *errgroup.Group, mgr *swarm.Manager, hub *ws.Hub, metrics *server.Metrics) {
	g.Go(func() error {
		ch, cancel := mgr.SubscribeStatus()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case snap, ok := <-ch:
				if !ok {
					return nil
				}
				metrics.ObserveStatus(snap, mgr.Pool().Stats())
				metrics.ObserveWSClients(hub.ClientCount())
			}
		}
	})
	g.Go(func() error {
		ch, cancel := mgr.SubscribeEvents()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				metrics.ObserveEvent(ev)
			}
		}
	})
}

// uplinkURL returns the WebSocket URL advertised to workers, deriving
// it from the API listen address when not configured explicitly.
func (a *App) uplinkURL() string {
	if a.cfg.Swarm.ManagerURL != "" {
		return a.cfg.Swarm.ManagerURL
	}
	host := a.cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d/api/uplink", host, a.cfg.Server.Port)
}

// expandBots flattens the configured [[bots]] blocks into one spec per
// worker, numbering replicas id-1, id-2, ... when count asks for more
// than one.
func expandBots(bots []config.BotConfig) []domain.BotSpec {
	var specs []domain.BotSpec
	for _, b := range bots {
		spec := domain.BotSpec{
			ID:        b.ID,
			Host:      b.Host,
			Port:      b.Port,
			Game:      b.Game,
			Strategy:  b.Strategy,
			Goal:      b.Goal,
			Account:   b.Account,
			RulesFile: b.RulesFile,
			MaxTurns:  b.MaxTurns,
			Params:    b.Params,
		}
		count := b.Count
		if count <= 1 {
			specs = append(specs, spec)
			continue
		}
		for i := 1; i <= count; i++ {
			clone := spec
			clone.ID = fmt.Sprintf("%s-%d", b.ID, i)
			specs = append(specs, clone)
		}
	}
	return specs
}
