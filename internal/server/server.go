package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telewarp/bbsbot/internal/server/handler"
	"github.com/telewarp/bbsbot/internal/server/middleware"
	"github.com/telewarp/bbsbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	AuthToken   string // if empty, authentication is disabled

	// RateLimit caps API requests per client IP per RateWindow. Zero
	// disables limiting; it also stays off when no limiter is wired.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates everything the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Bots     *handler.BotsHandler
	Control  *handler.ControlHandler
	History  *handler.HistoryHandler
	Accounts *handler.AccountsHandler

	// Uplink is the worker WebSocket endpoint. It runs its own token
	// handshake, so the API bearer check skips it.
	Uplink http.HandlerFunc
}

// Server is the operator-facing HTTP + WebSocket API for the swarm.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, auth, optional rate limiting)
// and attaches the dashboard WebSocket hub. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter middleware.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Fleet endpoints.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("POST /api/scale", handlers.Status.Scale)
	mux.HandleFunc("POST /api/kill-all", handlers.Status.KillAll)
	mux.HandleFunc("POST /api/clear", handlers.Status.Clear)
	mux.HandleFunc("GET /api/telemetry/summary", handlers.Status.TimeseriesSummary)

	// Bot lifecycle endpoints.
	mux.HandleFunc("GET /api/bots", handlers.Bots.ListBots)
	mux.HandleFunc("POST /api/bots", handlers.Bots.SpawnBot)
	mux.HandleFunc("GET /api/bots/{id}", handlers.Bots.GetBot)
	mux.HandleFunc("DELETE /api/bots/{id}", handlers.Bots.StopBot)
	mux.HandleFunc("POST /api/bots/{id}/restart", handlers.Bots.RestartBot)

	// Manual-control endpoints.
	mux.HandleFunc("POST /api/bots/{id}/hijack", handlers.Control.Hijack)
	mux.HandleFunc("POST /api/bots/{id}/step", handlers.Control.Step)
	mux.HandleFunc("POST /api/bots/{id}/heartbeat", handlers.Control.Heartbeat)
	mux.HandleFunc("POST /api/bots/{id}/release", handlers.Control.Release)
	mux.HandleFunc("POST /api/bots/{id}/send", handlers.Control.SendInput)
	mux.HandleFunc("GET /api/bots/{id}/screen", handlers.Control.Screen)
	mux.HandleFunc("POST /api/bots/{id}/analyze", handlers.Control.Analyze)
	mux.HandleFunc("POST /api/bots/{id}/goal", handlers.Control.SetGoal)

	// History endpoints.
	mux.HandleFunc("GET /api/bots/{id}/history", handlers.History.GetHistory)
	mux.HandleFunc("GET /api/bots/{id}/interventions", handlers.History.GetInterventions)

	// Account pool endpoint.
	mux.HandleFunc("GET /api/accounts", handlers.Accounts.ListAccounts)

	// Worker uplink (manager mode only).
	if handlers.Uplink != nil {
		mux.HandleFunc("GET /api/uplink", handlers.Uplink)
	}

	// Prometheus scrape endpoint.
	mux.Handle("GET /metrics", promhttp.Handler())

	// Dashboard WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}

	h = middleware.Auth(cfg.AuthToken, "/api/health", "/api/uplink", "/metrics")(h)

	h = middleware.Logging(logger)(h)

	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
