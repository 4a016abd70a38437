package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/telewarp/bbsbot/internal/accounts"
	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// StatusHandler serves the fleet-level view for dashboards and the scale
// operation that reconciles toward a target size.
type StatusHandler struct {
	swarm  Swarm
	pool   *accounts.Pool
	telem  *telemetry.Store
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler. pool, telem, and audit may be
// nil; the response simply omits those blocks.
func NewStatusHandler(s Swarm, pool *accounts.Pool, telem *telemetry.Store, audit domain.AuditStore, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		swarm:  s,
		pool:   pool,
		telem:  telem,
		audit:  audit,
		logger: logHandler(logger, "status"),
	}
}

// GetStatus responds with the swarm snapshot plus account pool stats and
// per-strategy aggregates.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"swarm": h.swarm.Status(),
	}
	if h.pool != nil {
		resp["accounts"] = h.pool.Stats()
	}
	if h.telem != nil {
		resp["strategies"] = h.telem.StrategyAggregates()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Scale reconciles the fleet toward the requested bot count, spawning from
// the template or draining surplus bots.
// POST /api/scale
func (h *StatusHandler) Scale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Count < 0 {
		writeError(w, http.StatusBadRequest, "count must be >= 0")
		return
	}

	plan, err := h.swarm.Scale(r.Context(), req.Count)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	audit(r.Context(), h.audit, h.logger, "scale", map[string]any{
		"target":  plan.Target,
		"spawned": plan.Spawned,
		"stopped": plan.Stopped,
	})
	writeJSON(w, http.StatusOK, plan)
}

// KillAll stops every live bot but keeps their records for inspection.
// POST /api/kill-all
func (h *StatusHandler) KillAll(w http.ResponseWriter, r *http.Request) {
	killed := h.swarm.KillAll(r.Context())
	audit(r.Context(), h.audit, h.logger, "kill_all", map[string]any{"killed": killed})
	writeJSON(w, http.StatusOK, map[string]int{"killed": killed})
}

// Clear stops every live bot and drops the registry.
// POST /api/clear
func (h *StatusHandler) Clear(w http.ResponseWriter, r *http.Request) {
	dropped := h.swarm.Clear(r.Context())
	audit(r.Context(), h.audit, h.logger, "clear", map[string]any{"dropped": dropped})
	writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}

// TimeseriesSummary responds with the fleet rollup over a trailing
// window. ?window_minutes=N, default 15, capped at 24h.
// GET /api/telemetry/summary
func (h *StatusHandler) TimeseriesSummary(w http.ResponseWriter, r *http.Request) {
	if h.telem == nil {
		writeError(w, http.StatusNotFound, "telemetry store not configured")
		return
	}

	minutes := 15
	if v := r.URL.Query().Get("window_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1440 {
			writeError(w, http.StatusBadRequest, "window_minutes must be 1-1440")
			return
		}
		minutes = n
	}

	window := fmt.Sprintf("%dm", minutes)
	since := time.Now().Add(-time.Duration(minutes) * time.Minute)
	writeJSON(w, http.StatusOK, map[string]any{
		"fleet":      h.telem.FleetRollupSince(window, since),
		"strategies": h.telem.StrategyAggregates(),
	})
}
