package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// BotsHandler serves bot lifecycle endpoints: list, spawn, inspect, stop,
// and restart.
type BotsHandler struct {
	swarm  Swarm
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewBotsHandler creates a BotsHandler. audit may be nil.
func NewBotsHandler(s Swarm, audit domain.AuditStore, logger *slog.Logger) *BotsHandler {
	return &BotsHandler{
		swarm:  s,
		audit:  audit,
		logger: logHandler(logger, "bots"),
	}
}

// spawnRequest is the POST /api/bots body: one bot spec, optionally
// expanded into count numbered clones launched in staggered groups.
type spawnRequest struct {
	ID         string            `json:"id"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	Game       string            `json:"game"`
	Strategy   string            `json:"strategy"`
	Goal       string            `json:"goal"`
	Account    string            `json:"account"`
	RulesFile  string            `json:"rules_file"`
	MaxTurns   int               `json:"max_turns"`
	Count      int               `json:"count"`
	GroupSize  int               `json:"group_size"`
	GroupDelay int               `json:"group_delay_seconds"`
	Params     map[string]string `json:"params"`
}

func (r spawnRequest) spec() domain.BotSpec {
	return domain.BotSpec{
		ID:        r.ID,
		Host:      r.Host,
		Port:      r.Port,
		Game:      r.Game,
		Strategy:  r.Strategy,
		Goal:      r.Goal,
		Account:   r.Account,
		RulesFile: r.RulesFile,
		MaxTurns:  r.MaxTurns,
		Params:    r.Params,
	}
}

// ListBots responds with every bot's current view.
// GET /api/bots
func (h *BotsHandler) ListBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.swarm.Status().Bots)
}

// SpawnBot launches one bot, or a staggered batch when count > 1.
// POST /api/bots
func (h *BotsHandler) SpawnBot(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("port must be 1-65535, got %d", req.Port))
		return
	}

	if req.Count > 1 {
		specs := make([]domain.BotSpec, req.Count)
		for i := range specs {
			s := req.spec()
			if s.ID != "" {
				s.ID = fmt.Sprintf("%s-%d", s.ID, i+1)
			}
			specs[i] = s
		}
		delay := time.Duration(req.GroupDelay) * time.Second
		plan, err := h.swarm.SpawnBatch(r.Context(), specs, req.GroupSize, delay)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		audit(r.Context(), h.audit, h.logger, "spawn_batch", map[string]any{
			"host":       req.Host,
			"count":      req.Count,
			"group_size": req.GroupSize,
		})
		writeJSON(w, http.StatusAccepted, plan)
		return
	}

	id, err := h.swarm.Spawn(r.Context(), req.spec())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	audit(r.Context(), h.audit, h.logger, "spawn", map[string]any{
		"bot_id": id,
		"host":   req.Host,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"bot_id": id})
}

// GetBot responds with one bot's view.
// GET /api/bots/{id}
func (h *BotsHandler) GetBot(w http.ResponseWriter, r *http.Request) {
	view, err := h.swarm.Bot(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// StopBot stops one bot. ?drain=true asks it to finish the current turn
// before exiting.
// DELETE /api/bots/{id}
func (h *BotsHandler) StopBot(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	drain := r.URL.Query().Get("drain") == "true"

	if err := h.swarm.StopBot(r.Context(), id, drain); err != nil {
		writeDomainError(w, err)
		return
	}
	audit(r.Context(), h.audit, h.logger, "stop", map[string]any{
		"bot_id": id,
		"drain":  drain,
	})
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": id, "stopped": true})
}

// RestartBot relaunches a bot under its existing spec, resetting the
// restart budget.
// POST /api/bots/{id}/restart
func (h *BotsHandler) RestartBot(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	if err := h.swarm.Restart(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	audit(r.Context(), h.audit, h.logger, "restart", map[string]any{"bot_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": id, "restarted": true})
}
