package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// ControlHandler serves manual-control endpoints: hijack a bot, drive it
// step by step, release it, and inspect its terminal.
type ControlHandler struct {
	swarm  Swarm
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewControlHandler creates a ControlHandler. audit may be nil.
func NewControlHandler(s Swarm, audit domain.AuditStore, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{
		swarm:  s,
		audit:  audit,
		logger: logHandler(logger, "control"),
	}
}

// leaseView is the JSON shape for a manual-control lease.
type leaseView struct {
	BotID    string    `json:"bot_id"`
	Token    string    `json:"token"`
	Owner    string    `json:"owner"`
	IssuedAt time.Time `json:"issued_at"`
	Expires  time.Time `json:"expires"`
}

// Hijack pauses a bot's autonomous loop and issues a control lease.
// POST /api/bots/{id}/hijack
func (h *ControlHandler) Hijack(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req struct {
		Owner string `json:"owner"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Owner == "" {
		req.Owner = "operator"
	}

	lease, err := h.swarm.Hijack(r.Context(), id, req.Owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	audit(r.Context(), h.audit, h.logger, "hijack", map[string]any{
		"bot_id": id,
		"owner":  req.Owner,
	})
	writeJSON(w, http.StatusOK, leaseView{
		BotID:    lease.BotID,
		Token:    lease.Token,
		Owner:    lease.Owner,
		IssuedAt: lease.IssuedAt,
		Expires:  lease.Expires,
	})
}

// Step sends one command under a control lease and returns the settled
// screen.
// POST /api/bots/{id}/step
func (h *ControlHandler) Step(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req struct {
		Token   string `json:"token"`
		Command string `json:"command"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	upd, err := h.swarm.HijackStep(r.Context(), id, req.Token, req.Command)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	audit(r.Context(), h.audit, h.logger, "step", map[string]any{
		"bot_id":  id,
		"command": req.Command,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"screen":    toScreenView(upd.Screen),
		"prompt":    toPromptView(upd.Prompt),
		"new_bytes": upd.NewBytes,
		"idle":      upd.Idle,
	})
}

// Heartbeat extends a control lease without stepping. Holders that go
// silent past the TTL lose the lease and the loop resumes.
// POST /api/bots/{id}/heartbeat
func (h *ControlHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	lease, err := h.swarm.HijackRenew(r.Context(), id, req.Token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leaseView{
		BotID:    lease.BotID,
		Token:    lease.Token,
		Owner:    lease.Owner,
		IssuedAt: lease.IssuedAt,
		Expires:  lease.Expires,
	})
}

// Release returns a hijacked bot to its autonomous loop.
// POST /api/bots/{id}/release
func (h *ControlHandler) Release(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.swarm.HijackRelease(r.Context(), id, req.Token); err != nil {
		writeDomainError(w, err)
		return
	}
	audit(r.Context(), h.audit, h.logger, "release", map[string]any{"bot_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": id, "released": true})
}

// SendInput types a line into the bot's session without a lease. Meant
// for one-off nudges; sustained control should hijack instead.
// POST /api/bots/{id}/send
func (h *ControlHandler) SendInput(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.swarm.SendInput(r.Context(), id, req.Text); err != nil {
		writeDomainError(w, err)
		return
	}
	audit(r.Context(), h.audit, h.logger, "send", map[string]any{"bot_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": id, "sent": true})
}

// Screen responds with the bot's current terminal snapshot.
// GET /api/bots/{id}/screen
func (h *ControlHandler) Screen(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	scr, err := h.swarm.Screen(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScreenView(scr))
}

// Analyze responds with the bot's rule-matching report for its current
// screen: full matches, near misses, and cursor evidence.
// POST /api/bots/{id}/analyze
func (h *ControlHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	report, err := h.swarm.Analyze(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(report)
}

// SetGoal redirects a bot to a new goal, closing its current phase.
// POST /api/bots/{id}/goal
func (h *ControlHandler) SetGoal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req struct {
		Goal   string `json:"goal"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	if err := h.swarm.SetGoal(r.Context(), id, req.Goal, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	audit(r.Context(), h.audit, h.logger, "set_goal", map[string]any{
		"bot_id": id,
		"goal":   req.Goal,
	})
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": id, "goal": req.Goal})
}
