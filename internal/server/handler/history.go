package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// HistoryHandler serves per-bot turn history and rollups. Recent turns
// come from the in-memory telemetry window; when a history store is
// configured, time-filtered queries fall through to it.
type HistoryHandler struct {
	telem   *telemetry.Store
	history domain.HistoryStore
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler. history may be nil, in
// which case only the in-memory window is served.
func NewHistoryHandler(telem *telemetry.Store, history domain.HistoryStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		telem:   telem,
		history: history,
		logger:  logHandler(logger, "history"),
	}
}

// turnView is the JSON shape for one completed turn.
type turnView struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Seq          int       `json:"seq"`
	Strategy     string    `json:"strategy"`
	Phase        string    `json:"phase"`
	Action       string    `json:"action"`
	Sector       int       `json:"sector"`
	Credits      int64     `json:"credits"`
	CreditsDelta int64     `json:"credits_delta"`
	Trades       int       `json:"trades"`
	TurnsUsed    int       `json:"turns_used"`
	LLMTokens    int       `json:"llm_tokens"`
	LLMCost      float64   `json:"llm_cost_usd"`
	PromptRule   string    `json:"prompt_rule,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	At           time.Time `json:"at"`
}

func toTurnView(rec domain.TurnRecord) turnView {
	return turnView{
		ID:           rec.ID,
		SessionID:    rec.SessionID,
		Seq:          rec.Seq,
		Strategy:     rec.Strategy,
		Phase:        rec.Phase,
		Action:       rec.Action,
		Sector:       rec.Sector,
		Credits:      rec.Credits,
		CreditsDelta: rec.CreditsDelta,
		Trades:       rec.Trades,
		TurnsUsed:    rec.TurnsUsed,
		LLMTokens:    rec.LLMTokens,
		LLMCost:      rec.LLMCost,
		PromptRule:   rec.PromptRule,
		DurationMS:   rec.Duration.Milliseconds(),
		At:           rec.At,
	}
}

// rollupView is the JSON shape for one aggregation window.
type rollupView struct {
	Window        string    `json:"window"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Turns         int       `json:"turns"`
	Trades        int       `json:"trades"`
	CreditsDelta  int64     `json:"credits_delta"`
	CPT           float64   `json:"credits_per_turn"`
	LLMTokens     int       `json:"llm_tokens"`
	LLMCost       float64   `json:"llm_cost_usd"`
	Interventions int       `json:"interventions"`
}

func toRollupView(r domain.Rollup) rollupView {
	return rollupView{
		Window:        r.Window,
		Start:         r.Start,
		End:           r.End,
		Turns:         r.Turns,
		Trades:        r.Trades,
		CreditsDelta:  r.CreditsDelta,
		CPT:           r.CPT,
		LLMTokens:     r.LLMTokens,
		LLMCost:       r.LLMCost,
		Interventions: r.Interventions,
	}
}

// GetHistory responds with a bot's recent turns, minute rollups, and
// session totals. Supports ?limit, ?offset, ?since, ?until; a since or
// until filter requires the history store and reads persisted records,
// everything else is served from memory.
// GET /api/bots/{id}/history
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	opts := parseListOpts(r)

	var turns []domain.TurnRecord
	var err error
	switch {
	case opts.Since != nil || opts.Until != nil || opts.Offset > 0:
		if h.history == nil {
			writeError(w, http.StatusBadRequest, "time-filtered history requires a history store; only ?limit is available")
			return
		}
		turns, err = h.history.ListTurns(r.Context(), id, opts)
		if err != nil {
			h.logger.Error("history query failed", "bot_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "history query failed")
			return
		}
	default:
		turns = h.telem.Window(id, opts.Limit)
	}

	turnViews := make([]turnView, 0, len(turns))
	for _, rec := range turns {
		turnViews = append(turnViews, toTurnView(rec))
	}

	rollups := h.telem.Rollups(id, 15)
	rollupViews := make([]rollupView, 0, len(rollups))
	for _, ru := range rollups {
		rollupViews = append(rollupViews, toRollupView(ru))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bot_id":   id,
		"counters": h.telem.Counters(id),
		"session":  toRollupView(h.telem.SessionRollup(id)),
		"rollups":  rollupViews,
		"turns":    turnViews,
	})
}

// interventionView is the JSON shape for one recorded intervention.
type interventionView struct {
	ID          string            `json:"id"`
	Category    string            `json:"category"`
	Severity    string            `json:"severity"`
	Summary     string            `json:"summary"`
	Action      string            `json:"action,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Rationale   string            `json:"rationale,omitempty"`
	Applied     bool              `json:"applied"`
	AutoApplied bool              `json:"auto_applied"`
	At          time.Time         `json:"at"`
}

// GetInterventions responds with a bot's persisted intervention reports.
// Requires the history store.
// GET /api/bots/{id}/interventions
func (h *HistoryHandler) GetInterventions(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	if h.history == nil {
		writeError(w, http.StatusNotFound, "no history store configured")
		return
	}

	ivs, err := h.history.ListInterventions(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.Error("intervention query failed", "bot_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "intervention query failed")
		return
	}

	views := make([]interventionView, 0, len(ivs))
	for _, iv := range ivs {
		v := interventionView{
			ID:          iv.ID,
			Category:    string(iv.Finding.Category),
			Severity:    string(iv.Finding.Severity),
			Summary:     iv.Finding.Summary,
			Applied:     iv.Applied,
			AutoApplied: iv.AutoApplied,
			At:          iv.At,
		}
		if rec := iv.Recommended; rec != nil {
			v.Action = string(rec.Action)
			v.Params = rec.Params
			v.Rationale = rec.Rationale
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": id, "interventions": views})
}
