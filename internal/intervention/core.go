// Package intervention watches a running bot for anomalies and
// opportunities. Pure detectors scan the game view and the recent turn
// window; an optional LLM advisor turns findings into recommendations;
// the core gates everything through per-category cooldowns, a session
// budget, and the auto-apply allowlist. The core never acts on the bot
// itself: the runtime drains the outcomes at decision time.
package intervention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
	"github.com/telewarp/bbsbot/internal/llm"
)

// Input is everything a detection pass may look at. Window is the recent
// turn history, oldest first.
type Input struct {
	BotID     string
	View      game.View
	Window    []domain.TurnRecord
	Goal      string
	Strategy  string
	LLMSpend  llm.Spend
	LLMBudget llm.Budget
	AuthFails int
}

// Detector inspects one concern and yields findings. Detectors are pure:
// no side effects, no stored state.
type Detector interface {
	Category() domain.InterventionCategory
	Detect(in Input) []domain.Finding
}

// Config holds the detection thresholds and gating policy.
type Config struct {
	Enabled         bool
	LoopActionMin   int     // identical actions in the recent window
	LoopSectorMin   int     // identical sectors in the recent window
	StagnationTurns int     // window for credit stall checks
	StagnationPct   float64 // relative credit movement considered "stalled"
	DeclineRatio    float64 // second-half profit vs first-half
	WasteThreshold  float64 // fraction of non-positive turns tolerated
	HoldUnderuse    float64 // free-hold fraction considered wasteful
	HighValueMin    int64   // round-trip value worth flagging
	CombatFighters  int
	CombatShields   int
	AuthFailMax     int
	AutoApply       bool
	MaxSeverityAuto domain.Severity // auto-apply at or below this severity
	CooldownTurns   int             // per-category suppression window
	MaxPerSession   int             // hard cap on interventions
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		LoopActionMin:   3,
		LoopSectorMin:   4,
		StagnationTurns: 15,
		StagnationPct:   0.05,
		DeclineRatio:    0.5,
		WasteThreshold:  0.3,
		HoldUnderuse:    0.5,
		HighValueMin:    5000,
		CombatFighters:  50,
		CombatShields:   100,
		AuthFailMax:     3,
		AutoApply:       true,
		MaxSeverityAuto: domain.SeverityWarn,
		CooldownTurns:   5,
		MaxPerSession:   20,
	}
}

// Outcome is one gated intervention. Apply tells the runtime to act on
// the recommendation now; otherwise it sits in the operator queue.
type Outcome struct {
	Intervention domain.Intervention
	Apply        bool
}

const (
	maxQueue   = 50
	maxHistory = 200
)

// Core runs the detection pipeline for one bot.
type Core struct {
	cfg       Config
	botID     string
	advisor   *Advisor // nil means detector-only mode
	detectors []Detector
	logger    *slog.Logger

	mu          sync.Mutex
	lastFired   map[domain.InterventionCategory]int // turn of last finding per category
	total       int
	budgetNoted bool
	queue       []domain.Intervention
	history     []domain.Intervention
}

// NewCore builds the pipeline in fixed order, most urgent concerns first.
// A nil advisor leaves the core in detector-only mode.
func NewCore(botID string, cfg Config, advisor *Advisor, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	norm := normalize(cfg)
	return &Core{
		cfg:     norm,
		botID:   botID,
		advisor: advisor,
		detectors: []Detector{
			&authFailureDetector{cfg: norm},
			&navDesyncDetector{},
			&combatThreatDetector{cfg: norm},
			&stuckLoopDetector{cfg: norm},
			&creditStallDetector{cfg: norm},
			&turnBurnDetector{cfg: norm},
			&holdUnderuseDetector{cfg: norm},
			&portPriceAnomalyDetector{cfg: norm},
			&llmOverspendDetector{},
		},
		logger:    logger.With(slog.String("component", "intervention"), slog.String("bot_id", botID)),
		lastFired: make(map[domain.InterventionCategory]int),
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.LoopActionMin <= 0 {
		cfg.LoopActionMin = def.LoopActionMin
	}
	if cfg.LoopSectorMin <= 0 {
		cfg.LoopSectorMin = def.LoopSectorMin
	}
	if cfg.StagnationTurns <= 0 {
		cfg.StagnationTurns = def.StagnationTurns
	}
	if cfg.StagnationPct <= 0 {
		cfg.StagnationPct = def.StagnationPct
	}
	if cfg.DeclineRatio <= 0 {
		cfg.DeclineRatio = def.DeclineRatio
	}
	if cfg.WasteThreshold <= 0 {
		cfg.WasteThreshold = def.WasteThreshold
	}
	if cfg.HoldUnderuse <= 0 {
		cfg.HoldUnderuse = def.HoldUnderuse
	}
	if cfg.HighValueMin <= 0 {
		cfg.HighValueMin = def.HighValueMin
	}
	if cfg.CombatFighters <= 0 {
		cfg.CombatFighters = def.CombatFighters
	}
	if cfg.CombatShields <= 0 {
		cfg.CombatShields = def.CombatShields
	}
	if cfg.AuthFailMax <= 0 {
		cfg.AuthFailMax = def.AuthFailMax
	}
	if cfg.MaxSeverityAuto == "" {
		cfg.MaxSeverityAuto = def.MaxSeverityAuto
	}
	if cfg.CooldownTurns <= 0 {
		cfg.CooldownTurns = def.CooldownTurns
	}
	if cfg.MaxPerSession <= 0 {
		cfg.MaxPerSession = def.MaxPerSession
	}
	return cfg
}

// Check runs one detection pass and returns the gated outcomes in
// detector order.
func (c *Core) Check(ctx context.Context, in Input) []Outcome {
	if !c.cfg.Enabled {
		return nil
	}
	turn := 0
	if in.View != nil {
		turn = in.View.TurnsUsed()
	}

	var outcomes []Outcome
	for _, d := range c.detectors {
		for _, f := range d.Detect(in) {
			if out, ok := c.admit(ctx, in, f, turn); ok {
				outcomes = append(outcomes, out)
			}
		}
	}
	return outcomes
}

// admit applies the cooldown and budget gates, consults the advisor, and
// decides auto-apply.
func (c *Core) admit(ctx context.Context, in Input, f domain.Finding, turn int) (Outcome, bool) {
	c.mu.Lock()
	if last, ok := c.lastFired[f.Category]; ok && turn-last < c.cfg.CooldownTurns {
		c.mu.Unlock()
		return Outcome{}, false
	}
	if c.total >= c.cfg.MaxPerSession {
		noted := c.budgetNoted
		c.budgetNoted = true
		c.mu.Unlock()
		if !noted {
			c.logger.Warn("intervention budget exhausted", slog.Int("max", c.cfg.MaxPerSession))
		}
		return Outcome{}, false
	}
	c.lastFired[f.Category] = turn
	c.total++
	c.mu.Unlock()

	iv := domain.Intervention{
		ID:      uuid.NewString(),
		BotID:   c.botID,
		Finding: f,
		At:      time.Now(),
	}

	iv.Recommended = c.recommend(ctx, in, f)

	apply := iv.Recommended != nil &&
		c.cfg.AutoApply &&
		domain.AutoApplicable[iv.Recommended.Action] &&
		f.Severity.AtMost(c.cfg.MaxSeverityAuto)
	iv.AutoApplied = apply

	c.logger.Info("intervention",
		slog.String("category", string(f.Category)),
		slog.String("severity", string(f.Severity)),
		slog.String("summary", f.Summary),
		slog.Bool("auto_apply", apply))

	c.mu.Lock()
	c.history = append(c.history, iv)
	if len(c.history) > maxHistory {
		c.history = append([]domain.Intervention(nil), c.history[len(c.history)-maxHistory:]...)
	}
	if !apply {
		c.queue = append(c.queue, iv)
		if len(c.queue) > maxQueue {
			c.queue = c.queue[len(c.queue)-maxQueue:]
		}
	}
	c.mu.Unlock()

	return Outcome{Intervention: iv, Apply: apply}, true
}

// recommend asks the advisor when one is wired and the budget allows;
// otherwise it falls back to the per-category defaults. Advisor failure
// is never fatal: the pass degrades to detector-only.
func (c *Core) recommend(ctx context.Context, in Input, f domain.Finding) *domain.Recommendation {
	if c.advisor != nil {
		rec, err := c.advisor.Advise(ctx, in, f)
		if err == nil {
			return rec
		}
		c.logger.Warn("advisor unavailable, detector-only pass",
			slog.String("category", string(f.Category)),
			slog.String("error", err.Error()))
	}
	return defaultRecommendation(in, f)
}

// defaultRecommendation covers the cases that are safe to act on without
// a model in the loop.
func defaultRecommendation(in Input, f domain.Finding) *domain.Recommendation {
	switch f.Category {
	case domain.CategoryNavDesync:
		return &domain.Recommendation{
			Action:    domain.ActionResyncState,
			Rationale: "screen and model disagree; redisplay and rebuild position",
		}
	case domain.CategoryAuthFailure:
		return &domain.Recommendation{
			Action:    domain.ActionPauseBot,
			Rationale: "repeated login failures; pausing protects the account",
		}
	case domain.CategoryStuckLoop:
		return &domain.Recommendation{
			Action:    domain.ActionSwitchStrategy,
			Params:    map[string]string{"strategy": ""},
			Rationale: "repeating the same moves; let the engine advance the chain",
		}
	case domain.CategoryLLMOverspend:
		if in.Strategy == "ai_strategy" {
			return &domain.Recommendation{
				Action:    domain.ActionSwitchStrategy,
				Params:    map[string]string{"strategy": "twerk_optimized"},
				Rationale: "advisory budget burned; run the deterministic dance",
			}
		}
		return nil
	default:
		return nil
	}
}

// Queue returns interventions waiting on an operator, oldest first.
// The returned slice is safe to mutate.
func (c *Core) Queue() []domain.Intervention {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Intervention, len(c.queue))
	copy(out, c.queue)
	return out
}

// Ack removes one queued intervention, marking it applied when the
// operator acted on it.
func (c *Core) Ack(id string, applied bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.queue {
		if c.queue[i].ID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			for j := range c.history {
				if c.history[j].ID == id {
					c.history[j].Applied = applied
				}
			}
			return true
		}
	}
	return false
}

// History returns up to limit interventions, newest first.
func (c *Core) History(limit int) []domain.Intervention {
	if limit <= 0 {
		limit = 20
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.history)
	if limit > n {
		limit = n
	}
	out := make([]domain.Intervention, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.history[i])
	}
	return out
}

// Total reports interventions admitted this session.
func (c *Core) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
