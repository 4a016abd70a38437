package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
	"github.com/telewarp/bbsbot/internal/llm"
)

const (
	maxAISteps     = 20
	maxPromptPorts = 15
)

var validExpectKinds = map[string]bool{
	"command": true, "computer": true, "trade": true,
	"pause": true, "report": true, "menu": true,
}

const aiSystemPrompt = `You advise a Trade Wars 2002 trading bot connected over telnet.
Respond ONLY by calling the propose_plan tool with the next few game
commands. Commands are what a player types: a sector number warps there
(adjacent sectors only), "p" trades at the local port, "d" redisplays the
sector, "i" shows ship info. Keep plans short and profitable; the bot
re-asks after every plan.`

var proposePlanTool = llm.ToolDefinition{
	Name:        "propose_plan",
	Description: "Propose the bot's next commands.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{"type": "string"},
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"send":   map[string]any{"type": "string"},
						"expect": map[string]any{"type": "string", "enum": []string{"command", "computer", "trade", "pause", "report", "menu"}},
						"note":   map[string]any{"type": "string"},
					},
					"required": []string{"send"},
				},
			},
		},
		"required": []string{"steps"},
	},
}

// AIStrategy asks the advisory model for the next plan, with a strict
// tool schema so the answer is structured. Budget exhaustion, transport
// errors, and unparsable answers all degrade to the wrapped fallback
// strategy instead of stalling the bot.
type AIStrategy struct {
	cfg      Config
	botID    string
	provider llm.Provider
	meter    *llm.Meter
	fallback Strategy
	logger   *slog.Logger
}

// NewAIStrategy creates the strategy. fallback must not be nil; by
// convention it is a ProfitablePairs instance.
func NewAIStrategy(cfg Config, botID string, provider llm.Provider, meter *llm.Meter, fallback Strategy, logger *slog.Logger) *AIStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &AIStrategy{
		cfg:      cfg,
		botID:    botID,
		provider: provider,
		meter:    meter,
		fallback: fallback,
		logger:   logger.With(slog.String("strategy", "ai_strategy")),
	}
}

// Name returns the strategy identifier.
func (a *AIStrategy) Name() string { return "ai_strategy" }

// Init initializes the fallback too so a later degrade is seamless.
func (a *AIStrategy) Init(ctx context.Context, view game.View) error {
	return a.fallback.Init(ctx, view)
}

// Close closes the fallback.
func (a *AIStrategy) Close() error { return a.fallback.Close() }

// Decide asks the model for a plan, degrading to the fallback on any
// budget, transport, or parse problem.
func (a *AIStrategy) Decide(ctx context.Context, view game.View) (domain.Plan, error) {
	if err := a.meter.Allow(a.botID); err != nil {
		a.logger.Warn("advisory budget exhausted", slog.String("error", err.Error()))
		return a.delegate(ctx, view, "budget")
	}

	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: aiSystemPrompt},
			{Role: "user", Content: a.worldSummary(view)},
		},
		Tools:     []llm.ToolDefinition{proposePlanTool},
		MaxTokens: 1024,
	})
	if err != nil {
		a.logger.Warn("advisory call failed", slog.String("error", err.Error()))
		return a.delegate(ctx, view, "provider error")
	}
	a.meter.Record(a.botID, resp.Usage)

	plan, err := a.parsePlan(resp)
	if err != nil {
		a.logger.Warn("advisory plan unusable", slog.String("error", err.Error()))
		return a.delegate(ctx, view, "parse error")
	}
	return plan, nil
}

// delegate hands the decision to the fallback, stamping the plan so the
// degrade is visible in telemetry.
func (a *AIStrategy) delegate(ctx context.Context, view game.View, why string) (domain.Plan, error) {
	plan, err := a.fallback.Decide(ctx, view)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("ai fallback (%s): %w", why, err)
	}
	plan.Strategy = a.Name()
	plan.Reason = fmt.Sprintf("fallback(%s, %s): %s", a.fallback.Name(), why, plan.Reason)
	return plan, nil
}

// worldSummary renders the view compactly; the model pays per token.
func (a *AIStrategy) worldSummary(view game.View) string {
	var b strings.Builder
	pl := view.Player()
	sh := view.Ship()

	fmt.Fprintf(&b, "Sector %d. Credits %d. Turns left %d. Holds %d/%d free.\n",
		view.CurrentSector(), pl.Credits, pl.TurnsLeft, sh.HoldsFree(), sh.Holds)

	if info, ok := view.Sector(view.CurrentSector()); ok {
		fmt.Fprintf(&b, "Warps: %v\n", info.Warps)
	}
	if bad, reason := view.Desync(); bad {
		fmt.Fprintf(&b, "WARNING state desync: %s\n", reason)
	}

	ports := view.Ports()
	sort.Slice(ports, func(i, j int) bool { return ports[i].LastSeen.After(ports[j].LastSeen) })
	if len(ports) > maxPromptPorts {
		ports = ports[:maxPromptPorts]
	}
	if len(ports) > 0 {
		b.WriteString("Known ports (sector class code):\n")
		for _, p := range ports {
			dist := "?"
			if r := view.Route(view.CurrentSector(), p.Sector); r != nil {
				dist = fmt.Sprintf("%d", len(r)-1)
			}
			fmt.Fprintf(&b, "  %d %d %s dist=%s\n", p.Sector, int(p.Class), p.Class.Code(), dist)
		}
	}
	if a.cfg.Goal != "" {
		fmt.Fprintf(&b, "Current goal: %s\n", a.cfg.Goal)
	}
	b.WriteString("Propose the next plan.")
	return b.String()
}

// parsePlan validates the tool call into a Plan.
func (a *AIStrategy) parsePlan(resp *llm.ChatResponse) (domain.Plan, error) {
	var call *llm.ToolCall
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == proposePlanTool.Name {
			call = &resp.ToolCalls[i]
			break
		}
	}
	if call == nil {
		return domain.Plan{}, fmt.Errorf("strategy: no %s tool call in response", proposePlanTool.Name)
	}

	rawSteps, ok := call.Arguments["steps"].([]any)
	if !ok || len(rawSteps) == 0 {
		return domain.Plan{}, fmt.Errorf("strategy: tool call carries no steps")
	}
	if len(rawSteps) > maxAISteps {
		rawSteps = rawSteps[:maxAISteps]
	}

	steps := make([]domain.Step, 0, len(rawSteps))
	for i, raw := range rawSteps {
		m, ok := raw.(map[string]any)
		if !ok {
			return domain.Plan{}, fmt.Errorf("strategy: step %d is not an object", i)
		}
		send, _ := m["send"].(string)
		if send == "" {
			return domain.Plan{}, fmt.Errorf("strategy: step %d has empty send", i)
		}
		expect, _ := m["expect"].(string)
		if expect == "" {
			expect = "command"
		}
		if !validExpectKinds[expect] {
			return domain.Plan{}, fmt.Errorf("strategy: step %d expects unknown kind %q", i, expect)
		}
		note, _ := m["note"].(string)

		timeout := warpStepTimeout
		if send == "p" {
			timeout = tradeStepTimeout
		}
		steps = append(steps, domain.Step{Send: send, Expect: expect, Note: note, Timeout: timeout})
	}

	reason, _ := call.Arguments["reason"].(string)
	if reason == "" {
		reason = "model proposal"
	}
	return domain.Plan{
		Strategy:  a.Name(),
		Steps:     steps,
		Reason:    reason,
		CreatedAt: time.Now(),
	}, nil
}
