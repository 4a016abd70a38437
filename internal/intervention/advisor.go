package intervention

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/llm"
)

const advisorSystemPrompt = `You supervise a Trade Wars 2002 trading bot. A monitor just flagged a
condition. Respond ONLY by calling the recommend_action tool with one
remediation. Actions: switch_strategy (params.strategy names the target,
empty lets the engine pick), rewind_goal (params.depth), set_anchor,
pause_bot, resync_state, notify_operator. Prefer the mildest action that
clears the condition.`

var recommendActionTool = llm.ToolDefinition{
	Name:        "recommend_action",
	Description: "Recommend one remediation for the flagged condition.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{"switch_strategy", "rewind_goal", "set_anchor", "pause_bot", "resync_state", "notify_operator"},
			},
			"params": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"rationale": map[string]any{"type": "string"},
		},
		"required": []string{"action"},
	},
}

var validActions = map[domain.InterventionAction]bool{
	domain.ActionSwitchStrategy: true,
	domain.ActionRewindGoal:     true,
	domain.ActionSetAnchor:      true,
	domain.ActionPauseBot:       true,
	domain.ActionResyncState:    true,
	domain.ActionNotifyOperator: true,
}

// Advisor turns a finding into a recommendation by asking the model,
// under the same per-bot meter the ai_strategy draws from.
type Advisor struct {
	botID    string
	provider llm.Provider
	meter    *llm.Meter
	logger   *slog.Logger
}

// NewAdvisor wires the advisor to a provider and meter.
func NewAdvisor(botID string, provider llm.Provider, meter *llm.Meter, logger *slog.Logger) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{
		botID:    botID,
		provider: provider,
		meter:    meter,
		logger:   logger.With(slog.String("component", "intervention_advisor"), slog.String("bot_id", botID)),
	}
}

// Advise asks for a remediation. Budget exhaustion surfaces as
// ErrLLMBudget so the core can degrade to detector-only handling.
func (a *Advisor) Advise(ctx context.Context, in Input, f domain.Finding) (*domain.Recommendation, error) {
	if err := a.meter.Allow(a.botID); err != nil {
		return nil, err
	}

	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: advisorSystemPrompt},
			{Role: "user", Content: a.brief(in, f)},
		},
		Tools:     []llm.ToolDefinition{recommendActionTool},
		MaxTokens: 512,
	})
	if err != nil {
		return nil, fmt.Errorf("intervention: advise: %w", err)
	}
	a.meter.Record(a.botID, resp.Usage)

	return parseRecommendation(resp)
}

// brief renders the finding and a thin slice of world state; the model
// pays per token.
func (a *Advisor) brief(in Input, f domain.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Condition: %s (%s). %s\n", f.Category, f.Severity, f.Summary)

	keys := make([]string, 0, len(f.Evidence))
	for k := range f.Evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%v\n", k, f.Evidence[k])
	}

	if in.View != nil {
		pl := in.View.Player()
		sh := in.View.Ship()
		fmt.Fprintf(&b, "Sector %d. Credits %d. Turns left %d. Fighters %d, shields %d.\n",
			in.View.CurrentSector(), pl.Credits, pl.TurnsLeft, sh.Fighters, sh.Shields)
	}
	fmt.Fprintf(&b, "Strategy %s, goal %s.\n", in.Strategy, in.Goal)
	b.WriteString("Recommend one action.")
	return b.String()
}

// parseRecommendation validates the tool call into a Recommendation.
func parseRecommendation(resp *llm.ChatResponse) (*domain.Recommendation, error) {
	var call *llm.ToolCall
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == recommendActionTool.Name {
			call = &resp.ToolCalls[i]
			break
		}
	}
	if call == nil {
		return nil, fmt.Errorf("intervention: no %s tool call in response", recommendActionTool.Name)
	}

	raw, _ := call.Arguments["action"].(string)
	action := domain.InterventionAction(raw)
	if !validActions[action] {
		return nil, fmt.Errorf("intervention: unknown action %q", raw)
	}

	params := make(map[string]string)
	if rp, ok := call.Arguments["params"].(map[string]any); ok {
		for k, v := range rp {
			if s, ok := v.(string); ok {
				params[k] = s
			}
		}
	}

	rationale, _ := call.Arguments["rationale"].(string)
	if rationale == "" {
		rationale = "model recommendation"
	}
	return &domain.Recommendation{Action: action, Params: params, Rationale: rationale}, nil
}
