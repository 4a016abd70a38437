package intervention

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
	"github.com/telewarp/bbsbot/internal/llm"
)

type fakeProvider struct {
	resp *llm.ChatResponse
	err  error
	reqs []llm.ChatRequest
}

func (p *fakeProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *fakeProvider) DefaultModel() string { return "test-model" }
func (p *fakeProvider) Name() string         { return "fake" }

func adviceResponse(action string, params map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		ToolCalls: []llm.ToolCall{{
			ID:   "tc_1",
			Name: "recommend_action",
			Arguments: map[string]any{
				"action":    action,
				"params":    params,
				"rationale": "test advice",
			},
		}},
		FinishReason: "tool_calls",
		Usage:        llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
}

// loopInput trips the stuck-loop detector and nothing else.
func loopInput() Input {
	return Input{
		BotID:    "bot-1",
		Window:   repeatTurns(3, "p|11", 0),
		Goal:     "profit",
		Strategy: "profitable_pairs",
	}
}

func TestCheckDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := NewCore("bot-1", cfg, nil, nil)

	assert.Nil(t, c.Check(context.Background(), loopInput()))
	assert.Zero(t, c.Total())
}

func TestCheckAutoAppliesMildFindings(t *testing.T) {
	c := NewCore("bot-1", DefaultConfig(), nil, nil)

	outs := c.Check(context.Background(), loopInput())
	require.Len(t, outs, 1)

	iv := outs[0].Intervention
	assert.Equal(t, domain.CategoryStuckLoop, iv.Finding.Category)
	require.NotNil(t, iv.Recommended)
	assert.Equal(t, domain.ActionSwitchStrategy, iv.Recommended.Action)
	assert.True(t, outs[0].Apply)
	assert.True(t, iv.AutoApplied)

	// auto-applied findings skip the operator queue
	assert.Empty(t, c.Queue())
	assert.Equal(t, 1, c.Total())
}

func TestCheckQueuesCriticalFindings(t *testing.T) {
	c := NewCore("bot-1", DefaultConfig(), nil, nil)

	outs := c.Check(context.Background(), Input{BotID: "bot-1", AuthFails: 3})
	require.Len(t, outs, 1)

	iv := outs[0].Intervention
	assert.Equal(t, domain.CategoryAuthFailure, iv.Finding.Category)
	require.NotNil(t, iv.Recommended)
	assert.Equal(t, domain.ActionPauseBot, iv.Recommended.Action)

	// critical sits above the auto-apply ceiling
	assert.False(t, outs[0].Apply)
	q := c.Queue()
	require.Len(t, q, 1)
	assert.Equal(t, iv.ID, q[0].ID)
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	c := NewCore("bot-1", DefaultConfig(), nil, nil)

	require.Len(t, c.Check(context.Background(), loopInput()), 1)
	assert.Empty(t, c.Check(context.Background(), loopInput()))

	// five turns later the category may fire again
	tr := game.NewTracker(nil)
	require.NoError(t, tr.Apply(hit("info_display", map[string]any{"turns": 500})))
	require.NoError(t, tr.Apply(hit("info_display", map[string]any{"turns": 494})))

	in := loopInput()
	in.View = tr
	require.Len(t, c.Check(context.Background(), in), 1)
	assert.Equal(t, 2, c.Total())
}

func TestSessionBudgetCapsInterventions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerSession = 1
	c := NewCore("bot-1", cfg, nil, nil)

	in := loopInput()
	in.AuthFails = 3 // trips a second category in the same pass

	outs := c.Check(context.Background(), in)
	require.Len(t, outs, 1)
	assert.Equal(t, domain.CategoryAuthFailure, outs[0].Intervention.Finding.Category)
	assert.Equal(t, 1, c.Total())
}

func TestAckRemovesFromQueueAndMarksHistory(t *testing.T) {
	c := NewCore("bot-1", DefaultConfig(), nil, nil)

	outs := c.Check(context.Background(), Input{BotID: "bot-1", AuthFails: 3})
	require.Len(t, outs, 1)
	id := outs[0].Intervention.ID

	assert.False(t, c.Ack("no-such-id", true))
	assert.True(t, c.Ack(id, true))
	assert.Empty(t, c.Queue())

	h := c.History(10)
	require.Len(t, h, 1)
	assert.True(t, h[0].Applied)
}

func TestHistoryNewestFirst(t *testing.T) {
	c := NewCore("bot-1", DefaultConfig(), nil, nil)

	in := loopInput()
	in.AuthFails = 3
	require.Len(t, c.Check(context.Background(), in), 2)

	h := c.History(10)
	require.Len(t, h, 2)
	assert.Equal(t, domain.CategoryStuckLoop, h[0].Finding.Category)
	assert.Equal(t, domain.CategoryAuthFailure, h[1].Finding.Category)

	assert.Len(t, c.History(1), 1)
}

func TestAdvisorRecommendationFlowsThrough(t *testing.T) {
	provider := &fakeProvider{resp: adviceResponse("set_anchor", map[string]any{"label": "before-risk"})}
	meter := llm.NewMeter(llm.Budget{}, llm.PriceTable{})
	adv := NewAdvisor("bot-1", provider, meter, nil)
	c := NewCore("bot-1", DefaultConfig(), adv, nil)

	outs := c.Check(context.Background(), loopInput())
	require.Len(t, outs, 1)

	rec := outs[0].Intervention.Recommended
	require.NotNil(t, rec)
	assert.Equal(t, domain.ActionSetAnchor, rec.Action)
	assert.Equal(t, "before-risk", rec.Params["label"])
	assert.Equal(t, "test advice", rec.Rationale)
	assert.True(t, outs[0].Apply)

	// the advisory call was metered
	assert.Equal(t, 1, meter.Total("bot-1").Calls)
	assert.Equal(t, 120, meter.Total("bot-1").Tokens)

	// the brief carries the finding and the world
	require.Len(t, provider.reqs, 1)
	req := provider.reqs[0]
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "recommend_action", req.Tools[0].Name)
	assert.Contains(t, req.Messages[1].Content, "stuck_loop")
	assert.Contains(t, req.Messages[1].Content, "Strategy profitable_pairs, goal profit.")
}

func TestAdvisorBudgetFallsBackToDefaults(t *testing.T) {
	provider := &fakeProvider{resp: adviceResponse("pause_bot", nil)}
	meter := llm.NewMeter(llm.Budget{CallsPerHour: 1}, llm.PriceTable{})
	meter.Record("bot-1", llm.Usage{TotalTokens: 10})

	adv := NewAdvisor("bot-1", provider, meter, nil)
	c := NewCore("bot-1", DefaultConfig(), adv, nil)

	outs := c.Check(context.Background(), loopInput())
	require.Len(t, outs, 1)

	// budget refusal never reaches the provider
	assert.Empty(t, provider.reqs)
	rec := outs[0].Intervention.Recommended
	require.NotNil(t, rec)
	assert.Equal(t, domain.ActionSwitchStrategy, rec.Action)
}

func TestAdvisorErrorFallsBackToDefaults(t *testing.T) {
	provider := &fakeProvider{err: errors.New("upstream 500")}
	meter := llm.NewMeter(llm.Budget{}, llm.PriceTable{})
	adv := NewAdvisor("bot-1", provider, meter, nil)
	c := NewCore("bot-1", DefaultConfig(), adv, nil)

	outs := c.Check(context.Background(), Input{BotID: "bot-1", AuthFails: 3})
	require.Len(t, outs, 1)

	rec := outs[0].Intervention.Recommended
	require.NotNil(t, rec)
	assert.Equal(t, domain.ActionPauseBot, rec.Action)
	assert.Zero(t, meter.Total("bot-1").Calls)
}

func TestParseRecommendation(t *testing.T) {
	t.Run("no tool call", func(t *testing.T) {
		_, err := parseRecommendation(&llm.ChatResponse{Content: "try switching"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no recommend_action tool call")
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := parseRecommendation(adviceResponse("self_destruct", nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "self_destruct")
	})

	t.Run("fills defaults", func(t *testing.T) {
		resp := adviceResponse("resync_state", nil)
		resp.ToolCalls[0].Arguments["rationale"] = ""
		rec, err := parseRecommendation(resp)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionResyncState, rec.Action)
		assert.Equal(t, "model recommendation", rec.Rationale)
		assert.Empty(t, rec.Params)
	})

	t.Run("keeps string params only", func(t *testing.T) {
		rec, err := parseRecommendation(adviceResponse("rewind_goal", map[string]any{
			"depth": "2", "junk": 7,
		}))
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"depth": "2"}, rec.Params)
	})
}

func TestNormalizeFillsZeroFields(t *testing.T) {
	got := normalize(Config{Enabled: true, LoopActionMin: 5})
	def := DefaultConfig()

	assert.Equal(t, 5, got.LoopActionMin)
	assert.Equal(t, def.LoopSectorMin, got.LoopSectorMin)
	assert.Equal(t, def.StagnationTurns, got.StagnationTurns)
	assert.Equal(t, def.MaxSeverityAuto, got.MaxSeverityAuto)
	assert.Equal(t, def.MaxPerSession, got.MaxPerSession)
}
