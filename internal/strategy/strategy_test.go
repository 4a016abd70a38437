package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
	"github.com/telewarp/bbsbot/internal/llm"
)

// fakeStrategy has one fixed behavior: error, empty plan, or a one-step
// plan.
type fakeStrategy struct {
	name   string
	err    error
	empty  bool
	inits  int
	closes int
}

func (f *fakeStrategy) Name() string                          { return f.name }
func (f *fakeStrategy) Init(context.Context, game.View) error { f.inits++; return nil }
func (f *fakeStrategy) Close() error                          { f.closes++; return nil }
func (f *fakeStrategy) Decide(context.Context, game.View) (domain.Plan, error) {
	if f.err != nil {
		return domain.Plan{}, f.err
	}
	if f.empty {
		return domain.Plan{Strategy: f.name}, nil
	}
	return domain.Plan{
		Strategy:  f.name,
		Steps:     []domain.Step{{Send: "d", Expect: "command"}},
		Reason:    "scripted",
		CreatedAt: time.Now(),
	}, nil
}

func feedSector(t *testing.T, tr *game.Tracker, id int, portClass int, portName string, warps ...int) {
	t.Helper()
	fields := map[string]any{"sector": id, "warps": warps}
	if portClass > 0 {
		fields["port_name"] = portName
		fields["port_class"] = portClass
	}
	require.NoError(t, tr.Apply(&domain.PromptHit{Rule: "sector_display", Fields: fields, At: time.Now()}))
}

func setSector(t *testing.T, tr *game.Tracker, id int) {
	t.Helper()
	require.NoError(t, tr.Apply(&domain.PromptHit{
		Rule:   "command_prompt",
		Fields: map[string]any{"sector": id},
		At:     time.Now(),
	}))
}

func sends(plan domain.Plan) []string {
	out := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		out = append(out, s.Send)
	}
	return out
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeStrategy{name: "b"})
	r.Register(&fakeStrategy{name: "a"})

	s, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", s.Name())

	_, err = r.Get("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, []string{"a", "b"}, r.List())
}

func TestRegistryReplacesByName(t *testing.T) {
	r := NewRegistry()
	first := &fakeStrategy{name: "x"}
	second := &fakeStrategy{name: "x", empty: true}
	r.Register(first)
	r.Register(second)

	s, err := r.Get("x")
	require.NoError(t, err)
	assert.Same(t, second, s.(*fakeStrategy))
	assert.Len(t, r.List(), 1)
}

func TestEngineWalksFallbackChain(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("no route")
	ai := &fakeStrategy{name: "ai_strategy", err: boom}
	twerk := &fakeStrategy{name: "twerk_optimized", empty: true}
	pairs := &fakeStrategy{name: "profitable_pairs"}
	r.Register(ai)
	r.Register(twerk)
	r.Register(pairs)

	var switches []string
	e := NewEngine(r, nil)
	e.SetMaxMisses(2)
	e.OnSwitch(func(from, to, why string) {
		switches = append(switches, from+">"+to)
	})
	require.NoError(t, e.SetActive("ai_strategy"))

	view := game.NewTracker(nil)
	ctx := context.Background()

	_, err := e.Decide(ctx, view)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "ai_strategy", e.ActiveName())

	_, err = e.Decide(ctx, view)
	require.Error(t, err)
	assert.Equal(t, "twerk_optimized", e.ActiveName())
	assert.True(t, e.Degraded())

	for i := 0; i < 2; i++ {
		plan, err := e.Decide(ctx, view)
		require.NoError(t, err)
		assert.True(t, plan.Empty())
	}
	assert.Equal(t, "profitable_pairs", e.ActiveName())

	plan, err := e.Decide(ctx, view)
	require.NoError(t, err)
	assert.Equal(t, "profitable_pairs", plan.Strategy)
	assert.False(t, plan.Empty())

	assert.Equal(t, []string{
		">ai_strategy",
		"ai_strategy>twerk_optimized",
		"twerk_optimized>profitable_pairs",
	}, switches)

	recs := e.RecentDecisions(100)
	require.NotEmpty(t, recs)
	assert.Equal(t, "profitable_pairs", recs[0].Strategy)
	assert.False(t, recs[0].Fallback)

	fallbacks := 0
	for _, rec := range recs {
		if rec.Fallback {
			fallbacks++
		}
	}
	assert.Equal(t, 2, fallbacks)
}

func TestEngineSkipsUnregisteredChainEntries(t *testing.T) {
	r := NewRegistry()
	ai := &fakeStrategy{name: "ai_strategy", err: errors.New("down")}
	pairs := &fakeStrategy{name: "profitable_pairs"}
	r.Register(ai)
	r.Register(pairs)

	e := NewEngine(r, nil)
	e.SetMaxMisses(1)
	require.NoError(t, e.SetActive("ai_strategy"))

	_, err := e.Decide(context.Background(), game.NewTracker(nil))
	require.Error(t, err)

	// twerk_optimized is not registered, so the chain lands on pairs
	assert.Equal(t, "profitable_pairs", e.ActiveName())
}

func TestEngineOffChainStrategyDegradesToPairs(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeStrategy{name: "custom", err: errors.New("bad")})
	r.Register(&fakeStrategy{name: "profitable_pairs"})

	e := NewEngine(r, nil)
	e.SetMaxMisses(1)
	require.NoError(t, e.SetActive("custom"))

	_, err := e.Decide(context.Background(), game.NewTracker(nil))
	require.Error(t, err)
	assert.Equal(t, "profitable_pairs", e.ActiveName())
}

func TestEngineChainTailKeepsRetrying(t *testing.T) {
	r := NewRegistry()
	opp := &fakeStrategy{name: "opportunistic", err: errors.New("dry")}
	r.Register(opp)

	e := NewEngine(r, nil)
	e.SetMaxMisses(1)
	require.NoError(t, e.SetActive("opportunistic"))

	for i := 0; i < 3; i++ {
		_, err := e.Decide(context.Background(), game.NewTracker(nil))
		require.Error(t, err)
	}
	assert.Equal(t, "opportunistic", e.ActiveName())
	assert.False(t, e.Degraded())
}

func TestEngineExplicitSwitchResetsDegraded(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeStrategy{name: "ai_strategy", err: errors.New("x")})
	r.Register(&fakeStrategy{name: "twerk_optimized"})

	e := NewEngine(r, nil)
	e.SetMaxMisses(1)
	require.NoError(t, e.SetActive("ai_strategy"))
	_, _ = e.Decide(context.Background(), game.NewTracker(nil))
	require.True(t, e.Degraded())

	require.NoError(t, e.SetActive("ai_strategy"))
	assert.False(t, e.Degraded())
}

func TestEngineInitRunsOncePerActivation(t *testing.T) {
	r := NewRegistry()
	s := &fakeStrategy{name: "profitable_pairs"}
	r.Register(s)

	e := NewEngine(r, nil)
	require.NoError(t, e.SetActive("profitable_pairs"))

	view := game.NewTracker(nil)
	for i := 0; i < 3; i++ {
		_, err := e.Decide(context.Background(), view)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, s.inits)

	require.NoError(t, e.SetActive("profitable_pairs"))
	_, err := e.Decide(context.Background(), view)
	require.NoError(t, err)
	assert.Equal(t, 2, s.inits)
}

func TestEngineDecideWithoutActiveFails(t *testing.T) {
	e := NewEngine(NewRegistry(), nil)
	_, err := e.Decide(context.Background(), game.NewTracker(nil))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// complementaryWorld charts two adjacent ports whose classes trade well
// both ways: class 1 (BBS) sells equipment, class 4 (SSB) buys it and
// sells the bulk goods back.
func complementaryWorld(t *testing.T) *game.Tracker {
	t.Helper()
	tr := game.NewTracker(nil)
	feedSector(t, tr, 10, 1, "Alpha", 11)
	feedSector(t, tr, 11, 4, "Beta", 10)
	setSector(t, tr, 10)
	return tr
}

func TestProfitablePairsRunsTheLoop(t *testing.T) {
	tr := complementaryWorld(t)
	p := NewProfitablePairs(Config{Name: "profitable_pairs"}, nil)

	plan, err := p.Decide(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, "profitable_pairs", plan.Strategy)
	assert.Equal(t, []string{"p", "11", "p", "10"}, sends(plan))
	assert.Contains(t, plan.Reason, "pair cycle")

	// docking steps get the long trade timeout
	assert.Equal(t, tradeStepTimeout, plan.Steps[0].Timeout)
	assert.Equal(t, warpStepTimeout, plan.Steps[1].Timeout)
}

func TestProfitablePairsRoutesBackWhenOffPair(t *testing.T) {
	tr := complementaryWorld(t)
	feedSector(t, tr, 12, 0, "", 10)
	feedSector(t, tr, 10, 1, "Alpha", 11, 12)
	setSector(t, tr, 12)

	p := NewProfitablePairs(Config{}, nil)
	plan, err := p.Decide(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, sends(plan))
	assert.Contains(t, plan.Reason, "returning to pair")
}

func TestProfitablePairsChartsWithoutPorts(t *testing.T) {
	tr := game.NewTracker(nil)
	feedSector(t, tr, 5, 0, "", 6)

	p := NewProfitablePairs(Config{}, nil)
	plan, err := p.Decide(context.Background(), tr)
	require.NoError(t, err)

	// pushes into the unexplored warp, then re-anchors
	assert.Equal(t, []string{"6", "d"}, sends(plan))
	assert.Contains(t, plan.Reason, "charting")
}

func TestTwerkRunsAdjacentDance(t *testing.T) {
	tr := complementaryWorld(t)
	tw := NewTwerkOptimized(Config{}, nil)

	plan, err := tw.Decide(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, "twerk_optimized", plan.Strategy)
	assert.Equal(t, []string{"p", "11", "p", "10"}, sends(plan))
	assert.Contains(t, plan.Reason, "twerk cycle")
}

func TestTwerkRejectsNonComplementaryPorts(t *testing.T) {
	tr := game.NewTracker(nil)
	// two BBS ports: nobody buys the other's equipment
	feedSector(t, tr, 10, 1, "Alpha", 11)
	feedSector(t, tr, 11, 1, "Beta", 10)
	setSector(t, tr, 10)

	tw := NewTwerkOptimized(Config{}, nil)
	plan, err := tw.Decide(context.Background(), tr)
	require.NoError(t, err)
	assert.Contains(t, plan.Reason, "no adjacent complementary pair")
}

func TestTwerkRequiresAdjacency(t *testing.T) {
	tr := game.NewTracker(nil)
	// complementary classes but two hops apart
	feedSector(t, tr, 10, 1, "Alpha", 11)
	feedSector(t, tr, 11, 0, "", 10, 12)
	feedSector(t, tr, 12, 4, "Beta", 11)
	setSector(t, tr, 10)

	tw := NewTwerkOptimized(Config{}, nil)
	plan, err := tw.Decide(context.Background(), tr)
	require.NoError(t, err)
	assert.Contains(t, plan.Reason, "no adjacent complementary pair")
}

func TestOpportunisticDocksLocalThenMovesOn(t *testing.T) {
	tr := game.NewTracker(nil)
	feedSector(t, tr, 10, 2, "Local", 11)
	feedSector(t, tr, 11, 0, "", 10, 12)
	feedSector(t, tr, 12, 3, "Remote", 11)
	setSector(t, tr, 10)

	o := NewOpportunistic(Config{}, nil)

	plan, err := o.Decide(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, sends(plan))
	assert.Contains(t, plan.Reason, "local port")

	// local port is on cooldown now, the ring finds the remote one
	plan, err = o.Decide(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, []string{"11", "12", "p"}, sends(plan))
	assert.Contains(t, plan.Reason, "ring hop")
}

func TestOpportunisticCooldownParam(t *testing.T) {
	tr := game.NewTracker(nil)
	feedSector(t, tr, 10, 2, "Local", 11)
	setSector(t, tr, 10)

	o := NewOpportunistic(Config{Params: map[string]any{"port_cooldown_sec": 0}}, nil)
	for i := 0; i < 2; i++ {
		plan, err := o.Decide(context.Background(), tr)
		require.NoError(t, err)
		assert.Equal(t, []string{"p"}, sends(plan), "zero cooldown keeps the local port workable")
	}
}

func TestOpportunisticSkipsStarDock(t *testing.T) {
	tr := game.NewTracker(nil)
	feedSector(t, tr, 10, 9, "StarDock", 11)
	setSector(t, tr, 10)

	o := NewOpportunistic(Config{}, nil)
	plan, err := o.Decide(context.Background(), tr)
	require.NoError(t, err)
	assert.NotEqual(t, []string{"p"}, sends(plan))
	assert.Contains(t, plan.Reason, "charting")
}

type fakeProvider struct {
	resp *llm.ChatResponse
	err  error
	reqs []llm.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProvider) DefaultModel() string { return "test-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func proposeResponse(steps []any, reason string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ToolCalls: []llm.ToolCall{{
			ID:   "tc_1",
			Name: "propose_plan",
			Arguments: map[string]any{
				"reason": reason,
				"steps":  steps,
			},
		}},
		FinishReason: "tool_calls",
		Usage:        llm.Usage{PromptTokens: 200, CompletionTokens: 50, TotalTokens: 250},
	}
}

func newAIForTest(provider llm.Provider, meter *llm.Meter) *AIStrategy {
	fallback := &fakeStrategy{name: "profitable_pairs"}
	return NewAIStrategy(Config{Name: "ai_strategy", Goal: "reach 100k credits"}, "bot-1", provider, meter, fallback, nil)
}

func TestAIStrategyParsesProposedPlan(t *testing.T) {
	tr := complementaryWorld(t)
	provider := &fakeProvider{resp: proposeResponse([]any{
		map[string]any{"send": "p", "expect": "command", "note": "sell equipment"},
		map[string]any{"send": "11"},
	}, "haul equipment to Beta")}
	meter := llm.NewMeter(llm.Budget{}, llm.PriceTable{})

	ai := newAIForTest(provider, meter)
	plan, err := ai.Decide(context.Background(), tr)
	require.NoError(t, err)

	assert.Equal(t, "ai_strategy", plan.Strategy)
	assert.Equal(t, "haul equipment to Beta", plan.Reason)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, tradeStepTimeout, plan.Steps[0].Timeout)
	assert.Equal(t, "command", plan.Steps[1].Expect, "expect defaults to the command prompt")
	assert.Equal(t, warpStepTimeout, plan.Steps[1].Timeout)

	// the call was metered
	assert.Equal(t, 1, meter.Total("bot-1").Calls)
	assert.Equal(t, 250, meter.Total("bot-1").Tokens)

	// prompt shape: system first, then the world summary with the tool attached
	require.Len(t, provider.reqs, 1)
	req := provider.reqs[0]
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "propose_plan", req.Tools[0].Name)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[1].Content, "Sector 10.")
	assert.Contains(t, req.Messages[1].Content, "Known ports")
	assert.Contains(t, req.Messages[1].Content, "reach 100k credits")
	assert.True(t, strings.HasSuffix(req.Messages[1].Content, "Propose the next plan."))
}

func TestAIStrategyFallsBackOnBudget(t *testing.T) {
	meter := llm.NewMeter(llm.Budget{CallsPerHour: 1}, llm.PriceTable{})
	meter.Record("bot-1", llm.Usage{TotalTokens: 10})

	provider := &fakeProvider{resp: proposeResponse([]any{map[string]any{"send": "d"}}, "x")}
	ai := newAIForTest(provider, meter)

	plan, err := ai.Decide(context.Background(), game.NewTracker(nil))
	require.NoError(t, err)
	assert.Empty(t, provider.reqs, "over budget means no provider call at all")
	assert.Equal(t, "ai_strategy", plan.Strategy)
	assert.True(t, strings.HasPrefix(plan.Reason, "fallback(profitable_pairs, budget):"), plan.Reason)
}

func TestAIStrategyFallsBackOnProviderError(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("http 529: overloaded")}
	ai := newAIForTest(provider, llm.NewMeter(llm.Budget{}, llm.PriceTable{}))

	plan, err := ai.Decide(context.Background(), game.NewTracker(nil))
	require.NoError(t, err)
	assert.Equal(t, "ai_strategy", plan.Strategy)
	assert.True(t, strings.HasPrefix(plan.Reason, "fallback(profitable_pairs, provider error):"), plan.Reason)
}

func TestAIStrategyFallsBackOnUnusablePlan(t *testing.T) {
	cases := map[string]*llm.ChatResponse{
		"no tool call": {Content: "I think you should trade ore.", FinishReason: "stop"},
		"empty steps":  proposeResponse([]any{}, "nothing"),
		"bad expect":   proposeResponse([]any{map[string]any{"send": "p", "expect": "warp_drive"}}, "x"),
		"empty send":   proposeResponse([]any{map[string]any{"send": ""}}, "x"),
	}

	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			provider := &fakeProvider{resp: resp}
			ai := newAIForTest(provider, llm.NewMeter(llm.Budget{}, llm.PriceTable{}))

			plan, err := ai.Decide(context.Background(), game.NewTracker(nil))
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(plan.Reason, "fallback(profitable_pairs, parse error):"), plan.Reason)
		})
	}
}

func TestAIStrategyCapsStepCount(t *testing.T) {
	steps := make([]any, 0, maxAISteps+10)
	for i := 0; i < maxAISteps+10; i++ {
		steps = append(steps, map[string]any{"send": "d"})
	}
	provider := &fakeProvider{resp: proposeResponse(steps, "marathon")}
	ai := newAIForTest(provider, llm.NewMeter(llm.Budget{}, llm.PriceTable{}))

	plan, err := ai.Decide(context.Background(), game.NewTracker(nil))
	require.NoError(t, err)
	assert.Len(t, plan.Steps, maxAISteps)
}

func TestUnitMarginRespectsClassAndStock(t *testing.T) {
	seller := domain.Port{Class: domain.ClassFromCode("SSB")} // sells ore
	buyer := domain.Port{Class: domain.ClassFromCode("BBS")}  // buys ore

	m := unitMargin(domain.FuelOre, seller, buyer)
	assert.Greater(t, m, 0.0)

	// wrong direction: buyer does not sell ore
	assert.Zero(t, unitMargin(domain.FuelOre, buyer, seller))

	// a starved buyer pays more than a flush one
	starved := domain.Port{Class: buyer.Class, Percents: map[domain.Commodity]int{domain.FuelOre: 5}}
	flush := domain.Port{Class: buyer.Class, Percents: map[domain.Commodity]int{domain.FuelOre: 100}}
	assert.Greater(t, unitMargin(domain.FuelOre, seller, starved), unitMargin(domain.FuelOre, seller, flush))
}
