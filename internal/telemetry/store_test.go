package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
)

type captureSink struct {
	recs    []domain.TurnRecord
	rollups []domain.Rollup
	err     error
}

func (c *captureSink) TurnRecorded(_ context.Context, rec domain.TurnRecord) error {
	c.recs = append(c.recs, rec)
	return c.err
}

func (c *captureSink) RollupProduced(_ context.Context, r domain.Rollup) error {
	c.rollups = append(c.rollups, r)
	return c.err
}

func rec(botID string, seq, turns, trades int, delta int64, at time.Time) domain.TurnRecord {
	return domain.TurnRecord{
		ID:           fmt.Sprintf("%s-%d", botID, seq),
		BotID:        botID,
		Seq:          seq,
		Strategy:     "profitable_pairs",
		TurnsUsed:    turns,
		Trades:       trades,
		CreditsDelta: delta,
		At:           at,
	}
}

func TestRecordTurnUpdatesCountersAndRing(t *testing.T) {
	s := NewStore(Config{}, nil)
	now := time.Now()

	s.RecordTurn(context.Background(), rec("b1", 1, 2, 1, 400, now))
	r2 := rec("b1", 2, 3, 0, -50, now.Add(time.Second))
	r2.LLMTokens = 250
	r2.LLMCost = 0.004
	s.RecordTurn(context.Background(), r2)

	c := s.Counters("b1")
	assert.Equal(t, 5, c.Turns)
	assert.Equal(t, 1, c.Trades)
	assert.Equal(t, int64(350), c.CreditsDelta)
	assert.InDelta(t, 70.0, c.CPT, 0.001)
	assert.Equal(t, 1, c.LLMWakeups)
	assert.Equal(t, 250, c.LLMTokens)

	w := s.Window("b1", 10)
	require.Len(t, w, 2)
	assert.Equal(t, 1, w[0].Seq)
	assert.Equal(t, 2, w[1].Seq)

	assert.Equal(t, []string{"b1"}, s.Bots())
	assert.Empty(t, s.Counters("unknown"))
}

func TestRingIsBounded(t *testing.T) {
	s := NewStore(Config{RingSize: 5}, nil)
	now := time.Now()
	for i := 1; i <= 8; i++ {
		s.RecordTurn(context.Background(), rec("b1", i, 1, 0, 0, now.Add(time.Duration(i)*time.Second)))
	}

	w := s.Window("b1", 0)
	require.Len(t, w, 5)
	assert.Equal(t, 4, w[0].Seq)
	assert.Equal(t, 8, w[4].Seq)

	assert.Len(t, s.Window("b1", 2), 2)
}

func TestNoTradeStreakBuckets(t *testing.T) {
	s := NewStore(Config{}, nil)
	now := time.Now()

	// three dry cycles of 20 turns cross t30 and t60 once each
	for i := 1; i <= 3; i++ {
		s.RecordTurn(context.Background(), rec("b1", i, 20, 0, 0, now))
	}
	c := s.Counters("b1")
	assert.Equal(t, 1, c.NoTrade30)
	assert.Equal(t, 1, c.NoTrade60)
	assert.Zero(t, c.NoTrade90)

	// a trade resets the streak; the next dry spell counts again
	s.RecordTurn(context.Background(), rec("b1", 4, 1, 1, 300, now))
	s.RecordTurn(context.Background(), rec("b1", 5, 35, 0, 0, now))
	c = s.Counters("b1")
	assert.Equal(t, 2, c.NoTrade30)
	assert.Equal(t, 1, c.NoTrade60)
}

func TestCountHaggle(t *testing.T) {
	s := NewStore(Config{}, nil)
	s.CountHaggle("b1", HaggleAccept)
	s.CountHaggle("b1", HaggleAccept)
	s.CountHaggle("b1", HaggleCounter)
	s.CountHaggle("b1", HaggleTooHigh)
	s.CountHaggle("b1", HaggleTooLow)

	c := s.Counters("b1")
	assert.Equal(t, HaggleCounts{Accept: 2, Counter: 1, TooHigh: 1, TooLow: 1}, c.Haggle)
}

func TestRollupSinceFiltersByTime(t *testing.T) {
	s := NewStore(Config{}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(10 * time.Minute) }

	s.RecordTurn(context.Background(), rec("b1", 1, 5, 1, 1000, base))
	s.RecordTurn(context.Background(), rec("b1", 2, 5, 2, 2000, base.Add(6*time.Minute)))
	s.CountIntervention("b1")

	r := s.RollupSince("b1", "5m", base.Add(5*time.Minute))
	assert.Equal(t, "5m", r.Window)
	assert.Equal(t, 5, r.Turns)
	assert.Equal(t, 2, r.Trades)
	assert.Equal(t, int64(2000), r.CreditsDelta)
	assert.InDelta(t, 400.0, r.CPT, 0.001)
	assert.Equal(t, 1, r.Interventions)

	all := s.RollupSince("b1", "1h", base.Add(-time.Hour))
	assert.Equal(t, 10, all.Turns)
	assert.Equal(t, int64(3000), all.CreditsDelta)
}

func TestSessionRollupOutlierFilter(t *testing.T) {
	s := NewStore(Config{}, nil)
	now := time.Now()

	// 40 turns, 10 trades, cpt 25: passes the aggregate filter
	for i := 1; i <= 10; i++ {
		s.RecordTurn(context.Background(), rec("good", i, 4, 1, 100, now.Add(time.Duration(i)*time.Second)))
	}
	good := s.SessionRollup("good")
	assert.Equal(t, 40, good.Turns)
	assert.InDelta(t, 25.0, good.CPT, 0.001)
	assert.True(t, domain.IncludeInAggregate(good))

	// same shape but implausible cpt
	for i := 1; i <= 10; i++ {
		s.RecordTurn(context.Background(), rec("lucky", i, 4, 1, 5000, now.Add(time.Duration(i)*time.Second)))
	}
	assert.False(t, domain.IncludeInAggregate(s.SessionRollup("lucky")))

	// too short to judge
	s.RecordTurn(context.Background(), rec("young", 1, 3, 1, 50, now))
	assert.False(t, domain.IncludeInAggregate(s.SessionRollup("young")))
}

func TestStrategyAggregates(t *testing.T) {
	s := NewStore(Config{}, nil)
	now := time.Now()

	for i := 1; i <= 10; i++ {
		s.RecordTurn(context.Background(), rec("b1", i, 4, 1, 100, now)) // pairs, cpt 25
		s.RecordTurn(context.Background(), rec("b2", i, 4, 1, 200, now)) // pairs, cpt 50
	}
	// b3 runs opportunistic but is too short to count
	r3 := rec("b3", 1, 3, 1, 50, now)
	r3.Strategy = "opportunistic"
	s.RecordTurn(context.Background(), r3)

	stats := s.StrategyAggregates()
	require.Len(t, stats, 2)

	assert.Equal(t, "opportunistic", stats[0].Strategy)
	assert.Zero(t, stats[0].Sessions)
	assert.Equal(t, 1, stats[0].Excluded)

	pairs := stats[1]
	assert.Equal(t, "profitable_pairs", pairs.Strategy)
	assert.Equal(t, 2, pairs.Sessions)
	assert.Zero(t, pairs.Excluded)
	assert.InDelta(t, 37.5, pairs.MeanCPT, 0.001)
	assert.InDelta(t, 25.0, pairs.MinCPT, 0.001)
	assert.InDelta(t, 50.0, pairs.MaxCPT, 0.001)
	assert.Equal(t, 20, pairs.Trades)
}

func TestFleetRollupSums(t *testing.T) {
	s := NewStore(Config{}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(time.Minute) }

	s.RecordTurn(context.Background(), rec("b1", 1, 5, 1, 1000, base))
	s.RecordTurn(context.Background(), rec("b2", 1, 5, 2, 500, base))

	fleet := s.FleetRollupSince("15m", base.Add(-time.Minute))
	assert.Equal(t, "fleet", fleet.BotID)
	assert.Equal(t, 10, fleet.Turns)
	assert.Equal(t, 3, fleet.Trades)
	assert.Equal(t, int64(1500), fleet.CreditsDelta)
	assert.InDelta(t, 150.0, fleet.CPT, 0.001)
}

func TestRollupTickStoresAndMirrors(t *testing.T) {
	sink := &captureSink{}
	s := NewStore(Config{RollupEvery: time.Minute}, nil, sink)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.RecordTurn(context.Background(), rec("b1", 1, 5, 1, 1000, base.Add(-30*time.Second)))
	require.Len(t, sink.recs, 1)

	s.rollupTick()

	rolls := s.Rollups("b1", 10)
	require.Len(t, rolls, 1)
	assert.Equal(t, "1m0s", rolls[0].Window)
	assert.Equal(t, 5, rolls[0].Turns)
	require.Len(t, sink.rollups, 1)
	assert.Equal(t, "b1", sink.rollups[0].BotID)

	// a quiet window produces nothing
	s.now = func() time.Time { return base.Add(5 * time.Minute) }
	s.rollupTick()
	assert.Len(t, s.Rollups("b1", 10), 1)
}

func TestFleetTickSkipsIdleFleet(t *testing.T) {
	sink := &captureSink{}
	s := NewStore(Config{}, nil, sink)
	s.fleetTick()
	assert.Empty(t, sink.rollups)
	assert.Empty(t, s.FleetRollups(10))
}

func TestSinkErrorsAreNotFatal(t *testing.T) {
	sink := &captureSink{err: errors.New("pg down")}
	s := NewStore(Config{}, nil, sink)

	s.RecordTurn(context.Background(), rec("b1", 1, 1, 0, 0, time.Now()))
	assert.Len(t, s.Window("b1", 10), 1)
}

func TestForgetDropsBot(t *testing.T) {
	s := NewStore(Config{}, nil)
	s.RecordTurn(context.Background(), rec("b1", 1, 1, 1, 10, time.Now()))
	s.CountIntervention("b1")

	s.Forget("b1")
	assert.Empty(t, s.Window("b1", 10))
	assert.Empty(t, s.Counters("b1"))
	assert.Empty(t, s.Bots())
}
