package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
)

func hit(rule string, fields map[string]any) *domain.PromptHit {
	if fields == nil {
		fields = map[string]any{}
	}
	return &domain.PromptHit{Rule: rule, Fields: fields, At: time.Now()}
}

func TestApplySectorBuildsGraph(t *testing.T) {
	tr := NewTracker(nil)

	require.NoError(t, tr.Apply(hit("sector_display", map[string]any{
		"sector":     2890,
		"region":     "uncharted space",
		"warps":      []int{287, 564, 981},
		"port_name":  "Stargate Alpha I",
		"port_class": 1,
	})))

	assert.Equal(t, 2890, tr.CurrentSector())

	info, ok := tr.Sector(2890)
	require.True(t, ok)
	assert.Equal(t, []int{287, 564, 981}, info.Warps)
	assert.True(t, info.HasPort)
	assert.Equal(t, "Stargate Alpha I", info.PortName)

	p, ok := tr.Port(2890)
	require.True(t, ok)
	assert.Equal(t, domain.PortClass(1), p.Class)
	assert.Equal(t, "BBS", p.Class.Code())
}

func TestApplyDetectsMoveDesync(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Apply(hit("command_prompt", map[string]any{"sector": 100})))

	tr.ExpectMove(200)
	err := tr.Apply(hit("command_prompt", map[string]any{"sector": 300}))
	require.ErrorIs(t, err, domain.ErrStateDesync)

	// the model follows the screen, not the plan
	assert.Equal(t, 300, tr.CurrentSector())
	bad, reason := tr.Desync()
	assert.True(t, bad)
	assert.Contains(t, reason, "expected sector 200")

	tr.ClearDesync()
	bad, _ = tr.Desync()
	assert.False(t, bad)
}

func TestApplyClearsExpectationOnArrival(t *testing.T) {
	tr := NewTracker(nil)
	tr.ExpectMove(564)

	require.NoError(t, tr.Apply(hit("sector_display", map[string]any{
		"sector": 564,
		"warps":  []int{2890},
	})))
	bad, _ := tr.Desync()
	assert.False(t, bad)

	// a later unexpected sector is not a desync once the move resolved
	require.NoError(t, tr.Apply(hit("command_prompt", map[string]any{"sector": 2890})))
}

func TestApplyPortReportDerivesClass(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Apply(hit("command_prompt", map[string]any{"sector": 42})))

	require.NoError(t, tr.Apply(hit("port_report", map[string]any{
		"port":       "Mongo Bongo",
		"ore_status": "Selling", "ore_amt": 2400, "ore_pct": 91,
		"org_status": "Selling", "org_amt": 1200, "org_pct": 45,
		"equ_status": "Buying", "equ_amt": 800, "equ_pct": 100,
	})))

	p, ok := tr.Port(42)
	require.True(t, ok)
	assert.Equal(t, "Mongo Bongo", p.Name)
	assert.Equal(t, domain.ClassFromCode("SSB"), p.Class)
	assert.Equal(t, 2400, p.Amounts[domain.FuelOre])
	assert.Equal(t, 45, p.Percents[domain.Organics])
	assert.True(t, p.Class.Sells(domain.FuelOre))
	assert.True(t, p.Class.Buys(domain.Equipment))
}

func TestApplyInfoUpdatesPlayerAndShip(t *testing.T) {
	tr := NewTracker(nil)

	require.NoError(t, tr.Apply(hit("info_display", map[string]any{
		"trader":      "Private 1st Class griffin",
		"credits":     int64(31000),
		"turns":       1940,
		"exp":         155,
		"align":       20,
		"ship_name":   "The Flying Wasp",
		"holds_total": 40,
		"holds_empty": 30,
		"fighters":    2500,
		"shields":     400,
		"sector":      2890,
	})))

	pl := tr.Player()
	assert.Equal(t, int64(31000), pl.Credits)
	assert.Equal(t, 1940, pl.TurnsLeft)
	assert.Equal(t, 155, pl.Experience)

	sh := tr.Ship()
	assert.Equal(t, 40, sh.Holds)
	assert.Equal(t, 10, sh.HoldsUsed)
	assert.Equal(t, 30, sh.HoldsFree())

	// second info screen moves the turn counter
	require.NoError(t, tr.Apply(hit("info_display", map[string]any{"turns": 1900})))
	assert.Equal(t, 40, tr.TurnsUsed())
}

func TestApplyTradeDone(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Apply(hit("info_display", map[string]any{"holds_total": 40, "holds_empty": 40})))

	require.NoError(t, tr.Apply(hit("trade_done", map[string]any{
		"credits": int64(45210),
		"holds":   10,
	})))

	assert.Equal(t, int64(45210), tr.Player().Credits)
	assert.Equal(t, 30, tr.Ship().HoldsUsed)
}

func TestRouteBFS(t *testing.T) {
	tr := NewTracker(nil)
	feed := func(id int, warps ...int) {
		require.NoError(t, tr.Apply(hit("sector_display", map[string]any{
			"sector": id,
			"warps":  warps,
		})))
	}
	// 1 - 2 - 3 - 5, 1 - 4 - 5
	feed(1, 2, 4)
	feed(2, 1, 3)
	feed(3, 2, 5)
	feed(4, 1, 5)
	feed(5, 3, 4)

	assert.Equal(t, []int{1, 4, 5}, tr.Route(1, 5))
	assert.Equal(t, []int{1}, tr.Route(1, 1))
	assert.Nil(t, tr.Route(1, 99))
	assert.Nil(t, tr.Route(99, 1))
}

func TestRouteThroughUnexploredWarp(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Apply(hit("sector_display", map[string]any{
		"sector": 1,
		"warps":  []int{7},
	})))

	// 7 itself was never displayed but is a known edge target
	assert.Equal(t, []int{1, 7}, tr.Route(1, 7))
	// nothing beyond an unexplored sector is reachable
	assert.Nil(t, tr.Route(1, 8))
}

func TestReadsReturnCopies(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Apply(hit("sector_display", map[string]any{
		"sector": 10,
		"warps":  []int{11, 12},
	})))

	info, _ := tr.Sector(10)
	info.Warps[0] = 999

	again, _ := tr.Sector(10)
	assert.Equal(t, []int{11, 12}, again.Warps)
}

func TestCombatAlertTimestamps(t *testing.T) {
	tr := NewTracker(nil)
	assert.True(t, tr.LastCombat().IsZero())

	require.NoError(t, tr.Apply(hit("combat_alert", nil)))
	assert.WithinDuration(t, time.Now(), tr.LastCombat(), time.Second)
}
