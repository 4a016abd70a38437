package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

func TestWorkerStateAxes(t *testing.T) {
	tests := []struct {
		state    WorkerState
		terminal bool
		live     bool
	}{
		{StateQueued, false, true},
		{StateRunning, false, true},
		{StateBlocked, false, true},
		{StateRecovering, false, true},
		{StateCompleted, true, false},
		{StateError, true, false},
		{StateStopped, true, false},
		{StateDisconnected, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.Terminal())
			assert.Equal(t, tt.live, tt.state.Live())
		})
	}
}

func TestTransitionTerminalIsSticky(t *testing.T) {
	now := time.Now()
	rec := &BotRecord{ID: "bot-1", State: StateRunning, LastUpdate: now}

	require.True(t, rec.transition(StateCompleted, now.Add(time.Second)))
	done := rec.LastUpdate

	assert.False(t, rec.transition(StateRunning, now.Add(2*time.Second)))
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, done, rec.LastUpdate, "a refused transition must not touch the record")
}

func TestTransitionLastUpdateNeverRegresses(t *testing.T) {
	now := time.Now()
	rec := &BotRecord{ID: "bot-1", State: StateRunning, LastUpdate: now}

	rec.touch(now.Add(-time.Hour))
	assert.Equal(t, now, rec.LastUpdate)

	rec.transition(StateBlocked, now.Add(-time.Minute))
	assert.Equal(t, StateBlocked, rec.State)
	assert.Equal(t, now, rec.LastUpdate)
}

func TestRearmResetsForRespawn(t *testing.T) {
	now := time.Now()
	rec := &BotRecord{
		ID:            "bot-1",
		State:         StateError,
		PID:           4242,
		SessionID:     "sess-old",
		ErrorType:     "supervision",
		ErrorMsg:      "process exited with code 1",
		ExitReason:    "exit code 1",
		Hijacked:      true,
		HijackedBy:    "ops",
		HijackedAt:    now.Add(-time.Hour),
		stopRequested: true,
		restartAfter:  true,
		restartAt:     now.Add(-time.Minute),
		Restarts:      2,
	}

	rec.rearm(now)

	assert.Equal(t, StateQueued, rec.State)
	assert.Zero(t, rec.PID)
	assert.Empty(t, rec.SessionID)
	assert.Empty(t, rec.ErrorType)
	assert.Empty(t, rec.ErrorMsg)
	assert.Empty(t, rec.ExitReason)
	assert.False(t, rec.Hijacked)
	assert.False(t, rec.stopRequested)
	assert.False(t, rec.restartAfter)
	assert.True(t, rec.restartAt.IsZero())
	assert.Equal(t, now, rec.SpawnedAt)
	assert.Equal(t, 2, rec.Restarts, "rearm keeps the restart count; respawn increments it")
}

func TestApplyStatusTracksHijackWindow(t *testing.T) {
	now := time.Now()
	rec := &BotRecord{ID: "bot-1", State: StateRunning}

	rec.applyStatus(statusBody{BotID: "bot-1", Hijacked: true, HijackedBy: "ops"}, now)
	require.True(t, rec.Hijacked)
	first := rec.HijackedAt
	require.False(t, first.IsZero())

	rec.applyStatus(statusBody{BotID: "bot-1", Hijacked: true, HijackedBy: "ops"}, now.Add(5*time.Second))
	assert.Equal(t, first, rec.HijackedAt, "hijack start survives later status frames")

	rec.applyStatus(statusBody{BotID: "bot-1"}, now.Add(10*time.Second))
	assert.False(t, rec.Hijacked)
	assert.True(t, rec.HijackedAt.IsZero())
	assert.Equal(t, now.Add(10*time.Second), rec.LastAction)
}

func TestViewComposesRecordAndReport(t *testing.T) {
	now := time.Now()
	rec := &BotRecord{
		ID:        "bot-1",
		Spec:      domain.BotSpec{Host: "bbs.example.net", Strategy: "pair_trade", MaxTurns: 150},
		State:     StateRunning,
		PID:       1234,
		Account:   "acct-1",
		Source:    "config",
		SessionID: "sess-1",
		Restarts:  1,
	}
	rec.applyStatus(statusBody{
		BotID:     "bot-1",
		State:     string(domain.BotStateRunning),
		Strategy:  "opportunistic",
		Goal:      "profit",
		Phase:     "2",
		Username:  "zaphod",
		ShipName:  "Heart of Gold",
		Sector:    610,
		Credits:   52300,
		TurnsUsed: 40,
		TurnsLeft: 110,
		Trades:    12,
		Prompt:    "command_prompt",
		CargoFuelOre: 20,
		Counters: telemetry.Counters{
			CreditsDelta: 12300,
			CPT:          307.5,
			LLMWakeups:   3,
		},
	}, now)

	v := rec.View()

	assert.Equal(t, "bot-1", v.BotID)
	assert.Equal(t, "running", v.State)
	assert.Equal(t, "running", v.BotState)
	assert.Equal(t, "acct-1", v.Account)
	assert.Equal(t, "bbs.example.net", v.Host)
	assert.Equal(t, "opportunistic", v.Strategy, "the worker's live strategy wins over the spec")
	assert.Equal(t, "profit", v.Goal)
	assert.Equal(t, 610, v.Sector)
	assert.Equal(t, int64(52300), v.Credits)
	assert.Equal(t, 40, v.TurnsExecuted)
	assert.Equal(t, 150, v.TurnsMax)
	assert.Equal(t, 12, v.TradesExec)
	assert.Equal(t, "command_prompt", v.PromptID)
	assert.Equal(t, int64(12300), v.CreditsDelta)
	assert.InDelta(t, 307.5, v.CreditsPerTurn, 0.001)
	assert.Equal(t, 3, v.LLMWakeups)
	assert.Equal(t, 20, v.CargoFuelOre)
	require.NotNil(t, v.LastActionTime)
	assert.Equal(t, now, *v.LastActionTime)
}

func TestViewFallsBackToSpecStrategy(t *testing.T) {
	rec := &BotRecord{
		ID:    "bot-1",
		Spec:  domain.BotSpec{Strategy: "pair_trade"},
		State: StateQueued,
	}
	assert.Equal(t, "pair_trade", rec.View().Strategy)
}

func TestBuildSnapshotAggregates(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)
	now := time.Now()
	views := []BotView{
		{BotID: "a", State: "running", Credits: 1000, TurnsExecuted: 10, TradesExec: 2},
		{BotID: "b", State: "running", Credits: 2500, TurnsExecuted: 20, TradesExec: 5},
		{BotID: "c", State: "completed", Credits: 9000, TurnsExecuted: 150, TradesExec: 40},
		{BotID: "d", State: "error"},
		{BotID: "e", State: "disconnected", Credits: 50},
	}

	snap := buildSnapshot(views, started, now)

	assert.Equal(t, 5, snap.TotalBots)
	assert.Equal(t, 2, snap.Running)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1, snap.Errors)
	assert.Equal(t, int64(12550), snap.TotalCredits)
	assert.Equal(t, 180, snap.TotalTurns)
	assert.Equal(t, 47, snap.TotalTrades)
	assert.Equal(t, 1, snap.States["disconnected"])
	assert.InDelta(t, 90, snap.UptimeSeconds, 1.0)
	assert.Len(t, snap.Bots, 5)
}
