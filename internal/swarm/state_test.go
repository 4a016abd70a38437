package swarm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "swarm_state.json")
	now := time.Now().UTC().Truncate(time.Millisecond)

	recs := []*BotRecord{
		{
			ID:         "bot-1",
			Spec:       domain.BotSpec{ID: "bot-1", Host: "bbs.example.net", Port: 23, Strategy: "pair_trade", MaxTurns: 150},
			State:      StateRunning,
			PID:        4242,
			SessionID:  "sess-1",
			Account:    "acct-1",
			Source:     "config",
			Restarts:   1,
			SpawnedAt:  now.Add(-time.Hour),
			LastUpdate: now,
		},
		{
			ID:         "bot-2",
			Spec:       domain.BotSpec{ID: "bot-2", Host: "bbs.example.net", Port: 23},
			State:      StateError,
			ErrorType:  "supervision",
			ErrorMsg:   "max restarts (3) exceeded: process exited with code 1",
			ExitReason: "exit code 1",
			LastUpdate: now.Add(-10 * time.Minute),
		},
	}

	require.NoError(t, saveState(path, recs, now))

	st, err := loadState(path)
	require.NoError(t, err)
	assert.Equal(t, stateVersion, st.Version)
	require.Len(t, st.Bots, 2)

	b := st.Bots[0]
	assert.Equal(t, "bot-1", b.ID)
	assert.Equal(t, "running", b.State)
	assert.Equal(t, "acct-1", b.Account)
	assert.Equal(t, 4242, b.PID)
	assert.Equal(t, "bbs.example.net", b.Spec.Host)
	assert.Equal(t, 150, b.Spec.MaxTurns)
	assert.Equal(t, "max restarts (3) exceeded: process exited with code 1", st.Bots[1].ErrorMsg)
}

func TestSaveStateIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm_state.json")
	require.NoError(t, saveState(path, nil, time.Now()))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "the temp file must be renamed away")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStateFileNeverHoldsCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm_state.json")
	rec := &BotRecord{
		ID:      "bot-1",
		Spec:    domain.BotSpec{ID: "bot-1", Host: "bbs.example.net", Account: "acct-1"},
		State:   StateRunning,
		Account: "acct-1",
	}
	require.NoError(t, saveState(path, []*BotRecord{rec}, time.Now()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "acct-1")
	assert.NotContains(t, string(raw), "password")
	assert.NotContains(t, string(raw), "passphrase")
	assert.NotContains(t, string(raw), "username")
}

func TestLoadStateMissingFileIsEmpty(t *testing.T) {
	st, err := loadState(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, st.Bots)
	assert.Equal(t, stateVersion, st.Version)
}

func TestAdoptStateDisconnectsTheLiving(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	st := persistedState{
		Version: stateVersion,
		Bots: []persistedBot{
			{ID: "bot-1", State: "running", PID: 4242, LastUpdate: old},
			{ID: "bot-2", State: "completed", ExitReason: "session complete", LastUpdate: old},
			{ID: "bot-3", State: "disconnected", ExitReason: "game connection lost", LastUpdate: old},
			{ID: "bot-4", State: "queued", LastUpdate: old},
		},
	}

	recs := adoptState(st, now)
	require.Len(t, recs, 4)
	byID := make(map[string]*BotRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	live := byID["bot-1"]
	assert.Equal(t, StateDisconnected, live.State)
	assert.Equal(t, "manager restarted while bot was live", live.ExitReason)
	assert.Equal(t, now, live.LastUpdate)
	assert.Zero(t, live.PID, "a dead manager's pids are stale")

	done := byID["bot-2"]
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, "session complete", done.ExitReason)
	assert.Equal(t, old, done.LastUpdate, "terminal history keeps its timestamps")

	gone := byID["bot-3"]
	assert.Equal(t, StateDisconnected, gone.State)
	assert.Equal(t, "game connection lost", gone.ExitReason, "an already-disconnected record keeps its own story")
	assert.Equal(t, old, gone.LastUpdate)

	assert.Equal(t, StateDisconnected, byID["bot-4"].State)
}
