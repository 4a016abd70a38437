package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// stateVersion identifies the swarm_state.json schema.
const stateVersion = 1

// persistedState is what lands in swarm_state.json: the registry minus
// anything volatile or secret. Account is a name; passwords and vault
// passphrases never touch this file.
type persistedState struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Bots    []persistedBot `json:"bots"`
}

type persistedBot struct {
	ID         string    `json:"id"`
	Spec       wireSpec  `json:"spec"`
	State      string    `json:"state"`
	Account    string    `json:"account,omitempty"`
	Source     string    `json:"account_source,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Restarts   int       `json:"restarts"`
	SpawnedAt  time.Time `json:"spawned_at"`
	LastUpdate time.Time `json:"last_update_time"`
	ErrorType  string    `json:"error_type,omitempty"`
	ErrorMsg   string    `json:"error_message,omitempty"`
	ExitReason string    `json:"exit_reason,omitempty"`
}

func recordToPersisted(r *BotRecord) persistedBot {
	return persistedBot{
		ID:         r.ID,
		Spec:       specToWire(r.Spec),
		State:      string(r.State),
		Account:    r.Account,
		Source:     r.Source,
		SessionID:  r.SessionID,
		PID:        r.PID,
		Restarts:   r.Restarts,
		SpawnedAt:  r.SpawnedAt,
		LastUpdate: r.LastUpdate,
		ErrorType:  r.ErrorType,
		ErrorMsg:   r.ErrorMsg,
		ExitReason: r.ExitReason,
	}
}

// saveState writes the registry snapshot atomically: temp file in the
// same directory, then rename over the target. A crash mid-write leaves
// the previous file intact.
func saveState(path string, recs []*BotRecord, now time.Time) error {
	st := persistedState{Version: stateVersion, SavedAt: now}
	st.Bots = make([]persistedBot, 0, len(recs))
	for _, r := range recs {
		st.Bots = append(st.Bots, recordToPersisted(r))
	}

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("swarm: encoding state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("swarm: state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("swarm: writing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("swarm: committing state: %w", err)
	}
	return nil
}

// loadState reads a previously saved registry. A missing file is an
// empty state, not an error.
func loadState(path string) (persistedState, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return persistedState{Version: stateVersion}, nil
	}
	if err != nil {
		return persistedState{}, fmt.Errorf("swarm: reading state: %w", err)
	}

	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return persistedState{}, fmt.Errorf("swarm: decoding state %s: %w", path, err)
	}
	return st, nil
}

// adoptState converts persisted entries into registry records. Entries
// are historical only: anything that was live when the previous manager
// died comes back as disconnected. Processes are never resurrected.
func adoptState(st persistedState, now time.Time) []*BotRecord {
	recs := make([]*BotRecord, 0, len(st.Bots))
	for _, b := range st.Bots {
		state := WorkerState(b.State)
		if state.Live() || state == "" {
			state = StateDisconnected
		}
		rec := &BotRecord{
			ID:         b.ID,
			Spec:       specFromWire(b.Spec),
			State:      state,
			Account:    b.Account,
			Source:     b.Source,
			SessionID:  b.SessionID,
			Restarts:   b.Restarts,
			SpawnedAt:  b.SpawnedAt,
			LastUpdate: b.LastUpdate,
			ErrorType:  b.ErrorType,
			ErrorMsg:   b.ErrorMsg,
			ExitReason: b.ExitReason,
		}
		if state == StateDisconnected && WorkerState(b.State).Live() {
			rec.ExitReason = "manager restarted while bot was live"
			rec.touch(now)
		}
		recs = append(recs, rec)
	}
	return recs
}
