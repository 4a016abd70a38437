// Package swarm supervises a fleet of bot worker processes: spawning,
// health checks, restart with backoff, state persistence, and a
// WebSocket uplink over which workers report status and the manager
// proxies control operations (stop, hijack, step, goal changes).
//
// One manager process owns the BotRecord registry; workers are separate
// OS processes started from the same binary, each driving exactly one
// session. Credentials travel to workers through the environment, never
// on the command line, and never into the state file.
package swarm

import (
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// WorkerState is the manager's view of one worker process. It is a
// different axis from domain.BotState: the runtime reports how the bot
// feels, the manager records what the process is doing.
type WorkerState string

const (
	// StateQueued means spawn was requested; the worker has not said hello.
	StateQueued WorkerState = "queued"
	// StateRunning means the worker is registered and reporting.
	StateRunning WorkerState = "running"
	// StateBlocked means the process is alive but status reports stopped
	// arriving within the watchdog window.
	StateBlocked WorkerState = "blocked"
	// StateRecovering means a restart is scheduled and backoff is ticking.
	StateRecovering WorkerState = "recovering"
	// StateCompleted means the worker finished its turn budget or goal.
	StateCompleted WorkerState = "completed"
	// StateError means the process crashed, or restarts are exhausted.
	StateError WorkerState = "error"
	// StateStopped means an operator asked for the stop.
	StateStopped WorkerState = "stopped"
	// StateDisconnected means the game peer went away; the record is kept
	// for visibility and may be rearmed by an explicit restart.
	StateDisconnected WorkerState = "disconnected"
)

// Terminal reports whether the state is final. A terminal record never
// transitions again; only a fresh spawn (rearm) resets it.
func (s WorkerState) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateStopped:
		return true
	}
	return false
}

// Live reports whether a process is, or is about to be, attached to the
// record.
func (s WorkerState) Live() bool {
	switch s {
	case StateQueued, StateRunning, StateBlocked, StateRecovering:
		return true
	}
	return false
}

// BotRecord is one registry entry. The manager is the single writer;
// snapshots hand out copies.
type BotRecord struct {
	ID        string
	Spec      domain.BotSpec
	State     WorkerState
	PID       int
	SessionID string
	Account   string // account name only, never credentials
	Source    string // account source, for the dashboard
	Restarts  int

	SpawnedAt  time.Time
	LastUpdate time.Time // last_update_time; non-decreasing
	LastAction time.Time

	ErrorType  string
	ErrorMsg   string
	ExitReason string

	Hijacked   bool
	HijackedBy string
	HijackedAt time.Time

	// Reported is the worker's latest self-report. Zero until the first
	// status frame arrives.
	Reported statusBody

	// stopRequested marks an operator-initiated stop so the reaper labels
	// the exit "stopped" no matter what code the process returns.
	stopRequested bool
	// restartAfter asks the reaper to respawn once the exit is processed.
	restartAfter bool
	// restartAt is when a scheduled respawn fires, zero otherwise.
	restartAt time.Time
}

// transition moves the record to a new state. Terminal states are
// sticky: once completed, error, or stopped, the record never moves
// again (invariant: a dead bot cannot resurrect without a new spawn).
// Returns false when the transition was refused.
func (r *BotRecord) transition(to WorkerState, now time.Time) bool {
	if r.State.Terminal() {
		return false
	}
	if r.State == to {
		r.touch(now)
		return false
	}
	r.State = to
	r.touch(now)
	return true
}

// rearm resets a non-live record for a fresh spawn of the same bot.
// This is the single sanctioned path out of a terminal state.
func (r *BotRecord) rearm(now time.Time) {
	r.State = StateQueued
	r.PID = 0
	r.SessionID = ""
	r.ErrorType = ""
	r.ErrorMsg = ""
	r.ExitReason = ""
	r.Hijacked = false
	r.HijackedBy = ""
	r.HijackedAt = time.Time{}
	r.stopRequested = false
	r.restartAfter = false
	r.restartAt = time.Time{}
	r.SpawnedAt = now
	r.touch(now)
}

// touch advances LastUpdate monotonically.
func (r *BotRecord) touch(now time.Time) {
	if now.After(r.LastUpdate) {
		r.LastUpdate = now
	}
}

// applyStatus folds a worker self-report into the record.
func (r *BotRecord) applyStatus(s statusBody, now time.Time) {
	r.Reported = s
	if s.SessionID != "" {
		r.SessionID = s.SessionID
	}
	r.Hijacked = s.Hijacked
	r.HijackedBy = s.HijackedBy
	if s.Hijacked && r.HijackedAt.IsZero() {
		r.HijackedAt = now
	}
	if !s.Hijacked {
		r.HijackedAt = time.Time{}
	}
	r.LastAction = now
	r.touch(now)
}

// BotView is the per-bot block of the status snapshot, shaped for the
// HTTP and WebSocket APIs.
type BotView struct {
	BotID     string `json:"bot_id"`
	State     string `json:"state"`
	BotState  string `json:"bot_state,omitempty"` // runtime's own view
	Account   string `json:"account,omitempty"`
	Source    string `json:"account_source,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Restarts  int    `json:"restarts"`

	Host     string `json:"host,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Goal     string `json:"goal,omitempty"`
	Phase    string `json:"phase,omitempty"`
	Username string `json:"username,omitempty"`
	ShipName string `json:"ship_name,omitempty"`

	Sector        int    `json:"sector"`
	Credits       int64  `json:"credits"`
	TurnsExecuted int    `json:"turns_executed"`
	TurnsMax      int    `json:"turns_max,omitempty"`
	TurnsLeft     int    `json:"turns_left,omitempty"`
	TradesExec    int    `json:"trades_executed"`
	PromptID      string `json:"prompt_id,omitempty"`

	CreditsDelta   int64   `json:"credits_delta"`
	CreditsPerTurn float64 `json:"credits_per_turn"`
	HaggleAccept   int     `json:"haggle_accept"`
	HaggleCounter  int     `json:"haggle_counter"`
	HaggleTooHigh  int     `json:"haggle_too_high"`
	HaggleTooLow   int     `json:"haggle_too_low"`
	LLMWakeups     int     `json:"llm_wakeups"`
	LLMTokens      int     `json:"llm_tokens,omitempty"`

	CargoFuelOre   int `json:"cargo_fuel_ore"`
	CargoOrganics  int `json:"cargo_organics"`
	CargoEquipment int `json:"cargo_equipment"`
	Fighters       int `json:"fighters,omitempty"`
	Shields        int `json:"shields,omitempty"`

	LastUpdateTime time.Time  `json:"last_update_time"`
	LastActionTime *time.Time `json:"last_action_time,omitempty"`
	SpawnedAt      time.Time  `json:"spawned_at"`

	IsHijacked bool       `json:"is_hijacked"`
	HijackedBy string     `json:"hijacked_by,omitempty"`
	HijackedAt *time.Time `json:"hijacked_at,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ExitReason   string `json:"exit_reason,omitempty"`
}

// View renders the record for the status APIs.
func (r *BotRecord) View() BotView {
	v := BotView{
		BotID:     r.ID,
		State:     string(r.State),
		BotState:  r.Reported.State,
		Account:   r.Account,
		Source:    r.Source,
		SessionID: r.SessionID,
		PID:       r.PID,
		Restarts:  r.Restarts,

		Host:     r.Spec.Host,
		Strategy: r.Reported.Strategy,
		Goal:     r.Reported.Goal,
		Phase:    r.Reported.Phase,
		Username: r.Reported.Username,
		ShipName: r.Reported.ShipName,

		Sector:        r.Reported.Sector,
		Credits:       r.Reported.Credits,
		TurnsExecuted: r.Reported.TurnsUsed,
		TurnsMax:      r.Spec.MaxTurns,
		TurnsLeft:     r.Reported.TurnsLeft,
		TradesExec:    r.Reported.Trades,
		PromptID:      r.Reported.Prompt,

		CreditsDelta:   r.Reported.Counters.CreditsDelta,
		CreditsPerTurn: r.Reported.Counters.CPT,
		HaggleAccept:   r.Reported.Counters.Haggle.Accept,
		HaggleCounter:  r.Reported.Counters.Haggle.Counter,
		HaggleTooHigh:  r.Reported.Counters.Haggle.TooHigh,
		HaggleTooLow:   r.Reported.Counters.Haggle.TooLow,
		LLMWakeups:     r.Reported.Counters.LLMWakeups,
		LLMTokens:      r.Reported.Counters.LLMTokens,

		CargoFuelOre:   r.Reported.CargoFuelOre,
		CargoOrganics:  r.Reported.CargoOrganics,
		CargoEquipment: r.Reported.CargoEquipment,
		Fighters:       r.Reported.Fighters,
		Shields:        r.Reported.Shields,

		LastUpdateTime: r.LastUpdate,
		SpawnedAt:      r.SpawnedAt,

		IsHijacked: r.Hijacked,
		HijackedBy: r.HijackedBy,

		ErrorType:    r.ErrorType,
		ErrorMessage: r.ErrorMsg,
		ExitReason:   r.ExitReason,
	}
	if r.Spec.Strategy != "" && v.Strategy == "" {
		v.Strategy = r.Spec.Strategy
	}
	if !r.LastAction.IsZero() {
		t := r.LastAction
		v.LastActionTime = &t
	}
	if !r.HijackedAt.IsZero() {
		t := r.HijackedAt
		v.HijackedAt = &t
	}
	return v
}

// StatusSnapshot is the fleet-level status document pushed on the swarm
// channel and served by the status API.
type StatusSnapshot struct {
	Running       int            `json:"running"`
	TotalBots     int            `json:"total_bots"`
	Completed     int            `json:"completed"`
	Errors        int            `json:"errors"`
	States        map[string]int `json:"states"`
	TotalCredits  int64          `json:"total_credits"`
	TotalTurns    int            `json:"total_turns"`
	TotalTrades   int            `json:"total_trades"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	At            time.Time      `json:"at"`
	Bots          []BotView      `json:"bots"`
}

// buildSnapshot folds record views into the fleet document.
func buildSnapshot(views []BotView, startedAt, now time.Time) StatusSnapshot {
	snap := StatusSnapshot{
		States: make(map[string]int),
		At:     now,
		Bots:   views,
	}
	for _, v := range views {
		snap.TotalBots++
		snap.States[v.State]++
		snap.TotalCredits += v.Credits
		snap.TotalTurns += v.TurnsExecuted
		snap.TotalTrades += v.TradesExec
	}
	snap.Running = snap.States[string(StateRunning)]
	snap.Completed = snap.States[string(StateCompleted)]
	snap.Errors = snap.States[string(StateError)]
	if !startedAt.IsZero() {
		snap.UptimeSeconds = now.Sub(startedAt).Seconds()
	}
	return snap
}
