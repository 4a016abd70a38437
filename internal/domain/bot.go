package domain

import "time"

// BotState tracks the bot runtime lifecycle.
type BotState string

const (
	BotStateStarting BotState = "starting"
	BotStateRunning  BotState = "running"
	BotStatePaused   BotState = "paused" // hijacked by an operator
	BotStateDegraded BotState = "degraded"
	BotStateStopping BotState = "stopping"
	BotStateStopped  BotState = "stopped"
	BotStateError    BotState = "error"
)

// BotSpec describes one bot the swarm should run. Account is the pool name
// the bot prefers; empty means any available account.
type BotSpec struct {
	ID        string
	Host      string
	Port      int
	Game      string // BBS menu selection for the game, e.g. "T"
	Strategy  string
	Goal      string
	Account   string
	RulesFile string
	MaxTurns  int
	Params    map[string]string
}

// BotStatus is a point-in-time snapshot of a running bot, served by the
// status API and persisted (minus secrets) in the swarm state file.
type BotStatus struct {
	ID           string
	State        BotState
	Spec         BotSpec
	SessionID    string
	Account      string // account name only, never credentials
	PID          int
	Restarts     int
	Strategy     string // active strategy, may differ from Spec after fallback
	Phase        string
	Sector       int
	Credits      int64
	TurnsUsed    int
	TurnsLeft    int
	Trades       int
	LastPrompt   string
	LastActivity time.Time
	StartedAt    time.Time
	Err          string // last error, "" when healthy
}

// HijackLease grants exclusive manual control of a bot. The holder must
// renew before Expires or the runtime reclaims the loop.
type HijackLease struct {
	BotID    string
	Token    string
	Owner    string
	IssuedAt time.Time
	Expires  time.Time
}

// HijackTTL is the heartbeat window for a manual-control lease.
const HijackTTL = 30 * time.Second
