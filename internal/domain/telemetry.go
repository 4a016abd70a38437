package domain

import "time"

// TurnRecord captures one completed ORIENT/DECIDE/EXECUTE/RECORD cycle.
type TurnRecord struct {
	ID           string
	BotID        string
	SessionID    string
	Seq          int
	Strategy     string
	Phase        string
	Action       string // plan fingerprint, e.g. "p|11|p|10"
	Sector       int
	Credits      int64
	CreditsDelta int64
	Trades       int
	TurnsUsed    int // game turns this cycle consumed
	LLMTokens    int
	LLMCost      float64 // USD
	PromptRule   string
	Duration     time.Duration
	At           time.Time
}

// Rollup aggregates turn records over a window ("1m", "15m", "session").
type Rollup struct {
	BotID         string
	Window        string
	Start         time.Time
	End           time.Time
	Turns         int
	Trades        int
	CreditsDelta  int64
	CPT           float64 // credits per turn over the window
	LLMTokens     int
	LLMCost       float64
	Interventions int
}

// Swarm aggregate filters. Sessions below these floors, or with an
// implausible credits-per-turn, are excluded from fleet means but remain
// visible in raw listings.
const (
	AggregateMinTurns  = 30
	AggregateMinTrades = 1
	AggregateMaxAbsCPT = 100.0
)

// IncludeInAggregate applies the outlier filter to a session rollup.
func IncludeInAggregate(r Rollup) bool {
	if r.Turns < AggregateMinTurns {
		return false
	}
	if r.Trades < AggregateMinTrades {
		return false
	}
	if r.CPT > AggregateMaxAbsCPT || r.CPT < -AggregateMaxAbsCPT {
		return false
	}
	return true
}
