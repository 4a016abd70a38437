package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BotRun is one bot lifetime from spawn to exit, persisted for history.
type BotRun struct {
	ID        string
	BotID     string
	SessionID string
	Account   string // name only
	Strategy  string
	StartedAt time.Time
	EndedAt   *time.Time
	ExitState BotState
	ExitErr   string
}

// HistoryStore persists turn records, interventions, and bot runs for
// later analysis. All implementations must tolerate duplicate inserts
// (same record ID) without failing.
type HistoryStore interface {
	SaveRun(ctx context.Context, run BotRun) error
	FinishRun(ctx context.Context, runID string, state BotState, errMsg string, at time.Time) error
	SaveTurns(ctx context.Context, records []TurnRecord) error
	SaveIntervention(ctx context.Context, iv Intervention) error
	ListTurns(ctx context.Context, botID string, opts ListOpts) ([]TurnRecord, error)
	ListInterventions(ctx context.Context, botID string, opts ListOpts) ([]Intervention, error)
	ListRuns(ctx context.Context, botID string, opts ListOpts) ([]BotRun, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of operator actions
// (hijack, step, release, scale) for accountability.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
