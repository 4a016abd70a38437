package postgres

import (
	"context"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// HistorySink adapts the history store to the telemetry mirror
// interface so every recorded turn lands in turn_records.
type HistorySink struct {
	store *HistoryStore
}

// NewHistorySink wraps a history store as a telemetry sink.
func NewHistorySink(store *HistoryStore) *HistorySink {
	return &HistorySink{store: store}
}

// TurnRecorded persists one turn record.
func (s *HistorySink) TurnRecorded(ctx context.Context, rec domain.TurnRecord) error {
	return s.store.SaveTurns(ctx, []domain.TurnRecord{rec})
}

// RollupProduced is a no-op: rollups are re-derivable from turn_records,
// so only the raw rows are persisted.
func (s *HistorySink) RollupProduced(ctx context.Context, r domain.Rollup) error {
	return nil
}

// Compile-time interface check.
var _ telemetry.Sink = (*HistorySink)(nil)
