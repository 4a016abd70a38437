package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// wireEvent is the JSON form of domain.Event on channels and streams.
type wireEvent struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	BotID string         `json:"bot_id,omitempty"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// EncodeEvent renders an event in the wire form PublishEvent sends.
func EncodeEvent(ev domain.Event) ([]byte, error) {
	payload, err := json.Marshal(wireEvent{
		ID:    ev.ID,
		Kind:  string(ev.Kind),
		BotID: ev.BotID,
		At:    ev.At,
		Data:  ev.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: encoding event %s: %w", ev.Kind, err)
	}
	return payload, nil
}

// PublishEvent fans one event out: the swarm channel always, the bot
// channel when the event names a bot, and the durable stream.
func (b *Bus) PublishEvent(ctx context.Context, ev domain.Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}

	if err := b.Publish(ctx, SwarmChannel, payload); err != nil {
		return err
	}
	if ev.BotID != "" {
		if err := b.Publish(ctx, BotChannel(ev.BotID), payload); err != nil {
			return err
		}
	}
	return b.StreamAppend(ctx, EventStream, payload)
}

// DecodeEvent parses a payload produced by PublishEvent.
func DecodeEvent(payload []byte) (domain.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return domain.Event{}, fmt.Errorf("bus: decoding event: %w", err)
	}
	return domain.Event{
		ID:    w.ID,
		Kind:  domain.EventKind(w.Kind),
		BotID: w.BotID,
		At:    w.At,
		Data:  w.Data,
	}, nil
}

// wireTurn is the JSON form of domain.TurnRecord on the turn stream.
type wireTurn struct {
	ID           string  `json:"id"`
	BotID        string  `json:"bot_id"`
	SessionID    string  `json:"session_id"`
	Seq          int     `json:"seq"`
	Strategy     string  `json:"strategy"`
	Phase        string  `json:"phase,omitempty"`
	Action       string  `json:"action,omitempty"`
	Sector       int     `json:"sector"`
	Credits      int64   `json:"credits"`
	CreditsDelta int64   `json:"credits_delta"`
	Trades       int     `json:"trades"`
	TurnsUsed    int     `json:"turns_used"`
	LLMTokens    int     `json:"llm_tokens,omitempty"`
	LLMCost      float64 `json:"llm_cost,omitempty"`
	PromptRule   string  `json:"prompt_rule,omitempty"`
	DurationMS   int64   `json:"duration_ms"`
	At           string  `json:"at"`
}

// wireRollup is the JSON form of domain.Rollup on the rollup stream.
type wireRollup struct {
	BotID         string  `json:"bot_id"`
	Window        string  `json:"window"`
	Start         string  `json:"start"`
	End           string  `json:"end"`
	Turns         int     `json:"turns"`
	Trades        int     `json:"trades"`
	CreditsDelta  int64   `json:"credits_delta"`
	CPT           float64 `json:"cpt"`
	LLMTokens     int     `json:"llm_tokens"`
	LLMCost       float64 `json:"llm_cost"`
	Interventions int     `json:"interventions"`
}

// TelemetrySink mirrors turn records and rollups onto Redis streams so
// history survives a manager restart even without Postgres.
type TelemetrySink struct {
	bus *Bus
}

// NewTelemetrySink wraps the bus as a telemetry mirror.
func NewTelemetrySink(b *Bus) *TelemetrySink {
	return &TelemetrySink{bus: b}
}

// TurnRecorded appends one turn record to the turn stream.
func (s *TelemetrySink) TurnRecorded(ctx context.Context, rec domain.TurnRecord) error {
	payload, err := json.Marshal(wireTurn{
		ID:           rec.ID,
		BotID:        rec.BotID,
		SessionID:    rec.SessionID,
		Seq:          rec.Seq,
		Strategy:     rec.Strategy,
		Phase:        rec.Phase,
		Action:       rec.Action,
		Sector:       rec.Sector,
		Credits:      rec.Credits,
		CreditsDelta: rec.CreditsDelta,
		Trades:       rec.Trades,
		TurnsUsed:    rec.TurnsUsed,
		LLMTokens:    rec.LLMTokens,
		LLMCost:      rec.LLMCost,
		PromptRule:   rec.PromptRule,
		DurationMS:   rec.Duration.Milliseconds(),
		At:           rec.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("bus: encoding turn %s: %w", rec.ID, err)
	}
	return s.bus.StreamAppend(ctx, TurnStream, payload)
}

// RollupProduced appends one rollup to the rollup stream.
func (s *TelemetrySink) RollupProduced(ctx context.Context, r domain.Rollup) error {
	payload, err := json.Marshal(wireRollup{
		BotID:         r.BotID,
		Window:        r.Window,
		Start:         r.Start.UTC().Format(time.RFC3339Nano),
		End:           r.End.UTC().Format(time.RFC3339Nano),
		Turns:         r.Turns,
		Trades:        r.Trades,
		CreditsDelta:  r.CreditsDelta,
		CPT:           r.CPT,
		LLMTokens:     r.LLMTokens,
		LLMCost:       r.LLMCost,
		Interventions: r.Interventions,
	})
	if err != nil {
		return fmt.Errorf("bus: encoding rollup for %s: %w", r.BotID, err)
	}
	return s.bus.StreamAppend(ctx, RollupStream, payload)
}

// Compile-time interface check.
var _ telemetry.Sink = (*TelemetrySink)(nil)
