package domain

import "time"

// EventKind classifies swarm and bot lifecycle events for the bus, the
// websocket feed, and the notifier.
type EventKind string

const (
	EventBotStarted   EventKind = "bot_started"
	EventBotStopped   EventKind = "bot_stopped"
	EventBotState     EventKind = "bot_state"
	EventBotError     EventKind = "bot_error"
	EventTurn         EventKind = "turn"
	EventPrompt       EventKind = "prompt"
	EventScreen       EventKind = "screen"
	EventIntervention EventKind = "intervention"
	EventFeedback     EventKind = "llm_feedback"
	EventPhase        EventKind = "phase"
	EventHijack       EventKind = "hijack"
	EventRelease      EventKind = "release"
	EventAccount      EventKind = "account"
	EventArchive      EventKind = "archive"
	EventSwarm        EventKind = "swarm"
)

// Event is the envelope all subsystems publish. BotID is empty for
// swarm-level events.
type Event struct {
	ID    string
	Kind  EventKind
	BotID string
	At    time.Time
	Data  map[string]any
}
