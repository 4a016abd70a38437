// Package goals tracks a bot's goal phases: spans of turns that optimize
// one objective at a time. Phases advance on exit rules, can be switched
// explicitly, and can be rewound to an earlier phase using anchors as
// navigation snapshots. Every change is reported through the OnChange
// hook so the runtime can log and broadcast it.
package goals

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telewarp/bbsbot/internal/domain"
)

// GoalID names an objective a phase optimizes for.
type GoalID string

const (
	GoalProfit      GoalID = "profit"
	GoalCombat      GoalID = "combat"
	GoalExploration GoalID = "exploration"
	GoalBanking     GoalID = "banking"
)

// PhaseStatus is the lifecycle of one phase.
type PhaseStatus string

const (
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseRewound   PhaseStatus = "rewound"
)

// Trigger records what caused a phase to open.
type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
	TriggerRewind Trigger = "rewind"
)

// Metrics snapshots what a phase achieved. EndCredits tracks live while
// the phase is active and freezes when it closes.
type Metrics struct {
	StartCredits int64 `json:"start_credits"`
	EndCredits   int64 `json:"end_credits"`
	Turns        int   `json:"turns"`
}

// Phase is one span of the goal timeline.
type Phase struct {
	ID        string      `json:"id"`
	Goal      GoalID      `json:"goal"`
	Status    PhaseStatus `json:"status"`
	Trigger   Trigger     `json:"trigger"`
	Reason    string      `json:"reason"`
	StartTurn int         `json:"start_turn"`
	EndTurn   int         `json:"end_turn,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at,omitempty"`
	Metrics   Metrics     `json:"metrics"`
	Success   bool        `json:"success,omitempty"`
}

// Anchor is a named return point: where the bot stood when it was set.
// Rewinds hand the nearest anchor back to the runtime so it can navigate
// to familiar ground.
type Anchor struct {
	ID      string    `json:"id"`
	Label   string    `json:"label"`
	Sector  int       `json:"sector"`
	Turn    int       `json:"turn"`
	Credits int64     `json:"credits"`
	SetAt   time.Time `json:"set_at"`
}

// Rule drives automatic advancement out of a goal. Zero thresholds never
// fire; an empty Strategies list allows every strategy.
type Rule struct {
	Goal        GoalID
	Strategies  []string
	MaxTurns    int
	ExitCredits int64
	Next        GoalID // goal entered on exit, profit when empty
}

// Change is one timeline mutation, shaped for the session log and the
// event bus.
type Change struct {
	Kind   string    `json:"kind"` // "goal.changed" or "goal.rewound"
	BotID  string    `json:"bot_id"`
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Anchor *Anchor   `json:"anchor,omitempty"`
	At     time.Time `json:"at"`
}

const (
	ChangeGoal   = "goal.changed"
	ChangeRewind = "goal.rewound"

	maxAnchors  = 20
	maxTimeline = 200
)

// Tracker owns one bot's goal timeline. All reads return copies.
type Tracker struct {
	botID  string
	logger *slog.Logger

	mu          sync.Mutex
	rules       map[GoalID]Rule
	timeline    []Phase // active phase last
	anchors     []Anchor
	lastTurn    int
	lastCredits int64
	onChange    func(Change)
}

// NewTracker opens the initial phase immediately.
func NewTracker(botID string, initial GoalID, rules []Rule, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if initial == "" {
		initial = GoalProfit
	}
	rm := make(map[GoalID]Rule, len(rules))
	for _, r := range rules {
		rm[r.Goal] = r
	}
	t := &Tracker{
		botID:  botID,
		logger: logger.With(slog.String("component", "goal_tracker"), slog.String("bot_id", botID)),
		rules:  rm,
	}
	t.timeline = []Phase{t.openPhase(initial, TriggerAuto, "initial goal", 0)}
	return t
}

// DefaultRules keeps profit open-ended and budgets the side goals before
// returning to it.
func DefaultRules() []Rule {
	return []Rule{
		{Goal: GoalProfit, ExitCredits: 100_000, Next: GoalBanking},
		{Goal: GoalBanking, Strategies: []string{"profitable_pairs", "opportunistic"}, MaxTurns: 40, Next: GoalProfit},
		{Goal: GoalExploration, MaxTurns: 60, Next: GoalProfit},
		{Goal: GoalCombat, MaxTurns: 30, Next: GoalProfit},
	}
}

// OnChange registers the broadcast hook. It is invoked outside the
// tracker lock.
func (t *Tracker) OnChange(fn func(Change)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Current returns the active phase.
func (t *Tracker) Current() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeline[len(t.timeline)-1]
}

// Timeline returns the full phase history, oldest first.
// The returned slice is safe to mutate.
func (t *Tracker) Timeline() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Phase, len(t.timeline))
	copy(out, t.timeline)
	return out
}

// Allowed reports whether the active phase permits the strategy.
func (t *Tracker) Allowed(strategy string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rules[t.timeline[len(t.timeline)-1].Goal]
	if !ok || len(r.Strategies) == 0 {
		return true
	}
	for _, s := range r.Strategies {
		if s == strategy {
			return true
		}
	}
	return false
}

// Observe feeds the current turn count and credits into the active
// phase's metrics and applies the advancement rules. It returns the
// change when a phase advanced, nil otherwise.
func (t *Tracker) Observe(turn int, credits int64) *Change {
	t.mu.Lock()
	t.lastTurn = turn
	t.lastCredits = credits

	cur := &t.timeline[len(t.timeline)-1]
	cur.Metrics.EndCredits = credits
	if turn > cur.StartTurn {
		cur.Metrics.Turns = turn - cur.StartTurn
	}

	r, ok := t.rules[cur.Goal]
	if !ok {
		t.mu.Unlock()
		return nil
	}

	var next GoalID
	var reason string
	var failed bool
	switch {
	case r.MaxTurns > 0 && cur.Metrics.Turns >= r.MaxTurns:
		next, reason = r.Next, fmt.Sprintf("turn budget %d reached", r.MaxTurns)
		failed = credits <= cur.Metrics.StartCredits
	case r.ExitCredits > 0 && credits >= r.ExitCredits:
		next, reason = r.Next, fmt.Sprintf("credit target %d reached", r.ExitCredits)
	default:
		t.mu.Unlock()
		return nil
	}
	if next == "" {
		next = GoalProfit
	}

	status := PhaseCompleted
	if failed {
		status = PhaseFailed
	}
	ch := t.advanceLocked(next, TriggerAuto, reason, status)
	hook := t.onChange
	t.mu.Unlock()

	t.emit(ch, hook)
	return &ch
}

// SetGoal closes the active phase and opens a new one. Setting the goal
// that is already active is a no-op.
func (t *Tracker) SetGoal(goal GoalID, trigger Trigger, reason string) Phase {
	t.mu.Lock()
	cur := t.timeline[len(t.timeline)-1]
	if cur.Goal == goal {
		t.mu.Unlock()
		return cur
	}
	ch := t.advanceLocked(goal, trigger, reason, PhaseCompleted)
	hook := t.onChange
	t.mu.Unlock()

	t.emit(ch, hook)
	return ch.To
}

// SetAnchor pushes a return point. The stack is bounded; the oldest
// anchor falls off.
func (t *Tracker) SetAnchor(label string, sector int) Anchor {
	t.mu.Lock()
	a := Anchor{
		ID:      uuid.NewString(),
		Label:   label,
		Sector:  sector,
		Turn:    t.lastTurn,
		Credits: t.lastCredits,
		SetAt:   time.Now(),
	}
	t.anchors = append(t.anchors, a)
	if len(t.anchors) > maxAnchors {
		t.anchors = append([]Anchor(nil), t.anchors[len(t.anchors)-maxAnchors:]...)
	}
	t.mu.Unlock()

	t.logger.Info("anchor set", slog.String("label", label), slog.Int("sector", sector))
	return a
}

// Anchors returns the anchor stack, oldest first.
// The returned slice is safe to mutate.
func (t *Tracker) Anchors() []Anchor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Anchor, len(t.anchors))
	copy(out, t.anchors)
	return out
}

// LatestAnchor returns the newest anchor.
func (t *Tracker) LatestAnchor() (Anchor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.anchors) == 0 {
		return Anchor{}, false
	}
	return t.anchors[len(t.anchors)-1], true
}

// Rewind re-enters the goal that was active n phases back. The current
// phase is marked rewound with its metrics frozen; the new phase starts
// at the old phase's start turn. Returns the nearest anchor at or before
// that turn when one exists.
func (t *Tracker) Rewind(n int, reason string) (Phase, *Anchor, error) {
	t.mu.Lock()
	if n <= 0 || n > len(t.timeline)-1 {
		t.mu.Unlock()
		return Phase{}, nil, fmt.Errorf("goals: rewind depth %d with %d prior phases: %w",
			n, len(t.timeline)-1, domain.ErrNotFound)
	}
	target := t.timeline[len(t.timeline)-1-n]
	ch, anchor := t.reenterLocked(target.Goal, target.StartTurn, reason)
	hook := t.onChange
	t.mu.Unlock()

	t.emit(ch, hook)
	return ch.To, anchor, nil
}

// RewindToTurn re-enters the phase that covered the given turn.
func (t *Tracker) RewindToTurn(turn int, reason string) (Phase, *Anchor, error) {
	t.mu.Lock()
	var target *Phase
	for i := len(t.timeline) - 2; i >= 0; i-- {
		if t.timeline[i].StartTurn <= turn {
			target = &t.timeline[i]
			break
		}
	}
	if target == nil {
		t.mu.Unlock()
		return Phase{}, nil, fmt.Errorf("goals: no phase covers turn %d: %w", turn, domain.ErrNotFound)
	}
	ch, anchor := t.reenterLocked(target.Goal, turn, reason)
	hook := t.onChange
	t.mu.Unlock()

	t.emit(ch, hook)
	return ch.To, anchor, nil
}

// reenterLocked closes the active phase as rewound and opens the target
// goal at startTurn. An anchor at or before that turn supplies the
// credit baseline. Caller holds t.mu.
func (t *Tracker) reenterLocked(goal GoalID, startTurn int, reason string) (Change, *Anchor) {
	var anchor *Anchor
	for i := len(t.anchors) - 1; i >= 0; i-- {
		if t.anchors[i].Turn <= startTurn {
			a := t.anchors[i]
			anchor = &a
			break
		}
	}

	ch := t.advanceLocked(goal, TriggerRewind, reason, PhaseRewound)
	ch.Kind = ChangeRewind
	ch.Anchor = anchor

	open := &t.timeline[len(t.timeline)-1]
	open.StartTurn = startTurn
	if anchor != nil {
		open.Metrics.StartCredits = anchor.Credits
	}
	ch.To = *open
	return ch, anchor
}

// advanceLocked closes the active phase with closeStatus and opens the
// next goal. Caller holds t.mu.
func (t *Tracker) advanceLocked(goal GoalID, trigger Trigger, reason string, closeStatus PhaseStatus) Change {
	cur := &t.timeline[len(t.timeline)-1]
	cur.Status = closeStatus
	cur.EndTurn = t.lastTurn
	cur.EndedAt = time.Now()
	cur.Metrics.EndCredits = t.lastCredits
	if cur.EndTurn > cur.StartTurn {
		cur.Metrics.Turns = cur.EndTurn - cur.StartTurn
	}
	cur.Success = closeStatus == PhaseCompleted && cur.Metrics.EndCredits > cur.Metrics.StartCredits
	from := *cur

	next := t.openPhase(goal, trigger, reason, t.lastTurn)
	t.timeline = append(t.timeline, next)
	if len(t.timeline) > maxTimeline {
		t.timeline = append([]Phase(nil), t.timeline[len(t.timeline)-maxTimeline:]...)
	}

	return Change{
		Kind:  ChangeGoal,
		BotID: t.botID,
		From:  from,
		To:    next,
		At:    time.Now(),
	}
}

func (t *Tracker) openPhase(goal GoalID, trigger Trigger, reason string, startTurn int) Phase {
	return Phase{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    PhaseActive,
		Trigger:   trigger,
		Reason:    reason,
		StartTurn: startTurn,
		StartedAt: time.Now(),
		Metrics:   Metrics{StartCredits: t.lastCredits, EndCredits: t.lastCredits},
	}
}

func (t *Tracker) emit(ch Change, hook func(Change)) {
	t.logger.Info("phase change",
		slog.String("kind", ch.Kind),
		slog.String("from", string(ch.From.Goal)),
		slog.String("to", string(ch.To.Goal)),
		slog.String("reason", ch.To.Reason))
	if hook != nil {
		hook(ch)
	}
}

// Rebuild reconstructs a timeline from replayed changes, e.g. parsed out
// of a session log. The final entry is the phase left active.
func Rebuild(changes []Change) []Phase {
	var out []Phase
	for _, ch := range changes {
		if len(out) > 0 {
			out[len(out)-1] = ch.From
		} else {
			out = append(out, ch.From)
		}
		out = append(out, ch.To)
	}
	return out
}
