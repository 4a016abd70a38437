package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
)

// FallbackChain is the fixed degrade order. When the active strategy
// keeps failing the engine walks right along this list.
var FallbackChain = []string{"ai_strategy", "twerk_optimized", "profitable_pairs", "opportunistic"}

const (
	defaultMaxMisses   = 3
	defaultRecentLimit = 500
)

// DecisionRecord is one engine decision kept for the API.
type DecisionRecord struct {
	ID       string    `json:"id"`
	Strategy string    `json:"strategy"`
	Reason   string    `json:"reason"`
	Steps    int       `json:"steps"`
	Err      string    `json:"err,omitempty"`
	Fallback bool      `json:"fallback,omitempty"`
	At       time.Time `json:"at"`
}

// Engine owns the active strategy for one bot. Decide delegates to it,
// counts consecutive failures (errors or empty plans), and degrades along
// FallbackChain after maxMisses in a row, recording the switch.
type Engine struct {
	registry  *Registry
	logger    *slog.Logger
	maxMisses int

	mu          sync.Mutex
	active      Strategy
	pendingInit bool
	misses      int
	degraded    bool
	recent      []DecisionRecord
	recentLimit int
	onSwitch    func(from, to, why string)
}

// NewEngine creates an engine with no active strategy.
func NewEngine(registry *Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:    registry,
		logger:      logger.With(slog.String("component", "strategy_engine")),
		maxMisses:   defaultMaxMisses,
		recentLimit: defaultRecentLimit,
	}
}

// OnSwitch registers a hook fired after every fallback or explicit
// strategy change.
func (e *Engine) OnSwitch(fn func(from, to, why string)) {
	e.mu.Lock()
	e.onSwitch = fn
	e.mu.Unlock()
}

// SetMaxMisses overrides how many consecutive failed decisions trigger a
// fallback.
func (e *Engine) SetMaxMisses(n int) {
	if n > 0 {
		e.mu.Lock()
		e.maxMisses = n
		e.mu.Unlock()
	}
}

// SetActive switches the active strategy by name. The new strategy is
// initialized lazily on the next Decide, which has the view.
func (e *Engine) SetActive(name string) error {
	s, err := e.registry.Get(name)
	if err != nil {
		return fmt.Errorf("strategy: set active: %w", err)
	}

	e.mu.Lock()
	from := ""
	if e.active != nil {
		from = e.active.Name()
	}
	e.active = s
	e.pendingInit = true
	e.misses = 0
	e.degraded = false
	hook := e.onSwitch
	e.mu.Unlock()

	e.logger.Info("active strategy changed", slog.String("from", from), slog.String("to", name))
	if hook != nil && from != name {
		hook(from, name, "explicit")
	}
	return nil
}

// ActiveName returns the current active strategy name, "" when unset.
func (e *Engine) ActiveName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.active.Name()
}

// Degraded reports whether any fallback has fired since the last
// explicit SetActive.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// ListNames returns all registered strategy names.
func (e *Engine) ListNames() []string { return e.registry.List() }

// Decide produces the next plan via the active strategy and applies the
// fallback policy to the outcome.
func (e *Engine) Decide(ctx context.Context, view game.View) (domain.Plan, error) {
	e.mu.Lock()
	s := e.active
	needInit := e.pendingInit
	e.mu.Unlock()

	if s == nil {
		return domain.Plan{}, fmt.Errorf("strategy: no active strategy: %w", domain.ErrNotFound)
	}

	if needInit {
		if err := s.Init(ctx, view); err != nil {
			e.recordMiss(s.Name(), fmt.Sprintf("init: %v", err))
			return domain.Plan{}, fmt.Errorf("strategy: init %s: %w", s.Name(), err)
		}
		e.mu.Lock()
		e.pendingInit = false
		e.mu.Unlock()
	}

	plan, err := s.Decide(ctx, view)
	switch {
	case err != nil:
		e.recordMiss(s.Name(), err.Error())
		return domain.Plan{}, fmt.Errorf("strategy: %s: %w", s.Name(), err)
	case plan.Empty():
		e.recordMiss(s.Name(), "empty plan")
		return plan, nil
	}

	e.mu.Lock()
	e.misses = 0
	e.rememberLocked(DecisionRecord{
		ID:       uuid.NewString(),
		Strategy: plan.Strategy,
		Reason:   plan.Reason,
		Steps:    len(plan.Steps),
		At:       time.Now(),
	})
	e.mu.Unlock()
	return plan, nil
}

// recordMiss counts a failed decision and fires the fallback once the
// streak reaches maxMisses.
func (e *Engine) recordMiss(name, why string) {
	e.mu.Lock()
	e.misses++
	miss := e.misses
	e.rememberLocked(DecisionRecord{
		ID:       uuid.NewString(),
		Strategy: name,
		Err:      why,
		At:       time.Now(),
	})
	trip := miss >= e.maxMisses
	e.mu.Unlock()

	if trip {
		e.fallback(name, why)
	}
}

// fallback advances to the next registered strategy on the chain. A
// strategy off the chain degrades to profitable_pairs; the chain's tail
// has nowhere left to go and keeps retrying.
func (e *Engine) fallback(from, why string) {
	next := ""
	idx := -1
	for i, n := range FallbackChain {
		if n == from {
			idx = i
			break
		}
	}
	if idx == -1 {
		next = "profitable_pairs"
	} else {
		for _, n := range FallbackChain[idx+1:] {
			if _, err := e.registry.Get(n); err == nil {
				next = n
				break
			}
		}
	}

	e.mu.Lock()
	e.misses = 0
	e.mu.Unlock()

	if next == "" || next == from {
		e.logger.Warn("fallback chain exhausted", slog.String("strategy", from))
		return
	}

	s, err := e.registry.Get(next)
	if err != nil {
		e.logger.Error("fallback target missing", slog.String("to", next))
		return
	}

	e.mu.Lock()
	e.active = s
	e.pendingInit = true
	e.degraded = true
	hook := e.onSwitch
	e.rememberLocked(DecisionRecord{
		ID:       uuid.NewString(),
		Strategy: next,
		Reason:   fmt.Sprintf("fallback from %s: %s", from, why),
		Fallback: true,
		At:       time.Now(),
	})
	e.mu.Unlock()

	e.logger.Warn("strategy fallback",
		slog.String("from", from),
		slog.String("to", next),
		slog.String("why", why))
	if hook != nil {
		hook(from, next, why)
	}
}

// RecentDecisions returns up to limit records, newest first.
func (e *Engine) RecentDecisions(limit int) []DecisionRecord {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.recent)
	if limit > n {
		limit = n
	}
	out := make([]DecisionRecord, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

// rememberLocked appends to the ring. Caller holds e.mu.
func (e *Engine) rememberLocked(rec DecisionRecord) {
	e.recent = append(e.recent, rec)
	if overflow := len(e.recent) - e.recentLimit; overflow > 0 {
		e.recent = append([]DecisionRecord(nil), e.recent[overflow:]...)
	}
}

// Close closes the active strategy.
func (e *Engine) Close() error {
	e.mu.Lock()
	s := e.active
	e.active = nil
	e.mu.Unlock()
	if s != nil {
		return s.Close()
	}
	return nil
}
