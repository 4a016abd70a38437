// Package bot drives one Trade Wars session through the orient, decide,
// execute, record cycle: read the settled screen into the game model,
// let interventions and the strategy engine pick a plan, walk the plan's
// steps answering intermediate prompts, then fold the outcome into
// telemetry and the event stream. Operators can hijack the loop with a
// heartbeat lease and drive the session by hand; a stale lease releases
// itself and the loop resumes.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
	"github.com/telewarp/bbsbot/internal/goals"
	"github.com/telewarp/bbsbot/internal/intervention"
	"github.com/telewarp/bbsbot/internal/llm"
	"github.com/telewarp/bbsbot/internal/session"
	"github.com/telewarp/bbsbot/internal/strategy"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// Console is the session surface the runtime drives. *session.Session
// satisfies it; tests substitute scripted fakes.
type Console interface {
	Read(ctx context.Context) (domain.ScreenUpdate, error)
	Send(ctx context.Context, text string) error
	SendLine(ctx context.Context, text string) error
	MatchAll() []*domain.PromptHit
	Screen() domain.Screen
	LogAction(name string, data map[string]any)
	LogNote(msg string, data map[string]any)
	Err() error
	Done() <-chan struct{}
	Close() error
}

var _ Console = (*session.Session)(nil)

// EventSink receives lifecycle and turn events. *bus.Bus satisfies it.
type EventSink interface {
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// HaggleConfig shapes how the runtime answers price prompts. The opening
// offer sits Start away from the quote in the bot's favor; every rejected
// round concedes Concede of the remaining margin; after MaxRounds the
// quote is accepted as-is.
type HaggleConfig struct {
	Start     float64
	Concede   float64
	MaxRounds int
}

// Config tunes one runtime.
type Config struct {
	Spec      domain.BotSpec
	SessionID string

	// Account logs the bot into the BBS. An empty username skips the
	// login flow entirely, for sessions opened inside the game.
	Account domain.Account

	TurnTimeout  time.Duration // ceiling for one orient read
	StepTimeout  time.Duration // default per plan step
	LoginTimeout time.Duration // ceiling for the whole entry sequence

	// WakeAfter is how many consecutive silent reads trigger a carriage
	// return nudge, at most one per cycle.
	WakeAfter int

	// LoopGuard aborts a plan step after this many identical screens in
	// a row. Pause prompts are exempt; they get the space key instead.
	LoopGuard int

	// Window is the turn-record history handed to intervention detectors.
	Window int

	// LLMBudget mirrors the meter's configured cap for the overspend
	// detector; the meter itself enforces it.
	LLMBudget llm.Budget

	Haggle   HaggleConfig
	Feedback FeedbackConfig
}

// FeedbackConfig schedules the periodic free-text review the advisory
// model writes about the bot's recent play. The review is logged and
// published, never acted on. Interval 0 disables it.
type FeedbackConfig struct {
	Interval  int // turns between reviews
	Lookback  int // turn records summarized per review
	MaxTokens int // response ceiling
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		TurnTimeout:  45 * time.Second,
		StepTimeout:  60 * time.Second,
		LoginTimeout: 90 * time.Second,
		WakeAfter:    2,
		LoopGuard:    3,
		Window:       50,
		Haggle: HaggleConfig{
			Start:     0.05,
			Concede:   0.5,
			MaxRounds: 3,
		},
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = def.TurnTimeout
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = def.LoginTimeout
	}
	if cfg.WakeAfter <= 0 {
		cfg.WakeAfter = def.WakeAfter
	}
	if cfg.LoopGuard <= 0 {
		cfg.LoopGuard = def.LoopGuard
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Haggle.Start <= 0 {
		cfg.Haggle.Start = def.Haggle.Start
	}
	if cfg.Haggle.Concede <= 0 || cfg.Haggle.Concede > 1 {
		cfg.Haggle.Concede = def.Haggle.Concede
	}
	if cfg.Haggle.MaxRounds <= 0 {
		cfg.Haggle.MaxRounds = def.Haggle.MaxRounds
	}
	if cfg.Feedback.Interval > 0 {
		if cfg.Feedback.Lookback <= 0 {
			cfg.Feedback.Lookback = cfg.Feedback.Interval
		}
		if cfg.Feedback.MaxTokens <= 0 {
			cfg.Feedback.MaxTokens = 400
		}
	}
	return cfg
}

// Deps are the collaborators a runtime composes. Session, Tracker,
// Engine, and Goals are required; the rest degrade gracefully when nil.
type Deps struct {
	Session       Console
	Tracker       *game.Tracker
	Engine        *strategy.Engine
	Goals         *goals.Tracker
	Interventions *intervention.Core // nil disables the watchdog
	Meter         *llm.Meter         // nil means no advisory spend tracking
	Advisor       llm.Provider       // nil disables the feedback review
	Telemetry     *telemetry.Store   // nil drops turn records
	Events        EventSink          // nil means no bus
}

// Runtime drives one bot. All exported methods are safe for concurrent
// use; the loop itself runs in the goroutine that called Run.
type Runtime struct {
	cfg     Config
	botID   string
	sess    Console
	track   *game.Tracker
	engine  *strategy.Engine
	goals   *goals.Tracker
	ivs     *intervention.Core
	meter   *llm.Meter
	advisor llm.Provider
	telem   *telemetry.Store
	events  EventSink
	logger  *slog.Logger

	mu           sync.Mutex
	state        domain.BotState
	stateErr     string
	lastRule     string
	lastActivity time.Time
	startedAt    time.Time
	lease        *domain.HijackLease

	// cycle baselines, touched only from Run's goroutine
	seq              int
	blankReads       int
	authFails        int
	holdUntil        time.Time
	lastCredits      int64
	creditsSeen      bool
	lastTurns        int
	lastSpend        llm.Spend
	lastTradeCredits int64
	lastFeedback     int

	stop     chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// NewRuntime assembles a runtime. The goal tracker's change hook is
// claimed for phase broadcasting; wire other listeners upstream.
func NewRuntime(cfg Config, deps Deps, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = normalize(cfg)

	r := &Runtime{
		cfg:     cfg,
		botID:   cfg.Spec.ID,
		sess:    deps.Session,
		track:   deps.Tracker,
		engine:  deps.Engine,
		goals:   deps.Goals,
		ivs:     deps.Interventions,
		meter:   deps.Meter,
		advisor: deps.Advisor,
		telem:   deps.Telemetry,
		events:  deps.Events,
		logger:  logger.With(slog.String("component", "bot"), slog.String("bot_id", cfg.Spec.ID)),
		state:   domain.BotStateStarting,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	r.goals.OnChange(r.onGoalChange)
	return r
}

// Run drives the bot until the context ends, Stop is called, the turn
// budget runs out, or the transport dies. The session is closed on the
// way out; releasing the account lease is the caller's job.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.startedAt = r.now()
	r.mu.Unlock()
	defer r.sess.Close()

	r.publish(ctx, domain.EventBotStarted, map[string]any{
		"strategy": r.cfg.Spec.Strategy,
		"goal":     r.cfg.Spec.Goal,
		"host":     r.cfg.Spec.Host,
	})

	if err := r.login(ctx); err != nil {
		err = fmt.Errorf("bot: login: %w", err)
		r.fail(ctx, err)
		return err
	}
	r.setState(ctx, domain.BotStateRunning, "")

	var fatal error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-r.stop:
			break loop
		case <-r.sess.Done():
			fatal = fmt.Errorf("bot: transport lost: %w", r.sess.Err())
			break loop
		default:
		}

		if r.pauseForLease(ctx) {
			continue
		}
		if r.pauseForHold(ctx) {
			continue
		}

		if max := r.cfg.Spec.MaxTurns; max > 0 && r.track.TurnsUsed() >= max {
			r.logger.Info("turn budget reached", slog.Int("max_turns", max))
			break
		}

		if err := r.cycle(ctx); err != nil {
			if fatalCycleErr(err) {
				fatal = err
				break
			}
			r.logger.Warn("cycle failed", slog.String("error", err.Error()))
		}
	}

	if fatal != nil {
		r.fail(ctx, fatal)
		return fatal
	}

	r.setState(ctx, domain.BotStateStopping, "")
	r.publish(context.WithoutCancel(ctx), domain.EventBotStopped, map[string]any{
		"turns_used": r.track.TurnsUsed(),
		"credits":    r.track.Player().Credits,
	})
	r.setState(context.WithoutCancel(ctx), domain.BotStateStopped, "")
	return nil
}

// Stop asks the loop to exit after the current cycle. Idempotent.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Runtime) fail(ctx context.Context, err error) {
	ctx = context.WithoutCancel(ctx)
	r.setState(ctx, domain.BotStateError, err.Error())
	r.publish(ctx, domain.EventBotError, map[string]any{"error": err.Error()})
}

// fatalCycleErr reports whether a cycle error should end the run. Dead
// transports are fatal; everything else re-orients next cycle.
func fatalCycleErr(err error) bool {
	return errors.Is(err, domain.ErrConnClosed) || errors.Is(err, domain.ErrUnauthorized)
}

// setState records and broadcasts a state transition. Repeats are
// dropped so the event stream stays quiet.
func (r *Runtime) setState(ctx context.Context, st domain.BotState, why string) {
	r.mu.Lock()
	if r.state == st {
		r.mu.Unlock()
		return
	}
	from := r.state
	r.state = st
	r.stateErr = why
	r.mu.Unlock()

	r.logger.Info("bot state changed",
		slog.String("from", string(from)),
		slog.String("to", string(st)))
	r.publish(ctx, domain.EventBotState, map[string]any{
		"from":  string(from),
		"to":    string(st),
		"error": why,
	})
}

// runningState folds the engine's fallback flag into the display state.
func (r *Runtime) runningState() domain.BotState {
	if r.engine.Degraded() {
		return domain.BotStateDegraded
	}
	return domain.BotStateRunning
}

// Status snapshots the bot for the API and the swarm state file. It
// carries the account name only, never credentials.
func (r *Runtime) Status() domain.BotStatus {
	player := r.track.Player()
	counters := telemetry.Counters{}
	if r.telem != nil {
		counters = r.telem.Counters(r.botID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.BotStatus{
		ID:           r.botID,
		State:        r.state,
		Spec:         r.cfg.Spec,
		SessionID:    r.cfg.SessionID,
		Account:      r.cfg.Account.Name,
		Restarts:     0, // the manager layers restart counts on top
		Strategy:     r.engine.ActiveName(),
		Phase:        string(r.goals.Current().Goal),
		Sector:       r.track.CurrentSector(),
		Credits:      player.Credits,
		TurnsUsed:    r.track.TurnsUsed(),
		TurnsLeft:    player.TurnsLeft,
		Trades:       counters.Trades,
		LastPrompt:   r.lastRule,
		LastActivity: r.lastActivity,
		StartedAt:    r.startedAt,
		Err:          r.stateErr,
	}
}

// State returns the current lifecycle state.
func (r *Runtime) State() domain.BotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// onGoalChange mirrors phase transitions into the log and the bus.
func (r *Runtime) onGoalChange(ch goals.Change) {
	r.sess.LogNote("goal phase changed", map[string]any{
		"kind": ch.Kind,
		"from": string(ch.From.Goal),
		"to":   string(ch.To.Goal),
	})
	data := map[string]any{
		"kind":   ch.Kind,
		"from":   string(ch.From.Goal),
		"to":     string(ch.To.Goal),
		"reason": ch.To.Reason,
	}
	if ch.Anchor != nil {
		data["anchor_sector"] = ch.Anchor.Sector
	}
	r.publish(context.Background(), domain.EventPhase, data)
}

// publish sends one event to the bus, best effort.
func (r *Runtime) publish(ctx context.Context, kind domain.EventKind, data map[string]any) {
	if r.events == nil {
		return
	}
	ev := domain.Event{
		ID:    uuid.NewString(),
		Kind:  kind,
		BotID: r.botID,
		At:    r.now(),
		Data:  data,
	}
	if err := r.events.PublishEvent(ctx, ev); err != nil {
		r.logger.Warn("event publish failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
	}
}

// touch marks loop liveness for the watchdog.
func (r *Runtime) touch(rule string) {
	r.mu.Lock()
	if rule != "" {
		r.lastRule = rule
	}
	r.lastActivity = r.now()
	r.mu.Unlock()
}
