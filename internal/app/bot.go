package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/telewarp/bbsbot/internal/accounts"
	"github.com/telewarp/bbsbot/internal/bot"
	"github.com/telewarp/bbsbot/internal/config"
	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
	"github.com/telewarp/bbsbot/internal/goals"
	"github.com/telewarp/bbsbot/internal/intervention"
	"github.com/telewarp/bbsbot/internal/llm"
	"github.com/telewarp/bbsbot/internal/rules"
	"github.com/telewarp/bbsbot/internal/session"
	"github.com/telewarp/bbsbot/internal/strategy"
	"github.com/telewarp/bbsbot/internal/swarm"
	"github.com/telewarp/bbsbot/internal/telemetry"
	"github.com/telewarp/bbsbot/internal/telnet"
)

// BotOptions selects what a bot process runs. Worker is set when the
// process was spawned by a manager; otherwise Spec names the configured
// bot to run in the foreground.
type BotOptions struct {
	Spec   domain.BotSpec
	Worker *swarm.WorkerEnv
}

// SelectBot picks the [[bots]] entry to run in the foreground. An empty
// id takes the first entry.
func SelectBot(cfg *config.Config, id string) (domain.BotSpec, error) {
	specs := expandBots(cfg.Bots)
	if len(specs) == 0 {
		return domain.BotSpec{}, fmt.Errorf("app: no [[bots]] configured")
	}
	if id == "" {
		return specs[0], nil
	}
	for _, s := range specs {
		if s.ID == id {
			return s, nil
		}
	}
	return domain.BotSpec{}, fmt.Errorf("app: bot %q not in config: %w", id, domain.ErrNotFound)
}

// ExitCode maps a RunBot error onto the worker exit contract the swarm
// supervisor classifies by: 0 done, 2 bad configuration, 3 could not
// reach or hold the game, anything else a crash.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, domain.ErrRuleInvalid):
		return 2
	case errors.Is(err, domain.ErrConnClosed),
		errors.Is(err, domain.ErrSessionBusy),
		errors.Is(err, domain.ErrAccountExhausted):
		return 3
	default:
		return 4
	}
}

// RunBot runs a single bot until it finishes its turns, is stopped, or
// dies. Under a manager the worker uplink reports alongside.
func (a *App) RunBot(ctx context.Context, opts BotOptions) error {
	if opts.Worker != nil {
		return a.runWorker(ctx, opts.Worker)
	}
	return a.runForeground(ctx, opts.Spec)
}

// runForeground plays one configured bot with locally wired backends:
// accounts lease from the pool, telemetry sinks straight to the bus and
// history store.
func (a *App) runForeground(ctx context.Context, spec domain.BotSpec) error {
	a.logger.InfoContext(ctx, "starting bot",
		slog.String("bot_id", spec.ID),
		slog.String("host", spec.Host),
		slog.String("strategy", spec.Strategy),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger, ModeBot)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	telem := telemetry.NewStore(a.telemetryConfig(), a.logger, deps.TelemetrySinks...)
	telem.Start()
	a.closers = append(a.closers, telem.Stop)

	lease, err := deps.Pool.Lease(ctx, spec.ID, accounts.Constraints{Host: spec.Host})
	if err != nil {
		return fmt.Errorf("app: lease account: %w", err)
	}

	var events bot.EventSink
	if deps.Bus != nil {
		events = deps.Bus
	}

	rig, err := a.assembleBot(ctx, spec, lease.Account, events, telem)
	if err != nil {
		a.releaseLease(deps.Pool, lease.Token, err)
		return err
	}
	defer rig.sessions.CloseAll()

	runErr := rig.runtime.Run(ctx)
	a.releaseLease(deps.Pool, lease.Token, runErr)
	return runErr
}

// runWorker plays one bot under a manager. The spec and credentials
// arrive through the spawn environment; everything the bot produces
// rides the uplink, and the manager owns the durable sinks.
func (a *App) runWorker(ctx context.Context, env *swarm.WorkerEnv) error {
	spec := env.Spec
	if spec.ID == "" {
		spec.ID = env.BotID
	}
	a.logger.InfoContext(ctx, "starting worker",
		slog.String("bot_id", env.BotID),
		slog.String("host", spec.Host),
		slog.String("manager_url", env.ManagerURL),
	)

	relay := &uplinkRelay{}
	telem := telemetry.NewStore(a.telemetryConfig(), a.logger, relay)
	telem.Start()
	a.closers = append(a.closers, telem.Stop)

	rig, err := a.assembleBot(ctx, spec, env.Account, relay, telem)
	if err != nil {
		return err
	}
	defer rig.sessions.CloseAll()

	wcfg := swarm.DefaultWorkerConfig()
	wcfg.BotID = env.BotID
	wcfg.SessionID = rig.sess.ID
	wcfg.ManagerURL = env.ManagerURL
	wcfg.Token = env.Token
	wcfg.Account = env.Account.Name
	wcfg.Version = a.version
	if d := a.cfg.Swarm.StatusInterval.Duration; d > 0 {
		wcfg.StatusInterval = d
	}

	w, err := swarm.NewWorker(wcfg, swarm.WorkerDeps{
		Runtime:   rig.runtime,
		Session:   rig.sess,
		Tracker:   rig.tracker,
		Goals:     rig.goals,
		Rules:     rig.rules,
		Telemetry: telem,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("app: worker: %w", err)
	}
	relay.Bind(w, w)

	uplinkDone := make(chan struct{})
	go func() {
		defer close(uplinkDone)
		_ = w.Run(ctx)
	}()

	runErr := rig.runtime.Run(ctx)
	w.Bye(exitReason(runErr), runErr)
	<-uplinkDone
	return runErr
}

// botRig is one fully assembled bot stack.
type botRig struct {
	sessions *session.Manager
	sess     *session.Session
	tracker  *game.Tracker
	goals    *goals.Tracker
	rules    *rules.RuleSet
	runtime  *bot.Runtime
}

// assembleBot builds the session, state tracking, strategy engine, and
// runtime for one bot. The rules file is validated before any dialing
// so a broken overlay fails as configuration, not as a crash.
func (a *App) assembleBot(ctx context.Context, spec domain.BotSpec, acct domain.Account, events bot.EventSink, telem *telemetry.Store) (*botRig, error) {
	rs, err := rules.Load(spec.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("app: rules %s: %w", spec.RulesFile, err)
	}

	sessions := session.NewManager(session.ManagerConfig{
		LogDir:        resolve(a.cfg.DataDir, a.cfg.Session.LogDir),
		MaxPerHost:    a.cfg.Session.MaxPerHost,
		ReadTimeout:   a.cfg.Session.ReadTimeout.Duration,
		KeepAlive:     a.cfg.Session.Keepalive.Duration,
		KeepAliveKeys: a.cfg.Session.KeepaliveKeys,
		Dial:          a.dialBBS,
	}, a.logger)

	sess, err := sessions.Open(ctx, session.OpenSpec{
		ID:        uuid.NewString(),
		BotID:     spec.ID,
		Host:      spec.Host,
		Port:      spec.Port,
		RulesFile: spec.RulesFile,
	})
	if err != nil {
		sessions.CloseAll()
		return nil, fmt.Errorf("app: open session: %v: %w", err, domain.ErrConnClosed)
	}

	tracker := game.NewTracker(a.logger)
	goalTracker := goals.NewTracker(spec.ID, goals.GoalID(spec.Goal), goals.DefaultRules(), a.logger)

	provider, meter := a.buildLLM()
	engine, err := a.buildEngine(spec, provider, meter)
	if err != nil {
		sessions.CloseAll()
		return nil, err
	}

	var core *intervention.Core
	if a.cfg.Intervention.Enabled {
		var advisor *intervention.Advisor
		if provider != nil {
			advisor = intervention.NewAdvisor(spec.ID, provider, meter, a.logger)
		}
		core = intervention.NewCore(spec.ID, a.interventionConfig(), advisor, a.logger)
	}

	botCfg := bot.DefaultConfig()
	botCfg.Spec = spec
	botCfg.SessionID = sess.ID
	botCfg.Account = acct
	botCfg.LLMBudget = a.llmBudget()
	botCfg.Feedback = bot.FeedbackConfig{
		Interval:  a.cfg.LLM.FeedbackInterval,
		Lookback:  a.cfg.LLM.FeedbackLookback,
		MaxTokens: a.cfg.LLM.FeedbackMaxTokens,
	}

	rt := bot.NewRuntime(botCfg, bot.Deps{
		Session:       sess,
		Tracker:       tracker,
		Engine:        engine,
		Goals:         goalTracker,
		Interventions: core,
		Meter:         meter,
		Advisor:       provider,
		Telemetry:     telem,
		Events:        events,
	}, a.logger)

	return &botRig{
		sessions: sessions,
		sess:     sess,
		tracker:  tracker,
		goals:    goalTracker,
		rules:    rs,
		runtime:  rt,
	}, nil
}

// dialBBS connects the session transport with the configured terminal
// identity.
func (a *App) dialBBS(ctx context.Context, addr string) (session.Transport, error) {
	return telnet.Dial(ctx, addr, telnet.Config{
		KeepAlive: a.cfg.Session.Keepalive.Duration,
		TermType:  a.cfg.Session.TermName,
		Width:     a.cfg.Session.Cols,
		Height:    a.cfg.Session.Rows,
	}, a.logger)
}

// buildEngine registers the strategy lineup and activates the one the
// spec names. ai_strategy needs a provider; without one it degrades to
// its own fallback before the first turn.
func (a *App) buildEngine(spec domain.BotSpec, provider llm.Provider, meter *llm.Meter) (*strategy.Engine, error) {
	scfg := strategy.Config{
		Name:     spec.Strategy,
		Goal:     spec.Goal,
		MaxTurns: spec.MaxTurns,
		Params:   typedParams(spec.Params),
	}

	reg := strategy.NewRegistry()
	reg.Register(strategy.NewProfitablePairs(scfg, a.logger))
	reg.Register(strategy.NewOpportunistic(scfg, a.logger))
	twerk := strategy.NewTwerkOptimized(scfg, a.logger)
	reg.Register(twerk)
	if provider != nil {
		reg.Register(strategy.NewAIStrategy(scfg, spec.ID, provider, meter, twerk, a.logger))
	}

	engine := strategy.NewEngine(reg, a.logger)

	active := spec.Strategy
	if active == "ai_strategy" && provider == nil {
		a.logger.Warn("ai_strategy needs an API key, using twerk_optimized",
			slog.String("bot_id", spec.ID))
		active = "twerk_optimized"
	}
	if err := engine.SetActive(active); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return engine, nil
}

// buildLLM constructs the advisory provider and spend meter when an API
// key is present. Without a key both come back nil and every LLM
// consumer degrades to its non-advised path.
func (a *App) buildLLM() (llm.Provider, *llm.Meter) {
	if a.cfg.LLM.APIKey == "" {
		return nil, nil
	}
	opts := []llm.AnthropicOption{
		llm.WithModel(a.cfg.LLM.Model),
		llm.WithHTTPClient(&http.Client{Timeout: a.cfg.LLM.Timeout.Duration}),
	}
	if a.cfg.LLM.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(a.cfg.LLM.BaseURL))
	}
	if a.cfg.LLM.MaxRetries > 0 {
		retry := llm.DefaultRetryConfig()
		retry.MaxAttempts = a.cfg.LLM.MaxRetries
		opts = append(opts, llm.WithRetry(retry))
	}
	provider := llm.NewAnthropicClient(a.cfg.LLM.APIKey, opts...)
	meter := llm.NewMeter(a.llmBudget(), llm.PriceTable{
		InputPerMTok:  a.cfg.LLM.InputPerMTok,
		OutputPerMTok: a.cfg.LLM.OutputPerMTok,
	})
	return provider, meter
}

func (a *App) llmBudget() llm.Budget {
	return llm.Budget{
		TokensPerHour: a.cfg.LLM.TokensPerHour,
		CallsPerHour:  a.cfg.LLM.CallsPerHour,
	}
}

func (a *App) telemetryConfig() telemetry.Config {
	return telemetry.Config{
		RingSize:    a.cfg.Telemetry.RingSize,
		RollupEvery: a.cfg.Telemetry.RollupEvery.Duration,
		FleetEvery:  a.cfg.Telemetry.FleetEvery.Duration,
	}
}

func (a *App) interventionConfig() intervention.Config {
	c := a.cfg.Intervention
	return intervention.Config{
		Enabled:         c.Enabled,
		LoopActionMin:   c.LoopActionMin,
		LoopSectorMin:   c.LoopSectorMin,
		StagnationTurns: c.StagnationTurns,
		StagnationPct:   c.StagnationPct,
		DeclineRatio:    c.DeclineRatio,
		WasteThreshold:  c.WasteThreshold,
		HoldUnderuse:    c.HoldUnderuse,
		HighValueMin:    c.HighValueMin,
		CombatFighters:  c.CombatFighters,
		CombatShields:   c.CombatShields,
		AuthFailMax:     c.AuthFailMax,
		AutoApply:       c.AutoApply,
		MaxSeverityAuto: domain.Severity(c.MaxSeverityAuto),
		CooldownTurns:   c.CooldownTurns,
		MaxPerSession:   c.MaxPerSession,
	}
}

// releaseLease returns the account with a disposition matching how the
// run went, so the pool cools it down appropriately.
func (a *App) releaseLease(pool *accounts.Pool, token string, runErr error) {
	disp := domain.DispositionOK
	switch {
	case runErr == nil:
	case errors.Is(runErr, domain.ErrUnauthorized):
		disp = domain.DispositionAuthFail
	default:
		disp = domain.DispositionSoftFail
	}
	if err := pool.Release(token, disp); err != nil {
		a.logger.Warn("account release failed", slog.String("error", err.Error()))
	}
}

// exitReason names the outcome for the worker's bye frame. The manager
// treats it as informational; the exit code is authoritative.
func exitReason(runErr error) string {
	switch {
	case runErr == nil:
		return "completed"
	case errors.Is(runErr, domain.ErrConnClosed):
		return "disconnected"
	case errors.Is(runErr, domain.ErrUnauthorized):
		return "unauthorized"
	default:
		return "crashed"
	}
}

// typedParams converts the spec's string params into the typed values
// the strategy layer reads: ints and floats parse, everything else
// stays a string.
func typedParams(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}

// uplinkRelay breaks the construction cycle between the runtime, the
// telemetry store, and the worker: the first two take their sinks at
// construction, the worker needs the built runtime. Until Bind the
// relay drops everything, like a worker whose uplink is still down.
type uplinkRelay struct {
	mu     sync.RWMutex
	events bot.EventSink
	sink   telemetry.Sink
}

func (r *uplinkRelay) Bind(events bot.EventSink, sink telemetry.Sink) {
	r.mu.Lock()
	r.events = events
	r.sink = sink
	r.mu.Unlock()
}

func (r *uplinkRelay) PublishEvent(ctx context.Context, ev domain.Event) error {
	r.mu.RLock()
	events := r.events
	r.mu.RUnlock()
	if events == nil {
		return nil
	}
	return events.PublishEvent(ctx, ev)
}

func (r *uplinkRelay) TurnRecorded(ctx context.Context, rec domain.TurnRecord) error {
	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()
	if sink == nil {
		return nil
	}
	return sink.TurnRecorded(ctx, rec)
}

func (r *uplinkRelay) RollupProduced(ctx context.Context, roll domain.Rollup) error {
	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()
	if sink == nil {
		return nil
	}
	return sink.RollupProduced(ctx, roll)
}

var (
	_ bot.EventSink  = (*uplinkRelay)(nil)
	_ telemetry.Sink = (*uplinkRelay)(nil)
)
