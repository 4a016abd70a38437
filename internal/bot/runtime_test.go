package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
	"github.com/telewarp/bbsbot/internal/goals"
	"github.com/telewarp/bbsbot/internal/strategy"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// readResult is one scripted settle: the update Read hands back and the
// co-resident hits MatchAll reports for that screen.
type readResult struct {
	upd domain.ScreenUpdate
	all []*domain.PromptHit
}

// fakeConsole scripts session reads and records exactly what the runtime
// sent over the wire, CRLF included.
type fakeConsole struct {
	mu    sync.Mutex
	queue []readResult
	last  []*domain.PromptHit
	sent  []string
	acts  []string
	notes []string
	err   error
	done  chan struct{}
	once  sync.Once
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{done: make(chan struct{})}
}

// push queues one settled screen; extra hits ride along as MatchAll
// co-residents.
func (f *fakeConsole) push(main *domain.PromptHit, co ...*domain.PromptHit) {
	all := make([]*domain.PromptHit, 0, 1+len(co))
	if main != nil {
		all = append(all, main)
	}
	all = append(all, co...)
	f.mu.Lock()
	f.queue = append(f.queue, readResult{
		upd: domain.ScreenUpdate{Prompt: main},
		all: all,
	})
	f.mu.Unlock()
}

func (f *fakeConsole) Read(ctx context.Context) (domain.ScreenUpdate, error) {
	f.mu.Lock()
	if len(f.queue) == 0 {
		f.mu.Unlock()
		// stand in for the session's settle timeout without busy-spinning
		time.Sleep(time.Millisecond)
		return domain.ScreenUpdate{}, fmt.Errorf("session: settle: %w", domain.ErrPromptTimeout)
	}
	r := f.queue[0]
	f.queue = f.queue[1:]
	f.last = r.all
	f.mu.Unlock()
	return r.upd, nil
}

func (f *fakeConsole) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeConsole) SendLine(ctx context.Context, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text+"\r\n")
	f.mu.Unlock()
	return nil
}

func (f *fakeConsole) MatchAll() []*domain.PromptHit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeConsole) Screen() domain.Screen { return domain.Screen{} }

func (f *fakeConsole) LogAction(name string, data map[string]any) {
	f.mu.Lock()
	f.acts = append(f.acts, name)
	f.mu.Unlock()
}

func (f *fakeConsole) LogNote(msg string, data map[string]any) {
	f.mu.Lock()
	f.notes = append(f.notes, msg)
	f.mu.Unlock()
}

func (f *fakeConsole) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConsole) Done() <-chan struct{} { return f.done }

func (f *fakeConsole) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// fail simulates the transport dying under the session.
func (f *fakeConsole) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeConsole) sentText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.sent, "")
}

func (f *fakeConsole) actionNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acts...)
}

func (f *fakeConsole) noteList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notes...)
}

// fakeSink records published events.
type fakeSink struct {
	mu  sync.Mutex
	evs []domain.Event
}

func (f *fakeSink) PublishEvent(_ context.Context, ev domain.Event) error {
	f.mu.Lock()
	f.evs = append(f.evs, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) kinds() []domain.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventKind, len(f.evs))
	for i, ev := range f.evs {
		out[i] = ev.Kind
	}
	return out
}

func (f *fakeSink) find(kind domain.EventKind) (domain.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.evs) - 1; i >= 0; i-- {
		if f.evs[i].Kind == kind {
			return f.evs[i], true
		}
	}
	return domain.Event{}, false
}

// stubStrategy serves canned plans, one per Decide, then empties out.
type stubStrategy struct {
	name  string
	plans []domain.Plan
	err   error
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Init(context.Context, game.View) error { return nil }

func (s *stubStrategy) Close() error { return nil }

func (s *stubStrategy) Decide(context.Context, game.View) (domain.Plan, error) {
	if s.err != nil {
		return domain.Plan{}, s.err
	}
	if len(s.plans) == 0 {
		return domain.Plan{}, nil
	}
	p := s.plans[0]
	s.plans = s.plans[1:]
	return p, nil
}

func hitFor(rule, kind string, fields map[string]any) *domain.PromptHit {
	return &domain.PromptHit{Rule: rule, Kind: kind, Fields: fields, At: time.Now()}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Spec = domain.BotSpec{
		ID:       "bot-1",
		Host:     "bbs.example.net",
		Port:     23,
		Game:     "T",
		Strategy: "opportunistic",
		Goal:     "profit",
	}
	cfg.SessionID = "sess-1"
	return cfg
}

type harness struct {
	fc     *fakeConsole
	sink   *fakeSink
	track  *game.Tracker
	engine *strategy.Engine
	goals  *goals.Tracker
	telem  *telemetry.Store
	rt     *Runtime
}

// newHarness wires a runtime around fakes. The first strategy is active.
func newHarness(t *testing.T, cfg Config, strats ...strategy.Strategy) *harness {
	t.Helper()
	logger := testLogger()

	fc := newFakeConsole()
	sink := &fakeSink{}
	track := game.NewTracker(logger)
	reg := strategy.NewRegistry()
	for _, s := range strats {
		reg.Register(s)
	}
	engine := strategy.NewEngine(reg, logger)
	require.NoError(t, engine.SetActive(strats[0].Name()))
	gt := goals.NewTracker(cfg.Spec.ID, goals.GoalProfit, goals.DefaultRules(), logger)
	telem := telemetry.NewStore(telemetry.Config{}, logger)

	rt := NewRuntime(cfg, Deps{
		Session:   fc,
		Tracker:   track,
		Engine:    engine,
		Goals:     gt,
		Telemetry: telem,
		Events:    sink,
	}, logger)

	return &harness{fc: fc, sink: sink, track: track, engine: engine, goals: gt, telem: telem, rt: rt}
}

func (h *harness) forceState(st domain.BotState) {
	h.rt.mu.Lock()
	h.rt.state = st
	h.rt.mu.Unlock()
}

func TestLoginWalksEntrySequence(t *testing.T) {
	cfg := testConfig()
	cfg.Account = domain.Account{Name: "acct-1", Username: "zaphod", Password: "s3cret"}
	h := newHarness(t, cfg, &stubStrategy{name: "opportunistic"})

	h.fc.push(hitFor("bbs_user_prompt", "auth", nil))
	h.fc.push(hitFor("bbs_password_prompt", "auth", nil))
	h.fc.push(hitFor("game_menu", "menu", nil))
	h.fc.push(hitFor("pause_prompt", "pause", nil))
	h.fc.push(hitFor("command_prompt", "command", map[string]any{"sector": 1}))

	require.NoError(t, h.rt.login(context.Background()))

	assert.Equal(t, "zaphod\r\ns3cret\r\nT ", h.fc.sentText())
	assert.Equal(t, 1, h.track.CurrentSector())
	assert.Contains(t, h.fc.noteList(), "login complete")
}

func TestLoginCountsRejectedPasswords(t *testing.T) {
	cfg := testConfig()
	cfg.Account = domain.Account{Name: "acct-1", Username: "zaphod", Password: "wrong"}
	h := newHarness(t, cfg, &stubStrategy{name: "opportunistic"})

	h.fc.push(hitFor("bbs_user_prompt", "auth", nil))
	h.fc.push(hitFor("bbs_password_prompt", "auth", nil))
	h.fc.push(hitFor("bbs_password_prompt", "auth", nil))
	h.fc.push(hitFor("bbs_password_prompt", "auth", nil))

	err := h.rt.login(context.Background())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 2, h.rt.authFails)
	assert.Equal(t, "zaphod\r\nwrong\r\nwrong\r\n", h.fc.sentText())
}

func TestLoginSkippedWithoutCredentials(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	require.NoError(t, h.rt.login(context.Background()))
	assert.Empty(t, h.fc.sentText())
}

func TestLoginNudgesSilentBanner(t *testing.T) {
	cfg := testConfig()
	cfg.Account = domain.Account{Name: "acct-1", Username: "zaphod", Password: "pw"}
	h := newHarness(t, cfg, &stubStrategy{name: "opportunistic"})

	err := h.rt.login(context.Background())
	require.ErrorIs(t, err, domain.ErrPromptTimeout)
	assert.Equal(t, "\r\r\r", h.fc.sentText())
}

func TestCycleTradesAtPort(t *testing.T) {
	stub := &stubStrategy{name: "opportunistic", plans: []domain.Plan{{
		Strategy:  "opportunistic",
		Steps:     []domain.Step{{Send: "p", Expect: "command", Note: "dock and trade"}},
		Reason:    "port in sector",
		CreatedAt: time.Now(),
	}}}
	h := newHarness(t, testConfig(), stub)

	h.fc.push(hitFor("command_prompt", "command", map[string]any{"sector": 100}))
	h.fc.push(hitFor("trade_qty", "trade", map[string]any{"good": "Fuel Ore", "dir": "buy", "max": int64(25)}))
	h.fc.push(hitFor("trade_offer", "trade", map[string]any{"offer": int64(1000)}))
	h.fc.push(hitFor("trade_done", "report", map[string]any{"credits": int64(4050), "holds": 15}))
	h.fc.push(hitFor("command_prompt", "command", map[string]any{"sector": 100}))

	require.NoError(t, h.rt.cycle(context.Background()))

	// dock command, full quantity, then an opening buy offer 5% under
	assert.Equal(t, "p25\r\n950\r\n", h.fc.sentText())

	c := h.telem.Counters("bot-1")
	assert.Equal(t, 1, c.Trades)
	assert.Equal(t, 1, c.Haggle.Counter)

	recs := h.telem.Window("bot-1", 10)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "p", rec.Action)
	assert.Equal(t, 100, rec.Sector)
	assert.Equal(t, int64(4050), rec.Credits)
	assert.Equal(t, int64(0), rec.CreditsDelta, "first credit reading is the baseline")
	assert.Equal(t, 1, rec.Trades)
	assert.Equal(t, "command_prompt", rec.PromptRule)
}

func TestHaggleLadderOnSell(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
	ctx := context.Background()

	hg := &haggle{}
	require.NoError(t, h.rt.answerQty(ctx, hitFor("trade_qty", "trade", map[string]any{"dir": "sell", "max": int64(40)}), hg))
	for i := 0; i < 4; i++ {
		require.NoError(t, h.rt.answerOffer(ctx, hitFor("trade_offer", "trade", map[string]any{"offer": int64(1000)}), hg))
	}

	// 5% over, then half the margin each round, then take the quote
	assert.Equal(t, "40\r\n1050\r\n1025\r\n1012\r\n\r\n", h.fc.sentText())
	c := h.telem.Counters("bot-1")
	assert.Equal(t, 3, c.Haggle.Counter)
	assert.Equal(t, 1, c.Haggle.TooHigh)
}

func TestHaggleAcceptsWhenBlind(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown direction", func(t *testing.T) {
		h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
		hg := &haggle{}
		require.NoError(t, h.rt.answerOffer(ctx, hitFor("trade_offer", "trade", map[string]any{"offer": int64(1000)}), hg))
		assert.Equal(t, "\r\n", h.fc.sentText())
		assert.Equal(t, 1, h.telem.Counters("bot-1").Haggle.Accept)
	})

	t.Run("unreadable quote", func(t *testing.T) {
		h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
		hg := &haggle{dir: "buy"}
		require.NoError(t, h.rt.answerOffer(ctx, hitFor("trade_offer", "trade", nil), hg))
		assert.Equal(t, "\r\n", h.fc.sentText())
		assert.Equal(t, 1, h.telem.Counters("bot-1").Haggle.Accept)
	})

	t.Run("margin rounds back to the quote", func(t *testing.T) {
		h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
		hg := &haggle{dir: "sell"}
		require.NoError(t, h.rt.answerOffer(ctx, hitFor("trade_offer", "trade", map[string]any{"offer": int64(1)}), hg))
		assert.Equal(t, "\r\n", h.fc.sentText())
		assert.Equal(t, 1, h.telem.Counters("bot-1").Haggle.Accept)
	})
}

func TestWakeNudgeAfterSilence(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
	ctx := context.Background()

	require.NoError(t, h.rt.cycle(ctx))
	assert.Empty(t, h.fc.sentText(), "one quiet read is not yet dead air")

	require.NoError(t, h.rt.cycle(ctx))
	assert.Equal(t, "\r", h.fc.sentText())

	recs := h.telem.Window("bot-1", 10)
	require.Len(t, recs, 1, "only the nudging cycle records a turn")
	assert.Equal(t, `\r`, recs[0].Action)
}

func TestOrientSteersOffCoursePrompts(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
	ctx := context.Background()

	h.fc.push(hitFor("pause_prompt", "pause", nil))
	require.NoError(t, h.rt.cycle(ctx))
	assert.Equal(t, " ", h.fc.sentText())

	h.fc.push(hitFor("game_menu", "menu", nil))
	require.NoError(t, h.rt.cycle(ctx))
	assert.Equal(t, " T", h.fc.sentText())

	h.fc.push(hitFor("computer_prompt", "computer", map[string]any{"sector": 5}))
	require.NoError(t, h.rt.cycle(ctx))
	assert.Equal(t, " Tq\r\n", h.fc.sentText())
	assert.Equal(t, 5, h.track.CurrentSector())

	recs := h.telem.Window("bot-1", 10)
	require.Len(t, recs, 3)
	assert.Equal(t, "space", recs[0].Action)
	assert.Equal(t, "T", recs[1].Action)
	assert.Equal(t, "q", recs[2].Action)
}

func TestOrientAppliesCoResidentReports(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	cmd := hitFor("command_prompt", "command", map[string]any{"sector": 42})
	sec := hitFor("sector_display", "report", map[string]any{
		"sector":     42,
		"warps":      []int{41, 43},
		"port_name":  "Terra Station",
		"port_class": 2,
	})
	h.fc.push(cmd, sec)

	require.NoError(t, h.rt.cycle(context.Background()))

	assert.Equal(t, 42, h.track.CurrentSector())
	info, ok := h.track.Sector(42)
	require.True(t, ok)
	assert.Equal(t, []int{41, 43}, info.Warps)
	p, ok := h.track.Port(42)
	require.True(t, ok)
	assert.Equal(t, "Terra Station", p.Name)
}

func TestStepAbortsWhenPromptNeverArrives(t *testing.T) {
	stub := &stubStrategy{name: "opportunistic", plans: []domain.Plan{{
		Strategy: "opportunistic",
		Steps:    []domain.Step{{Send: "p", Expect: "command", Note: "dock"}},
		Reason:   "trade",
	}}}
	h := newHarness(t, testConfig(), stub)

	h.fc.push(hitFor("command_prompt", "command", map[string]any{"sector": 10}))
	// nothing settles after the send

	require.NoError(t, h.rt.cycle(context.Background()), "an aborted plan is not a fatal cycle")
	assert.Contains(t, h.fc.actionNames(), "plan aborted")

	recs := h.telem.Window("bot-1", 10)
	require.Len(t, recs, 1)
	assert.Equal(t, "p", recs[0].Action, "the blind send is still on the record")
}

func TestStepLoopGuardTripsOnRepeats(t *testing.T) {
	stub := &stubStrategy{name: "opportunistic", plans: []domain.Plan{{
		Strategy: "opportunistic",
		Steps:    []domain.Step{{Send: "p", Expect: "command", Note: "dock"}},
		Reason:   "trade",
	}}}
	h := newHarness(t, testConfig(), stub)

	h.fc.push(hitFor("command_prompt", "command", map[string]any{"sector": 7}))
	for i := 0; i < 5; i++ {
		h.fc.push(hitFor("port_report", "report", map[string]any{"port": "Ferrengal"}))
	}

	require.NoError(t, h.rt.cycle(context.Background()))
	assert.Contains(t, h.fc.actionNames(), "plan aborted")
}

func TestOrientFatalPrompts(t *testing.T) {
	t.Run("disconnect notice", func(t *testing.T) {
		h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
		h.fc.push(hitFor("disconnect_notice", "disconnect", nil))

		err := h.rt.cycle(context.Background())
		require.ErrorIs(t, err, domain.ErrConnClosed)
		assert.True(t, fatalCycleErr(err))
	})

	t.Run("logged out mid-run", func(t *testing.T) {
		h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
		h.fc.push(hitFor("bbs_user_prompt", "auth", nil))

		err := h.rt.cycle(context.Background())
		require.ErrorIs(t, err, domain.ErrUnauthorized)
		assert.True(t, fatalCycleErr(err))
	})
}

func TestRunStopsCleanly(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	done := make(chan error, 1)
	go func() { done <- h.rt.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.rt.State() == domain.BotStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	h.rt.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	assert.Equal(t, domain.BotStateStopped, h.rt.State())
	kinds := h.sink.kinds()
	assert.Contains(t, kinds, domain.EventBotStarted)
	assert.Contains(t, kinds, domain.EventBotStopped)
}

func TestRunFailsWhenTransportDies(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	done := make(chan error, 1)
	go func() { done <- h.rt.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.rt.State() == domain.BotStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	h.fc.fail(errors.New("connection reset by peer"))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "transport lost")
	case <-time.After(2 * time.Second):
		t.Fatal("run did not fail")
	}

	assert.Equal(t, domain.BotStateError, h.rt.State())
	_, found := h.sink.find(domain.EventBotError)
	assert.True(t, found)
}

func TestRunHonorsTurnBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Spec.MaxTurns = 5
	h := newHarness(t, cfg, &stubStrategy{name: "opportunistic"})

	require.NoError(t, h.track.Apply(hitFor("info_display", "report", map[string]any{"turns": 100})))
	require.NoError(t, h.track.Apply(hitFor("info_display", "report", map[string]any{"turns": 90})))

	require.NoError(t, h.rt.Run(context.Background()))
	assert.Equal(t, domain.BotStateStopped, h.rt.State())

	ev, found := h.sink.find(domain.EventBotStopped)
	require.True(t, found)
	assert.Equal(t, 10, ev.Data["turns_used"])
}

func TestHijackPausesAndReleaseResumes(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	done := make(chan error, 1)
	go func() { done <- h.rt.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.rt.State() == domain.BotStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	lease, err := h.rt.Hijack("operator@console")
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token)
	assert.Equal(t, "bot-1", lease.BotID)

	require.Eventually(t, func() bool {
		return h.rt.State() == domain.BotStatePaused
	}, 2*time.Second, 5*time.Millisecond)

	// the loop is parked, so this settle belongs to the manual step
	h.fc.push(hitFor("command_prompt", "command", map[string]any{"sector": 9}))
	upd, err := h.rt.Step(context.Background(), lease.Token, "d")
	require.NoError(t, err)
	require.NotNil(t, upd.Prompt)
	assert.Equal(t, "command_prompt", upd.Prompt.Rule)
	assert.Equal(t, 9, h.track.CurrentSector())
	assert.Contains(t, h.fc.sentText(), "d")

	require.NoError(t, h.rt.Release(lease.Token))
	require.Eventually(t, func() bool {
		return h.rt.State() == domain.BotStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	h.rt.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestHijackLeaseRules(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
	h.forceState(domain.BotStateRunning)

	lease, err := h.rt.Hijack("alice")
	require.NoError(t, err)

	_, err = h.rt.Hijack("bob")
	require.ErrorIs(t, err, domain.ErrHijacked)

	_, err = h.rt.Renew("not-the-token")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	renewed, err := h.rt.Renew(lease.Token)
	require.NoError(t, err)
	assert.False(t, renewed.Expires.Before(lease.Expires))

	require.ErrorIs(t, h.rt.Release("not-the-token"), domain.ErrUnauthorized)
	require.NoError(t, h.rt.Release(lease.Token))
	require.ErrorIs(t, h.rt.Release(lease.Token), domain.ErrNotHijacked)

	_, err = h.rt.Step(context.Background(), lease.Token, "d")
	require.ErrorIs(t, err, domain.ErrNotHijacked)

	_, live := h.rt.Lease()
	assert.False(t, live)
}

func TestHijackRequiresDrivableState(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	// still starting
	_, err := h.rt.Hijack("alice")
	require.ErrorIs(t, err, domain.ErrSessionBusy)
}

func TestHijackLeaseExpires(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
	h.forceState(domain.BotStateRunning)

	base := time.Now()
	cur := base
	h.rt.now = func() time.Time { return cur }

	lease, err := h.rt.Hijack("alice")
	require.NoError(t, err)

	cur = base.Add(domain.HijackTTL + time.Second)

	_, err = h.rt.Renew(lease.Token)
	require.ErrorIs(t, err, domain.ErrLeaseExpired)

	assert.False(t, h.rt.pauseForLease(context.Background()), "expired lease no longer pauses the loop")
	_, live := h.rt.Lease()
	assert.False(t, live)

	ev, found := h.sink.find(domain.EventRelease)
	require.True(t, found)
	assert.Equal(t, "lease expired", ev.Data["reason"])
}

func autoIv(action domain.InterventionAction, params map[string]string) domain.Intervention {
	return domain.Intervention{
		ID:    "iv-1",
		BotID: "bot-1",
		Finding: domain.Finding{
			Category: domain.CategoryStuckLoop,
			Severity: domain.SeverityWarn,
			BotID:    "bot-1",
			Summary:  "same action repeating",
			At:       time.Now(),
		},
		Recommended: &domain.Recommendation{Action: action, Params: params, Rationale: "watchdog"},
		At:          time.Now(),
	}
}

func TestInterventionSwitchStrategy(t *testing.T) {
	h := newHarness(t, testConfig(),
		&stubStrategy{name: "opportunistic"},
		&stubStrategy{name: "profitable_pairs"})

	plan, preempt := h.rt.applyIntervention(context.Background(),
		autoIv(domain.ActionSwitchStrategy, map[string]string{"strategy": "profitable_pairs"}))

	assert.False(t, preempt)
	assert.True(t, plan.Empty())
	assert.Equal(t, "profitable_pairs", h.engine.ActiveName())
}

func TestInterventionPauseBot(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
	ctx := context.Background()

	plan, preempt := h.rt.applyIntervention(ctx,
		autoIv(domain.ActionPauseBot, map[string]string{"duration": "50ms"}))

	assert.True(t, preempt)
	assert.True(t, plan.Empty())
	assert.True(t, h.rt.pauseForHold(ctx))
	assert.Equal(t, domain.BotStatePaused, h.rt.State())

	time.Sleep(60 * time.Millisecond)
	assert.False(t, h.rt.pauseForHold(ctx))
	assert.Equal(t, domain.BotStateRunning, h.rt.State())
}

func TestInterventionResyncState(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	h.track.ExpectMove(5)
	err := h.track.Apply(hitFor("sector_display", "report", map[string]any{"sector": 7, "warps": []int{8}}))
	require.ErrorIs(t, err, domain.ErrStateDesync)
	desync, _ := h.track.Desync()
	require.True(t, desync)

	plan, preempt := h.rt.applyIntervention(context.Background(),
		autoIv(domain.ActionResyncState, nil))

	assert.True(t, preempt)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "d", plan.Steps[0].Send)
	assert.Equal(t, "command", plan.Steps[0].Expect)

	desync, _ = h.track.Desync()
	assert.False(t, desync)
}

func TestInterventionSetAnchor(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
	require.NoError(t, h.track.Apply(hitFor("command_prompt", "command", map[string]any{"sector": 77})))

	plan, preempt := h.rt.applyIntervention(context.Background(),
		autoIv(domain.ActionSetAnchor, map[string]string{"label": "stardock"}))

	assert.False(t, preempt)
	assert.True(t, plan.Empty())
	a, ok := h.goals.LatestAnchor()
	require.True(t, ok)
	assert.Equal(t, "stardock", a.Label)
	assert.Equal(t, 77, a.Sector)
}

func TestInterventionRewindNavigatesToAnchor(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	require.NoError(t, h.track.Apply(hitFor("sector_display", "report", map[string]any{"sector": 1, "warps": []int{2}})))
	require.NoError(t, h.track.Apply(hitFor("sector_display", "report", map[string]any{"sector": 2, "warps": []int{1}})))
	h.goals.SetAnchor("home", 1)
	h.goals.SetGoal(goals.GoalExploration, goals.TriggerManual, "scout the cluster")

	plan, preempt := h.rt.applyIntervention(context.Background(),
		autoIv(domain.ActionRewindGoal, nil))

	assert.True(t, preempt)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "1", plan.Steps[0].Send)
	assert.Equal(t, "command", plan.Steps[0].Expect)
	assert.Equal(t, goals.GoalProfit, h.goals.Current().Goal)
}

func TestInterventionRewindWithoutHistory(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	plan, preempt := h.rt.applyIntervention(context.Background(),
		autoIv(domain.ActionRewindGoal, nil))

	assert.False(t, preempt)
	assert.True(t, plan.Empty())
}

func TestRecordTracksDeltas(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
	ctx := context.Background()

	h.fc.push(hitFor("info_display", "report", map[string]any{"credits": int64(1000), "turns": 100}))
	require.NoError(t, h.rt.cycle(ctx))
	h.fc.push(hitFor("info_display", "report", map[string]any{"credits": int64(1500), "turns": 95}))
	require.NoError(t, h.rt.cycle(ctx))

	recs := h.telem.Window("bot-1", 10)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1000), recs[0].Credits)
	assert.Equal(t, int64(0), recs[0].CreditsDelta)
	assert.Equal(t, 0, recs[0].TurnsUsed)
	assert.Equal(t, int64(500), recs[1].CreditsDelta)
	assert.Equal(t, 5, recs[1].TurnsUsed)

	c := h.telem.Counters("bot-1")
	assert.Equal(t, int64(500), c.CreditsDelta)
	assert.Equal(t, 5, c.Turns)
}

func TestTradeDedupByCreditTotal(t *testing.T) {
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})

	st := &cycleStats{}
	h.rt.applyHit(hitFor("trade_done", "report", map[string]any{"credits": int64(5000)}), st)
	h.rt.applyHit(hitFor("trade_done", "report", map[string]any{"credits": int64(5000)}), st)
	assert.Equal(t, 1, st.trades, "a lingering report is one trade")

	h.rt.applyHit(hitFor("trade_done", "report", map[string]any{"credits": int64(5600)}), st)
	assert.Equal(t, 2, st.trades)
}

func TestEngineFallbackDegradesState(t *testing.T) {
	bad := &stubStrategy{name: "ai_strategy", err: errors.New("model offline")}
	good := &stubStrategy{name: "twerk_optimized"}
	h := newHarness(t, testConfig(), bad, good)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.fc.push(hitFor("command_prompt", "command", map[string]any{"sector": 3}))
		require.NoError(t, h.rt.cycle(ctx))
	}

	assert.Equal(t, "twerk_optimized", h.engine.ActiveName())
	assert.True(t, h.engine.Degraded())
	assert.Equal(t, domain.BotStateDegraded, h.rt.State())
}

func TestStatusSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Account = domain.Account{Name: "acct-7", Username: "zaphod", Password: "hush"}
	h := newHarness(t, cfg, &stubStrategy{name: "opportunistic"})

	require.NoError(t, h.track.Apply(hitFor("command_prompt", "command", map[string]any{"sector": 12})))
	require.NoError(t, h.track.Apply(hitFor("info_display", "report", map[string]any{"credits": int64(2500), "turns": 80})))

	st := h.rt.Status()
	assert.Equal(t, "bot-1", st.ID)
	assert.Equal(t, domain.BotStateStarting, st.State)
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, "acct-7", st.Account, "status carries the account name, nothing else")
	assert.Equal(t, "opportunistic", st.Strategy)
	assert.Equal(t, "profit", st.Phase)
	assert.Equal(t, 12, st.Sector)
	assert.Equal(t, int64(2500), st.Credits)
	assert.Equal(t, 80, st.TurnsLeft)
}
