// Package telemetry keeps the per-bot turn history and its aggregates:
// bounded rings of TurnRecords, rolling counters (trades, haggle
// outcomes, no-trade streaks, advisory spend), periodic rollups on a
// cron cadence, and fleet/strategy aggregates with the outlier filter
// applied. Optional sinks mirror records and rollups to Postgres or the
// Redis stream; mirror failures are logged, never fatal.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/telewarp/bbsbot/internal/domain"
)

// HaggleOutcome classifies one answered price prompt.
type HaggleOutcome string

const (
	HaggleAccept  HaggleOutcome = "accept"
	HaggleCounter HaggleOutcome = "counter"
	HaggleTooHigh HaggleOutcome = "too_high"
	HaggleTooLow  HaggleOutcome = "too_low"
)

// HaggleCounts tallies answered price prompts by outcome.
type HaggleCounts struct {
	Accept  int `json:"accept"`
	Counter int `json:"counter"`
	TooHigh int `json:"too_high"`
	TooLow  int `json:"too_low"`
}

// Counters is a bot's session-lifetime tally.
type Counters struct {
	Turns         int          `json:"turns"`
	Trades        int          `json:"trades"`
	CreditsDelta  int64        `json:"credits_delta"`
	CPT           float64      `json:"credits_per_turn"`
	LLMWakeups    int          `json:"llm_wakeups"`
	LLMTokens     int          `json:"llm_tokens"`
	LLMCost       float64      `json:"llm_cost_usd"`
	Interventions int          `json:"interventions"`
	Haggle        HaggleCounts `json:"haggle"`

	// Dry spells: a streak of consecutive game turns without a trade
	// bumps each bucket it crosses, once per streak.
	NoTrade30  int `json:"no_trade_t30"`
	NoTrade60  int `json:"no_trade_t60"`
	NoTrade90  int `json:"no_trade_t90"`
	NoTrade120 int `json:"no_trade_t120"`
}

// StrategyStats aggregates session credits-per-turn samples for one
// strategy, after the outlier filter.
type StrategyStats struct {
	Strategy     string  `json:"strategy"`
	Sessions     int     `json:"sessions"`
	Excluded     int     `json:"excluded"`
	MeanCPT      float64 `json:"mean_cpt"`
	MinCPT       float64 `json:"min_cpt"`
	MaxCPT       float64 `json:"max_cpt"`
	Trades       int     `json:"trades"`
	CreditsDelta int64   `json:"credits_delta"`
}

// Sink receives records and rollups as they are produced.
type Sink interface {
	TurnRecorded(ctx context.Context, rec domain.TurnRecord) error
	RollupProduced(ctx context.Context, r domain.Rollup) error
}

// Config sizes the rings and schedules.
type Config struct {
	RingSize    int           // turn records kept per bot
	RollupEvery time.Duration // per-bot rollup cadence
	FleetEvery  time.Duration // fleet rollup cadence
}

// DefaultConfig returns the stock sizing.
func DefaultConfig() Config {
	return Config{
		RingSize:    2000,
		RollupEvery: time.Minute,
		FleetEvery:  15 * time.Minute,
	}
}

const (
	maxRollupHistory = 360
	maxIvTimes       = 500
)

var noTradeBuckets = [...]int{30, 60, 90, 120}

type counterState struct {
	Counters
	noTradeStreak int
}

// Store is the in-memory telemetry core. All getters return copies.
type Store struct {
	cfg    Config
	logger *slog.Logger
	sinks  []Sink

	mu       sync.RWMutex
	rings    map[string][]domain.TurnRecord
	counters map[string]*counterState
	rollups  map[string][]domain.Rollup
	fleet    []domain.Rollup
	ivTimes  map[string][]time.Time

	cron *cron.Cron
	now  func() time.Time
}

// NewStore builds the store. Sinks are optional mirrors.
func NewStore(cfg Config, logger *slog.Logger, sinks ...Sink) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RingSize <= 0 {
		cfg.RingSize = def.RingSize
	}
	if cfg.RollupEvery <= 0 {
		cfg.RollupEvery = def.RollupEvery
	}
	if cfg.FleetEvery <= 0 {
		cfg.FleetEvery = def.FleetEvery
	}
	return &Store{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "telemetry")),
		sinks:    sinks,
		rings:    make(map[string][]domain.TurnRecord),
		counters: make(map[string]*counterState),
		rollups:  make(map[string][]domain.Rollup),
		ivTimes:  make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Start schedules the rollup jobs. Stop must be called to drain them.
func (s *Store) Start() {
	s.cron = cron.New()
	s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.RollupEvery), s.rollupTick)
	s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.FleetEvery), s.fleetTick)
	s.cron.Start()
	s.logger.Info("rollup schedule started",
		slog.Duration("bot_every", s.cfg.RollupEvery),
		slog.Duration("fleet_every", s.cfg.FleetEvery))
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Store) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RecordTurn folds one completed cycle into the bot's ring and counters
// and forwards it to the sinks.
func (s *Store) RecordTurn(ctx context.Context, rec domain.TurnRecord) {
	s.mu.Lock()
	ring := append(s.rings[rec.BotID], rec)
	if len(ring) > s.cfg.RingSize {
		ring = append([]domain.TurnRecord(nil), ring[len(ring)-s.cfg.RingSize:]...)
	}
	s.rings[rec.BotID] = ring

	cs := s.counter(rec.BotID)
	cs.Turns += rec.TurnsUsed
	cs.Trades += rec.Trades
	cs.CreditsDelta += rec.CreditsDelta
	cs.LLMTokens += rec.LLMTokens
	cs.LLMCost += rec.LLMCost
	if rec.LLMTokens > 0 {
		cs.LLMWakeups++
	}
	if cs.Turns > 0 {
		cs.CPT = float64(cs.CreditsDelta) / float64(cs.Turns)
	}

	if rec.Trades > 0 {
		cs.noTradeStreak = 0
	} else {
		before := cs.noTradeStreak
		cs.noTradeStreak += rec.TurnsUsed
		crossed := [...]*int{&cs.NoTrade30, &cs.NoTrade60, &cs.NoTrade90, &cs.NoTrade120}
		for i, b := range noTradeBuckets {
			if before < b && cs.noTradeStreak >= b {
				*crossed[i]++
			}
		}
	}
	s.mu.Unlock()

	for _, sink := range s.sinks {
		if err := sink.TurnRecorded(ctx, rec); err != nil {
			s.logger.Warn("turn mirror failed",
				slog.String("bot_id", rec.BotID),
				slog.String("error", err.Error()))
		}
	}
}

// CountHaggle tallies one answered price prompt.
func (s *Store) CountHaggle(botID string, outcome HaggleOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.counter(botID)
	switch outcome {
	case HaggleAccept:
		cs.Haggle.Accept++
	case HaggleCounter:
		cs.Haggle.Counter++
	case HaggleTooHigh:
		cs.Haggle.TooHigh++
	case HaggleTooLow:
		cs.Haggle.TooLow++
	}
}

// CountIntervention tallies one admitted intervention.
func (s *Store) CountIntervention(botID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter(botID).Interventions++
	ts := append(s.ivTimes[botID], now)
	if len(ts) > maxIvTimes {
		ts = append([]time.Time(nil), ts[len(ts)-maxIvTimes:]...)
	}
	s.ivTimes[botID] = ts
}

// counter returns the bot's mutable tally. Caller holds mu.
func (s *Store) counter(botID string) *counterState {
	cs := s.counters[botID]
	if cs == nil {
		cs = &counterState{}
		s.counters[botID] = cs
	}
	return cs
}

// Counters returns a copy of the bot's tally.
func (s *Store) Counters(botID string) Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cs := s.counters[botID]; cs != nil {
		return cs.Counters
	}
	return Counters{}
}

// Bots lists bots with recorded turns, sorted.
func (s *Store) Bots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rings))
	for id := range s.rings {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Window returns the bot's last n records, oldest first.
// The returned slice is safe to mutate.
func (s *Store) Window(botID string, n int) []domain.TurnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.rings[botID]
	if n > 0 && len(ring) > n {
		ring = ring[len(ring)-n:]
	}
	out := make([]domain.TurnRecord, len(ring))
	copy(out, ring)
	return out
}

// Since returns the bot's records at or after t, oldest first.
func (s *Store) Since(botID string, t time.Time) []domain.TurnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.rings[botID]
	i := sort.Search(len(ring), func(i int) bool { return !ring[i].At.Before(t) })
	out := make([]domain.TurnRecord, len(ring)-i)
	copy(out, ring[i:])
	return out
}

// RollupSince aggregates the bot's records from since to now into one
// window rollup.
func (s *Store) RollupSince(botID, window string, since time.Time) domain.Rollup {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := domain.Rollup{BotID: botID, Window: window, Start: since, End: now}
	for _, rec := range s.rings[botID] {
		if rec.At.Before(since) {
			continue
		}
		foldRecord(&r, rec)
	}
	if r.Turns > 0 {
		r.CPT = float64(r.CreditsDelta) / float64(r.Turns)
	}
	for _, ts := range s.ivTimes[botID] {
		if !ts.Before(since) {
			r.Interventions++
		}
	}
	return r
}

// SessionRollup aggregates the bot's whole ring.
func (s *Store) SessionRollup(botID string) domain.Rollup {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := domain.Rollup{BotID: botID, Window: "session", End: now}
	ring := s.rings[botID]
	if len(ring) > 0 {
		r.Start = ring[0].At
	}
	for _, rec := range ring {
		foldRecord(&r, rec)
	}
	if r.Turns > 0 {
		r.CPT = float64(r.CreditsDelta) / float64(r.Turns)
	}
	r.Interventions = len(s.ivTimes[botID])
	return r
}

func foldRecord(r *domain.Rollup, rec domain.TurnRecord) {
	r.Turns += rec.TurnsUsed
	r.Trades += rec.Trades
	r.CreditsDelta += rec.CreditsDelta
	r.LLMTokens += rec.LLMTokens
	r.LLMCost += rec.LLMCost
}

// Rollups returns the bot's stored rollups, newest first.
func (s *Store) Rollups(botID string, limit int) []domain.Rollup {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.rollups[botID], limit)
}

// FleetRollups returns stored fleet rollups, newest first.
func (s *Store) FleetRollups(limit int) []domain.Rollup {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.fleet, limit)
}

func newestFirst(rs []domain.Rollup, limit int) []domain.Rollup {
	n := len(rs)
	if limit > n {
		limit = n
	}
	out := make([]domain.Rollup, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rs[i])
	}
	return out
}

// FleetRollupSince sums every bot's window into one fleet rollup. Raw
// sums are unfiltered; the outlier filter only guards strategy means.
func (s *Store) FleetRollupSince(window string, since time.Time) domain.Rollup {
	now := s.now()
	s.mu.RLock()
	bots := make([]string, 0, len(s.rings))
	for id := range s.rings {
		bots = append(bots, id)
	}
	s.mu.RUnlock()

	fleet := domain.Rollup{BotID: "fleet", Window: window, Start: since, End: now}
	for _, id := range bots {
		r := s.RollupSince(id, window, since)
		fleet.Turns += r.Turns
		fleet.Trades += r.Trades
		fleet.CreditsDelta += r.CreditsDelta
		fleet.LLMTokens += r.LLMTokens
		fleet.LLMCost += r.LLMCost
		fleet.Interventions += r.Interventions
	}
	if fleet.Turns > 0 {
		fleet.CPT = float64(fleet.CreditsDelta) / float64(fleet.Turns)
	}
	return fleet
}

// StrategyAggregates groups session rollups by each bot's dominant
// strategy. Sessions failing the outlier filter are excluded from means
// but counted.
func (s *Store) StrategyAggregates() []StrategyStats {
	s.mu.RLock()
	bots := make([]string, 0, len(s.rings))
	for id := range s.rings {
		bots = append(bots, id)
	}
	s.mu.RUnlock()

	stats := make(map[string]*StrategyStats)
	for _, id := range bots {
		strat := s.dominantStrategy(id)
		if strat == "" {
			continue
		}
		st := stats[strat]
		if st == nil {
			st = &StrategyStats{Strategy: strat}
			stats[strat] = st
		}

		r := s.SessionRollup(id)
		if !domain.IncludeInAggregate(r) {
			st.Excluded++
			continue
		}
		if st.Sessions == 0 || r.CPT < st.MinCPT {
			st.MinCPT = r.CPT
		}
		if st.Sessions == 0 || r.CPT > st.MaxCPT {
			st.MaxCPT = r.CPT
		}
		// MeanCPT holds the running sum until the final pass
		st.MeanCPT += r.CPT
		st.Sessions++
		st.Trades += r.Trades
		st.CreditsDelta += r.CreditsDelta
	}

	out := make([]StrategyStats, 0, len(stats))
	for _, st := range stats {
		if st.Sessions > 0 {
			st.MeanCPT /= float64(st.Sessions)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

// dominantStrategy is the most frequent strategy in the bot's ring.
func (s *Store) dominantStrategy(botID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, rec := range s.rings[botID] {
		if rec.Strategy != "" {
			counts[rec.Strategy]++
		}
	}
	best, bestN := "", 0
	for name, n := range counts {
		if n > bestN || (n == bestN && name < best) {
			best, bestN = name, n
		}
	}
	return best
}

// rollupTick produces one per-bot rollup for the cadence just elapsed.
func (s *Store) rollupTick() {
	since := s.now().Add(-s.cfg.RollupEvery)
	window := s.cfg.RollupEvery.String()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range s.Bots() {
		r := s.RollupSince(id, window, since)
		if r.Turns == 0 && r.Trades == 0 && r.Interventions == 0 {
			continue
		}
		s.keepRollup(id, r)
		s.mirror(ctx, r)
	}
}

// fleetTick produces one fleet rollup for the fleet cadence.
func (s *Store) fleetTick() {
	since := s.now().Add(-s.cfg.FleetEvery)
	r := s.FleetRollupSince(s.cfg.FleetEvery.String(), since)
	if r.Turns == 0 && r.Trades == 0 {
		return
	}
	s.mu.Lock()
	s.fleet = trimRollups(append(s.fleet, r))
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.mirror(ctx, r)
}

func (s *Store) keepRollup(botID string, r domain.Rollup) {
	s.mu.Lock()
	s.rollups[botID] = trimRollups(append(s.rollups[botID], r))
	s.mu.Unlock()
}

func trimRollups(rs []domain.Rollup) []domain.Rollup {
	if len(rs) > maxRollupHistory {
		return append([]domain.Rollup(nil), rs[len(rs)-maxRollupHistory:]...)
	}
	return rs
}

func (s *Store) mirror(ctx context.Context, r domain.Rollup) {
	for _, sink := range s.sinks {
		if err := sink.RollupProduced(ctx, r); err != nil {
			s.logger.Warn("rollup mirror failed",
				slog.String("bot_id", r.BotID),
				slog.String("window", r.Window),
				slog.String("error", err.Error()))
		}
	}
}

// Forget drops a bot's telemetry, for pool churn after a bot retires.
func (s *Store) Forget(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, botID)
	delete(s.counters, botID)
	delete(s.rollups, botID)
	delete(s.ivTimes, botID)
}
