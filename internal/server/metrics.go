package server

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/telewarp/bbsbot/internal/accounts"
	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/swarm"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// Metrics holds all Prometheus metrics for the swarm. Counters increment
// at the point a turn or event is recorded, so they stay monotonic even
// when bot records are cleared; gauges are refreshed from each status
// snapshot.
type Metrics struct {
	// Turn stream
	TurnsTotal        *prometheus.CounterVec
	TradesTotal       prometheus.Counter
	CreditsDeltaTotal prometheus.Counter
	TurnDuration      prometheus.Histogram

	// LLM spend
	LLMTokensTotal prometheus.Counter
	LLMCostTotal   prometheus.Counter

	// Events
	EventsTotal        *prometheus.CounterVec
	InterventionsTotal *prometheus.CounterVec

	// Fleet state
	Bots         *prometheus.GaugeVec
	FleetCredits prometheus.Gauge
	Accounts     *prometheus.GaugeVec
	WSClients    prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bbsbot_turns_total",
				Help: "Completed bot turns by strategy",
			},
			[]string{"strategy"},
		),

		TradesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bbsbot_trades_total",
				Help: "Executed port trades across the fleet",
			},
		),

		CreditsDeltaTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bbsbot_credits_earned_total",
				Help: "Credits gained across the fleet (losses excluded)",
			},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bbsbot_turn_duration_seconds",
				Help:    "Wall time of one orient/decide/execute cycle",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		LLMTokensTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bbsbot_llm_tokens_total",
				Help: "LLM tokens consumed by strategy and intervention calls",
			},
		),

		LLMCostTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bbsbot_llm_cost_usd_total",
				Help: "Estimated LLM spend in USD",
			},
		),

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bbsbot_events_total",
				Help: "Swarm and bot lifecycle events by kind",
			},
			[]string{"kind"},
		),

		InterventionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bbsbot_interventions_total",
				Help: "Intervention findings by detector category",
			},
			[]string{"category"},
		),

		Bots: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bbsbot_bots",
				Help: "Bots by lifecycle state",
			},
			[]string{"state"},
		),

		FleetCredits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bbsbot_fleet_credits",
				Help: "Sum of credits across live bots",
			},
		),

		Accounts: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bbsbot_accounts",
				Help: "Pool accounts by state",
			},
			[]string{"state"},
		),

		WSClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bbsbot_ws_clients",
				Help: "Connected dashboard WebSocket clients",
			},
		),
	}
}

var _ telemetry.Sink = (*Metrics)(nil)

// TurnRecorded implements telemetry.Sink. It is the single increment
// point for the turn-stream counters.
func (m *Metrics) TurnRecorded(_ context.Context, rec domain.TurnRecord) error {
	m.TurnsTotal.WithLabelValues(rec.Strategy).Inc()
	m.TradesTotal.Add(float64(rec.Trades))
	if rec.CreditsDelta > 0 {
		m.CreditsDeltaTotal.Add(float64(rec.CreditsDelta))
	}
	m.TurnDuration.Observe(rec.Duration.Seconds())
	m.LLMTokensTotal.Add(float64(rec.LLMTokens))
	m.LLMCostTotal.Add(rec.LLMCost)
	return nil
}

// RollupProduced implements telemetry.Sink. Rollups are derived from the
// turn stream the counters already cover.
func (m *Metrics) RollupProduced(_ context.Context, _ domain.Rollup) error {
	return nil
}

// ObserveEvent counts a lifecycle event, with the detector category as
// an extra dimension for interventions.
func (m *Metrics) ObserveEvent(ev domain.Event) {
	m.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == domain.EventIntervention {
		category, _ := ev.Data["category"].(string)
		if category == "" {
			category = "unknown"
		}
		m.InterventionsTotal.WithLabelValues(category).Inc()
	}
}

// ObserveStatus refreshes the fleet gauges from a status snapshot.
// Reset clears states no bot occupies anymore.
func (m *Metrics) ObserveStatus(snap swarm.StatusSnapshot, pool accounts.Stats) {
	m.Bots.Reset()
	for state, n := range snap.States {
		m.Bots.WithLabelValues(state).Set(float64(n))
	}
	m.FleetCredits.Set(float64(snap.TotalCredits))

	m.Accounts.WithLabelValues("available").Set(float64(pool.Available))
	m.Accounts.WithLabelValues("leased").Set(float64(pool.Leased))
	m.Accounts.WithLabelValues("cooldown").Set(float64(pool.Cooling))
}

// ObserveWSClients refreshes the connected-client gauge.
func (m *Metrics) ObserveWSClients(n int) {
	m.WSClients.Set(float64(n))
}
