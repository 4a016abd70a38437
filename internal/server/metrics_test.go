package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/accounts"
	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/swarm"
)

func TestMetricsTurnRecorded(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	require.NoError(t, m.TurnRecorded(context.Background(), domain.TurnRecord{
		BotID:        "tw-1",
		Strategy:     "pairs",
		Trades:       2,
		CreditsDelta: 900,
		LLMTokens:    1200,
		LLMCost:      0.018,
		Duration:     3 * time.Second,
	}))
	require.NoError(t, m.TurnRecorded(context.Background(), domain.TurnRecord{
		BotID:        "tw-2",
		Strategy:     "pairs",
		CreditsDelta: -300, // losses never decrement the earned counter
	}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("pairs")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TradesTotal))
	assert.Equal(t, 900.0, testutil.ToFloat64(m.CreditsDeltaTotal))
	assert.Equal(t, 1200.0, testutil.ToFloat64(m.LLMTokensTotal))
	assert.InDelta(t, 0.018, testutil.ToFloat64(m.LLMCostTotal), 1e-9)
}

func TestMetricsObserveEvent(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.ObserveEvent(domain.Event{Kind: domain.EventBotStarted})
	m.ObserveEvent(domain.Event{
		Kind: domain.EventIntervention,
		Data: map[string]any{"category": "credit_stall"},
	})
	m.ObserveEvent(domain.Event{Kind: domain.EventIntervention})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("bot_started")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("intervention")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InterventionsTotal.WithLabelValues("credit_stall")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InterventionsTotal.WithLabelValues("unknown")))
}

func TestMetricsObserveStatus(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.ObserveStatus(swarm.StatusSnapshot{
		States:       map[string]int{"running": 3, "connecting": 1},
		TotalCredits: 104600,
	}, accounts.Stats{Available: 4, Leased: 3, Cooling: 1})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Bots.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Bots.WithLabelValues("connecting")))
	assert.Equal(t, 104600.0, testutil.ToFloat64(m.FleetCredits))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Accounts.WithLabelValues("available")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Accounts.WithLabelValues("cooldown")))

	// A later snapshot clears states no bot occupies anymore.
	m.ObserveStatus(swarm.StatusSnapshot{
		States: map[string]int{"stopped": 4},
	}, accounts.Stats{})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Bots.WithLabelValues("running")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Bots.WithLabelValues("stopped")))
}

func TestMetricsWSClients(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())
	m.ObserveWSClients(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WSClients))
	m.ObserveWSClients(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WSClients))
}
