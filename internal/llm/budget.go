package llm

import (
	"fmt"
	"sync"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// Budget caps advisory spend per bot over the rolling window. Zero
// fields are unlimited.
type Budget struct {
	TokensPerHour int
	CallsPerHour  int
}

// PriceTable converts tokens to dollars, per million tokens.
type PriceTable struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultPrices matches the default model's list pricing.
var DefaultPrices = PriceTable{InputPerMTok: 3.0, OutputPerMTok: 15.0}

// Spend is the consumption within a window.
type Spend struct {
	Tokens int
	Calls  int
	Cost   float64
}

type spendEntry struct {
	at     time.Time
	tokens int
	cost   float64
}

// Meter tracks per-bot LLM consumption over a rolling hour and enforces
// the budget. Over budget callers get ErrLLMBudget and are expected to
// degrade to non-advised behavior, not stop.
type Meter struct {
	mu      sync.Mutex
	budget  Budget
	prices  PriceTable
	window  time.Duration
	entries map[string][]spendEntry
	totals  map[string]Spend

	now func() time.Time
}

// NewMeter builds a meter with a one-hour window.
func NewMeter(budget Budget, prices PriceTable) *Meter {
	if prices == (PriceTable{}) {
		prices = DefaultPrices
	}
	return &Meter{
		budget:  budget,
		prices:  prices,
		window:  time.Hour,
		entries: make(map[string][]spendEntry),
		totals:  make(map[string]Spend),
		now:     time.Now,
	}
}

// Allow reports whether the bot may make another advisory call now.
func (m *Meter) Allow(botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windowSpend(botID)
	if m.budget.CallsPerHour > 0 && w.Calls >= m.budget.CallsPerHour {
		return fmt.Errorf("llm: %d calls in window (cap %d): %w", w.Calls, m.budget.CallsPerHour, domain.ErrLLMBudget)
	}
	if m.budget.TokensPerHour > 0 && w.Tokens >= m.budget.TokensPerHour {
		return fmt.Errorf("llm: %d tokens in window (cap %d): %w", w.Tokens, m.budget.TokensPerHour, domain.ErrLLMBudget)
	}
	return nil
}

// Record charges one call's usage to the bot.
func (m *Meter) Record(botID string, u Usage) {
	cost := float64(u.PromptTokens)*m.prices.InputPerMTok/1e6 +
		float64(u.CompletionTokens)*m.prices.OutputPerMTok/1e6

	m.mu.Lock()
	m.entries[botID] = append(m.entries[botID], spendEntry{
		at:     m.now(),
		tokens: u.TotalTokens,
		cost:   cost,
	})
	t := m.totals[botID]
	t.Tokens += u.TotalTokens
	t.Calls++
	t.Cost += cost
	m.totals[botID] = t
	m.mu.Unlock()
}

// Window returns the bot's consumption inside the rolling window.
func (m *Meter) Window(botID string) Spend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowSpend(botID)
}

// Total returns the bot's lifetime consumption.
func (m *Meter) Total(botID string) Spend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[botID]
}

// windowSpend prunes expired entries and sums the rest. Caller holds mu.
func (m *Meter) windowSpend(botID string) Spend {
	cutoff := m.now().Add(-m.window)
	es := m.entries[botID]

	i := 0
	for i < len(es) && es[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		es = es[i:]
		m.entries[botID] = es
	}

	var out Spend
	for _, e := range es {
		out.Tokens += e.tokens
		out.Calls++
		out.Cost += e.cost
	}
	return out
}
