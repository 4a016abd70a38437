package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
)

func TestChatParsesTextAndUsage(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"content": [{"type": "text", "text": "buy organics"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 120, "output_tokens": 30}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", WithBaseURL(srv.URL+"/v1"), WithModel("test-model"))
	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "you advise a trading bot"},
			{Role: "user", Content: "what next?"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "buy organics", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 150, resp.Usage.TotalTokens)

	assert.Equal(t, "test-model", gotBody["model"])
	sys, ok := gotBody["system"].([]any)
	require.True(t, ok)
	assert.Len(t, sys, 1)
	msgs, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestChatParsesToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "switching"},
				{"type": "tool_use", "id": "tu_1", "name": "switch_strategy",
				 "input": {"strategy": "profitable_pairs"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", WithBaseURL(srv.URL))
	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "stuck"}},
		Tools: []ToolDefinition{{
			Name:       "switch_strategy",
			Parameters: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "switch_strategy", resp.ToolCalls[0].Name)
	assert.Equal(t, "profitable_pairs", resp.ToolCalls[0].Arguments["strategy"])
}

func TestChatRetriesOn529(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(529)
			w.Write([]byte(`{"error": {"type": "overloaded_error"}}`))
			return
		}
		w.Write([]byte(`{"content": [{"type": "text", "text": "ok"}], "stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 1}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", WithBaseURL(srv.URL),
		WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}))
	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, calls)
}

func TestChatDoesNotRetryAuthFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"type": "authentication_error"}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("bad", WithBaseURL(srv.URL),
		WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.Status)
	assert.Equal(t, 1, calls)
}

func TestMeterEnforcesCallCap(t *testing.T) {
	m := NewMeter(Budget{CallsPerHour: 2}, PriceTable{})

	require.NoError(t, m.Allow("b1"))
	m.Record("b1", Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})
	require.NoError(t, m.Allow("b1"))
	m.Record("b1", Usage{TotalTokens: 10})

	err := m.Allow("b1")
	assert.ErrorIs(t, err, domain.ErrLLMBudget)

	// other bots have their own budget
	assert.NoError(t, m.Allow("b2"))
}

func TestMeterEnforcesTokenCap(t *testing.T) {
	m := NewMeter(Budget{TokensPerHour: 100}, PriceTable{})
	m.Record("b1", Usage{TotalTokens: 100})
	assert.ErrorIs(t, m.Allow("b1"), domain.ErrLLMBudget)
}

func TestMeterWindowExpires(t *testing.T) {
	m := NewMeter(Budget{CallsPerHour: 1}, PriceTable{})
	clock := time.Now()
	m.now = func() time.Time { return clock }

	m.Record("b1", Usage{TotalTokens: 50})
	assert.ErrorIs(t, m.Allow("b1"), domain.ErrLLMBudget)

	clock = clock.Add(61 * time.Minute)
	assert.NoError(t, m.Allow("b1"))

	// lifetime totals survive the window
	total := m.Total("b1")
	assert.Equal(t, 50, total.Tokens)
	assert.Equal(t, 1, total.Calls)
}

func TestMeterCost(t *testing.T) {
	m := NewMeter(Budget{}, PriceTable{InputPerMTok: 3, OutputPerMTok: 15})
	m.Record("b1", Usage{PromptTokens: 1_000_000, CompletionTokens: 100_000, TotalTokens: 1_100_000})

	assert.InDelta(t, 3.0+1.5, m.Window("b1").Cost, 1e-9)
}
