package bot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/llm"
)

type fakeAdvisor struct {
	mu    sync.Mutex
	calls int
	resp  *llm.ChatResponse
	err   error
}

func (f *fakeAdvisor) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeAdvisor) DefaultModel() string { return "test-model" }
func (f *fakeAdvisor) Name() string         { return "fake" }

func (f *fakeAdvisor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestFeedbackKeepsInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Feedback = FeedbackConfig{Interval: 10}
	adv := &fakeAdvisor{resp: &llm.ChatResponse{
		Content: "Steady pair trading, nothing wasted.",
		Usage:   llm.Usage{TotalTokens: 80},
	}}

	h := newHarness(t, cfg, &stubStrategy{name: "opportunistic"})
	h.rt.advisor = adv

	ctx := context.Background()
	h.rt.maybeFeedback(ctx, 5)
	assert.Equal(t, 0, adv.callCount(), "below the interval")

	h.rt.maybeFeedback(ctx, 10)
	require.Equal(t, 1, adv.callCount())

	h.rt.maybeFeedback(ctx, 14)
	assert.Equal(t, 1, adv.callCount(), "window restarts after a review")

	h.rt.maybeFeedback(ctx, 20)
	assert.Equal(t, 2, adv.callCount())

	assert.Contains(t, h.fc.noteList(), "llm feedback")
	ev, ok := h.sink.find(domain.EventFeedback)
	require.True(t, ok)
	assert.Equal(t, "Steady pair trading, nothing wasted.", ev.Data["text"])
}

func TestFeedbackDisabledWithoutIntervalOrAdvisor(t *testing.T) {
	adv := &fakeAdvisor{resp: &llm.ChatResponse{Content: "unused"}}

	// interval zero
	h := newHarness(t, testConfig(), &stubStrategy{name: "opportunistic"})
	h.rt.advisor = adv
	h.rt.maybeFeedback(context.Background(), 100)
	assert.Equal(t, 0, adv.callCount())

	// no advisor wired
	cfg := testConfig()
	cfg.Feedback = FeedbackConfig{Interval: 10}
	h = newHarness(t, cfg, &stubStrategy{name: "opportunistic"})
	h.rt.maybeFeedback(context.Background(), 100)
	assert.Equal(t, 0, adv.callCount())
}

func TestFeedbackFailureNeverSurfaces(t *testing.T) {
	cfg := testConfig()
	cfg.Feedback = FeedbackConfig{Interval: 10}
	adv := &fakeAdvisor{err: errors.New("upstream 529")}

	h := newHarness(t, cfg, &stubStrategy{name: "opportunistic"})
	h.rt.advisor = adv

	h.rt.maybeFeedback(context.Background(), 10)
	require.Equal(t, 1, adv.callCount())
	assert.NotContains(t, h.fc.noteList(), "llm feedback")
	_, ok := h.sink.find(domain.EventFeedback)
	assert.False(t, ok)

	// the next window retries
	h.rt.maybeFeedback(context.Background(), 20)
	assert.Equal(t, 2, adv.callCount())
}
