package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/llm"
)

const feedbackTimeout = 30 * time.Second

const feedbackSystemPrompt = `You review the recent play of an automated Trade Wars 2002 bot.
Write a short free-text assessment: what is working, what is wasting
turns, and one concrete suggestion. Two or three sentences. Nobody acts
on this automatically; it is an operator-facing note.`

// maybeFeedback asks the advisory model for a free-text review of the
// last stretch of turns. It runs inline on the review cadence, spends
// against the same meter as strategy calls, and only ever produces a log
// line and an event. Any failure is logged and skipped; the next window
// tries again.
func (r *Runtime) maybeFeedback(ctx context.Context, turns int) {
	iv := r.cfg.Feedback.Interval
	if iv <= 0 || r.advisor == nil {
		return
	}
	if turns-r.lastFeedback < iv {
		return
	}
	r.lastFeedback = turns

	if r.meter != nil {
		if err := r.meter.Allow(r.botID); err != nil {
			r.logger.Warn("feedback skipped, budget exhausted", slog.String("error", err.Error()))
			return
		}
	}

	fctx, cancel := context.WithTimeout(ctx, feedbackTimeout)
	defer cancel()

	started := r.now()
	resp, err := r.advisor.Chat(fctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: feedbackSystemPrompt},
			{Role: "user", Content: r.feedbackSummary(turns)},
		},
		MaxTokens: r.cfg.Feedback.MaxTokens,
	})
	if err != nil {
		r.logger.Warn("feedback call failed", slog.String("error", err.Error()))
		return
	}
	if r.meter != nil {
		r.meter.Record(r.botID, resp.Usage)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		r.logger.Warn("feedback response empty")
		return
	}

	r.sess.LogNote("llm feedback", map[string]any{
		"turns":       turns,
		"text":        text,
		"tokens":      resp.Usage.TotalTokens,
		"duration_ms": r.now().Sub(started).Milliseconds(),
	})
	r.publish(ctx, domain.EventFeedback, map[string]any{
		"turns": turns,
		"text":  text,
	})
}

// feedbackSummary renders the review window compactly: current position,
// the recent turn records, and the strategy decisions behind them.
func (r *Runtime) feedbackSummary(turns int) string {
	var b strings.Builder
	player := r.track.Player()

	fmt.Fprintf(&b, "Turn %d. Sector %d. Credits %d. Goal %s. Strategy %s.\n",
		turns, r.track.CurrentSector(), player.Credits,
		r.goals.Current().Goal, r.engine.ActiveName())

	if r.telem != nil {
		recs := r.telem.Window(r.botID, r.cfg.Feedback.Lookback)
		if len(recs) > 0 {
			b.WriteString("Recent turns (action sector credits_delta trades):\n")
			for _, rec := range recs {
				fmt.Fprintf(&b, "  %s %d %+d %d\n",
					rec.Action, rec.Sector, rec.CreditsDelta, rec.Trades)
			}
		}
	}

	decisions := r.engine.RecentDecisions(r.cfg.Feedback.Lookback)
	if len(decisions) > 0 {
		b.WriteString("Recent decisions:\n")
		for _, d := range decisions {
			fmt.Fprintf(&b, "  [%s] %s\n", d.Strategy, d.Reason)
		}
	}

	b.WriteString("Review this play.")
	return b.String()
}
