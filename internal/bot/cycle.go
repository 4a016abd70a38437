package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/goals"
	"github.com/telewarp/bbsbot/internal/intervention"
	"github.com/telewarp/bbsbot/internal/llm"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// loginReadTimeout bounds one screen read inside the entry sequence so a
// quiet board gets nudged instead of eating the whole login budget.
const loginReadTimeout = 10 * time.Second

// maxLoginNudges caps the carriage returns fired at a silent banner.
const maxLoginNudges = 3

// login walks the BBS entry sequence: name, password, game selection,
// through to the first in-game command prompt. Re-prompted credentials
// count as auth failures; three strikes surfaces ErrUnauthorized so the
// caller can release the account accordingly.
func (r *Runtime) login(ctx context.Context) error {
	if r.cfg.Account.Username == "" {
		return nil
	}
	deadline := r.now().Add(r.cfg.LoginTimeout)

	var sentUser, sentPass, sentGame, nudges int
	for {
		if r.now().After(deadline) {
			return fmt.Errorf("entry sequence stalled: %w", domain.ErrPromptTimeout)
		}

		rctx, cancel := context.WithTimeout(ctx, loginReadTimeout)
		upd, err := r.sess.Read(rctx)
		cancel()
		if err != nil {
			if errors.Is(err, domain.ErrPromptTimeout) && ctx.Err() == nil {
				if nudges >= maxLoginNudges {
					return fmt.Errorf("no banner after %d nudges: %w", nudges, domain.ErrPromptTimeout)
				}
				nudges++
				if serr := r.sess.Send(ctx, "\r"); serr != nil {
					return serr
				}
				continue
			}
			return err
		}

		hit := upd.Prompt
		r.applyHit(hit, nil)
		if hit == nil {
			continue
		}

		switch {
		case hit.Rule == "bbs_user_prompt":
			sentUser++
			if sentUser > 3 {
				return fmt.Errorf("name prompt loop: %w", domain.ErrUnauthorized)
			}
			if err := r.sess.SendLine(ctx, r.cfg.Account.Username); err != nil {
				return err
			}

		case hit.Rule == "bbs_password_prompt":
			if sentPass > 0 {
				// a second ask means the last pair was rejected
				r.authFails++
				r.logger.Warn("credentials rejected", slog.Int("auth_fails", r.authFails))
			}
			sentPass++
			if sentPass > 2 {
				return fmt.Errorf("password rejected for %s: %w", r.cfg.Account.Name, domain.ErrUnauthorized)
			}
			if err := r.sess.SendLine(ctx, r.cfg.Account.Password); err != nil {
				return err
			}

		case hit.Kind == "menu":
			sentGame++
			if sentGame > 3 {
				return fmt.Errorf("game menu loop: %w", domain.ErrPromptTimeout)
			}
			game := r.cfg.Spec.Game
			if game == "" {
				game = "T"
			}
			if err := r.sess.Send(ctx, game); err != nil {
				return err
			}

		case hit.Kind == "pause":
			if err := r.sess.Send(ctx, " "); err != nil {
				return err
			}

		case hit.Kind == "command":
			r.sess.LogNote("login complete", map[string]any{
				"account": r.cfg.Account.Name,
				"sector":  r.track.CurrentSector(),
			})
			return nil

		case hit.Kind == "disconnect":
			return fmt.Errorf("dropped during login: %w", domain.ErrConnClosed)
		}
	}
}

// cycleStats accumulates what one cycle actually did.
type cycleStats struct {
	sends  []string
	trades int
}

// cycle runs one orient, decide, execute, record pass.
func (r *Runtime) cycle(ctx context.Context) error {
	started := r.now()
	st := &cycleStats{}

	hit, atCommand, err := r.orient(ctx, st)
	if err != nil {
		return err
	}
	if hit == nil && len(st.sends) == 0 {
		// nothing settled and nothing sent; no turn to account for
		return nil
	}

	player := r.track.Player()
	r.goals.Observe(r.track.TurnsUsed(), player.Credits)

	promptRule := ""
	if hit != nil {
		promptRule = hit.Rule
	}

	if atCommand {
		plan, decided := r.decide(ctx)
		if decided {
			if err := r.execute(ctx, plan, st); err != nil {
				r.sess.LogAction("plan aborted", map[string]any{
					"strategy": plan.Strategy,
					"reason":   plan.Reason,
					"error":    err.Error(),
				})
				if fatalCycleErr(err) {
					return err
				}
				r.logger.Warn("plan aborted", slog.String("error", err.Error()))
			}
		}
	}

	r.record(ctx, st, promptRule, started)
	r.setState(ctx, r.runningState(), "")
	return nil
}

// orient reads one settled screen into the model and steers known
// off-course prompts back toward the command prompt. It reports whether
// the bot is sitting at (or alongside) a command prompt, the only place
// plans make sense.
func (r *Runtime) orient(ctx context.Context, st *cycleStats) (*domain.PromptHit, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout)
	upd, err := r.sess.Read(rctx)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrPromptTimeout) && ctx.Err() == nil {
			r.blankReads++
			if r.blankReads >= r.cfg.WakeAfter {
				r.blankReads = 0
				if serr := r.sess.Send(ctx, "\r"); serr != nil {
					return nil, false, serr
				}
				r.sess.LogNote("wake nudge", nil)
				st.sends = append(st.sends, `\r`)
			}
			return nil, false, nil
		}
		return nil, false, err
	}
	r.blankReads = 0

	hit := upd.Prompt
	r.applyHit(hit, st)

	// reports sharing the screen with the prompt still carry state
	main := ""
	if hit != nil {
		main = hit.Rule
	}
	atCommand := hit != nil && hit.Kind == "command"
	for _, co := range r.sess.MatchAll() {
		if co.Rule == main {
			continue
		}
		r.applyHit(co, st)
		if co.Kind == "command" {
			atCommand = true
		}
	}

	if hit != nil {
		switch hit.Kind {
		case "pause":
			if err := r.sess.Send(ctx, " "); err != nil {
				return hit, false, err
			}
			st.sends = append(st.sends, "space")
			return hit, false, nil
		case "menu":
			game := r.cfg.Spec.Game
			if game == "" {
				game = "T"
			}
			if err := r.sess.Send(ctx, game); err != nil {
				return hit, false, err
			}
			st.sends = append(st.sends, game)
			return hit, false, nil
		case "computer":
			// drop out of the computer back to the main prompt
			if err := r.sess.SendLine(ctx, "q"); err != nil {
				return hit, false, err
			}
			st.sends = append(st.sends, "q")
			return hit, false, nil
		case "auth":
			return hit, false, fmt.Errorf("bot: logged out mid-run: %w", domain.ErrUnauthorized)
		case "disconnect":
			return hit, false, fmt.Errorf("bot: server closed the session: %w", domain.ErrConnClosed)
		}
	}

	return hit, atCommand, nil
}

// decide drains the intervention queue, then asks the engine for a plan.
// The second return is false when an intervention preempted the strategy
// or the engine produced nothing runnable.
func (r *Runtime) decide(ctx context.Context) (domain.Plan, bool) {
	if plan, preempt := r.checkInterventions(ctx); preempt {
		return plan, !plan.Empty()
	}

	plan, err := r.engine.Decide(ctx, r.track)
	if err != nil {
		r.logger.Warn("decision failed", slog.String("error", err.Error()))
		return domain.Plan{}, false
	}
	if plan.Empty() {
		return plan, false
	}
	r.sess.LogAction("plan", map[string]any{
		"strategy": plan.Strategy,
		"reason":   plan.Reason,
		"steps":    len(plan.Steps),
	})
	return plan, true
}

// checkInterventions runs the watchdog pass and applies what it may.
// A preempting intervention replaces this cycle's strategy decision,
// either with its own plan or with nothing at all.
func (r *Runtime) checkInterventions(ctx context.Context) (domain.Plan, bool) {
	if r.ivs == nil {
		return domain.Plan{}, false
	}

	var window []domain.TurnRecord
	if r.telem != nil {
		window = r.telem.Window(r.botID, r.cfg.Window)
	}
	var spend llm.Spend
	if r.meter != nil {
		spend = r.meter.Window(r.botID)
	}

	outcomes := r.ivs.Check(ctx, intervention.Input{
		BotID:     r.botID,
		View:      r.track,
		Window:    window,
		Goal:      string(r.goals.Current().Goal),
		Strategy:  r.engine.ActiveName(),
		LLMSpend:  spend,
		LLMBudget: r.cfg.LLMBudget,
		AuthFails: r.authFails,
	})

	var plan domain.Plan
	preempt := false
	for _, o := range outcomes {
		iv := o.Intervention
		if r.telem != nil {
			r.telem.CountIntervention(r.botID)
		}
		r.publish(ctx, domain.EventIntervention, map[string]any{
			"id":       iv.ID,
			"category": string(iv.Finding.Category),
			"severity": string(iv.Finding.Severity),
			"summary":  iv.Finding.Summary,
			"applied":  o.Apply,
		})
		if !o.Apply {
			continue
		}
		if p, took := r.applyIntervention(ctx, iv); took {
			plan = p
			preempt = true
		}
	}
	return plan, preempt
}

// applyIntervention acts on an auto-applied recommendation. The returned
// plan, when non-empty, preempts the strategy for this cycle.
func (r *Runtime) applyIntervention(ctx context.Context, iv domain.Intervention) (domain.Plan, bool) {
	rec := iv.Recommended
	if rec == nil {
		return domain.Plan{}, false
	}
	r.sess.LogAction("intervention applied", map[string]any{
		"category": string(iv.Finding.Category),
		"action":   string(rec.Action),
		"params":   rec.Params,
	})

	switch rec.Action {
	case domain.ActionSwitchStrategy:
		name := rec.Params["strategy"]
		if name == "" || name == r.engine.ActiveName() {
			return domain.Plan{}, false
		}
		if err := r.engine.SetActive(name); err != nil {
			r.logger.Warn("strategy switch failed",
				slog.String("to", name),
				slog.String("error", err.Error()))
		}
		return domain.Plan{}, false

	case domain.ActionRewindGoal:
		n := 1
		if v, err := strconv.Atoi(rec.Params["phases"]); err == nil && v > 0 {
			n = v
		}
		_, anchor, err := r.goals.Rewind(n, rec.Rationale)
		if err != nil {
			r.logger.Warn("goal rewind failed", slog.String("error", err.Error()))
			return domain.Plan{}, false
		}
		if anchor != nil && anchor.Sector > 0 {
			if plan := r.anchorPlan(*anchor); !plan.Empty() {
				return plan, true
			}
		}
		return domain.Plan{}, false

	case domain.ActionSetAnchor:
		label := rec.Params["label"]
		if label == "" {
			label = string(iv.Finding.Category)
		}
		r.goals.SetAnchor(label, r.track.CurrentSector())
		return domain.Plan{}, false

	case domain.ActionPauseBot:
		d := 2 * time.Minute
		if v, err := time.ParseDuration(rec.Params["duration"]); err == nil && v > 0 {
			d = v
		}
		r.holdUntil = r.now().Add(d)
		r.logger.Info("bot held", slog.Duration("for", d), slog.String("why", iv.Finding.Summary))
		return domain.Plan{}, true

	case domain.ActionResyncState:
		r.track.ClearDesync()
		return domain.Plan{
			Strategy: "intervention",
			Steps: []domain.Step{{
				Send:   "d",
				Expect: "command",
				Note:   "redisplay to re-anchor the model",
			}},
			Reason:    "state resync",
			CreatedAt: r.now(),
		}, true
	}

	return domain.Plan{}, false
}

// anchorPlan routes back to a rewind anchor through known warps.
func (r *Runtime) anchorPlan(a goals.Anchor) domain.Plan {
	cur := r.track.CurrentSector()
	if cur == 0 || cur == a.Sector {
		return domain.Plan{}
	}
	route := r.track.Route(cur, a.Sector)
	if len(route) < 2 {
		return domain.Plan{}
	}
	steps := make([]domain.Step, 0, len(route)-1)
	for _, hop := range route[1:] {
		steps = append(steps, domain.Step{
			Send:   strconv.Itoa(hop),
			Expect: "command",
			Note:   fmt.Sprintf("return to anchor %s", a.Label),
		})
	}
	return domain.Plan{
		Strategy:  "intervention",
		Steps:     steps,
		Reason:    fmt.Sprintf("rewind to anchor %s in sector %d", a.Label, a.Sector),
		CreatedAt: r.now(),
	}
}

// execute walks the plan's steps, stopping between steps when asked.
func (r *Runtime) execute(ctx context.Context, plan domain.Plan, st *cycleStats) error {
	for i, step := range plan.Steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case <-r.sess.Done():
			return fmt.Errorf("bot: transport lost mid-plan: %w", domain.ErrConnClosed)
		default:
		}
		if err := r.runStep(ctx, i, step, st); err != nil {
			return err
		}
	}
	return nil
}

// runStep sends one command and waits for its expected prompt, answering
// quantity, price, and pause prompts on the way. The step aborts rather
// than sending blind when the expected prompt never arrives or the same
// prompt keeps repeating.
func (r *Runtime) runStep(ctx context.Context, idx int, step domain.Step, st *cycleStats) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.cfg.StepTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if step.Send != "" {
		if n, ok := numeric(step.Send); ok {
			r.track.ExpectMove(n)
		}
		if err := r.sendText(sctx, step.Send); err != nil {
			return err
		}
		st.sends = append(st.sends, step.Send)
	}
	if step.Expect == "" && step.Send != "" {
		// fire and forget step; the next orient picks up the result
		return nil
	}

	hg := &haggle{}
	repeats := 0
	lastRule := ""
	for {
		upd, err := r.sess.Read(sctx)
		if err != nil {
			if errors.Is(err, domain.ErrPromptTimeout) || errors.Is(err, domain.ErrContextDone) {
				return fmt.Errorf("bot: step %d (%s): no %q prompt: %w",
					idx, step.Note, step.Expect, domain.ErrPromptTimeout)
			}
			return err
		}

		hit := upd.Prompt
		r.applyHit(hit, st)
		if hit == nil {
			continue
		}

		if hit.Rule == lastRule {
			repeats++
		} else {
			repeats = 1
			lastRule = hit.Rule
		}
		if hit.Kind != "pause" && repeats > r.cfg.LoopGuard {
			return fmt.Errorf("bot: step %d (%s): stuck on %s after %d screens",
				idx, step.Note, hit.Rule, repeats)
		}

		if hit.Rule == step.Expect || hit.Kind == step.Expect {
			return nil
		}

		switch {
		case hit.Kind == "pause":
			if err := r.sess.Send(sctx, " "); err != nil {
				return err
			}
		case hit.Rule == "trade_qty":
			if err := r.answerQty(sctx, hit, hg); err != nil {
				return err
			}
		case hit.Rule == "trade_offer":
			if err := r.answerOffer(sctx, hit, hg); err != nil {
				return err
			}
		case hit.Kind == "disconnect":
			return fmt.Errorf("bot: server closed the session: %w", domain.ErrConnClosed)
		}
		// reports and other prompts were applied above; keep waiting
	}
}

// sendText picks the wire form: digit strings are line-terminated number
// entry, anything else goes out as raw keystrokes.
func (r *Runtime) sendText(ctx context.Context, text string) error {
	if _, ok := numeric(text); ok {
		return r.sess.SendLine(ctx, text)
	}
	if len(text) > 1 {
		return r.sess.SendLine(ctx, text)
	}
	return r.sess.Send(ctx, text)
}

// haggle carries price-prompt state across one port visit.
type haggle struct {
	dir    string // "buy" or "sell" from the quantity prompt
	rounds int
}

// answerQty takes the full offered amount; the strategy already sized
// the trade by choosing the port.
func (r *Runtime) answerQty(ctx context.Context, hit *domain.PromptHit, hg *haggle) error {
	hg.dir, _ = hit.Fields["dir"].(string)
	hg.rounds = 0
	if max, ok := fieldInt64(hit.Fields, "max"); ok && max > 0 {
		return r.sess.SendLine(ctx, strconv.FormatInt(max, 10))
	}
	return r.sess.SendLine(ctx, "")
}

// answerOffer plays the price ladder: open Start away from the quote in
// the bot's favor, concede a fraction of the remaining margin each round
// the port re-asks, and accept the quote once the rounds run out. The
// outcome of every answer lands in the haggle counters.
func (r *Runtime) answerOffer(ctx context.Context, hit *domain.PromptHit, hg *haggle) error {
	quote, ok := fieldInt64(hit.Fields, "offer")
	if !ok || quote <= 0 || hg.dir == "" {
		// no readable quote or unknown direction: take the default
		// rather than bid the wrong way
		r.countHaggle(telemetry.HaggleAccept)
		return r.sess.SendLine(ctx, "")
	}

	if hg.rounds >= r.cfg.Haggle.MaxRounds {
		if hg.dir == "sell" {
			r.countHaggle(telemetry.HaggleTooHigh)
		} else {
			r.countHaggle(telemetry.HaggleTooLow)
		}
		hg.rounds = 0
		return r.sess.SendLine(ctx, "")
	}

	margin := r.cfg.Haggle.Start
	for i := 0; i < hg.rounds; i++ {
		margin *= 1 - r.cfg.Haggle.Concede
	}
	var offer int64
	if hg.dir == "sell" {
		offer = int64(float64(quote) * (1 + margin))
	} else {
		offer = int64(float64(quote) * (1 - margin))
	}
	if offer == quote {
		r.countHaggle(telemetry.HaggleAccept)
		return r.sess.SendLine(ctx, "")
	}

	hg.rounds++
	r.countHaggle(telemetry.HaggleCounter)
	return r.sess.SendLine(ctx, strconv.FormatInt(offer, 10))
}

func (r *Runtime) countHaggle(outcome telemetry.HaggleOutcome) {
	if r.telem != nil {
		r.telem.CountHaggle(r.botID, outcome)
	}
}

// applyHit folds one classified screen into the model. Trades are
// counted off trade_done reports, deduplicated by the credit total so a
// report lingering on screen is not counted twice.
func (r *Runtime) applyHit(hit *domain.PromptHit, st *cycleStats) {
	if hit == nil {
		return
	}
	r.touch(hit.Rule)
	if err := r.track.Apply(hit); err != nil {
		r.logger.Warn("state apply failed",
			slog.String("rule", hit.Rule),
			slog.String("error", err.Error()))
	}
	if st != nil && hit.Rule == "trade_done" {
		if c, ok := fieldInt64(hit.Fields, "credits"); ok && c != r.lastTradeCredits {
			r.lastTradeCredits = c
			st.trades++
		}
	}
}

// record assembles this cycle's turn record and fans it out.
func (r *Runtime) record(ctx context.Context, st *cycleStats, promptRule string, started time.Time) {
	player := r.track.Player()
	turns := r.track.TurnsUsed()

	r.seq++
	var creditsDelta int64
	if r.creditsSeen {
		creditsDelta = player.Credits - r.lastCredits
	}
	if player.Credits != 0 {
		r.creditsSeen = true
	}
	r.lastCredits = player.Credits

	turnsDelta := turns - r.lastTurns
	if turnsDelta < 0 {
		turnsDelta = 0
	}
	r.lastTurns = turns

	var tokens int
	var cost float64
	if r.meter != nil {
		total := r.meter.Total(r.botID)
		tokens = total.Tokens - r.lastSpend.Tokens
		cost = total.Cost - r.lastSpend.Cost
		r.lastSpend = total
	}

	rec := domain.TurnRecord{
		ID:           uuid.NewString(),
		BotID:        r.botID,
		SessionID:    r.cfg.SessionID,
		Seq:          r.seq,
		Strategy:     r.engine.ActiveName(),
		Phase:        string(r.goals.Current().Goal),
		Action:       strings.Join(st.sends, "|"),
		Sector:       r.track.CurrentSector(),
		Credits:      player.Credits,
		CreditsDelta: creditsDelta,
		Trades:       st.trades,
		TurnsUsed:    turnsDelta,
		LLMTokens:    tokens,
		LLMCost:      cost,
		PromptRule:   promptRule,
		Duration:     r.now().Sub(started),
		At:           r.now(),
	}
	if r.telem != nil {
		r.telem.RecordTurn(ctx, rec)
	}

	r.sess.LogNote("turn", map[string]any{
		"seq":     rec.Seq,
		"action":  rec.Action,
		"sector":  rec.Sector,
		"credits": rec.Credits,
		"trades":  rec.Trades,
	})
	r.publish(ctx, domain.EventTurn, map[string]any{
		"seq":           rec.Seq,
		"strategy":      rec.Strategy,
		"phase":         rec.Phase,
		"action":        rec.Action,
		"sector":        rec.Sector,
		"credits":       rec.Credits,
		"credits_delta": rec.CreditsDelta,
		"trades":        rec.Trades,
	})

	r.maybeFeedback(ctx, turns)
}

// pauseForHold sleeps out an intervention-imposed hold. Returns true
// while holding.
func (r *Runtime) pauseForHold(ctx context.Context) bool {
	if r.holdUntil.IsZero() {
		return false
	}
	if r.now().After(r.holdUntil) {
		r.holdUntil = time.Time{}
		r.resumeFromPause()
		return false
	}
	r.setState(ctx, domain.BotStatePaused, "")
	wait := r.holdUntil.Sub(r.now())
	if wait > time.Second {
		wait = time.Second
	}
	select {
	case <-ctx.Done():
	case <-r.stop:
	case <-time.After(wait):
	}
	return true
}

// numeric reports whether the text is a plain positive number.
func numeric(text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	for _, c := range text {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return n, true
}

// fieldInt64 reads an extracted numeric field of any width.
func fieldInt64(fields map[string]any, key string) (int64, bool) {
	switch v := fields[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
