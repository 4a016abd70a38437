package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

var _ uplinkObserver = (*Manager)(nil)

// workerHello registers a worker on its first uplink frame. A queued
// record goes running; a disconnected record means an orphan from a
// previous manager survived and re-dialed, so it is adopted back.
func (m *Manager) workerHello(h helloBody) {
	now := m.now()
	ctx := context.Background()

	m.mu.Lock()
	rec, ok := m.recs[h.BotID]
	if !ok {
		// A worker we never spawned and never adopted. Track it rather
		// than fly blind; it holds its own account already.
		rec = &BotRecord{
			ID:         h.BotID,
			State:      StateQueued,
			SpawnedAt:  now,
			LastUpdate: now,
		}
		m.recs[h.BotID] = rec
		m.order = append(m.order, h.BotID)
	}
	adopted := rec.State == StateDisconnected && m.procs[h.BotID] == nil
	if state := rec.State; state.Terminal() {
		m.mu.Unlock()
		m.logger.Warn("swarm: hello from a finished bot, ignoring",
			slog.String("bot_id", h.BotID),
			slog.String("state", string(state)),
		)
		return
	}
	if h.PID != 0 {
		rec.PID = h.PID
	}
	if h.SessionID != "" {
		rec.SessionID = h.SessionID
	}
	if h.Account != "" {
		rec.Account = h.Account
	}
	rec.ExitReason = ""
	rec.transition(StateRunning, now)
	m.mu.Unlock()
	m.persistNow()

	m.logger.Info("swarm: worker registered",
		slog.String("bot_id", h.BotID),
		slog.Int("pid", h.PID),
		slog.Bool("adopted", adopted),
	)
	if adopted {
		m.publish(ctx, domain.EventSwarm, h.BotID, map[string]any{"action": "adopted"})
	}
}

// workerStatus folds a status frame into the record. A blocked worker
// that speaks again is running again.
func (m *Manager) workerStatus(s statusBody) {
	now := m.now()
	m.mu.Lock()
	rec, ok := m.recs[s.BotID]
	if !ok || rec.State.Terminal() {
		m.mu.Unlock()
		return
	}
	unblocked := rec.State == StateBlocked
	if rec.State == StateBlocked || rec.State == StateQueued {
		rec.transition(StateRunning, now)
	}
	rec.applyStatus(s, now)
	m.dirty = true
	m.mu.Unlock()

	if unblocked {
		m.logger.Info("swarm: worker unblocked", slog.String("bot_id", s.BotID))
	}
}

// workerTurn folds a finished turn into the fleet telemetry store.
func (m *Manager) workerTurn(rec domain.TurnRecord) {
	if m.deps.Telemetry == nil {
		return
	}
	m.deps.Telemetry.RecordTurn(context.Background(), rec)
}

// workerEvent re-publishes a worker event to the in-process feed and the
// bus. The manager is the single bus publisher so a redis outage on a
// worker box never loses events.
func (m *Manager) workerEvent(ev domain.Event) {
	ctx := context.Background()
	m.eventFeed.publish(ev)
	if m.deps.Events != nil {
		if err := m.deps.Events.PublishEvent(ctx, ev); err != nil {
			m.logger.Warn("swarm: worker event publish failed",
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}

	switch ev.Kind {
	case domain.EventIntervention:
		if m.deps.Telemetry != nil {
			m.deps.Telemetry.CountIntervention(ev.BotID)
		}
		reason, _ := ev.Data["reason"].(string)
		m.notifyEvent(ctx, "intervention_queued", "Bot "+ev.BotID+" needs help", reason)
	case domain.EventBotStopped:
		// The worker is about to exit; the reaper classifies why.
	}
}

// workerTerm fans a deduplicated screen frame out to spy subscribers.
func (m *Manager) workerTerm(t TermFrame) {
	m.termFeed.publish(t)
}

// workerBye pre-labels the exit so the reaper's classification keeps the
// worker's own words.
func (m *Manager) workerBye(b byeBody) {
	m.mu.Lock()
	if rec, ok := m.recs[b.BotID]; ok && !rec.State.Terminal() {
		if b.Reason != "" {
			rec.ExitReason = b.Reason
		}
		if b.Err != "" {
			rec.ErrorMsg = b.Err
		}
		m.dirty = true
	}
	m.mu.Unlock()
}

// workerGone notes a dropped uplink socket. With a process handle the
// reaper owns the outcome; an adopted orphan has no handle, so losing
// its socket is losing the bot.
func (m *Manager) workerGone(botID string) {
	now := m.now()
	m.mu.Lock()
	rec, ok := m.recs[botID]
	if !ok || m.procs[botID] != nil || !rec.State.Live() {
		m.mu.Unlock()
		return
	}
	restartAfter := rec.restartAfter
	rec.restartAfter = false
	if rec.stopRequested {
		if rec.ExitReason == "" {
			rec.ExitReason = "operator stop"
		}
		rec.transition(StateStopped, now)
	} else {
		if rec.ExitReason == "" {
			rec.ExitReason = "uplink lost"
		}
		rec.transition(StateDisconnected, now)
	}
	state := rec.State
	m.mu.Unlock()
	m.persistNow()

	m.logger.Warn("swarm: adopted worker dropped its uplink",
		slog.String("bot_id", botID),
		slog.String("state", string(state)),
	)
	if restartAfter {
		m.respawn(context.Background(), botID)
	}
}

// Hijack takes manual control of a live bot, proxied to its worker.
func (m *Manager) Hijack(ctx context.Context, id, owner string) (domain.HijackLease, error) {
	raw, err := m.request(ctx, id, OpHijack, map[string]string{"owner": owner})
	if err != nil {
		return domain.HijackLease{}, err
	}
	var w wireLease
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.HijackLease{}, fmt.Errorf("swarm: bot %s: hijack result: %w", id, err)
	}
	m.publish(ctx, domain.EventHijack, id, map[string]any{"owner": owner})
	return leaseFromWire(w), nil
}

// HijackStep sends one command under a hijack lease and returns the
// settled screen.
func (m *Manager) HijackStep(ctx context.Context, id, token, command string) (domain.ScreenUpdate, error) {
	raw, err := m.request(ctx, id, OpStep, map[string]string{
		"token":   token,
		"command": command,
	})
	if err != nil {
		return domain.ScreenUpdate{}, err
	}
	var w wireUpdate
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.ScreenUpdate{}, fmt.Errorf("swarm: bot %s: step result: %w", id, err)
	}
	return updateFromWire(w), nil
}

// HijackRenew extends a hijack lease's heartbeat window. Holders that
// neither step nor renew within the TTL lose the lease.
func (m *Manager) HijackRenew(ctx context.Context, id, token string) (domain.HijackLease, error) {
	raw, err := m.request(ctx, id, OpRenew, map[string]string{"token": token})
	if err != nil {
		return domain.HijackLease{}, err
	}
	var w wireLease
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.HijackLease{}, fmt.Errorf("swarm: bot %s: renew result: %w", id, err)
	}
	return leaseFromWire(w), nil
}

// HijackRelease returns a bot to autonomous play.
func (m *Manager) HijackRelease(ctx context.Context, id, token string) error {
	if _, err := m.request(ctx, id, OpRelease, map[string]string{"token": token}); err != nil {
		return err
	}
	m.publish(ctx, domain.EventRelease, id, nil)
	return nil
}

// SendInput writes raw text to a bot's session without a lease. Meant
// for one-off nudges; sustained control should hijack.
func (m *Manager) SendInput(ctx context.Context, id, text string) error {
	_, err := m.request(ctx, id, OpInput, map[string]string{"text": text})
	return err
}

// Screen fetches a bot's current terminal snapshot.
func (m *Manager) Screen(ctx context.Context, id string) (domain.Screen, error) {
	raw, err := m.request(ctx, id, OpScreen, nil)
	if err != nil {
		return domain.Screen{}, err
	}
	var w wireScreen
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Screen{}, fmt.Errorf("swarm: bot %s: screen result: %w", id, err)
	}
	return screenFromWire(w), nil
}

// Analyze asks the worker to run its prompt rules against the current
// screen and explain what matched. The report passes through untouched.
func (m *Manager) Analyze(ctx context.Context, id string) (json.RawMessage, error) {
	return m.request(ctx, id, OpAnalyze, nil)
}

// SetGoal retargets a bot's goal mid-run.
func (m *Manager) SetGoal(ctx context.Context, id, goal, reason string) error {
	_, err := m.request(ctx, id, OpSetGoal, map[string]string{
		"goal":   goal,
		"reason": reason,
	})
	if err != nil {
		return err
	}
	m.publish(ctx, domain.EventPhase, id, map[string]any{
		"goal":    goal,
		"trigger": "manual",
		"reason":  reason,
	})
	return nil
}

// request guards proxied ops behind record existence and a timeout so a
// wedged worker cannot pin an API handler.
func (m *Manager) request(ctx context.Context, id, op string, params map[string]string) (json.RawMessage, error) {
	m.mu.Lock()
	rec, ok := m.recs[id]
	var state WorkerState
	if ok {
		state = rec.State
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("swarm: bot %s: %w", id, domain.ErrBotNotFound)
	}
	if !state.Live() {
		return nil, fmt.Errorf("swarm: bot %s is %s: %w", id, state, domain.ErrConnClosed)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return m.uplink.Request(reqCtx, id, op, params)
}
