package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telewarp/bbsbot/internal/domain"
)

// Hijack claims exclusive manual control of the bot. The loop pauses
// before its next orient and stays paused while the lease is renewed;
// a lease that misses its heartbeat window releases itself.
func (r *Runtime) Hijack(owner string) (domain.HijackLease, error) {
	now := r.now()

	r.mu.Lock()
	if r.lease != nil && r.lease.Expires.After(now) {
		holder := r.lease.Owner
		r.mu.Unlock()
		return domain.HijackLease{}, fmt.Errorf("bot: held by %s: %w", holder, domain.ErrHijacked)
	}
	switch r.state {
	case domain.BotStateRunning, domain.BotStateDegraded, domain.BotStatePaused:
	default:
		st := r.state
		r.mu.Unlock()
		return domain.HijackLease{}, fmt.Errorf("bot: state %s: %w", st, domain.ErrSessionBusy)
	}
	lease := domain.HijackLease{
		BotID:    r.botID,
		Token:    uuid.NewString(),
		Owner:    owner,
		IssuedAt: now,
		Expires:  now.Add(domain.HijackTTL),
	}
	r.lease = &lease
	r.mu.Unlock()

	r.logger.Info("bot hijacked", slog.String("owner", owner))
	r.sess.LogNote("hijacked", map[string]any{"owner": owner})
	r.publish(context.Background(), domain.EventHijack, map[string]any{
		"owner":   owner,
		"expires": lease.Expires,
	})
	return lease, nil
}

// Renew extends the lease heartbeat. The refreshed lease is returned so
// callers can track the new expiry.
func (r *Runtime) Renew(token string) (domain.HijackLease, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease == nil {
		return domain.HijackLease{}, fmt.Errorf("bot: %w", domain.ErrNotHijacked)
	}
	if r.lease.Token != token {
		return domain.HijackLease{}, fmt.Errorf("bot: wrong token: %w", domain.ErrUnauthorized)
	}
	if !r.lease.Expires.After(now) {
		return domain.HijackLease{}, fmt.Errorf("bot: %w", domain.ErrLeaseExpired)
	}
	r.lease.Expires = now.Add(domain.HijackTTL)
	return *r.lease, nil
}

// Step executes one manual exchange under the lease: send the command,
// wait for the next settled screen, and fold it into the model so the
// trackers stay honest while a human drives. An empty command only
// reads. Stepping renews the lease.
func (r *Runtime) Step(ctx context.Context, token, command string) (domain.ScreenUpdate, error) {
	if _, err := r.Renew(token); err != nil {
		return domain.ScreenUpdate{}, err
	}

	if command != "" {
		if err := r.sendText(ctx, command); err != nil {
			return domain.ScreenUpdate{}, err
		}
	}

	rctx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
	defer cancel()
	upd, err := r.sess.Read(rctx)
	if err != nil {
		return upd, err
	}
	r.applyHit(upd.Prompt, nil)
	r.sess.LogAction("manual step", map[string]any{
		"command": command,
		"rule":    ruleName(upd.Prompt),
	})
	return upd, nil
}

// Release drops the lease and lets the loop resume.
func (r *Runtime) Release(token string) error {
	r.mu.Lock()
	if r.lease == nil {
		r.mu.Unlock()
		return fmt.Errorf("bot: %w", domain.ErrNotHijacked)
	}
	if r.lease.Token != token {
		r.mu.Unlock()
		return fmt.Errorf("bot: wrong token: %w", domain.ErrUnauthorized)
	}
	owner := r.lease.Owner
	r.lease = nil
	r.mu.Unlock()

	r.logger.Info("hijack released", slog.String("owner", owner))
	r.sess.LogNote("hijack released", map[string]any{"owner": owner})
	r.publish(context.Background(), domain.EventRelease, map[string]any{"owner": owner})
	r.resumeFromPause()
	return nil
}

// resumeFromPause flips a paused bot back to running once the lease is
// gone. Other states are left alone; a stopped bot stays stopped.
func (r *Runtime) resumeFromPause() {
	r.mu.Lock()
	paused := r.state == domain.BotStatePaused
	r.mu.Unlock()
	if paused {
		r.setState(context.Background(), r.runningState(), "")
	}
}

// Lease returns a copy of the live lease, if any.
func (r *Runtime) Lease() (domain.HijackLease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease == nil || !r.lease.Expires.After(r.now()) {
		return domain.HijackLease{}, false
	}
	return *r.lease, true
}

// pauseForLease parks the loop while a hijack lease is live. An expired
// lease auto-releases with a logged event. Returns true when the loop
// should skip this iteration.
func (r *Runtime) pauseForLease(ctx context.Context) bool {
	now := r.now()

	r.mu.Lock()
	lease := r.lease
	if lease == nil {
		r.mu.Unlock()
		return false
	}
	if !lease.Expires.After(now) {
		owner := lease.Owner
		r.lease = nil
		r.mu.Unlock()

		r.logger.Warn("hijack lease expired", slog.String("owner", owner))
		r.sess.LogNote("hijack lease expired", map[string]any{"owner": owner})
		r.publish(context.Background(), domain.EventRelease, map[string]any{
			"owner":  owner,
			"reason": "lease expired",
		})
		r.resumeFromPause()
		return false
	}
	wait := lease.Expires.Sub(now)
	r.mu.Unlock()

	r.setState(ctx, domain.BotStatePaused, "")
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

func ruleName(hit *domain.PromptHit) string {
	if hit == nil {
		return ""
	}
	return hit.Rule
}
