package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/swarm"
)

// Swarm is the manager surface the HTTP API drives. *swarm.Manager
// satisfies it; handler tests substitute fakes.
type Swarm interface {
	Status() swarm.StatusSnapshot
	Bot(id string) (swarm.BotView, error)
	Spawn(ctx context.Context, spec domain.BotSpec) (string, error)
	SpawnBatch(ctx context.Context, specs []domain.BotSpec, groupSize int, groupDelay time.Duration) (swarm.BatchPlan, error)
	StopBot(ctx context.Context, id string, drain bool) error
	Restart(ctx context.Context, id string) error
	Scale(ctx context.Context, n int) (swarm.ScalePlan, error)
	KillAll(ctx context.Context) int
	Clear(ctx context.Context) int
	Hijack(ctx context.Context, id, owner string) (domain.HijackLease, error)
	HijackStep(ctx context.Context, id, token, command string) (domain.ScreenUpdate, error)
	HijackRenew(ctx context.Context, id, token string) (domain.HijackLease, error)
	HijackRelease(ctx context.Context, id, token string) error
	SendInput(ctx context.Context, id, text string) error
	Screen(ctx context.Context, id string) (domain.Screen, error)
	Analyze(ctx context.Context, id string) (json.RawMessage, error)
	SetGoal(ctx context.Context, id, goal, reason string) error
}

var _ Swarm = (*swarm.Manager)(nil)

// audit writes an operator action to the audit trail. A nil store or a
// write failure never blocks the request; the trail is best effort.
func audit(ctx context.Context, store domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if store == nil {
		return
	}
	if err := store.Log(ctx, event, detail); err != nil {
		logger.Warn("audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
