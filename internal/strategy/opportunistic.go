package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
)

const defaultPortCooldown = 10 * time.Minute

// Opportunistic trades whatever port is closest: dock, deal, hop to the
// next port in an expanding ring, never committing to a fixed pair. Ports
// it just visited sit out a cooldown so a dry port does not trap the bot.
//
// Params:
//   - "port_cooldown_sec" (int): seconds before a visited port is fair
//     game again. Default 600.
//   - "max_ring" (int): furthest route length considered. Default 8.
type Opportunistic struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	visited map[int]time.Time
}

// NewOpportunistic creates the strategy.
func NewOpportunistic(cfg Config, logger *slog.Logger) *Opportunistic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Opportunistic{
		cfg:     cfg,
		logger:  logger.With(slog.String("strategy", "opportunistic")),
		visited: make(map[int]time.Time),
	}
}

// Name returns the strategy identifier.
func (o *Opportunistic) Name() string { return "opportunistic" }

// Init is a no-op.
func (o *Opportunistic) Init(_ context.Context, _ game.View) error { return nil }

// Close releases nothing.
func (o *Opportunistic) Close() error { return nil }

// Decide docks at the current sector's port when it is workable, else
// routes to the nearest port off cooldown.
func (o *Opportunistic) Decide(_ context.Context, view game.View) (domain.Plan, error) {
	cur := view.CurrentSector()
	if cur == 0 {
		return explorePlan(view, o.Name(), "no position fix"), nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	cooldown := time.Duration(paramInt(o.cfg.Params, "port_cooldown_sec", int(defaultPortCooldown/time.Second))) * time.Second

	if p, ok := view.Port(cur); ok && o.workable(p, cooldown) {
		o.visited[cur] = time.Now()
		return domain.Plan{
			Strategy:  o.Name(),
			Steps:     []domain.Step{dockStep(cur)},
			Reason:    fmt.Sprintf("trading at local port %q", p.Name),
			CreatedAt: time.Now(),
		}, nil
	}

	// expanding ring: nearest known workable port by route length
	maxRing := paramInt(o.cfg.Params, "max_ring", 8)
	var best []int
	var bestPort domain.Port
	for _, p := range view.Ports() {
		if p.Sector == cur || !o.workable(p, cooldown) {
			continue
		}
		route := view.Route(cur, p.Sector)
		if route == nil || len(route)-1 > maxRing {
			continue
		}
		if best == nil || len(route) < len(best) {
			best, bestPort = route, p
		}
	}
	if best == nil {
		return explorePlan(view, o.Name(), "no workable port in ring, charting"), nil
	}

	o.visited[bestPort.Sector] = time.Now()
	steps := append(routeSteps(best), dockStep(bestPort.Sector))
	return domain.Plan{
		Strategy:  o.Name(),
		Steps:     steps,
		Reason:    fmt.Sprintf("ring hop to port %q in %d", bestPort.Name, bestPort.Sector),
		CreatedAt: time.Now(),
	}, nil
}

// workable filters out the StarDock, unknown classes, and ports on
// cooldown. Caller holds o.mu.
func (o *Opportunistic) workable(p domain.Port, cooldown time.Duration) bool {
	if p.Class == 0 || p.Class == 9 {
		return false
	}
	if at, ok := o.visited[p.Sector]; ok && time.Since(at) < cooldown {
		return false
	}
	return true
}
