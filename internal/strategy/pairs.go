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

const (
	defaultRescanEvery = 25
	defaultMaxPairDist = 6
)

// ProfitablePairs hunts the best known two-port round trip and loops it.
// Pairs are scored by estimated round-trip margin per turn; the strategy
// re-scans periodically so a drained pair gets dropped.
//
// Params:
//   - "rescan_every" (int): decisions between full pair re-scans. Default 25.
//   - "max_pair_distance" (int): longest acceptable route to a pair. Default 6.
type ProfitablePairs struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	pairA     int
	pairB     int
	sinceScan int
}

// NewProfitablePairs creates the strategy.
func NewProfitablePairs(cfg Config, logger *slog.Logger) *ProfitablePairs {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfitablePairs{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", "profitable_pairs")),
	}
}

// Name returns the strategy identifier.
func (p *ProfitablePairs) Name() string { return "profitable_pairs" }

// Init is a no-op; the pair is picked lazily from the first usable view.
func (p *ProfitablePairs) Init(_ context.Context, _ game.View) error { return nil }

// Close releases nothing.
func (p *ProfitablePairs) Close() error { return nil }

// Decide returns the next leg of the pair cycle, or a charting plan when
// no profitable pair is known yet.
func (p *ProfitablePairs) Decide(_ context.Context, view game.View) (domain.Plan, error) {
	cur := view.CurrentSector()
	if cur == 0 {
		return explorePlan(view, p.Name(), "no position fix"), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rescan := paramInt(p.cfg.Params, "rescan_every", defaultRescanEvery)
	if p.pairA == 0 || p.sinceScan >= rescan {
		p.pickPair(view)
		p.sinceScan = 0
	}
	p.sinceScan++

	if p.pairA == 0 {
		return explorePlan(view, p.Name(), "no profitable pair known, charting"), nil
	}

	// off-pair: head to the nearer endpoint
	if cur != p.pairA && cur != p.pairB {
		route := view.Route(cur, p.pairA)
		if alt := view.Route(cur, p.pairB); route == nil || (alt != nil && len(alt) < len(route)) {
			route = alt
		}
		if route == nil {
			p.pairA, p.pairB = 0, 0
			return explorePlan(view, p.Name(), "pair unreachable, charting"), nil
		}
		return domain.Plan{
			Strategy:  p.Name(),
			Steps:     routeSteps(route),
			Reason:    fmt.Sprintf("returning to pair %d<->%d", p.pairA, p.pairB),
			CreatedAt: time.Now(),
		}, nil
	}

	// on-pair: trade here, cross, trade there, come back
	other := p.pairB
	if cur == p.pairB {
		other = p.pairA
	}
	hop := view.Route(cur, other)
	if hop == nil {
		p.pairA, p.pairB = 0, 0
		return explorePlan(view, p.Name(), "pair link lost, charting"), nil
	}

	steps := []domain.Step{dockStep(cur)}
	steps = append(steps, routeSteps(hop)...)
	steps = append(steps, dockStep(other))
	back := view.Route(other, cur)
	steps = append(steps, routeSteps(back)...)

	return domain.Plan{
		Strategy:  p.Name(),
		Steps:     steps,
		Reason:    fmt.Sprintf("pair cycle %d<->%d", cur, other),
		CreatedAt: time.Now(),
	}, nil
}

// pickPair scores every known port pair and keeps the best reachable one.
// Caller holds p.mu.
func (p *ProfitablePairs) pickPair(view game.View) {
	ports := view.Ports()
	cur := view.CurrentSector()
	maxDist := paramInt(p.cfg.Params, "max_pair_distance", defaultMaxPairDist)
	holds := view.Ship().Holds
	if holds <= 0 {
		holds = 20 // scout ship floor so scoring still ranks
	}

	var bestA, bestB int
	var bestScore float64

	for i := range ports {
		for j := i + 1; j < len(ports); j++ {
			a, b := ports[i], ports[j]

			hop := view.Route(a.Sector, b.Sector)
			if hop == nil || len(hop)-1 > 3 {
				continue // pair legs must be short; the profit is in the loop
			}
			reach := view.Route(cur, a.Sector)
			if reach == nil || len(reach)-1 > maxDist {
				continue
			}

			_, m1 := bestLeg(a, b)
			_, m2 := bestLeg(b, a)
			if m1+m2 <= 0 {
				continue
			}

			// one full cycle: two docks plus the crossing both ways
			turns := float64(2 + 2*(len(hop)-1))
			score := (m1 + m2) * float64(holds) / turns
			if score > bestScore {
				bestA, bestB, bestScore = a.Sector, b.Sector, score
			}
		}
	}

	if bestA != 0 {
		p.logger.Info("pair selected",
			slog.Int("a", bestA),
			slog.Int("b", bestB),
			slog.Float64("score", bestScore))
	}
	p.pairA, p.pairB = bestA, bestB
}
