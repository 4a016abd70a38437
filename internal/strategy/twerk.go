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

// TwerkOptimized runs the classic adjacent-pair dance: two ports one warp
// apart whose classes complement, equipment hauled one way, ore or
// organics the other. Stricter than ProfitablePairs and faster per turn
// when the right pair exists.
//
// Params:
//   - "rescan_every" (int): cycles between pair re-evaluations. Default 25.
type TwerkOptimized struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	pairA     int
	pairB     int
	sinceScan int
}

// NewTwerkOptimized creates the strategy.
func NewTwerkOptimized(cfg Config, logger *slog.Logger) *TwerkOptimized {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwerkOptimized{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", "twerk_optimized")),
	}
}

// Name returns the strategy identifier.
func (t *TwerkOptimized) Name() string { return "twerk_optimized" }

// Init is a no-op.
func (t *TwerkOptimized) Init(_ context.Context, _ game.View) error { return nil }

// Close releases nothing.
func (t *TwerkOptimized) Close() error { return nil }

// Decide keeps the dance going: dock, cross, dock, cross back. Without a
// qualifying adjacent pair it charts instead.
func (t *TwerkOptimized) Decide(_ context.Context, view game.View) (domain.Plan, error) {
	cur := view.CurrentSector()
	if cur == 0 {
		return explorePlan(view, t.Name(), "no position fix"), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rescan := paramInt(t.cfg.Params, "rescan_every", defaultRescanEvery)
	if t.pairA == 0 || t.sinceScan >= rescan {
		t.pickAdjacentPair(view)
		t.sinceScan = 0
	}
	t.sinceScan++

	if t.pairA == 0 {
		return explorePlan(view, t.Name(), "no adjacent complementary pair, charting"), nil
	}

	if cur != t.pairA && cur != t.pairB {
		route := view.Route(cur, t.pairA)
		if route == nil {
			t.pairA, t.pairB = 0, 0
			return explorePlan(view, t.Name(), "pair unreachable, charting"), nil
		}
		return domain.Plan{
			Strategy:  t.Name(),
			Steps:     routeSteps(route),
			Reason:    fmt.Sprintf("moving onto pair %d<->%d", t.pairA, t.pairB),
			CreatedAt: time.Now(),
		}, nil
	}

	other := t.pairB
	if cur == t.pairB {
		other = t.pairA
	}
	steps := []domain.Step{
		dockStep(cur),
		warpStep(other),
		dockStep(other),
		warpStep(cur),
	}
	return domain.Plan{
		Strategy:  t.Name(),
		Steps:     steps,
		Reason:    fmt.Sprintf("twerk cycle %d<->%d", cur, other),
		CreatedAt: time.Now(),
	}, nil
}

// pickAdjacentPair wants exactly one warp between ports, an equipment leg
// in one direction, and ore or organics coming back. Caller holds t.mu.
func (t *TwerkOptimized) pickAdjacentPair(view game.View) {
	ports := view.Ports()
	cur := view.CurrentSector()

	var bestA, bestB int
	var bestScore float64

	for i := range ports {
		for j := i + 1; j < len(ports); j++ {
			a, b := ports[i], ports[j]
			if !adjacent(view, a.Sector, b.Sector) {
				continue
			}
			if view.Route(cur, a.Sector) == nil {
				continue
			}
			score, ok := twerkScore(a, b)
			if !ok {
				continue
			}
			if score > bestScore {
				bestA, bestB, bestScore = a.Sector, b.Sector, score
			}
		}
	}

	if bestA != 0 {
		t.logger.Info("twerk pair selected",
			slog.Int("a", bestA),
			slog.Int("b", bestB),
			slog.Float64("score", bestScore))
	}
	t.pairA, t.pairB = bestA, bestB
}

// twerkScore requires the equipment leg plus a bulk backhaul; anything
// less is ProfitablePairs territory, not a twerk pair.
func twerkScore(a, b domain.Port) (float64, bool) {
	equFwd := unitMargin(domain.Equipment, a, b)
	equBack := unitMargin(domain.Equipment, b, a)

	var equ, back float64
	switch {
	case equFwd > 0:
		equ = equFwd
		back = max(unitMargin(domain.FuelOre, b, a), unitMargin(domain.Organics, b, a))
	case equBack > 0:
		equ = equBack
		back = max(unitMargin(domain.FuelOre, a, b), unitMargin(domain.Organics, a, b))
	default:
		return 0, false
	}
	if back <= 0 {
		return 0, false
	}
	// one cycle is four turns: two docks, two crossings
	return (equ + back) / 4, true
}

func adjacent(view game.View, a, b int) bool {
	if info, ok := view.Sector(a); ok {
		for _, w := range info.Warps {
			if w == b {
				return true
			}
		}
	}
	if info, ok := view.Sector(b); ok {
		for _, w := range info.Warps {
			if w == a {
				return true
			}
		}
	}
	return false
}
