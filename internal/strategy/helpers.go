package strategy

import (
	"fmt"
	"strconv"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
)

// Heuristic per-unit base values. Real prices move with port stock; these
// weights only rank opportunities, they never reach the wire.
var baseValue = map[domain.Commodity]float64{
	domain.FuelOre:   12,
	domain.Organics:  25,
	domain.Equipment: 65,
}

const (
	warpStepTimeout  = 45 * time.Second
	tradeStepTimeout = 120 * time.Second
)

// unitMargin estimates per-unit profit buying good g at src and selling
// it at dst. Stock percentages tilt the estimate: a well-stocked seller
// is cheap, a starved buyer pays a premium. Unknown stock stays neutral.
func unitMargin(g domain.Commodity, src, dst domain.Port) float64 {
	if !src.Class.Sells(g) || !dst.Class.Buys(g) {
		return 0
	}
	base := baseValue[g]

	cost := 0.85 * base
	if pct, ok := src.Percents[g]; ok {
		cost = base * (1.1 - 0.5*float64(pct)/100)
	}
	revenue := 1.05 * base
	if pct, ok := dst.Percents[g]; ok {
		revenue = base * (0.8 + 0.5*(1-float64(pct)/100))
	}

	m := revenue - cost
	if m < 0 {
		return 0
	}
	return m
}

// bestLeg returns the most profitable commodity to haul from src to dst
// and its per-unit margin, 0 when nothing flows that way.
func bestLeg(src, dst domain.Port) (domain.Commodity, float64) {
	var best domain.Commodity
	var bestM float64
	for _, g := range domain.Commodities {
		if m := unitMargin(g, src, dst); m > bestM {
			best, bestM = g, m
		}
	}
	return best, bestM
}

// RoundTripMargin estimates the combined per-unit margin of the best legs
// both ways between two ports. Opportunity scanners outside this package
// use it to spot unusually rich pairs.
func RoundTripMargin(a, b domain.Port) float64 {
	_, m1 := bestLeg(a, b)
	_, m2 := bestLeg(b, a)
	return m1 + m2
}

// warpStep moves one known warp. Adjacent sector numbers entered at the
// command prompt warp directly, no autopilot involved.
func warpStep(to int) domain.Step {
	return domain.Step{
		Send:    strconv.Itoa(to),
		Expect:  "command",
		Note:    fmt.Sprintf("warp to %d", to),
		Timeout: warpStepTimeout,
	}
}

// dockStep trades at the port in the current sector. The runtime answers
// the quantity and haggle prompts on the way back to the command prompt.
func dockStep(sector int) domain.Step {
	return domain.Step{
		Send:    "p",
		Expect:  "command",
		Note:    fmt.Sprintf("port trade in %d", sector),
		Timeout: tradeStepTimeout,
	}
}

// displayStep redraws the sector, re-anchoring the model.
func displayStep() domain.Step {
	return domain.Step{
		Send:    "d",
		Expect:  "command",
		Note:    "redisplay sector",
		Timeout: warpStepTimeout,
	}
}

// routeSteps converts a BFS route into warp steps; the leading element is
// the current sector and is skipped.
func routeSteps(route []int) []domain.Step {
	if len(route) < 2 {
		return nil
	}
	steps := make([]domain.Step, 0, len(route)-1)
	for _, hop := range route[1:] {
		steps = append(steps, warpStep(hop))
	}
	return steps
}

// explorePlan pushes into the least-known warp of the current sector so
// a dry strategy keeps charting instead of idling.
func explorePlan(view game.View, name, reason string) domain.Plan {
	cur := view.CurrentSector()
	if cur == 0 {
		return domain.Plan{
			Strategy:  name,
			Steps:     []domain.Step{displayStep()},
			Reason:    "no position fix, redisplaying",
			CreatedAt: time.Now(),
		}
	}

	info, ok := view.Sector(cur)
	if !ok || len(info.Warps) == 0 {
		return domain.Plan{
			Strategy:  name,
			Steps:     []domain.Step{displayStep()},
			Reason:    "current sector has no charted warps",
			CreatedAt: time.Now(),
		}
	}

	// unexplored warp first, else the stalest neighbor
	next := info.Warps[0]
	var stalest time.Time
	for _, w := range info.Warps {
		n, seen := view.Sector(w)
		if !seen {
			next = w
			break
		}
		if stalest.IsZero() || n.LastSeen.Before(stalest) {
			stalest = n.LastSeen
			next = w
		}
	}

	return domain.Plan{
		Strategy:  name,
		Steps:     []domain.Step{warpStep(next), displayStep()},
		Reason:    reason,
		CreatedAt: time.Now(),
	}
}
