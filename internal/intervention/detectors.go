package intervention

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/strategy"
)

// recentWindow is how many turns the loop and waste checks look back.
const recentWindow = 10

// combatRecency is how long a combat alert stays hot.
const combatRecency = 2 * time.Minute

func tail(w []domain.TurnRecord, n int) []domain.TurnRecord {
	if len(w) <= n {
		return w
	}
	return w[len(w)-n:]
}

func finding(cat domain.InterventionCategory, sev domain.Severity, botID, summary string, ev map[string]any) domain.Finding {
	return domain.Finding{
		Category: cat,
		Severity: sev,
		BotID:    botID,
		Summary:  summary,
		Evidence: ev,
		At:       time.Now(),
	}
}

// authFailureDetector fires on repeated login failures. The pool marks
// the account, but the bot must also stop hammering the BBS.
type authFailureDetector struct{ cfg Config }

func (d *authFailureDetector) Category() domain.InterventionCategory { return domain.CategoryAuthFailure }

func (d *authFailureDetector) Detect(in Input) []domain.Finding {
	if in.AuthFails < d.cfg.AuthFailMax {
		return nil
	}
	return []domain.Finding{finding(domain.CategoryAuthFailure, domain.SeverityCritical, in.BotID,
		fmt.Sprintf("%d consecutive login failures", in.AuthFails),
		map[string]any{"failures": in.AuthFails})}
}

// navDesyncDetector surfaces the tracker's desync flag.
type navDesyncDetector struct{}

func (d *navDesyncDetector) Category() domain.InterventionCategory { return domain.CategoryNavDesync }

func (d *navDesyncDetector) Detect(in Input) []domain.Finding {
	if in.View == nil {
		return nil
	}
	bad, reason := in.View.Desync()
	if !bad {
		return nil
	}
	return []domain.Finding{finding(domain.CategoryNavDesync, domain.SeverityCritical, in.BotID,
		"position model out of sync with the screen",
		map[string]any{"reason": reason, "sector": in.View.CurrentSector()})}
}

// combatThreatDetector covers both directions: recent hostile contact,
// and an armed ship idling outside a combat goal.
type combatThreatDetector struct{ cfg Config }

func (d *combatThreatDetector) Category() domain.InterventionCategory { return domain.CategoryCombatThreat }

func (d *combatThreatDetector) Detect(in Input) []domain.Finding {
	if in.View == nil {
		return nil
	}
	sh := in.View.Ship()
	var out []domain.Finding

	if last := in.View.LastCombat(); !last.IsZero() && time.Since(last) < combatRecency {
		sev := domain.SeverityWarn
		summary := "combat activity in the area"
		if sh.Fighters < d.cfg.CombatFighters {
			sev = domain.SeverityCritical
			summary = "under threat with a thin fighter screen"
		}
		out = append(out, finding(domain.CategoryCombatThreat, sev, in.BotID, summary,
			map[string]any{"fighters": sh.Fighters, "shields": sh.Shields, "last_combat": last}))
	}

	if sh.Fighters > d.cfg.CombatFighters && sh.Shields > d.cfg.CombatShields && in.Goal != "combat" {
		out = append(out, finding(domain.CategoryCombatThreat, domain.SeverityInfo, in.BotID,
			fmt.Sprintf("combat ready while goal is %s", in.Goal),
			map[string]any{"fighters": sh.Fighters, "shields": sh.Shields, "goal": in.Goal}))
	}
	return out
}

// stuckLoopDetector spots repeated or alternating actions and sector
// revisits in the recent window.
type stuckLoopDetector struct{ cfg Config }

func (d *stuckLoopDetector) Category() domain.InterventionCategory { return domain.CategoryStuckLoop }

func (d *stuckLoopDetector) Detect(in Input) []domain.Finding {
	w := tail(in.Window, recentWindow)
	if len(w) == 0 {
		return nil
	}

	last := w[len(w)-1]
	if last.Action != "" {
		n := 0
		for _, r := range w {
			if r.Action == last.Action {
				n++
			}
		}
		if n >= d.cfg.LoopActionMin {
			return []domain.Finding{finding(domain.CategoryStuckLoop, domain.SeverityWarn, in.BotID,
				fmt.Sprintf("action %q repeated %d times in the last %d turns", last.Action, n, len(w)),
				map[string]any{"action": last.Action, "count": n})}
		}
	}

	if len(w) >= 4 {
		a, b := w[len(w)-1].Action, w[len(w)-2].Action
		if a != "" && b != "" && a != b &&
			w[len(w)-3].Action == a && w[len(w)-4].Action == b {
			return []domain.Finding{finding(domain.CategoryStuckLoop, domain.SeverityWarn, in.BotID,
				"alternating between two actions",
				map[string]any{"a": a, "b": b})}
		}
	}

	n := 0
	for _, r := range w {
		if r.Sector != 0 && r.Sector == last.Sector {
			n++
		}
	}
	if n >= d.cfg.LoopSectorMin {
		return []domain.Finding{finding(domain.CategoryStuckLoop, domain.SeverityWarn, in.BotID,
			fmt.Sprintf("sector %d visited %d times in the last %d turns", last.Sector, n, len(w)),
			map[string]any{"sector": last.Sector, "count": n})}
	}
	return nil
}

// creditStallDetector watches for a flat credit line. Complete standstill
// (same sector, same credits, zero trades) is critical; slow drift is a
// warning.
type creditStallDetector struct{ cfg Config }

func (d *creditStallDetector) Category() domain.InterventionCategory { return domain.CategoryCreditStall }

func (d *creditStallDetector) Detect(in Input) []domain.Finding {
	if len(in.Window) < d.cfg.StagnationTurns {
		return nil
	}
	w := tail(in.Window, d.cfg.StagnationTurns)
	first, last := w[0], w[len(w)-1]

	frozen := true
	trades := 0
	for _, r := range w {
		trades += r.Trades
		if r.Sector != first.Sector || r.Credits != first.Credits {
			frozen = false
		}
	}
	if frozen && trades == 0 {
		return []domain.Finding{finding(domain.CategoryCreditStall, domain.SeverityCritical, in.BotID,
			fmt.Sprintf("no movement at all for %d turns", len(w)),
			map[string]any{"sector": first.Sector, "credits": first.Credits, "turns": len(w)})}
	}

	base := math.Max(1, math.Abs(float64(first.Credits)))
	if math.Abs(float64(last.Credits-first.Credits))/base < d.cfg.StagnationPct {
		return []domain.Finding{finding(domain.CategoryCreditStall, domain.SeverityWarn, in.BotID,
			fmt.Sprintf("credits moved under %.0f%% across %d turns", d.cfg.StagnationPct*100, len(w)),
			map[string]any{"credits_then": first.Credits, "credits_now": last.Credits, "turns": len(w)})}
	}
	return nil
}

// turnBurnDetector flags turns spent without profit: too many
// non-positive turns, or a collapsing profit rate.
type turnBurnDetector struct{ cfg Config }

func (d *turnBurnDetector) Category() domain.InterventionCategory { return domain.CategoryTurnBurn }

func (d *turnBurnDetector) Detect(in Input) []domain.Finding {
	w := in.Window
	if len(w) < recentWindow {
		return nil
	}

	wasted := 0
	for _, r := range w {
		if r.CreditsDelta <= 0 {
			wasted++
		}
	}
	if frac := float64(wasted) / float64(len(w)); frac > d.cfg.WasteThreshold {
		return []domain.Finding{finding(domain.CategoryTurnBurn, domain.SeverityWarn, in.BotID,
			fmt.Sprintf("%.0f%% of the last %d turns earned nothing", frac*100, len(w)),
			map[string]any{"wasted": wasted, "turns": len(w)})}
	}

	half := len(w) / 2
	var p1, p2 float64
	for _, r := range w[:half] {
		p1 += float64(r.CreditsDelta)
	}
	for _, r := range w[half:] {
		p2 += float64(r.CreditsDelta)
	}
	p1 /= float64(half)
	p2 /= float64(len(w) - half)
	if p1 > 0 && p2 < d.cfg.DeclineRatio*p1 {
		return []domain.Finding{finding(domain.CategoryTurnBurn, domain.SeverityWarn, in.BotID,
			"profit per turn is collapsing",
			map[string]any{"first_half": p1, "second_half": p2})}
	}
	return nil
}

// holdUnderuseDetector flags cargo space going to waste: leaving a port
// with mostly empty holds while actively trading, or a bankroll that
// outgrew the ship.
type holdUnderuseDetector struct{ cfg Config }

func (d *holdUnderuseDetector) Category() domain.InterventionCategory { return domain.CategoryHoldUnderuse }

func (d *holdUnderuseDetector) Detect(in Input) []domain.Finding {
	if in.View == nil {
		return nil
	}
	sh := in.View.Ship()
	if sh.Holds <= 0 {
		return nil
	}

	w := tail(in.Window, recentWindow)
	trades := 0
	for _, r := range w {
		trades += r.Trades
	}
	if trades > 0 && len(w) > 0 && strings.Contains(w[len(w)-1].Action, "p") {
		if free := float64(sh.HoldsFree()) / float64(sh.Holds); free > d.cfg.HoldUnderuse {
			return []domain.Finding{finding(domain.CategoryHoldUnderuse, domain.SeverityWarn, in.BotID,
				fmt.Sprintf("left port with %.0f%% of holds empty", free*100),
				map[string]any{"holds_free": sh.HoldsFree(), "holds": sh.Holds})}
		}
	}

	if pl := in.View.Player(); sh.Holds < 40 && pl.Credits > 20000 {
		return []domain.Finding{finding(domain.CategoryHoldUnderuse, domain.SeverityInfo, in.BotID,
			fmt.Sprintf("%d holds against %d credits; capacity caps every trade", sh.Holds, pl.Credits),
			map[string]any{"holds": sh.Holds, "credits": pl.Credits})}
	}
	return nil
}

// portPriceAnomalyDetector flags implausible port data and unusually
// rich round trips close by.
type portPriceAnomalyDetector struct{ cfg Config }

func (d *portPriceAnomalyDetector) Category() domain.InterventionCategory {
	return domain.CategoryPortPriceAnomaly
}

func (d *portPriceAnomalyDetector) Detect(in Input) []domain.Finding {
	if in.View == nil {
		return nil
	}
	ports := in.View.Ports()

	for _, p := range ports {
		for g, pct := range p.Percents {
			if pct < 0 || pct > 120 {
				return []domain.Finding{finding(domain.CategoryPortPriceAnomaly, domain.SeverityWarn, in.BotID,
					fmt.Sprintf("port in %d reports %s stock at %d%%", p.Sector, g, pct),
					map[string]any{"sector": p.Sector, "commodity": string(g), "pct": pct})}
			}
		}
	}

	cur := in.View.CurrentSector()
	holds := in.View.Ship().Holds
	if cur == 0 || holds <= 0 {
		return nil
	}
	for i := range ports {
		for j := i + 1; j < len(ports); j++ {
			a, b := ports[i], ports[j]
			reach := in.View.Route(cur, a.Sector)
			if reach == nil || len(reach)-1 > 3 {
				continue
			}
			cross := in.View.Route(a.Sector, b.Sector)
			if cross == nil || len(cross)-1 > 3 {
				continue
			}
			value := int64(strategy.RoundTripMargin(a, b) * float64(holds))
			if value >= d.cfg.HighValueMin {
				return []domain.Finding{finding(domain.CategoryPortPriceAnomaly, domain.SeverityInfo, in.BotID,
					fmt.Sprintf("round trip %d<->%d worth ~%d credits within reach", a.Sector, b.Sector, value),
					map[string]any{"a": a.Sector, "b": b.Sector, "value": value})}
			}
		}
	}
	return nil
}

// llmOverspendDetector reports a burned advisory budget so the operator
// sees why the bot went quiet.
type llmOverspendDetector struct{}

func (d *llmOverspendDetector) Category() domain.InterventionCategory { return domain.CategoryLLMOverspend }

func (d *llmOverspendDetector) Detect(in Input) []domain.Finding {
	b := in.LLMBudget
	s := in.LLMSpend
	over := (b.CallsPerHour > 0 && s.Calls >= b.CallsPerHour) ||
		(b.TokensPerHour > 0 && s.Tokens >= b.TokensPerHour)
	if !over {
		return nil
	}
	return []domain.Finding{finding(domain.CategoryLLMOverspend, domain.SeverityWarn, in.BotID,
		"advisory budget exhausted for this window",
		map[string]any{"tokens": s.Tokens, "calls": s.Calls, "cost_usd": s.Cost})}
}
