package domain

import "time"

// InterventionCategory names a detector family.
type InterventionCategory string

const (
	CategoryStuckLoop        InterventionCategory = "stuck_loop"
	CategoryCreditStall      InterventionCategory = "credit_stall"
	CategoryTurnBurn         InterventionCategory = "turn_burn"
	CategoryHoldUnderuse     InterventionCategory = "hold_underuse"
	CategoryPortPriceAnomaly InterventionCategory = "port_price_anomaly"
	CategoryCombatThreat     InterventionCategory = "combat_threat"
	CategoryNavDesync        InterventionCategory = "nav_desync"
	CategoryAuthFailure      InterventionCategory = "auth_failure"
	CategoryLLMOverspend     InterventionCategory = "llm_overspend"
)

// Severity orders findings for auto-apply gating.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// severityRank maps severities to a comparable order.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarn:     1,
	SeverityCritical: 2,
}

// AtMost reports whether s is no more severe than max.
func (s Severity) AtMost(max Severity) bool {
	return severityRank[s] <= severityRank[max]
}

// Finding is a detector's evidence that something is off.
type Finding struct {
	Category InterventionCategory
	Severity Severity
	BotID    string
	Summary  string
	Evidence map[string]any
	At       time.Time
}

// InterventionAction is a remediation the advisor can recommend.
type InterventionAction string

const (
	ActionSwitchStrategy InterventionAction = "switch_strategy"
	ActionRewindGoal     InterventionAction = "rewind_goal"
	ActionSetAnchor      InterventionAction = "set_anchor"
	ActionPauseBot       InterventionAction = "pause_bot"
	ActionResyncState    InterventionAction = "resync_state"
	ActionNotifyOperator InterventionAction = "notify_operator"
)

// AutoApplicable lists actions the runtime may apply without an operator.
var AutoApplicable = map[InterventionAction]bool{
	ActionSwitchStrategy: true,
	ActionRewindGoal:     true,
	ActionSetAnchor:      true,
	ActionPauseBot:       true,
	ActionResyncState:    true,
}

// Recommendation is the advisor's proposed remediation for a finding.
type Recommendation struct {
	Action    InterventionAction
	Params    map[string]string
	Rationale string
}

// Intervention ties a finding to its recommendation and outcome.
type Intervention struct {
	ID          string
	BotID       string
	Finding     Finding
	Recommended *Recommendation // nil when the advisor was skipped
	Applied     bool
	AutoApplied bool
	At          time.Time
}
