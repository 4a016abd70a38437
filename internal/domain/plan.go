package domain

import "time"

// Step is one scripted exchange: send a command, wait for the expected
// prompt kind. An empty Expect means "wait for any settled prompt".
type Step struct {
	Send    string
	Expect  string // prompt kind or rule name
	Note    string
	Timeout time.Duration // 0 means the session default
}

// Plan is an ordered command sequence produced by a strategy decision.
// An empty Steps slice tells the runtime the strategy had nothing to do
// this turn; repeated empty plans trigger the fallback chain.
type Plan struct {
	Strategy  string
	Steps     []Step
	Reason    string
	CreatedAt time.Time
}

// Empty reports whether the plan carries no work.
func (p Plan) Empty() bool { return len(p.Steps) == 0 }
