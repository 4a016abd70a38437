package rules

import (
	"sync"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// DefaultIdle is how long the byte stream must stay quiet before a screen
// counts as settled, unless an eager rule short-circuits the wait.
const DefaultIdle = 2 * time.Second

// Detector wraps a RuleSet with settle timing and idempotent reads: a
// screen hash that was already processed yields no prompt again until a
// send clears it. Safe for concurrent use.
type Detector struct {
	set  *RuleSet
	idle time.Duration

	mu            sync.Mutex
	lastProcessed uint64
	hasProcessed  bool
}

// NewDetector builds a detector over the given set. idle <= 0 selects
// DefaultIdle.
func NewDetector(set *RuleSet, idle time.Duration) *Detector {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Detector{set: set, idle: idle}
}

// Idle returns the settle threshold.
func (d *Detector) Idle() time.Duration { return d.idle }

// Rules returns the underlying set.
func (d *Detector) Rules() *RuleSet { return d.set }

// Settled reports whether the screen may be evaluated: either the stream
// has been quiet past the idle threshold, or an eager rule already
// matches the current content.
func (d *Detector) Settled(s domain.Screen, lastByte time.Time, now time.Time) bool {
	if now.Sub(lastByte) >= d.idle {
		return true
	}
	return d.set.HasEagerMatch(s)
}

// Detect evaluates a settled screen. It returns (nil, nil) when the
// screen hash was already processed, so callers never act on the same
// prompt twice between sends.
func (d *Detector) Detect(s domain.Screen) (*domain.PromptHit, error) {
	d.mu.Lock()
	if d.hasProcessed && d.lastProcessed == s.Hash {
		d.mu.Unlock()
		return nil, nil
	}
	d.mu.Unlock()

	hit, err := d.set.Match(s)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.lastProcessed = s.Hash
	d.hasProcessed = true
	d.mu.Unlock()

	return hit, nil
}

// ClearProcessed forgets the last processed hash. The session calls this
// on every send, because a send invalidates what the screen meant.
func (d *Detector) ClearProcessed() {
	d.mu.Lock()
	d.hasProcessed = false
	d.mu.Unlock()
}

// AlreadyProcessed reports whether the hash matches the last processed
// screen.
func (d *Detector) AlreadyProcessed(hash uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasProcessed && d.lastProcessed == hash
}
