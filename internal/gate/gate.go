// Package gate decides, per candidate action, whether execution proceeds
// automatically, needs an operator decision, or is throttled by the
// destructive-action cooldown.
package gate

import (
	"sync"
	"time"

	"github.com/redeyes-project/redeye/internal/plan"
)

type Decision string

const (
	DecisionProceed   Decision = "proceed"
	DecisionConfirm   Decision = "confirm"
	DecisionThrottled Decision = "throttled"
)

type Result struct {
	Decision   Decision
	Reason     string
	RetryAfter time.Duration
}

// Policy is the per-session confirmation and rate-limit policy. It is safe
// for concurrent use.
type Policy struct {
	mu              sync.Mutex
	assumeYes       bool
	cooldown        time.Duration
	lastDestructive time.Time
	now             func() time.Time
}

func NewPolicy(assumeYes bool, cooldown time.Duration) *Policy {
	return &Policy{
		assumeYes: assumeYes,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// SetClock overrides the policy clock. Tests only.
func (p *Policy) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now != nil {
		p.now = now
	}
}

// Gate evaluates one action. Destructive actions are throttled while the
// cooldown window from the previous destructive execution is open; the
// action is deferred, not discarded, and RetryAfter reports the wait.
func (p *Policy) Gate(tier plan.RiskTier) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tier == plan.RiskDestructive && !p.lastDestructive.IsZero() {
		elapsed := p.now().Sub(p.lastDestructive)
		if elapsed < p.cooldown {
			return Result{
				Decision:   DecisionThrottled,
				Reason:     "destructive action cooldown active",
				RetryAfter: p.cooldown - elapsed,
			}
		}
	}

	switch tier {
	case plan.RiskLow:
		return Result{Decision: DecisionProceed, Reason: "low risk proceeds automatically"}
	case plan.RiskMedium, plan.RiskHigh, plan.RiskDestructive:
		if p.assumeYes {
			return Result{Decision: DecisionProceed, Reason: "assume-yes override active"}
		}
		return Result{Decision: DecisionConfirm, Reason: string(tier) + " risk requires confirmation"}
	default:
		// Unknown tiers are treated like medium: never auto-low.
		if p.assumeYes {
			return Result{Decision: DecisionProceed, Reason: "assume-yes override active"}
		}
		return Result{Decision: DecisionConfirm, Reason: "unclassified risk requires confirmation"}
	}
}

// RecordDestructive opens the cooldown window. Called after a destructive
// action actually executed.
func (p *Policy) RecordDestructive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastDestructive = p.now()
}

// ResetCooldown clears the window on explicit operator override.
func (p *Policy) ResetCooldown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastDestructive = time.Time{}
}
