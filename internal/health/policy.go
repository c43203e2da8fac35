package health

import (
	"math"
	"time"
)

// DecisionKind enumerates the outcomes of the restart policy.
type DecisionKind int

const (
	// NoAction leaves the instance untouched.
	NoAction DecisionKind = iota
	// RetryAfter schedules a respawn after Decision.Delay.
	RetryAfter
	// Quarantine parks the instance until an operator reinstates it.
	Quarantine
)

func (k DecisionKind) String() string {
	switch k {
	case NoAction:
		return "no-action"
	case RetryAfter:
		return "retry-after"
	case Quarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// Decision is the tagged result of a policy evaluation.
type Decision struct {
	Kind   DecisionKind
	Delay  time.Duration
	Reason string
}

// Policy holds the restart knobs. Decide is a pure function of the policy
// and the restart count; it performs no I/O and is fully deterministic.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultPolicy mirrors the documented configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     5 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      5 * time.Minute,
	}
}

// Decide maps a restart count to the next action: quarantine once the
// attempt ceiling is reached, otherwise a retry after exponential backoff.
func (p Policy) Decide(restartCount int) Decision {
	if restartCount >= p.MaxAttempts {
		return Decision{Kind: Quarantine, Reason: "max restart attempts exceeded"}
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(restartCount)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return Decision{Kind: RetryAfter, Delay: delay, Reason: "retry with backoff"}
}
