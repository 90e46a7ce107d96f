package task

import "time"

const (
	defaultMaxAttempts         = 3
	defaultActuatorMaxAttempts = 2
	defaultBaseDelay           = 1 * time.Second
	defaultMaxDelay            = 30 * time.Second
)

// Decision is the outcome of a retry policy consultation.
type Decision struct {
	Retry   bool
	Backoff time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// RetryPolicy decides, given the attempt count and failure kind, whether a
// failed task loops back to pending and after what delay. Decide is a pure
// function of its inputs: no clock, no randomness, so replayed histories make
// the same decisions.
type RetryPolicy struct {
	// MaxAttempts is the attempt ceiling for provider-side failures.
	MaxAttempts int
	// ActuatorMaxAttempts is the reduced ceiling for actuator-side failures.
	ActuatorMaxAttempts int
	// BaseDelay is the backoff for the first retry; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy mirrors the documented defaults: three attempts with
// exponential backoff, two for actuator failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         defaultMaxAttempts,
		ActuatorMaxAttempts: defaultActuatorMaxAttempts,
		BaseDelay:           defaultBaseDelay,
		MaxDelay:            defaultMaxDelay,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.ActuatorMaxAttempts <= 0 {
		p.ActuatorMaxAttempts = defaultActuatorMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// Decide returns the retry decision for a task that has already made attempt
// attempts (attempt >= 1 on the first failure).
func (p RetryPolicy) Decide(attempt int, kind ErrorKind) Decision {
	p = p.normalized()

	if !kind.Retriable() {
		return GiveUp
	}

	ceiling := p.MaxAttempts
	if kind.ActuatorKind() {
		ceiling = p.ActuatorMaxAttempts
	}
	if attempt >= ceiling {
		return GiveUp
	}

	backoff := p.BaseDelay
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxDelay {
			backoff = p.MaxDelay
			break
		}
	}
	if backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	return Decision{Retry: true, Backoff: backoff}
}
