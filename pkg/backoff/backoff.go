package backoff

import (
	"time"
)

// Policy describes an exponential backoff schedule. It is applied uniformly
// by the agent framework and the publishing queue instead of ad hoc retry
// loops in each component.
type Policy struct {
	InitialDelay time.Duration // Delay before the first retry.
	Multiplier   float64       // Growth factor applied to each subsequent delay.
	MaxDelay     time.Duration // Upper bound for a single delay. Zero means unbounded.
	MaxAttempts  int           // Maximum number of attempts, including the first one.
}

// Default returns a conservative policy: 1s initial delay, doubling, capped
// at 2 minutes, 5 attempts in total.
func Default() Policy {
	return Policy{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Minute,
		MaxAttempts:  5,
	}
}

// Delay returns the delay to wait before the given retry.
// retry is 1-based: Delay(1) is the delay before the first retry.
// Non-positive retries return zero.
func (p Policy) Delay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < retry; i++ {
		delay *= p.Multiplier
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether the given attempt count has used up the policy.
// attempt is the number of attempts already made.
func (p Policy) Exhausted(attempt int) bool {
	if p.MaxAttempts <= 0 {
		return false
	}
	return attempt >= p.MaxAttempts
}
