package engine

import "time"

// BackoffPolicy computes the delay before a RETRYING task becomes claimable again.
type BackoffPolicy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration

	// Max caps the delay.
	Max time.Duration

	// ThrottledBase replaces Base when the executor reported throttling.
	ThrottledBase time.Duration

	// ConflictBase replaces Base when the executor reported a conflict.
	ConflictBase time.Duration
}

// DefaultBackoff returns the default policy: 1s doubling per attempt, capped at one minute.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:          time.Second,
		Max:           time.Minute,
		ThrottledBase: 5 * time.Second,
		ConflictBase:  2 * time.Second,
	}
}

// Delay returns base * 2^(attempt-1), capped at Max. attempt is the number of the
// attempt that just failed, starting at 1.
func (p BackoffPolicy) Delay(attempt int, err error) time.Duration {
	base := p.Base
	switch {
	case err != nil && IsThrottled(err) && p.ThrottledBase > 0:
		base = p.ThrottledBase
	case err != nil && IsConflict(err) && p.ConflictBase > 0:
		base = p.ConflictBase
	}
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}
