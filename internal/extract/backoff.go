package extract

import (
	"math"
	"time"
)

// BackoffPolicy computes exponential delays: Base * Multiplier^attempt,
// capped at Cap. One policy instance exists per status class so the
// curves stay independently testable.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

// Delay returns the wait before retrying attempt (zero-based), so the
// first retry waits exactly Base.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := float64(p.Base) * math.Pow(multiplier, float64(attempt))
	if p.Cap > 0 && delay > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(delay)
}
