package conn

import (
	"math"
	"time"
)

// BackoffPolicy is the exponential reconnect schedule: base delay grown by
// a factor per attempt, capped at a maximum delay, abandoned after a
// maximum attempt count until a manual reconnect.
type BackoffPolicy struct {
	Base        time.Duration
	Growth      float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the production schedule: 1s, 2s, 4s, 8s, 16s,
// then 30s repeating, giving up after 10 attempts.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Second,
		Growth:      2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Growth, float64(attempt-1))
	if d > float64(p.MaxDelay) || d < 0 || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt budget is spent.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
