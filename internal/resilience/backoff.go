package resilience

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before retry number attempt: base doubled per
// prior attempt, spread by ±jitter (a fraction, 0.2 meaning 20%) so callers
// retrying in lockstep fan out.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base << uint(attempt-1)
	if jitter <= 0 {
		return delay
	}
	spread := float64(delay) * jitter
	return delay + time.Duration((rand.Float64()*2-1)*spread)
}
