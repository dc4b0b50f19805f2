package errclass

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds the exponential backoff schedule for job retries.
type RetryPolicy struct {
	BaseDelaySec int
	MaxDelaySec  int
	JitterRatio  float64 // 0..1; fraction of the delay randomized in both directions
	MaxRetries   int
}

// DefaultRetryPolicy matches the daemon's config defaults.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelaySec: 60,
	MaxDelaySec:  3600,
	JitterRatio:  0.2,
	MaxRetries:   3,
}

// RetryDelay computes the delay before retry attempt n (0-based):
// min(base * 2^n * (1 +/- jitter), max). With JitterRatio 0 the result is
// exact, which the queue relies on for deterministic availableAt stamps in
// tests.
func RetryDelay(n int, policy RetryPolicy) time.Duration {
	base := float64(policy.BaseDelaySec)
	maxDelay := float64(policy.MaxDelaySec)

	delay := base * math.Pow(2, float64(n))
	if delay > maxDelay {
		delay = maxDelay
	}
	if policy.JitterRatio > 0 {
		// Uniform in [-jitter, +jitter] around the computed delay.
		factor := 1 + policy.JitterRatio*(2*rand.Float64()-1)
		delay *= factor
		if delay > maxDelay {
			delay = maxDelay
		}
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay * float64(time.Second))
}

// RetryDelayMinutes is RetryDelay rounded up to whole minutes, for queue
// scheduling where availableAt has minute granularity.
func RetryDelayMinutes(n int, policy RetryPolicy) int {
	d := RetryDelay(n, policy)
	minutes := int(math.Ceil(d.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
