// Package backoff provides exponential backoff utilities with jitter for
// retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// base = initialMs * factor^(attempt-1); jitter = base * jitter * random().
// Returns min(maxMs, base + jitter). Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns a sensible default backoff policy.
// Initial: 100ms, Max: 30s, Factor: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// LinearSecondsPolicy grows the delay by one second per attempt with no
// jitter (1s, 2s, 3s, ...), capped at max. The empty-response retry in the
// session engine uses this schedule.
func LinearSecondsPolicy(max time.Duration) Policy {
	return Policy{
		InitialMs: 1000,
		MaxMs:     float64(max.Milliseconds()),
		Factor:    1,
		Jitter:    0,
	}
}

// ComputeLinear returns attempt seconds for the linear schedule, capped by
// policy.MaxMs.
func ComputeLinear(policy Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	total := math.Min(policy.MaxMs, policy.InitialMs*float64(attempt))
	return time.Duration(math.Round(total)) * time.Millisecond
}
