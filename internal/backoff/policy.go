// Package backoff computes reconnect and retry delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration `yaml:"base"`
	// Cap bounds every computed delay.
	Cap time.Duration `yaml:"cap"`
	// Factor is the exponential growth factor; values below 1 are treated as 2.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomization fraction (0.0 to 1.0) of the exponential term added on top.
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns the reconnect policy used by clients.
// Base: 1s, Cap: 30s, Factor: 2, Jitter: 20%
func DefaultPolicy() Policy {
	return Policy{
		Base:   time.Second,
		Cap:    30 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

// Normalize fills zero fields from DefaultPolicy and clamps the rest so that
// Base > 0, Cap >= Base, Factor >= 1 and Jitter is within [0, 1].
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns min(base * factor^attempt + jitter, cap) for a zero-based attempt.
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-provided random value in [0.0, 1.0).
// The result never drops below Base and, for a fixed random value, never
// decreases as attempt grows.
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	policy = policy.Normalize()
	if attempt < 0 {
		attempt = 0
	}
	if randomValue < 0 {
		randomValue = 0
	}
	if randomValue >= 1 {
		randomValue = math.Nextafter(1, 0)
	}

	baseMs := float64(policy.Base) / float64(time.Millisecond)
	capMs := float64(policy.Cap) / float64(time.Millisecond)

	exp := baseMs * math.Pow(policy.Factor, float64(attempt))
	jitterAmount := exp * policy.Jitter * randomValue

	// math.Pow overflows to +Inf for large attempts; Min still yields the cap.
	total := math.Min(capMs, exp+jitterAmount)
	total = math.Max(total, baseMs)

	return time.Duration(math.Round(total * float64(time.Millisecond)))
}
