package connection

import (
	"math/rand/v2"
	"time"
)

// Reconnect backoff defaults. Each failed attempt doubles the wait up to
// the cap, with ±20% jitter so a fleet of clients does not redial in step.
const (
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultJitterFraction = 0.2
)

// ReconnectConfig controls how the manager leaves the Error state.
// With Enabled false, Error is terminal until the next explicit Connect.
type ReconnectConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Initial    time.Duration `koanf:"initial"`
	Max        time.Duration `koanf:"max"`
	Factor     float64       `koanf:"factor"`
	Jitter     float64       `koanf:"jitter"`
	MaxRetries int           `koanf:"max_retries"` // 0 means unlimited
}

// DefaultReconnectConfig returns the standard exponential policy.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled: true,
		Initial: DefaultBackoffInitial,
		Max:     DefaultBackoffMax,
		Factor:  DefaultBackoffFactor,
		Jitter:  DefaultJitterFraction,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.Initial <= 0 {
		c.Initial = DefaultBackoffInitial
	}
	if c.Max <= 0 {
		c.Max = DefaultBackoffMax
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Factor < 1 {
		c.Factor = DefaultBackoffFactor
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultJitterFraction
	}
	return c
}

// nextBackoff returns the next backoff duration, capped at max.
func (c ReconnectConfig) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * c.Factor)
	if next > c.Max {
		return c.Max
	}
	return next
}

// jitter adds a random ±Jitter perturbation to d.
func (c ReconnectConfig) jitter(d time.Duration) time.Duration {
	if c.Jitter == 0 {
		return d
	}
	delta := float64(d) * c.Jitter
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
