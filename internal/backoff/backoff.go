// Package backoff computes retry delays for target-write retries.
package backoff

import (
	"math"
	"math/rand"
	"time"

	"github.com/tableshift/tableshift/pkg/config"
)

// Strategy selects the delay curve.
type Strategy string

const (
	StrategyExponential Strategy = "EXPONENTIAL"
	StrategyLinear      Strategy = "LINEAR"
	StrategyFixed       Strategy = "FIXED"
	StrategyRandom      Strategy = "RANDOM"
)

// DefaultMaxAttempts bounds target-write retries when unconfigured.
const DefaultMaxAttempts = 3

// Policy computes retry delays. Every computed delay is clamped to MaxDelay
// and then perturbed by ±10% jitter so concurrently migrating operations
// don't form synchronized retry storms.
type Policy struct {
	Strategy    Strategy
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// Default returns an exponential policy with conservative delays.
func Default() Policy {
	return Policy{
		Strategy:    StrategyExponential,
		Base:        100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Second,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// FromConfig builds a policy from configuration, filling zero values with
// defaults.
func FromConfig(cfg config.DualWriteConfig) Policy {
	p := Policy{
		Strategy:    Strategy(cfg.Backoff.Strategy),
		Base:        cfg.Backoff.Base,
		Multiplier:  cfg.Backoff.Multiplier,
		MaxDelay:    cfg.Backoff.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
	}
	def := Default()
	if p.Strategy == "" {
		p.Strategy = def.Strategy
	}
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// BaseDelay returns the un-jittered delay for a 1-based attempt number,
// already clamped to MaxDelay.
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Strategy {
	case StrategyExponential:
		d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
		if d > float64(p.MaxDelay) {
			return p.MaxDelay
		}
		delay = time.Duration(d)
	case StrategyLinear:
		// Multiplier is expressed in units of Base for linear growth.
		delay = p.Base + time.Duration(p.Multiplier*float64(attempt)*float64(p.Base))
	case StrategyFixed:
		delay = p.Base
	case StrategyRandom:
		span := p.MaxDelay - p.Base
		if span <= 0 {
			delay = p.Base
		} else {
			delay = p.Base + time.Duration(rand.Int63n(int64(span)))
		}
	default:
		delay = p.Base
	}

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Delay returns the jittered delay for a 1-based attempt number:
// clamp(BaseDelay) perturbed by a uniform ±10%, floored at zero.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay(attempt)
	if delay <= 0 {
		return 0
	}

	jitter := 0.1 * float64(delay)
	perturbed := float64(delay) + (rand.Float64()*2-1)*jitter
	if perturbed < 0 {
		return 0
	}
	return time.Duration(perturbed)
}
