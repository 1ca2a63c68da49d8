package backoff

import (
	"math/rand"
	"time"
)

// Status is the connection state reported by a Controller.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Policy computes retry delays: InitialDelay * 2^attempt, capped at
// MaxDelay, with +-Jitter fraction of random perturbation so clients
// don't retry in lockstep.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	Jitter       float64
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxRetries:   6,
		Jitter:       0.15,
	}
}

// Delay returns the base delay for a zero-indexed attempt, before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// JitteredDelay perturbs Delay(attempt) by up to +-Jitter using rng.
// A nil rng uses the shared package source.
func (p Policy) JitteredDelay(attempt int, rng *rand.Rand) time.Duration {
	base := p.Delay(attempt)
	if p.Jitter <= 0 {
		return base
	}
	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		u = rand.Float64()
	}
	// u in [0,1) -> factor in [1-Jitter, 1+Jitter)
	factor := 1 + p.Jitter*(2*u-1)
	return time.Duration(float64(base) * factor)
}
