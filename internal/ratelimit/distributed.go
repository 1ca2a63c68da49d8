package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SharedCounter is a fixed-window counter in a store shared across
// server instances: one atomic increment per action, expiring with the
// window. The data store provides an implementation.
type SharedCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Distributed gates actions against a shared counter when one is
// available and falls back to the in-process limiter when the shared
// store is unreachable. The fallback logs the degradation rather than
// failing the request.
type Distributed struct {
	shared SharedCounter
	local  *Limiter
	log    *zap.Logger
}

func NewDistributed(shared SharedCounter, local *Limiter, log *zap.Logger) *Distributed {
	return &Distributed{shared: shared, local: local, log: log}
}

func (d *Distributed) Record(ctx context.Context, key string, lim Limit) Result {
	if d.shared == nil {
		return d.local.Record(key, lim)
	}

	count, ttl, err := d.shared.Incr(ctx, key, lim.Window)
	if err != nil {
		d.log.Warn("shared rate counter unreachable, falling back to in-process window",
			zap.String("key", key), zap.Error(err))
		return d.local.Record(key, lim)
	}

	if count > int64(lim.MaxRequests) {
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: ttl,
			ResetAt:    time.Now().Add(ttl),
		}
	}
	return Result{
		Allowed:   true,
		Remaining: lim.MaxRequests - int(count),
		ResetAt:   time.Now().Add(ttl),
	}
}
