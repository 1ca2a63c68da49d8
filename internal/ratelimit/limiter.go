package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limit describes one rate limit rule: at most MaxRequests actions per
// sliding Window, with a hard block of BlockFor once the limit is hit.
type Limit struct {
	MaxRequests int
	Window      time.Duration
	BlockFor    time.Duration
}

// Result is the outcome of a Check or Record call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type entry struct {
	stamps       []time.Time
	blocked      bool
	blockedUntil time.Time
}

// Limiter admits or denies actions by key using a sliding window.
// Check+Record are serialized under one mutex so two concurrent callers
// can never both pass when only a single slot remains.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*Limiter)

// WithClock overrides the time source. Tests use this to step through
// windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(log *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		entries: make(map[string]*entry),
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check is read-only: it reports whether an action under key would be
// admitted right now, without consuming a slot.
func (l *Limiter) Check(key string, lim Limit) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(key, lim)
}

// Record performs Check and, if admitted, consumes a slot by appending
// the current timestamp. Hitting the limit sets a hard block for
// lim.BlockFor.
func (l *Limiter) Record(key string, lim Limit) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := l.checkLocked(key, lim)
	now := l.now()
	e := l.entries[key]
	if e == nil {
		e = &entry{}
		l.entries[key] = e
	}

	if !res.Allowed {
		// The window is full: impose the hard block instead of admitting.
		if !e.blocked {
			e.blocked = true
			e.blockedUntil = now.Add(lim.BlockFor)
			res.RetryAfter = lim.BlockFor
			res.ResetAt = e.blockedUntil
		}
		return res
	}

	e.stamps = append(e.stamps, now)
	return Result{
		Allowed:   true,
		Remaining: lim.MaxRequests - len(e.stamps),
		ResetAt:   e.stamps[0].Add(lim.Window),
	}
}

func (l *Limiter) checkLocked(key string, lim Limit) Result {
	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		return Result{Allowed: true, Remaining: lim.MaxRequests, ResetAt: now.Add(lim.Window)}
	}

	if e.blocked {
		if now.Before(e.blockedUntil) {
			return Result{
				Allowed:    false,
				Remaining:  0,
				RetryAfter: e.blockedUntil.Sub(now),
				ResetAt:    e.blockedUntil,
			}
		}
		e.blocked = false
		e.stamps = e.stamps[:0]
	}

	e.stamps = pruneStamps(e.stamps, now.Add(-lim.Window))

	remaining := lim.MaxRequests - len(e.stamps)
	if remaining < 0 {
		remaining = 0
	}
	reset := now.Add(lim.Window)
	if len(e.stamps) > 0 {
		reset = e.stamps[0].Add(lim.Window)
	}
	return Result{
		Allowed:   remaining > 0,
		Remaining: remaining,
		ResetAt:   reset,
	}
}

// Reset clears all state for one key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Clear drops every entry.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
}

// Sweep removes entries whose windows have fully expired and that are
// not blocked, bounding memory for abandoned keys.
func (l *Limiter) Sweep(maxWindow time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-maxWindow)
	removed := 0
	for key, e := range l.entries {
		if e.blocked && now.Before(e.blockedUntil) {
			continue
		}
		live := pruneStamps(e.stamps, cutoff)
		if len(live) == 0 {
			delete(l.entries, key)
			removed++
			continue
		}
		e.stamps = live
	}
	return removed
}

// Run sweeps periodically until ctx is canceled.
func (l *Limiter) Run(ctx context.Context, interval, maxWindow time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(maxWindow); n > 0 {
				l.log.Debug("rate limiter sweep", zap.Int("removed", n))
			}
		}
	}
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func pruneStamps(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
