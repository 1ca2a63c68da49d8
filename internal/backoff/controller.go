package backoff

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRetriesExhausted is reported through the terminal callback once the
// attempt cap is exceeded. The owner decides what to surface to users.
var ErrRetriesExhausted = errors.New("backoff: retries exhausted")

// ConnectFunc establishes the underlying connection. It is supplied by
// the caller; the controller only decides when to invoke it.
type ConnectFunc func(ctx context.Context) error

// Controller is a generic reconnect-with-backoff state machine. The
// owner reports transport drops through OnFailure; the controller
// schedules retries per its Policy, resets the attempt counter on
// success or manual Reconnect, and pauses while offline.
type Controller struct {
	policy     Policy
	connect    ConnectFunc
	log        *zap.Logger
	onStatus   func(Status)
	onTerminal func(error)
	rng        *rand.Rand

	mu      sync.Mutex
	status  Status
	attempt int
	online  bool
	pending *time.Timer
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type ControllerOption func(*Controller)

// WithStatusFunc registers an observer for status transitions. The
// callback runs on the controller's goroutine and must not call back
// into the controller.
func WithStatusFunc(fn func(Status)) ControllerOption {
	return func(c *Controller) { c.onStatus = fn }
}

// WithTerminalFunc registers the callback invoked once retries are
// exhausted.
func WithTerminalFunc(fn func(error)) ControllerOption {
	return func(c *Controller) { c.onTerminal = fn }
}

// WithRand injects a deterministic jitter source.
func WithRand(rng *rand.Rand) ControllerOption {
	return func(c *Controller) { c.rng = rng }
}

func NewController(policy Policy, connect ConnectFunc, log *zap.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		policy:  policy,
		connect: connect,
		log:     log,
		status:  StatusDisconnected,
		online:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start performs the initial connect attempt. Further attempts are
// driven by OnFailure and the scheduled retries.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	c.try()
}

func (c *Controller) try() {
	c.mu.Lock()
	if c.closed || c.ctx == nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.attempt = 0
		c.setStatusLocked(StatusConnected)
		c.mu.Unlock()
		return
	}
	c.log.Warn("connect attempt failed", zap.Int("attempt", c.attempt), zap.Error(err))
	c.scheduleLocked(err)
	c.mu.Unlock()
}

// OnFailure is called by the owner when an established connection
// drops (transport-reported CHANNEL_ERROR, TIMED_OUT, CLOSED).
func (c *Controller) OnFailure(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusDisconnected)
	c.scheduleLocked(err)
	c.mu.Unlock()
}

func (c *Controller) scheduleLocked(cause error) {
	if !c.online {
		// Offline: stay disconnected, retries resume once online fires.
		c.setStatusLocked(StatusDisconnected)
		return
	}
	if c.attempt >= c.policy.MaxRetries {
		c.setStatusLocked(StatusFailed)
		if c.onTerminal != nil {
			fn := c.onTerminal
			err := errors.Join(ErrRetriesExhausted, cause)
			go fn(err)
		}
		return
	}

	delay := c.policy.JitteredDelay(c.attempt, c.rng)
	c.attempt++
	c.setStatusLocked(StatusReconnecting)
	c.log.Info("scheduling reconnect",
		zap.Int("attempt", c.attempt),
		zap.Duration("delay", delay))
	c.stopPendingLocked()
	c.pending = time.AfterFunc(delay, c.try)
}

// Reconnect resets the attempt counter and retries immediately.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopPendingLocked()
	c.attempt = 0
	c.setStatusLocked(StatusReconnecting)
	c.mu.Unlock()
	go c.try()
}

// SetOnline reflects network availability observed by the owner. Going
// offline cancels any scheduled retry; coming back online triggers an
// immediate reconnect unless already connected.
func (c *Controller) SetOnline(online bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.online = online
	if !online {
		c.stopPendingLocked()
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		return
	}
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected {
		c.Reconnect()
	}
}

// Status returns the current connection status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempt returns the current retry attempt counter.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Close cancels any pending retry and stops the controller for good.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopPendingLocked()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) stopPendingLocked() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

func (c *Controller) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.onStatus != nil {
		c.onStatus(s)
	}
}
