// Package feed presents a single logical "subscribe to changes
// matching a filter, receive events in arrival order, recover
// automatically from drops" interface over a change-feed transport
// that may disconnect at any time.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/backoff"
)

// EventType selects which change kinds a subscription receives.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// Event is one change emitted by the transport.
type Event struct {
	Type EventType       `json:"type"`
	Old  json.RawMessage `json:"old,omitempty"`
	New  json.RawMessage `json:"new,omitempty"`
}

// Transport-reported failure kinds. Anything else from Recv is treated
// the same way: the stream is dead and the subscription reconnects.
var (
	ErrChannelError = errors.New("feed: channel error")
	ErrTimedOut     = errors.New("feed: timed out")
	ErrClosed       = errors.New("feed: channel closed")
)

// ErrTerminallyDisconnected is delivered on the error channel once the
// retry cap is exhausted. The subscriber should offer a manual
// Reconnect affordance at that point.
var ErrTerminallyDisconnected = errors.New("feed: terminally disconnected")

// Stream is one live subscription on the transport.
type Stream interface {
	// Recv blocks for the next event. It returns an error when the
	// stream drops; the error is never retried at this level.
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// Transport is the external change-feed collaborator. Filter syntax is
// "column=eq.value"; an empty filter matches everything.
type Transport interface {
	Subscribe(ctx context.Context, topic, filter string, eventType EventType) (Stream, error)
}

// Config names one logical subscription.
type Config struct {
	Name      string
	Topic     string
	Filter    string
	EventType EventType
	Policy    backoff.Policy
	Buffer    int
}

// Subscription wraps a transport stream with the reconnect policy of a
// backoff.Controller and hands events to the consumer over a channel,
// in arrival order.
type Subscription struct {
	cfg       Config
	transport Transport
	ctrl      *backoff.Controller
	log       *zap.Logger

	events chan Event
	errs   chan error

	mu     sync.Mutex
	stream Stream
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Subscribe opens the subscription and starts its recovery loop. The
// initial connect happens asynchronously; events arrive on Events().
func Subscribe(ctx context.Context, transport Transport, cfg Config, log *zap.Logger) *Subscription {
	if cfg.EventType == "" {
		cfg.EventType = EventAll
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Policy.InitialDelay == 0 {
		cfg.Policy = backoff.DefaultPolicy()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		cfg:       cfg,
		transport: transport,
		log:       log.With(zap.String("channel", cfg.Name), zap.String("topic", cfg.Topic)),
		events:    make(chan Event, cfg.Buffer),
		errs:      make(chan error, 4),
		ctx:       sctx,
		cancel:    cancel,
	}

	s.ctrl = backoff.NewController(cfg.Policy, s.connect, s.log,
		backoff.WithTerminalFunc(s.terminal))
	s.ctrl.Start(sctx)
	return s
}

// connect opens a fresh stream and starts its pump. Called only by the
// controller.
func (s *Subscription) connect(ctx context.Context) error {
	stream, err := s.transport.Subscribe(ctx, s.cfg.Topic, s.cfg.Filter, s.cfg.EventType)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Topic, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Close()
		return nil
	}
	s.stream = stream
	s.mu.Unlock()

	go s.pump(stream)
	return nil
}

// pump delivers events until the stream drops, then reports the drop
// to the controller. One pump runs per live stream.
func (s *Subscription) pump(stream Stream) {
	for {
		ev, err := stream.Recv(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			superseded := s.stream != stream
			s.mu.Unlock()
			if superseded {
				// Dropped deliberately by Reconnect or SetOnline; the
				// controller already has a replacement in flight.
				return
			}
			s.log.Warn("subscription dropped", zap.Error(err))
			s.ctrl.OnFailure(err)
			return
		}

		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Subscription) terminal(err error) {
	s.log.Error("subscription failed terminally", zap.Error(err))
	select {
	case s.errs <- fmt.Errorf("%w: %w", ErrTerminallyDisconnected, err):
	default:
	}
}

// Events returns the in-order event channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Errors returns the channel carrying terminal failures only;
// retryable drops are contained inside the subscription.
func (s *Subscription) Errors() <-chan error { return s.errs }

// Status reports the current connection status.
func (s *Subscription) Status() backoff.Status { return s.ctrl.Status() }

// Attempt reports the current retry counter, zero while healthy.
func (s *Subscription) Attempt() int { return s.ctrl.Attempt() }

// Reconnect resets the retry counter and reconnects immediately.
func (s *Subscription) Reconnect() {
	s.dropStream()
	s.ctrl.Reconnect()
}

// SetOnline relays network availability transitions: offline stops
// retrying, online triggers a reconnect if not connected.
func (s *Subscription) SetOnline(online bool) {
	if !online {
		s.dropStream()
	}
	s.ctrl.SetOnline(online)
}

// Close unsubscribes the transport, cancels any pending reconnect and
// releases the subscription. The events channel is not closed;
// consumers select against their own done signal.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.ctrl.Close()
	s.dropStream()
}

func (s *Subscription) dropStream() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}
