package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryTransport is an in-process change feed. It backs the simulated
// data source and the tests, and doubles as the fan-out bus the live
// store publishes its row changes onto.
type MemoryTransport struct {
	mu      sync.Mutex
	nextID  int
	streams map[int]*memoryStream
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{streams: make(map[int]*memoryStream)}
}

type memoryStream struct {
	id        int
	topic     string
	filter    filter
	eventType EventType
	parent    *MemoryTransport

	ch   chan Event
	fail chan error

	once sync.Once
}

type filter struct {
	column string
	value  string
	active bool
}

// parseFilter understands the "column=eq.value" form. An empty string
// matches every row.
func parseFilter(expr string) (filter, error) {
	if expr == "" {
		return filter{}, nil
	}
	col, rest, ok := strings.Cut(expr, "=")
	if !ok || !strings.HasPrefix(rest, "eq.") {
		return filter{}, fmt.Errorf("feed: unsupported filter %q", expr)
	}
	return filter{column: col, value: strings.TrimPrefix(rest, "eq."), active: true}, nil
}

func (f filter) matches(ev Event) bool {
	if !f.active {
		return true
	}
	payload := ev.New
	if len(payload) == 0 {
		payload = ev.Old
	}
	var row map[string]any
	if err := json.Unmarshal(payload, &row); err != nil {
		return false
	}
	got, ok := row[f.column]
	if !ok {
		return false
	}
	return fmt.Sprint(got) == f.value
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topic, filterExpr string, eventType EventType) (Stream, error) {
	f, err := parseFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	if eventType == "" {
		eventType = EventAll
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	s := &memoryStream{
		id:        t.nextID,
		topic:     topic,
		filter:    f,
		eventType: eventType,
		parent:    t,
		ch:        make(chan Event, 256),
		fail:      make(chan error, 1),
	}
	t.streams[s.id] = s
	return s, nil
}

// Publish fans an event out to every matching subscriber on topic.
// Slow subscribers lose the event rather than block the publisher; the
// spec promises ordering, not durable delivery.
func (t *MemoryTransport) Publish(topic string, ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.streams {
		if s.topic != topic {
			continue
		}
		if s.eventType != EventAll && s.eventType != ev.Type {
			continue
		}
		if !s.filter.matches(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Break forces every stream on topic to fail with err, simulating a
// transport drop. Streams must resubscribe to receive again.
func (t *MemoryTransport) Break(topic string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.streams {
		if s.topic != topic {
			continue
		}
		select {
		case s.fail <- err:
		default:
		}
		delete(t.streams, id)
	}
}

// Subscribers reports the number of live streams on topic.
func (t *MemoryTransport) Subscribers(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.streams {
		if s.topic == topic {
			n++
		}
	}
	return n
}

func (s *memoryStream) Recv(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case err := <-s.fail:
		return Event{}, err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *memoryStream) Close() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.streams, s.id)
		s.parent.mu.Unlock()
		// Unblock a Recv parked on this stream.
		select {
		case s.fail <- ErrClosed:
		default:
		}
	})
	return nil
}
