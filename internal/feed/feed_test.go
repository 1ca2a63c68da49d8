package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/backoff"
)

func fastPolicy(maxRetries int) backoff.Policy {
	return backoff.Policy{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxRetries:   maxRetries,
	}
}

func recvEvent(t *testing.T, sub *Subscription, within time.Duration) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func waitStatus(t *testing.T, sub *Subscription, want backoff.Status, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if sub.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status %s not reached within %v (got %s)", want, within, sub.Status())
}

func row(kv map[string]any) json.RawMessage {
	b, _ := json.Marshal(kv)
	return b
}

func TestSubscription_DeliversMatchingEventsInOrder(t *testing.T) {
	tr := NewMemoryTransport()
	sub := Subscribe(context.Background(), tr, Config{
		Name:      "votes:b1",
		Topic:     "votes",
		Filter:    "battle_id=eq.b1",
		EventType: EventInsert,
		Policy:    fastPolicy(5),
	}, zap.NewNop())
	defer sub.Close()

	waitStatus(t, sub, backoff.StatusConnected, time.Second)

	tr.Publish("votes", Event{Type: EventInsert, New: row(map[string]any{"battle_id": "b1", "voter_id": "v1"})})
	tr.Publish("votes", Event{Type: EventInsert, New: row(map[string]any{"battle_id": "b2", "voter_id": "v2"})})
	tr.Publish("votes", Event{Type: EventUpdate, New: row(map[string]any{"battle_id": "b1", "voter_id": "v3"})})
	tr.Publish("votes", Event{Type: EventInsert, New: row(map[string]any{"battle_id": "b1", "voter_id": "v4"})})

	first := recvEvent(t, sub, time.Second)
	second := recvEvent(t, sub, time.Second)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal(first.New, &a))
	require.NoError(t, json.Unmarshal(second.New, &b))
	assert.Equal(t, "v1", a["voter_id"], "other battles and event types are filtered out")
	assert.Equal(t, "v4", b["voter_id"])

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscription_RecoversFromChannelError(t *testing.T) {
	tr := NewMemoryTransport()
	sub := Subscribe(context.Background(), tr, Config{
		Name:   "battles:b1",
		Topic:  "battles",
		Policy: fastPolicy(5),
	}, zap.NewNop())
	defer sub.Close()

	waitStatus(t, sub, backoff.StatusConnected, time.Second)

	tr.Break("battles", ErrChannelError)
	// Break removes the stream synchronously; wait for the replacement
	// subscription before treating "connected" as the reconnected state.
	deadline := time.Now().Add(2 * time.Second)
	for tr.Subscribers("battles") != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, tr.Subscribers("battles"))
	waitStatus(t, sub, backoff.StatusConnected, 2*time.Second)
	assert.Equal(t, 0, sub.Attempt(), "attempt counter resets after successful reconnect")

	// The re-established stream keeps delivering.
	tr.Publish("battles", Event{Type: EventUpdate, New: row(map[string]any{"id": "b1", "status": "voting"})})
	ev := recvEvent(t, sub, time.Second)
	assert.Equal(t, EventUpdate, ev.Type)
}

func TestSubscription_TerminalAfterRetryCap(t *testing.T) {
	tr := &refusingTransport{}
	sub := Subscribe(context.Background(), tr, Config{
		Name:   "votes:b1",
		Topic:  "votes",
		Policy: fastPolicy(2),
	}, zap.NewNop())
	defer sub.Close()

	select {
	case err := <-sub.Errors():
		require.ErrorIs(t, err, ErrTerminallyDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal error")
	}
	assert.Equal(t, backoff.StatusFailed, sub.Status())

	// Manual reconnect is the user-facing affordance after failure.
	tr.allow()
	sub.Reconnect()
	waitStatus(t, sub, backoff.StatusConnected, time.Second)
}

func TestSubscription_ReconnectRetiresOldStream(t *testing.T) {
	tr := NewMemoryTransport()
	sub := Subscribe(context.Background(), tr, Config{
		Name:   "votes:b1",
		Topic:  "votes",
		Policy: fastPolicy(5),
	}, zap.NewNop())
	defer sub.Close()

	waitStatus(t, sub, backoff.StatusConnected, time.Second)

	sub.Reconnect()
	waitStatus(t, sub, backoff.StatusConnected, time.Second)

	// The superseded stream unsubscribes instead of lingering.
	deadline := time.Now().Add(time.Second)
	for tr.Subscribers("votes") != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, tr.Subscribers("votes"))
	assert.Equal(t, 0, sub.Attempt())

	// And its shutdown is not mistaken for a transport drop.
	select {
	case err := <-sub.Errors():
		t.Fatalf("unexpected error after reconnect: %v", err)
	default:
	}

	tr.Publish("votes", Event{Type: EventInsert, New: row(map[string]any{"battle_id": "b1"})})
	ev := recvEvent(t, sub, time.Second)
	assert.Equal(t, EventInsert, ev.Type)
}

func TestMemoryStream_CloseUnblocksRecv(t *testing.T) {
	tr := NewMemoryTransport()
	stream, err := tr.Subscribe(context.Background(), "votes", "", EventAll)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Recv(context.Background())
		done <- err
	}()

	require.NoError(t, stream.Close())
	select {
	case recvErr := <-done:
		assert.ErrorIs(t, recvErr, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("recv still blocked after close")
	}
}

func TestSubscription_CloseTearsDownStream(t *testing.T) {
	tr := NewMemoryTransport()
	sub := Subscribe(context.Background(), tr, Config{
		Name:   "votes:b1",
		Topic:  "votes",
		Policy: fastPolicy(5),
	}, zap.NewNop())

	waitStatus(t, sub, backoff.StatusConnected, time.Second)
	require.Equal(t, 1, tr.Subscribers("votes"))

	sub.Close()
	deadline := time.Now().Add(time.Second)
	for tr.Subscribers("votes") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, tr.Subscribers("votes"))
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter("battle_id=eq.abc")
	require.NoError(t, err)
	assert.True(t, f.matches(Event{New: row(map[string]any{"battle_id": "abc"})}))
	assert.False(t, f.matches(Event{New: row(map[string]any{"battle_id": "xyz"})}))

	_, err = parseFilter("battle_id=gt.5")
	assert.Error(t, err)

	f, err = parseFilter("")
	require.NoError(t, err)
	assert.True(t, f.matches(Event{New: row(map[string]any{"anything": 1})}))
}

// refusingTransport refuses subscriptions until allow is called.
type refusingTransport struct {
	mu    sync.Mutex
	ok    bool
	inner *MemoryTransport
}

func (r *refusingTransport) allow() {
	r.mu.Lock()
	r.ok = true
	r.mu.Unlock()
}

func (r *refusingTransport) Subscribe(ctx context.Context, topic, filter string, et EventType) (Stream, error) {
	r.mu.Lock()
	if r.inner == nil {
		r.inner = NewMemoryTransport()
	}
	ok := r.ok
	r.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	return r.inner.Subscribe(ctx, topic, filter, et)
}
