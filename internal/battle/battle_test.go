package battle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/engine"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/feed"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/judge"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/ratelimit"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/store"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/tally"
)

func newTestBattle(t *testing.T, limits Limits) (*Battle, *store.SimSource, store.Battle) {
	t.Helper()

	bus := feed.NewMemoryTransport()
	src := store.NewSimSource(bus)
	rec := store.Battle{
		ID:           uuid.NewString(),
		Code:         "ABC123",
		Performer1ID: "p1",
		Performer2ID: "p2",
		RoundCount:   1,
		VotingStyle:  "overall",
	}
	require.NoError(t, src.CreateBattle(context.Background(), &rec))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(ctx, rec, Deps{
		Source:       src,
		Bus:          bus,
		Limiter:      ratelimit.New(zap.NewNop()),
		Judge:        judge.SimClient{},
		Limits:       limits,
		Log:          zap.NewNop(),
		CountdownSec: 1,
		TurnSec:      1,
		TickInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() { b.Inbox() <- Shutdown{} })
	return b, src, rec
}

// recvSnapshot receives one snapshot with a timeout so tests never hang.
func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{} // unreachable
	}
}

// waitPhase drains snapshots until the battle reaches phase.
func waitPhase(t *testing.T, ch <-chan Snapshot, phase engine.Phase, within time.Duration) Snapshot {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatalf("client outbox closed while waiting for phase %s", phase)
			}
			if snap.State.Phase == phase {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s", phase)
		}
	}
}

func send[T any](t *testing.T, inbox chan<- Msg, build func(chan T) Msg, within time.Duration) T {
	t.Helper()
	reply := make(chan T, 1)
	inbox <- build(reply)
	select {
	case v := <-reply:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for reply")
		var zero T
		return zero // unreachable
	}
}

func castVote(t *testing.T, b *Battle, voter, target string) error {
	t.Helper()
	return send(t, b.Inbox(), func(reply chan error) Msg {
		return CastVote{VoterID: voter, TargetID: target, Reply: reply}
	}, 2*time.Second)
}

func TestBattle_JoinReceivesCurrentSnapshot(t *testing.T) {
	b, _, _ := newTestBattle(t, DefaultLimits())

	out := make(chan Snapshot, 8)
	b.Inbox() <- Join{ClientID: "c1", Outbox: out}

	first := recvSnapshot(t, out, time.Second)
	assert.Equal(t, 0, first.Version)
	assert.Equal(t, engine.PhaseWaiting, first.State.Phase)
}

func TestBattle_LeaveClosesOutbox(t *testing.T) {
	b, _, _ := newTestBattle(t, DefaultLimits())

	out := make(chan Snapshot, 8)
	b.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, time.Second)

	b.Inbox() <- Leave{ClientID: "c1"}

	// A writer ranging over the outbox must terminate after leave.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("outbox still open after leave")
		}
	}
}

func TestBattle_RunsToResultsAndPersistsWinner(t *testing.T) {
	b, src, rec := newTestBattle(t, DefaultLimits())

	out := make(chan Snapshot, 256)
	b.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, time.Second)

	err := send(t, b.Inbox(), func(reply chan error) Msg { return Start{Reply: reply} }, 2*time.Second)
	require.NoError(t, err)

	waitPhase(t, out, engine.PhaseVoting, 5*time.Second)

	require.NoError(t, castVote(t, b, "spec1", "p1"))
	require.NoError(t, castVote(t, b, "spec2", "p1"))
	require.NoError(t, castVote(t, b, "spec3", "p2"))

	err = send(t, b.Inbox(), func(reply chan error) Msg { return ProceedVoting{Reply: reply} }, 2*time.Second)
	require.NoError(t, err)

	results := waitPhase(t, out, engine.PhaseResults, 2*time.Second)
	assert.Equal(t, "p1", results.State.Winner)
	assert.False(t, results.State.TieBreak)

	// The judge's scorecards arrive asynchronously after resolution.
	deadline := time.After(3 * time.Second)
	for {
		var snap Snapshot
		select {
		case snap = <-out:
		case <-deadline:
			t.Fatal("scorecards never arrived")
		}
		if len(snap.Scorecards) == 2 {
			break
		}
	}

	stored, err := src.Battle(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
	assert.Equal(t, "p1", stored.WinnerID)

	// One round row per round played, scored once the judge responds.
	require.Eventually(t, func() bool {
		rounds, err := src.RoundsForBattle(context.Background(), rec.ID)
		return err == nil && len(rounds) == 1 && rounds[0].Scored
	}, 3*time.Second, 50*time.Millisecond)
}

func TestBattle_VoteRejectedOutsideVoting(t *testing.T) {
	b, _, _ := newTestBattle(t, DefaultLimits())

	err := castVote(t, b, "spec1", "p1")
	require.ErrorIs(t, err, engine.ErrNotVoting)
}

func TestBattle_VoteRateLimited(t *testing.T) {
	limits := DefaultLimits()
	limits.Vote = ratelimit.Limit{MaxRequests: 2, Window: time.Minute, BlockFor: 30 * time.Second}
	b, _, _ := newTestBattle(t, limits)

	out := make(chan Snapshot, 256)
	b.Inbox() <- Join{ClientID: "c1", Outbox: out}
	err := send(t, b.Inbox(), func(reply chan error) Msg { return Start{Reply: reply} }, 2*time.Second)
	require.NoError(t, err)

	waitPhase(t, out, engine.PhaseVoting, 5*time.Second)

	require.NoError(t, castVote(t, b, "spec1", "p1"))
	require.ErrorIs(t, castVote(t, b, "spec1", "p2"), tally.ErrDuplicateVote)

	err = castVote(t, b, "spec1", "p2")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 30*time.Second, RetryAfterFrom(err))
	assert.False(t, ResetAtFrom(err).IsZero(), "denial carries the window reset time")
}

func TestBattle_ReplicatedVoteReachesTally(t *testing.T) {
	b, src, rec := newTestBattle(t, DefaultLimits())

	out := make(chan Snapshot, 256)
	b.Inbox() <- Join{ClientID: "c1", Outbox: out}
	err := send(t, b.Inbox(), func(reply chan error) Msg { return Start{Reply: reply} }, 2*time.Second)
	require.NoError(t, err)

	waitPhase(t, out, engine.PhaseVoting, 5*time.Second)

	// A vote cast on another instance lands in the store and replicates
	// through the change feed.
	require.NoError(t, src.InsertVote(context.Background(), &store.Vote{
		ID:          uuid.NewString(),
		BattleID:    rec.ID,
		VoterID:     "remote1",
		RoundNumber: 0,
		TargetID:    "p2",
	}))

	deadline := time.After(3 * time.Second)
	for {
		var snap Snapshot
		select {
		case snap = <-out:
		case <-deadline:
			t.Fatal("replicated vote never showed in a snapshot")
		}
		if snap.State.Votes["p2"] == 1 {
			return
		}
	}
}

func TestBattle_SlowClientDropped(t *testing.T) {
	b, _, _ := newTestBattle(t, DefaultLimits())

	out := make(chan Snapshot, 1) // too small to keep up
	b.Inbox() <- Join{ClientID: "c1", Outbox: out}

	err := send(t, b.Inbox(), func(reply chan error) Msg { return Start{Reply: reply} }, 2*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view := send(t, b.Inbox(), func(reply chan View) Msg { return GetState{Reply: reply} }, 2*time.Second)
		return view.NumClients == 0
	}, 3*time.Second, 50*time.Millisecond, "slow client should be dropped")
}

func TestBattle_ChatBroadcastAndLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.Chat = ratelimit.Limit{MaxRequests: 1, Window: time.Minute, BlockFor: time.Minute}
	b, _, _ := newTestBattle(t, limits)

	out := make(chan Snapshot, 8)
	b.Inbox() <- Join{ClientID: "c1", Outbox: out}
	_ = recvSnapshot(t, out, time.Second)

	err := send(t, b.Inbox(), func(reply chan error) Msg {
		return Chat{SenderID: "spec1", Text: "let's go", Reply: reply}
	}, 2*time.Second)
	require.NoError(t, err)

	snap := recvSnapshot(t, out, time.Second)
	require.NotNil(t, snap.Chat)
	assert.Equal(t, "spec1", snap.Chat.SenderID)
	assert.Equal(t, "let's go", snap.Chat.Text)

	err = send(t, b.Inbox(), func(reply chan error) Msg {
		return Chat{SenderID: "spec1", Text: "again", Reply: reply}
	}, 2*time.Second)
	require.ErrorIs(t, err, ErrRateLimited)
}
