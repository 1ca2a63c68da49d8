package engine

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/media"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/tally"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *media.SimRecorder, *media.SimPlayer) {
	t.Helper()
	if cfg.BattleID == "" {
		cfg.BattleID = "b1"
	}
	if cfg.Performer1ID == "" {
		cfg.Performer1ID = "p1"
	}
	if cfg.Performer2ID == "" {
		cfg.Performer2ID = "p2"
	}
	rec := media.NewSimRecorder()
	play := media.NewSimPlayer()
	e := New(cfg, tally.New(), rec, play, zap.NewNop(), WithRand(rand.New(rand.NewSource(1))))
	return e, rec, play
}

func tick(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := e.Tick(); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}
}

func TestStart_EntersCountdown(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{CountdownSec: 3})
	require.NoError(t, e.Start())
	assert.Equal(t, PhaseCountdown, e.Phase())
	assert.Equal(t, 1, e.Round())
	require.ErrorIs(t, e.Start(), ErrAlreadyStarted)
}

func TestCountdown_ThreeTicksStartsTurnWithFullTimer(t *testing.T) {
	e, _, play := newTestEngine(t, Config{CountdownSec: 3})
	require.NoError(t, e.Start())

	tick(t, e, 2)
	assert.Equal(t, PhaseCountdown, e.Phase())

	tick(t, e, 1)
	snap := e.Snapshot()
	assert.Equal(t, PhasePerformer1Turn, snap.Phase)
	assert.Equal(t, 60, snap.TurnRemaining, "turn timer equals default round duration")
	assert.True(t, play.Playing(), "beat playback starts with the turn")
}

func TestTurnTimerExpiry_HandsOverToPerformer2(t *testing.T) {
	e, _, play := newTestEngine(t, Config{CountdownSec: 1, TurnSec: 2})
	require.NoError(t, e.Start())

	tick(t, e, 1) // countdown done -> performer1_turn
	tick(t, e, 2) // turn timer runs out -> endTurn
	assert.Equal(t, PhaseCountdown, e.Phase())
	assert.Equal(t, TurnPerformer2, e.ActiveTurn())
	assert.False(t, play.Playing(), "playback stops between turns")
}

// walk drives one battle to results, recording the phase at every step
// and verifying only legal edges occur.
func walkToResults(t *testing.T, e *Engine, votes func(round int)) []Phase {
	t.Helper()
	require.NoError(t, e.Start())

	phases := []Phase{PhaseWaiting, e.Phase()}
	for steps := 0; e.Phase() != PhaseResults; steps++ {
		require.Less(t, steps, 10_000, "engine must terminate")
		if e.Phase() == PhaseVoting {
			votes(e.Round())
			require.NoError(t, e.ProceedFromVoting())
		} else {
			require.NoError(t, e.Tick())
		}
		if p := e.Phase(); p != phases[len(phases)-1] {
			phases = append(phases, p)
		}
	}
	return phases
}

var legalEdges = map[Phase][]Phase{
	PhaseWaiting:        {PhaseCountdown},
	PhaseCountdown:      {PhasePerformer1Turn, PhasePerformer2Turn},
	PhasePerformer1Turn: {PhaseCountdown},
	PhasePerformer2Turn: {PhaseVoting, PhaseCountdown, PhaseResults},
	PhaseVoting:         {PhaseCountdown, PhaseResults},
}

func assertLegalPath(t *testing.T, phases []Phase) {
	t.Helper()
	for i := 1; i < len(phases); i++ {
		assert.Contains(t, legalEdges[phases[i-1]], phases[i],
			"illegal transition %s -> %s", phases[i-1], phases[i])
	}
	assert.Equal(t, PhaseResults, phases[len(phases)-1])
}

func TestPhaseGraph_OverallStyle(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{CountdownSec: 1, TurnSec: 1, RoundCount: 2, VotingStyle: VotingOverall})

	votingSeen := 0
	phases := walkToResults(t, e, func(round int) {
		votingSeen++
		assert.Equal(t, 2, round, "overall style votes once, after the final round")
	})
	assertLegalPath(t, phases)
	assert.Equal(t, 1, votingSeen)
}

func TestPhaseGraph_PerRoundStyle(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{CountdownSec: 1, TurnSec: 1, RoundCount: 3, VotingStyle: VotingPerRound})

	var votedRounds []int
	phases := walkToResults(t, e, func(round int) {
		votedRounds = append(votedRounds, round)
	})
	assertLegalPath(t, phases)
	assert.Equal(t, []int{1, 2, 3}, votedRounds, "per_round style votes after every round")
}

func TestSkip_OnlyActivePerformer(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{CountdownSec: 1, TurnSec: 30})
	require.NoError(t, e.Start())

	require.ErrorIs(t, e.Skip("p1"), ErrNotInTurn, "cannot skip during countdown")

	tick(t, e, 1)
	require.Equal(t, PhasePerformer1Turn, e.Phase())
	require.ErrorIs(t, e.Skip("p2"), ErrWrongPerformer)

	require.NoError(t, e.Skip("p1"))
	assert.Equal(t, PhaseCountdown, e.Phase())
	assert.Equal(t, TurnPerformer2, e.ActiveTurn())
}

func TestCastVote_OnlyDuringVotingAndOncePerScope(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{CountdownSec: 1, TurnSec: 1, RoundCount: 1})
	require.NoError(t, e.Start())

	require.ErrorIs(t, e.CastVote("spec1", "p1"), ErrNotVoting)

	tick(t, e, 4) // countdown, p1 turn, countdown, p2 turn -> voting
	require.Equal(t, PhaseVoting, e.Phase())

	require.ErrorIs(t, e.CastVote("spec1", "nobody"), ErrUnknownTarget)
	require.NoError(t, e.CastVote("spec1", "p1"))
	require.ErrorIs(t, e.CastVote("spec1", "p2"), tally.ErrDuplicateVote)

	// A failed persistence attempt reverts the mark so the voter can retry.
	e.RevertVote("spec1")
	require.NoError(t, e.CastVote("spec1", "p2"))
}

func TestOverallTwoRounds_TieResolvesRandomly(t *testing.T) {
	winners := map[string]int{}
	for trial := 0; trial < 200; trial++ {
		e, _, _ := newTestEngine(t, Config{CountdownSec: 1, TurnSec: 1, RoundCount: 2, VotingStyle: VotingOverall})
		e.rng = rand.New(rand.NewSource(int64(trial)))
		require.NoError(t, e.Start())

		for e.Phase() != PhaseVoting {
			require.NoError(t, e.Tick())
		}
		require.Equal(t, 2, e.Round(), "voting starts after performer 2's turn in round 2")

		require.NoError(t, e.CastVote("spec1", "p1"))
		require.NoError(t, e.CastVote("spec2", "p2"))
		require.NoError(t, e.ProceedFromVoting())

		winner, ok := e.Winner()
		require.True(t, ok)
		snap := e.Snapshot()
		assert.True(t, snap.TieBreak)
		winners[winner]++
	}

	assert.Greater(t, winners["p1"], 40, "tie-break must not be one-sided")
	assert.Greater(t, winners["p2"], 40, "tie-break must not be one-sided")
}

func TestRecorderFailure_DoesNotBlockTransition(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{CountdownSec: 1, TurnSec: 5, LocalPerformerID: "p1"})
	rec.SetAvailable(false)
	require.NoError(t, e.Start())

	err := e.Tick() // countdown hits zero, turn begins, acquisition fails
	require.ErrorIs(t, err, media.ErrDeviceUnavailable)
	assert.Equal(t, PhasePerformer1Turn, e.Phase(), "phase transition stands despite device failure")
	assert.False(t, e.Snapshot().Recording)
}

func TestRecording_OnlyForLocalPerformer(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{CountdownSec: 1, TurnSec: 1, RoundCount: 1, LocalPerformerID: "p2"})
	require.NoError(t, e.Start())

	tick(t, e, 1) // performer 1's turn: not local, no capture
	assert.Equal(t, 0, rec.Acquired())

	tick(t, e, 2) // p1 expires, countdown, p2 turn begins: local performer records
	require.Equal(t, PhasePerformer2Turn, e.Phase())
	assert.Equal(t, 1, rec.Acquired())
	assert.True(t, e.Snapshot().Recording)

	tick(t, e, 1) // p2 expires -> voting; capture released
	assert.Equal(t, 1, rec.Released())
}

func TestRemoteVotes_FoldIntoFinalCounts(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{CountdownSec: 1, TurnSec: 1, RoundCount: 1, VotingStyle: VotingOverall})
	require.NoError(t, e.Start())

	require.NoError(t, e.RecordRemoteVote(0, "remote1", "p1"))
	require.NoError(t, e.RecordRemoteVote(0, "remote2", "p1"))
	require.ErrorIs(t, e.RecordRemoteVote(0, "remote1", "p2"), tally.ErrDuplicateVote)

	for e.Phase() != PhaseVoting {
		require.NoError(t, e.Tick())
	}
	require.NoError(t, e.ProceedFromVoting())

	winner, ok := e.Winner()
	require.True(t, ok)
	assert.Equal(t, "p1", winner)
	assert.False(t, e.Snapshot().TieBreak)
}
