// Package engine implements the timer-driven battle phase state
// machine. It owns phase transitions only; networking, persistence and
// fan-out live in the battle actor that drives it. The engine is not
// safe for concurrent use: exactly one goroutine ticks it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/media"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/tally"
)

var ErrAlreadyStarted = errors.New("battle already started")
var ErrNotInTurn = errors.New("no active turn")
var ErrWrongPerformer = errors.New("not this performer's turn")
var ErrNotVoting = errors.New("not in voting phase")
var ErrUnknownTarget = errors.New("vote target is not a performer in this battle")

type Phase string

const (
	PhaseWaiting        Phase = "waiting"
	PhaseCountdown      Phase = "countdown"
	PhasePerformer1Turn Phase = "performer1_turn"
	PhasePerformer2Turn Phase = "performer2_turn"
	PhaseVoting         Phase = "voting"
	PhaseResults        Phase = "results"
)

type ActiveTurn string

const (
	TurnPerformer1 ActiveTurn = "performer1"
	TurnPerformer2 ActiveTurn = "performer2"
)

type VotingStyle string

const (
	VotingOverall  VotingStyle = "overall"
	VotingPerRound VotingStyle = "per_round"
)

const (
	DefaultCountdownSec = 3
	DefaultTurnSec      = 60
	DefaultRoundCount   = 2
)

type Config struct {
	BattleID         string
	Performer1ID     string
	Performer2ID     string
	RoundCount       int
	CountdownSec     int
	TurnSec          int
	VotingStyle      VotingStyle
	BeatRef          string
	LocalPerformerID string // empty: this instance never records
}

func (c *Config) applyDefaults() {
	if c.RoundCount <= 0 {
		c.RoundCount = DefaultRoundCount
	}
	if c.CountdownSec <= 0 {
		c.CountdownSec = DefaultCountdownSec
	}
	if c.TurnSec <= 0 {
		c.TurnSec = DefaultTurnSec
	}
	if c.VotingStyle == "" {
		c.VotingStyle = VotingOverall
	}
}

// State is the broadcastable snapshot of the phase machine.
type State struct {
	BattleID      string         `json:"battle_id"`
	Phase         Phase          `json:"phase"`
	Round         int            `json:"round"`
	RoundCount    int            `json:"round_count"`
	ActiveTurn    ActiveTurn     `json:"active_turn,omitempty"`
	Countdown     int            `json:"countdown"`
	TurnRemaining int            `json:"turn_remaining"`
	Recording     bool           `json:"recording"`
	VotingStyle   VotingStyle    `json:"voting_style"`
	Votes         map[string]int `json:"votes,omitempty"`
	Winner        string         `json:"winner,omitempty"`
	TieBreak      bool           `json:"tie_break,omitempty"`
}

type Engine struct {
	cfg Config

	phase         Phase
	round         int
	turn          ActiveTurn
	countdown     int
	turnRemaining int

	stream media.CaptureStream

	votes    *tally.Tally
	recorder media.Recorder
	player   media.Player
	rng      *rand.Rand
	log      *zap.Logger

	winner string
	tie    bool
}

type Option func(*Engine)

// WithRand injects a deterministic source for the tie-break.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

func New(cfg Config, votes *tally.Tally, recorder media.Recorder, player media.Player, log *zap.Logger, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:      cfg,
		phase:    PhaseWaiting,
		round:    1,
		turn:     TurnPerformer1,
		votes:    votes,
		recorder: recorder,
		player:   player,
		log:      log.With(zap.String("battle_id", cfg.BattleID)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config         { return e.cfg }
func (e *Engine) Phase() Phase           { return e.phase }
func (e *Engine) Round() int             { return e.round }
func (e *Engine) ActiveTurn() ActiveTurn { return e.turn }

// Start initializes round and turn counters and enters the countdown.
func (e *Engine) Start() error {
	if e.phase != PhaseWaiting {
		return ErrAlreadyStarted
	}
	e.round = 1
	e.turn = TurnPerformer1
	e.enterCountdown()
	return nil
}

// Tick advances the machine by one second. Side-effect failures
// (recorder, playback) are returned for reporting but never block the
// transition; the timer is the single source of truth.
func (e *Engine) Tick() error {
	switch e.phase {
	case PhaseCountdown:
		e.countdown--
		if e.countdown <= 0 {
			return e.beginTurn()
		}
	case PhasePerformer1Turn, PhasePerformer2Turn:
		e.turnRemaining--
		if e.turnRemaining <= 0 {
			return e.EndTurn()
		}
	}
	return nil
}

func (e *Engine) enterCountdown() {
	e.phase = PhaseCountdown
	e.countdown = e.cfg.CountdownSec
}

func (e *Engine) beginTurn() error {
	if e.turn == TurnPerformer1 {
		e.phase = PhasePerformer1Turn
	} else {
		e.phase = PhasePerformer2Turn
	}
	e.turnRemaining = e.cfg.TurnSec

	var errs error
	if err := e.player.Start(context.Background(), e.cfg.BeatRef); err != nil {
		e.log.Warn("beat playback failed", zap.Error(err))
		errs = errors.Join(errs, err)
	}
	if e.cfg.LocalPerformerID != "" && e.cfg.LocalPerformerID == e.activePerformerID() {
		stream, err := e.recorder.Acquire(context.Background())
		if err != nil {
			e.log.Warn("recorder acquisition failed, turn proceeds without capture",
				zap.String("performer", e.cfg.LocalPerformerID), zap.Error(err))
			errs = errors.Join(errs, fmt.Errorf("%w: %w", media.ErrDeviceUnavailable, err))
		} else {
			e.stream = stream
		}
	}
	return errs
}

// EndTurn stops recording and playback, then advances: performer 1
// hands over to performer 2; performer 2 closes the round, entering
// voting after the final round (or after every round in per_round
// style), otherwise the next round's countdown.
func (e *Engine) EndTurn() error {
	if e.phase != PhasePerformer1Turn && e.phase != PhasePerformer2Turn {
		return ErrNotInTurn
	}
	e.stopSideEffects()

	if e.turn == TurnPerformer1 {
		e.turn = TurnPerformer2
		e.enterCountdown()
		return nil
	}

	// Performer 2 just finished: the round is complete.
	final := e.round >= e.cfg.RoundCount
	switch {
	case e.winner != "":
		// Already resolved remotely; skip straight to results.
		e.phase = PhaseResults
	case final, e.cfg.VotingStyle == VotingPerRound:
		e.phase = PhaseVoting
	default:
		e.round++
		e.turn = TurnPerformer1
		e.enterCountdown()
	}
	return nil
}

// Skip ends the active turn early. Only the performer whose turn it is
// may skip.
func (e *Engine) Skip(performerID string) error {
	if e.phase != PhasePerformer1Turn && e.phase != PhasePerformer2Turn {
		return ErrNotInTurn
	}
	if performerID != e.activePerformerID() {
		return ErrWrongPerformer
	}
	return e.EndTurn()
}

// CastVote registers a spectator vote in the current scope. Valid only
// during voting; a duplicate in the same scope is rejected.
func (e *Engine) CastVote(voterID, targetID string) error {
	if e.phase != PhaseVoting {
		return ErrNotVoting
	}
	if targetID != e.cfg.Performer1ID && targetID != e.cfg.Performer2ID {
		return ErrUnknownTarget
	}
	return e.votes.RecordVote(e.currentScope(), voterID, targetID)
}

// RevertVote removes the voter's mark in the current scope so a failed
// persistence attempt can be retried.
func (e *Engine) RevertVote(voterID string) {
	e.votes.Forget(e.currentScope(), voterID)
}

// RecordRemoteVote folds a replicated vote event into the tally. Round
// zero means the overall scope. Duplicates are reported but harmless.
func (e *Engine) RecordRemoteVote(round int, voterID, targetID string) error {
	return e.votes.RecordVote(tally.Scope{BattleID: e.cfg.BattleID, Round: round}, voterID, targetID)
}

// ProceedFromVoting advances past a voting phase: the next round's
// countdown while rounds remain, outcome resolution otherwise.
func (e *Engine) ProceedFromVoting() error {
	if e.phase != PhaseVoting {
		return ErrNotVoting
	}
	if e.round < e.cfg.RoundCount {
		e.round++
		e.turn = TurnPerformer1
		e.enterCountdown()
		return nil
	}
	e.resolve()
	return nil
}

func (e *Engine) resolve() {
	counts := e.finalCounts()
	out := tally.ResolveWinner(counts, []string{e.cfg.Performer1ID, e.cfg.Performer2ID}, e.rng)
	e.winner = out.Winner
	e.tie = out.Tie
	e.phase = PhaseResults
	e.log.Info("battle resolved",
		zap.String("winner", e.winner),
		zap.Bool("tie_break", e.tie),
		zap.Int("total_votes", counts.Total))
}

func (e *Engine) finalCounts() tally.Counts {
	if e.cfg.VotingStyle == VotingOverall {
		return e.votes.Counts(tally.Overall(e.cfg.BattleID))
	}
	scopes := make([]tally.Scope, 0, e.cfg.RoundCount)
	for r := 1; r <= e.cfg.RoundCount; r++ {
		scopes = append(scopes, tally.PerRound(e.cfg.BattleID, r))
	}
	return e.votes.CountsAcross(scopes)
}

// Winner reports the resolved winner once the engine reaches results.
func (e *Engine) Winner() (string, bool) {
	if e.phase != PhaseResults {
		return "", false
	}
	return e.winner, true
}

// VoteRound is the round number votes are scoped to right now: zero
// for overall style, the current round for per_round.
func (e *Engine) VoteRound() int {
	if e.cfg.VotingStyle == VotingOverall {
		return 0
	}
	return e.round
}

func (e *Engine) currentScope() tally.Scope {
	return tally.Scope{BattleID: e.cfg.BattleID, Round: e.VoteRound()}
}

func (e *Engine) activePerformerID() string {
	if e.turn == TurnPerformer1 {
		return e.cfg.Performer1ID
	}
	return e.cfg.Performer2ID
}

func (e *Engine) stopSideEffects() {
	if e.stream != nil {
		e.recorder.Release(e.stream)
		e.stream = nil
	}
	e.player.Stop()
}

// Stop releases any live media resources; called on battle teardown.
func (e *Engine) Stop() {
	e.stopSideEffects()
}

// Snapshot renders the current state for broadcast.
func (e *Engine) Snapshot() State {
	s := State{
		BattleID:      e.cfg.BattleID,
		Phase:         e.phase,
		Round:         e.round,
		RoundCount:    e.cfg.RoundCount,
		Countdown:     e.countdown,
		TurnRemaining: e.turnRemaining,
		Recording:     e.stream != nil,
		VotingStyle:   e.cfg.VotingStyle,
	}
	if e.phase == PhaseCountdown || e.phase == PhasePerformer1Turn || e.phase == PhasePerformer2Turn {
		s.ActiveTurn = e.turn
	}
	switch e.phase {
	case PhaseVoting:
		s.Votes = e.votes.Counts(e.currentScope()).PerTarget
	case PhaseResults:
		s.Votes = e.finalCounts().PerTarget
		s.Winner = e.winner
		s.TieBreak = e.tie
	}
	return s
}
