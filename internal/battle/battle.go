// Package battle runs one live battle per goroutine. Each Battle owns
// its engine outright; everything else talks to it through typed
// messages on the inbox, so the engine never needs a lock.
package battle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/engine"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/feed"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/judge"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/media"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/ratelimit"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/store"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/tally"
)

// ErrRateLimited wraps a denial from the vote or chat limiter. Use
// RetryAfterFrom to extract the client-facing wait.
var ErrRateLimited = errors.New("battle: rate limited")

type rateLimitError struct {
	retryAfter time.Duration
	resetAt    time.Time
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.retryAfter)
}

func (e *rateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfterFrom extracts the wait carried by an ErrRateLimited error,
// zero otherwise.
func RetryAfterFrom(err error) time.Duration {
	var rle *rateLimitError
	if errors.As(err, &rle) {
		return rle.retryAfter
	}
	return 0
}

// ResetAtFrom extracts the window reset time carried by an
// ErrRateLimited error, zero otherwise.
func ResetAtFrom(err error) time.Time {
	var rle *rateLimitError
	if errors.As(err, &rle) {
		return rle.resetAt
	}
	return time.Time{}
}

type Msg interface{ isBattleMsg() }

type Join struct {
	ClientID string
	Outbox   chan Snapshot
}

type Leave struct{ ClientID string }

type Start struct{ Reply chan error }

type SkipTurn struct {
	PerformerID string
	Reply       chan error
}

type CastVote struct {
	VoterID  string
	TargetID string
	Reply    chan error
}

type ProceedVoting struct{ Reply chan error }

type Chat struct {
	SenderID string
	Text     string
	Reply    chan error
}

type GetState struct{ Reply chan View }

// SetOnline relays a network availability transition to the vote feed.
type SetOnline struct{ Online bool }

// ReconnectFeed is the manual retry affordance once the feed reports a
// terminal disconnect.
type ReconnectFeed struct{}

type Shutdown struct{}

// scored carries the judge's verdict back onto the actor goroutine.
type scored struct{ cards []judge.Scorecard }

func (Join) isBattleMsg()          {}
func (Leave) isBattleMsg()         {}
func (Start) isBattleMsg()         {}
func (SkipTurn) isBattleMsg()      {}
func (CastVote) isBattleMsg()      {}
func (ProceedVoting) isBattleMsg() {}
func (Chat) isBattleMsg()          {}
func (GetState) isBattleMsg()      {}
func (SetOnline) isBattleMsg()     {}
func (ReconnectFeed) isBattleMsg() {}
func (Shutdown) isBattleMsg()      {}
func (scored) isBattleMsg()        {}

type ChatMessage struct {
	SenderID string    `json:"sender_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

type Snapshot struct {
	Version    int               `json:"version"`
	State      engine.State      `json:"state"`
	Scorecards []judge.Scorecard `json:"scorecards,omitempty"`
	Chat       *ChatMessage      `json:"chat,omitempty"`
}

type View struct {
	Version    int
	NumClients int
	State      engine.State
	FeedStatus string
}

// Limits configures the per-spectator limiters.
type Limits struct {
	Vote ratelimit.Limit
	Chat ratelimit.Limit
}

func DefaultLimits() Limits {
	return Limits{
		Vote: ratelimit.Limit{MaxRequests: 5, Window: 10 * time.Second, BlockFor: 5 * time.Second},
		Chat: ratelimit.Limit{MaxRequests: 10, Window: 10 * time.Second, BlockFor: 10 * time.Second},
	}
}

// Deps are the collaborators a battle needs; the hub injects one set
// shared by all battles.
type Deps struct {
	Source  store.DataSource
	Bus     feed.Transport
	Limiter *ratelimit.Limiter
	Judge   judge.Client
	Limits  Limits
	Log     *zap.Logger

	// Shared, when set, coordinates vote rate limiting across server
	// instances. Chat stays on the in-process limiter.
	Shared ratelimit.SharedCounter

	// CountdownSec and TurnSec override the engine defaults when
	// positive.
	CountdownSec int
	TurnSec      int

	// TickInterval defaults to one second; tests shrink it.
	TickInterval time.Duration

	// Recorder and Player default to the simulated collaborators.
	Recorder media.Recorder
	Player   media.Player
}

type Battle struct {
	inbox   chan Msg
	rec     store.Battle
	eng     *engine.Engine
	version int
	clients map[string]chan Snapshot
	cards   []judge.Scorecard

	joined    map[string]bool // performer ids seen on a connection
	lastRound int             // highest round with a persisted row

	deps     Deps
	voteGate *ratelimit.Distributed
	voteSub  *feed.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// New spawns the battle actor for a stored battle record.
func New(parent context.Context, rec store.Battle, deps Deps) *Battle {
	ctx, cancel := context.WithCancel(parent)

	if deps.Recorder == nil {
		deps.Recorder = media.NewSimRecorder()
	}
	if deps.Player == nil {
		deps.Player = media.NewSimPlayer()
	}
	if deps.TickInterval <= 0 {
		deps.TickInterval = time.Second
	}
	log := deps.Log.With(zap.String("battle_id", rec.ID), zap.String("code", rec.Code))

	eng := engine.New(engine.Config{
		BattleID:     rec.ID,
		Performer1ID: rec.Performer1ID,
		Performer2ID: rec.Performer2ID,
		RoundCount:   rec.RoundCount,
		CountdownSec: deps.CountdownSec,
		TurnSec:      deps.TurnSec,
		VotingStyle:  engine.VotingStyle(rec.VotingStyle),
		BeatRef:      rec.BeatRef,
	}, tally.New(), deps.Recorder, deps.Player, log)

	b := &Battle{
		inbox:    make(chan Msg, 64),
		rec:      rec,
		eng:      eng,
		clients:  make(map[string]chan Snapshot),
		joined:   make(map[string]bool),
		deps:     deps,
		voteGate: ratelimit.NewDistributed(deps.Shared, deps.Limiter, log),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Votes cast on other instances replicate through the change feed.
	b.voteSub = feed.Subscribe(ctx, deps.Bus, feed.Config{
		Name:      "votes:" + rec.Code,
		Topic:     store.TopicVotes,
		Filter:    "battle_id=eq." + rec.ID,
		EventType: feed.EventInsert,
	}, log)

	go b.loop(log)
	return b
}

func (b *Battle) Inbox() chan<- Msg { return b.inbox }

func (b *Battle) loop(log *zap.Logger) {
	ticker := time.NewTicker(b.deps.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			b.shutdown()
			return

		case <-ticker.C:
			b.tick(log)

		case ev := <-b.voteSub.Events():
			b.onVoteEvent(ev, log)

		case err := <-b.voteSub.Errors():
			log.Error("vote feed needs manual reconnect", zap.Error(err))

		case m := <-b.inbox:
			if b.handle(m, log) {
				b.shutdown()
				return
			}
		}
	}
}

// handle processes one message; it reports whether the actor should
// stop.
func (b *Battle) handle(m Msg, log *zap.Logger) bool {
	switch msg := m.(type) {
	case Join:
		b.clients[msg.ClientID] = msg.Outbox
		msg.Outbox <- Snapshot{Version: b.version, State: b.eng.Snapshot(), Scorecards: b.cards}
		b.markJoined(msg.ClientID, log)

	case Leave:
		if out, ok := b.clients[msg.ClientID]; ok {
			delete(b.clients, msg.ClientID)
			// The actor owns the outbox; closing it releases the
			// client's writer.
			close(out)
		}

	case Start:
		err := b.eng.Start()
		if err == nil {
			b.persistStatus(store.StatusInProgress, "", log)
			b.broadcast(nil)
		}
		msg.Reply <- err

	case SkipTurn:
		prev := b.eng.Phase()
		err := b.eng.Skip(msg.PerformerID)
		if err == nil {
			b.afterTransition(prev, log)
			b.broadcast(nil)
		}
		msg.Reply <- err

	case CastVote:
		msg.Reply <- b.castVote(msg.VoterID, msg.TargetID, log)

	case ProceedVoting:
		prev := b.eng.Phase()
		err := b.eng.ProceedFromVoting()
		if err == nil {
			b.afterTransition(prev, log)
			b.broadcast(nil)
		}
		msg.Reply <- err

	case Chat:
		msg.Reply <- b.chat(msg.SenderID, msg.Text)

	case GetState:
		msg.Reply <- View{
			Version:    b.version,
			NumClients: len(b.clients),
			State:      b.eng.Snapshot(),
			FeedStatus: string(b.voteSub.Status()),
		}

	case SetOnline:
		b.voteSub.SetOnline(msg.Online)

	case ReconnectFeed:
		b.voteSub.Reconnect()

	case scored:
		b.cards = msg.cards
		b.persistScores(msg.cards, log)
		b.broadcast(nil)

	case Shutdown:
		return true
	}
	return false
}

func (b *Battle) tick(log *zap.Logger) {
	phase := b.eng.Phase()
	if phase == engine.PhaseWaiting || phase == engine.PhaseVoting || phase == engine.PhaseResults {
		return
	}
	prev := phase
	if err := b.eng.Tick(); err != nil {
		log.Warn("tick side effect failed", zap.Error(err))
	}
	b.afterTransition(prev, log)
	b.broadcast(nil)
}

// afterTransition persists coarse lifecycle changes and kicks off
// judging once the battle resolves.
func (b *Battle) afterTransition(prev engine.Phase, log *zap.Logger) {
	cur := b.eng.Phase()
	if cur == prev {
		return
	}
	switch cur {
	case engine.PhasePerformer1Turn:
		b.ensureRound(log)
	case engine.PhaseVoting:
		b.persistStatus(store.StatusVoting, "", log)
	case engine.PhaseResults:
		winner, _ := b.eng.Winner()
		b.persistStatus(store.StatusCompleted, winner, log)
		b.requestScorecards(winner, log)
	}
}

// markJoined flips the battle to ready once both performers have
// connected at least once.
func (b *Battle) markJoined(clientID string, log *zap.Logger) {
	if clientID != b.rec.Performer1ID && clientID != b.rec.Performer2ID {
		return
	}
	b.joined[clientID] = true
	if b.joined[b.rec.Performer1ID] && b.joined[b.rec.Performer2ID] {
		b.persistStatus(store.StatusReady, "", log)
	}
}

// ensureRound persists the round row the moment its first turn begins
// and advances the battle's round index.
func (b *Battle) ensureRound(log *zap.Logger) {
	round := b.eng.Round()
	if round <= b.lastRound {
		return
	}
	b.lastRound = round

	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()

	err := b.deps.Source.InsertRound(ctx, &store.Round{
		ID:          uuid.NewString(),
		BattleID:    b.rec.ID,
		RoundNumber: round,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateRound) {
		log.Warn("round persist failed", zap.Int("round", round), zap.Error(err))
	}
	if round > 1 {
		err := b.deps.Source.AdvanceRound(ctx, b.rec.ID, round)
		if err != nil && !errors.Is(err, store.ErrStaleStatus) {
			log.Warn("round advance failed", zap.Int("round", round), zap.Error(err))
		}
	}
}

func (b *Battle) persistStatus(status store.BattleStatus, winnerID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	err := b.deps.Source.UpdateBattleStatus(ctx, b.rec.ID, status, winnerID)
	if err != nil && !errors.Is(err, store.ErrStaleStatus) {
		log.Warn("status persist failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (b *Battle) castVote(voterID, targetID string, log *zap.Logger) error {
	res := b.voteGate.Record(b.ctx, "vote:"+voterID, b.deps.Limits.Vote)
	if !res.Allowed {
		return &rateLimitError{retryAfter: res.RetryAfter, resetAt: res.ResetAt}
	}

	if err := b.eng.CastVote(voterID, targetID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	err := b.deps.Source.InsertVote(ctx, &store.Vote{
		ID:          uuid.NewString(),
		BattleID:    b.rec.ID,
		VoterID:     voterID,
		RoundNumber: b.eng.VoteRound(),
		TargetID:    targetID,
	})
	if errors.Is(err, store.ErrDuplicateVote) {
		// Another instance already has this voter's vote; the local
		// mark stands.
		return tally.ErrDuplicateVote
	}
	if err != nil {
		// Revert the local mark so the spectator may retry.
		b.eng.RevertVote(voterID)
		log.Warn("vote persist failed", zap.String("voter", voterID), zap.Error(err))
		return err
	}

	b.broadcast(nil)
	return nil
}

func (b *Battle) chat(senderID, text string) error {
	if text == "" {
		return errors.New("battle: empty chat message")
	}
	res := b.deps.Limiter.Record("chat:"+senderID, b.deps.Limits.Chat)
	if !res.Allowed {
		return &rateLimitError{retryAfter: res.RetryAfter, resetAt: res.ResetAt}
	}
	b.broadcast(&ChatMessage{SenderID: senderID, Text: text, SentAt: time.Now()})
	return nil
}

// onVoteEvent folds a replicated vote row into the tally. The local
// voter's own vote comes back around too; the duplicate is silent.
func (b *Battle) onVoteEvent(ev feed.Event, log *zap.Logger) {
	var row store.Vote
	if err := json.Unmarshal(ev.New, &row); err != nil {
		log.Warn("bad vote event payload", zap.Error(err))
		return
	}
	err := b.eng.RecordRemoteVote(row.RoundNumber, row.VoterID, row.TargetID)
	if errors.Is(err, tally.ErrDuplicateVote) {
		return
	}
	b.broadcast(nil)
}

func (b *Battle) requestScorecards(winnerID string, log *zap.Logger) {
	if b.deps.Judge == nil {
		return
	}
	snap := b.eng.Snapshot()
	req := judge.Request{
		BattleID:     b.rec.ID,
		Performer1ID: b.rec.Performer1ID,
		Performer2ID: b.rec.Performer2ID,
		WinnerID:     winnerID,
		Votes:        snap.Votes,
	}
	// Judged off-loop; verdicts re-enter through the inbox.
	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, 15*time.Second)
		defer cancel()
		cards, err := b.deps.Judge.Score(ctx, req)
		if err != nil {
			log.Warn("judge scoring failed", zap.Error(err))
			return
		}
		select {
		case b.inbox <- scored{cards: cards}:
		case <-b.ctx.Done():
		}
	}()
}

// persistScores writes the judge's totals onto every round that has
// not been scored yet. Scored rounds are immutable and stay as-is.
func (b *Battle) persistScores(cards []judge.Scorecard, log *zap.Logger) {
	totals := make(map[string]int, len(cards))
	for _, c := range cards {
		totals[c.PerformerID] = c.Lyricism + c.Flow + c.Delivery
	}

	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	for round := 1; round <= b.lastRound; round++ {
		err := b.deps.Source.ScoreRound(ctx, b.rec.ID, round,
			totals[b.rec.Performer1ID], totals[b.rec.Performer2ID])
		if err != nil && !errors.Is(err, store.ErrAlreadyScored) && !errors.Is(err, store.ErrNotFound) {
			log.Warn("round score persist failed", zap.Int("round", round), zap.Error(err))
		}
	}
}

func (b *Battle) broadcast(chat *ChatMessage) {
	b.version++
	snap := Snapshot{Version: b.version, State: b.eng.Snapshot(), Scorecards: b.cards, Chat: chat}
	for id, ch := range b.clients {
		select {
		case ch <- snap:
		default:
			// Slow client: drop it rather than stall the battle.
			close(ch)
			delete(b.clients, id)
		}
	}
}

func (b *Battle) shutdown() {
	b.voteSub.Close()
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.eng.Stop()
	b.cancel()
}
