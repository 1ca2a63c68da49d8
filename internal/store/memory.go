package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/feed"
)

// Topics the data sources publish row changes on.
const (
	TopicBattles = "battles"
	TopicRounds  = "rounds"
	TopicVotes   = "votes"
)

// SimSource is the in-memory data source for simulated mode. Every
// successful write is published on the change-feed bus so battle
// actors observe the same event flow as in live mode.
type SimSource struct {
	mu      sync.Mutex
	battles map[string]*Battle // by id
	byCode  map[string]string  // code -> id
	rounds  map[roundKey]*Round
	votes   map[voteKey]*Vote

	bus *feed.MemoryTransport
}

type roundKey struct {
	battleID string
	round    int
}

type voteKey struct {
	battleID string
	voterID  string
	round    int
}

func NewSimSource(bus *feed.MemoryTransport) *SimSource {
	return &SimSource{
		battles: make(map[string]*Battle),
		byCode:  make(map[string]string),
		rounds:  make(map[roundKey]*Round),
		votes:   make(map[voteKey]*Vote),
		bus:     bus,
	}
}

// Bus exposes the underlying transport for subscriptions.
func (s *SimSource) Bus() *feed.MemoryTransport { return s.bus }

func (s *SimSource) CreateBattle(ctx context.Context, b *Battle) error {
	s.mu.Lock()
	if b.Status == "" {
		b.Status = StatusWaiting
	}
	if b.CurrentRound == 0 {
		b.CurrentRound = 1
	}
	cp := *b
	s.battles[b.ID] = &cp
	s.byCode[b.Code] = b.ID
	s.mu.Unlock()

	publish(s.bus, TopicBattles, feed.EventInsert, nil, &cp)
	return nil
}

func (s *SimSource) BattleByCode(ctx context.Context, code string) (*Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.battles[id]
	return &cp, nil
}

func (s *SimSource) Battle(ctx context.Context, id string) (*Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *SimSource) UpdateBattleStatus(ctx context.Context, id string, status BattleStatus, winnerID string) error {
	s.mu.Lock()
	b, ok := s.battles[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if status.Before(b.Status) || status == b.Status {
		s.mu.Unlock()
		return ErrStaleStatus
	}
	old := *b
	b.Status = status
	if status == StatusCompleted {
		b.WinnerID = winnerID
	}
	cp := *b
	s.mu.Unlock()

	publish(s.bus, TopicBattles, feed.EventUpdate, &old, &cp)
	return nil
}

func (s *SimSource) AdvanceRound(ctx context.Context, id string, round int) error {
	s.mu.Lock()
	b, ok := s.battles[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if round <= b.CurrentRound {
		s.mu.Unlock()
		return ErrStaleStatus
	}
	old := *b
	b.CurrentRound = round
	cp := *b
	s.mu.Unlock()

	publish(s.bus, TopicBattles, feed.EventUpdate, &old, &cp)
	return nil
}

func (s *SimSource) InsertRound(ctx context.Context, r *Round) error {
	key := roundKey{battleID: r.BattleID, round: r.RoundNumber}

	s.mu.Lock()
	if _, exists := s.rounds[key]; exists {
		s.mu.Unlock()
		return ErrDuplicateRound
	}
	cp := *r
	s.rounds[key] = &cp
	s.mu.Unlock()

	publish(s.bus, TopicRounds, feed.EventInsert, nil, &cp)
	return nil
}

func (s *SimSource) ScoreRound(ctx context.Context, battleID string, round, p1Score, p2Score int) error {
	key := roundKey{battleID: battleID, round: round}

	s.mu.Lock()
	r, ok := s.rounds[key]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if r.Scored {
		s.mu.Unlock()
		return ErrAlreadyScored
	}
	old := *r
	r.Performer1Score = p1Score
	r.Performer2Score = p2Score
	r.Scored = true
	cp := *r
	s.mu.Unlock()

	publish(s.bus, TopicRounds, feed.EventUpdate, &old, &cp)
	return nil
}

func (s *SimSource) RoundsForBattle(ctx context.Context, battleID string) ([]Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Round
	for _, r := range s.rounds {
		if r.BattleID == battleID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundNumber < out[j].RoundNumber })
	return out, nil
}

func (s *SimSource) InsertVote(ctx context.Context, v *Vote) error {
	key := voteKey{battleID: v.BattleID, voterID: v.VoterID, round: v.RoundNumber}

	s.mu.Lock()
	if _, exists := s.votes[key]; exists {
		s.mu.Unlock()
		return ErrDuplicateVote
	}
	cp := *v
	s.votes[key] = &cp
	s.mu.Unlock()

	publish(s.bus, TopicVotes, feed.EventInsert, nil, &cp)
	return nil
}

func (s *SimSource) VotesForBattle(ctx context.Context, battleID string) ([]Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Vote
	for _, v := range s.votes {
		if v.BattleID == battleID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (s *SimSource) Close() error { return nil }

// publish marshals the rows and fans the change out. Marshal failures
// cannot happen for these models, so the events are dropped silently
// if they ever do.
func publish(bus *feed.MemoryTransport, topic string, typ feed.EventType, old, new any) {
	if bus == nil {
		return
	}
	ev := feed.Event{Type: typ}
	if old != nil {
		if raw, err := json.Marshal(old); err == nil {
			ev.Old = raw
		}
	}
	if new != nil {
		if raw, err := json.Marshal(new); err == nil {
			ev.New = raw
		}
	}
	bus.Publish(topic, ev)
}
