package store

import (
	"time"
)

// BattleStatus mirrors the engine's phase at persistence granularity.
// The DB only needs the coarse lifecycle, not every countdown.
type BattleStatus string

const (
	StatusWaiting    BattleStatus = "waiting"
	StatusReady      BattleStatus = "ready"
	StatusInProgress BattleStatus = "in_progress"
	StatusVoting     BattleStatus = "voting"
	StatusCompleted  BattleStatus = "completed"
)

// rank orders statuses so replicated updates can never move a battle
// backwards.
func (s BattleStatus) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusReady:
		return 1
	case StatusInProgress:
		return 2
	case StatusVoting:
		return 3
	case StatusCompleted:
		return 4
	default:
		return -1
	}
}

// Before reports whether s precedes other in the battle lifecycle.
func (s BattleStatus) Before(other BattleStatus) bool {
	return s.rank() < other.rank()
}

type Battle struct {
	ID           string       `gorm:"primaryKey;type:uuid" json:"id"`
	Code         string       `gorm:"uniqueIndex;size:6" json:"code"`
	Performer1ID string       `json:"performer1_id"`
	Performer2ID string       `json:"performer2_id"`
	Status       BattleStatus `gorm:"index;default:waiting" json:"status"`
	RoundCount   int          `json:"round_count"`
	CurrentRound int          `json:"current_round"`
	VotingStyle  string       `json:"voting_style"`
	BeatRef      string       `json:"beat_ref"`
	WinnerID     string       `json:"winner_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Round rows are created when a round's first turn begins, one per
// (battle, round number). Scores are optional and immutable once set.
type Round struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	BattleID        string    `gorm:"uniqueIndex:idx_rounds_battle_number;type:uuid" json:"battle_id"`
	RoundNumber     int       `gorm:"uniqueIndex:idx_rounds_battle_number" json:"round_number"`
	Performer1Verse string    `json:"performer1_verse,omitempty"`
	Performer2Verse string    `json:"performer2_verse,omitempty"`
	Performer1Score int       `json:"performer1_score"`
	Performer2Score int       `json:"performer2_score"`
	Scored          bool      `json:"scored"`
	CreatedAt       time.Time `json:"created_at"`
}

// Vote rows carry the uniqueness constraint that backs the
// one-vote-per-spectator rule: the composite index makes a duplicate
// insert fail even when two instances race.
type Vote struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	BattleID    string    `gorm:"uniqueIndex:idx_votes_voter_scope;type:uuid" json:"battle_id"`
	VoterID     string    `gorm:"uniqueIndex:idx_votes_voter_scope" json:"voter_id"`
	RoundNumber int       `gorm:"uniqueIndex:idx_votes_voter_scope" json:"round_number"`
	TargetID    string    `json:"target_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// RateCounter is one fixed window bucket of the shared rate counter.
type RateCounter struct {
	Key         string    `gorm:"primaryKey;size:128"`
	WindowStart time.Time `gorm:"primaryKey"`
	Count       int64
	ExpiresAt   time.Time `gorm:"index"`
}
