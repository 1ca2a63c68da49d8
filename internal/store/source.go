// Package store is the persistence boundary. A DataSource is either
// simulated (in-memory, feeding the in-process change feed) or live
// (Postgres through GORM); callers cannot tell them apart.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrDuplicateVote  = errors.New("store: voter already voted in this scope")
	ErrDuplicateRound = errors.New("store: round already exists")
	ErrStaleStatus    = errors.New("store: status update would move battle backwards")
	ErrAlreadyScored  = errors.New("store: round already scored")
)

type DataSource interface {
	CreateBattle(ctx context.Context, b *Battle) error
	BattleByCode(ctx context.Context, code string) (*Battle, error)
	Battle(ctx context.Context, id string) (*Battle, error)

	// UpdateBattleStatus advances the battle lifecycle. Regressions
	// fail with ErrStaleStatus. winnerID is recorded only with
	// StatusCompleted.
	UpdateBattleStatus(ctx context.Context, id string, status BattleStatus, winnerID string) error

	// AdvanceRound bumps the battle's current round index. Only
	// forward moves are accepted.
	AdvanceRound(ctx context.Context, id string, round int) error

	// InsertRound records that a round began. A second insert for the
	// same (battle, round number) fails with ErrDuplicateRound.
	InsertRound(ctx context.Context, r *Round) error

	// ScoreRound sets a round's scores exactly once; a scored round is
	// immutable and further attempts fail with ErrAlreadyScored.
	ScoreRound(ctx context.Context, battleID string, round, p1Score, p2Score int) error
	RoundsForBattle(ctx context.Context, battleID string) ([]Round, error)

	// InsertVote persists one vote. A second vote by the same voter in
	// the same (battle, round) scope fails with ErrDuplicateVote.
	InsertVote(ctx context.Context, v *Vote) error
	VotesForBattle(ctx context.Context, battleID string) ([]Vote, error)

	Close() error
}
