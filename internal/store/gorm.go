package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/feed"
)

// LiveSource persists to Postgres. Writes are mirrored onto the
// change-feed bus after they commit, so subscriptions in this process
// see the same events a replication feed would deliver.
type LiveSource struct {
	db  *gorm.DB
	bus *feed.MemoryTransport
	log *zap.Logger
}

// OpenLive connects, migrates the schema and returns the source.
func OpenLive(dsn string, bus *feed.MemoryTransport, log *zap.Logger) (*LiveSource, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&Battle{}, &Round{}, &Vote{}, &RateCounter{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &LiveSource{db: db, bus: bus, log: log}, nil
}

func (s *LiveSource) Bus() *feed.MemoryTransport { return s.bus }

func (s *LiveSource) CreateBattle(ctx context.Context, b *Battle) error {
	if b.Status == "" {
		b.Status = StatusWaiting
	}
	if b.CurrentRound == 0 {
		b.CurrentRound = 1
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("create battle: %w", err)
	}
	publish(s.bus, TopicBattles, feed.EventInsert, nil, b)
	return nil
}

func (s *LiveSource) BattleByCode(ctx context.Context, code string) (*Battle, error) {
	var b Battle
	err := s.db.WithContext(ctx).First(&b, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("battle by code: %w", err)
	}
	return &b, nil
}

func (s *LiveSource) Battle(ctx context.Context, id string) (*Battle, error) {
	var b Battle
	err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("battle: %w", err)
	}
	return &b, nil
}

func (s *LiveSource) UpdateBattleStatus(ctx context.Context, id string, status BattleStatus, winnerID string) error {
	var old, updated Battle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&old, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if status.Before(old.Status) || status == old.Status {
			return ErrStaleStatus
		}
		fields := map[string]any{"status": status}
		if status == StatusCompleted {
			fields["winner_id"] = winnerID
		}
		if err := tx.Model(&Battle{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return err
		}
		updated = old
		updated.Status = status
		if status == StatusCompleted {
			updated.WinnerID = winnerID
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleStatus) {
			return err
		}
		return fmt.Errorf("update battle status: %w", err)
	}
	publish(s.bus, TopicBattles, feed.EventUpdate, &old, &updated)
	return nil
}

func (s *LiveSource) AdvanceRound(ctx context.Context, id string, round int) error {
	var old, updated Battle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&old, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if round <= old.CurrentRound {
			return ErrStaleStatus
		}
		if err := tx.Model(&Battle{}).Where("id = ?", id).Update("current_round", round).Error; err != nil {
			return err
		}
		updated = old
		updated.CurrentRound = round
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleStatus) {
			return err
		}
		return fmt.Errorf("advance round: %w", err)
	}
	publish(s.bus, TopicBattles, feed.EventUpdate, &old, &updated)
	return nil
}

func (s *LiveSource) InsertRound(ctx context.Context, r *Round) error {
	err := s.db.WithContext(ctx).Create(r).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateRound
	}
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	publish(s.bus, TopicRounds, feed.EventInsert, nil, r)
	return nil
}

func (s *LiveSource) ScoreRound(ctx context.Context, battleID string, round, p1Score, p2Score int) error {
	var old, updated Round
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&old, "battle_id = ? AND round_number = ?", battleID, round).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if old.Scored {
			return ErrAlreadyScored
		}
		fields := map[string]any{
			"performer1_score": p1Score,
			"performer2_score": p2Score,
			"scored":           true,
		}
		if err := tx.Model(&Round{}).Where("id = ?", old.ID).Updates(fields).Error; err != nil {
			return err
		}
		updated = old
		updated.Performer1Score = p1Score
		updated.Performer2Score = p2Score
		updated.Scored = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyScored) {
			return err
		}
		return fmt.Errorf("score round: %w", err)
	}
	publish(s.bus, TopicRounds, feed.EventUpdate, &old, &updated)
	return nil
}

func (s *LiveSource) RoundsForBattle(ctx context.Context, battleID string) ([]Round, error) {
	var out []Round
	err := s.db.WithContext(ctx).
		Where("battle_id = ?", battleID).
		Order("round_number").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("rounds for battle: %w", err)
	}
	return out, nil
}

func (s *LiveSource) InsertVote(ctx context.Context, v *Vote) error {
	err := s.db.WithContext(ctx).Create(v).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateVote
	}
	if err != nil {
		return fmt.Errorf("insert vote: %w", err)
	}
	publish(s.bus, TopicVotes, feed.EventInsert, nil, v)
	return nil
}

func (s *LiveSource) VotesForBattle(ctx context.Context, battleID string) ([]Vote, error) {
	var out []Vote
	if err := s.db.WithContext(ctx).Where("battle_id = ?", battleID).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("votes for battle: %w", err)
	}
	return out, nil
}

func (s *LiveSource) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Incr bumps the shared fixed-window counter for key and returns the
// count after the bump plus the window's remaining lifetime. It
// implements ratelimit.SharedCounter.
func (s *LiveSource) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	start := time.Now().Truncate(window)
	row := RateCounter{Key: key, WindowStart: start, Count: 1, ExpiresAt: start.Add(window)}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("rate_counters.count + 1")}),
	}).Create(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("incr rate counter: %w", err)
	}

	// The upsert does not report the post-increment count; read it back.
	if err := s.db.WithContext(ctx).First(&row, "key = ? AND window_start = ?", key, start).Error; err != nil {
		return 0, 0, fmt.Errorf("read rate counter: %w", err)
	}
	return row.Count, time.Until(row.ExpiresAt), nil
}

// SweepCounters deletes expired rate counter buckets. Run it
// periodically from the server loop.
func (s *LiveSource) SweepCounters(ctx context.Context) error {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&RateCounter{})
	if res.Error != nil {
		return fmt.Errorf("sweep rate counters: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Debug("swept expired rate counters", zap.Int64("rows", res.RowsAffected))
	}
	return nil
}
