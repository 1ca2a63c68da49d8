package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/battle"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/engine"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/judge"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/store"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/tally"
)

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type createBattleRequest struct {
	Performer1ID string `json:"performer1_id"`
	Performer2ID string `json:"performer2_id"`
	RoundCount   int    `json:"round_count"`
	VotingStyle  string `json:"voting_style"`
	BeatRef      string `json:"beat_ref"`
}

func (a *API) CreateBattle(w http.ResponseWriter, r *http.Request) {
	var req createBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Performer1ID == "" || req.Performer2ID == "" || req.Performer1ID == req.Performer2ID {
		http.Error(w, "two distinct performers required", http.StatusBadRequest)
		return
	}
	if req.VotingStyle == "" {
		req.VotingStyle = string(engine.VotingOverall)
	}
	if req.VotingStyle != string(engine.VotingOverall) && req.VotingStyle != string(engine.VotingPerRound) {
		http.Error(w, "unknown voting style", http.StatusBadRequest)
		return
	}

	var code string
	for {
		c, err := GenerateCode()
		if err != nil {
			http.Error(w, "failed to generate code", http.StatusInternalServerError)
			return
		}
		_, err = a.Source.BattleByCode(r.Context(), c)
		if errors.Is(err, store.ErrNotFound) {
			code = c
			break
		}
		if err != nil {
			// A store failure is not a collision; retrying would spin.
			a.Log.Error("code lookup failed", zap.Error(err))
			http.Error(w, "failed to create battle", http.StatusInternalServerError)
			return
		}
		a.Log.Debug("code collision, regenerating", zap.String("code", c))
	}

	rec := store.Battle{
		ID:           uuid.NewString(),
		Code:         code,
		Performer1ID: req.Performer1ID,
		Performer2ID: req.Performer2ID,
		RoundCount:   req.RoundCount,
		VotingStyle:  req.VotingStyle,
		BeatRef:      req.BeatRef,
	}
	if err := a.Source.CreateBattle(r.Context(), &rec); err != nil {
		a.Log.Error("create battle failed", zap.Error(err))
		http.Error(w, "failed to create battle", http.StatusInternalServerError)
		return
	}

	reply := make(chan *battle.Battle, 1)
	a.Hub.Inbox() <- battle.CreateBattle{Record: rec, Reply: reply}
	if <-reply == nil {
		http.Error(w, "failed to spawn battle", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		ID   string `json:"id"`
		Code string `json:"code"`
	}{ID: rec.ID, Code: code})
}

func (a *API) GetBattle(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rec, err := a.Source.BattleByCode(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "battle not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.Log.Error("get battle failed", zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) GetRounds(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rec, err := a.Source.BattleByCode(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "battle not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.Log.Error("get rounds failed", zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	rounds, err := a.Source.RoundsForBattle(r.Context(), rec.ID)
	if err != nil {
		a.Log.Error("get rounds failed", zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if rounds == nil {
		rounds = []store.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (a *API) StartBattle(w http.ResponseWriter, r *http.Request) {
	b, ok := a.battleByCode(w, r)
	if !ok {
		return
	}
	reply := make(chan error, 1)
	b.Inbox() <- battle.Start{Reply: reply}
	if err := a.await(reply); err != nil {
		if errors.Is(err, engine.ErrAlreadyStarted) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type castVoteRequest struct {
	VoterID  string `json:"voter_id"`
	TargetID string `json:"target_id"`
}

// CastVote is the HTTP fallback for clients without a live socket.
func (a *API) CastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.VoterID == "" || req.TargetID == "" {
		http.Error(w, "voter_id and target_id required", http.StatusBadRequest)
		return
	}

	b, ok := a.battleByCode(w, r)
	if !ok {
		return
	}

	reply := make(chan error, 1)
	b.Inbox() <- battle.CastVote{VoterID: req.VoterID, TargetID: req.TargetID, Reply: reply}
	err := a.await(reply)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, battle.ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(battle.RetryAfterFrom(err))))
		// Overwrite the middleware's reset with the vote limiter's own.
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(battle.ResetAtFrom(err).Unix(), 10))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	case errors.Is(err, tally.ErrDuplicateVote):
		http.Error(w, "already voted", http.StatusConflict)
	case errors.Is(err, engine.ErrNotVoting):
		http.Error(w, "not in voting phase", http.StatusConflict)
	case errors.Is(err, engine.ErrUnknownTarget):
		http.Error(w, "unknown target", http.StatusBadRequest)
	default:
		a.Log.Error("cast vote failed", zap.Error(err))
		http.Error(w, "vote failed", http.StatusInternalServerError)
	}
}

// JudgeBattle re-runs the scoring collaborator for a completed battle
// and returns the scorecards. Scoring is advisory; the persisted
// winner never changes.
func (a *API) JudgeBattle(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rec, err := a.Source.BattleByCode(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "battle not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.Log.Error("judge lookup failed", zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if rec.Status != store.StatusCompleted {
		http.Error(w, "battle not completed", http.StatusConflict)
		return
	}

	votes, err := a.Source.VotesForBattle(r.Context(), rec.ID)
	if err != nil {
		a.Log.Error("judge vote lookup failed", zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	counts := make(map[string]int)
	for _, v := range votes {
		counts[v.TargetID]++
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	cards, err := a.Judge.Score(ctx, judge.Request{
		BattleID:     rec.ID,
		Performer1ID: rec.Performer1ID,
		Performer2ID: rec.Performer2ID,
		WinnerID:     rec.WinnerID,
		Votes:        counts,
	})
	if err != nil {
		a.Log.Warn("judge scoring failed", zap.Error(err))
		http.Error(w, "judge unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *API) battleByCode(w http.ResponseWriter, r *http.Request) (*battle.Battle, bool) {
	code := chi.URLParam(r, "code")
	reply := make(chan *battle.Battle, 1)
	a.Hub.Inbox() <- battle.GetBattle{Code: code, Reply: reply}
	b := <-reply
	if b == nil {
		http.Error(w, "battle not found", http.StatusNotFound)
		return nil, false
	}
	return b, true
}

func (a *API) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-time.After(5 * time.Second):
		return errors.New("battle not responding")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
