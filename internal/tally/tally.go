// Package tally maintains authoritative vote counts per scope and
// resolves battle outcomes.
package tally

import (
	"errors"
	"math/rand"
	"sync"
)

// ErrDuplicateVote rejects a second vote from the same voter within
// one scope. Callers surface it as a no-op rejection, not a failure
// that aborts battle flow.
var ErrDuplicateVote = errors.New("tally: duplicate vote in scope")

// Scope is the granularity at which one-vote-per-spectator is
// enforced: the whole battle (Round zero) or a single round.
type Scope struct {
	BattleID string
	Round    int
}

// Overall is the whole-battle scope.
func Overall(battleID string) Scope { return Scope{BattleID: battleID} }

// PerRound scopes a vote to one round of a battle.
func PerRound(battleID string, round int) Scope { return Scope{BattleID: battleID, Round: round} }

// Counts aggregates votes within one scope.
type Counts struct {
	PerTarget map[string]int
	Total     int
}

// Outcome is the result of winner resolution.
type Outcome struct {
	Winner string
	Tie    bool
}

// Tally derives counts by aggregation over received vote events:
// local increments in simulated mode, replicated events through the
// channel manager when live.
type Tally struct {
	mu    sync.Mutex
	votes map[Scope]map[string]string // scope -> voter -> target
}

func New() *Tally {
	return &Tally{votes: make(map[Scope]map[string]string)}
}

// RecordVote registers one vote. It fails with ErrDuplicateVote when
// the voter already voted in this scope.
func (t *Tally) RecordVote(scope Scope, voterID, targetID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	byVoter := t.votes[scope]
	if byVoter == nil {
		byVoter = make(map[string]string)
		t.votes[scope] = byVoter
	}
	if _, exists := byVoter[voterID]; exists {
		return ErrDuplicateVote
	}
	byVoter[voterID] = targetID
	return nil
}

// Forget removes a voter's vote from a scope. Used to revert the local
// mark when persisting the vote fails, so the spectator may retry.
func (t *Tally) Forget(scope Scope, voterID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if byVoter := t.votes[scope]; byVoter != nil {
		delete(byVoter, voterID)
	}
}

// HasVoted answers whether the voter already has a recorded vote in
// the scope.
func (t *Tally) HasVoted(scope Scope, voterID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.votes[scope][voterID]
	return ok
}

// Counts returns per-target counts plus the total for one scope.
func (t *Tally) Counts(scope Scope) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countsLocked(scope)
}

func (t *Tally) countsLocked(scope Scope) Counts {
	c := Counts{PerTarget: make(map[string]int)}
	for _, target := range t.votes[scope] {
		c.PerTarget[target]++
		c.Total++
	}
	return c
}

// CountsAcross sums counts over several scopes, for resolving a
// per-round battle's final outcome.
func (t *Tally) CountsAcross(scopes []Scope) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum := Counts{PerTarget: make(map[string]int)}
	for _, scope := range scopes {
		c := t.countsLocked(scope)
		for target, n := range c.PerTarget {
			sum.PerTarget[target] += n
		}
		sum.Total += c.Total
	}
	return sum
}

// ResolveWinner picks the target with strictly more votes. An exact
// tie is broken by uniform random choice between the tied leaders.
func ResolveWinner(c Counts, candidates []string, rng *rand.Rand) Outcome {
	best := -1
	var leaders []string
	for _, cand := range candidates {
		n := c.PerTarget[cand]
		switch {
		case n > best:
			best = n
			leaders = []string{cand}
		case n == best:
			leaders = append(leaders, cand)
		}
	}
	if len(leaders) == 0 {
		return Outcome{}
	}
	if len(leaders) == 1 {
		return Outcome{Winner: leaders[0]}
	}
	var idx int
	if rng != nil {
		idx = rng.Intn(len(leaders))
	} else {
		idx = rand.Intn(len(leaders))
	}
	return Outcome{Winner: leaders[idx], Tie: true}
}
