package types

import (
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/battle"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/engine"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/judge"
)

type ClientMessage struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Online   *bool  `json:"online,omitempty"`
}

type ServerMessage struct {
	Type         string              `json:"type"` // "StateSnapshot" | "Error" | "Ack"
	Version      int                 `json:"version,omitempty"`
	State        *engine.State       `json:"state,omitempty"`
	Scorecards   []judge.Scorecard   `json:"scorecards,omitempty"`
	Chat         *battle.ChatMessage `json:"chat,omitempty"`
	Error        string              `json:"error,omitempty"`
	RetryAfterMS int64               `json:"retry_after_ms,omitempty"`
}
