package types

// Client -> Server
// StartBattle: {}
//
// CastVote:
//   target_id: string // performer being voted for
//
// SkipTurn: {}
//
// Chat:
//   text: string
//
// ProceedVoting: {}
//
// Reconnect: {} // manual retry after a terminal feed disconnect
//
// SetOnline:
//   online: boolean // relay browser online/offline transitions

// Server -> Client
// StateSnapshot:
//   version: number
//   state:
//     battle_id: string
//     phase: "waiting" | "countdown" | "performer1_turn" | "performer2_turn" | "voting" | "results"
//     round: number
//     round_count: number
//     active_turn: "performer1" | "performer2" // during countdown and turns
//     countdown: number
//     turn_remaining: number
//     recording: boolean
//     voting_style: "overall" | "per_round"
//     votes: { [performerId]: number } // during voting and results
//     winner: string // results only
//     tie_break: boolean // results only
//   scorecards: Scorecard[] // once the judge responds
//   chat: { sender_id, text, sent_at } // piggybacked on the triggering snapshot
//
// Error:
//   error: string
//   retry_after_ms: number // present on rate limit denials
