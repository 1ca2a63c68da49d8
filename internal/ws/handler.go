package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/battle"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/types"
)

// Handler upgrades a client onto a battle's snapshot stream and relays
// its commands to the battle actor.
func Handler(h *battle.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = randID(8)
		}

		reply := make(chan *battle.Battle, 1)
		h.Inbox() <- battle.GetBattle{Code: code, Reply: reply}
		b := <-reply
		if b == nil {
			http.Error(w, "battle not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan battle.Snapshot, 16)
		b.Inbox() <- battle.Join{ClientID: clientID, Outbox: out}
		defer func() { b.Inbox() <- battle.Leave{ClientID: clientID} }()

		// Writer goroutine: snapshots out until the battle closes the
		// outbox or the connection dies.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for snap := range out {
				msg := types.ServerMessage{
					Type:       "StateSnapshot",
					Version:    snap.Version,
					State:      &snap.State,
					Scorecards: snap.Scorecards,
					Chat:       snap.Chat,
				}
				payload, _ := json.Marshal(msg)
				ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeError(r.Context(), conn, "bad json", 0)
				continue
			}

			if err := dispatch(b, clientID, cm); err != nil {
				if errors.Is(err, errUnknownType) {
					writeError(r.Context(), conn, "unknown type", 0)
					continue
				}
				retry := battle.RetryAfterFrom(err)
				log.Debug("command rejected",
					zap.String("client_id", clientID),
					zap.String("type", cm.Type),
					zap.Error(err))
				writeError(r.Context(), conn, err.Error(), retry)
			}
		}
	}
}

var errUnknownType = errors.New("ws: unknown message type")

// dispatch sends one client command to the battle and waits for its
// verdict. Replies are buffered so a dead client can never wedge the
// actor.
func dispatch(b *battle.Battle, clientID string, cm types.ClientMessage) error {
	reply := make(chan error, 1)
	switch cm.Type {
	case "StartBattle":
		b.Inbox() <- battle.Start{Reply: reply}
	case "CastVote":
		b.Inbox() <- battle.CastVote{VoterID: clientID, TargetID: cm.TargetID, Reply: reply}
	case "SkipTurn":
		b.Inbox() <- battle.SkipTurn{PerformerID: clientID, Reply: reply}
	case "Chat":
		b.Inbox() <- battle.Chat{SenderID: clientID, Text: cm.Text, Reply: reply}
	case "ProceedVoting":
		b.Inbox() <- battle.ProceedVoting{Reply: reply}
	case "Reconnect":
		b.Inbox() <- battle.ReconnectFeed{}
		return nil
	case "SetOnline":
		online := cm.Online == nil || *cm.Online
		b.Inbox() <- battle.SetOnline{Online: online}
		return nil
	default:
		return errUnknownType
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(5 * time.Second):
		return errors.New("ws: battle not responding")
	}
}

func writeError(ctx context.Context, conn *websocket.Conn, msg string, retryAfter time.Duration) {
	out := types.ServerMessage{Type: "Error", Error: msg}
	if retryAfter > 0 {
		out.RetryAfterMS = retryAfter.Milliseconds()
	}
	payload, _ := json.Marshal(out)
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}

func randID(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
