package battle

import (
	"context"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/store"
)

type HubMsg interface{ isHubMsg() }

type CreateBattle struct {
	Record store.Battle
	Reply  chan *Battle
}

type GetBattle struct {
	Code  string
	Reply chan *Battle
}

// EnsureBattle returns the running actor for Code, spawning one from
// Record if none exists. Used when a battle row exists in the store but
// this instance has not hosted it yet.
type EnsureBattle struct {
	Record store.Battle
	Reply  chan *Battle
}

type RemoveBattle struct{ Code string }

type ShutdownHub struct{}

func (CreateBattle) isHubMsg() {}
func (GetBattle) isHubMsg()    {}
func (EnsureBattle) isHubMsg() {}
func (RemoveBattle) isHubMsg() {}
func (ShutdownHub) isHubMsg()  {}

// Hub owns the set of running battle actors, itself an actor so the
// map needs no lock.
type Hub struct {
	inbox   chan HubMsg
	battles map[string]*Battle
	deps    Deps
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, deps Deps) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		battles: make(map[string]*Battle),
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateBattle:
				if b := h.battles[msg.Record.Code]; b != nil {
					msg.Reply <- b
					break
				}
				b := New(h.ctx, msg.Record, h.deps)
				h.battles[msg.Record.Code] = b
				msg.Reply <- b

			case GetBattle:
				msg.Reply <- h.battles[msg.Code] // may be nil

			case EnsureBattle:
				if b := h.battles[msg.Record.Code]; b != nil {
					msg.Reply <- b
					break
				}
				b := New(h.ctx, msg.Record, h.deps)
				h.battles[msg.Record.Code] = b
				msg.Reply <- b

			case RemoveBattle:
				delete(h.battles, msg.Code)

			case ShutdownHub:
				for _, b := range h.battles {
					b.Inbox() <- Shutdown{}
				}
				clear(h.battles)
				h.cancel()
			}
		}
	}
}
