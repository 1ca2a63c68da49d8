package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/battle"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/judge"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/ratelimit"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/store"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/ws"
)

// API bundles what the handlers need.
type API struct {
	Hub     *battle.Hub
	Source  store.DataSource
	Limiter *ratelimit.Limiter
	Judge   judge.Client
	Log     *zap.Logger

	// APILimit throttles unauthenticated callers per client key.
	APILimit ratelimit.Limit
}

func DefaultAPILimit() ratelimit.Limit {
	return ratelimit.Limit{MaxRequests: 30, Window: 10 * time.Second, BlockFor: 10 * time.Second}
}

func SetupRoutes(api *API) http.Handler {
	if api.APILimit.MaxRequests == 0 {
		api.APILimit = DefaultAPILimit()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(api.Hub, api.Log))

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(api.Limiter, api.APILimit))
		r.Post("/battles", api.CreateBattle)
		r.Get("/battles/{code}", api.GetBattle)
		r.Get("/battles/{code}/rounds", api.GetRounds)
		r.Post("/battles/{code}/start", api.StartBattle)
		r.Post("/battles/{code}/votes", api.CastVote)
		r.Post("/battles/{code}/judge", api.JudgeBattle)
	})
	return r
}
