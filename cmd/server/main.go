package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/justinnewbold/rap-battle-arena-sub003/internal/battle"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/config"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/feed"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/httpapi"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/judge"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/ratelimit"
	"github.com/justinnewbold/rap-battle-arena-sub003/internal/store"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := feed.NewMemoryTransport()
	limiter := ratelimit.New(log)

	var src store.DataSource
	var live *store.LiveSource
	if cfg.Live() {
		live, err = store.OpenLive(cfg.DatabaseURL, bus, log)
		if err != nil {
			log.Fatal("database unavailable", zap.Error(err))
		}
		src = live
		log.Info("using live data source")
	} else {
		src = store.NewSimSource(bus)
		log.Info("using simulated data source")
	}
	defer src.Close()

	var judgeClient judge.Client = judge.SimClient{}
	if cfg.JudgeURL != "" {
		judgeClient = judge.NewHTTPClient(cfg.JudgeURL, 10*time.Second, log)
	}

	var shared ratelimit.SharedCounter
	if live != nil {
		shared = live
	}

	hub := battle.NewHub(ctx, battle.Deps{
		Source:  src,
		Bus:     bus,
		Limiter: limiter,
		Shared:  shared,
		Judge:   judgeClient,
		Limits: battle.Limits{
			Vote: ratelimit.Limit{MaxRequests: cfg.VoteLimit, Window: cfg.VoteWindow, BlockFor: cfg.VoteBlock},
			Chat: battle.DefaultLimits().Chat,
		},
		Log:          log,
		CountdownSec: cfg.CountdownSec,
		TurnSec:      cfg.TurnSec,
	})

	handler := httpapi.SetupRoutes(&httpapi.API{
		Hub:     hub,
		Source:  src,
		Limiter: limiter,
		Judge:   judgeClient,
		Log:     log,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		limiter.Run(gctx, cfg.SweepInterval, time.Hour)
		return nil
	})

	if live != nil {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := live.SweepCounters(gctx); err != nil {
						log.Warn("counter sweep failed", zap.Error(err))
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		hub.Inbox() <- battle.ShutdownHub{}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
