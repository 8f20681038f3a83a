package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/carebook/booking-core/internal/booking"
	"github.com/carebook/booking-core/internal/cache"
	"github.com/carebook/booking-core/internal/config"
	"github.com/carebook/booking-core/internal/db"
	"github.com/carebook/booking-core/internal/event"
	"github.com/carebook/booking-core/internal/lock"
	"github.com/carebook/booking-core/internal/logger"
	"github.com/carebook/booking-core/internal/metrics"
	redisclient "github.com/carebook/booking-core/internal/redis"
	"github.com/carebook/booking-core/internal/waitlist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log := logger.New(cfg.Env)
	defer log.Sync()

	log.Info("promoter-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("sweep_interval", cfg.WorkerInterval))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	met := metrics.New()
	store := booking.NewPgStore(pgPool)
	locks := lock.NewRedisCoordinator(rdb)
	avail := cache.NewRedis(rdb)

	stream := event.NewRedisStream(rdb, cfg.EventStream, cfg.EventGroup, "promoter-worker", log)
	publisher := event.NewRetryingPublisher(stream, 256, log)

	orch := booking.NewOrchestrator(store, locks, avail, publisher, met, log, booking.OrchestratorConfig{
		LockTTL:        cfg.LockTTL,
		AcquireTimeout: cfg.AcquireTimeout,
		CacheTTL:       cfg.CacheTTL,
	})

	waitlistStore := waitlist.NewPgStore(pgPool)
	promoter := waitlist.NewPromoter(waitlistStore, orch, publisher, met, log)

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		return publisher.Run(ctx)
	})

	g.Go(func() error {
		return promoter.Run(ctx, stream)
	})

	// Stale-hold sweep: reopen slots abandoned mid-booking.
	g.Go(func() error {
		sweep(ctx, orch, cfg.HoldTimeout, log)

		ticker := time.NewTicker(cfg.WorkerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				sweep(ctx, orch, cfg.HoldTimeout, log)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("promoter-worker stopped", zap.Error(err))
	}
	log.Info("promoter-worker shut down")
}

func sweep(ctx context.Context, orch *booking.Orchestrator, holdTimeout time.Duration, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	if err := orch.ReleaseStaleHolds(runCtx, holdTimeout); err != nil {
		log.Error("stale hold sweep error", zap.Error(err))
		return
	}
	log.Debug("stale hold sweep complete", zap.Duration("took", time.Since(start)))
}
