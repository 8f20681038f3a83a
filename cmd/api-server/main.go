package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carebook/booking-core/internal/api"
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

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log := logger.New(cfg.Env)
	defer log.Sync()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort))

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

	// Connect Redis
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

	stream := event.NewRedisStream(rdb, cfg.EventStream, cfg.EventGroup, "api-server", log)
	publisher := event.NewRetryingPublisher(stream, 256, log)
	go func() {
		if err := publisher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("publish retry worker stopped", zap.Error(err))
		}
	}()

	orch := booking.NewOrchestrator(store, locks, avail, publisher, met, log, booking.OrchestratorConfig{
		LockTTL:        cfg.LockTTL,
		AcquireTimeout: cfg.AcquireTimeout,
		CacheTTL:       cfg.CacheTTL,
	})

	waitlistStore := waitlist.NewPgStore(pgPool)
	waitlistSvc := waitlist.NewService(waitlistStore, log)

	router := api.NewRouter(api.RouterConfig{
		Orchestrator: orch,
		Store:        store,
		Waitlist:     waitlistSvc,
		PgPool:       pgPool,
		Redis:        rdb,
		Logger:       log,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
