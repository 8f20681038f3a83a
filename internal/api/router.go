package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carebook/booking-core/internal/booking"
	"github.com/carebook/booking-core/internal/waitlist"
)

type RouterConfig struct {
	Orchestrator *booking.Orchestrator
	Store        booking.SlotStore
	Waitlist     *waitlist.Service
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Logger       *zap.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Handle("/metrics", promhttp.Handler())

	// Booking endpoints
	r.Get("/slots", findSlotsHandler(cfg.Orchestrator))
	r.Post("/bookings", bookSlotHandler(cfg.Orchestrator))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Store))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Orchestrator))

	// Waitlist endpoints
	r.Post("/waitlist", joinWaitlistHandler(cfg.Waitlist))
	r.Get("/waitlist", listWaitlistHandler(cfg.Waitlist))
	r.Get("/waitlist/stats", waitlistStatsHandler(cfg.Waitlist))
	r.Get("/waitlist/{id}", getWaitlistEntryHandler(cfg.Waitlist))
	r.Delete("/waitlist/{id}", removeWaitlistEntryHandler(cfg.Waitlist))

	return r
}
