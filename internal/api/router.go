package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clinio/telemed-scheduling/internal/schedule"
)

type RouterConfig struct {
	Service  *schedule.Service
	Payments schedule.PaymentInitiator
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Logger   *zap.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Slot and availability endpoints
	r.Get("/providers/{id}/slots", listSlotsHandler(cfg.Service))
	r.Get("/providers/{id}/availability", getAvailabilityHandler(cfg.Service))
	r.Put("/providers/{id}/availability", putAvailabilityHandler(cfg.Service))

	// Booking endpoints
	r.Post("/bookings", createBookingHandler(cfg.Service, cfg.Payments, cfg.Logger))
	r.Get("/bookings/{id}", getBookingHandler(cfg.Service))
	r.Post("/bookings/{id}/transition", transitionBookingHandler(cfg.Service))
	r.Post("/bookings/{id}/cancel", cancelBookingHandler(cfg.Service))
	r.Get("/patients/{id}/bookings", listPatientBookingsHandler(cfg.Service))

	return r
}
