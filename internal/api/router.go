package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/oroshine/clinic-booking/internal/booking"
)

type RouterConfig struct {
	Service *booking.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/appointments", bookAppointmentHandler(cfg.Service))
	r.Get("/appointments", listAppointmentsHandler(cfg.Service))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/status", updateStatusHandler(cfg.Service))

	r.Get("/availability", availabilityHandler(cfg.Service))

	r.Post("/contacts", submitContactHandler(cfg.Service))
	r.Post("/contacts/{id}/resolve", resolveContactHandler(cfg.Service))

	r.Post("/users", registerUserHandler(cfg.Service))
	r.Get("/users/{id}", getUserHandler(cfg.Service))
	r.Get("/users/{id}/stats", userStatsHandler(cfg.Service))
	r.Get("/stats", homeStatsHandler(cfg.Service))

	return r
}
