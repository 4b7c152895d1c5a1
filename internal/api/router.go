package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// NewRouter builds the operator API. Health is unauthenticated; run and
// weather routes require bearer auth. Requests are limited to 60 per minute
// per IP, and run triggers to 6 per minute per IP.
func NewRouter(handlers *Handlers, token string, db, redis pinger, log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Get("/api/v1/health", HealthHandlerFunc(db, redis, log))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))

		r.With(httprate.LimitByIP(6, time.Minute)).Post("/api/v1/runs", handlers.TriggerRun)
		r.Get("/api/v1/runs/{runID}", handlers.GetRun)
		r.Get("/api/v1/weather/{city}", handlers.GetWeather)
	})

	return r
}

var _ http.Handler = (*chi.Mux)(nil)
