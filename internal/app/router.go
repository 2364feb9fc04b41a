package app

import (
	"net/http"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/flakeguard/flakeguard/internal/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(pool *pgxpool.Pool, cfg *config.Config, q *queue.Queue, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RealIP)               // Set RemoteAddr to real IP
	r.Use(apperrors.RequestIDMiddleware)   // Add request ID to context
	r.Use(LoggingMiddleware)               // Structured request logging
	r.Use(RecoveryMiddleware)              // Recover from panics

	// Health check routes
	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(pool))

	// Prometheus metrics
	r.Handle("/metrics", m.Handler())

	// Webhook ingestion
	hooks := webhook.NewHandler(cfg, q, m)
	r.Route("/webhooks", func(r chi.Router) {
		r.With(WebhookRateLimitMiddleware(cfg.RateLimitRPM)).Post("/github", hooks.HandleGitHub)
		r.Post("/slack", hooks.HandleSlack)
	})

	return r
}

// handleHealthz returns a simple liveness check
// Always returns 200 OK if the service is running
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteSuccess(w, r, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleReadyz returns a readiness check that includes database connectivity
// Returns 200 OK if service is ready to accept traffic, 503 if not
func handleReadyz(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			apperrors.WriteServiceUnavailable(w, r, "Database connection failed")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]string{
			"status": "ready",
			"db":     "ok",
		})
	}
}
