/**
 * @description
 * This file sets up the HTTP router for the transaction-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 * - github.com/prometheus/client_golang: Serves /metrics.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TransactionRoutes creates and returns a new router for the transaction service.
// auth guards every route except /health and /metrics.
func TransactionRoutes(h *TransactionHandlers, auth func(http.Handler) http.Handler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Post("/transactions", h.BeginTransactionHandler)
		r.Get("/transactions/{id}", h.GetTransactionHandler)
		r.Delete("/transactions/{id}", h.AbandonTransactionHandler)
		r.Post("/transactions/{id}/confirm", h.ConfirmTransactionHandler)
		r.Post("/transactions/{id}/retry", h.RetryTransactionHandler)
		r.Post("/transactions/{id}/requote", h.RequoteTransactionHandler)

		r.Get("/exchange-rate", h.GetExchangeRateHandler)
		r.Post("/exchange-rate/refresh", h.RefreshExchangeRateHandler)
		r.Get("/exchange-rate/status", h.ExchangeRateStatusHandler)

		r.Post("/chamas/{chamaID}/members", h.SaveChamaMembersHandler)
	})

	return r
}
