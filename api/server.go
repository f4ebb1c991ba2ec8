/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/health           Liveness plus a database ping
  /api/accounts/*       Accounts and their balances
  /api/balances/*       Stale report and bulk recalculation
  /api/trips/*          Trip writes
  /api/transactions/*   Manual transaction writes
  /api/fusions/*        Fuse, revert, history
  /api/scenarios/*      Demo scenarios (dev only)
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. The acting user is taken from the
  X-User-ID header or the request body.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/accounts/{type}", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/validate", h.ValidateBalance)
		})

		r.Route("/balances", func(r chi.Router) {
			r.Get("/stale", h.GetStaleAccounts)
			r.Post("/recalculate", h.RecalculateAll)
		})

		r.Route("/trips", func(r chi.Router) {
			r.Post("/", h.CreateTrip)
			r.Put("/{id}", h.UpdateTrip)
			r.Delete("/{id}", h.DeleteTrip)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Put("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		r.Route("/fusions", func(r chi.Router) {
			r.Get("/", h.GetFusionHistory)
			r.Post("/", h.Fuse)
			r.Post("/{id}/revert", h.RevertFusion)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Ledger Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Ledger Engine API</h1>
<ul>
<li><a href="/api/accounts/mine">/api/accounts/mine</a> - Mine balances</li>
<li><a href="/api/accounts/buyer">/api/accounts/buyer</a> - Buyer balances</li>
<li><a href="/api/accounts/trucker">/api/accounts/trucker</a> - Trucker balances</li>
<li><a href="/api/balances/stale">/api/balances/stale</a> - Stale balances</li>
<li><a href="/api/fusions">/api/fusions</a> - Fusion history</li>
<li><a href="/api/scenarios">/api/scenarios</a> - Demo scenarios</li>
<li><a href="/metrics">/metrics</a> - Prometheus metrics</li>
</ul>
</body>
</html>`))
	})

	return r
}
