/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests from the back-office UI; credentials
                 only for an explicit origin list
  5. RateLimit:  /api/loyalty only, when a limiter is configured

ROUTE GROUPS:
  /api/loyalty/*        Deposit, withdraw, cancel
  /api/accounts/*       Account provisioning and reads
  /api/rules            Rule catalogue
  /api/scenarios/*      Demo scenarios
  /api/admin/*          Admin operations
  /healthz              Liveness / store reachability

SECURITY NOTE:
  No authentication middleware. Callers are trusted terminals behind the
  gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit.go: Redis-backed limiter
  - cmd/server/main.go: Server startup
*/
package api

import (
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the optional parts of the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string

	Limiter         RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	window := opts.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: !hasWildcard(origins),
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/loyalty", func(r chi.Router) {
			r.Use(RateLimit(opts.Limiter, "loyalty", opts.RateLimit, window, h.log()))
			r.Post("/deposit", h.Deposit)
			r.Post("/withdraw", h.Withdraw)
			r.Post("/cancel", h.Cancel)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
		})

		r.Get("/rules", h.ListRules)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", h.TriggerAudit)
		})
	})

	return r
}

// hasWildcard reports whether any origin pattern contains "*". Credentials
// are never allowed together with a wildcard; cors echoes matching origins.
func hasWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.Contains(o, "*") {
			return true
		}
	}
	return false
}
