/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
     RealIP:        Client IP from proxy headers (only when trusted)
  2. RequestLogger: logrus access log
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. Instrument:    Prometheus request metrics (optional)
  5. RateLimit:     Token bucket per client IP (optional)
  6. CORS:          Cross-origin requests for the frontend
  7. Authenticate:  Bearer JWT on everything under /api except scenarios

ROUTE GROUPS:
  /api/toil/*       Events, review queue, balance
  /api/user/*       Roles
  /api/admin/*      Admin operations
  /api/scenarios/*  Demo scenarios (only when enabled)
  /healthz          Liveness (no auth)
  /metrics          Prometheus (no auth)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Authentication, access log, rate limiting
  - cmd/toild: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/toil-ledger/auth"
	"github.com/warp/toil-ledger/metrics"
)

// RouterConfig carries the optional parts of the router.
type RouterConfig struct {
	Issuer         *auth.Issuer
	AllowedOrigins []string
	RateLimiter    *RateLimiter     // nil disables rate limiting
	Metrics        *metrics.Metrics // nil disables /metrics
	Scenarios      bool

	// TrustForwarded takes the client IP from X-Forwarded-For / X-Real-IP.
	// Only safe behind a proxy that sets those headers itself.
	TrustForwarded bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if cfg.TrustForwarded {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Instrument(routePattern))
	}
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Scenario routes replace every user, so they sit outside auth and
		// are only mounted in development.
		if cfg.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Issuer, h.Service.Users, h.Log))

			// TOIL routes
			r.Route("/toil", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)

				r.Route("/events", func(r chi.Router) {
					r.Get("/", h.ListEvents)
					r.Post("/", h.CreateEvent)
					r.Get("/pending", h.ListPendingEvents)
					r.Get("/{id}", h.GetEvent)
					r.Put("/{id}", h.UpdateEvent)
					r.Delete("/{id}", h.DeleteEvent)
					r.Put("/{id}/approve", h.ApproveEvent)
					r.Put("/{id}/reject", h.RejectEvent)
				})
			})

			// Role routes
			r.Route("/user", func(r chi.Router) {
				r.Get("/role", h.GetRole)
				r.Put("/role", h.SetRole)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Post("/promote-user", h.PromoteUser)
			})
		})
	})

	return r
}

// routePattern labels metrics by matched route so ids do not explode
// cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
