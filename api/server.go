/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. AccessLog:  Structured request logging
  5. Metrics:    Request counters and latency per route pattern
  6. CORS:       Cross-origin requests for the frontend
  7. RateLimit:  Per-client token bucket on /api

ROUTE GROUPS:
  /api/users/*          Per-user dashboard, scans, points
  /api/grade            Stateless grading
  /api/leaderboard      Public ranking
  /api/internal/*       Operator actions
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. /api/internal is expected to be blocked at
  the edge.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/intake-engine/logger"
)

// RouterOptions carries the middleware settings.
type RouterOptions struct {
	CORSOrigins []string
	// Limiter may be nil to disable rate limiting.
	Limiter *RateLimiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog(h.Log))
	r.Use(h.Metrics.Instrument(routePattern))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Handler)
		}

		r.Get("/health", h.Health)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.Signup)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/today", h.Today)
				r.Post("/preference", h.ChangePreference)

				r.Post("/scans", h.AnalyzeScan)
				r.Get("/scans", h.ListScans)
				r.Post("/scans/{scanID}/consume", h.ConsumeScan)

				r.Get("/points", h.PointsHistory)
				r.Post("/points/bonus", h.BonusPoints)
			})
		})

		r.Post("/grade", h.Grade)
		r.Get("/leaderboard", h.Leaderboard)

		r.Route("/internal", func(r chi.Router) {
			r.Post("/provision", h.Provision)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// routePattern labels metrics with the matched chi pattern, never the raw path.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

// AccessLog logs one line per request with the chi request id.
func AccessLog(log *logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			kv := []interface{}{
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
			}
			if status >= http.StatusInternalServerError {
				log.Error("request", kv...)
				return
			}
			log.Info("request", kv...)
		})
	}
}
