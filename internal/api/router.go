package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/auth"
	"github.com/eldtechnologies/chatrelay/internal/handlers"
	"github.com/eldtechnologies/chatrelay/internal/realtime"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// Deps bundles what the HTTP surface needs.
type Deps struct {
	Logger      zerolog.Logger
	Store       store.DataStore
	Redis       *store.RedisStore // optional
	Hub         *realtime.Hub
	Verifier    auth.Verifier
	Socket      http.Handler
	CORSOrigins []string
	RateLimit   middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(16 * 1024)) // 16KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(d.Logger))
	r.Use(chimw.Recoverer)

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(d.Store, d.Redis, d.Hub)
	authMW := middleware.NewAuthMiddleware(d.Verifier, d.Logger)
	limiter := middleware.NewRateLimiter(d.Redis.Client(), d.Logger, d.RateLimit)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Get("/presence/{userId}", h.Presence)
		r.Method(http.MethodGet, "/ws", d.Socket)
	})

	// Authenticated routes (require bearer token)
	r.Group(func(r chi.Router) {
		r.Use(authMW.RequireAuth)
		r.Use(limiter.Middleware)

		r.Get("/rooms/{roomId}/messages", h.GetRoomMessages)
		r.Post("/rooms/{roomId}/messages", h.PostMessage)
		r.Put("/me", h.UpdateProfile)
	})

	return r
}
