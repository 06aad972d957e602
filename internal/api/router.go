package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmslite/hwsentry/internal/api/common"
	"github.com/nmslite/hwsentry/internal/api/handlers"
	"github.com/nmslite/hwsentry/internal/globals"
	"github.com/nmslite/hwsentry/internal/middleware"
)

// NewRouter creates and configures the API router
func NewRouter(deps *common.Dependencies, cors globals.CORSConfig) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	if deps.Registry != nil {
		r.Use(middleware.Metrics(deps.Registry))
	}

	if cors.Enabled {
		r.Use(middleware.CORS(
			cors.AllowedOrigins,
			cors.AllowedMethods,
			cors.AllowedHeaders,
			cors.MaxAgeSeconds,
		))
	}

	systemHandler := handlers.NewSystemHandler(deps)
	hostHandler := handlers.NewHostHandler(deps)

	// Public routes (no auth required)
	r.Get("/health", systemHandler.Health)
	r.Get("/ready", systemHandler.Ready)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", systemHandler.Login)

		// Protected routes (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(deps.Auth))

			r.Route("/hosts", func(r chi.Router) {
				r.Get("/", hostHandler.List)
				r.Route("/{hostname}", func(r chi.Router) {
					r.Get("/monitors", hostHandler.ListMonitors)
					r.Get("/monitors/{type}/{id}", hostHandler.GetMonitor)
					r.Get("/connectors/{connector}/sources", hostHandler.ListSources)
					r.Get("/connectors/{connector}/sources/{key}", hostHandler.GetSource)
				})
			})
		})
	})

	return r
}
