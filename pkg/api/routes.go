package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.API.RateLimit.Enabled {
			r.Use(s.rateLimit(s.cfg.API.RateLimit.RequestsPerMinute))
		}

		r.Get("/health", s.handleHealth)
		r.Post("/forward/{token}", s.handleForward)

		r.Route("/builds", func(r chi.Router) {
			r.Post("/", s.handleCreateBuild)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(s.buildCtx)

				r.Get("/", s.handleGetBuild)
				r.Get("/stats", s.handleBuildStats)
				r.Get("/runs", s.handleBuildRuns)
				r.Get("/events", s.handleBuildEvents)
				r.Get("/open-tests", s.handleOpenTests)
				r.Post("/complete", s.handleCompleteBuild)
			})
		})

		// Index endpoints (when indexing is enabled).
		if s.indexStore != nil {
			r.Route("/index", func(r chi.Router) {
				r.Get("/builds", s.handleIndexBuilds)
				r.Get("/builds/{id}/tests", s.handleIndexTests)
				r.Get("/builds/{id}/failures", s.handleIndexFailures)
			})
		}
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.API.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
