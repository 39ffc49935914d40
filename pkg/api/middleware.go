package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethpandaops/testrelay/pkg/results"
	"github.com/go-chi/chi/v5"
)

type contextKey string

const buildContextKey contextKey = "build"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// buildCtx resolves the {id} URL parameter and injects the build into the
// request context.
func (s *server) buildCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := s.builds.get(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, errBuildNotFound) {
				writeJSON(w, http.StatusNotFound,
					errorResponse{"build not found"})

				return
			}

			s.log.WithError(err).Error("Failed to load build")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"loading build"})

			return
		}

		ctx := context.WithValue(r.Context(), buildContextKey, b)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// buildFromContext extracts the build from the request context.
func buildFromContext(ctx context.Context) *results.Build {
	b, _ := ctx.Value(buildContextKey).(*results.Build)

	return b
}
