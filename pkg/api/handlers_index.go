package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	defaultIndexLimit = 100
	maxIndexLimit     = 1000
)

// handleIndexBuilds lists indexed builds, most recent first.
func (s *server) handleIndexBuilds(w http.ResponseWriter, r *http.Request) {
	limit := defaultIndexLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit parameter"})

			return
		}

		limit = min(n, maxIndexLimit)
	}

	builds, err := s.indexStore.ListBuilds(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing builds: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"builds": builds,
	})
}

// handleIndexTests lists every indexed test outcome of a build.
func (s *server) handleIndexTests(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.indexStore.ListTestOutcomes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing tests: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tests": outcomes,
	})
}

// handleIndexFailures lists the failed tests of a build.
func (s *server) handleIndexFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.indexStore.ListFailures(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing failures: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"failures": failures,
	})
}
