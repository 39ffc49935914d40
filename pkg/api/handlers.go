package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/docker/go-units"
	"github.com/ethpandaops/testrelay/pkg/events"
	"github.com/ethpandaops/testrelay/pkg/idgen"
	"github.com/ethpandaops/testrelay/pkg/metrics"
	"github.com/ethpandaops/testrelay/pkg/relay"
	"github.com/ethpandaops/testrelay/pkg/results"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createBuildRequest struct {
	BuildID string `json:"build_id,omitempty"`
}

type createBuildResponse struct {
	BuildID    string `json:"build_id"`
	Token      string `json:"token"`
	ForwardURL string `json:"forward_url"`
}

// handleCreateBuild sets up a running build and exports a forwarder token
// agents stream test events to.
func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest

	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil &&
			!errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid request body"})

			return
		}
	}

	buildID := req.BuildID
	if buildID == "" {
		id, err := idgen.BuildID()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"generating build id"})

			return
		}

		buildID = id
	} else if !validBuildID(buildID) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid build id"})

		return
	}

	if s.builds.has(buildID) {
		writeJSON(w, http.StatusConflict,
			errorResponse{"build already exists"})

		return
	}

	token, err := idgen.Token()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"generating token"})

		return
	}

	b, err := s.newBuild(buildID)
	if err != nil {
		if errors.Is(err, results.ErrBuildExists) {
			writeJSON(w, http.StatusConflict,
				errorResponse{"build already exists"})

			return
		}

		s.log.WithError(err).WithField("build_id", buildID).
			Error("Failed to set up build")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"setting up build"})

		return
	}

	s.builds.add(b, token)

	writeJSON(w, http.StatusCreated, createBuildResponse{
		BuildID:    buildID,
		Token:      token,
		ForwardURL: relay.ForwardURL(s.publicURL(r), token),
	})
}

// publicURL is the base URL agents reach this server on.
func (s *server) publicURL(r *http.Request) string {
	if s.cfg.API.PublicURL != "" {
		return s.cfg.API.PublicURL
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return scheme + "://" + r.Host
}

// handleForward copies the request body into a sink of the build the
// token belongs to. The response is only written once the stream ends.
func (s *server) handleForward(w http.ResponseWriter, r *http.Request) {
	b, ok := s.builds.byForwardToken(chi.URLParam(r, "token"))
	if !ok {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"unknown forwarder token"})

		return
	}

	fwd := b.Forwarder()
	if fwd == nil {
		writeJSON(w, http.StatusGone,
			errorResponse{"build is complete"})

		return
	}

	source := r.Header.Get(relay.SourceHeader)
	if source == "" {
		source = r.RemoteAddr
	}

	log := s.log.WithFields(logrus.Fields{
		"build_id": b.ID(),
		"source":   source,
	})

	sink, err := fwd.Connect(r.Context(), source)
	if err != nil {
		if errors.Is(err, relay.ErrClosed) {
			writeJSON(w, http.StatusGone,
				errorResponse{"build is complete"})

			return
		}

		log.WithError(err).Error("Failed to open forwarding sink")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"opening stream"})

		return
	}

	n, copyErr := io.Copy(sink, r.Body)
	metrics.BytesRelayed.Add(float64(n))

	closeErr := sink.Close()

	if copyErr != nil && !relay.IsExpectedCloseError(copyErr) {
		metrics.SessionErrors.WithLabelValues("copy").Inc()
		log.WithError(copyErr).Warn("Forwarded stream terminated")
		writeJSON(w, http.StatusUnprocessableEntity,
			errorResponse{copyErr.Error()})

		return
	}

	if closeErr != nil {
		metrics.SessionErrors.WithLabelValues("close").Inc()
		writeJSON(w, http.StatusUnprocessableEntity,
			errorResponse{closeErr.Error()})

		return
	}

	log.WithField("bytes", units.HumanSize(float64(n))).Debug("Forwarded stream finished")

	w.WriteHeader(http.StatusNoContent)
}

// handleGetBuild returns the build summary.
func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildFromContext(r.Context()).Summary())
}

// handleBuildStats returns the live test counters.
func (s *server) handleBuildStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildFromContext(r.Context()).Stats())
}

// handleBuildRuns returns the run ids in registration order.
func (s *server) handleBuildRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"run_ids": buildFromContext(r.Context()).RunIDs(),
	})
}

// handleOpenTests returns the tests that started but have not finished.
func (s *server) handleOpenTests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"open_tests": buildFromContext(r.Context()).OpenTests(),
	})
}

type eventsResponse struct {
	Events  []*events.Event `json:"events"`
	LastSeq uint64          `json:"last_seq"`
}

// handleBuildEvents returns the events after ?since=N, optionally
// restricted to one ?run=.
func (s *server) handleBuildEvents(w http.ResponseWriter, r *http.Request) {
	b := buildFromContext(r.Context())

	var since uint64

	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid since parameter"})

			return
		}

		since = n
	}

	evs := b.Events().Since(since)
	if evs == nil {
		evs = []*events.Event{}
	}

	if run := r.URL.Query().Get("run"); run != "" {
		filtered := make([]*events.Event, 0, len(evs))

		for _, ev := range evs {
			if ev.RunID == run {
				filtered = append(filtered, ev)
			}
		}

		evs = filtered
	}

	resp := eventsResponse{Events: evs, LastSeq: since}
	if len(evs) > 0 {
		resp.LastSeq = evs[len(evs)-1].Seq
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCompleteBuild completes the build and returns its final summary.
func (s *server) handleCompleteBuild(w http.ResponseWriter, r *http.Request) {
	b := buildFromContext(r.Context())

	// Not cancelled when the client disconnects.
	err := b.Complete(context.WithoutCancel(r.Context()))

	switch {
	case errors.Is(err, results.ErrAlreadyComplete):
		writeJSON(w, http.StatusConflict,
			errorResponse{"build already complete"})

		return
	case errors.Is(err, results.ErrSealFailed):
		s.log.WithError(err).WithField("build_id", b.ID()).
			Error("Failed to seal build")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"sealing build"})

		return
	case err != nil:
		s.log.WithError(err).WithField("build_id", b.ID()).
			Warn("Build completed with errors")
	}

	writeJSON(w, http.StatusOK, b.Summary())
}
