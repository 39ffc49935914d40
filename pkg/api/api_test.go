package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/ethpandaops/testrelay/pkg/events"
	"github.com/ethpandaops/testrelay/pkg/idgen"
	"github.com/ethpandaops/testrelay/pkg/indexstore"
	"github.com/ethpandaops/testrelay/pkg/live"
	"github.com/ethpandaops/testrelay/pkg/relay"
	"github.com/ethpandaops/testrelay/pkg/results"
	"github.com/ethpandaops/testrelay/pkg/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func startServer(t *testing.T, mutate func(cfg *config.Config)) (*server, string) {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err)

	cfg.API.Listen = "127.0.0.1:0"
	cfg.Storage.ResultsDir = t.TempDir()
	cfg.Storage.Fsync = false
	cfg.Relay.ShutdownTimeout = "2s"

	if mutate != nil {
		mutate(cfg)
	}

	s, ok := NewServer(testLogger(), cfg).(*server)
	require.True(t, ok)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s, "http://" + s.Addr()
}

func doJSON(t *testing.T, method, url string, body, out any) int {
	t.Helper()

	var rd io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, rd)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func createBuild(t *testing.T, base string) createBuildResponse {
	t.Helper()

	var created createBuildResponse

	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, base+"/api/v1/builds", nil, &created))

	return created
}

func streamRecords(t *testing.T, base, token, source string) error {
	t.Helper()

	rf, err := relay.NewRemoteForwarder(testLogger(), base, token, nil)
	require.NoError(t, err)

	sink, err := rf.Connect(context.Background(), source)
	require.NoError(t, err)

	w := wire.NewWriter(sink)

	for _, rec := range []*events.Record{
		{Kind: events.KindSuiteStarted, Suite: "S"},
		{Kind: events.KindTestStarted, Suite: "S", TestID: "t1", TestName: "one"},
		{Kind: events.KindTestFinished, TestID: "t1", Status: events.StatusPassed},
		{Kind: events.KindTestStarted, Suite: "S", TestID: "t2", TestName: "two"},
		{Kind: events.KindTestFailed, TestID: "t2", Message: "boom", Stack: []string{
			"com.acme.TwoTest.two(TwoTest.java:7)",
			"org.junit.Assert.fail(Assert.java:88)",
		}},
		{Kind: events.KindSuiteFinished, Suite: "S"},
	} {
		if err := w.Write(rec); err != nil {
			_ = sink.Close()

			return err
		}
	}

	return sink.Close()
}

func TestHealth(t *testing.T) {
	_, base := startServer(t, nil)

	var resp map[string]string

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/api/v1/health", nil, &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestBuildLifecycle(t *testing.T) {
	_, base := startServer(t, nil)

	created := createBuild(t, base)
	assert.True(t, strings.HasPrefix(created.BuildID, idgen.BuildPrefix))
	assert.Equal(t, relay.ForwardURL(base, created.Token), created.ForwardURL)

	require.NoError(t, streamRecords(t, base, created.Token, "agent-1"))

	buildURL := base + "/api/v1/builds/" + created.BuildID

	var stats live.Counts

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, buildURL+"/stats", nil, &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Passed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Running)

	var runs struct {
		RunIDs []string `json:"run_ids"`
	}

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, buildURL+"/runs", nil, &runs))
	require.Len(t, runs.RunIDs, 1)

	var evs eventsResponse

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, buildURL+"/events?since=2", nil, &evs))
	require.Len(t, evs.Events, 4)
	assert.Equal(t, uint64(3), evs.Events[0].Seq)
	assert.Equal(t, uint64(6), evs.LastSeq)
	assert.Equal(t, []string{"com.acme.TwoTest.two(TwoTest.java:7)"}, evs.Events[2].Stack)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, buildURL+"/events?run="+runs.RunIDs[0], nil, &evs))
	assert.Len(t, evs.Events, 6)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, buildURL+"/events?since=x", nil, nil))

	var summary results.Summary

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, buildURL+"/complete", nil, &summary))
	assert.Equal(t, results.StateComplete, summary.State)
	assert.Equal(t, 6, summary.Events)

	assert.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, buildURL+"/complete", nil, nil))

	err := streamRecords(t, base, created.Token, "late-agent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "410")
}

func TestCreateBuild_ExplicitID(t *testing.T) {
	_, base := startServer(t, nil)

	var created createBuildResponse

	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, base+"/api/v1/builds",
		createBuildRequest{BuildID: "nightly-42"}, &created))
	assert.Equal(t, "nightly-42", created.BuildID)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, base+"/api/v1/builds",
		createBuildRequest{BuildID: "../escape"}, nil))
}

func TestCreateBuild_DuplicateID(t *testing.T) {
	s, base := startServer(t, nil)

	created := createBuild(t, base)

	assert.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, base+"/api/v1/builds",
		createBuildRequest{BuildID: created.BuildID}, nil))

	// A directory left behind by an earlier process is refused as well.
	require.NoError(t, os.Mkdir(filepath.Join(s.cfg.Storage.ResultsDir, "left-over"), 0o755))
	assert.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, base+"/api/v1/builds",
		createBuildRequest{BuildID: "left-over"}, nil))

	require.NoError(t, streamRecords(t, base, created.Token, "agent"))
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost,
		base+"/api/v1/builds/"+created.BuildID+"/complete", nil, nil))
}

func TestCompleteBuild_SealFailure(t *testing.T) {
	s, base := startServer(t, nil)

	created := createBuild(t, base)
	require.NoError(t, streamRecords(t, base, created.Token, "agent"))

	require.NoError(t, os.RemoveAll(filepath.Join(s.cfg.Storage.ResultsDir, created.BuildID)))

	assert.Equal(t, http.StatusInternalServerError, doJSON(t, http.MethodPost,
		base+"/api/v1/builds/"+created.BuildID+"/complete", nil, nil))
}

func TestForward_UnknownToken(t *testing.T) {
	_, base := startServer(t, nil)

	err := streamRecords(t, base, "no-such-token", "agent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestForward_MalformedStream(t *testing.T) {
	_, base := startServer(t, nil)

	created := createBuild(t, base)

	resp, err := http.Post(created.ForwardURL, "application/octet-stream",
		strings.NewReader("JUNK"))
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetBuild_NotFound(t *testing.T) {
	_, base := startServer(t, nil)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, base+"/api/v1/builds/missing", nil, nil))
}

func TestGetBuild_LoadsCompletedBuildFromDisk(t *testing.T) {
	resultsDir := t.TempDir()
	withDir := func(cfg *config.Config) { cfg.Storage.ResultsDir = resultsDir }

	_, first := startServer(t, withDir)

	created := createBuild(t, first)
	require.NoError(t, streamRecords(t, first, created.Token, "agent"))
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost,
		first+"/api/v1/builds/"+created.BuildID+"/complete", nil, nil))

	_, second := startServer(t, withDir)

	var summary results.Summary

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet,
		second+"/api/v1/builds/"+created.BuildID, nil, &summary))
	assert.Equal(t, results.StateComplete, summary.State)
	assert.Equal(t, 2, summary.Stats.Total)
	assert.Len(t, summary.RunIDs, 1)
}

func TestIndexEndpoints(t *testing.T) {
	_, base := startServer(t, func(cfg *config.Config) {
		cfg.Index.Enabled = true
		cfg.Index.Driver = "sqlite"
		cfg.Index.SQLite.Path = filepath.Join(t.TempDir(), "index.db")
	})

	created := createBuild(t, base)
	require.NoError(t, streamRecords(t, base, created.Token, "agent"))
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost,
		base+"/api/v1/builds/"+created.BuildID+"/complete", nil, nil))

	var list struct {
		Builds []indexstore.Build `json:"builds"`
	}

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/api/v1/index/builds", nil, &list))
	require.Len(t, list.Builds, 1)
	assert.Equal(t, created.BuildID, list.Builds[0].BuildID)
	assert.Equal(t, 1, list.Builds[0].TestsFailed)

	var failures struct {
		Failures []indexstore.TestOutcome `json:"failures"`
	}

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet,
		base+"/api/v1/index/builds/"+created.BuildID+"/failures", nil, &failures))
	require.Len(t, failures.Failures, 1)
	assert.Equal(t, "t2", failures.Failures[0].TestID)
	assert.Equal(t, "boom", failures.Failures[0].Message)

	var tests struct {
		Tests []indexstore.TestOutcome `json:"tests"`
	}

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet,
		base+"/api/v1/index/builds/"+created.BuildID+"/tests", nil, &tests))
	assert.Len(t, tests.Tests, 2)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, base+"/api/v1/index/builds?limit=0", nil, nil))
}

func TestIndexEndpoints_DisabledByDefault(t *testing.T) {
	_, base := startServer(t, nil)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, base+"/api/v1/index/builds", nil, nil))
}

func TestRateLimit(t *testing.T) {
	_, base := startServer(t, func(cfg *config.Config) {
		cfg.API.RateLimit.Enabled = true
		cfg.API.RateLimit.RequestsPerMinute = 1
	})

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, base+"/api/v1/builds/missing", nil, nil))

	resp, err := http.Get(base + "/api/v1/builds/missing")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Health checks and forwarded streams are not throttled.
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/api/v1/health", nil, nil))
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/api/v1/health", nil, nil))

	for i := 0; i < 2; i++ {
		err := streamRecords(t, base, "no-such-token", "agent")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	}
}

func TestClientLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	l := newClientLimiter(2)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_, ok := l.reserve("10.0.0.1")
		require.True(t, ok, "request %d", i)
	}

	wait, ok := l.reserve("10.0.0.1")
	require.False(t, ok)
	assert.InDelta(t, 30*time.Second, wait, float64(time.Second))
	assert.Equal(t, 30, retryAfterSeconds(wait))

	// A refused request does not use up the next token.
	now = now.Add(30 * time.Second)

	_, ok = l.reserve("10.0.0.1")
	assert.True(t, ok)

	// Other clients have their own budget.
	_, ok = l.reserve("10.0.0.2")
	assert.True(t, ok)

	now = now.Add(clientIdleAfter + time.Minute)

	_, ok = l.reserve("10.0.0.3")
	assert.True(t, ok)
	assert.Len(t, l.buckets, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	_, base := startServer(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = true
	})

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "testrelay_connections_accepted_total")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "forwarded chain", remote: "10.0.0.1:5555", xff: "203.0.113.7, 10.0.0.2", want: "203.0.113.7"},
		{name: "single forwarded", remote: "10.0.0.1:5555", xff: "203.0.113.8", want: "203.0.113.8"},
		{name: "real ip", remote: "10.0.0.1:5555", xri: "203.0.113.9", want: "203.0.113.9"},
		{name: "forwarded wins over real ip", remote: "10.0.0.1:5555", xff: "203.0.113.7", xri: "203.0.113.9", want: "203.0.113.7"},
		{name: "no port", remote: "10.0.0.9", want: "10.0.0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "/", nil)
			require.NoError(t, err)

			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}

			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
