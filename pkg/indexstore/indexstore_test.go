package indexstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/ethpandaops/testrelay/pkg/indexstore"
)

func setupTestStore(t *testing.T) indexstore.Store {
	t.Helper()

	cfg := &config.IndexConfig{
		Enabled: true,
		Driver:  "sqlite",
		SQLite:  config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := indexstore.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestStore_UpsertAndListBuilds(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertBuild(ctx, &indexstore.Build{
		BuildID:     "b-old",
		State:       "complete",
		StartedAt:   now.Add(-time.Hour),
		TestsTotal:  3,
		TestsPassed: 3,
	}))
	require.NoError(t, s.UpsertBuild(ctx, &indexstore.Build{
		BuildID:     "b-new",
		State:       "complete",
		StartedAt:   now,
		TestsTotal:  2,
		TestsFailed: 1,
		TestsPassed: 1,
	}))

	builds, err := s.ListBuilds(ctx, 0)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, "b-new", builds[0].BuildID)
	assert.Equal(t, "b-old", builds[1].BuildID)

	limited, err := s.ListBuilds(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_UpsertBuildOverwrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBuild(ctx, &indexstore.Build{
		BuildID:      "b-1",
		State:        "running",
		TestsTotal:   5,
		TestsRunning: 5,
	}))

	// Re-indexing the same build must not create a duplicate row.
	require.NoError(t, s.UpsertBuild(ctx, &indexstore.Build{
		BuildID:     "b-1",
		State:       "complete",
		TestsTotal:  5,
		TestsPassed: 4,
		TestsFailed: 1,
	}))

	builds, err := s.ListBuilds(ctx, 0)
	require.NoError(t, err)
	require.Len(t, builds, 1, "upsert must not duplicate the row")

	got, err := s.GetBuild(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "complete", got.State)
	assert.Equal(t, 4, got.TestsPassed)
	assert.Equal(t, 0, got.TestsRunning)
}

func TestStore_GetBuildMissing(t *testing.T) {
	s := setupTestStore(t)

	got, err := s.GetBuild(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_ReplaceTestOutcomes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := []*indexstore.TestOutcome{
		{RunID: "r", Seq: 3, TestID: "t1", Status: "passed"},
		{RunID: "r", Seq: 5, TestID: "t2", Status: "failed", Message: "boom"},
	}
	require.NoError(t, s.ReplaceTestOutcomes(ctx, "b-1", first))
	require.NoError(t, s.ReplaceTestOutcomes(ctx, "b-2", []*indexstore.TestOutcome{
		{RunID: "q", Seq: 1, TestID: "x", Status: "failed"},
	}))

	outcomes, err := s.ListTestOutcomes(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "t1", outcomes[0].TestID)
	assert.Equal(t, "b-1", outcomes[0].BuildID)

	failures, err := s.ListFailures(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "boom", failures[0].Message)

	// Replacing drops the previous rows of that build only.
	require.NoError(t, s.ReplaceTestOutcomes(ctx, "b-1", []*indexstore.TestOutcome{
		{RunID: "r", Seq: 9, TestID: "t3", Status: "skipped"},
	}))

	outcomes, err = s.ListTestOutcomes(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "t3", outcomes[0].TestID)

	other, err := s.ListFailures(ctx, "b-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	require.NoError(t, s.ReplaceTestOutcomes(ctx, "b-1", nil))
	outcomes, err = s.ListTestOutcomes(ctx, "b-1")
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestStore_UnsupportedDriver(t *testing.T) {
	s := indexstore.NewStore(logrus.New(), &config.IndexConfig{Driver: "mysql"})
	assert.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop())
}
