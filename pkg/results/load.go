package results

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/testrelay/pkg/eventlog"
	"github.com/ethpandaops/testrelay/pkg/fsutil"
	"github.com/ethpandaops/testrelay/pkg/live"
	"github.com/ethpandaops/testrelay/pkg/registry"
	"github.com/sirupsen/logrus"
)

// Load restores a completed build from its directory by replaying the
// persisted event log. The restored build accepts no streams.
func Load(log logrus.FieldLogger, dir, eventsDir string) (*Build, error) {
	var summary Summary

	if err := readSummary(filepath.Join(dir, SummaryFile), &summary); err != nil {
		return nil, err
	}

	if summary.State != StateComplete {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotComplete, dir, summary.State)
	}

	contents, err := eventlog.Read(filepath.Join(dir, eventsDir))
	if err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}

	if contents.Manifest == nil {
		return nil, fmt.Errorf("%w: event log of %s was never sealed", ErrNotComplete, dir)
	}

	reg, err := registry.Restore(contents.RunIDs)
	if err != nil {
		return nil, fmt.Errorf("restoring run ids: %w", err)
	}

	known := make(map[string]struct{}, len(contents.RunIDs))
	for _, id := range contents.RunIDs {
		known[id] = struct{}{}
	}

	b := &Build{
		log:         log.WithFields(logrus.Fields{"component": "results", "build_id": summary.BuildID}),
		id:          summary.BuildID,
		dir:         dir,
		registry:    reg,
		stats:       live.NewStats(),
		cache:       live.NewRunningEvents(),
		host:        summary.Host,
		startedAt:   summary.StartedAt,
		state:       StateComplete,
		completedAt: summary.CompletedAt,
	}

	b.anomalies.Store(int64(summary.Anomalies))

	var last uint64

	for i, ev := range contents.Events {
		if _, ok := known[ev.RunID]; !ok {
			return nil, fmt.Errorf("%w: event %d has unregistered run id %q",
				eventlog.ErrCorrupt, i+1, ev.RunID)
		}

		if ev.Seq <= last {
			return nil, fmt.Errorf("%w: event %d has seq %d after %d",
				eventlog.ErrCorrupt, i+1, ev.Seq, last)
		}

		last = ev.Seq

		b.cache.HandleEvent(ev)
		b.stats.HandleEvent(ev)
	}

	b.log.WithField("events", len(contents.Events)).Debug("Build loaded")

	return b, nil
}

func readSummary(path string, s *Summary) error {
	err := fsutil.ReadJSON(path, s)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: no %s in %s", ErrNotComplete, SummaryFile, filepath.Dir(path))
	default:
		return fmt.Errorf("reading build summary: %w", err)
	}
}
