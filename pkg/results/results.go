// Package results binds everything that belongs to one build: its storage
// directory, run ids, live statistics, event cache and event log.
package results

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/testrelay/pkg/bus"
	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/ethpandaops/testrelay/pkg/correlator"
	"github.com/ethpandaops/testrelay/pkg/eventlog"
	"github.com/ethpandaops/testrelay/pkg/events"
	"github.com/ethpandaops/testrelay/pkg/fsutil"
	"github.com/ethpandaops/testrelay/pkg/indexstore"
	"github.com/ethpandaops/testrelay/pkg/live"
	"github.com/ethpandaops/testrelay/pkg/metrics"
	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/ethpandaops/testrelay/pkg/registry"
	"github.com/ethpandaops/testrelay/pkg/relay"
	"github.com/ethpandaops/testrelay/pkg/stacktrace"
	"github.com/ethpandaops/testrelay/pkg/upload"
	"github.com/sirupsen/logrus"
)

// SummaryFile is the build summary written on completion.
const SummaryFile = "build.json"

// State is the lifecycle state of a build.
type State string

const (
	StateSetup    State = "setup"
	StateRunning  State = "running"
	StateComplete State = "complete"
)

var (
	// ErrNotComplete is returned when loading a build that never completed.
	ErrNotComplete = errors.New("build not complete")

	// ErrAlreadyComplete is returned when completing a build twice.
	ErrAlreadyComplete = errors.New("build already complete")

	// ErrBuildExists is returned when setting up a build whose directory
	// already exists.
	ErrBuildExists = errors.New("build already exists")

	// ErrSealFailed wraps completion failures that lose the durable record
	// of a build: the event log or the build summary could not be written.
	ErrSealFailed = errors.New("sealing build failed")
)

// Indexer records completed builds in a queryable index.
type Indexer interface {
	UpsertBuild(ctx context.Context, build *indexstore.Build) error
	ReplaceTestOutcomes(
		ctx context.Context, buildID string, outcomes []*indexstore.TestOutcome,
	) error
}

// Option configures optional collaborators of a Build.
type Option func(*Build)

// WithIndexer indexes the build on completion.
func WithIndexer(idx Indexer) Option {
	return func(b *Build) { b.indexer = idx }
}

// WithUploader uploads the build directory on completion.
func WithUploader(u upload.Uploader) Option {
	return func(b *Build) { b.uploader = u }
}

// WithPublisher publishes every event and state change. The publisher is
// closed on completion.
func WithPublisher(pub bus.Publisher, subjectPrefix string) Option {
	return func(b *Build) {
		b.publisher = pub
		b.subjectPrefix = subjectPrefix
	}
}

// Build holds the test results of one build.
type Build struct {
	log   logrus.FieldLogger
	id    string
	dir   string
	owner *fsutil.OwnerConfig

	registry registry.Registry
	stats    *live.Stats
	cache    *live.RunningEvents
	eventLog *eventlog.Log
	splitter *relay.Splitter
	fanout   *events.Fanout

	indexer         Indexer
	uploader        upload.Uploader
	publisher       bus.Publisher
	subjectPrefix   string
	shutdownTimeout time.Duration

	host      *HostInfo
	startedAt time.Time

	// gate guards state. Deliveries hold it for reading so completion
	// waits for them.
	gate        sync.RWMutex
	state       State
	completedAt time.Time
	anomalies   atomic.Int64
}

// Ensure interface compliance.
var _ events.Listener = (*Build)(nil)

// New sets up the storage and pipeline of a build. The build starts in
// StateSetup and drops every event until Start is called.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	buildID string,
	opts ...Option,
) (*Build, error) {
	owner, err := cfg.Storage.OwnerConfig()
	if err != nil {
		return nil, fmt.Errorf("parsing storage owner: %w", err)
	}

	timeout, err := cfg.Relay.ShutdownTimeoutDuration()
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(cfg.Storage.ResultsDir, buildID)

	// Two builds appending to one event log could never be replayed, so
	// the directory is claimed exclusively, completed or not.
	if err := fsutil.Mkdir(dir, 0o755, owner); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrBuildExists, dir)
		}

		return nil, fmt.Errorf("creating build directory: %w", err)
	}

	log = log.WithField("build_id", buildID)

	evLog, err := eventlog.Open(log, filepath.Join(dir, cfg.Storage.EventsDir), eventlog.Options{
		Owner: owner,
		Fsync: cfg.Storage.Fsync,
	})
	if err != nil {
		_ = os.RemoveAll(dir)

		return nil, fmt.Errorf("opening event log: %w", err)
	}

	b := &Build{
		log:             log.WithField("component", "results"),
		id:              buildID,
		dir:             dir,
		owner:           owner,
		registry:        registry.New(),
		stats:           live.NewStats(),
		cache:           live.NewRunningEvents(),
		eventLog:        evLog,
		shutdownTimeout: timeout,
		host:            collectHostInfo(log),
		startedAt:       time.Now().UTC(),
		state:           StateSetup,
	}

	for _, opt := range opts {
		opt(b)
	}

	listeners := []events.Listener{b.eventLog, b.cache, b.stats}
	if b.publisher != nil {
		listeners = append(listeners, bus.NewListener(log, b.publisher, b.subjectPrefix, buildID))
	}

	b.fanout = events.NewFanout(listeners...)

	recv := receiver.New(log, newFilter(&cfg.Relay.StackFilter), cfg.Relay.MaxFrameSize)
	corr := correlator.New(log, b.registry, b)
	b.splitter = relay.NewSplitter(log, recv, corr)

	b.log.WithField("dir", dir).Info("Build set up")

	return b, nil
}

func newFilter(cfg *config.StackFilterConfig) *stacktrace.Filter {
	if cfg.DisableDefaults {
		return stacktrace.NewFilterWithPatterns(cfg.Patterns)
	}

	return stacktrace.NewFilter(cfg.Patterns...)
}

// Forwarder returns the capability that accepts test event streams for
// this build. Builds restored by Load have none.
func (b *Build) Forwarder() relay.Forwarder {
	if b.splitter == nil {
		return nil
	}

	return b.splitter
}

// Start moves the build to StateRunning.
func (b *Build) Start() error {
	b.gate.Lock()
	defer b.gate.Unlock()

	if b.state != StateSetup {
		return fmt.Errorf("cannot start build in state %s", b.state)
	}

	b.state = StateRunning
	b.publishState(StateRunning)

	b.log.Info("Build running")

	return nil
}

// HandleEvent delivers ev to the build's listeners while the build is
// running. Events arriving in any other state are dropped and counted.
func (b *Build) HandleEvent(ev *events.Event) {
	b.gate.RLock()
	defer b.gate.RUnlock()

	if b.state != StateRunning {
		b.anomalies.Add(1)
		metrics.EventsDropped.WithLabelValues(string(b.state)).Inc()

		b.log.WithFields(logrus.Fields{
			"state":  b.state,
			"seq":    ev.Seq,
			"run_id": ev.RunID,
			"kind":   ev.Kind,
		}).Warn("Dropped event outside running state")

		return
	}

	b.fanout.HandleEvent(ev)
}

// Complete stops accepting streams, waits up to the shutdown timeout for
// streams already in flight, then seals the event log and writes the build
// summary. A failure to seal wraps ErrSealFailed. Indexing and upload run
// last; their failures are returned but leave the build complete.
func (b *Build) Complete(ctx context.Context) error {
	if b.State() == StateComplete {
		return ErrAlreadyComplete
	}

	b.splitter.Close()

	if err := b.splitter.Wait(b.shutdownTimeout); err != nil {
		b.log.WithError(err).Warn("Streams still open at completion, late events will be dropped")
	}

	b.gate.Lock()

	if b.state == StateComplete {
		b.gate.Unlock()

		return ErrAlreadyComplete
	}

	b.state = StateComplete
	b.completedAt = time.Now().UTC()
	b.gate.Unlock()

	if b.publisher != nil {
		defer func() {
			b.publishState(StateComplete)

			if err := b.publisher.Close(); err != nil {
				b.log.WithError(err).Warn("Failed to close publisher")
			}
		}()
	}

	if err := b.eventLog.Close(b.registry.List()); err != nil {
		return fmt.Errorf("%w: closing event log: %w", ErrSealFailed, err)
	}

	summary := b.Summary()

	if err := fsutil.WriteJSON(filepath.Join(b.dir, SummaryFile), summary, b.owner); err != nil {
		return fmt.Errorf("%w: writing build summary: %w", ErrSealFailed, err)
	}

	var errs []error

	if b.indexer != nil {
		if err := Index(ctx, b.indexer, summary, b.cache.All()); err != nil {
			errs = append(errs, err)
		}
	}

	if b.uploader != nil {
		if err := b.uploader.Upload(ctx, b.dir); err != nil {
			errs = append(errs, fmt.Errorf("uploading build: %w", err))
		}
	}

	b.log.WithFields(logrus.Fields{
		"total":     summary.Stats.Total,
		"passed":    summary.Stats.Passed,
		"failed":    summary.Stats.Failed,
		"skipped":   summary.Stats.Skipped,
		"running":   summary.Stats.Running,
		"anomalies": summary.Anomalies,
	}).Info("Build complete")

	return errors.Join(errs...)
}

func (b *Build) publishState(state State) {
	if b.publisher == nil {
		return
	}

	prefix := b.subjectPrefix
	if prefix == "" {
		prefix = bus.DefaultSubjectPrefix
	}

	if err := b.publisher.Publish(context.Background(), bus.StateSubject(prefix, b.id), &bus.StateChange{
		BuildID: b.id,
		State:   string(state),
		Time:    time.Now().UTC(),
	}); err != nil {
		b.log.WithError(err).Warn("Failed to publish state change")
	}
}

// Index writes the build summary and its test outcomes to idx.
func Index(ctx context.Context, idx Indexer, s *Summary, evs []*events.Event) error {
	row := &indexstore.Build{
		BuildID:      s.BuildID,
		State:        string(s.State),
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
		TestsTotal:   s.Stats.Total,
		TestsPassed:  s.Stats.Passed,
		TestsFailed:  s.Stats.Failed,
		TestsSkipped: s.Stats.Skipped,
		TestsRunning: s.Stats.Running,
		Runs:         len(s.RunIDs),
		Events:       s.Events,
		Anomalies:    s.Anomalies,
		IndexedAt:    time.Now().UTC(),
	}

	if s.Host != nil {
		row.Host = s.Host.Hostname
	}

	if err := idx.UpsertBuild(ctx, row); err != nil {
		return fmt.Errorf("indexing build: %w", err)
	}

	if err := idx.ReplaceTestOutcomes(ctx, s.BuildID, Outcomes(evs)); err != nil {
		return fmt.Errorf("indexing test outcomes: %w", err)
	}

	return nil
}

// Summary is the persisted overview of a build.
type Summary struct {
	BuildID     string          `json:"build_id"`
	State       State           `json:"state"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Stats       live.Counts     `json:"stats"`
	RunIDs      []string        `json:"run_ids"`
	Events      int             `json:"events"`
	Anomalies   int             `json:"anomalies"`
	OpenTests   []live.OpenTest `json:"open_tests,omitempty"`
	Host        *HostInfo       `json:"host,omitempty"`
}

// Summary returns the current overview of the build.
func (b *Build) Summary() *Summary {
	b.gate.RLock()
	state, completedAt := b.state, b.completedAt
	b.gate.RUnlock()

	return &Summary{
		BuildID:     b.id,
		State:       state,
		StartedAt:   b.startedAt,
		CompletedAt: completedAt,
		Stats:       b.stats.Snapshot(),
		RunIDs:      b.registry.List(),
		Events:      b.cache.Len(),
		Anomalies:   b.Anomalies(),
		OpenTests:   b.stats.OpenTests(),
		Host:        b.host,
	}
}

// ID returns the build id.
func (b *Build) ID() string {
	return b.id
}

// Dir returns the build directory.
func (b *Build) Dir() string {
	return b.dir
}

// State returns the lifecycle state.
func (b *Build) State() State {
	b.gate.RLock()
	defer b.gate.RUnlock()

	return b.state
}

// Stats returns a snapshot of the test counters.
func (b *Build) Stats() live.Counts {
	return b.stats.Snapshot()
}

// Events returns the in-memory event cache.
func (b *Build) Events() *live.RunningEvents {
	return b.cache
}

// RunIDs returns the registered run ids in registration order.
func (b *Build) RunIDs() []string {
	return b.registry.List()
}

// Anomalies returns how many events were dropped outside StateRunning.
func (b *Build) Anomalies() int {
	return int(b.anomalies.Load())
}

// OpenTests lists the tests that started but never finished.
func (b *Build) OpenTests() []live.OpenTest {
	return b.stats.OpenTests()
}
