// Package eventlog persists build events as an append-only JSON lines file
// and seals it with a manifest when the build completes.
package eventlog

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethpandaops/testrelay/pkg/events"
	"github.com/ethpandaops/testrelay/pkg/fsutil"
	"github.com/ethpandaops/testrelay/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const (
	EventsFile   = "events.jsonl"
	RunIDsFile   = "runids.json"
	ManifestFile = "manifest.json"

	// FormatVersion is written to the manifest.
	FormatVersion = 1

	// DigestAlgorithm names the manifest digest.
	DigestAlgorithm = "blake2b-256"
)

var (
	// ErrClosed is returned when writing to a closed log.
	ErrClosed = errors.New("event log closed")

	// ErrDigestMismatch means the events file does not match its manifest.
	ErrDigestMismatch = errors.New("event log digest mismatch")

	// ErrCorrupt means a line in the middle of the events file is unreadable.
	ErrCorrupt = errors.New("event log corrupt")
)

// Options configures a Log.
type Options struct {
	Owner *fsutil.OwnerConfig
	// Fsync syncs the file after every event.
	Fsync bool
}

// Manifest seals a closed log.
type Manifest struct {
	FormatVersion   int       `json:"format_version"`
	Events          int       `json:"events"`
	DigestAlgorithm string    `json:"digest_algorithm"`
	Digest          string    `json:"digest"`
	ClosedAt        time.Time `json:"closed_at"`
}

// Log is an events.Listener that appends every event to disk before
// returning.
type Log struct {
	log  logrus.FieldLogger
	dir  string
	opts Options

	mu      sync.Mutex
	f       *os.File
	digest  hash.Hash
	count   int
	dropped int
	err     error
	closed  bool
}

// Ensure interface compliance.
var _ events.Listener = (*Log)(nil)

// Open creates dir and opens its events file for appending. Existing
// content is kept and included in the digest.
func Open(log logrus.FieldLogger, dir string, opts Options) (*Log, error) {
	if err := fsutil.MkdirAll(dir, 0o755, opts.Owner); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}

	digest, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("creating digest: %w", err)
	}

	path := filepath.Join(dir, EventsFile)

	count, err := hashExisting(path, digest)
	if err != nil {
		return nil, fmt.Errorf("reading existing event log: %w", err)
	}

	f, err := fsutil.OpenAppend(path, opts.Owner)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	return &Log{
		log:    log.WithField("component", "eventlog"),
		dir:    dir,
		opts:   opts,
		f:      f,
		digest: digest,
		count:  count,
	}, nil
}

func hashExisting(path string, h hash.Hash) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	h.Write(data)

	return bytes.Count(data, []byte{'\n'}), nil
}

// Dir returns the log directory.
func (l *Log) Dir() string {
	return l.dir
}

// HandleEvent appends ev as one JSON line. After a write failure or Close
// further events are dropped and counted.
func (l *Log) HandleEvent(ev *events.Event) {
	_ = l.Append(ev)
}

// Append writes ev and returns ErrClosed after Close, or the first write
// failure once one occurred.
func (l *Log) Append(ev *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.dropped++

		return ErrClosed
	}

	if l.err != nil {
		l.dropped++

		return l.err
	}

	if err := l.write(ev); err != nil {
		l.err = err
		l.dropped++
		l.log.WithError(err).WithField("seq", ev.Seq).Error("Failed to persist event")

		return err
	}

	l.count++
	metrics.EventsPersisted.Inc()

	return nil
}

func (l *Log) write(ev *events.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event %d: %w", ev.Seq, err)
	}

	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("writing event %d: %w", ev.Seq, err)
	}

	l.digest.Write(line)

	if l.opts.Fsync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("syncing event %d: %w", ev.Seq, err)
		}
	}

	return nil
}

// Count returns the number of events in the file.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Dropped returns the number of events that were not persisted.
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.dropped
}

// Err returns the first write error, if any.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.err
}

// Close flushes and closes the events file, then writes the run id snapshot
// and the manifest. It returns the first error seen by the log. Later calls
// are no-ops.
func (l *Log) Close(runIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	errs := []error{l.err}

	if err := l.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("syncing event log: %w", err))
	}

	if err := l.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing event log: %w", err))
	}

	if runIDs == nil {
		runIDs = []string{}
	}

	if err := fsutil.WriteJSON(filepath.Join(l.dir, RunIDsFile), runIDs, l.opts.Owner); err != nil {
		errs = append(errs, fmt.Errorf("writing run ids: %w", err))
	}

	manifest := &Manifest{
		FormatVersion:   FormatVersion,
		Events:          l.count,
		DigestAlgorithm: DigestAlgorithm,
		Digest:          hex.EncodeToString(l.digest.Sum(nil)),
		ClosedAt:        time.Now().UTC(),
	}

	if err := fsutil.WriteJSON(filepath.Join(l.dir, ManifestFile), manifest, l.opts.Owner); err != nil {
		errs = append(errs, fmt.Errorf("writing manifest: %w", err))
	}

	l.log.WithFields(logrus.Fields{
		"events":  l.count,
		"dropped": l.dropped,
		"run_ids": len(runIDs),
	}).Info("Event log closed")

	return errors.Join(errs...)
}

// Contents is a persisted event log read back from disk.
type Contents struct {
	Events []*events.Event
	RunIDs []string
	// Manifest is nil when the log was never closed.
	Manifest *Manifest
	// TornTail is set when the last line was cut short and ignored.
	TornTail bool
}

// Read loads the event log in dir. When a manifest is present the events
// file must match its digest. Without a run id snapshot the run ids are
// derived from the events in first-seen order.
func Read(dir string) (*Contents, error) {
	data, err := os.ReadFile(filepath.Join(dir, EventsFile))
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	out := &Contents{}

	var manifest Manifest

	switch err := fsutil.ReadJSON(filepath.Join(dir, ManifestFile), &manifest); {
	case err == nil:
		out.Manifest = &manifest
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	if out.Manifest != nil {
		sum := blake2b.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != out.Manifest.Digest {
			return nil, fmt.Errorf("%w: manifest %s, file %s", ErrDigestMismatch, out.Manifest.Digest, got)
		}
	}

	out.Events, out.TornTail, err = parseLines(data)
	if err != nil {
		return nil, err
	}

	if out.Manifest != nil && out.Manifest.Events != len(out.Events) {
		return nil, fmt.Errorf("%w: manifest lists %d events, file has %d",
			ErrCorrupt, out.Manifest.Events, len(out.Events))
	}

	switch err := fsutil.ReadJSON(filepath.Join(dir, RunIDsFile), &out.RunIDs); {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		out.RunIDs = deriveRunIDs(out.Events)
	default:
		return nil, fmt.Errorf("reading run ids: %w", err)
	}

	return out, nil
}

func parseLines(data []byte) ([]*events.Event, bool, error) {
	var (
		evs  []*events.Event
		line int
	)

	for len(data) > 0 {
		line++

		end := bytes.IndexByte(data, '\n')
		if end < 0 {
			// A write interrupted by a crash leaves a line without its
			// terminator.
			return evs, true, nil
		}

		var ev events.Event
		if err := json.Unmarshal(data[:end], &ev); err != nil {
			return nil, false, fmt.Errorf("%w: line %d: %w", ErrCorrupt, line, err)
		}

		evs = append(evs, &ev)
		data = data[end+1:]
	}

	return evs, false, nil
}

func deriveRunIDs(evs []*events.Event) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)

	for _, ev := range evs {
		if _, ok := seen[ev.RunID]; ok {
			continue
		}

		seen[ev.RunID] = struct{}{}
		ids = append(ids, ev.RunID)
	}

	return ids
}
