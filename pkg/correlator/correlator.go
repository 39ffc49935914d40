package correlator

import (
	"sync"
	"time"

	"github.com/ethpandaops/testrelay/pkg/events"
	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/ethpandaops/testrelay/pkg/registry"
	"github.com/sirupsen/logrus"
)

// Correlator assigns run ids and build-wide sequence numbers to records and
// fans the resulting events out to a fixed list of listeners.
type Correlator struct {
	log      logrus.FieldLogger
	registry registry.Registry
	fanout   *events.Fanout
	now      func() time.Time

	// mu orders sequence assignment and delivery so every listener, the
	// event log included, sees events in Seq order.
	mu  sync.Mutex
	seq uint64
}

// New creates a Correlator. The listener list is fixed for its lifetime.
func New(
	log logrus.FieldLogger,
	reg registry.Registry,
	listeners ...events.Listener,
) *Correlator {
	return &Correlator{
		log:      log.WithField("component", "correlator"),
		registry: reg,
		fanout:   events.NewFanout(listeners...),
		now:      time.Now,
	}
}

// Seq returns the last sequence number handed out.
func (c *Correlator) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.seq
}

// NewSession returns the record listener for one test-runner connection.
// The run id is registered lazily on the first record, so a connection that
// never sends anything leaves no trace in the registry.
func (c *Correlator) NewSession(source string) receiver.RecordListener {
	return &session{
		c:      c,
		source: source,
	}
}

// Ensure interface compliance.
var _ receiver.RecordListener = (*session)(nil)

type session struct {
	c      *Correlator
	source string

	once  sync.Once
	runID string
}

// RunID returns the session's run id, or "" before the first record.
func (s *session) RunID() string {
	return s.runID
}

func (s *session) HandleRecord(rec *events.Record) {
	s.once.Do(func() {
		s.runID = s.c.registry.Register()

		s.c.log.WithFields(logrus.Fields{
			"run_id": s.runID,
			"source": s.source,
		}).Info("Registered test run")
	})

	s.c.emit(s.runID, rec)
}

func (c *Correlator) emit(runID string, rec *events.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++

	c.fanout.HandleEvent(&events.Event{
		Seq:    c.seq,
		RunID:  runID,
		Time:   c.now().UTC(),
		Record: *rec,
	})
}
