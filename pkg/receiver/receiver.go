package receiver

import (
	"errors"
	"fmt"
	"io"

	"github.com/ethpandaops/testrelay/pkg/events"
	"github.com/ethpandaops/testrelay/pkg/metrics"
	"github.com/ethpandaops/testrelay/pkg/stacktrace"
	"github.com/ethpandaops/testrelay/pkg/wire"
	"github.com/sirupsen/logrus"
)

// RecordListener receives decoded records of a single stream in arrival
// order.
type RecordListener interface {
	HandleRecord(rec *events.Record)
}

// RecordListenerFunc adapts a function to RecordListener.
type RecordListenerFunc func(rec *events.Record)

// HandleRecord calls f(rec).
func (f RecordListenerFunc) HandleRecord(rec *events.Record) {
	f(rec)
}

// Receiver decodes a test event stream and filters failure stack traces.
type Receiver struct {
	log      logrus.FieldLogger
	filter   *stacktrace.Filter
	maxFrame int
}

// New creates a Receiver. A nil filter uses the default patterns.
func New(log logrus.FieldLogger, filter *stacktrace.Filter, maxFrame int) *Receiver {
	if filter == nil {
		filter = stacktrace.NewFilter()
	}

	return &Receiver{
		log:      log.WithField("component", "receiver"),
		filter:   filter,
		maxFrame: maxFrame,
	}
}

// Receive reads records from r until the stream ends and hands each one to
// l before reading the next. It returns nil when the stream ends cleanly.
// Records delivered before an error remain valid.
func (r *Receiver) Receive(src io.Reader, l RecordListener) error {
	rd := wire.NewReader(src, r.maxFrame)

	var count int

	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			r.log.WithFields(logrus.Fields{
				"records": count,
				"skipped": rd.Skipped(),
			}).Debug("Record stream ended")

			return nil
		}

		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				metrics.DecodeFailures.Inc()
				r.log.WithError(err).WithField("records", count).Warn("Malformed record stream")
			}

			return fmt.Errorf("receiving record %d: %w", count, err)
		}

		if rec.Kind == events.KindTestFailed {
			rec.Stack = r.filter.Apply(rec.Stack)
		}

		metrics.RecordsDecoded.WithLabelValues(string(rec.Kind)).Inc()

		l.HandleRecord(rec)

		count++
	}
}
