package relay

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/sirupsen/logrus"
)

// SessionSource creates the record listener for one stream.
type SessionSource interface {
	NewSession(source string) receiver.RecordListener
}

// Splitter is the local end of a Forwarder. Every Connect starts a parser
// over a pipe whose write end is returned as the sink, so the writer blocks
// until the parser has consumed its bytes.
type Splitter struct {
	log      logrus.FieldLogger
	receiver *receiver.Receiver
	sessions SessionSource

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Ensure interface compliance.
var _ Forwarder = (*Splitter)(nil)

// NewSplitter creates a Splitter.
func NewSplitter(
	log logrus.FieldLogger,
	recv *receiver.Receiver,
	sessions SessionSource,
) *Splitter {
	return &Splitter{
		log:      log.WithField("component", "splitter"),
		receiver: recv,
		sessions: sessions,
	}
}

// Connect starts a parser for a new stream and returns its sink. A decode
// failure closes the pipe with the error, which surfaces on the next write
// and from the sink's Close.
func (s *Splitter) Connect(_ context.Context, source string) (io.WriteCloser, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil, ErrClosed
	}

	s.wg.Add(1)
	s.mu.Unlock()

	pr, pw := io.Pipe()
	listener := s.sessions.NewSession(source)
	log := s.log.WithField("source", source)
	done := make(chan error, 1)

	go func() {
		defer s.wg.Done()

		err := s.receiver.Receive(pr, listener)
		if err != nil {
			log.WithError(err).Warn("Stream terminated")
		}

		// A nil error closes the read end with io.ErrClosedPipe.
		pr.CloseWithError(err)

		done <- err
	}()

	return &splitSink{pw: pw, done: done}, nil
}

// splitSink is the write end of a parser pipe.
type splitSink struct {
	pw   *io.PipeWriter
	done chan error

	once sync.Once
	err  error
}

func (s *splitSink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

// Close ends the stream and waits until every record in it was delivered.
// It returns the parser's error, if any.
func (s *splitSink) Close() error {
	s.once.Do(func() {
		_ = s.pw.Close()
		s.err = <-s.done
	})

	return s.err
}

// Close refuses further streams. Parsers already running are not affected.
func (s *Splitter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

// Wait joins every parser started so far, up to timeout. Call Close first
// so no new parser can start.
func (s *Splitter) Wait(timeout time.Duration) error {
	return waitTimeout(s.wg.Wait, timeout)
}
