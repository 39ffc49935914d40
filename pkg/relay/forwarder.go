// Package relay moves test event bytes from test-runner sockets to the
// component that decodes them, possibly across a network hop.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	// ErrWaitTimeout is returned when in-flight work did not finish in time.
	ErrWaitTimeout = errors.New("timed out waiting for in-flight sessions")

	// ErrClosed is returned by Connect once a forwarder stopped accepting
	// new streams.
	ErrClosed = errors.New("forwarder closed")
)

// Forwarder hands out sinks for test event byte streams. It is the
// capability a build exports to its agents.
type Forwarder interface {
	// Connect opens a sink for one stream. source identifies the sender
	// for logging. Closing the sink ends the stream; its error reports
	// whether the far side accepted the stream.
	Connect(ctx context.Context, source string) (io.WriteCloser, error)
}

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe or connection reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}

	return false
}

// waitTimeout runs wait and returns ErrWaitTimeout if it does not return
// within timeout. A non-positive timeout waits forever.
func waitTimeout(wait func(), timeout time.Duration) error {
	done := make(chan struct{})

	go func() {
		wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done

		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}
