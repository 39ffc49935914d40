package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/testrelay/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// PortForwarder accepts test-runner connections on a local TCP port and
// copies each connection's bytes into a sink obtained from a Forwarder.
type PortForwarder struct {
	log logrus.FieldLogger
	ln  net.Listener
	fwd Forwarder

	acceptWG  sync.WaitGroup
	sessionWG sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewPortForwarder binds addr immediately so the port is known, and bind
// failures surface, before any test process starts. Use port 0 for an
// ephemeral port.
func NewPortForwarder(log logrus.FieldLogger, addr string, fwd Forwarder) (*PortForwarder, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}

	p := &PortForwarder{
		log: log.WithField("component", "port-forwarder"),
		ln:  ln,
		fwd: fwd,
	}

	p.log.WithField("addr", ln.Addr().String()).Info("Port forwarder listening")

	return p, nil
}

// Port returns the bound port.
func (p *PortForwarder) Port() int {
	if addr, ok := p.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}

	return 0
}

// Addr returns the bound address.
func (p *PortForwarder) Addr() string {
	return p.ln.Addr().String()
}

// Start launches the accept loop. Cancelling ctx closes the listener only:
// sessions get its values but not its cancellation, so streams already
// accepted run until their test runner disconnects.
func (p *PortForwarder) Start(ctx context.Context) {
	p.acceptWG.Add(1)

	go p.acceptLoop(context.WithoutCancel(ctx))

	context.AfterFunc(ctx, func() {
		_ = p.Close()
	})
}

func (p *PortForwarder) acceptLoop(sessionCtx context.Context) {
	defer p.acceptWG.Done()

	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				p.log.Debug("Accept loop stopped")

				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			p.log.WithError(err).Error("Accept failed")

			return
		}

		metrics.ConnectionsAccepted.Inc()

		p.sessionWG.Add(1)

		go p.serve(sessionCtx, conn)
	}
}

func (p *PortForwarder) serve(ctx context.Context, conn net.Conn) {
	defer p.sessionWG.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log := p.log.WithField("remote", remote)

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	sink, err := p.fwd.Connect(ctx, remote)
	if err != nil {
		metrics.SessionErrors.WithLabelValues("connect").Inc()
		log.WithError(err).Error("Failed to open forwarding sink")

		return
	}

	log.Debug("Session started")

	n, copyErr := io.Copy(sink, conn)
	metrics.BytesRelayed.Add(float64(n))

	closeErr := sink.Close()

	fields := logrus.Fields{"bytes": units.HumanSize(float64(n))}

	switch {
	case copyErr != nil && !IsExpectedCloseError(copyErr):
		metrics.SessionErrors.WithLabelValues("copy").Inc()
		log.WithFields(fields).WithError(copyErr).Warn("Session ended abnormally")
	case closeErr != nil:
		metrics.SessionErrors.WithLabelValues("close").Inc()
		log.WithFields(fields).WithError(closeErr).Warn("Sink rejected stream")
	default:
		log.WithFields(fields).Debug("Session finished")
	}
}

// Close stops accepting connections. Sessions already running continue
// until their test runner disconnects.
func (p *PortForwarder) Close() error {
	p.closeOnce.Do(func() {
		if err := p.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.closeErr = fmt.Errorf("closing listener: %w", err)
		}
	})

	return p.closeErr
}

// Wait joins the accept loop and every session, up to timeout.
func (p *PortForwarder) Wait(timeout time.Duration) error {
	return waitTimeout(func() {
		p.acceptWG.Wait()
		p.sessionWG.Wait()
	}, timeout)
}
