package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server serves /metrics on its own listener.
type Server struct {
	log  logrus.FieldLogger
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// NewServer binds listen and prepares the metrics endpoint.
func NewServer(log logrus.FieldLogger, listen string) (*Server, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		log: log.WithField("component", "metrics"),
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:   ln,
		done: make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start serves metrics in the background.
func (s *Server) Start() {
	go func() {
		defer close(s.done)

		s.log.WithField("listen", s.Addr()).Info("Metrics server starting")

		if err := s.srv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Metrics server error")
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}

	<-s.done

	return nil
}
