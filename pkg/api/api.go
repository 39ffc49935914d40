package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/testrelay/pkg/bus"
	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/ethpandaops/testrelay/pkg/indexstore"
	"github.com/ethpandaops/testrelay/pkg/results"
	"github.com/ethpandaops/testrelay/pkg/upload"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the coordinator HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr returns the bound listen address once started.
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	builds     *buildSet
	indexStore indexstore.Store
	uploader   upload.Uploader
	httpServer *http.Server
	addr       string
	wg         sync.WaitGroup
}

// NewServer creates a new coordinator API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start opens the optional index store and uploader, then starts the HTTP
// server.
func (s *server) Start(ctx context.Context) error {
	if s.cfg.Index.Enabled {
		s.indexStore = indexstore.NewStore(s.log, &s.cfg.Index)
		if err := s.indexStore.Start(ctx); err != nil {
			return fmt.Errorf("starting index store: %w", err)
		}

		s.log.Info("Build indexing enabled")
	}

	if s.cfg.Upload.S3.Enabled {
		uploader, err := upload.NewS3Uploader(s.log, &s.cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("s3 preflight: %w", err)
		}

		s.uploader = uploader

		s.log.Info("S3 upload enabled")
	}

	s.builds = newBuildSet(s.log, s.cfg.Storage.ResultsDir, s.cfg.Storage.EventsDir)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.API.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.API.Listen, err)
	}

	s.addr = ln.Addr().String()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address.
func (s *server) Addr() string {
	return s.addr
}

// Stop gracefully shuts down the HTTP server, completes builds that are
// still running and closes the index store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.builds != nil {
		for _, b := range s.builds.running() {
			if err := b.Complete(context.Background()); err != nil {
				s.log.WithError(err).WithField("build_id", b.ID()).
					Warn("Failed to complete build on shutdown")
			}
		}
	}

	if s.indexStore != nil {
		if err := s.indexStore.Stop(); err != nil {
			return fmt.Errorf("stopping index store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// newBuild sets up and starts a build with the server's collaborators.
func (s *server) newBuild(buildID string) (*results.Build, error) {
	opts := make([]results.Option, 0, 3)

	if s.indexStore != nil {
		opts = append(opts, results.WithIndexer(s.indexStore))
	}

	if s.uploader != nil {
		opts = append(opts, results.WithUploader(s.uploader))
	}

	var pub bus.Publisher

	if s.cfg.Bus.NATS.Enabled {
		var err error

		pub, err = bus.Connect(s.cfg.Bus.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting event bus: %w", err)
		}

		opts = append(opts, results.WithPublisher(pub, s.cfg.Bus.NATS.SubjectPrefix))
	}

	b, err := results.New(s.log, s.cfg, buildID, opts...)
	if err != nil {
		if pub != nil {
			_ = pub.Close()
		}

		return nil, err
	}

	if err := b.Start(); err != nil {
		return nil, err
	}

	return b, nil
}
