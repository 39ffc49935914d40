package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testrelay/pkg/bus"
	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/ethpandaops/testrelay/pkg/indexstore"
	"github.com/ethpandaops/testrelay/pkg/results"
	"github.com/ethpandaops/testrelay/pkg/upload"
)

// buildOptions opens the collaborators enabled in cfg. The returned
// cleanup releases them once the build is complete.
func buildOptions(ctx context.Context, cfg *config.Config) ([]results.Option, func(), error) {
	var (
		opts     []results.Option
		cleanups []func()
	)

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Index.Enabled {
		store := indexstore.NewStore(log, &cfg.Index)
		if err := store.Start(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("starting index store: %w", err)
		}

		cleanups = append(cleanups, func() {
			if err := store.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop index store")
			}
		})

		opts = append(opts, results.WithIndexer(store))
	}

	if cfg.Upload.S3.Enabled {
		uploader, err := upload.NewS3Uploader(log, &cfg.Upload.S3)
		if err != nil {
			return nil, cleanup, fmt.Errorf("creating uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("s3 preflight: %w", err)
		}

		opts = append(opts, results.WithUploader(uploader))
	}

	if cfg.Bus.NATS.Enabled {
		pub, err := bus.Connect(cfg.Bus.NATS.URL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connecting event bus: %w", err)
		}

		opts = append(opts, results.WithPublisher(pub, cfg.Bus.NATS.SubjectPrefix))
	}

	return opts, cleanup, nil
}
