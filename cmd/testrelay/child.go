package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/ethpandaops/testrelay/pkg/metrics"
	"github.com/ethpandaops/testrelay/pkg/relay"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// superviseChild binds a port forwarder for fwd, runs the test process
// with the port exported in cfg.Relay.PortEnv and shuts the forwarder down
// once the process exits. The process error is returned as is so its exit
// status can be mirrored.
func superviseChild(
	ctx context.Context,
	cfg *config.Config,
	fwd relay.Forwarder,
	args []string,
) error {
	if len(args) == 0 {
		return fmt.Errorf("a test command is required after --")
	}

	timeout, err := cfg.Relay.ShutdownTimeoutDuration()
	if err != nil {
		return err
	}

	pf, err := relay.NewPortForwarder(log, cfg.Relay.Addr(), fwd)
	if err != nil {
		return fmt.Errorf("starting port forwarder: %w", err)
	}

	var ms *metrics.Server

	if cfg.Metrics.Enabled {
		ms, err = metrics.NewServer(log, cfg.Metrics.Listen)
		if err != nil {
			_ = pf.Close()

			return fmt.Errorf("starting metrics server: %w", err)
		}

		ms.Start()
	}

	childCtx, stop := context.WithCancel(ctx)
	defer stop()

	pf.Start(childCtx)

	g, gctx := errgroup.WithContext(childCtx)

	g.Go(func() error {
		defer stop()

		return runChild(gctx, args, cfg.Relay.PortEnv, pf.Port())
	})

	if ms != nil {
		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			return ms.Stop(shutdownCtx)
		})
	}

	childErr := g.Wait()

	if err := pf.Close(); err != nil {
		log.WithError(err).Warn("Failed to close port forwarder")
	}

	if err := pf.Wait(timeout); err != nil {
		log.WithError(err).Warn("Relay sessions still open after test process exit")
	}

	return childErr
}

func runChild(ctx context.Context, args []string, portEnv string, port int) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), portEnv+"="+strconv.Itoa(port))
	cmd.WaitDelay = 10 * time.Second

	log.WithFields(logrus.Fields{
		"command": args[0],
		"env":     portEnv,
		"port":    port,
	}).Info("Starting test process")

	start := time.Now()
	err := cmd.Run()

	log.WithFields(logrus.Fields{
		"duration":  time.Since(start).Round(time.Millisecond),
		"exit_code": cmd.ProcessState.ExitCode(),
	}).Info("Test process exited")

	return err
}
