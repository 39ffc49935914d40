package main

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/testrelay/pkg/idgen"
	"github.com/ethpandaops/testrelay/pkg/results"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runBuildID string

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Run a test command and record its test events",
	Long: `Set up a local build, export the relay port to the test command through the
configured environment variable, run the command and complete the build when
it exits. The exit status of the test command is preserved.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLocalBuild,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runBuildID, "build-id", "",
		"Build id (default: generated)")
}

func runLocalBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	buildID := runBuildID
	if buildID == "" {
		if buildID, err = idgen.BuildID(); err != nil {
			return fmt.Errorf("generating build id: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts, cleanup, err := buildOptions(ctx, cfg)
	defer cleanup()

	if err != nil {
		return err
	}

	b, err := results.New(log, cfg, buildID, opts...)
	if err != nil {
		return fmt.Errorf("setting up build: %w", err)
	}

	if err := b.Start(); err != nil {
		return err
	}

	childErr := superviseChild(ctx, cfg, b.Forwarder(), args)

	// Completion must finish even after an interrupt.
	completeErr := b.Complete(cmd.Context())

	stats := b.Stats()
	log.WithFields(logrus.Fields{
		"build_id":  b.ID(),
		"dir":       b.Dir(),
		"runs":      len(b.RunIDs()),
		"total":     stats.Total,
		"passed":    stats.Passed,
		"failed":    stats.Failed,
		"skipped":   stats.Skipped,
		"running":   stats.Running,
		"anomalies": b.Anomalies(),
	}).Info("Test results recorded")

	if completeErr != nil {
		return errors.Join(childErr, fmt.Errorf("completing build: %w", completeErr))
	}

	return childErr
}
