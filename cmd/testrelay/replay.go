package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethpandaops/testrelay/pkg/indexstore"
	"github.com/ethpandaops/testrelay/pkg/results"
	"github.com/spf13/cobra"
)

var replayIndex bool

var replayCmd = &cobra.Command{
	Use:   "replay <build-dir>",
	Short: "Rebuild a completed build's statistics from its event log",
	Long: `Load a completed build from disk by replaying its persisted event log and
print the resulting summary as JSON. With --index the build and its test
outcomes are written to the configured index database.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayIndex, "index", false,
		"Write the build to the index database")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	b, err := results.Load(log, args[0], cfg.Storage.EventsDir)
	if err != nil {
		return fmt.Errorf("loading build: %w", err)
	}

	summary := b.Summary()

	if replayIndex {
		if !cfg.Index.Enabled {
			return fmt.Errorf("index is not enabled in config")
		}

		ctx := cmd.Context()

		store := indexstore.NewStore(log, &cfg.Index)
		if err := store.Start(ctx); err != nil {
			return fmt.Errorf("starting index store: %w", err)
		}

		defer func() {
			if err := store.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop index store")
			}
		}()

		if err := results.Index(ctx, store, summary, b.Events().All()); err != nil {
			return err
		}

		log.WithField("build_id", b.ID()).Info("Build indexed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(summary)
}
