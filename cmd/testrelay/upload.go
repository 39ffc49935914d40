package main

import (
	"fmt"

	"github.com/ethpandaops/testrelay/pkg/upload"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <build-dir>",
	Short: "Upload a build directory to S3-compatible storage",
	Long:  `Upload a local build directory to S3-compatible storage using the config file settings.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Upload.S3.Enabled {
		return fmt.Errorf("S3 upload is not configured or not enabled in config")
	}

	uploader, err := upload.NewS3Uploader(log, &cfg.Upload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	ctx := cmd.Context()

	log.WithField("dir", args[0]).Info("Uploading build")

	if err := uploader.Upload(ctx, args[0]); err != nil {
		return fmt.Errorf("uploading build: %w", err)
	}

	log.Info("Upload completed successfully")

	return nil
}
