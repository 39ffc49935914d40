package main

import (
	"fmt"
	"net/http"

	"github.com/ethpandaops/testrelay/pkg/relay"
	"github.com/spf13/cobra"
)

var (
	agentCoordinator string
	agentToken       string
)

var agentCmd = &cobra.Command{
	Use:   "agent --coordinator URL --token TOKEN -- <command> [args...]",
	Short: "Run a test command and stream its test events to a coordinator",
	Long: `Bind the relay port locally, run the test command and forward every test
runner connection to the build on the coordinator identified by the forwarder
token. The coordinator owns the build and completes it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentCoordinator, "coordinator", "",
		"Coordinator base URL")
	agentCmd.Flags().StringVar(&agentToken, "token", "",
		"Forwarder token returned when the build was created")

	_ = agentCmd.MarkFlagRequired("coordinator")
	_ = agentCmd.MarkFlagRequired("token")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fwd, err := relay.NewRemoteForwarder(log, agentCoordinator, agentToken, &http.Client{})
	if err != nil {
		return fmt.Errorf("creating remote forwarder: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	return superviseChild(ctx, cfg, fwd, args)
}
