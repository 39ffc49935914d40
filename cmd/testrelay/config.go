package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after merging config files, environment overrides and defaults. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := cfg.Dump()
		if err != nil {
			return err
		}

		_, err = os.Stdout.Write(data)

		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
