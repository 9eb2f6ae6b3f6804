package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localfirst/syncengine/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the engine's resolved configuration",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as TOML",
	Long: `Print the engine configuration that would be loaded for this
invocation: stock defaults, overridden by --config's file (if any), then
by SYNCENGINE_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		doc, err := config.DumpTOML(cfg)
		if err != nil {
			return fmt.Errorf("dump config: %w", err)
		}
		fmt.Print(doc)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}
