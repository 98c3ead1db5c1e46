package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentorch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config file helpers",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Parse and validate the config file without starting anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m := config.NewConfigManager(cfgPath)
		cfg, err := m.Parse()
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", m.Path())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
}
