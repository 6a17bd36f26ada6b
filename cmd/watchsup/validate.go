package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/watchsup"
)

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file, printing nothing on success",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := watchsup.LoadConfig(configPath); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the service catalog file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
