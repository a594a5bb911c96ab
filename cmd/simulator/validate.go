package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coder/llmsimulator/internal/config"
)

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file without starting the server",
		Run: func(cmd *cobra.Command, args []string) {
			root, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitInvalidConfig)
			}
			if _, err := config.BuildRegistry(root); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitInvalidConfig)
			}
			if _, err := config.BuildLatencyProfiles(root); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitInvalidConfig)
			}
			if _, err := config.BuildChaosRules(root); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitInvalidConfig)
			}
			fmt.Println("configuration OK")
			os.Exit(exitOK)
		},
	}
}
