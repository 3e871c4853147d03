package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <realtime-url> <token>",
	Short: "Store connection settings in ~/.relay/config.toml",
	Long:  "Initialize the Relay CLI by storing the realtime endpoint URL and auth token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		realtimeURL, token := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.RealtimeURL = realtimeURL
		cfg.Auth.Token = token

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Connection settings saved to %s\n", path)
		return nil
	},
}
