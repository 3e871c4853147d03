package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration and attempt a live connection to the realtime endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(cfg.Default.RealtimeURL, "(not set)"))
		fmt.Printf("  API Base URL: %s\n", valueOrDefault(cfg.Default.APIBaseURL, "(not set)"))
		fmt.Printf("  Workspace:    %s\n", valueOrDefault(cfg.Default.WorkspaceID, "(not set)"))
		if cfg.Default.RedisURL != "" {
			fmt.Printf("  Redis:        %s\n", cfg.Default.RedisURL)
		}
		if cfg.Default.DatabaseURL != "" {
			fmt.Printf("  Database:     (set)\n")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}

		if cfg.Default.RealtimeURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Connectivity:")
		conn, _, err := getConnection(newLogger(false))
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.WaitUntilConnected(ctx, 10*time.Second); err != nil {
			fmt.Printf("  Connection failed: %v\n", err)
			return nil
		}
		fmt.Printf("  Connected (%s)\n", conn.State())
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
