// Package main is the entry point for the Trove daemon.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/trovehq/trove/internal/config"
	"github.com/trovehq/trove/internal/daemon"
	"github.com/trovehq/trove/internal/observability"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "troved",
		Short: "Trove daemon - workplace search background service",
		Long: `Trove daemon crawls connected data sources, maintains the lexical
and dense indexes, and serves the search API over HTTP.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE:    runDaemon,
	}

	// Flags
	rootCmd.Flags().String("data-dir", "", "Data directory (default: ~/.trove)")
	rootCmd.Flags().String("listen", "", "HTTP listen address (default: :8080)")
	rootCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-format", "", "Log format: json, console")

	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Override with command line flags
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if logLevel, _ := cmd.Flags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat, _ := cmd.Flags().GetString("log-format"); logFormat != "" {
		cfg.LogFormat = logFormat
	}

	// Setup logging
	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	// Set version info for daemon handlers
	daemon.Version = Version
	daemon.BuildTime = BuildTime

	// Create and run daemon
	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	return d.Run()
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage daemon configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			if path == "" {
				homeDir, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolve home directory: %w", err)
				}
				path = filepath.Join(homeDir, ".trove", "trove.yaml")
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().String("path", "", "Config file path (default: ~/.trove/trove.yaml)")

	cmd.AddCommand(initCmd)
	return cmd
}
