// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-dropsync/config"
)

var (
	// configFile is set by the --config flag
	configFile string

	// cfg and logger are loaded by PersistentPreRunE
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dropsync",
	Short: "Offline-first record replication",
	Long: `dropsync serves the sync endpoint and inspects the SQLite replica of a client.

Configuration is read from dropsync.yaml (working directory or user config
directory, or --config) and DROPSYNC_* environment variables.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./dropsync.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(rejectedCmd)
	rootCmd.AddCommand(syncCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if cfg, err = config.Load(configFile); err != nil {
		return err
	}
	if logger, err = cfg.NewLogger(os.Stderr); err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
