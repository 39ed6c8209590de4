// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-dropsync/dropsync"
)

var seedFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Serve the websocket sync endpoint on /sync and the session count on /status.

Records live in Postgres when server.database_url is set and in memory
otherwise. --seed loads a JSON object of table name to records into the
in-memory store.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&seedFile, "seed", "", "JSON file of records for the in-memory store")
}

type recordStore interface {
	dropsync.RecordHandler
	dropsync.Snapshotter
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Server.Validate(); err != nil {
		return err
	}
	registry, err := cfg.Schema(nil)
	if err != nil {
		return err
	}
	resolver, err := cfg.Resolver()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store recordStore
	if cfg.Server.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
		if store, err = dropsync.NewPGStore(ctx, pool, registry, resolver, cfg.Server.Snapshot(), logger); err != nil {
			return err
		}
		logger.Info("Using Postgres record store")
	} else {
		mem := dropsync.NewMemoryStore(registry, resolver, logger)
		if seedFile != "" {
			if err := seed(mem, seedFile); err != nil {
				return err
			}
		}
		store = mem
		logger.Warn("Using in-memory record store, records are lost on exit")
	}

	handler := dropsync.NewHandler(store, store, dropsync.NewJWTAuth(cfg.Server.JWTSecret), cfg.Server.Handler(), logger)
	mux := http.NewServeMux()
	mux.Handle("/sync", handler)
	mux.HandleFunc("/status", handler.HandleStatus)

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting sync server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}

func seed(store *dropsync.MemoryStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var tables map[string][]map[string]any
	if err := dropsync.Decode(data, &tables); err != nil {
		return err
	}
	for table, records := range tables {
		if err := store.Put(table, records...); err != nil {
			return fmt.Errorf("failed to seed %s: %w", table, err)
		}
		logger.Info("Seeded table", "table", table, "records", len(records))
	}
	return nil
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <user-id> [name]",
	Short: "Issue a session token signed with server.jwt_secret",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.JWTSecret == "" {
			return errors.New("server.jwt_secret is required")
		}
		user := dropsync.User{ID: args[0]}
		if len(args) > 1 {
			user.Name = args[1]
		}
		token, err := dropsync.NewJWTAuth(cfg.Server.JWTSecret).GenerateToken(user, tokenTTL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
