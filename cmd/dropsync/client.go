// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-dropsync/dropsqlite"
	"github.com/mobiletoly/go-dropsync/notify"
	"github.com/mobiletoly/go-dropsync/query"
)

// openClient opens the local replica. The transport is not started, so the
// client answers from the local store only until the caller runs it.
func openClient(ctx context.Context) (*dropsqlite.Client, *dropsqlite.WebsocketTransport, error) {
	registry, err := cfg.Schema(nil)
	if err != nil {
		return nil, nil, err
	}
	resolver, err := cfg.Resolver()
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite3", cfg.Client.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local database: %w", err)
	}

	syncCfg := cfg.Client.Sync()
	opts := &dropsqlite.Options{Logger: logger}
	if cfg.Client.BroadcastDir != "" {
		bus, err := notify.NewSocketBus(cfg.Client.BroadcastDir, logger)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		opts.Broadcast = bus
		opts.Origin = bus.Name()
	}
	transport := dropsqlite.NewWebsocketTransport(cfg.Client.ServerURL, http.Header{}, syncCfg, logger)
	client, err := dropsqlite.NewClient(ctx, db, registry, resolver, transport, syncCfg, opts)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return client, transport, nil
}

func withClient(fn func(ctx context.Context, cmd *cobra.Command, c *dropsqlite.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, _, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, cmd, c)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync state of the local replica",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *dropsqlite.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	}),
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued local mutations",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *dropsqlite.Client) error {
		entries, err := c.Pending(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, entries)
	}),
}

var rejectedCmd = &cobra.Command{
	Use:   "rejected",
	Short: "List mutations the server refused",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *dropsqlite.Client) error {
		rejected, err := c.Rejected(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, rejected)
	}),
}

var (
	queryColumns []string
	querySorts   []string
	queryFilters string
	queryLimit   int
)

var queryCmd = &cobra.Command{
	Use:   "query <table>",
	Short: "Query the local replica",
	Long: `Evaluate a query against the local replica.

Filters are a JSON array in the wire format of QUERY requests, for example
  dropsync query Project -c name -c contacts.name -s -name \
    -f '[{"column":"name","filter":{"like":"a%"}}]'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := query.Request{Table: args[0], Columns: queryColumns, Sorts: querySorts, Limit: queryLimit}
		if queryFilters != "" {
			if err := json.Unmarshal([]byte(queryFilters), &req.Filters); err != nil {
				return fmt.Errorf("invalid filters: %w", err)
			}
		}
		return withClient(func(ctx context.Context, cmd *cobra.Command, c *dropsqlite.Client) error {
			if !c.LocalStore().Mirrors(req.Table) {
				return fmt.Errorf("table %s is not mirrored locally", req.Table)
			}
			res, err := c.Query(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})(cmd, args)
	},
}

func init() {
	queryCmd.Flags().StringArrayVarP(&queryColumns, "column", "c", []string{"id"}, "column path (repeatable)")
	queryCmd.Flags().StringArrayVarP(&querySorts, "sort", "s", nil, "sort column, - prefix for descending (repeatable)")
	queryCmd.Flags().StringVarP(&queryFilters, "filter", "f", "", "JSON filter array")
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "maximum rows")
}

var (
	syncToken   string
	syncTimeout time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Connect, pull the snapshot and push queued mutations",
	Long: `Connect to client.server_url, authenticate with --token (or the stored
token), refresh the snapshot and wait until the pending queue is empty or
--timeout elapses.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncToken, "token", "", "session token to store before connecting")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 30*time.Second, "longest wait for the queue to drain")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	c, transport, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if syncToken != "" {
		if err := c.SetUser(ctx, syncToken); err != nil {
			return err
		}
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	statuses := c.Bus().Subscribe(runCtx, notify.KindUpdateStatus)
	go func() { _ = transport.Run(runCtx) }()
	go func() { _ = c.Run(runCtx) }()

	if err := waitConnected(ctx, statuses); err != nil {
		return err
	}
	if err := c.Sync(ctx); err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	for {
		st, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		if st.PendingCount == 0 {
			return printJSON(cmd, st)
		}
		select {
		case <-ctx.Done():
			logger.Warn("Queue not drained", "pending", st.PendingCount)
			return printJSON(cmd, st)
		case _, ok := <-statuses:
			if !ok {
				return printJSON(cmd, st)
			}
		}
	}
}

func waitConnected(ctx context.Context, statuses <-chan notify.Message) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to connect: %w", ctx.Err())
		case msg, ok := <-statuses:
			if !ok {
				return fmt.Errorf("failed to connect: %w", ctx.Err())
			}
			var st dropsqlite.Status
			if json.Unmarshal(msg.Payload, &st) == nil && st.Connected {
				return nil
			}
		}
	}
}
