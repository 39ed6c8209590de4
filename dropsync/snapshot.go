// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-dropsync/scope"
)

// Querier runs a query; *pgxpool.Pool and pgx.Tx satisfy it
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Snapshotter produces the scope-filtered snapshot answering OFFLINE requests
type Snapshotter interface {
	Snapshot(ctx context.Context, user *User) (*OfflineResponse, error)
}

// SnapshotConfig holds configuration for the snapshot service
type SnapshotConfig struct {
	Parallelism     int                  // tables fetched concurrently (default 4)
	StageMetrics    StageMetricsRecorder // optional per-stage timing sink
	LogStageTimings bool                 // log every stage timing at debug level
}

// SnapshotService reads the authoritative snapshot from Postgres. Every mirrored
// table is loaded with its replication predicate compiled to SQL, so the server
// enforces exactly the scope that clients evaluate locally.
type SnapshotService struct {
	db       Querier
	resolver *scope.Resolver
	config   *SnapshotConfig
	obs      *stageObserver
	logger   *slog.Logger
}

// NewSnapshotService creates a snapshot service over db (usually a *pgxpool.Pool)
func NewSnapshotService(db Querier, resolver *scope.Resolver, config *SnapshotConfig, logger *slog.Logger) *SnapshotService {
	if config == nil {
		config = &SnapshotConfig{}
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotService{
		db:       db,
		resolver: resolver,
		config:   config,
		obs:      &stageObserver{recorder: config.StageMetrics, logAll: config.LogStageTimings, logger: logger},
		logger:   logger,
	}
}

// Snapshot returns the records of every mirrored table visible to user
func (s *SnapshotService) Snapshot(ctx context.Context, user *User) (*OfflineResponse, error) {
	if user == nil {
		return nil, &ServerError{Status: StatusNotAuthenticated, Message: "snapshot requires a user"}
	}
	totalStart := s.obs.start()

	var mu sync.Mutex
	out := &OfflineResponse{Records: map[string][]json.RawMessage{}}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallelism)
	for _, table := range s.resolver.Policies().Mirrored() {
		g.Go(func() error {
			records, err := s.Table(gctx, table, user)
			if err != nil {
				return err
			}
			mu.Lock()
			out.Records[table] = records
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	s.obs.observe(ctx, MetricsOpSnapshot, MetricsStageTotal, "", totalStart, len(out.Records), 1, err != nil)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Built snapshot", "user", user.ID, "tables", len(out.Records))
	return out, nil
}

// Table returns the records of one table admitted for user
func (s *SnapshotService) Table(ctx context.Context, table string, user *User) ([]json.RawMessage, error) {
	compileStart := s.obs.start()
	pred, err := s.resolver.Resolve(table, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scope of %s: %w", table, err)
	}
	q, err := scope.Compile(table, pred)
	s.obs.observe(ctx, MetricsOpSnapshot, MetricsStageSnapshotCompile, table, compileStart, 0, 1, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compile scope of %s: %w", table, err)
	}

	var records []json.RawMessage
	err = withRetry(ctx, func(attempt int) error {
		fetchStart := s.obs.start()
		records, err = s.fetch(ctx, q)
		s.obs.observe(ctx, MetricsOpSnapshot, MetricsStageSnapshotFetch, table, fetchStart, len(records), attempt, err != nil)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to load snapshot table", "table", table, "error", err)
		return nil, fmt.Errorf("failed to load %s: %w", table, err)
	}
	return records, nil
}

func (s *SnapshotService) fetch(ctx context.Context, q scope.Query) ([]json.RawMessage, error) {
	rows, err := s.db.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []json.RawMessage{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, json.RawMessage(append([]byte(nil), raw...)))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
