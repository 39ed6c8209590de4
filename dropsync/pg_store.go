// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-dropsync/patch"
	"github.com/mobiletoly/go-dropsync/query"
	"github.com/mobiletoly/go-dropsync/schema"
	"github.com/mobiletoly/go-dropsync/scope"
)

// PGStore is the Postgres-backed authoritative record store. Each table of the
// registry is stored as <snake_case_table>(id text primary key, record jsonb).
type PGStore struct {
	pool      *pgxpool.Pool
	registry  *schema.Registry
	engine    *query.Engine
	snapshots *SnapshotService
	generate  GenerateFunc
	logger    *slog.Logger
}

// NewPGStore creates the store and its tables
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, registry *schema.Registry, resolver *scope.Resolver, config *SnapshotConfig, logger *slog.Logger) (*PGStore, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{
		pool:      pool,
		registry:  registry,
		engine:    query.NewEngine(registry, logger),
		snapshots: NewSnapshotService(pool, resolver, config, logger),
		logger:    logger,
	}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetGenerator installs the GENERATE action
func (s *PGStore) SetGenerator(fn GenerateFunc) { s.generate = fn }

func (s *PGStore) initializeSchema(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range s.registry.Tables() {
			ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id     TEXT PRIMARY KEY,
				record JSONB NOT NULL
			)`, ident(table))
			if _, err := tx.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("failed to create table for %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to initialize database schema", "error", err)
		return err
	}
	s.logger.Debug("Database schema initialized successfully", "tables", len(s.registry.Tables()))
	return nil
}

func ident(table string) string {
	return pgx.Identifier{scope.TableName(table)}.Sanitize()
}

// Snapshot implements Snapshotter
func (s *PGStore) Snapshot(ctx context.Context, user *User) (*OfflineResponse, error) {
	return s.snapshots.Snapshot(ctx, user)
}

// HandleRequest implements RecordHandler
func (s *PGStore) HandleRequest(ctx context.Context, user *User, req *Request) (any, error) {
	if req.Type != ReqGenerate {
		if _, ok := s.registry.Table(req.TableName); !ok {
			return nil, NewServerError(StatusInvalidRequest, "unknown table %s", req.TableName)
		}
	}
	switch req.Type {
	case ReqRecord:
		rec, err := s.load(ctx, s.pool, req.TableName, req.RecordID, false)
		if err != nil {
			return nil, err
		}
		return &RecordResponse{Record: rec}, nil
	case ReqRecords:
		recs, err := s.loadAll(ctx, req.TableName)
		if err != nil {
			return nil, err
		}
		return &RecordsResponse{Records: recs}, nil
	case ReqQuery:
		res, err := s.engine.Run(ctx, &pgSource{store: s}, req.QueryRequest())
		if err != nil {
			if errors.Is(err, query.ErrUnknownField) || errors.Is(err, query.ErrMissingKey) {
				return nil, NewServerError(StatusInvalidRequest, "%v", err)
			}
			return nil, err
		}
		return res, nil
	case ReqStore:
		id, ok := req.Record["id"].(string)
		if !ok || id == "" {
			return nil, NewServerError(StatusInvalidRecord, "%s record without id", req.TableName)
		}
		rec, err := s.save(ctx, s.pool, req.TableName, id, req.Record)
		if err != nil {
			return nil, err
		}
		return &RecordResponse{Record: rec}, nil
	case ReqPatch:
		return s.patch(ctx, req)
	case ReqDelete:
		sql := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ident(req.TableName))
		if _, err := s.pool.Exec(ctx, sql, req.RecordID); err != nil {
			return nil, fmt.Errorf("failed to delete %s@%s: %w", req.TableName, req.RecordID, err)
		}
		return &DeleteResponse{RecordID: req.RecordID}, nil
	case ReqGenerate:
		if s.generate == nil {
			return &GenerateResponse{Target: []string{}}, nil
		}
		return s.generate(ctx, user, req)
	default:
		return nil, NewServerError(StatusInvalidRequest, "unsupported request %s", req.Type)
	}
}

func (s *PGStore) patch(ctx context.Context, req *Request) (*PatchResponse, error) {
	if req.ID == "" {
		return nil, NewServerError(StatusInvalidRequest, "patch without record id")
	}
	var out *PatchResponse
	err := withRetry(ctx, func(int) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			current, err := s.load(ctx, tx, req.TableName, req.ID, true)
			if err != nil {
				return err
			}
			if current == nil {
				current = blankRecord(s.registry, req.TableName, req.ID)
			}
			next, err := patch.ApplyAll(current, req.Patches, req.Override)
			if err != nil {
				return patchError(req, err)
			}
			saved, err := s.save(ctx, tx, req.TableName, req.ID, next)
			if err != nil {
				return err
			}
			out = &PatchResponse{Record: saved, AppliedPatches: append([]string{}, req.PatchIDs...)}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type pgExecutor interface {
	Querier
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PGStore) load(ctx context.Context, db pgExecutor, table, id string, forUpdate bool) (map[string]any, error) {
	sql := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, ident(table))
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var raw []byte
	err := db.QueryRow(ctx, sql, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s@%s: %w", table, id, err)
	}
	var rec map[string]any
	if err := Decode(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PGStore) loadAll(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT record FROM %s ORDER BY id`, ident(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", table, err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", table, err)
		}
		var rec map[string]any
		if err := Decode(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) save(ctx context.Context, db pgExecutor, table, id string, rec map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s@%s: %w", table, id, err)
	}
	sql := fmt.Sprintf(`INSERT INTO %s (id, record) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record
		RETURNING record`, ident(table))
	var saved []byte
	if err := db.QueryRow(ctx, sql, id, raw).Scan(&saved); err != nil {
		return nil, fmt.Errorf("failed to store %s@%s: %w", table, id, err)
	}
	var out map[string]any
	if err := Decode(saved, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// pgSource serves query evaluation from the database
type pgSource struct {
	store *PGStore
}

func (p *pgSource) Mirrors(table string) bool {
	_, ok := p.store.registry.Table(table)
	return ok
}

func (p *pgSource) Records(ctx context.Context, table string) ([]map[string]any, error) {
	return p.store.loadAll(ctx, table)
}

func (p *pgSource) Record(ctx context.Context, table, id string) (map[string]any, error) {
	return p.store.load(ctx, p.store.pool, table, id, false)
}
