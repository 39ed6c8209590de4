// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package dropsqlite is the offline-first dropsync client. It mirrors the
// replicated subset of the server tables into SQLite, answers queries locally,
// queues local writes durably and reconciles them with the server.
package dropsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-dropsync/dropsync"
)

// Fixed partitions
const (
	PartitionPending  = "pending"
	PartitionMeta     = "meta"
	PartitionPatches  = "patches"
	PartitionRejected = "rejected"
)

// PatchesVersion is the layout version of the patches partition
const PatchesVersion = 1

// Meta keys
const (
	MetaSync  = "1"
	MetaUser  = "user"
	MetaToken = "token"
)

// ErrUnknownPartition is returned for a partition the store was not opened with
var ErrUnknownPartition = errors.New("unknown partition")

// Partition declares a versioned record partition
type Partition struct {
	Name    string
	Version int
}

// Store is the local record store: one key/value partition per replicated table
// plus the fixed sync partitions, all inside one SQLite database.
type Store struct {
	db         *sql.DB
	records    map[string]bool
	recreated  []string
	logger     *slog.Logger
	writeMu    sync.Mutex // Serialize write transactions
	partitions []Partition
}

// NewStore opens the store over db and migrates its partitions. A record
// partition is dropped and created again whenever its declared version exceeds
// the version recorded for it, so schema bumps never see stale rows.
func NewStore(ctx context.Context, db *sql.DB, partitions []Partition, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// One connection: ":memory:" databases are per connection and SQLite
	// serializes writers anyway
	db.SetMaxOpenConns(1)

	s := &Store{db: db, records: map[string]bool{}, logger: logger}
	for _, p := range partitions {
		if isFixed(p.Name) {
			return nil, fmt.Errorf("partition name %q is reserved", p.Name)
		}
		s.records[p.Name] = true
	}
	s.partitions = append([]Partition{{Name: PartitionPatches, Version: PatchesVersion}}, partitions...)
	if err := s.initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return s, nil
}

func isFixed(name string) bool {
	switch name {
	case PartitionPending, PartitionMeta, PartitionPatches, PartitionRejected:
		return true
	}
	return false
}

// sqlName maps a partition to its SQLite table
func sqlName(partition string) string {
	prefix := "rec_"
	if isFixed(partition) {
		prefix = "_sync_"
	}
	return `"` + strings.ReplaceAll(prefix+partition, `"`, `""`) + `"`
}

func kvTable(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`, name)
}

func (s *Store) initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _sync_store_info (
			partition TEXT PRIMARY KEY,
			version   INTEGER NOT NULL
		)`,
		kvTable(sqlName(PartitionPending)),
		kvTable(sqlName(PartitionMeta)),
		kvTable(sqlName(PartitionRejected)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range s.partitions {
		var recorded int
		err := tx.QueryRowContext(ctx, `SELECT version FROM _sync_store_info WHERE partition = ?`, p.Name).Scan(&recorded)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			recorded = -1
		case err != nil:
			return fmt.Errorf("failed to read version of %s: %w", p.Name, err)
		}
		if p.Version <= recorded {
			if _, err := tx.ExecContext(ctx, kvTable(sqlName(p.Name))); err != nil {
				return fmt.Errorf("failed to create partition %s: %w", p.Name, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+sqlName(p.Name)); err != nil {
			return fmt.Errorf("failed to drop partition %s: %w", p.Name, err)
		}
		if _, err := tx.ExecContext(ctx, kvTable(sqlName(p.Name))); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", p.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_store_info (partition, version) VALUES (?, ?)
			ON CONFLICT(partition) DO UPDATE SET version = excluded.version
		`, p.Name, p.Version); err != nil {
			return fmt.Errorf("failed to record version of %s: %w", p.Name, err)
		}
		if recorded >= 0 {
			s.logger.Info("Recreated local partition", "partition", p.Name, "from", recorded, "to", p.Version)
		}
		if s.records[p.Name] {
			s.recreated = append(s.recreated, p.Name)
		}
	}
	return tx.Commit()
}

// Recreated lists the record partitions created or recreated when the store was opened
func (s *Store) Recreated() []string { return s.recreated }

// Tables lists the record partitions
func (s *Store) Tables() []string {
	out := make([]string, 0, len(s.records))
	for name := range s.records {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Update runs fn in a write transaction
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.run(ctx, fn, true)
}

// View runs fn in a transaction that is always rolled back
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, fn, false)
}

func (s *Store) run(ctx context.Context, fn func(tx *Tx) error, commit bool) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()
	if err := fn(&Tx{ctx: ctx, tx: sqlTx, store: s}); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error { return s.db.Close() }

// Mirrors reports whether table has a record partition
func (s *Store) Mirrors(table string) bool { return s.records[table] }

// Records implements query.Source
func (s *Store) Records(ctx context.Context, table string) ([]map[string]any, error) {
	var out []map[string]any
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Records(table)
		return err
	})
	return out, err
}

// Record implements query.Source
func (s *Store) Record(ctx context.Context, table, id string) (map[string]any, error) {
	var rec map[string]any
	err := s.View(ctx, func(tx *Tx) error {
		_, err := tx.Get(table, id, &rec)
		return err
	})
	return rec, err
}

// Tx is a local store transaction
type Tx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *Store
}

func (t *Tx) table(partition string) (string, error) {
	if !isFixed(partition) && !t.store.records[partition] {
		return "", fmt.Errorf("%w: %s", ErrUnknownPartition, partition)
	}
	return sqlName(partition), nil
}

// Get decodes the value under key into v and reports whether it exists
func (t *Tx) Get(partition, key string, v any) (bool, error) {
	name, err := t.table(partition)
	if err != nil {
		return false, err
	}
	var raw string
	err = t.tx.QueryRowContext(t.ctx, `SELECT value FROM `+name+` WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s/%s: %w", partition, key, err)
	}
	if err := dropsync.Decode([]byte(raw), v); err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", partition, key, err)
	}
	return true, nil
}

// Has reports whether key exists in partition
func (t *Tx) Has(partition, key string) (bool, error) {
	name, err := t.table(partition)
	if err != nil {
		return false, err
	}
	var one int
	err = t.tx.QueryRowContext(t.ctx, `SELECT 1 FROM `+name+` WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s/%s: %w", partition, key, err)
	}
	return true, nil
}

// Put stores v as JSON under key
func (t *Tx) Put(partition, key string, v any) error {
	name, err := t.table(partition)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", partition, key, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO `+name+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", partition, key, err)
	}
	return nil
}

// Delete removes key from partition
func (t *Tx) Delete(partition, key string) error {
	name, err := t.table(partition)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM `+name+` WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", partition, key, err)
	}
	return nil
}

// Clear removes every entry of partition
func (t *Tx) Clear(partition string) error {
	name, err := t.table(partition)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM `+name); err != nil {
		return fmt.Errorf("failed to clear %s: %w", partition, err)
	}
	return nil
}

// Each calls fn for every entry of partition in key order
func (t *Tx) Each(partition string, fn func(key string, raw []byte) error) error {
	name, err := t.table(partition)
	if err != nil {
		return err
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT key, value FROM `+name+` ORDER BY key`)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", partition, err)
	}
	type entry struct {
		key string
		raw []byte
	}
	// Collect first: fn may issue statements on the same connection
	var entries []entry
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan %s: %w", partition, err)
		}
		entries = append(entries, entry{key: key, raw: []byte(value)})
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.key, e.raw); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of entries of partition
func (t *Tx) Count(partition string) (int, error) {
	name, err := t.table(partition)
	if err != nil {
		return 0, err
	}
	var n int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM `+name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", partition, err)
	}
	return n, nil
}

// Records returns every record of a record partition, ordered by id
func (t *Tx) Records(table string) ([]map[string]any, error) {
	out := []map[string]any{}
	err := t.Each(table, func(key string, raw []byte) error {
		var rec map[string]any
		if err := dropsync.Decode(raw, &rec); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", table, key, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}
