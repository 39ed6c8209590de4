// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mobiletoly/go-dropsync/patch"
	"github.com/mobiletoly/go-dropsync/query"
	"github.com/mobiletoly/go-dropsync/schema"
	"github.com/mobiletoly/go-dropsync/scope"
)

// GenerateFunc performs a server-side GENERATE action
type GenerateFunc func(ctx context.Context, user *User, req *Request) (*GenerateResponse, error)

// MemoryStore is an in-memory authoritative record store. It answers record
// requests with the same semantics as PGStore and is used by tests and by
// `dropsync serve` when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	tables   map[string]map[string]map[string]any
	registry *schema.Registry
	resolver *scope.Resolver
	engine   *query.Engine
	generate GenerateFunc
	logger   *slog.Logger
}

// NewMemoryStore creates an empty store. A nil registry accepts any table.
func NewMemoryStore(registry *schema.Registry, resolver *scope.Resolver, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		tables:   map[string]map[string]map[string]any{},
		registry: registry,
		resolver: resolver,
		engine:   query.NewEngine(registry, logger),
		logger:   logger,
	}
}

// SetGenerator installs the GENERATE action
func (m *MemoryStore) SetGenerator(fn GenerateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generate = fn
}

// Put stores records, replacing existing ones with the same id
func (m *MemoryStore) Put(table string, records ...map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		id, ok := rec["id"].(string)
		if !ok || id == "" {
			return NewServerError(StatusInvalidRecord, "%s record without id", table)
		}
		cp, err := cloneRecord(rec)
		if err != nil {
			return err
		}
		m.tableLocked(table)[id] = cp
	}
	return nil
}

// Get returns a copy of one record, or nil
func (m *MemoryStore) Get(table, id string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tables[table][id]
	if !ok {
		return nil
	}
	cp, _ := cloneRecord(rec)
	return cp
}

func (m *MemoryStore) tableLocked(table string) map[string]map[string]any {
	t, ok := m.tables[table]
	if !ok {
		t = map[string]map[string]any{}
		m.tables[table] = t
	}
	return t
}

func (m *MemoryStore) known(table string) error {
	if m.registry == nil {
		return nil
	}
	if _, ok := m.registry.Table(table); !ok {
		return NewServerError(StatusInvalidRequest, "unknown table %s", table)
	}
	return nil
}

// HandleRequest implements RecordHandler
func (m *MemoryStore) HandleRequest(ctx context.Context, user *User, req *Request) (any, error) {
	if req.Type != ReqGenerate {
		if err := m.known(req.TableName); err != nil {
			return nil, err
		}
	}
	switch req.Type {
	case ReqRecord:
		return &RecordResponse{Record: m.Get(req.TableName, req.RecordID)}, nil
	case ReqRecords:
		return &RecordsResponse{Records: m.source().records(req.TableName)}, nil
	case ReqQuery:
		if m.registry == nil {
			return nil, NewServerError(StatusInvalidRequest, "queries need a schema registry")
		}
		res, err := m.engine.Run(ctx, m.source(), req.QueryRequest())
		if err != nil {
			if errors.Is(err, query.ErrUnknownField) || errors.Is(err, query.ErrMissingKey) {
				return nil, NewServerError(StatusInvalidRequest, "%v", err)
			}
			return nil, err
		}
		return res, nil
	case ReqStore:
		if err := m.Put(req.TableName, req.Record); err != nil {
			return nil, err
		}
		return &RecordResponse{Record: m.Get(req.TableName, req.Record["id"].(string))}, nil
	case ReqPatch:
		return m.patch(req)
	case ReqDelete:
		m.mu.Lock()
		delete(m.tableLocked(req.TableName), req.RecordID)
		m.mu.Unlock()
		return &DeleteResponse{RecordID: req.RecordID}, nil
	case ReqGenerate:
		m.mu.RLock()
		fn := m.generate
		m.mu.RUnlock()
		if fn == nil {
			return &GenerateResponse{Target: []string{}}, nil
		}
		return fn(ctx, user, req)
	default:
		return nil, NewServerError(StatusInvalidRequest, "unsupported request %s", req.Type)
	}
}

func (m *MemoryStore) patch(req *Request) (*PatchResponse, error) {
	if req.ID == "" {
		return nil, NewServerError(StatusInvalidRequest, "patch without record id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tableLocked(req.TableName)
	current, ok := t[req.ID]
	if !ok {
		current = blankRecord(m.registry, req.TableName, req.ID)
	}
	next, err := patch.ApplyAll(current, req.Patches, req.Override)
	if err != nil {
		return nil, patchError(req, err)
	}
	t[req.ID] = next
	out, err := cloneRecord(next)
	if err != nil {
		return nil, err
	}
	applied := append([]string{}, req.PatchIDs...)
	return &PatchResponse{Record: out, AppliedPatches: applied}, nil
}

// Snapshot implements Snapshotter by evaluating the replication predicates in memory
func (m *MemoryStore) Snapshot(ctx context.Context, user *User) (*OfflineResponse, error) {
	if user == nil {
		return nil, &ServerError{Status: StatusNotAuthenticated, Message: "snapshot requires a user"}
	}
	if m.resolver == nil {
		return nil, fmt.Errorf("memory store has no replication policies")
	}
	src := m.source()
	ev := scope.NewEvaluator(src)
	out := &OfflineResponse{Records: map[string][]json.RawMessage{}}
	for _, table := range m.resolver.Policies().Mirrored() {
		pred, err := m.resolver.Resolve(table, user.ID)
		if err != nil {
			return nil, err
		}
		recs, err := ev.Select(ctx, table, pred)
		if err != nil {
			return nil, err
		}
		raws := make([]json.RawMessage, 0, len(recs))
		for _, rec := range recs {
			raw, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s record: %w", table, err)
			}
			raws = append(raws, raw)
		}
		out.Records[table] = raws
	}
	return out, nil
}

// memorySource is a consistent copy of the store used for one query
type memorySource map[string][]map[string]any

func (m *MemoryStore) source() memorySource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(memorySource, len(m.tables))
	for table, recs := range m.tables {
		list := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			cp, _ := cloneRecord(rec)
			list = append(list, cp)
		}
		sort.Slice(list, func(i, j int) bool {
			return list[i]["id"].(string) < list[j]["id"].(string)
		})
		out[table] = list
	}
	return out
}

func (s memorySource) records(table string) []map[string]any {
	if recs := s[table]; recs != nil {
		return recs
	}
	return []map[string]any{}
}

// Mirrors is true for every table: the server holds all rows
func (s memorySource) Mirrors(string) bool { return true }

func (s memorySource) Records(_ context.Context, table string) ([]map[string]any, error) {
	return s.records(table), nil
}

func (s memorySource) Record(_ context.Context, table, id string) (map[string]any, error) {
	for _, rec := range s[table] {
		if rec["id"] == id {
			return rec, nil
		}
	}
	return nil, nil
}

func patchError(req *Request, err error) error {
	switch {
	case errors.Is(err, patch.ErrMismatch):
		return NewServerError(StatusBadPatch, "%s@%s: %v", req.TableName, req.ID, err)
	case errors.Is(err, patch.ErrInvalidPatch):
		return NewServerError(StatusInvalidPatch, "%s@%s: %v", req.TableName, req.ID, err)
	default:
		return err
	}
}

func blankRecord(reg *schema.Registry, table, id string) map[string]any {
	if reg != nil {
		if meta, ok := reg.Table(table); ok {
			return meta.Blank(id)
		}
	}
	return map[string]any{"id": id}
}

// cloneRecord deep-copies a JSON-shaped record
func cloneRecord(rec map[string]any) (map[string]any, error) {
	if rec == nil {
		return nil, nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var out map[string]any
	if err := Decode(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
