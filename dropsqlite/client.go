// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/mobiletoly/go-dropsync/dropsync"
	"github.com/mobiletoly/go-dropsync/notify"
	"github.com/mobiletoly/go-dropsync/patch"
	"github.com/mobiletoly/go-dropsync/query"
	"github.com/mobiletoly/go-dropsync/schema"
	"github.com/mobiletoly/go-dropsync/scope"
)

// Login statuses besides the server substatuses
const (
	LoginOK        = "OK"
	LoginLoggedOut = "LOGGED_OUT"
)

// Options holds the optional collaborators of a Client
type Options struct {
	Logger *slog.Logger
	// Bus carries in-process notifications (pending resolution, status, bad patch).
	// Defaults to a new notify.MemoryBus.
	Bus notify.Bus
	// Broadcast carries hints to other processes sharing the database (edit
	// declarations, cache invalidation, pending resolution). Defaults to Bus.
	Broadcast notify.Bus
	// Origin names this client on the broadcast bus. Defaults to a new ULID.
	Origin string
}

// Client is the sync orchestrator. Reads are answered from the local store once
// the pending entries they depend on are resolved; writes go to the local store
// and the pending queue in one transaction and are shipped asynchronously.
type Client struct {
	store     *Store
	registry  *schema.Registry
	resolver  *scope.Resolver
	engine    *query.Engine
	transport Transport
	bus       notify.Bus
	broadcast notify.Bus
	edits     *notify.EditTracker
	origin    string
	config    *Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	offline   bool
	waiters   map[string]chan *dropsync.ServerMessage
	syncMu    sync.Mutex
	now       func() time.Time
}

// NewClient opens the local store over db with one partition per table the
// resolver's policies mirror
func NewClient(ctx context.Context, db *sql.DB, registry *schema.Registry, resolver *scope.Resolver, transport Transport, config *Config, opts *Options) (*Client, error) {
	if registry == nil || resolver == nil {
		return nil, fmt.Errorf("registry and resolver are required")
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policies := resolver.Policies()
	var partitions []Partition
	for _, table := range policies.Mirrored() {
		partitions = append(partitions, Partition{Name: table, Version: policies[table].Version})
	}
	store, err := NewStore(ctx, db, partitions, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:     store,
		registry:  registry,
		resolver:  resolver,
		engine:    query.NewEngine(registry, logger),
		transport: transport,
		bus:       opts.Bus,
		broadcast: opts.Broadcast,
		origin:    opts.Origin,
		config:    config.withDefaults(),
		logger:    logger,
		waiters:   map[string]chan *dropsync.ServerMessage{},
		now:       time.Now,
	}
	c.offline = c.config.Offline
	if c.bus == nil {
		c.bus = notify.NewMemoryBus(logger)
	}
	if c.broadcast == nil {
		c.broadcast = c.bus
	}
	if c.origin == "" {
		c.origin = ulid.Make().String()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.edits = notify.NewEditTracker(c.ctx, c.broadcast, c.origin)
	if c.broadcast != c.bus {
		go c.relayResolved(c.ctx)
	}

	if len(store.Recreated()) > 0 {
		// Fresh partitions hold nothing yet: force the next connect to resync
		if err := store.Update(ctx, func(tx *Tx) error { return tx.Delete(PartitionMeta, MetaSync) }); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LocalStore returns the local record store
func (c *Client) LocalStore() *Store { return c.store }

// Bus returns the in-process notification bus
func (c *Client) Bus() notify.Bus { return c.bus }

// Close stops background work and closes the local store
func (c *Client) Close() error {
	c.cancel()
	return c.store.Close()
}

// relayResolved forwards resolutions seen by other processes to local waiters
func (c *Client) relayResolved(ctx context.Context) {
	for msg := range c.broadcast.Subscribe(ctx, notify.KindPendingResolved) {
		if msg.Origin != c.origin {
			_ = c.bus.Publish(ctx, msg)
		}
	}
}

// Run consumes the transport until ctx is done. Pending entries are resent on
// every ResendInterval tick while online.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.ResendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-c.transport.State():
			if !ok {
				return nil
			}
			c.setConnected(ctx, up)
		case msg, ok := <-c.transport.Inbound():
			if !ok {
				return nil
			}
			c.HandleMessage(ctx, msg)
		case <-ticker.C:
			if c.online() {
				c.send(ctx, nil)
			}
		}
	}
}

func (c *Client) online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.offline
}

func (c *Client) setConnected(ctx context.Context, up bool) {
	c.mu.Lock()
	c.connected = up
	c.mu.Unlock()
	if up {
		c.goOnline(ctx)
	}
	c.publishStatus(ctx)
}

// SetOffline switches forced offline mode. Leaving it resumes syncing.
func (c *Client) SetOffline(ctx context.Context, offline bool) {
	c.mu.Lock()
	c.offline = offline
	c.mu.Unlock()
	c.publishStatus(ctx)
	if !offline {
		c.goOnline(ctx)
	}
}

func (c *Client) goOnline(ctx context.Context) {
	if !c.online() {
		return
	}
	var token string
	_ = c.store.View(ctx, func(tx *Tx) error {
		_, err := tx.Get(PartitionMeta, MetaToken, &token)
		return err
	})
	if token != "" {
		if err := c.transport.Send(ctx, &dropsync.Envelope{Type: dropsync.MsgSetUser, Token: token}); err != nil {
			c.logger.Warn("Failed to send session token", "error", err)
		}
	}
	go c.catchUp(c.ctx)
}

// catchUp resyncs when the last snapshot is stale and resends the queue
func (c *Client) catchUp(ctx context.Context) {
	stale, err := c.needsResync(ctx)
	if err != nil {
		c.logger.Warn("Failed to read last sync time", "error", err)
	}
	if stale {
		if err := c.Sync(ctx); err != nil {
			c.logger.Warn("Resync failed", "error", err)
		}
	}
	c.send(ctx, nil)
}

// send transmits the pending entries selected by match that were not sent
// within ResendInterval and returns the keys of every selected entry. GENERATE
// entries are held back while any other entry is queued, so generated
// documents see the synced data.
func (c *Client) send(ctx context.Context, match func(key string) bool) []string {
	if !c.online() {
		return nil
	}
	now := c.now()
	var keys []string
	var due []*Pending
	err := c.store.Update(ctx, func(tx *Tx) error {
		entries, err := pendingEntries(tx, nil)
		if err != nil {
			return err
		}
		holdGenerate := false
		for _, p := range entries {
			if p.Kind != dropsync.ReqGenerate {
				holdGenerate = true
				break
			}
		}
		for _, p := range entries {
			if match != nil && !match(p.Key) {
				continue
			}
			if holdGenerate && p.Kind == dropsync.ReqGenerate {
				continue
			}
			keys = append(keys, p.Key)
			if !p.LastSentAt.IsZero() && now.Sub(p.LastSentAt) < c.config.ResendInterval {
				continue
			}
			p.LastSentAt = now
			if err := tx.Put(PartitionPending, p.Key, p); err != nil {
				return err
			}
			due = append(due, p)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to read pending queue", "error", err)
		return nil
	}
	for _, p := range due {
		env := &dropsync.Envelope{ID: dropsync.PendingID(p.Key, p.Kind, p.Revision), Request: p.Request.Stripped()}
		if err := c.transport.Send(ctx, env); err != nil {
			// Resent on the next tick
			c.logger.Debug("Failed to send pending entry", "key", p.Key, "error", err)
			continue
		}
		c.logger.Debug("Sent pending entry", "key", p.Key, "type", p.Kind)
	}
	return keys
}

// drain sends the selected pending entries and waits until each is resolved.
// It reports false when offline or after DrainTimeout; the sends are not
// cancelled and their outcome is still applied when it arrives.
func (c *Client) drain(ctx context.Context, match func(key string) bool) (bool, error) {
	if !c.online() {
		return false, nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	resolved := c.bus.Subscribe(subCtx, notify.KindPendingResolved)

	keys := c.send(ctx, match)
	if len(keys) == 0 {
		return true, nil
	}
	waiting := make(map[string]bool, len(keys))
	for _, k := range keys {
		waiting[k] = true
	}
	timer := time.NewTimer(c.config.DrainTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			c.logger.Warn("Timed out waiting for pending entries", "count", len(waiting))
			return false, nil
		case msg, ok := <-resolved:
			if !ok {
				return false, nil
			}
			delete(waiting, msg.Key)
			if len(waiting) == 0 {
				return true, nil
			}
		}
	}
}

// settle drains until no entry selected by match remains, the channel is down
// or a drain times out
func (c *Client) settle(ctx context.Context, match func(key string) bool) error {
	for {
		var count int
		err := c.store.View(ctx, func(tx *Tx) error {
			entries, err := pendingEntries(tx, match)
			count = len(entries)
			return err
		})
		if err != nil || count == 0 {
			return err
		}
		done, err := c.drain(ctx, match)
		if err != nil || !done {
			return err
		}
	}
}

func keyMatch(key string) func(string) bool {
	return func(k string) bool { return k == key }
}

func tableMatch(table string) func(string) bool {
	prefix := table + "@"
	return func(k string) bool { return strings.HasPrefix(k, prefix) }
}

// Record returns one record or nil. Online, pending writes of the record are
// resolved first.
func (c *Client) Record(ctx context.Context, table, id string) (map[string]any, error) {
	if !c.store.Mirrors(table) {
		var resp dropsync.RecordResponse
		if err := c.remote(ctx, &dropsync.Request{Type: dropsync.ReqRecord, TableName: table, RecordID: id}, &resp); err != nil {
			return nil, err
		}
		return resp.Record, nil
	}
	if err := c.settle(ctx, keyMatch(table+"@"+id)); err != nil {
		return nil, err
	}
	return c.store.Record(ctx, table, id)
}

// Records returns every local record of table after its pending writes are resolved
func (c *Client) Records(ctx context.Context, table string) ([]map[string]any, error) {
	if !c.store.Mirrors(table) {
		var resp dropsync.RecordsResponse
		if err := c.remote(ctx, &dropsync.Request{Type: dropsync.ReqRecords, TableName: table}, &resp); err != nil {
			return nil, err
		}
		return resp.Records, nil
	}
	if err := c.settle(ctx, tableMatch(table)); err != nil {
		return nil, err
	}
	return c.store.Records(ctx, table)
}

// Query evaluates req against the local store after the pending writes of its
// table are resolved. Tables that are not mirrored are queried on the server.
func (c *Client) Query(ctx context.Context, req query.Request) (*query.Result, error) {
	if !c.store.Mirrors(req.Table) {
		var res query.Result
		err := c.remote(ctx, &dropsync.Request{
			Type:      dropsync.ReqQuery,
			TableName: req.Table,
			Columns:   req.Columns,
			Filters:   req.Filters,
			Sorts:     req.Sorts,
			Limit:     req.Limit,
		}, &res)
		if err != nil {
			return nil, err
		}
		return &res, nil
	}
	if err := c.settle(ctx, tableMatch(req.Table)); err != nil {
		return nil, err
	}
	return c.engine.Run(ctx, c.store, req)
}

// Refresh fetches a record from the server and updates the local copy if one exists
func (c *Client) Refresh(ctx context.Context, table, id string) (map[string]any, error) {
	var resp dropsync.RecordResponse
	if err := c.remote(ctx, &dropsync.Request{Type: dropsync.ReqRecord, TableName: table, RecordID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// Store upserts a record locally and queues it. A record without an id gets a new UUID.
func (c *Client) Store(ctx context.Context, table string, record map[string]any) (map[string]any, error) {
	rec, err := cloneRecord(record)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = map[string]any{}
	}
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}
	req := &dropsync.Request{Type: dropsync.ReqStore, TableName: table, Record: rec}
	err = c.store.Update(ctx, func(tx *Tx) error {
		if err := c.trackBase(tx, table, id); err != nil {
			return err
		}
		if err := writeLocal(tx, table, id, rec); err != nil {
			return err
		}
		_, err := enqueue(tx, req, c.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store %s@%s: %w", table, id, err)
	}
	c.afterWrite(ctx, table, id)
	return rec, nil
}

// Patch applies patches to the local copy of a record and queues them. A patch
// that does not apply to the local copy fails with ErrBadPatch and is not queued.
func (c *Client) Patch(ctx context.Context, table, id string, patches []patch.Patch, override bool) (map[string]any, error) {
	ids := make([]string, len(patches))
	for i := range patches {
		ids[i] = uuid.NewString()
	}
	req := &dropsync.Request{Type: dropsync.ReqPatch, TableName: table, ID: id, Patches: patches, PatchIDs: ids, Override: override}

	var next map[string]any
	err := c.store.Update(ctx, func(tx *Tx) error {
		var queued Pending
		found, err := tx.Get(PartitionPending, req.Key(), &queued)
		if err != nil {
			return err
		}
		if found && queued.Kind == dropsync.ReqDelete {
			return fmt.Errorf("%w: %s", ErrRecordDeleted, req.Key())
		}
		if c.store.Mirrors(table) {
			var current map[string]any
			found, err := tx.Get(table, id, &current)
			if err != nil {
				return err
			}
			start := current
			if !found {
				start = c.blank(table, id)
			}
			next, err = patch.ApplyAll(start, patches, override)
			if errors.Is(err, patch.ErrMismatch) {
				return fmt.Errorf("%w: %s@%s: %v", ErrBadPatch, table, id, err)
			}
			if err != nil {
				return err
			}
			if err := saveBase(tx, table+"@"+id, current); err != nil {
				return err
			}
			if err := tx.Put(table, id, next); err != nil {
				return err
			}
		}
		_, err = enqueue(tx, req, c.now())
		return err
	})
	if err != nil {
		if errors.Is(err, ErrBadPatch) {
			c.logger.Error("Local patch does not apply", "table", table, "id", id, "error", err)
			_ = c.bus.Publish(ctx, notify.Message{Kind: notify.KindBadPatch, Table: table, ID: id, Origin: c.origin})
		}
		return nil, err
	}
	c.afterWrite(ctx, table, id)
	return next, nil
}

// Delete removes a record locally and queues the deletion
func (c *Client) Delete(ctx context.Context, table, id string) error {
	req := &dropsync.Request{Type: dropsync.ReqDelete, TableName: table, RecordID: id}
	err := c.store.Update(ctx, func(tx *Tx) error {
		if err := c.trackBase(tx, table, id); err != nil {
			return err
		}
		if err := writeLocal(tx, table, id, nil); err != nil {
			return err
		}
		_, err := enqueue(tx, req, c.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s@%s: %w", table, id, err)
	}
	c.afterWrite(ctx, table, id)
	return nil
}

// Generate queues a server-side action. It is always answered offline.
func (c *Client) Generate(ctx context.Context, template string, params json.RawMessage) (*dropsync.GenerateResponse, error) {
	req := &dropsync.Request{Type: dropsync.ReqGenerate, ID: uuid.NewString(), Template: template, Params: params}
	err := c.store.Update(ctx, func(tx *Tx) error {
		_, err := enqueue(tx, req, c.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue %s: %w", template, err)
	}
	c.publishStatus(ctx)
	go c.send(c.ctx, keyMatch(req.Key()))
	return &dropsync.GenerateResponse{Target: []string{}, Offline: true}, nil
}

func (c *Client) trackBase(tx *Tx, table, id string) error {
	if !c.store.Mirrors(table) {
		return nil
	}
	var current map[string]any
	if _, err := tx.Get(table, id, &current); err != nil {
		return err
	}
	return saveBase(tx, table+"@"+id, current)
}

func (c *Client) blank(table, id string) map[string]any {
	if meta, ok := c.registry.Table(table); ok {
		return meta.Blank(id)
	}
	return map[string]any{"id": id}
}

func (c *Client) afterWrite(ctx context.Context, table, id string) {
	_ = c.broadcast.Publish(ctx, notify.Message{Kind: notify.KindInvalidateCache, Table: table, ID: id, Origin: c.origin})
	c.publishStatus(ctx)
	go c.send(c.ctx, keyMatch(table+"@"+id))
}

// remote sends a request that is answered by the server only
func (c *Client) remote(ctx context.Context, req *dropsync.Request, out any) error {
	msg, err := c.roundTrip(ctx, ulid.Make().String(), req)
	if err != nil {
		return err
	}
	if err := dropsync.Decode(msg.Response, out); err != nil {
		return err
	}
	c.peekResponse(ctx, req, msg.Response)
	return nil
}

func (c *Client) roundTrip(ctx context.Context, id string, req *dropsync.Request) (*dropsync.ServerMessage, error) {
	if !c.online() {
		return nil, ErrNotConnected
	}
	ch := make(chan *dropsync.ServerMessage, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, &dropsync.Envelope{ID: id, Request: req}); err != nil {
		return nil, err
	}
	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: no answer to %s within %s", ErrNotConnected, req.Type, c.config.RequestTimeout)
	case msg := <-ch:
		if msg.Type == dropsync.MsgError {
			return nil, dropsync.ErrorMessage(msg)
		}
		return msg, nil
	}
}

func (c *Client) deliver(msg *dropsync.ServerMessage) bool {
	c.mu.Lock()
	ch, ok := c.waiters[msg.ID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
	return ok
}

// Sync requests the full scope-filtered snapshot and replaces the local tables with it
func (c *Client) Sync(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	_, err := c.roundTrip(ctx, dropsync.CacheRequestID, &dropsync.Request{Type: dropsync.ReqOffline})
	return err
}

type syncInfo struct {
	SyncTime time.Time `json:"syncTime"`
}

func (c *Client) needsResync(ctx context.Context) (bool, error) {
	var info syncInfo
	var found bool
	err := c.store.View(ctx, func(tx *Tx) error {
		var err error
		found, err = tx.Get(PartitionMeta, MetaSync, &info)
		return err
	})
	if err != nil {
		return true, err
	}
	return !found || c.now().Sub(info.SyncTime) >= c.config.ResyncInterval, nil
}

// SetUser stores the session token and authenticates the channel with it
func (c *Client) SetUser(ctx context.Context, token string) error {
	if err := c.store.Update(ctx, func(tx *Tx) error { return tx.Put(PartitionMeta, MetaToken, token) }); err != nil {
		return err
	}
	if c.online() {
		if err := c.transport.Send(ctx, &dropsync.Envelope{Type: dropsync.MsgSetUser, Token: token}); err != nil {
			c.logger.Warn("Failed to send session token", "error", err)
		}
		go c.catchUp(c.ctx)
	}
	return nil
}

// Logout forgets the session token and the cached user
func (c *Client) Logout(ctx context.Context) error {
	err := c.store.Update(ctx, func(tx *Tx) error {
		if err := tx.Delete(PartitionMeta, MetaToken); err != nil {
			return err
		}
		if err := tx.Delete(PartitionMeta, MetaUser); err != nil {
			return err
		}
		return tx.Put(PartitionMeta, metaLogin, LoginLoggedOut)
	})
	if err != nil {
		return err
	}
	if c.online() {
		_ = c.transport.Send(ctx, &dropsync.Envelope{Type: dropsync.MsgLogout})
	}
	c.publishStatus(ctx)
	return nil
}

// User returns the cached user snapshot, or nil
func (c *Client) User(ctx context.Context) (*dropsync.User, error) {
	var user *dropsync.User
	err := c.store.View(ctx, func(tx *Tx) error {
		_, err := tx.Get(PartitionMeta, MetaUser, &user)
		return err
	})
	return user, err
}

// DeclareEdit announces that the record is being edited here. The protests
// channel receives a value when another process edits the same record.
func (c *Client) DeclareEdit(ctx context.Context, table, id string) (<-chan struct{}, func(), error) {
	return c.edits.Declare(ctx, table, id)
}

// Pending lists the queued mutations
func (c *Client) Pending(ctx context.Context) ([]*Pending, error) {
	var out []*Pending
	err := c.store.View(ctx, func(tx *Tx) error {
		var err error
		out, err = pendingEntries(tx, nil)
		return err
	})
	return out, err
}

// Rejected lists the audit records of mutations the server refused, oldest first
func (c *Client) Rejected(ctx context.Context) ([]*Rejection, error) {
	var out []*Rejection
	err := c.store.View(ctx, func(tx *Tx) error {
		return tx.Each(PartitionRejected, func(_ string, raw []byte) error {
			var r Rejection
			if err := dropsync.Decode(raw, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRejections(out)
	return out, nil
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
	if err := dropsync.Decode(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
