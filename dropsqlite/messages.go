// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsqlite

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mobiletoly/go-dropsync/dropsync"
	"github.com/mobiletoly/go-dropsync/notify"
	"github.com/mobiletoly/go-dropsync/scope"
)

const metaLogin = "login"

// HandleMessage applies one server frame
func (c *Client) HandleMessage(ctx context.Context, msg *dropsync.ServerMessage) {
	switch msg.Type {
	case dropsync.MsgResponse, dropsync.MsgError:
		c.handleReply(ctx, msg)
	case dropsync.MsgUpdateUser:
		if msg.User == nil {
			return
		}
		err := c.store.Update(ctx, func(tx *Tx) error {
			if err := tx.Put(PartitionMeta, MetaUser, msg.User); err != nil {
				return err
			}
			return tx.Put(PartitionMeta, metaLogin, LoginOK)
		})
		if err != nil {
			c.logger.Error("Failed to cache user", "error", err)
		}
		c.publishStatus(ctx)
	case dropsync.MsgSetCache:
		if err := c.replaceTables(ctx, map[string][]map[string]any{msg.Table: msg.Records}, false); err != nil {
			c.logger.Error("Failed to apply table push", "table", msg.Table, "error", err)
		}
	case dropsync.MsgUpdateCache:
		if err := c.pointUpdate(ctx, msg.Table, msg.RecordID, msg.Record); err != nil {
			c.logger.Error("Failed to apply record push", "table", msg.Table, "id", msg.RecordID, "error", err)
		}
	default:
		c.logger.Debug("Ignored server frame", "type", msg.Type)
	}
}

func (c *Client) handleReply(ctx context.Context, msg *dropsync.ServerMessage) {
	if msg.ID == "" {
		if msg.Type == dropsync.MsgError && msg.Status == dropsync.StatusAuthenticationFailed {
			c.authenticationFailed(ctx, msg)
			return
		}
		c.logger.Warn("Server error without request", "status", msg.Status, "error", msg.Error)
		return
	}
	if msg.ID == dropsync.CacheRequestID {
		if msg.Type == dropsync.MsgResponse {
			if err := c.applySnapshot(ctx, msg.Response); err != nil {
				c.logger.Error("Failed to apply snapshot", "error", err)
				msg = &dropsync.ServerMessage{Type: dropsync.MsgError, ID: msg.ID, Status: dropsync.StatusInternalError, Error: err.Error()}
			}
		}
		c.deliver(msg)
		return
	}
	if key, kind, revision, ok := dropsync.ParsePendingID(msg.ID); ok {
		c.resolve(ctx, key, kind, revision, msg)
		return
	}
	if !c.deliver(msg) {
		c.logger.Debug("Reply without waiter", "id", msg.ID)
	}
}

func (c *Client) authenticationFailed(ctx context.Context, msg *dropsync.ServerMessage) {
	status := msg.Substatus
	if status == "" {
		status = msg.Status
	}
	c.logger.Warn("Authentication failed", "status", status, "error", msg.Error)
	err := c.store.Update(ctx, func(tx *Tx) error {
		if err := tx.Delete(PartitionMeta, MetaToken); err != nil {
			return err
		}
		return tx.Put(PartitionMeta, metaLogin, status)
	})
	if err != nil {
		c.logger.Error("Failed to record login status", "error", err)
	}
	c.publishStatus(ctx)
}

// resolve applies the server outcome of a pending entry
func (c *Client) resolve(ctx context.Context, key, kind, revision string, msg *dropsync.ServerMessage) {
	if msg.Type == dropsync.MsgResponse {
		var res ackResult
		err := c.store.Update(ctx, func(tx *Tx) error {
			var err error
			res, err = applyAck(tx, key, kind, revision, msg.Response)
			return err
		})
		if err != nil {
			c.logger.Error("Failed to apply acknowledgement", "key", key, "error", err)
			return
		}
		if !res.matched {
			c.peekResponse(ctx, &dropsync.Request{Type: kind, TableName: tableOf(key)}, msg.Response)
		}
		c.logger.Debug("Pending entry acknowledged", "key", key, "type", kind, "removed", res.removed)
		if res.removed && kind != dropsync.ReqGenerate {
			// Held back generations may be due now
			go c.send(c.ctx, tableMatch(dropsync.GenerateTable))
		}
	} else {
		se := dropsync.ErrorMessage(msg)
		var rej *Rejection
		err := c.store.Update(ctx, func(tx *Tx) error {
			var err error
			rej, err = applyReject(tx, key, kind, revision, se, c.now())
			return err
		})
		if err != nil {
			c.logger.Error("Failed to apply rejection", "key", key, "error", err)
			return
		}
		if rej != nil {
			c.logger.Error("Pending entry rejected", "key", key, "type", kind, "status", se.Status, "error", se.Message)
			if se.Status == dropsync.StatusBadPatch {
				_ = c.bus.Publish(ctx, notify.Message{Kind: notify.KindBadPatch, Table: rej.Table, ID: rej.RecordID, Origin: c.origin})
			}
			go c.send(c.ctx, tableMatch(dropsync.ChangeRejectedTable))
		}
	}

	resolved := notify.Message{Kind: notify.KindPendingResolved, Key: key, Origin: c.origin}
	_ = c.bus.Publish(ctx, resolved)
	if c.broadcast != c.bus {
		_ = c.broadcast.Publish(ctx, resolved)
	}
	c.publishStatus(ctx)
}

func tableOf(key string) string {
	table, _, _ := strings.Cut(key, "@")
	return table
}

// applySnapshot replaces the local tables with the scope-filtered snapshot
func (c *Client) applySnapshot(ctx context.Context, raw json.RawMessage) error {
	var snap struct {
		Records map[string][]map[string]any `json:"records"`
	}
	if err := dropsync.Decode(raw, &snap); err != nil {
		return err
	}
	if err := c.replaceTables(ctx, snap.Records, true); err != nil {
		return err
	}
	c.logger.Info("Applied snapshot", "tables", len(snap.Records))
	c.publishStatus(ctx)
	return nil
}

// replaceTables clears and refills each given mirrored table. Records with
// pending writes keep their optimistic value on top of the new server copy.
func (c *Client) replaceTables(ctx context.Context, tables map[string][]map[string]any, full bool) error {
	return c.store.Update(ctx, func(tx *Tx) error {
		if full {
			if err := tx.Put(PartitionMeta, MetaSync, &syncInfo{SyncTime: c.now().UTC()}); err != nil {
				return err
			}
		}
		for table, records := range tables {
			if !c.store.Mirrors(table) {
				continue
			}
			if err := tx.Clear(table); err != nil {
				return err
			}
			server := make(map[string]map[string]any, len(records))
			for _, rec := range records {
				id, _ := rec["id"].(string)
				if id == "" {
					continue
				}
				server[id] = rec
				if err := tx.Put(table, id, rec); err != nil {
					return err
				}
			}
			entries, err := pendingEntries(tx, tableMatch(table))
			if err != nil {
				return err
			}
			for _, p := range entries {
				if err := rollForward(tx, p, server[p.RecordID()]); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// pointUpdate applies one pushed record. Puts only refresh existing local
// copies; a nil record deletes.
func (c *Client) pointUpdate(ctx context.Context, table, id string, rec map[string]any) error {
	if !c.store.Mirrors(table) || id == "" {
		return nil
	}
	return c.store.Update(ctx, func(tx *Tx) error {
		var entry Pending
		pending, err := tx.Get(PartitionPending, table+"@"+id, &entry)
		if err != nil {
			return err
		}
		if pending {
			return rollForward(tx, &entry, rec)
		}
		if rec == nil {
			return tx.Delete(table, id)
		}
		exists, err := tx.Has(table, id)
		if err != nil || !exists {
			return err
		}
		return tx.Put(table, id, rec)
	})
}

// peekResponse mirrors records found in a server response into the local
// store. Only existing local copies without pending writes are refreshed, so a
// response never adds rows outside the replication scope.
func (c *Client) peekResponse(ctx context.Context, req *dropsync.Request, raw json.RawMessage) {
	if !c.store.Mirrors(req.TableName) {
		return
	}
	var records []map[string]any
	switch req.Type {
	case dropsync.ReqRecord, dropsync.ReqStore, dropsync.ReqPatch:
		var r dropsync.RecordResponse
		if dropsync.Decode(raw, &r) == nil && r.Record != nil {
			records = append(records, r.Record)
		}
	case dropsync.ReqRecords:
		var r dropsync.RecordsResponse
		if dropsync.Decode(raw, &r) == nil {
			records = r.Records
		}
	case dropsync.ReqQuery:
		col := slices.Index(req.Columns, ".")
		if col < 0 {
			return
		}
		var r struct {
			Rows [][]json.RawMessage `json:"rows"`
		}
		if dropsync.Decode(raw, &r) != nil {
			return
		}
		for _, row := range r.Rows {
			var rec map[string]any
			if col < len(row) && dropsync.Decode(row[col], &rec) == nil && rec != nil {
				records = append(records, rec)
			}
		}
	}
	if len(records) == 0 {
		return
	}
	err := c.store.Update(ctx, func(tx *Tx) error {
		for _, rec := range records {
			id, _ := rec["id"].(string)
			if id == "" {
				continue
			}
			exists, err := tx.Has(req.TableName, id)
			if err != nil {
				return err
			}
			pending, err := tx.Has(PartitionPending, req.TableName+"@"+id)
			if err != nil {
				return err
			}
			if exists && !pending {
				if err := tx.Put(req.TableName, id, rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to mirror server response", "table", req.TableName, "error", err)
	}
}

// Status is the sync state shown to the user
type Status struct {
	Connected    bool           `json:"connected"`
	Offline      bool           `json:"offline"`
	PendingCount int            `json:"pendingCount"`
	LastSync     time.Time      `json:"lastSync,omitzero"`
	LoginStatus  string         `json:"loginStatus,omitempty"`
	User         *dropsync.User `json:"user,omitempty"`
}

// Status returns the current sync state
func (c *Client) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	st := Status{Connected: c.connected, Offline: c.offline}
	c.mu.Unlock()
	err := c.store.View(ctx, func(tx *Tx) error {
		var err error
		if st.PendingCount, err = tx.Count(PartitionPending); err != nil {
			return err
		}
		var info syncInfo
		if found, err := tx.Get(PartitionMeta, MetaSync, &info); err != nil {
			return err
		} else if found {
			st.LastSync = info.SyncTime
		}
		if _, err := tx.Get(PartitionMeta, metaLogin, &st.LoginStatus); err != nil {
			return err
		}
		_, err = tx.Get(PartitionMeta, MetaUser, &st.User)
		return err
	})
	return st, err
}

func (c *Client) publishStatus(ctx context.Context) {
	st, err := c.Status(ctx)
	if err != nil {
		c.logger.Warn("Failed to read sync status", "error", err)
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = c.bus.Publish(ctx, notify.Message{Kind: notify.KindUpdateStatus, Payload: payload, Origin: c.origin})
}

// CheckScope lists, per mirrored table, the ids of local records the replication
// policies would not admit for the cached user. Nothing is deleted: the server
// snapshot stays authoritative.
func (c *Client) CheckScope(ctx context.Context) (map[string][]string, error) {
	user, err := c.User(ctx)
	if err != nil {
		return nil, err
	}
	userID := ""
	if user != nil {
		userID = user.ID
	}
	ev := scope.NewEvaluator(c.store)
	out := map[string][]string{}
	for _, table := range c.store.Tables() {
		pred, err := c.resolver.Resolve(table, userID)
		if err != nil {
			return nil, err
		}
		records, err := c.store.Records(ctx, table)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			ok, err := ev.Admits(ctx, pred, rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				id, _ := rec["id"].(string)
				out[table] = append(out[table], id)
			}
		}
	}
	return out, nil
}

func sortRejections(rs []*Rejection) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].RejectedAt.Before(rs[j].RejectedAt) })
}
