// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsqlite

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-dropsync/dropsync"
	"github.com/mobiletoly/go-dropsync/patch"
)

// Pending is one queued local mutation. There is at most one entry per key.
type Pending struct {
	Key        string            `json:"key"`
	Kind       string            `json:"type"`
	Request    *dropsync.Request `json:"request"`
	Revision   string            `json:"revision"`
	QueuedAt   time.Time         `json:"queuedAt"`
	LastSentAt time.Time         `json:"lastSentAt,omitzero"`
}

// Table returns the table part of the key
func (p *Pending) Table() string {
	table, _, _ := strings.Cut(p.Key, "@")
	return table
}

// RecordID returns the record part of the key
func (p *Pending) RecordID() string {
	_, id, _ := strings.Cut(p.Key, "@")
	return id
}

// Rejection is the local audit record of a mutation the server refused
type Rejection struct {
	ID         string    `json:"id"`
	Table      string    `json:"table"`
	RecordID   string    `json:"recordId"`
	Kind       string    `json:"type"`
	Status     string    `json:"status"`
	Substatus  string    `json:"substatus,omitempty"`
	Message    string    `json:"message,omitempty"`
	Pending    *Pending  `json:"pending"`
	RejectedAt time.Time `json:"rejectedAt"`
}

// base is the last server-confirmed copy of a record with optimistic local
// writes on top. A nil Record means the record did not exist.
type base struct {
	Record map[string]any `json:"record"`
}

// enqueue records req under its key. PATCH requests are merged into an existing
// PATCH (diffs and ids appended in order) or folded into a pending STORE of the
// same record; a PATCH of a record with a pending DELETE fails with
// ErrRecordDeleted. Every other combination replaces the existing entry. Each
// call gives the entry a new revision.
func enqueue(tx *Tx, req *dropsync.Request, now time.Time) (*Pending, error) {
	key := req.Key()
	if key == "" || strings.HasSuffix(key, "@") {
		return nil, fmt.Errorf("cannot queue %s without a record id", req.Type)
	}
	var existing Pending
	found, err := tx.Get(PartitionPending, key, &existing)
	if err != nil {
		return nil, err
	}

	entry := &Pending{Key: key, Kind: req.Type, Request: req, QueuedAt: now}
	if found && req.Type == dropsync.ReqPatch {
		switch existing.Kind {
		case dropsync.ReqDelete:
			return nil, fmt.Errorf("%w: %s", ErrRecordDeleted, key)
		case dropsync.ReqPatch:
			merged := *existing.Request
			merged.Patches = append(append([]patch.Patch{}, existing.Request.Patches...), req.Patches...)
			merged.PatchIDs = append(append([]string{}, existing.Request.PatchIDs...), req.PatchIDs...)
			merged.Override = existing.Request.Override || req.Override
			entry = &existing
			entry.Request = &merged
		case dropsync.ReqStore:
			rec, err := patch.ApplyAll(existing.Request.Record, req.Patches, true)
			if err != nil {
				return nil, fmt.Errorf("failed to fold patch into pending store: %w", err)
			}
			folded := *existing.Request
			folded.Record = rec
			entry = &existing
			entry.Request = &folded
			// Content changed since the last send
			entry.LastSentAt = time.Time{}
		}
	}
	entry.Revision = uuid.NewString()
	if err := tx.Put(PartitionPending, key, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// pendingEntries returns the entries whose key satisfies match, in key order
func pendingEntries(tx *Tx, match func(key string) bool) ([]*Pending, error) {
	var out []*Pending
	err := tx.Each(PartitionPending, func(key string, raw []byte) error {
		if match != nil && !match(key) {
			return nil
		}
		var p Pending
		if err := dropsync.Decode(raw, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

// saveBase remembers the current confirmed copy of a record before its first
// optimistic write. Later writes keep the original base.
func saveBase(tx *Tx, key string, current map[string]any) error {
	found, err := tx.Has(PartitionPatches, key)
	if err != nil || found {
		return err
	}
	return tx.Put(PartitionPatches, key, &base{Record: current})
}

// writeLocal puts or deletes a record of a mirrored table
func writeLocal(tx *Tx, table, id string, rec map[string]any) error {
	if !tx.store.Mirrors(table) {
		return nil
	}
	if rec == nil {
		return tx.Delete(table, id)
	}
	return tx.Put(table, id, rec)
}

// replay computes the optimistic local value of a record from its confirmed copy
// and the pending entry on top of it
func replay(confirmed map[string]any, p *Pending) (map[string]any, error) {
	if p == nil {
		return confirmed, nil
	}
	switch p.Kind {
	case dropsync.ReqStore:
		return p.Request.Record, nil
	case dropsync.ReqDelete:
		return nil, nil
	case dropsync.ReqPatch:
		if confirmed == nil {
			return nil, nil
		}
		return patch.ApplyAll(confirmed, p.Request.Patches, true)
	default:
		return confirmed, nil
	}
}

// ackResult describes how an acknowledgement changed the queue
type ackResult struct {
	matched bool
	removed bool
}

// superseded reports whether the entry changed after the request carrying
// revision was sent. PATCH acknowledgements are matched per patch id instead.
func superseded(entry *Pending, revision string) bool {
	return entry.Kind != dropsync.ReqPatch && revision != "" && revision != entry.Revision
}

// applyAck resolves the entry under key with a server acknowledgement of kind
// for the request sent at revision. The server copy in resp becomes the
// confirmed base of the record; content queued after the acknowledged request
// was sent stays pending.
func applyAck(tx *Tx, key, kind, revision string, resp json.RawMessage) (ackResult, error) {
	var entry Pending
	found, err := tx.Get(PartitionPending, key, &entry)
	if err != nil || !found || entry.Kind != kind {
		return ackResult{}, err
	}

	var confirmed map[string]any
	hasConfirmed := false
	switch kind {
	case dropsync.ReqStore:
		var r dropsync.RecordResponse
		if err := dropsync.Decode(resp, &r); err != nil {
			return ackResult{}, err
		}
		confirmed, hasConfirmed = r.Record, true
		if superseded(&entry, revision) {
			// Replaced after it was sent, the newer content is still in flight
			return ackResult{matched: true}, rollForward(tx, &entry, confirmed)
		}
	case dropsync.ReqPatch:
		var r dropsync.PatchResponse
		if err := dropsync.Decode(resp, &r); err != nil {
			return ackResult{}, err
		}
		confirmed, hasConfirmed = r.Record, true
		applied := make(map[string]bool, len(r.AppliedPatches))
		for _, id := range r.AppliedPatches {
			applied[id] = true
		}
		var patches []patch.Patch
		var ids []string
		for i, id := range entry.Request.PatchIDs {
			if !applied[id] && i < len(entry.Request.Patches) {
				patches = append(patches, entry.Request.Patches[i])
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			rest := *entry.Request
			rest.Patches, rest.PatchIDs = patches, ids
			entry.Request = &rest
			entry.LastSentAt = time.Time{}
			if err := tx.Put(PartitionPending, key, &entry); err != nil {
				return ackResult{}, err
			}
			return ackResult{matched: true}, rollForward(tx, &entry, confirmed)
		}
	case dropsync.ReqDelete:
		if superseded(&entry, revision) {
			return ackResult{matched: true}, rollForward(tx, &entry, nil)
		}
		confirmed, hasConfirmed = nil, true
	}

	if err := tx.Delete(PartitionPending, key); err != nil {
		return ackResult{}, err
	}
	if err := tx.Delete(PartitionPatches, key); err != nil {
		return ackResult{}, err
	}
	if hasConfirmed {
		table, id, _ := strings.Cut(key, "@")
		if err := writeLocal(tx, table, id, confirmed); err != nil {
			return ackResult{}, err
		}
	}
	return ackResult{matched: true, removed: true}, nil
}

// rollForward moves the base of a record that still has pending writes to the
// server copy and recomputes the optimistic local value
func rollForward(tx *Tx, entry *Pending, confirmed map[string]any) error {
	if err := tx.Put(PartitionPatches, entry.Key, &base{Record: confirmed}); err != nil {
		return err
	}
	local, err := replay(confirmed, entry)
	if err != nil {
		return err
	}
	return writeLocal(tx, entry.Table(), entry.RecordID(), local)
}

// applyReject removes the entry under key, restores the confirmed copy of the
// record and writes one audit record. It returns nil when no entry matched or
// the entry was replaced after the rejected request was sent.
func applyReject(tx *Tx, key, kind, revision string, se *dropsync.ServerError, now time.Time) (*Rejection, error) {
	var entry Pending
	found, err := tx.Get(PartitionPending, key, &entry)
	if err != nil || !found || entry.Kind != kind || superseded(&entry, revision) {
		return nil, err
	}
	if err := tx.Delete(PartitionPending, key); err != nil {
		return nil, err
	}

	var b base
	hasBase, err := tx.Get(PartitionPatches, key, &b)
	if err != nil {
		return nil, err
	}
	if hasBase {
		if err := tx.Delete(PartitionPatches, key); err != nil {
			return nil, err
		}
		if err := writeLocal(tx, entry.Table(), entry.RecordID(), b.Record); err != nil {
			return nil, err
		}
	}

	rej := &Rejection{
		ID:         uuid.NewString(),
		Table:      entry.Table(),
		RecordID:   entry.RecordID(),
		Kind:       entry.Kind,
		Status:     se.Status,
		Substatus:  se.Substatus,
		Message:    se.Message,
		Pending:    &entry,
		RejectedAt: now,
	}
	if err := tx.Put(PartitionRejected, rej.ID, rej); err != nil {
		return nil, err
	}
	if entry.Table() == dropsync.ChangeRejectedTable {
		// Audit submissions are kept locally only
		return rej, nil
	}
	if _, err := enqueue(tx, auditRequest(rej), now); err != nil {
		return nil, err
	}
	return rej, nil
}

// auditRequest is the STORE submitting a rejection to the server
func auditRequest(rej *Rejection) *dropsync.Request {
	detail, _ := json.Marshal(rej.Pending)
	return &dropsync.Request{
		Type:      dropsync.ReqStore,
		TableName: dropsync.ChangeRejectedTable,
		Record: map[string]any{
			"id":            rej.ID,
			"recordVersion": nil,
			"addedBy":       nil,
			"addedDateTime": nil,
			"tableName":     rej.Table,
			"recordId":      rej.RecordID,
			"status":        rej.Status,
			"detail":        string(detail),
			"form":          "pending change",
		},
	}
}

// ErrBadPatch means a patch does not apply to the local copy of its record. The
// local state can no longer be trusted incrementally and must be refreshed.
var ErrBadPatch = errors.New("bad patch")

// ErrRecordDeleted means a patch targets a record whose deletion is still queued
var ErrRecordDeleted = errors.New("record deleted")
