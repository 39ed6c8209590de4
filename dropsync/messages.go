// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-dropsync/patch"
	"github.com/mobiletoly/go-dropsync/query"
)

// Wire models of the duplex channel. Clients send Envelope frames; the server answers
// with ServerMessage frames carrying the same id.

// Request is one client request. Which fields are used depends on Type:
//
//	QUERY    TableName, Columns, Filters, Sorts, Limit
//	RECORD   TableName, RecordID
//	RECORDS  TableName
//	STORE    TableName, Record
//	PATCH    TableName, ID, Patches, PatchIDs, Override
//	DELETE   TableName, RecordID
//	GENERATE ID (queue key only, never sent), Template, Params
//	OFFLINE  no fields
type Request struct {
	Type      string         `json:"type"`
	TableName string         `json:"tableName,omitempty"`
	RecordID  string         `json:"recordId,omitempty"`
	ID        string         `json:"id,omitempty"`
	Record    map[string]any `json:"record,omitempty"`
	Form      string         `json:"form,omitempty"`

	Patches  []patch.Patch `json:"patches,omitempty"`
	PatchIDs []string      `json:"patchIds,omitempty"`
	Override bool          `json:"override,omitempty"`

	Columns []string      `json:"columns,omitempty"`
	Filters query.Filters `json:"filters,omitempty"`
	Sorts   []string      `json:"sorts,omitempty"`
	Limit   int           `json:"limit,omitempty"`

	Template string          `json:"template,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// QueryRequest returns the query part of a QUERY request
func (r *Request) QueryRequest() query.Request {
	return query.Request{
		Table:   r.TableName,
		Columns: r.Columns,
		Filters: r.Filters,
		Sorts:   r.Sorts,
		Limit:   r.Limit,
	}
}

// Key returns the pending-queue key of a record-identified request
// ("table@recordId"), or "GENERATE@id" for GENERATE. Table-identified requests
// have no key.
func (r *Request) Key() string {
	switch r.Type {
	case ReqStore:
		id, _ := r.Record["id"].(string)
		return r.TableName + "@" + id
	case ReqRecord, ReqDelete:
		return r.TableName + "@" + r.RecordID
	case ReqPatch:
		return r.TableName + "@" + r.ID
	case ReqGenerate:
		return GenerateTable + "@" + r.ID
	default:
		return ""
	}
}

// Stripped returns the request as it is sent to the server, without the
// client-generated GENERATE queue id
func (r *Request) Stripped() *Request {
	out := *r
	if out.Type == ReqGenerate {
		out.ID = ""
	}
	return &out
}

// Envelope is a client frame. Requests carry ID and Request; session control
// frames (SET_USER, LOGOUT) carry Type and Token instead.
type Envelope struct {
	ID      string   `json:"id,omitempty"`
	Request *Request `json:"request,omitempty"`
	Type    string   `json:"type,omitempty"`
	Token   string   `json:"token,omitempty"`
}

// ServerMessage is a server frame
type ServerMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Status    string          `json:"status,omitempty"`
	Substatus string          `json:"substatus,omitempty"`
	Error     string          `json:"error,omitempty"`
	User      *User           `json:"user,omitempty"`

	// SET_CACHE and UPDATE_CACHE pushes
	Table    string           `json:"table,omitempty"`
	Records  []map[string]any `json:"records,omitempty"`
	RecordID string           `json:"recordId,omitempty"`
	Record   map[string]any   `json:"record,omitempty"`
}

// User is the authenticated user snapshot
type User struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type RecordResponse struct {
	Record map[string]any `json:"record"`
}

type RecordsResponse struct {
	Records []map[string]any `json:"records"`
}

type PatchResponse struct {
	Record         map[string]any `json:"record"`
	AppliedPatches []string       `json:"appliedPatches"`
}

type DeleteResponse struct {
	RecordID string `json:"recordId"`
}

type GenerateResponse struct {
	URL     *string  `json:"url"`
	Target  []string `json:"target"`
	Error   *string  `json:"error"`
	Offline bool     `json:"offline,omitempty"`
}

// OfflineResponse is the scope-filtered snapshot of every mirrored table
type OfflineResponse struct {
	Records map[string][]json.RawMessage `json:"records"`
}

// PendingID tags a request sent from the pending queue:
// "pending@" + key + "@" + kind + "@" + revision
func PendingID(key, kind, revision string) string {
	return PendingPrefix + key + "@" + kind + "@" + revision
}

// ParsePendingID splits a pending request id into its queue key, request kind
// and entry revision. Ids without a revision parse with an empty one.
func ParsePendingID(id string) (key, kind, revision string, ok bool) {
	rest, found := strings.CutPrefix(id, PendingPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "@")
	if len(parts) < 3 {
		return "", "", "", false
	}
	if len(parts) > 3 {
		revision = parts[3]
	}
	return parts[0] + "@" + parts[1], parts[2], revision, true
}

// Decode unmarshals JSON keeping numbers as json.Number so decimals and large
// integers survive a round trip
func Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
