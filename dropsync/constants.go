// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

// Request types
const (
	ReqQuery    = "QUERY"
	ReqRecord   = "RECORD"
	ReqRecords  = "RECORDS"
	ReqStore    = "STORE"
	ReqPatch    = "PATCH"
	ReqDelete   = "DELETE"
	ReqGenerate = "GENERATE"
	ReqOffline  = "OFFLINE"
)

// Message types exchanged over the duplex channel
const (
	MsgResponse    = "RESPONSE"
	MsgError       = "ERROR"
	MsgSetUser     = "SET_USER"
	MsgLogout      = "LOGOUT"
	MsgUpdateUser  = "UPDATE_USER"
	MsgSetCache    = "SET_CACHE"
	MsgUpdateCache = "UPDATE_CACHE"
)

// Server error statuses
const (
	StatusBadPatch             = "BAD_PATCH"
	StatusInvalidPatch         = "INVALID_PATCH"
	StatusInvalidRecord        = "INVALID_RECORD"
	StatusInvalidRequest       = "INVALID_REQUEST"
	StatusAuthenticationFailed = "AUTHENTICATION_FAILED"
	StatusNotAuthenticated     = "NOT_AUTHENTICATED"
	StatusNotFound             = "NOT_FOUND"
	StatusInternalError        = "INTERNAL_ERROR"
)

// Authentication substatuses
const (
	SubstatusInvalidToken = "INVALID_TOKEN"
	SubstatusExpired      = "EXPIRED"
)

const (
	// PendingPrefix starts the id of every request sent from the pending queue
	PendingPrefix = "pending@"
	// CacheRequestID identifies the full snapshot request
	CacheRequestID = "cache"
	// GenerateTable is the pseudo table of GENERATE queue keys
	GenerateTable = "GENERATE"
	// ChangeRejectedTable receives audit records of rejected mutations
	ChangeRejectedTable = "ChangeRejected"
)
