// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/mobiletoly/go-dropsync/internal/auth"
)

// RecordHandler answers record requests on behalf of an authenticated user.
// Errors carrying a *ServerError are reported with its status; any other error
// is reported as INTERNAL_ERROR.
type RecordHandler interface {
	HandleRequest(ctx context.Context, user *User, req *Request) (any, error)
}

// HandlerConfig holds configuration for the websocket handler
type HandlerConfig struct {
	PingInterval    time.Duration // keepalive ping period (default 30s, negative disables)
	CheckOrigin     func(r *http.Request) bool
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// Handler serves the duplex channel over websockets. Session control frames
// (SET_USER, LOGOUT) are handled inline; every request runs on its own goroutine
// so a slow snapshot never blocks record traffic of the same session.
type Handler struct {
	records   RecordHandler
	snapshots Snapshotter
	tokens    TokenValidator
	config    *HandlerConfig
	upgrader  websocket.Upgrader
	obs       *stageObserver
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	userMu  sync.RWMutex
	user    *User
}

// NewHandler creates a websocket handler
func NewHandler(records RecordHandler, snapshots Snapshotter, tokens TokenValidator, config *HandlerConfig, logger *slog.Logger) *Handler {
	if config == nil {
		config = &HandlerConfig{}
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.CheckOrigin == nil {
		config.CheckOrigin = func(*http.Request) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		records:   records,
		snapshots: snapshots,
		tokens:    tokens,
		config:    config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     config.CheckOrigin,
		},
		obs:      &stageObserver{recorder: config.StageMetrics, logAll: config.LogStageTimings, logger: logger},
		logger:   logger,
		sessions: map[string]*session{},
	}
}

// ServeHTTP upgrades the connection and serves frames until it closes. A valid
// bearer token in the Authorization header authenticates the session up front.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}
	s := &session{id: ulid.Make().String(), conn: conn}
	if token := bearerToken(r); token != "" && h.tokens != nil {
		if user, err := h.tokens.ValidateUser(token); err == nil {
			s.setUser(user)
		}
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.logger.Debug("Session opened", "session", s.id)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()
		_ = conn.Close()
		h.logger.Debug("Session closed", "session", s.id)
	}()

	if h.config.PingInterval > 0 {
		go h.keepalive(ctx, s)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleFrame(ctx, s, data)
	}
}

func (h *Handler) keepalive(ctx context.Context, s *session) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, s *session, data []byte) {
	var env Envelope
	if err := Decode(data, &env); err != nil {
		h.sendError(s, "", NewServerError(StatusInvalidRequest, "malformed frame"))
		return
	}
	switch env.Type {
	case MsgSetUser:
		h.setUser(s, env.Token)
		return
	case MsgLogout:
		s.setUser(nil)
		h.logger.Debug("Session logged out", "session", s.id)
		return
	}
	if env.Request == nil {
		h.sendError(s, env.ID, NewServerError(StatusInvalidRequest, "frame without request"))
		return
	}
	go h.serve(ctx, s, env.ID, env.Request)
}

func (h *Handler) setUser(s *session, token string) {
	if h.tokens == nil {
		h.sendError(s, "", &ServerError{Status: StatusAuthenticationFailed, Substatus: SubstatusInvalidToken, Message: "authentication is not configured"})
		return
	}
	user, err := h.tokens.ValidateUser(token)
	if err != nil {
		s.setUser(nil)
		h.sendError(s, "", err)
		return
	}
	s.setUser(user)
	h.logger.Debug("Session authenticated", "session", s.id, "user", user.ID)
	h.send(s, &ServerMessage{Type: MsgUpdateUser, User: user})
}

func (h *Handler) serve(ctx context.Context, s *session, id string, req *Request) {
	user := s.currentUser()
	if user == nil {
		h.sendError(s, id, NewServerError(StatusNotAuthenticated, "%s requires an authenticated session", req.Type))
		return
	}
	ctx = auth.SetAuthContext(ctx, user.ID, s.id)

	start := h.obs.start()
	var resp any
	var err error
	if req.Type == ReqOffline {
		if h.snapshots == nil {
			err = NewServerError(StatusInvalidRequest, "offline snapshots are not available")
		} else {
			resp, err = h.snapshots.Snapshot(ctx, user)
		}
	} else {
		resp, err = h.records.HandleRequest(ctx, user, req)
	}
	h.obs.observe(ctx, MetricsOpRequest, MetricsStageTotal, req.TableName, start, 1, 1, err != nil)
	if err != nil {
		if ErrorStatus(err) == StatusInternalError {
			h.logger.Error("Request failed", "type", req.Type, "table", req.TableName, "error", err)
		}
		h.sendError(s, id, err)
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to encode response", "type", req.Type, "error", err)
		h.sendError(s, id, err)
		return
	}
	h.send(s, &ServerMessage{Type: MsgResponse, ID: id, Response: raw})
	h.afterWrite(s, req, resp)
}

// afterWrite pushes the outcome of a successful write to every other session
func (h *Handler) afterWrite(origin *session, req *Request, resp any) {
	msg := &ServerMessage{Type: MsgUpdateCache, Table: req.TableName}
	switch r := resp.(type) {
	case *RecordResponse:
		if req.Type != ReqStore || r.Record == nil {
			return
		}
		msg.RecordID, _ = r.Record["id"].(string)
		msg.Record = r.Record
	case *PatchResponse:
		msg.RecordID = req.ID
		msg.Record = r.Record
	case *DeleteResponse:
		msg.RecordID = r.RecordID
	default:
		return
	}
	h.broadcast(origin, msg)
}

// Push sends a point update to every authenticated session. A nil record
// deletes the record on the clients.
func (h *Handler) Push(table, recordID string, record map[string]any) {
	h.broadcast(nil, &ServerMessage{Type: MsgUpdateCache, Table: table, RecordID: recordID, Record: record})
}

// SetCache replaces one table on every authenticated session
func (h *Handler) SetCache(table string, records []map[string]any) {
	if records == nil {
		records = []map[string]any{}
	}
	h.broadcast(nil, &ServerMessage{Type: MsgSetCache, Table: table, Records: records})
}

func (h *Handler) broadcast(except *session, msg *ServerMessage) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s != except && s.currentUser() != nil {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.send(s, msg)
	}
}

// Sessions returns the number of open sessions
func (h *Handler) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Handler) send(s *session, msg *ServerMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		h.logger.Warn("Failed to write frame", "session", s.id, "type", msg.Type, "error", err)
	}
}

func (h *Handler) sendError(s *session, id string, err error) {
	msg := &ServerMessage{Type: MsgError, ID: id, Status: ErrorStatus(err), Error: err.Error()}
	var se *ServerError
	if errors.As(err, &se) {
		msg.Substatus = se.Substatus
		msg.Error = se.Message
	}
	h.send(s, msg)
}

func (s *session) setUser(user *User) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	s.user = user
}

func (s *session) currentUser() *User {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.user
}

// StatusResponse is the payload of the status endpoint
type StatusResponse struct {
	Sessions      int `json:"sessions"`
	Authenticated int `json:"authenticated"`
}

// ErrorResponse represents an error response of the HTTP endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HandleStatus reports the open sessions
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	h.mu.RLock()
	status := StatusResponse{Sessions: len(h.sessions)}
	for _, s := range h.sessions {
		if s.currentUser() != nil {
			status.Authenticated++
		}
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("Failed to encode status response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
