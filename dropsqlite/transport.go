// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dropsqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobiletoly/go-dropsync/dropsync"
)

// ErrNotConnected is returned when a frame cannot be sent because the channel is down
var ErrNotConnected = errors.New("not connected")

// Transport is the duplex channel to the server. Inbound delivers server frames;
// State delivers true on every (re)connect and false on every disconnect.
type Transport interface {
	Send(ctx context.Context, env *dropsync.Envelope) error
	Inbound() <-chan *dropsync.ServerMessage
	State() <-chan bool
}

// WebsocketTransport keeps a websocket connection to the server, reconnecting
// with exponential backoff and jitter
type WebsocketTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	config *Config
	logger *slog.Logger

	inbound chan *dropsync.ServerMessage
	state   chan bool

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketTransport creates a transport for url; call Run to connect
func NewWebsocketTransport(url string, header http.Header, config *Config, logger *slog.Logger) *WebsocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketTransport{
		url:     url,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		config:  config.withDefaults(),
		logger:  logger,
		inbound: make(chan *dropsync.ServerMessage, 256),
		state:   make(chan bool, 16),
	}
}

func (t *WebsocketTransport) Inbound() <-chan *dropsync.ServerMessage { return t.inbound }
func (t *WebsocketTransport) State() <-chan bool                     { return t.state }

// Run connects and serves the connection until ctx is done
func (t *WebsocketTransport) Run(ctx context.Context) error {
	backoff := t.config.BackoffMin
	for {
		conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
		if err == nil {
			backoff = t.config.BackoffMin
			t.serve(ctx, conn)
		} else {
			t.logger.Debug("Failed to connect", "url", t.url, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff/2 + rand.N(backoff/2+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > t.config.BackoffMax {
			backoff = t.config.BackoffMax
		}
	}
}

func (t *WebsocketTransport) serve(ctx context.Context, conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.logger.Info("Connected", "url", t.url)
	t.notify(ctx, true)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()
		t.logger.Info("Disconnected", "url", t.url)
		t.notify(ctx, false)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg dropsync.ServerMessage
		if err := dropsync.Decode(data, &msg); err != nil {
			t.logger.Warn("Dropped malformed server frame", "error", err)
			continue
		}
		select {
		case t.inbound <- &msg:
		case <-ctx.Done():
			return
		}
	}
}

func (t *WebsocketTransport) notify(ctx context.Context, up bool) {
	select {
	case t.state <- up:
	case <-ctx.Done():
	}
}

// Send writes one frame
func (t *WebsocketTransport) Send(ctx context.Context, env *dropsync.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}
