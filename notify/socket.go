// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/oklog/ulid/v2"
)

const (
	socketSuffix   = ".sock"
	maxDatagramLen = 64 * 1024
)

// SocketBus is the cross-process backend. Every peer binds a unixgram socket in a
// shared directory; a message is sent to every other peer and never echoed back to
// the publisher, so peers on one directory behave like tabs sharing a broadcast
// channel.
type SocketBus struct {
	dir    string
	name   string
	conn   *net.UnixConn
	local  *MemoryBus
	logger *slog.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSocketBus joins the broadcast directory dir, creating it when missing
func NewSocketBus(dir string, logger *slog.Logger) (*SocketBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create broadcast directory: %w", err)
	}
	name := ulid.Make().String()
	addr := &net.UnixAddr{Name: filepath.Join(dir, name+socketSuffix), Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind broadcast socket: %w", err)
	}

	b := &SocketBus{
		dir:    dir,
		name:   name,
		conn:   conn,
		local:  NewMemoryBus(logger),
		logger: logger.With("peer", name),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

// Name is this peer's identity, used as the origin of published messages
func (b *SocketBus) Name() string { return b.name }

func (b *SocketBus) Publish(_ context.Context, msg Message) error {
	if msg.Origin == "" {
		msg.Origin = b.name
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	if len(data) > maxDatagramLen {
		return fmt.Errorf("broadcast %s exceeds %d bytes", msg.Kind, maxDatagramLen)
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("failed to list broadcast peers: %w", err)
	}
	for _, e := range entries {
		peer := e.Name()
		if !strings.HasSuffix(peer, socketSuffix) || peer == b.name+socketSuffix {
			continue
		}
		path := filepath.Join(b.dir, peer)
		_, err := b.conn.WriteToUnix(data, &net.UnixAddr{Name: path, Net: "unixgram"})
		switch {
		case err == nil:
		case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ENOENT):
			// peer exited without cleaning up
			_ = os.Remove(path)
		default:
			b.logger.Warn("Failed to deliver broadcast", "to", peer, "type", msg.Kind, "error", err)
		}
	}
	return nil
}

func (b *SocketBus) Subscribe(ctx context.Context, kinds ...string) <-chan Message {
	return b.local.Subscribe(ctx, kinds...)
}

func (b *SocketBus) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, maxDatagramLen)
	for {
		n, _, err := b.conn.ReadFromUnix(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Warn("Broadcast socket read failed", "error", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			b.logger.Debug("Ignoring malformed broadcast", "error", err)
			continue
		}
		_ = b.local.Publish(context.Background(), msg)
	}
}

// Close leaves the broadcast directory
func (b *SocketBus) Close() error {
	var err error
	b.once.Do(func() {
		err = b.conn.Close()
		b.wg.Wait()
		_ = os.Remove(filepath.Join(b.dir, b.name+socketSuffix))
		_ = b.local.Close()
	})
	return err
}
