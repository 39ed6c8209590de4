// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBus is the in-process backend; every subscriber (including the publisher's
// own) receives each message
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{subs: map[*subscriber]struct{}{}, done: make(chan struct{}), logger: logger}
}

func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for s := range b.subs {
		if s.wants(msg.Kind) && !s.offer(msg) {
			b.logger.Debug("Dropped notification for slow subscriber", "type", msg.Kind, "key", msg.Key)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, kinds ...string) <-chan Message {
	s := newSubscriber(kinds)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(s)
		case <-b.done:
		}
	}()
	return s.ch
}

func (b *MemoryBus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Close closes every subscription
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
	return nil
}
