// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package notify carries liveness hints between sync clients: pending-entry
// resolution, concurrent edit declarations and cache invalidation. Delivery is
// best effort; nothing here replaces the durability of the local store.
package notify

import (
	"context"
	"encoding/json"
)

// Message kinds
const (
	KindDeclareEdit     = "DECLARE_EDIT"
	KindProtestEdit     = "PROTEST_EDIT"
	KindPendingResolved = "PENDING_RESOLVED"
	KindInvalidateCache = "INVALIDATE_CACHE"
	KindUpdateStatus    = "UPDATE_STATUS"
	KindBadPatch        = "BAD_PATCH"
)

// Message is a broadcast hint
type Message struct {
	Kind    string          `json:"type"`
	Table   string          `json:"table,omitempty"`
	ID      string          `json:"id,omitempty"`
	Key     string          `json:"key,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bus is publish/subscribe on message kinds.
//
// Subscribe returns a channel that is closed once ctx is done or the bus is closed.
// With no kinds every message is delivered. Publish never blocks on slow subscribers:
// a subscriber whose buffer is full misses the message.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, kinds ...string) <-chan Message
	Close() error
}

// subscriberBuffer is the per-subscriber channel capacity
const subscriberBuffer = 64

type subscriber struct {
	ch    chan Message
	kinds map[string]bool
}

func newSubscriber(kinds []string) *subscriber {
	s := &subscriber{ch: make(chan Message, subscriberBuffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	return s
}

func (s *subscriber) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// offer delivers without blocking and reports whether the message was accepted
func (s *subscriber) offer(msg Message) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}
