// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"sync"
)

// EditTracker detects concurrent edits of one record by different peers. A peer
// that opens a record declares it; any peer already editing that record protests,
// and the protest is reported to every peer editing it.
type EditTracker struct {
	bus    Bus
	origin string

	mu      sync.Mutex
	editing map[string]*edit
}

type edit struct {
	refs     int
	protests chan struct{}
}

// NewEditTracker creates a tracker publishing as origin. The tracker answers
// declarations until ctx is done.
func NewEditTracker(ctx context.Context, bus Bus, origin string) *EditTracker {
	t := &EditTracker{bus: bus, origin: origin, editing: map[string]*edit{}}
	msgs := bus.Subscribe(ctx, KindDeclareEdit, KindProtestEdit)
	go t.run(ctx, msgs)
	return t
}

func editKey(table, id string) string { return table + "@" + id }

// Declare marks the record as being edited here and announces it. The returned
// channel receives a value whenever another peer edits the same record; release
// ends the edit.
func (t *EditTracker) Declare(ctx context.Context, table, id string) (protests <-chan struct{}, release func(), err error) {
	key := editKey(table, id)
	t.mu.Lock()
	e, ok := t.editing[key]
	if !ok {
		e = &edit{protests: make(chan struct{}, 1)}
		t.editing[key] = e
	}
	e.refs++
	t.mu.Unlock()

	release = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.editing[key]; ok && cur == e {
			e.refs--
			if e.refs == 0 {
				delete(t.editing, key)
			}
		}
	}
	err = t.bus.Publish(ctx, Message{Kind: KindDeclareEdit, Table: table, ID: id, Origin: t.origin})
	if err != nil {
		release()
		return nil, nil, err
	}
	return e.protests, release, nil
}

// Editing reports whether the record is currently declared here
func (t *EditTracker) Editing(table, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.editing[editKey(table, id)]
	return ok
}

func (t *EditTracker) run(ctx context.Context, msgs <-chan Message) {
	for msg := range msgs {
		if msg.Origin == t.origin {
			continue
		}
		t.mu.Lock()
		e, ok := t.editing[editKey(msg.Table, msg.ID)]
		t.mu.Unlock()
		if !ok {
			continue
		}
		switch msg.Kind {
		case KindDeclareEdit:
			_ = t.bus.Publish(ctx, Message{Kind: KindProtestEdit, Table: msg.Table, ID: msg.ID, Origin: t.origin})
			signal(e.protests)
		case KindProtestEdit:
			signal(e.protests)
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
