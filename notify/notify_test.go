package notify

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func requireSilent(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusFiltersByKind(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	resolved := bus.Subscribe(ctx, KindPendingResolved)
	everything := bus.Subscribe(ctx)

	require.NoError(t, bus.Publish(ctx, Message{Kind: KindInvalidateCache, Table: "Project", ID: "p1"}))
	require.NoError(t, bus.Publish(ctx, Message{Kind: KindPendingResolved, Key: "Project@p1"}))

	require.Equal(t, "Project@p1", receive(t, resolved).Key)
	require.Equal(t, KindInvalidateCache, receive(t, everything).Kind)
	require.Equal(t, KindPendingResolved, receive(t, everything).Kind)
	requireSilent(t, resolved)
}

func TestMemoryBusSubscriptionEndsWithContext(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), Message{Kind: KindPendingResolved}))
}

func TestMemoryBusCloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(nil)
	ch := bus.Subscribe(context.Background())
	require.NoError(t, bus.Close())
	_, ok := <-ch
	require.False(t, ok)

	late := bus.Subscribe(context.Background())
	_, ok = <-late
	require.False(t, ok)
}

func TestSocketBusBroadcastsToOtherPeers(t *testing.T) {
	dir := t.TempDir()
	a, err := NewSocketBus(dir, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSocketBus(dir, nil)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	fromA := a.Subscribe(ctx)
	fromB := b.Subscribe(ctx)

	require.NoError(t, a.Publish(ctx, Message{Kind: KindInvalidateCache, Table: "Project", ID: "p1"}))

	msg := receive(t, fromB)
	require.Equal(t, KindInvalidateCache, msg.Kind)
	require.Equal(t, "p1", msg.ID)
	require.Equal(t, a.Name(), msg.Origin)
	requireSilent(t, fromA)
}

func TestSocketBusRemovesStalePeers(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "01STALEPEER.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: stale, Net: "unixgram"})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	_, err = os.Stat(stale)
	require.NoError(t, err)

	bus, err := NewSocketBus(dir, nil)
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), Message{Kind: KindPendingResolved, Key: "k"}))
	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}

func TestSocketBusCloseRemovesSocket(t *testing.T) {
	dir := t.TempDir()
	bus, err := NewSocketBus(dir, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestEditTrackerProtestsConcurrentEdit(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := NewEditTracker(ctx, bus, "tab-1")
	second := NewEditTracker(ctx, bus, "tab-2")

	firstProtests, releaseFirst, err := first.Declare(ctx, "Project", "p1")
	require.NoError(t, err)
	require.True(t, first.Editing("Project", "p1"))

	select {
	case <-firstProtests:
		t.Fatal("nobody else edits p1 yet")
	case <-time.After(100 * time.Millisecond):
	}

	secondProtests, releaseSecond, err := second.Declare(ctx, "Project", "p1")
	require.NoError(t, err)
	defer releaseSecond()

	select {
	case <-secondProtests:
	case <-time.After(2 * time.Second):
		t.Fatal("expected protest from tab-1")
	}

	releaseFirst()
	require.False(t, first.Editing("Project", "p1"))

	// an unrelated record draws no protest
	otherProtests, releaseOther, err := second.Declare(ctx, "Project", "p2")
	require.NoError(t, err)
	defer releaseOther()
	select {
	case <-otherProtests:
		t.Fatal("p2 is not edited elsewhere")
	case <-time.After(100 * time.Millisecond):
	}
}
