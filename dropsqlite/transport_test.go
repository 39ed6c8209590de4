package dropsqlite

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-dropsync/dropsync"
	"github.com/mobiletoly/go-dropsync/patch"
)

func TestWebsocketTransport_AgainstHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records := seededServer(t)
	jwtAuth := dropsync.NewJWTAuth("test-secret")
	handler := dropsync.NewHandler(records, records, jwtAuth, &dropsync.HandlerConfig{PingInterval: -1}, quietLogger())
	srv := httptest.NewServer(handler)
	defer srv.Close()

	cfg := testConfig()
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	transport := NewWebsocketTransport("ws"+strings.TrimPrefix(srv.URL, "http"), nil, cfg, quietLogger())
	go func() { _ = transport.Run(ctx) }()

	c := startClient(t, transport, cfg)
	token, err := jwtAuth.GenerateToken(dropsync.User{ID: "u1", Name: "Ann"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.SetUser(ctx, token))

	require.Eventually(t, func() bool { return synced(c) }, 5*time.Second, 10*time.Millisecond)
	local, err := c.LocalStore().Record(ctx, "Project", "p1")
	require.NoError(t, err)
	require.Equal(t, "Old", local["name"])

	_, err = c.Patch(ctx, "Project", "p1", []patch.Patch{namePatch("Old", "New")}, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pendingCount(c) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "New", records.Get("Project", "p1")["name"])

	// Notes are not mirrored: the read goes to the server
	note, err := c.Record(ctx, "Note", "n1")
	require.NoError(t, err)
	require.Equal(t, "never mirrored", note["text"])

	user, err := c.User(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", user.ID)
}

func TestWebsocketTransport_SendWhileDown(t *testing.T) {
	transport := NewWebsocketTransport("ws://127.0.0.1:1/sync", nil, nil, quietLogger())
	err := transport.Send(context.Background(), &dropsync.Envelope{Type: dropsync.MsgLogout})
	require.True(t, errors.Is(err, ErrNotConnected))
}
