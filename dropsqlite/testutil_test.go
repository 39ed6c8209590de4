package dropsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-dropsync/dropsync"
	"github.com/mobiletoly/go-dropsync/patch"
	"github.com/mobiletoly/go-dropsync/schema"
	"github.com/mobiletoly/go-dropsync/scope"
)

const testPolicies = `
Project: {type: project, version: 1}
Contact: {type: list, source: Project, field: contacts, version: 1}
Note: {type: none, version: 1}
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	personnel := schema.NewRecord("Personnel", map[string]*schema.Field{"user": schema.String()})
	completion := schema.NewRecord("Completion", map[string]*schema.Field{"date": schema.Date()})
	project := schema.NewRecord("Project", map[string]*schema.Field{
		"name":            schema.String(),
		"personnel":       schema.ArrayOf(schema.Nested(personnel)),
		"contacts":        schema.ArrayOf(schema.Link("Contact")),
		"projectLostDate": schema.Date(),
		"completion":      schema.Nested(completion),
	})
	contact := schema.NewRecord("Contact", map[string]*schema.Field{"name": schema.String()})
	note := schema.NewRecord("Note", map[string]*schema.Field{"text": schema.String()})
	reg, err := schema.NewRegistry(project, contact, note)
	require.NoError(t, err)
	return reg
}

func testResolver(t *testing.T) *scope.Resolver {
	t.Helper()
	policies, err := scope.LoadPolicies([]byte(testPolicies))
	require.NoError(t, err)
	r, err := scope.NewResolver(policies, scope.DefaultProjectRule())
	require.NoError(t, err)
	return r
}

func project(id, name string, users ...string) map[string]any {
	personnel := []any{}
	for _, u := range users {
		personnel = append(personnel, map[string]any{"user": u})
	}
	return map[string]any{
		"id":              id,
		"name":            name,
		"personnel":       personnel,
		"contacts":        []any{fmt.Sprintf("c-%s", id)},
		"projectLostDate": nil,
		"completion":      map[string]any{"date": nil},
	}
}

func seededServer(t *testing.T) *dropsync.MemoryStore {
	t.Helper()
	store := dropsync.NewMemoryStore(testRegistry(t), testResolver(t), quietLogger())
	require.NoError(t, store.Put("Project",
		project("p1", "Old", "u1"),
		project("p2", "Beta", "u2"),
	))
	require.NoError(t, store.Put("Contact",
		map[string]any{"id": "c-p1", "name": "Ann"},
		map[string]any{"id": "c-p2", "name": "Bob"},
		map[string]any{"id": "c-x", "name": "Orphan"},
	))
	require.NoError(t, store.Put("Note", map[string]any{"id": "n1", "text": "never mirrored"}))
	return store
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.DrainTimeout = 300 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

// fakeServer is a Transport answering frames synchronously from a MemoryStore.
// The token of SET_USER is taken as the user id, "bad" fails authentication.
type fakeServer struct {
	store   *dropsync.MemoryStore
	inbound chan *dropsync.ServerMessage
	state   chan bool

	mu      sync.Mutex
	up      bool
	user    *dropsync.User
	hold    bool
	held    []*dropsync.Envelope
	sent    []*dropsync.Envelope
	rejects map[string]*dropsync.ServerError
	audits  []map[string]any
}

func newFakeServer(store *dropsync.MemoryStore) *fakeServer {
	return &fakeServer{
		store:   store,
		inbound: make(chan *dropsync.ServerMessage, 256),
		state:   make(chan bool, 16),
		rejects: map[string]*dropsync.ServerError{},
	}
}

func (f *fakeServer) Inbound() <-chan *dropsync.ServerMessage { return f.inbound }
func (f *fakeServer) State() <-chan bool                     { return f.state }

func (f *fakeServer) connect() {
	f.mu.Lock()
	f.up = true
	f.mu.Unlock()
	f.state <- true
}

// holdPending keeps queued mutations unanswered
func (f *fakeServer) holdPending(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = hold
}

// release answers the held envelopes selected by match in send order and
// returns how many were answered
func (f *fakeServer) release(ctx context.Context, match func(env *dropsync.Envelope) bool) int {
	f.mu.Lock()
	var due, keep []*dropsync.Envelope
	for _, env := range f.held {
		if match(env) {
			due = append(due, env)
		} else {
			keep = append(keep, env)
		}
	}
	f.held = keep
	f.mu.Unlock()
	for _, env := range due {
		f.inbound <- f.answer(ctx, env)
	}
	return len(due)
}

func anyEnvelope(*dropsync.Envelope) bool { return true }

func (f *fakeServer) reject(key string, se *dropsync.ServerError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects[key] = se
}

func (f *fakeServer) sentPending() []*dropsync.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*dropsync.Envelope
	for _, env := range f.sent {
		if _, _, _, ok := dropsync.ParsePendingID(env.ID); ok {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeServer) auditRecords() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any{}, f.audits...)
}

func (f *fakeServer) Send(ctx context.Context, env *dropsync.Envelope) error {
	f.mu.Lock()
	if !f.up {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.sent = append(f.sent, env)
	key, _, _, pending := dropsync.ParsePendingID(env.ID)
	if pending && f.hold {
		f.held = append(f.held, env)
		f.mu.Unlock()
		return nil
	}
	rejection := f.rejects[key]
	f.mu.Unlock()

	switch env.Type {
	case dropsync.MsgSetUser:
		if env.Token == "bad" {
			f.inbound <- &dropsync.ServerMessage{Type: dropsync.MsgError, Status: dropsync.StatusAuthenticationFailed, Substatus: dropsync.SubstatusInvalidToken}
			return nil
		}
		user := &dropsync.User{ID: env.Token}
		f.mu.Lock()
		f.user = user
		f.mu.Unlock()
		f.inbound <- &dropsync.ServerMessage{Type: dropsync.MsgUpdateUser, User: user}
		return nil
	case dropsync.MsgLogout:
		return nil
	}
	if pending && rejection != nil {
		f.inbound <- &dropsync.ServerMessage{Type: dropsync.MsgError, ID: env.ID, Status: rejection.Status, Error: rejection.Message}
		return nil
	}
	f.inbound <- f.answer(ctx, env)
	return nil
}

func (f *fakeServer) answer(ctx context.Context, env *dropsync.Envelope) *dropsync.ServerMessage {
	f.mu.Lock()
	user := f.user
	f.mu.Unlock()

	var resp any
	var err error
	switch {
	case env.Request.Type == dropsync.ReqOffline:
		resp, err = f.store.Snapshot(ctx, user)
	case env.Request.TableName == dropsync.ChangeRejectedTable:
		f.mu.Lock()
		f.audits = append(f.audits, env.Request.Record)
		f.mu.Unlock()
		resp = &dropsync.RecordResponse{Record: env.Request.Record}
	default:
		resp, err = f.store.HandleRequest(ctx, user, env.Request)
	}
	if err != nil {
		return &dropsync.ServerMessage{Type: dropsync.MsgError, ID: env.ID, Status: dropsync.ErrorStatus(err), Error: err.Error()}
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		panic(err)
	}
	return &dropsync.ServerMessage{Type: dropsync.MsgResponse, ID: env.ID, Response: raw}
}

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	return db
}

func newClient(t *testing.T, transport Transport, config *Config) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), openMemoryDB(t), testRegistry(t), testResolver(t), transport, config, &Options{Logger: quietLogger()})
	require.NoError(t, err)
	return c
}

// startClient creates a client over an in-memory database and runs it until the test ends
func startClient(t *testing.T, transport Transport, config *Config) *Client {
	t.Helper()
	c := newClient(t, transport, config)
	runClient(t, c)
	return c
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = c.Close()
	})
}

// testClock is a settable clock for throttling tests
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Now()} }

func (k *testClock) Now() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now
}

func (k *testClock) advance(d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = k.now.Add(d)
}

// seedLocal writes records into the local store as if a sync had delivered them
func seedLocal(t *testing.T, c *Client, table string, records ...map[string]any) {
	t.Helper()
	require.NoError(t, c.LocalStore().Update(context.Background(), func(tx *Tx) error {
		for _, rec := range records {
			if err := tx.Put(table, rec["id"].(string), rec); err != nil {
				return err
			}
		}
		return nil
	}))
}

// pendingCount is safe to call from require.Eventually conditions
func pendingCount(c *Client) int {
	entries, err := c.Pending(context.Background())
	if err != nil {
		return -1
	}
	return len(entries)
}

func synced(c *Client) bool {
	st, err := c.Status(context.Background())
	return err == nil && !st.LastSync.IsZero()
}

func namePatch(from, to string) patch.Patch {
	return patch.Patch{Field: []string{"name"}, Diff: json.RawMessage(fmt.Sprintf("[%q,%q]", from, to))}
}
