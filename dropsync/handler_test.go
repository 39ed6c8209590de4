package dropsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-dropsync/patch"
)

type handlerFixture struct {
	store   *MemoryStore
	jwt     *JWTAuth
	handler *Handler
	server  *httptest.Server
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{store: seededStore(t), jwt: NewJWTAuth("test-secret")}
	f.handler = NewHandler(f.store, f.store, f.jwt, &HandlerConfig{PingInterval: -1}, quietLogger())
	mux := http.NewServeMux()
	mux.Handle("/sync", f.handler)
	mux.HandleFunc("/status", f.handler.HandleStatus)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *handlerFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/sync"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *handlerFixture) login(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	token, err := f.jwt.GenerateToken(User{ID: userID}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgSetUser, Token: token}))
	msg := readFrame(t, conn)
	require.Equal(t, MsgUpdateUser, msg.Type)
	require.Equal(t, userID, msg.User.ID)
}

func readFrame(t *testing.T, conn *websocket.Conn) *ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, Decode(data, &msg))
	return &msg
}

func TestHandler_RequiresAuthentication(t *testing.T) {
	f := newHandlerFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Envelope{ID: "1", Request: &Request{Type: ReqRecords, TableName: "Contact"}}))
	msg := readFrame(t, conn)
	require.Equal(t, MsgError, msg.Type)
	require.Equal(t, "1", msg.ID)
	require.Equal(t, StatusNotAuthenticated, msg.Status)
}

func TestHandler_SetUserWithBadToken(t *testing.T) {
	f := newHandlerFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgSetUser, Token: "garbage"}))
	msg := readFrame(t, conn)
	require.Equal(t, MsgError, msg.Type)
	require.Empty(t, msg.ID)
	require.Equal(t, StatusAuthenticationFailed, msg.Status)
	require.Equal(t, SubstatusInvalidToken, msg.Substatus)
}

func TestHandler_RecordRoundTrip(t *testing.T) {
	f := newHandlerFixture(t)
	conn := f.dial(t)
	f.login(t, conn, "u1")

	require.NoError(t, conn.WriteJSON(Envelope{ID: "r1", Request: &Request{Type: ReqRecord, TableName: "Project", RecordID: "p1"}}))
	msg := readFrame(t, conn)
	require.Equal(t, MsgResponse, msg.Type)
	require.Equal(t, "r1", msg.ID)

	var resp RecordResponse
	require.NoError(t, json.Unmarshal(msg.Response, &resp))
	require.Equal(t, "Old", resp.Record["name"])
}

func TestHandler_ErrorCarriesStatus(t *testing.T) {
	f := newHandlerFixture(t)
	conn := f.dial(t)
	f.login(t, conn, "u1")

	id := PendingID("Project@p1", ReqPatch, "rev-1")
	require.NoError(t, conn.WriteJSON(Envelope{ID: id, Request: &Request{
		Type:      ReqPatch,
		TableName: "Project",
		ID:        "p1",
		Patches:   []patch.Patch{{Field: []string{"name"}, Diff: json.RawMessage(`["Stale","New"]`)}},
		PatchIDs:  []string{"patch-1"},
	}}))
	msg := readFrame(t, conn)
	require.Equal(t, MsgError, msg.Type)
	require.Equal(t, id, msg.ID)
	require.Equal(t, StatusBadPatch, msg.Status)
}

func TestHandler_OfflineSnapshot(t *testing.T) {
	f := newHandlerFixture(t)
	conn := f.dial(t)
	f.login(t, conn, "u2")

	require.NoError(t, conn.WriteJSON(Envelope{ID: CacheRequestID, Request: &Request{Type: ReqOffline}}))
	msg := readFrame(t, conn)
	require.Equal(t, MsgResponse, msg.Type)
	require.Equal(t, CacheRequestID, msg.ID)

	var snap OfflineResponse
	require.NoError(t, json.Unmarshal(msg.Response, &snap))
	require.Equal(t, []string{"p2"}, rawIDs(t, snap.Records["Project"]))
	require.Equal(t, []string{"c-p2"}, rawIDs(t, snap.Records["Contact"]))
}

func TestHandler_WritesArePushedToOtherSessions(t *testing.T) {
	f := newHandlerFixture(t)
	writer := f.dial(t)
	f.login(t, writer, "u1")
	watcher := f.dial(t)
	f.login(t, watcher, "u2")

	require.NoError(t, writer.WriteJSON(Envelope{ID: "s1", Request: &Request{
		Type: ReqStore, TableName: "Contact", Record: map[string]any{"id": "c-p1", "name": "Annie"},
	}}))
	ack := readFrame(t, writer)
	require.Equal(t, MsgResponse, ack.Type)

	push := readFrame(t, watcher)
	require.Equal(t, MsgUpdateCache, push.Type)
	require.Equal(t, "Contact", push.Table)
	require.Equal(t, "c-p1", push.RecordID)
	require.Equal(t, "Annie", push.Record["name"])

	require.NoError(t, writer.WriteJSON(Envelope{ID: "d1", Request: &Request{
		Type: ReqDelete, TableName: "Contact", RecordID: "c-x",
	}}))
	require.Equal(t, MsgResponse, readFrame(t, writer).Type)
	push = readFrame(t, watcher)
	require.Equal(t, MsgUpdateCache, push.Type)
	require.Equal(t, "c-x", push.RecordID)
	require.Nil(t, push.Record)
}

func TestHandler_LogoutDropsUser(t *testing.T) {
	f := newHandlerFixture(t)
	conn := f.dial(t)
	f.login(t, conn, "u1")

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgLogout}))
	require.NoError(t, conn.WriteJSON(Envelope{ID: "2", Request: &Request{Type: ReqRecords, TableName: "Contact"}}))
	msg := readFrame(t, conn)
	require.Equal(t, StatusNotAuthenticated, msg.Status)
}

func TestHandler_Status(t *testing.T) {
	f := newHandlerFixture(t)
	conn := f.dial(t)
	f.login(t, conn, "u1")
	_ = f.dial(t)

	require.Eventually(t, func() bool { return f.handler.Sessions() == 2 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(f.server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, 2, status.Sessions)
	require.Equal(t, 1, status.Authenticated)

	post, err := http.Post(f.server.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer post.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestParsePendingID(t *testing.T) {
	key, kind, revision, ok := ParsePendingID(PendingID("Project@p1", ReqStore, "rev-1"))
	require.True(t, ok)
	require.Equal(t, "Project@p1", key)
	require.Equal(t, ReqStore, kind)
	require.Equal(t, "rev-1", revision)

	_, _, revision, ok = ParsePendingID("pending@Project@p1@STORE")
	require.True(t, ok)
	require.Empty(t, revision)

	_, _, _, ok = ParsePendingID("01HZX")
	require.False(t, ok)
}
