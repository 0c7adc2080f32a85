package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/auth"
	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Required []string `json:"required"`
		} `json:"data"`
	} `json:"error"`
}

func newWSServer(t *testing.T, mw *auth.Middleware, principal *auth.Principal) (string, storage.Store) {
	t.Helper()
	store := storage.NewMemory(storage.Options{}, nil)
	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "0.0.1"}, nil)
	handler := NewWSHandler(mcpSrv, store, mw, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal != nil {
			r = r.WithContext(auth.WithPrincipal(r.Context(), principal))
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), store
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendText(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) rpcFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame rpcFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return frame
}

func TestWS_BatchRejected(t *testing.T) {
	url, _ := newWSServer(t, nil, nil)
	conn := dialWS(t, url)

	sendText(t, conn, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	frame := readFrame(t, conn)

	if frame.Error == nil {
		t.Fatalf("expected error frame, got %+v", frame)
	}
	if frame.Error.Code != -32600 {
		t.Errorf("error code = %d, want -32600", frame.Error.Code)
	}
	if string(frame.ID) != "null" {
		t.Errorf("error id = %s, want null", frame.ID)
	}
}

func TestWS_ParseErrorRejected(t *testing.T) {
	url, _ := newWSServer(t, nil, nil)
	conn := dialWS(t, url)

	sendText(t, conn, `{"jsonrpc":`)
	frame := readFrame(t, conn)

	if frame.Error == nil || frame.Error.Code != -32700 {
		t.Fatalf("expected -32700 error frame, got %+v", frame)
	}
}

func TestWS_ScopeDenied(t *testing.T) {
	mw := auth.NewMiddleware(nil, config.AuthConfig{}, "http://localhost:8080", zap.NewNop())
	principal := &auth.Principal{
		Subject: "tester",
		Method:  auth.MethodJWT,
		Scopes:  []string{auth.ScopeAccess},
	}
	url, _ := newWSServer(t, mw, principal)
	conn := dialWS(t, url)

	sendText(t, conn, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"ping","arguments":{}}}`)
	frame := readFrame(t, conn)

	if frame.Error == nil {
		t.Fatalf("expected error frame, got %+v", frame)
	}
	if frame.Error.Code != auth.CodeInsufficientScope {
		t.Errorf("error code = %d, want %d", frame.Error.Code, auth.CodeInsufficientScope)
	}
	if string(frame.ID) != "7" {
		t.Errorf("error id = %s, want 7", frame.ID)
	}
	found := false
	for _, scope := range frame.Error.Data.Required {
		if scope == auth.ScopeToolsCall {
			found = true
		}
	}
	if !found {
		t.Errorf("required scopes %v missing %q", frame.Error.Data.Required, auth.ScopeToolsCall)
	}
}

func TestWS_UnrestrictedPrincipalPasses(t *testing.T) {
	mw := auth.NewMiddleware(nil, config.AuthConfig{}, "http://localhost:8080", zap.NewNop())
	principal := &auth.Principal{Subject: "key-client", Method: auth.MethodAPIKey}
	url, _ := newWSServer(t, mw, principal)
	conn := dialWS(t, url)

	sendText(t, conn, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	if frame := readFrame(t, conn); frame.Error != nil {
		t.Fatalf("initialize failed: %+v", frame.Error)
	}
	sendText(t, conn, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	// Static-key principals skip the scope model entirely.
	sendText(t, conn, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	frame := readFrame(t, conn)

	if frame.Error != nil {
		t.Fatalf("tools/list failed: %+v", frame.Error)
	}
	if string(frame.ID) != "3" {
		t.Errorf("response id = %s, want 3", frame.ID)
	}
}

func TestWS_SessionRoundTrip(t *testing.T) {
	url, _ := newWSServer(t, nil, nil)
	conn := dialWS(t, url)

	sendText(t, conn, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	frame := readFrame(t, conn)
	if frame.Error != nil {
		t.Fatalf("initialize failed: %+v", frame.Error)
	}
	if string(frame.ID) != "1" {
		t.Fatalf("initialize response id = %s, want 1", frame.ID)
	}

	sendText(t, conn, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	sendText(t, conn, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)

	frame = readFrame(t, conn)
	if frame.Error != nil {
		t.Fatalf("ping failed: %+v", frame.Error)
	}
	if string(frame.ID) != "2" {
		t.Errorf("ping response id = %s, want 2", frame.ID)
	}
	if len(frame.Result) == 0 {
		t.Error("ping response has no result")
	}
}

func TestWS_SessionPersisted(t *testing.T) {
	url, store := newWSServer(t, nil, nil)
	conn := dialWS(t, url)

	sendText(t, conn, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	if frame := readFrame(t, conn); frame.Error != nil {
		t.Fatalf("initialize failed: %+v", frame.Error)
	}

	// The session id is server-generated, so count rows instead of
	// fetching one: exactly this connection's row must exist.
	n, err := store.PurgeStaleSessions(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("persisted sessions = %d, want 1", n)
	}
}

func TestWSConn_SaveAndTouchSession(t *testing.T) {
	store := storage.NewMemory(storage.Options{}, nil)
	ctx := context.Background()
	conn := &wsConn{
		sessionID: "sess-1",
		store:     store,
		logger:    zap.NewNop(),
		startedAt: time.Now().UTC().Add(-time.Minute),
	}

	conn.saveSession(ctx, "2025-03-26", "t 1")

	sess, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Transport != "websocket" {
		t.Errorf("transport = %q, want websocket", sess.Transport)
	}
	if sess.ProtocolVersion != "2025-03-26" {
		t.Errorf("protocol version = %q, want 2025-03-26", sess.ProtocolVersion)
	}
	if sess.ClientInfo != "t 1" {
		t.Errorf("client info = %q, want %q", sess.ClientInfo, "t 1")
	}

	before := sess.LastSeenAt
	conn.lastTouch = time.Time{} // force past the touch budget
	conn.touch(ctx)

	sess, err = store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session after touch: %v", err)
	}
	if sess.LastSeenAt.Before(before) {
		t.Errorf("last_seen_at went backwards: %s -> %s", before, sess.LastSeenAt)
	}
}

func TestWS_BearerSubprotocolEchoed(t *testing.T) {
	url, _ := newWSServer(t, nil, nil)

	dialer := websocket.Dialer{Subprotocols: []string{"bearer.test-token"}}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "bearer.test-token" {
		t.Errorf("Sec-WebSocket-Protocol = %q, want %q", got, "bearer.test-token")
	}
}

func TestErrorFrame_Shapes(t *testing.T) {
	tests := []struct {
		name string
		id   json.RawMessage
		code int
		data any
		want string
	}{
		{"null_id", nil, -32600, nil, `{"error":{"code":-32600,"message":"m"},"id":null,"jsonrpc":"2.0"}`},
		{"numeric_id", json.RawMessage("42"), -32700, nil, `{"error":{"code":-32700,"message":"m"},"id":42,"jsonrpc":"2.0"}`},
		{"string_id", json.RawMessage(`"abc"`), -32010, map[string]any{"required": []string{"s"}}, `{"error":{"code":-32010,"data":{"required":["s"]},"message":"m"},"id":"abc","jsonrpc":"2.0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(errorFrame(tt.id, tt.code, "m", tt.data))
			if got != tt.want {
				t.Errorf("errorFrame = %s, want %s", got, tt.want)
			}
		})
	}
}
