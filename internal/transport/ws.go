// Package transport mounts the MCP server on its network carriers: a
// WebSocket bridge, the legacy SSE+POST pair, the stdio runner, and the
// job event stream. The streamable HTTP endpoint comes straight from the
// SDK and is mounted by the HTTP server.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/auth"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Bearer auth runs in the middleware before the upgrade, so all
	// origins are allowed here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsReadDeadline     = 90 * time.Second
	wsPingInterval     = 30 * time.Second
	wsWriteWait        = 10 * time.Second
	sessionTouchBudget = 30 * time.Second
)

// WSHandler runs one MCP session per WebSocket connection. JSON-RPC
// messages travel one per text frame; batch frames are rejected.
type WSHandler struct {
	server *mcp.Server
	store  storage.Store
	mw     *auth.Middleware
	logger *zap.Logger
}

// NewWSHandler builds the /mcp/ws endpoint handler. mw may be nil when
// auth is disabled; scope checks are skipped in that case.
func NewWSHandler(server *mcp.Server, store storage.Store, mw *auth.Middleware, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{server: server, store: store, mw: mw, logger: logger.Named("ws")}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Echo the bearer subprotocol when the client authenticated through
	// it; browsers abort the handshake if the offer goes unanswered.
	var respHeader http.Header
	if proto := bearerSubprotocol(r); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}

	sock, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn := &wsConn{
		sock:      sock,
		sessionID: uuid.NewString(),
		principal: auth.FromContext(r.Context()),
		store:     h.store,
		mw:        h.mw,
		logger:    h.logger,
		startedAt: time.Now().UTC(),
	}
	conn.saveSession(r.Context(), "", "")
	conn.startKeepalive()

	h.logger.Info("websocket session started",
		zap.String("session_id", conn.sessionID),
		zap.String("remote_addr", r.RemoteAddr),
	)
	defer h.logger.Info("websocket session closed",
		zap.String("session_id", conn.sessionID),
	)

	if err := h.server.Run(r.Context(), singleConn{conn}); err != nil &&
		!errors.Is(err, context.Canceled) && !isExpectedClose(err) {
		h.logger.Debug("websocket session ended with error", zap.Error(err))
	}
}

// bearerSubprotocol returns the offered bearer.<token> subprotocol entry,
// if any, so the handshake response can select it.
func bearerSubprotocol(r *http.Request) string {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(header, ",") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "bearer.") {
				return part
			}
		}
	}
	return ""
}

// singleConn adapts an established connection to the SDK transport
// interface; Connect hands back the one connection the socket carries.
type singleConn struct {
	conn *wsConn
}

func (t singleConn) Connect(ctx context.Context) (mcp.Connection, error) {
	return t.conn, nil
}

// wsConn is the SDK connection over one WebSocket.
type wsConn struct {
	sock      *websocket.Conn
	sessionID string
	principal *auth.Principal
	store     storage.Store
	mw        *auth.Middleware
	logger    *zap.Logger
	startedAt time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	// lastTouch is only read and written on the read goroutine; gorilla
	// runs pong handlers there too.
	lastTouch time.Time
}

func (c *wsConn) SessionID() string { return c.sessionID }

// frameProbe is the envelope peek used for scope checks and session
// bookkeeping before a frame reaches the SDK.
type frameProbe struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Name            string `json:"name"`
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	} `json:"params"`
}

// Read pulls the next JSON-RPC message off the socket. Frames the SDK
// must not see (batches, parse failures, scope denials) are answered
// here and reading continues.
func (c *wsConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgType, data, err := c.sock.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		frame := bytes.TrimSpace(data)
		if len(frame) == 0 {
			continue
		}
		if frame[0] == '[' {
			c.writeFrame(errorFrame(nil, codeInvalidRequest, "batch requests are not supported on this transport", nil))
			continue
		}
		var probe frameProbe
		if err := json.Unmarshal(frame, &probe); err == nil && probe.Method != "" {
			if denial, denied := c.scopeDenial(&probe); denied {
				c.writeFrame(denial)
				continue
			}
			if probe.Method == "initialize" {
				c.saveSession(ctx, probe.Params.ProtocolVersion, clientInfoString(&probe))
			}
		}
		c.touch(ctx)
		msg, err := jsonrpc.DecodeMessage(frame)
		if err != nil {
			c.writeFrame(errorFrame(nil, codeParseError, "parse error", nil))
			continue
		}
		return msg, nil
	}
}

// saveSession upserts the persisted session row. Called once on upgrade
// and again when initialize reveals the protocol version and client.
func (c *wsConn) saveSession(ctx context.Context, protocolVersion, clientInfo string) {
	if c.store == nil {
		return
	}
	sess := &storage.Session{
		ID:              c.sessionID,
		Transport:       "websocket",
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo,
		CreatedAt:       c.startedAt,
		LastSeenAt:      time.Now().UTC(),
	}
	if err := c.store.SaveSession(ctx, sess); err != nil {
		c.logger.Debug("save session failed",
			zap.String("session_id", c.sessionID),
			zap.Error(err),
		)
	}
	c.lastTouch = sess.LastSeenAt
}

// touch bumps last_seen_at, rate limited so chatty sessions do not turn
// every frame into a database write.
func (c *wsConn) touch(ctx context.Context) {
	if c.store == nil {
		return
	}
	now := time.Now().UTC()
	if now.Sub(c.lastTouch) < sessionTouchBudget {
		return
	}
	c.lastTouch = now
	if err := c.store.TouchSession(ctx, c.sessionID, 0); err != nil && !storage.IsNotFound(err) {
		c.logger.Debug("touch session failed",
			zap.String("session_id", c.sessionID),
			zap.Error(err),
		)
	}
}

func clientInfoString(probe *frameProbe) string {
	ci := probe.Params.ClientInfo
	return strings.TrimSpace(ci.Name + " " + ci.Version)
}

func (c *wsConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		c.closeErr = c.sock.Close()
	})
	return c.closeErr
}

func (c *wsConn) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// scopeDenial enforces the per-method scope map before the message
// reaches the SDK. Responses from the client carry no method and are
// never passed here.
func (c *wsConn) scopeDenial(probe *frameProbe) ([]byte, bool) {
	if c.mw == nil {
		return nil, false
	}
	required, ok := c.mw.CheckRPCScopes(c.principal, probe.Method, probe.Params.Name)
	if ok {
		return nil, false
	}
	c.logger.Debug("scope check failed",
		zap.String("session_id", c.sessionID),
		zap.String("method", probe.Method),
	)
	return errorFrame(probe.ID, auth.CodeInsufficientScope, "insufficient scope",
		map[string]any{"required": required}), true
}

// startKeepalive installs the pong handler and the server-side ping loop.
// The loop exits when the first write fails.
func (c *wsConn) startKeepalive() {
	_ = c.sock.SetReadDeadline(time.Now().Add(wsReadDeadline))
	c.sock.SetPongHandler(func(string) error {
		// Pongs run on the read goroutine; touching here keeps idle but
		// connected sessions out of the stale purge.
		c.touch(context.Background())
		return c.sock.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for range ticker.C {
			c.writeMu.Lock()
			err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
)

func errorFrame(id json.RawMessage, code int, message string, data any) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	frame := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if data != nil {
		frame["error"].(map[string]any)["data"] = data
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
