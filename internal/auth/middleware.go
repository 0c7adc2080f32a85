package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/metrics"
)

// Middleware assembles the request guards in front of the MCP and job
// routes: HTTPS enforcement, rate limiting, body caps, CORS, bearer
// authentication, and JSON-RPC scope checks.
type Middleware struct {
	auth    *Authenticator
	limiter *RateLimiter
	cfg     config.AuthConfig
	logger  *zap.Logger

	// resourceMetadataURL is advertised in WWW-Authenticate challenges.
	resourceMetadataURL string
}

// NewMiddleware wires the guard chain from config.
func NewMiddleware(a *Authenticator, cfg config.AuthConfig, externalURL string, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		auth:                a,
		limiter:             NewRateLimiter(cfg.RateLimitPerMin, time.Minute),
		cfg:                 cfg,
		logger:              logger.Named("authmw"),
		resourceMetadataURL: strings.TrimRight(externalURL, "/") + "/.well-known/oauth-protected-resource",
	}
}

// Limiter exposes the shared limiter for maintenance pruning.
func (m *Middleware) Limiter() *RateLimiter { return m.limiter }

// exemptPath reports routes that skip rate limiting and authentication.
func exemptPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/.well-known/")
}

// Wrap applies the full chain. Order matters: the scheme guard rejects
// before any work, limits apply before body reads, and the body cap runs
// before handlers parse JSON.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	handler := m.scopeGuard(next)
	handler = m.bearerGuard(handler)
	handler = m.bodyCap(handler)
	handler = m.rateLimit(handler)
	handler = m.httpsGuard(handler)
	handler = m.cors(handler)
	return handler
}

func (m *Middleware) httpsGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.RequireHTTPS && requestScheme(r) != "https" {
			writeAuthError(w, http.StatusBadRequest, "https_required", "this endpoint requires https")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestScheme(r *http.Request) string {
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		first, _, _ := strings.Cut(proto, ",")
		return strings.ToLower(strings.TrimSpace(first))
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func (m *Middleware) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, reset := m.limiter.Allow(ClientIP(r))
		setRateHeaders(w, m.limiter.Limit(), remaining, reset)
		if !allowed {
			retry := int(time.Until(reset).Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			metrics.RecordRateLimited()
			writeAuthError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) bodyCap(next http.Handler) http.Handler {
	maxBytes := m.cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBytes {
			writeAuthError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) cors(next http.Handler) http.Handler {
	origins := strings.TrimSpace(m.cfg.CORSOrigins)
	if origins == "" {
		origins = "*"
	}
	allowAll := origins == "*"
	allowed := map[string]bool{}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, MCP-Protocol-Version, Last-Event-ID")
			w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, MCP-Protocol-Version")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) bearerGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := m.auth.Authenticate(r.Context(), BearerToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="`+m.resourceMetadataURL+`"`)
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// BearerToken pulls the credential from the Authorization header or, for
// clients that cannot set headers (EventSource, browser WebSocket), the
// token query parameter or a bearer.<token> WebSocket subprotocol entry.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	for _, proto := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, entry := range strings.Split(proto, ",") {
			entry = strings.TrimSpace(entry)
			if strings.HasPrefix(entry, "bearer.") {
				return strings.TrimPrefix(entry, "bearer.")
			}
		}
	}
	return ""
}

// scopeGuard peeks the JSON-RPC method on MCP POST bodies and enforces the
// per-method scope map. Bodies are re-buffered so downstream handlers see
// the original payload.
func (m *Middleware) scopeGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMCPRPCPath(r.URL.Path) || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		principal := FromContext(r.Context())
		if principal == nil || principal.Unrestricted() {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeAuthError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		method, tool := peekRPCMethod(body)
		required := RequiredScopes(method, tool, m.cfg.ScopePerTool)
		if missing, ok := CheckScopes(principal, required); !ok {
			m.logger.Debug("scope check failed",
				zap.String("method", method),
				zap.String("missing", missing),
				zap.String("subject", principal.Subject),
			)
			WriteInsufficientScope(w, required, m.resourceMetadataURL)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CheckRPCScopes is the per-message entry point shared with transports that
// frame their own JSON-RPC (WebSocket). It returns the required set when
// the principal is missing a scope.
func (m *Middleware) CheckRPCScopes(p *Principal, method, tool string) ([]string, bool) {
	if p == nil || p.Unrestricted() {
		return nil, true
	}
	required := RequiredScopes(method, tool, m.cfg.ScopePerTool)
	if _, ok := CheckScopes(p, required); !ok {
		return required, false
	}
	return nil, true
}

// ResourceMetadataURL is the advertised RFC 9728 document location.
func (m *Middleware) ResourceMetadataURL() string { return m.resourceMetadataURL }

// WriteInsufficientScope emits the 403 challenge with a JSON-RPC error body.
func WriteInsufficientScope(w http.ResponseWriter, required []string, resourceMetadataURL string) {
	w.Header().Set("WWW-Authenticate", WWWAuthenticate(required, resourceMetadataURL))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    CodeInsufficientScope,
			"message": "insufficient scope",
			"data":    map[string]any{"required": required},
		},
	})
}

// CodeInsufficientScope is the JSON-RPC error code for scope failures.
const CodeInsufficientScope = -32010

func isMCPRPCPath(path string) bool {
	return path == "/mcp" || path == "/messages" || strings.HasPrefix(path, "/messages/")
}

// peekRPCMethod extracts method and, for tools/call, the tool name without
// fully validating the envelope. Batches surface as empty methods and are
// rejected later by the transport.
func peekRPCMethod(body []byte) (method, tool string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '[' {
		return "", ""
	}
	var envelope struct {
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return "", ""
	}
	return envelope.Method, envelope.Params.Name
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
