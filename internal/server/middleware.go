package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/marcus-qen/quaesitor/internal/metrics"
)

// requestMetrics counts every request by route group and status code. It
// sits outside the auth chain so rejected requests are counted too.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(routeLabel(r.URL.Path), strconv.Itoa(rec.status))
	})
}

// statusRecorder captures the status code while passing Flush and Hijack
// through, which the SSE streams and the WebSocket upgrade depend on.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// routeLabel collapses request paths onto their route patterns so the
// per-route counters stay bounded.
func routeLabel(path string) string {
	switch {
	case path == "/health" || path == "/about" || path == "/metrics" ||
		path == "/mcp" || path == "/sse" || path == "/jobs" || path == "/mcp/ws":
		return path
	case strings.HasPrefix(path, "/jobs/"):
		return "/jobs/{jobId}/events"
	case strings.HasPrefix(path, "/messages"):
		return "/messages"
	case strings.HasPrefix(path, "/.well-known/"):
		return "/.well-known"
	default:
		return "other"
	}
}
