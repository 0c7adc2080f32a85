package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/auth"
	"github.com/marcus-qen/quaesitor/internal/metrics"
	"github.com/marcus-qen/quaesitor/internal/research"
	"github.com/marcus-qen/quaesitor/internal/transport"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + identity
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /about", s.handleAbout)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Discovery
	prm := auth.ProtectedResourceHandler(s.cfg.ExternalURL, s.cfg.Auth.Issuer, "quaesitor")
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", prm)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp", prm)
	mux.HandleFunc("GET /.well-known/mcp-server", s.handleServerDoc)

	// Job API
	mux.HandleFunc("POST /jobs", s.handleSubmitJob)
	mux.Handle("GET /jobs/{jobId}/events", transport.NewJobEventsHandler(s.store, s.bus, s.logger))

	// MCP: streamable HTTP
	streamable := s.mcp.StreamableHandler()
	mux.Handle("POST /mcp", streamable)
	mux.Handle("GET /mcp", streamable)
	mux.Handle("DELETE /mcp", streamable)

	// MCP: legacy SSE + POST pair. The SSE handler advertises its own URL
	// with ?sessionid=, so it takes POSTs on /sse as well; the /messages
	// forms are rewritten for clients that still build the old endpoint.
	sse := s.mcp.LegacySSEHandler()
	mux.Handle("GET /sse", sse)
	mux.Handle("POST /sse", sse)
	mux.Handle("POST /messages", transport.LegacyMessagesHandler(sse))
	mux.Handle("POST /messages/{connectionId}", transport.LegacyMessagesHandler(sse))

	// MCP: WebSocket
	mux.Handle("GET /mcp/ws", transport.NewWSHandler(s.mcp.Server(), s.store, s.mw, s.logger))
}

// ── Health + identity ────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	degraded := s.mcp.Degraded()
	status := "ok"
	if len(degraded) > 0 {
		status = "degraded"
	}
	if degraded == nil {
		degraded = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"ready":    true,
		"version":  Version,
		"storage":  s.store.Mode(),
		"uptime_s": int(time.Since(s.started).Seconds()),
		"degraded": degraded,
	})
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "quaesitor",
		"description": "MCP server brokering multi-agent deep research",
		"version":     Version,
		"commit":      Commit,
		"date":        Date,
		"mode":        s.cfg.Mode,
		"discovery":   "/.well-known/mcp-server",
	})
}

func (s *Server) handleServerDoc(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":              "quaesitor",
		"version":           Version,
		"protocol_versions": []string{"2024-11-05", "2025-03-26", "2025-06-18"},
		"transports":        []string{"stdio", "streamable-http", "sse", "websocket"},
		"endpoints": map[string]string{
			"mcp":       "/mcp",
			"sse":       "/sse",
			"messages":  "/messages",
			"websocket": "/mcp/ws",
			"jobs":      "/jobs",
			"events":    "/jobs/{jobId}/events",
		},
		"resource_metadata": "/.well-known/oauth-protected-resource",
	})
}

// ── Metrics ──────────────────────────────────────────────────

// handleMetrics serves the Prometheus text exposition when the client asks
// for text/plain and a JSON rendering of the same families otherwise.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		metrics.TextHandler().ServeHTTP(w, r)
		return
	}

	families, err := metrics.Registry.Gather()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "metrics_gather", err.Error())
		return
	}
	out := make(map[string]any, len(families))
	for _, mf := range families {
		out[mf.GetName()] = familyJSON(mf)
	}
	writeJSON(w, http.StatusOK, out)
}

// familyJSON flattens one metric family. Families with a single unlabeled
// sample collapse to a bare number.
func familyJSON(mf *dto.MetricFamily) any {
	samples := make([]map[string]any, 0, len(mf.Metric))
	for _, m := range mf.Metric {
		entry := map[string]any{}
		if len(m.Label) > 0 {
			labels := make(map[string]string, len(m.Label))
			for _, l := range m.Label {
				labels[l.GetName()] = l.GetValue()
			}
			entry["labels"] = labels
		}
		switch {
		case m.Counter != nil:
			entry["value"] = m.Counter.GetValue()
		case m.Gauge != nil:
			entry["value"] = m.Gauge.GetValue()
		case m.Histogram != nil:
			entry["count"] = m.Histogram.GetSampleCount()
			entry["sum"] = m.Histogram.GetSampleSum()
		case m.Untyped != nil:
			entry["value"] = m.Untyped.GetValue()
		}
		samples = append(samples, entry)
	}
	if len(samples) == 1 {
		if _, labeled := samples[0]["labels"]; !labeled {
			if v, ok := samples[0]["value"]; ok {
				return v
			}
		}
	}
	return samples
}

// ── Job API ──────────────────────────────────────────────────

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read_body", "cannot read request body")
		return
	}

	var req research.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_query", "query is required")
		return
	}

	resp, err := s.mcp.SubmitResearch(r.Context(), req)
	if err != nil {
		s.logger.Error("job submission failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "submit_failed", err.Error())
		return
	}

	status := http.StatusAccepted
	if resp["existing_job"] == true || resp["cached"] == true {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// ── Helpers ──────────────────────────────────────────────────

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Error: message, Code: code})
}
