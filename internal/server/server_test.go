package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/embed"
	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/index"
	"github.com/marcus-qen/quaesitor/internal/jobs"
	"github.com/marcus-qen/quaesitor/internal/mcpserver"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

func newTestStack(t *testing.T) *Server {
	t.Helper()

	store := storage.NewMemory(storage.Options{}, nil)
	t.Cleanup(func() { store.Close() })
	bus := events.NewBus(16)
	engine := jobs.NewEngine(store, bus, nil, config.JobsConfig{Concurrency: 1}, zap.NewNop())
	embedder := embed.NewLocal(64)
	idx := index.New(store, embedder, config.IndexConfig{}, zap.NewNop())

	cfg := config.Config{
		ListenAddr:  ":0",
		Mode:        config.ModeAll,
		ExternalURL: "http://localhost:8080",
	}
	mcpSrv, err := mcpserver.New(store, engine, nil, idx, nil, embedder, cfg,
		zap.NewAtomicLevelAt(zap.InfoLevel), zap.NewNop())
	if err != nil {
		t.Fatalf("mcpserver.New: %v", err)
	}

	return New(cfg, store, bus, mcpSrv, nil, zap.NewNop())
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealth_ReportsDegradedOnMemoryStore(t *testing.T) {
	srv := newTestStack(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
	if body["ready"] != true {
		t.Errorf("ready = %v, want true", body["ready"])
	}
	if body["storage"] != "memory" {
		t.Errorf("storage = %v, want memory", body["storage"])
	}

	reasons, _ := body["degraded"].([]any)
	found := false
	for _, r := range reasons {
		if r == "storage_memory_fallback" {
			found = true
		}
	}
	if !found {
		t.Errorf("degraded = %v, want storage_memory_fallback", reasons)
	}
}

func TestAbout_Identity(t *testing.T) {
	srv := newTestStack(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/about", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["name"] != "quaesitor" {
		t.Errorf("name = %v, want quaesitor", body["name"])
	}
	if body["version"] == "" {
		t.Error("version is empty")
	}
}

func TestServerDoc_ListsTransportsAndEndpoints(t *testing.T) {
	srv := newTestStack(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/.well-known/mcp-server", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	transports, _ := body["transports"].([]any)
	want := map[string]bool{"stdio": false, "streamable-http": false, "sse": false, "websocket": false}
	for _, tr := range transports {
		if name, ok := tr.(string); ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("transports %v missing %q", transports, name)
		}
	}

	endpoints, _ := body["endpoints"].(map[string]any)
	if endpoints["mcp"] != "/mcp" {
		t.Errorf("endpoints.mcp = %v, want /mcp", endpoints["mcp"])
	}
	if endpoints["websocket"] != "/mcp/ws" {
		t.Errorf("endpoints.websocket = %v, want /mcp/ws", endpoints["websocket"])
	}
}

func TestProtectedResource_Served(t *testing.T) {
	srv := newTestStack(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/.well-known/oauth-protected-resource", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["resource"] == nil {
		t.Errorf("document missing resource field: %v", body)
	}
}

func TestMetrics_JSONDefaultTextOnAccept(t *testing.T) {
	srv := newTestStack(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(body) == 0 {
		t.Error("JSON exposition is empty")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "text/plain")
	textRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(textRec, req)
	if textRec.Code != http.StatusOK {
		t.Fatalf("text status = %d, want 200", textRec.Code)
	}
	if !strings.Contains(textRec.Body.String(), "quaesitor_") {
		t.Errorf("text exposition missing quaesitor_ metrics: %q", textRec.Body.String()[:min(200, textRec.Body.Len())])
	}
}

func TestSubmitJob_AcceptedThenIdempotentRerun(t *testing.T) {
	srv := newTestStack(t)
	payload := `{"query":"explain emergence in complex systems"}`

	rec, body := doJSON(t, srv, http.MethodPost, "/jobs", payload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", rec.Code, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("job_id missing: %v", body)
	}
	resources, _ := body["resources"].(map[string]any)
	if resources["monitor"] != "/jobs/"+jobID+"/events" {
		t.Errorf("monitor = %v, want /jobs/%s/events", resources["monitor"], jobID)
	}

	rec2, body2 := doJSON(t, srv, http.MethodPost, "/jobs", payload)
	if rec2.Code != http.StatusOK {
		t.Fatalf("rerun status = %d, want 200: %v", rec2.Code, body2)
	}
	if body2["existing_job"] != true {
		t.Errorf("existing_job = %v, want true", body2["existing_job"])
	}
	if body2["job_id"] != jobID {
		t.Errorf("rerun job_id = %v, want %s", body2["job_id"], jobID)
	}
}

func TestSubmitJob_Rejections(t *testing.T) {
	srv := newTestStack(t)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"missing_query", `{"costPreference":"low"}`, "missing_query"},
		{"blank_query", `{"query":"   "}`, "missing_query"},
		{"bad_json", `{"query":`, "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doJSON(t, srv, http.MethodPost, "/jobs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
		})
	}
}

func TestJobEventsRoute_UnknownJob(t *testing.T) {
	srv := newTestStack(t)

	rec, _ := doJSON(t, srv, http.MethodGet, "/jobs/nope/events", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/mcp", "/mcp"},
		{"/jobs", "/jobs"},
		{"/jobs/abc-123/events", "/jobs/{jobId}/events"},
		{"/messages/conn-1", "/messages"},
		{"/.well-known/mcp-server", "/.well-known"},
		{"/favicon.ico", "other"},
	}
	for _, tt := range tests {
		if got := routeLabel(tt.path); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
