package transport

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

type sseEvent struct {
	id    int64
	event string
	data  string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var evt sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
				if err != nil {
					t.Fatalf("bad id line %q: %v", line, err)
				}
				evt.id = id
			case strings.HasPrefix(line, "event: "):
				evt.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				evt.data = strings.TrimPrefix(line, "data: ")
			}
		}
		out = append(out, evt)
	}
	return out
}

func newEventsServer(t *testing.T) (*httptest.Server, storage.Store, *events.Bus) {
	t.Helper()
	store := storage.NewMemory(storage.Options{}, nil)
	t.Cleanup(func() { store.Close() })
	bus := events.NewBus(16)

	mux := http.NewServeMux()
	mux.Handle("GET /jobs/{jobId}/events", NewJobEventsHandler(store, bus, zap.NewNop()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store, bus
}

func seedJob(t *testing.T, store storage.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateJob(context.Background(), &storage.Job{
		ID:        id,
		Type:      "research",
		Status:    storage.JobStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func appendEvent(t *testing.T, store storage.Store, jobID, eventType string, payload map[string]any) storage.JobEvent {
	t.Helper()
	evt, err := store.AppendJobEvent(context.Background(), jobID, eventType, payload)
	if err != nil {
		t.Fatalf("AppendJobEvent(%s): %v", eventType, err)
	}
	return *evt
}

func TestJobEvents_ReplayClosesAfterTerminal(t *testing.T) {
	srv, store, _ := newEventsServer(t)
	seedJob(t, store, "job-1")
	appendEvent(t, store, "job-1", storage.EventStarted, map[string]any{"attempt": 1})
	appendEvent(t, store, "job-1", storage.EventProgress, map[string]any{"stage": "plan"})
	appendEvent(t, store, "job-1", storage.EventCompleted, map[string]any{"report_id": 9})

	resp, err := http.Get(srv.URL + "/jobs/job-1/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	got := parseSSE(t, string(body))
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(got), got)
	}
	for i, evt := range got {
		if evt.id != int64(i+1) {
			t.Errorf("event[%d].id = %d, want %d", i, evt.id, i+1)
		}
	}
	if got[2].event != storage.EventCompleted {
		t.Errorf("last event = %q, want %q", got[2].event, storage.EventCompleted)
	}
	if !strings.Contains(got[2].data, `"report_id":9`) {
		t.Errorf("terminal payload = %q, want report_id", got[2].data)
	}
}

func TestJobEvents_ResumesAfterLastEventID(t *testing.T) {
	srv, store, _ := newEventsServer(t)
	seedJob(t, store, "job-2")
	for i := 1; i <= 4; i++ {
		appendEvent(t, store, "job-2", storage.EventProgress, map[string]any{"step": i})
	}
	appendEvent(t, store, "job-2", storage.EventCompleted, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/jobs/job-2/events", nil)
	req.Header.Set("Last-Event-ID", "3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	got := parseSSE(t, string(body))
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (ids 4 and 5): %+v", len(got), got)
	}
	if got[0].id != 4 || got[1].id != 5 {
		t.Errorf("resumed ids = [%d %d], want [4 5]", got[0].id, got[1].id)
	}
}

func TestJobEvents_UnknownJobNotFound(t *testing.T) {
	srv, _, _ := newEventsServer(t)

	resp, err := http.Get(srv.URL + "/jobs/nope/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestJobEvents_LiveEventArrivesAndCloses(t *testing.T) {
	srv, store, bus := newEventsServer(t)
	seedJob(t, store, "job-3")
	appendEvent(t, store, "job-3", storage.EventStarted, nil)

	resp, err := http.Get(srv.URL + "/jobs/job-3/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	first, err := readSSEBlock(reader)
	if err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if !strings.Contains(first, "id: 1") {
		t.Fatalf("first block = %q, want id: 1", first)
	}

	// The subscription predates the replay, so a publish now must reach
	// the open stream.
	evt := appendEvent(t, store, "job-3", storage.EventCompleted, map[string]any{"ok": true})
	bus.Publish(evt)

	deadline := time.After(5 * time.Second)
	done := make(chan string, 1)
	go func() {
		rest, _ := io.ReadAll(reader)
		done <- string(rest)
	}()

	select {
	case rest := <-done:
		if !strings.Contains(rest, "event: "+storage.EventCompleted) {
			t.Errorf("live tail = %q, want completed event", rest)
		}
	case <-deadline:
		t.Fatal("stream did not close after terminal event")
	}
}

func TestJobEvents_GapBackfillsFromStore(t *testing.T) {
	srv, store, bus := newEventsServer(t)
	seedJob(t, store, "job-4")
	appendEvent(t, store, "job-4", storage.EventStarted, nil)

	resp, err := http.Get(srv.URL + "/jobs/job-4/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if _, err := readSSEBlock(reader); err != nil {
		t.Fatalf("read first event: %v", err)
	}

	// Store two events but publish only the later one; the id gap forces
	// a storage backfill before the published event is written.
	appendEvent(t, store, "job-4", storage.EventProgress, map[string]any{"step": 1})
	terminal := appendEvent(t, store, "job-4", storage.EventCanceled, nil)
	bus.Publish(terminal)

	done := make(chan string, 1)
	go func() {
		rest, _ := io.ReadAll(reader)
		done <- string(rest)
	}()

	select {
	case rest := <-done:
		for _, want := range []string{"id: 2", "id: 3", "event: " + storage.EventCanceled} {
			if !strings.Contains(rest, want) {
				t.Errorf("tail = %q, missing %q", rest, want)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after terminal event")
	}
}

// readSSEBlock consumes lines until the blank separator.
func readSSEBlock(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return b.String(), err
		}
		if line == "\n" {
			return b.String(), nil
		}
		b.WriteString(line)
	}
}
