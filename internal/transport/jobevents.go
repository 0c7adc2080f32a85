package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

const (
	replayPageSize    = 500
	keepaliveInterval = 15 * time.Second
)

// JobEventsHandler streams a job's event log as SSE on
// GET /jobs/{jobId}/events. Event ids are the dense per-job sequence, so
// a client reconnecting with Last-Event-ID resumes exactly where it
// dropped. The stream closes itself after a terminal event.
type JobEventsHandler struct {
	store  storage.Store
	bus    *events.Bus
	logger *zap.Logger
}

func NewJobEventsHandler(store storage.Store, bus *events.Bus, logger *zap.Logger) *JobEventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobEventsHandler{store: store, bus: bus, logger: logger.Named("jobevents")}
}

func (h *JobEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("jobId")
	if jobID == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetJob(ctx, jobID); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		h.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	cursor := lastEventID(r)

	// Subscribe before replaying so nothing published during the replay
	// window is lost; duplicates are dropped by the cursor check below.
	subID := "sse-" + uuid.NewString()
	ch := h.bus.SubscribeJob(subID, jobID)
	defer h.bus.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("event stream opened",
		zap.String("job_id", jobID),
		zap.Int64("since_event_id", cursor),
	)

	terminal, cursor, err := h.replay(ctx, w, flusher, jobID, cursor)
	if err != nil {
		h.logger.Debug("event replay aborted", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if terminal {
		return
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.EventID <= cursor {
				continue
			}
			// The bus drops events for slow subscribers; a gap in the
			// sequence means the durable log has rows we never saw.
			if evt.EventID > cursor+1 {
				var terminal bool
				terminal, cursor, err = h.replay(ctx, w, flusher, jobID, cursor)
				if err != nil || terminal {
					return
				}
				if evt.EventID <= cursor {
					continue
				}
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			cursor = evt.EventID
			if isTerminalEvent(evt.Type) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replay pages stored events after cursor onto the wire. It reports
// whether a terminal event was written and the new cursor position.
func (h *JobEventsHandler) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, jobID string, cursor int64) (bool, int64, error) {
	for {
		page, err := h.store.GetJobEvents(ctx, jobID, cursor, replayPageSize)
		if err != nil {
			return false, cursor, err
		}
		for _, evt := range page {
			if err := writeEvent(w, evt); err != nil {
				return false, cursor, err
			}
			cursor = evt.EventID
			if isTerminalEvent(evt.Type) {
				flusher.Flush()
				return true, cursor, nil
			}
		}
		flusher.Flush()
		if len(page) < replayPageSize {
			return false, cursor, nil
		}
	}
}

func writeEvent(w http.ResponseWriter, evt storage.JobEvent) error {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		data = []byte("{}")
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.EventID, evt.Type, data)
	return err
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case storage.EventCompleted, storage.EventError, storage.EventCanceled:
		return true
	}
	return false
}
