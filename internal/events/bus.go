// Package events provides the in-process pub/sub bus for job lifecycle
// events. The SSE job stream uses it for live tail delivery and the MCP
// layer bridges it to progress notifications.
//
// Events are durable before they reach the bus: the job engine appends to
// storage first and publishes second. Subscribers that fall behind miss
// events and are expected to replay from storage using the event id.
package events

import (
	"sync"

	"github.com/marcus-qen/quaesitor/internal/storage"
)

// Sink receives job events as they are recorded. The job engine installs
// a durable sink (append to storage, then publish); synchronous research
// calls install a progress-notification sink.
type Sink interface {
	Emit(eventType string, payload map[string]any)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(eventType string, payload map[string]any)

// Emit calls f.
func (f SinkFunc) Emit(eventType string, payload map[string]any) {
	f(eventType, payload)
}

type subscriber struct {
	jobID string // empty matches every job
	ch    chan storage.JobEvent
}

// Bus is a simple pub/sub bus for job events.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	bufferSize int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subs:       make(map[string]*subscriber),
		bufferSize: bufferSize,
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt storage.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != evt.JobID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop for slow subscribers; they replay from storage.
		}
	}
}

// Subscribe returns a channel receiving events for every job. Call
// Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id string) <-chan storage.JobEvent {
	return b.subscribe(id, "")
}

// SubscribeJob returns a channel receiving events for a single job.
func (b *Bus) SubscribeJob(id, jobID string) <-chan storage.JobEvent {
	return b.subscribe(id, jobID)
}

func (b *Bus) subscribe(id, jobID string) <-chan storage.JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[id]; ok {
		close(old.ch)
	}
	sub := &subscriber{jobID: jobID, ch: make(chan storage.JobEvent, b.bufferSize)}
	b.subs[id] = sub
	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
