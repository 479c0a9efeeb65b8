// Package events implements the observer interface the engine publishes
// through. It stands in for the UI boundary and inter-process message
// surface that spec.md places out of scope: the engine only ever knows
// about a Publisher, never about Wails, a websocket, or a frontend.
package events

import "sync"

// Name is one of the event names the system boundary publishes, as listed
// in spec.md section 6.
type Name string

const (
	DownloadStateChanged Name = "download-state-changed"
	DownloadProgress     Name = "download-progress"
	DownloadCompleted    Name = "download-completed"
	DownloadFailed       Name = "download-failed"
	ChunkFailed          Name = "chunk-failed"
	NeedsConfirmation    Name = "needs-confirmation"
	FolderAddProgress    Name = "folder-add-progress"
	FolderAddComplete    Name = "folder-add-complete"
	DownloadsRestored    Name = "downloads-restored"
	HistoryCleaned       Name = "history-cleaned"
	ErrorNotification    Name = "error-notification"
)

// Event carries the affected download id and a payload, whose fields
// follow the Data Model for the corresponding event.
type Event struct {
	Name    Name
	ID      int64
	Payload map[string]any
}

// Publisher is the one-way contract the engine emits through. Concrete
// sinks (an in-process subscriber set, an HTTP long-poll, a log line) all
// implement this; the engine never depends on which.
type Publisher interface {
	Publish(Event)
}

// Bus is a simple in-process fan-out Publisher: any number of subscribers
// can register and every Publish is delivered to all of them. It never
// blocks the publisher on a slow subscriber beyond a bounded channel send.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is buffered so a burst of events from
// one download does not stall the publisher; when the channel is full the
// new event is discarded rather than blocking.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish implements Publisher: fan out to every live subscriber,
// non-blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow; drop rather than stall the engine.
		}
	}
}

// Discard is a Publisher that drops every event; useful for tests and for
// engines run with no observers attached.
type Discard struct{}

func (Discard) Publish(Event) {}
