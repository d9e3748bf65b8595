// Package bus is the in-process event bus carrying runtime lifecycle events
// (dispatches, snapshot builds, reaped messages) to admin stream
// subscribers.
package bus

import "sync"

// Event names pushed to subscribers.
const (
	EventDispatch      = "dispatch"
	EventSnapshotBuilt = "snapshot.built"
	EventReaperDeleted = "reaper.deleted"
	EventChannel       = "channel"
	EventPubkyWrite    = "pubky.write.requested"
	EventHealth        = "health"
	EventShutdown      = "shutdown"
)

// Event is a server-side event broadcast to subscribers.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// DispatchPayload describes one completed dispatch.
type DispatchPayload struct {
	InvocationID string `json:"invocation_id"`
	ChatID       string `json:"chat_id"`
	UserID       string `json:"user_id"`
	EventKind    string `json:"event_kind"`
	ServiceID    string `json:"service_id,omitempty"`
	ResponseKind string `json:"response_kind,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

// SnapshotPayload describes a snapshot build or cache hit.
type SnapshotPayload struct {
	ChatID     string `json:"chat_id"`
	ConfigHash string `json:"config_hash,omitempty"`
	Commands   int    `json:"commands"`
	Listeners  int    `json:"listeners"`
	Forced     bool   `json:"forced,omitempty"`
	CacheHit   bool   `json:"cache_hit,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ReaperPayload describes one reaped bot message.
type ReaperPayload struct {
	Platform  string `json:"platform"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// ChannelPayload describes adapter lifecycle changes.
type ChannelPayload struct {
	Platform string `json:"platform"`
	Status   string `json:"status"` // "started", "stopped", "error"
	Detail   string `json:"detail,omitempty"`
}

// PubkyWritePayload carries a deferred external write for the approval
// workflow. The runtime does not perform the write itself.
type PubkyWritePayload struct {
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	ServiceID string `json:"service_id"`
	Path      string `json:"path"`
	Data      any    `json:"data,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so components can
// publish without knowing about the gateway.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus fans events out to subscribers. Handlers run on the publishing
// goroutine and must not block; the gateway copies events into buffered
// per-client queues.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes a handler.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers the event to every subscriber.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
