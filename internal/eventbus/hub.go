// Package eventbus fans daemon state changes out to connected event
// streams and tracks which clients are attached.
package eventbus

import (
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/consult/internal/types"
)

// EventType names a daemon broadcast.
type EventType string

const (
	EventConfigUpdated       EventType = "config:updated"
	EventConversationCreated EventType = "conversation:created"
	EventConversationMessage EventType = "conversation:message"
	EventConversationEnded   EventType = "conversation:ended"
	EventConversationDeleted EventType = "conversation:deleted"
	EventClientsCount        EventType = "clients:count"
)

// Event is a single broadcast envelope. Payload is event-specific and
// must be JSON-marshalable.
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

const subscriberBufferSize = 64

// Hub is the in-process broadcast point. Publishers never block: a
// subscriber whose buffer is full loses the event and reconciles on its
// next poll.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	clients     map[int64]types.ClientRegistration
	seq         int64
	logger      *slog.Logger
}

// NewHub returns an empty hub. A nil logger disables drop diagnostics.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		subscribers: make(map[int64]chan Event),
		clients:     make(map[int64]types.ClientRegistration),
		logger:      logger,
	}
}

// Subscribe registers an event stream and returns its id and channel.
// The channel is buffered; the caller must drain it or accept drops.
func (h *Hub) Subscribe() (int64, <-chan Event) {
	id := atomic.AddInt64(&h.seq, 1)
	ch := make(chan Event, subscriberBufferSize)

	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a stream and closes its channel.
func (h *Hub) Unsubscribe(id int64) {
	h.mu.Lock()
	ch, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		close(ch)
	}
}

// HasSubscribers reports whether anyone is listening. Publishers use it
// to skip payload assembly when nobody cares.
func (h *Hub) HasSubscribers() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers) > 0
}

// Publish delivers evt to every subscriber without blocking. Slow
// subscribers drop the event.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make([]chan Event, 0, len(h.subscribers))
	for _, ch := range h.subscribers {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			h.logger.Debug("event dropped for slow subscriber", "type", string(evt.Type))
		}
	}
}

// Emit is shorthand for Publish with just a type and payload.
func (h *Hub) Emit(t EventType, payload interface{}) {
	h.Publish(Event{Type: t, Payload: payload})
}

// ClientsCountPayload is the payload of a clients:count event.
type ClientsCountPayload struct {
	Count   int                        `json:"count"`
	Clients []types.ClientRegistration `json:"clients"`
}

// ConnectClient records a client attachment and rebroadcasts the client
// roster. Returns the connection id used for disconnect.
func (h *Hub) ConnectClient(kind types.ClientKind) int64 {
	id := atomic.AddInt64(&h.seq, 1)

	h.mu.Lock()
	h.clients[id] = types.ClientRegistration{
		ID:          strconv.FormatInt(id, 10),
		Kind:        kind,
		ConnectedAt: time.Now().UTC(),
	}
	h.mu.Unlock()

	h.Emit(EventClientsCount, h.clientsSnapshot())
	return id
}

// DisconnectClient removes a client and rebroadcasts the roster. Unknown
// ids are a no-op.
func (h *Hub) DisconnectClient(id int64) {
	h.mu.Lock()
	_, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok {
		h.Emit(EventClientsCount, h.clientsSnapshot())
	}
}

// ClientCount returns how many clients are currently attached.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients returns a snapshot of the attached clients.
func (h *Hub) Clients() []types.ClientRegistration {
	return h.clientsSnapshot().Clients
}

func (h *Hub) clientsSnapshot() ClientsCountPayload {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.ClientRegistration, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return ClientsCountPayload{Count: len(out), Clients: out}
}

// Close unsubscribes everyone. Used during daemon shutdown so SSE
// handlers unblock.
func (h *Hub) Close() {
	h.mu.Lock()
	chans := make([]chan Event, 0, len(h.subscribers))
	for id, ch := range h.subscribers {
		chans = append(chans, ch)
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}
