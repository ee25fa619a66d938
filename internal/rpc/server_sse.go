package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/steveyegge/consult/internal/eventbus"
	"github.com/steveyegge/consult/internal/types"
)

// handleSSE streams hub events to one client over Server-Sent Events.
// The connection registers in the client table with a kind taken from
// the ?client= query parameter (proxy, webui, else unknown), so every
// attach and detach rebroadcasts clients:count.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	kind := clientKind(r.URL.Query().Get("client"))
	clientID := s.hub.ConnectClient(kind)
	defer s.hub.DisconnectClient(clientID)

	subID, events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Opening event so the client knows its registration took.
	writeSSEEvent(w, eventbus.Event{
		Type: "connected",
		Payload: map[string]any{
			"clientId": fmt.Sprintf("%d", clientID),
			"kind":     string(kind),
		},
	})
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				// Hub closed during shutdown.
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
		}
	}
}

// clientKind maps the handshake query parameter onto the closed kind
// set.
func clientKind(v string) types.ClientKind {
	switch v {
	case string(types.ClientProxy):
		return types.ClientProxy
	case string(types.ClientWebUI):
		return types.ClientWebUI
	default:
		return types.ClientUnknown
	}
}

// writeSSEEvent renders one event in wire format: the event field is
// the hub event type, the data field its JSON payload.
func writeSSEEvent(w http.ResponseWriter, evt eventbus.Event) {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return
	}
	if !evt.Timestamp.IsZero() {
		fmt.Fprintf(w, "id: %d\n", evt.Timestamp.UnixMilli())
	}
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
