package rpc

import (
	"net/http"

	"github.com/steveyegge/consult/internal/types"
)

// conversationSummary is one history row: the conversation without its
// messages plus how many turns it holds.
type conversationSummary struct {
	*types.Conversation
	MessageCount int `json:"messageCount"`
}

// handleChatHistory returns active and archived conversations with
// per-conversation message counts, newest activity first.
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, err := s.conversations.ListActive(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	archived, err := s.conversations.ListArchived(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	counts, err := s.conversations.MessageCounts(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	summarize := func(convs []*types.Conversation) []conversationSummary {
		out := make([]conversationSummary, len(convs))
		for i, c := range convs {
			out[i] = conversationSummary{Conversation: c, MessageCount: counts[c.ID]}
		}
		return out
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"active":   summarize(active),
		"archived": summarize(archived),
	})
}

func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.conversations.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleChatDeleteArchived(w http.ResponseWriter, r *http.Request) {
	n, err := s.conversations.DeleteArchived(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}
