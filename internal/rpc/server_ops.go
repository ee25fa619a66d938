package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/steveyegge/consult/internal/consult"
	"github.com/steveyegge/consult/internal/rag"
	"github.com/steveyegge/consult/internal/types"
)

// Operation names addressable through POST /api/rpc. Clients on the
// event stream use these instead of the REST routes when they want one
// request/ack round trip on an already-authenticated connection.
const (
	OpPing           = "ping"
	OpConfigGet      = "config.get"
	OpConfigUpdate   = "config.update"
	OpConsult        = "consult"
	OpContinue       = "consult.continue"
	OpEnd            = "consult.end"
	OpChatHistory    = "chat.history"
	OpChatGet        = "chat.get"
	OpChatDelete     = "chat.delete"
	OpRAGSearch      = "rag.search"
	OpRAGAddMemory   = "rag.memory.add"
	OpRAGListFolders = "rag.folders"
)

// opRequest is the envelope for one named operation.
type opRequest struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// opResponse is the single acknowledgement: data on success, a
// stringified error otherwise. The hub never carries errors; they ride
// back on this ack alone.
type opResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) handleOp(w http.ResponseWriter, r *http.Request) {
	var req opRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Op == "" {
		s.writeError(w, types.ValidationError("op", "operation name is required"))
		return
	}

	data, err := s.dispatchOp(r.Context(), req.Op, req.Args)
	if err != nil {
		var te *types.Error
		if !errors.As(err, &te) {
			s.logger.Error("operation failed", "op", req.Op, "error", err)
			te = types.NewError(types.KindInternal, "internal error")
		}
		// Op failures always acknowledge with 200; the envelope carries
		// the failure so stream clients need only one decode path.
		s.writeJSON(w, http.StatusOK, opResponse{
			Success: false,
			Error:   te.Message,
			Code:    string(te.Kind),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, opResponse{Success: true, Data: data})
}

func (s *Server) dispatchOp(ctx context.Context, op string, args json.RawMessage) (any, error) {
	switch op {
	case OpPing:
		return map[string]string{"pong": "pong"}, nil

	case OpConfigGet:
		return s.config.Masked(ctx)

	case OpConfigUpdate:
		var patch map[string]json.RawMessage
		if err := unmarshalArgs(args, &patch); err != nil {
			return nil, err
		}
		updated, err := s.config.Update(ctx, patch)
		if err != nil {
			return nil, err
		}
		return maskedView(updated), nil

	case OpConsult:
		var req consult.Request
		if err := unmarshalArgs(args, &req); err != nil {
			return nil, err
		}
		return s.orch.Consult(ctx, req)

	case OpContinue:
		var a struct {
			ConversationID string   `json:"conversationId"`
			Message        string   `json:"message"`
			DocIDs         []string `json:"docIds,omitempty"`
			DocTitles      []string `json:"docTitles,omitempty"`
			Folder         string   `json:"folder,omitempty"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.orch.Continue(ctx, a.ConversationID, a.Message, a.DocIDs, a.DocTitles, a.Folder)

	case OpEnd:
		var a struct {
			ConversationID string `json:"conversationId"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.orch.End(ctx, a.ConversationID)

	case OpChatHistory:
		active, err := s.conversations.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		archived, err := s.conversations.ListArchived(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"active": active, "archived": archived}, nil

	case OpChatGet:
		var a struct {
			ConversationID string `json:"conversationId"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.conversations.Get(ctx, a.ConversationID)

	case OpChatDelete:
		var a struct {
			ConversationID string `json:"conversationId"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		if err := s.conversations.Delete(ctx, a.ConversationID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": a.ConversationID}, nil

	case OpRAGSearch:
		var a searchBody
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		opts := rag.RetrieveOptions{
			DocIDs:    a.DocIDs,
			DocTitles: a.DocTitles,
			Folder:    a.Folder,
			TopK:      a.TopK,
		}
		if a.MinScore != nil {
			opts.MinScore = *a.MinScore
			opts.MinScoreSet = true
		}
		return s.rag.Retrieve(ctx, a.Query, opts)

	case OpRAGAddMemory:
		var a memoryAddBody
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		mem, doc, err := s.rag.AddMemory(ctx, types.MemoryCategory(a.Category), a.Title, a.Content, "manual")
		if err != nil {
			return nil, err
		}
		return map[string]any{"memory": mem, "document": doc}, nil

	case OpRAGListFolders:
		return s.rag.Folders(ctx)

	default:
		return nil, types.ValidationError("op", "unknown operation "+op)
	}
}

func unmarshalArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return types.ValidationError("args", "operation arguments are required")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return types.ValidationError("args", "operation arguments are not valid JSON")
	}
	return nil
}
