package rpc

import (
	"net/http"
	"strings"

	"github.com/steveyegge/consult/internal/consult"
	"github.com/steveyegge/consult/internal/provider"
	"github.com/steveyegge/consult/internal/types"
)

// consultOneShotBody is the POST /api/consult request: a single
// question-and-answer round with no follow-up.
type consultOneShotBody struct {
	Message      string `json:"message"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	UseRAG       *bool  `json:"useRag,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// handleConsultOneShot runs a full consult and immediately archives the
// conversation. It writes through the same store and emits the same
// events as the stateful consult path.
func (s *Server) handleConsultOneShot(w http.ResponseWriter, r *http.Request) {
	var body consultOneShotBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		s.writeError(w, types.ValidationError("message", "message is required"))
		return
	}

	model := body.Model
	if model == "" && body.Provider != "" {
		resolved, err := s.modelForProvider(r, body.Provider)
		if err != nil {
			s.writeError(w, err)
			return
		}
		model = resolved
	}

	useRAG := true
	if body.UseRAG != nil {
		useRAG = *body.UseRAG
	}

	resp, err := s.orch.Consult(r.Context(), consult.Request{
		Question:     body.Message,
		Model:        model,
		DisableRAG:   !useRAG,
		SystemPrompt: body.SystemPrompt,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	// One-shot sessions never continue; close them out right away.
	if _, err := s.orch.End(r.Context(), resp.ConversationID); err != nil {
		s.logger.Warn("failed to archive one-shot consultation",
			"conversation", resp.ConversationID, "error", err)
	}

	out := map[string]any{
		"response": resp.Answer,
		"model":    resp.Model,
	}
	if resp.Metadata.TokensUsed != nil {
		out["usage"] = resp.Metadata.TokensUsed
	}
	if resp.Metadata.RAGContext != "" {
		out["ragContext"] = resp.Metadata.RAGContext
	}
	s.writeJSON(w, http.StatusOK, out)
}

// modelForProvider picks the model for a provider-only request: the
// configured default when it belongs to that provider, otherwise the
// provider's first catalogue model.
func (s *Server) modelForProvider(r *http.Request, providerID string) (string, error) {
	kind := provider.Kind(providerID)
	if firstModelFor(kind) == "" {
		return "", types.ValidationError("provider", "unknown provider "+providerID)
	}
	cfg, err := s.config.Get(r.Context())
	if err != nil {
		return "", err
	}
	if k, ok := provider.KindForModel(cfg.DefaultModel); ok && k == kind {
		return cfg.DefaultModel, nil
	}
	return firstModelFor(kind), nil
}
