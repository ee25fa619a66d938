package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/steveyegge/consult/internal/config"
	"github.com/steveyegge/consult/internal/provider"
	"github.com/steveyegge/consult/internal/rag"
	"github.com/steveyegge/consult/internal/types"
)

// healthPayload is the GET /api/health response.
type healthPayload struct {
	Status       string          `json:"status"`
	Version      string          `json:"version,omitempty"`
	Clients      int             `json:"clients"`
	Uptime       int64           `json:"uptime"`
	EmbedService rag.EmbedStatus `json:"embedService"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthPayload{
		Status:       "ok",
		Version:      s.version,
		Clients:      s.hub.ClientCount(),
		Uptime:       int64(time.Since(s.startedAt).Seconds()),
		EmbedService: s.rag.EmbedStatus(r.Context()),
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.config.Masked(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.config.Update(r.Context(), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, maskedView(updated))
}

// providerView is the REST shape of one provider: enabled flag, masked
// key, and which catalogue models it serves.
type providerView struct {
	ID      string   `json:"id"`
	Enabled bool     `json:"enabled"`
	APIKey  string   `json:"apiKey,omitempty"`
	Models  []string `json:"models"`
}

func (s *Server) handleProvidersList(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.config.Masked(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]providerView, 0, len(config.ProviderIDs))
	for _, id := range config.ProviderIDs {
		views = append(views, providerViewFor(id, cfg))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"providers": views})
}

func (s *Server) handleProviderGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := s.config.Masked(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, ok := cfg.Providers[id]; !ok {
		s.writeError(w, types.Errorf(types.KindNotFound, "unknown provider %q", id))
		return
	}
	s.writeJSON(w, http.StatusOK, providerViewFor(id, cfg))
}

// providerPutBody distinguishes an omitted apiKey (keep the stored one)
// from an explicit empty string (clear it).
type providerPutBody struct {
	Enabled bool    `json:"enabled"`
	APIKey  *string `json:"apiKey"`
}

func (s *Server) handleProviderPut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body providerPutBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.config.SetProvider(r.Context(), id, body.Enabled, body.APIKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, providerViewFor(id, maskedView(updated)))
}

func (s *Server) handleProviderDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.config.ClearProvider(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": id})
}

// handleProviderTest performs a one-token live completion so the UI can
// verify a freshly entered key without starting a conversation.
func (s *Server) handleProviderTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	apiKey, err := s.config.ProviderKey(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if apiKey == "" {
		s.writeError(w, types.Errorf(types.KindAuth, "no API key configured for provider %s", id))
		return
	}

	model := firstModelFor(provider.Kind(id))
	if model == "" {
		s.writeError(w, types.Errorf(types.KindNotFound, "no models for provider %q", id))
		return
	}

	start := time.Now()
	_, err = s.completer.Complete(r.Context(), model, []*types.Message{
		{Role: types.RoleUser, Content: "ping"},
	}, provider.Options{
		APIKey:         apiKey,
		MaxTokens:      1,
		RequestTimeout: 30 * time.Second,
	})
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"ok":    false,
			"model": model,
			"error": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"model":     model,
		"latencyMs": time.Since(start).Milliseconds(),
	})
}

// maskedView re-masks a config that came back from a write.
func maskedView(cfg *config.Config) *config.Config {
	out := *cfg
	out.Providers = make(map[string]config.ProviderSettings, len(cfg.Providers))
	for id, p := range cfg.Providers {
		masked := config.ProviderSettings{Enabled: p.Enabled}
		if p.APIKey != "" {
			masked.APIKey = config.MaskKey(p.APIKey)
		}
		out.Providers[id] = masked
	}
	return &out
}

func providerViewFor(id string, cfg *config.Config) providerView {
	settings := cfg.Providers[id]
	view := providerView{
		ID:      id,
		Enabled: settings.Enabled,
		APIKey:  settings.APIKey,
		Models:  []string{},
	}
	for _, m := range provider.Models() {
		if kind, ok := provider.KindForModel(m.ID); ok && string(kind) == id {
			view.Models = append(view.Models, m.ID)
		}
	}
	return view
}

// firstModelFor returns the catalogue's first model for a provider.
func firstModelFor(kind provider.Kind) string {
	for _, m := range provider.Models() {
		if k, ok := provider.KindForModel(m.ID); ok && k == kind {
			return m.ID
		}
	}
	return ""
}
