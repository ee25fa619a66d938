// Package rpc is the daemon's loopback HTTP boundary: the token-guarded
// REST surface under /api, the SSE event stream, the named-operation
// channel, and the static web UI.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/steveyegge/consult/internal/config"
	"github.com/steveyegge/consult/internal/consult"
	"github.com/steveyegge/consult/internal/conversation"
	"github.com/steveyegge/consult/internal/eventbus"
	"github.com/steveyegge/consult/internal/rag"
	"github.com/steveyegge/consult/internal/types"
)

// TokenHeader is the header clients present the daemon token in. The
// ?token= query parameter is accepted as a fallback for EventSource
// clients that cannot set headers.
const TokenHeader = "X-Daemon-Token"

// maxBodySize bounds JSON request bodies.
const maxBodySize = 10 << 20

// maxUploadSize bounds a whole multipart upload.
const maxUploadSize = 64 << 20

// Deps carries everything the boundary serves. Nil StaticFS disables
// the web UI routes.
type Deps struct {
	Token         string
	Version       string
	Hub           *eventbus.Hub
	Config        *config.Service
	Conversations *conversation.Service
	RAG           *rag.Service
	Orchestrator  *consult.Orchestrator
	Completer     consult.Completer
	StaticFS      fs.FS
	Logger        *slog.Logger
}

// Server is the HTTP boundary. It owns no state beyond its wiring; all
// persistence goes through the services.
type Server struct {
	token         string
	version       string
	hub           *eventbus.Hub
	config        *config.Service
	conversations *conversation.Service
	rag           *rag.Service
	orch          *consult.Orchestrator
	completer     consult.Completer
	static        fs.FS
	logger        *slog.Logger

	startedAt  time.Time
	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the boundary from its dependencies.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		token:         deps.Token,
		version:       deps.Version,
		hub:           deps.Hub,
		config:        deps.Config,
		conversations: deps.Conversations,
		rag:           deps.RAG,
		orch:          deps.Orchestrator,
		completer:     deps.Completer,
		static:        deps.StaticFS,
		logger:        logger,
		startedAt:     time.Now().UTC(),
	}
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	api := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.requireToken(h))
	}

	api("GET /api/health", s.handleHealth)

	api("GET /api/config", s.handleConfigGet)
	api("PATCH /api/config", s.handleConfigPatch)

	api("GET /api/providers", s.handleProvidersList)
	api("GET /api/providers/{id}", s.handleProviderGet)
	api("PUT /api/providers/{id}", s.handleProviderPut)
	api("DELETE /api/providers/{id}", s.handleProviderDelete)
	api("POST /api/providers/{id}/test", s.handleProviderTest)

	api("GET /api/chat/history", s.handleChatHistory)
	api("DELETE /api/chat/archived/all", s.handleChatDeleteArchived)
	api("DELETE /api/chat/{id}", s.handleChatDelete)

	api("GET /api/rag/documents", s.handleDocumentsList)
	api("POST /api/rag/upload", s.handleUpload)
	api("DELETE /api/rag/documents/{id}", s.handleDocumentDelete)
	api("GET /api/rag/documents/{id}/chunks", s.handleDocumentChunks)
	api("GET /api/rag/folders", s.handleFoldersList)
	api("POST /api/rag/folders/rename", s.handleFolderRename)
	api("DELETE /api/rag/folders/{name}", s.handleFolderDelete)
	api("POST /api/rag/search", s.handleSearch)
	api("POST /api/rag/reindex", s.handleReindex)
	api("POST /api/rag/memory", s.handleMemoryAdd)
	api("GET /api/rag/memories", s.handleMemoriesList)

	api("POST /api/consult", s.handleConsultOneShot)

	api("GET /api/events", s.handleSSE)
	api("POST /api/rpc", s.handleOp)

	// Everything else is the web UI.
	mux.HandleFunc("/", s.handleStatic)

	return mux
}

// Start binds the loopback listener on port and serves until ctx is
// cancelled. The daemon never listens on non-loopback interfaces.
func (s *Server) Start(ctx context.Context, port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.Serve(ctx, listener)
}

// Serve runs the boundary on an already-bound listener. The lifecycle
// probes the port and binds before writing the lock file, so the
// listener arrives here ready to go.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once Start has been called.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// requireToken guards an /api handler: missing or mismatched tokens get
// a 401 before the handler runs.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(TokenHeader)
		if presented == "" {
			presented = r.URL.Query().Get("token")
		}
		if presented == "" || presented != s.token {
			s.writeError(w, types.NewError(types.KindAuth, "missing or invalid daemon token"))
			return
		}
		next(w, r)
	}
}

// writeJSON serialises v with the standard headers.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// errorBody is the REST error shape. Field is set for validation
// failures so clients can point at the offending key.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// writeError maps a typed error onto its HTTP status. Unclassified
// failures are logged in full and surfaced as a redacted 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var te *types.Error
	if !errors.As(err, &te) {
		s.logger.Error("internal error at boundary", "error", err)
		te = types.NewError(types.KindInternal, "internal error")
	}
	body := errorBody{
		Error: te.Message,
		Code:  string(te.Kind),
		Field: te.Field,
	}
	if te.Kind == types.KindInternal {
		// Detail stays in the log, not on the wire.
		s.logger.Error("internal error at boundary", "error", err)
		body.Error = "internal error"
	}
	s.writeJSON(w, te.Kind.HTTPStatus(), body)
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return types.ValidationError("body", "failed to read request body")
	}
	if len(data) == 0 {
		return types.ValidationError("body", "request body is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.ValidationError("body", "request body is not valid JSON")
	}
	return nil
}
