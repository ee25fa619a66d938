// Package consult orchestrates consultations: it resolves the model
// and mode, enriches the system prompt with retrieved context for the
// current turn only, and drives the conversation through the provider.
package consult

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steveyegge/consult/internal/config"
	"github.com/steveyegge/consult/internal/conversation"
	"github.com/steveyegge/consult/internal/provider"
	"github.com/steveyegge/consult/internal/rag"
	"github.com/steveyegge/consult/internal/types"
)

// thinkingSummaryLimit caps the surfaced reasoning excerpt.
const thinkingSummaryLimit = 500

// truncationMarker is appended when the reasoning excerpt is shortened.
const truncationMarker = "..."

// Completer is the provider seam; satisfied by *provider.Client and by
// test doubles.
type Completer interface {
	Complete(ctx context.Context, model string, messages []*types.Message, opts provider.Options) (*provider.Result, error)
}

// Retriever is the RAG seam used to fetch per-turn context.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts rag.RetrieveOptions) (*rag.RetrieveResult, error)
}

// Orchestrator wires config, conversations, retrieval, and the
// provider into the consult/continue/end operations.
type Orchestrator struct {
	config        *config.Service
	conversations *conversation.Service
	retriever     Retriever
	completer     Completer
	logger        *slog.Logger
}

// New builds an orchestrator. retriever may be nil to disable RAG
// enrichment entirely.
func New(cfg *config.Service, convs *conversation.Service, retriever Retriever, completer Completer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:        cfg,
		conversations: convs,
		retriever:     retriever,
		completer:     completer,
		logger:        logger,
	}
}

// Request starts a new consultation.
type Request struct {
	Question  string   `json:"question"`
	Mode      Mode     `json:"mode,omitempty"`
	Context   string   `json:"context,omitempty"`
	DocIDs    []string `json:"docIds,omitempty"`
	DocTitles []string `json:"docTitles,omitempty"`
	Folder    string   `json:"folder,omitempty"`
	Model     string   `json:"model,omitempty"`
	// DisableRAG skips retrieval for this consultation.
	DisableRAG bool `json:"disableRag,omitempty"`
	// SystemPrompt overrides the mode prompt when non-empty.
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// Thinking is the summarised reasoning excerpt.
type Thinking struct {
	Summary string `json:"summary"`
}

// Metadata carries per-call measurements.
type Metadata struct {
	ResponseTime int64        `json:"responseTime"`
	TokensUsed   *types.Usage `json:"tokensUsed,omitempty"`
	Thinking     *Thinking    `json:"thinking,omitempty"`
	RAGContext   string       `json:"ragContext,omitempty"`
}

// Response is the outcome of consult or continue.
type Response struct {
	ConversationID string   `json:"conversationId"`
	Answer         string   `json:"answer"`
	Model          string   `json:"model"`
	Mode           Mode     `json:"mode,omitempty"`
	MessageCount   int      `json:"messageCount"`
	CanContinue    bool     `json:"canContinue"`
	Metadata       Metadata `json:"metadata"`
}

// EndResult reports a completed end operation.
type EndResult struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversationId"`
	TotalMessages  int    `json:"totalMessages"`
}

// Consult runs a full first exchange: create the conversation, append
// the question, get the provider's answer, append it.
func (o *Orchestrator) Consult(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, types.ValidationError("question", "question is required")
	}
	mode, ok := ResolveMode(req.Mode)
	if !ok {
		return nil, types.ValidationError("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}

	cfg, err := o.config.Get(ctx)
	if err != nil {
		return nil, err
	}
	model, apiKey, err := o.resolveModel(cfg, req.Model)
	if err != nil {
		return nil, err
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = PromptFor(mode)
	}

	ragContext := o.retrieveContext(ctx, req.Question, req)

	conv, err := o.conversations.Create(ctx, model, systemPrompt)
	if err != nil {
		return nil, err
	}

	userTurn := req.Question
	if req.Context != "" {
		userTurn = fmt.Sprintf("Context:\n%s\n\nQuestion:\n%s", req.Context, req.Question)
	}

	resp, err := o.exchange(ctx, conv.ID, userTurn, systemPrompt, ragContext, model, apiKey, cfg)
	if err != nil {
		return nil, err
	}
	resp.Mode = mode
	resp.Metadata.RAGContext = ragContext
	return resp, nil
}

// Continue appends one exchange to an existing conversation, using its
// stored system prompt. Per-turn retrieval context is merged for this
// call only and never persisted.
func (o *Orchestrator) Continue(ctx context.Context, conversationID, message string, docIDs, docTitles []string, folder string) (*Response, error) {
	if strings.TrimSpace(message) == "" {
		return nil, types.ValidationError("message", "message is required")
	}

	conv, err := o.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != types.StatusActive {
		return nil, types.Errorf(types.KindValidation,
			"conversation %s has ended (%s)", conversationID, conv.EndReason)
	}

	cfg, err := o.config.Get(ctx)
	if err != nil {
		return nil, err
	}
	model, apiKey, err := o.resolveModel(cfg, conv.Model)
	if err != nil {
		return nil, err
	}

	ragContext := o.retrieveContext(ctx, message, Request{
		DocIDs: docIDs, DocTitles: docTitles, Folder: folder,
	})

	resp, err := o.exchange(ctx, conv.ID, message, conv.SystemPrompt, ragContext, model, apiKey, cfg)
	if err != nil {
		return nil, err
	}
	resp.Metadata.RAGContext = ragContext
	return resp, nil
}

// End archives a conversation as completed.
func (o *Orchestrator) End(ctx context.Context, conversationID string) (*EndResult, error) {
	changed, err := o.conversations.Archive(ctx, conversationID, types.EndCompleted)
	if err != nil {
		return nil, err
	}
	total, err := o.conversations.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !changed {
		conv, getErr := o.conversations.Get(ctx, conversationID)
		reason := types.EndReason("unknown")
		if getErr == nil {
			reason = conv.EndReason
		}
		return nil, types.Errorf(types.KindValidation,
			"conversation %s is already archived (%s)", conversationID, reason)
	}
	return &EndResult{
		Status:         "ended",
		ConversationID: conversationID,
		TotalMessages:  total,
	}, nil
}

// exchange appends the user turn, calls the provider over the full
// history, and appends the reply.
func (o *Orchestrator) exchange(ctx context.Context, conversationID, userTurn, systemPrompt, ragContext, model, apiKey string, cfg *config.Config) (*Response, error) {
	userMsg, err := o.conversations.AddMessage(ctx, conversationID, types.RoleUser, userTurn, cfg.MaxMessages)
	if err != nil {
		return nil, err
	}

	conv, err := o.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	effectivePrompt := systemPrompt
	if ragContext != "" {
		if effectivePrompt != "" {
			effectivePrompt += "\n\n"
		}
		effectivePrompt += ragContext
	}

	result, err := o.completer.Complete(ctx, model, conv.Messages, provider.Options{
		APIKey:         apiKey,
		SystemPrompt:   effectivePrompt,
		RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Millisecond,
	})
	if err != nil {
		// An unanswered user turn would make the next exchange append two
		// consecutive user messages; retract it so history stays alternating.
		if rmErr := o.conversations.RemoveMessage(ctx, conversationID, userMsg.Ordinal); rmErr != nil {
			o.logger.Warn("failed to retract unanswered user turn",
				"conversationId", conversationID, "ordinal", userMsg.Ordinal, "error", rmErr)
		}
		return nil, err
	}

	if _, err := o.conversations.AddMessage(ctx, conversationID, types.RoleAssistant, result.Content, cfg.MaxMessages); err != nil {
		return nil, err
	}

	count, err := o.conversations.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		ConversationID: conversationID,
		Answer:         result.Content,
		Model:          model,
		MessageCount:   count,
		CanContinue:    count < 2*cfg.MaxMessages,
		Metadata: Metadata{
			ResponseTime: result.ResponseTimeMs,
			TokensUsed:   result.Usage,
		},
	}
	if summary := summarizeThinking(result.ReasoningContent); summary != "" {
		resp.Metadata.Thinking = &Thinking{Summary: summary}
	}
	return resp, nil
}

// resolveModel picks the effective model and its provider credentials.
func (o *Orchestrator) resolveModel(cfg *config.Config, requested string) (model, apiKey string, err error) {
	model = requested
	if model == "" {
		model = cfg.DefaultModel
	}
	if !provider.IsKnownModel(model) {
		return "", "", types.ValidationError("model", fmt.Sprintf("unknown model %q", model))
	}
	kind, _ := provider.KindForModel(model)
	settings := cfg.Providers[string(kind)]
	if settings.APIKey == "" {
		return "", "", types.Errorf(types.KindAuth, "no API key configured for provider %s", kind)
	}
	return model, settings.APIKey, nil
}

// retrieveContext fetches per-turn context. Retrieval failures degrade
// the consultation instead of failing it: the turn proceeds without
// context.
func (o *Orchestrator) retrieveContext(ctx context.Context, query string, req Request) string {
	if o.retriever == nil || req.DisableRAG {
		return ""
	}
	result, err := o.retriever.Retrieve(ctx, query, rag.RetrieveOptions{
		DocIDs:    req.DocIDs,
		DocTitles: req.DocTitles,
		Folder:    req.Folder,
	})
	if err != nil {
		o.logger.Warn("retrieval failed, continuing without context", "error", err)
		return ""
	}
	return result.Context
}

// summarizeThinking returns the first lines of the reasoning content,
// capped at thinkingSummaryLimit characters with a trailing marker when
// shortened.
func summarizeThinking(reasoning string) string {
	trimmed := strings.TrimSpace(reasoning)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= thinkingSummaryLimit {
		return trimmed
	}
	cut := trimmed[:thinkingSummaryLimit]
	// Prefer ending at a line break, then a space, so the excerpt does
	// not stop mid-word.
	if idx := strings.LastIndexByte(cut, '\n'); idx > thinkingSummaryLimit/2 {
		cut = cut[:idx]
	} else if idx := strings.LastIndexByte(cut, ' '); idx > thinkingSummaryLimit/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + truncationMarker
}
