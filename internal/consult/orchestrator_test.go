package consult

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyegge/consult/internal/config"
	"github.com/steveyegge/consult/internal/conversation"
	"github.com/steveyegge/consult/internal/eventbus"
	"github.com/steveyegge/consult/internal/provider"
	"github.com/steveyegge/consult/internal/rag"
	"github.com/steveyegge/consult/internal/storage/sqlite"
	"github.com/steveyegge/consult/internal/types"
)

// mockCompleter replays canned answers and records what it was asked.
type mockCompleter struct {
	answers   []string
	reasoning string
	calls     []mockCall
	err       error
}

type mockCall struct {
	model        string
	messages     []*types.Message
	systemPrompt string
}

func (m *mockCompleter) Complete(_ context.Context, model string, messages []*types.Message, opts provider.Options) (*provider.Result, error) {
	m.calls = append(m.calls, mockCall{model: model, messages: messages, systemPrompt: opts.SystemPrompt})
	if m.err != nil {
		return nil, m.err
	}
	answer := "ok"
	if len(m.answers) > 0 {
		answer = m.answers[0]
		m.answers = m.answers[1:]
	}
	return &provider.Result{
		Content:          answer,
		ReasoningContent: m.reasoning,
		Usage:            &types.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		ResponseTimeMs:   12,
	}, nil
}

// flakyCompleter fails exactly one call by index, delegating the rest.
type flakyCompleter struct {
	inner  *mockCompleter
	failAt int
	calls  int
	err    error
}

func (f *flakyCompleter) Complete(ctx context.Context, model string, messages []*types.Message, opts provider.Options) (*provider.Result, error) {
	call := f.calls
	f.calls++
	if call == f.failAt {
		return nil, f.err
	}
	return f.inner.Complete(ctx, model, messages, opts)
}

// mockRetriever returns a fixed context string.
type mockRetriever struct {
	context string
	queries []string
	err     error
}

func (m *mockRetriever) Retrieve(_ context.Context, query string, _ rag.RetrieveOptions) (*rag.RetrieveResult, error) {
	m.queries = append(m.queries, query)
	if m.err != nil {
		return nil, m.err
	}
	return &rag.RetrieveResult{Context: m.context}, nil
}

func newTestOrchestrator(t *testing.T, completer Completer, retriever Retriever) (*Orchestrator, *config.Service, *conversation.Service) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hub := eventbus.NewHub(nil)
	cfg := config.NewService(store, hub, nil)
	convs := conversation.NewService(store, hub, nil)
	return New(cfg, convs, retriever, completer, nil), cfg, convs
}

func seedConfig(t *testing.T, cfg *config.Service, patch string) {
	t.Helper()
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(patch), &raw); err != nil {
		t.Fatalf("bad patch: %v", err)
	}
	if _, err := cfg.Update(context.Background(), raw); err != nil {
		t.Fatalf("config update failed: %v", err)
	}
}

func TestConsultContinueEndScenario(t *testing.T) {
	mock := &mockCompleter{answers: []string{"A1", "A2"}}
	orch, cfg, _ := newTestOrchestrator(t, mock, nil)
	ctx := context.Background()

	seedConfig(t, cfg, `{"defaultModel":"deepseek-chat","maxMessages":2,"providers":{"deepseek":{"enabled":true,"apiKey":"X"}}}`)

	resp, err := orch.Consult(ctx, Request{Question: "Q1", Mode: ModeDebug})
	if err != nil {
		t.Fatalf("Consult failed: %v", err)
	}
	if resp.ConversationID == "" || resp.Answer != "A1" {
		t.Errorf("consult response = %+v", resp)
	}
	if resp.MessageCount != 2 || !resp.CanContinue {
		t.Errorf("messageCount=%d canContinue=%v, want 2/true", resp.MessageCount, resp.CanContinue)
	}
	if resp.Mode != ModeDebug {
		t.Errorf("mode = %q", resp.Mode)
	}

	resp2, err := orch.Continue(ctx, resp.ConversationID, "Q2", nil, nil, "")
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if resp2.Answer != "A2" || resp2.MessageCount != 4 || resp2.CanContinue {
		t.Errorf("continue response = %+v", resp2)
	}

	// The cap (2×2) is reached: the next continue hits the limit and the
	// conversation is archived as timeout.
	_, err = orch.Continue(ctx, resp.ConversationID, "Q3", nil, nil, "")
	if types.KindOf(err) != types.KindLimit {
		t.Fatalf("third continue kind = %v, want limit (err: %v)", types.KindOf(err), err)
	}

	// End on the already-archived conversation fails with the reason.
	_, err = orch.End(ctx, resp.ConversationID)
	if types.KindOf(err) != types.KindValidation {
		t.Fatalf("end kind = %v, want validation", types.KindOf(err))
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("end error %q lacks the archive reason", err.Error())
	}
}

func TestConsultUsesModePromptAndHistory(t *testing.T) {
	mock := &mockCompleter{answers: []string{"A1", "A2"}}
	orch, cfg, _ := newTestOrchestrator(t, mock, nil)
	ctx := context.Background()

	seedConfig(t, cfg, `{"defaultModel":"deepseek-chat","providers":{"deepseek":{"apiKey":"X"}}}`)

	resp, err := orch.Consult(ctx, Request{Question: "Q1", Mode: ModeValidatePlan})
	if err != nil {
		t.Fatalf("Consult failed: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("calls = %d", len(mock.calls))
	}
	if mock.calls[0].systemPrompt != PromptFor(ModeValidatePlan) {
		t.Errorf("system prompt = %q", mock.calls[0].systemPrompt)
	}
	if len(mock.calls[0].messages) != 1 || mock.calls[0].messages[0].Content != "Q1" {
		t.Errorf("first call messages = %+v", mock.calls[0].messages)
	}

	// Continue sends the full history: Q1, A1, Q2.
	if _, err := orch.Continue(ctx, resp.ConversationID, "Q2", nil, nil, ""); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	second := mock.calls[1]
	if len(second.messages) != 3 {
		t.Fatalf("second call messages = %d, want 3", len(second.messages))
	}
	if second.messages[1].Role != types.RoleAssistant || second.messages[1].Content != "A1" {
		t.Errorf("history out of order: %+v", second.messages)
	}
	// The stored mode prompt is reused.
	if second.systemPrompt != PromptFor(ModeValidatePlan) {
		t.Errorf("continue system prompt = %q", second.systemPrompt)
	}
}

func TestConsultInlineContextRendering(t *testing.T) {
	mock := &mockCompleter{}
	orch, cfg, convs := newTestOrchestrator(t, mock, nil)
	ctx := context.Background()

	seedConfig(t, cfg, `{"defaultModel":"deepseek-chat","providers":{"deepseek":{"apiKey":"X"}}}`)

	resp, err := orch.Consult(ctx, Request{Question: "why?", Context: "the stack trace"})
	if err != nil {
		t.Fatalf("Consult failed: %v", err)
	}

	conv, _ := convs.Get(ctx, resp.ConversationID)
	want := "Context:\nthe stack trace\n\nQuestion:\nwhy?"
	if conv.Messages[0].Content != want {
		t.Errorf("user turn = %q, want %q", conv.Messages[0].Content, want)
	}
}

func TestRAGContextMergedNotPersisted(t *testing.T) {
	mock := &mockCompleter{}
	retriever := &mockRetriever{context: "Relevant Context (RAG):\n- [doc | upload | chunk #0] facts"}
	orch, cfg, convs := newTestOrchestrator(t, mock, retriever)
	ctx := context.Background()

	seedConfig(t, cfg, `{"defaultModel":"deepseek-chat","providers":{"deepseek":{"apiKey":"X"}}}`)

	resp, err := orch.Consult(ctx, Request{Question: "Q1"})
	if err != nil {
		t.Fatalf("Consult failed: %v", err)
	}
	if len(retriever.queries) != 1 || retriever.queries[0] != "Q1" {
		t.Errorf("retriever queries = %v", retriever.queries)
	}

	// The provider sees the context appended to the system prompt.
	if !strings.HasSuffix(mock.calls[0].systemPrompt, retriever.context) {
		t.Errorf("system prompt %q lacks the retrieved context", mock.calls[0].systemPrompt)
	}
	if resp.Metadata.RAGContext != retriever.context {
		t.Errorf("metadata ragContext = %q", resp.Metadata.RAGContext)
	}

	// Nothing persisted carries the context.
	conv, _ := convs.Get(ctx, resp.ConversationID)
	if strings.Contains(conv.SystemPrompt, "Relevant Context") {
		t.Error("retrieved context persisted in the system prompt")
	}
	for _, m := range conv.Messages {
		if strings.Contains(m.Content, "Relevant Context") {
			t.Error("retrieved context persisted in a message")
		}
	}
}

func TestRetrievalFailureDegradesGracefully(t *testing.T) {
	mock := &mockCompleter{}
	retriever := &mockRetriever{err: types.Errorf(types.KindUnavailable, "embed service down")}
	orch, cfg, _ := newTestOrchestrator(t, mock, retriever)

	seedConfig(t, cfg, `{"defaultModel":"deepseek-chat","providers":{"deepseek":{"apiKey":"X"}}}`)

	resp, err := orch.Consult(context.Background(), Request{Question: "Q1"})
	if err != nil {
		t.Fatalf("Consult failed despite degradable retrieval error: %v", err)
	}
	if resp.Metadata.RAGContext != "" {
		t.Errorf("ragContext = %q, want empty", resp.Metadata.RAGContext)
	}
}

func TestConsultErrors(t *testing.T) {
	mock := &mockCompleter{}
	orch, cfg, _ := newTestOrchestrator(t, mock, nil)
	ctx := context.Background()

	// No credentials configured yet.
	if _, err := orch.Consult(ctx, Request{Question: "Q"}); types.KindOf(err) != types.KindAuth {
		t.Errorf("no-key kind = %v, want auth", types.KindOf(err))
	}

	seedConfig(t, cfg, `{"providers":{"deepseek":{"apiKey":"X"}}}`)

	if _, err := orch.Consult(ctx, Request{Question: "  "}); types.KindOf(err) != types.KindValidation {
		t.Errorf("blank question kind = %v", types.KindOf(err))
	}
	if _, err := orch.Consult(ctx, Request{Question: "Q", Mode: "hack"}); types.KindOf(err) != types.KindValidation {
		t.Errorf("bad mode kind = %v", types.KindOf(err))
	}
	if _, err := orch.Consult(ctx, Request{Question: "Q", Model: "llama-3"}); types.KindOf(err) != types.KindValidation {
		t.Errorf("bad model kind = %v", types.KindOf(err))
	}
	if _, err := orch.Continue(ctx, "missing", "Q", nil, nil, ""); types.KindOf(err) != types.KindNotFound {
		t.Errorf("missing conversation kind = %v", types.KindOf(err))
	}
}

func TestEndHappyPath(t *testing.T) {
	mock := &mockCompleter{answers: []string{"A1"}}
	orch, cfg, convs := newTestOrchestrator(t, mock, nil)
	ctx := context.Background()

	seedConfig(t, cfg, `{"defaultModel":"deepseek-chat","providers":{"deepseek":{"apiKey":"X"}}}`)

	resp, err := orch.Consult(ctx, Request{Question: "Q1"})
	if err != nil {
		t.Fatalf("Consult failed: %v", err)
	}

	end, err := orch.End(ctx, resp.ConversationID)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if end.Status != "ended" || end.TotalMessages != 2 {
		t.Errorf("end result = %+v", end)
	}

	conv, _ := convs.Get(ctx, resp.ConversationID)
	if conv.Status != types.StatusArchived || conv.EndReason != types.EndCompleted {
		t.Errorf("conversation = %s/%s", conv.Status, conv.EndReason)
	}

	// Continue after a manual end is a validation error, not a limit.
	if _, err := orch.Continue(ctx, resp.ConversationID, "more", nil, nil, ""); types.KindOf(err) != types.KindValidation {
		t.Errorf("continue-after-end kind = %v", types.KindOf(err))
	}
}

func TestThinkingSummary(t *testing.T) {
	long := strings.Repeat("reasoning sentence here. ", 40) // ~1000 chars
	mock := &mockCompleter{reasoning: long}
	orch, cfg, _ := newTestOrchestrator(t, mock, nil)

	seedConfig(t, cfg, `{"defaultModel":"deepseek-reasoner","providers":{"deepseek":{"apiKey":"X"}}}`)

	resp, err := orch.Consult(context.Background(), Request{Question: "Q"})
	if err != nil {
		t.Fatalf("Consult failed: %v", err)
	}
	if resp.Metadata.Thinking == nil {
		t.Fatal("no thinking summary for reasoning content")
	}
	summary := resp.Metadata.Thinking.Summary
	if len(summary) > thinkingSummaryLimit+len(truncationMarker) {
		t.Errorf("summary length = %d", len(summary))
	}
	if !strings.HasSuffix(summary, truncationMarker) {
		t.Error("shortened summary lacks the truncation marker")
	}

	// Short reasoning passes through unmarked.
	if got := summarizeThinking("brief thought"); got != "brief thought" {
		t.Errorf("short summary = %q", got)
	}
	if got := summarizeThinking("  "); got != "" {
		t.Errorf("blank summary = %q", got)
	}
}

func TestProviderFailureRetractsUserTurn(t *testing.T) {
	// Second provider call fails; the turn it was meant to answer must not
	// survive, or the following exchange would stack two user messages.
	flaky := &flakyCompleter{
		inner:  &mockCompleter{answers: []string{"A1", "A2"}},
		failAt: 1,
		err:    types.Errorf(types.KindUnavailable, "provider down"),
	}
	orch, cfg, convs := newTestOrchestrator(t, flaky, nil)
	ctx := context.Background()

	seedConfig(t, cfg, `{"defaultModel":"deepseek-chat","providers":{"deepseek":{"apiKey":"X"}}}`)

	resp, err := orch.Consult(ctx, Request{Question: "Q1"})
	if err != nil {
		t.Fatalf("Consult failed: %v", err)
	}

	if _, err := orch.Continue(ctx, resp.ConversationID, "Q2", nil, nil, ""); err == nil {
		t.Fatal("Continue must surface the provider failure")
	}

	// The failed turn left no orphan.
	conv, err := convs.Get(ctx, resp.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages after failed continue = %d, want 2", len(conv.Messages))
	}

	resp3, err := orch.Continue(ctx, resp.ConversationID, "Q3", nil, nil, "")
	if err != nil {
		t.Fatalf("Continue after recovery failed: %v", err)
	}
	if resp3.Answer != "A2" {
		t.Errorf("answer = %q, want A2", resp3.Answer)
	}

	conv, err = convs.Get(ctx, resp.ConversationID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	wantRoles := []types.Role{types.RoleUser, types.RoleAssistant, types.RoleUser, types.RoleAssistant}
	if len(conv.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(conv.Messages), len(wantRoles))
	}
	for i, m := range conv.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
		if m.Ordinal != i {
			t.Errorf("message %d ordinal = %d", i, m.Ordinal)
		}
	}
}
