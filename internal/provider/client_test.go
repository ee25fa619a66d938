package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/consult/internal/types"
)

func userTurn(content string) *types.Message {
	return &types.Message{Role: types.RoleUser, Content: content}
}

// completionServer records request bodies and replies with canned JSON.
func completionServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func okResponse(content, reasoning string) string {
	resp := map[string]any{
		"choices": []map[string]any{{
			"message": map[string]any{
				"content":           content,
				"reasoning_content": reasoning,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestCompleteHappyPath(t *testing.T) {
	var gotBody chatRequest
	var gotAuth string
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		_, _ = w.Write([]byte(okResponse("A1", "")))
	})

	c := NewClient(nil)
	result, err := c.Complete(context.Background(), "deepseek-chat",
		[]*types.Message{userTurn("Q1")},
		Options{APIKey: "sk-test", SystemPrompt: "Be brief.", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if result.Content != "A1" || result.FinishReason != "stop" {
		t.Errorf("result = %+v", result)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.ResponseTimeMs < 0 {
		t.Errorf("responseTimeMs = %d", result.ResponseTimeMs)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}

	// deepseek-chat supports system prompts: leading system message, cap
	// via max_tokens.
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" {
		t.Errorf("wire messages = %+v", gotBody.Messages)
	}
	if gotBody.MaxTokens == nil || *gotBody.MaxTokens != 8192 {
		t.Errorf("max_tokens = %v, want 8192", gotBody.MaxTokens)
	}
	if gotBody.MaxCompletionTokens != nil {
		t.Error("max_completion_tokens sent for a non-reasoner model")
	}
}

func TestReasonerRequestShape(t *testing.T) {
	var gotBody chatRequest
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(okResponse("answer", "step 1\nstep 2")))
	})

	c := NewClient(nil)
	result, err := c.Complete(context.Background(), "deepseek-reasoner",
		[]*types.Message{userTurn("Q")},
		Options{APIKey: "k", SystemPrompt: "You are careful.", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// No system-message support: merged into the first user turn.
	if len(gotBody.Messages) != 1 {
		t.Fatalf("wire messages = %+v", gotBody.Messages)
	}
	want := "[System Instructions]\nYou are careful.\n\n[User Query]\nQ"
	if gotBody.Messages[0].Content != want {
		t.Errorf("merged content = %q, want %q", gotBody.Messages[0].Content, want)
	}
	if gotBody.MaxCompletionTokens == nil || *gotBody.MaxCompletionTokens != 64000 {
		t.Errorf("max_completion_tokens = %v, want 64000", gotBody.MaxCompletionTokens)
	}
	if gotBody.MaxTokens != nil {
		t.Error("max_tokens sent for deepseek-reasoner")
	}
	if gotBody.Temperature == nil || *gotBody.Temperature != 0 {
		t.Errorf("temperature = %v, want pinned 0", gotBody.Temperature)
	}
	if result.ReasoningContent != "step 1\nstep 2" {
		t.Errorf("reasoning content = %q", result.ReasoningContent)
	}
}

func TestOpenAIReasoningEffort(t *testing.T) {
	var gotBody chatRequest
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(okResponse("hi", "")))
	})

	c := NewClient(nil)
	for model, effort := range map[string]string{"gpt-5.2": "medium", "gpt-5.2-pro": "high"} {
		if _, err := c.Complete(context.Background(), model,
			[]*types.Message{userTurn("Q")}, Options{APIKey: "k", BaseURL: srv.URL}); err != nil {
			t.Fatalf("Complete(%s) failed: %v", model, err)
		}
		if gotBody.ReasoningEffort != effort {
			t.Errorf("%s reasoning_effort = %q, want %q", model, gotBody.ReasoningEffort, effort)
		}
		if gotBody.MaxTokens == nil || *gotBody.MaxTokens != 400000 {
			t.Errorf("%s max_tokens = %v, want 400000", model, gotBody.MaxTokens)
		}
	}
}

func TestRetryOnRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(okResponse("recovered", "")))
	})

	c := NewClient(nil)
	c.initialBackoff = time.Millisecond
	result, err := c.Complete(context.Background(), "deepseek-chat",
		[]*types.Message{userTurn("Q")}, Options{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Complete failed after retryable status: %v", err)
	}
	if result.Content != "recovered" {
		t.Errorf("content = %q", result.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	c := NewClient(nil)
	c.initialBackoff = time.Millisecond
	_, err := c.Complete(context.Background(), "deepseek-chat",
		[]*types.Message{userTurn("Q")}, Options{APIKey: "k", BaseURL: srv.URL})
	if types.KindOf(err) != types.KindUnavailable {
		t.Fatalf("kind = %v, want unavailable (err: %v)", types.KindOf(err), err)
	}
	// Initial attempt plus two retries.
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	c := NewClient(nil)
	_, err := c.Complete(context.Background(), "gpt-5.2",
		[]*types.Message{userTurn("Q")}, Options{APIKey: "bad", BaseURL: srv.URL})
	if types.KindOf(err) != types.KindAuth {
		t.Fatalf("kind = %v, want auth", types.KindOf(err))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 401)", calls.Load())
	}
}

func TestMissingKeyIsAuthError(t *testing.T) {
	c := NewClient(nil)
	_, err := c.Complete(context.Background(), "deepseek-chat",
		[]*types.Message{userTurn("Q")}, Options{})
	if types.KindOf(err) != types.KindAuth {
		t.Errorf("kind = %v, want auth", types.KindOf(err))
	}
}

func TestUnknownModelRejected(t *testing.T) {
	c := NewClient(nil)
	_, err := c.Complete(context.Background(), "claude-4",
		[]*types.Message{userTurn("Q")}, Options{APIKey: "k"})
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("kind = %v, want validation", types.KindOf(err))
	}
}

func TestTimeoutClassification(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := NewClient(nil)
	c.initialBackoff = time.Millisecond
	_, err := c.Complete(context.Background(), "deepseek-chat",
		[]*types.Message{userTurn("Q")},
		Options{APIKey: "k", BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond})
	if types.KindOf(err) != types.KindTimeout {
		t.Fatalf("kind = %v, want timeout (err: %v)", types.KindOf(err), err)
	}
	// Timeouts are retryable: all three attempts must have run.
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestCatalog(t *testing.T) {
	if len(Models()) != 4 {
		t.Errorf("catalogue size = %d, want 4", len(Models()))
	}
	for id, wantKind := range map[string]Kind{
		"deepseek-chat":     KindDeepSeek,
		"deepseek-reasoner": KindDeepSeek,
		"gpt-5.2":           KindOpenAI,
		"gpt-5.2-pro":       KindOpenAI,
	} {
		if !IsKnownModel(id) {
			t.Errorf("model %q missing from catalogue", id)
		}
		kind, ok := KindForModel(id)
		if !ok || kind != wantKind {
			t.Errorf("KindForModel(%q) = %v/%v, want %v", id, kind, ok, wantKind)
		}
	}
	if _, ok := KindForModel("llama-3"); ok {
		t.Error("unknown prefix dispatched")
	}
}
