// Package provider adapts the chat-completion APIs behind a single
// Complete operation. The model catalogue is closed: request shape is
// driven entirely by the ModelSpec flags, and dispatch between the
// DeepSeek and OpenAI branches is by model-id prefix.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/consult/internal/telemetry"
	"github.com/steveyegge/consult/internal/types"
)

// Retry policy: two retries after the initial attempt, exponential from
// one second, no jitter.
const (
	maxRetries        = 2
	initialRetryDelay = 1000 * time.Millisecond
)

// DefaultRequestTimeout bounds a single completion attempt when the
// caller does not supply one.
const DefaultRequestTimeout = 180 * time.Second

// Per-branch API bases. Overridable through Options.BaseURL for tests.
const (
	deepSeekBaseURL = "https://api.deepseek.com/v1"
	openAIBaseURL   = "https://api.openai.com/v1"
)

// retryableStatuses are the HTTP statuses worth another attempt.
var retryableStatuses = map[int]bool{
	429: true, 500: true, 501: true, 502: true, 503: true, 504: true, 599: true,
}

// Options tunes one completion call.
type Options struct {
	APIKey       string
	SystemPrompt string
	// MaxTokens caps the output; 0 means the model's catalogue cap.
	MaxTokens int
	// Temperature is sent only when non-nil; reasoning models may
	// override it.
	Temperature *float64
	// RequestTimeout bounds each HTTP attempt. 0 means DefaultRequestTimeout.
	RequestTimeout time.Duration
	// BaseURL overrides the branch's API base (tests, proxies).
	BaseURL string
}

// Result is the outcome of one completion.
type Result struct {
	Content          string       `json:"content"`
	Usage            *types.Usage `json:"usage,omitempty"`
	FinishReason     string       `json:"finishReason,omitempty"`
	ReasoningContent string       `json:"reasoningContent,omitempty"`
	ResponseTimeMs   int64        `json:"responseTimeMs"`
}

// Client performs chat completions. Safe for concurrent use.
type Client struct {
	httpClient     *http.Client
	logger         *slog.Logger
	maxRetries     uint64
	initialBackoff time.Duration
}

// NewClient builds a provider client. The HTTP client carries no global
// timeout; per-attempt deadlines come from Options.RequestTimeout.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	tokenMetricsOnce.Do(initTokenMetrics)
	return &Client{
		httpClient:     &http.Client{},
		logger:         logger,
		maxRetries:     maxRetries,
		initialBackoff: initialRetryDelay,
	}
}

// statusError carries an HTTP failure status through the retry loop.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.status, e.body)
}

// Complete runs one chat completion against the branch owning modelID.
// Retryable failures are reattempted per the fixed policy; the measured
// wall time covers all attempts.
func (c *Client) Complete(ctx context.Context, modelID string, messages []*types.Message, opts Options) (*Result, error) {
	spec, ok := LookupModel(modelID)
	if !ok {
		return nil, types.Errorf(types.KindValidation, "unknown model %q", modelID)
	}
	kind, _ := KindForModel(modelID)
	if opts.APIKey == "" {
		return nil, types.Errorf(types.KindAuth, "no API key configured for %s", kind)
	}

	payload, err := buildRequestBody(spec, messages, opts)
	if err != nil {
		return nil, err
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = deepSeekBaseURL
		if kind == KindOpenAI {
			baseURL = openAIBaseURL
		}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	started := time.Now()
	var wire *chatResponse

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not wall time

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		resp, attemptErr := c.doAttempt(ctx, baseURL, opts.APIKey, payload, timeout)
		if attemptErr == nil {
			wire = resp
			return nil
		}
		if isRetryable(attemptErr) {
			c.logger.Debug("provider attempt failed, will retry",
				"model", modelID, "attempt", attempt, "error", attemptErr)
			return attemptErr
		}
		return backoff.Permanent(attemptErr)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))

	elapsed := time.Since(started)
	if err != nil {
		return nil, classifyFailure(err, modelID)
	}

	result, err := decodeResult(wire, spec)
	if err != nil {
		return nil, err
	}
	result.ResponseTimeMs = elapsed.Milliseconds()

	c.recordMetrics(ctx, modelID, result, elapsed)
	return result, nil
}

// doAttempt performs one HTTP round trip with its own deadline.
func (c *Client) doAttempt(ctx context.Context, baseURL, apiKey string, payload []byte, timeout time.Duration) (*chatResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode, body: truncate(string(body), 200)}
	}

	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("malformed provider response: %w", err)
	}
	return &wire, nil
}

// isRetryable applies the fixed policy: the enumerated statuses, any
// error whose text mentions a timeout, and ETIMEDOUT.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return retryableStatuses[se.status]
	}
	if errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// classifyFailure maps an exhausted or permanent failure to a typed
// error kind.
func classifyFailure(err error, modelID string) error {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.status == http.StatusUnauthorized || se.status == http.StatusForbidden:
			return types.WrapError(types.KindAuth, err, fmt.Sprintf("provider rejected credentials for %s", modelID))
		case se.status == http.StatusNotFound:
			return types.WrapError(types.KindNotFound, err, fmt.Sprintf("provider has no model %s", modelID))
		default:
			return types.WrapError(types.KindUnavailable, err, fmt.Sprintf("provider call for %s failed", modelID))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return types.WrapError(types.KindTimeout, err, fmt.Sprintf("provider call for %s timed out", modelID))
	}
	return types.WrapError(types.KindUnavailable, err, fmt.Sprintf("provider call for %s failed", modelID))
}

func decodeResult(wire *chatResponse, spec ModelSpec) (*Result, error) {
	if len(wire.Choices) == 0 {
		return nil, types.Errorf(types.KindUnavailable, "provider returned no choices")
	}
	choice := wire.Choices[0]
	result := &Result{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	if spec.IsReasoning {
		result.ReasoningContent = choice.Message.ReasoningContent
	}
	if wire.Usage != nil {
		result.Usage = &types.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// tokenMetrics holds lazily-initialized OTel instruments for provider
// calls.
var tokenMetrics struct {
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	duration         metric.Float64Histogram
}

var tokenMetricsOnce sync.Once

func initTokenMetrics() {
	m := telemetry.Meter("github.com/steveyegge/consult/provider")
	tokenMetrics.promptTokens, _ = m.Int64Counter("consult.provider.prompt_tokens",
		metric.WithDescription("Provider API prompt tokens consumed"),
		metric.WithUnit("{token}"),
	)
	tokenMetrics.completionTokens, _ = m.Int64Counter("consult.provider.completion_tokens",
		metric.WithDescription("Provider API completion tokens generated"),
		metric.WithUnit("{token}"),
	)
	tokenMetrics.duration, _ = m.Float64Histogram("consult.provider.request.duration",
		metric.WithDescription("Provider API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func (c *Client) recordMetrics(ctx context.Context, modelID string, result *Result, elapsed time.Duration) {
	if tokenMetrics.duration == nil {
		return
	}
	modelAttr := attribute.String("consult.provider.model", modelID)
	tokenMetrics.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(modelAttr))
	if result.Usage != nil {
		tokenMetrics.promptTokens.Add(ctx, int64(result.Usage.PromptTokens), metric.WithAttributes(modelAttr))
		tokenMetrics.completionTokens.Add(ctx, int64(result.Usage.CompletionTokens), metric.WithAttributes(modelAttr))
	}
}
