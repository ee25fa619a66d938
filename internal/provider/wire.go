package provider

import (
	"encoding/json"
	"fmt"

	"github.com/steveyegge/consult/internal/types"
)

// systemMergeTemplate folds a system prompt into the first user turn
// for models that reject system messages.
const systemMergeTemplate = "[System Instructions]\n%s\n\n[User Query]\n%s"

// wireMessage is one turn in the chat-completions request.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible request body. Field presence is
// steered per model: exactly one of MaxTokens/MaxCompletionTokens is
// set, and ReasoningEffort only for models that declare it.
type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []wireMessage `json:"messages"`
	MaxTokens           *int          `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int          `json:"max_completion_tokens,omitempty"`
	Temperature         *float64      `json:"temperature,omitempty"`
	ReasoningEffort     string        `json:"reasoning_effort,omitempty"`
	Stream              bool          `json:"stream"`
}

// chatResponse is the subset of the chat-completions response we read.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// buildRequestBody assembles the wire payload for one completion.
func buildRequestBody(spec ModelSpec, messages []*types.Message, opts Options) ([]byte, error) {
	wireMsgs := buildWireMessages(spec, messages, opts.SystemPrompt)
	if len(wireMsgs) == 0 {
		return nil, types.Errorf(types.KindValidation, "no messages to send")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 || maxTokens > spec.MaxTokens {
		maxTokens = spec.MaxTokens
	}

	req := chatRequest{
		Model:           spec.APIModel,
		Messages:        wireMsgs,
		ReasoningEffort: spec.ReasoningEffort,
		Stream:          false,
	}
	if spec.UseMaxCompletionTokens {
		req.MaxCompletionTokens = &maxTokens
	} else {
		req.MaxTokens = &maxTokens
	}
	if spec.ForceZeroTemperature {
		zero := 0.0
		req.Temperature = &zero
	} else if opts.Temperature != nil {
		req.Temperature = opts.Temperature
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return payload, nil
}

// buildWireMessages renders conversation turns for the wire, placing
// the system prompt either as a leading system message or merged into
// the first user turn when the model forbids system messages.
func buildWireMessages(spec ModelSpec, messages []*types.Message, systemPrompt string) []wireMessage {
	out := make([]wireMessage, 0, len(messages)+1)

	if systemPrompt != "" && spec.SupportsSystemPrompt {
		out = append(out, wireMessage{Role: string(types.RoleSystem), Content: systemPrompt})
		systemPrompt = ""
	}

	for _, m := range messages {
		content := m.Content
		if systemPrompt != "" && m.Role == types.RoleUser {
			content = fmt.Sprintf(systemMergeTemplate, systemPrompt, content)
			systemPrompt = ""
		}
		out = append(out, wireMessage{Role: string(m.Role), Content: content})
	}
	return out
}
