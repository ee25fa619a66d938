package provider

import "strings"

// Kind identifies which wire branch a model speaks. The set is closed;
// adding a provider means extending the catalogue table below.
type Kind string

const (
	KindDeepSeek Kind = "deepseek"
	KindOpenAI   Kind = "openai"
)

// ModelSpec is one row of the fixed model catalogue. The request shape
// for a completion is driven entirely by these flags.
type ModelSpec struct {
	ID                   string
	APIModel             string
	MaxTokens            int
	IsReasoning          bool
	SupportsSystemPrompt bool
	// ReasoningEffort is sent as reasoning_effort when non-empty.
	ReasoningEffort string
	// UseMaxCompletionTokens selects the max_completion_tokens field
	// instead of max_tokens.
	UseMaxCompletionTokens bool
	// ForceZeroTemperature pins temperature to 0 regardless of options.
	ForceZeroTemperature bool
}

// catalog is the closed model table. Order matters only for listing.
var catalog = []ModelSpec{
	{
		ID:                   "deepseek-chat",
		APIModel:             "deepseek-chat",
		MaxTokens:            8192,
		SupportsSystemPrompt: true,
	},
	{
		ID:                     "deepseek-reasoner",
		APIModel:               "deepseek-reasoner",
		MaxTokens:              64000,
		IsReasoning:            true,
		SupportsSystemPrompt:   false,
		UseMaxCompletionTokens: true,
		ForceZeroTemperature:   true,
	},
	{
		ID:                   "gpt-5.2",
		APIModel:             "gpt-5.2",
		MaxTokens:            400000,
		IsReasoning:          true,
		SupportsSystemPrompt: true,
		ReasoningEffort:      "medium",
	},
	{
		ID:                   "gpt-5.2-pro",
		APIModel:             "gpt-5.2-pro",
		MaxTokens:            400000,
		IsReasoning:          true,
		SupportsSystemPrompt: true,
		ReasoningEffort:      "high",
	},
}

// LookupModel returns the catalogue entry for id.
func LookupModel(id string) (ModelSpec, bool) {
	for _, m := range catalog {
		if m.ID == id {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// IsKnownModel reports whether id is in the catalogue.
func IsKnownModel(id string) bool {
	_, ok := LookupModel(id)
	return ok
}

// Models returns the catalogue in declaration order.
func Models() []ModelSpec {
	out := make([]ModelSpec, len(catalog))
	copy(out, catalog)
	return out
}

// KindForModel maps a model id prefix to its provider branch.
func KindForModel(id string) (Kind, bool) {
	switch {
	case strings.HasPrefix(id, "deepseek-"):
		return KindDeepSeek, true
	case strings.HasPrefix(id, "gpt-"):
		return KindOpenAI, true
	default:
		return "", false
	}
}
