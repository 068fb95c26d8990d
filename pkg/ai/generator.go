package ai

import "context"

// GenerateOptions tunes one generation call. Zero values fall back to the
// provider's defaults; Model overrides the generator's configured model.
type GenerateOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string, opts GenerateOptions) (string, error)
}
