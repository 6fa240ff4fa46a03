package models

import (
	"context"
	"fmt"
)

// NewProvider builds a model from a provider name and model identifier.
func NewProvider(ctx context.Context, provider, model string) (Model, error) {
	switch provider {
	case "openai":
		return NewOpenAILLM(model), nil
	case "gemini", "google":
		return NewGeminiLLM(ctx, model)
	case "ollama":
		return NewOllamaLLM(model)
	case "anthropic", "claude":
		return NewAnthropicLLM(model), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
