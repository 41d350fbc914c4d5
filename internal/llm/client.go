package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Client is the interface every model provider implements.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *ChatOptions) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// New builds a Client for the named provider.
func New(provider, baseURL, apiKey string, logger *slog.Logger) (Client, error) {
	switch provider {
	case "", "ollama":
		return NewOllamaClient(baseURL, logger), nil
	case "openai":
		return NewOpenAIClient(baseURL, apiKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
