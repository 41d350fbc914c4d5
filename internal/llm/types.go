// Package llm provides chat clients for the supported model providers.
// The gateway talks to the Client interface only; wire-format conversion
// happens inside each adapter.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one chat turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a provider-neutral tool invocation. Arguments are the
// decoded JSON object; adapters convert from each provider's wire shape.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatOptions tune a single request. Zero values mean provider defaults.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}
