// Package llm is the model-invocation boundary. Providers (Anthropic,
// OpenAI-compatible endpoints, Ollama) implement [Client]; everything
// above this package speaks the provider-neutral types defined here.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a model conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool results
	IsError    bool       `json:"is_error,omitempty"`     // tool result reports a failure
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is provider-assigned; tool results echo it back so the
	// provider can correlate them.
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSpec advertises one callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the input.
	Parameters map[string]any
}

// Request is a single model invocation.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Response is the provider-neutral result of a model invocation.
type Response struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int

	Latency time.Duration
}

// HasToolCalls reports whether the model asked for tool execution.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
