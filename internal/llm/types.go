// Package llm routes chat completion requests to configured providers.
//
// Models are addressed as "provider/model". The Router resolves an id
// against the model catalog, calls the provider under a retry policy for
// transient failures, and walks the configured fallback chain when a model
// keeps failing.
package llm

import (
	"context"
	"encoding/json"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a provider conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name identify the call a tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`

	// IsError marks a tool result that reports a failure.
	IsError bool `json:"is_error,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a provider-neutral chat completion request. A leading system
// message carries the system prompt.
type Request struct {
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Usage reports token consumption of one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a provider-neutral completion.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Model      string     `json:"model"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// HasToolCalls reports whether the model asked for tools.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Provider is a single LLM backend.
type Provider interface {
	// Name returns the provider prefix used in model ids.
	Name() string

	// Chat performs one completion against model, the id without the
	// provider prefix. Implementations report HTTP failures as
	// *ProviderError and context overflows as ErrContextLengthExceeded.
	Chat(ctx context.Context, model string, req *Request) (*Response, error)
}

// SplitSystem separates a leading system message from the rest of the
// conversation, which is how most provider APIs want it.
func SplitSystem(messages []Message) (string, []Message) {
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}
