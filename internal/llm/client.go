// Package llm provides model-provider clients behind a single port.
// Adapters convert the canonical conversation model to each provider's
// wire format at the boundary; nothing outside this package knows what
// a provider request looks like.
package llm

import (
	"context"

	"github.com/golemcore/agentd/internal/conversation"
)

// Tool is a provider-neutral tool definition offered to the model.
// Parameters is a JSON-schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at provider boundaries.
type ChatResponse struct {
	Model        string
	Message      conversation.Message
	FinishReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && r.Message.HasToolCalls()
}

// Client is the port every model provider implements. Chat performs
// one completion; the caller decides what to do with tool calls.
// Clients do not retry — retry policy belongs to whoever owns the
// transport.
type Client interface {
	Chat(ctx context.Context, model string, messages []conversation.Message, tools []Tool) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
