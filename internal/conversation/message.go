// Package conversation defines the canonical message model for a chat
// session: the append-only raw history, and the disposable per-request
// views derived from it. Raw history is the audit trail — nothing in
// this package ever rewrites an entry once appended.
package conversation

import (
	"time"
)

// Message roles. A tool message carries the result of exactly one
// earlier assistant tool call, correlated by ToolCallID.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// MetadataModelKey is the session metadata key under which the
// last-used model identifier is recorded after a successful model call.
// The view builder reads it to decide whether tool masking is needed.
const MetadataModelKey = "llm_model"

// ToolCall is a structured request from the model to invoke a named
// tool. Immutable once created; the ID is opaque and unique within a
// conversation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// clone returns a deep copy so that views can never alias a caller's
// argument map.
func (tc ToolCall) clone() ToolCall {
	out := ToolCall{ID: tc.ID, Name: tc.Name}
	if tc.Arguments != nil {
		out.Arguments = make(map[string]any, len(tc.Arguments))
		for k, v := range tc.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}

// Message is one conversational turn. Content may be empty when an
// assistant turn carries only tool calls. ToolCallID and ToolName are
// set only on tool-role messages.
type Message struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitzero"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// HasToolCalls reports whether this message carries structured tool
// calls.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// IsToolResult reports whether this message is a tool execution result.
func (m Message) IsToolResult() bool {
	return m.Role == RoleTool
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc.clone()
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// cloneMessages deep-copies a slice of messages. A nil input yields an
// empty, non-nil slice.
func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// ToolResult is the structured outcome of executing one tool call.
// IsError marks a tool-level failure: the tool ran (or was rejected)
// and the failure is data for the model to react to, not an
// infrastructure fault.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message converts the result into the tool-role message appended to
// history.
func (r ToolResult) Message() Message {
	return Message{
		Role:       RoleTool,
		ToolCallID: r.CallID,
		ToolName:   r.Name,
		Content:    r.Content,
	}
}
