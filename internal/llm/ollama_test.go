package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golemcore/agentd/internal/conversation"
)

func TestOllamaChat_TextResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q, want test-model", req.Model)
		}
		if req.Stream {
			t.Error("non-streaming client must not request streaming")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model":             "test-model",
			"message":           map[string]any{"role": "assistant", "content": "hello"},
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, nil)
	resp, err := client.Chat(context.Background(), "test-model",
		[]conversation.Message{{Role: conversation.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if resp.Message.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Message.Content)
	}
	if resp.HasToolCalls() {
		t.Error("unexpected tool calls")
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChat_ToolCallsGetGeneratedIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{
					{"function": map[string]any{"name": "current_time", "arguments": map[string]any{"tz": "UTC"}}},
				},
			},
			"done": true,
		})
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, nil)
	resp, err := client.Chat(context.Background(), "test-model",
		[]conversation.Message{{Role: conversation.RoleUser, Content: "time?"}}, nil)
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if !resp.HasToolCalls() {
		t.Fatal("expected a tool call")
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Name != "current_time" {
		t.Errorf("tool name = %q, want current_time", tc.Name)
	}
	if tc.ID == "" {
		t.Error("adapter must generate call IDs for providers that omit them")
	}
	if tc.Arguments["tz"] != "UTC" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
}

func TestOllamaChat_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, nil)
	_, err := client.Chat(context.Background(), "nope",
		[]conversation.Message{{Role: conversation.RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestOllamaChat_SendsToolSchemas(t *testing.T) {
	var got ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "m",
			"message": map[string]any{"role": "assistant", "content": "ok"},
			"done":    true,
		})
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, nil)
	tools := []Tool{{
		Name:        "echo",
		Description: "Echo text back",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
	}}
	if _, err := client.Chat(context.Background(), "m",
		[]conversation.Message{{Role: conversation.RoleUser, Content: "hi"}}, tools); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "echo" {
		t.Errorf("tool schema not sent: %+v", got.Tools)
	}
	if got.Tools[0].Type != "function" {
		t.Errorf("tool type = %q, want function", got.Tools[0].Type)
	}
}
