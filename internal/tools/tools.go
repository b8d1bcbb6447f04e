// Package tools defines the tool registry and the executor adapter
// the loop uses to run model-requested tool calls. Concrete tool
// implementations plug in as handlers; the registry only owns
// dispatch, schema export, and argument validation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/golemcore/agentd/internal/conversation"
	"github.com/golemcore/agentd/internal/llm"
)

// Handler executes one tool call. A returned error is a tool-level
// failure: the tool ran and failed, and the message is fed back to the
// model as data. Handlers signal infrastructure trouble only through
// ctx (cancellation/deadline).
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
	Handler    Handler
}

// Registry holds available tools and adapts them to the executor port.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool. Re-registering a name replaces the previous
// tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas exports the registered tools in the provider-neutral form
// offered to the model.
func (r *Registry) Schemas() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one tool call. Unknown tools, invalid arguments, and
// handler failures all come back as tool-level error results with a
// nil error — the model reacts to them. A non-nil error means the
// executor itself could not run the call (context cancelled or timed
// out) and is an infrastructure failure for the caller to surface.
func (r *Registry) Execute(ctx context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return conversation.ToolResult{}, fmt.Errorf("tool executor: %w", err)
	}

	tool, ok := r.Get(call.Name)
	if !ok {
		r.logger.Warn("unknown tool requested", "tool", call.Name, "call_id", call.ID)
		return toolError(call, fmt.Sprintf("unknown tool %q (available: %v)", call.Name, r.Names())), nil
	}

	if reason, ok := validateArguments(tool, call.Arguments); !ok {
		r.logger.Warn("invalid tool arguments", "tool", call.Name, "call_id", call.ID, "reason", reason)
		return toolError(call, "invalid arguments: "+reason), nil
	}

	out, err := tool.Handler(ctx, call.Arguments)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return conversation.ToolResult{}, fmt.Errorf("tool %s: %w", call.Name, err)
		}
		r.logger.Debug("tool failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return toolError(call, "Tool execution failed: "+err.Error()), nil
	}

	return conversation.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: out,
	}, nil
}

func toolError(call conversation.ToolCall, msg string) conversation.ToolResult {
	return conversation.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: msg,
		IsError: true,
	}
}

// validateArguments checks required fields from the tool's JSON
// schema and rejects payloads the provider adapter could not parse.
func validateArguments(tool *Tool, args map[string]any) (string, bool) {
	if parseErr, ok := args["_parse_error"].(string); ok {
		return "arguments were not valid JSON: " + parseErr, false
	}

	required, ok := tool.Parameters["required"]
	if !ok {
		return "", true
	}

	var names []string
	switch req := required.(type) {
	case []string:
		names = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
	}

	for _, name := range names {
		if _, present := args[name]; !present {
			return fmt.Sprintf("missing required argument %q", name), false
		}
	}
	return "", true
}
