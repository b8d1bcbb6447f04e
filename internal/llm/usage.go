package llm

import (
	"context"
	"sync"
	"time"

	"github.com/golemcore/agentd/internal/conversation"
)

// ModelUsage accumulates token counts for one model.
type ModelUsage struct {
	Calls        int64 `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UsageSnapshot is a copy-safe view of accumulated usage.
type UsageSnapshot struct {
	TotalCalls        int64                 `json:"total_calls"`
	TotalInputTokens  int64                 `json:"total_input_tokens"`
	TotalOutputTokens int64                 `json:"total_output_tokens"`
	PerModel          map[string]ModelUsage `json:"per_model"`
	Since             time.Time             `json:"since"`
}

// UsageTracker records token usage per model.
type UsageTracker struct {
	mu       sync.Mutex
	perModel map[string]*ModelUsage
	since    time.Time
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		perModel: make(map[string]*ModelUsage),
		since:    time.Now().UTC(),
	}
}

// Record accumulates one call's usage.
func (t *UsageTracker) Record(model string, inputTokens, outputTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.perModel[model]
	if !ok {
		u = &ModelUsage{}
		t.perModel[model] = u
	}
	u.Calls++
	u.InputTokens += int64(inputTokens)
	u.OutputTokens += int64(outputTokens)
}

// Snapshot returns a copy of the accumulated usage.
func (t *UsageTracker) Snapshot() UsageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := UsageSnapshot{
		PerModel: make(map[string]ModelUsage, len(t.perModel)),
		Since:    t.since,
	}
	for model, u := range t.perModel {
		snap.PerModel[model] = *u
		snap.TotalCalls += u.Calls
		snap.TotalInputTokens += u.InputTokens
		snap.TotalOutputTokens += u.OutputTokens
	}
	return snap
}

// TrackedClient decorates a Client, recording usage for every
// successful call. Failures record nothing.
type TrackedClient struct {
	inner   Client
	tracker *UsageTracker
}

// NewTrackedClient wraps inner with usage tracking.
func NewTrackedClient(inner Client, tracker *UsageTracker) *TrackedClient {
	return &TrackedClient{inner: inner, tracker: tracker}
}

// Chat delegates to the inner client and records usage on success.
func (c *TrackedClient) Chat(ctx context.Context, model string, messages []conversation.Message, tools []Tool) (*ChatResponse, error) {
	resp, err := c.inner.Chat(ctx, model, messages, tools)
	if err != nil {
		return nil, err
	}
	recorded := resp.Model
	if recorded == "" {
		recorded = model
	}
	c.tracker.Record(recorded, resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// Ping delegates to the inner client.
func (c *TrackedClient) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}
