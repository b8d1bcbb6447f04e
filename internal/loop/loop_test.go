package loop

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golemcore/agentd/internal/conversation"
	"github.com/golemcore/agentd/internal/events"
	"github.com/golemcore/agentd/internal/llm"
)

// scriptedClient replays a fixed sequence of responses and records
// the message slices it was called with.
type scriptedClient struct {
	steps []scriptStep
	calls int
	seen  [][]conversation.Message
}

type scriptStep struct {
	resp *llm.ChatResponse
	err  error
}

func (c *scriptedClient) Chat(_ context.Context, _ string, messages []conversation.Message, _ []llm.Tool) (*llm.ChatResponse, error) {
	c.seen = append(c.seen, messages)
	if c.calls >= len(c.steps) {
		return nil, errors.New("script exhausted")
	}
	step := c.steps[c.calls]
	c.calls++
	return step.resp, step.err
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

type fakeRunner struct {
	schemas []llm.Tool
	execute func(ctx context.Context, call conversation.ToolCall) (conversation.ToolResult, error)
}

func (r *fakeRunner) Schemas() []llm.Tool { return r.schemas }

func (r *fakeRunner) Execute(ctx context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
	return r.execute(ctx, call)
}

func echoRunner() *fakeRunner {
	return &fakeRunner{
		execute: func(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
			return conversation.ToolResult{CallID: call.ID, Name: call.Name, Content: "ok"}, nil
		},
	}
}

func textResponse(model, content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        model,
		Message:      conversation.Message{Role: conversation.RoleAssistant, Content: content},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolResponse(model string, calls ...conversation.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: model,
		Message: conversation.Message{
			Role:      conversation.RoleAssistant,
			ToolCalls: calls,
		},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func newTestOrchestrator(cfg Config, client llm.Client, runner ToolRunner) *Orchestrator {
	return New(cfg, client, runner, nil, nil, nil)
}

func TestProcessTurn_DirectAnswer(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{resp: textResponse("m1", "hello there")},
	}}
	o := newTestOrchestrator(Config{}, client, echoRunner())
	sess := conversation.NewSession("")

	res, err := o.ProcessTurn(context.Background(), sess, "hi", "m1")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Status != StatusDone {
		t.Errorf("status = %s, want done", res.Status)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if res.FinalMessage.Content != "hello there" {
		t.Errorf("final message = %q", res.FinalMessage.Content)
	}

	msgs := sess.Messages()
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != conversation.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != conversation.RoleAssistant {
		t.Errorf("second message role = %s", msgs[1].Role)
	}
	if model, ok := sess.LastModel(); !ok || model != "m1" {
		t.Errorf("recorded model = %q, %v", model, ok)
	}
}

func TestProcessTurn_ToolRoundTrip(t *testing.T) {
	call := conversation.ToolCall{ID: "c1", Name: "lookup", Arguments: map[string]any{"q": "x"}}
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse("m1", call)},
		{resp: textResponse("m1", "found it")},
	}}
	o := newTestOrchestrator(Config{}, client, echoRunner())
	sess := conversation.NewSession("")

	res, err := o.ProcessTurn(context.Background(), sess, "find x", "m1")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}

	// user, assistant(tool calls), tool result, assistant(final).
	msgs := sess.Messages()
	if len(msgs) != 4 {
		t.Fatalf("history has %d messages, want 4", len(msgs))
	}
	if !msgs[1].HasToolCalls() {
		t.Error("second message should carry tool calls")
	}
	if !msgs[2].IsToolResult() || msgs[2].ToolCallID != "c1" {
		t.Errorf("third message = %+v, want tool result for c1", msgs[2])
	}
	if msgs[3].Content != "found it" {
		t.Errorf("final content = %q", msgs[3].Content)
	}

	// The second model call must have seen the tool result.
	second := client.seen[1]
	if len(second) != 3 || !second[2].IsToolResult() {
		t.Errorf("second call saw %d messages, last = %+v", len(second), second[len(second)-1])
	}

	if res.InputTokens != 20 || res.OutputTokens != 10 {
		t.Errorf("tokens = %d/%d, want 20/10", res.InputTokens, res.OutputTokens)
	}
}

func TestProcessTurn_ToolErrorFeedsBack(t *testing.T) {
	call := conversation.ToolCall{ID: "c1", Name: "flaky"}
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse("m1", call)},
		{resp: textResponse("m1", "recovered")},
	}}
	runner := &fakeRunner{
		execute: func(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
			return conversation.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: "Tool execution failed: boom",
				IsError: true,
			}, nil
		},
	}
	o := newTestOrchestrator(Config{}, client, runner)
	sess := conversation.NewSession("")

	res, err := o.ProcessTurn(context.Background(), sess, "go", "m1")
	if err != nil {
		t.Fatalf("tool-level failure must not abort the turn: %v", err)
	}
	if res.Status != StatusDone {
		t.Errorf("status = %s, want done", res.Status)
	}

	msgs := sess.Messages()
	if !strings.Contains(msgs[2].Content, "boom") {
		t.Errorf("tool error not in history: %q", msgs[2].Content)
	}
}

func TestProcessTurn_VersionedProviderModelKeepsRawView(t *testing.T) {
	// Providers answer a model alias with a versioned name. The session
	// records the requested name, so the next iteration of the same
	// turn must still replay the structured tool exchange.
	call := conversation.ToolCall{ID: "c1", Name: "lookup"}
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse("m1-2024-01", call)},
		{resp: textResponse("m1-2024-01", "done")},
	}}
	o := newTestOrchestrator(Config{}, client, echoRunner())
	sess := conversation.NewSession("")

	if _, err := o.ProcessTurn(context.Background(), sess, "find x", "m1"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	second := client.seen[1]
	if len(second) != 3 || !second[1].HasToolCalls() {
		t.Fatalf("second call saw %+v, want the structured tool exchange", second)
	}
	for _, m := range second {
		if strings.Contains(m.Content, "masked") {
			t.Errorf("history was flattened mid-turn: %q", m.Content)
		}
	}
	if model, ok := sess.LastModel(); !ok || model != "m1" {
		t.Errorf("recorded model = %q, want the requested name m1", model)
	}
}

func TestProcessTurn_ModelErrorKeepsHistory(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{err: errors.New("connection refused")},
	}}
	o := newTestOrchestrator(Config{}, client, echoRunner())
	sess := conversation.NewSession("")

	_, err := o.ProcessTurn(context.Background(), sess, "hi", "m1")
	if !errors.Is(err, ErrModelClient) {
		t.Fatalf("err = %v, want ErrModelClient", err)
	}
	// The user message stays in history even though the turn failed.
	msgs := sess.Messages()
	if len(msgs) != 1 || msgs[0].Role != conversation.RoleUser {
		t.Errorf("history = %+v, want the user message retained", msgs)
	}
}

func TestProcessTurn_ToolInfraErrorLeavesNoUnmatchedCalls(t *testing.T) {
	calls := []conversation.ToolCall{
		{ID: "c1", Name: "slow"},
		{ID: "c2", Name: "slow"},
	}
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse("m1", calls...)},
	}}
	runner := &fakeRunner{
		execute: func(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
			if call.ID == "c2" {
				return conversation.ToolResult{}, context.DeadlineExceeded
			}
			return conversation.ToolResult{CallID: call.ID, Name: call.Name, Content: "ok"}, nil
		},
	}
	o := newTestOrchestrator(Config{MaxConcurrentTools: 1}, client, runner)
	sess := conversation.NewSession("")

	_, err := o.ProcessTurn(context.Background(), sess, "go", "m1")
	if !errors.Is(err, ErrToolExecution) {
		t.Fatalf("err = %v, want ErrToolExecution", err)
	}

	// Every requested call ID must still have a tool message.
	msgs := sess.Messages()
	got := map[string]bool{}
	for _, m := range msgs {
		if m.IsToolResult() {
			got[m.ToolCallID] = true
		}
	}
	for _, c := range calls {
		if !got[c.ID] {
			t.Errorf("call %s has no tool message in history", c.ID)
		}
	}
}

func TestProcessTurn_MaxIterationsAborts(t *testing.T) {
	call := conversation.ToolCall{ID: "c1", Name: "loop_forever"}
	// Always request another tool call; the budget has to stop us.
	steps := make([]scriptStep, 10)
	for i := range steps {
		steps[i] = scriptStep{resp: toolResponse("m1", call)}
	}
	client := &scriptedClient{steps: steps}
	o := newTestOrchestrator(Config{MaxIterations: 3}, client, echoRunner())
	sess := conversation.NewSession("")

	res, err := o.ProcessTurn(context.Background(), sess, "go", "m1")
	if err != nil {
		t.Fatalf("budget exhaustion is not an error: %v", err)
	}
	if res.Status != StatusAborted || res.AbortReason != AbortMaxIterations {
		t.Errorf("got %s/%s, want aborted/max_iterations", res.Status, res.AbortReason)
	}
	if client.calls != 3 {
		t.Errorf("model called %d times, want exactly 3", client.calls)
	}
	if !strings.Contains(res.FinalMessage.Content, "stopped") {
		t.Errorf("final message = %q", res.FinalMessage.Content)
	}

	// History ends on the synthetic assistant message.
	msgs := sess.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != conversation.RoleAssistant || !strings.Contains(last.Content, "maximum iterations") {
		t.Errorf("last message = %+v", last)
	}
}

func TestProcessTurn_DeadlineAborts(t *testing.T) {
	call := conversation.ToolCall{ID: "c1", Name: "slow"}
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse("m1", call)},
		{resp: toolResponse("m1", call)},
	}}
	o := newTestOrchestrator(Config{Deadline: time.Minute}, client, echoRunner())

	// Each clock read advances 45s: the second budget check lands
	// past the one-minute deadline.
	var ticks atomic.Int64
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	o.SetClock(func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * 45 * time.Second)
	})

	sess := conversation.NewSession("")
	res, err := o.ProcessTurn(context.Background(), sess, "go", "m1")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Status != StatusAborted || res.AbortReason != AbortDeadline {
		t.Errorf("got %s/%s, want aborted/deadline", res.Status, res.AbortReason)
	}
}

func TestProcessTurn_InterruptAborts(t *testing.T) {
	call := conversation.ToolCall{ID: "c1", Name: "slow"}
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse("m1", call)},
		{resp: textResponse("m1", "never reached")},
	}}
	sess := conversation.NewSession("")
	runner := &fakeRunner{
		execute: func(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
			// Interrupt lands while a tool is running; the loop must
			// notice before the next model call.
			sess.RequestInterrupt()
			return conversation.ToolResult{CallID: call.ID, Name: call.Name, Content: "ok"}, nil
		},
	}
	o := newTestOrchestrator(Config{}, client, runner)

	res, err := o.ProcessTurn(context.Background(), sess, "go", "m1")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Status != StatusAborted || res.AbortReason != AbortInterrupted {
		t.Errorf("got %s/%s, want aborted/interrupted", res.Status, res.AbortReason)
	}
	if client.calls != 1 {
		t.Errorf("model called %d times after interrupt, want 1", client.calls)
	}
}

func TestProcessTurn_EmptyFinalResponseIsValid(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{resp: textResponse("m1", "")},
	}}
	o := newTestOrchestrator(Config{}, client, echoRunner())
	sess := conversation.NewSession("")

	res, err := o.ProcessTurn(context.Background(), sess, "hi", "m1")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Status != StatusDone {
		t.Errorf("status = %s, want done", res.Status)
	}
	if res.FinalMessage.Content != "" {
		t.Errorf("final content = %q, want empty", res.FinalMessage.Content)
	}
}

func TestProcessTurn_ConcurrentToolsAppendInRequestOrder(t *testing.T) {
	calls := []conversation.ToolCall{
		{ID: "c1", Name: "slow"},
		{ID: "c2", Name: "fast"},
		{ID: "c3", Name: "medium"},
	}
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse("m1", calls...)},
		{resp: textResponse("m1", "done")},
	}}
	runner := &fakeRunner{
		execute: func(_ context.Context, call conversation.ToolCall) (conversation.ToolResult, error) {
			switch call.Name {
			case "slow":
				time.Sleep(30 * time.Millisecond)
			case "medium":
				time.Sleep(10 * time.Millisecond)
			}
			return conversation.ToolResult{CallID: call.ID, Name: call.Name, Content: call.Name}, nil
		},
	}
	o := newTestOrchestrator(Config{}, client, runner)
	sess := conversation.NewSession("")

	if _, err := o.ProcessTurn(context.Background(), sess, "go", "m1"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	msgs := sess.Messages()
	var order []string
	for _, m := range msgs {
		if m.IsToolResult() {
			order = append(order, m.ToolCallID)
		}
	}
	want := []string{"c1", "c2", "c3"}
	if len(order) != len(want) {
		t.Fatalf("got %d tool messages, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("tool message order = %v, want %v", order, want)
		}
	}
}

func TestProcessTurn_PublishesEvents(t *testing.T) {
	call := conversation.ToolCall{ID: "c1", Name: "lookup"}
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse("m1", call)},
		{resp: textResponse("m1", "done")},
	}}
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	o := New(Config{}, client, echoRunner(), nil, bus, nil)
	sess := conversation.NewSession("")

	if _, err := o.ProcessTurn(context.Background(), sess, "go", "m1"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	kinds := map[string]int{}
drain:
	for {
		select {
		case e := <-ch:
			kinds[e.Kind]++
		default:
			break drain
		}
	}
	for _, want := range []string{
		events.KindTurnStarted,
		events.KindLLMCall,
		events.KindLLMResponse,
		events.KindToolCall,
		events.KindToolDone,
		events.KindTurnComplete,
	} {
		if kinds[want] == 0 {
			t.Errorf("no %s event published (got %v)", want, kinds)
		}
	}
}
