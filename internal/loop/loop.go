// Package loop implements the multi-turn tool loop: it drives the
// model, executes requested tools, feeds results back, and stops on a
// final answer or an exhausted budget. History mutation goes through
// the conversation.HistoryWriter so the append-only invariant holds no
// matter how a turn ends.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/golemcore/agentd/internal/conversation"
	"github.com/golemcore/agentd/internal/events"
	"github.com/golemcore/agentd/internal/llm"
)

// Status describes how a turn ended.
type Status string

const (
	// StatusDone means the model produced a final answer.
	StatusDone Status = "done"
	// StatusAborted means a budget or an interrupt stopped the loop
	// before the model finished on its own.
	StatusAborted Status = "aborted"
)

// Abort reasons reported on aborted turns.
const (
	AbortMaxIterations = "max_iterations"
	AbortDeadline      = "deadline"
	AbortInterrupted   = "interrupted"
)

// Infrastructure failure sentinels. Wrapped around the underlying
// error so callers can pick the failing collaborator with errors.Is.
var (
	ErrModelClient   = errors.New("model client failure")
	ErrToolExecution = errors.New("tool execution failure")
)

// ToolRunner is the executor port the loop drives tools through.
// tools.Registry is the standard implementation.
type ToolRunner interface {
	// Schemas returns the tool definitions offered to the model.
	Schemas() []llm.Tool
	// Execute runs one call. A tool-level failure comes back as an
	// IsError result with a nil error; a non-nil error is an
	// infrastructure failure.
	Execute(ctx context.Context, call conversation.ToolCall) (conversation.ToolResult, error)
}

// Config bounds a single turn.
type Config struct {
	// MaxIterations caps the number of model calls per turn.
	MaxIterations int
	// Deadline caps the wall-clock duration of a turn.
	Deadline time.Duration
	// MaxConcurrentTools caps parallel tool executions within one
	// model response.
	MaxConcurrentTools int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.Deadline <= 0 {
		c.Deadline = 5 * time.Minute
	}
	if c.MaxConcurrentTools <= 0 {
		c.MaxConcurrentTools = 4
	}
	return c
}

// TurnResult summarizes one completed or aborted turn.
type TurnResult struct {
	Status       Status
	AbortReason  string
	FinalMessage conversation.Message
	Iterations   int
	InputTokens  int64
	OutputTokens int64
	Elapsed      time.Duration
}

// Orchestrator runs turns. Safe for concurrent use across sessions; a
// single session must not run two turns at once.
type Orchestrator struct {
	cfg     Config
	client  llm.Client
	tools   ToolRunner
	history *conversation.HistoryWriter
	builder *conversation.ViewBuilder
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an orchestrator. bus may be nil.
func New(cfg Config, client llm.Client, tools ToolRunner, history *conversation.HistoryWriter, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if history == nil {
		history = conversation.NewHistoryWriter(nil, nil, logger)
	}
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		client:  client,
		tools:   tools,
		history: history,
		builder: conversation.NewViewBuilder(),
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the wall clock. Used by tests to drive the
// deadline budget deterministically.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// ProcessTurn appends the user message and drives the model/tool loop
// until the model answers without tool calls or a budget trips. An
// infrastructure error is returned as-is; everything appended up to
// that point stays in the session.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sess *conversation.Session, userText, model string) (*TurnResult, error) {
	start := o.now()
	deadline := start.Add(o.cfg.Deadline)

	log := o.logger.With("session_id", sess.ID(), "model", model)
	log.Info("turn started")
	o.publish(events.KindTurnStarted, map[string]any{
		"session_id": sess.ID(),
		"model":      model,
	})

	o.history.Append(sess, conversation.Message{
		Role:    conversation.RoleUser,
		Content: userText,
	})

	result := &TurnResult{Status: StatusDone}

	for {
		if reason, stopped := o.checkBudgets(sess, start, deadline, result.Iterations); stopped {
			return o.abort(sess, result, reason, start), nil
		}

		view := o.builder.BuildSessionView(sess, model)
		if view.Masked() {
			log.Debug("history masked for model switch", "diagnostics", view.Diagnostics())
		}

		result.Iterations++
		o.publish(events.KindLLMCall, map[string]any{
			"session_id": sess.ID(),
			"iter":       result.Iterations,
			"model":      model,
			"masked":     view.Masked(),
		})

		resp, err := o.client.Chat(ctx, model, view.Messages(), o.tools.Schemas())
		if err != nil {
			log.Error("model call failed", "iter", result.Iterations, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrModelClient, err)
		}
		// Record the model as requested, not as the provider reports
		// it. Providers answer aliases with versioned names
		// (gpt-4o → gpt-4o-2024-08-06); recording the reported name
		// would make the next iteration look like a model switch and
		// mask the tool exchange this same model just produced.
		o.history.RecordModel(sess, model)
		result.InputTokens += int64(resp.InputTokens)
		result.OutputTokens += int64(resp.OutputTokens)
		o.publish(events.KindLLMResponse, map[string]any{
			"session_id": sess.ID(),
			"iter":       result.Iterations,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.Message.ToolCalls),
		})

		if !resp.HasToolCalls() {
			// Final answer. Empty content is still a valid completion.
			final := o.history.Append(sess, resp.Message)
			result.FinalMessage = final
			result.Elapsed = o.now().Sub(start)
			log.Info("turn complete",
				"iterations", result.Iterations,
				"tokens_in", result.InputTokens,
				"tokens_out", result.OutputTokens,
				"elapsed_ms", result.Elapsed.Milliseconds())
			o.publish(events.KindTurnComplete, map[string]any{
				"session_id":       sess.ID(),
				"model":            model,
				"iterations":       result.Iterations,
				"total_tokens_in":  result.InputTokens,
				"total_tokens_out": result.OutputTokens,
				"elapsed_ms":       result.Elapsed.Milliseconds(),
			})
			return result, nil
		}

		results, execErr := o.runTools(ctx, sess.ID(), resp.Message.ToolCalls)
		o.history.AppendToolExchange(sess, resp.Message, results)
		if execErr != nil {
			log.Error("tool execution failed", "error", execErr)
			return nil, fmt.Errorf("%w: %w", ErrToolExecution, execErr)
		}
	}
}

// checkBudgets reports whether the loop must stop before the next
// model call, and why.
func (o *Orchestrator) checkBudgets(sess *conversation.Session, start, deadline time.Time, iterations int) (string, bool) {
	if sess.TakeInterrupt() {
		return AbortInterrupted, true
	}
	if iterations >= o.cfg.MaxIterations {
		return AbortMaxIterations, true
	}
	if !o.now().Before(deadline) {
		return AbortDeadline, true
	}
	return "", false
}

// abort closes out a stopped turn: a synthetic assistant message goes
// into history so the session ends on readable text, and the result
// carries the reason instead of an error.
func (o *Orchestrator) abort(sess *conversation.Session, result *TurnResult, reason string, start time.Time) *TurnResult {
	final := o.history.Append(sess, conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: "Tool loop stopped: " + abortText(reason),
	})
	result.Status = StatusAborted
	result.AbortReason = reason
	result.FinalMessage = final
	result.Elapsed = o.now().Sub(start)
	o.logger.Warn("turn aborted",
		"session_id", sess.ID(),
		"reason", reason,
		"iterations", result.Iterations)
	o.publish(events.KindTurnAborted, map[string]any{
		"session_id": sess.ID(),
		"reason":     reason,
		"iterations": result.Iterations,
		"elapsed_ms": result.Elapsed.Milliseconds(),
	})
	return result
}

func abortText(reason string) string {
	switch reason {
	case AbortMaxIterations:
		return "maximum iterations reached"
	case AbortDeadline:
		return "deadline exceeded"
	case AbortInterrupted:
		return "interrupted by user"
	default:
		return reason
	}
}

// runTools executes all calls from one model response concurrently
// and returns results in request order. If any execution fails at the
// infrastructure level, the failed slots are filled with synthetic
// error results so every call ID still gets a matching tool message,
// and the first error is returned.
func (o *Orchestrator) runTools(ctx context.Context, sessionID string, calls []conversation.ToolCall) ([]conversation.ToolResult, error) {
	results := make([]conversation.ToolResult, len(calls))
	filled := make([]bool, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrentTools)
	for i, call := range calls {
		g.Go(func() error {
			started := o.now()
			o.publish(events.KindToolCall, map[string]any{
				"session_id": sessionID,
				"tool":       call.Name,
				"call_id":    call.ID,
			})
			res, err := o.tools.Execute(gctx, call)
			if err != nil {
				return err
			}
			results[i] = res
			filled[i] = true
			o.publish(events.KindToolDone, map[string]any{
				"session_id":  sessionID,
				"tool":        call.Name,
				"call_id":     call.ID,
				"ok":          !res.IsError,
				"duration_ms": o.now().Sub(started).Milliseconds(),
			})
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		for i, call := range calls {
			if filled[i] {
				continue
			}
			results[i] = conversation.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: "Tool execution aborted: " + err.Error(),
				IsError: true,
			}
		}
	}
	return results, err
}

func (o *Orchestrator) publish(kind string, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Timestamp: o.now(),
		Source:    events.SourceLoop,
		Kind:      kind,
		Data:      data,
	})
}

// Describe renders a short human-readable summary of a turn result,
// used by the CLI ask command.
func (r *TurnResult) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s iterations=%d tokens=%d/%d elapsed=%s",
		r.Status, r.Iterations, r.InputTokens, r.OutputTokens, r.Elapsed.Round(time.Millisecond))
	if r.AbortReason != "" {
		fmt.Fprintf(&b, " reason=%s", r.AbortReason)
	}
	return b.String()
}
