// Package agent runs the bounded model/tool exchange for one processing unit.
package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/observability"
)

// DefaultMaxRounds is the default number of model calls per run.
const DefaultMaxRounds = 10

// ChatClient sends one request through the routing layer.
type ChatClient interface {
	Chat(ctx context.Context, modelID string, req *llm.Request) (*llm.Response, error)
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// Message converts the result to a tool-role conversation message.
func (r ToolResult) Message() llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
		Name:       r.Name,
		IsError:    r.IsError,
	}
}

// ToolExecutor executes a batch of tool calls. Results are returned in call
// order; failures are reported as error results, not Go errors.
type ToolExecutor interface {
	Execute(ctx context.Context, calls []llm.ToolCall) []ToolResult
}

// TurnRecorder persists intermediate turns produced by the loop.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, msg llm.Message) error
}

// Conversation is the ordered, mutable message list for one run.
type Conversation struct {
	Messages []llm.Message
}

// NewConversation creates a conversation seeded with msgs.
func NewConversation(msgs ...llm.Message) *Conversation {
	return &Conversation{Messages: append([]llm.Message(nil), msgs...)}
}

// Append adds messages to the end of the conversation.
func (c *Conversation) Append(msgs ...llm.Message) {
	c.Messages = append(c.Messages, msgs...)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// Runner drives the tool-call loop.
type Runner struct {
	client    ChatClient
	executor  ToolExecutor
	maxRounds int
	maxTokens int
	logger    *slog.Logger
	tracer    *observability.Tracer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxRounds limits the number of model calls per run.
func WithMaxRounds(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxRounds = n
		}
	}
}

// WithMaxTokens sets the completion budget per model call.
func WithMaxTokens(n int) RunnerOption {
	return func(r *Runner) {
		r.maxTokens = n
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer traces tool execution batches.
func WithTracer(t *observability.Tracer) RunnerOption {
	return func(r *Runner) {
		r.tracer = t
	}
}

// NewRunner creates a runner. executor may be nil when no tools are offered.
func NewRunner(client ChatClient, executor ToolExecutor, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:    client,
		executor:  executor,
		maxRounds: DefaultMaxRounds,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "agent")
	return r
}

// MaxRounds returns the configured round limit.
func (r *Runner) MaxRounds() int {
	return r.maxRounds
}

// Run sends conv to the model until it answers without tool calls. Each
// round with tool calls appends one assistant message carrying the calls
// and one tool message per result to conv, and hands them to recorder when
// it is non-nil. After MaxRounds calls without a final answer Run returns a
// *LoopError wrapping ErrToolLoopExhausted.
func (r *Runner) Run(ctx context.Context, conv *Conversation, tools []llm.ToolDefinition, modelID string, recorder TurnRecorder) (*llm.Response, error) {
	for round := 1; round <= r.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := r.client.Chat(ctx, modelID, &llm.Request{
			Messages:  conv.Messages,
			Tools:     tools,
			MaxTokens: r.maxTokens,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, &LoopError{ModelID: modelID, Round: round, MaxRounds: r.maxRounds, Err: err}
		}
		if !resp.HasToolCalls() {
			return resp, nil
		}

		assistant := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		results := r.execute(ctx, resp.ToolCalls)

		turn := make([]llm.Message, 0, len(results)+1)
		turn = append(turn, assistant)
		for _, res := range results {
			turn = append(turn, res.Message())
		}
		conv.Append(turn...)
		r.record(ctx, recorder, turn)

		r.logger.Debug("tool round complete",
			"model", modelID,
			"round", round,
			"tool_calls", len(resp.ToolCalls),
		)
	}

	r.logger.Warn("tool loop exhausted", "model", modelID, "max_rounds", r.maxRounds)
	return nil, &LoopError{ModelID: modelID, Round: r.maxRounds, MaxRounds: r.maxRounds, Err: ErrToolLoopExhausted}
}

// execute runs calls and guarantees one result per call, in call order.
func (r *Runner) execute(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	ctx, span := r.tracer.Start(ctx, "tool_batch", "tool.count", len(calls))
	defer span.End()

	var results []ToolResult
	if r.executor != nil {
		results = r.executor.Execute(ctx, calls)
	}

	byID := make(map[string]ToolResult, len(results))
	for _, res := range results {
		byID[res.ToolCallID] = res
	}
	ordered := make([]ToolResult, len(calls))
	for i, call := range calls {
		var (
			res ToolResult
			ok  bool
		)
		if len(results) == len(calls) {
			res, ok = results[i], true
		} else {
			res, ok = byID[call.ID]
		}
		if !ok {
			res = ToolResult{Content: "tool not available: " + call.Name, IsError: true}
		}
		res.ToolCallID = call.ID
		res.Name = call.Name
		ordered[i] = res
	}
	return ordered
}

func (r *Runner) record(ctx context.Context, recorder TurnRecorder, turn []llm.Message) {
	if recorder == nil {
		return
	}
	for _, msg := range turn {
		if err := recorder.RecordTurn(ctx, msg); err != nil {
			r.logger.Warn("failed to record tool turn", "error", err)
			return
		}
	}
}
