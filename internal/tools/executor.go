package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/nexusd/internal/agent"
	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/retry"
)

var (
	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")
)

// ExecutorConfig configures the parallel tool executor.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions
	// Default: 5
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`

	// Timeout bounds a single execution attempt
	// Default: 30s
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// Retries is the number of extra attempts after a timeout
	// Default: 1
	Retries int `yaml:"retries" env:"RETRIES"`

	// RetryBackoff is the initial backoff between attempts
	// Default: 100ms
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency: 5,
		Timeout:        30 * time.Second,
		Retries:        1,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// Executor runs tool calls from a Registry in parallel with a concurrency
// limit, per-attempt timeouts and panic recovery. It implements
// agent.ToolExecutor.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	sem      chan struct{}
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, config ExecutorConfig, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Executor {
	defaults := DefaultExecutorConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
		logger:   logger.With("component", "tools"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Execute runs calls in parallel. Results are returned in call order.
func (e *Executor) Execute(ctx context.Context, calls []llm.ToolCall) []agent.ToolResult {
	results := make([]agent.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc llm.ToolCall) {
			defer wg.Done()
			results[idx] = e.executeOne(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, call llm.ToolCall) agent.ToolResult {
	out := agent.ToolResult{ToolCallID: call.ID, Name: call.Name}
	start := time.Now()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		out.Content = "tool execution cancelled"
		out.IsError = true
		return out
	}

	ctx, span := e.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	policy := retry.Policy{
		MaxRetries:     e.config.Retries,
		InitialBackoff: e.config.RetryBackoff,
		Multiplier:     2,
		MaxBackoff:     5 * time.Second,
	}
	res, outcome := retry.DoWithValue(ctx, policy, isTimeout, func(int) (*Result, error) {
		return e.attempt(ctx, call)
	})

	status := "success"
	switch {
	case outcome.Err != nil:
		status = "error"
		out.Content = outcome.Err.Error()
		out.IsError = true
		observability.RecordError(span, outcome.Err)
		e.logger.Warn("tool execution failed",
			"tool", call.Name,
			"attempts", outcome.Attempts,
			"error", outcome.Err,
		)
	case res == nil:
		out.Content = ""
	default:
		out.Content = res.Content
		out.IsError = res.IsError
		if res.IsError {
			status = "tool_error"
		}
	}
	e.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	return out
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrToolTimeout)
}

// attempt runs the tool once with the configured timeout.
func (e *Executor) attempt(ctx context.Context, call llm.ToolCall) (*Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type execResult struct {
		result *Result
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
				resultCh <- execResult{err: fmt.Errorf("%w: %s: %v", ErrToolPanic, call.Name, r)}
			}
		}()
		result, err := e.registry.Execute(execCtx, call.Name, call.Arguments)
		resultCh <- execResult{result: result, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, call.Name, e.config.Timeout)
		}
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, call.Name, e.config.Timeout)
	}
}

var _ agent.ToolExecutor = (*Executor)(nil)
