package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CurrentTimeTool reports the current time, optionally in a named zone.
type CurrentTimeTool struct {
	now func() time.Time
}

type currentTimeParams struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Berlin. Defaults to the server zone."`
}

// NewCurrentTimeTool creates the current_time tool.
func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Name() string { return "current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Returns the current date and time in RFC 3339 format."
}

func (t *CurrentTimeTool) Schema() json.RawMessage {
	return SchemaFor[currentTimeParams]()
}

func (t *CurrentTimeTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p currentTimeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}
	now := t.now()
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return &Result{Content: fmt.Sprintf("unknown timezone %q", tz), IsError: true}, nil
		}
		now = now.In(loc)
	}
	return &Result{Content: now.Format(time.RFC3339)}, nil
}

// MemoryAppender persists facts to core memory.
type MemoryAppender interface {
	AppendMemory(line string) error
}

// RememberTool appends a fact to core memory so that it is part of every
// future system prompt.
type RememberTool struct {
	memory MemoryAppender
}

type rememberParams struct {
	Fact string `json:"fact" jsonschema:"description=A short self-contained fact to remember,minLength=1"`
}

// NewRememberTool creates the remember tool.
func NewRememberTool(memory MemoryAppender) *RememberTool {
	return &RememberTool{memory: memory}
}

func (t *RememberTool) Name() string { return "remember" }

func (t *RememberTool) Description() string {
	return "Stores a fact in long-term memory. Use for durable user preferences and facts."
}

func (t *RememberTool) Schema() json.RawMessage {
	return SchemaFor[rememberParams]()
}

func (t *RememberTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	if t.memory == nil {
		return nil, errors.New("memory is not configured")
	}
	var p rememberParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}
	fact := strings.Join(strings.Fields(p.Fact), " ")
	if fact == "" {
		return &Result{Content: "fact is empty", IsError: true}, nil
	}
	if err := t.memory.AppendMemory(fact); err != nil {
		return nil, fmt.Errorf("append memory: %w", err)
	}
	return &Result{Content: "remembered: " + fact}, nil
}

// RegisterBuiltins registers the built-in tools. memory may be nil, in which
// case remember is not registered.
func RegisterBuiltins(r *Registry, memory MemoryAppender) error {
	if err := r.Register(NewCurrentTimeTool()); err != nil {
		return err
	}
	if memory == nil {
		return nil
	}
	return r.Register(NewRememberTool(memory))
}
