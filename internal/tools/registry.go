// Package tools holds the tools the model may call and executes their calls.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexusd/internal/llm"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 64

	// MaxToolParamsSize is the maximum size of tool parameters JSON (1MB).
	MaxToolParamsSize = 1 << 20
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Result is the output of one tool execution.
type Result struct {
	Content string
	IsError bool
}

// Tool is a function the model can call.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema of the parameters object.
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

type entry struct {
	tool   Tool
	schema *validator.Schema
}

// Registry manages available tools with thread-safe registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. The name must be unique and its schema must compile.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if len(name) > MaxToolNameLength || !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	compiled, err := validator.CompileString("tool://"+name, string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = entry{tool: tool, schema: compiled}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Names returns registered tool names, sorted.
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

// Definitions returns the tools in the form sent to providers.
func (r *Registry) Definitions() []llm.ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name].tool
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// Descriptions returns "name: description" lines for the system prompt.
func (r *Registry) Descriptions() []string {
	defs := r.Definitions()
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name + ": " + d.Description
	}
	return out
}

// Execute validates params against the tool's schema and runs it. Unknown
// tools and invalid parameters produce error results, not Go errors.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(params) > MaxToolParamsSize {
		return &Result{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{Content: "tool not found: " + name, IsError: true}, nil
	}

	if len(bytes.TrimSpace(params)) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return &Result{Content: "invalid tool parameters: " + err.Error(), IsError: true}, nil
	}
	if err := e.schema.Validate(decoded); err != nil {
		return &Result{Content: "invalid tool parameters: " + err.Error(), IsError: true}, nil
	}
	return e.tool.Execute(ctx, params)
}

// SchemaFor reflects the JSON schema of a parameters struct. Fields without
// omitempty are required; descriptions come from jsonschema tags.
func SchemaFor[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var v T
	schema := reflector.Reflect(&v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
