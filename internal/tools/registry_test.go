package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTool struct {
	name    string
	schema  string
	calls   atomic.Int32
	execute func(ctx context.Context, params json.RawMessage) (*Result, error)
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "fake " + f.name }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(f.schema) }

func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	f.calls.Add(1)
	if f.execute != nil {
		return f.execute(ctx, params)
	}
	return &Result{Content: string(params)}, nil
}

const echoSchema = `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`

func TestRegistryRegister(t *testing.T) {
	tests := []struct {
		name    string
		tool    *fakeTool
		wantErr bool
	}{
		{name: "valid", tool: &fakeTool{name: "echo", schema: echoSchema}},
		{name: "empty name", tool: &fakeTool{name: "", schema: echoSchema}, wantErr: true},
		{name: "bad characters", tool: &fakeTool{name: "echo tool", schema: echoSchema}, wantErr: true},
		{name: "too long", tool: &fakeTool{name: strings.Repeat("a", MaxToolNameLength+1), schema: echoSchema}, wantErr: true},
		{name: "broken schema", tool: &fakeTool{name: "broken", schema: `{"type":`}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tt.tool)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "echo", schema: echoSchema}); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register(&fakeTool{name: "echo", schema: echoSchema}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&fakeTool{name: name, schema: echoSchema}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("len(defs) = %d, want 3", len(defs))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if defs[i].Name != want {
			t.Errorf("defs[%d].Name = %q, want %q", i, defs[i].Name, want)
		}
	}
	if got := r.Descriptions()[0]; got != "alpha: fake alpha" {
		t.Errorf("Descriptions()[0] = %q", got)
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	echo := &fakeTool{name: "echo", schema: echoSchema}
	if err := r.Register(echo); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	empty := &fakeTool{name: "noargs", schema: `{"type":"object"}`}
	if err := r.Register(empty); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name        string
		tool        string
		params      string
		wantError   bool
		wantContent string
	}{
		{name: "valid", tool: "echo", params: `{"text":"hi"}`, wantContent: `{"text":"hi"}`},
		{name: "unknown tool", tool: "missing", params: `{}`, wantError: true, wantContent: "tool not found: missing"},
		{name: "missing required", tool: "echo", params: `{}`, wantError: true},
		{name: "wrong type", tool: "echo", params: `{"text":3}`, wantError: true},
		{name: "not json", tool: "echo", params: `{text`, wantError: true},
		{name: "empty params", tool: "noargs", params: ``, wantContent: `{}`},
		{name: "null params", tool: "noargs", params: `null`, wantContent: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Execute(context.Background(), tt.tool, json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v (content %q)", res.IsError, tt.wantError, res.Content)
			}
			if tt.wantContent != "" && res.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", res.Content, tt.wantContent)
			}
		})
	}
	if got := echo.calls.Load(); got != 1 {
		t.Errorf("echo executed %d times, want 1 (invalid calls must not reach the tool)", got)
	}
}

func TestRegistryExecuteOversizedParams(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "echo", schema: echoSchema}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	big := make([]byte, MaxToolParamsSize+1)
	res, err := r.Execute(context.Background(), "echo", big)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "maximum size") {
		t.Errorf("result = %+v, want size error", res)
	}
}

func TestRegistryExecutePropagatesToolError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	if err := r.Register(&fakeTool{name: "fail", schema: `{"type":"object"}`, execute: func(context.Context, json.RawMessage) (*Result, error) {
		return nil, boom
	}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Execute(context.Background(), "fail", nil); !errors.Is(err, boom) {
		t.Errorf("Execute() error = %v, want %v", err, boom)
	}
}

func TestSchemaForRequiredFields(t *testing.T) {
	type params struct {
		Query string `json:"query" jsonschema:"description=search query"`
		Limit int    `json:"limit,omitempty"`
	}
	var schema struct {
		Type       string                     `json:"type"`
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(SchemaFor[params](), &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("type = %q, want object", schema.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "query" {
		t.Errorf("required = %v, want [query]", schema.Required)
	}
	if _, ok := schema.Properties["limit"]; !ok {
		t.Error("limit property missing")
	}

	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "search", schema: string(SchemaFor[params]())}); err != nil {
		t.Fatalf("reflected schema does not compile: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
