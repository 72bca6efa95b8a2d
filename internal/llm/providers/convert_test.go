package providers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/nexusd/internal/llm"
)

func TestGroupTurns(t *testing.T) {
	groups := groupTurns([]llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "a"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1"}, {ID: "2"}}},
		{Role: llm.RoleTool, ToolCallID: "1"},
		{Role: llm.RoleTool, ToolCallID: "2"},
		{Role: llm.RoleAssistant, Content: "b"},
		{Role: llm.RoleUser, Content: "c"},
		{Role: llm.RoleUser, Content: "d"},
	})

	want := []struct {
		role llm.Role
		n    int
	}{
		{llm.RoleUser, 1},
		{llm.RoleAssistant, 1},
		{llm.RoleTool, 2},
		{llm.RoleAssistant, 1},
		{llm.RoleUser, 1},
		{llm.RoleUser, 1},
	}
	if len(groups) != len(want) {
		t.Fatalf("got %d groups, want %d", len(groups), len(want))
	}
	for i, w := range want {
		if groups[i].role != w.role || len(groups[i].messages) != w.n {
			t.Errorf("group %d = %s/%d, want %s/%d", i, groups[i].role, len(groups[i].messages), w.role, w.n)
		}
	}
}

func TestDecodeArgs(t *testing.T) {
	tests := []struct {
		raw     string
		wantLen int
		wantErr bool
	}{
		{raw: "", wantLen: 0},
		{raw: "null", wantLen: 0},
		{raw: `{"a":1,"b":"x"}`, wantLen: 2},
		{raw: `[1,2]`, wantErr: true},
	}
	for _, tt := range tests {
		args, err := decodeArgs(json.RawMessage(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeArgs(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && len(args) != tt.wantLen {
			t.Errorf("decodeArgs(%q) len = %d, want %d", tt.raw, len(args), tt.wantLen)
		}
	}
}

func TestSchemaMap_DefaultsToObject(t *testing.T) {
	for _, raw := range []string{"", "not json", "null"} {
		m := schemaMap(json.RawMessage(raw))
		if m["type"] != "object" {
			t.Errorf("schemaMap(%q) = %v", raw, m)
		}
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), "mystery", Config{APIKey: "k"})
	if err == nil || !strings.Contains(err.Error(), "unknown provider type") {
		t.Errorf("New() error = %v", err)
	}
}

func TestNew_TypeFromName(t *testing.T) {
	p, err := New(context.Background(), "OpenRouter", Config{APIKey: "k", BaseURL: "https://openrouter.ai/api/v1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Name() != "openrouter" {
		t.Errorf("Name() = %q, want openrouter", p.Name())
	}
}
