// Package providers adapts vendor SDKs to the llm.Provider interface.
//
// Adapters are non-streaming and single-shot: SDK-level retries are
// disabled because the llm.Router owns retry and fallback policy. Every
// adapter reports HTTP failures as *llm.ProviderError with the status set,
// and prompt overflows as llm.ErrContextLengthExceeded.
package providers

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexusd/internal/llm"
)

// decodeArgs parses tool call arguments into a map, tolerating empty input.
func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// schemaMap parses a tool's JSON schema, defaulting to an empty object
// schema when it is missing or malformed.
func schemaMap(raw json.RawMessage) map[string]any {
	var schema map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &schema) == nil && schema != nil {
		return schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// messageGroup is a run of conversation messages that a provider sends as
// one turn: consecutive tool results answer the same assistant turn.
type messageGroup struct {
	role     llm.Role
	messages []llm.Message
}

func groupTurns(messages []llm.Message) []messageGroup {
	var groups []messageGroup
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			continue
		}
		n := len(groups)
		if msg.Role == llm.RoleTool && n > 0 && groups[n-1].role == llm.RoleTool {
			groups[n-1].messages = append(groups[n-1].messages, msg)
			continue
		}
		groups = append(groups, messageGroup{role: msg.Role, messages: []llm.Message{msg}})
	}
	return groups
}

// contextOverflow wraps err so that errors.Is(err, llm.ErrContextLengthExceeded)
// holds while the provider detail stays in the message.
func contextOverflow(provider string, err error) error {
	return fmt.Errorf("%s: %w: %v", provider, llm.ErrContextLengthExceeded, err)
}
