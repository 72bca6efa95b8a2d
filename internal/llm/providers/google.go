package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/nexusd/internal/llm"
)

// GoogleProvider talks to the Gemini API.
type GoogleProvider struct {
	name   string
	client *genai.Client
}

// NewGoogleProvider creates a Gemini adapter registered under name.
func NewGoogleProvider(ctx context.Context, name string, cfg Config) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleProvider{name: name, client: client}, nil
}

// Name returns the provider prefix.
func (p *GoogleProvider) Name() string { return p.name }

// Chat sends one GenerateContent request.
func (p *GoogleProvider) Chat(ctx context.Context, model string, req *llm.Request) (*llm.Response, error) {
	system, rest := llm.SplitSystem(req.Messages)
	contents, err := p.convertMessages(rest)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		config.Tools = p.convertTools(req.Tools)
	}

	result, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	resp := &llm.Response{}
	if result.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return resp, nil
	}
	candidate := result.Candidates[0]
	resp.StopReason = string(candidate.FinishReason)

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func (p *GoogleProvider) convertMessages(messages []llm.Message) ([]*genai.Content, error) {
	var result []*genai.Content
	for _, group := range groupTurns(messages) {
		content := &genai.Content{Role: genai.RoleUser}
		if group.role == llm.RoleAssistant {
			content.Role = genai.RoleModel
		}
		for _, msg := range group.messages {
			switch msg.Role {
			case llm.RoleTool:
				response := map[string]any{"output": msg.Content}
				if msg.IsError {
					response = map[string]any{"error": msg.Content}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.Name,
						Response: response,
					},
				})
			default:
				if msg.Content != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
				}
				for _, call := range msg.ToolCalls {
					args, err := decodeArgs(call.Arguments)
					if err != nil {
						return nil, fmt.Errorf("google: tool call %s: %w", call.ID, err)
					}
					content.Parts = append(content.Parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args},
					})
				}
			}
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func (p *GoogleProvider) convertTools(tools []llm.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap(tool.Parameters)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		perr := llm.NewProviderError(p.name, model, err).
			WithStatus(apiErr.Code).
			WithCode(apiErr.Status).
			WithMessage(apiErr.Message)
		if llm.IsContextLengthMessage(apiErr.Message) {
			return contextOverflow(p.name, perr)
		}
		return perr
	}
	return llm.NewProviderError(p.name, model, err)
}
