package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexusd/internal/llm"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	name   string
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic adapter registered under name.
func NewAnthropicProvider(name string, cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &AnthropicProvider{name: name, client: anthropic.NewClient(opts...)}, nil
}

// Name returns the provider prefix.
func (p *AnthropicProvider) Name() string { return p.name }

// Chat sends one Messages request.
func (p *AnthropicProvider) Chat(ctx context.Context, model string, req *llm.Request) (*llm.Response, error) {
	system, rest := llm.SplitSystem(req.Messages)
	messages, err := p.convertMessages(rest)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	resp := &llm.Response{
		StopReason: string(msg.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func (p *AnthropicProvider) convertMessages(messages []llm.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, group := range groupTurns(messages) {
		var content []anthropic.ContentBlockParamUnion
		for _, msg := range group.messages {
			switch msg.Role {
			case llm.RoleTool:
				content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			default:
				if msg.Content != "" {
					content = append(content, anthropic.NewTextBlock(msg.Content))
				}
				for _, call := range msg.ToolCalls {
					input, err := decodeArgs(call.Arguments)
					if err != nil {
						return nil, fmt.Errorf("anthropic: tool call %s: %w", call.ID, err)
					}
					content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
				}
			}
		}
		if len(content) == 0 {
			continue
		}
		if group.role == llm.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []llm.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return llm.NewProviderError(p.name, model, err)
	}

	perr := llm.NewProviderError(p.name, model, err).
		WithStatus(apiErr.StatusCode).
		WithRequestID(apiErr.RequestID)
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			perr.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			perr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			perr.WithRequestID(payload.RequestID)
		}
	}
	if apiErr.StatusCode == 400 && llm.IsContextLengthMessage(perr.Message) {
		return contextOverflow(p.name, perr)
	}
	return perr
}
