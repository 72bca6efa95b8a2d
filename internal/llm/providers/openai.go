package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexusd/internal/llm"
)

// OpenAIProvider talks to the OpenAI chat completions API and to
// compatible endpoints (OpenRouter, Ollama, vLLM) through BaseURL.
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI-compatible adapter registered under
// name. A missing API key is allowed when BaseURL points at a local server.
func NewOpenAIProvider(name string, cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIProvider{name: name, client: openai.NewClientWithConfig(clientCfg)}, nil
}

// Name returns the provider prefix.
func (p *OpenAIProvider) Name() string { return p.name }

// Chat sends one chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, model string, req *llm.Request) (*llm.Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	completion, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	resp := &llm.Response{
		Usage: llm.Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		},
	}
	if len(completion.Choices) == 0 {
		return resp, nil
	}
	choice := completion.Choices[0]
	resp.Content = choice.Message.Content
	resp.StopReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return resp, nil
}

func (p *OpenAIProvider) convertMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out := openai.ChatCompletionMessage{Content: msg.Content}
		switch msg.Role {
		case llm.RoleSystem:
			out.Role = openai.ChatMessageRoleSystem
		case llm.RoleAssistant:
			out.Role = openai.ChatMessageRoleAssistant
			for _, call := range msg.ToolCalls {
				args := string(call.Arguments)
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
		case llm.RoleTool:
			out.Role = openai.ChatMessageRoleTool
			out.ToolCallID = msg.ToolCallID
			out.Name = msg.Name
		default:
			out.Role = openai.ChatMessageRoleUser
		}
		result = append(result, out)
	}
	return result
}

func (p *OpenAIProvider) convertTools(tools []llm.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap(tool.Parameters),
			},
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := llm.NewProviderError(p.name, model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok {
			perr.WithCode(code)
		}
		if perr.Code == "context_length_exceeded" || llm.IsContextLengthMessage(apiErr.Message) {
			return contextOverflow(p.name, perr)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		perr := llm.NewProviderError(p.name, model, err).WithStatus(reqErr.HTTPStatusCode)
		if llm.IsContextLengthMessage(err.Error()) {
			return contextOverflow(p.name, perr)
		}
		return perr
	}
	return llm.NewProviderError(p.name, model, err)
}
