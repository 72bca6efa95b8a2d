package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/nexusd/internal/llm"
)

// bedrockConverser is the slice of the Bedrock runtime client the adapter
// uses.
type bedrockConverser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider talks to AWS Bedrock through the Converse API.
type BedrockProvider struct {
	name   string
	client bedrockConverser
}

// NewBedrockProvider creates a Bedrock adapter registered under name.
// Static credentials are used when configured, the default AWS chain
// otherwise.
func NewBedrockProvider(ctx context.Context, name string, cfg Config) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.BaseURL != "" {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		}
	})
	return &BedrockProvider{name: name, client: client}, nil
}

// Name returns the provider prefix.
func (p *BedrockProvider) Name() string { return p.name }

// Chat sends one Converse request.
func (p *BedrockProvider) Chat(ctx context.Context, model string, req *llm.Request) (*llm.Response, error) {
	system, rest := llm.SplitSystem(req.Messages)
	messages, err := p.convertMessages(rest)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(min(req.MaxTokens, math.MaxInt32)))}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = p.convertTools(req.Tools)
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	resp := &llm.Response{StopReason: string(out.StopReason)}
	if out.Usage != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			args := json.RawMessage("{}")
			if b.Value.Input != nil {
				var decoded any
				if err := b.Value.Input.UnmarshalSmithyDocument(&decoded); err == nil {
					if encoded, err := json.Marshal(decoded); err == nil {
						args = encoded
					}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: args,
			})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func (p *BedrockProvider) convertMessages(messages []llm.Message) ([]types.Message, error) {
	var result []types.Message
	for _, group := range groupTurns(messages) {
		var content []types.ContentBlock
		for _, msg := range group.messages {
			switch msg.Role {
			case llm.RoleTool:
				block := types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Content}},
				}
				if msg.IsError {
					block.Status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{Value: block})
			default:
				if msg.Content != "" {
					content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
				}
				for _, call := range msg.ToolCalls {
					args, err := decodeArgs(call.Arguments)
					if err != nil {
						return nil, fmt.Errorf("bedrock: tool call %s: %w", call.ID, err)
					}
					content = append(content, &types.ContentBlockMemberToolUse{
						Value: types.ToolUseBlock{
							ToolUseId: aws.String(call.ID),
							Name:      aws.String(call.Name),
							Input:     document.NewLazyDocument(args),
						},
					})
				}
			}
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if group.role == llm.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result, nil
}

func (p *BedrockProvider) convertTools(tools []llm.ToolDefinition) *types.ToolConfiguration {
	specs := make([]types.Tool, len(tools))
	for i, tool := range tools {
		specs[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaMap(tool.Parameters))},
			},
		}
	}
	return &types.ToolConfiguration{Tools: specs}
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	perr := llm.NewProviderError(p.name, model, err)

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		perr.WithStatus(respErr.HTTPStatusCode()).WithRequestID(respErr.ServiceRequestID())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		perr.WithCode(apiErr.ErrorCode()).WithMessage(apiErr.ErrorMessage())
		if perr.Status == 0 && apiErr.ErrorCode() == "ThrottlingException" {
			perr.WithStatus(429)
		}
	}
	if perr.Code == "ValidationException" && llm.IsContextLengthMessage(perr.Message) {
		return contextOverflow(p.name, perr)
	}
	// With no HTTP status the router classifies perr by its transport cause.
	return perr
}
