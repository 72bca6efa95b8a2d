package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/nexusd/internal/llm"
)

type fakeConverser struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverser) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = params
	return f.out, f.err
}

func TestBedrockChat(t *testing.T) {
	fake := &fakeConverser{out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "checking"},
				&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String("tu-1"),
					Name:      aws.String("current_time"),
					Input:     document.NewLazyDocument(map[string]any{"zone": "UTC"}),
				}},
			},
		}},
		StopReason: types.StopReasonToolUse,
		Usage:      &types.TokenUsage{InputTokens: aws.Int32(5), OutputTokens: aws.Int32(3)},
	}}
	p := &BedrockProvider{name: "bedrock", client: fake}

	resp, err := p.Chat(context.Background(), "anthropic.claude-v2", &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "sys"},
			{Role: llm.RoleUser, Content: "time?"},
		},
		Tools:     []llm.ToolDefinition{{Name: "current_time", Parameters: json.RawMessage(`{"type":"object"}`)}},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "checking" || len(resp.ToolCalls) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	var args map[string]any
	if err := json.Unmarshal(resp.ToolCalls[0].Arguments, &args); err != nil || args["zone"] != "UTC" {
		t.Errorf("Arguments = %s (%v)", resp.ToolCalls[0].Arguments, err)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	if aws.ToString(fake.input.ModelId) != "anthropic.claude-v2" {
		t.Errorf("ModelId = %v", aws.ToString(fake.input.ModelId))
	}
	if len(fake.input.System) != 1 || len(fake.input.Messages) != 1 {
		t.Errorf("system/messages = %d/%d", len(fake.input.System), len(fake.input.Messages))
	}
	if fake.input.ToolConfig == nil || len(fake.input.ToolConfig.Tools) != 1 {
		t.Error("tool config not sent")
	}
	if aws.ToInt32(fake.input.InferenceConfig.MaxTokens) != 256 {
		t.Error("max tokens not sent")
	}
}

func TestBedrockChat_Errors(t *testing.T) {
	t.Run("throttling", func(t *testing.T) {
		fake := &fakeConverser{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
		p := &BedrockProvider{name: "bedrock", client: fake}
		_, err := p.Chat(context.Background(), "m", &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
		var perr *llm.ProviderError
		if !errors.As(err, &perr) || perr.Status != 429 {
			t.Fatalf("error = %v, want status 429", err)
		}
		if !llm.IsRetryable(err) {
			t.Error("throttling should be retryable")
		}
	})

	t.Run("input too long", func(t *testing.T) {
		fake := &fakeConverser{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "Input is too long for requested model."}}
		p := &BedrockProvider{name: "bedrock", client: fake}
		_, err := p.Chat(context.Background(), "m", &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
		if !errors.Is(err, llm.ErrContextLengthExceeded) {
			t.Fatalf("error = %v, want ErrContextLengthExceeded", err)
		}
	})
}
