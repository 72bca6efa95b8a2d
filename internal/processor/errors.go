package processor

import (
	"context"
	"errors"

	"github.com/haasonsaas/nexusd/internal/agent"
	"github.com/haasonsaas/nexusd/internal/llm"
)

// Replies sent to the chat when a unit fails.
const (
	MsgToolLoopExhausted = "I had to stop after too many tool calls without reaching an answer. Please try a narrower request."
	MsgServiceError      = "I couldn't get a response from the language model right now. Please try again in a moment."
	MsgUnexpectedError   = "Something went wrong while processing your message. Please try again."
)

// UserMessage maps a unit error to the reply shown in the chat. visible is
// false for cancellation, which is never reported to the user.
func UserMessage(err error) (text string, visible bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, context.Canceled):
		return "", false
	case errors.Is(err, agent.ErrToolLoopExhausted):
		return MsgToolLoopExhausted, true
	case isKnown(err):
		return MsgServiceError, true
	default:
		return MsgUnexpectedError, true
	}
}

func isKnown(err error) bool {
	var routing *llm.RoutingError
	var provider *llm.ProviderError
	var all *llm.AllProvidersFailedError
	return errors.As(err, &routing) ||
		errors.As(err, &provider) ||
		errors.As(err, &all) ||
		errors.Is(err, llm.ErrContextLengthExceeded) ||
		errors.Is(err, context.DeadlineExceeded)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, agent.ErrToolLoopExhausted):
		return "tool_loop_exhausted"
	case errors.Is(err, llm.ErrContextLengthExceeded):
		return "context_length"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case isKnown(err):
		return "llm"
	default:
		return "internal"
	}
}
