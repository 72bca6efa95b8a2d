package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexusd/internal/wire"
)

// CLI commands understood by HandleCliRequest.
const (
	CLIStatus = "status"
	CLIModels = "models"
	CLIChat   = "chat"
	CLITask   = "task"
	CLINew    = "new"
)

// HandleCliRequest serves one request from the command line client.
func (p *Processor) HandleCliRequest(ctx context.Context, req wire.CliRequest) wire.CliResponse {
	result, err := p.handleCLI(ctx, req)
	if err != nil {
		return wire.CliResponse{Error: err.Error()}
	}
	return wire.CliResponse{OK: true, Result: result}
}

func (p *Processor) handleCLI(ctx context.Context, req wire.CliRequest) (string, error) {
	switch strings.ToLower(strings.TrimSpace(req.Command)) {
	case CLIStatus:
		return p.statusText(), nil
	case CLIModels:
		return p.modelsText(), nil
	case CLIChat:
		return p.cliChat(ctx, req)
	case CLITask:
		name := strings.TrimSpace(req.Param("name"))
		if name == "" || strings.TrimSpace(req.Param("message")) == "" {
			return "", fmt.Errorf("task requires name and message")
		}
		if model := req.Param("model"); model != "" {
			if _, err := p.router.Resolve(model); err != nil {
				return "", err
			}
		}
		err := p.HandleScheduledMessage(ctx, ScheduledMessage{
			Name:         name,
			Message:      req.Param("message"),
			Model:        req.Param("model"),
			InjectChatID: req.Param("inject_chat_id"),
		})
		if err != nil {
			return "", err
		}
		return "task " + name + " started", nil
	case CLINew:
		chatID := strings.TrimSpace(req.Param("chat_id"))
		if chatID == "" {
			return "", fmt.Errorf("new requires chat_id")
		}
		if err := p.resetSession(ctx, chatID); err != nil {
			return "", err
		}
		return "started a new conversation for " + chatID, nil
	default:
		return "", fmt.Errorf("unknown command %q", req.Command)
	}
}

// cliChat runs one interactive unit synchronously and returns the answer
// instead of pushing it to the gateway.
func (p *Processor) cliChat(ctx context.Context, req wire.CliRequest) (string, error) {
	chatID := strings.TrimSpace(req.Param("chat_id"))
	content := strings.TrimSpace(req.Param("content"))
	if chatID == "" || content == "" {
		return "", fmt.Errorf("chat requires chat_id and content")
	}
	model := strings.TrimSpace(req.Param("model"))
	if model != "" {
		if _, err := p.router.Resolve(model); err != nil {
			return "", err
		}
	}
	if p.isClosed() {
		return "", ErrClosed
	}

	// Bound the unit by both the caller and the processor scope.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	permit, err := p.limiter.AcquireInteractive(ctx)
	if err != nil {
		return "", err
	}
	defer permit.Release()

	reply, err := p.run(ctx, turn{chatID: chatID, content: content, model: model})
	if err != nil {
		if text, visible := UserMessage(err); visible {
			p.logger.ErrorContext(ctx, "cli chat failed", "chat_id", chatID, "error", err)
			return "", fmt.Errorf("%s (%w)", text, err)
		}
		return "", err
	}
	return reply, nil
}

func (p *Processor) statusText() string {
	stats := p.limiter.Stats()
	var sb strings.Builder
	fmt.Fprintf(&sb, "gateway connected: %t\n", p.gatewayConnected())
	fmt.Fprintf(&sb, "default model: %s\n", p.config.DefaultModel)
	fmt.Fprintf(&sb, "llm slots: %d in use of %d (%d reserved for interactive)\n",
		stats.InUseInteractive+stats.InUseSubagent, stats.Max, stats.Reserved)
	fmt.Fprintf(&sb, "waiting: %d interactive, %d background\n", stats.WaitingInteractive, stats.WaitingSubagent)
	fmt.Fprintf(&sb, "debounce: %d chats, %d messages pending", p.debouncer.PendingCount(), p.debouncer.PendingItems())
	return sb.String()
}

func (p *Processor) modelsText() string {
	var sb strings.Builder
	for i, m := range p.router.Models() {
		if i > 0 {
			sb.WriteString("\n")
		}
		marker := " "
		if m.ID == p.config.DefaultModel {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %s (context %d)", marker, m.ID, m.ContextWindow)
		if m.Description != "" {
			sb.WriteString(" - ")
			sb.WriteString(m.Description)
		}
	}
	return sb.String()
}
