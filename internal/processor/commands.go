package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexusd/internal/commands"
	"github.com/haasonsaas/nexusd/internal/sessions"
	"github.com/haasonsaas/nexusd/internal/wire"
)

// HandleCommand runs a slash command synchronously, bypassing debounce and
// admission, and pushes the reply to the chat.
func (p *Processor) HandleCommand(ctx context.Context, cmd wire.Command) {
	p.metrics.MessageReceived(cmd.Channel, "command")
	p.rememberChannel(cmd.ChatID, cmd.Channel)

	reply := p.executeCommand(ctx, cmd)
	if reply == "" {
		return
	}
	p.push(ctx, wire.Outbound{Channel: cmd.Channel, ChatID: cmd.ChatID, Content: reply})
}

func (p *Processor) executeCommand(ctx context.Context, cmd wire.Command) string {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cmd.Name), "/"))
	if strings.TrimSpace(cmd.ChatID) == "" {
		return ""
	}
	res, err := p.commands.Execute(ctx, &commands.Invocation{
		Name:    name,
		Args:    strings.TrimSpace(cmd.Args),
		Channel: cmd.Channel,
		ChatID:  cmd.ChatID,
	})
	switch {
	case errors.Is(err, commands.ErrUnknownCommand):
		return fmt.Sprintf("Unknown command /%s. Send /help for the list of commands.", name)
	case err != nil:
		p.logger.ErrorContext(ctx, "command failed", "command", name, "chat_id", cmd.ChatID, "error", err)
		return MsgUnexpectedError
	case res == nil:
		return ""
	default:
		return res.Text
	}
}

func (p *Processor) registerCommands() error {
	builtins := []*commands.Command{
		{
			Name:        "new",
			Aliases:     []string{"reset"},
			Description: "Start a new conversation",
			Handler:     p.cmdNew,
		},
		{
			Name:        "model",
			Description: "Show or switch the model for this chat",
			Usage:       "/model [provider/model]",
			AcceptsArgs: true,
			Handler:     p.cmdModel,
		},
		{
			Name:        "status",
			Description: "Show session and engine status",
			Handler:     p.cmdStatus,
		},
		{
			Name:        "help",
			Description: "List commands",
			Handler: func(context.Context, *commands.Invocation) (*commands.Result, error) {
				return &commands.Result{Text: p.commands.Help()}, nil
			},
		},
	}
	for _, cmd := range builtins {
		if err := p.commands.Register(cmd); err != nil {
			return fmt.Errorf("register /%s: %w", cmd.Name, err)
		}
	}
	return nil
}

// resetSession starts a new segment and records the break marker.
func (p *Processor) resetSession(ctx context.Context, chatID string) error {
	if _, err := p.store.GetOrCreate(ctx, chatID, p.config.DefaultModel); err != nil {
		return err
	}
	at := p.now()
	if err := p.store.ResetSegment(ctx, chatID, at); err != nil {
		return err
	}
	return p.store.AppendSessionBreak(ctx, chatID, at)
}

func (p *Processor) cmdNew(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	if err := p.resetSession(ctx, inv.ChatID); err != nil {
		return nil, err
	}
	return &commands.Result{Text: "Started a new conversation."}, nil
}

func (p *Processor) cmdModel(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	sess, err := p.store.GetOrCreate(ctx, inv.ChatID, p.config.DefaultModel)
	if err != nil {
		return nil, err
	}
	requested := strings.TrimSpace(inv.Args)
	if requested == "" {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Current model: %s\nAvailable:", sess.Model)
		for _, m := range p.router.Models() {
			sb.WriteString("\n- ")
			sb.WriteString(m.ID)
		}
		return &commands.Result{Text: sb.String()}, nil
	}
	route, err := p.router.Resolve(requested)
	if err != nil {
		return &commands.Result{Text: fmt.Sprintf("Cannot use %s: %v", requested, err)}, nil
	}
	if err := p.store.UpdateModel(ctx, inv.ChatID, route.ModelID); err != nil {
		return nil, err
	}
	return &commands.Result{Text: "Model set to " + route.ModelID + "."}, nil
}

func (p *Processor) cmdStatus(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
	sess, err := p.store.GetOrCreate(ctx, inv.ChatID, p.config.DefaultModel)
	if err != nil {
		return nil, err
	}
	rows, err := p.store.History(ctx, inv.ChatID, sess.SegmentStart, 0)
	if err != nil {
		return nil, err
	}
	turns := 0
	for _, row := range rows {
		if row.Kind == sessions.KindMessage {
			turns++
		}
	}
	stats := p.limiter.Stats()
	text := fmt.Sprintf("Model: %s\nMessages in this conversation: %d\nLLM slots in use: %d/%d (waiting: %d interactive, %d background)",
		sess.Model, turns,
		stats.InUseInteractive+stats.InUseSubagent, stats.Max,
		stats.WaitingInteractive, stats.WaitingSubagent,
	)
	return &commands.Result{Text: text}, nil
}
