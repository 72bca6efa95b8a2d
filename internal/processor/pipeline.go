package processor

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/nexusd/internal/agent"
	agentctx "github.com/haasonsaas/nexusd/internal/agent/context"
	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/sessions"
	"github.com/haasonsaas/nexusd/internal/wire"
)

// turn is the input of one pipeline run.
type turn struct {
	chatID  string
	content string
	// model overrides the session model when set.
	model string
}

func (p *Processor) processInbound(ctx context.Context, chatID string, items []wire.Inbound) {
	last := items[len(items)-1]
	parts := make([]string, 0, len(items))
	for _, in := range items {
		if c := strings.TrimSpace(in.Content); c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return
	}
	content := strings.Join(parts, "\n")
	if len(content) > maxInputSize {
		p.logger.Warn("input too large, truncating", "chat_id", chatID, "size", len(content))
		content = truncateUTF8(content, maxInputSize)
	}

	ctx = observability.WithChatID(ctx, chatID)
	ctx = observability.WithChannel(ctx, last.Channel)
	ctx = observability.WithUnitID(ctx, newUnitID())
	ctx, span := p.tracer.TraceUnit(ctx, "interactive", chatID)
	defer span.End()

	permit, err := p.limiter.AcquireInteractive(ctx)
	if err != nil {
		return
	}
	defer permit.Release()

	reply, err := p.run(ctx, turn{chatID: chatID, content: content})
	if err != nil {
		observability.RecordError(span, err)
		p.deliverError(ctx, err, last.Channel, chatID, last.ID)
		return
	}
	p.deliver(ctx, wire.Outbound{ReplyTo: last.ID, Channel: last.Channel, ChatID: chatID, Content: reply})
}

func (p *Processor) processScheduled(ctx context.Context, msg ScheduledMessage) {
	chatID := sessions.SubagentChatID(msg.Name)
	ctx = observability.WithChatID(ctx, chatID)
	ctx = observability.WithUnitID(ctx, newUnitID())
	ctx, span := p.tracer.TraceUnit(ctx, "subagent", chatID)
	defer span.End()

	permit, err := p.limiter.AcquireSubagent(ctx)
	if err != nil {
		return
	}
	defer permit.Release()

	reply, err := p.run(ctx, turn{chatID: chatID, content: msg.Message, model: msg.Model})
	if err != nil {
		observability.RecordError(span, err)
		if msg.InjectChatID != "" {
			p.deliverError(ctx, err, p.channelFor(msg.InjectChatID), msg.InjectChatID, "")
		} else if _, visible := UserMessage(err); visible {
			p.logger.ErrorContext(ctx, "scheduled task failed", "task", msg.Name, "error", err)
		}
		return
	}
	if msg.InjectChatID == "" || IsSilent(reply) {
		p.logger.DebugContext(ctx, "scheduled task finished", "task", msg.Name, "delivered", false)
		return
	}

	// The injected answer becomes part of the target chat's history.
	target := msg.InjectChatID
	if _, err := p.store.GetOrCreate(ctx, target, p.config.DefaultModel); err != nil {
		p.logger.WarnContext(ctx, "inject target session failed", "chat_id", target, "error", err)
	} else if err := p.store.SaveTurn(ctx, sessions.FromLLM(target, llm.Message{Role: llm.RoleAssistant, Content: reply}, p.now())); err != nil {
		p.logger.WarnContext(ctx, "recording injected answer failed", "chat_id", target, "error", err)
	}
	p.deliver(ctx, wire.Outbound{
		Channel:  p.channelFor(target),
		ChatID:   target,
		Content:  reply,
		Metadata: map[string]string{"task": msg.Name},
	})
}

// run executes one unit against the session for t.chatID and returns the
// final answer. The user turn is persisted before any model call and the
// assistant turn after the loop completes.
func (p *Processor) run(ctx context.Context, t turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.UnitTimeout)
	defer cancel()

	sess, err := p.store.GetOrCreate(ctx, t.chatID, p.config.DefaultModel)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	modelID := sess.Model
	if t.model != "" {
		modelID = t.model
	}
	if modelID == "" {
		modelID = p.config.DefaultModel
	}

	history, err := p.store.History(ctx, t.chatID, sess.SegmentStart, p.config.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	summary, err := p.store.LastSummary(ctx, t.chatID)
	if err != nil {
		return "", fmt.Errorf("load summary: %w", err)
	}
	if summary != nil && summary.CreatedAt.Before(sess.SegmentStart) {
		summary = nil
	}

	user := llm.Message{Role: llm.RoleUser, Content: t.content}
	if err := p.store.SaveTurn(ctx, sessions.FromLLM(t.chatID, user, p.now())); err != nil {
		return "", fmt.Errorf("persist user turn: %w", err)
	}

	built := p.builder.Build(agentctx.Input{
		Static:        p.staticSections(summary),
		History:       history,
		Pending:       []llm.Message{user},
		ContextWindow: p.router.ContextWindow(modelID),
	})
	p.logger.DebugContext(ctx, "context built",
		"model", modelID,
		"budget", built.Budget,
		"history_included", built.Included,
		"history_dropped", built.Dropped,
	)

	var defs []llm.ToolDefinition
	if p.tools != nil {
		defs = p.tools.Definitions()
	}
	conv := agent.NewConversation(built.Messages...)
	resp, err := p.runner.Run(ctx, conv, defs, modelID, &turnRecorder{p: p, chatID: t.chatID})
	if err != nil {
		return "", err
	}

	answer := llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
	if err := p.store.SaveTurn(ctx, sessions.FromLLM(t.chatID, answer, p.now())); err != nil {
		return "", fmt.Errorf("persist assistant turn: %w", err)
	}

	p.summarize(ctx, t.chatID, sess, summary)
	return resp.Content, nil
}

func (p *Processor) staticSections(summary *sessions.Message) agentctx.StaticSections {
	var s agentctx.StaticSections
	if p.workspace != nil {
		s.SystemPrompt = p.workspace.SystemPrompt()
		s.CoreMemory = p.workspace.CoreMemory()
		for _, skill := range p.workspace.Skills() {
			line := skill.Name
			if skill.Description != "" {
				line += ": " + skill.Description
			}
			s.SkillDescriptions = append(s.SkillDescriptions, line)
		}
	}
	if p.tools != nil {
		s.ToolDescriptions = p.tools.Descriptions()
	}
	if summary != nil {
		s.Summary = summary.Content
	}
	return s
}

// summarize rolls old rows of the current segment into a summary row.
// Failures are logged; they never fail the unit.
func (p *Processor) summarize(ctx context.Context, chatID string, sess *sessions.Session, last *sessions.Message) {
	if !p.summarizer.Enabled() {
		return
	}
	rows, err := p.store.History(ctx, chatID, sess.SegmentStart, 0)
	if err != nil {
		p.logger.WarnContext(ctx, "summary history load failed", "error", err)
		return
	}
	row, err := p.summarizer.Summarize(ctx, chatID, rows, last)
	if err != nil {
		p.logger.WarnContext(ctx, "summarization failed", "error", err)
		return
	}
	if row == nil {
		return
	}
	if err := p.store.SaveTurn(ctx, row); err != nil {
		p.logger.WarnContext(ctx, "persist summary failed", "error", err)
	}
}

func (p *Processor) deliver(ctx context.Context, out wire.Outbound) {
	if IsSilent(out.Content) {
		p.logger.DebugContext(ctx, "reply suppressed by silent flag", "chat_id", out.ChatID)
		return
	}
	if strings.TrimSpace(out.Content) == "" {
		return
	}
	p.push(ctx, out)
}

func (p *Processor) deliverError(ctx context.Context, err error, channel, chatID, replyTo string) {
	text, visible := UserMessage(err)
	if !visible {
		p.logger.DebugContext(ctx, "unit cancelled", "chat_id", chatID)
		return
	}
	p.metrics.RecordError("processor", errorType(err))
	p.logger.ErrorContext(ctx, "unit failed", "chat_id", chatID, "error", err)
	p.push(ctx, wire.Outbound{ReplyTo: replyTo, Channel: channel, ChatID: chatID, Content: text})
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// turnRecorder persists the intermediate turns of the tool loop.
type turnRecorder struct {
	p      *Processor
	chatID string
}

func (r *turnRecorder) RecordTurn(ctx context.Context, msg llm.Message) error {
	return r.p.store.SaveTurn(ctx, sessions.FromLLM(r.chatID, msg, r.p.now()))
}
