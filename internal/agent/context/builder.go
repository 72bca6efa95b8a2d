// Package context assembles the prompt for one processing unit within the
// model's token budget.
//
// The assembled conversation is, in order:
//  1. One system message: workspace prompt, core memory, last summary, tool
//     and skill descriptions
//  2. The newest stored history rows that fit the remaining budget
//  3. The pending user turns
package context

import (
	"strings"

	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/sessions"
)

// DefaultSafetyMargin is the share of the context window the builder uses.
const DefaultSafetyMargin = 0.9

// StaticSections is the fixed part of the prompt.
type StaticSections struct {
	SystemPrompt      string
	CoreMemory        string
	Summary           string
	ToolDescriptions  []string
	SkillDescriptions []string
}

// Render joins the non-empty sections into one system prompt.
func (s StaticSections) Render() string {
	var parts []string
	if p := strings.TrimSpace(s.SystemPrompt); p != "" {
		parts = append(parts, p)
	}
	if m := strings.TrimSpace(s.CoreMemory); m != "" {
		parts = append(parts, "## Memory\n\n"+m)
	}
	if sum := strings.TrimSpace(s.Summary); sum != "" {
		parts = append(parts, "## Earlier in this conversation\n\n"+sum)
	}
	if len(s.ToolDescriptions) > 0 {
		parts = append(parts, "## Tools\n\n"+bulleted(s.ToolDescriptions))
	}
	if len(s.SkillDescriptions) > 0 {
		parts = append(parts, "## Skills\n\n"+bulleted(s.SkillDescriptions))
	}
	return strings.Join(parts, "\n\n")
}

func bulleted(items []string) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}

// Input is everything the builder needs for one unit.
type Input struct {
	Static StaticSections
	// History is the stored session window, oldest first.
	History []*sessions.Message
	// Pending are the turns being answered now; always included.
	Pending       []llm.Message
	ContextWindow int
}

// Output is the assembled conversation plus accounting.
type Output struct {
	Messages      []llm.Message
	Budget        int
	StaticTokens  int
	PendingTokens int
	HistoryTokens int
	Included      int
	Dropped       int
}

// Builder assembles prompts.
type Builder struct {
	safetyMargin float64
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithSafetyMargin sets the usable share of the context window.
func WithSafetyMargin(m float64) BuilderOption {
	return func(b *Builder) {
		if m > 0 && m <= 1 {
			b.safetyMargin = m
		}
	}
}

// NewBuilder creates a builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{safetyMargin: DefaultSafetyMargin}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build selects history newest-first until the next row would exceed the
// budget, then returns the conversation oldest-first. Session-break and
// summary rows never enter the window.
func (b *Builder) Build(in Input) Output {
	window := in.ContextWindow
	if window <= 0 {
		window = llm.DefaultContextWindow
	}

	var out Output
	system := in.Static.Render()
	var systemMsg *llm.Message
	if system != "" {
		systemMsg = &llm.Message{Role: llm.RoleSystem, Content: system}
		out.StaticTokens = EstimateMessageTokens(*systemMsg)
	}
	out.PendingTokens = EstimateMessagesTokens(in.Pending)
	out.Budget = int(float64(window)*b.safetyMargin) - out.StaticTokens - out.PendingTokens

	candidates := make([]llm.Message, 0, len(in.History))
	for _, row := range in.History {
		if row == nil || row.Kind == sessions.KindSessionBreak || row.Kind == sessions.KindSummary {
			continue
		}
		candidates = append(candidates, row.LLMMessage())
	}

	remaining := out.Budget
	start := len(candidates)
	for i := len(candidates) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(candidates[i])
		if cost > remaining {
			break
		}
		remaining -= cost
		out.HistoryTokens += cost
		start = i
	}
	selected := candidates[start:]

	// A window must not open on tool results whose calls were cut off.
	for len(selected) > 0 && selected[0].Role == llm.RoleTool {
		out.HistoryTokens -= EstimateMessageTokens(selected[0])
		selected = selected[1:]
	}
	out.Included = len(selected)
	out.Dropped = len(candidates) - len(selected)

	out.Messages = make([]llm.Message, 0, len(selected)+len(in.Pending)+1)
	if systemMsg != nil {
		out.Messages = append(out.Messages, *systemMsg)
	}
	out.Messages = append(out.Messages, selected...)
	out.Messages = append(out.Messages, in.Pending...)
	return out
}
