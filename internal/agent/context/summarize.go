package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/sessions"
)

// SummarizationConfig configures rolling summaries.
type SummarizationConfig struct {
	// Threshold is the number of conversation rows since the last summary
	// that triggers a new one. 0 disables summarization.
	Threshold int `yaml:"threshold" env:"THRESHOLD"`

	// KeepRecent rows are left out of the summary.
	// Default: 10.
	KeepRecent int `yaml:"keep_recent" env:"KEEP_RECENT"`

	// MaxLength is the target summary length in characters.
	// Default: 2000.
	MaxLength int `yaml:"max_length" env:"MAX_LENGTH"`
}

// SummaryProvider generates summary text from a prompt.
type SummaryProvider interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Summarizer rolls old history into summary rows.
type Summarizer struct {
	provider SummaryProvider
	config   SummarizationConfig
}

// NewSummarizer creates a summarizer.
func NewSummarizer(provider SummaryProvider, config SummarizationConfig) *Summarizer {
	if config.KeepRecent <= 0 {
		config.KeepRecent = 10
	}
	if config.MaxLength <= 0 {
		config.MaxLength = 2000
	}
	return &Summarizer{provider: provider, config: config}
}

// Enabled reports whether summaries are configured.
func (s *Summarizer) Enabled() bool {
	return s != nil && s.provider != nil && s.config.Threshold > 0
}

// Summarize returns a new summary row when enough conversation rows have
// accumulated since last, or nil. history is oldest first.
func (s *Summarizer) Summarize(ctx context.Context, chatID string, history []*sessions.Message, last *sessions.Message) (*sessions.Message, error) {
	if !s.Enabled() {
		return nil, nil
	}
	since := sinceSummary(history, last)
	if len(since) < s.config.Threshold || len(since) <= s.config.KeepRecent {
		return nil, nil
	}
	toSummarize := since[:len(since)-s.config.KeepRecent]

	previous := ""
	if last != nil {
		previous = last.Content
	}
	text, err := s.provider.Summarize(ctx, BuildSummarizationPrompt(previous, toSummarize, s.config.MaxLength))
	if err != nil {
		return nil, fmt.Errorf("failed to generate summary: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	// Positioned just after the last covered row so rows kept out of this
	// summary count toward the next one.
	covered := toSummarize[len(toSummarize)-1].CreatedAt
	return &sessions.Message{
		ChatID:    chatID,
		Kind:      sessions.KindSummary,
		Role:      llm.RoleSystem,
		Content:   text,
		CreatedAt: covered.Add(time.Nanosecond),
	}, nil
}

func sinceSummary(history []*sessions.Message, last *sessions.Message) []*sessions.Message {
	var out []*sessions.Message
	for _, row := range history {
		if row == nil || row.Kind != sessions.KindMessage {
			continue
		}
		if last != nil && !row.CreatedAt.After(last.CreatedAt) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// BuildSummarizationPrompt creates the prompt for summarizing rows,
// folding in the previous summary.
func BuildSummarizationPrompt(previous string, rows []*sessions.Message, maxLength int) string {
	var sb strings.Builder

	sb.WriteString("Please summarize the following conversation concisely. ")
	sb.WriteString(fmt.Sprintf("Keep the summary under %d characters. ", maxLength))
	sb.WriteString("Focus on:\n")
	sb.WriteString("- Key topics discussed\n")
	sb.WriteString("- Important decisions or conclusions\n")
	sb.WriteString("- Any pending tasks or questions\n")
	sb.WriteString("- Tool executions and their outcomes\n\n")
	if previous != "" {
		sb.WriteString("Summary so far:\n\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation:\n\n")

	for _, m := range rows {
		sb.WriteString(fmt.Sprintf("[%s]: ", m.Role))
		if m.Role == llm.RoleTool {
			content := m.Content
			if len(content) > 200 {
				content = content[:200] + "..."
			}
			sb.WriteString(fmt.Sprintf("[Tool result %s: %s]", m.ToolName, content))
		} else {
			sb.WriteString(m.Content)
		}
		for _, tc := range m.ToolCalls {
			sb.WriteString(fmt.Sprintf("\n  [Called tool: %s]", tc.Name))
		}
		sb.WriteString("\n\n")
	}

	sb.WriteString("---\nProvide a concise summary:")
	return sb.String()
}
