// Package sessions persists chat sessions and their message history.
//
// A session is keyed by chat id. History is never deleted: /new moves the
// session's segment start forward and appends a session-break row, and
// readers only look at rows at or after the segment start.
package sessions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/nexusd/internal/llm"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Kind distinguishes conversation rows from bookkeeping rows.
type Kind string

const (
	KindMessage      Kind = "message"
	KindSessionBreak Kind = "session_break"
	KindSummary      Kind = "summary"
)

// SubagentPrefix prefixes the chat id of sessions owned by scheduled tasks.
const SubagentPrefix = "subagent:"

// SubagentChatID returns the session key for a scheduled task.
func SubagentChatID(task string) string {
	return SubagentPrefix + task
}

// IsSubagent reports whether chatID belongs to a scheduled task.
func IsSubagent(chatID string) bool {
	return strings.HasPrefix(chatID, SubagentPrefix)
}

// Session is the per-chat conversation state.
type Session struct {
	ChatID       string
	Model        string
	SegmentStart time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one stored history row.
type Message struct {
	ID         string
	ChatID     string
	Kind       Kind
	Role       llm.Role
	Content    string
	ToolCalls  []llm.ToolCall
	ToolCallID string
	ToolName   string
	CreatedAt  time.Time
}

// LLMMessage converts a stored row into a conversation message.
func (m *Message) LLMMessage() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.ToolName,
	}
}

// FromLLM builds a stored row from a conversation message.
func FromLLM(chatID string, msg llm.Message, at time.Time) *Message {
	return &Message{
		ChatID:     chatID,
		Kind:       KindMessage,
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
		ToolName:   msg.Name,
		CreatedAt:  at,
	}
}

// SessionStore owns session rows.
type SessionStore interface {
	// GetOrCreate returns the session for chatID, creating it with
	// defaultModel on first contact.
	GetOrCreate(ctx context.Context, chatID, defaultModel string) (*Session, error)
	UpdateModel(ctx context.Context, chatID, model string) error
	// ResetSegment moves the segment start to at.
	ResetSegment(ctx context.Context, chatID string, at time.Time) error
}

// MessageRepository owns history rows.
type MessageRepository interface {
	SaveTurn(ctx context.Context, msg *Message) error
	// History returns up to limit rows created at or after since, oldest
	// first. limit <= 0 means no limit.
	History(ctx context.Context, chatID string, since time.Time, limit int) ([]*Message, error)
	AppendSessionBreak(ctx context.Context, chatID string, at time.Time) error
	// LastSummary returns the newest summary row, or nil when there is none.
	LastSummary(ctx context.Context, chatID string) (*Message, error)
}

// Store is the full persistence collaborator.
type Store interface {
	SessionStore
	MessageRepository
	Close() error
}
