package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexusd/internal/llm"
)

// maxMessagesPerChat limits messages stored per chat to prevent unbounded memory growth.
const maxMessagesPerChat = 1000

// MemoryStore provides an in-memory Store implementation for testing and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*Session{},
		messages: map[string][]*Message{},
		now:      time.Now,
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, chatID, defaultModel string) (*Session, error) {
	if chatID == "" {
		return nil, errors.New("chat id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[chatID]; ok {
		clone := *session
		return &clone, nil
	}
	now := m.now()
	session := &Session{
		ChatID:       chatID,
		Model:        defaultModel,
		SegmentStart: time.Unix(0, 0),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.sessions[chatID] = session
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) UpdateModel(ctx context.Context, chatID, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[chatID]
	if !ok {
		return ErrNotFound
	}
	session.Model = model
	session.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ResetSegment(ctx context.Context, chatID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[chatID]
	if !ok {
		return ErrNotFound
	}
	session.SegmentStart = at
	session.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SaveTurn(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ChatID == "" {
		return errors.New("chat id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Kind == "" {
		clone.Kind = KindMessage
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = m.now()
	}
	msg.ID = clone.ID
	msg.Kind = clone.Kind
	msg.CreatedAt = clone.CreatedAt

	rows := append(m.messages[clone.ChatID], &clone)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	if len(rows) > maxMessagesPerChat {
		rows = rows[len(rows)-maxMessagesPerChat:]
	}
	m.messages[clone.ChatID] = rows
	return nil
}

func (m *MemoryStore) History(ctx context.Context, chatID string, since time.Time, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages[chatID] {
		if msg.CreatedAt.Before(since) {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) AppendSessionBreak(ctx context.Context, chatID string, at time.Time) error {
	return m.SaveTurn(ctx, &Message{ChatID: chatID, Kind: KindSessionBreak, Role: llm.RoleSystem, CreatedAt: at})
}

func (m *MemoryStore) LastSummary(ctx context.Context, chatID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.messages[chatID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Kind == KindSummary {
			clone := *rows[i]
			return &clone, nil
		}
	}
	return nil, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
