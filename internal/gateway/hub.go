package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/haasonsaas/nexusd/internal/wire"
)

// Hub tracks the chat sockets connected to this gateway and routes engine
// replies to them. It implements transport.Delivery.
type Hub struct {
	channel string
	logger  *slog.Logger

	mu    sync.RWMutex
	chats map[string]map[*wsSession]struct{}
}

// NewHub creates a hub serving one channel name.
func NewHub(channel string, logger *slog.Logger) *Hub {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channel: channel,
		logger:  logger.With("component", "hub"),
		chats:   make(map[string]map[*wsSession]struct{}),
	}
}

// Channel returns the channel name stamped on inbound traffic.
func (h *Hub) Channel() string {
	return h.channel
}

func (h *Hub) add(s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.chats[s.chatID]
	if !ok {
		set = make(map[*wsSession]struct{})
		h.chats[s.chatID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.chats[s.chatID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.chats, s.chatID)
	}
}

// Connected returns the number of open sockets.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.chats {
		n += len(set)
	}
	return n
}

// Deliver sends msg to every socket open for its chat. Replies for other
// channels, or for chats with no open socket, are logged instead.
func (h *Hub) Deliver(ctx context.Context, msg wire.Outbound) error {
	h.mu.RLock()
	var targets []*wsSession
	if msg.Channel == "" || msg.Channel == h.channel {
		for s := range h.chats[msg.ChatID] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.logger.InfoContext(ctx, "no open socket for reply, logging instead",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"reply_to", msg.ReplyTo,
			"content", msg.Content,
		)
		return nil
	}

	payload, err := json.Marshal(replyFrame{
		Type:     frameReply,
		ReplyTo:  msg.ReplyTo,
		Content:  msg.Content,
		Metadata: msg.Metadata,
	})
	if err != nil {
		return err
	}
	for _, s := range targets {
		if !s.enqueue(payload) {
			h.logger.WarnContext(ctx, "socket send queue full, dropping reply", "chat_id", msg.ChatID)
		}
	}
	return nil
}

// closeAll closes every open socket.
func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*wsSession
	for _, set := range h.chats {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		_ = s.conn.Close()
	}
}
