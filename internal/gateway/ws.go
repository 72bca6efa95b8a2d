package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexusd/internal/commands"
	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/transport"
	"github.com/haasonsaas/nexusd/internal/wire"
)

const (
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendQueue    = 64
)

// Frame types exchanged with chat sockets.
const (
	frameMessage = "message"
	frameAck     = "ack"
	frameReply   = "reply"
	frameError   = "error"
)

type clientFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

type ackFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Queued bool   `json:"queued,omitempty"`
}

type replyFrame struct {
	Type     string            `json:"type"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// Sender forwards chat traffic to the engine.
type Sender interface {
	Send(msg wire.Message) error
}

type chatHandler struct {
	hub      *Hub
	sender   Sender
	logger   *slog.Logger
	metrics  *observability.Metrics
	maxBytes int64
	upgrader websocket.Upgrader
}

func newChatHandler(config Config, hub *Hub, sender Sender, logger *slog.Logger, metrics *observability.Metrics) *chatHandler {
	origins := make(map[string]bool, len(config.AllowedOrigins))
	for _, o := range config.AllowedOrigins {
		origins[strings.ToLower(strings.TrimSpace(o))] = true
	}
	return &chatHandler{
		hub:      hub,
		sender:   sender,
		logger:   logger,
		metrics:  metrics,
		maxBytes: config.MaxMessageBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				return origins[strings.ToLower(origin)]
			},
		},
	}
}

type wsSession struct {
	handler *chatHandler
	conn    *websocket.Conn
	chatID  string
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (h *chatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimSpace(r.URL.Query().Get("chat_id"))
	if chatID == "" {
		chatID = uuid.NewString()
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &wsSession{
		handler: h,
		conn:    conn,
		chatID:  chatID,
		send:    make(chan []byte, wsSendQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.hub.add(s)
	h.logger.Info("chat socket opened", "chat_id", chatID)
	s.run()
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		s.handler.hub.remove(s)
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
		_ = s.conn.Close()
		s.handler.logger.Info("chat socket closed", "chat_id", s.chatID)
	})
}

// enqueue queues a frame without blocking. It reports false when the
// socket is closed or its queue is full.
func (s *wsSession) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *wsSession) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.enqueue(payload)
}

func (s *wsSession) readLoop() {
	if s.handler.maxBytes > 0 {
		s.conn.SetReadLimit(s.handler.maxBytes)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := decodeClientFrame(data)
		if err != nil {
			s.sendJSON(errorFrame{Type: frameError, Error: "invalid frame: " + err.Error()})
			continue
		}
		s.handleMessage(frame)
	}
}

func (s *wsSession) handleMessage(frame clientFrame) {
	content := strings.TrimSpace(frame.Content)
	if content == "" {
		s.sendJSON(errorFrame{Type: frameError, ID: frame.ID, Error: "empty message"})
		return
	}
	id := frame.ID
	if id == "" {
		id = uuid.NewString()
	}
	channel := s.handler.hub.Channel()

	var msg wire.Message
	if parsed, ok := commands.Parse(content); ok {
		msg = wire.Command{Channel: channel, ChatID: s.chatID, Name: parsed.Name, Args: parsed.Args}
	} else {
		msg = wire.Inbound{ID: id, Channel: channel, ChatID: s.chatID, Content: content, Timestamp: time.Now()}
	}
	s.handler.metrics.MessageReceived(channel, "inbound")

	err := s.handler.sender.Send(msg)
	switch {
	case err == nil:
		s.sendJSON(ackFrame{Type: frameAck, ID: id})
	case errors.Is(err, transport.ErrBuffered):
		s.sendJSON(ackFrame{Type: frameAck, ID: id, Queued: true})
	default:
		s.handler.logger.Error("message lost", "chat_id", s.chatID, "error", err)
		s.sendJSON(errorFrame{Type: frameError, ID: id, Error: "message could not be forwarded, please retry"})
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}
