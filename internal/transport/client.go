package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/retry"
	"github.com/haasonsaas/nexusd/internal/wire"
)

// ErrBuffered is returned by Send when the engine is unreachable and the
// message went to the on-disk buffer instead.
var ErrBuffered = errors.New("transport: engine unavailable, message buffered")

// Delivery hands engine replies to the chat surface.
type Delivery interface {
	Deliver(ctx context.Context, msg wire.Outbound) error
}

// ClientConfig configures the gateway side of the peer link.
type ClientConfig struct {
	// Name is sent in the registration line.
	// Default: "gateway"
	Name string `yaml:"name" env:"NAME"`

	// SocketPath is the engine socket.
	// Default: $XDG_RUNTIME_DIR/nexusd/engine.sock
	SocketPath string `yaml:"socket_path" env:"SOCKET_PATH"`

	// TCPAddress is dialed instead of the socket when set.
	TCPAddress string `yaml:"tcp_address" env:"TCP_ADDRESS"`

	// BufferPath holds messages sent while the engine is down.
	// Default: ~/.nexusd/gateway-buffer.jsonl
	BufferPath string `yaml:"buffer_path" env:"BUFFER_PATH"`

	// ReconnectInitial is the first reconnect delay.
	// Default: 1s
	ReconnectInitial time.Duration `yaml:"reconnect_initial" env:"RECONNECT_INITIAL"`

	// ReconnectMax caps the reconnect delay.
	// Default: 60s
	ReconnectMax time.Duration `yaml:"reconnect_max" env:"RECONNECT_MAX"`

	// DialTimeout bounds a single connection attempt.
	// Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`

	// WriteTimeout bounds each write to the engine. On expiry the message
	// is buffered and the link is dropped.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Name == "" {
		c.Name = "gateway"
	}
	if c.BufferPath == "" {
		c.BufferPath = DefaultBufferPath()
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Client keeps the gateway registered with the engine, reconnecting with
// backoff and buffering traffic while the link is down.
type Client struct {
	config   ClientConfig
	delivery Delivery
	buffer   *Buffer
	logger   *slog.Logger
	metrics  *observability.Metrics

	// mu is the write lock; it also guards conn.
	mu   sync.Mutex
	conn net.Conn
}

// NewClient creates a client. Replies from the engine go to delivery.
func NewClient(config ClientConfig, delivery Delivery, logger *slog.Logger, metrics *observability.Metrics) *Client {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:   config,
		delivery: delivery,
		buffer:   NewBuffer(config.BufferPath),
		logger:   logger.With("component", "peer-client"),
		metrics:  metrics,
	}
}

// Connected reports whether the client currently holds a registered link.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Buffered returns the number of messages waiting in the buffer.
func (c *Client) Buffered() int {
	return c.buffer.Len()
}

// LockBuffer takes the instance lock that sits next to the buffer file.
// The buffer assumes a single writer process.
func (c *Client) LockBuffer(ctx context.Context) (*InstanceLock, error) {
	return AcquireLock(ctx, c.buffer.Path()+".lock", LockOptions{})
}

// Run connects and serves the link until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			delay := retry.Backoff(attempt, c.config.ReconnectInitial, c.config.ReconnectMax, 2)
			c.logger.Warn("engine unreachable", "attempt", attempt, "retry_in", delay, "error", err)
			if retry.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		attempt = 0
		if err := c.serve(ctx, conn); err != nil && ctx.Err() == nil {
			c.logger.Warn("engine link lost", "error", err)
		}
	}
}

// Send writes msg to the engine, or buffers it when the link is down. A
// message that was buffered instead of sent yields an error matching
// ErrBuffered.
func (c *Client) Send(msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.bufferLocked(msg); err != nil {
			return err
		}
		return ErrBuffered
	}
	if err := writeTimed(c.conn, msg, c.config.WriteTimeout); err != nil {
		c.logger.Warn("send failed, buffering", "type", msg.Type(), "error", err)
		c.dropLocked()
		if bufErr := c.bufferLocked(msg); bufErr != nil {
			return errors.Join(fmt.Errorf("send %s: %w", msg.Type(), err), bufErr)
		}
		return fmt.Errorf("%w: send %s: %v", ErrBuffered, msg.Type(), err)
	}
	return nil
}

func (c *Client) bufferLocked(msg wire.Message) error {
	if err := c.buffer.Append(msg); err != nil {
		c.logger.Error("buffer append failed, message lost", "type", msg.Type(), "error", err)
		return fmt.Errorf("buffer %s: %w", msg.Type(), err)
	}
	c.metrics.RecordBuffered()
	return nil
}

func (c *Client) dropLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.metrics.SetPeerConnected(false)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	network, address := endpoint(c.config.SocketPath, c.config.TCPAddress)
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	return dialer.DialContext(ctx, network, address)
}

// serve registers, replays the buffer and reads engine traffic until the
// link drops.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.register(conn); err != nil {
		_ = conn.Close()
		return err
	}
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.dropLocked()
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := wire.NewScanner(conn)
	for scanner.Scan() {
		msg, err := wire.Decode(scanner.Bytes())
		if err != nil {
			c.logger.Warn("skipping malformed engine line", "error", err)
			continue
		}
		switch m := msg.(type) {
		case wire.Outbound:
			if err := c.delivery.Deliver(ctx, m); err != nil {
				c.logger.Error("delivery failed", "channel", m.Channel, "chat_id", m.ChatID, "error", err)
			}
		case wire.Shutdown:
			c.logger.Info("engine is shutting down")
			return nil
		default:
			c.logger.Warn("unexpected message from engine", "type", msg.Type())
		}
	}
	return scanner.Err()
}

// register announces the gateway and drains the buffer while holding the
// write lock, so live sends cannot overtake replayed ones.
func (c *Client) register(conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeTimed(conn, wire.Register{Name: c.config.Name}, c.config.WriteTimeout); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.conn = conn
	c.metrics.SetPeerConnected(true)
	c.logger.Info("registered with engine", "name", c.config.Name)

	sent, err := c.buffer.Drain(func(msg wire.Message) error {
		return writeTimed(conn, msg, c.config.WriteTimeout)
	})
	if sent > 0 {
		c.logger.Info("replayed buffered messages", "count", sent)
	}
	if err != nil {
		c.dropLocked()
		return fmt.Errorf("replay buffer: %w", err)
	}
	return nil
}

// Call performs one CLI request against the engine: connect, send the
// request, read exactly one response line.
func Call(ctx context.Context, socketPath, tcpAddress string, req wire.CliRequest) (wire.CliResponse, error) {
	network, address := endpoint(socketPath, tcpAddress)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return wire.CliResponse{}, fmt.Errorf("connect to engine at %s: %w", address, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := wire.WriteCLI(conn, req); err != nil {
		return wire.CliResponse{}, fmt.Errorf("send request: %w", err)
	}
	scanner := wire.NewScanner(conn)
	if !scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return wire.CliResponse{}, err
		}
		if err := scanner.Err(); err != nil {
			return wire.CliResponse{}, fmt.Errorf("read response: %w", err)
		}
		return wire.CliResponse{}, errors.New("engine closed the connection without a response")
	}
	return wire.DecodeCLIResponse(scanner.Bytes())
}
