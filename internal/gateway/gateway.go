// Package gateway is the chat-facing half of nexusd. It serves a websocket
// chat surface and forwards traffic to the engine over the peer link.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/haasonsaas/nexusd/internal/observability"
)

// DefaultChannel names the websocket chat surface in wire messages.
const DefaultChannel = "web"

// Config configures the gateway HTTP surface.
type Config struct {
	// ListenAddr is the HTTP address for the chat socket.
	// Default: 127.0.0.1:8787
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// Path serves the websocket endpoint.
	// Default: /ws
	Path string `yaml:"path" env:"PATH"`

	// Channel is stamped on inbound messages.
	// Default: web
	Channel string `yaml:"channel" env:"CHANNEL"`

	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`

	// MaxMessageBytes caps a single socket frame.
	// Default: 1 MiB
	MaxMessageBytes int64 `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8787",
		Path:            "/ws",
		Channel:         DefaultChannel,
		MaxMessageBytes: 1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.Channel == "" {
		c.Channel = d.Channel
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	return c
}

// Link is the gateway's connection to the engine.
type Link interface {
	Sender
	Connected() bool
	Buffered() int
}

// Gateway serves chat sockets and relays them to the engine.
type Gateway struct {
	config  Config
	hub     *Hub
	link    Link
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a gateway. hub receives engine replies; link carries chat
// traffic to the engine.
func New(config Config, hub *Hub, link Link, logger *slog.Logger, metrics *observability.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:  config.withDefaults(),
		hub:     hub,
		link:    link,
		logger:  logger.With("component", "gateway"),
		metrics: metrics,
	}
}

// Handler returns the HTTP routes: the chat socket and /healthz.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(g.config.Path, newChatHandler(g.config, g.hub, g.link, g.logger, g.metrics))
	mux.HandleFunc("/healthz", g.handleHealthz)
	return mux
}

type healthStatus struct {
	Status          string `json:"status"`
	EngineConnected bool   `json:"engine_connected"`
	Buffered        int    `json:"buffered"`
	Sockets         int    `json:"sockets"`
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:          "ok",
		EngineConnected: g.link.Connected(),
		Buffered:        g.link.Buffered(),
		Sockets:         g.hub.Connected(),
	}
	if !status.EngineConnected {
		status.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	g.logger.Info("serving chat socket", "addr", ln.Addr().String(), "path", g.config.Path)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	g.hub.closeAll()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
