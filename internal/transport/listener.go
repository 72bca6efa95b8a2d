package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/retry"
	"github.com/haasonsaas/nexusd/internal/wire"
)

// ErrNoGateway is returned by Push when no gateway has registered.
var ErrNoGateway = errors.New("transport: no gateway connected")

// DefaultSocketMode is applied to the socket file after bind.
const DefaultSocketMode os.FileMode = 0o600

// DefaultWriteTimeout bounds a single write to a peer.
const DefaultWriteTimeout = 10 * time.Second

const (
	shutdownWriteTimeout = 2 * time.Second
	acceptRetryInitial   = 5 * time.Millisecond
	acceptRetryMax       = time.Second
)

// Handler receives traffic accepted by a Listener.
type Handler interface {
	HandleInbound(ctx context.Context, msg wire.Inbound)
	HandleCommand(ctx context.Context, cmd wire.Command)
	HandleCliRequest(ctx context.Context, req wire.CliRequest) wire.CliResponse
}

// ListenerConfig configures the engine side of the peer link.
type ListenerConfig struct {
	// SocketPath is the Unix socket to bind.
	// Default: $XDG_RUNTIME_DIR/nexusd/engine.sock
	SocketPath string `yaml:"socket_path" env:"SOCKET_PATH"`

	// SocketMode is applied to the socket file.
	// Default: 0600
	SocketMode os.FileMode `yaml:"socket_mode"`

	// TCPAddress replaces the Unix socket when set, e.g. "127.0.0.1:7420".
	TCPAddress string `yaml:"tcp_address" env:"TCP_ADDRESS"`

	// WriteTimeout bounds each write to a peer. A gateway that stops
	// reading is disconnected when it expires.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

type gatewayPeer struct {
	name string
	conn net.Conn
}

// Listener accepts gateway and CLI connections for the engine.
type Listener struct {
	config  ListenerConfig
	handler Handler
	logger  *slog.Logger
	metrics *observability.Metrics

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// writeMu serializes writes to the gateway connection.
	writeMu sync.Mutex

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	gateway *gatewayPeer
	stopped bool
}

// NewListener creates a listener dispatching to handler.
func NewListener(config ListenerConfig, handler Handler, logger *slog.Logger, metrics *observability.Metrics) *Listener {
	if config.SocketMode == 0 {
		config.SocketMode = DefaultSocketMode
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		config:  config,
		handler: handler,
		logger:  logger.With("component", "listener"),
		metrics: metrics,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and begins accepting connections. Handlers run
// under a context derived from ctx that is cancelled by Stop.
func (l *Listener) Start(ctx context.Context) error {
	network, address := endpoint(l.config.SocketPath, l.config.TCPAddress)
	if network == networkUnix {
		if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
			return fmt.Errorf("create socket directory: %w", err)
		}
		// Remove a stale socket from a previous run.
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen on %s %s: %w", network, address, err)
	}
	if network == networkUnix {
		if err := os.Chmod(address, l.config.SocketMode); err != nil {
			_ = ln.Close()
			return fmt.Errorf("set socket permissions: %w", err)
		}
	}

	l.logger.Info("listening", "network", network, "address", ln.Addr().String())
	l.startOn(ctx, ln)
	return nil
}

// startOn begins accepting on an already bound listener.
func (l *Listener) startOn(ctx context.Context, ln net.Listener) {
	l.ln = ln
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.acceptLoop()
}

// Addr returns the bound address. It is nil before Start.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// GatewayConnected reports whether a gateway is registered.
func (l *Listener) GatewayConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gateway != nil
}

// Push writes msg to the registered gateway.
func (l *Listener) Push(msg wire.Message) error {
	l.mu.Lock()
	gw := l.gateway
	l.mu.Unlock()
	if gw == nil {
		return ErrNoGateway
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := writeTimed(gw.conn, msg, l.config.WriteTimeout); err != nil {
		// A failed or partial write leaves the stream unusable. Closing ends
		// serveGateway, which frees the slot for a reconnect.
		_ = gw.conn.Close()
		return fmt.Errorf("push to gateway %s: %w", gw.name, err)
	}
	return nil
}

// Stop tells the gateway the engine is going away, closes every connection
// and removes the socket file.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped || l.ln == nil {
		l.stopped = true
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	gw := l.gateway
	l.gateway = nil
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	var errs []error
	if gw != nil {
		l.writeMu.Lock()
		if err := writeTimed(gw.conn, wire.Shutdown{}, shutdownWriteTimeout); err != nil {
			errs = append(errs, fmt.Errorf("send shutdown: %w", err))
		}
		l.writeMu.Unlock()
		l.metrics.SetPeerConnected(false)
	}

	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	for _, c := range conns {
		_ = c.Close()
	}
	l.cancel()
	l.wg.Wait()

	if network, address := endpoint(l.config.SocketPath, l.config.TCPAddress); network == networkUnix {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove socket: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	failures := 0
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.ctx.Err() != nil {
				return
			}
			// Transient, e.g. EMFILE. Back off and keep accepting.
			failures++
			delay := retry.Backoff(failures, acceptRetryInitial, acceptRetryMax, 2)
			l.logger.Error("accept failed", "error", err, "retry_in", delay)
			if retry.Sleep(l.ctx, delay) != nil {
				return
			}
			continue
		}
		failures = 0
		if !l.track(conn) {
			_ = conn.Close()
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(conn)
			l.serve(conn)
		}()
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	_ = conn.Close()
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

// serve decides the role of a connection from its first line.
func (l *Listener) serve(conn net.Conn) {
	scanner := wire.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	first := scanner.Bytes()

	if t, ok := wire.PeekType(first); ok && t == wire.TypeRegister {
		msg, err := wire.Decode(first)
		if err != nil {
			l.logger.Warn("malformed registration", "error", err)
			return
		}
		l.serveGateway(conn, msg.(wire.Register), scanner)
		return
	}
	l.serveCLI(conn, first, scanner)
}

func (l *Listener) serveCLI(conn net.Conn, line []byte, scanner *bufio.Scanner) {
	req, err := wire.DecodeCLIRequest(line)
	if err != nil {
		l.logger.Warn("malformed cli request", "error", err)
		return
	}
	l.logger.Debug("cli request", "command", req.Command)
	resp := l.handler.HandleCliRequest(l.ctx, req)
	_ = conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
	if err := wire.WriteCLI(conn, resp); err != nil {
		l.logger.Warn("write cli response failed", "command", req.Command, "error", err)
		return
	}
	// The client closes the connection once it has read the response.
	for scanner.Scan() {
	}
}

func (l *Listener) serveGateway(conn net.Conn, reg wire.Register, scanner *bufio.Scanner) {
	peer := &gatewayPeer{name: reg.Name, conn: conn}
	l.mu.Lock()
	replaced := l.gateway != nil
	l.gateway = peer
	l.mu.Unlock()
	l.metrics.SetPeerConnected(true)
	l.logger.Info("gateway registered", "name", reg.Name, "replaced", replaced)

	defer func() {
		l.mu.Lock()
		current := l.gateway == peer
		if current {
			l.gateway = nil
		}
		l.mu.Unlock()
		if current {
			l.metrics.SetPeerConnected(false)
			l.logger.Info("gateway disconnected", "name", reg.Name)
		}
	}()

	for scanner.Scan() {
		msg, err := wire.Decode(scanner.Bytes())
		if err != nil {
			l.logger.Warn("skipping malformed gateway line", "error", err)
			continue
		}
		switch m := msg.(type) {
		case wire.Inbound:
			l.handler.HandleInbound(l.ctx, m)
		case wire.Command:
			l.handler.HandleCommand(l.ctx, m)
		case wire.Shutdown:
			l.logger.Info("gateway shutting down", "name", reg.Name)
			return
		default:
			l.logger.Warn("unexpected message from gateway", "type", msg.Type())
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Warn("gateway read failed", "name", reg.Name, "error", err)
	}
}

// writeTimed writes msg with a write deadline of timeout from now.
func writeTimed(conn net.Conn, msg wire.Message, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return wire.Write(conn, msg)
}
