// Package processor orchestrates one unit of agent work: debounce, admission,
// context assembly, the tool loop, persistence and delivery.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexusd/internal/admission"
	"github.com/haasonsaas/nexusd/internal/agent"
	agentctx "github.com/haasonsaas/nexusd/internal/agent/context"
	"github.com/haasonsaas/nexusd/internal/commands"
	"github.com/haasonsaas/nexusd/internal/debounce"
	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/sessions"
	"github.com/haasonsaas/nexusd/internal/wire"
	"github.com/haasonsaas/nexusd/internal/workspace"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("processor closed")

// Processing limits
const (
	// DefaultHistoryLimit caps the rows loaded for one context build.
	DefaultHistoryLimit = 200

	// DefaultUnitTimeout bounds a single processing unit.
	DefaultUnitTimeout = 10 * time.Minute

	// maxInputSize is the maximum size of a batched user turn (1MB).
	maxInputSize = 1 << 20
)

// ScheduledMessage is one firing of a background task.
type ScheduledMessage struct {
	// Name is the task name; the session is keyed "subagent:<name>".
	Name    string
	Message string
	// Model overrides the session model when set.
	Model string
	// InjectChatID receives the answer when set and not silent.
	InjectChatID string
}

// Config configures the processor.
type Config struct {
	// DefaultModel is taken from the llm section of the config file.
	DefaultModel string          `yaml:"-"`
	HistoryLimit int             `yaml:"history_limit" env:"HISTORY_LIMIT"`
	UnitTimeout  time.Duration   `yaml:"unit_timeout" env:"UNIT_TIMEOUT"`
	Debounce     debounce.Config `yaml:"debounce" envPrefix:"DEBOUNCE_"`
	// DefaultChannel is used to deliver to a chat that has not been seen on
	// any channel since startup.
	DefaultChannel string `yaml:"default_channel" env:"DEFAULT_CHANNEL"`
}

// Peer delivers outbound messages to the gateway.
type Peer interface {
	Push(msg wire.Message) error
	GatewayConnected() bool
}

// ModelRouter resolves models and reports their context windows.
type ModelRouter interface {
	Resolve(modelID string) (llm.Route, error)
	ContextWindow(modelID string) int
	Models() []llm.ModelInfo
}

// ToolCatalog lists the tools offered to the model.
type ToolCatalog interface {
	Definitions() []llm.ToolDefinition
	Descriptions() []string
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Store      sessions.Store
	Router     ModelRouter
	Runner     *agent.Runner
	Limiter    *admission.Limiter
	Tools      ToolCatalog
	Workspace  workspace.Provider
	Summarizer *agentctx.Summarizer
	Builder    *agentctx.Builder
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Processor implements the engine's entry points.
type Processor struct {
	config     Config
	store      sessions.Store
	router     ModelRouter
	runner     *agent.Runner
	limiter    *admission.Limiter
	tools      ToolCatalog
	workspace  workspace.Provider
	summarizer *agentctx.Summarizer
	builder    *agentctx.Builder
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	now        func() time.Time
	commands   *commands.Registry
	debouncer  *debounce.Debouncer[wire.Inbound]

	peerMu sync.RWMutex
	peer   Peer

	chanMu   sync.Mutex
	channels map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a processor. Store, Router, Runner and Limiter are required.
func New(config Config, deps Deps) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("processor: store is required")
	case deps.Router == nil:
		return nil, errors.New("processor: router is required")
	case deps.Runner == nil:
		return nil, errors.New("processor: runner is required")
	case deps.Limiter == nil:
		return nil, errors.New("processor: limiter is required")
	}
	if strings.TrimSpace(config.DefaultModel) == "" {
		return nil, errors.New("processor: default model is required")
	}
	if _, err := deps.Router.Resolve(config.DefaultModel); err != nil {
		return nil, fmt.Errorf("processor: default model: %w", err)
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.UnitTimeout <= 0 {
		config.UnitTimeout = DefaultUnitTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	builder := deps.Builder
	if builder == nil {
		builder = agentctx.NewBuilder()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		config:     config,
		store:      deps.Store,
		router:     deps.Router,
		runner:     deps.Runner,
		limiter:    deps.Limiter,
		tools:      deps.Tools,
		workspace:  deps.Workspace,
		summarizer: deps.Summarizer,
		builder:    builder,
		logger:     logger.With("component", "processor"),
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		now:        now,
		channels:   make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.commands = commands.NewRegistry(logger)
	if err := p.registerCommands(); err != nil {
		cancel()
		return nil, err
	}
	p.debouncer = debounce.New(
		debounce.WithIntervalFunc(func(in wire.Inbound) time.Duration {
			return config.Debounce.Resolve(in.Channel)
		}),
		debounce.WithBuildKey(func(in wire.Inbound) string { return in.ChatID }),
		debounce.WithOnFlush(p.flushInbound),
	)
	return p, nil
}

// SetPeer sets the gateway link used for delivery.
func (p *Processor) SetPeer(peer Peer) {
	p.peerMu.Lock()
	p.peer = peer
	p.peerMu.Unlock()
}

// Commands returns the slash command registry.
func (p *Processor) Commands() *commands.Registry {
	return p.commands
}

// HandleInbound queues a chat message. The batch for its chat is processed
// once the chat has been quiet for the debounce interval.
func (p *Processor) HandleInbound(ctx context.Context, in wire.Inbound) {
	p.metrics.MessageReceived(in.Channel, "inbound")
	if strings.TrimSpace(in.ChatID) == "" {
		p.logger.WarnContext(ctx, "dropping inbound message without chat id", "channel", in.Channel)
		return
	}
	if p.isClosed() {
		return
	}
	p.rememberChannel(in.ChatID, in.Channel)
	p.debouncer.Enqueue(in)
	p.metrics.SetDebouncePending(p.debouncer.PendingCount())
}

// HandleScheduledMessage starts a background unit for a task firing.
func (p *Processor) HandleScheduledMessage(ctx context.Context, msg ScheduledMessage) error {
	if strings.TrimSpace(msg.Name) == "" {
		return errors.New("scheduled message: name is required")
	}
	if strings.TrimSpace(msg.Message) == "" {
		return errors.New("scheduled message: message is required")
	}
	return p.spawn(func(ctx context.Context) {
		p.processScheduled(ctx, msg)
	})
}

// Close stops the debouncer, abandoning pending batches, cancels in-flight
// units and waits for them to return.
func (p *Processor) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.debouncer.Stop()
	p.cancel()
	p.wg.Wait()
	p.metrics.SetDebouncePending(0)
	return nil
}

func (p *Processor) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// spawn runs fn on a tracked goroutine under the processor scope.
func (p *Processor) spawn(fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
	return nil
}

func (p *Processor) flushInbound(chatID string, items []wire.Inbound) {
	p.metrics.SetDebouncePending(p.debouncer.PendingCount())
	if err := p.spawn(func(ctx context.Context) {
		p.processInbound(ctx, chatID, items)
	}); err != nil {
		p.logger.Debug("dropping batch after close", "chat_id", chatID, "messages", len(items))
	}
}

func (p *Processor) rememberChannel(chatID, channel string) {
	if channel == "" {
		return
	}
	p.chanMu.Lock()
	p.channels[chatID] = channel
	p.chanMu.Unlock()
}

func (p *Processor) channelFor(chatID string) string {
	p.chanMu.Lock()
	defer p.chanMu.Unlock()
	if ch, ok := p.channels[chatID]; ok {
		return ch
	}
	return p.config.DefaultChannel
}

func (p *Processor) push(ctx context.Context, msg wire.Outbound) {
	p.peerMu.RLock()
	peer := p.peer
	p.peerMu.RUnlock()
	if peer == nil {
		p.logger.WarnContext(ctx, "no peer configured, dropping reply", "chat_id", msg.ChatID)
		return
	}
	if err := peer.Push(msg); err != nil {
		p.metrics.RecordError("processor", "deliver")
		p.logger.WarnContext(ctx, "reply delivery failed", "chat_id", msg.ChatID, "error", err)
		return
	}
	p.metrics.MessageReceived(msg.Channel, "outbound")
}

func (p *Processor) gatewayConnected() bool {
	p.peerMu.RLock()
	defer p.peerMu.RUnlock()
	return p.peer != nil && p.peer.GatewayConnected()
}

func newUnitID() string {
	return uuid.NewString()
}
