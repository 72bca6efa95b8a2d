// Package config loads the nexusd configuration file shared by the engine
// and the gateway processes.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/haasonsaas/nexusd/internal/agent"
	agentctx "github.com/haasonsaas/nexusd/internal/agent/context"
	"github.com/haasonsaas/nexusd/internal/debounce"
	"github.com/haasonsaas/nexusd/internal/gateway"
	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/llm/providers"
	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/processor"
	"github.com/haasonsaas/nexusd/internal/retry"
	"github.com/haasonsaas/nexusd/internal/scheduler"
	"github.com/haasonsaas/nexusd/internal/sessions"
	"github.com/haasonsaas/nexusd/internal/tools"
	"github.com/haasonsaas/nexusd/internal/transport"
	"github.com/haasonsaas/nexusd/internal/workspace"
)

// EnvPrefix prefixes every environment override, e.g. NEXUSD_LLM_DEFAULT_MODEL.
const EnvPrefix = "NEXUSD_"

// DriverMemory selects the in-memory session store.
const DriverMemory = "memory"

// Config is the main configuration structure for nexusd.
type Config struct {
	Version   int                       `yaml:"version"`
	Engine    EngineConfig              `yaml:"engine" envPrefix:"ENGINE_"`
	Gateway   GatewayConfig             `yaml:"gateway" envPrefix:"GATEWAY_"`
	LLM       LLMConfig                 `yaml:"llm" envPrefix:"LLM_"`
	Database  sessions.SQLConfig        `yaml:"database" envPrefix:"DATABASE_"`
	Workspace workspace.Config          `yaml:"workspace" envPrefix:"WORKSPACE_"`
	Scheduler scheduler.Config          `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Logging   observability.LogConfig   `yaml:"logging" envPrefix:"LOG_"`
	Tracing   observability.TraceConfig `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics   MetricsConfig             `yaml:"metrics" envPrefix:"METRICS_"`
}

// EngineConfig configures the engine process.
type EngineConfig struct {
	Listener   transport.ListenerConfig `yaml:"listener" envPrefix:"LISTENER_"`
	Processing processor.Config         `yaml:"processing" envPrefix:"PROCESSING_"`

	// MaxConcurrent is the number of processing units that may run at once.
	// Default: 4
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`

	// ReservedInteractive permits are never handed to scheduled work.
	// Default: 1
	ReservedInteractive int `yaml:"reserved_interactive" env:"RESERVED_INTERACTIVE"`

	// MaxToolRounds bounds the tool-call loop of one unit.
	// Default: 10
	MaxToolRounds int `yaml:"max_tool_rounds" env:"MAX_TOOL_ROUNDS"`

	// MaxTokens caps each completion; zero defers to the model entry.
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`

	// ContextSafetyMargin is the usable share of a model's context window.
	// Default: 0.9
	ContextSafetyMargin float64 `yaml:"context_safety_margin" env:"CONTEXT_SAFETY_MARGIN"`

	Tools         tools.ExecutorConfig         `yaml:"tools" envPrefix:"TOOLS_"`
	Summarization agentctx.SummarizationConfig `yaml:"summarization" envPrefix:"SUMMARIZATION_"`
}

// GatewayConfig configures the gateway process.
type GatewayConfig struct {
	// Link is the connection to the engine. The socket defaults to the
	// engine listener's.
	Link transport.ClientConfig `yaml:"link" envPrefix:"LINK_"`
	Web  gateway.Config         `yaml:"web" envPrefix:"WEB_"`
}

// LLMConfig configures providers, the model catalog and routing.
type LLMConfig struct {
	// DefaultModel is the "provider/model" new sessions start with.
	DefaultModel string `yaml:"default_model" env:"DEFAULT_MODEL"`

	// Fallbacks are tried in order when the selected model fails.
	Fallbacks []string `yaml:"fallbacks" env:"FALLBACKS"`

	// SummaryModel writes rolling summaries. Default: DefaultModel.
	SummaryModel string `yaml:"summary_model" env:"SUMMARY_MODEL"`

	Providers map[string]providers.Config `yaml:"providers"`
	Models    []llm.ModelInfo             `yaml:"models"`
	Retry     retry.Policy                `yaml:"retry" envPrefix:"RETRY_"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Addr is the listen address of the metrics server.
	// Default: 127.0.0.1:9464
	Addr string `yaml:"addr" env:"ADDR"`

	// GatewayAddr is the metrics listen address of the gateway process.
	// Default: 127.0.0.1:9465
	GatewayAddr string `yaml:"gateway_addr" env:"GATEWAY_ADDR"`

	// Path is the scrape path.
	// Default: /metrics
	Path string `yaml:"path" env:"PATH"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Engine: EngineConfig{
			Listener: transport.ListenerConfig{SocketMode: transport.DefaultSocketMode},
			Processing: processor.Config{
				HistoryLimit:   processor.DefaultHistoryLimit,
				UnitTimeout:    processor.DefaultUnitTimeout,
				Debounce:       debounce.Config{Quiet: 1500 * time.Millisecond},
				DefaultChannel: gateway.DefaultChannel,
			},
			MaxConcurrent:       4,
			ReservedInteractive: 1,
			MaxToolRounds:       agent.DefaultMaxRounds,
			ContextSafetyMargin: agentctx.DefaultSafetyMargin,
			Tools:               tools.DefaultExecutorConfig(),
		},
		Gateway: GatewayConfig{
			Web: gateway.DefaultConfig(),
		},
		LLM: LLMConfig{
			Retry: retry.DefaultPolicy(),
		},
		Database:  sessions.DefaultSQLConfig(),
		Workspace: workspace.DefaultConfig("workspace"),
		Scheduler: scheduler.Config{Enabled: true, TickInterval: time.Second},
		Logging:   observability.LogConfig{Level: "info", Format: "json"},
		Tracing:   observability.TraceConfig{ServiceName: "nexusd", SamplingRate: 1},
		Metrics:   MetricsConfig{Addr: "127.0.0.1:9464", GatewayAddr: "127.0.0.1:9465", Path: "/metrics"},
	}
}

// Load reads path, applies NEXUSD_* environment overrides and validates the
// result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, nil); err != nil {
		return nil, err
	}
	cfg.resolve()
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. environ replaces the process
// environment when non-nil.
func applyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// resolve fills values derived from other sections.
func (c *Config) resolve() {
	c.Engine.Processing.DefaultModel = c.LLM.DefaultModel
	if c.LLM.SummaryModel == "" {
		c.LLM.SummaryModel = c.LLM.DefaultModel
	}
	link := &c.Gateway.Link
	if link.SocketPath == "" && link.TCPAddress == "" {
		link.SocketPath = c.Engine.Listener.SocketPath
		link.TCPAddress = c.Engine.Listener.TCPAddress
	}
	if c.Gateway.Web.Channel == "" {
		c.Gateway.Web.Channel = c.Engine.Processing.DefaultChannel
	}
}
