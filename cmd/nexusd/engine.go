package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/nexusd/internal/admission"
	"github.com/haasonsaas/nexusd/internal/agent"
	agentctx "github.com/haasonsaas/nexusd/internal/agent/context"
	"github.com/haasonsaas/nexusd/internal/config"
	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/llm/providers"
	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/processor"
	"github.com/haasonsaas/nexusd/internal/scheduler"
	"github.com/haasonsaas/nexusd/internal/sessions"
	"github.com/haasonsaas/nexusd/internal/tools"
	"github.com/haasonsaas/nexusd/internal/transport"
	"github.com/haasonsaas/nexusd/internal/workspace"
)

const tracerShutdownTimeout = 5 * time.Second

// engine is the assembled engine process.
type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	shutdownTracer func(context.Context) error
	store          sessions.Store
	workspace      *workspace.Workspace
	processor      *processor.Processor
	listener       *transport.Listener
	scheduler      *scheduler.Scheduler
}

// newEngine wires every engine component from cfg. Nothing is listening
// until start.
func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *engine, err error) {
	e := &engine{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = e.shutdown()
		}
	}()

	metrics := observability.NewMetrics(e.registry)
	traceCfg := cfg.Tracing
	traceCfg.ServiceVersion = version
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	e.shutdownTracer = shutdownTracer

	e.store, err = openStore(ctx, cfg.Database, metrics)
	if err != nil {
		return nil, err
	}

	provs, err := providers.NewAll(ctx, cfg.LLM.Providers)
	if err != nil {
		return nil, fmt.Errorf("init providers: %w", err)
	}
	catalog, err := llm.NewCatalog(cfg.LLM.Models)
	if err != nil {
		return nil, fmt.Errorf("init model catalog: %w", err)
	}
	router := llm.NewRouter(catalog, provs,
		llm.WithFallbacks(cfg.LLM.Fallbacks...),
		llm.WithRetryPolicy(cfg.LLM.Retry),
		llm.WithLogger(logger),
		llm.WithMetrics(metrics),
		llm.WithTracer(tracer),
	)

	e.workspace = workspace.New(cfg.Workspace, logger)
	result, err := e.workspace.Bootstrap(false)
	if err != nil {
		return nil, fmt.Errorf("bootstrap workspace: %w", err)
	}
	if len(result.Created) > 0 {
		logger.Info("workspace initialized", "path", e.workspace.Root(), "created", result.Created)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, e.workspace); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	executor := tools.NewExecutor(registry, cfg.Engine.Tools, logger, metrics, tracer)

	runner := agent.NewRunner(router, executor,
		agent.WithMaxRounds(cfg.Engine.MaxToolRounds),
		agent.WithMaxTokens(cfg.Engine.MaxTokens),
		agent.WithLogger(logger),
		agent.WithTracer(tracer),
	)

	limiter := admission.New(cfg.Engine.MaxConcurrent,
		admission.WithReservedInteractive(cfg.Engine.ReservedInteractive),
		admission.WithStateHook(func(s admission.Stats) {
			metrics.SetAdmission(admission.Interactive.String(), s.InUseInteractive, s.WaitingInteractive)
			metrics.SetAdmission(admission.Subagent.String(), s.InUseSubagent, s.WaitingSubagent)
		}),
	)

	e.processor, err = processor.New(cfg.Engine.Processing, processor.Deps{
		Store:      e.store,
		Router:     router,
		Runner:     runner,
		Limiter:    limiter,
		Tools:      registry,
		Workspace:  e.workspace,
		Summarizer: agentctx.NewSummarizer(routerSummarizer{router: router, model: cfg.LLM.SummaryModel}, cfg.Engine.Summarization),
		Builder:    agentctx.NewBuilder(agentctx.WithSafetyMargin(cfg.Engine.ContextSafetyMargin)),
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err != nil {
		return nil, err
	}

	e.listener = transport.NewListener(cfg.Engine.Listener, e.processor, logger, metrics)
	e.processor.SetPeer(e.listener)

	if cfg.Scheduler.Enabled && len(cfg.Scheduler.Tasks) > 0 {
		e.scheduler, err = scheduler.New(cfg.Scheduler, e.processor,
			scheduler.WithLogger(logger),
			scheduler.WithMetrics(metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("init scheduler: %w", err)
		}
	}
	return e, nil
}

func openStore(ctx context.Context, cfg sessions.SQLConfig, metrics *observability.Metrics) (sessions.Store, error) {
	if strings.EqualFold(cfg.Driver, config.DriverMemory) {
		return sessions.NewMemoryStore(), nil
	}
	store, err := sessions.OpenSQLStore(ctx, cfg, metrics)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return store, nil
}

// start binds the listener and starts background work under ctx.
func (e *engine) start(ctx context.Context) error {
	if err := e.listener.Start(ctx); err != nil {
		return err
	}
	if e.cfg.Workspace.Watch {
		if err := e.workspace.StartWatching(ctx); err != nil {
			e.logger.Warn("workspace watch disabled", "error", err)
		}
	}
	if e.scheduler != nil {
		e.scheduler.Start(ctx)
	}
	e.logger.Info("engine started",
		"addr", e.listener.Addr().String(),
		"default_model", e.cfg.LLM.DefaultModel,
		"max_concurrent", e.cfg.Engine.MaxConcurrent,
	)
	return nil
}

// wait serves metrics until ctx is done, then shuts everything down.
func (e *engine) wait(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(gctx, e.cfg.Metrics.Addr, e.cfg.Metrics.Path, e.registry, e.logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()
	e.logger.Info("shutting down engine")
	return errors.Join(err, e.shutdown())
}

// shutdown stops components in dependency order: no new traffic, then no
// running units, then storage. Each step runs even if an earlier one fails.
func (e *engine) shutdown() error {
	var errs []error
	if e.scheduler != nil {
		e.scheduler.Wait()
	}
	if e.listener != nil {
		errs = append(errs, e.listener.Stop())
	}
	if e.processor != nil {
		errs = append(errs, e.processor.Close())
	}
	if e.workspace != nil {
		errs = append(errs, e.workspace.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		errs = append(errs, e.shutdownTracer(ctx))
		cancel()
	}
	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("engine shutdown incomplete", "error", err)
	}
	return err
}

// routerSummarizer writes rolling summaries through the LLM router.
type routerSummarizer struct {
	router *llm.Router
	model  string
}

func (s routerSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.router.Chat(ctx, s.model, &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
