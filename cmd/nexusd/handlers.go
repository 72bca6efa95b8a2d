package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/nexusd/internal/config"
	"github.com/haasonsaas/nexusd/internal/gateway"
	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/transport"
	"github.com/haasonsaas/nexusd/internal/wire"
)

const metricsShutdownTimeout = 5 * time.Second

// loadConfig loads the file and installs the configured logger as default.
func loadConfig(path string, debug bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// =============================================================================
// Process Handlers
// =============================================================================

func runEngine(ctx context.Context, configPath string, debug bool) error {
	cfg, logger, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}
	logger.Info("starting nexusd engine", "version", version, "commit", commit, "config", configPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	if err := e.start(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to start engine: %w", err), e.shutdown())
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	logger.Info("engine stopped")
	return nil
}

func runGateway(ctx context.Context, configPath string, debug bool) error {
	cfg, logger, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}
	logger.Info("starting nexusd gateway", "version", version, "commit", commit, "config", configPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	hub := gateway.NewHub(cfg.Gateway.Web.Channel, logger)
	client := transport.NewClient(cfg.Gateway.Link, hub, logger, metrics)
	lock, err := client.LockBuffer(ctx)
	if err != nil {
		return fmt.Errorf("gateway already running: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release buffer lock", "path", lock.Path(), "error", err)
		}
	}()
	gw := gateway.New(cfg.Gateway.Web, hub, client, logger, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return gw.Run(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.GatewayAddr, cfg.Metrics.Path, registry, logger)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("gateway stopped", "buffered", client.Buffered())
	return nil
}

// serveMetrics exposes gatherer on addr until ctx is done.
func serveMetrics(ctx context.Context, addr, path string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	logger.Info("metrics server listening", "addr", ln.Addr().String(), "path", path)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// Control Handlers
// =============================================================================

func runCtl(cmd *cobra.Command, flags *ctlFlags, command string, params map[string]string) error {
	socket, tcp := flags.socket, flags.tcp
	if socket == "" && tcp == "" {
		cfg, err := config.Load(resolveConfigPath(cmd))
		switch {
		case err == nil:
			socket, tcp = cfg.Engine.Listener.SocketPath, cfg.Engine.Listener.TCPAddress
		case errors.Is(err, fs.ErrNotExist):
			// No config file: use the default socket.
		default:
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	for k, v := range params {
		if v == "" {
			delete(params, k)
		}
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	resp, err := transport.Call(ctx, socket, tcp, wire.CliRequest{Command: command, Params: params})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Result)
	return nil
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config ok: %s\n", path)
	fmt.Fprintf(out, "  default model: %s (%d models, %d providers)\n", cfg.LLM.DefaultModel, len(cfg.LLM.Models), len(cfg.LLM.Providers))
	fmt.Fprintf(out, "  database: %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  scheduled tasks: %d\n", len(cfg.Scheduler.Tasks))
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
