package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/retry"
)

// Route is a resolved model id.
type Route struct {
	ModelID  string
	Model    string
	Provider Provider
	Info     ModelInfo
}

// Router resolves model ids and runs completions with retry and fallback.
type Router struct {
	catalog   *Catalog
	providers map[string]Provider
	fallbacks []string
	policy    retry.Policy
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFallbacks sets the ordered fallback model ids.
func WithFallbacks(ids ...string) RouterOption {
	return func(r *Router) {
		r.fallbacks = append([]string(nil), ids...)
	}
}

// WithRetryPolicy sets the per-model retry policy.
func WithRetryPolicy(p retry.Policy) RouterOption {
	return func(r *Router) {
		r.policy = p
	}
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records provider attempts, retries and fallbacks.
func WithMetrics(m *observability.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithTracer traces each provider attempt.
func WithTracer(t *observability.Tracer) RouterOption {
	return func(r *Router) {
		r.tracer = t
	}
}

// NewRouter creates a router over catalog with the given providers.
func NewRouter(catalog *Catalog, providers []Provider, opts ...RouterOption) *Router {
	r := &Router{
		catalog:   catalog,
		providers: make(map[string]Provider, len(providers)),
		policy:    retry.DefaultPolicy(),
		logger:    slog.Default(),
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "llm-router")
	return r
}

// Resolve maps a "provider/model" id to a route. The model must be in the
// catalog and its provider must be configured.
func (r *Router) Resolve(modelID string) (Route, error) {
	providerName, model, ok := ParseModelID(modelID)
	if !ok {
		return Route{}, &RoutingError{ModelID: modelID, Reason: "expected provider/model"}
	}
	info, ok := r.catalog.Lookup(modelID)
	if !ok {
		return Route{}, &RoutingError{ModelID: modelID, Reason: "model not in catalog"}
	}
	provider, ok := r.providers[providerName]
	if !ok {
		return Route{}, &RoutingError{ModelID: modelID, Reason: "provider " + providerName + " not configured"}
	}
	return Route{ModelID: info.ID, Model: model, Provider: provider, Info: info}, nil
}

// Chain returns the candidate ids for modelID: the model itself followed by
// the fallbacks, with modelID removed from the tail.
func (r *Router) Chain(modelID string) []string {
	chain := []string{modelID}
	requested, _ := r.catalog.Lookup(modelID)
	for _, id := range r.fallbacks {
		if id == modelID {
			continue
		}
		if info, ok := r.catalog.Lookup(id); ok && requested.ID != "" && info.ID == requested.ID {
			continue
		}
		chain = append(chain, id)
	}
	return chain
}

// ContextWindow returns the context size of modelID, or the default when
// the model is unknown.
func (r *Router) ContextWindow(modelID string) int {
	if info, ok := r.catalog.Lookup(modelID); ok {
		return info.ContextWindow
	}
	return DefaultContextWindow
}

// Models lists the catalog entries whose provider is configured.
func (r *Router) Models() []ModelInfo {
	var out []ModelInfo
	for _, m := range r.catalog.Models() {
		if provider, _, ok := ParseModelID(m.ID); ok {
			if _, configured := r.providers[provider]; configured {
				out = append(out, m)
			}
		}
	}
	return out
}

// Chat runs req against modelID, falling back along the chain.
//
// Chain entries that cannot be resolved are skipped, the requested model
// included, so a model removed from the config still reaches the fallbacks.
// ErrContextLengthExceeded ends the chain at once. Cancellation is returned
// as-is. When no candidate succeeds the result is an
// *AllProvidersFailedError.
func (r *Router) Chat(ctx context.Context, modelID string, req *Request) (*Response, error) {
	failed := &AllProvidersFailedError{}
	for i, candidate := range r.Chain(modelID) {
		route, err := r.Resolve(candidate)
		if err != nil {
			r.logger.Warn("skipping unresolvable model", "model", candidate, "error", err)
			continue
		}
		if i > 0 {
			r.logger.Info("falling back", "model", route.ModelID)
		}

		resp, err := r.callWithRetry(ctx, route, req)
		if err == nil {
			resp.Model = route.ModelID
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrContextLengthExceeded) {
			return nil, err
		}

		r.logger.Warn("model failed", "model", route.ModelID, "error", err)
		r.metrics.RecordLLMFallback(route.ModelID)
		failed.Attempts = append(failed.Attempts, CandidateError{ModelID: route.ModelID, Err: err})
	}
	return nil, failed
}

func (r *Router) callWithRetry(ctx context.Context, route Route, req *Request) (*Response, error) {
	providerName := route.Provider.Name()
	callReq := *req
	if callReq.MaxTokens == 0 {
		callReq.MaxTokens = route.Info.MaxOutputTokens
	}

	resp, result := retry.DoWithValue(ctx, r.policy, IsRetryable, func(attempt int) (*Response, error) {
		if attempt > 0 {
			r.metrics.RecordLLMRetry(providerName, route.Model)
			r.logger.Debug("retrying provider call", "model", route.ModelID, "attempt", attempt)
		}

		attemptCtx, span := r.tracer.TraceLLMAttempt(ctx, providerName, route.Model, attempt)
		defer span.End()

		start := time.Now()
		resp, err := route.Provider.Chat(attemptCtx, route.Model, &callReq)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			observability.RecordError(span, err)
			r.metrics.RecordLLMRequest(providerName, route.Model, "error", elapsed, 0, 0)
			return nil, err
		}
		if resp == nil {
			resp = &Response{}
		}
		r.metrics.RecordLLMRequest(providerName, route.Model, "success", elapsed,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		return resp, nil
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return resp, nil
}
