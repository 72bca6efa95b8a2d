package config

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/nexusd/internal/llm"
)

// ConfigValidationError lists every problem found in a configuration.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config invalid"
	}
	return "config invalid:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Validate checks cross-field constraints. It returns a
// *ConfigValidationError carrying every issue, or nil.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	issues = append(issues, c.llmIssues()...)

	e := c.Engine
	if e.MaxConcurrent < 1 {
		add("engine.max_concurrent must be at least 1")
	}
	if e.ReservedInteractive < 0 || (e.MaxConcurrent >= 1 && e.ReservedInteractive >= e.MaxConcurrent) {
		add("engine.reserved_interactive must be between 0 and max_concurrent-1")
	}
	if e.MaxToolRounds < 1 {
		add("engine.max_tool_rounds must be at least 1")
	}
	if e.ContextSafetyMargin <= 0 || e.ContextSafetyMargin > 1 {
		add("engine.context_safety_margin must be in (0, 1]")
	}
	if e.Listener.SocketMode&0o777 != e.Listener.SocketMode {
		add("engine.listener.socket_mode %o is not a permission mask", e.Listener.SocketMode)
	}

	switch strings.ToLower(c.Database.Driver) {
	case DriverMemory:
	case "sqlite", "sqlite3", "postgres", "postgresql", "pq":
		if strings.TrimSpace(c.Database.DSN) == "" {
			add("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		add("database.driver %q is not supported (sqlite, postgres, memory)", c.Database.Driver)
	}

	seen := map[string]bool{}
	for i, task := range c.Scheduler.Tasks {
		if err := task.Validate(); err != nil {
			add("scheduler.tasks[%d]: %v", i, err)
			continue
		}
		if seen[task.Name] {
			add("scheduler.tasks[%d]: duplicate task name %q", i, task.Name)
		}
		seen[task.Name] = true
		if task.Model != "" && !c.hasModel(task.Model) {
			add("scheduler.tasks[%d]: model %q is not in llm.models", i, task.Model)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		add("logging.format %q is not one of json, text", c.Logging.Format)
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		add("tracing.sampling_rate must be in [0, 1]")
	}
	if c.Metrics.Enabled {
		if strings.TrimSpace(c.Metrics.Addr) == "" || strings.TrimSpace(c.Metrics.GatewayAddr) == "" {
			add("metrics.addr and metrics.gateway_addr are required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			add("metrics.path must start with /")
		}
	}
	if p := c.Gateway.Web.Path; p != "" && !strings.HasPrefix(p, "/") {
		add("gateway.web.path must start with /")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func (c *Config) llmIssues() []string {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if _, err := llm.NewCatalog(c.LLM.Models); err != nil {
		add("llm.models: %v", err)
	}
	for _, m := range c.LLM.Models {
		provider, _, ok := llm.ParseModelID(m.ID)
		if ok && !c.hasProvider(provider) {
			add("llm.models: %s uses provider %q which is not in llm.providers", m.ID, provider)
		}
	}

	if strings.TrimSpace(c.LLM.DefaultModel) == "" {
		add("llm.default_model is required")
	} else if !c.hasModel(c.LLM.DefaultModel) {
		add("llm.default_model %q is not in llm.models", c.LLM.DefaultModel)
	}
	for _, id := range c.LLM.Fallbacks {
		if !c.hasModel(id) {
			add("llm.fallbacks: %q is not in llm.models", id)
		}
	}
	if c.LLM.SummaryModel != "" && !c.hasModel(c.LLM.SummaryModel) {
		add("llm.summary_model %q is not in llm.models", c.LLM.SummaryModel)
	}
	if c.LLM.Retry.MaxRetries < 0 {
		add("llm.retry.max_retries must not be negative")
	}
	return issues
}

func (c *Config) hasModel(id string) bool {
	provider, model, ok := llm.ParseModelID(id)
	if !ok {
		return false
	}
	want := provider + "/" + model
	for _, m := range c.LLM.Models {
		p, n, ok := llm.ParseModelID(m.ID)
		if ok && p+"/"+n == want {
			return true
		}
	}
	return false
}

func (c *Config) hasProvider(name string) bool {
	for key := range c.LLM.Providers {
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return true
		}
	}
	return false
}
