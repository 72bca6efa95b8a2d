package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by the engine and gateway.
//
// Every method is safe to call on a nil *Metrics, so components can be
// constructed without metrics in tests.
type Metrics struct {
	// MessageCounter tracks protocol messages.
	// Labels: channel, direction (inbound|outbound|command)
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures a single provider attempt in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider attempts.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMRetries counts retries of transient provider failures.
	// Labels: provider, model
	LLMRetries *prometheus.CounterVec

	// LLMFallbacks counts moves to the next model in a fallback chain.
	// Labels: from_model
	LLMFallbacks *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|tool_error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec

	// AdmissionInUse is the number of held permits.
	// Labels: class (interactive|subagent)
	AdmissionInUse *prometheus.GaugeVec

	// AdmissionWaiting is the number of queued requests.
	// Labels: class
	AdmissionWaiting *prometheus.GaugeVec

	// DebouncePending is the number of chats with a pending batch.
	DebouncePending prometheus.Gauge

	// PeerConnected is 1 while the gateway peer link is up.
	PeerConnected prometheus.Gauge

	// PeerBuffered counts messages written to the on-disk buffer.
	PeerBuffered prometheus.Counter

	// DatabaseQueryDuration measures database query latency.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts database queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec

	// ScheduledRuns counts scheduled task firings.
	// Labels: task, status (success|error|skipped)
	ScheduledRuns *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessageCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusd_messages_total",
				Help: "Total number of protocol messages by channel and direction",
			},
			[]string{"channel", "direction"},
		),
		LLMRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexusd_llm_request_duration_seconds",
				Help:    "Duration of LLM provider attempts in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusd_llm_requests_total",
				Help: "Total number of LLM provider attempts by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusd_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		LLMRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusd_llm_retries_total",
				Help: "Total number of retried LLM provider attempts",
			},
			[]string{"provider", "model"},
		),
		LLMFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusd_llm_fallbacks_total",
				Help: "Total number of fallbacks to the next model in the chain",
			},
			[]string{"from_model"},
		),
		ToolExecutionCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusd_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexusd_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ErrorCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusd_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
		AdmissionInUse: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexusd_admission_permits_in_use",
				Help: "Number of admission permits currently held by class",
			},
			[]string{"class"},
		),
		AdmissionWaiting: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexusd_admission_waiting",
				Help: "Number of requests waiting for an admission permit by class",
			},
			[]string{"class"},
		),
		DebouncePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "nexusd_debounce_pending_chats",
			Help: "Number of chats with a pending debounce batch",
		}),
		PeerConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "nexusd_peer_connected",
			Help: "Whether the gateway peer link is connected (1) or not (0)",
		}),
		PeerBuffered: f.NewCounter(prometheus.CounterOpts{
			Name: "nexusd_peer_buffered_messages_total",
			Help: "Total number of messages written to the on-disk peer buffer",
		}),
		DatabaseQueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexusd_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),
		DatabaseQueryCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusd_database_queries_total",
				Help: "Total number of database queries by operation, table, and status",
			},
			[]string{"operation", "table", "status"},
		),
		ScheduledRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusd_scheduled_runs_total",
				Help: "Total number of scheduled task runs by task and status",
			},
			[]string{"task", "status"},
		),
	}
}

// MessageReceived records a protocol message.
func (m *Metrics) MessageReceived(channel, direction string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, direction).Inc()
}

// RecordLLMRequest records one provider attempt.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMRetry records a retry of a transient provider failure.
func (m *Metrics) RecordLLMRetry(provider, model string) {
	if m == nil {
		return
	}
	m.LLMRetries.WithLabelValues(provider, model).Inc()
}

// RecordLLMFallback records leaving fromModel for the next chain entry.
func (m *Metrics) RecordLLMFallback(fromModel string) {
	if m == nil {
		return
	}
	m.LLMFallbacks.WithLabelValues(fromModel).Inc()
}

// RecordToolExecution records a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SetAdmission publishes admission limiter occupancy.
func (m *Metrics) SetAdmission(class string, inUse, waiting int) {
	if m == nil {
		return
	}
	m.AdmissionInUse.WithLabelValues(class).Set(float64(inUse))
	m.AdmissionWaiting.WithLabelValues(class).Set(float64(waiting))
}

// SetDebouncePending publishes the number of chats with pending batches.
func (m *Metrics) SetDebouncePending(n int) {
	if m == nil {
		return
	}
	m.DebouncePending.Set(float64(n))
}

// SetPeerConnected publishes the peer link state.
func (m *Metrics) SetPeerConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.PeerConnected.Set(1)
	} else {
		m.PeerConnected.Set(0)
	}
}

// RecordBuffered counts a message diverted to the on-disk buffer.
func (m *Metrics) RecordBuffered() {
	if m == nil {
		return
	}
	m.PeerBuffered.Inc()
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordScheduledRun records a scheduled task firing.
func (m *Metrics) RecordScheduledRun(task, status string) {
	if m == nil {
		return
	}
	m.ScheduledRuns.WithLabelValues(task, status).Inc()
}
