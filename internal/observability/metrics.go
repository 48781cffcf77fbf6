package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the runtime emits. One instance is
// created at startup and shared; collectors are safe for concurrent use.
type Metrics struct {
	MessagesTotal   *prometheus.CounterVec
	TurnDuration    *prometheus.HistogramVec
	AgentIterations prometheus.Histogram

	LLMRequestsTotal *prometheus.CounterVec
	LLMTokensTotal   *prometheus.CounterVec

	ToolExecutionsTotal *prometheus.CounterVec
	ToolDuration        *prometheus.HistogramVec

	ApprovalsTotal   *prometheus.CounterVec
	CompactionsTotal prometheus.Counter

	SchedulerFiresTotal *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
}

// NewMetrics registers all collectors with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_messages_total",
			Help: "Inbound messages by channel and handling status.",
		}, []string{"channel", "status"}),

		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_turn_duration_seconds",
			Help:    "Wall time of one agent turn.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"channel"}),

		AgentIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_agent_iterations",
			Help:    "LLM/tool iterations consumed per turn.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 12},
		}),

		LLMRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_llm_requests_total",
			Help: "Gateway calls by provider and outcome.",
		}, []string{"provider", "outcome"}),

		LLMTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_llm_tokens_total",
			Help: "Token usage by provider and direction (input/output).",
		}, []string{"provider", "direction"}),

		ToolExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_tool_executions_total",
			Help: "Tool dispatches by tool name and outcome.",
		}, []string{"tool", "outcome"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_tool_duration_seconds",
			Help:    "Tool execution wall time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"tool"}),

		ApprovalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_approvals_total",
			Help: "Approval gate activity by outcome (created/approved/denied/expired).",
		}, []string{"outcome"}),

		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "steward_compactions_total",
			Help: "Conversation compactions performed.",
		}),

		SchedulerFiresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_scheduler_fires_total",
			Help: "Scheduled task fires by kind and outcome.",
		}, []string{"kind", "outcome"}),

		RateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_rate_limited_total",
			Help: "Messages rejected by the per-user rate limiter.",
		}, []string{"channel"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "steward_active_sessions",
			Help: "Sessions currently cached in memory.",
		}),
	}
}

// NopMetrics returns a Metrics wired to a throwaway registry. Used in tests
// and in components constructed without a metrics sink.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
