package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.MessagesTotal.WithLabelValues("telegram", "ok").Inc()
	m.MessagesTotal.WithLabelValues("telegram", "ok").Inc()
	m.ToolExecutionsTotal.WithLabelValues("web_search", "success").Inc()
	m.ActiveSessions.Set(3)

	if got := testutil.ToFloat64(m.MessagesTotal.WithLabelValues("telegram", "ok")); got != 2 {
		t.Errorf("messages_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("web_search", "success")); got != 1 {
		t.Errorf("tool_executions_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("active_sessions = %v, want 3", got)
	}
}

func TestNopMetricsIsolated(t *testing.T) {
	a := NopMetrics()
	b := NopMetrics()
	a.CompactionsTotal.Inc()

	if got := testutil.ToFloat64(b.CompactionsTotal); got != 0 {
		t.Errorf("separate NopMetrics share state: %v", got)
	}
}
